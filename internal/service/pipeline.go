package service

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/marcoeg/etrap/internal/anchor"
	"github.com/marcoeg/etrap/internal/batch"
	"github.com/marcoeg/etrap/internal/metrics"
	"github.com/marcoeg/etrap/internal/protocol"
)

// Consumer is the slice of the stream consumer the pipeline drives.
type Consumer interface {
	Poll(ctx context.Context, count int64) (events []protocol.ChangeEvent, idle bool, err error)
	Ack(ctx context.Context, refs []batch.EntryRef) error
}

// Publisher uploads one composed artifact set.
type Publisher interface {
	Publish(ctx context.Context, set *batch.ArtifactSet) error
	Bucket() string
}

// Minter anchors one batch on chain. A nil minter disables anchoring:
// batches are acknowledged after upload alone.
type Minter interface {
	Mint(ctx context.Context, req anchor.MintRequest) (*anchor.MintReceipt, error)
}

// ReceiptRecorder appends an audit row per anchored batch. Optional;
// failures never block the pipeline.
type ReceiptRecorder interface {
	RecordReceipt(ctx context.Context, b *batch.Batch, set *batch.ArtifactSet, receipt *anchor.MintReceipt) error
}

type Params struct {
	Consumer     Consumer
	Accumulator  *batch.Accumulator
	Publisher    Publisher
	Minter       Minter
	Journal      ReceiptRecorder
	Metrics      *metrics.Pipeline
	Logger       *slog.Logger
	AgentVersion string
	Receiver     string
	MaxBatchSize int
	Clock        func() time.Time
}

// Pipeline owns the consume → batch → compose → publish → mint → ack
// loop. Sealed batches are committed sequentially: ordering and
// failure semantics stay simple, and no lock is held across any of the
// external calls.
type Pipeline struct {
	consumer     Consumer
	acc          *batch.Accumulator
	publisher    Publisher
	minter       Minter
	journal      ReceiptRecorder
	metrics      *metrics.Pipeline
	logger       *slog.Logger
	agentVersion string
	receiver     string
	maxBatch     int
	clock        func() time.Time

	batchesTotal atomic.Int64
	eventsTotal  atomic.Int64
	mintsOK      atomic.Int64
	mintsFailed  atomic.Int64
	lastBatchMS  atomic.Int64
}

func NewPipeline(p Params) *Pipeline {
	if p.Clock == nil {
		p.Clock = time.Now
	}
	if p.MaxBatchSize <= 0 {
		p.MaxBatchSize = 1000
	}
	return &Pipeline{
		consumer:     p.Consumer,
		acc:          p.Accumulator,
		publisher:    p.Publisher,
		minter:       p.Minter,
		journal:      p.Journal,
		metrics:      p.Metrics,
		logger:       p.Logger,
		agentVersion: p.AgentVersion,
		receiver:     p.Receiver,
		maxBatch:     p.MaxBatchSize,
		clock:        p.Clock,
	}
}

// Run loops until the context is cancelled, then force-seals the
// remaining buffers and drains the commit pipeline. In-flight commits
// are never cancelled mid-way; they run to completion or to their own
// timeouts.
func (p *Pipeline) Run(ctx context.Context) error {
	p.logger.Info("pipeline started",
		slog.Int("max_batch_size", p.maxBatch),
		slog.String("bucket", p.publisher.Bucket()),
		slog.Bool("anchoring", p.minter != nil),
	)
	for ctx.Err() == nil {
		p.iterate(ctx)
	}
	p.drain(context.WithoutCancel(ctx))
	p.logger.Info("pipeline stopped",
		slog.Int64("batches_total", p.batchesTotal.Load()),
		slog.Int64("events_total", p.eventsTotal.Load()),
	)
	return nil
}

// iterate performs one read cycle and commits whatever sealed.
func (p *Pipeline) iterate(ctx context.Context) {
	capacity := int64(p.maxBatch - p.acc.Pending())
	events, idle, err := p.consumer.Poll(ctx, capacity)
	if err != nil {
		// Poll only fails on context cancellation; Run exits next pass.
		return
	}

	var sealed []*batch.Batch
	for _, e := range events {
		p.eventsTotal.Add(1)
		p.metrics.EventsProcessed.Inc()
		if b := p.acc.Add(e); b != nil {
			sealed = append(sealed, b)
		}
	}
	sealed = append(sealed, p.acc.CheckTriggers(idle)...)

	if idle && len(events) == 0 {
		p.metrics.EmptyReads.Inc()
	}

	// Commits are not cancelled by shutdown once started.
	commitCtx := context.WithoutCancel(ctx)
	for _, b := range sealed {
		p.commit(commitCtx, b)
	}
	p.metrics.PendingEvents.Set(float64(p.acc.Pending()))
}

// drain force-seals buffers holding at least the minimum batch size
// and commits them; smaller buffers are dropped unacknowledged so the
// broker redelivers their events after restart.
func (p *Pipeline) drain(ctx context.Context) {
	sealed, dropped := p.acc.Flush()
	if len(dropped) > 0 {
		p.logger.Info("dropping events below min batch size for redelivery",
			slog.Int("entries", len(dropped)))
	}
	for _, b := range sealed {
		p.commit(ctx, b)
	}
	p.metrics.PendingEvents.Set(0)
}

func (p *Pipeline) commit(ctx context.Context, b *batch.Batch) {
	logger := p.logger.With(
		slog.String("batch_id", b.ID),
		slog.String("database", b.Database),
		slog.String("table", b.Tables[0]),
		slog.Int("events", len(b.Transactions)),
	)

	set, err := batch.Compose(b, p.agentVersion)
	if err != nil {
		logger.Error("compose failed", slog.String("error", err.Error()))
		return
	}

	if err := p.publisher.Publish(ctx, set); err != nil {
		p.metrics.UploadsFailed.Inc()
		logger.Error("artifact upload failed, batch will reseal",
			slog.String("error", err.Error()))
		return
	}

	var receipt *anchor.MintReceipt
	if p.minter != nil {
		req := anchor.MintRequest{
			TokenID:       b.ID,
			ReceiverID:    p.receiver,
			TokenMetadata: anchor.NewTokenMetadata(b, set, p.publisher.Bucket(), p.clock()),
			BatchSummary:  anchor.NewBatchSummary(b, set, p.publisher.Bucket()),
		}
		receipt, err = p.minter.Mint(ctx, req)
		if err != nil {
			p.mintsFailed.Add(1)
			p.metrics.MintsFailed.Inc()
			logger.Error("mint failed, artifacts retained, no ack",
				slog.String("error", err.Error()))
			return
		}
		p.mintsOK.Add(1)
		p.metrics.MintsSucceeded.Inc()
		logger.Info("batch anchored",
			slog.String("merkle_root", set.MerkleRoot),
			slog.String("tx_hash", receipt.TxHash),
			slog.Bool("already_minted", receipt.AlreadyMinted),
		)
		if p.journal != nil {
			if err := p.journal.RecordReceipt(ctx, b, set, receipt); err != nil {
				logger.Warn("receipt journal write failed",
					slog.String("error", err.Error()))
			}
		}
	} else {
		logger.Info("batch published without anchoring",
			slog.String("merkle_root", set.MerkleRoot))
	}

	if err := p.consumer.Ack(ctx, b.Entries); err != nil {
		// The batch is committed; a failed ack only means redelivery
		// and downstream dedup by content hash.
		logger.Warn("ack failed, entries will be redelivered",
			slog.String("error", err.Error()))
	}

	p.batchesTotal.Add(1)
	p.lastBatchMS.Store(p.clock().UnixMilli())
	p.metrics.BatchesCreated.Inc()
	p.metrics.LastBatchAt.Set(float64(p.clock().Unix()))

	if n := p.batchesTotal.Load(); n%10 == 0 {
		p.logger.Info("pipeline statistics",
			slog.Int64("batches_total", n),
			slog.Int64("events_total", p.eventsTotal.Load()),
			slog.Int64("mints_succeeded", p.mintsOK.Load()),
			slog.Int64("mints_failed", p.mintsFailed.Load()),
		)
	}
}

// Health is the snapshot served by the ops endpoint.
type Health struct {
	Status        string `json:"status"`
	BatchesTotal  int64  `json:"batches_total"`
	EventsTotal   int64  `json:"events_total"`
	MintsOK       int64  `json:"mints_succeeded"`
	MintsFailed   int64  `json:"mints_failed"`
	LastBatchAtMS int64  `json:"last_batch_unix_ms"`
}

func (p *Pipeline) Health() Health {
	return Health{
		Status:        "ok",
		BatchesTotal:  p.batchesTotal.Load(),
		EventsTotal:   p.eventsTotal.Load(),
		MintsOK:       p.mintsOK.Load(),
		MintsFailed:   p.mintsFailed.Load(),
		LastBatchAtMS: p.lastBatchMS.Load(),
	}
}
