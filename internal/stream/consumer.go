package stream

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/marcoeg/etrap/internal/batch"
	"github.com/marcoeg/etrap/internal/protocol"
)

type ConsumerConfig struct {
	Pattern     string
	Group       string
	Name        string
	IdleTimeout time.Duration
	ReadCount   int64
}

// Consumer discovers streams matching the configured pattern, joins
// the consumer group on each, and issues blocking multi-stream reads.
// Entries are acknowledged only after the orchestrator reports their
// batch committed; malformed entries are acknowledged immediately.
type Consumer struct {
	broker  Broker
	cfg     ConsumerConfig
	logger  *slog.Logger
	grouped map[string]bool

	backoffInitial time.Duration
	backoffCap     time.Duration
	backoff        time.Duration
}

func NewConsumer(broker Broker, cfg ConsumerConfig, logger *slog.Logger) *Consumer {
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 60 * time.Second
	}
	if cfg.ReadCount <= 0 {
		cfg.ReadCount = 1000
	}
	return &Consumer{
		broker:         broker,
		cfg:            cfg,
		logger:         logger,
		grouped:        make(map[string]bool),
		backoffInitial: time.Second,
		backoffCap:     30 * time.Second,
	}
}

// Poll performs one read cycle and returns the parsed events plus
// whether the read came back empty. Broker errors are retried
// internally with exponential backoff until the context is cancelled;
// re-discovery repeats on every retry.
func (c *Consumer) Poll(ctx context.Context, count int64) (events []protocol.ChangeEvent, idle bool, err error) {
	if count <= 0 || count > c.cfg.ReadCount {
		count = c.cfg.ReadCount
	}
	for {
		events, idle, err = c.pollOnce(ctx, count)
		if err == nil {
			c.backoff = 0
			return events, idle, nil
		}
		if ctx.Err() != nil {
			return nil, false, ctx.Err()
		}
		if c.backoff == 0 {
			c.backoff = c.backoffInitial
		} else {
			c.backoff *= 2
			if c.backoff > c.backoffCap {
				c.backoff = c.backoffCap
			}
		}
		c.logger.Error("broker read failed, retrying",
			slog.String("error", err.Error()),
			slog.Duration("backoff", c.backoff),
		)
		c.grouped = make(map[string]bool)
		select {
		case <-ctx.Done():
			return nil, false, ctx.Err()
		case <-time.After(c.backoff):
		}
	}
}

func (c *Consumer) pollOnce(ctx context.Context, count int64) ([]protocol.ChangeEvent, bool, error) {
	streams, err := c.broker.Discover(ctx, c.cfg.Pattern)
	if err != nil {
		return nil, false, err
	}
	if len(streams) == 0 {
		select {
		case <-ctx.Done():
			return nil, false, ctx.Err()
		case <-time.After(5 * time.Second):
		}
		return nil, true, nil
	}
	for _, stream := range streams {
		if c.grouped[stream] {
			continue
		}
		if err := c.broker.EnsureGroup(ctx, stream, c.cfg.Group); err != nil {
			return nil, false, err
		}
		c.grouped[stream] = true
	}

	entries, err := c.broker.ReadGroup(ctx, c.cfg.Group, c.cfg.Name, streams, count, c.cfg.IdleTimeout)
	if err != nil {
		return nil, false, err
	}
	if len(entries) == 0 {
		return nil, true, nil
	}

	events := make([]protocol.ChangeEvent, 0, len(entries))
	for _, entry := range entries {
		event, err := ParseEntry(entry)
		if err != nil {
			if errors.Is(err, protocol.ErrMalformedEvent) {
				c.logger.Warn("dropping malformed event", slog.String("error", err.Error()))
				if ackErr := c.broker.Ack(ctx, entry.Stream, c.cfg.Group, entry.ID); ackErr != nil {
					c.logger.Error("ack of malformed event failed",
						slog.String("stream", entry.Stream),
						slog.String("entry_id", entry.ID),
						slog.String("error", ackErr.Error()),
					)
				}
				continue
			}
			return nil, false, err
		}
		events = append(events, event)
	}
	return events, len(events) == 0, nil
}

// Ack acknowledges the broker entries of a committed batch, grouped by
// stream.
func (c *Consumer) Ack(ctx context.Context, refs []batch.EntryRef) error {
	byStream := make(map[string][]string)
	for _, ref := range refs {
		byStream[ref.Stream] = append(byStream[ref.Stream], ref.EntryID)
	}
	for stream, ids := range byStream {
		if err := c.broker.Ack(ctx, stream, c.cfg.Group, ids...); err != nil {
			return err
		}
	}
	return nil
}
