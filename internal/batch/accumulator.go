package batch

import (
	"sort"
	"strconv"
	"time"

	"github.com/marcoeg/etrap/internal/protocol"
)

type Options struct {
	MaxBatchSize   int
	MinBatchSize   int
	IdleTimeout    time.Duration
	ForceSealAfter time.Duration
}

func (o Options) withDefaults() Options {
	if o.MaxBatchSize <= 0 {
		o.MaxBatchSize = 1000
	}
	if o.MinBatchSize <= 0 {
		o.MinBatchSize = 1
	}
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = 60 * time.Second
	}
	if o.ForceSealAfter <= 0 {
		o.ForceSealAfter = 300 * time.Second
	}
	return o
}

type bufferKey struct {
	Database string
	Table    string
}

type buffer struct {
	events  []protocol.ChangeEvent
	entries []EntryRef
	firstAt time.Time
	lastAt  time.Time
}

// Accumulator keeps one open buffer per observed (database, table)
// pair and seals batches under the size, idle, and hard-age triggers.
// It is driven by a single consumer task and holds no locks.
type Accumulator struct {
	opts    Options
	org     string
	clock   func() time.Time
	buffers map[bufferKey]*buffer
	ids     idGenerator
}

func NewAccumulator(org string, opts Options, clock func() time.Time) *Accumulator {
	if clock == nil {
		clock = time.Now
	}
	return &Accumulator{
		opts:    opts.withDefaults(),
		org:     org,
		clock:   clock,
		buffers: make(map[bufferKey]*buffer),
	}
}

// Add buffers one event. When the buffer reaches MaxBatchSize it seals
// immediately and the sealed batch is returned.
func (a *Accumulator) Add(e protocol.ChangeEvent) *Batch {
	key := bufferKey{Database: e.Database, Table: e.Table}
	buf, ok := a.buffers[key]
	now := a.clock()
	if !ok {
		buf = &buffer{firstAt: now}
		a.buffers[key] = buf
	}
	buf.events = append(buf.events, e)
	buf.entries = append(buf.entries, EntryRef{Stream: e.Stream, EntryID: e.EntryID})
	buf.lastAt = now
	if len(buf.events) >= a.opts.MaxBatchSize {
		return a.seal(key, buf)
	}
	return nil
}

// CheckTriggers runs trigger evaluation after a consumer read returns.
// idleReturn reports whether the read came back empty. Buffers are
// visited in sorted key order so sealing order is deterministic.
func (a *Accumulator) CheckTriggers(idleReturn bool) []*Batch {
	now := a.clock()
	keys := make([]bufferKey, 0, len(a.buffers))
	for key := range a.buffers {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Database != keys[j].Database {
			return keys[i].Database < keys[j].Database
		}
		return keys[i].Table < keys[j].Table
	})

	var sealed []*Batch
	for _, key := range keys {
		buf := a.buffers[key]
		switch {
		case len(buf.events) >= a.opts.MaxBatchSize:
			sealed = append(sealed, a.seal(key, buf))
		case len(buf.events) < a.opts.MinBatchSize:
			// Below the minimum a buffer only seals at max size or on
			// shutdown.
		case now.Sub(buf.firstAt) >= a.opts.ForceSealAfter:
			sealed = append(sealed, a.seal(key, buf))
		case idleReturn && now.Sub(buf.lastAt) >= a.opts.IdleTimeout:
			sealed = append(sealed, a.seal(key, buf))
		}
	}
	return sealed
}

// Flush seals every buffer holding at least MinBatchSize events, in
// deterministic order, and drops the rest. Dropped entries are not
// acknowledged so the broker redelivers them after restart.
func (a *Accumulator) Flush() (sealed []*Batch, dropped []EntryRef) {
	keys := make([]bufferKey, 0, len(a.buffers))
	for key := range a.buffers {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Database != keys[j].Database {
			return keys[i].Database < keys[j].Database
		}
		return keys[i].Table < keys[j].Table
	})
	for _, key := range keys {
		buf := a.buffers[key]
		if len(buf.events) >= a.opts.MinBatchSize {
			sealed = append(sealed, a.seal(key, buf))
		} else {
			dropped = append(dropped, buf.entries...)
			delete(a.buffers, key)
		}
	}
	return sealed, dropped
}

// Pending reports the number of buffered, unsealed events.
func (a *Accumulator) Pending() int {
	total := 0
	for _, buf := range a.buffers {
		total += len(buf.events)
	}
	return total
}

func (a *Accumulator) seal(key bufferKey, buf *buffer) *Batch {
	delete(a.buffers, key)
	now := a.clock()
	id := a.ids.next(now)

	b := &Batch{
		ID:             id,
		CreatedAtMS:    now.UnixMilli(),
		OrganizationID: a.org,
		Database:       key.Database,
		Tables:         []string{key.Table},
		Transactions:   make([]Transaction, 0, len(buf.events)),
		Indices: Indices{
			ByTimestamp: make(map[string][]string),
			ByOperation: make(map[string][]string),
			ByDate:      make(map[string][]string),
		},
		Entries: buf.entries,
	}

	leaves := make([]string, 0, len(buf.events))
	for idx, e := range buf.events {
		txID := id + "-" + strconv.Itoa(idx)
		leafHash := protocol.LeafHash(txID, e)
		tx := Transaction{
			Metadata: TransactionMetadata{
				TransactionID: txID,
				Timestamp:     e.TimestampMS,
				OperationType: e.Operation,
				DatabaseName:  e.Database,
				TableAffected: e.Table,
				Hash:          leafHash,
			},
			MerkleLeaf: MerkleLeaf{
				Index:       idx,
				Hash:        leafHash,
				RawDataHash: protocol.RawDataHash(e),
			},
		}
		b.Transactions = append(b.Transactions, tx)
		leaves = append(leaves, leafHash)

		b.Indices.ByTimestamp[strconv.FormatInt(e.TimestampMS, 10)] = append(b.Indices.ByTimestamp[strconv.FormatInt(e.TimestampMS, 10)], txID)
		b.Indices.ByOperation[string(e.Operation)] = append(b.Indices.ByOperation[string(e.Operation)], txID)
		b.Indices.ByDate[dateOf(e.TimestampMS)] = append(b.Indices.ByDate[dateOf(e.TimestampMS)], txID)

		switch e.Operation {
		case protocol.OpInsert, protocol.OpSnapshot:
			b.Counts.Inserts++
		case protocol.OpUpdate:
			b.Counts.Updates++
		case protocol.OpDelete:
			b.Counts.Deletes++
		}
	}

	tree, err := protocol.BuildMerkleTree(leaves)
	if err != nil {
		// Buffers are only sealed with at least one event, so the
		// builder cannot see an empty leaf list here.
		panic("seal: " + err.Error())
	}
	b.Tree = tree
	return b
}
