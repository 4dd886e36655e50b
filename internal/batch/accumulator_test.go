package batch

import (
	"fmt"
	"regexp"
	"testing"
	"time"

	"github.com/marcoeg/etrap/internal/protocol"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 14, 1, 20, 39, 0, time.UTC)}
}

func makeEvent(db, table string, i int) protocol.ChangeEvent {
	return protocol.ChangeEvent{
		Stream:      fmt.Sprintf("etrap.public.%s", table),
		EntryID:     fmt.Sprintf("1749864039877-%d", i),
		Operation:   protocol.OpInsert,
		TimestampMS: 1749864039877 + int64(i),
		Database:    db,
		Table:       table,
		After: map[string]protocol.Value{
			"id":     protocol.Integer(fmt.Sprintf("%d", i)),
			"amount": protocol.Decimal("999.99"),
		},
	}
}

func TestSealsAtMaxSize(t *testing.T) {
	clock := newClock()
	acc := NewAccumulator("demo-org", Options{MaxBatchSize: 1000}, clock.Now)

	var sealed *Batch
	for i := 0; i < 1000; i++ {
		b := acc.Add(makeEvent("prod", "financial_transactions", i))
		if b != nil {
			if i != 999 {
				t.Fatalf("sealed early at event %d", i)
			}
			sealed = b
		}
	}
	if sealed == nil {
		t.Fatalf("expected seal at max size")
	}
	if len(sealed.Transactions) != 1000 {
		t.Fatalf("batch has %d transactions, want 1000", len(sealed.Transactions))
	}
	if sealed.Tree.Height != 10 {
		t.Fatalf("tree height = %d, want 10", sealed.Tree.Height)
	}
	for i, tx := range sealed.Transactions {
		if tx.MerkleLeaf.Index != i {
			t.Fatalf("transaction %d has leaf index %d", i, tx.MerkleLeaf.Index)
		}
		if tx.Metadata.TransactionID != fmt.Sprintf("%s-%d", sealed.ID, i) {
			t.Fatalf("transaction %d id = %q", i, tx.Metadata.TransactionID)
		}
	}
	if acc.Pending() != 0 {
		t.Fatalf("pending = %d after seal", acc.Pending())
	}
}

func TestIdleTimeoutSealsBuffer(t *testing.T) {
	clock := newClock()
	acc := NewAccumulator("demo-org", Options{IdleTimeout: 60 * time.Second}, clock.Now)

	acc.Add(makeEvent("prod", "accounts", 0))
	if got := acc.CheckTriggers(true); len(got) != 0 {
		t.Fatalf("sealed before idle timeout elapsed")
	}
	clock.Advance(61 * time.Second)
	sealed := acc.CheckTriggers(true)
	if len(sealed) != 1 || len(sealed[0].Transactions) != 1 {
		t.Fatalf("expected one single-event batch, got %v", sealed)
	}
}

func TestIdleRequiresEmptyRead(t *testing.T) {
	clock := newClock()
	acc := NewAccumulator("demo-org", Options{IdleTimeout: 60 * time.Second}, clock.Now)

	acc.Add(makeEvent("prod", "accounts", 0))
	clock.Advance(2 * time.Minute)
	if got := acc.CheckTriggers(false); len(got) != 0 {
		t.Fatalf("idle seal fired on a non-empty read return")
	}
}

func TestMinBatchSizeHoldsIdleSeal(t *testing.T) {
	clock := newClock()
	acc := NewAccumulator("demo-org", Options{MinBatchSize: 3, IdleTimeout: 60 * time.Second}, clock.Now)

	acc.Add(makeEvent("prod", "accounts", 0))
	acc.Add(makeEvent("prod", "accounts", 1))
	clock.Advance(5 * time.Minute)
	if got := acc.CheckTriggers(true); len(got) != 0 {
		t.Fatalf("buffer below min_batch_size sealed by idle trigger")
	}
}

func TestForceSealAfterHardAge(t *testing.T) {
	clock := newClock()
	acc := NewAccumulator("demo-org", Options{
		MinBatchSize:   3,
		IdleTimeout:    60 * time.Second,
		ForceSealAfter: 300 * time.Second,
	}, clock.Now)

	acc.Add(makeEvent("prod", "accounts", 0))
	clock.Advance(2 * time.Minute)
	acc.Add(makeEvent("prod", "accounts", 1))
	clock.Advance(170 * time.Second)
	acc.Add(makeEvent("prod", "accounts", 2))
	clock.Advance(20 * time.Second)

	// Reads keep returning events, so the idle trigger never fires;
	// the hard-age trigger seals anyway.
	sealed := acc.CheckTriggers(false)
	if len(sealed) != 1 {
		t.Fatalf("expected force seal, got %d batches", len(sealed))
	}
	if len(sealed[0].Transactions) != 3 {
		t.Fatalf("force-sealed batch has %d events, want 3", len(sealed[0].Transactions))
	}
	for i, tx := range sealed[0].Transactions {
		if tx.MerkleLeaf.Index != i {
			t.Fatalf("arrival order not preserved at index %d", i)
		}
	}
}

func TestForceSealAppliesToSingleEvent(t *testing.T) {
	clock := newClock()
	acc := NewAccumulator("demo-org", Options{ForceSealAfter: 300 * time.Second}, clock.Now)

	acc.Add(makeEvent("prod", "accounts", 0))
	clock.Advance(301 * time.Second)
	sealed := acc.CheckTriggers(false)
	if len(sealed) != 1 || len(sealed[0].Transactions) != 1 {
		t.Fatalf("expected single-event force seal, got %v", sealed)
	}
}

func TestEmptyBufferNeverSeals(t *testing.T) {
	clock := newClock()
	acc := NewAccumulator("demo-org", Options{}, clock.Now)
	clock.Advance(time.Hour)
	if got := acc.CheckTriggers(true); len(got) != 0 {
		t.Fatalf("idle timeout with no buffered events produced a batch")
	}
}

func TestTablesBufferIndependently(t *testing.T) {
	clock := newClock()
	acc := NewAccumulator("demo-org", Options{IdleTimeout: 60 * time.Second}, clock.Now)

	acc.Add(makeEvent("prod", "transfers", 0))
	clock.Advance(45 * time.Second)
	acc.Add(makeEvent("prod", "accounts", 1))
	clock.Advance(20 * time.Second)

	// transfers is idle past the timeout, accounts is not.
	sealed := acc.CheckTriggers(true)
	if len(sealed) != 1 {
		t.Fatalf("expected one sealed batch, got %d", len(sealed))
	}
	if sealed[0].Tables[0] != "transfers" {
		t.Fatalf("sealed table %q, want transfers", sealed[0].Tables[0])
	}
}

func TestSealOrderIsDeterministic(t *testing.T) {
	clock := newClock()
	acc := NewAccumulator("demo-org", Options{IdleTimeout: time.Second}, clock.Now)

	acc.Add(makeEvent("prod", "zebra", 0))
	acc.Add(makeEvent("prod", "alpha", 1))
	acc.Add(makeEvent("prod", "mango", 2))
	clock.Advance(2 * time.Second)
	sealed := acc.CheckTriggers(true)
	if len(sealed) != 3 {
		t.Fatalf("expected 3 batches, got %d", len(sealed))
	}
	want := []string{"alpha", "mango", "zebra"}
	for i, b := range sealed {
		if b.Tables[0] != want[i] {
			t.Fatalf("seal order[%d] = %q, want %q", i, b.Tables[0], want[i])
		}
	}
}

func TestBatchIDFormatAndUniqueness(t *testing.T) {
	clock := newClock()
	acc := NewAccumulator("demo-org", Options{IdleTimeout: time.Second}, clock.Now)

	pattern := regexp.MustCompile(`^BATCH-2025-06-14-[0-9a-f]{8}(-T[0-9]+)?$`)
	seen := make(map[string]bool)
	for i := 0; i < 5; i++ {
		acc.Add(makeEvent("prod", fmt.Sprintf("table_%d", i), i))
	}
	clock.Advance(2 * time.Second)
	for _, b := range acc.CheckTriggers(true) {
		if !pattern.MatchString(b.ID) {
			t.Fatalf("batch id %q does not match expected format", b.ID)
		}
		if seen[b.ID] {
			t.Fatalf("duplicate batch id %q", b.ID)
		}
		seen[b.ID] = true
	}
	if len(seen) != 5 {
		t.Fatalf("expected 5 unique ids, got %d", len(seen))
	}
}

func TestFlushSealsAndDrops(t *testing.T) {
	clock := newClock()
	acc := NewAccumulator("demo-org", Options{MinBatchSize: 2}, clock.Now)

	acc.Add(makeEvent("prod", "accounts", 0))
	acc.Add(makeEvent("prod", "accounts", 1))
	acc.Add(makeEvent("prod", "transfers", 2))

	sealed, dropped := acc.Flush()
	if len(sealed) != 1 || sealed[0].Tables[0] != "accounts" {
		t.Fatalf("flush sealed %v", sealed)
	}
	if len(dropped) != 1 || dropped[0].Stream != "etrap.public.transfers" {
		t.Fatalf("flush dropped %v", dropped)
	}
	if acc.Pending() != 0 {
		t.Fatalf("pending = %d after flush", acc.Pending())
	}
}

func TestOperationCounts(t *testing.T) {
	clock := newClock()
	acc := NewAccumulator("demo-org", Options{}, clock.Now)

	ops := []protocol.Operation{protocol.OpInsert, protocol.OpUpdate, protocol.OpDelete, protocol.OpSnapshot}
	for i, op := range ops {
		e := makeEvent("prod", "accounts", i)
		e.Operation = op
		if op == protocol.OpDelete {
			e.Before, e.After = e.After, nil
		}
		acc.Add(e)
	}
	sealed, _ := acc.Flush()
	if len(sealed) != 1 {
		t.Fatalf("expected one batch")
	}
	counts := sealed[0].Counts
	if counts.Inserts != 2 || counts.Updates != 1 || counts.Deletes != 1 {
		t.Fatalf("counts = %+v", counts)
	}
}
