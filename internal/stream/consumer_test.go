package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/marcoeg/etrap/internal/batch"
)

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func insertValue(id int) string {
	return fmt.Sprintf(`{"op":"c","source":{"db":"prod","schema":"public","table":"accounts","ts_ms":1749864039877},"after":{"id":%d}}`, id)
}

func newTestConsumer(b Broker) *Consumer {
	c := NewConsumer(b, ConsumerConfig{
		Pattern: "etrap.public.*",
		Group:   "etrap-agent",
		Name:    "agent-1",
	}, testLogger())
	c.backoffInitial = time.Millisecond
	c.backoffCap = 2 * time.Millisecond
	return c
}

func TestPollReadsAcrossStreams(t *testing.T) {
	b := newFakeBroker()
	b.add("etrap.public.accounts", "1-0", insertValue(1))
	b.add("etrap.public.transfers", "1-1", `{"op":"c","source":{"db":"prod","table":"transfers","ts_ms":2},"after":{"id":2}}`)
	b.add("other.stream", "1-2", insertValue(3))

	c := newTestConsumer(b)
	events, idle, err := c.Poll(context.Background(), 0)
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if idle {
		t.Fatalf("idle return with events present")
	}
	if len(events) != 2 {
		t.Fatalf("got %d events, want 2 (pattern must exclude other.stream)", len(events))
	}
}

func TestPollIdleReturn(t *testing.T) {
	b := newFakeBroker()
	b.add("etrap.public.accounts", "1-0", insertValue(1))

	c := newTestConsumer(b)
	if _, idle, err := c.Poll(context.Background(), 0); err != nil || idle {
		t.Fatalf("first poll: idle=%v err=%v", idle, err)
	}
	_, idle, err := c.Poll(context.Background(), 0)
	if err != nil {
		t.Fatalf("second poll: %v", err)
	}
	if !idle {
		t.Fatalf("expected idle return when no entries remain")
	}
}

func TestMalformedEntryAckedAndDropped(t *testing.T) {
	b := newFakeBroker()
	b.add("etrap.public.accounts", "1-0", "not json")
	b.add("etrap.public.accounts", "1-1", insertValue(1))

	c := newTestConsumer(b)
	events, _, err := c.Poll(context.Background(), 0)
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if len(events) != 1 || events[0].EntryID != "1-1" {
		t.Fatalf("events = %v", events)
	}
	acked := b.acked["etrap.public.accounts"]
	if len(acked) != 1 || acked[0] != "1-0" {
		t.Fatalf("malformed entry not acked: %v", acked)
	}
}

func TestPollRetriesAfterBrokerError(t *testing.T) {
	b := newFakeBroker()
	b.add("etrap.public.accounts", "1-0", insertValue(1))
	b.readErr = errors.New("connection reset")

	c := newTestConsumer(b)
	events, _, err := c.Poll(context.Background(), 0)
	if err != nil {
		t.Fatalf("Poll should retry through transient errors: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("got %d events after retry, want 1", len(events))
	}
}

func TestAckGroupsByStream(t *testing.T) {
	b := newFakeBroker()
	b.streams["etrap.public.accounts"] = nil
	b.streams["etrap.public.transfers"] = nil

	c := newTestConsumer(b)
	refs := []batch.EntryRef{
		{Stream: "etrap.public.accounts", EntryID: "1-0"},
		{Stream: "etrap.public.transfers", EntryID: "1-1"},
		{Stream: "etrap.public.accounts", EntryID: "1-2"},
	}
	if err := c.Ack(context.Background(), refs); err != nil {
		t.Fatalf("Ack: %v", err)
	}
	if got := b.acked["etrap.public.accounts"]; len(got) != 2 {
		t.Fatalf("accounts acks = %v", got)
	}
	if got := b.acked["etrap.public.transfers"]; len(got) != 1 {
		t.Fatalf("transfers acks = %v", got)
	}
}
