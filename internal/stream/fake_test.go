package stream

import (
	"context"
	"path"
	"sort"
	"time"
)

// fakeBroker is the in-memory broker used by the consumer tests.
type fakeBroker struct {
	streams map[string][]Entry
	groups  map[string]map[string]int // stream -> group -> next index
	acked   map[string][]string       // stream -> acked ids
	readErr error
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{
		streams: make(map[string][]Entry),
		groups:  make(map[string]map[string]int),
		acked:   make(map[string][]string),
	}
}

func (b *fakeBroker) add(stream, id, value string) {
	b.streams[stream] = append(b.streams[stream], Entry{
		Stream: stream,
		ID:     id,
		Fields: map[string]string{"value": value},
	})
}

func (b *fakeBroker) Discover(_ context.Context, pattern string) ([]string, error) {
	var names []string
	for name := range b.streams {
		if ok, _ := path.Match(pattern, name); ok {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names, nil
}

func (b *fakeBroker) EnsureGroup(_ context.Context, stream, group string) error {
	if b.groups[stream] == nil {
		b.groups[stream] = make(map[string]int)
	}
	if _, ok := b.groups[stream][group]; !ok {
		b.groups[stream][group] = 0
	}
	return nil
}

func (b *fakeBroker) ReadGroup(_ context.Context, group, _ string, streams []string, count int64, _ time.Duration) ([]Entry, error) {
	if b.readErr != nil {
		err := b.readErr
		b.readErr = nil
		return nil, err
	}
	var out []Entry
	for _, stream := range streams {
		cursor := b.groups[stream][group]
		for cursor < len(b.streams[stream]) && int64(len(out)) < count {
			out = append(out, b.streams[stream][cursor])
			cursor++
		}
		b.groups[stream][group] = cursor
	}
	return out, nil
}

func (b *fakeBroker) Ack(_ context.Context, stream, _ string, ids ...string) error {
	b.acked[stream] = append(b.acked[stream], ids...)
	return nil
}

func (b *fakeBroker) Close() error { return nil }
