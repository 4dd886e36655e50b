package stream

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Entry is one raw broker stream entry before envelope parsing.
type Entry struct {
	Stream string
	ID     string
	Fields map[string]string
}

// Broker is the capability surface the consumer needs from the stream
// broker. The redis implementation below is the production one; tests
// substitute an in-memory fake.
type Broker interface {
	Discover(ctx context.Context, pattern string) ([]string, error)
	EnsureGroup(ctx context.Context, stream, group string) error
	ReadGroup(ctx context.Context, group, consumer string, streams []string, count int64, block time.Duration) ([]Entry, error)
	Ack(ctx context.Context, stream, group string, ids ...string) error
	Close() error
}

type redisBroker struct {
	client *redis.Client
}

func NewRedisBroker(addr, password string) Broker {
	return &redisBroker{client: redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
	})}
}

func (b *redisBroker) Discover(ctx context.Context, pattern string) ([]string, error) {
	streams, err := b.client.Keys(ctx, pattern).Result()
	if err != nil {
		return nil, err
	}
	sort.Strings(streams)
	return streams, nil
}

func (b *redisBroker) EnsureGroup(ctx context.Context, stream, group string) error {
	err := b.client.XGroupCreateMkStream(ctx, stream, group, "0").Err()
	if err != nil && strings.Contains(err.Error(), "BUSYGROUP") {
		return nil
	}
	return err
}

func (b *redisBroker) ReadGroup(ctx context.Context, group, consumer string, streams []string, count int64, block time.Duration) ([]Entry, error) {
	args := make([]string, 0, len(streams)*2)
	args = append(args, streams...)
	for range streams {
		args = append(args, ">")
	}
	res, err := b.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  args,
		Count:    count,
		Block:    block,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	var entries []Entry
	for _, xs := range res {
		for _, msg := range xs.Messages {
			fields := make(map[string]string, len(msg.Values))
			for k, v := range msg.Values {
				if s, ok := v.(string); ok {
					fields[k] = s
				}
			}
			entries = append(entries, Entry{Stream: xs.Stream, ID: msg.ID, Fields: fields})
		}
	}
	return entries, nil
}

func (b *redisBroker) Ack(ctx context.Context, stream, group string, ids ...string) error {
	return b.client.XAck(ctx, stream, group, ids...).Err()
}

func (b *redisBroker) Close() error {
	return b.client.Close()
}
