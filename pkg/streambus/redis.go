// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at KillKrill (https://www.killkrill.dev/).
// Copyright 2024-present KillKrill, Inc.

package streambus

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// redisBus implements Bus on Redis Streams.
type redisBus struct {
	client *redis.Client
}

// New connects to the Redis instance at redisURL and returns a Bus backed by
// it. The URL carries auth and database selection (redis://[:pass@]host:port/db).
func New(redisURL string) (Bus, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("streambus: invalid redis url: %w", err)
	}
	return &redisBus{client: redis.NewClient(opts)}, nil
}

// NewWithClient wraps an existing client. Used by tests against miniredis.
func NewWithClient(client *redis.Client) Bus {
	return &redisBus{client: client}
}

func (b *redisBus) Append(ctx context.Context, stream string, fields map[string]string) (string, error) {
	values := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		values[k] = v
	}
	id, err := b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		Values: values,
	}).Result()
	if err != nil {
		TlmAppendErrors.Inc(stream)
		return "", fmt.Errorf("streambus: append to %s: %w", stream, err)
	}
	AppendedEntries.Add(1)
	TlmAppendedEntries.Inc(stream)
	return id, nil
}

func (b *redisBus) CreateGroup(ctx context.Context, stream, group, start string) error {
	err := b.client.XGroupCreateMkStream(ctx, stream, group, start).Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("streambus: create group %s on %s: %w", group, stream, err)
	}
	return nil
}

func (b *redisBus) ReadGroup(ctx context.Context, args ReadArgs) ([]Entry, error) {
	streams, err := b.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    args.Group,
		Consumer: args.Consumer,
		Streams:  []string{args.Stream, ">"},
		Count:    args.Count,
		Block:    args.Block,
	}).Result()
	if err != nil {
		// No entries arrived within the block window.
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("streambus: read group %s on %s: %w", args.Group, args.Stream, err)
	}

	var entries []Entry
	for _, s := range streams {
		for _, msg := range s.Messages {
			entries = append(entries, toEntry(msg))
		}
	}
	ReadEntries.Add(int64(len(entries)))
	TlmReadEntries.Add(float64(len(entries)), args.Stream, args.Group)
	return entries, nil
}

func (b *redisBus) Ack(ctx context.Context, stream, group string, ids ...string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	n, err := b.client.XAck(ctx, stream, group, ids...).Result()
	if err != nil {
		return 0, fmt.Errorf("streambus: ack on %s/%s: %w", stream, group, err)
	}
	AckedEntries.Add(n)
	TlmAckedEntries.Add(float64(n), stream, group)
	return n, nil
}

func (b *redisBus) PendingRange(ctx context.Context, stream, group string, count int64) ([]PendingEntry, error) {
	ext, err := b.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: stream,
		Group:  group,
		Start:  "-",
		End:    "+",
		Count:  count,
	}).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("streambus: pending range on %s/%s: %w", stream, group, err)
	}

	pending := make([]PendingEntry, 0, len(ext))
	for _, p := range ext {
		pending = append(pending, PendingEntry{
			ID:         p.ID,
			Consumer:   p.Consumer,
			Idle:       p.Idle,
			RetryCount: p.RetryCount,
		})
	}
	return pending, nil
}

func (b *redisBus) Claim(ctx context.Context, stream, group, consumer string, minIdle time.Duration, ids ...string) ([]Entry, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	msgs, err := b.client.XClaim(ctx, &redis.XClaimArgs{
		Stream:   stream,
		Group:    group,
		Consumer: consumer,
		MinIdle:  minIdle,
		Messages: ids,
	}).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("streambus: claim on %s/%s: %w", stream, group, err)
	}

	entries := make([]Entry, 0, len(msgs))
	for _, msg := range msgs {
		entries = append(entries, toEntry(msg))
	}
	ClaimedEntries.Add(int64(len(entries)))
	TlmClaimedEntries.Add(float64(len(entries)), stream, group)
	return entries, nil
}

func (b *redisBus) StreamLength(ctx context.Context, stream string) (int64, error) {
	n, err := b.client.XLen(ctx, stream).Result()
	if err != nil {
		return 0, fmt.Errorf("streambus: length of %s: %w", stream, err)
	}
	return n, nil
}

func (b *redisBus) PendingCount(ctx context.Context, stream, group string) (int64, error) {
	summary, err := b.client.XPending(ctx, stream, group).Result()
	if err != nil {
		if err == redis.Nil {
			return 0, nil
		}
		return 0, fmt.Errorf("streambus: pending count on %s/%s: %w", stream, group, err)
	}
	TlmStreamPending.Set(float64(summary.Count), stream, group)
	return summary.Count, nil
}

func (b *redisBus) Ping(ctx context.Context) error {
	if err := b.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("streambus: ping: %w", err)
	}
	return nil
}

func (b *redisBus) Close() error {
	return b.client.Close()
}

func toEntry(msg redis.XMessage) Entry {
	fields := make(map[string]string, len(msg.Values))
	for k, v := range msg.Values {
		if s, ok := v.(string); ok {
			fields[k] = s
		} else {
			fields[k] = fmt.Sprintf("%v", v)
		}
	}
	return Entry{ID: msg.ID, Fields: fields}
}
