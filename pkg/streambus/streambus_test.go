// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at KillKrill (https://www.killkrill.dev/).
// Copyright 2024-present KillKrill, Inc.

package streambus

import (
	"context"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// noBlock makes ReadGroup return immediately when the stream is drained.
const noBlock = time.Duration(-1)

func testBus(t *testing.T) (Bus, *miniredis.Miniredis) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	bus := NewWithClient(client)
	t.Cleanup(func() { bus.Close() })
	return bus, mr
}

func parseEntryID(t *testing.T, id string) (int64, int64) {
	ms, seq, ok := strings.Cut(id, "-")
	require.True(t, ok, "entry id %q not in ms-seq form", id)
	msN, err := strconv.ParseInt(ms, 10, 64)
	require.NoError(t, err)
	seqN, err := strconv.ParseInt(seq, 10, 64)
	require.NoError(t, err)
	return msN, seqN
}

func TestNewParsesURL(t *testing.T) {
	mr := miniredis.RunT(t)
	bus, err := New("redis://" + mr.Addr())
	require.NoError(t, err)
	defer bus.Close()

	require.NoError(t, bus.Ping(context.Background()))
}

func TestNewRejectsBadURL(t *testing.T) {
	_, err := New("not a url")
	require.Error(t, err)
}

func TestAppendIDsStrictlyIncreasing(t *testing.T) {
	bus, _ := testBus(t)
	ctx := context.Background()

	var prevMs, prevSeq int64 = -1, -1
	for i := 0; i < 100; i++ {
		id, err := bus.Append(ctx, StreamLogsRaw, map[string]string{"n": strconv.Itoa(i)})
		require.NoError(t, err)

		ms, seq := parseEntryID(t, id)
		greater := ms > prevMs || (ms == prevMs && seq > prevSeq)
		require.True(t, greater, "id %s did not advance past %d-%d", id, prevMs, prevSeq)
		prevMs, prevSeq = ms, seq
	}

	n, err := bus.StreamLength(ctx, StreamLogsRaw)
	require.NoError(t, err)
	assert.Equal(t, int64(100), n)
}

func TestCreateGroupIdempotent(t *testing.T) {
	bus, _ := testBus(t)
	ctx := context.Background()

	require.NoError(t, bus.CreateGroup(ctx, StreamLogsRaw, GroupELKWriters, StartBeginning))
	require.NoError(t, bus.CreateGroup(ctx, StreamLogsRaw, GroupELKWriters, StartBeginning))
}

func TestReadGroupAndAck(t *testing.T) {
	bus, _ := testBus(t)
	ctx := context.Background()

	require.NoError(t, bus.CreateGroup(ctx, StreamLogsRaw, GroupELKWriters, StartBeginning))

	var appended []string
	for i := 0; i < 3; i++ {
		id, err := bus.Append(ctx, StreamLogsRaw, map[string]string{
			"message": "entry " + strconv.Itoa(i),
			"source":  "app-1",
		})
		require.NoError(t, err)
		appended = append(appended, id)
	}

	entries, err := bus.ReadGroup(ctx, ReadArgs{
		Stream:   StreamLogsRaw,
		Group:    GroupELKWriters,
		Consumer: "worker-0",
		Count:    10,
		Block:    noBlock,
	})
	require.NoError(t, err)
	require.Len(t, entries, 3)
	for i, e := range entries {
		assert.Equal(t, appended[i], e.ID)
		assert.Equal(t, "entry "+strconv.Itoa(i), e.Fields["message"])
		assert.Equal(t, "app-1", e.Fields["source"])
	}

	pending, err := bus.PendingCount(ctx, StreamLogsRaw, GroupELKWriters)
	require.NoError(t, err)
	assert.Equal(t, int64(3), pending)

	acked, err := bus.Ack(ctx, StreamLogsRaw, GroupELKWriters, appended...)
	require.NoError(t, err)
	assert.Equal(t, int64(3), acked)

	pending, err = bus.PendingCount(ctx, StreamLogsRaw, GroupELKWriters)
	require.NoError(t, err)
	assert.Equal(t, int64(0), pending)

	// Stream retains the entries; acknowledgement only clears the group's
	// pending list.
	n, err := bus.StreamLength(ctx, StreamLogsRaw)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	entries, err = bus.ReadGroup(ctx, ReadArgs{
		Stream:   StreamLogsRaw,
		Group:    GroupELKWriters,
		Consumer: "worker-0",
		Count:    10,
		Block:    noBlock,
	})
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestAckNothingIsNoop(t *testing.T) {
	bus, _ := testBus(t)

	n, err := bus.Ack(context.Background(), StreamLogsRaw, GroupELKWriters)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestGroupStartTailSkipsExisting(t *testing.T) {
	bus, _ := testBus(t)
	ctx := context.Background()

	_, err := bus.Append(ctx, StreamMetricsRaw, map[string]string{"n": "old"})
	require.NoError(t, err)

	require.NoError(t, bus.CreateGroup(ctx, StreamMetricsRaw, GroupPrometheusWriters, StartTail))

	last, err := bus.Append(ctx, StreamMetricsRaw, map[string]string{"n": "new"})
	require.NoError(t, err)

	entries, err := bus.ReadGroup(ctx, ReadArgs{
		Stream:   StreamMetricsRaw,
		Group:    GroupPrometheusWriters,
		Consumer: "worker-0",
		Count:    10,
		Block:    noBlock,
	})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, last, entries[0].ID)
	assert.Equal(t, "new", entries[0].Fields["n"])
}

func TestClaimAfterIdleReassigns(t *testing.T) {
	bus, mr := testBus(t)
	ctx := context.Background()

	require.NoError(t, bus.CreateGroup(ctx, StreamLogsRaw, GroupELKWriters, StartBeginning))
	id, err := bus.Append(ctx, StreamLogsRaw, map[string]string{"message": "stuck"})
	require.NoError(t, err)

	// worker-0 reads the entry and then dies without acking.
	entries, err := bus.ReadGroup(ctx, ReadArgs{
		Stream:   StreamLogsRaw,
		Group:    GroupELKWriters,
		Consumer: "worker-0",
		Count:    10,
		Block:    noBlock,
	})
	require.NoError(t, err)
	require.Len(t, entries, 1)

	// Before the idle threshold nothing is claimable.
	claimed, err := bus.Claim(ctx, StreamLogsRaw, GroupELKWriters, "worker-1", time.Minute, id)
	require.NoError(t, err)
	assert.Empty(t, claimed)

	mr.FastForward(2 * time.Minute)

	pending, err := bus.PendingRange(ctx, StreamLogsRaw, GroupELKWriters, 100)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, id, pending[0].ID)
	assert.Equal(t, "worker-0", pending[0].Consumer)
	assert.GreaterOrEqual(t, pending[0].Idle, time.Minute)

	claimed, err = bus.Claim(ctx, StreamLogsRaw, GroupELKWriters, "worker-1", time.Minute, id)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, id, claimed[0].ID)
	assert.Equal(t, "stuck", claimed[0].Fields["message"])

	pending, err = bus.PendingRange(ctx, StreamLogsRaw, GroupELKWriters, 100)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "worker-1", pending[0].Consumer)
}

func TestClaimNothingIsNoop(t *testing.T) {
	bus, _ := testBus(t)

	entries, err := bus.Claim(context.Background(), StreamLogsRaw, GroupELKWriters, "worker-1", time.Minute)
	require.NoError(t, err)
	assert.Empty(t, entries)
}
