// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at KillKrill (https://www.killkrill.dev/).
// Copyright 2024-present KillKrill, Inc.

// Package streambus is the transport between receivers and workers. Receivers
// append raw entries to named streams; workers consume them through consumer
// groups with explicit acknowledgement, so an entry survives until some
// consumer has durably processed it.
package streambus

import (
	"context"
	"time"
)

// Stream and group names shared by receivers and workers.
const (
	StreamLogsRaw    = "logs:raw"
	StreamMetricsRaw = "metrics:raw"

	GroupELKWriters        = "elk-writers"
	GroupPrometheusWriters = "prometheus-writers"
)

// Group start positions for CreateGroup.
const (
	StartBeginning = "0"
	StartTail      = "$"
)

// Entry is one record read from a stream. IDs are assigned by the bus at
// append time and are strictly increasing within a stream.
type Entry struct {
	ID     string
	Fields map[string]string
}

// PendingEntry describes an entry that was delivered to a consumer but not
// yet acknowledged.
type PendingEntry struct {
	ID         string
	Consumer   string
	Idle       time.Duration
	RetryCount int64
}

// ReadArgs parameterizes a ReadGroup call.
type ReadArgs struct {
	Stream   string
	Group    string
	Consumer string
	Count    int64
	Block    time.Duration
}

// Bus is the append/consume contract. All implementations provide
// at-least-once delivery: an entry stays pending for its consumer until
// acknowledged, and idle pending entries can be claimed by another consumer.
type Bus interface {
	// Append adds an entry and returns its assigned id.
	Append(ctx context.Context, stream string, fields map[string]string) (string, error)

	// CreateGroup creates a consumer group reading from start ("0" for the
	// beginning of the stream, "$" for new entries only). Creating a group
	// that already exists is a no-op.
	CreateGroup(ctx context.Context, stream, group, start string) error

	// ReadGroup fetches up to args.Count new entries for the consumer,
	// blocking up to args.Block. An empty result is not an error.
	ReadGroup(ctx context.Context, args ReadArgs) ([]Entry, error)

	// Ack acknowledges processed ids and returns how many were newly acked.
	Ack(ctx context.Context, stream, group string, ids ...string) (int64, error)

	// PendingRange lists up to count pending entries for the group, oldest
	// delivery first.
	PendingRange(ctx context.Context, stream, group string, count int64) ([]PendingEntry, error)

	// Claim transfers ownership of the given pending ids to consumer,
	// provided they have been idle at least minIdle. Entries that no longer
	// exist are skipped.
	Claim(ctx context.Context, stream, group, consumer string, minIdle time.Duration, ids ...string) ([]Entry, error)

	// StreamLength returns the number of entries currently in the stream.
	StreamLength(ctx context.Context, stream string) (int64, error)

	// PendingCount returns the total number of pending entries for the group.
	PendingCount(ctx context.Context, stream, group string) (int64, error)

	// Ping verifies connectivity to the backing transport.
	Ping(ctx context.Context) error

	Close() error
}
