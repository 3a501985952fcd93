// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at KillKrill (https://www.killkrill.dev/).
// Copyright 2024-present KillKrill, Inc.

package logworker

import (
	"expvar"

	"github.com/killkrill/killkrill/pkg/telemetry"
)

var (
	// LogworkerExpvars contains metrics for the log worker pool.
	LogworkerExpvars *expvar.Map
	// EntriesProcessed is the total number of entries indexed and acked.
	EntriesProcessed = expvar.Int{}
	// TlmEntriesProcessed is the total number of entries indexed and acked.
	TlmEntriesProcessed = telemetry.NewCounter("logworker", "entries_processed_total",
		nil, "Total number of log entries indexed and acknowledged")
	// EntriesFailed is the total number of entries that could not be indexed.
	EntriesFailed = expvar.Int{}
	// TlmEntriesFailed is the total number of entries that could not be indexed, by reason.
	TlmEntriesFailed = telemetry.NewCounter("logworker", "entries_failed_total",
		[]string{"reason"}, "Total number of log entries that could not be indexed, by reason")
	// EntriesClaimed is the total number of stale entries claimed from other consumers.
	EntriesClaimed = expvar.Int{}
	// TlmEntriesClaimed is the total number of stale entries claimed from other consumers.
	TlmEntriesClaimed = telemetry.NewCounter("logworker", "entries_claimed_total",
		nil, "Total number of stale pending entries claimed")
	// BulkRetries is the total number of bulk request retries.
	BulkRetries = expvar.Int{}
	// TlmBulkRetries is the total number of bulk request retries.
	TlmBulkRetries = telemetry.NewCounter("logworker", "bulk_retries_total",
		nil, "Total number of bulk indexing request retries")
)

func init() {
	LogworkerExpvars = expvar.NewMap("logworker")
	LogworkerExpvars.Set("EntriesProcessed", &EntriesProcessed)
	LogworkerExpvars.Set("EntriesFailed", &EntriesFailed)
	LogworkerExpvars.Set("EntriesClaimed", &EntriesClaimed)
	LogworkerExpvars.Set("BulkRetries", &BulkRetries)
}
