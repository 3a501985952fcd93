// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at KillKrill (https://www.killkrill.dev/).
// Copyright 2024-present KillKrill, Inc.

package metricsworker

import (
	"expvar"

	"github.com/killkrill/killkrill/pkg/telemetry"
)

var (
	// MetricsworkerExpvars contains metrics for the metrics worker pool.
	MetricsworkerExpvars *expvar.Map
	// EntriesProcessed is the total number of entries pushed and acked.
	EntriesProcessed = expvar.Int{}
	// TlmEntriesProcessed is the total number of entries pushed and acked.
	TlmEntriesProcessed = telemetry.NewCounter("metricsworker", "entries_processed_total",
		nil, "Total number of metric entries pushed and acknowledged")
	// EntriesFailed is the total number of entries that could not be decoded.
	EntriesFailed = expvar.Int{}
	// TlmEntriesFailed is the total number of entries that could not be decoded, by reason.
	TlmEntriesFailed = telemetry.NewCounter("metricsworker", "entries_failed_total",
		[]string{"reason"}, "Total number of metric entries dropped, by reason")
	// EntriesClaimed is the total number of stale entries claimed from other consumers.
	EntriesClaimed = expvar.Int{}
	// TlmEntriesClaimed is the total number of stale entries claimed from other consumers.
	TlmEntriesClaimed = telemetry.NewCounter("metricsworker", "entries_claimed_total",
		nil, "Total number of stale pending entries claimed")
	// PushesSent is the total number of bodies accepted by the gateway.
	PushesSent = expvar.Int{}
	// TlmPushesSent is the total number of bodies accepted by the gateway.
	TlmPushesSent = telemetry.NewCounter("metricsworker", "pushes_sent_total",
		nil, "Total number of push bodies accepted by the gateway")
	// PushErrors is the total number of failed gateway pushes.
	PushErrors = expvar.Int{}
	// TlmPushErrors is the total number of failed gateway pushes.
	TlmPushErrors = telemetry.NewCounter("metricsworker", "push_errors_total",
		nil, "Total number of gateway pushes that failed")
	// SamplesPushed is the total number of samples accepted by the gateway.
	SamplesPushed = expvar.Int{}
	// TlmSamplesPushed is the total number of samples accepted by the gateway.
	TlmSamplesPushed = telemetry.NewCounter("metricsworker", "samples_pushed_total",
		nil, "Total number of metric samples accepted by the gateway")
	// SinkErrors is the total number of samples rejected by secondary sinks.
	SinkErrors = expvar.Int{}
	// TlmSinkErrors is the total number of samples rejected by secondary sinks, by sink.
	TlmSinkErrors = telemetry.NewCounter("metricsworker", "sink_errors_total",
		[]string{"sink"}, "Total number of samples rejected by secondary sinks, by sink")
)

func init() {
	MetricsworkerExpvars = expvar.NewMap("metricsworker")
	MetricsworkerExpvars.Set("EntriesProcessed", &EntriesProcessed)
	MetricsworkerExpvars.Set("EntriesFailed", &EntriesFailed)
	MetricsworkerExpvars.Set("EntriesClaimed", &EntriesClaimed)
	MetricsworkerExpvars.Set("PushesSent", &PushesSent)
	MetricsworkerExpvars.Set("PushErrors", &PushErrors)
	MetricsworkerExpvars.Set("SamplesPushed", &SamplesPushed)
	MetricsworkerExpvars.Set("SinkErrors", &SinkErrors)
}
