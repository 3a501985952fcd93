// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at KillKrill (https://www.killkrill.dev/).
// Copyright 2024-present KillKrill, Inc.

// Package metrics holds the counters shared by the HTTP and UDP ingest
// surfaces.
package metrics

import (
	"expvar"

	"github.com/killkrill/killkrill/pkg/telemetry"
)

var (
	// IngestExpvars contains metrics for the ingest surfaces.
	IngestExpvars *expvar.Map
	// LogsReceived is the total number of log entries accepted, all protocols.
	LogsReceived = expvar.Int{}
	// TlmLogsReceived is the total number of log entries accepted, by protocol.
	TlmLogsReceived = telemetry.NewCounter("logs", "received_total",
		[]string{"protocol"}, "Total number of log entries accepted, by protocol")
	// LogsDropped is the total number of log entries lost after admission.
	LogsDropped = expvar.Int{}
	// TlmLogsDropped is the total number of log entries lost after admission, by reason.
	TlmLogsDropped = telemetry.NewCounter("logs", "dropped_total",
		[]string{"reason"}, "Total number of log entries dropped after admission, by reason")
	// PacketsTruncated is the total number of datagrams cut at the read buffer size.
	PacketsTruncated = expvar.Int{}
	// TlmPacketsTruncated is the total number of datagrams cut at the read buffer size.
	TlmPacketsTruncated = telemetry.NewCounter("packets", "truncated_total",
		nil, "Total number of datagrams truncated at the read buffer size")
	// MetricsReceived is the total number of metric samples accepted.
	MetricsReceived = expvar.Int{}
	// TlmMetricsReceived is the total number of metric samples accepted.
	TlmMetricsReceived = telemetry.NewCounter("metrics", "received_total",
		nil, "Total number of metric samples accepted")
	// MetricsRejected is the total number of metric samples rejected.
	MetricsRejected = expvar.Int{}
	// TlmMetricsRejected is the total number of metric samples rejected, by reason.
	TlmMetricsRejected = telemetry.NewCounter("metrics", "rejected_total",
		[]string{"reason"}, "Total number of metric samples rejected, by reason")
)

func init() {
	IngestExpvars = expvar.NewMap("ingest")
	IngestExpvars.Set("LogsReceived", &LogsReceived)
	IngestExpvars.Set("LogsDropped", &LogsDropped)
	IngestExpvars.Set("PacketsTruncated", &PacketsTruncated)
	IngestExpvars.Set("MetricsReceived", &MetricsReceived)
	IngestExpvars.Set("MetricsRejected", &MetricsRejected)
}
