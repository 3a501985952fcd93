// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at KillKrill (https://www.killkrill.dev/).
// Copyright 2024-present KillKrill, Inc.

package streambus

import (
	"expvar"

	"github.com/killkrill/killkrill/pkg/telemetry"
)

var (
	// BusExpvars tracks stream bus activity for the expvar endpoint.
	BusExpvars = expvar.NewMap("streambus")

	AppendedEntries = expvar.Int{}
	ReadEntries     = expvar.Int{}
	AckedEntries    = expvar.Int{}
	ClaimedEntries  = expvar.Int{}

	TlmAppendedEntries = telemetry.NewCounter("stream", "appends_total",
		[]string{"stream"}, "Total entries appended to a stream")
	TlmAppendErrors = telemetry.NewCounter("stream", "append_errors_total",
		[]string{"stream"}, "Total append failures per stream")
	TlmReadEntries = telemetry.NewCounter("stream", "reads_total",
		[]string{"stream", "group"}, "Total entries delivered to consumer groups")
	TlmAckedEntries = telemetry.NewCounter("stream", "acks_total",
		[]string{"stream", "group"}, "Total entries acknowledged by consumer groups")
	TlmClaimedEntries = telemetry.NewCounter("stream", "claims_total",
		[]string{"stream", "group"}, "Total idle pending entries claimed by another consumer")
	TlmStreamPending = telemetry.NewGauge("stream", "pending",
		[]string{"stream", "group"}, "Entries delivered but not yet acknowledged")
)

func init() {
	BusExpvars.Set("AppendedEntries", &AppendedEntries)
	BusExpvars.Set("ReadEntries", &ReadEntries)
	BusExpvars.Set("AckedEntries", &AckedEntries)
	BusExpvars.Set("ClaimedEntries", &ClaimedEntries)
}
