// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at KillKrill (https://www.killkrill.dev/).
// Copyright 2024-present KillKrill, Inc.

package admission

import (
	"expvar"

	"github.com/killkrill/killkrill/pkg/telemetry"
)

var (
	// AdmissionExpvars contains metrics for the admission filter.
	AdmissionExpvars *expvar.Map
	// PacketsDropped is the total number of packet faults on the ingest path.
	PacketsDropped = expvar.Int{}
	// TlmPacketsDropped counts ingest-path packet faults by reason.
	// Admission owns ip_not_allowed and no_source; the syslog read path
	// records parse_error fallbacks under the same family.
	TlmPacketsDropped = telemetry.NewCounter("packets", "dropped_total",
		[]string{"reason"}, "Total number of packets dropped or degraded on the ingest path, by reason")
	// SnapshotsSwapped is the total number of rule snapshot reloads.
	SnapshotsSwapped = expvar.Int{}
	// TlmSnapshotsSwapped is the total number of rule snapshot reloads.
	TlmSnapshotsSwapped = telemetry.NewCounter("admission", "snapshot_reloads_total",
		nil, "Total number of rule snapshot reloads")
)

func init() {
	AdmissionExpvars = expvar.NewMap("admission")
	AdmissionExpvars.Set("PacketsDropped", &PacketsDropped)
	AdmissionExpvars.Set("SnapshotsSwapped", &SnapshotsSwapped)
}

func countDrop(v Verdict) {
	PacketsDropped.Add(1)
	TlmPacketsDropped.Inc(v.String())
}
