// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at KillKrill (https://www.killkrill.dev/).
// Copyright 2024-present KillKrill, Inc.

package control

import (
	"expvar"

	"github.com/killkrill/killkrill/pkg/telemetry"
)

var (
	// ControlExpvars contains metrics for the control surface.
	ControlExpvars *expvar.Map
	// AuthRejected is the total number of rejected control requests.
	AuthRejected = expvar.Int{}
	// TlmAuthRejected is the total number of rejected control requests, by method.
	TlmAuthRejected = telemetry.NewCounter("control", "auth_rejected_total",
		[]string{"method"}, "Total number of control requests rejected at auth, by method")
	// ConfigPolls is the total number of served sensor config polls.
	ConfigPolls = expvar.Int{}
	// TlmConfigPolls is the total number of served sensor config polls.
	TlmConfigPolls = telemetry.NewCounter("control", "config_polls_total",
		nil, "Total number of sensor configuration polls served")
	// HeartbeatsRecorded is the total number of explicit sensor heartbeats.
	HeartbeatsRecorded = expvar.Int{}
	// TlmHeartbeatsRecorded is the total number of explicit sensor heartbeats.
	TlmHeartbeatsRecorded = telemetry.NewCounter("control", "heartbeats_total",
		nil, "Total number of sensor heartbeats recorded")
	// ResultsAccepted is the total number of stored check results.
	ResultsAccepted = expvar.Int{}
	// TlmResultsAccepted is the total number of stored check results.
	TlmResultsAccepted = telemetry.NewCounter("control", "results_accepted_total",
		nil, "Total number of check results stored")
	// ResultsRejected is the total number of skipped invalid check results.
	ResultsRejected = expvar.Int{}
	// TlmResultsRejected is the total number of skipped invalid check results.
	TlmResultsRejected = telemetry.NewCounter("control", "results_rejected_total",
		nil, "Total number of check results skipped as invalid")
)

func init() {
	ControlExpvars = expvar.NewMap("control")
	ControlExpvars.Set("AuthRejected", &AuthRejected)
	ControlExpvars.Set("ConfigPolls", &ConfigPolls)
	ControlExpvars.Set("HeartbeatsRecorded", &HeartbeatsRecorded)
	ControlExpvars.Set("ResultsAccepted", &ResultsAccepted)
	ControlExpvars.Set("ResultsRejected", &ResultsRejected)
}
