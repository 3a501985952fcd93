// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at KillKrill (https://www.killkrill.dev/).
// Copyright 2024-present KillKrill, Inc.

package submission

import (
	"expvar"

	"github.com/killkrill/killkrill/pkg/telemetry"
)

var (
	SubmissionExpvars = expvar.NewMap("submission")

	Submissions = expvar.Int{}
	Logins      = expvar.Int{}
	Fallbacks   = expvar.Int{}

	TlmSubmissions = telemetry.NewCounter("submission", "submits_total",
		[]string{"kind", "transport", "result"}, "Upstream submissions by kind, transport and result")
	TlmLogins = telemetry.NewCounter("submission", "logins_total",
		[]string{"result"}, "Upstream login attempts by result")
	TlmRefreshes = telemetry.NewCounter("submission", "refreshes_total",
		[]string{"result"}, "Upstream token refresh attempts by result")
	TlmFallbacks = telemetry.NewCounter("submission", "rpc_fallbacks_total",
		nil, "Times the client demoted itself from rpc to http transport")
)

func init() {
	SubmissionExpvars.Set("Submissions", &Submissions)
	SubmissionExpvars.Set("Logins", &Logins)
	SubmissionExpvars.Set("Fallbacks", &Fallbacks)
}
