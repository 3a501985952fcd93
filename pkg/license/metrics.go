// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at KillKrill (https://www.killkrill.dev/).
// Copyright 2024-present KillKrill, Inc.

package license

import (
	"expvar"

	"github.com/killkrill/killkrill/pkg/telemetry"
)

var (
	LicenseExpvars = expvar.NewMap("license")

	Validations = expvar.Int{}
	Keepalives  = expvar.Int{}

	TlmValidations = telemetry.NewCounter("license", "validations_total",
		[]string{"result"}, "License validation attempts by result")
	TlmKeepalives = telemetry.NewCounter("license", "keepalives_total",
		[]string{"result"}, "License keepalive reports by result")
)

func init() {
	LicenseExpvars.Set("Validations", &Validations)
	LicenseExpvars.Set("Keepalives", &Keepalives)
}
