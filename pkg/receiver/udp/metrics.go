// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at KillKrill (https://www.killkrill.dev/).
// Copyright 2024-present KillKrill, Inc.

package udp

import (
	"expvar"

	"github.com/killkrill/killkrill/pkg/telemetry"
)

var (
	// SyslogExpvars contains metrics for the UDP syslog surface.
	SyslogExpvars *expvar.Map
	// PacketReadingErrors is the total number of transient datagram read errors.
	PacketReadingErrors = expvar.Int{}
	// ListenerRebinds is the total number of socket rebind attempts.
	ListenerRebinds = expvar.Int{}
	// TlmListenerRebinds is the total number of socket rebind attempts.
	TlmListenerRebinds = telemetry.NewCounter("syslog", "listener_rebinds_total",
		nil, "Total number of syslog listener rebind attempts")
	// TlmListenersReady is the number of syslog listeners currently bound.
	TlmListenersReady = telemetry.NewGauge("syslog", "listeners_ready",
		nil, "Number of syslog listeners currently bound and reading")
)

func init() {
	SyslogExpvars = expvar.NewMap("syslog-udp")
	SyslogExpvars.Set("PacketReadingErrors", &PacketReadingErrors)
	SyslogExpvars.Set("ListenerRebinds", &ListenerRebinds)
}
