// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at KillKrill (https://www.killkrill.dev/).
// Copyright 2024-present KillKrill, Inc.

package httpapi

import (
	"expvar"

	"github.com/killkrill/killkrill/pkg/telemetry"
)

var (
	// ReceiverExpvars contains metrics for the HTTP ingest surface.
	ReceiverExpvars *expvar.Map
	// AuthRejected is the total number of requests refused by authentication.
	AuthRejected = expvar.Int{}
	// TlmAuthRejected is the total number of requests refused by authentication, by method.
	TlmAuthRejected = telemetry.NewCounter("receiver", "auth_rejected_total",
		[]string{"method"}, "Total number of requests refused by authentication, by credential method")
	// AuditErrors is the total number of failed audit batch inserts.
	AuditErrors = expvar.Int{}
	// TlmAuditErrors is the total number of failed audit batch inserts.
	TlmAuditErrors = telemetry.NewCounter("receiver", "audit_errors_total",
		nil, "Total number of failed audit batch inserts")
	// AppendErrors is the total number of stream appends that failed after retry.
	AppendErrors = expvar.Int{}
	// TlmAppendErrors is the total number of stream appends that failed after retry, by kind.
	TlmAppendErrors = telemetry.NewCounter("receiver", "append_errors_total",
		[]string{"kind"}, "Total number of stream appends that failed after retry, by kind")
	// ForwardQueued is the total number of payloads queued for upstream forwarding.
	ForwardQueued = expvar.Int{}
	// Forwarded is the total number of payloads delivered upstream.
	Forwarded = expvar.Int{}
	// TlmForwarded is the total number of payloads delivered upstream, by kind.
	TlmForwarded = telemetry.NewCounter("receiver", "forwarded_total",
		[]string{"kind"}, "Total number of payloads delivered upstream, by kind")
	// ForwardDropped is the total number of payloads dropped on forward queue overflow.
	ForwardDropped = expvar.Int{}
	// TlmForwardDropped is the total number of payloads dropped on forward queue overflow, by kind.
	TlmForwardDropped = telemetry.NewCounter("receiver", "forward_dropped_total",
		[]string{"kind"}, "Total number of payloads dropped on forward queue overflow, by kind")
	// ForwardErrors is the total number of upstream submissions that failed.
	ForwardErrors = expvar.Int{}
	// TlmForwardErrors is the total number of upstream submissions that failed, by kind.
	TlmForwardErrors = telemetry.NewCounter("receiver", "forward_errors_total",
		[]string{"kind"}, "Total number of upstream submissions that failed, by kind")
)

func init() {
	ReceiverExpvars = expvar.NewMap("receiver")
	ReceiverExpvars.Set("AuthRejected", &AuthRejected)
	ReceiverExpvars.Set("AuditErrors", &AuditErrors)
	ReceiverExpvars.Set("AppendErrors", &AppendErrors)
	ReceiverExpvars.Set("ForwardQueued", &ForwardQueued)
	ReceiverExpvars.Set("Forwarded", &Forwarded)
	ReceiverExpvars.Set("ForwardDropped", &ForwardDropped)
	ReceiverExpvars.Set("ForwardErrors", &ForwardErrors)
}
