// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at KillKrill (https://www.killkrill.dev/).
// Copyright 2024-present KillKrill, Inc.

package syslog

// Facility and severity tables from RFC3164 section 4.1.1.

var facilityNames = [24]string{
	"kern", "user", "mail", "daemon",
	"auth", "syslog", "lpr", "news",
	"uucp", "cron", "authpriv", "ftp",
	"ntp", "audit", "alert", "clock",
	"local0", "local1", "local2", "local3",
	"local4", "local5", "local6", "local7",
}

var severityNames = [8]string{
	"emerg", "alert", "crit", "err",
	"warning", "notice", "info", "debug",
}

// FacilityName returns the textual name of a facility code, or "unknown".
func FacilityName(code int) string {
	if code < 0 || code >= len(facilityNames) {
		return "unknown"
	}
	return facilityNames[code]
}

// SeverityName returns the textual name of a severity code, or "unknown".
func SeverityName(code int) string {
	if code < 0 || code >= len(severityNames) {
		return "unknown"
	}
	return severityNames[code]
}
