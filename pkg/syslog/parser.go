// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at KillKrill (https://www.killkrill.dev/).
// Copyright 2024-present KillKrill, Inc.

// Package syslog parses the classic BSD syslog wire format (RFC3164):
// <PRI>TIMESTAMP HOSTNAME TAG: MSG. Parsing never rejects a datagram; on
// any sub-parse failure the remaining payload is retained as the message
// and an error is returned so callers can count the fallback.
package syslog

import (
	"bytes"
	"errors"
	"strconv"
	"strings"
	"time"
)

// Defaults applied when no valid <PRI> is present (RFC3164 section 4.3.3).
const (
	defaultFacility = 1 // user
	defaultSeverity = 5 // notice
)

const timestampLayout = "Jan _2 15:04:05"

// Errors describing which stage of the parse fell back.
var (
	ErrNoPriority   = errors.New("syslog: no <PRI> prefix")
	ErrBadTimestamp = errors.New("syslog: unparsable timestamp")
	ErrBadTag       = errors.New("syslog: unparsable tag")
)

// Message is one parsed syslog datagram.
type Message struct {
	Priority  int // raw PRI, -1 when absent
	Facility  string
	Severity  string
	Timestamp time.Time
	Hostname  string
	Program   string
	PID       string
	Message   string
}

// Parse extracts the RFC3164 fields from payload. now supplies the year for
// the year-less syslog timestamp and the fallback event time. The returned
// error is nil only for a complete parse; the Message is always usable.
func Parse(payload []byte, now time.Time) (Message, error) {
	msg := Message{
		Priority:  -1,
		Facility:  FacilityName(defaultFacility),
		Severity:  SeverityName(defaultSeverity),
		Timestamp: now,
		Message:   string(payload),
	}

	pri, rest, ok := parsePriority(payload)
	if !ok {
		return msg, ErrNoPriority
	}
	msg.Priority = pri
	msg.Facility = FacilityName(pri >> 3)
	msg.Severity = SeverityName(pri & 7)
	msg.Message = string(rest)

	ts, rest, ok := parseTimestamp(rest, now)
	if !ok {
		return msg, ErrBadTimestamp
	}
	msg.Timestamp = ts
	msg.Message = string(rest)

	host, rest := nextToken(rest)
	if host == "" {
		return msg, ErrBadTag
	}
	program, pid, content, ok := parseTag(rest)
	if !ok {
		return msg, ErrBadTag
	}
	msg.Hostname = host
	msg.Program = program
	msg.PID = pid
	msg.Message = content
	return msg, nil
}

// parsePriority reads the <PRI> prefix: 1 to 3 digits, 0 <= PRI <= 191.
func parsePriority(payload []byte) (int, []byte, bool) {
	if len(payload) < 3 || payload[0] != '<' {
		return 0, payload, false
	}
	end := bytes.IndexByte(payload[:min(len(payload), 5)], '>')
	if end < 2 {
		return 0, payload, false
	}
	pri, err := strconv.Atoi(string(payload[1:end]))
	if err != nil || pri < 0 || pri > 191 {
		return 0, payload, false
	}
	return pri, payload[end+1:], true
}

// parseTimestamp reads the 15-char "Jan _2 15:04:05" stamp, applying the
// year from now since the wire format carries none.
func parseTimestamp(rest []byte, now time.Time) (time.Time, []byte, bool) {
	if len(rest) < len(timestampLayout) {
		return time.Time{}, rest, false
	}
	raw := string(rest[:len(timestampLayout)])
	ts, err := time.Parse(timestampLayout, raw)
	if err != nil {
		return time.Time{}, rest, false
	}
	ts = time.Date(now.Year(), ts.Month(), ts.Day(), ts.Hour(), ts.Minute(), ts.Second(), 0, time.UTC)
	out := rest[len(timestampLayout):]
	if len(out) > 0 && out[0] == ' ' {
		out = out[1:]
	}
	return ts, out, true
}

func nextToken(rest []byte) (string, []byte) {
	idx := bytes.IndexByte(rest, ' ')
	if idx < 0 {
		return "", rest
	}
	return string(rest[:idx]), rest[idx+1:]
}

// parseTag splits "prog:" or "prog[pid]:" from the start of rest.
func parseTag(rest []byte) (program, pid, content string, ok bool) {
	colon := bytes.IndexByte(rest, ':')
	if colon <= 0 {
		return "", "", "", false
	}
	tag := string(rest[:colon])
	if strings.ContainsAny(tag, " \t") {
		return "", "", "", false
	}
	if open := strings.IndexByte(tag, '['); open > 0 && strings.HasSuffix(tag, "]") {
		pid = tag[open+1 : len(tag)-1]
		tag = tag[:open]
	}
	content = string(rest[colon+1:])
	content = strings.TrimPrefix(content, " ")
	return tag, pid, content, true
}
