// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at KillKrill (https://www.killkrill.dev/).
// Copyright 2024-present KillKrill, Inc.

package logworker

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/killkrill/killkrill/pkg/streambus"
)

const (
	defaultECSVersion = "8.0"
	syslogLayout      = "Jan _2 15:04:05"
)

// ErrNoMessage marks an entry without a message field. Such entries are
// poisonous: they get counted and acknowledged, never retried.
var ErrNoMessage = errors.New("entry has no message field")

// Document is one ECS record ready for the bulk sink.
type Document struct {
	EntryID string
	Index   string
	ID      string
	Body    []byte
}

// BuildDocument turns one stream entry into an indexable ECS document.
// The index day comes from the event timestamp; the document id is the
// digest of the stream entry id, so redelivered entries overwrite their
// own document instead of duplicating it.
func BuildDocument(prefix string, entry streambus.Entry, now time.Time) (Document, error) {
	doc, ts, err := Transform(entry.Fields, now)
	if err != nil {
		return Document{}, err
	}
	body, err := json.Marshal(doc)
	if err != nil {
		return Document{}, fmt.Errorf("encode entry %s: %w", entry.ID, err)
	}
	return Document{
		EntryID: entry.ID,
		Index:   IndexName(prefix, ts),
		ID:      DocumentID(entry.ID),
		Body:    body,
	}, nil
}

// Transform maps raw stream fields onto the ECS document shape. It also
// returns the event timestamp used for index routing.
func Transform(fields map[string]string, now time.Time) (map[string]any, time.Time, error) {
	msg, ok := fields["message"]
	if !ok {
		return nil, time.Time{}, ErrNoMessage
	}
	ts := eventTime(fields["timestamp"], now)
	nowISO := now.UTC().Format(time.RFC3339Nano)

	ecsVersion := fields["ecs_version"]
	if ecsVersion == "" {
		ecsVersion = defaultECSVersion
	}

	doc := map[string]any{
		"@timestamp": ts.UTC().Format(time.RFC3339Nano),
		"ecs":        map[string]any{"version": ecsVersion},
		"event": map[string]any{
			"created":  nowISO,
			"dataset":  "killkrill.logs",
			"ingested": nowISO,
			"kind":     "event",
			"module":   "killkrill",
			"type":     []string{"info"},
		},
		"message": msg,
	}

	lg := map[string]any{}
	if v := first(fields, "log_level", "severity"); v != "" {
		lg["level"] = v
	}
	if v := first(fields, "logger_name", "program"); v != "" {
		lg["logger"] = v
	}
	if len(lg) > 0 {
		doc["log"] = lg
	}

	if v := first(fields, "service_name", "application"); v != "" {
		doc["service"] = map[string]any{"name": v}
	}

	host := map[string]any{}
	if v := first(fields, "hostname", "host"); v != "" {
		host["name"] = v
	}
	if v := fields["source_ip"]; v != "" {
		host["ip"] = v
		doc["source"] = map[string]any{"ip": v}
	}
	if len(host) > 0 {
		doc["host"] = host
	}

	trace := map[string]any{}
	if v := fields["trace_id"]; v != "" {
		trace["id"] = v
	}
	if v := fields["span_id"]; v != "" {
		trace["span"] = map[string]any{"id": v}
	}
	if v := fields["transaction_id"]; v != "" {
		trace["transaction"] = map[string]any{"id": v}
	}
	if len(trace) > 0 {
		doc["trace"] = trace
	}

	errObj := map[string]any{}
	if v := fields["error_type"]; v != "" {
		errObj["type"] = v
	}
	if v := fields["error_message"]; v != "" {
		errObj["message"] = v
	}
	if v := fields["error_stack_trace"]; v != "" {
		errObj["stack_trace"] = v
	}
	if len(errObj) > 0 {
		doc["error"] = errObj
	}

	if raw := fields["labels"]; raw != "" {
		var labels map[string]string
		if err := json.Unmarshal([]byte(raw), &labels); err == nil && len(labels) > 0 {
			doc["labels"] = labels
		}
	}
	if raw := fields["tags"]; raw != "" {
		var tags []string
		if err := json.Unmarshal([]byte(raw), &tags); err == nil && len(tags) > 0 {
			doc["tags"] = tags
		}
	}

	kk := map[string]any{}
	for _, k := range []string{"source_id", "protocol", "message_id", "facility", "raw_log"} {
		if v := fields[k]; v != "" {
			kk[k] = v
		}
	}
	if len(kk) > 0 {
		doc["killkrill"] = kk
	}

	return doc, ts, nil
}

// DocumentID derives the stable document id from a stream entry id.
func DocumentID(entryID string) string {
	sum := sha256.Sum256([]byte(entryID))
	return hex.EncodeToString(sum[:])
}

// IndexName routes a document into its daily index.
func IndexName(prefix string, ts time.Time) string {
	return fmt.Sprintf("%s-logs-%s", prefix, ts.UTC().Format("2006.01.02"))
}

// eventTime parses the entry timestamp, trying the receiver's RFC3339
// form first, then the bare syslog layout, falling back to now.
func eventTime(raw string, now time.Time) time.Time {
	if raw == "" {
		return now
	}
	if ts, err := time.Parse(time.RFC3339Nano, raw); err == nil {
		return ts
	}
	if ts, err := time.Parse(syslogLayout, raw); err == nil {
		return time.Date(now.Year(), ts.Month(), ts.Day(), ts.Hour(), ts.Minute(), ts.Second(), 0, time.UTC)
	}
	return now
}

func first(fields map[string]string, keys ...string) string {
	for _, k := range keys {
		if v := fields[k]; v != "" {
			return v
		}
	}
	return ""
}
