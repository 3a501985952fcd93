// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at KillKrill (https://www.killkrill.dev/).
// Copyright 2024-present KillKrill, Inc.

package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/killkrill/killkrill/pkg/admission"
	"github.com/killkrill/killkrill/pkg/receiver/metrics"
	"github.com/killkrill/killkrill/pkg/storage"
	"github.com/killkrill/killkrill/pkg/streambus"
	"github.com/killkrill/killkrill/pkg/util/log"
)

const maxBodyBytes = 32 << 20

// LogEntry is one submitted log line. Field names mirror the wire contract
// and are carried onto the stream verbatim.
type LogEntry struct {
	Timestamp       string            `json:"timestamp"`
	LogLevel        string            `json:"log_level"`
	Message         string            `json:"message"`
	ServiceName     string            `json:"service_name"`
	Hostname        string            `json:"hostname,omitempty"`
	LoggerName      string            `json:"logger_name,omitempty"`
	ThreadName      string            `json:"thread_name,omitempty"`
	ECSVersion      string            `json:"ecs_version,omitempty"`
	Labels          map[string]string `json:"labels,omitempty"`
	Tags            []string          `json:"tags,omitempty"`
	TraceID         string            `json:"trace_id,omitempty"`
	SpanID          string            `json:"span_id,omitempty"`
	TransactionID   string            `json:"transaction_id,omitempty"`
	ErrorType       string            `json:"error_type,omitempty"`
	ErrorMessage    string            `json:"error_message,omitempty"`
	ErrorStackTrace string            `json:"error_stack_trace,omitempty"`
}

// LogBatch is the POST /api/v1/logs body.
type LogBatch struct {
	Source      string     `json:"source"`
	Application string     `json:"application"`
	Logs        []LogEntry `json:"logs"`
}

func (b *LogBatch) validate() error {
	if b.Source == "" {
		return errors.New("source is required")
	}
	if len(b.Logs) == 0 {
		return errors.New("logs must contain at least one entry")
	}
	if len(b.Logs) > maxBatchEntries {
		return fmt.Errorf("logs exceeds %d entries", maxBatchEntries)
	}
	for i := range b.Logs {
		if len(b.Logs[i].Message) > maxMessageChars {
			return fmt.Errorf("logs[%d].message exceeds %d characters", i, maxMessageChars)
		}
	}
	return nil
}

// fields flattens one entry into the stream field map. Keys are the wire
// names unchanged; labels and tags travel as JSON.
func (e *LogEntry) fields(b *LogBatch, sourceID, peer string) map[string]string {
	ts := e.Timestamp
	if ts == "" {
		ts = time.Now().UTC().Format(time.RFC3339Nano)
	}
	f := map[string]string{
		"message":     e.Message,
		"log_level":   e.LogLevel,
		"timestamp":   ts,
		"source":      b.Source,
		"application": b.Application,
		"source_ip":   peer,
		"source_id":   sourceID,
		"protocol":    "http",
	}
	setIfPresent := func(k, v string) {
		if v != "" {
			f[k] = v
		}
	}
	setIfPresent("service_name", e.ServiceName)
	setIfPresent("hostname", e.Hostname)
	setIfPresent("logger_name", e.LoggerName)
	setIfPresent("thread_name", e.ThreadName)
	setIfPresent("ecs_version", e.ECSVersion)
	setIfPresent("trace_id", e.TraceID)
	setIfPresent("span_id", e.SpanID)
	setIfPresent("transaction_id", e.TransactionID)
	setIfPresent("error_type", e.ErrorType)
	setIfPresent("error_message", e.ErrorMessage)
	setIfPresent("error_stack_trace", e.ErrorStackTrace)
	if len(e.Labels) > 0 {
		if j, err := json.Marshal(e.Labels); err == nil {
			f["labels"] = string(j)
		}
	}
	if len(e.Tags) > 0 {
		if j, err := json.Marshal(e.Tags); err == nil {
			f["tags"] = string(j)
		}
	}
	return f
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "body unreadable or too large")
		return
	}
	var batch LogBatch
	if err := json.Unmarshal(raw, &batch); err != nil {
		writeError(w, http.StatusBadRequest, "malformed json body")
		return
	}
	if err := batch.validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	src, err := s.store.GetSourceByName(ctx, batch.Source)
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, fmt.Sprintf("unknown source %q", batch.Source))
		return
	}
	if err != nil {
		log.Errorf("source lookup for %q: %v", batch.Source, err)
		writeError(w, http.StatusServiceUnavailable, "source store unavailable")
		return
	}
	if !src.Enabled {
		writeError(w, http.StatusNotFound, fmt.Sprintf("unknown source %q", batch.Source))
		return
	}

	peer := clientIP(r)
	if verdict := s.filter.CheckSource(peer, src.ID); verdict != admission.VerdictAllowed {
		writeError(w, http.StatusForbidden, "source ip not allowed")
		return
	}

	s.auditLogs(ctx, &batch, src.ID, peer.String())

	processed := 0
	for i := range batch.Logs {
		fields := batch.Logs[i].fields(&batch, src.ID, peer.String())
		if err := s.appendWithRetry(ctx, streambus.StreamLogsRaw, fields); err != nil {
			log.Errorf("append log entry to %s: %v", streambus.StreamLogsRaw, err)
			AppendErrors.Add(1)
			TlmAppendErrors.Inc("logs")
			writeJSON(w, http.StatusServiceUnavailable, ingestResponse{
				Status:    "error",
				Processed: processed,
				Error:     "stream unavailable",
			})
			return
		}
		processed++
	}

	metrics.LogsReceived.Add(int64(processed))
	metrics.TlmLogsReceived.Add(float64(processed), "http")
	if err := s.store.IncrementReceived(ctx, src.ID, int64(processed)); err != nil {
		log.Debugf("increment received for %s: %v", src.ID, err)
	}
	s.forwardLogs(raw)

	writeJSON(w, http.StatusOK, ingestResponse{Status: "success", Processed: processed})
}

// appendWithRetry appends once and, on failure, retries a single time
// before giving up.
func (s *Server) appendWithRetry(ctx context.Context, stream string, fields map[string]string) error {
	_, err := s.bus.Append(ctx, stream, fields)
	if err == nil {
		return nil
	}
	log.Debugf("append to %s failed, retrying once: %v", stream, err)
	_, err = s.bus.Append(ctx, stream, fields)
	return err
}

// auditLogs writes one durable record per entry. Audit is best effort:
// failures are counted and logged at debug, never surfaced to the client.
func (s *Server) auditLogs(ctx context.Context, batch *LogBatch, sourceID, peer string) {
	records := make([]storage.AuditRecord, 0, len(batch.Logs))
	now := time.Now().UTC()
	for i := range batch.Logs {
		e := &batch.Logs[i]
		records = append(records, storage.AuditRecord{
			SourceID:  sourceID,
			SourceIP:  peer,
			Severity:  e.LogLevel,
			Host:      e.Hostname,
			Program:   e.ServiceName,
			Message:   e.Message,
			CreatedAt: now,
		})
	}
	if err := s.store.InsertAuditRecords(ctx, records); err != nil {
		AuditErrors.Add(1)
		TlmAuditErrors.Inc()
		log.Debugf("audit insert for source %s: %v", sourceID, err)
	}
}

func (s *Server) forwardLogs(raw []byte) {
	if s.forwarder == nil || s.features == nil {
		return
	}
	if !s.features.CheckFeature(featureUpstreamForwarding) {
		return
	}
	s.forwarder.EnqueueLogs(raw)
}
