// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at KillKrill (https://www.killkrill.dev/).
// Copyright 2024-present KillKrill, Inc.

package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"regexp"
	"strconv"
	"time"

	"github.com/killkrill/killkrill/pkg/receiver/metrics"
	"github.com/killkrill/killkrill/pkg/streambus"
	"github.com/killkrill/killkrill/pkg/util/log"
)

var metricNamePattern = regexp.MustCompile(`^[a-zA-Z_:][a-zA-Z0-9_:]*$`)

var metricTypes = map[string]struct{}{
	"counter":   {},
	"gauge":     {},
	"histogram": {},
	"summary":   {},
}

// MetricSample is one submitted sample. Label values accept any JSON
// scalar and are coerced to strings.
type MetricSample struct {
	Name      string                 `json:"name"`
	Type      string                 `json:"type"`
	Value     float64                `json:"value"`
	Labels    map[string]interface{} `json:"labels,omitempty"`
	Timestamp string                 `json:"timestamp,omitempty"`
	Help      string                 `json:"help,omitempty"`
}

// metricsEnvelope is the POST /api/v1/metrics body. A bare sample object
// is accepted as a one-element batch.
type metricsEnvelope struct {
	Source      string         `json:"source,omitempty"`
	Application string         `json:"application,omitempty"`
	Metrics     []MetricSample `json:"metrics"`
}

func decodeMetricsBody(raw []byte) (*metricsEnvelope, error) {
	var env metricsEnvelope
	if err := json.Unmarshal(raw, &env); err == nil && env.Metrics != nil {
		return &env, nil
	}
	var single MetricSample
	if err := json.Unmarshal(raw, &single); err != nil {
		return nil, errors.New("malformed json body")
	}
	env.Metrics = []MetricSample{single}
	return &env, nil
}

// validName checks the sample name against the Prometheus name grammar,
// caching verdicts because ingest sees the same few names over and over.
func (s *Server) validName(name string) bool {
	if ok, hit := s.nameCache.Get(name); hit {
		return ok
	}
	ok := metricNamePattern.MatchString(name)
	s.nameCache.Add(name, ok)
	return ok
}

func coerceLabels(in map[string]interface{}) (map[string]string, error) {
	if len(in) > maxLabelKeys {
		return nil, fmt.Errorf("labels exceed %d keys", maxLabelKeys)
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		switch val := v.(type) {
		case string:
			out[k] = val
		case float64:
			out[k] = strconv.FormatFloat(val, 'g', -1, 64)
		case bool:
			out[k] = strconv.FormatBool(val)
		case nil:
			out[k] = ""
		default:
			out[k] = fmt.Sprint(val)
		}
	}
	return out, nil
}

// checkSample validates one sample and returns its normalized timestamp.
// The reason tags the rejection counter when validation fails.
func (s *Server) checkSample(i int, m *MetricSample) (time.Time, string, error) {
	if !s.validName(m.Name) {
		return time.Time{}, "invalid_name", fmt.Errorf("metrics[%d]: invalid metric name %q", i, m.Name)
	}
	if _, ok := metricTypes[m.Type]; !ok {
		return time.Time{}, "invalid_type", fmt.Errorf("metrics[%d]: unknown metric type %q", i, m.Type)
	}
	if math.IsNaN(m.Value) || math.IsInf(m.Value, 0) {
		return time.Time{}, "invalid_value", fmt.Errorf("metrics[%d]: value must be finite", i)
	}
	if m.Timestamp == "" {
		return time.Now().UTC(), "", nil
	}
	ts, err := time.Parse(time.RFC3339, m.Timestamp)
	if err != nil {
		return time.Time{}, "invalid_timestamp", fmt.Errorf("metrics[%d]: timestamp is not RFC3339", i)
	}
	return ts.UTC(), "", nil
}

func rejectSample(w http.ResponseWriter, reason, msg string) {
	metrics.MetricsRejected.Add(1)
	metrics.TlmMetricsRejected.Inc(reason)
	writeError(w, http.StatusBadRequest, msg)
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "body unreadable or too large")
		return
	}
	env, err := decodeMetricsBody(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if len(env.Metrics) == 0 {
		writeError(w, http.StatusBadRequest, "metrics must contain at least one sample")
		return
	}
	if len(env.Metrics) > maxBatchEntries {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("metrics exceeds %d samples", maxBatchEntries))
		return
	}

	source := env.Application
	if source == "" {
		source = env.Source
	}
	if source == "" {
		source = principal(ctx)
	}
	if source == "" {
		source = "unknown"
	}
	peer := clientIP(r).String()

	// A batch either passes whole or is rejected whole: validate every
	// sample before the first append.
	batch := make([]map[string]string, 0, len(env.Metrics))
	for i := range env.Metrics {
		m := &env.Metrics[i]
		ts, reason, err := s.checkSample(i, m)
		if err != nil {
			rejectSample(w, reason, err.Error())
			return
		}
		labels, err := coerceLabels(m.Labels)
		if err != nil {
			rejectSample(w, "labels", fmt.Sprintf("metrics[%d]: %v", i, err))
			return
		}
		fields := map[string]string{
			"metric_name":  m.Name,
			"metric_type":  m.Type,
			"metric_value": strconv.FormatFloat(m.Value, 'g', -1, 64),
			"timestamp":    ts.Format(time.RFC3339Nano),
			"source_ip":    peer,
			"source":       source,
		}
		if len(labels) > 0 {
			j, err := json.Marshal(labels)
			if err != nil {
				writeError(w, http.StatusBadRequest, fmt.Sprintf("metrics[%d]: labels not encodable", i))
				return
			}
			fields["labels"] = string(j)
		}
		if m.Help != "" {
			fields["help"] = m.Help
		}
		batch = append(batch, fields)
	}

	processed := 0
	for _, fields := range batch {
		if err := s.appendWithRetry(ctx, streambus.StreamMetricsRaw, fields); err != nil {
			log.Errorf("append metric sample to %s: %v", streambus.StreamMetricsRaw, err)
			AppendErrors.Add(1)
			TlmAppendErrors.Inc("metrics")
			writeJSON(w, http.StatusServiceUnavailable, ingestResponse{
				Status:    "error",
				Processed: processed,
				Error:     "stream unavailable",
			})
			return
		}
		processed++
	}

	metrics.MetricsReceived.Add(int64(processed))
	metrics.TlmMetricsReceived.Add(float64(processed))
	s.forwardMetrics(raw)

	writeJSON(w, http.StatusOK, ingestResponse{Status: "success", Processed: processed})
}

func (s *Server) forwardMetrics(raw []byte) {
	if s.forwarder == nil || s.features == nil {
		return
	}
	if !s.features.CheckFeature(featureUpstreamForwarding) {
		return
	}
	s.forwarder.EnqueueMetrics(raw)
}
