// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at KillKrill (https://www.killkrill.dev/).
// Copyright 2024-present KillKrill, Inc.

package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/killkrill/killkrill/pkg/storage"
	"github.com/killkrill/killkrill/pkg/streambus"
)

func TestLogsHappyPath(t *testing.T) {
	env := newTestServer(t)

	w := env.do(t, "POST", "/api/v1/logs", logBody(t, "payments", 3), nil)

	require.Equal(t, http.StatusOK, w.Code)
	resp := decodeResponse(t, w)
	assert.Equal(t, "success", resp.Status)
	assert.Equal(t, 3, resp.Processed)

	require.Equal(t, 3, env.bus.count(streambus.StreamLogsRaw))
	first := env.bus.at(streambus.StreamLogsRaw, 0)
	assert.Equal(t, "line 0", first["message"])
	assert.Equal(t, "info", first["log_level"])
	assert.Equal(t, "checkout", first["service_name"])
	assert.Equal(t, "payments", first["source"])
	assert.Equal(t, "payments-app", first["application"])
	assert.Equal(t, testSourceID, first["source_id"])
	assert.Equal(t, "127.0.0.1", first["source_ip"])
	assert.Equal(t, "http", first["protocol"])

	assert.Equal(t, 3, env.store.auditCount())
	assert.Equal(t, int64(3), env.store.received[testSourceID])
}

func TestLogsFieldMapVerbatim(t *testing.T) {
	env := newTestServer(t)
	body, err := json.Marshal(map[string]interface{}{
		"source":      "payments",
		"application": "payments-app",
		"logs": []map[string]interface{}{{
			"timestamp":         "2026-08-25T10:00:00Z",
			"log_level":         "error",
			"message":           "payment declined",
			"service_name":      "checkout",
			"hostname":          "web-3",
			"logger_name":       "checkout.core",
			"thread_name":       "worker-7",
			"ecs_version":       "8.0",
			"labels":            map[string]string{"region": "eu-1", "env": "prod"},
			"tags":              []string{"payments", "critical"},
			"trace_id":          "trace-abc",
			"span_id":           "span-def",
			"transaction_id":    "txn-123",
			"error_type":        "CardError",
			"error_message":     "card expired",
			"error_stack_trace": "CardError: card expired\n  at charge()",
		}},
	})
	require.NoError(t, err)

	w := env.do(t, "POST", "/api/v1/logs", string(body), nil)
	require.Equal(t, http.StatusOK, w.Code)

	fields := env.bus.at(streambus.StreamLogsRaw, 0)
	assert.Equal(t, "2026-08-25T10:00:00Z", fields["timestamp"])
	assert.Equal(t, "web-3", fields["hostname"])
	assert.Equal(t, "checkout.core", fields["logger_name"])
	assert.Equal(t, "worker-7", fields["thread_name"])
	assert.Equal(t, "8.0", fields["ecs_version"])
	assert.Equal(t, "trace-abc", fields["trace_id"])
	assert.Equal(t, "span-def", fields["span_id"])
	assert.Equal(t, "txn-123", fields["transaction_id"])
	assert.Equal(t, "CardError", fields["error_type"])
	assert.Equal(t, "card expired", fields["error_message"])
	assert.Contains(t, fields["error_stack_trace"], "at charge()")

	var labels map[string]string
	require.NoError(t, json.Unmarshal([]byte(fields["labels"]), &labels))
	assert.Equal(t, map[string]string{"region": "eu-1", "env": "prod"}, labels)

	var tags []string
	require.NoError(t, json.Unmarshal([]byte(fields["tags"]), &tags))
	assert.Equal(t, []string{"payments", "critical"}, tags)
}

func TestLogsBatchBounds(t *testing.T) {
	env := newTestServer(t)

	w := env.do(t, "POST", "/api/v1/logs", logBody(t, "payments", 1000), nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = env.do(t, "POST", "/api/v1/logs", logBody(t, "payments", 1001), nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, decodeResponse(t, w).Error, "1000")

	// Nothing from the rejected batch may reach the stream.
	assert.Equal(t, 1000, env.bus.count(streambus.StreamLogsRaw))
}

func TestLogsMessageLengthBound(t *testing.T) {
	env := newTestServer(t)

	buildBody := func(n int) string {
		b, err := json.Marshal(map[string]interface{}{
			"source": "payments",
			"logs": []map[string]interface{}{{
				"log_level": "info",
				"message":   strings.Repeat("a", n),
			}},
		})
		require.NoError(t, err)
		return string(b)
	}

	w := env.do(t, "POST", "/api/v1/logs", buildBody(10000), nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = env.do(t, "POST", "/api/v1/logs", buildBody(10001), nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, decodeResponse(t, w).Error, "message")
}

func TestLogsMalformedBody(t *testing.T) {
	env := newTestServer(t)

	for name, body := range map[string]string{
		"not json":       "{nope",
		"missing source": `{"logs":[{"message":"x"}]}`,
		"empty logs":     `{"source":"payments","logs":[]}`,
	} {
		t.Run(name, func(t *testing.T) {
			w := env.do(t, "POST", "/api/v1/logs", body, nil)
			assert.Equal(t, http.StatusBadRequest, w.Code)
		})
	}
}

func TestLogsUnknownSource(t *testing.T) {
	env := newTestServer(t)

	w := env.do(t, "POST", "/api/v1/logs", logBody(t, "nonexistent", 1), nil)

	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, decodeResponse(t, w).Error, "nonexistent")
}

func TestLogsDisabledSourceIsUnknown(t *testing.T) {
	env := newTestServer(t)
	env.store.addSource(&storage.Source{
		ID:      "src-2",
		Name:    "legacy",
		Enabled: false,
	})

	w := env.do(t, "POST", "/api/v1/logs", logBody(t, "legacy", 1), nil)

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestLogsSourceStoreUnavailable(t *testing.T) {
	env := newTestServer(t)
	env.store.sourceErr = errors.New("connection refused")

	w := env.do(t, "POST", "/api/v1/logs", logBody(t, "payments", 1), nil)

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestLogsAdmissionDenied(t *testing.T) {
	env := newTestServer(t)

	w := env.do(t, "POST", "/api/v1/logs", logBody(t, "payments", 1),
		map[string]string{"X-Forwarded-For": "203.0.113.9"})

	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, 0, env.bus.count(streambus.StreamLogsRaw))
}

func TestLogsAdmissionUsesFirstForwardedHop(t *testing.T) {
	env := newTestServer(t)

	// The first hop is the original client; later hops are proxies.
	w := env.do(t, "POST", "/api/v1/logs", logBody(t, "payments", 1),
		map[string]string{"X-Forwarded-For": "10.1.2.3, 203.0.113.9"})

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "10.1.2.3", env.bus.at(streambus.StreamLogsRaw, 0)["source_ip"])
}

func TestLogsAppendRetriesOnce(t *testing.T) {
	env := newTestServer(t)
	env.bus.failNext = 1

	w := env.do(t, "POST", "/api/v1/logs", logBody(t, "payments", 2), nil)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 2, decodeResponse(t, w).Processed)
	assert.Equal(t, 2, env.bus.count(streambus.StreamLogsRaw))
}

func TestLogsAppendFailureReturnsPartialCount(t *testing.T) {
	env := newTestServer(t)
	// First entry appends fine; the second fails its attempt and the retry.
	env.bus.failFrom = 1

	w := env.do(t, "POST", "/api/v1/logs", logBody(t, "payments", 3), nil)

	require.Equal(t, http.StatusServiceUnavailable, w.Code)
	resp := decodeResponse(t, w)
	assert.Equal(t, "error", resp.Status)
	assert.Equal(t, 1, resp.Processed)
	assert.Equal(t, 1, env.bus.count(streambus.StreamLogsRaw))
}

func TestLogsAuditFailureDoesNotFailRequest(t *testing.T) {
	env := newTestServer(t)
	env.store.auditErr = errors.New("audit table unavailable")

	w := env.do(t, "POST", "/api/v1/logs", logBody(t, "payments", 2), nil)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 2, decodeResponse(t, w).Processed)
	assert.Equal(t, 2, env.bus.count(streambus.StreamLogsRaw))
}

func TestLogsDefaultsTimestamp(t *testing.T) {
	env := newTestServer(t)
	body, err := json.Marshal(map[string]interface{}{
		"source": "payments",
		"logs":   []map[string]interface{}{{"log_level": "info", "message": "no ts"}},
	})
	require.NoError(t, err)

	w := env.do(t, "POST", "/api/v1/logs", string(body), nil)

	require.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, env.bus.at(streambus.StreamLogsRaw, 0)["timestamp"])
}
