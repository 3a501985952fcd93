// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at KillKrill (https://www.killkrill.dev/).
// Copyright 2024-present KillKrill, Inc.

package metricsworker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/killkrill/killkrill/pkg/streambus"
)

var decodeNow = time.Date(2026, 3, 9, 12, 0, 0, 0, time.UTC)

func TestDecodeSample(t *testing.T) {
	s, err := decodeSample(streambus.Entry{
		ID: "17-0",
		Fields: map[string]string{
			"metric_name":  "http_requests_total",
			"metric_type":  "counter",
			"metric_value": "42.5",
			"timestamp":    "2026-03-09T08:30:00.25Z",
			"source":       "payments",
			"source_ip":    "198.51.100.7",
			"labels":       `{"path":"/v1/logs","code":"200"}`,
			"help":         "Requests served",
		},
	}, decodeNow)
	require.NoError(t, err)

	assert.Equal(t, "17-0", s.EntryID)
	assert.Equal(t, "http_requests_total", s.Name)
	assert.Equal(t, "counter", s.Type)
	assert.Equal(t, 42.5, s.Value)
	assert.Equal(t, "payments", s.Source)
	assert.Equal(t, "Requests served", s.Help)
	assert.Equal(t, map[string]string{"path": "/v1/logs", "code": "200"}, s.Labels)
	assert.Equal(t, time.Date(2026, 3, 9, 8, 30, 0, 250_000_000, time.UTC), s.Timestamp)
}

func TestDecodeSampleDefaults(t *testing.T) {
	s, err := decodeSample(streambus.Entry{
		ID: "18-0",
		Fields: map[string]string{
			"metric_name":  "queue_depth",
			"metric_type":  "gauge",
			"metric_value": "3",
		},
	}, decodeNow)
	require.NoError(t, err)

	assert.Equal(t, decodeNow, s.Timestamp, "missing timestamp falls back to now")
	assert.Empty(t, s.Labels)
	assert.Empty(t, s.Source)
	assert.Empty(t, s.Help)
}

func TestDecodeSampleBadTimestampFallsBack(t *testing.T) {
	s, err := decodeSample(streambus.Entry{
		ID: "19-0",
		Fields: map[string]string{
			"metric_name":  "queue_depth",
			"metric_type":  "gauge",
			"metric_value": "3",
			"timestamp":    "yesterday",
		},
	}, decodeNow)
	require.NoError(t, err)
	assert.Equal(t, decodeNow, s.Timestamp)
}

func TestDecodeSampleRejectsCorruptEntries(t *testing.T) {
	cases := []struct {
		name   string
		fields map[string]string
		want   string
	}{
		{
			name:   "missing name",
			fields: map[string]string{"metric_type": "gauge", "metric_value": "1"},
			want:   "metric_name",
		},
		{
			name:   "unknown type",
			fields: map[string]string{"metric_name": "x", "metric_type": "meter", "metric_value": "1"},
			want:   "unknown metric type",
		},
		{
			name:   "bad value",
			fields: map[string]string{"metric_name": "x", "metric_type": "gauge", "metric_value": "lots"},
			want:   "metric_value",
		},
		{
			name: "bad labels",
			fields: map[string]string{
				"metric_name": "x", "metric_type": "gauge", "metric_value": "1",
				"labels": "{not json",
			},
			want: "labels",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := decodeSample(streambus.Entry{ID: "1-0", Fields: tc.fields}, decodeNow)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestGroupSamplesKeepsArrivalOrder(t *testing.T) {
	samples := []Sample{
		{Name: "a_total", Type: "counter", Source: "api"},
		{Name: "b", Type: "gauge", Source: "web"},
		{Name: "c_total", Type: "counter", Source: "api"},
	}
	order, groups := groupSamples(samples)

	require.Equal(t, []groupKey{
		{source: "api", mtype: "counter"},
		{source: "web", mtype: "gauge"},
	}, order)
	require.Len(t, groups[order[0]], 2)
	assert.Equal(t, "a_total", groups[order[0]][0].Name)
	assert.Equal(t, "c_total", groups[order[0]][1].Name)
	require.Len(t, groups[order[1]], 1)
}
