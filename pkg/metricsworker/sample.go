// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at KillKrill (https://www.killkrill.dev/).
// Copyright 2024-present KillKrill, Inc.

package metricsworker

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/killkrill/killkrill/pkg/streambus"
)

var sampleTypes = map[string]struct{}{
	"counter":   {},
	"gauge":     {},
	"histogram": {},
	"summary":   {},
}

// Sample is one metric sample decoded from the raw stream.
type Sample struct {
	EntryID   string
	Name      string
	Type      string
	Value     float64
	Labels    map[string]string
	Timestamp time.Time
	Source    string
	Help      string
}

// decodeSample rebuilds a sample from stream fields. The receiver
// validates on ingest, so a failure here means a corrupted entry; the
// caller treats those as poisonous.
func decodeSample(e streambus.Entry, now time.Time) (Sample, error) {
	f := e.Fields
	name := f["metric_name"]
	if name == "" {
		return Sample{}, errors.New("entry has no metric_name")
	}
	mtype := f["metric_type"]
	if _, ok := sampleTypes[mtype]; !ok {
		return Sample{}, fmt.Errorf("unknown metric type %q", mtype)
	}
	value, err := strconv.ParseFloat(f["metric_value"], 64)
	if err != nil {
		return Sample{}, fmt.Errorf("bad metric_value %q", f["metric_value"])
	}

	s := Sample{
		EntryID:   e.ID,
		Name:      name,
		Type:      mtype,
		Value:     value,
		Source:    f["source"],
		Help:      f["help"],
		Timestamp: now,
	}
	if raw := f["timestamp"]; raw != "" {
		if ts, err := time.Parse(time.RFC3339Nano, raw); err == nil {
			s.Timestamp = ts.UTC()
		}
	}
	if raw := f["labels"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &s.Labels); err != nil {
			return Sample{}, fmt.Errorf("bad labels field: %w", err)
		}
	}
	return s, nil
}

// groupKey buckets samples that travel in one push body.
type groupKey struct {
	source string
	mtype  string
}

// groupSamples splits a batch by (source, type), preserving first-seen
// group order and in-group arrival order so rendered bodies are stable.
func groupSamples(samples []Sample) ([]groupKey, map[groupKey][]Sample) {
	var order []groupKey
	groups := make(map[groupKey][]Sample)
	for _, s := range samples {
		key := groupKey{source: s.Source, mtype: s.Type}
		if _, seen := groups[key]; !seen {
			order = append(order, key)
		}
		groups[key] = append(groups[key], s)
	}
	return order, groups
}
