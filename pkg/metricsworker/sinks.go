// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at KillKrill (https://www.killkrill.dev/).
// Copyright 2024-present KillKrill, Inc.

package metricsworker

import (
	"encoding/json"
	"os"
	"sync"
	"time"
)

// Sink receives every decoded sample best-effort. Implementations
// report success per sample; a false return is counted against the sink
// and never holds up stream acknowledgment.
type Sink interface {
	AddMetric(s Sample) bool
}

// FileSink appends samples as JSON lines, one object per sample. It
// backs local debugging and spool-to-disk setups where a second copy of
// the metric flow is wanted next to the gateway.
type FileSink struct {
	mu  sync.Mutex
	f   *os.File
	enc *json.Encoder
}

type fileSample struct {
	Name      string            `json:"name"`
	Type      string            `json:"type"`
	Value     float64           `json:"value"`
	Labels    map[string]string `json:"labels,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
	Source    string            `json:"source,omitempty"`
}

// NewFileSink opens (or creates) path for appending.
func NewFileSink(path string) (*FileSink, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	return &FileSink{f: f, enc: json.NewEncoder(f)}, nil
}

// AddMetric writes one sample line.
func (s *FileSink) AddMetric(sample Sample) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := s.enc.Encode(fileSample{
		Name:      sample.Name,
		Type:      sample.Type,
		Value:     sample.Value,
		Labels:    sample.Labels,
		Timestamp: sample.Timestamp,
		Source:    sample.Source,
	})
	return err == nil
}

// Close flushes and closes the underlying file.
func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.f.Close()
}
