// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at KillKrill (https://www.killkrill.dev/).
// Copyright 2024-present KillKrill, Inc.

// Package telemetry exposes internal metrics about the running binary.
// Every series lives in the killkrill namespace on a dedicated registry,
// served by Handler on the /metrics endpoints.
package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "killkrill"

var (
	mu       sync.Mutex
	registry *prometheus.Registry
)

func init() {
	registry = newRegistry()
}

func newRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	reg.MustRegister(collectors.NewGoCollector())
	return reg
}

// Handler serves the registry in the Prometheus text exposition format.
func Handler() http.Handler {
	mu.Lock()
	defer mu.Unlock()
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

// Reset replaces the registry. Only used by tests that re-declare series.
func Reset() {
	mu.Lock()
	defer mu.Unlock()
	registry = newRegistry()
}

func mustRegister(c prometheus.Collector) {
	mu.Lock()
	defer mu.Unlock()
	registry.MustRegister(c)
}

// Counter tracks how many times something happens.
type Counter interface {
	Inc(tagValues ...string)
	Add(value float64, tagValues ...string)
}

type promCounter struct {
	vec *prometheus.CounterVec
}

func (c *promCounter) Inc(tagValues ...string) { c.vec.WithLabelValues(tagValues...).Inc() }
func (c *promCounter) Add(value float64, tagValues ...string) {
	c.vec.WithLabelValues(tagValues...).Add(value)
}

// NewCounter creates a Counter with the given subsystem, name and tag keys.
func NewCounter(subsystem, name string, tags []string, help string) Counter {
	vec := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      name,
		Help:      help,
	}, tags)
	mustRegister(vec)
	return &promCounter{vec: vec}
}

// Gauge tracks a value that can go up and down.
type Gauge interface {
	Set(value float64, tagValues ...string)
	Inc(tagValues ...string)
	Dec(tagValues ...string)
	Add(value float64, tagValues ...string)
}

type promGauge struct {
	vec *prometheus.GaugeVec
}

func (g *promGauge) Set(value float64, tagValues ...string) {
	g.vec.WithLabelValues(tagValues...).Set(value)
}
func (g *promGauge) Inc(tagValues ...string) { g.vec.WithLabelValues(tagValues...).Inc() }
func (g *promGauge) Dec(tagValues ...string) { g.vec.WithLabelValues(tagValues...).Dec() }
func (g *promGauge) Add(value float64, tagValues ...string) {
	g.vec.WithLabelValues(tagValues...).Add(value)
}

// NewGauge creates a Gauge with the given subsystem, name and tag keys.
func NewGauge(subsystem, name string, tags []string, help string) Gauge {
	vec := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      name,
		Help:      help,
	}, tags)
	mustRegister(vec)
	return &promGauge{vec: vec}
}

// Histogram samples observations into configurable buckets.
type Histogram interface {
	Observe(value float64, tagValues ...string)
}

type promHistogram struct {
	vec *prometheus.HistogramVec
}

func (h *promHistogram) Observe(value float64, tagValues ...string) {
	h.vec.WithLabelValues(tagValues...).Observe(value)
}

// NewHistogram creates a Histogram with the given subsystem, name, tag keys
// and buckets.
func NewHistogram(subsystem, name string, tags []string, help string, buckets []float64) Histogram {
	vec := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      name,
		Help:      help,
		Buckets:   buckets,
	}, tags)
	mustRegister(vec)
	return &promHistogram{vec: vec}
}
