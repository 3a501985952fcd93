// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at KillKrill (https://www.killkrill.dev/).
// Copyright 2024-present KillKrill, Inc.

package httpapi

import (
	"context"
	"sync"

	"github.com/killkrill/killkrill/pkg/config"
	"github.com/killkrill/killkrill/pkg/util/log"
)

// Submitter sends normalized payloads upstream. *submission.Client
// satisfies it.
type Submitter interface {
	SubmitLogs(ctx context.Context, payload []byte) error
	SubmitMetrics(ctx context.Context, payload []byte) error
}

const featureUpstreamForwarding = "upstream_forwarding"

type forwardKind string

const (
	forwardLogsKind    forwardKind = "logs"
	forwardMetricsKind forwardKind = "metrics"
)

type forwardItem struct {
	kind    forwardKind
	payload []byte
}

// Forwarder relays accepted ingest payloads to an upstream backend from a
// bounded queue. Enqueue never blocks: when the queue is full the payload
// is dropped and counted. Forwarding outcome never affects the ingest
// response that was already sent.
type Forwarder struct {
	client Submitter
	queue  chan forwardItem

	stopOnce sync.Once
	done     chan struct{}
}

// NewForwarder sizes the queue and wires the upstream client. Run must be
// started for items to drain.
func NewForwarder(client Submitter, queueSize int) *Forwarder {
	if queueSize <= 0 {
		queueSize = 1000
	}
	return &Forwarder{
		client: client,
		queue:  make(chan forwardItem, queueSize),
		done:   make(chan struct{}),
	}
}

// ForwarderFromConfig builds a Forwarder sized by upstream.queue_size.
func ForwarderFromConfig(client Submitter) *Forwarder {
	return NewForwarder(client, config.KillKrill.GetInt("upstream.queue_size"))
}

// EnqueueLogs queues a log payload for forwarding, dropping on overflow.
func (f *Forwarder) EnqueueLogs(payload []byte) {
	f.enqueue(forwardItem{kind: forwardLogsKind, payload: payload})
}

// EnqueueMetrics queues a metric payload for forwarding, dropping on
// overflow.
func (f *Forwarder) EnqueueMetrics(payload []byte) {
	f.enqueue(forwardItem{kind: forwardMetricsKind, payload: payload})
}

func (f *Forwarder) enqueue(item forwardItem) {
	select {
	case f.queue <- item:
		ForwardQueued.Add(1)
	default:
		ForwardDropped.Add(1)
		TlmForwardDropped.Inc(string(item.kind))
		log.Debugf("forward queue full, dropping %s payload", item.kind)
	}
}

// Run drains the queue until ctx is canceled.
func (f *Forwarder) Run(ctx context.Context) {
	defer f.stop()
	for {
		select {
		case <-ctx.Done():
			return
		case item := <-f.queue:
			f.send(ctx, item)
		}
	}
}

func (f *Forwarder) stop() {
	f.stopOnce.Do(func() { close(f.done) })
}

// Done reports the drain goroutine has exited.
func (f *Forwarder) Done() <-chan struct{} {
	return f.done
}

func (f *Forwarder) send(ctx context.Context, item forwardItem) {
	var err error
	switch item.kind {
	case forwardLogsKind:
		err = f.client.SubmitLogs(ctx, item.payload)
	case forwardMetricsKind:
		err = f.client.SubmitMetrics(ctx, item.payload)
	}
	if err != nil {
		ForwardErrors.Add(1)
		TlmForwardErrors.Inc(string(item.kind))
		log.Warnf("forward %s upstream: %v", item.kind, err)
		return
	}
	Forwarded.Add(1)
	TlmForwarded.Inc(string(item.kind))
}
