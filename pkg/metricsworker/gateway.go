// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at KillKrill (https://www.killkrill.dev/).
// Copyright 2024-present KillKrill, Inc.

package metricsworker

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/killkrill/killkrill/pkg/streambus"
	"github.com/killkrill/killkrill/pkg/util/log"
)

const (
	// pushPath pins every push to a single job so the gateway keeps one
	// metric group per KillKrill deployment.
	pushPath = "/metrics/job/killkrill-metrics"

	expositionContentType = "text/plain; version=0.0.4"

	// flushSamples and flushInterval bound how long a sample can sit in
	// the writer before it reaches the gateway.
	flushSamples  = 100
	flushInterval = 15 * time.Second

	pushTimeout       = 10 * time.Second
	finalFlushTimeout = 10 * time.Second
)

// AckFunc acknowledges stream entries once the push carrying them
// succeeded.
type AckFunc func(ctx context.Context, ids ...string) error

// BusAck returns an AckFunc bound to the metrics consumer group.
func BusAck(bus streambus.Bus) AckFunc {
	return func(ctx context.Context, ids ...string) error {
		_, err := bus.Ack(ctx, streambus.StreamMetricsRaw, streambus.GroupPrometheusWriters, ids...)
		return err
	}
}

type push struct {
	body    []byte
	ids     []string
	samples int
}

// Writer coalesces rendered push bodies and posts them to the
// Prometheus push gateway. Bodies queue until flushSamples samples are
// buffered or flushInterval has passed, whichever comes first. Entry
// ids ride along with each body and are only acknowledged after the
// gateway accepted it.
type Writer struct {
	pushURL string
	client  *http.Client
	clock   clock.Clock
	ack     AckFunc

	mu       sync.Mutex
	queue    []push
	buffered int

	stop chan struct{}
	wg   sync.WaitGroup
}

// NewWriter builds a writer pushing to gatewayURL. A nil clk falls back
// to the wall clock.
func NewWriter(gatewayURL string, ack AckFunc, clk clock.Clock) *Writer {
	if clk == nil {
		clk = clock.New()
	}
	return &Writer{
		pushURL: strings.TrimRight(gatewayURL, "/") + pushPath,
		client:  &http.Client{Timeout: pushTimeout},
		clock:   clk,
		ack:     ack,
		stop:    make(chan struct{}),
	}
}

// Start launches the timed flush loop.
func (w *Writer) Start() {
	w.wg.Add(1)
	go w.run()
}

// Stop halts the flush loop and drains the buffer once more with a
// bounded timeout.
func (w *Writer) Stop() {
	close(w.stop)
	w.wg.Wait()
	ctx, cancel := context.WithTimeout(context.Background(), finalFlushTimeout)
	defer cancel()
	if err := w.Flush(ctx); err != nil {
		log.Warnf("metricsworker: final gateway flush: %v", err)
	}
}

func (w *Writer) run() {
	defer w.wg.Done()
	ticker := w.clock.Ticker(flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := w.Flush(context.Background()); err != nil {
				log.Warnf("metricsworker: scheduled gateway flush: %v", err)
			}
		case <-w.stop:
			return
		}
	}
}

// Add queues one rendered body. Once the buffer holds flushSamples
// samples the whole queue is flushed inline, so a returned error means
// the gateway is unhealthy and the caller should back off.
func (w *Writer) Add(ctx context.Context, body []byte, ids []string, samples int) error {
	w.mu.Lock()
	w.queue = append(w.queue, push{body: body, ids: ids, samples: samples})
	w.buffered += samples
	full := w.buffered >= flushSamples
	w.mu.Unlock()
	if full {
		return w.Flush(ctx)
	}
	return nil
}

// Flush posts every queued body in order. The first failure drops the
// remainder of the queue: none of those entries were acknowledged, so
// the claim scan redelivers them once they go stale.
func (w *Writer) Flush(ctx context.Context) error {
	w.mu.Lock()
	queue := w.queue
	w.queue = nil
	w.buffered = 0
	w.mu.Unlock()

	for _, p := range queue {
		if err := w.post(ctx, p.body); err != nil {
			PushErrors.Add(1)
			TlmPushErrors.Inc()
			return err
		}
		PushesSent.Add(1)
		TlmPushesSent.Inc()
		SamplesPushed.Add(int64(p.samples))
		TlmSamplesPushed.Add(float64(p.samples))
		if len(p.ids) == 0 {
			continue
		}
		if err := w.ack(ctx, p.ids...); err != nil {
			// The gateway already has the data; the entries stay pending
			// and will be pushed again, which the gateway absorbs.
			log.Warnf("metricsworker: ack after push: %v", err)
			continue
		}
		EntriesProcessed.Add(int64(len(p.ids)))
		TlmEntriesProcessed.Add(float64(len(p.ids)))
	}
	return nil
}

func (w *Writer) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.pushURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build gateway request: %w", err)
	}
	req.Header.Set("Content-Type", expositionContentType)
	res, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("push to gateway: %w", err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, res.Body)
		res.Body.Close()
	}()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return fmt.Errorf("gateway returned %s", res.Status)
	}
	return nil
}
