// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at KillKrill (https://www.killkrill.dev/).
// Copyright 2024-present KillKrill, Inc.

// Package metricsworker drains the raw metrics stream into a Prometheus
// push gateway. A pool of consumers reads the prometheus-writers group,
// renders samples as text exposition bodies grouped by source and type,
// and hands them to a buffering gateway writer. Entries are only
// acknowledged after the gateway accepted the push carrying them.
package metricsworker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/killkrill/killkrill/pkg/status/health"
	"github.com/killkrill/killkrill/pkg/streambus"
	"github.com/killkrill/killkrill/pkg/util/log"
)

const (
	readBlock    = time.Second
	claimMinIdle = time.Minute
	claimMax     = 100
	maxBatch     = 500

	loopBackoffMin = 2 * time.Second
	loopBackoffMax = 10 * time.Minute

	defaultTimeout = 30 * time.Second
)

// Options configures a Pool.
type Options struct {
	Bus    streambus.Bus
	Writer *Writer
	// Sinks receive every decoded sample best effort, keyed by the name
	// used in failure counters.
	Sinks     map[string]Sink
	Workers   int
	BatchSize int64
	// Timeout bounds one full iteration: read, claim, render, hand-off.
	Timeout time.Duration
}

// Pool runs the consumer goroutines of the prometheus-writers group.
type Pool struct {
	opts     Options
	consumer string // name prefix: {hostname}-{uuid8}
	now      func() time.Time

	stop chan struct{}
	wg   sync.WaitGroup
}

// New validates the options and prepares a pool. Workers defaults to 2,
// the batch size is clamped to 500.
func New(opts Options) (*Pool, error) {
	if opts.Bus == nil {
		return nil, errors.New("metricsworker: bus is required")
	}
	if opts.Writer == nil {
		return nil, errors.New("metricsworker: gateway writer is required")
	}
	if opts.Workers <= 0 {
		opts.Workers = 2
	}
	if opts.BatchSize <= 0 || opts.BatchSize > maxBatch {
		opts.BatchSize = maxBatch
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}

	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "killkrill"
	}
	return &Pool{
		opts:     opts,
		consumer: fmt.Sprintf("%s-%s", host, uuid.NewString()[:8]),
		now:      time.Now,
		stop:     make(chan struct{}),
	}, nil
}

// Start creates the consumer group, launches the gateway writer and
// spawns the workers.
func (p *Pool) Start(ctx context.Context) error {
	if err := p.opts.Bus.CreateGroup(ctx, streambus.StreamMetricsRaw,
		streambus.GroupPrometheusWriters, streambus.StartBeginning); err != nil {
		return fmt.Errorf("create group %s: %w", streambus.GroupPrometheusWriters, err)
	}
	p.opts.Writer.Start()
	for n := 0; n < p.opts.Workers; n++ {
		p.wg.Add(1)
		go p.run(fmt.Sprintf("%s-%d", p.consumer, n))
	}
	log.Infof("metricsworker: %d consumers started on %s as %s-*",
		p.opts.Workers, streambus.StreamMetricsRaw, p.consumer)
	return nil
}

// Stop lets every worker finish its current batch, then drains the
// gateway writer one last time.
func (p *Pool) Stop() {
	close(p.stop)
	p.wg.Wait()
	p.opts.Writer.Stop()
}

// run is one consumer loop. Data problems are handled inside an
// iteration; systemic problems back off exponentially while the health
// heartbeat keeps going.
func (p *Pool) run(consumer string) {
	defer p.wg.Done()

	token := health.Register("metricsworker")
	defer health.Deregister(token) //nolint:errcheck

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = loopBackoffMin
	bo.MaxInterval = loopBackoffMax
	bo.MaxElapsedTime = 0

	for {
		select {
		case <-p.stop:
			return
		default:
		}
		health.Ping(token) //nolint:errcheck

		if ok := p.iterate(consumer); !ok {
			if !p.pause(token, bo.NextBackOff()) {
				return
			}
			continue
		}
		bo.Reset()
	}
}

// iterate runs one read-render-handoff cycle. It reports false on
// systemic failure so the caller backs off. Acks happen in the gateway
// writer once a push landed; only poisonous entries are acked here.
func (p *Pool) iterate(consumer string) bool {
	ctx, cancel := context.WithTimeout(context.Background(), p.opts.Timeout)
	defer cancel()

	entries, err := p.opts.Bus.ReadGroup(ctx, streambus.ReadArgs{
		Stream:   streambus.StreamMetricsRaw,
		Group:    streambus.GroupPrometheusWriters,
		Consumer: consumer,
		Count:    p.opts.BatchSize,
		Block:    readBlock,
	})
	if err != nil {
		log.Errorf("metricsworker: read group: %v", err)
		return false
	}
	if claimed := p.claimStale(ctx, consumer); len(claimed) > 0 {
		entries = append(claimed, entries...)
	}
	p.refreshPending(ctx)
	if len(entries) == 0 {
		return true
	}

	samples, poison := p.decode(entries)
	if len(poison) > 0 {
		if _, err := p.opts.Bus.Ack(ctx, streambus.StreamMetricsRaw,
			streambus.GroupPrometheusWriters, poison...); err != nil {
			log.Errorf("metricsworker: ack poisonous entries: %v", err)
			return false
		}
	}
	if len(samples) == 0 {
		return true
	}

	p.fanout(samples)

	order, groups := groupSamples(samples)
	for _, key := range order {
		group := groups[key]
		ids := make([]string, 0, len(group))
		for _, s := range group {
			ids = append(ids, s.EntryID)
		}
		if err := p.opts.Writer.Add(ctx, Render(group), ids, len(group)); err != nil {
			log.Errorf("metricsworker: push %d samples for %s/%s: %v",
				len(group), key.source, key.mtype, err)
			return false
		}
	}
	return true
}

// decode rebuilds samples and separates poisonous entries, which are
// counted and acknowledged so they never block the stream.
func (p *Pool) decode(entries []streambus.Entry) ([]Sample, []string) {
	samples := make([]Sample, 0, len(entries))
	var poison []string
	now := p.now().UTC()
	for _, e := range entries {
		s, err := decodeSample(e, now)
		if err != nil {
			EntriesFailed.Add(1)
			TlmEntriesFailed.Inc("decode")
			log.Debugf("metricsworker: dropping entry %s: %v", e.ID, err)
			poison = append(poison, e.ID)
			continue
		}
		samples = append(samples, s)
	}
	return samples, poison
}

// fanout copies every sample to every secondary sink. Sink failures are
// counted per sink and never influence acknowledgment.
func (p *Pool) fanout(samples []Sample) {
	for name, sink := range p.opts.Sinks {
		for _, s := range samples {
			if !sink.AddMetric(s) {
				SinkErrors.Add(1)
				TlmSinkErrors.Inc(name)
			}
		}
	}
}

// claimStale takes over entries another consumer left pending for at
// least a minute, up to claimMax per iteration.
func (p *Pool) claimStale(ctx context.Context, consumer string) []streambus.Entry {
	pending, err := p.opts.Bus.PendingRange(ctx, streambus.StreamMetricsRaw,
		streambus.GroupPrometheusWriters, claimMax)
	if err != nil {
		log.Debugf("metricsworker: pending scan: %v", err)
		return nil
	}
	ids := make([]string, 0, len(pending))
	for _, pe := range pending {
		if pe.Idle >= claimMinIdle {
			ids = append(ids, pe.ID)
		}
	}
	if len(ids) == 0 {
		return nil
	}
	entries, err := p.opts.Bus.Claim(ctx, streambus.StreamMetricsRaw,
		streambus.GroupPrometheusWriters, consumer, claimMinIdle, ids...)
	if err != nil {
		log.Debugf("metricsworker: claim: %v", err)
		return nil
	}
	if len(entries) > 0 {
		EntriesClaimed.Add(int64(len(entries)))
		TlmEntriesClaimed.Add(float64(len(entries)))
		log.Infof("metricsworker: %s claimed %d stale entries", consumer, len(entries))
	}
	return entries
}

// refreshPending updates the stream pending gauge, best effort.
func (p *Pool) refreshPending(ctx context.Context) {
	if _, err := p.opts.Bus.PendingCount(ctx, streambus.StreamMetricsRaw,
		streambus.GroupPrometheusWriters); err != nil {
		log.Debugf("metricsworker: pending count: %v", err)
	}
}

// pause waits d while keeping the health heartbeat alive. It reports
// false when the pool is stopping.
func (p *Pool) pause(token health.ID, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	tick := time.NewTicker(health.DefaultPingFreq)
	defer tick.Stop()
	for {
		select {
		case <-timer.C:
			return true
		case <-tick.C:
			health.Ping(token) //nolint:errcheck
		case <-p.stop:
			return false
		}
	}
}
