// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at KillKrill (https://www.killkrill.dev/).
// Copyright 2024-present KillKrill, Inc.

// Package logworker drains the raw log stream into Elasticsearch. A pool
// of consumers reads the elk-writers group, reshapes entries into ECS
// documents and bulk-indexes them into daily indices. Entries are only
// acknowledged once their bulk item succeeded, so nothing is lost between
// the stream and the index.
package logworker

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
	Bus         streambus.Bus
	Sink        Sink
	Workers     int
	BatchSize   int64
	IndexPrefix string
	// Timeout bounds one full iteration: read, claim, bulk, ack.
	Timeout time.Duration
}

// Pool runs the consumer goroutines of the elk-writers group.
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
		return nil, errors.New("logworker: bus is required")
	}
	if opts.Sink == nil {
		return nil, errors.New("logworker: sink is required")
	}
	if opts.Workers <= 0 {
		opts.Workers = 2
	}
	if opts.BatchSize <= 0 || opts.BatchSize > maxBatch {
		opts.BatchSize = maxBatch
	}
	if opts.IndexPrefix == "" {
		opts.IndexPrefix = "killkrill"
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

// Start creates the consumer group and spawns the workers.
func (p *Pool) Start(ctx context.Context) error {
	if err := p.opts.Bus.CreateGroup(ctx, streambus.StreamLogsRaw,
		streambus.GroupELKWriters, streambus.StartBeginning); err != nil {
		return fmt.Errorf("create group %s: %w", streambus.GroupELKWriters, err)
	}
	for n := 0; n < p.opts.Workers; n++ {
		p.wg.Add(1)
		go p.run(fmt.Sprintf("%s-%d", p.consumer, n))
	}
	log.Infof("logworker: %d consumers started on %s as %s-*",
		p.opts.Workers, streambus.StreamLogsRaw, p.consumer)
	return nil
}

// Stop lets every worker finish its current batch, including acks, then
// waits for them to exit.
func (p *Pool) Stop() {
	close(p.stop)
	p.wg.Wait()
}

// run is one consumer loop. Data problems are handled inside an
// iteration; systemic problems back off exponentially while the health
// heartbeat keeps going.
func (p *Pool) run(consumer string) {
	defer p.wg.Done()

	token := health.Register("logworker")
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

// iterate runs one read-transform-index-ack cycle. It reports false on
// systemic failure so the caller backs off.
func (p *Pool) iterate(consumer string) bool {
	ctx, cancel := context.WithTimeout(context.Background(), p.opts.Timeout)
	defer cancel()

	entries, err := p.opts.Bus.ReadGroup(ctx, streambus.ReadArgs{
		Stream:   streambus.StreamLogsRaw,
		Group:    streambus.GroupELKWriters,
		Consumer: consumer,
		Count:    p.opts.BatchSize,
		Block:    readBlock,
	})
	if err != nil {
		log.Errorf("logworker: read group: %v", err)
		return false
	}
	if claimed := p.claimStale(ctx, consumer); len(claimed) > 0 {
		entries = append(claimed, entries...)
	}
	p.refreshPending(ctx)
	if len(entries) == 0 {
		return true
	}

	docs, poison := p.transform(entries)
	if len(poison) > 0 {
		if _, err := p.opts.Bus.Ack(ctx, streambus.StreamLogsRaw,
			streambus.GroupELKWriters, poison...); err != nil {
			log.Errorf("logworker: ack poisonous entries: %v", err)
			return false
		}
	}
	if len(docs) == 0 {
		return true
	}

	result, err := p.opts.Sink.Bulk(ctx, docs)
	if err != nil {
		log.Errorf("logworker: bulk index %d entries: %v", len(docs), err)
		return false
	}
	if len(result.Failed) > 0 {
		EntriesFailed.Add(int64(len(result.Failed)))
		TlmEntriesFailed.Add(float64(len(result.Failed)), "bulk_item")
		log.Debugf("logworker: %d entries rejected item-level, left pending", len(result.Failed))
	}
	if len(result.Succeeded) == 0 {
		return true
	}

	if _, err := p.opts.Bus.Ack(ctx, streambus.StreamLogsRaw,
		streambus.GroupELKWriters, result.Succeeded...); err != nil {
		// Back off, the bus is unhealthy. The documents are already
		// indexed under digest-stable ids, so redelivery is harmless.
		log.Errorf("logworker: ack %d entries: %v", len(result.Succeeded), err)
		return false
	}
	EntriesProcessed.Add(int64(len(result.Succeeded)))
	TlmEntriesProcessed.Add(float64(len(result.Succeeded)))
	return true
}

// transform builds documents and separates poisonous entries, which are
// counted and acknowledged so they never block the stream.
func (p *Pool) transform(entries []streambus.Entry) ([]Document, []string) {
	docs := make([]Document, 0, len(entries))
	var poison []string
	now := p.now().UTC()
	for _, e := range entries {
		doc, err := BuildDocument(p.opts.IndexPrefix, e, now)
		if err != nil {
			EntriesFailed.Add(1)
			TlmEntriesFailed.Inc("transform")
			log.Debugf("logworker: dropping entry %s: %v", e.ID, err)
			poison = append(poison, e.ID)
			continue
		}
		docs = append(docs, doc)
	}
	return docs, poison
}

// claimStale takes over entries another consumer left pending for at
// least a minute, up to claimMax per iteration.
func (p *Pool) claimStale(ctx context.Context, consumer string) []streambus.Entry {
	pending, err := p.opts.Bus.PendingRange(ctx, streambus.StreamLogsRaw,
		streambus.GroupELKWriters, claimMax)
	if err != nil {
		log.Debugf("logworker: pending scan: %v", err)
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
	entries, err := p.opts.Bus.Claim(ctx, streambus.StreamLogsRaw,
		streambus.GroupELKWriters, consumer, claimMinIdle, ids...)
	if err != nil {
		log.Debugf("logworker: claim: %v", err)
		return nil
	}
	if len(entries) > 0 {
		EntriesClaimed.Add(int64(len(entries)))
		TlmEntriesClaimed.Add(float64(len(entries)))
		log.Infof("logworker: %s claimed %d stale entries", consumer, len(entries))
	}
	return entries
}

// refreshPending updates the stream pending gauge, best effort.
func (p *Pool) refreshPending(ctx context.Context) {
	if _, err := p.opts.Bus.PendingCount(ctx, streambus.StreamLogsRaw,
		streambus.GroupELKWriters); err != nil {
		log.Debugf("logworker: pending count: %v", err)
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
