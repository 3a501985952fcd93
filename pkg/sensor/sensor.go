// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at KillKrill (https://www.killkrill.dev/).
// Copyright 2024-present KillKrill, Inc.

// Package sensor is the standalone uptime prober. It polls the control
// surface for its check set, runs each enabled check on its own interval,
// and reports outcomes back in capped batches.
package sensor

import (
	"context"
	"errors"
	"net/http"
	"reflect"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/killkrill/killkrill/pkg/config"
	"github.com/killkrill/killkrill/pkg/storage"
)

const (
	defaultPollInterval   = time.Minute
	defaultSubmitInterval = 10 * time.Second

	// maxBatch is the largest result batch a single submit carries.
	maxBatch = 50
	// maxQueue bounds buffered results while the control surface is away;
	// beyond it the oldest rows give way.
	maxQueue = 1000

	pollTimeout      = 10 * time.Second
	submitTimeout    = 15 * time.Second
	stopFlushTimeout = 5 * time.Second
)

// Config carries the identity and cadence of one sensor agent.
type Config struct {
	ServerURL      string
	AgentID        string
	APIKey         string
	PollInterval   time.Duration
	SubmitInterval time.Duration

	// HTTPClient, when set, replaces the default control-surface client.
	HTTPClient *http.Client
	Log        logrus.FieldLogger
}

// Agent runs the sensor loop: poll config, keep one runner per enabled
// check, buffer results, submit.
type Agent struct {
	cfg Config
	api *apiClient
	pr  *prober
	log logrus.FieldLogger

	mu      sync.Mutex
	runners map[string]*runner
	queue   []storage.CheckResult
	dropped int
	stopped bool

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// runner is one per-check probe loop.
type runner struct {
	check storage.Check
	stop  chan struct{}
}

// New validates the configuration and builds an agent. Callers own Start
// and Stop.
func New(cfg Config) (*Agent, error) {
	if cfg.ServerURL == "" {
		return nil, errors.New("sensor: server url is required")
	}
	if cfg.AgentID == "" {
		return nil, errors.New("sensor: agent id is required")
	}
	if cfg.APIKey == "" {
		return nil, errors.New("sensor: api key is required")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.SubmitInterval <= 0 {
		cfg.SubmitInterval = defaultSubmitInterval
	}
	logger := cfg.Log
	if logger == nil {
		logger = logrus.WithFields(logrus.Fields{
			"component": "sensor",
			"agent_id":  cfg.AgentID,
		})
	}
	return &Agent{
		cfg:     cfg,
		api:     newAPIClient(cfg),
		pr:      newProber(),
		log:     logger,
		runners: make(map[string]*runner),
		stopCh:  make(chan struct{}),
	}, nil
}

// FromConfig builds an agent from the process configuration.
func FromConfig() (*Agent, error) {
	cfg := config.KillKrill
	return New(Config{
		ServerURL:      cfg.GetString("sensor.server_url"),
		AgentID:        cfg.GetString("sensor.agent_id"),
		APIKey:         cfg.GetString("sensor.api_key"),
		PollInterval:   cfg.GetDuration("sensor.poll_interval"),
		SubmitInterval: cfg.GetDuration("sensor.submit_interval"),
	})
}

// Start performs the first config poll and launches the poll and submit
// loops. A failed first poll is not fatal: the agent heartbeats instead and
// retries on the next tick.
func (a *Agent) Start() {
	a.poll()
	a.wg.Add(2)
	go a.pollLoop()
	go a.submitLoop()
	a.log.WithField("server", a.cfg.ServerURL).Info("sensor started")
}

// Stop halts every runner and loop, then flushes buffered results.
func (a *Agent) Stop() {
	a.stopOnce.Do(func() { close(a.stopCh) })

	a.mu.Lock()
	a.stopped = true
	for id, r := range a.runners {
		close(r.stop)
		delete(a.runners, id)
	}
	a.mu.Unlock()
	a.wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), stopFlushTimeout)
	defer cancel()
	a.drain(ctx)
	a.log.Info("sensor stopped")
}

func (a *Agent) pollLoop() {
	defer a.wg.Done()
	ticker := time.NewTicker(a.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-a.stopCh:
			return
		case <-ticker.C:
			a.poll()
		}
	}
}

// poll fetches the check set. When the fetch fails the agent still reports
// liveness through the dedicated heartbeat endpoint, so a broken config
// path does not look like a dead sensor.
func (a *Agent) poll() {
	ctx, cancel := context.WithTimeout(context.Background(), pollTimeout)
	defer cancel()

	checks, err := a.api.fetchConfig(ctx)
	if err != nil {
		a.log.WithError(err).Warn("config poll failed")
		if herr := a.api.heartbeat(ctx); herr != nil {
			a.log.WithError(herr).Debug("heartbeat failed")
		}
		return
	}
	a.applyConfig(checks)
}

// applyConfig reconciles runners with the server's check set: new checks
// start, removed checks stop, changed definitions restart.
func (a *Agent) applyConfig(checks []storage.Check) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.stopped {
		return
	}

	seen := make(map[string]bool, len(checks))
	for _, c := range checks {
		seen[c.ID] = true
		cur, ok := a.runners[c.ID]
		if ok && sameCheck(cur.check, c) {
			continue
		}
		if ok {
			close(cur.stop)
			delete(a.runners, c.ID)
			a.log.WithField("check", c.Name).Info("check definition changed, restarting")
		} else {
			a.log.WithFields(logrus.Fields{"check": c.Name, "type": c.Type}).Info("check added")
		}
		a.startRunner(c)
	}
	for id, r := range a.runners {
		if seen[id] {
			continue
		}
		close(r.stop)
		delete(a.runners, id)
		a.log.WithField("check", r.check.Name).Info("check removed")
	}
}

// sameCheck compares definitions ignoring row metadata, so a mere re-read
// does not restart a healthy runner.
func sameCheck(a, b storage.Check) bool {
	a.CreatedAt, b.CreatedAt = time.Time{}, time.Time{}
	return reflect.DeepEqual(a, b)
}

// startRunner launches the per-check loop. The first probe fires
// immediately so a new check produces a result before its first interval
// elapses. Callers hold a.mu.
func (a *Agent) startRunner(c storage.Check) {
	r := &runner{check: c, stop: make(chan struct{})}
	a.runners[c.ID] = r
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		interval := time.Duration(c.IntervalS) * time.Second
		if interval <= 0 {
			interval = time.Minute
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			a.enqueue(a.pr.run(context.Background(), c))
			select {
			case <-r.stop:
				return
			case <-ticker.C:
			}
		}
	}()
}

// enqueue buffers one result for the next submit.
func (a *Agent) enqueue(res storage.CheckResult) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.queue = append(a.queue, res)
	if len(a.queue) > maxQueue {
		over := len(a.queue) - maxQueue
		a.queue = a.queue[over:]
		a.dropped += over
		a.log.WithField("dropped", a.dropped).Warn("result buffer full, dropping oldest rows")
	}
}

func (a *Agent) submitLoop() {
	defer a.wg.Done()
	ticker := time.NewTicker(a.cfg.SubmitInterval)
	defer ticker.Stop()
	for {
		select {
		case <-a.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), submitTimeout)
			a.drain(ctx)
			cancel()
		}
	}
}

// drain submits buffered results in batches until the buffer is empty or a
// submit fails; a failed batch goes back on the queue for the next tick.
func (a *Agent) drain(ctx context.Context) {
	for {
		batch := a.takeBatch()
		if len(batch) == 0 {
			return
		}
		accepted, err := a.api.submitResults(ctx, batch)
		if err != nil {
			a.log.WithError(err).WithField("results", len(batch)).Warn("submit failed, keeping batch")
			a.requeue(batch)
			return
		}
		if accepted < len(batch) {
			a.log.WithFields(logrus.Fields{
				"sent":     len(batch),
				"accepted": accepted,
			}).Debug("server skipped some results")
		}
	}
}

func (a *Agent) takeBatch() []storage.CheckResult {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.queue) == 0 {
		return nil
	}
	n := len(a.queue)
	if n > maxBatch {
		n = maxBatch
	}
	batch := make([]storage.CheckResult, n)
	copy(batch, a.queue[:n])
	a.queue = a.queue[n:]
	return batch
}

// requeue puts a failed batch back at the head so ordering survives a
// transient outage.
func (a *Agent) requeue(batch []storage.CheckResult) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.queue = append(batch, a.queue...)
}

// runnerCount reports how many per-check loops are live.
func (a *Agent) runnerCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.runners)
}
