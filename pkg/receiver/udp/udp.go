// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at KillKrill (https://www.killkrill.dev/).
// Copyright 2024-present KillKrill, Inc.

// Package udp is the syslog ingest surface. Every enabled source with a
// dedicated port gets one datagram listener; a manager owns the listeners,
// rebinds the ones that lose their socket, and tears everything down on
// shutdown.
package udp

import (
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/hashicorp/go-multierror"

	"github.com/killkrill/killkrill/pkg/admission"
	"github.com/killkrill/killkrill/pkg/status/health"
	"github.com/killkrill/killkrill/pkg/streambus"
	"github.com/killkrill/killkrill/pkg/util/log"
)

// rebindMaxInterval caps the exponential backoff between rebind attempts.
const rebindMaxInterval = 30 * time.Second

// Source is the slice of a log source the syslog surface needs.
type Source struct {
	ID          string
	Name        string
	Application string
	Port        int
}

// Manager owns one listener per source port, their rebind loops and the
// health heartbeat of the surface.
type Manager struct {
	listeners []*Listener
	stop      chan struct{}
	wg        sync.WaitGroup
}

// NewManager builds one listener per source. Sources must carry distinct
// non-zero ports; the storage layer guarantees that for enabled sources,
// so a violation here is a programming error worth failing loudly on.
func NewManager(sources []Source, bus streambus.Bus, filter *admission.Filter) (*Manager, error) {
	m := &Manager{stop: make(chan struct{})}
	seen := make(map[int]string, len(sources))
	for _, src := range sources {
		if src.Port <= 0 {
			return nil, fmt.Errorf("source %s has no syslog port", src.Name)
		}
		if prev, dup := seen[src.Port]; dup {
			return nil, fmt.Errorf("sources %s and %s share syslog port %d", prev, src.Name, src.Port)
		}
		seen[src.Port] = src.Name
		m.listeners = append(m.listeners, newListener(src, bus, filter))
	}
	return m, nil
}

// Start binds every listener and spawns its datagram loop. A failed bind
// does not abort startup: the listener keeps rebinding in the background.
// The returned error aggregates the initial failures so the caller can
// log them.
func (m *Manager) Start() error {
	var errs *multierror.Error
	for _, l := range m.listeners {
		bound := true
		if err := l.bind(); err != nil {
			errs = multierror.Append(errs, err)
			bound = false
		}
		m.wg.Add(1)
		go m.run(l, bound)
	}
	m.wg.Add(1)
	go m.supervise()
	return errs.ErrorOrNil()
}

// Stop closes every socket, unblocking the read loops, and waits for them
// to exit.
func (m *Manager) Stop() {
	close(m.stop)
	for _, l := range m.listeners {
		l.close()
	}
	m.wg.Wait()
}

// States reports the current listener state per port.
func (m *Manager) States() map[int]State {
	states := make(map[int]State, len(m.listeners))
	for _, l := range m.listeners {
		states[l.source.Port] = l.State()
	}
	return states
}

// run drives one listener: read until the socket is gone, then rebind
// under exponential backoff until shutdown.
func (m *Manager) run(l *Listener, bound bool) {
	defer m.wg.Done()

	bo := backoff.NewExponentialBackOff()
	bo.MaxInterval = rebindMaxInterval
	bo.MaxElapsedTime = 0

	for {
		if !bound {
			if !m.pause(bo.NextBackOff()) {
				l.setState(StateShutdown)
				return
			}
			ListenerRebinds.Add(1)
			TlmListenerRebinds.Inc()
			if err := l.bind(); err != nil {
				log.Errorf("syslog-udp: %v", err)
				continue
			}
			// Stop may have raced the bind; the socket must not outlive it.
			if m.stopping() {
				l.close()
				l.setState(StateShutdown)
				return
			}
		}
		bound = false
		bo.Reset()

		l.listen()

		if m.stopping() {
			l.setState(StateShutdown)
			return
		}
		l.setState(StateFailed)
		log.Warnf("syslog-udp: listener on port %d lost its socket, rebinding", l.source.Port) //nolint:errcheck
	}
}

// supervise pings the health catalog while at least one listener serves.
func (m *Manager) supervise() {
	defer m.wg.Done()

	token := health.Register("receiver-syslog")
	defer health.Deregister(token) //nolint:errcheck

	tick := time.NewTicker(health.DefaultPingFreq)
	defer tick.Stop()

	health.Ping(token) //nolint:errcheck
	for {
		select {
		case <-tick.C:
			if m.anyReady() {
				health.Ping(token) //nolint:errcheck
			}
		case <-m.stop:
			return
		}
	}
}

func (m *Manager) anyReady() bool {
	if len(m.listeners) == 0 {
		return true
	}
	for _, l := range m.listeners {
		if l.State() == StateReady {
			return true
		}
	}
	return false
}

func (m *Manager) stopping() bool {
	select {
	case <-m.stop:
		return true
	default:
		return false
	}
}

// pause waits d or until shutdown, reporting whether to keep running.
func (m *Manager) pause(d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-m.stop:
		return false
	}
}
