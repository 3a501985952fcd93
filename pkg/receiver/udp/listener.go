// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at KillKrill (https://www.killkrill.dev/).
// Copyright 2024-present KillKrill, Inc.

package udp

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"
	"unicode/utf8"

	"go.uber.org/atomic"

	"github.com/killkrill/killkrill/pkg/admission"
	"github.com/killkrill/killkrill/pkg/receiver/metrics"
	"github.com/killkrill/killkrill/pkg/streambus"
	"github.com/killkrill/killkrill/pkg/syslog"
	"github.com/killkrill/killkrill/pkg/util/log"
)

const (
	// datagramBufferSize is the fixed read buffer. Longer datagrams are
	// truncated by the kernel; a full read counts as truncation.
	datagramBufferSize = 65536

	// appendTimeout bounds one stream append from the read loop.
	appendTimeout = 5 * time.Second
)

// State is the lifecycle phase of one listener.
type State int32

// Listener states. A listener starts Unbound, moves through Binding to
// Ready, and ends in Shutdown. Losing the socket after Ready moves it to
// Failed until the manager rebinds it.
const (
	StateUnbound State = iota
	StateBinding
	StateReady
	StateShutdown
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateUnbound:
		return "unbound"
	case StateBinding:
		return "binding"
	case StateReady:
		return "ready"
	case StateShutdown:
		return "shutdown"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

// Listener reads syslog datagrams for one source on its dedicated port.
// Datagram faults never end the read loop; only losing the socket does.
type Listener struct {
	source Source
	bus    streambus.Bus
	filter *admission.Filter

	state atomic.Int32
	buf   []byte

	mu   sync.Mutex
	conn net.PacketConn
}

func newListener(source Source, bus streambus.Bus, filter *admission.Filter) *Listener {
	return &Listener{
		source: source,
		bus:    bus,
		filter: filter,
		buf:    make([]byte, datagramBufferSize),
	}
}

// State returns the current lifecycle phase.
func (l *Listener) State() State {
	return State(l.state.Load())
}

func (l *Listener) setState(s State) {
	l.state.Store(int32(s))
}

// bind acquires the UDP socket and moves the listener to Ready, or to
// Failed when the port cannot be taken.
func (l *Listener) bind() error {
	l.setState(StateBinding)
	conn, err := net.ListenPacket("udp", fmt.Sprintf(":%d", l.source.Port))
	if err != nil {
		l.setState(StateFailed)
		return fmt.Errorf("can't listen on port %d: %w", l.source.Port, err)
	}
	l.mu.Lock()
	l.conn = conn
	l.mu.Unlock()
	l.setState(StateReady)
	log.Debugf("syslog-udp: source %s bound on %s", l.source.Name, conn.LocalAddr())
	return nil
}

// close shuts the socket, unblocking a pending ReadFrom.
func (l *Listener) close() {
	l.mu.Lock()
	conn := l.conn
	l.conn = nil
	l.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

// listen runs the datagram loop until the socket closes. The caller
// decides whether that close means shutdown or a rebind.
func (l *Listener) listen() {
	l.mu.Lock()
	conn := l.conn
	l.mu.Unlock()
	if conn == nil {
		return
	}
	log.Infof("syslog-udp: listening on %s for source %s", conn.LocalAddr(), l.source.Name)
	TlmListenersReady.Inc()
	defer TlmListenersReady.Dec()

	for {
		n, addr, err := conn.ReadFrom(l.buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			log.Errorf("syslog-udp: port %d: error reading datagram: %v", l.source.Port, err)
			PacketReadingErrors.Add(1)
			continue
		}
		l.process(l.buf[:n], n == len(l.buf), addr)
	}
}

// process admits, parses and appends one datagram. Parse failures keep
// the whole payload as the message; only a failed append drops data.
func (l *Listener) process(payload []byte, truncated bool, addr net.Addr) {
	peer := peerIP(addr)
	if verdict := l.filter.CheckPort(peer, l.source.Port); verdict != admission.VerdictAllowed {
		return
	}
	if truncated {
		metrics.PacketsTruncated.Add(1)
		metrics.TlmPacketsTruncated.Inc()
	}

	msg, parseErr := syslog.Parse(payload, time.Now().UTC())
	if parseErr != nil {
		admission.PacketsDropped.Add(1)
		admission.TlmPacketsDropped.Inc("parse_error")
	}
	fields := l.fields(msg, payload, parseErr, peer)

	ctx, cancel := context.WithTimeout(context.Background(), appendTimeout)
	defer cancel()
	if err := l.append(ctx, fields); err != nil {
		log.Errorf("syslog-udp: append from port %d: %v", l.source.Port, err)
		metrics.LogsDropped.Add(1)
		metrics.TlmLogsDropped.Inc("append_error")
		return
	}
	metrics.LogsReceived.Add(1)
	metrics.TlmLogsReceived.Inc("syslog")
}

// fields flattens one parsed datagram into the stream field map, same key
// contract as the HTTP surface. Payloads that are not valid UTF-8 travel
// base64-encoded; unparsed payloads keep the raw datagram in raw_log.
func (l *Listener) fields(msg syslog.Message, payload []byte, parseErr error, peer net.IP) map[string]string {
	f := map[string]string{
		"message":     msg.Message,
		"facility":    msg.Facility,
		"severity":    msg.Severity,
		"timestamp":   msg.Timestamp.UTC().Format(time.RFC3339Nano),
		"source":      l.source.Name,
		"application": l.source.Application,
		"source_id":   l.source.ID,
		"protocol":    "syslog",
	}
	if peer != nil {
		f["source_ip"] = peer.String()
	}
	if msg.Hostname != "" {
		f["hostname"] = msg.Hostname
	}
	if msg.Program != "" {
		f["program"] = msg.Program
	}
	if msg.PID != "" {
		f["pid"] = msg.PID
	}
	if msg.Priority >= 0 {
		f["priority"] = strconv.Itoa(msg.Priority)
	}
	if !utf8.Valid(payload) {
		enc := base64.StdEncoding.EncodeToString(payload)
		f["message"] = enc
		f["raw_log"] = enc
	} else if parseErr != nil {
		f["raw_log"] = string(payload)
	}
	return f
}

// append tries once and retries a single time before reporting failure,
// mirroring the HTTP surface.
func (l *Listener) append(ctx context.Context, fields map[string]string) error {
	_, err := l.bus.Append(ctx, streambus.StreamLogsRaw, fields)
	if err == nil {
		return nil
	}
	log.Debugf("syslog-udp: append to %s failed, retrying once: %v", streambus.StreamLogsRaw, err)
	_, err = l.bus.Append(ctx, streambus.StreamLogsRaw, fields)
	return err
}

func peerIP(addr net.Addr) net.IP {
	if u, ok := addr.(*net.UDPAddr); ok {
		return u.IP
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return nil
	}
	return net.ParseIP(host)
}
