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
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/killkrill/killkrill/pkg/admission"
	"github.com/killkrill/killkrill/pkg/streambus"
)

const testSourceID = "src-1"

var errTestAppend = errors.New("append refused")

// fakeBus records appends in memory. failNext fails that many upcoming
// Append calls.
type fakeBus struct {
	mu       sync.Mutex
	appended []map[string]string
	calls    int
	failNext int
}

func newFakeBus() *fakeBus {
	return &fakeBus{}
}

func (b *fakeBus) Append(_ context.Context, stream string, fields map[string]string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls++
	if b.failNext > 0 {
		b.failNext--
		return "", errTestAppend
	}
	if stream != streambus.StreamLogsRaw {
		return "", fmt.Errorf("unexpected stream %q", stream)
	}
	b.appended = append(b.appended, fields)
	return fmt.Sprintf("%d-0", len(b.appended)), nil
}

func (b *fakeBus) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.appended)
}

func (b *fakeBus) at(i int) map[string]string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.appended[i]
}

func (b *fakeBus) callCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls
}

func (b *fakeBus) setFailNext(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failNext = n
}

func (b *fakeBus) CreateGroup(context.Context, string, string, string) error { return nil }
func (b *fakeBus) ReadGroup(context.Context, streambus.ReadArgs) ([]streambus.Entry, error) {
	return nil, nil
}
func (b *fakeBus) Ack(context.Context, string, string, ...string) (int64, error) { return 0, nil }
func (b *fakeBus) PendingRange(context.Context, string, string, int64) ([]streambus.PendingEntry, error) {
	return nil, nil
}
func (b *fakeBus) Claim(context.Context, string, string, string, time.Duration, ...string) ([]streambus.Entry, error) {
	return nil, nil
}
func (b *fakeBus) StreamLength(context.Context, string) (int64, error)      { return 0, nil }
func (b *fakeBus) PendingCount(context.Context, string, string) (int64, error) { return 0, nil }
func (b *fakeBus) Ping(context.Context) error                               { return nil }
func (b *fakeBus) Close() error                                             { return nil }

func freePort(t *testing.T) int {
	t.Helper()
	conn, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	port := conn.LocalAddr().(*net.UDPAddr).Port
	require.NoError(t, conn.Close())
	return port
}

func newFilter(t *testing.T, port int, cidrs ...string) *admission.Filter {
	t.Helper()
	rule, err := admission.CompileRule(testSourceID, port, cidrs)
	require.NoError(t, err)
	snap, err := admission.NewSnapshot([]admission.Rule{rule})
	require.NoError(t, err)
	return admission.NewFilter(snap)
}

// newTestManager starts a single-source manager on a free port and tears
// it down with the test.
func newTestManager(t *testing.T) (*Manager, *fakeBus, int) {
	t.Helper()

	port := freePort(t)
	bus := newFakeBus()
	m, err := NewManager([]Source{{
		ID:          testSourceID,
		Name:        "payments",
		Application: "payments-app",
		Port:        port,
	}}, bus, newFilter(t, port, "127.0.0.0/8", "::1/128"))
	require.NoError(t, err)
	require.NoError(t, m.Start())
	t.Cleanup(m.Stop)
	waitState(t, m, port, StateReady)
	return m, bus, port
}

func waitState(t *testing.T, m *Manager, port int, want State) {
	t.Helper()
	require.Eventually(t, func() bool {
		return m.States()[port] == want
	}, 5*time.Second, 10*time.Millisecond, "listener never reached %s", want)
}

func send(t *testing.T, port int, payload []byte) {
	t.Helper()
	conn, err := net.Dial("udp", fmt.Sprintf("127.0.0.1:%d", port))
	require.NoError(t, err)
	defer conn.Close()
	_, err = conn.Write(payload)
	require.NoError(t, err)
}

func waitAppended(t *testing.T, bus *fakeBus, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return bus.count() >= n
	}, 5*time.Second, 10*time.Millisecond)
}

func TestListenerParsesRFC3164(t *testing.T) {
	_, bus, port := newTestManager(t)

	send(t, port, []byte("<134>Jan  2 03:04:05 web01 nginx[42]: request served"))
	waitAppended(t, bus, 1)

	fields := bus.at(0)
	assert.Equal(t, "request served", fields["message"])
	assert.Equal(t, "local0", fields["facility"])
	assert.Equal(t, "info", fields["severity"])
	assert.Equal(t, "web01", fields["hostname"])
	assert.Equal(t, "nginx", fields["program"])
	assert.Equal(t, "42", fields["pid"])
	assert.Equal(t, "134", fields["priority"])
	assert.Equal(t, "syslog", fields["protocol"])
	assert.Equal(t, "payments", fields["source"])
	assert.Equal(t, "payments-app", fields["application"])
	assert.Equal(t, testSourceID, fields["source_id"])
	assert.Contains(t, fields["timestamp"], "03:04:05")
	assert.NotEmpty(t, fields["source_ip"])
	assert.NotContains(t, fields, "raw_log")
}

func TestListenerFallbackKeepsPayload(t *testing.T) {
	_, bus, port := newTestManager(t)

	send(t, port, []byte("plain text, no pri"))
	waitAppended(t, bus, 1)

	fields := bus.at(0)
	assert.Equal(t, "plain text, no pri", fields["message"])
	assert.Equal(t, "plain text, no pri", fields["raw_log"])
	assert.Equal(t, "user", fields["facility"])
	assert.Equal(t, "notice", fields["severity"])
	assert.NotContains(t, fields, "priority")
}

func TestListenerEncodesBinaryPayload(t *testing.T) {
	_, bus, port := newTestManager(t)

	payload := []byte{0xff, 0xfe, 0x00, 0x99, 0xc3}
	send(t, port, payload)
	waitAppended(t, bus, 1)

	want := base64.StdEncoding.EncodeToString(payload)
	fields := bus.at(0)
	assert.Equal(t, want, fields["message"])
	assert.Equal(t, want, fields["raw_log"])
}

func TestListenerDropsDisallowedPeer(t *testing.T) {
	port := freePort(t)
	bus := newFakeBus()
	filter := newFilter(t, port, "10.0.0.0/8")
	m, err := NewManager([]Source{{
		ID:   testSourceID,
		Name: "payments",
		Port: port,
	}}, bus, filter)
	require.NoError(t, err)
	require.NoError(t, m.Start())
	t.Cleanup(m.Stop)
	waitState(t, m, port, StateReady)

	dropped := admission.PacketsDropped.Value()
	send(t, port, []byte("<13>Jan  2 03:04:05 host prog: denied"))
	require.Eventually(t, func() bool {
		return admission.PacketsDropped.Value() > dropped
	}, 5*time.Second, 10*time.Millisecond)

	// Widen the allowlist and send again; only the second datagram lands.
	rule, err := admission.CompileRule(testSourceID, port, []string{"0.0.0.0/0", "::/0"})
	require.NoError(t, err)
	snap, err := admission.NewSnapshot([]admission.Rule{rule})
	require.NoError(t, err)
	filter.Swap(snap)

	send(t, port, []byte("<13>Jan  2 03:04:05 host prog: admitted"))
	waitAppended(t, bus, 1)

	require.Equal(t, 1, bus.count())
	assert.Equal(t, "admitted", bus.at(0)["message"])
}

func TestListenerRetriesAppendOnce(t *testing.T) {
	_, bus, port := newTestManager(t)
	bus.setFailNext(1)

	send(t, port, []byte("<13>Jan  2 03:04:05 host prog: survives one failure"))
	waitAppended(t, bus, 1)

	assert.Equal(t, "survives one failure", bus.at(0)["message"])
	assert.Equal(t, 2, bus.callCount())
}

func TestListenerDropsAfterSecondAppendFailure(t *testing.T) {
	_, bus, port := newTestManager(t)
	bus.setFailNext(2)

	send(t, port, []byte("<13>Jan  2 03:04:05 host prog: lost"))
	send(t, port, []byte("<13>Jan  2 03:04:05 host prog: kept"))
	waitAppended(t, bus, 1)

	require.Equal(t, 1, bus.count())
	assert.Equal(t, "kept", bus.at(0)["message"])
	assert.Equal(t, 3, bus.callCount())
}

func TestManagerStopMovesListenersToShutdown(t *testing.T) {
	port := freePort(t)
	m, err := NewManager([]Source{{
		ID:   testSourceID,
		Name: "payments",
		Port: port,
	}}, newFakeBus(), newFilter(t, port, "127.0.0.0/8"))
	require.NoError(t, err)
	require.NoError(t, m.Start())
	waitState(t, m, port, StateReady)

	m.Stop()

	assert.Equal(t, StateShutdown, m.States()[port])
}

func TestManagerRebindsAfterSocketLoss(t *testing.T) {
	m, bus, port := newTestManager(t)

	m.listeners[0].close()
	waitState(t, m, port, StateReady)

	send(t, port, []byte("<13>Jan  2 03:04:05 host prog: after rebind"))
	waitAppended(t, bus, 1)
	assert.Equal(t, "after rebind", bus.at(0)["message"])
}

func TestStartReportsBindFailures(t *testing.T) {
	blocker, err := net.ListenPacket("udp", ":0")
	require.NoError(t, err)
	port := blocker.LocalAddr().(*net.UDPAddr).Port

	m, err := NewManager([]Source{{
		ID:   testSourceID,
		Name: "payments",
		Port: port,
	}}, newFakeBus(), newFilter(t, port, "127.0.0.0/8"))
	require.NoError(t, err)

	err = m.Start()
	t.Cleanup(m.Stop)
	require.Error(t, err)
	assert.Contains(t, err.Error(), fmt.Sprintf("port %d", port))
	assert.Equal(t, StateFailed, m.States()[port])

	// Releasing the port lets the rebind loop recover the listener.
	require.NoError(t, blocker.Close())
	waitState(t, m, port, StateReady)
}

func TestNewManagerRejectsDuplicatePorts(t *testing.T) {
	bus := newFakeBus()
	filter := newFilter(t, 10001, "127.0.0.0/8")

	_, err := NewManager([]Source{
		{ID: "a", Name: "one", Port: 10001},
		{ID: "b", Name: "two", Port: 10001},
	}, bus, filter)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "share syslog port")

	_, err = NewManager([]Source{{ID: "c", Name: "three"}}, bus, filter)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no syslog port")
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "unbound", StateUnbound.String())
	assert.Equal(t, "binding", StateBinding.String())
	assert.Equal(t, "ready", StateReady.String())
	assert.Equal(t, "shutdown", StateShutdown.String())
	assert.Equal(t, "failed", StateFailed.String())
	assert.Equal(t, "unknown", State(99).String())
}
