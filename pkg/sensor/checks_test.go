// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at KillKrill (https://www.killkrill.dev/).
// Copyright 2024-present KillKrill, Inc.

package sensor

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/killkrill/killkrill/pkg/storage"
)

// hostPort splits a test server URL into the target/port pair a check
// definition carries.
func hostPort(t *testing.T, rawURL string) (string, int) {
	t.Helper()
	u, err := url.Parse(rawURL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)
	return u.Hostname(), port
}

func TestProbeTCPUp(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	port := ln.Addr().(*net.TCPAddr).Port

	p := newProber()
	res := p.run(context.Background(), storage.Check{
		ID:        "chk-tcp",
		Type:      "tcp",
		Target:    "127.0.0.1",
		Port:      port,
		TimeoutMs: 2000,
	})

	assert.Equal(t, "chk-tcp", res.CheckID)
	assert.Equal(t, "up", res.Status)
	assert.Empty(t, res.Error)
	assert.GreaterOrEqual(t, res.LatencyMs, 0.0)
	assert.False(t, res.CreatedAt.IsZero())
}

func TestProbeTCPRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())

	p := newProber()
	res := p.run(context.Background(), storage.Check{
		ID:        "chk-tcp",
		Type:      "tcp",
		Target:    "127.0.0.1",
		Port:      port,
		TimeoutMs: 2000,
	})

	assert.Equal(t, "down", res.Status)
	assert.NotEmpty(t, res.Error)
}

func TestProbeTCPTimeout(t *testing.T) {
	// An already-expired context forces the dial down the deadline path
	// without waiting on a real unroutable address.
	ctx, cancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer cancel()

	p := newProber()
	res := p.run(ctx, storage.Check{
		ID:        "chk-tcp",
		Type:      "tcp",
		Target:    "127.0.0.1",
		Port:      9,
		TimeoutMs: 2000,
	})

	assert.Equal(t, "timeout", res.Status)
}

func TestProbeHTTPMatchesExpectedStatus(t *testing.T) {
	gotPath := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath <- r.URL.Path
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()
	host, port := hostPort(t, srv.URL)

	p := newProber()
	res := p.run(context.Background(), storage.Check{
		ID:             "chk-http",
		Type:           "http",
		Target:         host,
		Port:           port,
		Path:           "healthz",
		ExpectedStatus: http.StatusNoContent,
		TimeoutMs:      2000,
	})

	assert.Equal(t, "up", res.Status)
	assert.Equal(t, http.StatusNoContent, res.StatusCode)
	assert.Equal(t, "/healthz", <-gotPath)
	assert.Nil(t, res.TLSExpiry)
}

func TestProbeHTTPWrongStatusIsDown(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()
	host, port := hostPort(t, srv.URL)

	p := newProber()
	res := p.run(context.Background(), storage.Check{
		ID:        "chk-http",
		Type:      "http",
		Target:    host,
		Port:      port,
		TimeoutMs: 2000,
	})

	assert.Equal(t, "down", res.Status)
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
	assert.Contains(t, res.Error, "404")
	assert.Contains(t, res.Error, "want 200")
}

func TestProbeHTTPSendsHeaders(t *testing.T) {
	gotToken := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotToken <- r.Header.Get("X-Probe-Token")
	}))
	defer srv.Close()
	host, port := hostPort(t, srv.URL)

	p := newProber()
	res := p.run(context.Background(), storage.Check{
		ID:        "chk-http",
		Type:      "http",
		Target:    host,
		Port:      port,
		TimeoutMs: 2000,
		Headers:   storage.HeaderMap{"X-Probe-Token": "s3cr3t"},
	})

	assert.Equal(t, "up", res.Status)
	assert.Equal(t, "s3cr3t", <-gotToken)
}

func TestProbeHTTPSCapturesCertificateExpiry(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()
	host, port := hostPort(t, srv.URL)

	p := newProber()
	p.client = srv.Client()
	res := p.run(context.Background(), storage.Check{
		ID:        "chk-https",
		Type:      "https",
		Target:    host,
		Port:      port,
		TimeoutMs: 2000,
	})

	assert.Equal(t, "up", res.Status)
	require.NotNil(t, res.TLSExpiry)
	assert.True(t, res.TLSExpiry.After(time.Now()))
	require.NotNil(t, res.TLSValid)
	assert.True(t, *res.TLSValid)
}

func TestProbeHTTPConnectionRefusedIsDown(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	host, port := hostPort(t, srv.URL)
	srv.Close()

	p := newProber()
	res := p.run(context.Background(), storage.Check{
		ID:        "chk-http",
		Type:      "http",
		Target:    host,
		Port:      port,
		TimeoutMs: 2000,
	})

	assert.Equal(t, "down", res.Status)
	assert.NotEmpty(t, res.Error)
}

func TestProbeDNS(t *testing.T) {
	tests := []struct {
		name   string
		addrs  []string
		err    error
		status string
	}{
		{"resolves", []string{"192.0.2.10"}, nil, "up"},
		{"no such host", nil, &net.DNSError{Err: "no such host", Name: "gone.example", IsNotFound: true}, "down"},
		{"server timeout", nil, &net.DNSError{Err: "i/o timeout", Name: "slow.example", IsTimeout: true}, "timeout"},
		{"empty answer", []string{}, nil, "down"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newProber()
			p.resolve = func(ctx context.Context, host string) ([]string, error) {
				return tt.addrs, tt.err
			}
			res := p.run(context.Background(), storage.Check{
				ID:        "chk-dns",
				Type:      "dns",
				Target:    "service.example",
				TimeoutMs: 2000,
			})
			assert.Equal(t, tt.status, res.Status)
		})
	}
}

func TestProbeUnknownTypeIsError(t *testing.T) {
	p := newProber()
	res := p.run(context.Background(), storage.Check{
		ID:        "chk-odd",
		Type:      "icmp",
		Target:    "example.com",
		TimeoutMs: 2000,
	})

	assert.Equal(t, "error", res.Status)
	assert.Contains(t, res.Error, `unknown check type "icmp"`)
}

func TestProbeURL(t *testing.T) {
	tests := []struct {
		name  string
		check storage.Check
		want  string
	}{
		{"bare host", storage.Check{Type: "http", Target: "example.com"}, "http://example.com"},
		{"with port", storage.Check{Type: "https", Target: "example.com", Port: 8443}, "https://example.com:8443"},
		{"with path", storage.Check{Type: "http", Target: "example.com", Path: "/status"}, "http://example.com/status"},
		{"path missing slash", storage.Check{Type: "http", Target: "example.com", Path: "status"}, "http://example.com/status"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, probeURL(tt.check))
		})
	}
}
