// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at KillKrill (https://www.killkrill.dev/).
// Copyright 2024-present KillKrill, Inc.

package sensor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/killkrill/killkrill/pkg/storage"
)

// maxProbeBody caps how much of a probe response body is drained before
// closing; probes care about status lines, not payloads.
const maxProbeBody = 4 << 10

const defaultProbeTimeout = 5 * time.Second

// prober executes single checks. The resolver and HTTP client are fields so
// tests can point them at fixtures.
type prober struct {
	client  *http.Client
	resolve func(ctx context.Context, host string) ([]string, error)
}

func newProber() *prober {
	return &prober{
		client: &http.Client{},
		resolve: func(ctx context.Context, host string) ([]string, error) {
			return net.DefaultResolver.LookupHost(ctx, host)
		},
	}
}

// run executes one check within its configured timeout and shapes the
// outcome as a result row. It never returns an error: a failed probe is a
// result with a non-up status.
func (p *prober) run(ctx context.Context, c storage.Check) storage.CheckResult {
	timeout := time.Duration(c.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = defaultProbeTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	res := storage.CheckResult{
		CheckID:   c.ID,
		Status:    "error",
		CreatedAt: time.Now().UTC(),
	}

	start := time.Now()
	switch c.Type {
	case "tcp":
		p.runTCP(ctx, c, &res)
	case "http", "https":
		p.runHTTP(ctx, c, &res)
	case "dns":
		p.runDNS(ctx, c, &res)
	default:
		res.Error = fmt.Sprintf("unknown check type %q", c.Type)
		return res
	}
	res.LatencyMs = float64(time.Since(start).Microseconds()) / 1000.0
	return res
}

func (p *prober) runTCP(ctx context.Context, c storage.Check, res *storage.CheckResult) {
	var d net.Dialer
	addr := net.JoinHostPort(c.Target, strconv.Itoa(c.Port))
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		res.Status = failureStatus(err)
		res.Error = err.Error()
		return
	}
	conn.Close() //nolint:errcheck
	res.Status = "up"
}

func (p *prober) runHTTP(ctx context.Context, c storage.Check, res *storage.CheckResult) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, probeURL(c), nil)
	if err != nil {
		res.Error = err.Error()
		return
	}
	for k, v := range c.Headers {
		req.Header.Set(k, v)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		res.Status = failureStatus(err)
		res.Error = err.Error()
		return
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, maxProbeBody)) //nolint:errcheck

	res.StatusCode = resp.StatusCode
	if resp.TLS != nil && len(resp.TLS.PeerCertificates) > 0 {
		expiry := resp.TLS.PeerCertificates[0].NotAfter
		valid := time.Now().Before(expiry)
		res.TLSExpiry = &expiry
		res.TLSValid = &valid
	}

	want := c.ExpectedStatus
	if want == 0 {
		want = http.StatusOK
	}
	if resp.StatusCode != want {
		res.Status = "down"
		res.Error = fmt.Sprintf("unexpected status %d (want %d)", resp.StatusCode, want)
		return
	}
	res.Status = "up"
}

func (p *prober) runDNS(ctx context.Context, c storage.Check, res *storage.CheckResult) {
	addrs, err := p.resolve(ctx, c.Target)
	if err != nil {
		res.Status = failureStatus(err)
		res.Error = err.Error()
		return
	}
	if len(addrs) == 0 {
		res.Status = "down"
		res.Error = "lookup returned no addresses"
		return
	}
	res.Status = "up"
}

// probeURL builds the target URL from the check parts; the scheme is the
// check type itself.
func probeURL(c storage.Check) string {
	host := c.Target
	if c.Port > 0 {
		host = net.JoinHostPort(c.Target, strconv.Itoa(c.Port))
	}
	path := c.Path
	if path != "" && !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return fmt.Sprintf("%s://%s%s", c.Type, host, path)
}

// failureStatus distinguishes a probe that ran out of time from one that
// was answered with a refusal or reset.
func failureStatus(err error) string {
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return "timeout"
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	return "down"
}
