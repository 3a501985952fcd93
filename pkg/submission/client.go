// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at KillKrill (https://www.killkrill.dev/).
// Copyright 2024-present KillKrill, Inc.

// Package submission forwards normalized payloads to an upstream backend.
// It logs in with client credentials, refreshes tokens ahead of expiry, and
// prefers a binary RPC channel with transparent fallback to HTTP.
package submission

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/atomic"

	"github.com/killkrill/killkrill/pkg/config"
	"github.com/killkrill/killkrill/pkg/util/log"
)

var (
	// ErrAuthentication covers login and refresh failures.
	ErrAuthentication = errors.New("submission: authentication failed")
	// ErrSubmission means every transport attempt failed; the caller decides
	// whether to keep the payload or drop it.
	ErrSubmission = errors.New("submission: submit failed")

	// errUnauthorized marks a 401/Unauthenticated mid-flight; it earns one
	// relogin that does not count against the retry budget.
	errUnauthorized = errors.New("submission: unauthorized")
)

// Options configures a Client.
type Options struct {
	AuthURL      string
	HTTPURL      string
	RPCAddr      string
	RPCUseTLS    bool
	ClientID     string
	ClientSecret string
	UseRPC       bool
	MaxRetries   int
	BackoffBase  time.Duration
	Clock        clock.Clock
}

// Client is the authenticated submitter. Safe for concurrent use.
type Client struct {
	tokens       *tokenStore
	authClient   *http.Client
	authURL      string
	clientID     string
	clientSecret string

	httpT Transport
	rpcT  Transport

	rpcAddr   string
	rpcUseTLS bool
	useRPC    *atomic.Bool

	maxRetries  int
	backoffBase time.Duration
	clock       clock.Clock

	authMu sync.Mutex
}

// NewClient builds a client; Connect must be called before the first submit.
func NewClient(opts Options) *Client {
	clk := opts.Clock
	if clk == nil {
		clk = clock.New()
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 3
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = time.Second
	}
	tokens := newTokenStore(clk)
	return &Client{
		tokens:       tokens,
		authClient:   &http.Client{Timeout: 10 * time.Second},
		authURL:      opts.AuthURL,
		clientID:     opts.ClientID,
		clientSecret: opts.ClientSecret,
		httpT:        newHTTPTransport(opts.HTTPURL, tokens),
		rpcAddr:      opts.RPCAddr,
		rpcUseTLS:    opts.RPCUseTLS,
		useRPC:       atomic.NewBool(opts.UseRPC && opts.RPCAddr != ""),
		maxRetries:   opts.MaxRetries,
		backoffBase:  opts.BackoffBase,
		clock:        clk,
	}
}

// FromConfig builds a client from the process configuration.
func FromConfig() *Client {
	cfg := config.KillKrill
	return NewClient(Options{
		AuthURL:      cfg.GetString("upstream.url"),
		HTTPURL:      cfg.GetString("upstream.url"),
		RPCAddr:      cfg.GetString("upstream.rpc_addr"),
		RPCUseTLS:    cfg.GetBool("upstream.rpc_use_tls"),
		ClientID:     cfg.GetString("upstream.client_id"),
		ClientSecret: cfg.GetString("upstream.client_secret"),
		UseRPC:       cfg.GetBool("upstream.use_rpc"),
		MaxRetries:   cfg.GetInt("upstream.max_retries"),
	})
}

// Connect performs the initial login and opens the RPC channel. A channel
// that cannot become ready within the handshake timeout demotes the client
// to HTTP; only authentication failures are fatal.
func (c *Client) Connect(ctx context.Context) error {
	if err := c.login(ctx); err != nil {
		return err
	}
	if !c.useRPC.Load() {
		return nil
	}

	rpcT, err := dialRPC(ctx, c.rpcAddr, c.rpcUseTLS, hostOf(c.rpcAddr), c.tokens)
	if err != nil {
		TlmFallbacks.Inc()
		Fallbacks.Add(1)
		c.useRPC.Store(false)
		log.Warnf("rpc channel unavailable, using http transport: %v", err)
		return nil
	}
	c.rpcT = rpcT
	log.Infof("submission client connected, rpc channel ready at %s", c.rpcAddr)
	return nil
}

// SubmitLogs forwards an encoded log payload upstream.
func (c *Client) SubmitLogs(ctx context.Context, payload []byte) error {
	return c.submit(ctx, "logs", payload)
}

// SubmitMetrics forwards an encoded metrics payload upstream.
func (c *Client) SubmitMetrics(ctx context.Context, payload []byte) error {
	return c.submit(ctx, "metrics", payload)
}

func (c *Client) submit(ctx context.Context, kind string, payload []byte) error {
	var lastErr error
	reloggedIn := false
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			delay := c.backoffBase << (attempt - 1)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-c.clock.After(delay):
			}
		}

		if err := c.ensureAuthenticated(ctx); err != nil {
			return err
		}

		t := c.transport()
		var err error
		if kind == "logs" {
			err = t.SubmitLogs(ctx, payload)
		} else {
			err = t.SubmitMetrics(ctx, payload)
		}
		if err == nil {
			Submissions.Add(1)
			TlmSubmissions.Inc(kind, t.Name(), "ok")
			return nil
		}
		lastErr = err
		TlmSubmissions.Inc(kind, t.Name(), "error")

		// Cancellation is the caller's decision, not a transport fault.
		if ctx.Err() != nil {
			return ctx.Err()
		}

		// A stale token earns one immediate relogin that does not consume
		// a retry.
		if errors.Is(err, errUnauthorized) && !reloggedIn {
			reloggedIn = true
			c.tokens.clear()
			if lerr := c.login(ctx); lerr != nil {
				return lerr
			}
			attempt--
			continue
		}

		if t.Name() == "rpc" {
			c.useRPC.Store(false)
			TlmFallbacks.Inc()
			Fallbacks.Add(1)
			log.Warnf("rpc submit failed, switching to http transport: %v", err)
		}
	}
	return fmt.Errorf("%w after %d attempts: %w", ErrSubmission, c.maxRetries+1, lastErr)
}

func (c *Client) transport() Transport {
	if c.useRPC.Load() && c.rpcT != nil {
		return c.rpcT
	}
	return c.httpT
}

// UsingRPC reports whether the next submit would use the RPC channel.
func (c *Client) UsingRPC() bool {
	return c.useRPC.Load() && c.rpcT != nil
}

// ensureAuthenticated refreshes or logs in when the token store is empty or
// inside the refresh-ahead window.
func (c *Client) ensureAuthenticated(ctx context.Context) error {
	if !c.tokens.expired() {
		return nil
	}
	c.authMu.Lock()
	defer c.authMu.Unlock()
	if !c.tokens.expired() {
		return nil
	}
	return c.refreshOrLogin(ctx)
}

func (c *Client) refreshOrLogin(ctx context.Context) error {
	refresh, ok := c.tokens.refreshToken()
	if !ok {
		return c.login(ctx)
	}
	if err := c.postAuth(ctx, "/auth/refresh", map[string]string{"refresh_token": refresh}); err != nil {
		TlmRefreshes.Inc("error")
		log.Debugf("token refresh failed, performing full login: %v", err)
		return c.login(ctx)
	}
	TlmRefreshes.Inc("ok")
	return nil
}

func (c *Client) login(ctx context.Context) error {
	err := c.postAuth(ctx, "/auth/login", map[string]string{
		"client_id":     c.clientID,
		"client_secret": c.clientSecret,
	})
	if err != nil {
		TlmLogins.Inc("error")
		return err
	}
	TlmLogins.Inc("ok")
	Logins.Add(1)
	return nil
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
}

func (c *Client) postAuth(ctx context.Context, path string, body map[string]string) error {
	encoded, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("%w: encode %s: %v", ErrAuthentication, path, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.authURL+path, bytes.NewReader(encoded))
	if err != nil {
		return fmt.Errorf("%w: build %s: %v", ErrAuthentication, path, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.authClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrAuthentication, path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: %s returned %d", ErrAuthentication, path, resp.StatusCode)
	}

	var tr tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return fmt.Errorf("%w: decode %s response: %v", ErrAuthentication, path, err)
	}
	if tr.AccessToken == "" {
		return fmt.Errorf("%w: %s returned no access token", ErrAuthentication, path)
	}
	c.tokens.set(tr.AccessToken, tr.RefreshToken, notAfterFrom(tr.AccessToken, tr.ExpiresIn, c.clock.Now()))
	return nil
}

// Close shuts both transports down.
func (c *Client) Close() error {
	if c.rpcT != nil {
		if err := c.rpcT.Close(); err != nil {
			log.Debugf("closing rpc transport: %v", err)
		}
	}
	return c.httpT.Close()
}

func hostOf(addr string) string {
	for i := len(addr) - 1; i >= 0; i-- {
		if addr[i] == ':' {
			return addr[:i]
		}
	}
	return addr
}
