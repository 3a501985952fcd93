// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at KillKrill (https://www.killkrill.dev/).
// Copyright 2024-present KillKrill, Inc.

package submission

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Transport submits an encoded payload to the upstream backend.
type Transport interface {
	SubmitLogs(ctx context.Context, payload []byte) error
	SubmitMetrics(ctx context.Context, payload []byte) error
	Name() string
	Close() error
}

// httpTransport is the fallback transport: plain JSON POSTs with a bearer
// token. It is also the only transport when no RPC address is configured.
type httpTransport struct {
	client  *http.Client
	baseURL string
	tokens  *tokenStore
}

func newHTTPTransport(baseURL string, tokens *tokenStore) *httpTransport {
	return &httpTransport{
		client:  &http.Client{Timeout: 30 * time.Second},
		baseURL: baseURL,
		tokens:  tokens,
	}
}

func (t *httpTransport) Name() string { return "http" }

func (t *httpTransport) SubmitLogs(ctx context.Context, payload []byte) error {
	return t.post(ctx, "/api/v1/logs", payload)
}

func (t *httpTransport) SubmitMetrics(ctx context.Context, payload []byte) error {
	return t.post(ctx, "/api/v1/metrics", payload)
}

func (t *httpTransport) post(ctx context.Context, path string, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("submission: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if access, ok := t.tokens.accessToken(); ok {
		req.Header.Set("Authorization", "Bearer "+access)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("submission: post %s: %w", path, err)
	}
	defer func() {
		io.Copy(io.Discard, resp.Body) //nolint:errcheck
		resp.Body.Close()
	}()

	if resp.StatusCode == http.StatusUnauthorized {
		return fmt.Errorf("%w: post %s returned 401", errUnauthorized, path)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("submission: post %s returned %d", path, resp.StatusCode)
	}
	return nil
}

func (t *httpTransport) Close() error {
	t.client.CloseIdleConnections()
	return nil
}
