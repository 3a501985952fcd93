// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at KillKrill (https://www.killkrill.dev/).
// Copyright 2024-present KillKrill, Inc.

package sensor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/killkrill/killkrill/pkg/storage"
	"github.com/killkrill/killkrill/pkg/version"
)

// apiClient talks to the control surface with the agent's API key.
type apiClient struct {
	baseURL string
	agentID string
	apiKey  string
	http    *http.Client
}

func newAPIClient(cfg Config) *apiClient {
	httpc := cfg.HTTPClient
	if httpc == nil {
		httpc = &http.Client{Timeout: 15 * time.Second}
	}
	return &apiClient{
		baseURL: strings.TrimRight(cfg.ServerURL, "/"),
		agentID: cfg.AgentID,
		apiKey:  cfg.APIKey,
		http:    httpc,
	}
}

type configResponse struct {
	AgentID string          `json:"agent_id"`
	Checks  []storage.Check `json:"checks"`
}

// fetchConfig pulls the agent's enabled checks. The server records the poll
// as a heartbeat, so a successful fetch also reports liveness.
func (c *apiClient) fetchConfig(ctx context.Context) ([]storage.Check, error) {
	var out configResponse
	if err := c.do(ctx, http.MethodGet, "/sensors/config/"+c.agentID, nil, &out); err != nil {
		return nil, err
	}
	return out.Checks, nil
}

type resultsRequest struct {
	Results []storage.CheckResult `json:"results"`
}

type acceptedResponse struct {
	Accepted int `json:"accepted"`
}

// submitResults posts a batch in the wrapped form the server requires and
// returns how many rows it accepted.
func (c *apiClient) submitResults(ctx context.Context, results []storage.CheckResult) (int, error) {
	var out acceptedResponse
	if err := c.do(ctx, http.MethodPost, "/sensors/results", resultsRequest{Results: results}, &out); err != nil {
		return 0, err
	}
	return out.Accepted, nil
}

// heartbeat reports liveness without polling config.
func (c *apiClient) heartbeat(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/sensors/"+c.agentID+"/heartbeat", nil, nil)
}

func (c *apiClient) do(ctx context.Context, method, path string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		encoded, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("sensor: encode %s: %w", path, err)
		}
		body = bytes.NewReader(encoded)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("sensor: build %s: %w", path, err)
	}
	req.Header.Set("X-API-Key", c.apiKey)
	req.Header.Set("User-Agent", "killkrill-sensor/"+version.Version)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("sensor: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("sensor: %s %s returned %s", method, path, resp.Status)
	}
	if out == nil {
		io.Copy(io.Discard, io.LimitReader(resp.Body, maxProbeBody)) //nolint:errcheck
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("sensor: decode %s response: %w", path, err)
	}
	return nil
}
