// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at KillKrill (https://www.killkrill.dev/).
// Copyright 2024-present KillKrill, Inc.

package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Agent is a registered uptime sensor.
type Agent struct {
	ID            string     `db:"id" json:"id"`
	Name          string     `db:"name" json:"name"`
	Location      string     `db:"location" json:"location"`
	APIKeyHash    string     `db:"api_key_hash" json:"-"`
	Active        bool       `db:"active" json:"active"`
	LastHeartbeat *time.Time `db:"last_heartbeat" json:"last_heartbeat,omitempty"`
	CreatedAt     time.Time  `db:"created_at" json:"created_at"`
}

// Check is a probe definition a sensor executes on a fixed interval.
type Check struct {
	ID             string    `db:"id" json:"id"`
	Name           string    `db:"name" json:"name"`
	Type           string    `db:"type" json:"type"`
	Target         string    `db:"target" json:"target"`
	Port           int       `db:"port" json:"port,omitempty"`
	Path           string    `db:"path" json:"path,omitempty"`
	ExpectedStatus int       `db:"expected_status" json:"expected_status,omitempty"`
	TimeoutMs      int       `db:"timeout_ms" json:"timeout_ms"`
	IntervalS      int       `db:"interval_s" json:"interval_s"`
	Headers        HeaderMap `db:"headers" json:"headers,omitempty"`
	Enabled        bool      `db:"enabled" json:"enabled"`
	CreatedAt      time.Time `db:"created_at" json:"created_at"`
}

// CheckResult is one probe outcome reported by a sensor.
type CheckResult struct {
	ID         int64      `db:"id" json:"id,omitempty"`
	AgentID    string     `db:"agent_id" json:"agent_id,omitempty"`
	CheckID    string     `db:"check_id" json:"check_id"`
	Status     string     `db:"status" json:"status"`
	LatencyMs  float64    `db:"latency_ms" json:"latency_ms"`
	StatusCode int        `db:"status_code" json:"status_code,omitempty"`
	Error      string     `db:"error" json:"error,omitempty"`
	TLSExpiry  *time.Time `db:"tls_expiry" json:"tls_expiry,omitempty"`
	TLSValid   *bool      `db:"tls_valid" json:"tls_valid,omitempty"`
	CreatedAt  time.Time  `db:"created_at" json:"created_at,omitempty"`
}

var checkTypes = map[string]bool{
	"tcp":   true,
	"http":  true,
	"https": true,
	"dns":   true,
}

var resultStatuses = map[string]bool{
	"up":      true,
	"down":    true,
	"timeout": true,
	"error":   true,
	"unknown": true,
}

// Validate checks the invariants enforced on every check write: a closed
// type enum, interval of at least one second, and a timeout strictly
// shorter than the interval.
func (c *Check) Validate() error {
	if c.Name == "" {
		return errors.New("storage: check name is required")
	}
	if !checkTypes[c.Type] {
		return fmt.Errorf("storage: unknown check type %q", c.Type)
	}
	if c.Target == "" {
		return errors.New("storage: check target is required")
	}
	if c.Type == "tcp" && (c.Port < 1 || c.Port > 65535) {
		return fmt.Errorf("storage: tcp check port %d out of range 1-65535", c.Port)
	}
	if c.Port != 0 && (c.Port < 1 || c.Port > 65535) {
		return fmt.Errorf("storage: check port %d out of range 1-65535", c.Port)
	}
	if c.IntervalS < 1 {
		return fmt.Errorf("storage: check interval %ds below minimum 1s", c.IntervalS)
	}
	if c.TimeoutMs < 1 {
		return fmt.Errorf("storage: check timeout %dms must be positive", c.TimeoutMs)
	}
	if c.TimeoutMs >= c.IntervalS*1000 {
		return fmt.Errorf("storage: check timeout %dms must be shorter than interval %ds",
			c.TimeoutMs, c.IntervalS)
	}
	return nil
}

// CreateAgent inserts a sensor agent, assigning an id when missing.
func (s *Store) CreateAgent(ctx context.Context, a *Agent) error {
	if a.Name == "" {
		return errors.New("storage: agent name is required")
	}
	if a.APIKeyHash == "" {
		return errors.New("storage: agent api key hash is required")
	}
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO sensor_agents (id, name, location, api_key_hash, active, created_at)
		VALUES (:id, :name, :location, :api_key_hash, :active, :created_at)`, a)
	if err != nil {
		return fmt.Errorf("storage: create agent %s: %w", a.Name, err)
	}
	return nil
}

// GetAgentByKeyHash returns the active agent owning the API key hash.
// Inactive agents are treated as missing so revocation takes effect
// immediately on the auth path.
func (s *Store) GetAgentByKeyHash(ctx context.Context, keyHash string) (*Agent, error) {
	var a Agent
	err := s.db.GetContext(ctx, &a, `
		SELECT id, name, location, api_key_hash, active, last_heartbeat, created_at
		FROM sensor_agents WHERE api_key_hash = $1 AND active`, keyHash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("storage: get agent by key: %w", err)
	}
	return &a, nil
}

// TouchHeartbeat records that the agent was seen now.
func (s *Store) TouchHeartbeat(ctx context.Context, agentID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE sensor_agents SET last_heartbeat = now() WHERE id = $1`, agentID)
	if err != nil {
		return fmt.Errorf("storage: touch heartbeat for %s: %w", agentID, err)
	}
	return nil
}

// CreateCheck validates and inserts a check, assigning an id when missing.
// HTTP checks default to expecting a 200.
func (s *Store) CreateCheck(ctx context.Context, c *Check) error {
	if (c.Type == "http" || c.Type == "https") && c.ExpectedStatus == 0 {
		c.ExpectedStatus = 200
	}
	if err := c.Validate(); err != nil {
		return err
	}
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO checks
			(id, name, type, target, port, path, expected_status, timeout_ms,
			 interval_s, headers, enabled, created_at)
		VALUES
			(:id, :name, :type, :target, :port, :path, :expected_status, :timeout_ms,
			 :interval_s, :headers, :enabled, :created_at)`, c)
	if err != nil {
		return fmt.Errorf("storage: create check %s: %w", c.Name, err)
	}
	return nil
}

// ListEnabledChecks returns every enabled check.
func (s *Store) ListEnabledChecks(ctx context.Context) ([]Check, error) {
	var checks []Check
	err := s.db.SelectContext(ctx, &checks, `
		SELECT id, name, type, target, port, path, expected_status, timeout_ms,
		       interval_s, headers, enabled, created_at
		FROM checks WHERE enabled ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("storage: list enabled checks: %w", err)
	}
	return checks, nil
}

// InsertResults validates and stores a batch of results from one agent.
// Results with an unknown status or a check id that does not exist are
// skipped; the returned count is the number actually inserted.
func (s *Store) InsertResults(ctx context.Context, agentID string, results []CheckResult) (int, error) {
	if len(results) == 0 {
		return 0, nil
	}

	var checkIDs []string
	if err := s.db.SelectContext(ctx, &checkIDs, `SELECT id FROM checks`); err != nil {
		return 0, fmt.Errorf("storage: list check ids: %w", err)
	}
	known := make(map[string]bool, len(checkIDs))
	for _, id := range checkIDs {
		known[id] = true
	}

	accepted := 0
	for i := range results {
		r := results[i]
		if !resultStatuses[r.Status] || !known[r.CheckID] {
			continue
		}
		r.AgentID = agentID
		if r.CreatedAt.IsZero() {
			r.CreatedAt = time.Now().UTC()
		}
		_, err := s.db.NamedExecContext(ctx, `
			INSERT INTO check_results
				(agent_id, check_id, status, latency_ms, status_code, error,
				 tls_expiry, tls_valid, created_at)
			VALUES
				(:agent_id, :check_id, :status, :latency_ms, :status_code, :error,
				 :tls_expiry, :tls_valid, :created_at)`, r)
		if err != nil {
			return accepted, fmt.Errorf("storage: insert result for check %s: %w", r.CheckID, err)
		}
		accepted++
	}
	return accepted, nil
}
