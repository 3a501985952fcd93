// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at KillKrill (https://www.killkrill.dev/).
// Copyright 2024-present KillKrill, Inc.

package storage

import (
	"context"
	"fmt"
)

// Statements are executed one at a time: the pgx stdlib driver uses the
// extended protocol, which rejects multi-statement strings.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS log_sources (
		id           uuid PRIMARY KEY,
		name         text NOT NULL UNIQUE,
		application  text NOT NULL DEFAULT '',
		api_key_hash text NOT NULL DEFAULT '',
		allowed_ips  jsonb NOT NULL DEFAULT '[]'::jsonb,
		syslog_port  integer NOT NULL UNIQUE,
		format       text NOT NULL DEFAULT 'rfc3164',
		enabled      boolean NOT NULL DEFAULT true,
		received     bigint NOT NULL DEFAULT 0,
		dropped      bigint NOT NULL DEFAULT 0,
		last_seen    timestamptz,
		created_at   timestamptz NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS sensor_agents (
		id             uuid PRIMARY KEY,
		name           text NOT NULL UNIQUE,
		location       text NOT NULL DEFAULT '',
		api_key_hash   text NOT NULL,
		active         boolean NOT NULL DEFAULT true,
		last_heartbeat timestamptz,
		created_at     timestamptz NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS checks (
		id              uuid PRIMARY KEY,
		name            text NOT NULL UNIQUE,
		type            text NOT NULL,
		target          text NOT NULL,
		port            integer NOT NULL DEFAULT 0,
		path            text NOT NULL DEFAULT '',
		expected_status integer NOT NULL DEFAULT 0,
		timeout_ms      integer NOT NULL,
		interval_s      integer NOT NULL,
		headers         jsonb NOT NULL DEFAULT '{}'::jsonb,
		enabled         boolean NOT NULL DEFAULT true,
		created_at      timestamptz NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS check_results (
		id          bigserial PRIMARY KEY,
		agent_id    uuid NOT NULL REFERENCES sensor_agents(id),
		check_id    uuid NOT NULL REFERENCES checks(id),
		status      text NOT NULL,
		latency_ms  double precision NOT NULL DEFAULT 0,
		status_code integer NOT NULL DEFAULT 0,
		error       text NOT NULL DEFAULT '',
		tls_expiry  timestamptz,
		tls_valid   boolean,
		created_at  timestamptz NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS check_results_check_created_idx
		ON check_results (check_id, created_at DESC)`,
	`CREATE TABLE IF NOT EXISTS api_keys (
		id          uuid PRIMARY KEY,
		owner_id    text NOT NULL DEFAULT '',
		name        text NOT NULL,
		key_hash    text NOT NULL UNIQUE,
		permissions jsonb NOT NULL DEFAULT '[]'::jsonb,
		created_at  timestamptz NOT NULL DEFAULT now(),
		expires_at  timestamptz,
		last_used   timestamptz,
		active      boolean NOT NULL DEFAULT true
	)`,
	`CREATE TABLE IF NOT EXISTS log_records (
		id         bigserial PRIMARY KEY,
		source_id  text NOT NULL DEFAULT '',
		source_ip  text NOT NULL DEFAULT '',
		facility   text NOT NULL DEFAULT '',
		severity   text NOT NULL DEFAULT '',
		host       text NOT NULL DEFAULT '',
		program    text NOT NULL DEFAULT '',
		message    text NOT NULL DEFAULT '',
		raw        text NOT NULL DEFAULT '',
		created_at timestamptz NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS log_records_created_idx
		ON log_records (created_at DESC)`,
}

// EnsureSchema creates every table and index the store needs. All statements
// are idempotent, so calling it on every boot is safe.
func (s *Store) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("storage: ensure schema: %w", err)
		}
	}
	return nil
}
