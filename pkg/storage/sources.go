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

// Source is a registered log producer. Each source owns a dedicated syslog
// port and an allowlist of sender networks.
type Source struct {
	ID          string     `db:"id" json:"id"`
	Name        string     `db:"name" json:"name"`
	Application string     `db:"application" json:"application"`
	APIKeyHash  string     `db:"api_key_hash" json:"-"`
	AllowedIPs  StringList `db:"allowed_ips" json:"allowed_ips"`
	SyslogPort  int        `db:"syslog_port" json:"syslog_port"`
	Format      string     `db:"format" json:"format"`
	Enabled     bool       `db:"enabled" json:"enabled"`
	Received    int64      `db:"received" json:"received"`
	Dropped     int64      `db:"dropped" json:"dropped"`
	LastSeen    *time.Time `db:"last_seen" json:"last_seen,omitempty"`
	CreatedAt   time.Time  `db:"created_at" json:"created_at"`
}

// Formats a source may declare at creation. Parsing always attempts RFC3164
// with whole-message fallback; the hint is kept for future parsers.
var sourceFormats = map[string]bool{
	"rfc3164": true,
	"rfc5424": true,
	"json":    true,
}

// Validate checks the invariants enforced on every source write.
func (src *Source) Validate() error {
	if src.Name == "" {
		return errors.New("storage: source name is required")
	}
	if src.SyslogPort < 1 || src.SyslogPort > 65535 {
		return fmt.Errorf("storage: syslog port %d out of range 1-65535", src.SyslogPort)
	}
	if src.Format != "" && !sourceFormats[src.Format] {
		return fmt.Errorf("storage: unknown source format %q", src.Format)
	}
	return nil
}

const sourceColumns = `id, name, application, api_key_hash, allowed_ips,
	syslog_port, format, enabled, received, dropped, last_seen, created_at`

// CreateSource validates and inserts a source, assigning an id when missing.
func (s *Store) CreateSource(ctx context.Context, src *Source) error {
	if err := src.Validate(); err != nil {
		return err
	}
	if src.ID == "" {
		src.ID = uuid.NewString()
	}
	if src.Format == "" {
		src.Format = "rfc3164"
	}
	if src.CreatedAt.IsZero() {
		src.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO log_sources
			(id, name, application, api_key_hash, allowed_ips, syslog_port,
			 format, enabled, created_at)
		VALUES
			(:id, :name, :application, :api_key_hash, :allowed_ips, :syslog_port,
			 :format, :enabled, :created_at)`, src)
	if err != nil {
		return fmt.Errorf("storage: create source %s: %w", src.Name, err)
	}
	return nil
}

// ListEnabledSources returns every enabled source, ordered by syslog port.
// The admission snapshot and the UDP listener set are rebuilt from this.
func (s *Store) ListEnabledSources(ctx context.Context) ([]Source, error) {
	var sources []Source
	err := s.db.SelectContext(ctx, &sources, `
		SELECT `+sourceColumns+` FROM log_sources
		WHERE enabled ORDER BY syslog_port`)
	if err != nil {
		return nil, fmt.Errorf("storage: list enabled sources: %w", err)
	}
	return sources, nil
}

// GetSourceByName returns the source with the given unique name.
func (s *Store) GetSourceByName(ctx context.Context, name string) (*Source, error) {
	var src Source
	err := s.db.GetContext(ctx, &src, `
		SELECT `+sourceColumns+` FROM log_sources WHERE name = $1`, name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("storage: get source %s: %w", name, err)
	}
	return &src, nil
}

// GetSourceByKeyHash returns the enabled source owning the API key hash.
func (s *Store) GetSourceByKeyHash(ctx context.Context, keyHash string) (*Source, error) {
	var src Source
	err := s.db.GetContext(ctx, &src, `
		SELECT `+sourceColumns+` FROM log_sources
		WHERE api_key_hash = $1 AND enabled`, keyHash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("storage: get source by key: %w", err)
	}
	return &src, nil
}

// IncrementReceived bumps the received counter and last_seen for a source.
// Callers batch per read loop, not per entry.
func (s *Store) IncrementReceived(ctx context.Context, sourceID string, n int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE log_sources SET received = received + $2, last_seen = now()
		WHERE id = $1`, sourceID, n)
	if err != nil {
		return fmt.Errorf("storage: increment received for %s: %w", sourceID, err)
	}
	return nil
}

// IncrementDropped bumps the dropped counter for a source.
func (s *Store) IncrementDropped(ctx context.Context, sourceID string, n int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE log_sources SET dropped = dropped + $2 WHERE id = $1`, sourceID, n)
	if err != nil {
		return fmt.Errorf("storage: increment dropped for %s: %w", sourceID, err)
	}
	return nil
}
