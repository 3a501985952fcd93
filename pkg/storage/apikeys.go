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

	"github.com/killkrill/killkrill/pkg/util/log"
)

// APIKey is a stored credential. Only the SHA-256 hash of the key material
// is persisted.
type APIKey struct {
	ID          string     `db:"id"`
	OwnerID     string     `db:"owner_id"`
	Name        string     `db:"name"`
	KeyHash     string     `db:"key_hash"`
	Permissions StringList `db:"permissions"`
	CreatedAt   time.Time  `db:"created_at"`
	ExpiresAt   *time.Time `db:"expires_at"`
	LastUsed    *time.Time `db:"last_used"`
	Active      bool       `db:"active"`
}

// PermissionAdmin gates the admission reload endpoint.
const PermissionAdmin = "admin"

// CreateAPIKey inserts a key record, assigning an id when missing.
func (s *Store) CreateAPIKey(ctx context.Context, k *APIKey) error {
	if k.Name == "" {
		return errors.New("storage: api key name is required")
	}
	if k.KeyHash == "" {
		return errors.New("storage: api key hash is required")
	}
	if k.ID == "" {
		k.ID = uuid.NewString()
	}
	if k.CreatedAt.IsZero() {
		k.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO api_keys
			(id, owner_id, name, key_hash, permissions, created_at, expires_at, active)
		VALUES
			(:id, :owner_id, :name, :key_hash, :permissions, :created_at, :expires_at, :active)`, k)
	if err != nil {
		return fmt.Errorf("storage: create api key %s: %w", k.Name, err)
	}
	return nil
}

// ActiveKey returns the key matching keyHash, provided it is active and
// unexpired. Anything else maps to ErrNotFound so the auth path does not
// leak why a key was refused.
func (s *Store) ActiveKey(ctx context.Context, keyHash string) (*APIKey, error) {
	var k APIKey
	err := s.db.GetContext(ctx, &k, `
		SELECT id, owner_id, name, key_hash, permissions, created_at,
		       expires_at, last_used, active
		FROM api_keys WHERE key_hash = $1 AND active`, keyHash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("storage: get api key: %w", err)
	}
	if k.ExpiresAt != nil && !k.ExpiresAt.After(time.Now().UTC()) {
		return nil, ErrNotFound
	}

	// Usage tracking is best effort.
	if _, err := s.db.ExecContext(ctx, `
		UPDATE api_keys SET last_used = now() WHERE id = $1`, k.ID); err != nil {
		log.Debugf("storage: touch api key %s: %v", k.ID, err)
	}
	return &k, nil
}

// ActiveAdminKey is ActiveKey restricted to keys carrying the admin
// permission.
func (s *Store) ActiveAdminKey(ctx context.Context, keyHash string) (*APIKey, error) {
	k, err := s.ActiveKey(ctx, keyHash)
	if err != nil {
		return nil, err
	}
	if !k.Permissions.Contains(PermissionAdmin) {
		return nil, ErrNotFound
	}
	return k, nil
}
