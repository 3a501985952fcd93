// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at KillKrill (https://www.killkrill.dev/).
// Copyright 2024-present KillKrill, Inc.

// Package apikey generates and digests API keys. Only the SHA-256 digest is
// ever persisted; the plaintext key is shown exactly once at creation.
package apikey

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"strings"

	"github.com/google/uuid"
)

// Generate returns a new plaintext key. The kk_ prefix makes leaked keys
// greppable.
func Generate() string {
	return "kk_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// Hash returns the hex SHA-256 digest of a plaintext key.
func Hash(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// Matches compares a plaintext key against a stored digest in constant time.
func Matches(key, storedHash string) bool {
	digest := Hash(key)
	return subtle.ConstantTimeCompare([]byte(digest), []byte(storedHash)) == 1
}
