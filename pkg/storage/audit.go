// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at KillKrill (https://www.killkrill.dev/).
// Copyright 2024-present KillKrill, Inc.

package storage

import (
	"context"
	"fmt"
	"time"
)

// AuditRecord is one accepted log entry mirrored into Postgres. The stream
// bus remains the authoritative pipeline; this table exists for operator
// queries and is written best effort.
type AuditRecord struct {
	SourceID  string    `db:"source_id"`
	SourceIP  string    `db:"source_ip"`
	Facility  string    `db:"facility"`
	Severity  string    `db:"severity"`
	Host      string    `db:"host"`
	Program   string    `db:"program"`
	Message   string    `db:"message"`
	Raw       string    `db:"raw"`
	CreatedAt time.Time `db:"created_at"`
}

// InsertAuditRecords stores a batch of audit rows in one statement.
func (s *Store) InsertAuditRecords(ctx context.Context, records []AuditRecord) error {
	if len(records) == 0 {
		return nil
	}
	for i := range records {
		if records[i].CreatedAt.IsZero() {
			records[i].CreatedAt = time.Now().UTC()
		}
	}
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO log_records
			(source_id, source_ip, facility, severity, host, program, message, raw, created_at)
		VALUES
			(:source_id, :source_ip, :facility, :severity, :host, :program, :message, :raw, :created_at)`,
		records)
	if err != nil {
		return fmt.Errorf("storage: insert %d audit records: %w", len(records), err)
	}
	return nil
}
