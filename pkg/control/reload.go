// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at KillKrill (https://www.killkrill.dev/).
// Copyright 2024-present KillKrill, Inc.

package control

import (
	"context"
	"fmt"
	"net/http"

	"github.com/killkrill/killkrill/pkg/admission"
	"github.com/killkrill/killkrill/pkg/util/log"
)

// LoadSnapshot compiles the admission snapshot from the enabled sources.
// A source whose stored CIDRs no longer compile is skipped with an error
// log; one bad row must not take the whole ingest allowlist down.
func LoadSnapshot(ctx context.Context, store Store) (*admission.Snapshot, int, error) {
	sources, err := store.ListEnabledSources(ctx)
	if err != nil {
		return nil, 0, fmt.Errorf("control: list sources: %w", err)
	}
	rules := make([]admission.Rule, 0, len(sources))
	for _, src := range sources {
		rule, err := admission.CompileRule(src.ID, src.SyslogPort, src.AllowedIPs)
		if err != nil {
			log.Errorf("control: skipping source %s: %v", src.Name, err)
			continue
		}
		rules = append(rules, rule)
	}
	snap, err := admission.NewSnapshot(rules)
	if err != nil {
		return nil, 0, fmt.Errorf("control: build snapshot: %w", err)
	}
	return snap, len(rules), nil
}

type reloadResponse struct {
	Reloaded int `json:"reloaded"`
}

// handleReload rebuilds the admission snapshot from storage and swaps it
// in atomically. Readers in flight keep the old snapshot until their
// next lookup.
func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	if !s.adminKey(w, r) {
		return
	}
	snap, n, err := LoadSnapshot(r.Context(), s.store)
	if err != nil {
		log.Errorf("control: admission reload: %v", err)
		writeError(w, http.StatusInternalServerError, "cannot rebuild admission rules")
		return
	}
	s.filter.Swap(snap)
	log.Infof("control: admission snapshot reloaded with %d rules", n)
	writeJSON(w, http.StatusOK, reloadResponse{Reloaded: n})
}
