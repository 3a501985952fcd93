// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at KillKrill (https://www.killkrill.dev/).
// Copyright 2024-present KillKrill, Inc.

package control

import (
	"context"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/killkrill/killkrill/pkg/storage"
	"github.com/killkrill/killkrill/pkg/util/apikey"
	"github.com/killkrill/killkrill/pkg/util/log"
)

// agentKey carries the authenticated sensor through the request context.
type agentKey struct{}

func agentFrom(ctx context.Context) *storage.Agent {
	a, _ := ctx.Value(agentKey{}).(*storage.Agent)
	return a
}

// agentAuth admits sensor requests carrying an X-API-Key that hashes to
// an active agent. Routes naming an {agent_id} must be called by that
// agent; a mismatch is a 403, not a lookup of the named agent.
func (s *Server) agentAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get("X-API-Key")
		if key == "" {
			s.unauthorized(w, r, "none")
			return
		}
		agent, err := s.store.GetAgentByKeyHash(r.Context(), apikey.Hash(key))
		if err != nil {
			s.unauthorized(w, r, "agent_key")
			return
		}
		if want := mux.Vars(r)["agent_id"]; want != "" && want != agent.ID {
			AuthRejected.Add(1)
			TlmAuthRejected.Inc("agent_mismatch")
			writeError(w, http.StatusForbidden, "key does not belong to this agent")
			return
		}
		ctx := context.WithValue(r.Context(), agentKey{}, agent)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// adminKey authenticates the operator endpoints. It returns false after
// writing the response when the key is missing, unknown or lacks the
// admin permission.
func (s *Server) adminKey(w http.ResponseWriter, r *http.Request) bool {
	key := r.Header.Get("X-API-Key")
	if key == "" {
		s.unauthorized(w, r, "none")
		return false
	}
	if _, err := s.store.ActiveAdminKey(r.Context(), apikey.Hash(key)); err != nil {
		s.unauthorized(w, r, "admin_key")
		return false
	}
	return true
}

func (s *Server) unauthorized(w http.ResponseWriter, r *http.Request, method string) {
	AuthRejected.Add(1)
	TlmAuthRejected.Inc(method)
	log.Debugf("control: unauthenticated %s %s from %s", r.Method, r.URL.Path, r.RemoteAddr)
	writeError(w, http.StatusUnauthorized, "invalid or missing credentials")
}
