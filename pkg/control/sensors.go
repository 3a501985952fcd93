// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at KillKrill (https://www.killkrill.dev/).
// Copyright 2024-present KillKrill, Inc.

package control

import (
	"encoding/json"
	"net/http"

	"github.com/killkrill/killkrill/pkg/storage"
	"github.com/killkrill/killkrill/pkg/util/log"
)

type sensorConfigResponse struct {
	AgentID string          `json:"agent_id"`
	Checks  []storage.Check `json:"checks"`
}

// handleSensorConfig hands the enabled check set to a polling agent.
// The poll doubles as a liveness signal, so the heartbeat is recorded
// here too.
func (s *Server) handleSensorConfig(w http.ResponseWriter, r *http.Request) {
	agent := agentFrom(r.Context())
	checks, err := s.store.ListEnabledChecks(r.Context())
	if err != nil {
		log.Errorf("control: list checks for %s: %v", agent.ID, err)
		writeError(w, http.StatusInternalServerError, "cannot load checks")
		return
	}
	if err := s.store.TouchHeartbeat(r.Context(), agent.ID); err != nil {
		log.Debugf("control: heartbeat on config poll for %s: %v", agent.ID, err)
	}
	if checks == nil {
		checks = []storage.Check{}
	}
	ConfigPolls.Add(1)
	TlmConfigPolls.Inc()
	writeJSON(w, http.StatusOK, sensorConfigResponse{AgentID: agent.ID, Checks: checks})
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	agent := agentFrom(r.Context())
	if err := s.store.TouchHeartbeat(r.Context(), agent.ID); err != nil {
		log.Errorf("control: heartbeat for %s: %v", agent.ID, err)
		writeError(w, http.StatusInternalServerError, "cannot record heartbeat")
		return
	}
	HeartbeatsRecorded.Add(1)
	TlmHeartbeatsRecorded.Inc()
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// resultSubmission is the only accepted shape: a wrapper object. Bare
// arrays and bare result objects are rejected.
type resultSubmission struct {
	Results []storage.CheckResult `json:"results"`
}

type resultsResponse struct {
	Accepted int `json:"accepted"`
}

func (s *Server) handleResults(w http.ResponseWriter, r *http.Request) {
	agent := agentFrom(r.Context())

	var sub resultSubmission
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(&sub); err != nil {
		writeError(w, http.StatusBadRequest, "body must be a JSON object: {\"results\": [...]}")
		return
	}
	if sub.Results == nil {
		writeError(w, http.StatusBadRequest, "missing results array")
		return
	}
	if len(sub.Results) > maxResultBatch {
		writeError(w, http.StatusBadRequest, "too many results in one submission")
		return
	}

	accepted, err := s.store.InsertResults(r.Context(), agent.ID, sub.Results)
	if err != nil {
		log.Errorf("control: insert %d results from %s: %v", len(sub.Results), agent.ID, err)
		writeError(w, http.StatusInternalServerError, "cannot store results")
		return
	}
	ResultsAccepted.Add(int64(accepted))
	TlmResultsAccepted.Add(float64(accepted))
	if skipped := len(sub.Results) - accepted; skipped > 0 {
		ResultsRejected.Add(int64(skipped))
		TlmResultsRejected.Add(float64(skipped))
		log.Debugf("control: skipped %d invalid results from %s", skipped, agent.ID)
	}
	writeJSON(w, http.StatusOK, resultsResponse{Accepted: accepted})
}
