// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at KillKrill (https://www.killkrill.dev/).
// Copyright 2024-present KillKrill, Inc.

// Package control serves the operational API of the receiver: admission
// rule reloads, check distribution and result intake for sensor agents,
// and the health, metrics and version surfaces.
package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	stdLog "log"
	"net"
	"net/http"
	"time"

	"github.com/cihub/seelog"
	"github.com/gorilla/mux"

	"github.com/killkrill/killkrill/pkg/admission"
	"github.com/killkrill/killkrill/pkg/api/healthprobe"
	"github.com/killkrill/killkrill/pkg/config"
	"github.com/killkrill/killkrill/pkg/storage"
	"github.com/killkrill/killkrill/pkg/streambus"
	"github.com/killkrill/killkrill/pkg/telemetry"
	"github.com/killkrill/killkrill/pkg/util/log"
	"github.com/killkrill/killkrill/pkg/version"
)

const (
	shutdownTimeout = 30 * time.Second

	// maxResultBatch caps one result submission; agents batch at 50.
	maxResultBatch = 500
)

// Store is the slice of the storage layer the control handlers use.
type Store interface {
	ActiveAdminKey(ctx context.Context, keyHash string) (*storage.APIKey, error)
	GetAgentByKeyHash(ctx context.Context, keyHash string) (*storage.Agent, error)
	TouchHeartbeat(ctx context.Context, agentID string) error
	ListEnabledChecks(ctx context.Context) ([]storage.Check, error)
	InsertResults(ctx context.Context, agentID string, results []storage.CheckResult) (int, error)
	ListEnabledSources(ctx context.Context) ([]storage.Source, error)
}

// Prober reports one dependency's reachability for the health surface.
type Prober = healthprobe.Prober

// Options configures a control Server. Store and Filter are required.
// Bus powers the critical redis probe; Probes add dependency checks
// under their component name.
type Options struct {
	Addr   string
	Store  Store
	Filter *admission.Filter
	Bus    streambus.Bus
	Probes map[string]Prober
}

// Server is the control-plane HTTP front end.
type Server struct {
	listener net.Listener
	srv      *http.Server
	store    Store
	filter   *admission.Filter
	bus      streambus.Bus
	probes   map[string]Prober
}

// NewServer binds the listen address and prepares the router. Serving
// starts on Start.
func NewServer(opts Options) (*Server, error) {
	if opts.Store == nil || opts.Filter == nil {
		return nil, errors.New("control: store and filter are required")
	}
	ln, err := net.Listen("tcp", opts.Addr)
	if err != nil {
		return nil, fmt.Errorf("control: listen on %s: %w", opts.Addr, err)
	}

	s := &Server{
		listener: ln,
		store:    opts.Store,
		filter:   opts.Filter,
		bus:      opts.Bus,
		probes:   opts.Probes,
	}

	r := mux.NewRouter()
	r.HandleFunc("/healthz", healthprobe.Handler(s.bus, s.probes)).Methods("GET")
	r.Handle("/metrics", telemetry.Handler()).Methods("GET")
	r.HandleFunc("/version", s.handleVersion).Methods("GET")
	r.HandleFunc("/api/v1/admission/reload", s.handleReload).Methods("POST")

	sensors := r.PathPrefix("/sensors").Subrouter()
	sensors.Use(s.agentAuth)
	sensors.HandleFunc("/config/{agent_id}", s.handleSensorConfig).Methods("GET")
	sensors.HandleFunc("/results", s.handleResults).Methods("POST")
	sensors.HandleFunc("/{agent_id}/heartbeat", s.handleHeartbeat).Methods("POST")

	// Stack depth 4 keeps the reported file relevant through the stdlib
	// log indirection.
	errWriter, err := config.NewLogWriter(4, seelog.ErrorLvl)
	if err != nil {
		ln.Close() //nolint:errcheck
		return nil, err
	}
	s.srv = &http.Server{
		Handler:      r,
		ErrorLog:     stdLog.New(errWriter, "control.http: ", 0),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return s, nil
}

// FromConfig builds a Server from the resolved configuration.
func FromConfig(store Store, filter *admission.Filter, bus streambus.Bus, probes map[string]Prober) (*Server, error) {
	return NewServer(Options{
		Addr:   fmt.Sprintf(":%d", config.KillKrill.GetInt("api_port")),
		Store:  store,
		Filter: filter,
		Bus:    bus,
		Probes: probes,
	})
}

// Addr returns the bound listen address.
func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

// Start serves requests until Stop is called.
func (s *Server) Start() {
	go func() {
		if err := s.srv.Serve(s.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorf("control server: %v", err)
		}
	}()
	log.Infof("control server listening on %s", s.Addr())
}

// Stop drains in-flight requests, waiting at most shutdownTimeout.
func (s *Server) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.srv.Shutdown(ctx); err != nil {
		log.Warnf("control server shutdown: %v", err)
	}
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"version": version.Version,
		"commit":  version.Commit,
	})
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debugf("control: write response: %v", err)
	}
}

type errorResponse struct {
	Status string `json:"status"`
	Error  string `json:"error"`
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, errorResponse{Status: "error", Error: msg})
}
