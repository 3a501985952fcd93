// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at KillKrill (https://www.killkrill.dev/).
// Copyright 2024-present KillKrill, Inc.

// Package httpapi implements the HTTP ingestion surface of the receiver:
// POST /api/v1/logs and POST /api/v1/metrics, behind API-key or bearer
// token authentication and the admission filter.
package httpapi

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
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/killkrill/killkrill/pkg/admission"
	"github.com/killkrill/killkrill/pkg/config"
	"github.com/killkrill/killkrill/pkg/storage"
	"github.com/killkrill/killkrill/pkg/streambus"
	"github.com/killkrill/killkrill/pkg/util/log"
)

const (
	maxBatchEntries  = 1000
	maxMessageChars  = 10000
	maxLabelKeys     = 64
	nameCacheEntries = 4096
	shutdownTimeout  = 30 * time.Second
)

// Store is the slice of the storage layer the ingest handlers use.
type Store interface {
	ActiveKey(ctx context.Context, keyHash string) (*storage.APIKey, error)
	GetSourceByName(ctx context.Context, name string) (*storage.Source, error)
	InsertAuditRecords(ctx context.Context, records []storage.AuditRecord) error
	IncrementReceived(ctx context.Context, sourceID string, n int64) error
}

// FeatureChecker reports whether a licensed feature is enabled. The
// entitlement gate satisfies it.
type FeatureChecker interface {
	CheckFeature(feature string) bool
}

// Options configures a receiver Server. Store, Bus and Filter are
// required; Forwarder is optional and only consulted when Features
// grants upstream forwarding.
type Options struct {
	Addr      string
	Store     Store
	Bus       streambus.Bus
	Filter    *admission.Filter
	JWTSecret []byte
	Features  FeatureChecker
	Forwarder *Forwarder
}

// Server is the receiver's HTTP front end.
type Server struct {
	listener  net.Listener
	srv       *http.Server
	store     Store
	bus       streambus.Bus
	filter    *admission.Filter
	jwtSecret []byte
	features  FeatureChecker
	forwarder *Forwarder
	nameCache *lru.Cache[string, bool]
}

// NewServer binds the listen address and prepares the router. Serving
// starts on Start.
func NewServer(opts Options) (*Server, error) {
	if opts.Store == nil || opts.Bus == nil || opts.Filter == nil {
		return nil, errors.New("httpapi: store, bus and filter are required")
	}
	ln, err := net.Listen("tcp", opts.Addr)
	if err != nil {
		return nil, fmt.Errorf("httpapi: listen on %s: %w", opts.Addr, err)
	}

	nameCache, err := lru.New[string, bool](nameCacheEntries)
	if err != nil {
		ln.Close() //nolint:errcheck
		return nil, err
	}

	s := &Server{
		listener:  ln,
		store:     opts.Store,
		bus:       opts.Bus,
		filter:    opts.Filter,
		jwtSecret: opts.JWTSecret,
		features:  opts.Features,
		forwarder: opts.Forwarder,
		nameCache: nameCache,
	}

	r := mux.NewRouter()
	r.Use(s.authMiddleware)
	r.HandleFunc("/api/v1/logs", s.handleLogs).Methods("POST")
	r.HandleFunc("/api/v1/metrics", s.handleMetrics).Methods("POST")

	// Stack depth 4 keeps the reported file relevant through the stdlib
	// log indirection.
	errWriter, err := config.NewLogWriter(4, seelog.ErrorLvl)
	if err != nil {
		ln.Close() //nolint:errcheck
		return nil, err
	}
	s.srv = &http.Server{
		Handler:      r,
		ErrorLog:     stdLog.New(errWriter, "receiver.http: ", 0),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return s, nil
}

// FromConfig builds a Server from the resolved configuration.
func FromConfig(store Store, bus streambus.Bus, filter *admission.Filter, features FeatureChecker, fwd *Forwarder) (*Server, error) {
	return NewServer(Options{
		Addr:      fmt.Sprintf(":%d", config.KillKrill.GetInt("receiver_http_port")),
		Store:     store,
		Bus:       bus,
		Filter:    filter,
		JWTSecret: []byte(config.KillKrill.GetString("jwt_secret")),
		Features:  features,
		Forwarder: fwd,
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
			log.Errorf("receiver http server: %v", err)
		}
	}()
	log.Infof("receiver http server listening on %s", s.Addr())
}

// Stop drains in-flight requests, waiting at most shutdownTimeout.
func (s *Server) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.srv.Shutdown(ctx); err != nil {
		log.Warnf("receiver http server shutdown: %v", err)
	}
}

type ingestResponse struct {
	Status    string `json:"status"`
	Processed int    `json:"processed"`
	Error     string `json:"error,omitempty"`
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debugf("write response: %v", err)
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, ingestResponse{Status: "error", Error: msg})
}
