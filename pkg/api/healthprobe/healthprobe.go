// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at KillKrill (https://www.killkrill.dev/).
// Copyright 2024-present KillKrill, Inc.

// Package healthprobe serves the operational endpoint of the worker
// binaries: the merged health verdict on /healthz and the telemetry
// registry on /metrics. The receiver control surface mounts the same
// handler, so the /healthz body is identical across all binaries.
package healthprobe

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/killkrill/killkrill/pkg/status/health"
	"github.com/killkrill/killkrill/pkg/streambus"
	"github.com/killkrill/killkrill/pkg/telemetry"
	"github.com/killkrill/killkrill/pkg/util/log"
)

const (
	probeTimeout = 2 * time.Second

	// serverTimeout leaves room for the probes plus response encoding.
	serverTimeout = 5 * time.Second
	shutdownGrace = time.Second
)

// Prober reports one dependency's reachability.
type Prober func(ctx context.Context) error

// Response is the /healthz body.
type Response struct {
	Status     string            `json:"status"`
	Components map[string]string `json:"components"`
	Timestamp  time.Time         `json:"timestamp"`
}

// Serve binds addr and answers GET /healthz and GET /metrics until ctx is
// canceled. It returns the bound address; the bind error is returned so
// callers can treat a taken port as fatal at boot.
func Serve(ctx context.Context, addr string, bus streambus.Bus, probes map[string]Prober) (string, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return "", err
	}

	r := mux.NewRouter()
	r.HandleFunc("/healthz", Handler(bus, probes)).Methods("GET")
	r.Handle("/metrics", telemetry.Handler()).Methods("GET")

	srv := &http.Server{
		Handler:      r,
		ReadTimeout:  serverTimeout,
		WriteTimeout: serverTimeout,
	}
	go srv.Serve(ln) //nolint:errcheck
	go closeOnContext(ctx, srv)
	log.Infof("health probe listening on %s", ln.Addr())
	return ln.Addr().String(), nil
}

func closeOnContext(ctx context.Context, srv *http.Server) {
	<-ctx.Done()
	timeout, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	srv.Shutdown(timeout) //nolint:errcheck
}

// Handler merges the in-process component catalog with dependency probes.
// The stream bus is the critical dependency: without it nothing moves, so
// a redis failure makes the whole surface unhealthy. Anything else failing
// degrades.
func Handler(bus streambus.Bus, probes map[string]Prober) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), probeTimeout)
		defer cancel()

		status := "healthy"
		degrade := func() {
			if status == "healthy" {
				status = "degraded"
			}
		}
		components := make(map[string]string)

		catalog := health.GetStatus()
		for _, name := range catalog.Healthy {
			components[name] = "ok"
		}
		for _, name := range catalog.Unhealthy {
			components[name] = "not reporting"
			degrade()
		}

		if bus != nil {
			if err := bus.Ping(ctx); err != nil {
				components["redis"] = err.Error()
				status = "unhealthy"
			} else {
				components["redis"] = "ok"
			}
		}
		for name, probe := range probes {
			if err := probe(ctx); err != nil {
				components[name] = err.Error()
				degrade()
			} else {
				components[name] = "ok"
			}
		}

		code := http.StatusOK
		if status == "unhealthy" {
			code = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		if err := json.NewEncoder(w).Encode(Response{
			Status:     status,
			Components: components,
			Timestamp:  time.Now().UTC(),
		}); err != nil {
			log.Debugf("healthprobe: write response: %v", err)
		}
	}
}
