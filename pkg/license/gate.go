// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at KillKrill (https://www.killkrill.dev/).
// Copyright 2024-present KillKrill, Inc.

// Package license validates the deployment's license key against the
// entitlement service and answers feature and tier questions for the rest
// of the process.
package license

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/killkrill/killkrill/pkg/config"
	"github.com/killkrill/killkrill/pkg/util/log"
)

const (
	cacheKey = "license"
	cacheTTL = 5 * time.Minute
)

// Entitlements is the validation response from the entitlement service.
type Entitlements struct {
	Valid     bool             `json:"valid"`
	Tier      string           `json:"tier"`
	Features  []string         `json:"features"`
	Limits    map[string]int64 `json:"limits"`
	ExpiresAt time.Time        `json:"expires_at"`
}

// Usage is the payload reported on each keepalive.
type Usage struct {
	LogsReceived    int64 `json:"logs_received"`
	MetricsReceived int64 `json:"metrics_received"`
	UptimeS         int64 `json:"uptime_s"`
}

// UsageFunc supplies the current ingest counters for keepalive reports.
type UsageFunc func() Usage

// Options configures a Gate.
type Options struct {
	ValidateURL       string
	LicenseKey        string
	Product           string
	AllowDegraded     bool
	KeepaliveInterval time.Duration
	Usage             UsageFunc
}

// Gate caches entitlements and keeps the license session alive. One Gate is
// shared per process.
type Gate struct {
	client        *http.Client
	entitlements  *cache.Cache
	baseURL       string
	licenseKey    string
	product       string
	allowDegraded bool
	keepaliveIvl  time.Duration
	usage         UsageFunc
	startedAt     time.Time
}

// New builds a Gate from explicit options.
func New(opts Options) *Gate {
	usage := opts.Usage
	if usage == nil {
		usage = func() Usage { return Usage{} }
	}
	ivl := opts.KeepaliveInterval
	if ivl <= 0 {
		ivl = time.Minute
	}
	return &Gate{
		client:        &http.Client{Timeout: 10 * time.Second},
		entitlements:  cache.New(cacheTTL, 2*cacheTTL),
		baseURL:       opts.ValidateURL,
		licenseKey:    opts.LicenseKey,
		product:       opts.Product,
		allowDegraded: opts.AllowDegraded,
		keepaliveIvl:  ivl,
		usage:         usage,
		startedAt:     time.Now(),
	}
}

// FromConfig builds a Gate from the process configuration.
func FromConfig(usage UsageFunc) *Gate {
	return New(Options{
		ValidateURL:       config.KillKrill.GetString("license.validate_url"),
		LicenseKey:        config.KillKrill.GetString("license_key"),
		Product:           config.KillKrill.GetString("product_name"),
		AllowDegraded:     config.KillKrill.GetBool("license.allow_degraded"),
		KeepaliveInterval: config.KillKrill.GetDuration("license.keepalive_interval"),
		Usage:             usage,
	})
}

// Validate checks the license with the entitlement service and caches the
// response. An invalid license is always an error. An unreachable service is
// an error unless degraded mode is allowed, in which case the process runs
// with no entitled features until a later validation succeeds.
func (g *Gate) Validate(ctx context.Context) error {
	ent, err := g.fetch(ctx)
	if err != nil {
		if g.allowDegraded {
			TlmValidations.Inc("degraded")
			log.Warnf("license service unreachable, running degraded with no entitled features: %v", err)
			g.entitlements.SetDefault(cacheKey, &Entitlements{Valid: true, Tier: "free"})
			return nil
		}
		TlmValidations.Inc("error")
		return err
	}
	if !ent.Valid {
		TlmValidations.Inc("invalid")
		return fmt.Errorf("license: key rejected for product %s", g.product)
	}
	TlmValidations.Inc("ok")
	Validations.Add(1)
	g.entitlements.SetDefault(cacheKey, ent)
	log.Infof("license validated: tier=%s features=%d expires=%s",
		ent.Tier, len(ent.Features), ent.ExpiresAt.Format(time.RFC3339))
	return nil
}

func (g *Gate) fetch(ctx context.Context) (*Entitlements, error) {
	body, err := json.Marshal(map[string]string{
		"license_key": g.licenseKey,
		"product":     g.product,
	})
	if err != nil {
		return nil, fmt.Errorf("license: encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+"/validate", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("license: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("license: validate: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("license: validate returned %d", resp.StatusCode)
	}

	var ent Entitlements
	if err := json.NewDecoder(resp.Body).Decode(&ent); err != nil {
		return nil, fmt.Errorf("license: decode response: %w", err)
	}
	return &ent, nil
}

// current returns the cached entitlements, re-validating on cache miss.
func (g *Gate) current() *Entitlements {
	if v, ok := g.entitlements.Get(cacheKey); ok {
		return v.(*Entitlements)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := g.Validate(ctx); err != nil {
		log.Warnf("license re-validation failed: %v", err)
		return &Entitlements{}
	}
	v, _ := g.entitlements.Get(cacheKey)
	if v == nil {
		return &Entitlements{}
	}
	return v.(*Entitlements)
}

// CheckFeature reports whether the license entitles the named feature.
func (g *Gate) CheckFeature(name string) bool {
	for _, f := range g.current().Features {
		if f == name {
			return true
		}
	}
	return false
}

// Tier returns the entitled tier, "free" when unknown.
func (g *Gate) Tier() string {
	if t := g.current().Tier; t != "" {
		return t
	}
	return "free"
}

// Parallelism clamps the configured worker count to what the tier allows.
// The free tier runs a single worker.
func (g *Gate) Parallelism(configured int) int {
	if configured < 1 {
		configured = 1
	}
	if g.Tier() == "free" {
		return 1
	}
	return configured
}

// RunKeepalive reports usage every keepalive interval until ctx is done.
// Keepalive failures are never fatal once the boot validation has passed.
func (g *Gate) RunKeepalive(ctx context.Context) {
	ticker := time.NewTicker(g.keepaliveIvl)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := g.sendKeepalive(ctx); err != nil {
				TlmKeepalives.Inc("error")
				log.Warnf("license keepalive failed: %v", err)
				continue
			}
			TlmKeepalives.Inc("ok")
			Keepalives.Add(1)
		}
	}
}

func (g *Gate) sendKeepalive(ctx context.Context) error {
	usage := g.usage()
	usage.UptimeS = int64(time.Since(g.startedAt).Seconds())

	body, err := json.Marshal(map[string]interface{}{
		"license_key": g.licenseKey,
		"usage":       usage,
	})
	if err != nil {
		return fmt.Errorf("license: encode keepalive: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+"/keepalive", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("license: build keepalive: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		return fmt.Errorf("license: keepalive: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("license: keepalive returned %d", resp.StatusCode)
	}
	return nil
}
