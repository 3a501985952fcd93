// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at KillKrill (https://www.killkrill.dev/).
// Copyright 2024-present KillKrill, Inc.

package diagnose

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/elastic/go-elasticsearch/v8"
	probing "github.com/prometheus-community/pro-bing"

	"github.com/killkrill/killkrill/pkg/config"
	"github.com/killkrill/killkrill/pkg/storage"
	"github.com/killkrill/killkrill/pkg/streambus"
)

const (
	probeTimeout = 5 * time.Second

	pingCount   = 3
	pingTimeout = 2 * time.Second
)

// Targets names the external endpoints a run verifies. Empty fields skip
// their suite, so each binary diagnoses only what it is configured for.
type Targets struct {
	DatabaseURL        string
	RedisURL           string
	ElasticsearchHosts []string
	GatewayURL         string
	UpstreamURL        string
}

// TargetsFromConfig reads the endpoints from the process configuration.
func TargetsFromConfig() Targets {
	cfg := config.KillKrill
	return Targets{
		DatabaseURL:        cfg.GetString("database_url"),
		RedisURL:           cfg.GetString("redis_url"),
		ElasticsearchHosts: splitHosts(cfg.GetString("elasticsearch_hosts")),
		GatewayURL:         cfg.GetString("prometheus_gateway"),
		UpstreamURL:        cfg.GetString("upstream.url"),
	}
}

func splitHosts(raw string) []string {
	if raw == "" {
		return nil
	}
	var hosts []string
	for _, h := range strings.Split(raw, ",") {
		if h = strings.TrimSpace(h); h != "" {
			hosts = append(hosts, h)
		}
	}
	return hosts
}

// Suites builds the connectivity suites for the configured targets.
func Suites(t Targets) []Suite {
	var suites []Suite
	single := func(name string, fn func(ctx context.Context) Diagnosis) {
		suites = append(suites, Suite{
			Name: name,
			Diagnose: func(ctx context.Context) []Diagnosis {
				return []Diagnosis{fn(ctx)}
			},
		})
	}

	if t.DatabaseURL != "" {
		dsn := t.DatabaseURL
		single("connectivity-postgres", func(ctx context.Context) Diagnosis {
			return diagnosePostgres(ctx, dsn)
		})
	}
	if t.RedisURL != "" {
		redisURL := t.RedisURL
		single("connectivity-redis", func(ctx context.Context) Diagnosis {
			return diagnoseRedis(ctx, redisURL)
		})
	}
	if len(t.ElasticsearchHosts) > 0 {
		hosts := t.ElasticsearchHosts
		single("connectivity-elasticsearch", func(ctx context.Context) Diagnosis {
			return diagnoseElasticsearch(ctx, hosts)
		})
	}
	if t.GatewayURL != "" {
		gateway := t.GatewayURL
		single("connectivity-gateway", func(ctx context.Context) Diagnosis {
			return diagnoseGateway(ctx, gateway)
		})
	}
	if t.UpstreamURL != "" {
		upstream := t.UpstreamURL
		single("connectivity-upstream", func(ctx context.Context) Diagnosis {
			return diagnoseUpstream(ctx, upstream)
		})
	}
	if hosts := t.hostnames(); len(hosts) > 0 {
		suites = append(suites, Suite{
			Name: "connectivity-icmp",
			Diagnose: func(ctx context.Context) []Diagnosis {
				out := make([]Diagnosis, 0, len(hosts))
				for _, host := range hosts {
					out = append(out, pingHost(ctx, host))
				}
				return out
			},
		})
	}
	return suites
}

// hostnames collects the distinct hosts behind every configured endpoint,
// for the ICMP reachability suite.
func (t Targets) hostnames() []string {
	seen := make(map[string]bool)
	add := func(raw string) {
		u, err := url.Parse(raw)
		if err != nil {
			return
		}
		if host := u.Hostname(); host != "" {
			seen[host] = true
		}
	}
	add(t.DatabaseURL)
	add(t.RedisURL)
	for _, h := range t.ElasticsearchHosts {
		add(h)
	}
	add(t.GatewayURL)
	add(t.UpstreamURL)

	hosts := make([]string, 0, len(seen))
	for host := range seen {
		hosts = append(hosts, host)
	}
	sort.Strings(hosts)
	return hosts
}

func diagnosePostgres(ctx context.Context, dsn string) Diagnosis {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	store, err := storage.Connect(ctx, dsn)
	if err != nil {
		return Diagnosis{
			Result:      Fail,
			Name:        "postgres connection",
			Category:    "connectivity",
			Diagnosis:   "cannot connect to postgres",
			Remediation: "check DATABASE_URL and that the database accepts connections",
			RawError:    err.Error(),
		}
	}
	store.Close() //nolint:errcheck
	return Diagnosis{
		Result:    Success,
		Name:      "postgres connection",
		Category:  "connectivity",
		Diagnosis: "postgres is reachable",
	}
}

func diagnoseRedis(ctx context.Context, redisURL string) Diagnosis {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	bus, err := streambus.New(redisURL)
	if err != nil {
		return Diagnosis{
			Result:      UnexpectedErr,
			Name:        "redis connection",
			Category:    "connectivity",
			Diagnosis:   "cannot build a redis client from REDIS_URL",
			Remediation: "check the REDIS_URL syntax",
			RawError:    err.Error(),
		}
	}
	defer bus.Close() //nolint:errcheck

	if err := bus.Ping(ctx); err != nil {
		return Diagnosis{
			Result:      Fail,
			Name:        "redis connection",
			Category:    "connectivity",
			Diagnosis:   "redis did not answer PING",
			Remediation: "check REDIS_URL and that redis accepts connections",
			RawError:    err.Error(),
		}
	}
	return Diagnosis{
		Result:    Success,
		Name:      "redis connection",
		Category:  "connectivity",
		Diagnosis: "redis is reachable",
	}
}

func diagnoseElasticsearch(ctx context.Context, hosts []string) Diagnosis {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	client, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses:    hosts,
		DisableRetry: true,
	})
	if err != nil {
		return Diagnosis{
			Result:      UnexpectedErr,
			Name:        "elasticsearch connection",
			Category:    "connectivity",
			Diagnosis:   "cannot build an elasticsearch client",
			Remediation: "check the ELASTICSEARCH_HOSTS syntax",
			RawError:    err.Error(),
		}
	}

	res, err := client.Info(client.Info.WithContext(ctx))
	if err != nil {
		return Diagnosis{
			Result:      Fail,
			Name:        "elasticsearch connection",
			Category:    "connectivity",
			Diagnosis:   "cannot reach elasticsearch",
			Remediation: "check ELASTICSEARCH_HOSTS and that the cluster is up",
			RawError:    err.Error(),
		}
	}
	defer res.Body.Close()
	io.Copy(io.Discard, res.Body) //nolint:errcheck

	if res.IsError() {
		return Diagnosis{
			Result:      Fail,
			Name:        "elasticsearch connection",
			Category:    "connectivity",
			Diagnosis:   fmt.Sprintf("elasticsearch answered %s", res.Status()),
			Remediation: "check cluster health and credentials",
		}
	}
	return Diagnosis{
		Result:    Success,
		Name:      "elasticsearch connection",
		Category:  "connectivity",
		Diagnosis: "elasticsearch is reachable",
	}
}

func diagnoseGateway(ctx context.Context, gatewayURL string) Diagnosis {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	readyURL := strings.TrimRight(gatewayURL, "/") + "/-/ready"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, readyURL, nil)
	if err != nil {
		return Diagnosis{
			Result:      UnexpectedErr,
			Name:        "push gateway",
			Category:    "connectivity",
			Diagnosis:   "cannot build the readiness request",
			Remediation: "check the PROMETHEUS_GATEWAY syntax",
			RawError:    err.Error(),
		}
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return Diagnosis{
			Result:      Fail,
			Name:        "push gateway",
			Category:    "connectivity",
			Diagnosis:   "cannot reach the push gateway",
			Remediation: "check PROMETHEUS_GATEWAY and that the gateway is up",
			RawError:    err.Error(),
		}
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096)) //nolint:errcheck

	if resp.StatusCode != http.StatusOK {
		return Diagnosis{
			Result:      Fail,
			Name:        "push gateway",
			Category:    "connectivity",
			Diagnosis:   fmt.Sprintf("gateway readiness answered %s", resp.Status),
			Remediation: "check the gateway logs",
		}
	}
	return Diagnosis{
		Result:    Success,
		Name:      "push gateway",
		Category:  "connectivity",
		Diagnosis: "push gateway is ready",
	}
}

// diagnoseUpstream checks the submission backend at the TCP level only:
// its HTTP surface needs credentials, which a preflight must not spend.
func diagnoseUpstream(ctx context.Context, upstreamURL string) Diagnosis {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	u, err := url.Parse(upstreamURL)
	if err != nil || u.Hostname() == "" {
		return Diagnosis{
			Result:      UnexpectedErr,
			Name:        "upstream endpoint",
			Category:    "connectivity",
			Diagnosis:   "cannot parse the upstream url",
			Remediation: "check the upstream.url syntax",
			RawError:    fmt.Sprintf("parse %q: %v", upstreamURL, err),
		}
	}
	port := u.Port()
	if port == "" {
		if u.Scheme == "https" {
			port = "443"
		} else {
			port = "80"
		}
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort(u.Hostname(), port))
	if err != nil {
		return Diagnosis{
			Result:      Fail,
			Name:        "upstream endpoint",
			Category:    "connectivity",
			Diagnosis:   "cannot open a tcp connection to the upstream",
			Remediation: "check upstream.url, DNS, and egress firewall rules",
			RawError:    err.Error(),
		}
	}
	conn.Close() //nolint:errcheck
	return Diagnosis{
		Result:    Success,
		Name:      "upstream endpoint",
		Category:  "connectivity",
		Diagnosis: "upstream accepts tcp connections",
	}
}

// pingHost sends a short unprivileged ICMP burst. Failures are warnings,
// not failures: most container networks filter ICMP while the actual
// service ports work fine.
func pingHost(ctx context.Context, host string) Diagnosis {
	pinger, err := probing.NewPinger(host)
	if err != nil {
		return Diagnosis{
			Result:      UnexpectedErr,
			Name:        "icmp " + host,
			Category:    "connectivity",
			Diagnosis:   "cannot resolve host for ping",
			Remediation: "check DNS for this endpoint",
			RawError:    err.Error(),
		}
	}
	pinger.Count = pingCount
	pinger.Timeout = pingTimeout
	pinger.SetPrivileged(false)

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			pinger.Stop()
		case <-done:
		}
	}()
	err = pinger.Run()
	close(done)
	if err != nil {
		return Diagnosis{
			Result:      Warning,
			Name:        "icmp " + host,
			Category:    "connectivity",
			Diagnosis:   "ping did not run",
			Remediation: "icmp may be filtered on this network; service checks are authoritative",
			RawError:    err.Error(),
		}
	}

	stats := pinger.Statistics()
	if stats.PacketsRecv == 0 {
		return Diagnosis{
			Result:      Warning,
			Name:        "icmp " + host,
			Category:    "connectivity",
			Diagnosis:   fmt.Sprintf("no icmp replies from %s", host),
			Remediation: "icmp may be filtered on this network; service checks are authoritative",
		}
	}
	return Diagnosis{
		Result:    Success,
		Name:      "icmp " + host,
		Category:  "connectivity",
		Diagnosis: fmt.Sprintf("%d/%d replies, avg rtt %s", stats.PacketsRecv, pingCount, stats.AvgRtt),
	}
}
