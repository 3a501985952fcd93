// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at KillKrill (https://www.killkrill.dev/).
// Copyright 2024-present KillKrill, Inc.

package control

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/killkrill/killkrill/pkg/admission"
	"github.com/killkrill/killkrill/pkg/api/healthprobe"
	"github.com/killkrill/killkrill/pkg/storage"
	"github.com/killkrill/killkrill/pkg/streambus"
	"github.com/killkrill/killkrill/pkg/util/apikey"
)

const (
	testAdminKey = "kk-admin-key"
	testAgentKey = "kk-agent-key"
	testAgentID  = "agent-1"
	testCheckID  = "check-1"
)

var testResultStatuses = map[string]bool{
	"up": true, "down": true, "timeout": true, "error": true, "unknown": true,
}

type fakeControlStore struct {
	mu           sync.Mutex
	adminKeys    map[string]*storage.APIKey
	agents       map[string]*storage.Agent
	checks       []storage.Check
	checksErr    error
	sources      []storage.Source
	sourcesErr   error
	heartbeats   map[string]int
	heartbeatErr error
	results      []storage.CheckResult
	resultsErr   error
}

func newFakeControlStore() *fakeControlStore {
	return &fakeControlStore{
		adminKeys:  map[string]*storage.APIKey{},
		agents:     map[string]*storage.Agent{},
		heartbeats: map[string]int{},
	}
}

func (f *fakeControlStore) addAdminKey(plain string) {
	f.adminKeys[apikey.Hash(plain)] = &storage.APIKey{
		ID: "key-admin", Name: "admin", Active: true,
		Permissions: storage.StringList{storage.PermissionAdmin},
	}
}

func (f *fakeControlStore) addAgent(plain string, a *storage.Agent) {
	f.agents[apikey.Hash(plain)] = a
}

func (f *fakeControlStore) ActiveAdminKey(_ context.Context, hash string) (*storage.APIKey, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if k, ok := f.adminKeys[hash]; ok {
		return k, nil
	}
	return nil, storage.ErrNotFound
}

func (f *fakeControlStore) GetAgentByKeyHash(_ context.Context, hash string) (*storage.Agent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if a, ok := f.agents[hash]; ok {
		return a, nil
	}
	return nil, storage.ErrNotFound
}

func (f *fakeControlStore) TouchHeartbeat(_ context.Context, agentID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.heartbeatErr != nil {
		return f.heartbeatErr
	}
	f.heartbeats[agentID]++
	return nil
}

func (f *fakeControlStore) ListEnabledChecks(context.Context) ([]storage.Check, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.checks, f.checksErr
}

func (f *fakeControlStore) InsertResults(_ context.Context, agentID string, results []storage.CheckResult) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.resultsErr != nil {
		return 0, f.resultsErr
	}
	known := map[string]bool{}
	for _, c := range f.checks {
		known[c.ID] = true
	}
	accepted := 0
	for _, r := range results {
		if !testResultStatuses[r.Status] || !known[r.CheckID] {
			continue
		}
		r.AgentID = agentID
		f.results = append(f.results, r)
		accepted++
	}
	return accepted, nil
}

func (f *fakeControlStore) ListEnabledSources(context.Context) ([]storage.Source, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sources, f.sourcesErr
}

func (f *fakeControlStore) heartbeatCount(agentID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.heartbeats[agentID]
}

func (f *fakeControlStore) resultCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.results)
}

// pingBus is a no-op bus whose Ping outcome is scripted for healthz.
type pingBus struct{ err error }

func (b *pingBus) Append(context.Context, string, map[string]string) (string, error) {
	return "", nil
}
func (b *pingBus) CreateGroup(context.Context, string, string, string) error { return nil }
func (b *pingBus) ReadGroup(context.Context, streambus.ReadArgs) ([]streambus.Entry, error) {
	return nil, nil
}
func (b *pingBus) Ack(context.Context, string, string, ...string) (int64, error) { return 0, nil }
func (b *pingBus) PendingRange(context.Context, string, string, int64) ([]streambus.PendingEntry, error) {
	return nil, nil
}
func (b *pingBus) Claim(context.Context, string, string, string, time.Duration, ...string) ([]streambus.Entry, error) {
	return nil, nil
}
func (b *pingBus) StreamLength(context.Context, string) (int64, error) { return 0, nil }
func (b *pingBus) PendingCount(context.Context, string, string) (int64, error) {
	return 0, nil
}
func (b *pingBus) Ping(context.Context) error { return b.err }
func (b *pingBus) Close() error { return nil }

type controlEnv struct {
	store  *fakeControlStore
	bus    *pingBus
	filter *admission.Filter
	srv    *Server
}

func newControlEnv(t *testing.T, opts ...func(*Options)) *controlEnv {
	t.Helper()

	store := newFakeControlStore()
	store.addAdminKey(testAdminKey)
	store.addAgent(testAgentKey, &storage.Agent{ID: testAgentID, Name: "probe-eu", Active: true})
	store.checks = []storage.Check{{
		ID: testCheckID, Name: "db-tcp", Type: "tcp", Target: "db.internal",
		Port: 5432, TimeoutMs: 5000, IntervalS: 30, Enabled: true,
	}}

	snap, err := admission.NewSnapshot(nil)
	require.NoError(t, err)
	filter := admission.NewFilter(snap)
	bus := &pingBus{}

	o := Options{
		Addr:   "127.0.0.1:0",
		Store:  store,
		Filter: filter,
		Bus:    bus,
	}
	for _, fn := range opts {
		fn(&o)
	}
	srv, err := NewServer(o)
	require.NoError(t, err)
	t.Cleanup(func() { srv.listener.Close() }) //nolint:errcheck

	return &controlEnv{store: store, bus: bus, filter: filter, srv: srv}
}

// do issues a request against the router; hdr overrides with an empty
// value delete the header instead.
func (e *controlEnv) do(t *testing.T, method, path, body, key string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.RemoteAddr = "127.0.0.1:49152"
	if key != "" {
		req.Header.Set("X-API-Key", key)
	}
	w := httptest.NewRecorder()
	e.srv.srv.Handler.ServeHTTP(w, req)
	return w
}

func TestReloadSwapsSnapshot(t *testing.T) {
	env := newControlEnv(t)
	env.store.sources = []storage.Source{{
		ID: "src-1", Name: "payments", SyslogPort: 5514,
		AllowedIPs: storage.StringList{"10.0.0.0/8"}, Enabled: true,
	}}

	peer := net.ParseIP("10.1.2.3")
	require.NotEqual(t, admission.VerdictAllowed, env.filter.CheckPort(peer, 5514),
		"empty snapshot must not admit anything")

	w := env.do(t, "POST", "/api/v1/admission/reload", "", testAdminKey)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp reloadResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.Reloaded)
	assert.Equal(t, admission.VerdictAllowed, env.filter.CheckPort(peer, 5514))
}

func TestReloadSkipsUncompilableSources(t *testing.T) {
	env := newControlEnv(t)
	env.store.sources = []storage.Source{
		{ID: "src-bad", Name: "corrupt", SyslogPort: 6000,
			AllowedIPs: storage.StringList{"not-a-cidr"}, Enabled: true},
		{ID: "src-ok", Name: "good", SyslogPort: 6001,
			AllowedIPs: storage.StringList{"192.0.2.0/24"}, Enabled: true},
	}

	w := env.do(t, "POST", "/api/v1/admission/reload", "", testAdminKey)
	require.Equal(t, http.StatusOK, w.Code)

	var resp reloadResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.Reloaded)
}

func TestReloadFailsWhenStorageDown(t *testing.T) {
	env := newControlEnv(t)
	env.store.sourcesErr = errors.New("connection refused")

	w := env.do(t, "POST", "/api/v1/admission/reload", "", testAdminKey)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestReloadRequiresAdminKey(t *testing.T) {
	env := newControlEnv(t)

	assert.Equal(t, http.StatusUnauthorized,
		env.do(t, "POST", "/api/v1/admission/reload", "", "").Code, "missing key")
	assert.Equal(t, http.StatusUnauthorized,
		env.do(t, "POST", "/api/v1/admission/reload", "", "kk-unknown").Code, "unknown key")
	assert.Equal(t, http.StatusUnauthorized,
		env.do(t, "POST", "/api/v1/admission/reload", "", testAgentKey).Code,
		"agent keys carry no admin permission")
}

func TestSensorConfigReturnsChecks(t *testing.T) {
	env := newControlEnv(t)

	w := env.do(t, "GET", "/sensors/config/"+testAgentID, "", testAgentKey)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp sensorConfigResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, testAgentID, resp.AgentID)
	require.Len(t, resp.Checks, 1)
	assert.Equal(t, "db-tcp", resp.Checks[0].Name)
	assert.Equal(t, "tcp", resp.Checks[0].Type)

	// The poll doubles as a heartbeat.
	assert.Equal(t, 1, env.store.heartbeatCount(testAgentID))
}

func TestSensorConfigRejectsForeignAgentID(t *testing.T) {
	env := newControlEnv(t)
	w := env.do(t, "GET", "/sensors/config/agent-2", "", testAgentKey)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, 0, env.store.heartbeatCount("agent-2"))
}

func TestSensorRoutesRequireAgentKey(t *testing.T) {
	env := newControlEnv(t)
	assert.Equal(t, http.StatusUnauthorized,
		env.do(t, "GET", "/sensors/config/"+testAgentID, "", "").Code)
	assert.Equal(t, http.StatusUnauthorized,
		env.do(t, "GET", "/sensors/config/"+testAgentID, "", "kk-unknown").Code)
	assert.Equal(t, http.StatusUnauthorized,
		env.do(t, "POST", "/sensors/results", `{"results":[]}`, testAdminKey).Code,
		"admin keys are not agent keys")
}

func TestHeartbeat(t *testing.T) {
	env := newControlEnv(t)

	w := env.do(t, "POST", "/sensors/"+testAgentID+"/heartbeat", "", testAgentKey)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())
	assert.Equal(t, 1, env.store.heartbeatCount(testAgentID))

	env.store.heartbeatErr = errors.New("deadlock")
	w = env.do(t, "POST", "/sensors/"+testAgentID+"/heartbeat", "", testAgentKey)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestResultsAcceptWrappedFormOnly(t *testing.T) {
	env := newControlEnv(t)

	bare := `[{"check_id":"` + testCheckID + `","status":"up","latency_ms":12}]`
	w := env.do(t, "POST", "/sensors/results", bare, testAgentKey)
	assert.Equal(t, http.StatusBadRequest, w.Code, "bare array")

	object := `{"check_id":"` + testCheckID + `","status":"up","latency_ms":12}`
	w = env.do(t, "POST", "/sensors/results", object, testAgentKey)
	assert.Equal(t, http.StatusBadRequest, w.Code, "bare object")

	wrapped := `{"results":[{"check_id":"` + testCheckID + `","status":"up","latency_ms":12}]}`
	w = env.do(t, "POST", "/sensors/results", wrapped, testAgentKey)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp resultsResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.Accepted)
	assert.Equal(t, 1, env.store.resultCount())
}

func TestResultsSkipInvalidEntries(t *testing.T) {
	env := newControlEnv(t)

	body := `{"results":[
		{"check_id":"` + testCheckID + `","status":"up","latency_ms":3},
		{"check_id":"` + testCheckID + `","status":"flapping","latency_ms":3},
		{"check_id":"check-missing","status":"down","latency_ms":3}
	]}`
	w := env.do(t, "POST", "/sensors/results", body, testAgentKey)
	require.Equal(t, http.StatusOK, w.Code)

	var resp resultsResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.Accepted)
	assert.Equal(t, 1, env.store.resultCount())
}

func TestResultsRejectOversizedBatch(t *testing.T) {
	env := newControlEnv(t)

	var sb strings.Builder
	sb.WriteString(`{"results":[`)
	for i := 0; i <= maxResultBatch; i++ {
		if i > 0 {
			sb.WriteString(",")
		}
		sb.WriteString(`{"check_id":"` + testCheckID + `","status":"up","latency_ms":1}`)
	}
	sb.WriteString(`]}`)

	w := env.do(t, "POST", "/sensors/results", sb.String(), testAgentKey)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, 0, env.store.resultCount())
}

func TestHealthzHealthy(t *testing.T) {
	env := newControlEnv(t, func(o *Options) {
		o.Probes = map[string]Prober{
			"postgres": func(context.Context) error { return nil },
		}
	})

	w := env.do(t, "GET", "/healthz", "", "")
	require.Equal(t, http.StatusOK, w.Code)

	var resp healthprobe.Response
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "healthy", resp.Status)
	assert.Equal(t, "ok", resp.Components["redis"])
	assert.Equal(t, "ok", resp.Components["postgres"])
	assert.False(t, resp.Timestamp.IsZero())
}

func TestHealthzDegradedOnProbeFailure(t *testing.T) {
	env := newControlEnv(t, func(o *Options) {
		o.Probes = map[string]Prober{
			"elasticsearch": func(context.Context) error { return errors.New("no living nodes") },
		}
	})

	w := env.do(t, "GET", "/healthz", "", "")
	require.Equal(t, http.StatusOK, w.Code, "degraded still serves 200")

	var resp healthprobe.Response
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "degraded", resp.Status)
	assert.Contains(t, resp.Components["elasticsearch"], "no living nodes")
}

func TestHealthzUnhealthyWhenBusDown(t *testing.T) {
	env := newControlEnv(t)
	env.bus.err = errors.New("connection refused")

	w := env.do(t, "GET", "/healthz", "", "")
	require.Equal(t, http.StatusServiceUnavailable, w.Code)

	var resp healthprobe.Response
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "unhealthy", resp.Status)
	assert.Contains(t, resp.Components["redis"], "connection refused")
}

func TestVersionEndpoint(t *testing.T) {
	env := newControlEnv(t)
	w := env.do(t, "GET", "/version", "", "")
	require.Equal(t, http.StatusOK, w.Code)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp["version"])
}

func TestMetricsEndpoint(t *testing.T) {
	env := newControlEnv(t)
	w := env.do(t, "GET", "/metrics", "", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "killkrill_")
}
