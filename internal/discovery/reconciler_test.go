// Copyright 2026 The Aegis Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package discovery

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/aegisid/aegis/internal/audit"
	"github.com/aegisid/aegis/internal/registry"
)

type memAppRepo struct {
	apps map[string]*registry.Application
}

func (m *memAppRepo) Create(ctx context.Context, app *registry.Application) error { return nil }
func (m *memAppRepo) GetByClientID(ctx context.Context, clientID string) (*registry.Application, error) {
	app, ok := m.apps[clientID]
	if !ok {
		return nil, registry.ErrApplicationNotFound
	}
	return app, nil
}
func (m *memAppRepo) Update(ctx context.Context, app *registry.Application) error { return nil }
func (m *memAppRepo) Deactivate(ctx context.Context, clientID string) error       { return nil }
func (m *memAppRepo) List(ctx context.Context) ([]*registry.Application, error)   { return nil, nil }

type memGraphRepo struct {
	mu      sync.Mutex
	graphs  map[string]*registry.CapabilityGraph
	version int64
}

func (m *memGraphRepo) Get(ctx context.Context, clientID string) (*registry.CapabilityGraph, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.graphs[clientID]
	if !ok {
		return nil, registry.ErrGraphNotFound
	}
	return g, nil
}

func (m *memGraphRepo) Replace(ctx context.Context, clientID string, graph *registry.CapabilityGraph) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.graphs == nil {
		m.graphs = make(map[string]*registry.CapabilityGraph)
	}
	m.version++
	graph.Version = m.version
	m.graphs[clientID] = graph
	return m.version, nil
}

type memHistory struct {
	mu       sync.Mutex
	attempts map[string][]*Attempt // newest first
}

func (m *memHistory) Append(ctx context.Context, attempt *Attempt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.attempts == nil {
		m.attempts = make(map[string][]*Attempt)
	}
	m.attempts[attempt.ClientID] = append([]*Attempt{attempt}, m.attempts[attempt.ClientID]...)
	if len(m.attempts[attempt.ClientID]) > HistoryCap {
		m.attempts[attempt.ClientID] = m.attempts[attempt.ClientID][:HistoryCap]
	}
	return nil
}

func (m *memHistory) List(ctx context.Context, clientID string, limit int) ([]*Attempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.attempts[clientID]
	if len(list) > limit {
		list = list[:limit]
	}
	return append([]*Attempt(nil), list...), nil
}

func (m *memHistory) LastSuccess(ctx context.Context, clientID string) (*Attempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.attempts[clientID] {
		if a.Outcome == OutcomeSuccess {
			return a, nil
		}
	}
	return nil, nil
}

func (m *memHistory) Prune(ctx context.Context, before time.Time) (int64, error) { return 0, nil }

type stubGrantReconciler struct {
	mu     sync.Mutex
	graphs []*registry.CapabilityGraph
}

func (s *stubGrantReconciler) ReconcileStaleGrants(ctx context.Context, graph *registry.CapabilityGraph) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.graphs = append(s.graphs, graph)
	return nil
}

type stubInvalidator struct {
	mu      sync.Mutex
	clients []string
}

func (s *stubInvalidator) Invalidate(clientID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clients = append(s.clients, clientID)
}

type nopAuditLogger struct{}

func (nopAuditLogger) Log(ctx context.Context, event audit.Event) {}

type reconcilerFixture struct {
	reconciler  *Reconciler
	apps        *memAppRepo
	graphs      *memGraphRepo
	history     *memHistory
	grants      *stubGrantReconciler
	invalidator *stubInvalidator
}

func newReconcilerFixture(discoveryURL string, cacheWindow time.Duration) *reconcilerFixture {
	f := &reconcilerFixture{
		apps: &memAppRepo{apps: map[string]*registry.Application{
			"hr-portal": {
				ClientID:       "hr-portal",
				Name:           "HR Portal",
				DiscoveryURL:   discoveryURL,
				AllowDiscovery: true,
				IsActive:       true,
			},
		}},
		graphs:      &memGraphRepo{},
		history:     &memHistory{},
		grants:      &stubGrantReconciler{},
		invalidator: &stubInvalidator{},
	}
	f.reconciler = NewReconciler(f.apps, f.graphs, f.history, f.grants, f.invalidator, nopAuditLogger{}, Config{
		CacheWindow: cacheWindow,
		Retry:       RetryPolicy{MaxRetries: 1, BaseDelay: time.Millisecond, Multiplier: 1.0, MaxDelay: time.Millisecond},
	})
	return f
}

func discoveryServer(t *testing.T, hits *int, doc *Document) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			return
		}
		*hits++
		json.NewEncoder(w).Encode(doc)
	}))
}

func TestDiscoverSuccess(t *testing.T) {
	hits := 0
	srv := discoveryServer(t, &hits, validDocument())
	defer srv.Close()

	f := newReconcilerFixture(srv.URL, time.Hour)
	res := f.reconciler.Discover(context.Background(), "hr-portal", false)

	if res.Status != StatusSuccess {
		t.Fatalf("status = %s, diagnostics = %+v", res.Status, res.Diagnostics)
	}
	if res.Graph == nil || res.Graph.Version != 1 {
		t.Errorf("expected stored graph at version 1, got %+v", res.Graph)
	}
	if len(f.invalidator.clients) != 1 || f.invalidator.clients[0] != "hr-portal" {
		t.Errorf("graph swap must invalidate cached resolutions, got %v", f.invalidator.clients)
	}
	if len(f.grants.graphs) != 1 {
		t.Errorf("graph swap must trigger stale-grant reconciliation")
	}

	attempts, _ := f.history.List(context.Background(), "hr-portal", 10)
	if len(attempts) != 1 || attempts[0].Outcome != OutcomeSuccess {
		t.Errorf("expected one success attempt in history, got %+v", attempts)
	}
}

func TestDiscoverCacheWindow(t *testing.T) {
	hits := 0
	srv := discoveryServer(t, &hits, validDocument())
	defer srv.Close()

	f := newReconcilerFixture(srv.URL, time.Hour)
	ctx := context.Background()

	if res := f.reconciler.Discover(ctx, "hr-portal", false); res.Status != StatusSuccess {
		t.Fatalf("first round failed: %+v", res.Diagnostics)
	}
	res := f.reconciler.Discover(ctx, "hr-portal", false)
	if res.Status != StatusCached {
		t.Errorf("second round within window should be cached, got %s", res.Status)
	}
	if hits != 1 {
		t.Errorf("cached round must not hit the application, got %d fetches", hits)
	}

	if res := f.reconciler.Discover(ctx, "hr-portal", true); res.Status != StatusSuccess {
		t.Errorf("forced round should bypass the cache, got %s", res.Status)
	}
	if hits != 2 {
		t.Errorf("forced round should fetch again, got %d fetches", hits)
	}
}

func TestDiscoverPreflightFailures(t *testing.T) {
	f := newReconcilerFixture("http://127.0.0.1:1/discovery", time.Hour)
	ctx := context.Background()

	res := f.reconciler.Discover(ctx, "unknown-app", false)
	if res.Status != StatusError || res.Diagnostics.Class != ClassConfiguration {
		t.Errorf("unknown app should fail as configuration, got %+v", res)
	}

	f.apps.apps["hr-portal"].AllowDiscovery = false
	res = f.reconciler.Discover(ctx, "hr-portal", false)
	if res.Status != StatusError || res.Diagnostics.Class != ClassConfiguration {
		t.Errorf("discovery-disabled app should fail as configuration, got %+v", res)
	}

	// Pre-flight rejections never touch the remote and are not history.
	attempts, _ := f.history.List(ctx, "hr-portal", 10)
	if len(attempts) != 0 {
		t.Errorf("preflight failures must not append history, got %+v", attempts)
	}
}

func TestDiscoverValidationFailureRecorded(t *testing.T) {
	doc := validDocument()
	doc.AppID = "impostor"
	hits := 0
	srv := discoveryServer(t, &hits, doc)
	defer srv.Close()

	f := newReconcilerFixture(srv.URL, time.Hour)
	res := f.reconciler.Discover(context.Background(), "hr-portal", false)

	if res.Status != StatusError {
		t.Fatalf("expected error status, got %s", res.Status)
	}
	if res.Diagnostics.Class != ClassValidation {
		t.Errorf("diagnostics class = %s, want %s", res.Diagnostics.Class, ClassValidation)
	}
	if hits != 1 {
		t.Errorf("validation failures must not be retried, got %d fetches", hits)
	}

	attempts, _ := f.history.List(context.Background(), "hr-portal", 10)
	if len(attempts) != 1 || attempts[0].Outcome != OutcomeFailure {
		t.Fatalf("expected one failure attempt, got %+v", attempts)
	}
	if attempts[0].ErrorClass != ClassValidation {
		t.Errorf("attempt error class = %s", attempts[0].ErrorClass)
	}

	stats, err := f.reconciler.Statistics(context.Background(), "hr-portal")
	if err != nil {
		t.Fatalf("statistics failed: %v", err)
	}
	if stats.Attempts != 1 || stats.Successes != 0 || stats.SuccessRate != 0 {
		t.Errorf("unexpected stats: %+v", stats)
	}
}

func TestBatchDiscoverIsolation(t *testing.T) {
	hits := 0
	srv := discoveryServer(t, &hits, validDocument())
	defer srv.Close()

	f := newReconcilerFixture(srv.URL, time.Hour)
	results := f.reconciler.BatchDiscover(context.Background(), []string{"hr-portal", "unknown-app"}, false)

	if len(results) != 2 {
		t.Fatalf("expected one result per client, got %d", len(results))
	}
	if results[0] == nil || results[0].ClientID != "hr-portal" || results[0].Status != StatusSuccess {
		t.Errorf("unexpected first result: %+v", results[0])
	}
	if results[1] == nil || results[1].ClientID != "unknown-app" || results[1].Status != StatusError {
		t.Errorf("one client's failure must not affect the others: %+v", results[1])
	}
}
