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
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/aegisid/aegis/internal/audit"
	"github.com/aegisid/aegis/internal/observability/logger"
	"github.com/aegisid/aegis/internal/observability/metrics"
	"github.com/aegisid/aegis/internal/registry"
)

// Status of one discovery round.
type Status string

const (
	StatusSuccess Status = "success"
	StatusCached  Status = "cached"
	StatusError   Status = "error"
)

// Diagnostics is the structured failure detail returned to admins.
type Diagnostics struct {
	Class     ErrorClass `json:"error_class"`
	Message   string     `json:"message"`
	Timestamp time.Time  `json:"timestamp"`
}

// Result is the outcome of one Discover call.
type Result struct {
	ClientID    string                    `json:"client_id"`
	Status      Status                    `json:"status"`
	Graph       *registry.CapabilityGraph `json:"graph,omitempty"`
	Diagnostics *Diagnostics              `json:"diagnostics,omitempty"`
	Attempts    int                       `json:"attempts"`
	Latency     time.Duration             `json:"latency_ms"`
}

// GrantReconciler marks grants gone stale after a graph swap. The authz
// service satisfies this.
type GrantReconciler interface {
	ReconcileStaleGrants(ctx context.Context, graph *registry.CapabilityGraph) error
}

// Invalidator drops cached resolutions after a graph swap.
type Invalidator interface {
	Invalidate(clientID string)
}

// Config holds reconciler configuration
type Config struct {
	CacheWindow time.Duration // skip re-discovery within this window unless forced
	BatchLimit  int           // bounded concurrency for BatchDiscover
	Retry       RetryPolicy
	Client      ClientConfig
}

// Reconciler keeps capability graphs in sync with what applications actually
// expose. Discovery for the same application is serialized; different
// applications proceed fully in parallel.
type Reconciler struct {
	apps        registry.ApplicationRepository
	graphs      registry.GraphRepository
	history     HistoryRepository
	client      *Client
	retry       RetryPolicy
	grants      GrantReconciler
	invalidator Invalidator
	auditLogger audit.Logger

	cacheWindow time.Duration
	batchLimit  int

	flightMu sync.Mutex
	flight   map[string]*sync.Mutex
}

// NewReconciler creates a new discovery reconciler
func NewReconciler(
	apps registry.ApplicationRepository,
	graphs registry.GraphRepository,
	history HistoryRepository,
	grants GrantReconciler,
	invalidator Invalidator,
	auditLogger audit.Logger,
	cfg Config,
) *Reconciler {
	if cfg.CacheWindow <= 0 {
		cfg.CacheWindow = 60 * time.Minute
	}
	if cfg.BatchLimit <= 0 {
		cfg.BatchLimit = 5
	}
	if cfg.Retry.MaxRetries == 0 && cfg.Retry.BaseDelay == 0 {
		cfg.Retry = DefaultRetryPolicy()
	}
	return &Reconciler{
		apps:        apps,
		graphs:      graphs,
		history:     history,
		client:      NewClient(cfg.Client),
		retry:       cfg.Retry,
		grants:      grants,
		invalidator: invalidator,
		auditLogger: auditLogger,
		cacheWindow: cfg.CacheWindow,
		batchLimit:  cfg.BatchLimit,
		flight:      make(map[string]*sync.Mutex),
	}
}

// Discover runs one discovery round for an application. On success the
// capability graph is replaced atomically and grants referencing vanished
// fields are flagged. Failures return structured diagnostics, never raw
// errors.
func (r *Reconciler) Discover(ctx context.Context, clientID string, force bool) *Result {
	lock := r.clientLock(clientID)
	lock.Lock()
	defer lock.Unlock()

	app, err := r.apps.GetByClientID(ctx, clientID)
	if err != nil {
		return r.failImmediate(ctx, clientID, NewError(ClassConfiguration, "application is not registered"))
	}
	if !app.IsActive {
		return r.failImmediate(ctx, clientID, NewError(ClassConfiguration, "application is deactivated"))
	}
	if !app.AllowDiscovery {
		return r.failImmediate(ctx, clientID, NewError(ClassConfiguration, "discovery is not enabled for application"))
	}
	if app.DiscoveryURL == "" {
		return r.failImmediate(ctx, clientID, NewError(ClassConfiguration, "no discovery URL is registered"))
	}

	// Cache window: a recent successful round short-circuits unless forced.
	if !force {
		if last, err := r.history.LastSuccess(ctx, clientID); err == nil && last != nil {
			if time.Since(last.Timestamp) < r.cacheWindow {
				graph, gerr := r.graphs.Get(ctx, clientID)
				if gerr == nil {
					return &Result{ClientID: clientID, Status: StatusCached, Graph: graph}
				}
			}
		}
	}

	// Reachability probe; failures short-circuit without consuming the
	// retry budget.
	if err := r.client.Probe(ctx, app.DiscoveryURL); err != nil {
		return r.fail(ctx, clientID, err, 0, 0)
	}

	var (
		graph    *registry.CapabilityGraph
		latency  time.Duration
		attempts int
	)
	err = r.retry.Do(ctx, func(attempt int) error {
		attempts = attempt
		doc, lat, ferr := r.client.Fetch(ctx, app.DiscoveryURL)
		latency = lat
		if ferr != nil {
			slog.WarnContext(ctx, "discovery fetch failed",
				logger.Component("discovery"),
				logger.ClientID(clientID),
				logger.Attempt(attempt),
				logger.Error(ferr),
			)
			return ferr
		}
		g, verr := ValidateAndBuild(doc, clientID)
		if verr != nil {
			return verr
		}
		graph = g
		return nil
	})
	if err != nil {
		return r.fail(ctx, clientID, err, attempts, latency)
	}

	version, err := r.graphs.Replace(ctx, clientID, graph)
	if err != nil {
		return r.fail(ctx, clientID, WrapError(ClassServer, "failed to store capability graph", err), attempts, latency)
	}
	graph.Version = version

	if r.invalidator != nil {
		r.invalidator.Invalidate(clientID)
	}
	// Mark, never drop, grants referencing now-missing fields.
	if r.grants != nil {
		if err := r.grants.ReconcileStaleGrants(ctx, graph); err != nil {
			slog.ErrorContext(ctx, "failed to reconcile stale grants",
				logger.Component("discovery"),
				logger.ClientID(clientID),
				logger.Error(err),
			)
		}
	}

	r.appendHistory(ctx, &Attempt{
		ClientID:  clientID,
		Outcome:   OutcomeSuccess,
		Latency:   latency,
		Version:   version,
		Timestamp: time.Now(),
	})
	metrics.RecordDiscoveryRun(ctx, true, latency.Seconds())

	r.auditLogger.Log(ctx, audit.Event{
		Type:     audit.TypeDiscoveryCompleted,
		ClientID: clientID,
		Resource: "capability_graph",
		Metadata: map[string]any{
			"graph_version": version,
			"endpoints":     len(graph.Endpoints),
			"attempts":      attempts,
		},
	})

	return &Result{
		ClientID: clientID,
		Status:   StatusSuccess,
		Graph:    graph,
		Attempts: attempts,
		Latency:  latency,
	}
}

// BatchDiscover runs discovery for many applications with bounded
// concurrency. One application's failure never aborts or blocks the others;
// the returned slice always holds one result per requested client.
func (r *Reconciler) BatchDiscover(ctx context.Context, clientIDs []string, force bool) []*Result {
	results := make([]*Result, len(clientIDs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.batchLimit)
	for i, id := range clientIDs {
		g.Go(func() error {
			results[i] = r.Discover(gctx, id, force)
			return nil // error isolation: failures live in the result
		})
	}
	_ = g.Wait()

	return results
}

// History returns a client's recent attempts, newest first.
func (r *Reconciler) History(ctx context.Context, clientID string, limit int) ([]*Attempt, error) {
	if limit <= 0 || limit > HistoryCap {
		limit = HistoryCap
	}
	return r.history.List(ctx, clientID, limit)
}

// Statistics computes the rolling success rate over the bounded history.
func (r *Reconciler) Statistics(ctx context.Context, clientID string) (*Stats, error) {
	attempts, err := r.history.List(ctx, clientID, HistoryCap)
	if err != nil {
		return nil, err
	}
	return ComputeStats(clientID, attempts), nil
}

func (r *Reconciler) clientLock(clientID string) *sync.Mutex {
	r.flightMu.Lock()
	defer r.flightMu.Unlock()
	lock, ok := r.flight[clientID]
	if !ok {
		lock = &sync.Mutex{}
		r.flight[clientID] = lock
	}
	return lock
}

// failImmediate reports a pre-flight failure that is not recorded in history
// (nothing was attempted against the remote application).
func (r *Reconciler) failImmediate(ctx context.Context, clientID string, cerr *ClassifiedError) *Result {
	slog.WarnContext(ctx, "discovery rejected before fetch",
		logger.Component("discovery"),
		logger.ClientID(clientID),
		logger.ErrorClass(string(cerr.Class)),
	)
	return &Result{
		ClientID: clientID,
		Status:   StatusError,
		Diagnostics: &Diagnostics{
			Class:     cerr.Class,
			Message:   cerr.Message,
			Timestamp: time.Now(),
		},
	}
}

func (r *Reconciler) fail(ctx context.Context, clientID string, err error, attempts int, latency time.Duration) *Result {
	cerr := &ClassifiedError{Class: ClassServer, Message: err.Error()}
	var classified *ClassifiedError
	if errors.As(err, &classified) {
		cerr = classified
	}

	r.appendHistory(ctx, &Attempt{
		ClientID:   clientID,
		Outcome:    OutcomeFailure,
		ErrorClass: cerr.Class,
		Message:    cerr.Message,
		Latency:    latency,
		Timestamp:  time.Now(),
	})

	r.auditLogger.Log(ctx, audit.Event{
		Type:     audit.TypeDiscoveryFailed,
		ClientID: clientID,
		Resource: "capability_graph",
		Metadata: map[string]any{
			"error_class": string(cerr.Class),
			"attempts":    attempts,
		},
	})
	metrics.RecordDiscoveryRun(ctx, false, latency.Seconds())

	return &Result{
		ClientID: clientID,
		Status:   StatusError,
		Attempts: attempts,
		Latency:  latency,
		Diagnostics: &Diagnostics{
			Class:     cerr.Class,
			Message:   cerr.Message,
			Timestamp: time.Now(),
		},
	}
}

func (r *Reconciler) appendHistory(ctx context.Context, attempt *Attempt) {
	if err := r.history.Append(ctx, attempt); err != nil {
		slog.ErrorContext(ctx, "failed to append discovery history",
			logger.Component("discovery"),
			logger.ClientID(attempt.ClientID),
			logger.Error(err),
		)
	}
}
