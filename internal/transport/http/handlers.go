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

package http

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/aegisid/aegis/internal/a2a"
	"github.com/aegisid/aegis/internal/audit"
	"github.com/aegisid/aegis/internal/authz"
	"github.com/aegisid/aegis/internal/discovery"
	"github.com/aegisid/aegis/internal/registry"
	"github.com/aegisid/aegis/internal/token"
)

// Handler holds HTTP handlers and dependencies
type Handler struct {
	registryService  *registry.Service
	authzService     *authz.Service
	discoveryService *discovery.Reconciler
	a2aService       *a2a.Service
	issuer           *token.Issuer
	validator        *token.Validator
	keyring          *token.Keyring
	activityRepo     audit.ActivityRepository
	auditLogger      audit.Logger
}

// NewHandler creates a new HTTP handler
func NewHandler(
	registryService *registry.Service,
	authzService *authz.Service,
	discoveryService *discovery.Reconciler,
	a2aService *a2a.Service,
	issuer *token.Issuer,
	validator *token.Validator,
	keyring *token.Keyring,
	activityRepo audit.ActivityRepository,
	auditLogger audit.Logger,
) *Handler {
	return &Handler{
		registryService:  registryService,
		authzService:     authzService,
		discoveryService: discoveryService,
		a2aService:       a2aService,
		issuer:           issuer,
		validator:        validator,
		keyring:          keyring,
		activityRepo:     activityRepo,
		auditLogger:      auditLogger,
	}
}

// NewRouter creates a new HTTP router
func NewRouter(h *Handler, rateLimiter *RateLimiter) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(RateLimitMiddleware(rateLimiter))
	r.Use(func(handler http.Handler) http.Handler {
		return otelhttp.NewHandler(handler, "http_request",
			otelhttp.WithSpanNameFormatter(func(operation string, r *http.Request) string {
				return r.Method + " " + r.URL.Path
			}),
		)
	})
	r.Use(LoggingMiddleware())
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	// Health check
	r.Get("/health", h.HealthCheck)

	// Public key set for resource servers validating offline
	r.Get("/jwks.json", h.JWKS)
	r.Get("/.well-known/jwks.json", h.JWKS)

	// Token plane: applications authenticate with client credentials
	r.Route("/api/v1/token", func(r chi.Router) {
		r.Post("/", h.IssueToken)
		r.Post("/refresh", h.RefreshToken)
		r.Post("/validate", h.ValidateToken)
		r.Post("/revoke", h.RevokeToken)
	})

	// A2A plane: services authenticate with API keys
	r.Post("/api/v1/a2a/token", h.IssueServiceToken)

	// Admin plane: bearer tokens with the internal audience
	r.Route("/api/v1/admin", func(r chi.Router) {
		r.Use(h.AuthMiddleware)

		r.Route("/applications", func(r chi.Router) {
			r.Post("/", h.RegisterApplication)
			r.Get("/", h.ListApplications)

			r.Route("/{clientID}", func(r chi.Router) {
				r.Get("/", h.GetApplication)
				r.Delete("/", h.DeactivateApplication)
				r.Post("/rotate-secret", h.RotateSecret)
				r.Get("/graph", h.GetGraph)
				r.Get("/activity", h.ListActivity)

				r.Route("/discovery", func(r chi.Router) {
					r.Post("/", h.TriggerDiscovery)
					r.Get("/history", h.DiscoveryHistory)
					r.Get("/stats", h.DiscoveryStats)
				})

				r.Route("/roles", func(r chi.Router) {
					r.Post("/", h.CreateRole)
					r.Get("/", h.ListRoles)
					r.Get("/{roleName}", h.GetRole)
					r.Put("/{roleName}", h.UpdateRole)
					r.Delete("/{roleName}", h.DeleteRole)
				})

				r.Route("/mappings", func(r chi.Router) {
					r.Post("/", h.AddMapping)
					r.Get("/", h.ListMappings)
					r.Delete("/", h.RemoveMapping)
				})

				r.Route("/a2a", func(r chi.Router) {
					r.Post("/keys", h.CreateAPIKey)
					r.Get("/keys", h.ListAPIKeys)
					r.Delete("/keys/{keyID}", h.RevokeAPIKey)
					r.Post("/permissions", h.GrantA2APermission)
					r.Get("/permissions", h.ListA2APermissions)
					r.Delete("/permissions/{targetClientID}", h.RevokeA2APermission)
				})
			})
		})

		r.Post("/discovery/batch", h.BatchDiscovery)
	})

	return r
}

// HealthCheck returns the health status
// @Summary Health Check
// @Description Checks if the service is up and running
// @Tags System
// @Produce json
// @Success 200 {object} map[string]string
// @Router /health [get]
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"service": "aegis",
	})
}

// JWKS serves the public keys of every trusted signing key, the active one
// and those inside their grace window.
// @Summary JSON Web Key Set
// @Tags System
// @Produce json
// @Success 200 {object} map[string]any
// @Router /jwks.json [get]
func (h *Handler) JWKS(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.keyring.JWKSet())
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{
		"error": message,
	})
}
