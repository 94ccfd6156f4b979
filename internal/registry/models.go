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

package registry

import (
	"context"
	"errors"
	"time"
)

// Domain errors
var (
	ErrApplicationNotFound      = errors.New("application not found")
	ErrApplicationAlreadyExists = errors.New("application already exists")
	ErrApplicationInactive      = errors.New("application is inactive")
	ErrDiscoveryNotAllowed      = errors.New("discovery is not enabled for application")
	ErrGraphNotFound            = errors.New("capability graph not found")
	ErrGraphVersionConflict     = errors.New("capability graph version conflict")
)

// Application represents a registered client application of the federation.
// Applications are soft-deactivated, never hard-deleted: tokens referencing
// a deactivated application must remain revocable and auditable.
type Application struct {
	ClientID     string     `json:"client_id"`
	Name         string     `json:"name"`
	OwnerEmail   string     `json:"owner_email,omitempty"`
	RedirectURIs []string   `json:"redirect_uris"`
	DiscoveryURL string     `json:"discovery_url,omitempty"`

	// AllowDiscovery gates the reconciler: applications that serve no
	// discovery document are registered with this off.
	AllowDiscovery bool `json:"allow_discovery"`

	// CompactClaims opts the application into {role, graph_version} token
	// claims instead of fully expanded permission lists.
	CompactClaims bool `json:"compact_claims"`

	// Binding flags: when set, issued tokens snapshot the requesting
	// IP / device fingerprint and validation fails closed on mismatch.
	BindIP     bool `json:"bind_ip"`
	BindDevice bool `json:"bind_device"`

	SecretHash    string     `json:"-"`
	IsActive      bool       `json:"is_active"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
	DeactivatedAt *time.Time `json:"deactivated_at,omitempty"`
}

// ValidateRedirectURI checks if the redirect URI is registered for this application
func (a *Application) ValidateRedirectURI(redirectURI string) bool {
	for _, uri := range a.RedirectURIs {
		if uri == redirectURI {
			return true
		}
	}
	return false
}

// ApplicationRepository defines the interface for application persistence
type ApplicationRepository interface {
	// Create registers a new application
	Create(ctx context.Context, app *Application) error

	// GetByClientID retrieves an application by client_id
	GetByClientID(ctx context.Context, clientID string) (*Application, error)

	// Update updates application attributes
	Update(ctx context.Context, app *Application) error

	// Deactivate soft-deactivates an application
	Deactivate(ctx context.Context, clientID string) error

	// List retrieves all applications, active first
	List(ctx context.Context) ([]*Application, error)
}

// GraphRepository defines the interface for capability graph persistence.
// Replace is the only mutation: the reconciler builds the new graph fully
// before swapping it in, so readers never observe a partial update.
type GraphRepository interface {
	// Get retrieves the current graph snapshot for an application
	Get(ctx context.Context, clientID string) (*CapabilityGraph, error)

	// Replace atomically swaps the graph for an application and bumps the
	// monotonic version. The stored version is returned.
	Replace(ctx context.Context, clientID string, graph *CapabilityGraph) (int64, error)
}
