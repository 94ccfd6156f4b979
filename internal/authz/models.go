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

package authz

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/aegisid/aegis/internal/registry"
)

// Domain errors
var (
	ErrRoleNotFound      = errors.New("role not found")
	ErrRoleAlreadyExists = errors.New("role already exists")
	ErrMappingNotFound   = errors.New("group mapping not found")
	ErrInvalidGrant      = errors.New("invalid permission grant")
	ErrInvalidFilter     = errors.New("invalid rls filter expression")
)

// Effect is the first-class allow/deny variant of a Grant. Deny entries
// override any allow at the same or broader scope regardless of which role
// contributed them.
type Effect string

const (
	EffectAllow Effect = "allow"
	EffectDeny  Effect = "deny"
)

// Grant assigns a permission to a role at category or field granularity.
// Exactly one of Category/Field is set.
type Grant struct {
	Resource string `json:"resource"`
	Action   string `json:"action"`
	Effect   Effect `json:"effect"`
	Category string `json:"category,omitempty"` // base|pii|phi|financial|sensitive|wildcard
	Field    string `json:"field,omitempty"`

	// Stale is set by the reconciler when the referenced field vanished from
	// the capability graph. Stale grants are surfaced to admins, never
	// silently dropped, and never expand to anything during resolution.
	Stale bool `json:"stale,omitempty"`
}

// Validate checks structural validity of the grant. Graph-membership checks
// happen at save time against a graph snapshot, not here.
func (g *Grant) Validate() error {
	if g.Resource == "" || g.Action == "" {
		return fmt.Errorf("%w: resource and action are required", ErrInvalidGrant)
	}
	if g.Effect != EffectAllow && g.Effect != EffectDeny {
		return fmt.Errorf("%w: effect must be allow or deny", ErrInvalidGrant)
	}
	if g.Category != "" && g.Field != "" {
		return fmt.Errorf("%w: category and field are mutually exclusive", ErrInvalidGrant)
	}
	if g.Category != "" && g.Category != CategoryWildcard && !registry.ValidCategory(registry.Category(g.Category)) {
		return fmt.Errorf("%w: unknown category %q", ErrInvalidGrant, g.Category)
	}
	return nil
}

// Permission returns the parsed permission this grant names.
func (g *Grant) Permission() Permission {
	switch {
	case g.Field != "":
		return Permission{Resource: g.Resource, Action: g.Action, Kind: KindField, Field: g.Field}
	case g.Category != "":
		return Permission{Resource: g.Resource, Action: g.Action, Kind: KindCategory, Category: g.Category}
	default:
		return Permission{Resource: g.Resource, Action: g.Action, Kind: KindBase}
	}
}

// FilterTargetAll applies an RLS filter to every field of its resource.
const FilterTargetAll = "all"

// RLS filter combination operators.
const (
	OperatorAnd = "AND"
	OperatorOr  = "OR"
)

// RlsFilter is a parameterized row-level-security filter expression attached
// to a role. Expressions reference whitelisted context variables only and are
// passed through to resource servers verbatim; this system never evaluates
// them.
type RlsFilter struct {
	Resource   string `json:"resource"`
	Field      string `json:"field"` // field name or "all"
	Expression string `json:"expression"`
	Operator   string `json:"operator"` // AND | OR
	Priority   int    `json:"priority"`
}

// contextVarPattern matches @identifier references inside filter expressions.
var contextVarPattern = regexp.MustCompile(`@[A-Za-z_][A-Za-z0-9_]*`)

// allowedContextVars is the whitelist of substitution variables a filter
// expression may reference. Anything else is rejected at save time to keep
// raw user input out of downstream WHERE clauses.
var allowedContextVars = map[string]bool{
	"@current_user_email": true,
	"@current_user_id":    true,
	"@current_user_name":  true,
	"@current_client_id":  true,
}

// Validate checks operator and expression whitelisting.
func (f *RlsFilter) Validate() error {
	if f.Resource == "" {
		return fmt.Errorf("%w: resource is required", ErrInvalidFilter)
	}
	if f.Field == "" {
		f.Field = FilterTargetAll
	}
	if f.Operator != OperatorAnd && f.Operator != OperatorOr {
		return fmt.Errorf("%w: operator must be AND or OR", ErrInvalidFilter)
	}
	if f.Expression == "" {
		return fmt.Errorf("%w: expression is required", ErrInvalidFilter)
	}
	for _, v := range contextVarPattern.FindAllString(f.Expression, -1) {
		if !allowedContextVars[v] {
			return fmt.Errorf("%w: context variable %s is not whitelisted", ErrInvalidFilter, v)
		}
	}
	return nil
}

// Role is a named permission bundle scoped to one application.
type Role struct {
	ClientID    string `json:"client_id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`

	// A2AOnly roles contribute only to service tokens, never to user tokens.
	A2AOnly bool `json:"a2a_only"`

	// IsDefault roles contribute to every principal of the application; a
	// group-derived role overrides a default role's claims on key collision.
	IsDefault bool `json:"is_default"`

	// Priority breaks ties between group-derived roles contributing RLS
	// filters for the same resource.action key. Deny grants ignore priority.
	Priority int `json:"priority"`

	IsActive  bool        `json:"is_active"`
	Grants    []Grant     `json:"grants"`
	Filters   []RlsFilter `json:"rls_filters"`
	CreatedAt time.Time   `json:"created_at"`
	UpdatedAt time.Time   `json:"updated_at"`
}

// GroupRoleMapping maps an identity-provider group to a role of one
// application. Matching is by exact display name at issuance time.
type GroupRoleMapping struct {
	ClientID  string    `json:"client_id"`
	GroupName string    `json:"group_name"`
	RoleName  string    `json:"role_name"`
	CreatedAt time.Time `json:"created_at"`
}

// RoleRepository defines the interface for role persistence. Save operations
// cover the role plus its grants and filters as one transaction; deleting a
// role cascades to both, never to the application.
type RoleRepository interface {
	// Create persists a role with its grants and filters
	Create(ctx context.Context, role *Role) error

	// Get retrieves a role with grants and filters populated
	Get(ctx context.Context, clientID, name string) (*Role, error)

	// Update replaces a role's attributes, grants, and filters
	Update(ctx context.Context, role *Role) error

	// Delete removes a role and cascades to grants and filters
	Delete(ctx context.Context, clientID, name string) error

	// ListByClient retrieves all roles of an application
	ListByClient(ctx context.Context, clientID string) ([]*Role, error)

	// MarkStaleGrants flags grants whose field no longer exists in the
	// current capability graph. Returns the number of grants flagged.
	MarkStaleGrants(ctx context.Context, clientID string, missing map[string][]string) (int64, error)

	// ClearStaleGrants unflags stale grants whose field exists again in the
	// current capability graph. Returns the number of grants cleared.
	ClearStaleGrants(ctx context.Context, clientID string, recovered map[string][]string) (int64, error)
}

// MappingRepository defines the interface for group-role mappings
type MappingRepository interface {
	// Create adds a mapping
	Create(ctx context.Context, m *GroupRoleMapping) error

	// Delete removes a mapping
	Delete(ctx context.Context, clientID, groupName, roleName string) error

	// ListByClient retrieves all mappings of an application
	ListByClient(ctx context.Context, clientID string) ([]*GroupRoleMapping, error)

	// RoleNamesForGroups resolves the role names mapped to any of the given
	// groups for an application
	RoleNamesForGroups(ctx context.Context, clientID string, groups []string) ([]string, error)
}
