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
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"sort"
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/aegisid/aegis/internal/registry"
)

// Resolution is the output of permission resolution for one principal against
// one application: the resolved permission strings, the RLS filter snapshot,
// and the contributing role names. An empty resolution is deny-all, never an
// error.
type Resolution struct {
	Roles        []string            `json:"roles"`
	Permissions  []string            `json:"permissions"`
	RlsFilters   map[string][]string `json:"rls_filters"`
	RlsOperators map[string]string   `json:"rls_operators"`
	GraphVersion int64               `json:"graph_version"`
}

func emptyResolution(graphVersion int64) *Resolution {
	return &Resolution{
		Roles:        []string{},
		Permissions:  []string{},
		RlsFilters:   map[string][]string{},
		RlsOperators: map[string]string{},
		GraphVersion: graphVersion,
	}
}

// GraphSource yields capability graph snapshots. The registry service
// satisfies this; tests inject fixed graphs.
type GraphSource interface {
	Graph(ctx context.Context, clientID string) (*registry.CapabilityGraph, error)
}

// Resolver computes permission resolutions. Resolution itself is a pure
// function over role data and one coherent graph snapshot; the Resolver adds
// repository access and an LRU snapshot cache keyed by client, graph version,
// and group-set hash.
type Resolver struct {
	roleRepo    RoleRepository
	mappingRepo MappingRepository
	graphs      GraphSource

	cache *lru.Cache[string, *Resolution]

	// generations invalidates cache entries after role/mapping edits
	// without enumerating keys.
	genMu       sync.Mutex
	generations map[string]uint64
}

// NewResolver creates a new resolver with the given cache size.
func NewResolver(roleRepo RoleRepository, mappingRepo MappingRepository, graphs GraphSource, cacheSize int) (*Resolver, error) {
	if cacheSize <= 0 {
		cacheSize = 1024
	}
	cache, err := lru.New[string, *Resolution](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create resolution cache: %w", err)
	}
	return &Resolver{
		roleRepo:    roleRepo,
		mappingRepo: mappingRepo,
		graphs:      graphs,
		cache:       cache,
		generations: make(map[string]uint64),
	}, nil
}

// Invalidate bumps the cache generation for an application. Called after any
// role, grant, filter, or mapping mutation and after a graph swap.
func (r *Resolver) Invalidate(clientID string) {
	r.genMu.Lock()
	r.generations[clientID]++
	r.genMu.Unlock()
}

func (r *Resolver) generation(clientID string) uint64 {
	r.genMu.Lock()
	defer r.genMu.Unlock()
	return r.generations[clientID]
}

// Resolve computes the permission set for a principal's groups against one
// application. A principal with no matching roles and no default role
// resolves to deny-all.
func (r *Resolver) Resolve(ctx context.Context, clientID string, groups []string) (*Resolution, error) {
	graph, err := r.graphs.Graph(ctx, clientID)
	if err != nil && err != registry.ErrGraphNotFound {
		return nil, fmt.Errorf("failed to load capability graph: %w", err)
	}
	var graphVersion int64
	if graph != nil {
		graphVersion = graph.Version
	}

	key := r.cacheKey(clientID, graphVersion, groups)
	if cached, ok := r.cache.Get(key); ok {
		return cached, nil
	}

	groupRoleNames, err := r.mappingRepo.RoleNamesForGroups(ctx, clientID, groups)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve group mappings: %w", err)
	}

	allRoles, err := r.roleRepo.ListByClient(ctx, clientID)
	if err != nil {
		return nil, fmt.Errorf("failed to load roles: %w", err)
	}

	named := make(map[string]bool, len(groupRoleNames))
	for _, n := range groupRoleNames {
		named[n] = true
	}

	var groupRoles, defaultRoles []*Role
	for _, role := range allRoles {
		if !role.IsActive || role.A2AOnly {
			continue
		}
		switch {
		case named[role.Name]:
			groupRoles = append(groupRoles, role)
		case role.IsDefault:
			defaultRoles = append(defaultRoles, role)
		}
	}

	res := resolve(groupRoles, defaultRoles, graph)
	res.GraphVersion = graphVersion
	r.cache.Add(key, res)
	return res, nil
}

func (r *Resolver) cacheKey(clientID string, graphVersion int64, groups []string) string {
	sorted := append([]string(nil), groups...)
	sort.Strings(sorted)
	sum := sha256.Sum256([]byte(strings.Join(sorted, "\x00")))
	return fmt.Sprintf("%s|%d|%d|%s", clientID, graphVersion, r.generation(clientID), base64.RawURLEncoding.EncodeToString(sum[:16]))
}

// keyState accumulates the per-resource.action expansion before deny
// overrides are applied.
type keyState struct {
	resource   string
	action     string
	base       bool
	categories map[string]bool // granted category labels (incl. wildcard)
	fields     map[string]bool // expanded field names
}

// resolve is the pure resolution function: group-derived roles plus default
// roles against one graph snapshot. Precedence: deny > group-over-default >
// priority > declaration order. It performs no I/O.
func resolve(groupRoles, defaultRoles []*Role, graph *registry.CapabilityGraph) *Resolution {
	res := emptyResolution(0)
	if len(groupRoles) == 0 && len(defaultRoles) == 0 {
		return res
	}

	// Higher priority first so filter tie-breaks fall out of iteration order.
	ordered := append([]*Role(nil), groupRoles...)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Priority > ordered[j].Priority })

	// Keys any group role contributes to; default contributions for those
	// keys are overridden.
	groupKeys := make(map[string]bool)
	for _, role := range ordered {
		for i := range role.Grants {
			g := &role.Grants[i]
			groupKeys[g.Resource+"."+g.Action] = true
		}
		for _, f := range role.Filters {
			groupKeys["rls:"+f.Resource] = true
		}
	}

	states := make(map[string]*keyState)
	expand := func(role *Role, overridden func(key string) bool) {
		for i := range role.Grants {
			g := &role.Grants[i]
			if g.Effect != EffectAllow || g.Stale {
				continue
			}
			key := g.Resource + "." + g.Action
			if overridden(key) {
				continue
			}
			st := states[key]
			if st == nil {
				st = &keyState{
					resource:   g.Resource,
					action:     g.Action,
					categories: make(map[string]bool),
					fields:     make(map[string]bool),
				}
				states[key] = st
			}
			// Base is implicitly reachable once any grant exists for the key.
			st.base = true

			switch {
			case g.Field != "":
				st.fields[g.Field] = true
			case g.Category == CategoryWildcard:
				st.categories[CategoryWildcard] = true
				if graph != nil {
					for _, f := range graph.AllFields(g.Resource) {
						st.fields[f] = true
					}
				}
			case g.Category != "" && g.Category != string(registry.CategoryBase):
				st.categories[g.Category] = true
				if graph != nil {
					for _, f := range graph.FieldsByCategory(g.Resource, registry.Category(g.Category)) {
						st.fields[f] = true
					}
				}
			}
			// Base-category fields ride along with every grant for the key.
			if graph != nil {
				for _, f := range graph.FieldsByCategory(g.Resource, registry.CategoryBase) {
					st.fields[f] = true
				}
			}
		}
	}

	for _, role := range ordered {
		expand(role, func(string) bool { return false })
	}
	for _, role := range defaultRoles {
		expand(role, func(key string) bool { return groupKeys[key] })
	}

	// Deny overrides: collected from every contributing role, defaults
	// included, independent of priority and of the override rule above.
	denyRoles := append(append([]*Role(nil), ordered...), defaultRoles...)
	for _, role := range denyRoles {
		for i := range role.Grants {
			g := &role.Grants[i]
			if g.Effect != EffectDeny {
				continue
			}
			key := g.Resource + "." + g.Action
			st := states[key]
			if st == nil {
				continue
			}
			applyDeny(st, g, graph)
			if !st.base && len(st.categories) == 0 && len(st.fields) == 0 {
				delete(states, key)
			}
		}
	}

	// Emit sorted permission strings.
	var perms []string
	for key, st := range states {
		if st.base {
			perms = append(perms, key)
		}
		for cat := range st.categories {
			perms = append(perms, key+"."+cat)
		}
		for f := range st.fields {
			perms = append(perms, key+"."+f)
		}
	}
	sort.Strings(perms)
	res.Permissions = perms

	// RLS filters: every contributing role's filters for resources present
	// in the resolved keys, highest-priority role first. The operator tag of
	// the winning (first) filter per key decides how the resource server
	// combines the expressions.
	contributing := ordered
	for _, role := range defaultRoles {
		skip := false
		for _, f := range role.Filters {
			if groupKeys["rls:"+f.Resource] {
				skip = true
				break
			}
		}
		if !skip {
			contributing = append(contributing, role)
		}
	}
	for rlsKey, st := range states {
		seen := make(map[string]bool)
		type cand struct {
			expr     string
			operator string
			priority int
		}
		var cands []cand
		for _, role := range contributing {
			for _, f := range role.Filters {
				if f.Resource != st.resource {
					continue
				}
				if seen[f.Expression] {
					continue
				}
				seen[f.Expression] = true
				cands = append(cands, cand{expr: f.Expression, operator: f.Operator, priority: f.Priority})
			}
		}
		if len(cands) == 0 {
			continue
		}
		sort.SliceStable(cands, func(i, j int) bool { return cands[i].priority > cands[j].priority })
		exprs := make([]string, 0, len(cands))
		for _, c := range cands {
			exprs = append(exprs, c.expr)
		}
		res.RlsFilters[rlsKey] = exprs
		res.RlsOperators[rlsKey] = cands[0].operator
	}

	// Contributing role names, group-derived first.
	nameSeen := make(map[string]bool)
	for _, role := range contributing {
		if !nameSeen[role.Name] {
			nameSeen[role.Name] = true
			res.Roles = append(res.Roles, role.Name)
		}
	}

	return res
}

// applyDeny removes the denied scope from the key state. When a deny strips a
// field out of a covering category (or wildcard) expansion, the covering
// label itself is dropped too: a downstream check must not be able to
// re-derive the denied field from the label.
func applyDeny(st *keyState, g *Grant, graph *registry.CapabilityGraph) {
	switch {
	case g.Field != "":
		delete(st.fields, g.Field)
		if graph != nil {
			for _, f := range graph.Fields[g.Resource] {
				if f.Name == g.Field {
					delete(st.categories, string(f.Category))
				}
			}
		}
		delete(st.categories, CategoryWildcard)
	case g.Category == CategoryWildcard:
		st.base = false
		st.categories = make(map[string]bool)
		st.fields = make(map[string]bool)
	case g.Category != "":
		delete(st.categories, g.Category)
		delete(st.categories, CategoryWildcard)
		if graph != nil {
			for _, f := range graph.FieldsByCategory(g.Resource, registry.Category(g.Category)) {
				delete(st.fields, f)
			}
		}
	default:
		// Bare resource.action deny removes the whole key.
		st.base = false
		st.categories = make(map[string]bool)
		st.fields = make(map[string]bool)
	}
}
