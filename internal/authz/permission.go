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
	"fmt"
	"strings"

	"github.com/aegisid/aegis/internal/registry"
)

// PermissionKind discriminates the three granularities of the hybrid model.
type PermissionKind int

const (
	// KindBase is a bare resource.action permission.
	KindBase PermissionKind = iota
	// KindCategory is resource.action.<sensitivity-category> (or wildcard).
	KindCategory
	// KindField is resource.action.<field_name>.
	KindField
)

// CategoryWildcard authorizes all fields regardless of classification.
// It is a grant-only category: no discovered field ever carries it.
const CategoryWildcard = "wildcard"

// Permission is the parsed form of a permission string. The canonical wire
// form uses "." as the delimiter; ":" is accepted at external boundaries and
// translated before parsing ever happens (see Canonicalize).
type Permission struct {
	Resource string
	Action   string
	Kind     PermissionKind
	Category string // set for KindCategory
	Field    string // set for KindField
}

// Canonicalize translates the legacy ":"-delimited form into the canonical
// "."-delimited form. Mixed delimiters are rejected by the subsequent parse.
func Canonicalize(s string) string {
	if strings.Contains(s, ":") && !strings.Contains(s, ".") {
		return strings.ReplaceAll(s, ":", ".")
	}
	return s
}

// ParsePermission parses a canonical permission string. The third segment is
// interpreted as a category when it names a known sensitivity classification
// (or the wildcard); anything else is a field name. Fields shadowing category
// names are not representable and rejected at discovery validation instead.
func ParsePermission(s string) (Permission, error) {
	parts := strings.Split(s, ".")
	for _, p := range parts {
		if p == "" {
			return Permission{}, fmt.Errorf("malformed permission %q: empty segment", s)
		}
	}

	switch len(parts) {
	case 2:
		return Permission{Resource: parts[0], Action: parts[1], Kind: KindBase}, nil
	case 3:
		p := Permission{Resource: parts[0], Action: parts[1]}
		if parts[2] == CategoryWildcard || registry.ValidCategory(registry.Category(parts[2])) {
			p.Kind = KindCategory
			p.Category = parts[2]
		} else {
			p.Kind = KindField
			p.Field = parts[2]
		}
		return p, nil
	default:
		return Permission{}, fmt.Errorf("malformed permission %q: want resource.action[.qualifier]", s)
	}
}

// String renders the canonical wire form.
func (p Permission) String() string {
	switch p.Kind {
	case KindBase:
		return p.Resource + "." + p.Action
	case KindCategory:
		return p.Resource + "." + p.Action + "." + p.Category
	default:
		return p.Resource + "." + p.Action + "." + p.Field
	}
}

// Key is the resource.action pair a permission belongs to.
func (p Permission) Key() string {
	return p.Resource + "." + p.Action
}

// Covers reports whether p authorizes the requested permission. A field-level
// request is satisfied by the exact field permission, by a covering category
// permission whose category matches the field's classification in the graph,
// by the wildcard category, or by the bare base permission when the request
// itself is base-level. This is the backward-compatibility rule that lets
// coarse-grained downstream checks keep working.
func (p Permission) Covers(req Permission, graph *registry.CapabilityGraph) bool {
	if p.Resource != req.Resource || p.Action != req.Action {
		return false
	}

	switch p.Kind {
	case KindBase:
		return req.Kind == KindBase
	case KindCategory:
		if p.Category == CategoryWildcard {
			return true
		}
		if req.Kind == KindCategory {
			return req.Category == p.Category
		}
		if req.Kind == KindField && graph != nil {
			for _, f := range graph.Fields[req.Resource] {
				if f.Name == req.Field {
					return string(f.Category) == p.Category
				}
			}
		}
		return false
	default:
		return req.Kind == KindField && req.Field == p.Field
	}
}

// PermissionSet is a resolved set of permission strings.
type PermissionSet map[string]struct{}

// Add inserts a permission string.
func (s PermissionSet) Add(p string) { s[p] = struct{}{} }

// Remove deletes a permission string.
func (s PermissionSet) Remove(p string) { delete(s, p) }

// Contains reports exact membership.
func (s PermissionSet) Contains(p string) bool {
	_, ok := s[p]
	return ok
}

// Allows reports whether the set satisfies the requested permission string,
// either exactly or through a covering category/base entry.
func (s PermissionSet) Allows(request string, graph *registry.CapabilityGraph) bool {
	req, err := ParsePermission(Canonicalize(request))
	if err != nil {
		return false
	}
	if s.Contains(req.String()) {
		return true
	}
	for raw := range s {
		p, err := ParsePermission(raw)
		if err != nil {
			continue
		}
		if p.Covers(req, graph) {
			return true
		}
	}
	return false
}
