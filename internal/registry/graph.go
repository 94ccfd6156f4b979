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
	"time"
)

// Category is the sensitivity classification of a response field.
type Category string

const (
	CategoryBase      Category = "base"
	CategoryPII       Category = "pii"
	CategoryPHI       Category = "phi"
	CategoryFinancial Category = "financial"
	CategorySensitive Category = "sensitive"
)

// ValidCategory reports whether c is a known field classification.
// The grant-only "wildcard" category is deliberately not part of this set.
func ValidCategory(c Category) bool {
	switch c {
	case CategoryBase, CategoryPII, CategoryPHI, CategoryFinancial, CategorySensitive:
		return true
	}
	return false
}

// Endpoint is one discovered route of an application.
type Endpoint struct {
	Path        string `json:"path"`
	Method      string `json:"method"`
	Resource    string `json:"resource"`
	Action      string `json:"action"`
	Description string `json:"description,omitempty"`
}

// FieldMetadata classifies one response field of a resource.
type FieldMetadata struct {
	Name        string   `json:"name"`
	Type        string   `json:"type"`
	Category    Category `json:"category"`
	Nullable    bool     `json:"nullable,omitempty"`
	Searchable  bool     `json:"searchable,omitempty"`
	Filterable  bool     `json:"filterable,omitempty"`
	Description string   `json:"description,omitempty"`
}

// CapabilityGraph is the discovered capability surface of one application:
// its endpoints plus per-resource field classification. Graphs are immutable
// once stored; the reconciler replaces them wholesale and bumps Version.
type CapabilityGraph struct {
	ClientID    string                     `json:"client_id"`
	AppName     string                     `json:"app_name"`
	Version     int64                      `json:"version"`
	Endpoints   []Endpoint                 `json:"endpoints"`
	Fields      map[string][]FieldMetadata `json:"fields"` // resource -> fields
	LastUpdated time.Time                  `json:"last_updated"`
}

// HasResourceAction reports whether resource+action is exposed by any endpoint.
func (g *CapabilityGraph) HasResourceAction(resource, action string) bool {
	for _, ep := range g.Endpoints {
		if ep.Resource == resource && ep.Action == action {
			return true
		}
	}
	return false
}

// FieldsByCategory returns the field names of resource classified as cat.
func (g *CapabilityGraph) FieldsByCategory(resource string, cat Category) []string {
	var names []string
	for _, f := range g.Fields[resource] {
		if f.Category == cat {
			names = append(names, f.Name)
		}
	}
	return names
}

// AllFields returns every field name of resource, including unclassified ones.
func (g *CapabilityGraph) AllFields(resource string) []string {
	var names []string
	for _, f := range g.Fields[resource] {
		names = append(names, f.Name)
	}
	return names
}

// HasField reports whether resource exposes a field with the given name.
func (g *CapabilityGraph) HasField(resource, field string) bool {
	for _, f := range g.Fields[resource] {
		if f.Name == field {
			return true
		}
	}
	return false
}

// Resources returns the distinct resources referenced by endpoints.
func (g *CapabilityGraph) Resources() []string {
	seen := make(map[string]bool)
	var out []string
	for _, ep := range g.Endpoints {
		if !seen[ep.Resource] {
			seen[ep.Resource] = true
			out = append(out, ep.Resource)
		}
	}
	return out
}
