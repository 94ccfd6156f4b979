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
	"fmt"
	"time"

	"github.com/aegisid/aegis/internal/registry"
)

// SupportedSchemaVersion is the discovery document schema this broker
// understands. Anything else is a hard validation failure.
const SupportedSchemaVersion = "2.0"

// Document is the wire schema an application serves at its discovery URL.
type Document struct {
	AppID       string                                   `json:"app_id"`
	AppName     string                                   `json:"app_name"`
	Version     string                                   `json:"version"`
	LastUpdated string                                   `json:"last_updated"`
	Endpoints   []DocumentEndpoint                       `json:"endpoints"`
	Services    []DocumentEndpoint                       `json:"services,omitempty"` // legacy alias for endpoints
	Fields      map[string]map[string]DocumentFieldEntry `json:"response_fields"`
}

// DocumentEndpoint is one endpoint entry of the discovery document.
type DocumentEndpoint struct {
	Path           string   `json:"path"`
	Method         string   `json:"method"`
	Description    string   `json:"description,omitempty"`
	Resource       string   `json:"resource"`
	Action         string   `json:"action"`
	ResponseFields []string `json:"response_fields,omitempty"`
}

// DocumentFieldEntry is the per-field metadata of the discovery document.
type DocumentFieldEntry struct {
	Type        string `json:"type"`
	Description string `json:"description,omitempty"`
	Category    string `json:"category"`
	Nullable    bool   `json:"nullable,omitempty"`
	Searchable  bool   `json:"searchable,omitempty"`
	Filterable  bool   `json:"filterable,omitempty"`
	MaxLength   int    `json:"max_length,omitempty"`
	Format      string `json:"format,omitempty"`
}

// ValidateAndBuild validates the document against the registration and builds
// the capability graph. All failures are ValidationError: non-retryable,
// rejected pre-storage.
func ValidateAndBuild(doc *Document, clientID string) (*registry.CapabilityGraph, error) {
	if doc.AppID != clientID {
		return nil, NewError(ClassValidation,
			fmt.Sprintf("app_id %q does not match registered client_id %q", doc.AppID, clientID))
	}
	if doc.AppName == "" {
		return nil, NewError(ClassValidation, "app_name is required")
	}
	if doc.Version != SupportedSchemaVersion {
		return nil, NewError(ClassValidation,
			fmt.Sprintf("unsupported schema version %q, want %q", doc.Version, SupportedSchemaVersion))
	}
	lastUpdated, err := time.Parse(time.RFC3339, doc.LastUpdated)
	if err != nil {
		return nil, NewError(ClassValidation, "last_updated must be an ISO-8601 timestamp")
	}

	endpoints := doc.Endpoints
	if len(endpoints) == 0 {
		endpoints = doc.Services
	}
	if len(endpoints) == 0 {
		return nil, NewError(ClassValidation, "endpoints must be a non-empty array")
	}

	graph := &registry.CapabilityGraph{
		ClientID:    clientID,
		AppName:     doc.AppName,
		Fields:      make(map[string][]registry.FieldMetadata),
		LastUpdated: lastUpdated,
	}

	for i, ep := range endpoints {
		if ep.Path == "" || ep.Method == "" || ep.Resource == "" || ep.Action == "" {
			return nil, NewError(ClassValidation,
				fmt.Sprintf("endpoint %d: path, method, resource, and action are required", i))
		}
		graph.Endpoints = append(graph.Endpoints, registry.Endpoint{
			Path:        ep.Path,
			Method:      ep.Method,
			Resource:    ep.Resource,
			Action:      ep.Action,
			Description: ep.Description,
		})

		// Every referenced field must resolve to a classified entry.
		for _, name := range ep.ResponseFields {
			entry, ok := doc.Fields[ep.Resource][name]
			if !ok {
				return nil, NewError(ClassValidation,
					fmt.Sprintf("endpoint %s %s references undeclared field %s.%s", ep.Method, ep.Path, ep.Resource, name))
			}
			if entry.Category == "" {
				return nil, NewError(ClassValidation,
					fmt.Sprintf("field %s.%s is missing a category", ep.Resource, name))
			}
		}
	}

	for resource, fields := range doc.Fields {
		for name, entry := range fields {
			cat := registry.Category(entry.Category)
			if !registry.ValidCategory(cat) {
				return nil, NewError(ClassValidation,
					fmt.Sprintf("field %s.%s has unknown category %q", resource, name, entry.Category))
			}
			// A field named after a category would be ambiguous in the
			// three-level permission format.
			if registry.ValidCategory(registry.Category(name)) || name == "wildcard" {
				return nil, NewError(ClassValidation,
					fmt.Sprintf("field %s.%s shadows a category name", resource, name))
			}
			graph.Fields[resource] = append(graph.Fields[resource], registry.FieldMetadata{
				Name:        name,
				Type:        entry.Type,
				Category:    cat,
				Nullable:    entry.Nullable,
				Searchable:  entry.Searchable,
				Filterable:  entry.Filterable,
				Description: entry.Description,
			})
		}
	}

	return graph, nil
}
