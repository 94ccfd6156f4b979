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
	"testing"

	"github.com/aegisid/aegis/internal/registry"
)

func TestCanonicalize(t *testing.T) {
	cases := map[string]string{
		"patients:read":      "patients.read",
		"patients:read:ssn":  "patients.read.ssn",
		"patients.read":      "patients.read",
		"patients.read.ssn":  "patients.read.ssn",
		"patients.read:pii":  "patients.read:pii", // mixed delimiters pass through unchanged
	}
	for in, want := range cases {
		if got := Canonicalize(in); got != want {
			t.Errorf("Canonicalize(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestParsePermission(t *testing.T) {
	p, err := ParsePermission("patients.read")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if p.Kind != KindBase || p.Resource != "patients" || p.Action != "read" {
		t.Errorf("unexpected base parse: %+v", p)
	}

	p, err = ParsePermission("patients.read.pii")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if p.Kind != KindCategory || p.Category != "pii" {
		t.Errorf("expected category kind for known classification, got %+v", p)
	}

	p, err = ParsePermission("patients.read.wildcard")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if p.Kind != KindCategory || p.Category != CategoryWildcard {
		t.Errorf("expected wildcard category, got %+v", p)
	}

	p, err = ParsePermission("patients.read.ssn")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if p.Kind != KindField || p.Field != "ssn" {
		t.Errorf("expected field kind for unknown third segment, got %+v", p)
	}

	for _, bad := range []string{"patients", "patients..read", "a.b.c.d", ""} {
		if _, err := ParsePermission(bad); err == nil {
			t.Errorf("expected parse error for %q", bad)
		}
	}
}

func testGraph() *registry.CapabilityGraph {
	return &registry.CapabilityGraph{
		ClientID: "hr-portal",
		AppName:  "HR Portal",
		Version:  3,
		Endpoints: []registry.Endpoint{
			{Path: "/employees", Method: "GET", Resource: "employees", Action: "read"},
			{Path: "/employees", Method: "POST", Resource: "employees", Action: "write"},
		},
		Fields: map[string][]registry.FieldMetadata{
			"employees": {
				{Name: "id", Type: "string", Category: registry.CategoryBase},
				{Name: "name", Type: "string", Category: registry.CategoryBase},
				{Name: "email", Type: "string", Category: registry.CategoryPII},
				{Name: "ssn", Type: "string", Category: registry.CategoryPII},
				{Name: "salary", Type: "number", Category: registry.CategoryFinancial},
			},
		},
	}
}

func TestCoversBackwardCompatibility(t *testing.T) {
	graph := testGraph()

	set := PermissionSet{}
	set.Add("employees.read.pii")

	// A category grant covers field-level requests for fields classified
	// under it.
	if !set.Allows("employees.read.ssn", graph) {
		t.Error("pii category should cover the ssn field")
	}
	if set.Allows("employees.read.salary", graph) {
		t.Error("pii category must not cover a financial field")
	}

	// Legacy ":" form is accepted at the boundary.
	if !set.Allows("employees:read:email", graph) {
		t.Error("legacy delimiter form should resolve through canonicalization")
	}

	set = PermissionSet{}
	set.Add("employees.read.wildcard")
	if !set.Allows("employees.read.salary", graph) {
		t.Error("wildcard should cover every field")
	}

	set = PermissionSet{}
	set.Add("employees.read")
	if !set.Allows("employees.read", graph) {
		t.Error("base permission should cover base request")
	}
	if set.Allows("employees.read.ssn", graph) {
		t.Error("base permission must not cover a field request")
	}
}
