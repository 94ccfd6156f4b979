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
	"testing"

	"github.com/aegisid/aegis/internal/audit"
	"github.com/aegisid/aegis/internal/registry"
)

// testGraphWithout returns the standard test graph minus one employees field.
func testGraphWithout(field string) *registry.CapabilityGraph {
	g := testGraph()
	fields := g.Fields["employees"]
	kept := fields[:0:0]
	for _, f := range fields {
		if f.Name != field {
			kept = append(kept, f)
		}
	}
	g.Fields["employees"] = kept
	return g
}

func contains(perms []string, want string) bool {
	for _, p := range perms {
		if p == want {
			return true
		}
	}
	return false
}

// TestPurpose: Validates the full stale-grant lifecycle across graph swaps:
// a field grant goes stale when its field vanishes and recovers when the
// field reappears, with resolution tracking both transitions.
// Scope: Unit Test
// Security: Temporary discovery outages must not permanently narrow access,
// and vanished fields must not stay grantable.
// Expected: ssn excluded from resolution while the field is missing; restored
// automatically once a later graph carries the field again.
func TestReconcileStaleGrantsRecovery(t *testing.T) {
	roles := &mockRoleRepo{roles: []*Role{
		{
			ClientID: "hr-portal",
			Name:     "hr_reader",
			IsActive: true,
			Grants: []Grant{
				{Resource: "employees", Action: "read", Effect: EffectAllow, Field: "id"},
				{Resource: "employees", Action: "read", Effect: EffectAllow, Field: "ssn"},
			},
		},
	}}
	mappings := &mockMappingRepo{byGroup: map[string][]string{"HR": {"hr_reader"}}}
	graphs := &mockGraphSource{graph: testGraph()}
	resolver := newTestResolver(t, roles, mappings, graphs)
	svc := NewService(roles, mappings, graphs, resolver, audit.NewSlogLogger())
	ctx := context.Background()

	res, err := resolver.Resolve(ctx, "hr-portal", []string{"HR"})
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if !contains(res.Permissions, "employees.read.ssn") {
		t.Fatalf("ssn grant should resolve initially, got %v", res.Permissions)
	}

	// The next discovery run loses the ssn field.
	graphs.graph = testGraphWithout("ssn")
	if err := svc.ReconcileStaleGrants(ctx, graphs.graph); err != nil {
		t.Fatalf("reconcile failed: %v", err)
	}
	if !roles.roles[0].Grants[1].Stale {
		t.Error("grant for the vanished field should be flagged stale")
	}
	if roles.roles[0].Grants[0].Stale {
		t.Error("grant for a surviving field must not be flagged")
	}

	res, err = resolver.Resolve(ctx, "hr-portal", []string{"HR"})
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if contains(res.Permissions, "employees.read.ssn") {
		t.Errorf("stale grant must not resolve, got %v", res.Permissions)
	}

	// The field comes back on a later run; the flag clears without any
	// admin intervention.
	graphs.graph = testGraph()
	if err := svc.ReconcileStaleGrants(ctx, graphs.graph); err != nil {
		t.Fatalf("reconcile failed: %v", err)
	}
	if roles.roles[0].Grants[1].Stale {
		t.Error("grant should recover once its field reappears")
	}

	res, err = resolver.Resolve(ctx, "hr-portal", []string{"HR"})
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if !contains(res.Permissions, "employees.read.ssn") {
		t.Errorf("recovered grant should resolve again, got %v", res.Permissions)
	}
}

// TestPurpose: Validates that a reconcile run with no flag changes still
// drops cached resolutions, since resolution output depends on the graph.
// Scope: Unit Test
// Security: Cached permissions must not outlive the graph they were
// computed from.
// Expected: A second resolve after an unchanged reconcile hits the
// repository again instead of the cache.
func TestReconcileInvalidatesCacheWithoutFlagChanges(t *testing.T) {
	roles := &mockRoleRepo{roles: []*Role{
		{
			ClientID: "hr-portal",
			Name:     "hr_reader",
			IsActive: true,
			Grants: []Grant{
				{Resource: "employees", Action: "read", Effect: EffectAllow, Field: "id"},
			},
		},
	}}
	mappings := &mockMappingRepo{byGroup: map[string][]string{"HR": {"hr_reader"}}}
	graphs := &mockGraphSource{graph: testGraph()}
	resolver := newTestResolver(t, roles, mappings, graphs)
	svc := NewService(roles, mappings, graphs, resolver, audit.NewSlogLogger())
	ctx := context.Background()

	if _, err := resolver.Resolve(ctx, "hr-portal", []string{"HR"}); err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	before := roles.listCalls

	if err := svc.ReconcileStaleGrants(ctx, graphs.graph); err != nil {
		t.Fatalf("reconcile failed: %v", err)
	}
	if _, err := resolver.Resolve(ctx, "hr-portal", []string{"HR"}); err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if roles.listCalls <= before+1 {
		t.Error("reconcile should invalidate the cached resolution")
	}
}
