package authz

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/aegisid/aegis/internal/audit"
	"github.com/aegisid/aegis/internal/registry"
)

// Service provides role and mapping administration. Grant validation against
// the capability graph is best-effort: grants referencing capabilities that
// later vanish are tolerated (marked stale by the reconciler), but a grant
// referencing a field unknown at save time is rejected outright.
type Service struct {
	roleRepo    RoleRepository
	mappingRepo MappingRepository
	graphs      GraphSource
	resolver    *Resolver
	auditLogger audit.Logger
}

// NewService creates a new role and mapping service
func NewService(roleRepo RoleRepository, mappingRepo MappingRepository, graphs GraphSource, resolver *Resolver, auditLogger audit.Logger) *Service {
	return &Service{
		roleRepo:    roleRepo,
		mappingRepo: mappingRepo,
		graphs:      graphs,
		resolver:    resolver,
		auditLogger: auditLogger,
	}
}

// SaveRole validates and persists a role with its grants and filters as one
// transaction, then invalidates cached resolutions for the application.
func (s *Service) SaveRole(ctx context.Context, role *Role, isNew bool) error {
	if role.ClientID == "" || role.Name == "" {
		return fmt.Errorf("%w: client_id and role name are required", ErrInvalidGrant)
	}

	graph, err := s.graphs.Graph(ctx, role.ClientID)
	if err != nil && err != registry.ErrGraphNotFound {
		return fmt.Errorf("failed to load capability graph: %w", err)
	}

	for i := range role.Grants {
		g := &role.Grants[i]
		if err := g.Validate(); err != nil {
			return err
		}
		if graph != nil && g.Field != "" && !graph.HasField(g.Resource, g.Field) {
			return fmt.Errorf("%w: field %s.%s is not a discovered capability", ErrInvalidGrant, g.Resource, g.Field)
		}
	}
	for i := range role.Filters {
		if err := role.Filters[i].Validate(); err != nil {
			return err
		}
	}

	now := time.Now()
	role.UpdatedAt = now
	if isNew {
		role.CreatedAt = now
		role.IsActive = true
		err = s.roleRepo.Create(ctx, role)
	} else {
		err = s.roleRepo.Update(ctx, role)
	}
	if err != nil {
		return err
	}

	s.resolver.Invalidate(role.ClientID)
	eventType := audit.TypeGrantChanged
	if isNew {
		eventType = audit.TypeRoleCreated
	}
	s.auditLogger.Log(ctx, audit.Event{
		Type:     eventType,
		ClientID: role.ClientID,
		Resource: "role",
		Metadata: map[string]any{"role": role.Name, "grants": len(role.Grants), "filters": len(role.Filters)},
	})
	return nil
}

// GetRole retrieves a role with grants and filters
func (s *Service) GetRole(ctx context.Context, clientID, name string) (*Role, error) {
	return s.roleRepo.Get(ctx, clientID, name)
}

// ListRoles retrieves all roles of an application
func (s *Service) ListRoles(ctx context.Context, clientID string) ([]*Role, error) {
	return s.roleRepo.ListByClient(ctx, clientID)
}

// DeleteRole removes a role, cascading to its grants and filters.
func (s *Service) DeleteRole(ctx context.Context, clientID, name string) error {
	if err := s.roleRepo.Delete(ctx, clientID, name); err != nil {
		return err
	}
	s.resolver.Invalidate(clientID)
	s.auditLogger.Log(ctx, audit.Event{
		Type:     audit.TypeRoleDeleted,
		ClientID: clientID,
		Resource: "role",
		Metadata: map[string]any{"role": name},
	})
	return nil
}

// AddMapping maps an identity-provider group to a role. The role must exist.
func (s *Service) AddMapping(ctx context.Context, m *GroupRoleMapping) error {
	if _, err := s.roleRepo.Get(ctx, m.ClientID, m.RoleName); err != nil {
		return err
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	if err := s.mappingRepo.Create(ctx, m); err != nil {
		return err
	}
	s.resolver.Invalidate(m.ClientID)
	return nil
}

// RemoveMapping deletes a group-role mapping
func (s *Service) RemoveMapping(ctx context.Context, clientID, groupName, roleName string) error {
	if err := s.mappingRepo.Delete(ctx, clientID, groupName, roleName); err != nil {
		return err
	}
	s.resolver.Invalidate(clientID)
	return nil
}

// ListMappings retrieves all mappings of an application
func (s *Service) ListMappings(ctx context.Context, clientID string) ([]*GroupRoleMapping, error) {
	return s.mappingRepo.ListByClient(ctx, clientID)
}

// ReconcileStaleGrants flags grants whose fields vanished from the new graph
// and clears the flag on grants whose fields reappeared. Called by the
// discovery reconciler after a graph swap; flagged grants are surfaced to
// admins, never dropped.
func (s *Service) ReconcileStaleGrants(ctx context.Context, graph *registry.CapabilityGraph) error {
	roles, err := s.roleRepo.ListByClient(ctx, graph.ClientID)
	if err != nil {
		return err
	}

	missing := make(map[string][]string)
	recovered := make(map[string][]string)
	for _, role := range roles {
		for i := range role.Grants {
			g := &role.Grants[i]
			if g.Field == "" {
				continue
			}
			present := graph.HasField(g.Resource, g.Field)
			switch {
			case !g.Stale && !present:
				missing[g.Resource] = append(missing[g.Resource], g.Field)
			case g.Stale && present:
				recovered[g.Resource] = append(recovered[g.Resource], g.Field)
			}
		}
	}

	if len(missing) > 0 {
		n, err := s.roleRepo.MarkStaleGrants(ctx, graph.ClientID, missing)
		if err != nil {
			return err
		}
		if n > 0 {
			slog.WarnContext(ctx, "grants reference fields missing from discovered capabilities",
				slog.String("client_id", graph.ClientID),
				slog.Int64("stale_grants", n),
				slog.Int64("graph_version", graph.Version),
			)
		}
	}
	if len(recovered) > 0 {
		n, err := s.roleRepo.ClearStaleGrants(ctx, graph.ClientID, recovered)
		if err != nil {
			return err
		}
		if n > 0 {
			slog.InfoContext(ctx, "stale grants recovered after fields reappeared",
				slog.String("client_id", graph.ClientID),
				slog.Int64("recovered_grants", n),
				slog.Int64("graph_version", graph.Version),
			)
		}
	}

	// Cached resolutions are graph-dependent, so they are dropped even when
	// no grant flag changed.
	s.resolver.Invalidate(graph.ClientID)
	return nil
}
