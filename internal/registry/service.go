package registry

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/aegisid/aegis/internal/audit"
)

// Service provides application registry business logic
type Service struct {
	appRepo     ApplicationRepository
	graphRepo   GraphRepository
	auditLogger audit.Logger
}

// NewService creates a new registry service
func NewService(appRepo ApplicationRepository, graphRepo GraphRepository, auditLogger audit.Logger) *Service {
	return &Service{
		appRepo:     appRepo,
		graphRepo:   graphRepo,
		auditLogger: auditLogger,
	}
}

// Register registers a new application and returns the generated client secret.
// The secret is returned exactly once; only its hash is stored.
func (s *Service) Register(ctx context.Context, app *Application) (string, error) {
	if app.ClientID == "" {
		app.ClientID = generateClientID()
	}
	if app.Name == "" {
		return "", fmt.Errorf("application name is required")
	}

	secret := generateSecret()
	app.SecretHash = HashSecret(secret)
	app.IsActive = true
	now := time.Now()
	if app.CreatedAt.IsZero() {
		app.CreatedAt = now
	}
	app.UpdatedAt = now

	if err := s.appRepo.Create(ctx, app); err != nil {
		return "", err
	}

	s.auditLogger.Log(ctx, audit.Event{
		Type:     audit.TypeAppRegistered,
		ClientID: app.ClientID,
		Resource: "application",
		Metadata: map[string]any{"name": app.Name, "allow_discovery": app.AllowDiscovery},
	})

	return secret, nil
}

// RotateSecret generates a new client secret for an application.
// Existing tokens are unaffected; only future credential checks change.
func (s *Service) RotateSecret(ctx context.Context, clientID string) (string, error) {
	app, err := s.appRepo.GetByClientID(ctx, clientID)
	if err != nil {
		return "", err
	}

	secret := generateSecret()
	app.SecretHash = HashSecret(secret)
	app.UpdatedAt = time.Now()

	if err := s.appRepo.Update(ctx, app); err != nil {
		return "", err
	}

	s.auditLogger.Log(ctx, audit.Event{
		Type:     audit.TypeSecretRotated,
		ClientID: clientID,
		Resource: "application",
	})

	return secret, nil
}

// Deactivate soft-deactivates an application. Idempotent.
func (s *Service) Deactivate(ctx context.Context, clientID string) error {
	if err := s.appRepo.Deactivate(ctx, clientID); err != nil {
		return err
	}
	s.auditLogger.Log(ctx, audit.Event{
		Type:     audit.TypeAppDeactivated,
		ClientID: clientID,
		Resource: "application",
	})
	return nil
}

// Get retrieves an application by client_id
func (s *Service) Get(ctx context.Context, clientID string) (*Application, error) {
	return s.appRepo.GetByClientID(ctx, clientID)
}

// List retrieves all registered applications
func (s *Service) List(ctx context.Context) ([]*Application, error) {
	return s.appRepo.List(ctx)
}

// Graph returns the current capability graph snapshot for an application.
// The returned graph is immutable: the reconciler replaces graphs wholesale,
// so a caller holding this snapshot is never exposed to a mid-flight update.
func (s *Service) Graph(ctx context.Context, clientID string) (*CapabilityGraph, error) {
	return s.graphRepo.Get(ctx, clientID)
}

// VerifySecret checks a presented client secret against the stored hash.
func (s *Service) VerifySecret(ctx context.Context, clientID, secret string) (*Application, error) {
	app, err := s.appRepo.GetByClientID(ctx, clientID)
	if err != nil {
		return nil, err
	}
	if !app.IsActive {
		return nil, ErrApplicationInactive
	}
	if HashSecret(secret) != app.SecretHash {
		return nil, ErrApplicationNotFound
	}
	return app, nil
}

// HashSecret hashes a client secret for storage
func HashSecret(secret string) string {
	hash := sha256.Sum256([]byte(secret))
	return base64.RawURLEncoding.EncodeToString(hash[:])
}

func generateClientID() string {
	b := make([]byte, 16)
	rand.Read(b)
	return base64.RawURLEncoding.EncodeToString(b)
}

func generateSecret() string {
	b := make([]byte, 32)
	rand.Read(b)
	return base64.RawURLEncoding.EncodeToString(b)
}
