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

package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/aegisid/aegis/internal/a2a"
	"github.com/aegisid/aegis/internal/audit"
	"github.com/aegisid/aegis/internal/authz"
	"github.com/aegisid/aegis/internal/config"
	"github.com/aegisid/aegis/internal/discovery"
	"github.com/aegisid/aegis/internal/observability/logger"
	"github.com/aegisid/aegis/internal/observability/metrics"
	"github.com/aegisid/aegis/internal/observability/tracing"
	"github.com/aegisid/aegis/internal/registry"
	"github.com/aegisid/aegis/internal/store/postgres"
	storeredis "github.com/aegisid/aegis/internal/store/redis"
	"github.com/aegisid/aegis/internal/token"
	transportHTTP "github.com/aegisid/aegis/internal/transport/http"
)

const resolverCacheSize = 4096

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	logger.InitLogger(logger.Config{
		Level:       cfg.Observability.LogLevel,
		Format:      cfg.Observability.LogFormat,
		ServiceName: cfg.Observability.ServiceName,
	})
	slog.Info("starting aegis authorization broker")

	if len(os.Args) > 1 && os.Args[1] == "migrate" {
		if err := runMigrate(cfg); err != nil {
			fmt.Printf("Migration failed: %v\n", err)
			os.Exit(1)
		}
		os.Exit(0)
	}

	ctx := context.Background()

	// Initialize tracer
	tracer, err := tracing.New(ctx, tracing.Config{
		Enabled:        cfg.Observability.OTELEnabled,
		ServiceName:    cfg.Observability.ServiceName,
		ServiceVersion: cfg.Observability.ServiceVersion,
		SamplingRate:   1.0,
	})
	if err != nil {
		slog.Error("failed to initialize tracer", logger.Error(err))
	}
	defer tracer.Shutdown(ctx)

	// Initialize meter; New registers the broker's instruments, which the
	// token and discovery packages record against.
	_, err = metrics.New(ctx, metrics.Config{
		Enabled: cfg.Observability.OTELEnabled,
	}, cfg.Observability.ServiceName)
	if err != nil {
		slog.Error("failed to initialize meter", logger.Error(err))
	}

	// Initialize database
	db, err := postgres.New(ctx, postgres.Config{
		Host:         cfg.Database.Host,
		Port:         cfg.Database.Port,
		User:         cfg.Database.User,
		Password:     cfg.Database.Password,
		Database:     cfg.Database.Database,
		SSLMode:      cfg.Database.SSLMode,
		MaxOpenConns: cfg.Database.MaxOpenConns,
		MaxIdleConns: cfg.Database.MaxIdleConns,
	})
	if err != nil {
		slog.Error("failed to connect to database", logger.Error(err))
		os.Exit(1)
	}
	defer db.Close()
	slog.Info("connected to database")

	// Initialize repositories
	appRepo := postgres.NewApplicationRepository(db)
	graphRepo := postgres.NewGraphRepository(db)
	roleRepo := postgres.NewRoleRepository(db)
	mappingRepo := postgres.NewMappingRepository(db)
	refreshRepo := postgres.NewRefreshRepository(db)
	historyRepo := postgres.NewHistoryRepository(db)
	activityRepo := postgres.NewActivityRepository(db)
	apiKeyRepo := postgres.NewAPIKeyRepository(db)
	a2aPermRepo := postgres.NewA2APermissionRepository(db)

	// Revocation index: Redis when configured, Postgres otherwise
	var revocations token.RevocationIndex
	if cfg.Redis.Addr != "" {
		idx, err := storeredis.NewRevocationIndex(ctx, storeredis.Config{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err != nil {
			slog.Error("failed to connect to redis", logger.Error(err))
			os.Exit(1)
		}
		defer idx.Close()
		revocations = idx
		slog.Info("revocation index on redis")
	} else {
		revocations = postgres.NewRevocationRepository(db)
		slog.Info("revocation index on postgres")
	}

	// Initialize helpers
	auditLogger := audit.NewSlogLogger()
	recorder := audit.NewRecorder(auditLogger, activityRepo)
	keyHasher := a2a.NewKeyHasher(
		cfg.Security.Argon2Memory,
		cfg.Security.Argon2Iterations,
		cfg.Security.Argon2Parallelism,
		cfg.Security.Argon2SaltLength,
		cfg.Security.Argon2KeyLength,
	)

	keyring, err := token.NewKeyring(cfg.Token.KeyGraceWindow)
	if err != nil {
		slog.Error("failed to initialize signing keyring", logger.Error(err))
		os.Exit(1)
	}

	// Initialize services
	registryService := registry.NewService(appRepo, graphRepo, auditLogger)

	resolver, err := authz.NewResolver(roleRepo, mappingRepo, registryService, resolverCacheSize)
	if err != nil {
		slog.Error("failed to initialize permission resolver", logger.Error(err))
		os.Exit(1)
	}
	authzService := authz.NewService(roleRepo, mappingRepo, registryService, resolver, auditLogger)

	reconciler := discovery.NewReconciler(
		appRepo,
		graphRepo,
		historyRepo,
		authzService,
		resolver,
		auditLogger,
		discovery.Config{
			CacheWindow: cfg.Discovery.CacheWindow,
			BatchLimit:  cfg.Discovery.BatchLimit,
			Retry: discovery.RetryPolicy{
				MaxRetries: cfg.Discovery.MaxRetries,
				BaseDelay:  cfg.Discovery.RetryBase,
				Multiplier: 2.0,
				MaxDelay:   cfg.Discovery.RetryMax,
				Jitter:     0.2,
			},
			Client: discovery.ClientConfig{
				ProbeTimeout: cfg.Discovery.ProbeTimeout,
				FetchTimeout: cfg.Discovery.FetchTimeout,
				MaxBodySize:  cfg.Discovery.MaxBodySize,
			},
		},
	)

	issuer := token.NewIssuer(
		cfg.Server.PublicURL,
		keyring,
		resolver,
		registryService,
		refreshRepo,
		revocations,
		recorder,
		token.TTLConfig{
			Access:  cfg.Token.AccessTTL,
			Refresh: cfg.Token.RefreshTTL,
			Service: cfg.Token.ServiceTTL,
		},
	)
	validator := token.NewValidator(keyring, revocations)

	a2aService := a2a.NewService(registryService, apiKeyRepo, a2aPermRepo, keyHasher, issuer, recorder)

	// Background maintenance: expiry sweeps and key rotation
	sweeper := cron.New()
	_, err = sweeper.AddFunc(cfg.Token.CleanupSchedule, func() {
		sweepCtx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()

		if n, err := refreshRepo.DeleteExpired(sweepCtx); err != nil {
			slog.Error("refresh token sweep failed", logger.Error(err))
		} else if n > 0 {
			slog.Info("swept expired refresh tokens", "deleted", n)
		}
		if n, err := revocations.PurgeExpired(sweepCtx); err != nil {
			slog.Error("revocation sweep failed", logger.Error(err))
		} else if n > 0 {
			slog.Info("purged expired revocations", "deleted", n)
		}
		keyring.Prune()
	})
	if err != nil {
		slog.Error("invalid cleanup schedule", logger.Error(err))
		os.Exit(1)
	}
	_, err = sweeper.AddFunc(fmt.Sprintf("@every %s", cfg.Token.RotateInterval), func() {
		kid, err := keyring.Rotate()
		if err != nil {
			slog.Error("signing key rotation failed", logger.Error(err))
			return
		}
		auditLogger.Log(context.Background(), audit.Event{
			Type:     audit.TypeKeyRotated,
			Resource: "signing_key",
			Metadata: map[string]any{"kid": kid},
		})
	})
	if err != nil {
		slog.Error("invalid rotation schedule", logger.Error(err))
		os.Exit(1)
	}
	sweeper.Start()
	defer sweeper.Stop()

	// Rate Limiter
	rateLimiter := transportHTTP.NewRateLimiter(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst)

	// Initialize HTTP handler
	handler := transportHTTP.NewHandler(
		registryService,
		authzService,
		reconciler,
		a2aService,
		issuer,
		validator,
		keyring,
		activityRepo,
		auditLogger,
	)

	// Create router
	router := transportHTTP.NewRouter(handler, rateLimiter)

	// Create HTTP server
	addr := fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port)
	server := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Start server
	go func() {
		slog.Info("starting http server", logger.Component("server"), logger.Operation("listen"))
		slog.Info(fmt.Sprintf("listening on %s", addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", logger.Error(err))
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down server")

	// Graceful shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown error", logger.Error(err))
	}

	slog.Info("server stopped")
}

func runMigrate(cfg *config.Config) error {
	ctx := context.Background()
	db, err := postgres.New(ctx, postgres.Config{
		Host:         cfg.Database.Host,
		Port:         cfg.Database.Port,
		User:         cfg.Database.User,
		Password:     cfg.Database.Password,
		Database:     cfg.Database.Database,
		SSLMode:      cfg.Database.SSLMode,
		MaxOpenConns: cfg.Database.MaxOpenConns,
		MaxIdleConns: cfg.Database.MaxIdleConns,
	})
	if err != nil {
		return err
	}
	defer db.Close()

	if err := db.Migrate(ctx, postgres.InitialSchema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}

	slog.Info("migration complete")
	return nil
}
