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

// Command cleanup runs one maintenance sweep: expired refresh records,
// expired revocation entries, and discovery history past the retention
// cutoff. Useful when the broker runs without its in-process scheduler.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/aegisid/aegis/internal/config"
	"github.com/aegisid/aegis/internal/store/postgres"
)

const historyRetention = 90 * 24 * time.Hour

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

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
		fmt.Printf("Failed to connect to database: %v\n", err)
		os.Exit(1)
	}
	defer db.Close()

	refreshRepo := postgres.NewRefreshRepository(db)
	revocationRepo := postgres.NewRevocationRepository(db)
	historyRepo := postgres.NewHistoryRepository(db)

	deleted, err := refreshRepo.DeleteExpired(ctx)
	if err != nil {
		fmt.Printf("Refresh sweep failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Deleted %d expired refresh records\n", deleted)

	purged, err := revocationRepo.PurgeExpired(ctx)
	if err != nil {
		fmt.Printf("Revocation sweep failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Purged %d expired revocations\n", purged)

	pruned, err := historyRepo.Prune(ctx, time.Now().Add(-historyRetention))
	if err != nil {
		fmt.Printf("History prune failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Pruned %d discovery history entries\n", pruned)
}
