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

package http

import (
	"context"

	"github.com/aegisid/aegis/internal/token"
)

type contextKey string

const (
	claimsKey   contextKey = "claims"
	clientIDKey contextKey = "client_id"
)

// GetClaims retrieves the validated token claims from context.
func GetClaims(ctx context.Context) *token.Claims {
	if val, ok := ctx.Value(claimsKey).(*token.Claims); ok {
		return val
	}
	return nil
}

// GetClientID retrieves the authenticated application's client_id from
// context.
func GetClientID(ctx context.Context) string {
	if val, ok := ctx.Value(clientIDKey).(string); ok {
		return val
	}
	return ""
}
