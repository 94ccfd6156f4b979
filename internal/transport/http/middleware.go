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
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/aegisid/aegis/internal/observability/logger"
	"github.com/aegisid/aegis/internal/token"
)

// LoggingMiddleware logs HTTP requests
func LoggingMiddleware() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			slog.InfoContext(r.Context(), "http_request_start",
				logger.RequestID(middleware.GetReqID(r.Context())),
				logger.Method(r.Method),
				logger.Path(r.URL.Path),
			)

			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			defer func() {
				slog.InfoContext(r.Context(), "http_request_end",
					logger.RequestID(middleware.GetReqID(r.Context())),
					logger.Method(r.Method),
					logger.Path(r.URL.Path),
					logger.StatusCode(ww.Status()),
					logger.Duration(time.Since(start).Milliseconds()),
				)
			}()

			next.ServeHTTP(ww, r)
		})
	}
}

// bearerToken extracts the raw bearer token from the Authorization header.
func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if len(auth) > 7 && strings.EqualFold(auth[:7], "Bearer ") {
		return auth[7:]
	}
	return ""
}

// AuthMiddleware validates the bearer token for the admin surface. Tokens
// must carry the internal audience; user tokens issued for applications do
// not pass here.
func (h *Handler) AuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := bearerToken(r)
		if raw == "" {
			respondError(w, http.StatusUnauthorized, "not authenticated")
			return
		}

		v := h.validator.Validate(r.Context(), raw, token.Expectations{
			ExpectedAudience: token.AudienceInternal,
			IP:               getIPAddress(r),
			Device:           getDeviceFingerprint(r),
		})
		if !v.Valid {
			switch v.Reason {
			case token.ReasonIPMismatch:
				respondError(w, http.StatusForbidden, "token not valid from this address")
			case token.ReasonDeviceMismatch:
				respondError(w, http.StatusForbidden, "token not valid from this device")
			default:
				respondError(w, http.StatusUnauthorized, "invalid token: "+v.Reason)
			}
			return
		}

		ctx := context.WithValue(r.Context(), claimsKey, v.Claims)
		ctx = context.WithValue(ctx, clientIDKey, v.Claims.Subject)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// getDeviceFingerprint reads the caller-asserted device fingerprint used for
// device-bound tokens.
func getDeviceFingerprint(r *http.Request) string {
	return r.Header.Get("X-Device-Fingerprint")
}

func getIPAddress(r *http.Request) string {
	// Check X-Forwarded-For header first
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		return xff
	}
	// Check X-Real-IP header
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	return r.RemoteAddr
}
