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

package token

import (
	"context"
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"

	"github.com/aegisid/aegis/internal/observability/metrics"
)

// Terminal validation reasons. MALFORMED through WRONG_AUDIENCE map to a 401
// at the transport layer; IP_MISMATCH and DEVICE_MISMATCH map to a 403 because
// the token itself is genuine.
const (
	ReasonMalformed      = "MALFORMED"
	ReasonBadSignature   = "BAD_SIGNATURE"
	ReasonExpired        = "EXPIRED"
	ReasonNotYetValid    = "NOT_YET_VALID"
	ReasonRevoked        = "REVOKED"
	ReasonWrongAudience  = "WRONG_AUDIENCE"
	ReasonIPMismatch     = "IP_MISMATCH"
	ReasonDeviceMismatch = "DEVICE_MISMATCH"
)

// Expectations are the caller-side checks applied after cryptographic
// verification.
type Expectations struct {
	ExpectedAudience  string
	SkipAudienceCheck bool
	IP                string
	Device            string
}

// Validation is the outcome of validating one token. When Valid is false,
// Reason holds exactly one terminal reason; Claims is only set on success.
type Validation struct {
	Valid  bool    `json:"valid"`
	Reason string  `json:"reason,omitempty"`
	Claims *Claims `json:"claims,omitempty"`
}

// Validator verifies token signatures against the keyring and applies the
// revocation and binding checks.
type Validator struct {
	keyring     *Keyring
	revocations RevocationIndex
	parser      *jwt.Parser
}

// NewValidator creates a token validator backed by the given keyring and
// revocation index.
func NewValidator(keyring *Keyring, revocations RevocationIndex) *Validator {
	return &Validator{
		keyring:     keyring,
		revocations: revocations,
		parser:      jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()})),
	}
}

func (v *Validator) keyfunc(t *jwt.Token) (any, error) {
	kid, _ := t.Header["kid"].(string)
	if kid == "" {
		return nil, ErrUnknownKeyID
	}
	return v.keyring.PublicKey(kid)
}

// Validate runs the full validation pipeline and returns a single terminal
// outcome. Ordering matters: a token that is both expired and revoked reports
// the structural failure first, so callers never learn revocation state for
// tokens they could not have used anyway.
func (v *Validator) Validate(ctx context.Context, rawToken string, exp Expectations) Validation {
	out := v.validate(ctx, rawToken, exp)
	metrics.RecordTokenValidation(ctx, out.Valid, out.Reason)
	return out
}

func (v *Validator) validate(ctx context.Context, rawToken string, exp Expectations) Validation {
	claims := &Claims{}
	_, err := v.parser.ParseWithClaims(rawToken, claims, v.keyfunc)
	if err != nil {
		return Validation{Valid: false, Reason: classifyParseError(err)}
	}
	if claims.ID == "" || claims.Subject == "" || claims.TokenType == "" {
		return Validation{Valid: false, Reason: ReasonMalformed}
	}

	if !exp.SkipAudienceCheck {
		if exp.ExpectedAudience == "" || !containsAudience(claims, exp.ExpectedAudience) {
			return Validation{Valid: false, Reason: ReasonWrongAudience}
		}
	}

	revoked, err := v.revocations.IsRevoked(ctx, claims.ID)
	if err != nil {
		// Fail closed: if revocation state is unknowable the token is not
		// accepted.
		return Validation{Valid: false, Reason: ReasonRevoked}
	}
	if revoked {
		return Validation{Valid: false, Reason: ReasonRevoked}
	}

	if claims.BoundIP != "" && exp.IP != claims.BoundIP {
		return Validation{Valid: false, Reason: ReasonIPMismatch}
	}

	if claims.BoundDevice != "" && exp.Device != claims.BoundDevice {
		return Validation{Valid: false, Reason: ReasonDeviceMismatch}
	}

	return Validation{Valid: true, Claims: claims}
}

// ParseForRevocation verifies the signature but tolerates an expired token,
// so a compromised token can still be revoked after it lapses.
func (v *Validator) ParseForRevocation(rawToken string) (*Claims, error) {
	claims := &Claims{}
	_, err := v.parser.ParseWithClaims(rawToken, claims, v.keyfunc)
	if err != nil && !errors.Is(err, jwt.ErrTokenExpired) {
		return nil, fmt.Errorf("invalid token: %s", classifyParseError(err))
	}
	if claims.ID == "" || claims.ExpiresAt == nil {
		return nil, fmt.Errorf("invalid token: %s", ReasonMalformed)
	}
	return claims, nil
}

func classifyParseError(err error) string {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return ReasonExpired
	case errors.Is(err, jwt.ErrTokenNotValidYet), errors.Is(err, jwt.ErrTokenUsedBeforeIssued):
		return ReasonNotYetValid
	case errors.Is(err, jwt.ErrTokenSignatureInvalid), errors.Is(err, ErrUnknownKeyID), errors.Is(err, jwt.ErrTokenUnverifiable):
		return ReasonBadSignature
	default:
		return ReasonMalformed
	}
}

func containsAudience(claims *Claims, want string) bool {
	for _, aud := range claims.Audience {
		if aud == want {
			return true
		}
	}
	return false
}
