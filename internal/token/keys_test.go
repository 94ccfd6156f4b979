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
	"errors"
	"testing"
	"time"
)

func TestKeyringRotationGraceWindow(t *testing.T) {
	kr, err := NewKeyring(time.Hour)
	if err != nil {
		t.Fatalf("failed to create keyring: %v", err)
	}

	first, err := kr.Active()
	if err != nil {
		t.Fatalf("no active key: %v", err)
	}

	newKID, err := kr.Rotate()
	if err != nil {
		t.Fatalf("rotate failed: %v", err)
	}
	if newKID == first.KID {
		t.Error("rotation must mint a distinct kid")
	}

	active, err := kr.Active()
	if err != nil {
		t.Fatalf("no active key after rotation: %v", err)
	}
	if active.KID != newKID {
		t.Errorf("active kid = %s, want %s", active.KID, newKID)
	}

	// The retired key's public half stays trusted inside the grace window so
	// in-flight tokens still verify.
	if _, err := kr.PublicKey(first.KID); err != nil {
		t.Errorf("retired key should verify inside grace window: %v", err)
	}
	if _, err := kr.PublicKey("unknown-kid"); !errors.Is(err, ErrUnknownKeyID) {
		t.Errorf("unknown kid should fail with ErrUnknownKeyID, got %v", err)
	}
}

func TestKeyringPruneExpiredKeys(t *testing.T) {
	kr, err := NewKeyring(time.Millisecond)
	if err != nil {
		t.Fatalf("failed to create keyring: %v", err)
	}
	first, _ := kr.Active()
	if _, err := kr.Rotate(); err != nil {
		t.Fatalf("rotate failed: %v", err)
	}

	time.Sleep(5 * time.Millisecond)
	kr.Prune()

	if _, err := kr.PublicKey(first.KID); !errors.Is(err, ErrUnknownKeyID) {
		t.Errorf("key past its grace window must not verify, got %v", err)
	}
	if set := kr.JWKSet(); len(set.Keys) != 1 {
		t.Errorf("JWKS should hold only the active key, got %d", len(set.Keys))
	}
}

func TestJWKSetPublishesTrustedKeys(t *testing.T) {
	kr, err := NewKeyring(time.Hour)
	if err != nil {
		t.Fatalf("failed to create keyring: %v", err)
	}
	if _, err := kr.Rotate(); err != nil {
		t.Fatalf("rotate failed: %v", err)
	}

	set := kr.JWKSet()
	if len(set.Keys) != 2 {
		t.Fatalf("expected active + grace-window key, got %d", len(set.Keys))
	}
	for _, k := range set.Keys {
		if k.Kty != "RSA" || k.Alg != "RS256" || k.Use != "sig" {
			t.Errorf("unexpected JWK shape: %+v", k)
		}
		if k.Kid == "" || k.N == "" || k.E == "" {
			t.Errorf("JWK is missing material: %+v", k)
		}
	}
}
