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
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"time"
)

var (
	ErrNoActiveKey  = errors.New("no active signing key")
	ErrUnknownKeyID = errors.New("unknown key id")
)

// SigningKey is one RSA key pair of the keyring. Retired keys keep only the
// public half published until their grace window elapses.
type SigningKey struct {
	KID       string
	Private   *rsa.PrivateKey // nil once retired
	Public    *rsa.PublicKey
	CreatedAt time.Time
	RetireAt  time.Time // zero for the active key
}

// JWK represents a JSON Web Key (RFC 7517)
type JWK struct {
	Kty string `json:"kty"`
	Use string `json:"use"`
	Alg string `json:"alg"`
	Kid string `json:"kid"`
	N   string `json:"n"`
	E   string `json:"e"`
}

// JWKS represents a JSON Web Key Set (RFC 7517)
type JWKS struct {
	Keys []JWK `json:"keys"`
}

// Keyring is the process-wide signing key state: one active private key plus
// the grace-window public keys of recently rotated predecessors. Keys are
// never mutated in place; rotation appends, pruning expires.
type Keyring struct {
	mu          sync.RWMutex
	active      *SigningKey
	previous    []*SigningKey
	graceWindow time.Duration
}

// NewKeyring generates the initial key pair.
func NewKeyring(graceWindow time.Duration) (*Keyring, error) {
	if graceWindow <= 0 {
		graceWindow = 24 * time.Hour
	}
	kr := &Keyring{graceWindow: graceWindow}
	key, err := generateKey()
	if err != nil {
		return nil, err
	}
	kr.active = key
	return kr, nil
}

// Rotate generates a new active key. The previous key's public half stays
// published for the grace window so in-flight tokens still verify.
func (k *Keyring) Rotate() (string, error) {
	key, err := generateKey()
	if err != nil {
		return "", err
	}

	k.mu.Lock()
	defer k.mu.Unlock()

	if k.active != nil {
		retired := &SigningKey{
			KID:       k.active.KID,
			Public:    k.active.Public,
			CreatedAt: k.active.CreatedAt,
			RetireAt:  time.Now().Add(k.graceWindow),
		}
		k.previous = append(k.previous, retired)
	}
	k.active = key
	k.pruneLocked()
	return key.KID, nil
}

// Prune drops retired keys past their grace window.
func (k *Keyring) Prune() {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.pruneLocked()
}

func (k *Keyring) pruneLocked() {
	now := time.Now()
	kept := k.previous[:0]
	for _, key := range k.previous {
		if key.RetireAt.After(now) {
			kept = append(kept, key)
		}
	}
	k.previous = kept
}

// Active returns the current signing key.
func (k *Keyring) Active() (*SigningKey, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	if k.active == nil {
		return nil, ErrNoActiveKey
	}
	return k.active, nil
}

// PublicKey returns the trusted public key for a kid: the active key or an
// unexpired grace-window predecessor.
func (k *Keyring) PublicKey(kid string) (*rsa.PublicKey, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()

	if k.active != nil && k.active.KID == kid {
		return k.active.Public, nil
	}
	now := time.Now()
	for _, key := range k.previous {
		if key.KID == kid && key.RetireAt.After(now) {
			return key.Public, nil
		}
	}
	return nil, ErrUnknownKeyID
}

// JWKSet returns every currently trusted public key: the active key plus all
// grace-window predecessors.
func (k *Keyring) JWKSet() JWKS {
	k.mu.RLock()
	defer k.mu.RUnlock()

	var set JWKS
	if k.active != nil {
		set.Keys = append(set.Keys, toJWK(k.active))
	}
	now := time.Now()
	for _, key := range k.previous {
		if key.RetireAt.After(now) {
			set.Keys = append(set.Keys, toJWK(key))
		}
	}
	return set
}

func generateKey() (*SigningKey, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, fmt.Errorf("failed to generate signing key: %w", err)
	}

	// Deterministic kid from the modulus thumbprint.
	hash := sha256.Sum256(key.PublicKey.N.Bytes())
	kid := base64.RawURLEncoding.EncodeToString(hash[:16])

	return &SigningKey{
		KID:       kid,
		Private:   key,
		Public:    &key.PublicKey,
		CreatedAt: time.Now(),
	}, nil
}

func toJWK(key *SigningKey) JWK {
	return JWK{
		Kty: "RSA",
		Use: "sig",
		Alg: "RS256",
		Kid: key.KID,
		N:   base64.RawURLEncoding.EncodeToString(key.Public.N.Bytes()),
		E:   base64.RawURLEncoding.EncodeToString(intToBytes(key.Public.E)),
	}
}

func intToBytes(n int) []byte {
	if n == 0 {
		return []byte{0}
	}
	var res []byte
	for n > 0 {
		res = append([]byte{byte(n & 0xff)}, res...)
		n >>= 8
	}
	return res
}
