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

package audit

import (
	"context"
	"crypto/rand"
	"time"

	"github.com/oklog/ulid/v2"
)

// ActivityRecord is one append-only entry of the token activity trail.
// This trail is separate from the revocation index: it records what was
// issued, never whether it is still valid.
type ActivityRecord struct {
	ID        string    // ulid, lexicographically time-ordered
	EventType string    // one of the Type* constants
	ClientID  string
	Subject   string
	TokenType string
	JTI       string
	IPAddress string
	CreatedAt time.Time
}

// ActivityRepository defines the interface for the activity trail
type ActivityRepository interface {
	// Append appends a record. Records are never updated or deleted
	// individually.
	Append(ctx context.Context, rec *ActivityRecord) error

	// ListByClient retrieves the most recent records for an application
	ListByClient(ctx context.Context, clientID string, limit int) ([]*ActivityRecord, error)
}

// NewActivityRecord builds a record with a fresh ulid and timestamp.
func NewActivityRecord(eventType, clientID, subject, tokenType, jti string) *ActivityRecord {
	now := time.Now()
	return &ActivityRecord{
		ID:        ulid.MustNew(ulid.Timestamp(now), rand.Reader).String(),
		EventType: eventType,
		ClientID:  clientID,
		Subject:   subject,
		TokenType: tokenType,
		JTI:       jti,
		CreatedAt: now,
	}
}

// Recorder combines structured audit logging with the persisted trail.
// Persisting is best-effort: a storage failure never blocks issuance.
type Recorder struct {
	logger Logger
	repo   ActivityRepository
}

// NewRecorder creates a new activity recorder
func NewRecorder(logger Logger, repo ActivityRepository) *Recorder {
	return &Recorder{logger: logger, repo: repo}
}

// Record logs the event and appends the corresponding activity record.
func (r *Recorder) Record(ctx context.Context, event Event, rec *ActivityRecord) {
	r.logger.Log(ctx, event)
	if r.repo != nil && rec != nil {
		// Errors surface through the audit log itself, not to the caller.
		if err := r.repo.Append(ctx, rec); err != nil {
			r.logger.Log(ctx, Event{
				Type:     "activity_append_failed",
				ClientID: rec.ClientID,
				Resource: "activity",
				Metadata: map[string]any{"error": err.Error()},
			})
		}
	}
}
