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

package discovery

import (
	"context"
	"time"
)

// HistoryCap bounds the per-application attempt history.
const HistoryCap = 100

// Outcome of one discovery attempt.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
)

// Attempt records one discovery attempt, success or failure.
type Attempt struct {
	ClientID   string        `json:"client_id"`
	Outcome    Outcome       `json:"outcome"`
	ErrorClass ErrorClass    `json:"error_class,omitempty"`
	Message    string        `json:"message,omitempty"`
	Latency    time.Duration `json:"latency"`
	Version    int64         `json:"graph_version,omitempty"`
	Timestamp  time.Time     `json:"timestamp"`
}

// Stats is the rolling view over an application's bounded history.
type Stats struct {
	ClientID      string     `json:"client_id"`
	Attempts      int        `json:"attempts"`
	Successes     int        `json:"successes"`
	SuccessRate   float64    `json:"success_rate"`
	LastOutcome   Outcome    `json:"last_outcome,omitempty"`
	LastSuccessAt *time.Time `json:"last_success_at,omitempty"`
	LastAttemptAt *time.Time `json:"last_attempt_at,omitempty"`
	AvgLatencyMS  int64      `json:"avg_latency_ms"`
}

// HistoryRepository defines the interface for the bounded per-app discovery
// history. Append must prune beyond HistoryCap.
type HistoryRepository interface {
	// Append records an attempt and prunes entries beyond the cap
	Append(ctx context.Context, attempt *Attempt) error

	// List retrieves attempts newest-first, up to limit
	List(ctx context.Context, clientID string, limit int) ([]*Attempt, error)

	// LastSuccess retrieves the most recent successful attempt, or nil
	LastSuccess(ctx context.Context, clientID string) (*Attempt, error)

	// Prune removes attempts older than the cutoff across all applications
	Prune(ctx context.Context, before time.Time) (int64, error)
}

// ComputeStats derives rolling statistics from a history slice.
func ComputeStats(clientID string, attempts []*Attempt) *Stats {
	s := &Stats{ClientID: clientID, Attempts: len(attempts)}
	if len(attempts) == 0 {
		return s
	}

	var totalLatency time.Duration
	for _, a := range attempts {
		totalLatency += a.Latency
		if a.Outcome == OutcomeSuccess {
			s.Successes++
			if s.LastSuccessAt == nil || a.Timestamp.After(*s.LastSuccessAt) {
				t := a.Timestamp
				s.LastSuccessAt = &t
			}
		}
		if s.LastAttemptAt == nil || a.Timestamp.After(*s.LastAttemptAt) {
			t := a.Timestamp
			s.LastAttemptAt = &t
			s.LastOutcome = a.Outcome
		}
	}
	s.SuccessRate = float64(s.Successes) / float64(len(attempts))
	s.AvgLatencyMS = (totalLatency / time.Duration(len(attempts))).Milliseconds()
	return s
}
