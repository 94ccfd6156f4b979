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

package metrics

import (
	"context"
	"sync/atomic"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// instruments holds the broker's domain instruments. Registered once by
// New; record helpers are no-ops until then so packages can emit without
// caring whether metrics were wired.
type instruments struct {
	tokensIssued     metric.Int64Counter
	tokenValidations metric.Int64Counter
	discoveryRuns    metric.Int64Counter
	discoverySeconds metric.Float64Histogram
}

var registered atomic.Pointer[instruments]

func (m *Meter) register() error {
	tokensIssued, err := m.CreateCounter("aegis_tokens_issued_total",
		"Tokens issued, by token type")
	if err != nil {
		return err
	}
	tokenValidations, err := m.CreateCounter("aegis_token_validations_total",
		"Token validation outcomes, by result and reason")
	if err != nil {
		return err
	}
	discoveryRuns, err := m.CreateCounter("aegis_discovery_runs_total",
		"Capability discovery runs, by outcome")
	if err != nil {
		return err
	}
	discoverySeconds, err := m.CreateHistogram("aegis_discovery_duration_seconds",
		"Capability discovery run duration", "s")
	if err != nil {
		return err
	}

	registered.Store(&instruments{
		tokensIssued:     tokensIssued,
		tokenValidations: tokenValidations,
		discoveryRuns:    discoveryRuns,
		discoverySeconds: discoverySeconds,
	})
	return nil
}

// RecordTokenIssued counts one issued token of the given type.
func RecordTokenIssued(ctx context.Context, tokenType string) {
	ins := registered.Load()
	if ins == nil {
		return
	}
	ins.tokensIssued.Add(ctx, 1, metric.WithAttributes(
		attribute.String("token_type", tokenType),
	))
}

// RecordTokenValidation counts one validation outcome. Reason is empty for
// valid tokens.
func RecordTokenValidation(ctx context.Context, valid bool, reason string) {
	ins := registered.Load()
	if ins == nil {
		return
	}
	ins.tokenValidations.Add(ctx, 1, metric.WithAttributes(
		attribute.Bool("valid", valid),
		attribute.String("reason", reason),
	))
}

// RecordDiscoveryRun counts one discovery run and records its duration.
func RecordDiscoveryRun(ctx context.Context, success bool, seconds float64) {
	ins := registered.Load()
	if ins == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.Bool("success", success))
	ins.discoveryRuns.Add(ctx, 1, attrs)
	ins.discoverySeconds.Record(ctx, seconds, attrs)
}
