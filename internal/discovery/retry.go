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
	"errors"
	"math"
	"math/rand"
	"time"
)

// RetryPolicy is an explicit, injectable backoff policy: max attempts, base
// delay, multiplier, cap, jitter, and a retryable-error predicate derived
// from the error classification.
type RetryPolicy struct {
	MaxRetries int           // retries after the first attempt
	BaseDelay  time.Duration
	Multiplier float64
	MaxDelay   time.Duration
	Jitter     float64 // fraction of the delay randomized, 0..1
}

// DefaultRetryPolicy returns the default discovery retry policy.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries: 3,
		BaseDelay:  1 * time.Second,
		Multiplier: 2.0,
		MaxDelay:   30 * time.Second,
		Jitter:     0.2,
	}
}

// Delay computes the backoff before retry n (1-based). The deterministic
// component is non-decreasing up to MaxDelay.
func (p RetryPolicy) Delay(retry int) time.Duration {
	if retry <= 0 {
		return 0
	}
	d := float64(p.BaseDelay) * math.Pow(p.Multiplier, float64(retry-1))
	if d > float64(p.MaxDelay) {
		d = float64(p.MaxDelay)
	}
	if p.Jitter > 0 {
		d += d * p.Jitter * rand.Float64()
		if d > float64(p.MaxDelay) {
			d = float64(p.MaxDelay)
		}
	}
	return time.Duration(d)
}

// Do runs fn with bounded retries. Only errors whose class is retryable
// consume the retry budget; any other error returns immediately. The total
// number of attempts is MaxRetries+1.
func (p RetryPolicy) Do(ctx context.Context, fn func(attempt int) error) error {
	var lastErr error
	for attempt := 0; attempt <= p.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return WrapError(ClassTimeout, "retry cancelled", ctx.Err())
			case <-time.After(p.Delay(attempt)):
			}
		}

		lastErr = fn(attempt + 1)
		if lastErr == nil {
			return nil
		}

		var cerr *ClassifiedError
		if !errors.As(lastErr, &cerr) || !cerr.Class.Retryable() {
			return lastErr
		}
	}
	return lastErr
}
