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
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// Client fetches discovery documents over HTTP with enforced size and time
// ceilings. Error classification happens here so the retry policy needs no
// HTTP knowledge.
type Client struct {
	httpClient   *http.Client
	probeTimeout time.Duration
	fetchTimeout time.Duration
	maxBodySize  int64
}

// ClientConfig holds discovery HTTP client configuration
type ClientConfig struct {
	ProbeTimeout time.Duration
	FetchTimeout time.Duration
	MaxBodySize  int64
}

// NewClient creates a new discovery client
func NewClient(cfg ClientConfig) *Client {
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = 5 * time.Second
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 5 * time.Second
	}
	if cfg.MaxBodySize <= 0 {
		cfg.MaxBodySize = 1 << 20 // 1MB
	}
	return &Client{
		httpClient:   &http.Client{},
		probeTimeout: cfg.ProbeTimeout,
		fetchTimeout: cfg.FetchTimeout,
		maxBodySize:  cfg.MaxBodySize,
	}
}

// Probe performs a lightweight reachability check against the discovery URL.
// Probe failures short-circuit without consuming retry budget.
func (c *Client) Probe(ctx context.Context, rawURL string) error {
	if _, err := url.ParseRequestURI(rawURL); err != nil {
		return WrapError(ClassConfiguration, fmt.Sprintf("malformed discovery URL %q", rawURL), err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.probeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, rawURL, nil)
	if err != nil {
		return WrapError(ClassConfiguration, "failed to build probe request", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return WrapError(ClassNetwork, "discovery endpoint unreachable within probe timeout", err)
		}
		return WrapError(ClassNetwork, "discovery endpoint unreachable", err)
	}
	resp.Body.Close()

	// Any response at all means the host is reachable; HEAD-specific status
	// codes (405 etc.) are not probe failures.
	return nil
}

// Fetch retrieves and decodes the discovery document.
func (c *Client) Fetch(ctx context.Context, rawURL string) (*Document, time.Duration, error) {
	ctx, cancel := context.WithTimeout(ctx, c.fetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, 0, WrapError(ClassConfiguration, fmt.Sprintf("malformed discovery URL %q", rawURL), err)
	}
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	latency := time.Since(start)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, latency, WrapError(ClassTimeout,
				fmt.Sprintf("discovery fetch exceeded %s", c.fetchTimeout), err)
		}
		return nil, latency, WrapError(ClassNetwork, "discovery fetch failed", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, latency, NewError(ClassAuthentication,
			fmt.Sprintf("discovery endpoint rejected credentials with status %d", resp.StatusCode))
	case resp.StatusCode >= 500:
		return nil, latency, NewError(ClassServer,
			fmt.Sprintf("discovery endpoint returned status %d", resp.StatusCode))
	case resp.StatusCode != http.StatusOK:
		return nil, latency, NewError(ClassValidation,
			fmt.Sprintf("discovery endpoint returned unexpected status %d", resp.StatusCode))
	}

	// Read one byte past the ceiling so oversize is distinguishable from
	// exactly-at-limit.
	body, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBodySize+1))
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, time.Since(start), WrapError(ClassTimeout, "discovery response body read timed out", err)
		}
		return nil, time.Since(start), WrapError(ClassNetwork, "failed to read discovery response", err)
	}
	if int64(len(body)) > c.maxBodySize {
		return nil, time.Since(start), NewError(ClassValidation,
			fmt.Sprintf("discovery response exceeds %d byte ceiling", c.maxBodySize))
	}

	var doc Document
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, time.Since(start), WrapError(ClassValidation, "discovery response is not a JSON object", err)
	}

	return &doc, time.Since(start), nil
}
