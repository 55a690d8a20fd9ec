// Copyright 2025 Agentside
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

package worker

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

// ReadinessConfig bounds the startup probe. Defaults give a ~10s budget.
type ReadinessConfig struct {
	Attempts int
	Interval time.Duration
}

func (c ReadinessConfig) withDefaults() ReadinessConfig {
	if c.Attempts == 0 {
		c.Attempts = 20
	}
	if c.Interval == 0 {
		c.Interval = 500 * time.Millisecond
	}
	return c
}

// readinessProbe polls the worker's metadata endpoint until it answers
// with any 2xx, which is taken purely as a liveness signal. Exhausting
// the attempt budget is a fatal start failure, not a background retry.
type readinessProbe struct {
	client *http.Client
	cfg    ReadinessConfig
}

func newReadinessProbe(cfg ReadinessConfig) *readinessProbe {
	return &readinessProbe{
		client: &http.Client{Timeout: 2 * time.Second},
		cfg:    cfg.withDefaults(),
	}
}

// wait blocks until the worker on port answers or the budget is spent.
func (p *readinessProbe) wait(ctx context.Context, port int) error {
	url := fmt.Sprintf("http://127.0.0.1:%d/metadata", port)

	var lastErr error
	for attempt := 1; attempt <= p.cfg.Attempts; attempt++ {
		if err := p.check(ctx, url); err == nil {
			return nil
		} else {
			lastErr = err
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(p.cfg.Interval):
		}
	}

	return NewError(ErrorCodeReadinessTimeout, "worker did not become ready").
		WithDetail("%d attempts at %s spacing", p.cfg.Attempts, p.cfg.Interval).
		WithCause(lastErr)
}

func (p *readinessProbe) check(ctx context.Context, url string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("metadata endpoint returned %d", resp.StatusCode)
	}
	return nil
}
