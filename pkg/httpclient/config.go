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

package httpclient

import (
	"fmt"
	"time"
)

// Config controls timeout, retry, and identification for clients built
// by New.
type Config struct {
	// Timeout is the total per-request timeout, retries included.
	// Must be > 0.
	Timeout time.Duration

	// RetryAttempts is the number of retries after the initial attempt.
	// Zero disables the retry layer entirely.
	RetryAttempts int

	// RetryBackoff is the delay before the first retry. Each subsequent
	// retry doubles it, up to MaxBackoff.
	RetryBackoff time.Duration

	// MaxBackoff caps the per-retry delay. Must be >= RetryBackoff.
	MaxBackoff time.Duration

	// UserAgent is set on requests that do not already carry one.
	// Required.
	UserAgent string

	// AllowNonIdempotentRetry extends retries to POST, PUT, PATCH, and
	// DELETE. Off by default; enable only when the target dedupes
	// requests.
	AllowNonIdempotentRetry bool
}

// DefaultConfig returns the settings used for outbound platform traffic.
func DefaultConfig() Config {
	return Config{
		Timeout:       30 * time.Second,
		RetryAttempts: 3,
		RetryBackoff:  100 * time.Millisecond,
		MaxBackoff:    30 * time.Second,
		UserAgent:     "plugind/1.0",
	}
}

// Validate reports the first invalid field, if any.
func (c *Config) Validate() error {
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be > 0, got %v", c.Timeout)
	}
	if c.RetryAttempts < 0 {
		return fmt.Errorf("retry_attempts must be >= 0, got %d", c.RetryAttempts)
	}
	if c.RetryAttempts > 0 {
		if c.RetryBackoff <= 0 {
			return fmt.Errorf("retry_backoff must be > 0 when retries are enabled, got %v", c.RetryBackoff)
		}
		if c.MaxBackoff < c.RetryBackoff {
			return fmt.Errorf("max_backoff (%v) must be >= retry_backoff (%v)", c.MaxBackoff, c.RetryBackoff)
		}
	}
	if c.UserAgent == "" {
		return fmt.Errorf("user_agent must be non-empty")
	}
	return nil
}
