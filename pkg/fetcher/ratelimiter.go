// Copyright 2024 The Authors (see AUTHORS file)
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package fetcher is the single rate-limited GitHub REST client shared by
// the live event monitor and the dangling-commit path.
package fetcher

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter tracks GitHub's rate-limit headers and derives a delay
// multiplier from them. It is cheap to share: callers hold a *RateLimiter,
// never a copy, and every method is safe for concurrent use.
type RateLimiter struct {
	mu sync.Mutex

	remaining       int
	resetAt         time.Time
	delayMultiplier float64

	baseDelay     time.Duration
	safetyBuffer  int
	sleep         func(ctx context.Context, d time.Duration) error
	limiter       *rate.Limiter
}

// NewRateLimiter constructs a RateLimiter with GitHub's authenticated
// default budget (5000 requests an hour) assumed until the first real
// response updates it.
func NewRateLimiter() *RateLimiter {
	rl := &RateLimiter{
		remaining:       5000,
		resetAt:         time.Now().Add(time.Hour),
		delayMultiplier: 1.0,
		baseDelay:       time.Second,
		safetyBuffer:    100,
		limiter:         rate.NewLimiter(rate.Every(time.Second), 1),
	}
	rl.sleep = rl.sleepViaLimiter
	return rl
}

// WaitIfNeeded blocks the caller until it is safe to issue the next
// request: until reset if the budget is nearly exhausted, otherwise for
// base_delay * delay_multiplier when the multiplier is above 1.0. At a
// multiplier of 1.0 it returns without waiting.
func (rl *RateLimiter) WaitIfNeeded(ctx context.Context) error {
	rl.mu.Lock()
	remaining := rl.remaining
	resetAt := rl.resetAt
	multiplier := rl.delayMultiplier
	rl.mu.Unlock()

	if remaining <= rl.safetyBuffer {
		wait := time.Until(resetAt)
		if wait > 0 {
			if err := rl.sleep(ctx, wait); err != nil {
				return err
			}
		}
		rl.mu.Lock()
		rl.remaining = 5000
		rl.resetAt = time.Now().Add(time.Hour)
		rl.mu.Unlock()
		return nil
	}

	if multiplier > 1.0 {
		return rl.sleep(ctx, time.Duration(float64(rl.baseDelay)*multiplier))
	}
	return nil
}

// UpdateFromResponse records the remaining/reset figures from a response's
// rate-limit headers and recomputes the delay multiplier by the spec's
// stepped function: >1000 => 1.0, >500 => 1.5, >100 => 2.0, else => 3.0.
func (rl *RateLimiter) UpdateFromResponse(remaining int, resetAt time.Time) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	rl.remaining = remaining
	if !resetAt.IsZero() {
		rl.resetAt = resetAt
	}
	rl.delayMultiplier = delayMultiplierFor(remaining)
}

// OnRateLimited is called on 403/429: it zeroes the budget and doubles the
// delay multiplier so the next WaitIfNeeded sleeps until reset.
func (rl *RateLimiter) OnRateLimited() {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.remaining = 0
	rl.delayMultiplier *= 2
}

// DelayMultiplier returns the current multiplier, for tests and status
// reporting.
func (rl *RateLimiter) DelayMultiplier() float64 {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return rl.delayMultiplier
}

func delayMultiplierFor(remaining int) float64 {
	switch {
	case remaining > 1000:
		return 1.0
	case remaining > 500:
		return 1.5
	case remaining > 100:
		return 2.0
	default:
		return 3.0
	}
}

// sleepViaLimiter blocks for d, or until ctx ends. It takes the only token
// of a fresh one-token limiter that refills once per d, so Wait returns
// when the next token arrives, d from now.
func (rl *RateLimiter) sleepViaLimiter(ctx context.Context, d time.Duration) error {
	lim := rate.NewLimiter(rate.Every(d), 1)
	lim.Allow()
	return lim.Wait(ctx)
}
