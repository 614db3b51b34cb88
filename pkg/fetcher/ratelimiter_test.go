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

package fetcher

import (
	"context"
	"testing"
	"time"
)

func TestDelayMultiplierFor(t *testing.T) {
	cases := []struct {
		remaining int
		want      float64
	}{
		{1500, 1.0},
		{800, 1.5},
		{300, 2.0},
		{50, 3.0},
	}
	for _, c := range cases {
		if got := delayMultiplierFor(c.remaining); got != c.want {
			t.Errorf("delayMultiplierFor(%d) = %v, want %v", c.remaining, got, c.want)
		}
	}
}

// TestRateLimiter_SteppedSequence walks the limiter through three
// consecutive responses with remaining 1500, 800, 300 and checks the
// multiplier lands on 1.0, 1.5, 2.0 respectively.
func TestRateLimiter_SteppedSequence(t *testing.T) {
	rl := NewRateLimiter()

	rl.UpdateFromResponse(1500, time.Now().Add(time.Hour))
	if got := rl.DelayMultiplier(); got != 1.0 {
		t.Fatalf("after remaining=1500, multiplier = %v, want 1.0", got)
	}

	rl.UpdateFromResponse(800, time.Now().Add(time.Hour))
	if got := rl.DelayMultiplier(); got != 1.5 {
		t.Fatalf("after remaining=800, multiplier = %v, want 1.5", got)
	}

	rl.UpdateFromResponse(300, time.Now().Add(time.Hour))
	if got := rl.DelayMultiplier(); got != 2.0 {
		t.Fatalf("after remaining=300, multiplier = %v, want 2.0", got)
	}
}

func TestRateLimiter_OnRateLimited(t *testing.T) {
	rl := NewRateLimiter()
	rl.UpdateFromResponse(800, time.Now().Add(time.Hour))

	rl.OnRateLimited()

	if rl.remaining != 0 {
		t.Fatalf("remaining = %d, want 0", rl.remaining)
	}
	if got, want := rl.DelayMultiplier(), 3.0; got != want {
		t.Fatalf("multiplier after rate limit = %v, want %v", got, want)
	}
}

func TestRateLimiter_WaitIfNeeded_NoDelayWhenMultiplierOne(t *testing.T) {
	rl := NewRateLimiter()
	rl.UpdateFromResponse(2000, time.Now().Add(time.Hour))

	start := time.Now()
	if err := rl.WaitIfNeeded(context.Background()); err != nil {
		t.Fatalf("WaitIfNeeded: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 50*time.Millisecond {
		t.Fatalf("expected near-instant return, took %v", elapsed)
	}
}
