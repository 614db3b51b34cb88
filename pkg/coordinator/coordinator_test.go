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

package coordinator

import (
	"context"
	"testing"
	"time"

	"github.com/abcxyz/secrethunter/pkg/scanner"
	"github.com/abcxyz/secrethunter/pkg/store"
)

func newTestCoordinator(t *testing.T) *Coordinator {
	t.Helper()

	ctx := context.Background()
	st, err := store.Open(ctx, ":memory:")
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	cfg := DefaultConfig(1)
	cfg.ShutdownDrainDeadline = 2 * time.Second
	cfg.GovernorPollInterval = 50 * time.Millisecond

	return New(cfg, st, scanner.New(scanner.BuiltinDetectors), nil, nil, nil, nil, nil)
}

// TestStart_FromStoppedSucceeds covers the one always-legal entry point.
func TestStart_FromStoppedSucceeds(t *testing.T) {
	c := newTestCoordinator(t)
	ctx := context.Background()

	if err := c.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if got := c.Status().State; got != StateRunning {
		t.Fatalf("state = %s, want Running", got)
	}
	if err := c.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

// TestStart_FromRunningFailsAndLeavesStateUnchanged is invariant I5: an
// illegal transition fails and the state machine is left exactly as it was.
func TestStart_FromRunningFailsAndLeavesStateUnchanged(t *testing.T) {
	c := newTestCoordinator(t)
	ctx := context.Background()

	if err := c.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer c.Stop(ctx)

	before := c.Status()
	if err := c.Start(ctx); err == nil {
		t.Fatal("Start from Running: want error, got nil")
	}
	after := c.Status()
	if after.State != before.State || after.StartedAt != before.StartedAt {
		t.Fatalf("state mutated by failed transition: before=%+v after=%+v", before, after)
	}
}

// TestPause_FromStoppedFails is I5 for the Pause transition.
func TestPause_FromStoppedFails(t *testing.T) {
	c := newTestCoordinator(t)

	if err := c.Pause(); err == nil {
		t.Fatal("Pause from Stopped: want error, got nil")
	}
	if got := c.Status().State; got != StateStopped {
		t.Fatalf("state = %s, want unchanged Stopped", got)
	}
}

// TestResume_FromRunningFails is I5 for the Resume transition: Resume is
// valid only from Paused.
func TestResume_FromRunningFails(t *testing.T) {
	c := newTestCoordinator(t)
	ctx := context.Background()

	if err := c.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer c.Stop(ctx)

	if err := c.Resume(); err == nil {
		t.Fatal("Resume from Running: want error, got nil")
	}
	if got := c.Status().State; got != StateRunning {
		t.Fatalf("state = %s, want unchanged Running", got)
	}
}

// TestPauseThenResume_RoundTripsToRunning exercises the legal Running ->
// Paused -> Running path and confirms counters survive the round trip.
func TestPauseThenResume_RoundTripsToRunning(t *testing.T) {
	c := newTestCoordinator(t)
	ctx := context.Background()

	if err := c.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer c.Stop(ctx)

	c.RecordEventsProcessed(3)

	if err := c.Pause(); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	if got := c.Status().State; got != StatePaused {
		t.Fatalf("state = %s, want Paused", got)
	}

	if err := c.Resume(); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if got := c.Status().State; got != StateRunning {
		t.Fatalf("state = %s, want Running", got)
	}
	if got := c.Status().EventsProcessed; got != 3 {
		t.Fatalf("events processed = %d, want 3 preserved across pause/resume", got)
	}
}

// TestSubmit_BlocksWhilePausedThenDeliversOnResume exercises the
// back-pressure contract: Submit must not deliver work while paused, and
// must deliver it once Resume is called.
func TestSubmit_BlocksWhilePausedThenDeliversOnResume(t *testing.T) {
	c := newTestCoordinator(t)
	ctx := context.Background()

	if err := c.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer c.Stop(ctx)

	if err := c.Pause(); err != nil {
		t.Fatalf("Pause: %v", err)
	}

	submitted := make(chan error, 1)
	go func() {
		submitted <- c.Submit(ctx, ScanJob{Text: "irrelevant", Repo: "a/b"})
	}()

	select {
	case <-submitted:
		t.Fatal("Submit returned while paused, want it to block")
	case <-time.After(150 * time.Millisecond):
	}

	if err := c.Resume(); err != nil {
		t.Fatalf("Resume: %v", err)
	}

	select {
	case err := <-submitted:
		if err != nil {
			t.Fatalf("Submit: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Submit did not unblock after Resume")
	}
}

// TestSubmit_FromStoppedFails confirms Submit rejects work outside Running
// or Paused rather than silently dropping it.
func TestSubmit_FromStoppedFails(t *testing.T) {
	c := newTestCoordinator(t)
	ctx := context.Background()

	if err := c.Submit(ctx, ScanJob{Text: "x"}); err == nil {
		t.Fatal("Submit while Stopped: want error, got nil")
	}
}

// TestStop_FromStoppedIsNoop confirms Stop is idempotent.
func TestStop_FromStoppedIsNoop(t *testing.T) {
	c := newTestCoordinator(t)
	if err := c.Stop(context.Background()); err != nil {
		t.Fatalf("Stop from Stopped: %v", err)
	}
}

// TestScanRepository_RejectedWhileStopped confirms the manual scan control
// surface operation honors the running-state guard.
func TestScanRepository_RejectedWhileStopped(t *testing.T) {
	c := newTestCoordinator(t)
	if _, err := c.ScanRepository(context.Background(), "acme/widgets"); err == nil {
		t.Fatal("ScanRepository while Stopped: want error, got nil")
	}
}

// TestScanRepository_RejectsMalformedName confirms the owner/repo split
// validation runs before any work is queued.
func TestScanRepository_RejectsMalformedName(t *testing.T) {
	c := newTestCoordinator(t)
	ctx := context.Background()
	if err := c.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer c.Stop(ctx)

	if _, err := c.ScanRepository(ctx, "not-a-valid-name"); err == nil {
		t.Fatal("ScanRepository with malformed name: want error, got nil")
	}
}

func TestSplitRepo(t *testing.T) {
	cases := []struct {
		in          string
		owner, repo string
		ok          bool
	}{
		{"acme/widgets", "acme", "widgets", true},
		{"acme/widgets/extra", "acme", "widgets/extra", true},
		{"noSlash", "", "", false},
		{"/widgets", "", "", false},
		{"acme/", "", "", false},
	}
	for _, tc := range cases {
		owner, repo, ok := splitRepo(tc.in)
		if ok != tc.ok || owner != tc.owner || repo != tc.repo {
			t.Errorf("splitRepo(%q) = (%q, %q, %v), want (%q, %q, %v)", tc.in, owner, repo, ok, tc.owner, tc.repo, tc.ok)
		}
	}
}
