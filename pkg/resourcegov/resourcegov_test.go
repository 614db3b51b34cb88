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

package resourcegov

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

type fakeSampler struct {
	mem, disk uint64
	cpu       float64
}

func (f *fakeSampler) Sample(ctx context.Context) (uint64, uint64, float64, error) {
	return f.mem, f.disk, f.cpu, nil
}

func TestGovernor_EmergencyModeEntersAndClears(t *testing.T) {
	limits := Limits{
		MemoryLimitBytes:  100,
		DiskLimitBytes:    100,
		CPULimitPercent:   100,
		WarningFraction:   0.8,
		EmergencyFraction: 0.9,
		Interval:          time.Millisecond,
	}

	sampler := &fakeSampler{mem: 10, disk: 10, cpu: 10}
	var cleaned bool
	g := New(limits, sampler, CleanupFunc{
		Name: "test",
		Run: func(ctx context.Context) (int, error) {
			cleaned = true
			return 0, nil
		},
	})

	if err := g.sampleOnce(context.Background()); err != nil {
		t.Fatalf("sampleOnce: %v", err)
	}
	if g.Emergency() {
		t.Fatalf("expected no emergency mode at low usage")
	}

	sampler.mem = 95
	if err := g.sampleOnce(context.Background()); err != nil {
		t.Fatalf("sampleOnce: %v", err)
	}
	if !g.Emergency() {
		t.Fatalf("expected emergency mode at 95%% memory usage")
	}
	if !cleaned {
		t.Fatalf("expected emergency cleanup to run on transition into emergency mode")
	}
	got := g.Status().EmergencyConditions
	if len(got) != 1 || got[0] != "memory" {
		t.Fatalf("expected emergency conditions [memory], got %v", got)
	}

	sampler.mem = 85
	if err := g.sampleOnce(context.Background()); err != nil {
		t.Fatalf("sampleOnce: %v", err)
	}
	if !g.Emergency() {
		t.Fatalf("expected emergency mode to persist through the warning/emergency dead zone at 85%%")
	}

	sampler.mem = 10
	if err := g.sampleOnce(context.Background()); err != nil {
		t.Fatalf("sampleOnce: %v", err)
	}
	if g.Emergency() {
		t.Fatalf("expected emergency mode to clear once usage drops")
	}
}

func TestGovernor_EmergencyModeDoesNotLatchBeforeFirstEntry(t *testing.T) {
	limits := Limits{
		MemoryLimitBytes:  100,
		DiskLimitBytes:    100,
		CPULimitPercent:   100,
		WarningFraction:   0.8,
		EmergencyFraction: 0.9,
		Interval:          time.Millisecond,
	}

	sampler := &fakeSampler{mem: 85, disk: 10, cpu: 10}
	g := New(limits, sampler)

	if err := g.sampleOnce(context.Background()); err != nil {
		t.Fatalf("sampleOnce: %v", err)
	}
	if g.Emergency() {
		t.Fatalf("expected no emergency mode at 85%% usage without a prior emergency latch")
	}
}

func TestCleanupOldLogs(t *testing.T) {
	dir := t.TempDir()
	old := filepath.Join(dir, "old.log")
	fresh := filepath.Join(dir, "fresh.log")

	if err := os.WriteFile(old, []byte("x"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(fresh, []byte("x"), 0o600); err != nil {
		t.Fatal(err)
	}
	oldTime := time.Now().Add(-8 * 24 * time.Hour)
	if err := os.Chtimes(old, oldTime, oldTime); err != nil {
		t.Fatal(err)
	}

	fn := CleanupOldLogs(dir, ".log", 7*24*time.Hour)
	removed, err := fn.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected 1 file removed, got %d", removed)
	}
	if _, err := os.Stat(fresh); err != nil {
		t.Fatalf("expected fresh.log to survive: %v", err)
	}
	if _, err := os.Stat(old); !os.IsNotExist(err) {
		t.Fatalf("expected old.log to be removed")
	}
}

func TestCleanupOldLogs_MissingDir(t *testing.T) {
	fn := CleanupOldLogs(filepath.Join(t.TempDir(), "missing"), ".log", time.Hour)
	removed, err := fn.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if removed != 0 {
		t.Fatalf("expected 0 removed for missing dir, got %d", removed)
	}
}
