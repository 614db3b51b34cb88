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

// Package resourcegov samples memory, disk, and CPU usage on a fixed cadence
// and raises or clears an emergency flag consumed by the pipeline
// coordinator to gate producers.
package resourcegov

import (
	"context"
	"sync"
	"time"

	"github.com/abcxyz/pkg/logging"
)

// Limits configures the three axes the governor watches. Emergency must be
// strictly greater than Warning on every axis.
type Limits struct {
	MemoryLimitBytes uint64
	DiskLimitBytes   uint64
	CPULimitPercent  float64

	WarningFraction   float64
	EmergencyFraction float64

	Interval time.Duration
}

// DefaultLimits mirrors the thresholds of the original resource monitor this
// component is ported from: 18GB memory, 40GB disk, 80% CPU, warning at 80%
// of each limit, emergency cleanup at 90%, sampled every 30s.
func DefaultLimits() Limits {
	return Limits{
		MemoryLimitBytes:  18 << 30,
		DiskLimitBytes:    40 << 30,
		CPULimitPercent:   80,
		WarningFraction:   0.8,
		EmergencyFraction: 0.9,
		Interval:          30 * time.Second,
	}
}

// Status is a point-in-time snapshot of the governor's view of the process.
type Status struct {
	MemoryPercent float64
	DiskPercent   float64
	CPUPercent    float64

	MemoryWarning bool
	DiskWarning   bool
	CPUWarning    bool

	EmergencyMode       bool
	EmergencyConditions []string
}

// Sampler reports current resource usage. The default implementation reads
// the host's memory, disk, and CPU figures; tests substitute a fake.
type Sampler interface {
	Sample(ctx context.Context) (memBytes, diskBytes uint64, cpuPercent float64, err error)
}

// CleanupFunc performs one named cleanup action and reports how many files
// (if any) it removed.
type CleanupFunc struct {
	Name string
	Run  func(ctx context.Context) (filesRemoved int, err error)
}

// CleanupResult is returned from a single emergency cleanup pass.
type CleanupResult struct {
	ActionsTaken []string
	FilesRemoved int
	Success      bool
}

// Governor owns the shared emergency-mode gate.
type Governor struct {
	limits   Limits
	sampler  Sampler
	cleanups []CleanupFunc

	mu     sync.Mutex
	status Status
}

// New constructs a Governor. cleanups run, in order, whenever the governor
// transitions into emergency mode.
func New(limits Limits, sampler Sampler, cleanups ...CleanupFunc) *Governor {
	return &Governor{
		limits:   limits,
		sampler:  sampler,
		cleanups: cleanups,
	}
}

// Status returns the most recently computed snapshot.
func (g *Governor) Status() Status {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.status
}

// Emergency reports whether the governor currently gates producers.
func (g *Governor) Emergency() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.status.EmergencyMode
}

// Run samples on Limits.Interval until ctx is canceled. Each sample may
// trigger emergency cleanup; cleanup failures are logged, never fatal.
func (g *Governor) Run(ctx context.Context) {
	logger := logging.FromContext(ctx)

	ticker := time.NewTicker(g.limits.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := g.sampleOnce(ctx); err != nil {
				logger.ErrorContext(ctx, "resourcegov: sample failed", "error", err)
			}
		}
	}
}

func (g *Governor) sampleOnce(ctx context.Context) error {
	memBytes, diskBytes, cpuPercent, err := g.sampler.Sample(ctx)
	if err != nil {
		return err
	}

	wasEmergency := g.Emergency()
	status := g.evaluate(memBytes, diskBytes, cpuPercent, wasEmergency)

	g.mu.Lock()
	enteringEmergency := status.EmergencyMode && !g.status.EmergencyMode
	g.status = status
	g.mu.Unlock()

	if enteringEmergency {
		g.emergencyCleanup(ctx)
	}
	return nil
}

// evaluate applies the governor's asymmetric hysteresis: any axis at or
// above EmergencyFraction latches emergency mode, and once latched it
// persists through the Warning-to-Emergency dead zone, clearing only once
// every axis drops below WarningFraction.
func (g *Governor) evaluate(memBytes, diskBytes uint64, cpuPercent float64, wasEmergency bool) Status {
	memPercent := percent(memBytes, g.limits.MemoryLimitBytes)
	diskPercent := percent(diskBytes, g.limits.DiskLimitBytes)
	cpuPct := 0.0
	if g.limits.CPULimitPercent > 0 {
		cpuPct = cpuPercent / g.limits.CPULimitPercent
	}

	status := Status{
		MemoryPercent: memPercent,
		DiskPercent:   diskPercent,
		CPUPercent:    cpuPct,
		MemoryWarning: memPercent >= g.limits.WarningFraction,
		DiskWarning:   diskPercent >= g.limits.WarningFraction,
		CPUWarning:    cpuPct >= g.limits.WarningFraction,
	}

	if memPercent >= g.limits.EmergencyFraction {
		status.EmergencyConditions = append(status.EmergencyConditions, "memory")
	}
	if diskPercent >= g.limits.EmergencyFraction {
		status.EmergencyConditions = append(status.EmergencyConditions, "disk")
	}
	if cpuPct >= g.limits.EmergencyFraction {
		status.EmergencyConditions = append(status.EmergencyConditions, "cpu")
	}

	switch aboveEmergency := len(status.EmergencyConditions) > 0; {
	case aboveEmergency:
		status.EmergencyMode = true
	case wasEmergency && (status.MemoryWarning || status.DiskWarning || status.CPUWarning):
		status.EmergencyMode = true
		if status.MemoryWarning {
			status.EmergencyConditions = append(status.EmergencyConditions, "memory (latched)")
		}
		if status.DiskWarning {
			status.EmergencyConditions = append(status.EmergencyConditions, "disk (latched)")
		}
		if status.CPUWarning {
			status.EmergencyConditions = append(status.EmergencyConditions, "cpu (latched)")
		}
	default:
		status.EmergencyMode = false
	}

	return status
}

func percent(used, limit uint64) float64 {
	if limit == 0 {
		return 0
	}
	return float64(used) / float64(limit)
}

// emergencyCleanup runs every registered cleanup action. It is idempotent
// and never removes persistent data: only log files, temp directories, and
// in-process caches are eligible.
func (g *Governor) emergencyCleanup(ctx context.Context) CleanupResult {
	logger := logging.FromContext(ctx)
	result := CleanupResult{Success: true}

	for _, c := range g.cleanups {
		removed, err := c.Run(ctx)
		if err != nil {
			logger.ErrorContext(ctx, "resourcegov: cleanup action failed", "action", c.Name, "error", err)
			result.Success = false
			continue
		}
		result.ActionsTaken = append(result.ActionsTaken, c.Name)
		result.FilesRemoved += removed
	}

	logger.InfoContext(ctx, "resourcegov: emergency cleanup ran",
		"actions", result.ActionsTaken, "files_removed", result.FilesRemoved, "success", result.Success)
	return result
}
