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

//go:build linux

package resourcegov

import (
	"context"
	"runtime"
	"syscall"
	"time"
)

// OSSampler reports the running process's own memory usage (via
// runtime.MemStats) and the disk usage of a watched path (via statfs). CPU
// usage is the process's own user+system CPU time (via getrusage) spent
// since the last sample, divided by elapsed wall time and CPU count, which
// is sufficient for the governor's purpose: a relative signal that crosses
// a configured threshold, not an exact percentage.
type OSSampler struct {
	DiskPath string

	lastSample time.Time
	lastCPU    time.Duration
}

// NewOSSampler returns a Sampler rooted at diskPath for disk usage checks.
func NewOSSampler(diskPath string) *OSSampler {
	return &OSSampler{DiskPath: diskPath, lastSample: time.Now()}
}

// Sample implements Sampler.
func (s *OSSampler) Sample(ctx context.Context) (memBytes, diskBytes uint64, cpuPercent float64, err error) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	memBytes = mem.Sys

	var stat syscall.Statfs_t
	if statErr := syscall.Statfs(s.DiskPath, &stat); statErr == nil {
		total := stat.Blocks * uint64(stat.Bsize)
		free := stat.Bavail * uint64(stat.Bsize)
		if total >= free {
			diskBytes = total - free
		}
	}

	cpuPercent = s.approximateCPUPercent()
	return memBytes, diskBytes, cpuPercent, nil
}

// approximateCPUPercent divides process CPU time accumulated since the last
// sample by wall-clock time elapsed and the number of available CPUs.
func (s *OSSampler) approximateCPUPercent() float64 {
	now := time.Now()
	elapsed := now.Sub(s.lastSample)
	s.lastSample = now
	if elapsed <= 0 {
		return 0
	}

	cpuTime := cpuTimeConsumed()
	delta := cpuTime - s.lastCPU
	s.lastCPU = cpuTime
	if delta <= 0 {
		return 0
	}

	cpus := float64(runtime.NumCPU())
	if cpus == 0 {
		cpus = 1
	}
	return 100 * float64(delta) / (float64(elapsed) * cpus)
}
