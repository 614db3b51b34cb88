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
	"strings"
	"time"
)

// CleanupOldLogs removes files under dir with the given suffix older than
// maxAge. It is safe to call repeatedly; a directory that doesn't exist is
// not an error.
func CleanupOldLogs(dir, suffix string, maxAge time.Duration) CleanupFunc {
	return CleanupFunc{
		Name: "cleanup_old_logs",
		Run: func(ctx context.Context) (int, error) {
			cutoff := time.Now().Add(-maxAge)
			return removeMatching(dir, func(name string, info os.FileInfo) bool {
				return strings.HasSuffix(name, suffix) && info.ModTime().Before(cutoff)
			})
		},
	}
}

// CleanupTempDirs removes every file (not subdirectory) under each of the
// given directories, regardless of age.
func CleanupTempDirs(dirs ...string) CleanupFunc {
	return CleanupFunc{
		Name: "cleanup_temp_files",
		Run: func(ctx context.Context) (int, error) {
			total := 0
			for _, dir := range dirs {
				n, err := removeMatching(dir, func(name string, info os.FileInfo) bool { return true })
				if err != nil {
					return total, err
				}
				total += n
			}
			return total, nil
		},
	}
}

// ClearCaches wraps an arbitrary in-process cache purge (for example the
// fetcher's commit cache) as a cleanup action.
func ClearCaches(name string, purge func()) CleanupFunc {
	return CleanupFunc{
		Name: name,
		Run: func(ctx context.Context) (int, error) {
			purge()
			return 0, nil
		},
	}
}

func removeMatching(dir string, match func(name string, info os.FileInfo) bool) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}

	removed := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if !match(entry.Name(), info) {
			continue
		}
		if err := os.Remove(filepath.Join(dir, entry.Name())); err != nil {
			continue
		}
		removed++
	}
	return removed, nil
}
