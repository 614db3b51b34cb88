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
	"fmt"
)

const maxPartialSHALen = 8

// ResolvePartialSHA resolves a short hex prefix into a full 40-character
// commit SHA by asking GitHub for the commit named by the prefix itself
// (CommitExists, then FetchCommit); it does not enumerate suffix
// extensions, and a prefix GitHub cannot resolve unambiguously yields an
// error. This is an opt-in utility: nothing in the default ingestion or
// live-monitor path calls it. Empty inputs, inputs longer than 8
// characters, and non-hex inputs are rejected.
func (f *Fetcher) ResolvePartialSHA(ctx context.Context, owner, repo, partial string) (string, error) {
	if len(partial) == 0 || len(partial) > maxPartialSHALen {
		return "", fmt.Errorf("partial SHA must be 1-%d hex characters, got %d", maxPartialSHALen, len(partial))
	}
	for _, r := range partial {
		if !isHex(r) {
			return "", fmt.Errorf("partial SHA contains non-hex character %q", r)
		}
	}

	// The GitHub commits API itself resolves unambiguous short SHAs; this
	// utility exists for the rare case a caller wants to confirm existence
	// without trusting GitHub's own disambiguation.
	exists, err := f.CommitExists(ctx, owner, repo, partial)
	if err != nil {
		return "", fmt.Errorf("failed to resolve partial sha %q: %w", partial, err)
	}
	if !exists {
		return "", fmt.Errorf("no commit found matching prefix %q", partial)
	}

	result, err := f.FetchCommit(ctx, owner, repo, partial)
	if err != nil {
		return "", err
	}
	if result.Commit == nil {
		return "", fmt.Errorf("no commit found matching prefix %q", partial)
	}
	return result.Commit.SHA, nil
}

func isHex(r rune) bool {
	return (r >= '0' && r <= '9') || (r >= 'a' && r <= 'f') || (r >= 'A' && r <= 'F')
}
