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
	"net/http"
	"time"

	"github.com/google/go-github/v56/github"
	lru "github.com/hashicorp/golang-lru"
	"github.com/sethvargo/go-retry"

	"github.com/abcxyz/pkg/logging"
	"github.com/abcxyz/secrethunter/pkg/githubclient"
)

// commitCacheTTL matches the reference fetcher's 24-hour cache window.
const commitCacheTTL = 24 * time.Hour

// CommitFile is one file entry in a fetched commit.
type CommitFile struct {
	Filename  string
	Status    string
	Additions int
	Deletions int
	Changes   int
	Patch     string
}

// Commit is a fetched commit from REST.
type Commit struct {
	SHA       string
	Repo      string
	Author    string
	Committer string
	Message   string
	TreeSHA   string
	Parents   []string
	Files     []CommitFile
	FetchedAt time.Time
}

// Result is the outcome of FetchCommit: exactly one of Commit or Absent is
// meaningful. Absent is a first-class, non-error value — this is how
// dangling commits are detected.
type Result struct {
	Commit *Commit
	Absent bool
}

type cacheEntry struct {
	result    Result
	expiresAt time.Time
}

// Fetcher is the single rate-limited GitHub REST client shared by C6 and
// the dangling-commit path.
type Fetcher struct {
	client      *githubclient.Client
	rateLimiter *RateLimiter
	cache       *lru.Cache
}

// New constructs a Fetcher. cacheSize bounds the number of cached commit
// lookups; pass 0 to disable caching.
func New(client *githubclient.Client, cacheSize int) (*Fetcher, error) {
	var cache *lru.Cache
	if cacheSize > 0 {
		c, err := lru.New(cacheSize)
		if err != nil {
			return nil, fmt.Errorf("failed to create commit cache: %w", err)
		}
		cache = c
	}

	return &Fetcher{
		client:      client,
		rateLimiter: NewRateLimiter(),
		cache:       cache,
	}, nil
}

// RateLimiter exposes the shared limiter, e.g. for status reporting.
func (f *Fetcher) RateLimiter() *RateLimiter { return f.rateLimiter }

// PurgeCache clears the commit cache; used by the resource governor's
// emergency cleanup.
func (f *Fetcher) PurgeCache() {
	if f.cache != nil {
		f.cache.Purge()
	}
}

func cacheKey(repo, sha string) string { return "commit:" + repo + ":" + sha }

// FetchCommit fetches a commit by owner/repo and SHA, short-circuiting on a
// cached result when available. A 404 yields Result{Absent: true}, nil —
// not an error.
func (f *Fetcher) FetchCommit(ctx context.Context, owner, repo, sha string) (Result, error) {
	key := cacheKey(owner+"/"+repo, sha)
	if f.cache != nil {
		if v, ok := f.cache.Get(key); ok {
			entry := v.(cacheEntry)
			if time.Now().Before(entry.expiresAt) {
				return entry.result, nil
			}
			f.cache.Remove(key)
		}
	}

	result, err := f.fetchWithRetry(ctx, owner, repo, sha)
	if err != nil {
		return Result{}, err
	}

	if f.cache != nil {
		f.cache.Add(key, cacheEntry{result: result, expiresAt: time.Now().Add(commitCacheTTL)})
	}
	return result, nil
}

// CommitExists is a boolean convenience wrapper over FetchCommit.
func (f *Fetcher) CommitExists(ctx context.Context, owner, repo, sha string) (bool, error) {
	result, err := f.FetchCommit(ctx, owner, repo, sha)
	if err != nil {
		return false, err
	}
	return !result.Absent, nil
}

func (f *Fetcher) fetchWithRetry(ctx context.Context, owner, repo, sha string) (Result, error) {
	logger := logging.FromContext(ctx)

	var out Result
	backoff := retry.WithMaxRetries(3, retry.NewFibonacci(500*time.Millisecond))

	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		if err := f.rateLimiter.WaitIfNeeded(ctx); err != nil {
			return fmt.Errorf("rate limiter wait: %w", err)
		}

		commit, resp, err := f.client.GetCommit(ctx, owner, repo, sha)

		if resp != nil {
			f.rateLimiter.UpdateFromResponse(resp.Rate.Remaining, resp.Rate.Reset.Time)
		}

		if resp != nil && resp.StatusCode == http.StatusNotFound {
			out = Result{Absent: true}
			return nil
		}

		if resp != nil && (resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusTooManyRequests) {
			f.rateLimiter.OnRateLimited()
			return retry.RetryableError(fmt.Errorf("rate limited fetching %s/%s@%s: %w", owner, repo, sha, err))
		}

		if err != nil {
			logger.DebugContext(ctx, "fetcher: transient error, retrying", "repo", repo, "sha", sha, "error", err)
			return retry.RetryableError(err)
		}

		out = Result{Commit: toCommit(owner, repo, commit)}
		return nil
	})
	if err != nil {
		return Result{}, fmt.Errorf("failed to fetch commit %s/%s@%s: %w", owner, repo, sha, err)
	}

	return out, nil
}

func toCommit(owner, repo string, rc *github.RepositoryCommit) *Commit {
	if rc == nil {
		return nil
	}

	c := &Commit{
		SHA:       rc.GetSHA(),
		Repo:      owner + "/" + repo,
		FetchedAt: time.Now(),
	}
	if commit := rc.GetCommit(); commit != nil {
		c.Message = commit.GetMessage()
		if author := commit.GetAuthor(); author != nil {
			c.Author = author.GetName()
		}
		if committer := commit.GetCommitter(); committer != nil {
			c.Committer = committer.GetName()
		}
		if tree := commit.GetTree(); tree != nil {
			c.TreeSHA = tree.GetSHA()
		}
	}
	for _, p := range rc.Parents {
		c.Parents = append(c.Parents, p.GetSHA())
	}
	for _, f := range rc.Files {
		c.Files = append(c.Files, CommitFile{
			Filename:  f.GetFilename(),
			Status:    f.GetStatus(),
			Additions: f.GetAdditions(),
			Deletions: f.GetDeletions(),
			Changes:   f.GetChanges(),
			Patch:     f.GetPatch(),
		})
	}
	return c
}
