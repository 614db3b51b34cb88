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
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/abcxyz/secrethunter/pkg/githubclient"
)

func newTestFetcher(t *testing.T, handler http.HandlerFunc) (*Fetcher, *httptest.Server) {
	t.Helper()
	return newTestFetcherWithCache(t, handler, 0)
}

func newTestFetcherWithCache(t *testing.T, handler http.HandlerFunc, cacheSize int) (*Fetcher, *httptest.Server) {
	t.Helper()

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	gh, err := githubclient.NewWithBaseURL(context.Background(), "test-token", "secrethunter-test", srv.URL)
	if err != nil {
		t.Fatalf("NewWithBaseURL: %v", err)
	}

	f, err := New(gh, cacheSize)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return f, srv
}

// TestFetchCommit_NotFound covers the dangling-commit boundary scenario: a
// push event references a "before" SHA that no longer exists. The fetcher
// must surface this as Result{Absent: true}, not an error.
func TestFetchCommit_NotFound(t *testing.T) {
	f, _ := newTestFetcher(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-RateLimit-Remaining", "4999")
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, `{"message":"No commit found for SHA: deadbeef"}`)
	})

	result, err := f.FetchCommit(context.Background(), "octo", "repo", "deadbeefdeadbeefdeadbeefdeadbeefdeadbeef")
	if err != nil {
		t.Fatalf("FetchCommit returned error for 404: %v", err)
	}
	if !result.Absent {
		t.Fatalf("result.Absent = false, want true")
	}
	if result.Commit != nil {
		t.Fatalf("result.Commit = %+v, want nil", result.Commit)
	}
}

func TestFetchCommit_Success(t *testing.T) {
	const sha = "abc123abc123abc123abc123abc123abc123abcd"

	f, _ := newTestFetcher(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-RateLimit-Remaining", "4999")
		resp := map[string]any{
			"sha": sha,
			"commit": map[string]any{
				"message": "fix: rotate credentials",
				"author":  map[string]any{"name": "ada"},
				"tree":    map[string]any{"sha": "treesha"},
			},
			"parents": []map[string]any{{"sha": "parent1"}},
			"files": []map[string]any{
				{"filename": "config.yaml", "status": "modified", "additions": 1, "deletions": 1},
			},
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	})

	result, err := f.FetchCommit(context.Background(), "octo", "repo", sha)
	if err != nil {
		t.Fatalf("FetchCommit: %v", err)
	}
	if result.Absent {
		t.Fatalf("result.Absent = true, want false")
	}
	if result.Commit == nil {
		t.Fatal("result.Commit is nil")
	}
	if result.Commit.SHA != sha {
		t.Errorf("SHA = %q, want %q", result.Commit.SHA, sha)
	}
	if result.Commit.Repo != "octo/repo" {
		t.Errorf("Repo = %q, want octo/repo", result.Commit.Repo)
	}
	if len(result.Commit.Files) != 1 || result.Commit.Files[0].Filename != "config.yaml" {
		t.Errorf("Files = %+v, want one config.yaml entry", result.Commit.Files)
	}
}

func TestFetchCommit_CacheHit(t *testing.T) {
	const sha = "cafebabecafebabecafebabecafebabecafebabe"
	calls := 0

	f, _ := newTestFetcherWithCache(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Header().Set("X-RateLimit-Remaining", "4999")
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"sha": sha})
	}, 16)

	ctx := context.Background()
	if _, err := f.FetchCommit(ctx, "octo", "repo", sha); err != nil {
		t.Fatalf("first FetchCommit: %v", err)
	}
	if _, err := f.FetchCommit(ctx, "octo", "repo", sha); err != nil {
		t.Fatalf("second FetchCommit: %v", err)
	}

	if calls != 1 {
		t.Fatalf("handler called %d times, want 1 (second call should hit cache)", calls)
	}
}

func TestCommitExists(t *testing.T) {
	f, _ := newTestFetcher(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-RateLimit-Remaining", "4999")
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, `{"message":"not found"}`)
	})

	exists, err := f.CommitExists(context.Background(), "octo", "repo", "deadbeef")
	if err != nil {
		t.Fatalf("CommitExists: %v", err)
	}
	if exists {
		t.Fatal("exists = true, want false")
	}
}
