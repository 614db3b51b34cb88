// Copyright 2023 The Authors (see AUTHORS file)
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

// Package githubclient is a thin wrapper around the GitHub REST client used
// by the rate-limited fetcher and the live event monitor.
package githubclient

import (
	"context"
	"fmt"
	"net/url"

	"github.com/google/go-github/v56/github"
	"golang.org/x/oauth2"
)

// Client wraps an authenticated *github.Client.
type Client struct {
	gh *github.Client
}

// New creates a new [Client] authenticated with a static bearer token (a
// personal access token or a GitHub App installation token minted by an
// out-of-scope collaborator).
func New(ctx context.Context, token, userAgent string) (*Client, error) {
	if token == "" {
		return nil, fmt.Errorf("githubclient: token is required")
	}

	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	gh := github.NewClient(oauth2.NewClient(ctx, ts))
	if userAgent != "" {
		gh.UserAgent = userAgent
	}

	return &Client{gh: gh}, nil
}

// NewWithBaseURL is identical to New but points the client at baseURL
// instead of api.github.com; used by tests against an httptest server.
func NewWithBaseURL(ctx context.Context, token, userAgent, baseURL string) (*Client, error) {
	c, err := New(ctx, token, userAgent)
	if err != nil {
		return nil, err
	}
	u, err := url.Parse(baseURL + "/")
	if err != nil {
		return nil, fmt.Errorf("failed to parse base URL: %w", err)
	}
	c.gh.BaseURL = u
	return c, nil
}

// GetCommit fetches a single commit by SHA. A 404 is returned to the caller
// as a *github.ErrorResponse with StatusCode 404 so the rate-limited fetcher
// can translate it into an Absent result.
func (c *Client) GetCommit(ctx context.Context, owner, repo, sha string) (*github.RepositoryCommit, *github.Response, error) {
	commit, resp, err := c.gh.Repositories.GetCommit(ctx, owner, repo, sha, nil)
	if err != nil {
		return nil, resp, fmt.Errorf("failed to get commit %s/%s@%s: %w", owner, repo, sha, err)
	}
	return commit, resp, nil
}

// GetUser probes /user with token as the bearer credential, through a client
// of its own built for that token; used by the credential validator's
// GitHub token probe.
func GetUser(ctx context.Context, token, userAgent string) (*github.User, *github.Response, error) {
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	gh := github.NewClient(oauth2.NewClient(ctx, ts))
	if userAgent != "" {
		gh.UserAgent = userAgent
	}

	user, resp, err := gh.Users.Get(ctx, "")
	if err != nil {
		return nil, resp, fmt.Errorf("failed to get authenticated user: %w", err)
	}
	return user, resp, nil
}

// ListEvents lists the most recent public events from the GitHub events feed.
func (c *Client) ListEvents(ctx context.Context) ([]*github.Event, *github.Response, error) {
	events, resp, err := c.gh.Activity.ListEvents(ctx, nil)
	if err != nil {
		return nil, resp, fmt.Errorf("failed to list events: %w", err)
	}
	return events, resp, nil
}

// ListCommits lists the most recent commits on a repository's default
// branch, newest first. Used by the on-demand scan_repository control
// surface operation (spec §6) to seed a manual scan without waiting for
// the live monitor or archive ingestion to surface the repository.
func (c *Client) ListCommits(ctx context.Context, owner, repo string, perPage int) ([]*github.RepositoryCommit, *github.Response, error) {
	opts := &github.CommitsListOptions{
		ListOptions: github.ListOptions{PerPage: perPage},
	}
	commits, resp, err := c.gh.Repositories.ListCommits(ctx, owner, repo, opts)
	if err != nil {
		return nil, resp, fmt.Errorf("failed to list commits for %s/%s: %w", owner, repo, err)
	}
	return commits, resp, nil
}
