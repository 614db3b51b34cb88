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

// Package monitor polls the public GitHub events feed on a fixed cadence
// and dispatches each new event by kind: push events drive the dangling-
// commit path through the shared fetcher, while pull-request, issue-comment,
// and release events are scanned directly from their text metadata.
package monitor

import (
	"context"
	"strconv"
	"time"

	"github.com/google/go-github/v56/github"

	"github.com/abcxyz/pkg/logging"
	"github.com/abcxyz/secrethunter/pkg/fetcher"
	"github.com/abcxyz/secrethunter/pkg/githubclient"
	"github.com/abcxyz/secrethunter/pkg/scanner"
)

const zeroSHA = "0000000000000000000000000000000000000000"

// Finding is a scanner.Finding annotated with the repository and, when
// known, the commit it was found in.
type Finding struct {
	Repo      string
	CommitSHA string
	Finding   scanner.Finding
}

// DanglingCommit is emitted whenever a push event's before SHA resolves to
// Absent — the spec's definition of a dangling commit.
type DanglingCommit struct {
	Repo      string
	SHA       string
	EventID   string
	CreatedAt time.Time
}

// Sink receives the monitor's output. The pipeline coordinator implements
// this to route findings into the store and, asynchronously, into
// validation and triage.
type Sink interface {
	HandleFindings(ctx context.Context, findings []Finding) error
	HandleDanglingCommit(ctx context.Context, dc DanglingCommit) error
	HandleFetchedCommit(ctx context.Context, repo string, commit *fetcher.Commit, eventID string) error
}

// Monitor implements the Live Event Monitor (C6).
type Monitor struct {
	client  *githubclient.Client
	fetcher *fetcher.Fetcher
	scanner *scanner.Scanner
	sink    Sink

	pollInterval time.Duration
	maxBackoff   time.Duration

	lastEventID int64 // 0 means "no floor yet"; every event of the first poll is dispatched
}

// New constructs a Monitor. pollInterval is the steady-state cadence;
// polling errors back off exponentially up to maxBackoff.
func New(client *githubclient.Client, f *fetcher.Fetcher, sc *scanner.Scanner, sink Sink, pollInterval, maxBackoff time.Duration) *Monitor {
	return &Monitor{
		client:       client,
		fetcher:      f,
		scanner:      sc,
		sink:         sink,
		pollInterval: pollInterval,
		maxBackoff:   maxBackoff,
	}
}

// LastEventID reports the highest event id seen so far (0 if none yet).
// Exposed so a caller can persist it across restarts; persistence itself
// is optional per spec §4.6.
func (m *Monitor) LastEventID() int64 { return m.lastEventID }

// SeedLastEventID sets the floor below which events are ignored, e.g. from
// a value persisted by a prior run.
func (m *Monitor) SeedLastEventID(id int64) { m.lastEventID = id }

// Run polls until ctx is canceled. Polling errors apply capped exponential
// backoff; Run never returns an error for a transient poll failure, only
// when ctx itself ends.
func (m *Monitor) Run(ctx context.Context) error {
	logger := logging.FromContext(ctx)
	backoff := m.pollInterval

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if err := m.pollOnce(ctx); err != nil {
			logger.ErrorContext(ctx, "monitor: poll failed, backing off", "error", err, "backoff", backoff)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > m.maxBackoff {
				backoff = m.maxBackoff
			}
			continue
		}

		backoff = m.pollInterval
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(m.pollInterval):
		}
	}
}

func (m *Monitor) pollOnce(ctx context.Context) error {
	events, _, err := m.client.ListEvents(ctx)
	if err != nil {
		return err
	}

	// events are returned newest-first; walk oldest-first so within-poll
	// dispatch order matches creation order.
	fresh := make([]*github.Event, 0, len(events))
	highWater := m.lastEventID
	for _, e := range events {
		id, err := strconv.ParseInt(e.GetID(), 10, 64)
		if err != nil {
			continue
		}
		if id > m.lastEventID {
			fresh = append(fresh, e)
		}
		if id > highWater {
			highWater = id
		}
	}
	for i, j := 0, len(fresh)-1; i < j; i, j = i+1, j-1 {
		fresh[i], fresh[j] = fresh[j], fresh[i]
	}

	for _, e := range fresh {
		if err := m.dispatch(ctx, e); err != nil {
			logging.FromContext(ctx).ErrorContext(ctx, "monitor: dispatch failed", "event_id", e.GetID(), "error", err)
		}
	}

	m.lastEventID = highWater
	return nil
}

func (m *Monitor) dispatch(ctx context.Context, e *github.Event) error {
	payload, err := e.ParsePayload()
	if err != nil {
		return nil //nolint:nilerr // an unparseable payload is skipped, not fatal to the poll
	}

	repo := e.GetRepo().GetName()

	switch p := payload.(type) {
	case *github.PushEvent:
		return m.handlePush(ctx, e, repo, p)
	case *github.PullRequestEvent:
		text := p.GetPullRequest().GetTitle() + "\n" + p.GetPullRequest().GetBody()
		return m.scanAndReport(ctx, repo, "", text)
	case *github.IssueCommentEvent:
		return m.scanAndReport(ctx, repo, "", p.GetComment().GetBody())
	case *github.ReleaseEvent:
		text := p.GetRelease().GetName() + "\n" + p.GetRelease().GetBody()
		return m.scanAndReport(ctx, repo, "", text)
	default:
		return nil
	}
}

func (m *Monitor) handlePush(ctx context.Context, e *github.Event, repo string, p *github.PushEvent) error {
	before := p.GetBefore()
	if before == "" || before == zeroSHA {
		return nil
	}

	owner, name, ok := splitRepo(repo)
	if !ok {
		return nil
	}

	result, err := m.fetcher.FetchCommit(ctx, owner, name, before)
	if err != nil {
		return err
	}

	if result.Absent {
		return m.sink.HandleDanglingCommit(ctx, DanglingCommit{
			Repo: repo, SHA: before, EventID: e.GetID(), CreatedAt: e.GetCreatedAt().Time,
		})
	}

	if err := m.sink.HandleFetchedCommit(ctx, repo, result.Commit, e.GetID()); err != nil {
		return err
	}

	var findings []Finding
	for _, f := range m.scanner.Scan(result.Commit.Message, "") {
		findings = append(findings, Finding{Repo: repo, CommitSHA: result.Commit.SHA, Finding: f})
	}
	for _, cf := range result.Commit.Files {
		for _, f := range m.scanner.ScanPatch(cf.Patch, cf.Filename) {
			findings = append(findings, Finding{Repo: repo, CommitSHA: result.Commit.SHA, Finding: f})
		}
	}
	if len(findings) == 0 {
		return nil
	}
	return m.sink.HandleFindings(ctx, findings)
}

func (m *Monitor) scanAndReport(ctx context.Context, repo, commitSHA, text string) error {
	if text == "" {
		return nil
	}
	raw := m.scanner.Scan(text, "")
	if len(raw) == 0 {
		return nil
	}
	findings := make([]Finding, 0, len(raw))
	for _, f := range raw {
		findings = append(findings, Finding{Repo: repo, CommitSHA: commitSHA, Finding: f})
	}
	return m.sink.HandleFindings(ctx, findings)
}

func splitRepo(full string) (owner, name string, ok bool) {
	for i := 0; i < len(full); i++ {
		if full[i] == '/' {
			return full[:i], full[i+1:], true
		}
	}
	return "", "", false
}
