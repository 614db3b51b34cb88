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

// Package coordinator implements the pipeline state machine, its two
// worker pools, and the back-pressure/shutdown contract that holds the
// rest of the hunting engine together. Every other component is a
// collaborator the Coordinator wires and gates; none of them mutate their
// own throughput from raw resource numbers, they only observe the
// Coordinator's emergency gate.
package coordinator

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/abcxyz/pkg/logging"
	"github.com/abcxyz/secrethunter/pkg/alerting"
	"github.com/abcxyz/secrethunter/pkg/fetcher"
	"github.com/abcxyz/secrethunter/pkg/githubclient"
	"github.com/abcxyz/secrethunter/pkg/monitor"
	"github.com/abcxyz/secrethunter/pkg/resourcegov"
	"github.com/abcxyz/secrethunter/pkg/scanner"
	"github.com/abcxyz/secrethunter/pkg/store"
	"github.com/abcxyz/secrethunter/pkg/triage"
	"github.com/abcxyz/secrethunter/pkg/validator"
)

// Coordinator implements monitor.Sink; this assertion catches signature
// drift between the two packages at compile time.
var _ monitor.Sink = (*Coordinator)(nil)

// State is one of the pipeline's four lifecycle states.
type State int

const (
	StateStopped State = iota
	StateRunning
	StatePaused
	StateError
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "Running"
	case StatePaused:
		return "Paused"
	case StateError:
		return "Error"
	default:
		return "Stopped"
	}
}

// Status is the process-wide PipelineStatus snapshot (spec §3).
type Status struct {
	State           State
	ErrorMessage    string
	FilesProcessed  int64
	EventsProcessed int64
	Errors          int64
	StartedAt       time.Time
	LastActivity    time.Time
	CurrentFile     string
	ProcessingRate  float64 // events processed per second since StartedAt
}

// MinEmergencyPauseDuration is the floor the Coordinator holds producers
// paused for once the Resource Governor enters emergency mode, even if the
// governor clears sooner (spec §4.10's standardisation of the Open
// Question on emergency/drain interaction).
const MinEmergencyPauseDuration = 60 * time.Second

// ScanJob is one unit of scanner work.
type ScanJob struct {
	Text      string
	Filename  string
	Repo      string
	CommitSHA string
	IsPatch   bool
	IsPublic  bool
}

// Config configures pool sizes and queue depths.
type Config struct {
	MaxConcurrentDownloads int
	ScannerWorkers         int
	ScanQueueSize          int
	ShutdownDrainDeadline  time.Duration
	GovernorPollInterval   time.Duration
}

// DefaultConfig returns sane defaults: CPU-sized scanner pool, a handful of
// concurrent downloads, and a generous drain deadline.
func DefaultConfig(cpuCount int) Config {
	if cpuCount < 1 {
		cpuCount = 1
	}
	return Config{
		MaxConcurrentDownloads: 4,
		ScannerWorkers:         cpuCount,
		ScanQueueSize:          1000,
		ShutdownDrainDeadline:  30 * time.Second,
		GovernorPollInterval:   2 * time.Second,
	}
}

// Lockable is the subset of gcslock.Lockable the Coordinator depends on,
// so only one pipeline instance drives producers at a time (SPEC_FULL Part
// C, generalized from pkg/retry/retry.go's checkpoint lock).
type Lockable interface {
	Acquire(ctx context.Context, ttl time.Duration) error
	Close(ctx context.Context) error
}

// noopLock is used when no distributed lock is configured (single-process
// deployments, tests).
type noopLock struct{}

func (noopLock) Acquire(ctx context.Context, ttl time.Duration) error { return nil }
func (noopLock) Close(ctx context.Context) error                      { return nil }

// Coordinator implements the Pipeline Coordinator (C10).
type Coordinator struct {
	cfg Config

	mu     sync.Mutex
	status Status

	store     *store.Store
	scanner   *scanner.Scanner
	validator *validator.Validator
	governor  *resourcegov.Governor
	client    *githubclient.Client
	fetcher   *fetcher.Fetcher
	lock      Lockable

	scanQueue  chan ScanJob
	ingestSem  chan struct{}
	cancel     context.CancelFunc
	workersWG  sync.WaitGroup
	watchersWG sync.WaitGroup

	reportsMu sync.Mutex
	reports   map[string]*ReportStatus

	dispatcherMu sync.RWMutex
	dispatcher   *alerting.Dispatcher
}

// SetDispatcher wires the alert egress dispatcher. Safe to call before or
// after Start; nil disables alerting.
func (c *Coordinator) SetDispatcher(d *alerting.Dispatcher) {
	c.dispatcherMu.Lock()
	defer c.dispatcherMu.Unlock()
	c.dispatcher = d
}

// ReportStatus tracks an in-flight manual scan_repository request.
type ReportStatus struct {
	ID             string
	Repository     string
	CommitsScanned int
	FindingsFound  int
	Done           bool
	Error          string
}

// New constructs a Coordinator in the Stopped state.
func New(cfg Config, st *store.Store, sc *scanner.Scanner, v *validator.Validator, gov *resourcegov.Governor, client *githubclient.Client, f *fetcher.Fetcher, lock Lockable) *Coordinator {
	if lock == nil {
		lock = noopLock{}
	}
	return &Coordinator{
		cfg:       cfg,
		store:     st,
		scanner:   sc,
		validator: v,
		governor:  gov,
		client:    client,
		fetcher:   f,
		lock:      lock,
		reports:   make(map[string]*ReportStatus),
	}
}

// Status returns the current snapshot.
func (c *Coordinator) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	status := c.status
	if !status.StartedAt.IsZero() && status.State == StateRunning {
		elapsed := time.Since(status.StartedAt).Seconds()
		if elapsed > 0 {
			status.ProcessingRate = float64(status.EventsProcessed) / elapsed
		}
	}
	return status
}

// errInvalidTransition reports an illegal state-machine transition (I5):
// state is left unchanged and the caller's operation fails.
type errInvalidTransition struct {
	from, op string
}

func (e *errInvalidTransition) Error() string {
	return fmt.Sprintf("coordinator: %s is not valid from state %s", e.op, e.from)
}

// Start transitions Stopped or Paused -> Running, initialising counters and
// started_at, and launches the worker pools and the governor watcher.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.status.State != StateStopped && c.status.State != StatePaused {
		from := c.status.State.String()
		c.mu.Unlock()
		return &errInvalidTransition{from: from, op: "start"}
	}

	if err := c.lock.Acquire(ctx, 5*time.Minute); err != nil {
		c.mu.Unlock()
		return fmt.Errorf("coordinator: acquire pipeline lock: %w", err)
	}

	now := time.Now()
	c.status = Status{State: StateRunning, StartedAt: now, LastActivity: now}
	c.mu.Unlock()

	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.scanQueue = make(chan ScanJob, c.cfg.ScanQueueSize)
	c.ingestSem = make(chan struct{}, c.cfg.MaxConcurrentDownloads)

	for i := 0; i < c.cfg.ScannerWorkers; i++ {
		c.workersWG.Add(1)
		go c.scanWorker(runCtx)
	}

	if c.governor != nil {
		c.watchersWG.Add(1)
		go c.watchGovernor(runCtx)
	}

	return nil
}

// Pause is valid only from Running; it preserves counters.
func (c *Coordinator) Pause() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status.State != StateRunning {
		return &errInvalidTransition{from: c.status.State.String(), op: "pause"}
	}
	c.status.State = StatePaused
	return nil
}

// Resume is valid only from Paused.
func (c *Coordinator) Resume() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status.State != StatePaused {
		return &errInvalidTransition{from: c.status.State.String(), op: "resume"}
	}
	c.status.State = StateRunning
	return nil
}

// Restart resets counters and transitions through Stopped -> Running.
func (c *Coordinator) Restart(ctx context.Context) error {
	if err := c.Stop(ctx); err != nil {
		return err
	}
	return c.Start(ctx)
}

// PostError forces the pipeline to Error(msg), then Stopped after draining.
// Any component may call this; only fatal error kinds should (spec §7).
func (c *Coordinator) PostError(ctx context.Context, msg string) {
	c.mu.Lock()
	c.status.State = StateError
	c.status.ErrorMessage = msg
	c.status.Errors++
	c.mu.Unlock()

	logging.FromContext(ctx).ErrorContext(ctx, "coordinator: fatal error, stopping", "error", msg)
	_ = c.Stop(ctx)

	c.mu.Lock()
	c.status.State = StateStopped
	c.mu.Unlock()
}

// Stop stops accepting new work and drains queues up to
// ShutdownDrainDeadline. It does not close the store; the caller that
// opened the store closes it. Safe to call from any state; a no-op from
// Stopped.
func (c *Coordinator) Stop(ctx context.Context) error {
	c.mu.Lock()
	if c.status.State == StateStopped {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	if c.cancel != nil {
		c.cancel()
	}

	drained := make(chan struct{})
	go func() {
		c.workersWG.Wait()
		c.watchersWG.Wait()
		close(drained)
	}()

	select {
	case <-drained:
	case <-time.After(c.cfg.ShutdownDrainDeadline):
		logging.FromContext(ctx).WarnContext(ctx, "coordinator: shutdown drain deadline exceeded")
	}

	if err := c.lock.Close(ctx); err != nil {
		logging.FromContext(ctx).WarnContext(ctx, "coordinator: failed to release pipeline lock", "error", err)
	}

	c.mu.Lock()
	c.status.State = StateStopped
	c.mu.Unlock()

	return nil
}

// Submit enqueues a scan job, blocking if the scan queue is full
// (back-pressure) and blocking entirely while the pipeline is Paused.
func (c *Coordinator) Submit(ctx context.Context, job ScanJob) error {
	for {
		c.mu.Lock()
		state := c.status.State
		c.mu.Unlock()

		switch state {
		case StateStopped, StateError:
			return fmt.Errorf("coordinator: cannot submit work while %s", state)
		case StatePaused:
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(200 * time.Millisecond):
				continue
			}
		}

		select {
		case c.scanQueue <- job:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// AcquireDownloadSlot blocks until a download slot is free, bounding
// concurrent archive downloads to MaxConcurrentDownloads. While the
// pipeline is Paused it hands out no slot, so no new download starts.
func (c *Coordinator) AcquireDownloadSlot(ctx context.Context) error {
	for {
		c.mu.Lock()
		paused := c.status.State == StatePaused
		c.mu.Unlock()
		if !paused {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(200 * time.Millisecond):
		}
	}

	select {
	case c.ingestSem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ReleaseDownloadSlot returns a download slot acquired via AcquireDownloadSlot.
func (c *Coordinator) ReleaseDownloadSlot() {
	select {
	case <-c.ingestSem:
	default:
	}
}

// RecordFileProcessed bumps files_processed and last_activity, and sets
// current_file while ingestion proceeds. Called by the archive ingestion
// path around each object.
func (c *Coordinator) RecordFileProcessed(filename string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.status.FilesProcessed++
	c.status.CurrentFile = filename
	c.status.LastActivity = time.Now()
}

// RecordEventsProcessed bumps events_processed by n.
func (c *Coordinator) RecordEventsProcessed(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.status.EventsProcessed += int64(n)
	c.status.LastActivity = time.Now()
}

// RecordError increments the shared error counter (spec §7 propagation
// policy: local retry first, then surface here; only fatal kinds call
// PostError).
func (c *Coordinator) RecordError() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.status.Errors++
}

func (c *Coordinator) scanWorker(ctx context.Context) {
	defer c.workersWG.Done()
	logger := logging.FromContext(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case job, ok := <-c.scanQueue:
			if !ok {
				return
			}
			if err := c.processJob(ctx, job); err != nil {
				logger.ErrorContext(ctx, "coordinator: scan job failed", "repo", job.Repo, "error", err)
				c.RecordError()
			}
		}
	}
}

func (c *Coordinator) processJob(ctx context.Context, job ScanJob) error {
	var findings []scanner.Finding
	if job.IsPatch {
		findings = c.scanner.ScanPatch(job.Text, job.Filename)
	} else {
		findings = c.scanner.Scan(job.Text, job.Filename)
	}
	if len(findings) == 0 {
		return nil
	}

	if err := c.store.InsertFindingsBatch(ctx, findings, job.Repo, job.CommitSHA); err != nil {
		return fmt.Errorf("persist findings: %w", err)
	}

	for _, f := range findings {
		c.validateAndTriage(ctx, f, job)
	}
	return nil
}

// HandleFindings implements monitor.Sink: it persists findings surfaced by
// the live event monitor and fans each out to validation and triage.
func (c *Coordinator) HandleFindings(ctx context.Context, findings []monitor.Finding) error {
	for _, mf := range findings {
		if err := c.store.InsertFindingsBatch(ctx, []scanner.Finding{mf.Finding}, mf.Repo, mf.CommitSHA); err != nil {
			return fmt.Errorf("coordinator: persist monitor finding: %w", err)
		}
		c.validateAndTriage(ctx, mf.Finding, ScanJob{Repo: mf.Repo, CommitSHA: mf.CommitSHA, IsPublic: true})
	}
	c.RecordEventsProcessed(len(findings))
	return nil
}

// HandleDanglingCommit implements monitor.Sink: a dangling commit has no
// content to scan by itself, it is recorded for the dashboard and for
// downstream correlation with a later archive-derived zero-commit event.
func (c *Coordinator) HandleDanglingCommit(ctx context.Context, dc monitor.DanglingCommit) error {
	if err := c.store.InsertCommit(ctx, dc.Repo, dc.SHA, dc.EventID, "", "", "", "", nil, true, nil); err != nil {
		return fmt.Errorf("coordinator: persist dangling commit: %w", err)
	}
	c.RecordEventsProcessed(1)
	return nil
}

// HandleFetchedCommit implements monitor.Sink: a non-dangling push's
// before-commit was resolved, so it is recorded as ordinary commit history.
func (c *Coordinator) HandleFetchedCommit(ctx context.Context, repo string, commit *fetcher.Commit, eventID string) error {
	if commit == nil {
		return nil
	}
	files := make([]store.CommitFile, 0, len(commit.Files))
	for _, f := range commit.Files {
		files = append(files, store.CommitFile{
			Filename:  f.Filename,
			Status:    f.Status,
			Additions: f.Additions,
			Deletions: f.Deletions,
			Changes:   f.Changes,
			Patch:     f.Patch,
		})
	}
	if err := c.store.InsertCommit(ctx, repo, commit.SHA, eventID, commit.Author, commit.Committer, commit.Message, commit.TreeSHA, commit.Parents, false, files); err != nil {
		return fmt.Errorf("coordinator: persist fetched commit: %w", err)
	}
	return nil
}

// validateAndTriage runs C8 and C9 asynchronously for one finding, never
// blocking the scan worker that produced it.
func (c *Coordinator) validateAndTriage(ctx context.Context, f scanner.Finding, job ScanJob) {
	c.workersWG.Add(1)
	go func() {
		defer c.workersWG.Done()

		var valRec validator.Record
		hasProbe := false
		if c.validator != nil {
			valRec = c.validator.Validate(ctx, f.ValidatorID, f.Hash, f.MatchedText)
			hasProbe = true
			if err := c.store.InsertValidation(ctx, valRec); err != nil {
				logging.FromContext(ctx).ErrorContext(ctx, "coordinator: persist validation failed", "hash", f.Hash, "error", err)
			}
		}

		triageCtx := triage.Context{
			Filename:           f.Filename,
			ContextText:        f.Context,
			IsPublicRepo:       job.IsPublic,
			HasValidation:      valRec.IsValid && !valRec.Unknown,
			HasValidationProbe: hasProbe,
			RepositoryName:     job.Repo,
		}
		record := triage.Evaluate(f, triageCtx)
		if err := c.store.InsertTriage(ctx, f.Hash, record); err != nil {
			logging.FromContext(ctx).ErrorContext(ctx, "coordinator: persist triage failed", "hash", f.Hash, "error", err)
		}

		c.dispatcherMu.RLock()
		d := c.dispatcher
		c.dispatcherMu.RUnlock()
		if d == nil {
			return
		}
		sf := store.StoredFinding{
			Hash:         f.Hash,
			DetectorName: f.DetectorName,
			MatchedText:  f.MatchedText,
			Filename:     f.Filename,
			Repo:         job.Repo,
			CommitSHA:    job.CommitSHA,
			Entropy:      f.Entropy,
			Severity:     f.Severity.String(),
			Category:     f.Category.String(),
			Verified:     valRec.IsValid && !valRec.Unknown,
		}
		if err := d.Notify(ctx, sf, record); err != nil {
			logging.FromContext(ctx).ErrorContext(ctx, "coordinator: alert dispatch failed", "hash", f.Hash, "error", err)
		}
	}()
}

// watchGovernor pauses producers for at least MinEmergencyPauseDuration
// whenever the Resource Governor enters emergency mode, resuming only
// after both the floor has elapsed and the governor has cleared.
func (c *Coordinator) watchGovernor(ctx context.Context) {
	defer c.watchersWG.Done()
	logger := logging.FromContext(ctx)

	ticker := time.NewTicker(c.cfg.GovernorPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !c.governor.Emergency() {
				continue
			}

			c.mu.Lock()
			running := c.status.State == StateRunning
			c.mu.Unlock()
			if !running {
				continue
			}

			logger.WarnContext(ctx, "coordinator: resource governor emergency, pausing producers")
			if err := c.Pause(); err != nil {
				continue
			}

			pausedAt := time.Now()
			for {
				select {
				case <-ctx.Done():
					return
				case <-time.After(time.Second):
				}
				if time.Since(pausedAt) >= MinEmergencyPauseDuration && !c.governor.Emergency() {
					break
				}
			}

			logger.InfoContext(ctx, "coordinator: resource pressure cleared, resuming producers")
			_ = c.Resume()
		}
	}
}

// ScanRepository submits a manual scan request for name ("owner/repo") and
// returns a report id immediately; the scan itself runs asynchronously.
func (c *Coordinator) ScanRepository(ctx context.Context, name string) (string, error) {
	c.mu.Lock()
	running := c.status.State == StateRunning
	c.mu.Unlock()
	if !running {
		return "", fmt.Errorf("coordinator: cannot scan_repository while %s", c.Status().State)
	}

	owner, repo, ok := splitRepo(name)
	if !ok {
		return "", fmt.Errorf("coordinator: invalid repository name %q, want owner/repo", name)
	}

	id := uuid.NewString()
	rs := &ReportStatus{ID: id, Repository: name}
	c.reportsMu.Lock()
	c.reports[id] = rs
	c.reportsMu.Unlock()

	c.workersWG.Add(1)
	go func() {
		defer c.workersWG.Done()
		c.runManualScan(ctx, owner, repo, rs)
	}()

	return id, nil
}

// Report returns the current status of a previously submitted manual scan.
func (c *Coordinator) Report(id string) (ReportStatus, bool) {
	c.reportsMu.Lock()
	defer c.reportsMu.Unlock()
	rs, ok := c.reports[id]
	if !ok {
		return ReportStatus{}, false
	}
	return *rs, true
}

func (c *Coordinator) runManualScan(ctx context.Context, owner, repo string, rs *ReportStatus) {
	logger := logging.FromContext(ctx)

	commits, _, err := c.client.ListCommits(ctx, owner, repo, 30)
	if err != nil {
		c.reportsMu.Lock()
		rs.Error = err.Error()
		rs.Done = true
		c.reportsMu.Unlock()
		logger.ErrorContext(ctx, "coordinator: manual scan failed to list commits", "repo", rs.Repository, "error", err)
		return
	}

	for _, rc := range commits {
		sha := rc.GetSHA()
		result, err := c.fetcher.FetchCommit(ctx, owner, repo, sha)
		if err != nil || result.Commit == nil {
			continue
		}

		job := ScanJob{Text: result.Commit.Message, Repo: rs.Repository, CommitSHA: sha, IsPublic: true}
		if err := c.Submit(ctx, job); err == nil {
			c.reportsMu.Lock()
			rs.CommitsScanned++
			c.reportsMu.Unlock()
		}

		for _, f := range result.Commit.Files {
			patchJob := ScanJob{Text: f.Patch, Filename: f.Filename, Repo: rs.Repository, CommitSHA: sha, IsPatch: true, IsPublic: true}
			_ = c.Submit(ctx, patchJob)
		}
	}

	c.reportsMu.Lock()
	rs.Done = true
	c.reportsMu.Unlock()
}

func splitRepo(full string) (owner, repo string, ok bool) {
	idx := strings.IndexByte(full, '/')
	if idx < 0 || idx == 0 || idx == len(full)-1 {
		return "", "", false
	}
	return full[:idx], full[idx+1:], true
}

// QueryFindings delegates to the store.
func (c *Coordinator) QueryFindings(ctx context.Context, filter store.FindingFilter) ([]store.StoredFinding, error) {
	return c.store.QueryFindings(ctx, filter)
}

// Dashboard aggregates counters, health, and recent findings for the
// control surface's dashboard operation.
type Dashboard struct {
	Status        Status
	Health        store.Health
	Quality       store.QualityMetrics
	RecentFinding []store.StoredFinding
}

// Dashboard collects the dashboard view. Quality is computed with no
// integrity issues passed in: events rejected during ingestion are not
// accumulated anywhere, so its quality score reflects stored events only.
func (c *Coordinator) Dashboard(ctx context.Context) (Dashboard, error) {
	health, err := c.store.Health(ctx)
	if err != nil {
		return Dashboard{}, fmt.Errorf("coordinator: dashboard health: %w", err)
	}
	quality, err := c.store.QualityMetrics(ctx, store.IntegrityIssues{})
	if err != nil {
		return Dashboard{}, fmt.Errorf("coordinator: dashboard quality: %w", err)
	}
	recent, err := c.store.QueryFindings(ctx, store.FindingFilter{Limit: 20})
	if err != nil {
		return Dashboard{}, fmt.Errorf("coordinator: dashboard recent findings: %w", err)
	}
	return Dashboard{Status: c.Status(), Health: health, Quality: quality, RecentFinding: recent}, nil
}
