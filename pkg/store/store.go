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

// Package store is the single relational store backing the pipeline:
// events, commits, findings, validations, triage, and the processed-file
// idempotency ledger. Startup is idempotent — schema is created if missing,
// no data is ever destroyed.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/abcxyz/pkg/logging"
	"github.com/abcxyz/secrethunter/pkg/scanner"
	"github.com/abcxyz/secrethunter/pkg/triage"
	"github.com/abcxyz/secrethunter/pkg/validator"
)

// Store wraps a *sql.DB with the pipeline's table contract.
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) a SQLite database at path and applies
// the schema. Pass ":memory:" for an ephemeral store, used by tests.
func Open(ctx context.Context, path string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("store: mkdir for %s: %w", path, err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}

	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	pragmas := []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 10000",
		"PRAGMA synchronous = NORMAL",
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			db.Close()
			return nil, fmt.Errorf("store: %s: %w", p, err)
		}
	}

	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: apply schema: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}

	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("store: close: %w", err)
	}
	return nil
}

// Event is one GitHub event as persisted by the store.
type Event struct {
	ID          string
	Type        string
	CreatedAt   time.Time
	Actor       string
	Repo        string
	Org         string
	Payload     json.RawMessage
	Public      bool
	SourceFile  string
	CommitsJSON json.RawMessage // the payload's "commits" array, if present; used to derive ZeroCommitEvents
	Before      string          // payload.before, for PushEvents
	After       string          // payload.after, for PushEvents
	Ref         string          // payload.ref, for PushEvents
}

const zeroSHA = "0000000000000000000000000000000000000000"

// IntegrityIssues decomposes insert_events_batch skip reasons the way the
// reference database.rs tracks them.
type IntegrityIssues struct {
	MissingID            int
	MissingType          int
	UnparseableCreatedAt int
}

// InsertEventsBatch inserts events transactionally. Invalid events (missing
// id, missing type, unparseable created_at) are skipped with a warning and
// counted; they do not
// abort the batch. Duplicate event_id upserts payload and processed_at.
// Zero-commit push events (commits empty, before != zero SHA) are also
// written to zero_commit_events within the same transaction.
func (s *Store) InsertEventsBatch(ctx context.Context, events []Event, sourceFile string) (inserted int, issues IntegrityIssues, err error) {
	logger := logging.FromContext(ctx)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, issues, fmt.Errorf("store: begin events tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO events (event_id, type, created_at, actor, repo, org, payload, public, source_file, processed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(event_id) DO UPDATE SET
			payload = excluded.payload,
			processed_at = excluded.processed_at
	`)
	if err != nil {
		return 0, issues, fmt.Errorf("store: prepare event insert: %w", err)
	}
	defer stmt.Close()

	zcStmt, err := tx.PrepareContext(ctx, `
		INSERT INTO zero_commit_events (repo, before_sha, after_sha, ref, created_at, actor)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING
	`)
	if err != nil {
		return 0, issues, fmt.Errorf("store: prepare zero-commit insert: %w", err)
	}
	defer zcStmt.Close()

	now := time.Now().UTC().Format(time.RFC3339Nano)

	for _, e := range events {
		if e.ID == "" {
			issues.MissingID++
			logger.WarnContext(ctx, "store: skipping event with missing id", "source_file", sourceFile)
			continue
		}
		if e.Type == "" {
			issues.MissingType++
			logger.WarnContext(ctx, "store: skipping event with missing type", "event_id", e.ID)
			continue
		}
		if e.CreatedAt.IsZero() {
			issues.UnparseableCreatedAt++
			logger.WarnContext(ctx, "store: skipping event with unparseable created_at", "event_id", e.ID)
			continue
		}

		if _, err := stmt.ExecContext(ctx, e.ID, e.Type, e.CreatedAt.UTC().Format(time.RFC3339Nano),
			e.Actor, e.Repo, nullableString(e.Org), string(e.Payload), boolToInt(e.Public), sourceFile, now); err != nil {
			return inserted, issues, fmt.Errorf("store: insert event %s: %w", e.ID, err)
		}
		inserted++

		if e.Type == "PushEvent" && isZeroCommitPush(e) {
			if _, err := zcStmt.ExecContext(ctx, e.Repo, e.Before, e.After, e.Ref, e.CreatedAt.UTC().Format(time.RFC3339Nano), e.Actor); err != nil {
				return inserted, issues, fmt.Errorf("store: insert zero-commit event for %s: %w", e.ID, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return inserted, issues, fmt.Errorf("store: commit events tx: %w", err)
	}
	return inserted, issues, nil
}

// isZeroCommitPush reports whether e is a PushEvent with an empty commits
// array and a non-zero before SHA (spec §3 ZeroCommitEvent invariant).
func isZeroCommitPush(e Event) bool {
	if e.Before == "" || e.Before == zeroSHA {
		return false
	}
	var commits []json.RawMessage
	if len(e.CommitsJSON) == 0 {
		return false
	}
	if err := json.Unmarshal(e.CommitsJSON, &commits); err != nil {
		return false
	}
	return len(commits) == 0
}

// IsFileProcessed returns true only if both etag and size (when each is
// supplied, non-empty/non-zero) match the recorded values.
func (s *Store) IsFileProcessed(ctx context.Context, filename string, etag string, size int64) (bool, error) {
	var gotEtag sql.NullString
	var gotSize sql.NullInt64

	row := s.db.QueryRowContext(ctx, `SELECT etag, size FROM processed_files WHERE filename = ?`, filename)
	if err := row.Scan(&gotEtag, &gotSize); err != nil {
		if err == sql.ErrNoRows {
			return false, nil
		}
		return false, fmt.Errorf("store: is_file_processed %s: %w", filename, err)
	}

	if etag != "" && gotEtag.String != etag {
		return false, nil
	}
	if size != 0 && gotSize.Int64 != size {
		return false, nil
	}
	return true, nil
}

// MarkFileProcessed upserts a ProcessedFileRecord.
func (s *Store) MarkFileProcessed(ctx context.Context, filename, etag string, size int64, eventCount int) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO processed_files (filename, etag, size, event_count, processed_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(filename) DO UPDATE SET
			etag = excluded.etag, size = excluded.size,
			event_count = excluded.event_count, processed_at = excluded.processed_at
	`, filename, etag, size, eventCount, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("store: mark_file_processed %s: %w", filename, err)
	}
	return nil
}

// InsertFindingsBatch upserts findings on hash; at most one row per hash.
func (s *Store) InsertFindingsBatch(ctx context.Context, findings []scanner.Finding, repo, commitSHA string) error {
	if len(findings) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin findings tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO findings (hash, detector_name, matched_text, start_offset, end_offset, line_number,
			filename, repo, commit_sha, entropy, severity, category, context, verified, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(hash) DO UPDATE SET verified = excluded.verified
	`)
	if err != nil {
		return fmt.Errorf("store: prepare finding insert: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UTC().Format(time.RFC3339Nano)
	for _, f := range findings {
		if _, err := stmt.ExecContext(ctx, f.Hash, f.DetectorName, f.MatchedText, f.Start, f.End, f.LineNumber,
			f.Filename, repo, commitSHA, f.Entropy, f.Severity.String(), f.Category.String(), f.Context, boolToInt(f.Verified), now); err != nil {
			return fmt.Errorf("store: insert finding %s: %w", f.Hash, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit findings tx: %w", err)
	}
	return nil
}

// InsertValidation writes a 1:1 ValidationRecord for a finding.
func (s *Store) InsertValidation(ctx context.Context, rec validator.Record) error {
	info, err := json.Marshal(rec.AdditionalInfo)
	if err != nil {
		return fmt.Errorf("store: marshal validation info for %s: %w", rec.SecretHash, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO validations (hash, is_valid, is_unknown, method, response_time_ms, additional_info, error, validated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(hash) DO UPDATE SET
			is_valid = excluded.is_valid, is_unknown = excluded.is_unknown, method = excluded.method,
			response_time_ms = excluded.response_time_ms, additional_info = excluded.additional_info,
			error = excluded.error, validated_at = excluded.validated_at
	`, rec.SecretHash, boolToInt(rec.IsValid), boolToInt(rec.Unknown), rec.Method, rec.ResponseTimeMs,
		string(info), rec.Error, rec.ValidatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("store: insert validation %s: %w", rec.SecretHash, err)
	}
	return nil
}

// InsertTriage writes a 1:1 TriageRecord for a finding.
func (s *Store) InsertTriage(ctx context.Context, hash string, rec triage.Record) error {
	factors, err := json.Marshal(rec.RiskFactors)
	if err != nil {
		return fmt.Errorf("store: marshal risk factors for %s: %w", hash, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO triage (hash, impact, bounty, priority, risk_factors, analysis, confidence, evaluated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(hash) DO UPDATE SET
			impact = excluded.impact, bounty = excluded.bounty, priority = excluded.priority,
			risk_factors = excluded.risk_factors, analysis = excluded.analysis,
			confidence = excluded.confidence, evaluated_at = excluded.evaluated_at
	`, hash, rec.Impact, rec.Bounty, rec.Priority.String(), string(factors), rec.Analysis, rec.Confidence,
		time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("store: insert triage %s: %w", hash, err)
	}
	return nil
}

// UpsertRepository records the first/last-seen timestamps for a repository.
func (s *Store) UpsertRepository(ctx context.Context, name string, isPublic bool) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO repositories (name, is_public, first_seen, last_seen)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET last_seen = excluded.last_seen, is_public = excluded.is_public
	`, name, boolToInt(isPublic), now, now)
	if err != nil {
		return fmt.Errorf("store: upsert repository %s: %w", name, err)
	}
	return nil
}

// FindingFilter narrows query_findings.
type FindingFilter struct {
	MinSeverity  *scanner.Severity
	DetectorName string
	VerifiedOnly bool
	LastNDays    int
	Limit        int
}

// StoredFinding is one row returned by QueryFindings.
type StoredFinding struct {
	Hash         string
	DetectorName string
	MatchedText  string
	Filename     string
	Repo         string
	CommitSHA    string
	Entropy      float64
	Severity     string
	Category     string
	Verified     bool
	CreatedAt    time.Time
}

// QueryFindings supports the filters in spec §4.2, ordered by created_at DESC.
func (s *Store) QueryFindings(ctx context.Context, filter FindingFilter) ([]StoredFinding, error) {
	var (
		where []string
		args  []any
	)

	if filter.MinSeverity != nil {
		// severities rank Low < Medium < High < Critical; compare by the
		// ordinal encoded in scanner.Severity rather than string collation.
		var atLeast []string
		for sev := *filter.MinSeverity; sev <= scanner.SeverityCritical; sev++ {
			atLeast = append(atLeast, "?")
			args = append(args, sev.String())
		}
		if len(atLeast) > 0 {
			where = append(where, fmt.Sprintf("severity IN (%s)", strings.Join(atLeast, ",")))
		}
	}
	if filter.DetectorName != "" {
		where = append(where, "detector_name = ?")
		args = append(args, filter.DetectorName)
	}
	if filter.VerifiedOnly {
		where = append(where, "verified = 1")
	}
	if filter.LastNDays > 0 {
		cutoff := time.Now().UTC().AddDate(0, 0, -filter.LastNDays).Format(time.RFC3339Nano)
		where = append(where, "created_at >= ?")
		args = append(args, cutoff)
	}

	query := "SELECT hash, detector_name, matched_text, filename, repo, commit_sha, entropy, severity, category, verified, created_at FROM findings"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: query_findings: %w", err)
	}
	defer rows.Close()

	var out []StoredFinding
	for rows.Next() {
		var f StoredFinding
		var createdAt string
		var verified int
		var filename, repo, commitSHA sql.NullString
		if err := rows.Scan(&f.Hash, &f.DetectorName, &f.MatchedText, &filename, &repo, &commitSHA,
			&f.Entropy, &f.Severity, &f.Category, &verified, &createdAt); err != nil {
			return nil, fmt.Errorf("store: scan finding row: %w", err)
		}
		f.Filename, f.Repo, f.CommitSHA = filename.String, repo.String, commitSHA.String
		f.Verified = verified == 1
		if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
			f.CreatedAt = t
		}
		out = append(out, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate finding rows: %w", err)
	}
	return out, nil
}

// Health reports connection-pool and query activity. active_queries is an
// approximation: SQLite has no server-side session table, so it reflects
// the driver's in-use connection count.
type Health struct {
	Connected         bool
	ActiveConnections int
	ActiveQueries     int
	CacheHitRatio     float64
}

func (s *Store) Health(ctx context.Context) (Health, error) {
	if err := s.db.PingContext(ctx); err != nil {
		return Health{Connected: false}, nil //nolint:nilerr // connectivity failure is reported via the struct, not an error
	}

	stats := s.db.Stats()

	// SQLite has no server-side query cache to report on; approximate a
	// hit ratio from the pooled connection count n (in use plus idle) as
	// n/(n+1), or 1.0 when no connection is open.
	reused := stats.InUse + stats.Idle
	ratio := 1.0
	if stats.OpenConnections > 0 {
		ratio = float64(reused) / float64(reused+1)
	}

	return Health{
		Connected:         true,
		ActiveConnections: stats.OpenConnections,
		ActiveQueries:     stats.InUse,
		CacheHitRatio:     ratio,
	}, nil
}

// QualityMetrics summarises table totals, integrity issues, processing
// stats, recent activity, and a derived quality score.
type QualityMetrics struct {
	TotalEvents     int
	TotalCommits    int
	TotalFindings   int
	IntegrityIssues IntegrityIssues
	FilesProcessed  int
	EventsLast24h   int
	FindingsLast24h int
	QualityScore    float64
}

// QualityMetrics computes quality_score = 100*(1 - issues/total), clamped
// to [0,100], where total counts stored events plus the rejected ones
// (issues). Integrity issues accumulated by InsertEventsBatch calls are
// passed in by the caller, since the store itself does not retain rejected
// rows.
func (s *Store) QualityMetrics(ctx context.Context, cumulativeIssues IntegrityIssues) (QualityMetrics, error) {
	m := QualityMetrics{IntegrityIssues: cumulativeIssues}

	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(1) FROM events").Scan(&m.TotalEvents); err != nil {
		return m, fmt.Errorf("store: count events: %w", err)
	}
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(1) FROM commits").Scan(&m.TotalCommits); err != nil {
		return m, fmt.Errorf("store: count commits: %w", err)
	}
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(1) FROM findings").Scan(&m.TotalFindings); err != nil {
		return m, fmt.Errorf("store: count findings: %w", err)
	}
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(1) FROM processed_files").Scan(&m.FilesProcessed); err != nil {
		return m, fmt.Errorf("store: count processed_files: %w", err)
	}

	cutoff := time.Now().UTC().Add(-24 * time.Hour).Format(time.RFC3339Nano)
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(1) FROM events WHERE created_at >= ?", cutoff).Scan(&m.EventsLast24h); err != nil {
		return m, fmt.Errorf("store: count recent events: %w", err)
	}
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(1) FROM findings WHERE created_at >= ?", cutoff).Scan(&m.FindingsLast24h); err != nil {
		return m, fmt.Errorf("store: count recent findings: %w", err)
	}

	total := m.TotalEvents
	issues := cumulativeIssues.MissingID + cumulativeIssues.MissingType + cumulativeIssues.UnparseableCreatedAt
	score := 100.0
	if total+issues > 0 {
		score = 100.0 * (1.0 - float64(issues)/float64(total+issues))
	}
	m.QualityScore = clamp(score, 0, 100)

	return m, nil
}

// InsertCommit persists a fetched commit (or marks one dangling). Files are
// written to a child table, replacing any prior rows for the same sha.
func (s *Store) InsertCommit(ctx context.Context, repo, sha, eventID, author, committer, message, treeSHA string, parents []string, isDangling bool, files []CommitFile) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin commit tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	parentsJSON, err := json.Marshal(parents)
	if err != nil {
		return fmt.Errorf("store: marshal parents for %s: %w", sha, err)
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err = tx.ExecContext(ctx, `
		INSERT INTO commits (sha, repo, event_id, author, committer, message, tree_sha, parents, is_dangling, fetched_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(repo, sha) DO UPDATE SET
			is_dangling = excluded.is_dangling, fetched_at = excluded.fetched_at
	`, sha, repo, eventID, author, committer, message, treeSHA, string(parentsJSON), boolToInt(isDangling), now, now)
	if err != nil {
		return fmt.Errorf("store: insert commit %s: %w", sha, err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM commit_files WHERE repo = ? AND sha = ?`, repo, sha); err != nil {
		return fmt.Errorf("store: clear commit_files for %s: %w", sha, err)
	}
	for _, f := range files {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO commit_files (repo, sha, filename, status, additions, deletions, changes, patch)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`, repo, sha, f.Filename, f.Status, f.Additions, f.Deletions, f.Changes, f.Patch); err != nil {
			return fmt.Errorf("store: insert commit_file %s/%s: %w", sha, f.Filename, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit commit tx: %w", err)
	}
	return nil
}

// CommitFile mirrors fetcher.CommitFile without importing the fetcher
// package, keeping store's dependency graph leaf-ward.
type CommitFile struct {
	Filename  string
	Status    string
	Additions int
	Deletions int
	Changes   int
	Patch     string
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullableString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
