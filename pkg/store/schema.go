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

package store

// schema creates every table and index the store needs. It is safe to run
// against an existing database: every statement is IF NOT EXISTS. No
// statement here ever drops or truncates a table.
const schema = `
CREATE TABLE IF NOT EXISTS repositories (
	name        TEXT PRIMARY KEY,
	is_public   INTEGER NOT NULL DEFAULT 1,
	first_seen  TEXT NOT NULL,
	last_seen   TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS events (
	event_id     TEXT PRIMARY KEY,
	type         TEXT NOT NULL,
	created_at   TEXT NOT NULL,
	actor        TEXT,
	repo         TEXT,
	org          TEXT,
	payload      TEXT,
	public       INTEGER NOT NULL DEFAULT 1,
	source_file  TEXT,
	processed_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_repo_created ON events(repo, created_at);
CREATE INDEX IF NOT EXISTS idx_events_type_created ON events(type, created_at);

CREATE TABLE IF NOT EXISTS zero_commit_events (
	repo       TEXT NOT NULL,
	before_sha TEXT NOT NULL,
	after_sha  TEXT NOT NULL,
	ref        TEXT,
	created_at TEXT NOT NULL,
	actor      TEXT,
	PRIMARY KEY (repo, before_sha, after_sha)
);

CREATE TABLE IF NOT EXISTS commits (
	sha          TEXT NOT NULL,
	repo         TEXT NOT NULL,
	event_id     TEXT,
	author       TEXT,
	committer    TEXT,
	message      TEXT,
	tree_sha     TEXT,
	parents      TEXT,
	is_dangling  INTEGER NOT NULL DEFAULT 0,
	fetched_at   TEXT NOT NULL,
	created_at   TEXT NOT NULL,
	PRIMARY KEY (repo, sha)
);
CREATE INDEX IF NOT EXISTS idx_commits_repo_created ON commits(repo, created_at);
CREATE INDEX IF NOT EXISTS idx_commits_dangling_created ON commits(is_dangling, created_at);

CREATE TABLE IF NOT EXISTS commit_files (
	repo      TEXT NOT NULL,
	sha       TEXT NOT NULL,
	filename  TEXT NOT NULL,
	status    TEXT,
	additions INTEGER,
	deletions INTEGER,
	changes   INTEGER,
	patch     TEXT
);
CREATE INDEX IF NOT EXISTS idx_commit_files_repo_sha ON commit_files(repo, sha);

CREATE TABLE IF NOT EXISTS findings (
	hash          TEXT PRIMARY KEY,
	detector_name TEXT NOT NULL,
	matched_text  TEXT NOT NULL,
	start_offset  INTEGER,
	end_offset    INTEGER,
	line_number   INTEGER,
	filename      TEXT,
	repo          TEXT,
	commit_sha    TEXT,
	entropy       REAL,
	severity      TEXT NOT NULL,
	category      TEXT NOT NULL,
	context       TEXT,
	verified      INTEGER NOT NULL DEFAULT 0,
	created_at    TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_findings_detector_severity ON findings(detector_name, severity);

CREATE TABLE IF NOT EXISTS validations (
	hash             TEXT PRIMARY KEY REFERENCES findings(hash),
	is_valid         INTEGER NOT NULL DEFAULT 0,
	is_unknown       INTEGER NOT NULL DEFAULT 0,
	method           TEXT,
	response_time_ms INTEGER,
	additional_info  TEXT,
	error            TEXT,
	validated_at     TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS triage (
	hash         TEXT PRIMARY KEY REFERENCES findings(hash),
	impact       REAL NOT NULL,
	bounty       REAL NOT NULL,
	priority     TEXT NOT NULL,
	risk_factors TEXT,
	analysis     TEXT,
	confidence   REAL NOT NULL,
	evaluated_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_triage_impact ON triage(impact DESC);

CREATE TABLE IF NOT EXISTS processed_files (
	filename     TEXT PRIMARY KEY,
	etag         TEXT,
	size         INTEGER,
	event_count  INTEGER,
	processed_at TEXT NOT NULL
);
`
