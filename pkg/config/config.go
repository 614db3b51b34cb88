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

// Package config loads the hunter process's environment-variable config,
// resolving any *_SECRET reference through Secret Manager the same way the
// reference pipeline's job configs do.
package config

import (
	"context"
	"fmt"
	"time"

	"github.com/sethvargo/go-envconfig"

	"github.com/abcxyz/secrethunter/pkg/secrets"
)

// Config is the complete set of environment variables the hunter process
// reads at startup.
type Config struct {
	// GitHub access.
	GitHubToken       string `env:"GITHUB_TOKEN"`
	GitHubTokenSecret string `env:"GITHUB_TOKEN_SECRET"`
	UserAgent         string `env:"USER_AGENT,default=secrethunter/1.0"`

	// Live monitor.
	PollInterval time.Duration `env:"POLL_INTERVAL,default=2s"`
	MaxBackoff   time.Duration `env:"MAX_BACKOFF,default=5m"`

	// Archive ingestion.
	ArchiveListingURL   string `env:"ARCHIVE_LISTING_URL,default=https://data.gharchive.org/"`
	ArchiveDownloadDir  string `env:"ARCHIVE_DOWNLOAD_DIR,default=/tmp/secrethunter/archive"`
	ArchiveBatchSize    int    `env:"ARCHIVE_BATCH_SIZE,default=500"`
	ArchiveObjectBucket string `env:"ARCHIVE_OBJECT_BUCKET"`

	// BigQuery warehouse mirror.
	BigQueryProjectID string `env:"BIGQUERY_PROJECT_ID"`

	// Persistent store.
	StorePath string `env:"STORE_PATH,default=/var/lib/secrethunter/hunter.db"`

	// Pipeline coordinator.
	MaxConcurrentDownloads int           `env:"MAX_CONCURRENT_DOWNLOADS,default=4"`
	ScannerWorkers         int           `env:"SCANNER_WORKERS,default=0"`
	ScanQueueSize          int           `env:"SCAN_QUEUE_SIZE,default=1000"`
	ShutdownDrainDeadline  time.Duration `env:"SHUTDOWN_DRAIN_DEADLINE,default=30s"`

	// Distributed lock (leave LockBucket empty to run single-process/local).
	LockBucket string `env:"LOCK_BUCKET"`
	LockName   string `env:"LOCK_NAME,default=secrethunter-pipeline"`

	// Resource governor.
	MemoryLimitBytes uint64  `env:"MEMORY_LIMIT_BYTES,default=2147483648"`
	DiskLimitBytes   uint64  `env:"DISK_LIMIT_BYTES,default=10737418240"`
	DiskSamplePath   string  `env:"DISK_SAMPLE_PATH,default=/tmp"`
	CPULimitPercent  float64 `env:"CPU_LIMIT_PERCENT,default=90"`

	// Alert egress (optional; either or both may be configured).
	WebhookURL          string `env:"WEBHOOK_URL"`
	WebhookSecret       string `env:"WEBHOOK_SECRET"`
	WebhookSecretSecret string `env:"WEBHOOK_SECRET_SECRET"`
	AlertPubSubProject  string `env:"ALERT_PUBSUB_PROJECT"`
	AlertPubSubTopic    string `env:"ALERT_PUBSUB_TOPIC"`
	AlertMinPriority    string `env:"ALERT_MIN_PRIORITY,default=High"`

	// Opt-in partial-SHA resolver (spec §9 open question: off by default,
	// since each lookup spends extra API calls from the caller's rate limit
	// budget for a narrow benefit).
	EnablePartialSHAResolver bool `env:"ENABLE_PARTIAL_SHA_RESOLVER,default=false"`
}

// Load parses environment variables into a Config and resolves any
// *_SECRET references through Secret Manager.
func Load(ctx context.Context) (*Config, error) {
	var cfg Config
	if err := envconfig.ProcessWith(ctx, &cfg, envconfig.OsLookuper()); err != nil {
		return nil, fmt.Errorf("config: parse environment: %w", err)
	}
	if err := resolveSecrets(ctx, &cfg); err != nil {
		return nil, fmt.Errorf("config: resolve secrets: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return &cfg, nil
}

func resolveSecrets(ctx context.Context, cfg *Config) error {
	if cfg.GitHubTokenSecret != "" {
		v, err := secrets.AccessSecretFromSecretManager(ctx, cfg.GitHubTokenSecret)
		if err != nil {
			return fmt.Errorf("resolve GITHUB_TOKEN_SECRET: %w", err)
		}
		cfg.GitHubToken = v
	}
	if cfg.WebhookSecretSecret != "" {
		v, err := secrets.AccessSecretFromSecretManager(ctx, cfg.WebhookSecretSecret)
		if err != nil {
			return fmt.Errorf("resolve WEBHOOK_SECRET_SECRET: %w", err)
		}
		cfg.WebhookSecret = v
	}
	return nil
}

// Validate checks cross-field invariants Load's per-field parsing can't.
func (cfg *Config) Validate() error {
	if cfg.GitHubToken == "" {
		return fmt.Errorf("GITHUB_TOKEN or GITHUB_TOKEN_SECRET is required")
	}
	if cfg.WebhookURL != "" && cfg.WebhookSecret == "" {
		return fmt.Errorf("WEBHOOK_SECRET or WEBHOOK_SECRET_SECRET is required when WEBHOOK_URL is set")
	}
	if (cfg.AlertPubSubProject == "") != (cfg.AlertPubSubTopic == "") {
		return fmt.Errorf("ALERT_PUBSUB_PROJECT and ALERT_PUBSUB_TOPIC must be set together")
	}
	return nil
}
