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

package main

import (
	"context"
	"fmt"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/sethvargo/go-gcslock"
	"go.uber.org/zap"

	"github.com/abcxyz/pkg/logging"
	"github.com/abcxyz/secrethunter/pkg/alerting"
	"github.com/abcxyz/secrethunter/pkg/archive"
	"github.com/abcxyz/secrethunter/pkg/config"
	"github.com/abcxyz/secrethunter/pkg/coordinator"
	"github.com/abcxyz/secrethunter/pkg/fetcher"
	"github.com/abcxyz/secrethunter/pkg/githubclient"
	"github.com/abcxyz/secrethunter/pkg/messaging"
	"github.com/abcxyz/secrethunter/pkg/monitor"
	"github.com/abcxyz/secrethunter/pkg/resourcegov"
	"github.com/abcxyz/secrethunter/pkg/scanner"
	"github.com/abcxyz/secrethunter/pkg/store"
	"github.com/abcxyz/secrethunter/pkg/triage"
	"github.com/abcxyz/secrethunter/pkg/validator"
	"github.com/abcxyz/secrethunter/pkg/warehouse"
)

func main() {
	ctx, done := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer done()

	logger := logging.NewFromEnv("")
	ctx = logging.WithLogger(ctx, logger)

	if err := realMain(ctx); err != nil {
		done()
		logger.Fatal(err)
	}
}

// realMain wires the Resource Governor, Persistent Store, Rate-Limited
// Fetcher, Secret Scanner, Credential Validator, Triage Ranker, Archive
// Ingestor, Archive Query Adapter, Live Event Monitor, and Pipeline
// Coordinator into a single long-running process, then blocks until a
// shutdown signal arrives.
func realMain(ctx context.Context) error {
	logger := logging.FromContext(ctx)

	cfg, err := config.Load(ctx)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	st, err := store.Open(ctx, cfg.StorePath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	client, err := githubclient.New(ctx, cfg.GitHubToken, cfg.UserAgent)
	if err != nil {
		return fmt.Errorf("create github client: %w", err)
	}

	f, err := fetcher.New(client, 10000)
	if err != nil {
		return fmt.Errorf("create fetcher: %w", err)
	}

	sc := scanner.New(scanner.BuiltinDetectors)
	v := validator.New(nil)

	sampler := resourcegov.NewOSSampler(cfg.DiskSamplePath)
	limits := resourcegov.DefaultLimits()
	limits.MemoryLimitBytes = cfg.MemoryLimitBytes
	limits.DiskLimitBytes = cfg.DiskLimitBytes
	limits.CPULimitPercent = cfg.CPULimitPercent
	gov := resourcegov.New(limits, sampler,
		resourcegov.CleanupOldLogs(cfg.ArchiveDownloadDir, ".log", 7*24*time.Hour),
		resourcegov.CleanupTempDirs(cfg.ArchiveDownloadDir),
	)
	go gov.Run(ctx)

	var lock coordinator.Lockable
	if cfg.LockBucket != "" {
		l, err := gcslock.New(ctx, cfg.LockBucket, cfg.LockName)
		if err != nil {
			return fmt.Errorf("create distributed lock: %w", err)
		}
		lock = l
	}

	ccfg := coordinator.DefaultConfig(runtime.NumCPU())
	ccfg.MaxConcurrentDownloads = cfg.MaxConcurrentDownloads
	ccfg.ScanQueueSize = cfg.ScanQueueSize
	ccfg.ShutdownDrainDeadline = cfg.ShutdownDrainDeadline
	if cfg.ScannerWorkers > 0 {
		ccfg.ScannerWorkers = cfg.ScannerWorkers
	}

	coord := coordinator.New(ccfg, st, sc, v, gov, client, f, lock)

	if err := coord.Start(ctx); err != nil {
		return fmt.Errorf("start coordinator: %w", err)
	}

	dispatcher, cleanupDispatcher, err := buildDispatcher(ctx, cfg)
	if err != nil {
		return fmt.Errorf("build alert dispatcher: %w", err)
	}
	defer cleanupDispatcher()
	coord.SetDispatcher(dispatcher)

	mon := monitor.New(client, f, sc, coord, cfg.PollInterval, cfg.MaxBackoff)
	monitorErrCh := make(chan error, 1)
	go func() {
		monitorErrCh <- mon.Run(ctx)
	}()

	if cfg.BigQueryProjectID != "" {
		wh, err := warehouse.New(ctx, cfg.BigQueryProjectID)
		if err != nil {
			logger.ErrorContext(ctx, "failed to create warehouse adapter, zero-commit query discovery disabled", "error", err)
		} else {
			defer wh.Close()
			go runArchiveQueryLoop(ctx, wh, st)
		}
	}

	var objectSink archive.ObjectSink = archive.NopSink{}
	sinkObjectPath := func(key string) string { return key }
	if cfg.ArchiveObjectBucket != "" {
		gcsSink, err := archive.NewGCSSink(ctx)
		if err != nil {
			return fmt.Errorf("create archive object sink: %w", err)
		}
		defer gcsSink.Close()
		objectSink = gcsSink
		sinkObjectPath = func(key string) string {
			return fmt.Sprintf("gs://%s/%s", cfg.ArchiveObjectBucket, key)
		}
	}

	ing := archive.New(archive.Config{
		ListingURL:     cfg.ArchiveListingURL,
		DownloadDir:    cfg.ArchiveDownloadDir,
		BatchSize:      cfg.ArchiveBatchSize,
		MaxRetries:     5,
		SinkObjectPath: sinkObjectPath,
	}, nil, st, objectSink)
	go runArchiveIngestLoop(ctx, ing, coord)

	select {
	case <-ctx.Done():
	case err := <-monitorErrCh:
		if err != nil && ctx.Err() == nil {
			logger.ErrorContext(ctx, "monitor exited unexpectedly", "error", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownDrainDeadline+5*time.Second)
	defer cancel()
	return coord.Stop(shutdownCtx)
}

// buildDispatcher wires whichever alert transports are configured. The
// returned cleanup func is always safe to defer, even when no pubsub
// messager was created.
func buildDispatcher(ctx context.Context, cfg *config.Config) (*alerting.Dispatcher, func(), error) {
	noop := func() {}

	var webhook *alerting.WebhookSink
	if cfg.WebhookURL != "" {
		w, err := alerting.NewWebhookSink(cfg.WebhookURL, cfg.WebhookSecret, nil)
		if err != nil {
			return nil, noop, err
		}
		webhook = w
	}

	var messager *messaging.PubSubMessager
	if cfg.AlertPubSubProject != "" {
		zapLogger, err := zap.NewProduction()
		if err != nil {
			return nil, noop, fmt.Errorf("create zap logger for pubsub messager: %w", err)
		}
		m, err := messaging.NewPubSubMessager(ctx, cfg.AlertPubSubProject, cfg.AlertPubSubTopic, zapLogger.Sugar())
		if err != nil {
			return nil, noop, fmt.Errorf("create pubsub messager: %w", err)
		}
		messager = m
	}

	priority := triage.PriorityHigh
	switch cfg.AlertMinPriority {
	case "Immediate":
		priority = triage.PriorityImmediate
	case "Medium":
		priority = triage.PriorityMedium
	case "Low":
		priority = triage.PriorityLow
	case "Monitor":
		priority = triage.PriorityMonitor
	}

	cleanup := noop
	if messager != nil {
		cleanup = func() { _ = messager.Cleanup(ctx) }
	}

	var messagerIface alerting.Messager
	if messager != nil {
		messagerIface = messager
	}

	return alerting.NewDispatcher(webhook, messagerIface, priority), cleanup, nil
}

// runArchiveIngestLoop periodically lists and ingests new GitHub Archive
// objects, bounding concurrent downloads through the coordinator's
// download semaphore.
func runArchiveIngestLoop(ctx context.Context, ing *archive.Ingestor, coord *coordinator.Coordinator) {
	logger := logging.FromContext(ctx)
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	ingestOnce := func() {
		objs, err := ing.ListObjects(ctx)
		if err != nil {
			logger.ErrorContext(ctx, "archive: list objects failed", "error", err)
			return
		}
		for _, obj := range objs {
			if err := coord.AcquireDownloadSlot(ctx); err != nil {
				return
			}
			n, err := ing.IngestObject(ctx, obj)
			coord.ReleaseDownloadSlot()
			if err != nil {
				logger.ErrorContext(ctx, "archive: ingest object failed", "key", obj.Key, "error", err)
				continue
			}
			coord.RecordFileProcessed(obj.Key)
			coord.RecordEventsProcessed(n)
		}
	}

	ingestOnce()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ingestOnce()
		}
	}
}

// runArchiveQueryLoop periodically queries the external warehouse mirror
// for zero-commit push events over the preceding window, a faster path to
// dangling-commit discovery than waiting for full archive ingestion.
func runArchiveQueryLoop(ctx context.Context, wh *warehouse.Adapter, st *store.Store) {
	logger := logging.FromContext(ctx)
	ticker := time.NewTicker(15 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			until := time.Now().UTC()
			since := until.Add(-20 * time.Minute)
			events, err := wh.ZeroCommitEvents(ctx, warehouse.QueryFilter{Since: since, Until: until})
			if err != nil {
				logger.ErrorContext(ctx, "warehouse: zero-commit query failed", "error", err)
				continue
			}
			for _, e := range events {
				if err := st.UpsertRepository(ctx, e.Repo, true); err != nil {
					logger.ErrorContext(ctx, "warehouse: persist repository failed", "repo", e.Repo, "error", err)
				}
			}
		}
	}
}
