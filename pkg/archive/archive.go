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

// Package archive lists, downloads, and parses GitHub Archive objects
// (gzipped newline-delimited JSON) into the persistent store, deduplicating
// by filename+etag so re-ingestion of an unchanged object is a no-op.
package archive

import (
	"bufio"
	"compress/gzip"
	"context"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/abcxyz/pkg/logging"
	"github.com/abcxyz/secrethunter/pkg/store"
)

// Object describes one remote archive file as listed by the mirror.
type Object struct {
	Key          string
	URL          string
	Size         int64
	ETag         string
	LastModified time.Time
}

// ObjectSink receives a copy of every successfully downloaded archive file,
// mirroring leech's ObjectWriter abstraction: a pluggable durable sink
// (Cloud Storage in production, discarded in tests) independent of the
// download-and-parse path.
type ObjectSink interface {
	WriteObject(ctx context.Context, content io.Reader, objectDescriptor string) error
}

// NopSink discards every object; used when no durable raw-object archive is
// configured.
type NopSink struct{}

func (NopSink) WriteObject(ctx context.Context, content io.Reader, objectDescriptor string) error {
	_, err := io.Copy(io.Discard, content)
	return err
}

// Config configures the Ingestor.
type Config struct {
	ListingURL     string // S3-style bucket listing endpoint
	DownloadDir    string
	BatchSize      int // events flushed to the store per transaction
	MaxRetries     uint64
	SinkObjectPath func(key string) string // maps a Key to the sink's object descriptor, e.g. "gs://bucket/key"
}

// Ingestor implements the Archive Ingestor (C4).
type Ingestor struct {
	cfg        Config
	httpClient *http.Client
	store      *store.Store
	sink       ObjectSink
}

// New constructs an Ingestor.
func New(cfg Config, httpClient *http.Client, st *store.Store, sink ObjectSink) *Ingestor {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 5 * time.Minute}
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 500
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}
	if sink == nil {
		sink = NopSink{}
	}
	return &Ingestor{cfg: cfg, httpClient: httpClient, store: st, sink: sink}
}

// listBucketResult is the S3-style XML listing shape: a flat sequence of
// <Contents> entries each carrying <Key> and <Size>.
type listBucketResult struct {
	XMLName  xml.Name `xml:"ListBucketResult"`
	Contents []struct {
		Key          string `xml:"Key"`
		Size         int64  `xml:"Size"`
		ETag         string `xml:"ETag"`
		LastModified string `xml:"LastModified"`
	} `xml:"Contents"`
}

// ListObjects lists remote archive objects, filtered to the .json.gz suffix.
func (ing *Ingestor) ListObjects(ctx context.Context) ([]Object, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ing.cfg.ListingURL, nil)
	if err != nil {
		return nil, fmt.Errorf("archive: build listing request: %w", err)
	}

	resp, err := ing.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("archive: list objects: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("archive: list objects: unexpected status %d", resp.StatusCode)
	}

	var parsed listBucketResult
	if err := xml.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("archive: decode listing: %w", err)
	}

	var out []Object
	for _, c := range parsed.Contents {
		if len(c.Key) < 8 || c.Key[len(c.Key)-8:] != ".json.gz" {
			continue
		}

		lastMod, _ := time.Parse(time.RFC3339, c.LastModified)
		out = append(out, Object{
			Key:          c.Key,
			URL:          ing.objectURL(c.Key),
			Size:         c.Size,
			ETag:         c.ETag,
			LastModified: lastMod,
		})
	}
	return out, nil
}

func (ing *Ingestor) objectURL(key string) string {
	return ing.cfg.ListingURL + "/" + key
}

// IngestObject downloads, parses, and persists one archive object, skipping
// the work entirely if the (filename, etag, size) tuple is already recorded
// as processed. Returns the number of events inserted (0 if skipped).
func (ing *Ingestor) IngestObject(ctx context.Context, obj Object) (int, error) {
	logger := logging.FromContext(ctx)

	alreadyDone, err := ing.store.IsFileProcessed(ctx, obj.Key, obj.ETag, obj.Size)
	if err != nil {
		return 0, fmt.Errorf("archive: check processed state for %s: %w", obj.Key, err)
	}
	if alreadyDone {
		logger.DebugContext(ctx, "archive: skipping already-processed object", "key", obj.Key)
		return 0, nil
	}

	localPath, err := ing.downloadWithRetry(ctx, obj)
	if err != nil {
		return 0, fmt.Errorf("archive: download %s: %w", obj.Key, err)
	}
	defer os.Remove(localPath) //nolint:errcheck

	if f, openErr := os.Open(localPath); openErr == nil {
		sinkPath := obj.Key
		if ing.cfg.SinkObjectPath != nil {
			sinkPath = ing.cfg.SinkObjectPath(obj.Key)
		}
		if err := ing.sink.WriteObject(ctx, f, sinkPath); err != nil {
			logger.WarnContext(ctx, "archive: failed to archive raw object to sink", "key", obj.Key, "error", err)
		}
		f.Close()
	}

	eventCount, err := ing.parseAndStore(ctx, localPath, obj.Key)
	if err != nil {
		return 0, fmt.Errorf("archive: parse %s: %w", obj.Key, err)
	}

	if err := ing.store.MarkFileProcessed(ctx, obj.Key, obj.ETag, obj.Size, eventCount); err != nil {
		return eventCount, fmt.Errorf("archive: mark %s processed: %w", obj.Key, err)
	}

	return eventCount, nil
}

// downloadWithRetry streams obj to a local file, validating the transferred
// byte count against Content-Length. A partial file is deleted between
// attempts; retries use exponential backoff with a bounded budget.
func (ing *Ingestor) downloadWithRetry(ctx context.Context, obj Object) (string, error) {
	dest := filepath.Join(ing.cfg.DownloadDir, sanitizeFilename(obj.Key))
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return "", fmt.Errorf("archive: mkdir download dir: %w", err)
	}

	backoff := retry.WithMaxRetries(ing.cfg.MaxRetries, retry.NewExponential(500*time.Millisecond))

	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		if err := ing.downloadOnce(ctx, obj, dest); err != nil {
			os.Remove(dest) //nolint:errcheck
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return dest, nil
}

func (ing *Ingestor) downloadOnce(ctx context.Context, obj Object, dest string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, obj.URL, nil)
	if err != nil {
		return fmt.Errorf("build download request: %w", err)
	}

	resp, err := ing.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("download request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d downloading %s", resp.StatusCode, obj.Key)
	}

	out, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("create local file: %w", err)
	}
	defer out.Close()

	written, err := io.Copy(out, resp.Body)
	if err != nil {
		return fmt.Errorf("copy body: %w", err)
	}

	if resp.ContentLength > 0 && written != resp.ContentLength {
		return fmt.Errorf("short read: got %d bytes, want %d", written, resp.ContentLength)
	}
	return nil
}

// rawEvent is the GitHub Archive event schema: one JSON object per line.
type rawEvent struct {
	ID    string `json:"id"`
	Type  string `json:"type"`
	Actor struct {
		Login string `json:"login"`
	} `json:"actor"`
	Repo struct {
		Name string `json:"name"`
	} `json:"repo"`
	Org *struct {
		Login string `json:"login"`
	} `json:"org"`
	Payload   json.RawMessage `json:"payload"`
	Public    bool            `json:"public"`
	CreatedAt string          `json:"created_at"`
}

type pushPayload struct {
	Before  string          `json:"before"`
	After   string          `json:"after"`
	Ref     string          `json:"ref"`
	Commits json.RawMessage `json:"commits"`
}

// parseAndStore streams the decompressed file line by line; each non-empty
// line parses to one event. A line that fails JSON parsing increments an
// error counter and is skipped, never aborting the file.
func (ing *Ingestor) parseAndStore(ctx context.Context, path, sourceFile string) (int, error) {
	logger := logging.FromContext(ctx)

	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("open downloaded file: %w", err)
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return 0, fmt.Errorf("open gzip stream: %w", err)
	}
	defer gz.Close()

	scanner := bufio.NewScanner(gz)
	scanner.Buffer(make([]byte, 0, 1<<20), 1<<24)

	var (
		batch      []store.Event
		totalCount int
		parseErr   int
	)

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		n, _, err := ing.store.InsertEventsBatch(ctx, batch, sourceFile)
		totalCount += n
		batch = batch[:0]
		if err != nil {
			return fmt.Errorf("flush batch: %w", err)
		}
		return nil
	}

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var raw rawEvent
		if err := json.Unmarshal(line, &raw); err != nil {
			parseErr++
			continue
		}

		ev := store.Event{
			ID:         raw.ID,
			Type:       raw.Type,
			Actor:      raw.Actor.Login,
			Repo:       raw.Repo.Name,
			Payload:    raw.Payload,
			Public:     raw.Public,
			SourceFile: sourceFile,
		}
		if raw.Org != nil {
			ev.Org = raw.Org.Login
		}
		if t, err := time.Parse(time.RFC3339, raw.CreatedAt); err == nil {
			ev.CreatedAt = t
		}
		if raw.Type == "PushEvent" && len(raw.Payload) > 0 {
			var pp pushPayload
			if err := json.Unmarshal(raw.Payload, &pp); err == nil {
				ev.Before, ev.After, ev.Ref, ev.CommitsJSON = pp.Before, pp.After, pp.Ref, pp.Commits
			}
		}

		batch = append(batch, ev)
		if len(batch) >= ing.cfg.BatchSize {
			if err := flush(); err != nil {
				return totalCount, err
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return totalCount, fmt.Errorf("scan lines: %w", err)
	}
	if err := flush(); err != nil {
		return totalCount, err
	}

	if parseErr > 0 {
		logger.WarnContext(ctx, "archive: skipped unparseable lines", "source_file", sourceFile, "count", parseErr)
	}

	return totalCount, nil
}

func sanitizeFilename(key string) string {
	out := make([]byte, 0, len(key))
	for i := 0; i < len(key); i++ {
		c := key[i]
		if c == '/' {
			c = '_'
		}
		out = append(out, c)
	}
	return string(out)
}
