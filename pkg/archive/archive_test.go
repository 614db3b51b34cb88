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

package archive

import (
	"bytes"
	"compress/gzip"
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/abcxyz/secrethunter/pkg/store"
)

func gzipLines(lines ...string) []byte {
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	for _, l := range lines {
		w.Write([]byte(l))
		w.Write([]byte("\n"))
	}
	w.Close()
	return buf.Bytes()
}

func TestListObjects_FiltersToJSONGzSuffix(t *testing.T) {
	listing := `<?xml version="1.0"?>
<ListBucketResult>
  <Contents><Key>2024-01-01-0.json.gz</Key><Size>123</Size><ETag>"abc"</ETag></Contents>
  <Contents><Key>2024-01-01-0.json.gz.md5</Key><Size>16</Size></Contents>
  <Contents><Key>readme.txt</Key><Size>5</Size></Contents>
</ListBucketResult>`

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(listing))
	}))
	defer srv.Close()

	ing := New(Config{ListingURL: srv.URL}, srv.Client(), nil, nil)
	objs, err := ing.ListObjects(context.Background())
	if err != nil {
		t.Fatalf("ListObjects: %v", err)
	}
	if len(objs) != 1 || objs[0].Key != "2024-01-01-0.json.gz" {
		t.Fatalf("ListObjects = %+v, want exactly one .json.gz entry", objs)
	}
}

func TestIngestObject_SkipsWhenAlreadyProcessed(t *testing.T) {
	ctx := context.Background()
	st, err := store.Open(ctx, ":memory:")
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	defer st.Close()

	if err := st.MarkFileProcessed(ctx, "f.json.gz", "etag1", 50, 3); err != nil {
		t.Fatalf("MarkFileProcessed: %v", err)
	}

	ing := New(Config{DownloadDir: t.TempDir()}, nil, st, NopSink{})
	n, err := ing.IngestObject(ctx, Object{Key: "f.json.gz", ETag: "etag1", Size: 50})
	if err != nil {
		t.Fatalf("IngestObject: %v", err)
	}
	if n != 0 {
		t.Errorf("IngestObject event count = %d, want 0 (already processed)", n)
	}
}

func TestIngestObject_ParsesAndPersistsEvents(t *testing.T) {
	ctx := context.Background()
	st, err := store.Open(ctx, ":memory:")
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	defer st.Close()

	body := gzipLines(
		`{"id":"1","type":"PushEvent","actor":{"login":"alice"},"repo":{"name":"a/b"},"payload":{"before":"0000000000000000000000000000000000000000","after":"abc","commits":[]},"public":true,"created_at":"2024-01-01T00:00:00Z"}`,
		`not json`,
		`{"id":"2","type":"WatchEvent","actor":{"login":"bob"},"repo":{"name":"a/b"},"payload":{},"public":true,"created_at":"2024-01-01T00:01:00Z"}`,
	)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", strconv.Itoa(len(body)))
		w.Write(body)
	}))
	defer srv.Close()

	ing := New(Config{DownloadDir: t.TempDir()}, srv.Client(), st, NopSink{})
	n, err := ing.IngestObject(ctx, Object{Key: "f.json.gz", URL: srv.URL, ETag: "etag1", Size: int64(len(body))})
	if err != nil {
		t.Fatalf("IngestObject: %v", err)
	}
	if n != 2 {
		t.Errorf("event count = %d, want 2 (one line is unparseable and skipped)", n)
	}

	processed, err := st.IsFileProcessed(ctx, "f.json.gz", "etag1", int64(len(body)))
	if err != nil || !processed {
		t.Errorf("expected file marked processed: %v %v", processed, err)
	}
}
