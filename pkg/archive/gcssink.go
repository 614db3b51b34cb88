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
	"context"
	"fmt"
	"io"
	"regexp"
	"strings"

	"cloud.google.com/go/storage"
)

// GCSSink persists raw ingested .json.gz objects to Google Cloud Storage,
// so a re-scan can replay a day's events without refetching them from the
// archive mirror.
type GCSSink struct {
	client *storage.Client
}

// NewGCSSink creates a Cloud Storage-backed ObjectSink.
func NewGCSSink(ctx context.Context) (*GCSSink, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("archive: create storage client: %w", err)
	}
	return &GCSSink{client: client}, nil
}

// Close releases the underlying storage client.
func (s *GCSSink) Close() error {
	if err := s.client.Close(); err != nil {
		return fmt.Errorf("archive: close storage client: %w", err)
	}
	return nil
}

// WriteObject writes content to the bucket/object named by objectDescriptor,
// a "gs://bucket/path" URI.
func (s *GCSSink) WriteObject(ctx context.Context, content io.Reader, objectDescriptor string) error {
	bucketName, objectName, err := parseGCSURI(objectDescriptor)
	if err != nil {
		return fmt.Errorf("archive: parse gcs uri: %w", err)
	}

	writer := s.client.Bucket(bucketName).Object(objectName).NewWriter(ctx)
	if _, err := io.Copy(writer, content); err != nil {
		return fmt.Errorf("archive: copy object to gcs: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("archive: close gcs writer: %w", err)
	}
	return nil
}

var gcsURIPattern = regexp.MustCompile(`^gs://([^/]+)/(.+)$`)

func parseGCSURI(uri string) (bucket, object string, err error) {
	parts := gcsURIPattern.FindStringSubmatch(uri)
	if parts == nil {
		return "", "", fmt.Errorf("invalid gcs uri %q, want gs://bucket/path", uri)
	}
	return parts[1], strings.TrimPrefix(parts[2], "/"), nil
}
