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

// Package warehouse issues parameterised SQL against the external
// GitHub Archive warehouse mirror (BigQuery's public github_archive
// dataset) to enumerate zero-commit push events: the signal the ingestor
// uses to discover dangling commits without having to replay every event
// in an archive file.
package warehouse

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/bigquery"
	"go.uber.org/zap"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"github.com/abcxyz/pkg/logging"
)

// Adapter wraps a BigQuery client scoped to the public GitHub Archive
// dataset.
type Adapter struct {
	projectID string // billing project; the queried dataset is always bigquery-public-data.github_archive
	client    *bigquery.Client
	logger    *zap.SugaredLogger
}

// New creates an Adapter. projectID is the caller's billing project; the
// dataset queried is always the public github_archive project/dataset.
func New(ctx context.Context, projectID string, opts ...option.ClientOption) (*Adapter, error) {
	client, err := bigquery.NewClient(ctx, projectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("warehouse: create bigquery client: %w", err)
	}

	return &Adapter{
		projectID: projectID,
		client:    client,
		logger:    logging.FromContext(ctx).Named("warehouse"),
	}, nil
}

// Close releases the underlying BigQuery client.
func (a *Adapter) Close() error {
	if err := a.client.Close(); err != nil {
		return fmt.Errorf("warehouse: close: %w", err)
	}
	return nil
}

// ZeroCommitEvent is the warehouse's projection of a push event whose
// commits array was empty but whose before SHA is non-zero.
type ZeroCommitEvent struct {
	Repo      string
	BeforeSHA string
	AfterSHA  string
	Ref       string
	CreatedAt time.Time
	Actor     string
}

// ErrRetentionExceeded marks a query whose window predates the warehouse's
// guaranteed retention; results for that portion of the range are not
// guaranteed complete.
var ErrRetentionExceeded = errors.New("warehouse: query window predates retention guarantee")

// retentionStart mirrors BigQuery's public github_archive dataset, which
// retains data back to 2011-02-12 (the project's documented start date).
var retentionStart = time.Date(2011, 2, 12, 0, 0, 0, 0, time.UTC)

// QueryFilter narrows ZeroCommitEvents to a date range and, optionally, a
// group of organisations, users, or repositories. Filtering that mixes the
// three uses OR within the group and AND with the time window.
type QueryFilter struct {
	Since         time.Time
	Until         time.Time
	Organizations []string
	Users         []string
	Repositories  []string
}

// ZeroCommitEvents enumerates zero-commit push events over filter.Since..Until.
func (a *Adapter) ZeroCommitEvents(ctx context.Context, filter QueryFilter) ([]ZeroCommitEvent, error) {
	if filter.Since.Before(retentionStart) {
		a.logger.Warnw("query window predates retention guarantee", "since", filter.Since)
	}

	query, params := buildZeroCommitQuery(filter)

	q := a.client.Query(query)
	q.Parameters = params
	q.UseStandardSQL = true

	it, err := q.Read(ctx)
	if err != nil {
		return nil, fmt.Errorf("warehouse: run zero-commit query: %w", err)
	}

	var out []ZeroCommitEvent
	for {
		var row struct {
			Repo      string    `bigquery:"repo"`
			BeforeSHA string    `bigquery:"before_sha"`
			AfterSHA  string    `bigquery:"after_sha"`
			Ref       string    `bigquery:"ref"`
			CreatedAt time.Time `bigquery:"created_at"`
			Actor     string    `bigquery:"actor"`
		}
		err := it.Next(&row)
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("warehouse: iterate zero-commit rows: %w", err)
		}
		if row.BeforeSHA == "" || row.BeforeSHA == zeroSHA {
			continue
		}
		out = append(out, ZeroCommitEvent{
			Repo:      row.Repo,
			BeforeSHA: row.BeforeSHA,
			AfterSHA:  row.AfterSHA,
			Ref:       row.Ref,
			CreatedAt: row.CreatedAt,
			Actor:     row.Actor,
		})
	}
	return out, nil
}

const zeroSHA = "0000000000000000000000000000000000000000"

// sourceTable is the fully-qualified wildcard table covering daily
// github_archive partitions (one table per day, suffixed YYYYMMDD).
const sourceTable = "`bigquery-public-data.github_archive.day`"

// buildZeroCommitQuery constructs the parameterised SQL and its bound
// parameters for filter. The JSON payload fields are extracted with
// JSON_EXTRACT_SCALAR since github_archive stores the event payload as a
// JSON string column.
func buildZeroCommitQuery(filter QueryFilter) (string, []bigquery.QueryParameter) {
	var where []string
	params := []bigquery.QueryParameter{
		{Name: "since", Value: filter.Since},
		{Name: "until", Value: filter.Until},
	}
	where = append(where, "type = 'PushEvent'")
	where = append(where, "created_at >= @since AND created_at < @until")
	where = append(where, "JSON_EXTRACT_SCALAR(payload, '$.before') IS NOT NULL")
	where = append(where, "JSON_ARRAY_LENGTH(JSON_EXTRACT(payload, '$.commits')) = 0")

	var groups []string
	if len(filter.Organizations) > 0 {
		groups = append(groups, inClause("org.login", filter.Organizations, "org", &params))
	}
	if len(filter.Users) > 0 {
		groups = append(groups, inClause("actor.login", filter.Users, "user", &params))
	}
	if len(filter.Repositories) > 0 {
		groups = append(groups, inClause("repo.name", filter.Repositories, "repo", &params))
	}
	if len(groups) > 0 {
		where = append(where, "("+strings.Join(groups, " OR ")+")")
	}

	query := fmt.Sprintf(`
SELECT
  repo.name AS repo,
  JSON_EXTRACT_SCALAR(payload, '$.before') AS before_sha,
  JSON_EXTRACT_SCALAR(payload, '$.after') AS after_sha,
  JSON_EXTRACT_SCALAR(payload, '$.ref') AS ref,
  created_at,
  actor.login AS actor
FROM %s
WHERE %s
`, sourceTable, strings.Join(where, "\n  AND "))

	return query, params
}

// inClause builds a "column IN (@pN, @pN+1, ...)" fragment and appends the
// corresponding bound parameters, named uniquely by prefix.
func inClause(column string, values []string, prefix string, params *[]bigquery.QueryParameter) string {
	var placeholders []string
	for i, v := range values {
		name := fmt.Sprintf("%s%d", prefix, i)
		placeholders = append(placeholders, "@"+name)
		*params = append(*params, bigquery.QueryParameter{Name: name, Value: v})
	}
	return fmt.Sprintf("%s IN (%s)", column, strings.Join(placeholders, ", "))
}
