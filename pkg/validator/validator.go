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

// Package validator implements per-service credential validation probes.
// Every probe is read-only: it classifies a credential as active, inactive,
// or unknown and never performs an action beyond an identity check.
package validator

import (
	"context"
	"net/http"
	"time"
)

// Record is the outcome of one probe, linked 1:1 to a scanner.Finding by
// SecretHash.
type Record struct {
	SecretHash      string
	IsValid         bool
	Unknown         bool
	Method          string
	ResponseTimeMs  int64
	AdditionalInfo  map[string]string
	Error           string
	ValidatedAt     time.Time
}

// Probe validates one matched secret string and returns a Record.
type Probe func(ctx context.Context, matchedText string) Record

// Validator dispatches a finding to the probe registered under its
// detector's validator id, so a user-defined detector can reuse a builtin
// probe regardless of its display name.
type Validator struct {
	httpClient *http.Client
	probes     map[string]Probe
}

// New constructs a Validator with the default probe set. httpClient is
// shared by every network-backed probe; callers should set a sane default
// timeout on it (the PerProbeTimeout below is enforced independently via
// context).
func New(httpClient *http.Client) *Validator {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	v := &Validator{httpClient: httpClient}
	v.probes = map[string]Probe{
		"aws":      v.probeAWS,
		"github":   v.probeGitHub,
		"slack":    v.probeSlack,
		"discord":  v.probeDiscord,
		"google":   v.probeGoogle,
		"stripe":   v.probeStripe,
		"sendgrid": v.probeSendGrid,
		"twilio":   v.probeTwilio,
		"jwt":      v.probeJWT,
	}
	return v
}

// PerProbeTimeout bounds every individual validation probe. A probe that
// exceeds it returns Unknown, never Invalid: a timeout says nothing about
// validity.
const PerProbeTimeout = 8 * time.Second

// Validate dispatches to the probe registered under validatorID. If
// validatorID is empty or unregistered, the record reports method
// "unsupported" and Unknown.
func (v *Validator) Validate(ctx context.Context, validatorID, secretHash, matchedText string) Record {
	probe, ok := v.probes[validatorID]
	if !ok {
		return Record{
			SecretHash:  secretHash,
			Unknown:     true,
			Method:      "unsupported",
			ValidatedAt: time.Now(),
		}
	}

	ctx, cancel := context.WithTimeout(ctx, PerProbeTimeout)
	defer cancel()

	start := time.Now()
	rec := probe(ctx, matchedText)
	rec.SecretHash = secretHash
	rec.ResponseTimeMs = time.Since(start).Milliseconds()
	rec.ValidatedAt = time.Now()
	return rec
}

// ValidateBatch validates findings at most maxConcurrent at a time, with a
// per-call delay between dispatches on each worker to stay polite to the
// probed services.
func (v *Validator) ValidateBatch(ctx context.Context, items []BatchItem, maxConcurrent int, delay time.Duration) []Record {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}

	results := make([]Record, len(items))
	sem := make(chan struct{}, maxConcurrent)
	done := make(chan struct{})

	for i := range items {
		i := i
		sem <- struct{}{}
		go func() {
			defer func() { <-sem; done <- struct{}{} }()
			item := items[i]
			results[i] = v.Validate(ctx, item.ValidatorID, item.SecretHash, item.MatchedText)
			if delay > 0 {
				time.Sleep(delay)
			}
		}()
	}
	for range items {
		<-done
	}

	return results
}

// BatchItem is one unit of work for ValidateBatch.
type BatchItem struct {
	ValidatorID string
	SecretHash  string
	MatchedText string
}

func unknownOnTimeout(ctx context.Context, method string) (Record, bool) {
	if ctx.Err() != nil {
		return Record{Unknown: true, Method: method, Error: ctx.Err().Error()}, true
	}
	return Record{}, false
}
