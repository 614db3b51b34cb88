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

package scanner

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Finding is one match produced by the scanner. It is immutable once
// created; hash is the identity used for deduplication both within a scan
// and across the persistent store.
type Finding struct {
	Hash         string
	DetectorName string
	ValidatorID  string
	MatchedText  string
	Start        int
	End          int
	LineNumber   int
	Filename     string
	Entropy      float64
	Severity     Severity
	Category     Category
	Context      string
	Verified     bool
}

// Scanner runs the detector library over text. It holds no mutable state of
// its own — a fresh dedup set is created per call to Scan/ScanPatch — so a
// single Scanner is safely shared across worker goroutines.
type Scanner struct {
	detectors []Detector
}

// New returns a Scanner over the given detectors. Pass scanner.BuiltinDetectors
// to get the default library, optionally appended with user-defined entries.
func New(detectors []Detector) *Scanner {
	return &Scanner{detectors: detectors}
}

// Scan runs every detector against text and returns deduplicated findings
// with an optional filename tag. Findings from different detectors over
// overlapping ranges are never merged: they are additive (spec invariant,
// see BuiltinDetectors).
func (s *Scanner) Scan(text, filename string) []Finding {
	return s.scan(text, filename)
}

// ScanPatch scans only the added lines of a unified diff patch: lines
// beginning with '+' that are not the "+++" file-header line, with the
// leading '+' stripped before matching.
func (s *Scanner) ScanPatch(patch, filename string) []Finding {
	var added []string
	for _, line := range strings.Split(patch, "\n") {
		if strings.HasPrefix(line, "+++") {
			continue
		}
		if strings.HasPrefix(line, "+") {
			added = append(added, strings.TrimPrefix(line, "+"))
		}
	}
	return s.scan(strings.Join(added, "\n"), filename)
}

func (s *Scanner) scan(text, filename string) []Finding {
	seen := make(map[string]struct{})
	var findings []Finding

	for _, d := range s.detectors {
		for _, loc := range d.Pattern.FindAllStringIndex(text, -1) {
			start, end := loc[0], loc[1]
			matched := text[start:end]

			entropy := shannonEntropy(matched)
			if d.EntropyThreshold != nil && entropy < *d.EntropyThreshold {
				continue
			}

			sum := sha256.Sum256([]byte(matched))
			hash := hex.EncodeToString(sum[:])
			if _, dup := seen[hash]; dup {
				continue
			}
			seen[hash] = struct{}{}

			findings = append(findings, Finding{
				Hash:         hash,
				DetectorName: d.Name,
				ValidatorID:  d.ValidatorID,
				MatchedText:  matched,
				Start:        start,
				End:          end,
				LineNumber:   lineNumber(text, start),
				Filename:     filename,
				Entropy:      entropy,
				Severity:     d.Severity,
				Category:     d.Category,
				Context:      contextLines(text, start, end, 2),
				Verified:     false,
			})
		}
	}

	return findings
}

// lineNumber returns the 1-based line number containing byte offset pos.
func lineNumber(text string, pos int) int {
	return strings.Count(text[:pos], "\n") + 1
}

// contextLines returns up to `radius` lines before and after the match,
// joined with newlines.
func contextLines(text string, start, end, radius int) string {
	lines := strings.Split(text, "\n")
	matchLine := strings.Count(text[:start], "\n")

	from := matchLine - radius
	if from < 0 {
		from = 0
	}
	to := matchLine + radius
	if to >= len(lines) {
		to = len(lines) - 1
	}
	return strings.Join(lines[from:to+1], "\n")
}

// FilterBySeverity returns the subset of findings at or above min. The
// scanner itself never filters by severity; that is a caller decision so
// raw findings remain fully inspectable.
func FilterBySeverity(findings []Finding, min Severity) []Finding {
	var out []Finding
	for _, f := range findings {
		if f.Severity >= min {
			out = append(out, f)
		}
	}
	return out
}
