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

package triage

import (
	"testing"

	"github.com/abcxyz/secrethunter/pkg/scanner"
)

func TestEvaluate_ImmediatePriority(t *testing.T) {
	f := scanner.Finding{
		DetectorName: "AWS Secret Access Key",
		Severity:     scanner.SeverityCritical,
		Category:     scanner.CategoryCloudProvider,
	}
	ctx := Context{
		Filename:      ".env",
		ContextText:   "export AWS_SECRET=... # prod deployment key",
		HasValidation: true,
		IsPublicRepo:  true,
	}

	rec := Evaluate(f, ctx)

	if rec.Priority != PriorityImmediate {
		t.Fatalf("priority = %v, want Immediate", rec.Priority)
	}
	if rec.Confidence < 0.8 {
		t.Fatalf("confidence = %v, want >= 0.8", rec.Confidence)
	}
}

func TestEvaluate_Monotonicity(t *testing.T) {
	base := scanner.Finding{Severity: scanner.SeverityLow, Category: scanner.CategoryOther}
	baseCtx := Context{Filename: "README.md", ContextText: "nothing interesting"}

	before := Evaluate(base, baseCtx)

	withValidation := baseCtx
	withValidation.HasValidation = true
	after := Evaluate(base, withValidation)

	if after.Impact < before.Impact {
		t.Fatalf("impact decreased after adding active validation: before=%v after=%v", before.Impact, after.Impact)
	}
	if after.Priority < before.Priority {
		t.Fatalf("priority decreased after adding active validation: before=%v after=%v", before.Priority, after.Priority)
	}
}

func TestFileTypeRisk(t *testing.T) {
	cases := map[string]float64{
		"a.env":    0.9,
		"a.config": 0.8,
		"a.yaml":   0.7,
		"a.go":     0.6,
		"a.md":     0.3,
		"a.bin":    0.5,
	}
	for name, want := range cases {
		if got := fileTypeRisk(name); got != want {
			t.Errorf("fileTypeRisk(%q) = %v, want %v", name, got, want)
		}
	}
}
