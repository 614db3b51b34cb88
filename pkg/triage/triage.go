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

// Package triage ranks findings by exploit impact. Every exported function
// here is a pure function of its inputs: no I/O, no shared state. An
// optional LLM variant may run alongside this package, but its output is
// advisory only — see Record.Analysis — and never overrides Priority.
package triage

import (
	"strings"

	"github.com/abcxyz/secrethunter/pkg/scanner"
)

// Priority is the recommended revocation urgency for a finding.
type Priority int

const (
	PriorityMonitor Priority = iota
	PriorityLow
	PriorityMedium
	PriorityHigh
	PriorityImmediate
)

func (p Priority) String() string {
	switch p {
	case PriorityImmediate:
		return "Immediate"
	case PriorityHigh:
		return "High"
	case PriorityMedium:
		return "Medium"
	case PriorityLow:
		return "Low"
	default:
		return "Monitor"
	}
}

// RiskFactorType enumerates the context signals the ranker considers.
type RiskFactorType int

const (
	RiskCorporateEmail RiskFactorType = iota
	RiskProductionEnvironment
	RiskHighPrivileges
	RiskPublicRepository
	RiskKnownService
)

// RiskFactor is one contributing signal with its severity weight.
type RiskFactor struct {
	Type           RiskFactorType
	SeverityImpact float64
}

// Context is everything about a finding's surroundings the ranker needs
// that isn't on the Finding itself.
type Context struct {
	Filename          string
	ContextText       string
	IsPublicRepo      bool
	HasValidation     bool // a ValidationRecord exists with IsValid true
	HasValidationProbe bool // a ValidationRecord exists at all (valid or not)
	RepositoryName    string
}

// Record is the output of Evaluate, linked 1:1 to a Finding by hash.
type Record struct {
	Impact             float64
	Bounty             float64
	Priority           Priority
	RiskFactors        []RiskFactor
	Confidence         float64
	Analysis           string
}

var freeEmailDomains = map[string]bool{
	"gmail.com":   true,
	"yahoo.com":   true,
	"hotmail.com": true,
	"outlook.com": true,
}

var highValueServices = map[string]bool{
	"aws": true, "google": true, "azure": true, "github": true,
	"stripe": true, "paypal": true, "twilio": true, "sendgrid": true,
	"mongodb": true, "postgresql": true,
}

var highValueOrgs = map[string]bool{
	"google": true, "microsoft": true, "apple": true, "facebook": true,
	"netflix": true, "uber": true, "airbnb": true, "dropbox": true,
	"slack": true, "github": true,
}

var productionKeywords = []string{"prod", "production", "live"}

// Evaluate produces a triage Record for a finding.
func Evaluate(f scanner.Finding, ctx Context) Record {
	factors := identifyRiskFactors(f, ctx)
	impact := calculateImpact(f, factors, ctx)
	bounty := calculateBounty(f, factors, ctx)
	priority := decidePriority(impact, bounty, ctx, factors)
	confidence := calculateConfidence(factors, ctx)

	return Record{
		Impact:      impact,
		Bounty:      bounty,
		Priority:    priority,
		RiskFactors: factors,
		Confidence:  confidence,
		Analysis:    summarize(f, priority, factors),
	}
}

func identifyRiskFactors(f scanner.Finding, ctx Context) []RiskFactor {
	var factors []RiskFactor

	if domain := emailDomain(ctx.ContextText); domain != "" && !freeEmailDomains[domain] {
		factors = append(factors, RiskFactor{Type: RiskCorporateEmail, SeverityImpact: 0.7})
	}

	lowerText := strings.ToLower(ctx.ContextText)
	for _, kw := range productionKeywords {
		if strings.Contains(lowerText, kw) {
			factors = append(factors, RiskFactor{Type: RiskProductionEnvironment, SeverityImpact: 0.8})
			break
		}
	}

	if ctx.HasValidation {
		factors = append(factors, RiskFactor{Type: RiskHighPrivileges, SeverityImpact: 0.9})
	}

	if ctx.IsPublicRepo {
		factors = append(factors, RiskFactor{Type: RiskPublicRepository, SeverityImpact: 0.8})
	}

	for svc := range highValueServices {
		if strings.Contains(strings.ToLower(f.DetectorName), svc) {
			factors = append(factors, RiskFactor{Type: RiskKnownService, SeverityImpact: 0.7})
			break
		}
	}

	return factors
}

func fileTypeRisk(filename string) float64 {
	switch {
	case strings.HasSuffix(filename, ".env"):
		return 0.9
	case strings.HasSuffix(filename, ".config"):
		return 0.8
	case strings.HasSuffix(filename, ".json"), strings.HasSuffix(filename, ".yaml"), strings.HasSuffix(filename, ".yml"):
		return 0.7
	case strings.HasSuffix(filename, ".py"), strings.HasSuffix(filename, ".js"), strings.HasSuffix(filename, ".ts"), strings.HasSuffix(filename, ".go"):
		return 0.6
	case strings.HasSuffix(filename, ".md"), strings.HasSuffix(filename, ".txt"):
		return 0.3
	default:
		return 0.5
	}
}

func severityBase(s scanner.Severity) float64 {
	switch s {
	case scanner.SeverityCritical:
		return 0.8
	case scanner.SeverityHigh:
		return 0.6
	case scanner.SeverityMedium:
		return 0.4
	default:
		return 0.2
	}
}

func categoryBase(c scanner.Category) float64 {
	switch c {
	case scanner.CategoryCloudProvider:
		return 0.8
	case scanner.CategoryCertificate:
		return 0.9
	case scanner.CategoryDatabase:
		return 0.7
	case scanner.CategoryAPIKey:
		return 0.6
	case scanner.CategoryToken:
		return 0.5
	default:
		return 0.3
	}
}

func calculateImpact(f scanner.Finding, factors []RiskFactor, ctx Context) float64 {
	impact := severityBase(f.Severity)
	for _, rf := range factors {
		impact += rf.SeverityImpact * 0.2
	}
	impact += fileTypeRisk(ctx.Filename) * 0.1
	return clamp01(impact)
}

func calculateBounty(f scanner.Finding, factors []RiskFactor, ctx Context) float64 {
	bounty := categoryBase(f.Category)
	if isHighValueOrg(ctx.RepositoryName) {
		bounty += 0.3
	}
	if ctx.IsPublicRepo {
		bounty += 0.2
	}
	if hasFactor(factors, RiskHighPrivileges) {
		bounty += 0.3
	}
	return clamp01(bounty)
}

func decidePriority(impact, bounty float64, ctx Context, factors []RiskFactor) Priority {
	production := hasFactor(factors, RiskProductionEnvironment)

	switch {
	case ctx.HasValidation && (impact > 0.8 || production):
		return PriorityImmediate
	case ctx.HasValidation || impact > 0.6:
		return PriorityHigh
	case impact > 0.4 || bounty > 0.6:
		return PriorityMedium
	case impact > 0.2:
		return PriorityLow
	default:
		return PriorityMonitor
	}
}

func calculateConfidence(factors []RiskFactor, ctx Context) float64 {
	confidence := 0.5
	n := len(factors)
	if n > 3 {
		n = 3
	}
	confidence += 0.1 * float64(n)

	switch {
	case ctx.HasValidation:
		confidence += 0.3
	case ctx.HasValidationProbe:
		confidence += 0.1
	}

	return clamp01(confidence)
}

func summarize(f scanner.Finding, p Priority, factors []RiskFactor) string {
	var b strings.Builder
	b.WriteString(f.DetectorName)
	b.WriteString(" finding, priority ")
	b.WriteString(p.String())
	if len(factors) > 0 {
		b.WriteString(", risk factors: ")
		names := make([]string, 0, len(factors))
		for _, rf := range factors {
			names = append(names, riskFactorName(rf.Type))
		}
		b.WriteString(strings.Join(names, ", "))
	}
	return b.String()
}

func riskFactorName(t RiskFactorType) string {
	switch t {
	case RiskCorporateEmail:
		return "corporate_email"
	case RiskProductionEnvironment:
		return "production_environment"
	case RiskHighPrivileges:
		return "high_privileges"
	case RiskPublicRepository:
		return "public_repository"
	case RiskKnownService:
		return "known_service"
	default:
		return "unknown"
	}
}

func hasFactor(factors []RiskFactor, t RiskFactorType) bool {
	for _, rf := range factors {
		if rf.Type == t {
			return true
		}
	}
	return false
}

func isHighValueOrg(repoName string) bool {
	lower := strings.ToLower(repoName)
	for org := range highValueOrgs {
		if strings.Contains(lower, org) {
			return true
		}
	}
	return false
}

func emailDomain(text string) string {
	idx := strings.Index(text, "@")
	if idx < 0 || idx == len(text)-1 {
		return ""
	}
	rest := text[idx+1:]
	end := strings.IndexAny(rest, " \t\n\r,;)]}'\"")
	if end >= 0 {
		rest = rest[:end]
	}
	return strings.ToLower(rest)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
