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

// Package scanner implements the secret detector registry and the text/patch
// scanning entry points. Detectors are data, not types: adding one is an
// append to BuiltinDetectors, never a new Go type.
package scanner

import "regexp"

// Severity classifies how damaging a leaked credential of this kind is.
type Severity int

const (
	SeverityLow Severity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "Low"
	case SeverityMedium:
		return "Medium"
	case SeverityHigh:
		return "High"
	case SeverityCritical:
		return "Critical"
	default:
		return "Unknown"
	}
}

// Category buckets detectors by the kind of service or material they find.
type Category int

const (
	CategoryCloudProvider Category = iota
	CategoryDatabase
	CategoryAPIKey
	CategoryCertificate
	CategoryPassword
	CategoryToken
	CategoryWebhook
	CategoryOther
)

func (c Category) String() string {
	switch c {
	case CategoryCloudProvider:
		return "CloudProvider"
	case CategoryDatabase:
		return "Database"
	case CategoryAPIKey:
		return "ApiKey"
	case CategoryCertificate:
		return "Certificate"
	case CategoryPassword:
		return "Password"
	case CategoryToken:
		return "Token"
	case CategoryWebhook:
		return "Webhook"
	default:
		return "Other"
	}
}

// Detector is a tagged registry entry: a compiled pattern plus metadata.
// There is deliberately no detector interface or type hierarchy — every
// detector is this one struct, and the scanner treats them uniformly.
type Detector struct {
	Name             string
	Description      string
	Pattern          *regexp.Regexp
	Keywords         []string
	EntropyThreshold *float64 // nil means no entropy gate
	Severity         Severity
	Category         Category
	ValidatorID      string // empty means no validator probe is defined
}

func entropyThreshold(v float64) *float64 { return &v }

// BuiltinDetectors is the default detector library, ported from the
// reference scanner's registry. Order only matters for Finding emission
// order within a single scan pass; matches are additive across detectors.
var BuiltinDetectors = []Detector{
	{
		Name:        "AWS Access Key ID",
		Description: "AWS access key identifier",
		Pattern:     regexp.MustCompile(`(?i)(AKIA[0-9A-Z]{16})`),
		Severity:    SeverityHigh,
		Category:    CategoryCloudProvider,
		ValidatorID: "aws",
	},
	{
		Name:             "AWS Secret Access Key",
		Description:      "AWS secret access key",
		Pattern:          regexp.MustCompile(`(?i)aws(.{0,20})?['"][0-9a-zA-Z/+]{40}['"]`),
		Keywords:         []string{"aws"},
		EntropyThreshold: entropyThreshold(4.5),
		Severity:         SeverityCritical,
		Category:         CategoryCloudProvider,
		ValidatorID:      "aws",
	},
	{
		Name:             "AWS Session Token",
		Description:      "AWS temporary session token",
		Pattern:          regexp.MustCompile(`(?i)aws(.{0,20})?session(.{0,20})?['"][0-9a-zA-Z/+=]{100,}['"]`),
		Keywords:         []string{"aws", "session"},
		EntropyThreshold: entropyThreshold(4.0),
		Severity:         SeverityMedium,
		Category:         CategoryToken,
		ValidatorID:      "aws",
	},
	{
		Name:        "GitHub Personal Access Token",
		Description: "classic GitHub PAT",
		Pattern:     regexp.MustCompile(`ghp_[0-9a-zA-Z]{36}`),
		Severity:    SeverityHigh,
		Category:    CategoryToken,
		ValidatorID: "github",
	},
	{
		Name:        "GitHub Fine-Grained PAT",
		Description: "fine-grained GitHub PAT",
		Pattern:     regexp.MustCompile(`github_pat_[0-9a-zA-Z_]{82}`),
		Severity:    SeverityHigh,
		Category:    CategoryToken,
		ValidatorID: "github",
	},
	{
		Name:        "GitHub OAuth Token",
		Description: "GitHub OAuth access token",
		Pattern:     regexp.MustCompile(`gho_[0-9a-zA-Z]{36}`),
		Severity:    SeverityMedium,
		Category:    CategoryToken,
		ValidatorID: "github",
	},
	{
		Name:        "GitHub App Token",
		Description: "GitHub App installation token",
		Pattern:     regexp.MustCompile(`ghs_[0-9a-zA-Z]{36}`),
		Severity:    SeverityHigh,
		Category:    CategoryToken,
		ValidatorID: "github",
	},
	{
		Name:        "MongoDB Connection String",
		Description: "mongodb:// connection string with credentials",
		Pattern:     regexp.MustCompile(`mongodb://[^:]+:[^@]+@[^/\s]+`),
		Severity:    SeverityHigh,
		Category:    CategoryDatabase,
	},
	{
		Name:        "MongoDB Atlas Connection",
		Description: "mongodb+srv:// Atlas connection string with credentials",
		Pattern:     regexp.MustCompile(`mongodb\+srv://[^:]+:[^@]+@[^/\s]+`),
		Severity:    SeverityHigh,
		Category:    CategoryDatabase,
	},
	{
		Name:        "Google API Key",
		Description: "Google API key",
		Pattern:     regexp.MustCompile(`AIza[0-9A-Za-z\-_]{35}`),
		Severity:    SeverityHigh,
		Category:    CategoryAPIKey,
		ValidatorID: "google",
	},
	{
		Name:        "Google Service Account",
		Description: "Google service account JSON key",
		Pattern:     regexp.MustCompile(`"type"\s*:\s*"service_account"`),
		Severity:    SeverityCritical,
		Category:    CategoryCertificate,
	},
	{
		Name:        "Slack Bot Token",
		Description: "Slack bot OAuth token",
		Pattern:     regexp.MustCompile(`xoxb-[0-9a-zA-Z-]{10,}`),
		Severity:    SeverityMedium,
		Category:    CategoryToken,
		ValidatorID: "slack",
	},
	{
		Name:        "Slack Webhook URL",
		Description: "Slack incoming webhook URL",
		Pattern:     regexp.MustCompile(`https://hooks\.slack\.com/services/[A-Za-z0-9/]+`),
		Severity:    SeverityMedium,
		Category:    CategoryWebhook,
	},
	{
		Name:        "Discord Bot Token",
		Description: "Discord bot token",
		Pattern:     regexp.MustCompile(`[MN][A-Za-z\d]{23}\.[\w-]{6}\.[\w-]{27}`),
		Severity:    SeverityMedium,
		Category:    CategoryToken,
		ValidatorID: "discord",
	},
	{
		Name:        "Discord Webhook",
		Description: "Discord webhook URL",
		Pattern:     regexp.MustCompile(`https://discord(?:app)?\.com/api/webhooks/[0-9]+/[A-Za-z0-9_-]+`),
		Severity:    SeverityLow,
		Category:    CategoryWebhook,
	},
	{
		Name:        "SSH Private Key",
		Description: "PEM-encoded SSH/PGP private key",
		Pattern:     regexp.MustCompile(`-----BEGIN (?:RSA|OPENSSH|DSA|EC|PGP) PRIVATE KEY-----`),
		Severity:    SeverityCritical,
		Category:    CategoryCertificate,
	},
	{
		Name:        "JWT Token",
		Description: "JSON Web Token",
		Pattern:     regexp.MustCompile(`eyJ[A-Za-z0-9_-]+\.eyJ[A-Za-z0-9_-]+\.[A-Za-z0-9_-]+`),
		Severity:    SeverityMedium,
		Category:    CategoryToken,
		ValidatorID: "jwt",
	},
	{
		Name:        "Stripe API Key",
		Description: "Stripe secret key",
		Pattern:     regexp.MustCompile(`sk_(?:test|live)_[0-9a-zA-Z]{24}`),
		Severity:    SeverityHigh,
		Category:    CategoryAPIKey,
		ValidatorID: "stripe",
	},
	{
		Name:        "SendGrid API Key",
		Description: "SendGrid API key",
		Pattern:     regexp.MustCompile(`SG\.[0-9A-Za-z_-]{22}\.[0-9A-Za-z_-]{43}`),
		Severity:    SeverityMedium,
		Category:    CategoryAPIKey,
		ValidatorID: "sendgrid",
	},
	{
		Name:        "Twilio API Key",
		Description: "Twilio API key",
		Pattern:     regexp.MustCompile(`SK[a-z0-9]{32}`),
		Severity:    SeverityMedium,
		Category:    CategoryAPIKey,
		ValidatorID: "twilio",
	},
	{
		Name:             "Generic API Key",
		Description:      "generically-labeled API key assignment",
		Pattern:          regexp.MustCompile(`(?i)api[_-]?key['"]?\s*[:=]\s*['"][0-9a-zA-Z]{20,}['"]`),
		Keywords:         []string{"api_key", "apikey"},
		EntropyThreshold: entropyThreshold(4.0),
		Severity:         SeverityMedium,
		Category:         CategoryAPIKey,
	},
	{
		Name:             "Generic Password",
		Description:      "generically-labeled password assignment",
		Pattern:          regexp.MustCompile(`(?i)password['"]?\s*[:=]\s*['"][^'"\s]{8,}['"]`),
		Keywords:         []string{"password"},
		EntropyThreshold: entropyThreshold(3.5),
		Severity:         SeverityMedium,
		Category:         CategoryPassword,
	},
	{
		Name:             "Generic Secret",
		Description:      "generically-labeled secret assignment",
		Pattern:          regexp.MustCompile(`(?i)secret['"]?\s*[:=]\s*['"][0-9a-zA-Z]{16,}['"]`),
		Keywords:         []string{"secret"},
		EntropyThreshold: entropyThreshold(4.0),
		Severity:         SeverityMedium,
		Category:         CategoryToken,
	},
	{
		Name:             "High Entropy String",
		Description:      "high-entropy base64-like string with no other match",
		Pattern:          regexp.MustCompile(`[A-Za-z0-9+/=]{32,}`),
		EntropyThreshold: entropyThreshold(5.5),
		Severity:         SeverityLow,
		Category:         CategoryOther,
	},
}
