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

package validator

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/abcxyz/secrethunter/pkg/githubclient"
)

// probeAWS is structural-only by policy: a live call would authenticate
// into the victim's AWS account and could alert defenders. See DESIGN.md.
func (v *Validator) probeAWS(ctx context.Context, matchedText string) Record {
	return Record{Method: "aws-structural", Unknown: true,
		AdditionalInfo: map[string]string{"note": "live AWS validation is disabled by policy"}}
}

// probeTwilio is structural-only: validating requires an account SID the
// scanner does not have alongside the auth token alone.
func (v *Validator) probeTwilio(ctx context.Context, matchedText string) Record {
	return Record{Method: "twilio-structural", Unknown: true,
		AdditionalInfo: map[string]string{"note": "twilio validation requires an account SID"}}
}

func (v *Validator) probeGitHub(ctx context.Context, matchedText string) Record {
	user, resp, err := githubclient.GetUser(ctx, matchedText, "secrethunter-validator")
	if rec, timedOut := unknownOnTimeout(ctx, "github-user"); timedOut {
		return rec
	}
	if resp != nil && resp.StatusCode == http.StatusUnauthorized {
		return Record{Method: "github-user", IsValid: false, Error: "Token is invalid or expired"}
	}
	if err != nil || resp == nil || resp.StatusCode/100 != 2 {
		return Record{Method: "github-user", IsValid: false, Error: "unexpected response from GitHub"}
	}
	return Record{
		Method:  "github-user",
		IsValid: true,
		AdditionalInfo: map[string]string{
			"login": user.GetLogin(),
			"type":  user.GetType(),
		},
	}
}

func (v *Validator) probeSlack(ctx context.Context, matchedText string) Record {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "https://slack.com/api/auth.test", nil)
	if err != nil {
		return Record{Method: "slack-auth-test", Unknown: true, Error: err.Error()}
	}
	req.Header.Set("Authorization", "Bearer "+matchedText)

	resp, err := v.httpClient.Do(req)
	if rec, timedOut := unknownOnTimeout(ctx, "slack-auth-test"); timedOut {
		return rec
	}
	if err != nil {
		return Record{Method: "slack-auth-test", Unknown: true, Error: err.Error()}
	}
	defer resp.Body.Close()

	var body struct {
		OK   bool   `json:"ok"`
		Team string `json:"team"`
		User string `json:"user"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&body)

	return Record{
		Method:  "slack-auth-test",
		IsValid: body.OK,
		AdditionalInfo: map[string]string{
			"team": body.Team,
			"user": body.User,
		},
	}
}

func (v *Validator) probeDiscord(ctx context.Context, matchedText string) Record {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "https://discord.com/api/users/@me", nil)
	if err != nil {
		return Record{Method: "discord-users-me", Unknown: true, Error: err.Error()}
	}
	req.Header.Set("Authorization", "Bot "+matchedText)

	resp, err := v.httpClient.Do(req)
	if rec, timedOut := unknownOnTimeout(ctx, "discord-users-me"); timedOut {
		return rec
	}
	if err != nil {
		return Record{Method: "discord-users-me", Unknown: true, Error: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return Record{Method: "discord-users-me", IsValid: false}
	}

	var body struct {
		Username      string `json:"username"`
		Discriminator string `json:"discriminator"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&body)

	return Record{
		Method:  "discord-users-me",
		IsValid: true,
		AdditionalInfo: map[string]string{
			"username":      body.Username,
			"discriminator": body.Discriminator,
		},
	}
}

func (v *Validator) probeGoogle(ctx context.Context, matchedText string) Record {
	url := "https://www.googleapis.com/discovery/v1/apis?key=" + matchedText
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Record{Method: "google-discovery", Unknown: true, Error: err.Error()}
	}

	resp, err := v.httpClient.Do(req)
	if rec, timedOut := unknownOnTimeout(ctx, "google-discovery"); timedOut {
		return rec
	}
	if err != nil {
		return Record{Method: "google-discovery", Unknown: true, Error: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusForbidden {
		return Record{Method: "google-discovery", IsValid: false}
	}
	return Record{Method: "google-discovery", IsValid: resp.StatusCode/100 == 2}
}

func (v *Validator) probeStripe(ctx context.Context, matchedText string) Record {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "https://api.stripe.com/v1/account", nil)
	if err != nil {
		return Record{Method: "stripe-account", Unknown: true, Error: err.Error()}
	}
	req.Header.Set("Authorization", "Bearer "+matchedText)

	resp, err := v.httpClient.Do(req)
	if rec, timedOut := unknownOnTimeout(ctx, "stripe-account"); timedOut {
		return rec
	}
	if err != nil {
		return Record{Method: "stripe-account", Unknown: true, Error: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return Record{Method: "stripe-account", IsValid: false}
	}

	var body struct {
		Country      string `json:"country"`
		BusinessType string `json:"business_type"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&body)

	return Record{
		Method:  "stripe-account",
		IsValid: true,
		AdditionalInfo: map[string]string{
			"country":       body.Country,
			"business_type": body.BusinessType,
		},
	}
}

func (v *Validator) probeSendGrid(ctx context.Context, matchedText string) Record {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "https://api.sendgrid.com/v3/user/account", nil)
	if err != nil {
		return Record{Method: "sendgrid-account", Unknown: true, Error: err.Error()}
	}
	req.Header.Set("Authorization", "Bearer "+matchedText)

	resp, err := v.httpClient.Do(req)
	if rec, timedOut := unknownOnTimeout(ctx, "sendgrid-account"); timedOut {
		return rec
	}
	if err != nil {
		return Record{Method: "sendgrid-account", Unknown: true, Error: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return Record{Method: "sendgrid-account", IsValid: false}
	}
	return Record{Method: "sendgrid-account", IsValid: resp.StatusCode/100 == 2}
}
