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

package alerting

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/abcxyz/secrethunter/pkg/store"
	"github.com/abcxyz/secrethunter/pkg/triage"
)

func referenceSignature(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// TestSend_SignatureVerifiesAgainstSharedSecret is invariant I7: the
// receiver must be able to recompute an identical digest from the raw
// body and the shared secret alone.
func TestSend_SignatureVerifiesAgainstSharedSecret(t *testing.T) {
	const secret = "shh"
	var gotSig string
	var gotBody []byte

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSig = r.Header.Get(SHA256SignatureHeader)
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	sink, err := NewWebhookSink(srv.URL, secret, nil)
	if err != nil {
		t.Fatalf("NewWebhookSink: %v", err)
	}

	body := []byte(`{"hash":"abc"}`)
	if err := sink.Send(context.Background(), body); err != nil {
		t.Fatalf("Send: %v", err)
	}

	want := referenceSignature(secret, gotBody)
	if gotSig != want {
		t.Errorf("signature = %q, want %q", gotSig, want)
	}
}

func TestNewWebhookSink_RejectsEmptySecret(t *testing.T) {
	if _, err := NewWebhookSink("https://example.com", "", nil); err == nil {
		t.Fatal("NewWebhookSink with empty secret: want error, got nil")
	}
}

func TestDispatcher_SkipsBelowPriorityFloor(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	sink, err := NewWebhookSink(srv.URL, "secret", nil)
	if err != nil {
		t.Fatalf("NewWebhookSink: %v", err)
	}
	d := NewDispatcher(sink, nil, triage.PriorityHigh)

	if err := d.Notify(context.Background(), store.StoredFinding{}, triage.Record{Priority: triage.PriorityLow}); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if calls != 0 {
		t.Errorf("webhook called %d times, want 0 below the priority floor", calls)
	}

	if err := d.Notify(context.Background(), store.StoredFinding{}, triage.Record{Priority: triage.PriorityImmediate}); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if calls != 1 {
		t.Errorf("webhook called %d times, want 1 at or above the priority floor", calls)
	}
}
