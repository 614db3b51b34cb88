// Copyright 2024 The Authors (see AUTHORS file)
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package messaging publishes secret-hunter alerts onto a pubsub topic, one
// of the two transports pkg/alerting.Dispatcher can fan an alert out to.
package messaging

import (
	"context"
	"encoding/json"
	"fmt"

	"cloud.google.com/go/pubsub"
	"go.uber.org/zap"
)

// alertAttribute marks every message this package publishes, so a
// subscriber filtering a shared topic can distinguish hunter alerts from
// other producers.
const alertAttribute = "secrethunter-alert"

// PubSubMessager publishes alert payloads to a single Google Cloud pubsub
// topic.
type PubSubMessager struct {
	projectID string
	topicID   string

	client *pubsub.Client
	topic  *pubsub.Topic

	logger *zap.SugaredLogger
}

// NewPubSubMessager creates a PubSubMessager bound to projectID/topicID.
// The topic must already exist; this does not attempt to create it.
func NewPubSubMessager(ctx context.Context, projectID, topicID string, logger *zap.SugaredLogger) (*PubSubMessager, error) {
	client, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("messaging: create pubsub client: %w", err)
	}

	return &PubSubMessager{
		projectID: projectID,
		topicID:   topicID,
		client:    client,
		topic:     client.Topic(topicID),
		logger:    logger,
	}, nil
}

// Send publishes one alert payload, tagging it with a priority attribute
// extracted from the JSON body (when present) so subscribers can filter on
// pubsub attributes without unmarshaling every message.
func (p *PubSubMessager) Send(ctx context.Context, msg []byte) error {
	attrs := map[string]string{"source": alertAttribute}
	var body struct {
		Priority string `json:"priority"`
		Repo     string `json:"repo"`
	}
	if err := json.Unmarshal(msg, &body); err == nil {
		if body.Priority != "" {
			attrs["priority"] = body.Priority
		}
		if body.Repo != "" {
			attrs["repo"] = body.Repo
		}
	}

	result := p.topic.Publish(ctx, &pubsub.Message{
		Data:       msg,
		Attributes: attrs,
	})

	id, err := result.Get(ctx)
	if err != nil {
		return fmt.Errorf("messaging: publish alert: %w", err)
	}
	p.logger.Debugw("messaging: published alert", "message_id", id, "topic", p.topicID, "priority", attrs["priority"])
	return nil
}

// Cleanup stops the topic's publish loop and closes the underlying client.
func (p *PubSubMessager) Cleanup(ctx context.Context) error {
	p.topic.Stop()
	if err := p.client.Close(); err != nil {
		return fmt.Errorf("messaging: close pubsub client: %w", err)
	}
	return nil
}
