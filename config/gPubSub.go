package config

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/sirupsen/logrus"
	"google.golang.org/api/option"
)

// StatusChangeMessage is the wire payload of the incident status-change stream.
// Consumers dedupe on (incident_id, new_status).
type StatusChangeMessage struct {
	EventID       string    `json:"event_id"`
	IncidentID    string    `json:"incident_id"`
	OldStatus     string    `json:"old_status"`
	NewStatus     string    `json:"new_status"`
	OccurredAt    time.Time `json:"occurred_at"`
	CorrelationId string    `json:"correlation_id,omitempty"`
}

var (
	pubsubClient   *pubsub.Client
	pubsubClientMu sync.Mutex
)

// GetClient returns a Pub/Sub client, initializing with retries if needed.
// It uses Application Default Credentials unless PUBSUB_CREDENTIALS_JSON is provided.
func GetClient(ctx context.Context) (*pubsub.Client, error) {
	pubsubClientMu.Lock()
	if pubsubClient != nil {
		c := pubsubClient
		pubsubClientMu.Unlock()
		return c, nil
	}
	pubsubClientMu.Unlock()

	projectID := getPubSubProjectID()
	if projectID == "" {
		return nil, errors.New("PUBSUB_PROJECT_ID/GOOGLE_CLOUD_PROJECT not set")
	}
	credJSON := os.Getenv("PUBSUB_CREDENTIALS_JSON")

	var attempt int
	for {
		attempt++

		var opts []option.ClientOption
		if credJSON != "" {
			opts = append(opts, option.WithCredentialsJSON([]byte(credJSON)))
		}
		c, err := pubsub.NewClient(ctx, projectID, opts...)
		if err == nil {
			pubsubClientMu.Lock()
			if pubsubClient == nil {
				pubsubClient = c
			} else {
				// Another goroutine won the race; close ours.
				_ = c.Close()
			}
			c2 := pubsubClient
			pubsubClientMu.Unlock()

			log.Printf("pubsub client ready (project_id=%s attempt=%d)", projectID, attempt)
			return c2, nil
		}

		sleep := backoffFor(attempt)
		log.Printf("failed to init pubsub client (project_id=%s attempt=%d): %v; retrying in %s", projectID, attempt, err, sleep)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(sleep):
		}
	}
}

func getPubSubProjectID() string {
	if v := os.Getenv("PUBSUB_PROJECT_ID"); v != "" {
		return v
	}
	if v := os.Getenv("GOOGLE_CLOUD_PROJECT"); v != "" {
		return v
	}
	return os.Getenv("GCP_PROJECT")
}

func StatusEventsTopic() string {
	if v := os.Getenv("STATUS_EVENTS_TOPIC"); v != "" {
		return v
	}
	return "incident-status-changes"
}

// PubSubStatusPublisher publishes status-change messages to STATUS_EVENTS_TOPIC.
type PubSubStatusPublisher struct {
	TopicName string
}

func NewPubSubStatusPublisher() *PubSubStatusPublisher {
	return &PubSubStatusPublisher{TopicName: StatusEventsTopic()}
}

// Publish sends msg and returns the server-assigned message id.
func (p *PubSubStatusPublisher) Publish(ctx context.Context, msg StatusChangeMessage) (string, error) {
	if p.TopicName == "" {
		return "", errors.New("STATUS_EVENTS_TOPIC is required")
	}
	client, err := GetClient(ctx)
	if err != nil {
		return "", err
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return "", fmt.Errorf("marshal status change: %w", err)
	}
	result := client.Topic(p.TopicName).Publish(ctx, &pubsub.Message{
		Data: data,
		Attributes: map[string]string{
			"incident_id": msg.IncidentID,
			"new_status":  msg.NewStatus,
		},
	})
	return result.Get(ctx)
}

// LogStatusPublisher writes status changes to the process logger. Used when
// no Pub/Sub project is configured (local development, memory store).
type LogStatusPublisher struct{}

func (LogStatusPublisher) Publish(ctx context.Context, msg StatusChangeMessage) (string, error) {
	GetLogger().WithFields(logrus.Fields{
		"incident_id": msg.IncidentID,
		"old_status":  msg.OldStatus,
		"new_status":  msg.NewStatus,
		"event_id":    msg.EventID,
	}).Info("incident status changed")
	return msg.EventID, nil
}

// PubSubConfigured reports whether a project id is available for Pub/Sub.
func PubSubConfigured() bool {
	return getPubSubProjectID() != ""
}
