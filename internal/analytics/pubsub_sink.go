package analytics

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"cloud.google.com/go/pubsub"
)

// PubSubSink publishes rows to a Google Cloud Pub/Sub topic for durable,
// at-least-once delivery into the warehouse loader.
//
// Message ordering is enabled with the blockable id as the ordering key, so
// rows for one blockable are externalized in the order they were emitted
// while rows across blockables remain independent.
type PubSubSink struct {
	client *pubsub.Client
	topic  *pubsub.Topic
	logger *log.Logger
}

// NewPubSubSink creates a sink on the given topic, creating the topic if it
// does not exist.
func NewPubSubSink(projectID, topicID string) (*PubSubSink, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	client, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub.NewClient: %w", err)
	}

	topic := client.Topic(topicID)
	exists, err := topic.Exists(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("topic.Exists: %w", err)
	}
	if !exists {
		topic, err = client.CreateTopic(ctx, topicID)
		if err != nil {
			client.Close()
			return nil, fmt.Errorf("CreateTopic: %w", err)
		}
	}
	topic.EnableMessageOrdering = true

	sink := &PubSubSink{
		client: client,
		topic:  topic,
		logger: log.New(log.Writer(), "[Analytics] ", log.LstdFlags),
	}
	sink.logger.Printf("Connected to Pub/Sub topic: projects/%s/topics/%s", projectID, topicID)
	return sink, nil
}

// Insert publishes the row. The publish result is checked off the hot path;
// a failed publish is logged and dropped.
func (s *PubSubSink) Insert(row Row) {
	payload, err := json.Marshal(row.Fields)
	if err != nil {
		s.logger.Printf("Failed to marshal %s row: %v", row.Table, err)
		return
	}

	result := s.topic.Publish(context.Background(), &pubsub.Message{
		Data: payload,
		Attributes: map[string]string{
			"table": string(row.Table),
		},
		OrderingKey: row.OrderKey,
	})

	go func() {
		if _, err := result.Get(context.Background()); err != nil {
			s.logger.Printf("Publish failed for %s row (key=%s): %v", row.Table, row.OrderKey, err)
			// A failed publish pauses the ordering key; resume so later
			// rows for the same blockable are not wedged.
			s.topic.ResumePublish(row.OrderKey)
		}
	}()
}

// Close stops the topic and shuts down the client.
func (s *PubSubSink) Close() error {
	s.topic.Stop()
	if err := s.client.Close(); err != nil {
		return fmt.Errorf("pubsub client close: %w", err)
	}
	return nil
}

var _ Sink = (*PubSubSink)(nil)
