package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
)

// DeletionPublisher enqueues deferred message deletions.
type DeletionPublisher struct {
	writer *kafka.Writer
}

// NewDeletionPublisher constructs a publisher for the deletions topic.
func NewDeletionPublisher(k *Kafka, topic string) *DeletionPublisher {
	return &DeletionPublisher{writer: k.NewWriter(topic)}
}

// Publish writes one deletion instruction keyed by campaign.
func (p *DeletionPublisher) Publish(ctx context.Context, msg DeletionMessage) error {
	value, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("deletion publisher: marshal message: %w", err)
	}
	record := kafka.Message{
		Key:   msg.CampaignID[:],
		Value: value,
		Time:  time.Now().UTC(),
	}
	if err := p.writer.WriteMessages(ctx, record); err != nil {
		return fmt.Errorf("deletion publisher: write: %w", err)
	}
	return nil
}

// Close closes the writer.
func (p *DeletionPublisher) Close() error {
	return p.writer.Close()
}
