package streams

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/ugcreach/engage/internal/workflow"
)

// Publisher appends run lifecycle events to a Redis Stream so external
// consumers (dashboards, outreach delivery workers) can follow progress.
type Publisher struct {
	client *redis.Client
	stream string
	maxLen int64
}

// NewPublisher creates a Publisher appending to the given stream.
func NewPublisher(client *redis.Client, stream string, maxLen int64) *Publisher {
	return &Publisher{client: client, stream: stream, maxLen: maxLen}
}

// Publish validates the envelope and appends it to the stream.
func (p *Publisher) Publish(ctx context.Context, envelope Envelope) (string, error) {
	if p.stream == "" {
		return "", fmt.Errorf("stream name is required")
	}
	if envelope.EventID == "" {
		envelope.EventID = uuid.NewString()
	}
	if envelope.OccurredAt.IsZero() {
		envelope.OccurredAt = time.Now().UTC()
	}
	if envelope.Version == "" {
		envelope.Version = PayloadVersion
	}
	raw, err := envelope.Marshal()
	if err != nil {
		return "", err
	}
	args := &redis.XAddArgs{
		Stream: p.stream,
		Values: map[string]interface{}{"envelope": raw},
	}
	if p.maxLen > 0 {
		args.MaxLen = p.maxLen
		args.Approx = true
	}
	id, err := p.client.XAdd(ctx, args).Result()
	if err != nil {
		return "", fmt.Errorf("xadd: %w", err)
	}
	return id, nil
}

func (p *Publisher) publishRaw(ctx context.Context, eventType, runID string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	_, err = p.Publish(ctx, Envelope{
		EventType: eventType,
		RunID:     runID,
		Data:      data,
	})
	return err
}

// PublishRunStatus emits a run status transition.
func (p *Publisher) PublishRunStatus(ctx context.Context, runID string, status workflow.RunStatus) error {
	return p.publishRaw(ctx, EventRunStatus, runID, map[string]interface{}{
		"run_id": runID,
		"status": string(status),
	})
}

// PublishNodeResult emits one node's trace entry as it resolves.
func (p *Publisher) PublishNodeResult(ctx context.Context, runID string, res workflow.NodeResult) error {
	return p.publishRaw(ctx, EventNodeResult, runID, map[string]interface{}{
		"run_id": runID,
		"node":   res.NodeName,
		"status": string(res.Status),
		"error":  res.Error,
	})
}
