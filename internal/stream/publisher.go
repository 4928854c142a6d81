package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/mohammad-safakhou/videomuse/internal/engine"
)

// Envelope wraps a run event for the wire: a stable id and the task it
// belongs to, around the event payload itself.
type Envelope struct {
	EventID    string       `json:"event_id"`
	TaskID     string       `json:"task_id"`
	OccurredAt time.Time    `json:"occurred_at"`
	Event      engine.Event `json:"event"`
}

// Publisher appends run events to a Redis stream so UIs and other consumers
// can follow tasks live. It implements engine.EventSink; publish failures
// are logged and dropped rather than failing the run.
type Publisher struct {
	client *redis.Client
	stream string
	maxLen int64
	logger *log.Logger
}

// NewPublisher builds a publisher for the given stream name. maxLen trims
// the stream approximately; zero disables trimming.
func NewPublisher(client *redis.Client, streamName string, maxLen int64, logger *log.Logger) *Publisher {
	if logger == nil {
		logger = log.New(log.Writer(), "[STREAM] ", log.LstdFlags)
	}
	return &Publisher{client: client, stream: streamName, maxLen: maxLen, logger: logger}
}

// Publish appends one envelope and returns the stream entry id.
func (p *Publisher) Publish(ctx context.Context, env Envelope) (string, error) {
	if p.stream == "" {
		return "", fmt.Errorf("stream name is required")
	}
	if env.EventID == "" {
		env.EventID = uuid.NewString()
	}
	if env.OccurredAt.IsZero() {
		env.OccurredAt = time.Now().UTC()
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("marshal envelope: %w", err)
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
		return "", fmt.Errorf("xadd %s: %w", p.stream, err)
	}
	return id, nil
}

// OnEvent satisfies engine.EventSink. The stream is an observability
// surface; losing an entry must never fail the task producing it.
func (p *Publisher) OnEvent(taskID string, ev engine.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := p.Publish(ctx, Envelope{TaskID: taskID, Event: ev, OccurredAt: ev.Timestamp}); err != nil {
		p.logger.Printf("event publish failed for task %s: %v", taskID, err)
	}
}
