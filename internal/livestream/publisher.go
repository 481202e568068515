// Package livestream fans execution progress out over Redis pub/sub so
// frontends can stream node transitions to watchers in real time.
package livestream

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/linkflow/execplane/internal/history/types"
)

const channelPrefix = "linkflow:events:"

// Channel returns the pub/sub channel for one execution.
func Channel(key types.ExecutionKey) string {
	return channelPrefix + key.String()
}

// Event is one progress update on the stream.
type Event struct {
	Type       string          `json:"type"`
	NodeID     string          `json:"node_id,omitempty"`
	Status     string          `json:"status,omitempty"`
	Detail     json.RawMessage `json:"detail,omitempty"`
	Namespace  string          `json:"namespace"`
	WorkflowID string          `json:"workflow_id"`
	RunID      string          `json:"run_id"`
	Timestamp  time.Time       `json:"timestamp"`
}

// Publisher pushes events. Publishing is best effort: a dropped update
// never blocks or fails workflow progress.
type Publisher struct {
	client redis.UniversalClient
}

func NewPublisher(client redis.UniversalClient) *Publisher {
	return &Publisher{client: client}
}

func (p *Publisher) Publish(ctx context.Context, key types.ExecutionKey, event *Event) error {
	event.Namespace = key.Namespace
	event.WorkflowID = key.WorkflowID
	event.RunID = key.RunID
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode livestream event: %w", err)
	}
	return p.client.Publish(ctx, Channel(key), payload).Err()
}

// Subscriber receives events for one execution.
type Subscriber struct {
	pubsub *redis.PubSub
	events chan *Event
}

// Subscribe starts streaming events for the execution. Close the
// subscriber to release the connection.
func Subscribe(ctx context.Context, client redis.UniversalClient, key types.ExecutionKey) (*Subscriber, error) {
	pubsub := client.Subscribe(ctx, Channel(key))
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", Channel(key), err)
	}

	s := &Subscriber{pubsub: pubsub, events: make(chan *Event, 64)}
	go func() {
		defer close(s.events)
		for msg := range pubsub.Channel() {
			var event Event
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				continue
			}
			select {
			case s.events <- &event:
			default:
				// Slow consumer; drop rather than stall the stream.
			}
		}
	}()
	return s, nil
}

func (s *Subscriber) Events() <-chan *Event { return s.events }

func (s *Subscriber) Close() error { return s.pubsub.Close() }
