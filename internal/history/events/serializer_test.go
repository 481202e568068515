package events

import (
	"testing"
	"time"

	"github.com/linkflow/execplane/internal/history/types"
)

func TestSerializer_RoundTripTypedAttributes(t *testing.T) {
	s := NewSerializer()
	now := time.Now().UTC().Truncate(time.Nanosecond)

	event := &types.HistoryEvent{
		EventID:   7,
		EventType: types.EventTypeNodeCompleted,
		Timestamp: now,
		Attributes: &types.NodeCompletedAttributes{
			ScheduledEventID: 4,
			Attempt:          2,
			Output:           []byte(`{"status":200}`),
			Metadata:         map[string]string{"node_id": "fetch"},
		},
	}

	data, err := s.Serialize(event)
	if err != nil {
		t.Fatalf("serialize: %v", err)
	}

	got, err := s.Deserialize(data)
	if err != nil {
		t.Fatalf("deserialize: %v", err)
	}
	if got.EventID != 7 || got.EventType != types.EventTypeNodeCompleted {
		t.Fatalf("unexpected envelope: %+v", got)
	}
	if !got.Timestamp.Equal(now) {
		t.Fatalf("timestamp changed: want %v, got %v", now, got.Timestamp)
	}

	attrs, ok := got.Attributes.(*types.NodeCompletedAttributes)
	if !ok {
		t.Fatalf("attributes decoded as %T, want *types.NodeCompletedAttributes", got.Attributes)
	}
	if attrs.ScheduledEventID != 4 || attrs.Attempt != 2 || attrs.Metadata["node_id"] != "fetch" {
		t.Fatalf("unexpected attributes: %+v", attrs)
	}
	if string(attrs.Output) != `{"status":200}` {
		t.Fatalf("unexpected output: %s", attrs.Output)
	}
}

func TestSerializer_UnknownEventTypeFallsBackToMap(t *testing.T) {
	s := NewSerializer()
	event := &types.HistoryEvent{
		EventID:    1,
		EventType:  types.EventType(99),
		Timestamp:  time.Now().UTC(),
		Attributes: map[string]any{"custom": "value"},
	}

	data, err := s.Serialize(event)
	if err != nil {
		t.Fatalf("serialize: %v", err)
	}
	got, err := s.Deserialize(data)
	if err != nil {
		t.Fatalf("deserialize: %v", err)
	}

	attrs, ok := got.Attributes.(map[string]any)
	if !ok {
		t.Fatalf("attributes decoded as %T, want map", got.Attributes)
	}
	if attrs["custom"] != "value" {
		t.Fatalf("unexpected attributes: %v", attrs)
	}
}

func TestSerializer_EdgeCases(t *testing.T) {
	s := NewSerializer()

	if _, err := s.Serialize(nil); err == nil {
		t.Fatal("expected error for nil event")
	}
	if _, err := s.Deserialize(nil); err != ErrEmptyPayload {
		t.Fatalf("expected ErrEmptyPayload, got %v", err)
	}
	if _, err := s.Deserialize([]byte("{not json")); err == nil {
		t.Fatal("expected error for malformed payload")
	}
}

func TestSerializer_BatchRoundTrip(t *testing.T) {
	s := NewSerializer()
	events := []*types.HistoryEvent{
		{EventID: 1, EventType: types.EventTypeExecutionStarted, Timestamp: time.Now().UTC()},
		{EventID: 2, EventType: types.EventTypeDecisionTaskScheduled, Timestamp: time.Now().UTC()},
	}

	blobs, err := s.SerializeEvents(events)
	if err != nil {
		t.Fatalf("serialize batch: %v", err)
	}
	got, err := s.DeserializeEvents(blobs)
	if err != nil {
		t.Fatalf("deserialize batch: %v", err)
	}
	if len(got) != 2 || got[0].EventID != 1 || got[1].EventID != 2 {
		t.Fatalf("unexpected batch: %+v", got)
	}
}
