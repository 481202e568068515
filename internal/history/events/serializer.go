package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/linkflow/execplane/internal/history/types"
)

const currentSerializerVersion = 1

var ErrEmptyPayload = errors.New("cannot deserialize empty data")

// Serializer encodes history events for storage. The envelope carries a
// serializer version so the on-disk format can evolve without rewriting
// existing histories.
type Serializer struct{}

func NewSerializer() *Serializer {
	return &Serializer{}
}

type serializedEvent struct {
	Version    int             `json:"v"`
	EventID    int64           `json:"event_id"`
	EventType  int32           `json:"event_type"`
	Timestamp  int64           `json:"timestamp"`
	Attributes json.RawMessage `json:"attributes,omitempty"`
}

func (s *Serializer) Serialize(event *types.HistoryEvent) ([]byte, error) {
	if event == nil {
		return nil, errors.New("cannot serialize nil event")
	}

	se := serializedEvent{
		Version:   currentSerializerVersion,
		EventID:   event.EventID,
		EventType: int32(event.EventType),
		Timestamp: event.Timestamp.UnixNano(),
	}

	if event.Attributes != nil {
		attrBytes, err := json.Marshal(event.Attributes)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal attributes: %w", err)
		}
		se.Attributes = attrBytes
	}

	return json.Marshal(se)
}

func (s *Serializer) Deserialize(data []byte) (*types.HistoryEvent, error) {
	if len(data) == 0 {
		return nil, ErrEmptyPayload
	}

	var se serializedEvent
	if err := json.Unmarshal(data, &se); err != nil {
		return nil, fmt.Errorf("failed to unmarshal event: %w", err)
	}

	event := &types.HistoryEvent{
		EventID:   se.EventID,
		EventType: types.EventType(se.EventType),
		Timestamp: time.Unix(0, se.Timestamp).UTC(),
	}

	if len(se.Attributes) > 0 {
		attrs, err := deserializeAttributes(event.EventType, se.Attributes)
		if err != nil {
			return nil, err
		}
		event.Attributes = attrs
	}

	return event, nil
}

func deserializeAttributes(eventType types.EventType, raw json.RawMessage) (any, error) {
	var attrs any
	switch eventType {
	case types.EventTypeExecutionStarted:
		attrs = &types.ExecutionStartedAttributes{}
	case types.EventTypeNodeScheduled:
		attrs = &types.NodeScheduledAttributes{}
	case types.EventTypeNodeStarted:
		attrs = &types.NodeStartedAttributes{}
	case types.EventTypeNodeCompleted:
		attrs = &types.NodeCompletedAttributes{}
	case types.EventTypeNodeFailed:
		attrs = &types.NodeFailedAttributes{}
	case types.EventTypeNodeTimedOut:
		attrs = &types.NodeTimedOutAttributes{}
	case types.EventTypeTimerStarted:
		attrs = &types.TimerStartedAttributes{}
	case types.EventTypeTimerFired:
		attrs = &types.TimerFiredAttributes{}
	case types.EventTypeTimerCancelled:
		attrs = &types.TimerCancelledAttributes{}
	case types.EventTypeSignalReceived:
		attrs = &types.SignalReceivedAttributes{}
	case types.EventTypeWorkflowCompleted:
		attrs = &types.WorkflowCompletedAttributes{}
	case types.EventTypeWorkflowFailed:
		attrs = &types.WorkflowFailedAttributes{}
	case types.EventTypeWorkflowCancelled:
		attrs = &types.WorkflowCancelledAttributes{}
	case types.EventTypeDecisionTaskScheduled:
		attrs = &types.DecisionTaskScheduledAttributes{}
	case types.EventTypeDecisionTaskStarted:
		attrs = &types.DecisionTaskStartedAttributes{}
	case types.EventTypeDecisionTaskCompleted:
		attrs = &types.DecisionTaskCompletedAttributes{}
	default:
		var generic map[string]any
		if err := json.Unmarshal(raw, &generic); err != nil {
			return nil, fmt.Errorf("failed to unmarshal attributes for unknown event type %d: %w", eventType, err)
		}
		return generic, nil
	}

	if err := json.Unmarshal(raw, attrs); err != nil {
		return nil, fmt.Errorf("failed to unmarshal attributes for event type %s: %w", eventType, err)
	}

	return attrs, nil
}

func (s *Serializer) SerializeEvents(events []*types.HistoryEvent) ([][]byte, error) {
	result := make([][]byte, len(events))
	for i, event := range events {
		data, err := s.Serialize(event)
		if err != nil {
			return nil, fmt.Errorf("failed to serialize event %d: %w", event.EventID, err)
		}
		result[i] = data
	}
	return result, nil
}

func (s *Serializer) DeserializeEvents(dataList [][]byte) ([]*types.HistoryEvent, error) {
	result := make([]*types.HistoryEvent, len(dataList))
	for i, data := range dataList {
		event, err := s.Deserialize(data)
		if err != nil {
			return nil, fmt.Errorf("failed to deserialize event at index %d: %w", i, err)
		}
		result[i] = event
	}
	return result, nil
}
