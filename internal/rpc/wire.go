package rpc

import (
	"encoding/json"

	"github.com/linkflow/execplane/internal/history/events"
	"github.com/linkflow/execplane/internal/history/types"
)

// History events cross the wire in the same envelope the event store uses,
// so the client gets typed attributes back instead of raw maps.
var wireSerializer = events.NewSerializer()

func encodeWireEvent(event *types.HistoryEvent) (json.RawMessage, error) {
	return wireSerializer.Serialize(event)
}

func decodeWireEvent(data json.RawMessage) (*types.HistoryEvent, error) {
	return wireSerializer.Deserialize(data)
}

func encodeWireEvents(eventList []*types.HistoryEvent) ([]json.RawMessage, error) {
	out := make([]json.RawMessage, 0, len(eventList))
	for _, event := range eventList {
		data, err := encodeWireEvent(event)
		if err != nil {
			return nil, err
		}
		out = append(out, data)
	}
	return out, nil
}
