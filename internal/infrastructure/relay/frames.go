package relay

import (
	"encoding/json"

	"voicerelay/internal/core/domain"
)

// envelope holds the fields the relay reads from a frame. Every field is
// optional; peer frames are untrusted input.
type envelope struct {
	Type       domain.FrameType `json:"type"`
	ItemID     string           `json:"item_id,omitempty"`
	Delta      string           `json:"delta,omitempty"`
	Transcript string           `json:"transcript,omitempty"`
}

// parseEnvelope never fails: frames that are not JSON objects have no type.
func parseEnvelope(data []byte) envelope {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return envelope{}
	}
	return env
}

type errorFrame struct {
	Type    domain.FrameType `json:"type"`
	Message string           `json:"message"`
}

func encodeError(message string) []byte {
	data, err := json.Marshal(errorFrame{Type: domain.FrameError, Message: message})
	if err != nil {
		return []byte(`{"type":"error","message":"internal error"}`)
	}
	return data
}

const upstreamErrorMessage = "Upstream connection error"

type pendingFrame struct {
	frameType domain.FrameType
	data      []byte
}
