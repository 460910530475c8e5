package codec

import (
	"encoding/json"
	"errors"
	"maps"
	"time"

	"github.com/rbaliyan/eventstream/transport/message"
	"go.opentelemetry.io/otel/trace"
)

// JSON implements Codec using JSON serialization.
// This is the default codec, providing human-readable output.
//
// Payload handling:
//   - Encode: marshals payload to JSON (a json.RawMessage is embedded as is)
//   - Decode: payload is json.RawMessage, unmarshaled by the listener
type JSON struct{}

type jsonMessage struct {
	ID        string            `json:"id"`
	Source    string            `json:"source"`
	Payload   json.RawMessage   `json:"payload,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// Encode serializes a message to JSON bytes
func (c JSON) Encode(msg Message) ([]byte, error) {
	jm := jsonMessage{
		ID:        msg.ID(),
		Source:    msg.Source(),
		Timestamp: msg.Timestamp(),
	}

	if p := msg.Payload(); p != nil {
		raw, ok := p.(json.RawMessage)
		if !ok {
			var err error
			if raw, err = json.Marshal(p); err != nil {
				return nil, errors.Join(ErrEncodeFailure, err)
			}
		}
		jm.Payload = raw
	}

	if msg.Metadata() != nil {
		jm.Metadata = make(map[string]string)
		maps.Copy(jm.Metadata, msg.Metadata())
	}

	data, err := json.Marshal(jm)
	if err != nil {
		return nil, errors.Join(ErrEncodeFailure, err)
	}

	return data, nil
}

// Decode deserializes JSON bytes to a message
func (c JSON) Decode(data []byte) (Message, error) {
	var jm jsonMessage
	if err := json.Unmarshal(data, &jm); err != nil {
		return nil, errors.Join(ErrDecodeFailure, err)
	}

	var metadata map[string]string
	if jm.Metadata != nil {
		metadata = make(map[string]string)
		maps.Copy(metadata, jm.Metadata)
	}

	var payload any
	if jm.Payload != nil {
		payload = jm.Payload
	}

	return message.NewWithTimestamp(
		jm.ID,
		jm.Source,
		payload,
		metadata,
		trace.SpanContext{},
		jm.Timestamp,
	), nil
}

// ContentType returns the MIME type for JSON
func (c JSON) ContentType() string {
	return "application/json"
}

// Name returns the codec identifier
func (c JSON) Name() string {
	return "json"
}

var _ Codec = JSON{}
