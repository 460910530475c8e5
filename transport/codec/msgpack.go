package codec

import (
	"bytes"
	"errors"
	"maps"
	"time"

	"github.com/rbaliyan/eventstream/transport/message"
	"github.com/vmihailenco/msgpack/v5"
	"github.com/vmihailenco/msgpack/v5/msgpcode"
	"go.opentelemetry.io/otel/trace"
)

// MsgPack implements Codec with a MessagePack envelope.
//
// The envelope is a five element array: id, source, payload, metadata and
// the timestamp in Unix nanoseconds (0 for the zero time). Fields are only
// ever appended. A msgpack.RawMessage payload is embedded as is, so a decoded
// message can be republished unchanged; decoded payloads are
// msgpack.RawMessage, or nil when the message had none.
type MsgPack struct{}

type msgpackMessage struct {
	_msgpack struct{} `msgpack:",as_array"`

	ID        string
	Source    string
	Payload   msgpack.RawMessage
	Metadata  map[string]string
	Timestamp int64
}

var msgpackNil = msgpack.RawMessage{msgpcode.Nil}

// Encode serializes a message to MessagePack bytes
func (c MsgPack) Encode(msg Message) ([]byte, error) {
	mm := msgpackMessage{
		ID:       msg.ID(),
		Source:   msg.Source(),
		Payload:  msgpackNil,
		Metadata: maps.Clone(msg.Metadata()),
	}
	if ts := msg.Timestamp(); !ts.IsZero() {
		mm.Timestamp = ts.UnixNano()
	}

	switch p := msg.Payload().(type) {
	case nil:
	case msgpack.RawMessage:
		mm.Payload = p
	default:
		raw, err := msgpack.Marshal(p)
		if err != nil {
			return nil, errors.Join(ErrEncodeFailure, err)
		}
		mm.Payload = raw
	}

	data, err := msgpack.Marshal(&mm)
	if err != nil {
		return nil, errors.Join(ErrEncodeFailure, err)
	}
	return data, nil
}

// Decode deserializes MessagePack bytes to a message
func (c MsgPack) Decode(data []byte) (Message, error) {
	var mm msgpackMessage
	if err := msgpack.Unmarshal(data, &mm); err != nil {
		return nil, errors.Join(ErrDecodeFailure, err)
	}

	var payload any
	if len(mm.Payload) > 0 && !bytes.Equal(mm.Payload, msgpackNil) {
		payload = mm.Payload
	}

	var ts time.Time
	if mm.Timestamp != 0 {
		ts = time.Unix(0, mm.Timestamp).UTC()
	}

	return message.NewWithTimestamp(mm.ID, mm.Source, payload, mm.Metadata, trace.SpanContext{}, ts), nil
}

// ContentType returns the MIME type for MessagePack
func (c MsgPack) ContentType() string {
	return "application/msgpack"
}

// Name returns the codec identifier
func (c MsgPack) Name() string {
	return "msgpack"
}

var _ Codec = MsgPack{}
