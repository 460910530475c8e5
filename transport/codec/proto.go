package codec

import (
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/rbaliyan/eventstream/transport/message"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/anypb"
	"google.golang.org/protobuf/types/known/structpb"
)

// Proto implements Codec using Protocol Buffers serialization.
//
// The wire format is a google.protobuf.Struct envelope, so no generated code
// is needed on either side.
//
// Payload handling:
//   - If payload implements proto.Message, it's wrapped in Any
//     and decoded back to *anypb.Any
//   - Otherwise, it's converted to structpb.Value (JSON-like values)
//     and decoded back to its Go interface form
type Proto struct{}

const (
	protoFieldID        = "id"
	protoFieldSource    = "source"
	protoFieldTimestamp = "timestamp"
	protoFieldMetadata  = "metadata"
	protoFieldPayload   = "payload"
	protoFieldAnyType   = "any_type_url"
	protoFieldAnyValue  = "any_value"
)

// Encode serializes a message to Protocol Buffer bytes
func (c Proto) Encode(msg Message) ([]byte, error) {
	fields := map[string]*structpb.Value{
		protoFieldID:        structpb.NewStringValue(msg.ID()),
		protoFieldSource:    structpb.NewStringValue(msg.Source()),
		protoFieldTimestamp: structpb.NewStringValue(msg.Timestamp().UTC().Format(time.RFC3339Nano)),
	}

	if md := msg.Metadata(); md != nil {
		mdFields := make(map[string]*structpb.Value, len(md))
		for k, v := range md {
			mdFields[k] = structpb.NewStringValue(v)
		}
		fields[protoFieldMetadata] = structpb.NewStructValue(&structpb.Struct{Fields: mdFields})
	}

	if msg.Payload() != nil {
		switch p := msg.Payload().(type) {
		case proto.Message:
			anyPayload, err := anypb.New(p)
			if err != nil {
				return nil, errors.Join(ErrEncodeFailure, err)
			}
			fields[protoFieldAnyType] = structpb.NewStringValue(anyPayload.GetTypeUrl())
			fields[protoFieldAnyValue] = structpb.NewStringValue(base64.StdEncoding.EncodeToString(anyPayload.GetValue()))
		default:
			structVal, err := structpb.NewValue(p)
			if err != nil {
				return nil, errors.Join(ErrEncodeFailure, err)
			}
			fields[protoFieldPayload] = structVal
		}
	}

	data, err := proto.Marshal(&structpb.Struct{Fields: fields})
	if err != nil {
		return nil, errors.Join(ErrEncodeFailure, err)
	}

	return data, nil
}

// Decode deserializes Protocol Buffer bytes to a message
func (c Proto) Decode(data []byte) (Message, error) {
	var envelope structpb.Struct
	if err := proto.Unmarshal(data, &envelope); err != nil {
		return nil, errors.Join(ErrDecodeFailure, err)
	}
	fields := envelope.GetFields()

	var ts time.Time
	if raw := fields[protoFieldTimestamp].GetStringValue(); raw != "" {
		parsed, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return nil, errors.Join(ErrDecodeFailure, err)
		}
		ts = parsed
	}

	var metadata map[string]string
	if md := fields[protoFieldMetadata].GetStructValue(); md != nil {
		metadata = make(map[string]string, len(md.GetFields()))
		for k, v := range md.GetFields() {
			metadata[k] = v.GetStringValue()
		}
	}

	var payload any
	if typeURL := fields[protoFieldAnyType].GetStringValue(); typeURL != "" {
		value, err := base64.StdEncoding.DecodeString(fields[protoFieldAnyValue].GetStringValue())
		if err != nil {
			return nil, errors.Join(ErrDecodeFailure, fmt.Errorf("any payload: %w", err))
		}
		payload = &anypb.Any{TypeUrl: typeURL, Value: value}
	} else if v, ok := fields[protoFieldPayload]; ok {
		payload = v.AsInterface()
	}

	return message.NewWithTimestamp(
		fields[protoFieldID].GetStringValue(),
		fields[protoFieldSource].GetStringValue(),
		payload,
		metadata,
		trace.SpanContext{},
		ts,
	), nil
}

// ContentType returns the MIME type for Protocol Buffers
func (c Proto) ContentType() string {
	return "application/x-protobuf"
}

// Name returns the codec identifier
func (c Proto) Name() string {
	return "proto"
}

var _ Codec = Proto{}
