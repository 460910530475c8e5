package app

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/vmihailenco/msgpack/v5"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/anypb"

	"github.com/rbaliyan/eventstream/transport"
)

// Output formats
const (
	FormatText = "text"
	FormatJSON = "json"
	FormatYAML = "yaml"
)

// Record is one watched message as printed by evtap.
type Record struct {
	Event     string            `json:"event" yaml:"event"`
	ID        string            `json:"id" yaml:"id"`
	Source    string            `json:"source" yaml:"source"`
	Timestamp time.Time         `json:"timestamp" yaml:"timestamp"`
	Metadata  map[string]string `json:"metadata,omitempty" yaml:"metadata,omitempty"`
	Payload   any               `json:"payload" yaml:"payload"`
}

// NewRecord converts a message received for event into a Record with a
// decoded payload.
func NewRecord(event string, msg transport.Message) Record {
	return Record{
		Event:     event,
		ID:        msg.ID(),
		Source:    msg.Source(),
		Timestamp: msg.Timestamp(),
		Metadata:  msg.Metadata(),
		Payload:   DecodePayload(msg.Payload()),
	}
}

// DecodePayload turns codec-level raw payloads into plain Go values.
func DecodePayload(p any) any {
	switch raw := p.(type) {
	case json.RawMessage:
		var v any
		if err := json.Unmarshal(raw, &v); err == nil {
			return v
		}
		return string(raw)
	case msgpack.RawMessage:
		var v any
		if err := msgpack.Unmarshal(raw, &v); err == nil {
			return v
		}
		return raw
	case *anypb.Any:
		m, err := raw.UnmarshalNew()
		if err != nil {
			return raw.GetTypeUrl()
		}
		b, err := protojson.Marshal(m)
		if err != nil {
			return raw.GetTypeUrl()
		}
		var v any
		if json.Unmarshal(b, &v) == nil {
			return v
		}
		return string(b)
	case []byte:
		return string(raw)
	}
	return p
}

// Field returns the value at a dot-separated path inside v, or nil.
func Field(v any, path string) any {
	for _, key := range strings.Split(path, ".") {
		m, ok := v.(map[string]any)
		if !ok {
			return nil
		}
		v = m[key]
	}
	return v
}

// Printer writes values in one output format. It is safe for concurrent use.
type Printer struct {
	mu     sync.Mutex
	w      io.Writer
	format string
}

// NewPrinter creates a printer for format.
func NewPrinter(w io.Writer, format string) (*Printer, error) {
	switch format {
	case FormatText, FormatJSON, FormatYAML:
	default:
		return nil, fmt.Errorf("unknown output format %q", format)
	}
	return &Printer{w: w, format: format}, nil
}

// Print writes v followed by a separator.
func (p *Printer) Print(v any) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch p.format {
	case FormatJSON:
		return json.NewEncoder(p.w).Encode(v)
	case FormatYAML:
		b, err := yaml.Marshal(v)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintf(p.w, "---\n%s", b)
		return err
	}

	if r, ok := v.(Record); ok {
		payload, err := json.Marshal(r.Payload)
		if err != nil {
			payload = []byte(fmt.Sprint(r.Payload))
		}
		_, err = fmt.Fprintf(p.w, "%s %s %s %s\n",
			r.Timestamp.Format(time.RFC3339), r.Event, r.Source, payload)
		return err
	}
	_, err := fmt.Fprintln(p.w, v)
	return err
}
