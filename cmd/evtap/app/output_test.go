package app

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/vmihailenco/msgpack/v5"
	"go.opentelemetry.io/otel/trace"

	"github.com/rbaliyan/eventstream/transport/message"
)

func TestDecodePayload(t *testing.T) {
	packed, err := msgpack.Marshal(map[string]any{"n": "v"})
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		in   any
		want any
	}{
		{"json object", json.RawMessage(`{"id":7}`), map[string]any{"id": float64(7)}},
		{"invalid json", json.RawMessage(`{oops`), "{oops"},
		{"msgpack", msgpack.RawMessage(packed), map[string]any{"n": "v"}},
		{"bytes", []byte("raw"), "raw"},
		{"plain value", 42, 42},
		{"nil", nil, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if diff := cmp.Diff(tt.want, DecodePayload(tt.in)); diff != "" {
				t.Errorf("payload mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestField(t *testing.T) {
	v := map[string]any{"order": map[string]any{"id": "o-1", "total": 9.5}}

	if got := Field(v, "order.id"); got != "o-1" {
		t.Errorf("expected o-1, got %v", got)
	}
	if got := Field(v, "order.missing"); got != nil {
		t.Errorf("expected nil, got %v", got)
	}
	if got := Field(v, "order.id.deeper"); got != nil {
		t.Errorf("expected nil for non-object, got %v", got)
	}
}

func testRecord() Record {
	ts := time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC)
	msg := message.NewWithTimestamp("m-1", "billing", json.RawMessage(`{"id":7}`),
		map[string]string{"region": "eu"}, trace.SpanContext{}, ts)
	return NewRecord("orders", msg)
}

func TestPrinter(t *testing.T) {
	t.Run("text", func(t *testing.T) {
		var buf bytes.Buffer
		p, _ := NewPrinter(&buf, FormatText)
		p.Print(testRecord())
		p.Print("plain")

		want := "2024-01-15T10:30:00Z orders billing {\"id\":7}\nplain\n"
		if buf.String() != want {
			t.Errorf("expected %q, got %q", want, buf.String())
		}
	})

	t.Run("json", func(t *testing.T) {
		var buf bytes.Buffer
		p, _ := NewPrinter(&buf, FormatJSON)
		p.Print(testRecord())

		var got map[string]any
		if err := json.Unmarshal(buf.Bytes(), &got); err != nil {
			t.Fatalf("invalid json %q: %v", buf.String(), err)
		}
		if got["event"] != "orders" || got["id"] != "m-1" {
			t.Errorf("unexpected record %v", got)
		}
		if diff := cmp.Diff(map[string]any{"id": float64(7)}, got["payload"]); diff != "" {
			t.Errorf("payload mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("yaml", func(t *testing.T) {
		var buf bytes.Buffer
		p, _ := NewPrinter(&buf, FormatYAML)
		p.Print(testRecord())

		out := buf.String()
		for _, want := range []string{"---\n", "event: orders", "source: billing", "region: eu"} {
			if !strings.Contains(out, want) {
				t.Errorf("expected %q in output:\n%s", want, out)
			}
		}
	})

	t.Run("unknown format", func(t *testing.T) {
		if _, err := NewPrinter(&bytes.Buffer{}, "xml"); err == nil {
			t.Error("expected error for unknown format")
		}
	})
}

func TestParsePayload(t *testing.T) {
	if diff := cmp.Diff(map[string]any{"a": []any{float64(1), "b"}}, ParsePayload(`{"a":[1,"b"]}`)); diff != "" {
		t.Errorf("payload mismatch (-want +got):\n%s", diff)
	}
	if got := ParsePayload("hello world"); got != "hello world" {
		t.Errorf("expected string fallback, got %v", got)
	}
}
