package eventstream_test

import (
	"fmt"
	"testing"

	"github.com/rbaliyan/eventstream"
	"github.com/rbaliyan/eventstream/dom"
	"github.com/rbaliyan/eventstream/stream/streamtest"
)

const menu = `<ul id="menu"><li class="item" id="x1">one</li><li class="item" id="x7">seven</li></ul><button id="go">Go</button>`

func TestClickScenario(t *testing.T) {
	doc, err := dom.ParseString(menu)
	if err != nil {
		t.Fatalf("ParseString failed: %v", err)
	}
	button := doc.MustFind("#go")

	t.Run("fired after subscribing", func(t *testing.T) {
		rec := streamtest.NewRecorder[any]()
		sub, err := eventstream.AsStream(button, "click").Observe(rec.Record)
		if err != nil {
			t.Fatalf("Observe failed: %v", err)
		}
		defer sub.Close()

		button.Click()
		if rec.Len() != 1 {
			t.Errorf("expected 1 value, got %d", rec.Len())
		}
	})

	t.Run("fired before subscribing", func(t *testing.T) {
		s := eventstream.AsStream(button, "click")
		button.Click()

		rec := streamtest.NewRecorder[any]()
		sub, _ := s.Observe(rec.Record)
		defer sub.Close()

		if rec.Len() != 0 {
			t.Errorf("expected 0 values, got %d", rec.Len())
		}
	})
}

func TestDelegatedItemScenario(t *testing.T) {
	doc, err := dom.ParseString(menu)
	if err != nil {
		t.Fatalf("ParseString failed: %v", err)
	}

	s := eventstream.AsStream(doc.MustFind("#menu"), "click", ".item", func(this any, args ...any) any {
		return args[0].(*dom.Event).Target.ID()
	})
	rec := streamtest.NewRecorder[any]()
	sub, _ := s.Observe(rec.Record)
	defer sub.Close()

	doc.MustFind("#x7").Click()

	values := rec.Values()
	if len(values) != 1 || values[0] != "x7" {
		t.Errorf("expected [x7], got %v", values)
	}
}

func ExampleAsStream() {
	doc, _ := dom.ParseString(menu)

	ids := eventstream.AsStream(doc.MustFind("#menu"), "click", ".item", func(this any, args ...any) any {
		return this.(*dom.Element).ID()
	})
	sub, _ := ids.Observe(func(v any) { fmt.Println(v) })
	defer sub.Close()

	doc.MustFind("#x7").Click()
	doc.MustFind("#x1").Click()
	// Output:
	// x7
	// x1
}
