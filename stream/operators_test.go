package stream

import (
	"errors"
	"strconv"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/rbaliyan/eventstream/stream/streamtest"
)

func TestMap(t *testing.T) {
	src := &source{}
	s := Map(FromBinder(src.binder).SetName("ints"), strconv.Itoa)

	if s.Name() != "ints.map" {
		t.Errorf("unexpected name %q", s.Name())
	}
	if binds, _ := src.counts(); binds != 0 {
		t.Error("expected Map to stay cold until observed")
	}

	rec := streamtest.NewRecorder[string]()
	sub, err := s.Observe(rec.Record)
	if err != nil {
		t.Fatalf("Observe failed: %v", err)
	}
	src.fire(4)
	src.fire(2)
	sub.Close()

	if diff := cmp.Diff([]string{"4", "2"}, rec.Values()); diff != "" {
		t.Errorf("values mismatch (-want +got):\n%s", diff)
	}
	if _, unbinds := src.counts(); unbinds != 1 {
		t.Errorf("expected parent to be released, got %d unbinds", unbinds)
	}
}

func TestFilter(t *testing.T) {
	src := &source{}
	s := Filter(FromBinder(src.binder), func(v int) bool { return v%2 == 0 })

	rec := streamtest.NewRecorder[int]()
	sub, _ := s.Observe(rec.Record)
	for i := 1; i <= 6; i++ {
		src.fire(i)
	}
	sub.Close()

	if diff := cmp.Diff([]int{2, 4, 6}, rec.Values()); diff != "" {
		t.Errorf("values mismatch (-want +got):\n%s", diff)
	}
}

func TestMerge(t *testing.T) {
	a, b := &source{}, &source{}
	s := Merge(FromBinder(a.binder), FromBinder(b.binder))

	rec := streamtest.NewRecorder[int]()
	sub, err := s.Observe(rec.Record)
	if err != nil {
		t.Fatalf("Observe failed: %v", err)
	}
	a.fire(1)
	b.fire(2)
	a.fire(3)
	sub.Close()

	if diff := cmp.Diff([]int{1, 2, 3}, rec.Values()); diff != "" {
		t.Errorf("values mismatch (-want +got):\n%s", diff)
	}
	for name, src := range map[string]*source{"a": a, "b": b} {
		if binds, unbinds := src.counts(); binds != 1 || unbinds != 1 {
			t.Errorf("%s: expected 1 bind and 1 unbind, got %d and %d", name, binds, unbinds)
		}
	}
}

func TestMergeActivationFailure(t *testing.T) {
	bindErr := errors.New("second failed")
	a, b := &source{}, &source{bindErr: bindErr}
	s := Merge(FromBinder(a.binder), FromBinder(b.binder))

	if _, err := s.Observe(func(int) {}); !errors.Is(err, bindErr) {
		t.Fatalf("expected bind error, got %v", err)
	}
	if binds, unbinds := a.counts(); binds != 1 || unbinds != 1 {
		t.Errorf("expected first stream to be released, got %d binds and %d unbinds", binds, unbinds)
	}
}
