package streamtest

import (
	"testing"
	"time"
)

func TestRecorderWait(t *testing.T) {
	var r Recorder[string]

	go func() {
		for _, v := range []string{"a", "b", "c"} {
			time.Sleep(5 * time.Millisecond)
			r.Record(v)
		}
	}()

	if !r.Wait(3, time.Second) {
		t.Fatalf("expected 3 values, got %v", r.Values())
	}
	if r.Wait(4, 20*time.Millisecond) {
		t.Error("expected Wait to time out")
	}
	if r.Len() != 3 {
		t.Errorf("expected 3 values, got %d", r.Len())
	}
}
