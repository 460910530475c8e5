package channel

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rbaliyan/eventstream/transport"
	"github.com/rbaliyan/eventstream/transport/message"
	"go.opentelemetry.io/otel/trace"
)

func testMessage(id, source, payload string) transport.Message {
	return message.New(id, source, payload, nil, trace.SpanContext{})
}

func receive(t *testing.T, sub transport.Subscription) transport.Message {
	t.Helper()
	select {
	case msg, ok := <-sub.Messages():
		if !ok {
			t.Fatal("subscription closed while waiting for message")
		}
		return msg
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for message")
	}
	return nil
}

func TestNew(t *testing.T) {
	tr := New()
	if tr == nil {
		t.Fatal("expected transport, got nil")
	}
	defer tr.Close(context.Background())

	if tr.bufferSize != DefaultBufferSize {
		t.Errorf("expected default buffer size %d, got %d", DefaultBufferSize, tr.bufferSize)
	}
}

func TestNewWithOptions(t *testing.T) {
	tr := New(
		WithBufferSize(7),
		WithTimeout(time.Second),
		WithErrorHandler(func(err error) {}),
	)
	defer tr.Close(context.Background())

	if tr.bufferSize != 7 {
		t.Errorf("expected buffer size 7, got %d", tr.bufferSize)
	}
	if tr.timeout != time.Second {
		t.Errorf("expected timeout 1s, got %v", tr.timeout)
	}
}

func TestRegisterEvent(t *testing.T) {
	ctx := context.Background()
	tr := New()
	defer tr.Close(ctx)

	t.Run("register new event", func(t *testing.T) {
		if err := tr.RegisterEvent(ctx, "test-event"); err != nil {
			t.Fatalf("RegisterEvent failed: %v", err)
		}
	})

	t.Run("register duplicate event returns error", func(t *testing.T) {
		err := tr.RegisterEvent(ctx, "test-event")
		if !errors.Is(err, transport.ErrEventAlreadyExists) {
			t.Errorf("expected ErrEventAlreadyExists, got %v", err)
		}
	})

	t.Run("register on closed transport returns error", func(t *testing.T) {
		tr2 := New()
		tr2.Close(ctx)

		err := tr2.RegisterEvent(ctx, "new-event")
		if !errors.Is(err, transport.ErrTransportClosed) {
			t.Errorf("expected ErrTransportClosed, got %v", err)
		}
	})
}

func TestUnregisterEvent(t *testing.T) {
	ctx := context.Background()
	tr := New()
	defer tr.Close(ctx)

	tr.RegisterEvent(ctx, "to-unregister")
	sub, _ := tr.Subscribe(ctx, "to-unregister")

	t.Run("unregister existing event closes subscriptions", func(t *testing.T) {
		if err := tr.UnregisterEvent(ctx, "to-unregister"); err != nil {
			t.Fatalf("UnregisterEvent failed: %v", err)
		}
		select {
		case _, ok := <-sub.Messages():
			if ok {
				t.Error("expected closed message channel")
			}
		case <-time.After(time.Second):
			t.Error("subscription was not closed")
		}
	})

	t.Run("unregister non-existent event returns error", func(t *testing.T) {
		err := tr.UnregisterEvent(ctx, "non-existent")
		if !errors.Is(err, transport.ErrEventNotRegistered) {
			t.Errorf("expected ErrEventNotRegistered, got %v", err)
		}
	})
}

func TestPublish(t *testing.T) {
	ctx := context.Background()
	tr := New()
	defer tr.Close(ctx)

	tr.RegisterEvent(ctx, "pub-event")

	t.Run("publish without subscribers drops silently", func(t *testing.T) {
		if err := tr.Publish(ctx, "pub-event", testMessage("id-1", "source", "payload")); err != nil {
			t.Fatalf("Publish failed: %v", err)
		}
	})

	t.Run("publish to unregistered event returns error", func(t *testing.T) {
		err := tr.Publish(ctx, "unknown-event", testMessage("id-2", "source", "payload"))
		if !errors.Is(err, transport.ErrEventNotRegistered) {
			t.Errorf("expected ErrEventNotRegistered, got %v", err)
		}
	})

	t.Run("publish on closed transport returns error", func(t *testing.T) {
		tr2 := New()
		tr2.RegisterEvent(ctx, "event")
		tr2.Close(ctx)

		err := tr2.Publish(ctx, "event", testMessage("id-3", "source", "payload"))
		if !errors.Is(err, transport.ErrTransportClosed) {
			t.Errorf("expected ErrTransportClosed, got %v", err)
		}
	})
}

func TestSubscribe(t *testing.T) {
	ctx := context.Background()
	tr := New()
	defer tr.Close(ctx)

	tr.RegisterEvent(ctx, "sub-event")

	t.Run("subscribe to registered event", func(t *testing.T) {
		sub, err := tr.Subscribe(ctx, "sub-event")
		if err != nil {
			t.Fatalf("Subscribe failed: %v", err)
		}
		defer sub.Close(ctx)

		if sub.ID() == "" {
			t.Error("expected subscription id")
		}
	})

	t.Run("subscribe to unregistered event returns error", func(t *testing.T) {
		_, err := tr.Subscribe(ctx, "unknown")
		if !errors.Is(err, transport.ErrEventNotRegistered) {
			t.Errorf("expected ErrEventNotRegistered, got %v", err)
		}
	})
}

func TestPublishSubscribeOrdering(t *testing.T) {
	ctx := context.Background()
	tr := New(WithBufferSize(10))
	defer tr.Close(ctx)

	tr.RegisterEvent(ctx, "ordered")
	sub, _ := tr.Subscribe(ctx, "ordered")
	defer sub.Close(ctx)

	ids := []string{"a", "b", "c", "d"}
	for _, id := range ids {
		tr.Publish(ctx, "ordered", testMessage(id, "source", "data"))
	}

	for _, want := range ids {
		if got := receive(t, sub).ID(); got != want {
			t.Errorf("expected %s, got %s", want, got)
		}
	}
}

func TestBroadcast(t *testing.T) {
	ctx := context.Background()
	tr := New(WithBufferSize(10))
	defer tr.Close(ctx)

	tr.RegisterEvent(ctx, "broadcast-event")

	sub1, _ := tr.Subscribe(ctx, "broadcast-event")
	sub2, _ := tr.Subscribe(ctx, "broadcast-event")
	defer sub1.Close(ctx)
	defer sub2.Close(ctx)

	tr.Publish(ctx, "broadcast-event", testMessage("msg-1", "source", "hello"))

	for _, sub := range []transport.Subscription{sub1, sub2} {
		msg := receive(t, sub)
		if msg.ID() != "msg-1" {
			t.Errorf("expected msg-1, got %s", msg.ID())
		}
		if msg.Payload() != "hello" {
			t.Errorf("expected hello, got %v", msg.Payload())
		}
	}
}

func TestPublishTimeout(t *testing.T) {
	ctx := context.Background()
	var errs atomic.Int32
	tr := New(
		WithBufferSize(0),
		WithTimeout(10*time.Millisecond),
		WithErrorHandler(func(err error) {
			if errors.Is(err, transport.ErrPublishTimeout) {
				errs.Add(1)
			}
		}),
	)
	defer tr.Close(ctx)

	tr.RegisterEvent(ctx, "slow")
	sub, _ := tr.Subscribe(ctx, "slow")
	defer sub.Close(ctx)

	// Nobody reads from sub, so the send times out and the message is dropped.
	if err := tr.Publish(ctx, "slow", testMessage("msg-1", "source", "data")); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	if errs.Load() != 1 {
		t.Errorf("expected one timeout error, got %d", errs.Load())
	}
}

func TestSubscriptionClose(t *testing.T) {
	ctx := context.Background()
	tr := New()
	defer tr.Close(ctx)

	tr.RegisterEvent(ctx, "close-event")
	sub, _ := tr.Subscribe(ctx, "close-event")

	if err := sub.Close(ctx); err != nil {
		t.Errorf("Close failed: %v", err)
	}
	// Double close should not panic
	if err := sub.Close(ctx); err != nil {
		t.Errorf("Double close failed: %v", err)
	}

	// Closed subscriptions no longer receive
	if err := tr.Publish(ctx, "close-event", testMessage("msg", "source", "data")); err != nil {
		t.Errorf("Publish failed: %v", err)
	}
	if n := tr.Health(ctx).Details["subscribers"]; n != 0 {
		t.Errorf("expected 0 subscribers, got %v", n)
	}
}

func TestTransportClose(t *testing.T) {
	ctx := context.Background()
	tr := New()

	tr.RegisterEvent(ctx, "event-1")
	sub, _ := tr.Subscribe(ctx, "event-1")

	if err := tr.Close(ctx); err != nil {
		t.Errorf("Close failed: %v", err)
	}
	if err := tr.Close(ctx); err != nil {
		t.Errorf("Double close failed: %v", err)
	}

	if _, ok := <-sub.Messages(); ok {
		t.Error("expected subscription channel to be closed")
	}

	if err := tr.RegisterEvent(ctx, "new-event"); !errors.Is(err, transport.ErrTransportClosed) {
		t.Errorf("expected ErrTransportClosed, got %v", err)
	}
}

func TestHealth(t *testing.T) {
	ctx := context.Background()
	tr := New()

	t.Run("healthy transport", func(t *testing.T) {
		tr.RegisterEvent(ctx, "e")
		sub, _ := tr.Subscribe(ctx, "e")
		defer sub.Close(ctx)

		result := tr.Health(ctx)
		if !result.IsHealthy() {
			t.Errorf("expected healthy, got %s", result.Status)
		}
		if result.Details["events"] != 1 || result.Details["subscribers"] != 1 {
			t.Errorf("unexpected details %v", result.Details)
		}
	})

	t.Run("closed transport is unhealthy", func(t *testing.T) {
		tr.Close(ctx)
		result := tr.Health(ctx)
		if result.Status != transport.HealthStatusUnhealthy {
			t.Errorf("expected unhealthy, got %s", result.Status)
		}
	})
}
