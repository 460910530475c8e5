package bus

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/rbaliyan/eventstream"
	"github.com/rbaliyan/eventstream/idempotency"
	"github.com/rbaliyan/eventstream/stream/streamtest"
	"github.com/rbaliyan/eventstream/transport"
	"github.com/rbaliyan/eventstream/transport/channel"
	"github.com/rbaliyan/eventstream/transport/message"
	"go.opentelemetry.io/otel/trace"
	"syreclabs.com/go/faker"
)

// countingTransport wraps a transport and counts subscriptions
type countingTransport struct {
	transport.Transport
	subscribes   atomic.Int32
	closes       atomic.Int32
	subscribeErr error
	failEvent    string // when set, only this event fails to subscribe
}

type countingSubscription struct {
	transport.Subscription
	closes *atomic.Int32
}

func (s *countingSubscription) Close(ctx context.Context) error {
	s.closes.Add(1)
	return s.Subscription.Close(ctx)
}

func (c *countingTransport) Subscribe(ctx context.Context, name string, opts ...transport.SubscribeOption) (transport.Subscription, error) {
	if c.subscribeErr != nil && (c.failEvent == "" || c.failEvent == name) {
		return nil, c.subscribeErr
	}
	sub, err := c.Transport.Subscribe(ctx, name, opts...)
	if err != nil {
		return nil, err
	}
	c.subscribes.Add(1)
	return &countingSubscription{Subscription: sub, closes: &c.closes}, nil
}

func newTestSource(t *testing.T, opts ...Option) (*Source, *countingTransport) {
	t.Helper()
	tr := &countingTransport{Transport: channel.New()}
	opts = append([]Option{WithMetrics(false), WithTracing(false)}, opts...)
	s := New(tr, opts...)
	t.Cleanup(func() {
		s.Close(context.Background())
		tr.Close(context.Background())
	})
	return s, tr
}

// collector records (this, message id) pairs
type collector struct {
	mu    sync.Mutex
	calls []string
	rec   streamtest.Recorder[transport.Message]
}

func (c *collector) listener(name string) *eventstream.Listener {
	return eventstream.NewListener(func(this any, args ...any) {
		msg := args[0].(transport.Message)
		c.mu.Lock()
		c.calls = append(c.calls, name+":"+this.(string)+":"+msg.Payload().(string))
		c.mu.Unlock()
		c.rec.Record(msg)
	})
}

func (c *collector) snapshot() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.calls...)
}

func TestOnSubscribesOncePerEvent(t *testing.T) {
	ctx := context.Background()
	s, tr := newTestSource(t)
	c := &collector{}

	l1, l2 := c.listener("a"), c.listener("b")
	if err := s.On("order.created", "", l1); err != nil {
		t.Fatalf("On failed: %v", err)
	}
	if err := s.On("order.created", "", l2); err != nil {
		t.Fatalf("On failed: %v", err)
	}
	if got := tr.subscribes.Load(); got != 1 {
		t.Errorf("expected 1 subscription, got %d", got)
	}

	if err := s.Publish(ctx, "order.created", "p1", nil); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	if !c.rec.Wait(2, time.Second) {
		t.Fatalf("timeout, got %v", c.snapshot())
	}
	want := []string{"a:order.created:p1", "b:order.created:p1"}
	if diff := cmp.Diff(want, c.snapshot()); diff != "" {
		t.Errorf("calls mismatch (-want +got):\n%s", diff)
	}

	s.Off("order.created", "", l1)
	if got := tr.closes.Load(); got != 0 {
		t.Errorf("expected subscription to stay open, got %d closes", got)
	}
	s.Off("order.created", "", l2)
	if got := tr.closes.Load(); got != 1 {
		t.Errorf("expected subscription to close, got %d closes", got)
	}

	// resubscribes on the next registration
	s.On("order.created", "", l1)
	if got := tr.subscribes.Load(); got != 2 {
		t.Errorf("expected 2 subscriptions, got %d", got)
	}
}

func TestDeliveryOrder(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestSource(t)
	c := &collector{}
	s.On("tick", "", c.listener("l"))

	var want []string
	for i := 0; i < 20; i++ {
		p := faker.Lorem().Word()
		want = append(want, "l:tick:"+p)
		if err := s.Publish(ctx, "tick", p, nil); err != nil {
			t.Fatalf("Publish failed: %v", err)
		}
	}

	if !c.rec.Wait(20, time.Second) {
		t.Fatalf("timeout, got %d values", c.rec.Len())
	}
	if diff := cmp.Diff(want, c.snapshot()); diff != "" {
		t.Errorf("calls mismatch (-want +got):\n%s", diff)
	}
}

func TestIdempotencyDropsRedelivery(t *testing.T) {
	ctx := context.Background()
	store := idempotency.NewMemoryStore(time.Hour)
	defer store.Close()

	s, tr := newTestSource(t, WithName("billing"), WithIdempotency(store))
	c := &collector{}
	s.On("invoice", "", c.listener("l"))

	for _, id := range []string{"m-1", "m-1", "m-2"} {
		msg := message.New(id, "billing", "p-"+id, nil, trace.SpanContext{})
		if err := tr.Publish(ctx, "invoice", msg); err != nil {
			t.Fatalf("Publish failed: %v", err)
		}
	}

	if !c.rec.Wait(2, time.Second) {
		t.Fatalf("timeout, got %v", c.snapshot())
	}
	want := []string{"l:invoice:p-m-1", "l:invoice:p-m-2"}
	if diff := cmp.Diff(want, c.snapshot()); diff != "" {
		t.Errorf("calls mismatch (-want +got):\n%s", diff)
	}
	if claimed, _ := store.Claim(ctx, "billing:invoice:m-2"); claimed {
		t.Error("expected key to be scoped by source and event name")
	}
}

func TestOnRollsBackWhenLaterEventFails(t *testing.T) {
	ctx := context.Background()
	s, tr := newTestSource(t)
	boom := errors.New("boom")
	tr.subscribeErr, tr.failEvent = boom, "b"

	payloads := s.AsStream("a b", func(_ any, args ...any) any {
		return args[0].(transport.Message).Payload()
	})
	if _, err := payloads.Observe(func(any) {}); !errors.Is(err, boom) {
		t.Fatalf("expected subscribe error, got %v", err)
	}
	if payloads.Active() {
		t.Error("expected stream to stay inactive")
	}

	s.mu.Lock()
	_, leftover := s.events["a"]
	s.mu.Unlock()
	if leftover {
		t.Error("expected no subscription left for a")
	}
	if got := tr.closes.Load(); got != 1 {
		t.Errorf("expected the subscription for a to be closed, got %d closes", got)
	}

	// the failure clears and the stream is activated again
	tr.subscribeErr = nil
	rec := streamtest.NewRecorder[any]()
	sub, err := payloads.Observe(rec.Record)
	if err != nil {
		t.Fatalf("Observe failed: %v", err)
	}
	defer sub.Close()

	s.Publish(ctx, "a", "p1", nil)
	s.Publish(ctx, "a", "p2", nil)
	if !rec.Wait(2, time.Second) {
		t.Fatalf("timeout, got %v", rec.Values())
	}
	if rec.Wait(3, 50*time.Millisecond) {
		t.Errorf("expected one value per firing, got %v", rec.Values())
	}
	if diff := cmp.Diff([]any{"p1", "p2"}, rec.Values()); diff != "" {
		t.Errorf("values mismatch (-want +got):\n%s", diff)
	}
}

func TestOnRollbackKeepsOtherListeners(t *testing.T) {
	ctx := context.Background()
	s, tr := newTestSource(t)
	c := &collector{}
	s.On("a", "", c.listener("kept"))

	tr.subscribeErr, tr.failEvent = errors.New("boom"), "b"
	if err := s.On("a b", "", c.listener("dropped")); err == nil {
		t.Fatal("expected On to fail")
	}
	if got := tr.closes.Load(); got != 0 {
		t.Errorf("expected shared subscription to stay open, got %d closes", got)
	}

	s.Publish(ctx, "a", "p1", nil)
	if !c.rec.Wait(1, time.Second) {
		t.Fatal("timeout")
	}
	if c.rec.Wait(2, 50*time.Millisecond) {
		t.Errorf("unexpected calls %v", c.snapshot())
	}
	if diff := cmp.Diff([]string{"kept:a:p1"}, c.snapshot()); diff != "" {
		t.Errorf("calls mismatch (-want +got):\n%s", diff)
	}
}

func TestOffSkipsRemovedListenerDuringDelivery(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestSource(t)

	var removedCalls atomic.Int32
	removed := eventstream.NewListener(func(any, ...any) { removedCalls.Add(1) })
	rec := streamtest.NewRecorder[string]()
	first := eventstream.NewListener(func(_ any, args ...any) {
		if err := s.Off("tick", "", removed); err != nil {
			t.Errorf("Off from a listener failed: %v", err)
		}
		rec.Record(args[0].(transport.Message).Payload().(string))
	})

	s.On("tick", "", first)
	s.On("tick", "", removed)

	s.Publish(ctx, "tick", "p1", nil)
	s.Publish(ctx, "tick", "p2", nil)
	if !rec.Wait(2, time.Second) {
		t.Fatalf("timeout, got %v", rec.Values())
	}
	if got := removedCalls.Load(); got != 0 {
		t.Errorf("expected removed listener to be skipped, got %d calls", got)
	}
}

func TestSelectorFiltering(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestSource(t, WithName("orders-api"))
	c := &collector{}

	s.On("order", "[region=eu]", c.listener("eu"))
	s.On("order", "#orders-api[priority]", c.listener("prio"))

	s.Publish(ctx, "order", "1", map[string]string{"region": "eu"})
	s.Publish(ctx, "order", "2", map[string]string{"region": "us", "priority": "high"})
	s.Publish(ctx, "order", "3", nil)
	s.Publish(ctx, "order", "4", map[string]string{"region": "eu", "priority": "low"})

	if !c.rec.Wait(4, time.Second) {
		t.Fatalf("timeout, got %v", c.snapshot())
	}
	want := []string{"eu:order:1", "prio:order:2", "eu:order:4", "prio:order:4"}
	if diff := cmp.Diff(want, c.snapshot()); diff != "" {
		t.Errorf("calls mismatch (-want +got):\n%s", diff)
	}
}

func TestMultipleEventNames(t *testing.T) {
	ctx := context.Background()
	s, tr := newTestSource(t)
	c := &collector{}
	l := c.listener("l")

	if err := s.On("created deleted", "", l); err != nil {
		t.Fatalf("On failed: %v", err)
	}
	if got := tr.subscribes.Load(); got != 2 {
		t.Errorf("expected 2 subscriptions, got %d", got)
	}

	s.Publish(ctx, "created", "c", nil)
	if !c.rec.Wait(1, time.Second) {
		t.Fatal("timeout")
	}
	s.Publish(ctx, "deleted", "d", nil)
	if !c.rec.Wait(2, time.Second) {
		t.Fatal("timeout")
	}

	if err := s.Off("created deleted", "", l); err != nil {
		t.Fatalf("Off failed: %v", err)
	}
	if got := tr.closes.Load(); got != 2 {
		t.Errorf("expected 2 closes, got %d", got)
	}
}

func TestOffWithNilListener(t *testing.T) {
	s, tr := newTestSource(t)
	c := &collector{}
	s.On("ev", "[a]", c.listener("1"))
	s.On("ev", "[a]", c.listener("2"))
	s.On("ev", "", c.listener("3"))

	s.Off("ev", "[a]", nil)
	if got := tr.closes.Load(); got != 0 {
		t.Errorf("expected the unfiltered listener to keep the subscription, got %d closes", got)
	}
	s.Off("ev", "", nil)
	if got := tr.closes.Load(); got != 1 {
		t.Errorf("expected subscription to close, got %d closes", got)
	}
}

func TestOnErrors(t *testing.T) {
	l := eventstream.NewListener(func(any, ...any) {})

	t.Run("invalid selector", func(t *testing.T) {
		s, tr := newTestSource(t)
		err := s.On("ev", "[broken", l)
		var selErr *SelectorError
		if !errors.As(err, &selErr) {
			t.Fatalf("expected *SelectorError, got %v", err)
		}
		if tr.subscribes.Load() != 0 {
			t.Error("expected nothing subscribed")
		}
	})

	t.Run("no event name", func(t *testing.T) {
		s, _ := newTestSource(t)
		if err := s.On(" ", "", l); !errors.Is(err, ErrNoEventName) {
			t.Errorf("expected ErrNoEventName, got %v", err)
		}
	})

	t.Run("subscribe failure", func(t *testing.T) {
		s, tr := newTestSource(t)
		tr.subscribeErr = errors.New("broker down")
		if err := s.On("ev", "", l); !errors.Is(err, tr.subscribeErr) {
			t.Errorf("expected subscribe error, got %v", err)
		}
	})

	t.Run("closed source", func(t *testing.T) {
		s, _ := newTestSource(t)
		s.Close(context.Background())
		if err := s.On("ev", "", l); !errors.Is(err, ErrSourceClosed) {
			t.Errorf("expected ErrSourceClosed, got %v", err)
		}
		if err := s.Publish(context.Background(), "ev", "x", nil); !errors.Is(err, ErrSourceClosed) {
			t.Errorf("expected ErrSourceClosed, got %v", err)
		}
	})
}

func TestPublishCopiesMetadata(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestSource(t, WithName("svc"))
	c := &collector{}
	s.On("ev", "", c.listener("l"))

	meta := map[string]string{"k": "v"}
	s.Publish(ctx, "ev", "x", meta)
	meta["k"] = "changed"

	if !c.rec.Wait(1, time.Second) {
		t.Fatal("timeout")
	}
	msg := c.rec.Values()[0]
	if msg.Metadata()["k"] != "v" {
		t.Errorf("expected metadata to be copied, got %v", msg.Metadata())
	}
	if msg.Source() != "svc" {
		t.Errorf("expected source svc, got %s", msg.Source())
	}
	if msg.ID() == "" {
		t.Error("expected message ID")
	}
}

func TestAsStream(t *testing.T) {
	ctx := context.Background()
	s, tr := newTestSource(t, WithAdapter(eventstream.New(eventstream.WithMetrics(false), eventstream.WithTracing(false))))

	payloads := s.AsStream("order", "[region=eu]", func(this any, args ...any) any {
		return this.(string) + "/" + args[0].(transport.Message).Payload().(string)
	})
	if tr.subscribes.Load() != 0 {
		t.Fatal("expected no subscription before the first observer")
	}

	rec := streamtest.NewRecorder[any]()
	sub, err := payloads.Observe(rec.Record)
	if err != nil {
		t.Fatalf("Observe failed: %v", err)
	}

	s.Publish(ctx, "order", "a", map[string]string{"region": "us"})
	s.Publish(ctx, "order", "b", map[string]string{"region": "eu"})
	if !rec.Wait(1, time.Second) {
		t.Fatal("timeout")
	}
	if diff := cmp.Diff([]any{"order/b"}, rec.Values()); diff != "" {
		t.Errorf("values mismatch (-want +got):\n%s", diff)
	}

	if err := sub.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if got := tr.closes.Load(); got != 1 {
		t.Errorf("expected subscription closed on teardown, got %d", got)
	}
}

func TestInstrumentedSource(t *testing.T) {
	ctx := context.Background()
	tr := channel.New()
	defer tr.Close(ctx)
	s := New(tr)
	defer s.Close(ctx)

	c := &collector{}
	s.On("ev", "[x]", c.listener("l"))
	s.Publish(ctx, "ev", "skip", nil)
	s.Publish(ctx, "ev", "hit", map[string]string{"x": "1"})

	if !c.rec.Wait(1, time.Second) {
		t.Fatal("timeout")
	}
	if diff := cmp.Diff([]string{"l:ev:hit"}, c.snapshot()); diff != "" {
		t.Errorf("calls mismatch (-want +got):\n%s", diff)
	}
}

func TestHealth(t *testing.T) {
	s, _ := newTestSource(t)
	// countingTransport hides channel's Health method
	if res := s.Health(context.Background()); !res.IsHealthy() {
		t.Errorf("expected healthy result, got %+v", res)
	}

	tr := channel.New()
	defer tr.Close(context.Background())
	if res := New(tr).Health(context.Background()); !res.IsHealthy() {
		t.Errorf("expected healthy channel transport, got %+v", res)
	}
}
