// Package stream provides a minimal push-based, cold, multi-listener stream.
//
// A Stream is defined by a Binder. The binder runs when the first listener
// attaches and the Unbinder it returns runs when the last listener detaches.
// A stream can go through any number of such activation cycles. Values pushed
// through the Emitter are delivered synchronously to every current listener in
// the order the listeners attached.
//
// Example:
//
//	s := stream.FromBinder(func(e stream.Emitter[int]) (stream.Unbinder, error) {
//	    stop := ticker.Start(func(n int) { e.Emit(n) })
//	    return func() error { stop(); return nil }, nil
//	})
//	sub, err := s.Observe(func(n int) { fmt.Println(n) })
//	...
//	sub.Close()
package stream

import (
	"slices"
	"sync"
)

// Emitter pushes values to a stream's listeners.
type Emitter[T any] interface {
	Emit(v T)
}

// EmitterFunc adapts a function to Emitter.
type EmitterFunc[T any] func(v T)

// Emit calls f(v).
func (f EmitterFunc[T]) Emit(v T) { f(v) }

// Unbinder tears down what a Binder set up.
type Unbinder func() error

// Binder activates a stream. It is called on every transition from zero to
// one listener and must return the Unbinder for that activation.
type Binder[T any] func(Emitter[T]) (Unbinder, error)

type listener[T any] struct {
	fn func(T)
}

// Stream is a cold stream of values of type T. It is safe for concurrent use.
type Stream[T any] struct {
	name   string
	binder Binder[T]

	// bindMu serializes activation and teardown
	bindMu sync.Mutex

	mu        sync.Mutex
	listeners []*listener[T]
	unbind    Unbinder
	active    bool
}

// FromBinder creates a stream activated by b.
func FromBinder[T any](b Binder[T]) *Stream[T] {
	return &Stream[T]{binder: b}
}

// SetName sets a descriptive name and returns s.
func (s *Stream[T]) SetName(name string) *Stream[T] {
	s.mu.Lock()
	s.name = name
	s.mu.Unlock()
	return s
}

// Name returns the stream name.
func (s *Stream[T]) Name() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.name
}

// Active reports whether the binder has run and not yet been torn down.
func (s *Stream[T]) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Listeners returns the number of attached listeners.
func (s *Stream[T]) Listeners() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.listeners)
}

// Observe attaches fn as a listener. If fn is the first listener the binder
// runs before Observe returns; a binder error detaches fn and is returned
// unchanged.
//
// A listener must not call Observe or Close on the same stream while the
// binder is running.
func (s *Stream[T]) Observe(fn func(T)) (*Subscription, error) {
	s.bindMu.Lock()
	defer s.bindMu.Unlock()

	l := &listener[T]{fn: fn}

	s.mu.Lock()
	s.listeners = append(s.listeners, l)
	activate := !s.active && len(s.listeners) == 1
	s.mu.Unlock()

	if activate {
		unbind, err := s.binder(emitter[T]{s: s})
		if err != nil {
			s.mu.Lock()
			s.detach(l)
			s.mu.Unlock()
			return nil, err
		}

		s.mu.Lock()
		s.unbind = unbind
		s.active = true
		s.mu.Unlock()
	}

	return &Subscription{close: func() error { return s.remove(l) }}, nil
}

// detach removes l from the listener list. Caller holds s.mu.
func (s *Stream[T]) detach(l *listener[T]) bool {
	i := slices.Index(s.listeners, l)
	if i < 0 {
		return false
	}
	s.listeners = slices.Delete(s.listeners, i, i+1)
	return true
}

func (s *Stream[T]) remove(l *listener[T]) error {
	s.bindMu.Lock()
	defer s.bindMu.Unlock()

	s.mu.Lock()
	if !s.detach(l) {
		s.mu.Unlock()
		return nil
	}
	var unbind Unbinder
	if s.active && len(s.listeners) == 0 {
		unbind = s.unbind
		s.unbind = nil
		s.active = false
	}
	s.mu.Unlock()

	if unbind != nil {
		return unbind()
	}
	return nil
}

func (s *Stream[T]) emit(v T) {
	s.mu.Lock()
	snapshot := slices.Clone(s.listeners)
	s.mu.Unlock()

	for _, l := range snapshot {
		l.fn(v)
	}
}

type emitter[T any] struct {
	s *Stream[T]
}

func (e emitter[T]) Emit(v T) { e.s.emit(v) }

// Subscription detaches a listener from its stream.
type Subscription struct {
	once  sync.Once
	close func() error
	err   error
}

// Close detaches the listener. When it was the last listener the stream's
// Unbinder runs and its error is returned. Close is idempotent; later calls
// return the first call's result.
func (s *Subscription) Close() error {
	s.once.Do(func() {
		s.err = s.close()
	})
	return s.err
}
