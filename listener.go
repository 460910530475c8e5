package eventstream

import "github.com/rbaliyan/eventstream/transport"

// HandlerFunc receives one event firing. this is the invocation context (for
// a DOM source, the element the handler runs for) and args the full raw event
// argument list.
type HandlerFunc func(this any, args ...any)

// Transformer maps one event firing to the value a stream emits. It is called
// with exactly the this and args the raw handler received.
type Transformer func(this any, args ...any) any

// Listener is a registered event handler. Sources identify listeners by
// pointer, so the *Listener passed to On must be the one passed to Off.
type Listener struct {
	id string
	fn HandlerFunc
}

// NewListener wraps fn in a listener with a fresh ID.
func NewListener(fn HandlerFunc) *Listener {
	return &Listener{id: transport.NewID(), fn: fn}
}

// ID returns the listener's unique identifier, for logging.
func (l *Listener) ID() string {
	return l.id
}

// Handle invokes the handler.
func (l *Listener) Handle(this any, args ...any) {
	l.fn(this, args...)
}

// Source is an event emitter with registration primitives.
//
// An empty selector means the listener is not delegated. Implementations must
// treat (eventName, selector, listener) as the registration key so that Off
// with the tuple given to On removes exactly that registration.
type Source interface {
	On(eventName, selector string, l *Listener) error
	Off(eventName, selector string, l *Listener) error
}

// Binding describes one active registration and knows how to undo it.
type Binding struct {
	Source    Source
	EventName string
	Selector  string
	Listener  *Listener

	onUnbind func(error)
}

// Unbind deregisters the listener with the exact tuple it was registered
// with and returns the source's error unchanged.
func (b *Binding) Unbind() error {
	err := b.Source.Off(b.EventName, b.Selector, b.Listener)
	if b.onUnbind != nil {
		b.onUnbind(err)
	}
	return err
}
