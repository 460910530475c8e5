package dom

import "time"

// Event is passed as the first argument to every handler.
type Event struct {
	// Type is the event type, e.g. "click"
	Type string
	// Target is the element the event was triggered on
	Target *Element
	// CurrentTarget is the element the running handler is invoked for: the
	// matched descendant for delegated handlers, otherwise the element the
	// handler is registered on
	CurrentTarget *Element
	// DelegateTarget is the element the running handler is registered on
	DelegateTarget *Element
	// Data holds the extra arguments given to Trigger
	Data []any
	// Timestamp is when Trigger was called
	Timestamp time.Time

	propagationStopped          bool
	immediatePropagationStopped bool
}

// StopPropagation keeps the event from bubbling past the current element.
// Remaining handlers for the current element still run.
func (e *Event) StopPropagation() {
	e.propagationStopped = true
}

// StopImmediatePropagation stops dispatch after the running handler.
func (e *Event) StopImmediatePropagation() {
	e.immediatePropagationStopped = true
	e.propagationStopped = true
}

// IsPropagationStopped reports whether StopPropagation was called.
func (e *Event) IsPropagationStopped() bool {
	return e.propagationStopped
}

// IsImmediatePropagationStopped reports whether StopImmediatePropagation was called.
func (e *Event) IsImmediatePropagationStopped() bool {
	return e.immediatePropagationStopped
}
