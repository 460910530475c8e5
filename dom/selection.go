package dom

import (
	"slices"
	"strings"
	"time"

	"github.com/andybalholm/cascadia"
	"github.com/rbaliyan/eventstream"
	"github.com/rbaliyan/eventstream/stream"
	"golang.org/x/net/html"
)

// registration is one On call for one node and event type
type registration struct {
	eventType string
	selector  string
	matcher   cascadia.Matcher // nil when not delegated
	listener  *eventstream.Listener
}

// Selection is an ordered set of nodes of one Document.
type Selection struct {
	doc   *Document
	nodes []*html.Node
}

var _ eventstream.Source = (*Selection)(nil)

// Len returns the number of selected nodes.
func (s *Selection) Len() int {
	return len(s.nodes)
}

// Elements returns the selected elements.
func (s *Selection) Elements() []*Element {
	out := make([]*Element, len(s.nodes))
	for i, n := range s.nodes {
		out[i] = s.doc.element(n)
	}
	return out
}

// Find returns the descendants of the selected nodes that match selector,
// without duplicates.
func (s *Selection) Find(selector string) (*Selection, error) {
	m, err := s.doc.compile(selector)
	if err != nil {
		return nil, err
	}

	var nodes []*html.Node
	seen := make(map[*html.Node]bool)
	for _, n := range s.nodes {
		for _, found := range cascadia.QueryAll(n, m) {
			if found == n || seen[found] {
				continue
			}
			seen[found] = true
			nodes = append(nodes, found)
		}
	}
	return &Selection{doc: s.doc, nodes: nodes}, nil
}

// Eq returns the i-th node as a selection. Negative i counts from the end.
// Out of range yields an empty selection.
func (s *Selection) Eq(i int) *Selection {
	if i < 0 {
		i += len(s.nodes)
	}
	if i < 0 || i >= len(s.nodes) {
		return &Selection{doc: s.doc}
	}
	return &Selection{doc: s.doc, nodes: []*html.Node{s.nodes[i]}}
}

// First returns the first node as a selection.
func (s *Selection) First() *Selection {
	return s.Eq(0)
}

// On registers l on every selected node for each space-separated event type
// in eventName. With a non-empty selector the handler is delegated: it runs
// for descendants matching selector.
func (s *Selection) On(eventName, selector string, l *eventstream.Listener) error {
	types := strings.Fields(eventName)
	if len(types) == 0 {
		return ErrNoEventType
	}

	var m cascadia.Matcher
	if selector != "" {
		var err error
		if m, err = s.doc.compile(selector); err != nil {
			return err
		}
	}

	s.doc.mu.Lock()
	defer s.doc.mu.Unlock()

	for _, n := range s.nodes {
		for _, typ := range types {
			s.doc.handlers[n] = append(s.doc.handlers[n], &registration{
				eventType: typ,
				selector:  selector,
				matcher:   m,
				listener:  l,
			})
		}
	}

	s.doc.logger.Debug("registered handler",
		"event", eventName, "selector", selector, "listener", l.ID(), "nodes", len(s.nodes))
	return nil
}

// Off removes registrations made with the same event type, selector and
// listener. A nil listener removes every registration for the event types
// and selector. Removing something that is not registered is not an error.
func (s *Selection) Off(eventName, selector string, l *eventstream.Listener) error {
	types := strings.Fields(eventName)
	if len(types) == 0 {
		return ErrNoEventType
	}

	s.doc.mu.Lock()
	defer s.doc.mu.Unlock()

	removed := 0
	for _, n := range s.nodes {
		regs := s.doc.handlers[n]
		kept := slices.DeleteFunc(slices.Clone(regs), func(r *registration) bool {
			match := r.selector == selector &&
				slices.Contains(types, r.eventType) &&
				(l == nil || r.listener == l)
			if match {
				removed++
			}
			return match
		})
		if len(kept) == 0 {
			delete(s.doc.handlers, n)
		} else {
			s.doc.handlers[n] = kept
		}
	}

	s.doc.logger.Debug("removed handler",
		"event", eventName, "selector", selector, "removed", removed)
	return nil
}

// Trigger dispatches each space-separated event type in eventType on every
// selected node, bubbling to the document node. extra is appended to the
// handler arguments after the *Event.
func (s *Selection) Trigger(eventType string, extra ...any) {
	for _, typ := range strings.Fields(eventType) {
		for _, n := range s.nodes {
			s.doc.dispatch(n, typ, extra)
		}
	}
}

// Click triggers "click".
func (s *Selection) Click() {
	s.Trigger("click")
}

// AsStream builds a stream of this selection's events with the default
// adapter. See eventstream.Adapter.AsStream.
func (s *Selection) AsStream(eventName string, args ...any) *stream.Stream[any] {
	return eventstream.AsStream(s, eventName, args...)
}

// handlersFor snapshots the registrations of n for typ.
func (d *Document) handlersFor(n *html.Node, typ string) (delegated, direct []*registration) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, r := range d.handlers[n] {
		if r.eventType != typ {
			continue
		}
		if r.matcher != nil {
			delegated = append(delegated, r)
		} else {
			direct = append(direct, r)
		}
	}
	return delegated, direct
}

// dispatch runs the handlers for one event on target and its ancestors.
//
// For each element on the path, delegated handlers run first, grouped by
// matched descendant from the deepest up, then direct handlers.
func (d *Document) dispatch(target *html.Node, typ string, extra []any) {
	ev := &Event{
		Type:      typ,
		Target:    d.element(target),
		Data:      extra,
		Timestamp: time.Now(),
	}
	args := append([]any{ev}, extra...)

	for cur := target; cur != nil; cur = cur.Parent {
		delegated, direct := d.handlersFor(cur, typ)
		if len(delegated) == 0 && len(direct) == 0 {
			continue
		}
		ev.DelegateTarget = d.element(cur)

		if len(delegated) > 0 {
			for n := target; n != cur && n != nil; n = n.Parent {
				if n.Type != html.ElementNode {
					continue
				}
				var matched []*registration
				for _, r := range delegated {
					if r.matcher.Match(n) {
						matched = append(matched, r)
					}
				}
				if len(matched) == 0 {
					continue
				}
				if !d.invoke(ev, d.element(n), matched, args) || ev.propagationStopped {
					return
				}
			}
		}

		if !d.invoke(ev, d.element(cur), direct, args) || ev.propagationStopped {
			return
		}
	}
}

// invoke calls regs with this set to el. It returns false once immediate
// propagation has been stopped.
func (d *Document) invoke(ev *Event, el *Element, regs []*registration, args []any) bool {
	for _, r := range regs {
		ev.CurrentTarget = el
		r.listener.Handle(el, args...)
		if ev.immediatePropagationStopped {
			return false
		}
	}
	return true
}
