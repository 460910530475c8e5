// Package dom provides jQuery-like selections over a parsed HTML document with
// event registration, delegation and bubbling dispatch.
//
// Selections satisfy eventstream.Source, so any selection can be turned into
// a stream:
//
//	doc, _ := dom.ParseString(page)
//	clicks := doc.MustFind("ul.menu").AsStream("click", "li", func(this any, args ...any) any {
//	    return this.(*dom.Element).Text()
//	})
//
// Events are dispatched synchronously on the goroutine that calls Trigger.
package dom

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/andybalholm/cascadia"
	"github.com/rbaliyan/eventstream/transport"
	"golang.org/x/net/html"
)

// Document errors
var (
	ErrInvalidSelector = errors.New("dom: invalid selector")
	ErrNoEventType     = errors.New("dom: no event type")
)

// Document is a parsed HTML tree plus its event registrations.
// It is safe for concurrent use; the tree itself must not be modified
// while events are dispatched.
type Document struct {
	root   *html.Node
	logger *slog.Logger

	mu       sync.Mutex
	elements map[*html.Node]*Element
	handlers map[*html.Node][]*registration
	compiled map[string]cascadia.Matcher
}

// Option configures a Document
type Option func(*Document)

// WithLogger sets the logger
func WithLogger(l *slog.Logger) Option {
	return func(d *Document) {
		if l != nil {
			d.logger = l
		}
	}
}

// Parse reads an HTML document.
func Parse(r io.Reader, opts ...Option) (*Document, error) {
	root, err := html.Parse(r)
	if err != nil {
		return nil, fmt.Errorf("dom: parse: %w", err)
	}
	return newDocument(root, opts...), nil
}

// ParseString parses an HTML document held in s.
func ParseString(s string, opts ...Option) (*Document, error) {
	return Parse(strings.NewReader(s), opts...)
}

func newDocument(root *html.Node, opts ...Option) *Document {
	d := &Document{
		root:     root,
		logger:   transport.Logger("dom"),
		elements: make(map[*html.Node]*Element),
		handlers: make(map[*html.Node][]*registration),
		compiled: make(map[string]cascadia.Matcher),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Root returns a selection holding the document node itself, the top of
// every bubbling path.
func (d *Document) Root() *Selection {
	return &Selection{doc: d, nodes: []*html.Node{d.root}}
}

// Find returns every element in the document matching selector.
func (d *Document) Find(selector string) (*Selection, error) {
	return d.Root().Find(selector)
}

// MustFind is like Find but panics if the selector is invalid.
func (d *Document) MustFind(selector string) *Selection {
	s, err := d.Find(selector)
	if err != nil {
		panic(err)
	}
	return s
}

// compile returns the cached compiled selector.
func (d *Document) compile(selector string) (cascadia.Matcher, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if sel, ok := d.compiled[selector]; ok {
		return sel, nil
	}
	sel, err := cascadia.ParseGroup(selector)
	if err != nil {
		return nil, fmt.Errorf("%w %q: %w", ErrInvalidSelector, selector, err)
	}
	d.compiled[selector] = sel
	return sel, nil
}

// element returns the Element for n, the same pointer on every call.
func (d *Document) element(n *html.Node) *Element {
	if n == nil {
		return nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if e, ok := d.elements[n]; ok {
		return e
	}
	e := &Element{doc: d, node: n}
	d.elements[n] = e
	return e
}
