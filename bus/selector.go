package bus

import (
	"errors"
	"fmt"
	"strings"

	"github.com/rbaliyan/eventstream/transport"
)

// ErrInvalidSelector is wrapped by every *SelectorError.
var ErrInvalidSelector = errors.New("bus: invalid selector")

// SelectorError reports where a selector failed to parse.
type SelectorError struct {
	Selector string // The selector being parsed
	Pos      int    // Byte offset of the problem
	Reason   string // What was wrong
}

func (e *SelectorError) Error() string {
	return fmt.Sprintf("bus: invalid selector %q at %d: %s", e.Selector, e.Pos, e.Reason)
}

func (e *SelectorError) Unwrap() error {
	return ErrInvalidSelector
}

type attrOp int

const (
	opExists attrOp = iota
	opEqual
	opNotEqual
)

type attrCond struct {
	key   string
	op    attrOp
	value string
}

func (c attrCond) match(meta map[string]string) bool {
	v, ok := meta[c.key]
	switch c.op {
	case opEqual:
		return ok && v == c.value
	case opNotEqual:
		return !ok || v != c.value
	}
	return ok
}

// compound is one comma-separated alternative
type compound struct {
	source string
	attrs  []attrCond
}

func (c compound) match(msg transport.Message) bool {
	if c.source != "" && msg.Source() != c.source {
		return false
	}
	meta := msg.Metadata()
	for _, a := range c.attrs {
		if !a.match(meta) {
			return false
		}
	}
	return true
}

// Selector filters messages by source and metadata.
//
// Grammar, CSS-like:
//
//	#billing                    source is "billing"
//	[region]                    metadata has key "region"
//	[region=eu]                 metadata "region" equals "eu"
//	[region!=eu]                metadata "region" missing or not "eu"
//	#billing[tier="gold"]       all conditions must hold
//	#billing, [priority=high]   either alternative
//
// Values may be quoted with single or double quotes to include ']' or ','.
type Selector struct {
	raw  string
	alts []compound
}

// Compile parses sel. Errors are *SelectorError.
func Compile(sel string) (*Selector, error) {
	p := &selectorParser{src: sel}
	alts, err := p.parse()
	if err != nil {
		return nil, err
	}
	return &Selector{raw: sel, alts: alts}, nil
}

// MustCompile is like Compile but panics on error.
func MustCompile(sel string) *Selector {
	s, err := Compile(sel)
	if err != nil {
		panic(err)
	}
	return s
}

// Match reports whether msg satisfies any alternative.
func (s *Selector) Match(msg transport.Message) bool {
	for _, alt := range s.alts {
		if alt.match(msg) {
			return true
		}
	}
	return false
}

func (s *Selector) String() string {
	return s.raw
}

type selectorParser struct {
	src string
	pos int
}

func (p *selectorParser) fail(reason string) error {
	return &SelectorError{Selector: p.src, Pos: p.pos, Reason: reason}
}

func (p *selectorParser) skipSpace() {
	for p.pos < len(p.src) && (p.src[p.pos] == ' ' || p.src[p.pos] == '\t') {
		p.pos++
	}
}

func (p *selectorParser) parse() ([]compound, error) {
	var alts []compound
	for {
		p.skipSpace()
		c, err := p.compound()
		if err != nil {
			return nil, err
		}
		alts = append(alts, c)

		p.skipSpace()
		if p.pos == len(p.src) {
			return alts, nil
		}
		if p.src[p.pos] != ',' {
			return nil, p.fail(fmt.Sprintf("unexpected %q", p.src[p.pos]))
		}
		p.pos++
	}
}

func (p *selectorParser) compound() (compound, error) {
	var c compound
	start := p.pos
	for p.pos < len(p.src) {
		switch p.src[p.pos] {
		case '#':
			if c.source != "" {
				return c, p.fail("more than one source")
			}
			p.pos++
			c.source = p.ident("#[,] \t")
			if c.source == "" {
				return c, p.fail("empty source")
			}
		case '[':
			a, err := p.attr()
			if err != nil {
				return c, err
			}
			c.attrs = append(c.attrs, a)
		case ',', ' ', '\t':
			if p.pos == start {
				return c, p.fail("empty alternative")
			}
			return c, nil
		default:
			return c, p.fail(fmt.Sprintf("unexpected %q", p.src[p.pos]))
		}
	}
	if p.pos == start {
		return c, p.fail("empty alternative")
	}
	return c, nil
}

// ident reads up to the first byte in stop
func (p *selectorParser) ident(stop string) string {
	start := p.pos
	for p.pos < len(p.src) && !strings.ContainsRune(stop, rune(p.src[p.pos])) {
		p.pos++
	}
	return p.src[start:p.pos]
}

func (p *selectorParser) attr() (attrCond, error) {
	var a attrCond
	p.pos++ // '['
	p.skipSpace()
	a.key = strings.TrimSpace(p.ident("!=]~^$*|"))
	if a.key == "" {
		return a, p.fail("empty attribute name")
	}
	if p.pos == len(p.src) {
		return a, p.fail("unterminated attribute")
	}

	switch {
	case p.src[p.pos] == ']':
		p.pos++
		a.op = opExists
		return a, nil
	case p.src[p.pos] == '=':
		p.pos++
		a.op = opEqual
	case strings.HasPrefix(p.src[p.pos:], "!="):
		p.pos += 2
		a.op = opNotEqual
	default:
		return a, p.fail("expected '=', '!=' or ']'")
	}

	p.skipSpace()
	if p.pos < len(p.src) && (p.src[p.pos] == '"' || p.src[p.pos] == '\'') {
		quote := p.src[p.pos]
		end := strings.IndexByte(p.src[p.pos+1:], quote)
		if end < 0 {
			return a, p.fail("unterminated quoted value")
		}
		a.value = p.src[p.pos+1 : p.pos+1+end]
		p.pos += end + 2
	} else {
		a.value = strings.TrimSpace(p.ident("]"))
	}

	p.skipSpace()
	if p.pos == len(p.src) || p.src[p.pos] != ']' {
		return a, p.fail("unterminated attribute")
	}
	p.pos++
	return a, nil
}
