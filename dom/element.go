package dom

import (
	"slices"
	"strings"

	"golang.org/x/net/html"
)

// Element is a node of a Document. A Document hands out one *Element per
// node, so elements can be compared with ==.
type Element struct {
	doc  *Document
	node *html.Node
}

// Node returns the underlying html node.
func (e *Element) Node() *html.Node {
	return e.node
}

// Tag returns the lower-case tag name, or "" for the document node.
func (e *Element) Tag() string {
	if e.node.Type != html.ElementNode {
		return ""
	}
	return e.node.Data
}

// ID returns the id attribute.
func (e *Element) ID() string {
	id, _ := e.Attr("id")
	return id
}

// Attr returns the value of the named attribute and whether it is set.
func (e *Element) Attr(name string) (string, bool) {
	for _, a := range e.node.Attr {
		if a.Namespace == "" && a.Key == name {
			return a.Val, true
		}
	}
	return "", false
}

// HasClass reports whether class is in the class attribute.
func (e *Element) HasClass(class string) bool {
	classes, _ := e.Attr("class")
	return slices.Contains(strings.Fields(classes), class)
}

// Text returns the concatenated text of all descendant text nodes.
func (e *Element) Text() string {
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(e.node)
	return b.String()
}

// Parent returns the parent element, or nil at the document node.
func (e *Element) Parent() *Element {
	return e.doc.element(e.node.Parent)
}

// Is reports whether the element matches selector. Invalid selectors match
// nothing.
func (e *Element) Is(selector string) bool {
	sel, err := e.doc.compile(selector)
	if err != nil {
		return false
	}
	return e.node.Type == html.ElementNode && sel.Match(e.node)
}

// Selection returns a selection holding only this element.
func (e *Element) Selection() *Selection {
	return &Selection{doc: e.doc, nodes: []*html.Node{e.node}}
}

func (e *Element) String() string {
	if e.node.Type != html.ElementNode {
		return "#document"
	}
	var b strings.Builder
	b.WriteString(e.node.Data)
	if id := e.ID(); id != "" {
		b.WriteString("#" + id)
	}
	if classes, ok := e.Attr("class"); ok {
		for _, c := range strings.Fields(classes) {
			b.WriteString("." + c)
		}
	}
	return b.String()
}
