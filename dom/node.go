// Package dom is an in-memory page: a mutable node tree with focus,
// selection, viewport and visibility state, and a MutationObserver-style
// subscription that reports changes as mutation.Batch values.
//
// A Document implements host.Host, so every webtex component can run
// against it without a browser. Typesetter is its in-process engine.
// Documents are parsed from and serialised to HTML with golang.org/x/net/html.
//
// All Document methods are safe for concurrent use.
package dom

import (
	"strings"

	"golang.org/x/net/html"

	"github.com/hazyhaar/webtex/webtex/host"
	"github.com/hazyhaar/webtex/webtex/mutation"
)

// Rect is a layout box in CSS pixels.
type Rect struct {
	Top, Left, Width, Height float64
}

// Bottom returns Top+Height.
func (r Rect) Bottom() float64 { return r.Top + r.Height }

// Right returns Left+Width.
func (r Rect) Right() float64 { return r.Left + r.Width }

// Intersects reports whether r and o overlap.
func (r Rect) Intersects(o Rect) bool {
	return r.Top < o.Bottom() && o.Top < r.Bottom() &&
		r.Left < o.Right() && o.Left < r.Right()
}

// node is one DOM node. Fields are guarded by the owning Document's mutex.
type node struct {
	id    mutation.NodeID
	kind  host.NodeKind
	tag   string
	attrs []html.Attribute
	data  string
	box   *Rect

	parent, first, last, prev, next *node
}

func (n *node) attr(name string) (string, bool) {
	for _, a := range n.attrs {
		if a.Key == name {
			return a.Val, true
		}
	}
	return "", false
}

func (n *node) setAttr(name, value string) {
	for i, a := range n.attrs {
		if a.Key == name {
			n.attrs[i].Val = value
			return
		}
	}
	n.attrs = append(n.attrs, html.Attribute{Key: name, Val: value})
}

func (n *node) removeAttr(name string) bool {
	for i, a := range n.attrs {
		if a.Key == name {
			n.attrs = append(n.attrs[:i], n.attrs[i+1:]...)
			return true
		}
	}
	return false
}

func (n *node) classes() []string {
	v, _ := n.attr("class")
	return strings.Fields(v)
}

func (n *node) hasClass(c string) bool {
	for _, x := range n.classes() {
		if x == c {
			return true
		}
	}
	return false
}

func (n *node) children() []*node {
	var out []*node
	for c := n.first; c != nil; c = c.next {
		out = append(out, c)
	}
	return out
}

func (n *node) appendChild(c *node) {
	c.parent = n
	c.prev = n.last
	c.next = nil
	if n.last != nil {
		n.last.next = c
	} else {
		n.first = c
	}
	n.last = c
}

func (n *node) insertBefore(c, ref *node) {
	if ref == nil {
		n.appendChild(c)
		return
	}
	c.parent = n
	c.next = ref
	c.prev = ref.prev
	if ref.prev != nil {
		ref.prev.next = c
	} else {
		n.first = c
	}
	ref.prev = c
}

func (n *node) detach() {
	p := n.parent
	if p == nil {
		return
	}
	if n.prev != nil {
		n.prev.next = n.next
	} else {
		p.first = n.next
	}
	if n.next != nil {
		n.next.prev = n.prev
	} else {
		p.last = n.prev
	}
	n.parent, n.prev, n.next = nil, nil, nil
}

func (n *node) contains(o *node) bool {
	for x := o; x != nil; x = x.parent {
		if x == n {
			return true
		}
	}
	return false
}

func (n *node) textContent(b *strings.Builder) {
	switch n.kind {
	case host.KindText:
		b.WriteString(n.data)
	case host.KindElement, host.KindDocument:
		for c := n.first; c != nil; c = c.next {
			c.textContent(b)
		}
	}
}

// walk visits n and its descendants in document order. Returning false from
// fn skips the node's children.
func (n *node) walk(fn func(*node) bool) {
	if !fn(n) {
		return
	}
	for c := n.first; c != nil; {
		next := c.next
		c.walk(fn)
		c = next
	}
}
