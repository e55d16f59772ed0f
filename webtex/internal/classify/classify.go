// Package classify sorts a batch of DOM change records into noise to drop
// and nodes to render.
package classify

import (
	"github.com/hazyhaar/webtex/mathtex"
	"github.com/hazyhaar/webtex/webtex/host"
	"github.com/hazyhaar/webtex/webtex/mutation"
)

// Class is the semantic category of a batch.
type Class string

const (
	None       Class = "none"
	Ripple     Class = "ripple-noise"
	Typing     Class = "user-typing"
	Selecting  Class = "user-selecting"
	TextEdit   Class = "text-edit"
	Structural Class = "structural"
	Attribute  Class = "attribute"
)

// Discard reports whether a batch of this class is dropped unscheduled.
func (c Class) Discard() bool {
	return c == Ripple || c == Typing || c == Selecting || c == None
}

// DefaultRippleClasses are decorative markers of transient press and focus
// effects in common UI toolkits.
var DefaultRippleClasses = []string{
	"ripple",
	"mat-ripple",
	"mat-ripple-element",
	"mat-focus-indicator",
	"mdc-ripple-surface",
	"mdc-ripple-upgraded",
	"MuiTouchRipple-root",
	"MuiTouchRipple-ripple",
	"MuiTouchRipple-child",
	"v-ripple__container",
	"v-ripple__animation",
	"waves-ripple",
	"focus-ring",
	"focus-visible",
}

// Escalation is one node promoted to a render root.
type Escalation struct {
	Node  mutation.NodeID
	Class Class
}

// Result is the outcome of classifying one batch.
type Result struct {
	// Class is the discard condition, or the strongest escalation present
	// (structural over text-edit over attribute), or None.
	Class       Class
	Escalations []Escalation
	// Dynamic is set when the batch looks like progressively loaded content.
	Dynamic bool
	// Removed lists nodes taken out of the document by the batch.
	Removed []mutation.NodeID
}

// Immediate returns the text-edit and structural roots in batch order.
func (r Result) Immediate() []mutation.NodeID {
	var out []mutation.NodeID
	for _, e := range r.Escalations {
		if e.Class == TextEdit || e.Class == Structural {
			out = append(out, e.Node)
		}
	}
	return out
}

// Deferred returns the attribute roots in batch order.
func (r Result) Deferred() []mutation.NodeID {
	var out []mutation.NodeID
	for _, e := range r.Escalations {
		if e.Class == Attribute {
			out = append(out, e.Node)
		}
	}
	return out
}

// Classifier classifies batches against the live state of a host.
type Classifier struct {
	host   host.Host
	ripple map[string]bool
}

// New returns a Classifier using DefaultRippleClasses plus extra.
func New(h host.Host, extra ...string) *Classifier {
	c := &Classifier{host: h, ripple: make(map[string]bool)}
	for _, s := range DefaultRippleClasses {
		c.ripple[s] = true
	}
	for _, s := range extra {
		c.ripple[s] = true
	}
	return c
}

// IsRipple reports whether id, or an ancestor, carries a ripple marker.
func (c *Classifier) IsRipple(id mutation.NodeID) bool {
	for n := id; n != mutation.NoNode; n = c.host.Parent(n) {
		if c.host.Kind(n) != host.KindElement {
			continue
		}
		for _, cl := range c.host.Classes(n) {
			if c.ripple[cl] {
				return true
			}
		}
	}
	return false
}

// focusedEditable returns the focused element when it is editable.
func (c *Classifier) focusedEditable() mutation.NodeID {
	a := c.host.ActiveElement()
	if a == mutation.NoNode || a == c.host.Root() {
		return mutation.NoNode
	}
	if !host.IsEditable(c.host, a) {
		return mutation.NoNode
	}
	return a
}

// Classify categorises b. Escalations are collected first; the discard
// conditions (ripple, then typing, then selecting) apply only when no
// text-edit or structural escalation survived.
func (c *Classifier) Classify(b mutation.Batch) Result {
	var res Result
	focus := c.focusedEditable()
	typing := func(id mutation.NodeID) bool {
		return focus != mutation.NoNode && c.host.Contains(focus, id)
	}
	seen := make(map[mutation.NodeID]bool)
	escalate := func(id mutation.NodeID, cl Class) {
		if id == mutation.NoNode || seen[id] || !c.host.Attached(id) {
			return
		}
		seen[id] = true
		res.Escalations = append(res.Escalations, Escalation{Node: id, Class: cl})
	}

	for _, r := range b.Records {
		res.Removed = append(res.Removed, r.Removed...)
		switch r.Kind {
		case mutation.KindText:
			if c.IsRipple(r.Target) || typing(r.Target) {
				continue
			}
			p := c.host.Parent(r.Target)
			if p != mutation.NoNode && mathtex.LooksLikeMath(c.host.Text(p)) {
				res.Dynamic = true
			}
			escalate(p, TextEdit)
		case mutation.KindInsert:
			for _, a := range r.Added {
				if c.IsRipple(a) || typing(a) {
					continue
				}
				switch c.host.Kind(a) {
				case host.KindElement:
					if mathtex.LooksDynamic(c.host.Tag(a), c.host.Text(a)) {
						res.Dynamic = true
					}
					escalate(a, Structural)
				case host.KindText:
					if mathtex.LooksLikeMath(c.host.Text(a)) {
						res.Dynamic = true
					}
					escalate(r.Target, Structural)
				}
			}
		case mutation.KindAttr:
			if c.IsRipple(r.Target) || typing(r.Target) {
				continue
			}
			escalate(r.Target, Attribute)
		}
	}

	var hasText, hasStruct, hasAttr bool
	for _, e := range res.Escalations {
		switch e.Class {
		case TextEdit:
			hasText = true
		case Structural:
			hasStruct = true
		case Attribute:
			hasAttr = true
		}
	}
	switch {
	case hasStruct:
		res.Class = Structural
		return res
	case hasText:
		res.Class = TextEdit
		return res
	}

	switch {
	case c.allRipple(b):
		res.Class = Ripple
	case focus != mutation.NoNode && c.allInside(b, focus):
		res.Class = Typing
	case !c.host.SelectionCollapsed():
		res.Class = Selecting
	case hasAttr:
		res.Class = Attribute
		return res
	default:
		res.Class = None
		return res
	}
	res.Escalations = nil
	res.Dynamic = false
	return res
}

func (c *Classifier) allRipple(b mutation.Batch) bool {
	nodes := b.Nodes()
	if len(nodes) == 0 {
		return false
	}
	for _, n := range nodes {
		if !c.IsRipple(n) {
			return false
		}
	}
	return true
}

// allInside reports whether every record target and added node lies within
// ancestor. Removed nodes are represented by their record target.
func (c *Classifier) allInside(b mutation.Batch, ancestor mutation.NodeID) bool {
	if len(b.Records) == 0 {
		return false
	}
	for _, r := range b.Records {
		if !c.host.Contains(ancestor, r.Target) {
			return false
		}
		for _, a := range r.Added {
			if !c.host.Contains(ancestor, a) {
				return false
			}
		}
	}
	return true
}
