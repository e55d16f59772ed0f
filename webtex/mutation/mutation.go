// Package mutation defines the change notifications webtex consumes. These
// are the public contract between a page host (the in-memory dom package,
// the browser bridge) and the reactor: a host turns whatever its DOM emits
// into Records and delivers them grouped as a Batch.
package mutation

// NodeID is an opaque, host-assigned handle on a DOM node. Zero is never a
// valid node.
type NodeID uint64

// NoNode is the zero NodeID.
const NoNode NodeID = 0

// Kind is the type of a single change notification.
type Kind string

const (
	KindText   Kind = "text-edit"        // characterData on a text node
	KindInsert Kind = "subtree-insert"   // childList with added nodes
	KindRemove Kind = "subtree-remove"   // childList with removed nodes only
	KindAttr   Kind = "attribute-change" // attribute on an element
)

// Record is one atomic change notification. Target is the text node for
// KindText, the parent for KindInsert/KindRemove and the element for
// KindAttr. A childList notification carrying both added and removed nodes
// is a KindInsert.
type Record struct {
	Kind     Kind     `json:"kind"`
	Target   NodeID   `json:"target"`
	Added    []NodeID `json:"added,omitempty"`
	Removed  []NodeID `json:"removed,omitempty"`
	AttrName string   `json:"attr,omitempty"`
}

// Batch is an ordered group of records delivered together. Arrival order is
// processing order.
type Batch struct {
	ID        string   `json:"id,omitempty"`
	PageID    string   `json:"page_id,omitempty"`
	Seq       uint64   `json:"seq"`
	Records   []Record `json:"records"`
	Timestamp int64    `json:"timestamp"` // epoch milliseconds at delivery
}

// Nodes returns every node a batch touches, without duplicates, in first
// appearance order. Attribute and text targets count, childList parents do
// not.
func (b Batch) Nodes() []NodeID {
	seen := make(map[NodeID]struct{})
	var out []NodeID
	add := func(id NodeID) {
		if id == NoNode {
			return
		}
		if _, ok := seen[id]; ok {
			return
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	for _, r := range b.Records {
		switch r.Kind {
		case KindText, KindAttr:
			add(r.Target)
		}
		for _, id := range r.Added {
			add(id)
		}
		for _, id := range r.Removed {
			add(id)
		}
	}
	return out
}

// Removed returns every node removed anywhere in the batch.
func (b Batch) Removed() []NodeID {
	var out []NodeID
	for _, r := range b.Records {
		out = append(out, r.Removed...)
	}
	return out
}
