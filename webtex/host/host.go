// Package host declares what webtex needs from a page: DOM queries and
// writes, focus/selection/viewport state, a mutation subscription, and a
// typesetting engine. The dom package implements it in memory; the browser
// bridge implements it over CDP.
//
// Query methods never fail. A host that cannot answer (detached node, lost
// connection) returns the zero value and logs; callers treat zero values as
// "nothing to do". Write methods return errors.
package host

import (
	"context"
	"errors"
	"time"

	"github.com/hazyhaar/webtex/mathtex"
	"github.com/hazyhaar/webtex/webtex/mutation"
)

var (
	// ErrEngineUnavailable means the typesetting engine is not loaded yet or
	// was blocked by page policy. Retry on a later tier.
	ErrEngineUnavailable = errors.New("host: typesetting engine unavailable")

	// ErrDetached means the node is no longer part of the document.
	ErrDetached = errors.New("host: node detached")

	// ErrPolicy means the page rejected a DOM write (content-security policy).
	ErrPolicy = errors.New("host: rejected by page policy")
)

// NodeKind is the DOM node type.
type NodeKind int

const (
	KindOther NodeKind = iota
	KindElement
	KindText
	KindDocument
)

// Element describes an element created by ReplaceWithElement. Text becomes
// its only child.
type Element struct {
	Tag   string
	Class string
	Attrs map[string]string
	Text  string
}

// Scope is the watch scope of a mutation subscription.
type Scope struct {
	Subtree         bool
	ChildList       bool
	CharacterData   bool
	Attributes      bool
	AttributeFilter []string
}

// DefaultScope watches the whole document for structure, text, and the
// attributes that can reveal hidden math.
var DefaultScope = Scope{
	Subtree:         true,
	ChildList:       true,
	CharacterData:   true,
	Attributes:      true,
	AttributeFilter: []string{"style", "hidden", "class", "aria-hidden", "open"},
}

// Host is a live page.
type Host interface {
	Root() mutation.NodeID
	Hostname() string

	Kind(id mutation.NodeID) NodeKind
	Tag(id mutation.NodeID) string
	Attr(id mutation.NodeID, name string) (string, bool)
	Classes(id mutation.NodeID) []string
	Parent(id mutation.NodeID) mutation.NodeID
	Children(id mutation.NodeID) []mutation.NodeID
	// Contains is inclusive: Contains(n, n) is true.
	Contains(ancestor, id mutation.NodeID) bool
	Attached(id mutation.NodeID) bool
	Text(id mutation.NodeID) string

	ActiveElement() mutation.NodeID
	SelectionCollapsed() bool
	InViewport(id mutation.NodeID) bool
	Visible() bool
	ScriptSources() []string

	SetText(id mutation.NodeID, data string) error
	SetAttr(id mutation.NodeID, name, value string) error
	ReplaceWithText(id mutation.NodeID, data string) (mutation.NodeID, error)
	ReplaceWithElement(id mutation.NodeID, el Element) (mutation.NodeID, error)
	InjectStyle(css string) error

	// Observe subscribes fn to change batches. fn may be called from any
	// goroutine, including from inside Disconnect, and must not block.
	Observe(scope Scope, fn func(mutation.Batch)) error
	// Disconnect ends the subscription. Records already queued are delivered
	// first; changes made while disconnected are never reported.
	Disconnect()
	// OnVisibility registers fn for document visibility transitions.
	OnVisibility(fn func(visible bool))
}

// EditableChecker is implemented by hosts that can answer IsEditable in one
// call instead of an ancestor walk.
type EditableChecker interface {
	IsEditable(id mutation.NodeID) bool
}

// Idler is implemented by hosts with a cooperative low-priority callback
// facility. fn runs once the page is idle or timeout elapses; the returned
// function cancels it.
type Idler interface {
	RequestIdle(timeout time.Duration, fn func()) (cancel func())
}

// IsEditable reports whether id is inside an editable region: an element
// with contenteditable set (and not "false"), an input or a textarea.
func IsEditable(h Host, id mutation.NodeID) bool {
	if ec, ok := h.(EditableChecker); ok {
		return ec.IsEditable(id)
	}
	for n := id; n != mutation.NoNode; n = h.Parent(n) {
		if h.Kind(n) != KindElement {
			continue
		}
		switch h.Tag(n) {
		case "input", "textarea":
			return true
		}
		if v, ok := h.Attr(n, "contenteditable"); ok && v != "false" {
			return true
		}
	}
	return false
}

// RenderOptions configures one engine call.
type RenderOptions struct {
	Delimiters     []mathtex.Delimiter `json:"delimiters"`
	IgnoredTags    []string            `json:"ignoredTags"`
	IgnoredClasses []string            `json:"ignoredClasses"`
	ThrowOnError   bool                `json:"throwOnError"`
	Strict         string              `json:"strict"`
	Trust          bool                `json:"trust"`
	Macros         map[string]string   `json:"macros,omitempty"`
}

// DefaultRenderOptions is the canonical engine configuration.
func DefaultRenderOptions() RenderOptions {
	return RenderOptions{
		Delimiters:     append([]mathtex.Delimiter(nil), mathtex.Delimiters...),
		IgnoredTags:    append([]string(nil), mathtex.IgnoredTags...),
		IgnoredClasses: append([]string(nil), mathtex.IgnoredClasses...),
		ThrowOnError:   false,
		Strict:         "ignore",
	}
}

// Rendered is one math node produced by the engine, with the source it
// replaced.
type Rendered struct {
	Node    mutation.NodeID `json:"id"`
	Source  string          `json:"src"`
	Display bool            `json:"display"`
}

// Engine is the external typesetter. Malformed expressions are left as text
// and never fail the call.
type Engine interface {
	Render(ctx context.Context, root mutation.NodeID, opts RenderOptions) ([]Rendered, error)
}
