package dom

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/hazyhaar/webtex/webtex/host"
	"github.com/hazyhaar/webtex/webtex/mutation"
)

// Document is an in-memory page.
type Document struct {
	mu sync.Mutex

	nodes  map[mutation.NodeID]*node
	nextID mutation.NodeID
	doc    *node
	body   *node

	hostname  string
	active    mutation.NodeID
	collapsed bool
	viewport  Rect
	visible   bool
	styles    []string
	policy    bool // reject style injection
	writes    int

	observing bool
	scope     host.Scope
	observer  func(mutation.Batch)
	queue     []mutation.Record
	seq       uint64

	onVisible []func(bool)
}

// New returns an empty document with html, head and body elements.
func New(hostname string) *Document {
	d := &Document{
		nodes:     make(map[mutation.NodeID]*node),
		hostname:  hostname,
		collapsed: true,
		visible:   true,
	}
	d.doc = d.newNode(host.KindDocument, "", "")
	htmlEl := d.newNode(host.KindElement, "html", "")
	d.doc.appendChild(htmlEl)
	htmlEl.appendChild(d.newNode(host.KindElement, "head", ""))
	d.body = d.newNode(host.KindElement, "body", "")
	htmlEl.appendChild(d.body)
	return d
}

func (d *Document) newNode(kind host.NodeKind, tag, data string) *node {
	d.nextID++
	n := &node{id: d.nextID, kind: kind, tag: tag, data: data}
	d.nodes[n.id] = n
	return n
}

func (d *Document) get(id mutation.NodeID) *node {
	return d.nodes[id]
}

func (d *Document) attached(n *node) bool {
	return n != nil && d.doc.contains(n)
}

// ---------- observation ----------

func (d *Document) record(r mutation.Record, at *node) {
	d.writes++
	if !d.observing || !d.attached(at) {
		return
	}
	switch r.Kind {
	case mutation.KindText:
		if !d.scope.CharacterData {
			return
		}
	case mutation.KindInsert, mutation.KindRemove:
		if !d.scope.ChildList {
			return
		}
	case mutation.KindAttr:
		if !d.scope.Attributes {
			return
		}
		if len(d.scope.AttributeFilter) > 0 && !contains(d.scope.AttributeFilter, r.AttrName) {
			return
		}
	}
	d.queue = append(d.queue, r)
}

// takeBatch drains the queue. Caller holds d.mu.
func (d *Document) takeBatch() (mutation.Batch, func(mutation.Batch), bool) {
	if len(d.queue) == 0 || d.observer == nil {
		d.queue = nil
		return mutation.Batch{}, nil, false
	}
	d.seq++
	b := mutation.Batch{
		Seq:       d.seq,
		Records:   d.queue,
		Timestamp: time.Now().UnixMilli(),
	}
	d.queue = nil
	return b, d.observer, true
}

// Observe implements host.Host.
func (d *Document) Observe(scope host.Scope, fn func(mutation.Batch)) error {
	if fn == nil {
		return fmt.Errorf("dom: observe: nil callback")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.scope = scope
	d.observer = fn
	d.observing = true
	return nil
}

// Disconnect implements host.Host. Queued records are delivered first.
func (d *Document) Disconnect() {
	d.mu.Lock()
	b, fn, ok := d.takeBatch()
	d.observing = false
	d.mu.Unlock()
	if ok {
		fn(b)
	}
}

// Flush delivers queued records as one batch, like the end of a browser
// task. It reports whether a batch was delivered.
func (d *Document) Flush() bool {
	d.mu.Lock()
	b, fn, ok := d.takeBatch()
	d.mu.Unlock()
	if ok {
		fn(b)
	}
	return ok
}

// Observing reports whether a subscription is active.
func (d *Document) Observing() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.observing
}

// Writes counts every DOM mutation since creation, observed or not.
func (d *Document) Writes() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.writes
}

// OnVisibility implements host.Host.
func (d *Document) OnVisibility(fn func(bool)) {
	d.mu.Lock()
	d.onVisible = append(d.onVisible, fn)
	d.mu.Unlock()
}

// SetVisible changes document visibility and notifies listeners on a
// transition.
func (d *Document) SetVisible(v bool) {
	d.mu.Lock()
	changed := d.visible != v
	d.visible = v
	fns := append([]func(bool){}, d.onVisible...)
	d.mu.Unlock()
	if !changed {
		return
	}
	for _, fn := range fns {
		fn(v)
	}
}

// ---------- host.Host queries ----------

// Root implements host.Host: the body element.
func (d *Document) Root() mutation.NodeID {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.body.id
}

// Hostname implements host.Host.
func (d *Document) Hostname() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.hostname
}

// Kind implements host.Host.
func (d *Document) Kind(id mutation.NodeID) host.NodeKind {
	d.mu.Lock()
	defer d.mu.Unlock()
	if n := d.get(id); n != nil {
		return n.kind
	}
	return host.KindOther
}

// Tag implements host.Host.
func (d *Document) Tag(id mutation.NodeID) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if n := d.get(id); n != nil {
		return n.tag
	}
	return ""
}

// Attr implements host.Host.
func (d *Document) Attr(id mutation.NodeID, name string) (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if n := d.get(id); n != nil {
		return n.attr(name)
	}
	return "", false
}

// Classes implements host.Host.
func (d *Document) Classes(id mutation.NodeID) []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if n := d.get(id); n != nil {
		return n.classes()
	}
	return nil
}

// Parent implements host.Host.
func (d *Document) Parent(id mutation.NodeID) mutation.NodeID {
	d.mu.Lock()
	defer d.mu.Unlock()
	if n := d.get(id); n != nil && n.parent != nil {
		return n.parent.id
	}
	return mutation.NoNode
}

// Children implements host.Host.
func (d *Document) Children(id mutation.NodeID) []mutation.NodeID {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := d.get(id)
	if n == nil {
		return nil
	}
	var out []mutation.NodeID
	for c := n.first; c != nil; c = c.next {
		out = append(out, c.id)
	}
	return out
}

// Contains implements host.Host.
func (d *Document) Contains(ancestor, id mutation.NodeID) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	a, n := d.get(ancestor), d.get(id)
	if a == nil || n == nil {
		return false
	}
	return a.contains(n)
}

// Attached implements host.Host.
func (d *Document) Attached(id mutation.NodeID) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.attached(d.get(id))
}

// Text implements host.Host: textContent.
func (d *Document) Text(id mutation.NodeID) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := d.get(id)
	if n == nil {
		return ""
	}
	var b strings.Builder
	n.textContent(&b)
	return b.String()
}

// IsEditable implements host.EditableChecker.
func (d *Document) IsEditable(id mutation.NodeID) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.editable(d.get(id))
}

func (d *Document) editable(n *node) bool {
	for x := n; x != nil; x = x.parent {
		if x.kind != host.KindElement {
			continue
		}
		if x.tag == "input" || x.tag == "textarea" {
			return true
		}
		if v, ok := x.attr("contenteditable"); ok && v != "false" {
			return true
		}
	}
	return false
}

// ActiveElement implements host.Host.
func (d *Document) ActiveElement() mutation.NodeID {
	d.mu.Lock()
	defer d.mu.Unlock()
	if n := d.get(d.active); n != nil && d.attached(n) {
		return n.id
	}
	return d.body.id
}

// SelectionCollapsed implements host.Host.
func (d *Document) SelectionCollapsed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.collapsed
}

// InViewport implements host.Host. Nodes without a layout box inherit their
// nearest ancestor's; with no box at all, or no viewport set, a node counts
// as visible.
func (d *Document) InViewport(id mutation.NodeID) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.viewport == (Rect{}) {
		return true
	}
	for n := d.get(id); n != nil; n = n.parent {
		if n.box != nil {
			return n.box.Intersects(d.viewport)
		}
	}
	return true
}

// Visible implements host.Host.
func (d *Document) Visible() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.visible
}

// ScriptSources implements host.Host.
func (d *Document) ScriptSources() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []string
	d.doc.walk(func(n *node) bool {
		if n.kind == host.KindElement && n.tag == "script" {
			if src, ok := n.attr("src"); ok {
				out = append(out, src)
			}
		}
		return true
	})
	return out
}

// ---------- host.Host writes ----------

// SetText implements host.Host.
func (d *Document) SetText(id mutation.NodeID, data string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := d.get(id)
	if n == nil {
		return host.ErrDetached
	}
	if n.kind != host.KindText {
		return fmt.Errorf("dom: set text: node %d is not a text node", id)
	}
	n.data = data
	d.record(mutation.Record{Kind: mutation.KindText, Target: id}, n)
	return nil
}

// SetAttr implements host.Host.
func (d *Document) SetAttr(id mutation.NodeID, name, value string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := d.get(id)
	if n == nil || n.kind != host.KindElement {
		return host.ErrDetached
	}
	n.setAttr(name, value)
	d.record(mutation.Record{Kind: mutation.KindAttr, Target: id, AttrName: name}, n)
	return nil
}

// RemoveAttr deletes an attribute.
func (d *Document) RemoveAttr(id mutation.NodeID, name string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := d.get(id)
	if n == nil || n.kind != host.KindElement {
		return host.ErrDetached
	}
	if n.removeAttr(name) {
		d.record(mutation.Record{Kind: mutation.KindAttr, Target: id, AttrName: name}, n)
	}
	return nil
}

// ReplaceWithText implements host.Host.
func (d *Document) ReplaceWithText(id mutation.NodeID, data string) (mutation.NodeID, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	old := d.get(id)
	if old == nil || old.parent == nil {
		return mutation.NoNode, host.ErrDetached
	}
	t := d.newNode(host.KindText, "", data)
	d.replace(old, t)
	return t.id, nil
}

// ReplaceWithElement implements host.Host.
func (d *Document) ReplaceWithElement(id mutation.NodeID, el host.Element) (mutation.NodeID, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	old := d.get(id)
	if old == nil || old.parent == nil {
		return mutation.NoNode, host.ErrDetached
	}
	n := d.newNode(host.KindElement, strings.ToLower(el.Tag), "")
	if el.Class != "" {
		n.setAttr("class", el.Class)
	}
	for _, k := range sortedKeys(el.Attrs) {
		n.setAttr(k, el.Attrs[k])
	}
	if el.Text != "" {
		n.appendChild(d.newNode(host.KindText, "", el.Text))
	}
	d.replace(old, n)
	return n.id, nil
}

func (d *Document) replace(old, n *node) {
	p := old.parent
	p.insertBefore(n, old)
	old.detach()
	d.record(mutation.Record{
		Kind:    mutation.KindInsert,
		Target:  p.id,
		Added:   []mutation.NodeID{n.id},
		Removed: []mutation.NodeID{old.id},
	}, p)
}

// InjectStyle implements host.Host.
func (d *Document) InjectStyle(css string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.policy {
		return host.ErrPolicy
	}
	d.styles = append(d.styles, css)
	return nil
}

// Styles returns injected style sheets.
func (d *Document) Styles() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.styles...)
}

// RejectStyles makes InjectStyle fail with host.ErrPolicy, as a strict
// content-security policy would.
func (d *Document) RejectStyles(v bool) {
	d.mu.Lock()
	d.policy = v
	d.mu.Unlock()
}

// ---------- page-script side ----------

// AppendHTML parses markup in the context of parent and appends the
// resulting nodes, reporting one insert record.
func (d *Document) AppendHTML(parent mutation.NodeID, markup string) ([]mutation.NodeID, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	p := d.get(parent)
	if p == nil || p.kind != host.KindElement {
		return nil, host.ErrDetached
	}
	ctx := &html.Node{Type: html.ElementNode, Data: p.tag, DataAtom: atom.Lookup([]byte(p.tag))}
	frag, err := html.ParseFragment(strings.NewReader(markup), ctx)
	if err != nil {
		return nil, fmt.Errorf("dom: parse fragment: %w", err)
	}
	var added []mutation.NodeID
	for _, hn := range frag {
		n := d.convert(hn)
		if n == nil {
			continue
		}
		p.appendChild(n)
		added = append(added, n.id)
	}
	if len(added) > 0 {
		d.record(mutation.Record{Kind: mutation.KindInsert, Target: p.id, Added: added}, p)
	}
	return added, nil
}

// AppendText appends a text node.
func (d *Document) AppendText(parent mutation.NodeID, data string) (mutation.NodeID, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	p := d.get(parent)
	if p == nil {
		return mutation.NoNode, host.ErrDetached
	}
	t := d.newNode(host.KindText, "", data)
	p.appendChild(t)
	d.record(mutation.Record{Kind: mutation.KindInsert, Target: p.id, Added: []mutation.NodeID{t.id}}, p)
	return t.id, nil
}

// Remove detaches a node from its parent.
func (d *Document) Remove(id mutation.NodeID) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := d.get(id)
	if n == nil || n.parent == nil {
		return host.ErrDetached
	}
	p := n.parent
	n.detach()
	d.record(mutation.Record{Kind: mutation.KindRemove, Target: p.id, Removed: []mutation.NodeID{id}}, p)
	return nil
}

// Focus moves focus to id.
func (d *Document) Focus(id mutation.NodeID) {
	d.mu.Lock()
	d.active = id
	d.mu.Unlock()
}

// Blur returns focus to the body.
func (d *Document) Blur() { d.Focus(mutation.NoNode) }

// Select sets whether the document has a non-collapsed selection.
func (d *Document) Select(active bool) {
	d.mu.Lock()
	d.collapsed = !active
	d.mu.Unlock()
}

// SetViewport sets the visible area. The zero Rect disables viewport checks.
func (d *Document) SetViewport(r Rect) {
	d.mu.Lock()
	d.viewport = r
	d.mu.Unlock()
}

// SetBox assigns a layout box to a node.
func (d *Document) SetBox(id mutation.NodeID, r Rect) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if n := d.get(id); n != nil {
		box := r
		n.box = &box
	}
}

// ElementByID returns the element with the given id attribute.
func (d *Document) ElementByID(id string) mutation.NodeID {
	d.mu.Lock()
	defer d.mu.Unlock()
	found := mutation.NoNode
	d.doc.walk(func(n *node) bool {
		if found != mutation.NoNode {
			return false
		}
		if v, ok := n.attr("id"); ok && v == id && n.kind == host.KindElement {
			found = n.id
			return false
		}
		return true
	})
	return found
}

// ElementsByClass returns attached elements under root carrying class, in
// document order.
func (d *Document) ElementsByClass(root mutation.NodeID, class string) []mutation.NodeID {
	d.mu.Lock()
	defer d.mu.Unlock()
	r := d.get(root)
	if r == nil {
		return nil
	}
	var out []mutation.NodeID
	r.walk(func(n *node) bool {
		if n.kind == host.KindElement && n.hasClass(class) {
			out = append(out, n.id)
		}
		return true
	})
	return out
}

func contains(list []string, s string) bool {
	for _, x := range list {
		if x == s {
			return true
		}
	}
	return false
}
