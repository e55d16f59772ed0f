package browser

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"

	"github.com/hazyhaar/webtex/webtex/host"
	"github.com/hazyhaar/webtex/webtex/mutation"
)

//go:embed bridge.js
var bridgeJS string

const (
	bindingBatch      = "__webtex_batch"
	bindingVisibility = "__webtex_visibility"
	bindingIdle       = "__webtex_idle"
)

var errRejected = errors.New("browser: write rejected")

// Bridge exposes a live tab as a host.Host. Node handles are assigned by the
// injected registry and stay valid for the lifetime of the document.
type Bridge struct {
	page   *rod.Page
	ctx    context.Context
	cancel context.CancelFunc
	logger *slog.Logger

	mu      sync.Mutex
	observe func(mutation.Batch)
	onVis   []func(bool)
	idle    map[uint64]func()

	seq       atomic.Uint64
	idleToken atomic.Uint64
}

var (
	_ host.Host            = (*Bridge)(nil)
	_ host.EditableChecker = (*Bridge)(nil)
	_ host.Idler           = (*Bridge)(nil)
)

// NewBridge installs the registry in page and starts listening for its
// callbacks. The bridge lives until ctx is cancelled or Close is called.
func NewBridge(ctx context.Context, page *rod.Page, logger *slog.Logger) (*Bridge, error) {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(ctx)
	b := &Bridge{
		page:   page,
		ctx:    ctx,
		cancel: cancel,
		logger: logger,
		idle:   make(map[uint64]func()),
	}
	for _, name := range []string{bindingBatch, bindingVisibility, bindingIdle} {
		if err := (proto.RuntimeAddBinding{Name: name}).Call(page); err != nil {
			logger.Warn("browser: addBinding failed (may already exist)", "binding", name, "error", err)
		}
	}
	go b.listen()
	if _, err := page.Context(ctx).Eval(bridgeJS); err != nil {
		cancel()
		return nil, fmt.Errorf("browser: inject bridge: %w", err)
	}
	return b, nil
}

// Close stops the event listener.
func (b *Bridge) Close() { b.cancel() }

func (b *Bridge) listen() {
	b.page.Context(b.ctx).EachEvent(func(e *proto.RuntimeBindingCalled) {
		switch e.Name {
		case bindingBatch:
			var recs []mutation.Record
			if err := json.Unmarshal([]byte(e.Payload), &recs); err != nil {
				b.logger.Warn("browser: parse batch payload", "error", err)
				return
			}
			b.deliver(recs)
		case bindingVisibility:
			b.mu.Lock()
			fns := append([]func(bool){}, b.onVis...)
			b.mu.Unlock()
			for _, fn := range fns {
				fn(e.Payload == "visible")
			}
		case bindingIdle:
			tok, err := strconv.ParseUint(e.Payload, 10, 64)
			if err != nil {
				return
			}
			b.mu.Lock()
			fn := b.idle[tok]
			delete(b.idle, tok)
			b.mu.Unlock()
			if fn != nil {
				fn()
			}
		}
	})()
}

func (b *Bridge) deliver(recs []mutation.Record) {
	if len(recs) == 0 {
		return
	}
	b.mu.Lock()
	fn := b.observe
	b.mu.Unlock()
	if fn == nil {
		return
	}
	fn(mutation.Batch{
		Seq:       b.seq.Add(1),
		Records:   recs,
		Timestamp: time.Now().UnixMilli(),
	})
}

// call runs a registry operation and decodes its JSON result into out.
func (b *Bridge) call(out any, op string, args ...any) error {
	if args == nil {
		args = []any{}
	}
	res, err := b.page.Context(b.ctx).Eval(`(op, args) => window.__webtex.call(op, args)`, op, args)
	if err != nil {
		return fmt.Errorf("browser: %s: %w", op, err)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal([]byte(res.Value.Str()), out); err != nil {
		return fmt.Errorf("browser: %s: decode: %w", op, err)
	}
	return nil
}

// query runs a read; failures are logged and leave out at its zero value.
func (b *Bridge) query(out any, op string, args ...any) {
	if err := b.call(out, op, args...); err != nil {
		b.logger.Debug("browser: query failed", "op", op, "error", err)
	}
}

func (b *Bridge) Root() mutation.NodeID {
	var id mutation.NodeID
	b.query(&id, "root")
	return id
}

func (b *Bridge) Hostname() string {
	var s string
	b.query(&s, "hostname")
	return s
}

func (b *Bridge) Kind(id mutation.NodeID) host.NodeKind {
	var k host.NodeKind
	b.query(&k, "kind", id)
	return k
}

func (b *Bridge) Tag(id mutation.NodeID) string {
	var s string
	b.query(&s, "tag", id)
	return s
}

func (b *Bridge) Attr(id mutation.NodeID, name string) (string, bool) {
	var pair [2]json.RawMessage
	b.query(&pair, "attr", id, name)
	var v string
	var ok bool
	_ = json.Unmarshal(pair[0], &v)
	_ = json.Unmarshal(pair[1], &ok)
	return v, ok
}

func (b *Bridge) Classes(id mutation.NodeID) []string {
	var cs []string
	b.query(&cs, "classes", id)
	return cs
}

func (b *Bridge) Parent(id mutation.NodeID) mutation.NodeID {
	var p mutation.NodeID
	b.query(&p, "parent", id)
	return p
}

func (b *Bridge) Children(id mutation.NodeID) []mutation.NodeID {
	var cs []mutation.NodeID
	b.query(&cs, "children", id)
	return cs
}

func (b *Bridge) Contains(ancestor, id mutation.NodeID) bool {
	var ok bool
	b.query(&ok, "contains", ancestor, id)
	return ok
}

func (b *Bridge) Attached(id mutation.NodeID) bool {
	var ok bool
	b.query(&ok, "attached", id)
	return ok
}

func (b *Bridge) Text(id mutation.NodeID) string {
	var s string
	b.query(&s, "text", id)
	return s
}

// IsEditable implements host.EditableChecker in one round trip.
func (b *Bridge) IsEditable(id mutation.NodeID) bool {
	var ok bool
	b.query(&ok, "editable", id)
	return ok
}

func (b *Bridge) ActiveElement() mutation.NodeID {
	var id mutation.NodeID
	b.query(&id, "active")
	return id
}

func (b *Bridge) SelectionCollapsed() bool {
	ok := true
	b.query(&ok, "collapsed")
	return ok
}

func (b *Bridge) InViewport(id mutation.NodeID) bool {
	ok := true
	b.query(&ok, "inViewport", id)
	return ok
}

func (b *Bridge) Visible() bool {
	ok := true
	b.query(&ok, "visible")
	return ok
}

// ScriptSources lists page scripts, excluding the ones webtex injected.
func (b *Bridge) ScriptSources() []string {
	var srcs []string
	b.query(&srcs, "scripts")
	return srcs
}

func (b *Bridge) write(op string, args ...any) error {
	var ok bool
	if err := b.call(&ok, op, args...); err != nil {
		return err
	}
	if !ok {
		return host.ErrDetached
	}
	return nil
}

func (b *Bridge) SetText(id mutation.NodeID, data string) error {
	return b.write("setText", id, data)
}

func (b *Bridge) SetAttr(id mutation.NodeID, name, value string) error {
	return b.write("setAttr", id, name, value)
}

func (b *Bridge) ReplaceWithText(id mutation.NodeID, data string) (mutation.NodeID, error) {
	var nid mutation.NodeID
	if err := b.call(&nid, "replaceText", id, data); err != nil {
		return mutation.NoNode, err
	}
	if nid == mutation.NoNode {
		return mutation.NoNode, host.ErrDetached
	}
	return nid, nil
}

func (b *Bridge) ReplaceWithElement(id mutation.NodeID, el host.Element) (mutation.NodeID, error) {
	desc := map[string]any{"tag": el.Tag, "class": el.Class, "attrs": el.Attrs, "text": el.Text}
	var nid mutation.NodeID
	if err := b.call(&nid, "replaceElement", id, desc); err != nil {
		return mutation.NoNode, err
	}
	if nid == mutation.NoNode {
		return mutation.NoNode, host.ErrDetached
	}
	return nid, nil
}

// InjectStyle returns host.ErrPolicy when the page refused the sheet.
func (b *Bridge) InjectStyle(css string) error {
	var ok bool
	if err := b.call(&ok, "injectStyle", css); err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %w", host.ErrPolicy, errRejected)
	}
	return nil
}

type jsScope struct {
	Subtree         bool     `json:"subtree"`
	ChildList       bool     `json:"childList"`
	CharacterData   bool     `json:"characterData"`
	Attributes      bool     `json:"attributes"`
	AttributeFilter []string `json:"attributeFilter"`
}

func (b *Bridge) Observe(scope host.Scope, fn func(mutation.Batch)) error {
	b.mu.Lock()
	b.observe = fn
	b.mu.Unlock()
	return b.call(nil, "observe", jsScope(scope))
}

// Disconnect delivers the records the page had queued, then stops.
func (b *Bridge) Disconnect() {
	var pending []mutation.Record
	b.query(&pending, "disconnect")
	b.deliver(pending)
	b.mu.Lock()
	b.observe = nil
	b.mu.Unlock()
}

func (b *Bridge) OnVisibility(fn func(visible bool)) {
	b.mu.Lock()
	b.onVis = append(b.onVis, fn)
	b.mu.Unlock()
}

// RequestIdle implements host.Idler with requestIdleCallback.
func (b *Bridge) RequestIdle(timeout time.Duration, fn func()) (cancel func()) {
	tok := b.idleToken.Add(1)
	b.mu.Lock()
	b.idle[tok] = fn
	b.mu.Unlock()
	if err := b.call(nil, "requestIdle", tok, timeout.Milliseconds()); err != nil {
		b.logger.Debug("browser: requestIdle failed, running on timer", "error", err)
		b.mu.Lock()
		delete(b.idle, tok)
		b.mu.Unlock()
		t := time.AfterFunc(timeout, fn)
		return func() { t.Stop() }
	}
	return func() {
		b.mu.Lock()
		_, pending := b.idle[tok]
		delete(b.idle, tok)
		b.mu.Unlock()
		if pending {
			b.query(nil, "cancelIdle", tok)
		}
	}
}
