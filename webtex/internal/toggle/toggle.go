// Package toggle is the enabled/disabled state machine with its reversible
// transform: disabling swaps every rendered expression for its delimited
// source, enabling unwraps that source for the normal render path.
package toggle

import (
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/hazyhaar/webtex/mathtex"
	"github.com/hazyhaar/webtex/webtex/host"
	"github.com/hazyhaar/webtex/webtex/internal/tracker"
	"github.com/hazyhaar/webtex/webtex/mutation"
)

// State of the machine.
type State string

const (
	EnabledRendered State = "enabled-rendered"
	DisabledRaw     State = "disabled-raw"
)

// ActionToggle is the action of a toggle message.
const ActionToggle = "toggleExtension"

// RawClass marks the synthetic wrapper around restored source.
const RawClass = "webtex-raw"

// DisplayAttr records the display mode on a raw wrapper.
const DisplayAttr = "data-webtex-display"

// ErrUnknownAction is returned for a message that is not a toggle message.
var ErrUnknownAction = errors.New("toggle: unknown action")

// Message is the toggle message sent by the UI collaborator.
type Message struct {
	Action  string `json:"action"`
	Enabled bool   `json:"enabled"`
}

// Validate rejects messages that are not toggle messages.
func (m Message) Validate() error {
	if m.Action != ActionToggle {
		return fmt.Errorf("%w %q", ErrUnknownAction, m.Action)
	}
	return nil
}

// Machine is the toggle state of one page. Not safe for concurrent use.
type Machine struct {
	state   State
	host    host.Host
	tracker *tracker.Tracker
	logger  *slog.Logger
	raw     []mutation.NodeID
}

// New returns a machine in EnabledRendered when enabled is true, otherwise
// DisabledRaw.
func New(enabled bool, h host.Host, tr *tracker.Tracker, logger *slog.Logger) *Machine {
	if logger == nil {
		logger = slog.Default()
	}
	st := EnabledRendered
	if !enabled {
		st = DisabledRaw
	}
	return &Machine{state: st, host: h, tracker: tr, logger: logger}
}

// State returns the current state.
func (m *Machine) State() State { return m.state }

// Enabled reports whether rendering is allowed.
func (m *Machine) Enabled() bool { return m.state == EnabledRendered }

// RawCount returns how many raw wrappers are outstanding.
func (m *Machine) RawCount() int { return len(m.raw) }

// Disable replaces every tracked rendered node with a raw wrapper holding
// its source re-wrapped in the canonical delimiter. It returns how many
// nodes were restored. Calling it while disabled is a no-op.
func (m *Machine) Disable() (int, error) {
	if m.state == DisabledRaw {
		return 0, nil
	}
	m.state = DisabledRaw
	n := 0
	var firstErr error
	for _, id := range m.tracker.Rendered() {
		src, display, _ := m.tracker.Source(id)
		if !m.host.Attached(id) {
			m.tracker.Forget(id)
			continue
		}
		w, err := m.host.ReplaceWithElement(id, host.Element{
			Tag:   "span",
			Class: RawClass,
			Attrs: map[string]string{DisplayAttr: strconv.FormatBool(display)},
			Text:  mathtex.Wrap(src, display),
		})
		if err != nil {
			m.logger.Warn("toggle: restore source failed", "node", id, "error", err)
			if firstErr == nil {
				firstErr = fmt.Errorf("toggle: disable: %w", err)
			}
			continue
		}
		m.tracker.Forget(id)
		m.raw = append(m.raw, w)
		n++
	}
	return n, firstErr
}

// Enable strips every raw wrapper back to a plain text node. The caller then
// renders the document. It returns how many wrappers were stripped.
func (m *Machine) Enable() (int, error) {
	if m.state == EnabledRendered {
		return 0, nil
	}
	m.state = EnabledRendered
	n := 0
	var firstErr error
	for _, w := range m.raw {
		if !m.host.Attached(w) {
			continue
		}
		if _, err := m.host.ReplaceWithText(w, m.host.Text(w)); err != nil {
			m.logger.Warn("toggle: unwrap failed", "node", w, "error", err)
			if firstErr == nil {
				firstErr = fmt.Errorf("toggle: enable: %w", err)
			}
			continue
		}
		n++
	}
	m.raw = nil
	return n, firstErr
}

// Apply runs the transition a message asks for. changed is false when the
// machine was already in the requested state.
func (m *Machine) Apply(msg Message) (changed bool, err error) {
	if err := msg.Validate(); err != nil {
		return false, err
	}
	if msg.Enabled == m.Enabled() {
		return false, nil
	}
	if msg.Enabled {
		_, err = m.Enable()
	} else {
		_, err = m.Disable()
	}
	return true, err
}
