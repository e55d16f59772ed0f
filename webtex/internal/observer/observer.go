// Package observer owns a page's mutation subscription. The render path
// suspends it around its own DOM writes so they never come back as change
// batches.
package observer

import (
	"fmt"
	"log/slog"

	"github.com/hazyhaar/webtex/webtex/host"
	"github.com/hazyhaar/webtex/webtex/mutation"
)

// Manager subscribes, suspends and resumes. It is not safe for concurrent
// use; the page reactor owns it.
type Manager struct {
	host    host.Host
	scope   host.Scope
	deliver func(mutation.Batch)
	logger  *slog.Logger

	started bool
	depth   int
	visible bool

	resubscribes int
}

// New returns a Manager that forwards batches to deliver. deliver may be
// called from inside Suspend (records queued before the disconnect) and
// must not block.
func New(h host.Host, scope host.Scope, deliver func(mutation.Batch), logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		host:    h,
		scope:   scope,
		deliver: deliver,
		logger:  logger,
		visible: h.Visible(),
	}
}

// Start subscribes.
func (m *Manager) Start() error {
	if m.started {
		return nil
	}
	if err := m.host.Observe(m.scope, m.deliver); err != nil {
		return fmt.Errorf("observer: subscribe: %w", err)
	}
	m.started = true
	return nil
}

// Stop unsubscribes for good.
func (m *Manager) Stop() {
	if !m.started {
		return
	}
	m.started = false
	if m.depth == 0 {
		m.host.Disconnect()
	}
	m.depth = 0
}

// Active reports whether the subscription is live right now.
func (m *Manager) Active() bool { return m.started && m.depth == 0 }

// Suspend pauses the subscription. Calls nest.
func (m *Manager) Suspend() {
	m.depth++
	if m.depth == 1 && m.started {
		m.host.Disconnect()
	}
}

// Resume undoes one Suspend and resubscribes, with the same scope, when the
// outermost one is undone.
func (m *Manager) Resume() error {
	if m.depth == 0 {
		return nil
	}
	m.depth--
	if m.depth > 0 || !m.started {
		return nil
	}
	if err := m.host.Observe(m.scope, m.deliver); err != nil {
		m.started = false
		return fmt.Errorf("observer: resubscribe: %w", err)
	}
	return nil
}

// Suspended runs fn with the subscription paused.
func (m *Manager) Suspended(fn func() error) error {
	m.Suspend()
	err := fn()
	if rerr := m.Resume(); rerr != nil {
		m.logger.Warn("observer: resume failed", "error", rerr)
		if err == nil {
			err = rerr
		}
	}
	return err
}

// Visibility records a page visibility change. On a hidden to visible
// transition it resubscribes, since some hosts drop subscriptions while a
// tab is suspended, and reports true so the caller can schedule catch-up
// renders.
func (m *Manager) Visibility(visible bool) bool {
	was := m.visible
	m.visible = visible
	if was || !visible {
		return false
	}
	if m.started && m.depth == 0 {
		m.host.Disconnect()
		if err := m.host.Observe(m.scope, m.deliver); err != nil {
			m.logger.Warn("observer: resubscribe after visibility failed", "error", err)
			m.started = false
		} else {
			m.resubscribes++
		}
	}
	return true
}

// Resubscribes counts visibility-driven resubscriptions.
func (m *Manager) Resubscribes() int { return m.resubscribes }
