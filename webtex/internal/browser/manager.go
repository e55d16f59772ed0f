// Package browser runs live pages for webtex over the Chrome DevTools
// Protocol: a Rod-managed Chrome, stealth tabs and a Bridge that exposes a
// tab as a host.Host with KaTeX as its host.Engine.
package browser

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
)

// Mode selects how a local Chrome is run.
type Mode int

const (
	ModeHeadless Mode = iota
	// ModeHeadful runs a visible Chrome under xvfb-run.
	ModeHeadful
)

func (m Mode) String() string {
	if m == ModeHeadful {
		return "headful"
	}
	return "headless"
}

// ParseMode maps the browser.stealth config value to a Mode.
func ParseMode(s string) (Mode, error) {
	switch s {
	case "", "headless":
		return ModeHeadless, nil
	case "headful":
		return ModeHeadful, nil
	}
	return ModeHeadless, fmt.Errorf("browser: unknown mode %q", s)
}

// ErrClosed is returned by Start and OpenTab after Close.
var ErrClosed = errors.New("browser: manager closed")

// Config configures a Manager.
type Config struct {
	// RemoteURL is the DevTools WebSocket of an existing Chrome. Empty
	// launches a local one.
	RemoteURL string

	// ResourceBlocking lists resource types never fetched by tabs: images,
	// fonts, media, stylesheets.
	ResourceBlocking []string

	// Allow lists URL prefixes exempt from blocking.
	Allow []string

	Mode   Mode
	Logger *slog.Logger
}

// Manager owns one Chrome shared by every tab.
type Manager struct {
	cfg Config

	mu      sync.Mutex
	browser *rod.Browser
	local   *launcher.Launcher
	closed  bool
}

// NewManager returns a Manager. Chrome starts on the first Start.
func NewManager(cfg Config) *Manager {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Manager{cfg: cfg}
}

// Start connects to Chrome, launching it if needed. Later calls return the
// same browser.
func (m *Manager) Start(ctx context.Context) (*rod.Browser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch {
	case m.closed:
		return nil, ErrClosed
	case m.browser != nil:
		return m.browser, nil
	}

	u := m.cfg.RemoteURL
	if u == "" {
		l := launcher.New().Context(ctx).
			Set("disable-blink-features", "AutomationControlled").
			Headless(m.cfg.Mode == ModeHeadless)
		if m.cfg.Mode == ModeHeadful {
			l = l.XVFB("--server-args=-screen 0 1920x1080x24")
		}
		var err error
		if u, err = l.Launch(); err != nil {
			return nil, fmt.Errorf("browser: launch: %w", err)
		}
		m.local = l
	}
	b := rod.New().Context(context.WithoutCancel(ctx)).ControlURL(u)
	if err := b.Connect(); err != nil {
		m.release()
		return nil, fmt.Errorf("browser: connect %s: %w", u, err)
	}
	m.browser = b
	m.cfg.Logger.Info("browser: connected", "url", u, "mode", m.cfg.Mode, "remote", m.cfg.RemoteURL != "")
	return b, nil
}

// Close shuts Chrome down. A remote Chrome is only disconnected.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	var err error
	if m.browser != nil {
		if m.local != nil {
			err = m.browser.Close()
		}
		m.browser = nil
	}
	m.release()
	return err
}

func (m *Manager) release() {
	if m.local != nil {
		m.local.Cleanup()
		m.local = nil
	}
}

func (m *Manager) current() (*rod.Browser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch {
	case m.closed:
		return nil, ErrClosed
	case m.browser == nil:
		return nil, errors.New("browser: not started")
	}
	return m.browser, nil
}
