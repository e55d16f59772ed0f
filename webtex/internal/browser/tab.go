package browser

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"
)

// navTimeout bounds navigation and the load wait of a new tab.
const navTimeout = 30 * time.Second

// Tab is one stealth page of the managed Chrome.
type Tab struct {
	Page *rod.Page
	URL  string

	router *rod.HijackRouter
}

// OpenTab opens pageURL in a new stealth tab with resource blocking. A
// load that does not finish in time is logged; the tab is still returned.
func (m *Manager) OpenTab(ctx context.Context, pageURL string) (*Tab, error) {
	b, err := m.current()
	if err != nil {
		return nil, err
	}
	page, err := stealth.Page(b)
	if err != nil {
		return nil, fmt.Errorf("browser: new tab: %w", err)
	}
	t := &Tab{Page: page, URL: pageURL}
	if bl := newBlocker(m.cfg.ResourceBlocking, m.cfg.Allow); !bl.empty() {
		t.router = bl.install(page)
	}

	ctx, cancel := context.WithTimeout(ctx, navTimeout)
	defer cancel()
	p := page.Context(ctx)
	if err := p.Navigate(pageURL); err != nil {
		t.Close()
		return nil, fmt.Errorf("browser: navigate %s: %w", pageURL, err)
	}
	if err := p.WaitLoad(); err != nil {
		m.cfg.Logger.Warn("browser: load not finished", "url", pageURL, "error", err)
	}
	return t, nil
}

// Close stops request interception and closes the page.
func (t *Tab) Close() error {
	if t.router != nil {
		_ = t.router.Stop()
		t.router = nil
	}
	if t.Page == nil {
		return nil
	}
	return t.Page.Close()
}

// resourceTypes maps config names to CDP resource types.
var resourceTypes = map[string]proto.NetworkResourceType{
	"images":      proto.NetworkResourceTypeImage,
	"fonts":       proto.NetworkResourceTypeFont,
	"media":       proto.NetworkResourceTypeMedia,
	"stylesheets": proto.NetworkResourceTypeStylesheet,
}

// blocker fails requests of the blocked resource types unless their URL
// starts with an allowed prefix.
type blocker struct {
	types map[proto.NetworkResourceType]bool
	allow []string
}

func newBlocker(names, allow []string) blocker {
	bl := blocker{types: make(map[proto.NetworkResourceType]bool, len(names))}
	for _, n := range names {
		n = strings.ToLower(n)
		if t, ok := resourceTypes[n]; ok {
			bl.types[t] = true
		}
	}
	for _, a := range allow {
		if a != "" {
			bl.allow = append(bl.allow, a)
		}
	}
	return bl
}

func (bl blocker) empty() bool { return len(bl.types) == 0 }

func (bl blocker) blocks(typ proto.NetworkResourceType, url string) bool {
	if !bl.types[typ] {
		return false
	}
	for _, prefix := range bl.allow {
		if strings.HasPrefix(url, prefix) {
			return false
		}
	}
	return true
}

func (bl blocker) install(page *rod.Page) *rod.HijackRouter {
	r := page.HijackRequests()
	r.MustAdd("*", func(h *rod.Hijack) {
		if bl.blocks(h.Request.Type(), h.Request.URL().String()) {
			h.Response.Fail(proto.NetworkErrorReasonBlockedByClient)
			return
		}
		h.ContinueRequest(&proto.FetchContinueRequest{})
	})
	go r.Run()
	return r
}
