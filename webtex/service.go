// Package webtex renders TeX math in live web pages. A Service owns one
// reactor session per page, the shared preference store, the browser that
// hosts the pages and the control surfaces (HTTP and MCP) a UI uses to
// toggle rendering.
package webtex

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/hazyhaar/webtex/dbopen"
	"github.com/hazyhaar/webtex/horosafe"
	"github.com/hazyhaar/webtex/idgen"
	"github.com/hazyhaar/webtex/trace"
	"github.com/hazyhaar/webtex/webtex/host"
	"github.com/hazyhaar/webtex/webtex/internal/browser"
	"github.com/hazyhaar/webtex/webtex/internal/config"
	"github.com/hazyhaar/webtex/webtex/internal/metrics"
	"github.com/hazyhaar/webtex/webtex/internal/prefs"
	"github.com/hazyhaar/webtex/webtex/internal/reactor"
	"github.com/hazyhaar/webtex/webtex/internal/schedule"
	"github.com/hazyhaar/webtex/webtex/internal/toggle"
)

// Config is the service configuration.
type Config = config.Config

// PageConfig names a page to open.
type PageConfig = config.PageConfig

// PageStatus is the status of one page session.
type PageStatus = reactor.Status

// LoadConfigFile reads a YAML configuration file and applies defaults.
func LoadConfigFile(path string) (*Config, error) { return config.LoadFile(path) }

// DefaultConfig returns a configuration with every default applied.
func DefaultConfig() *Config { return config.Default() }

var (
	// ErrUnknownPage is returned for a page ID with no session.
	ErrUnknownPage = errors.New("webtex: unknown page")
	// ErrDuplicatePage is returned when a page ID is already attached.
	ErrDuplicatePage = errors.New("webtex: page already attached")
	// ErrClosed is returned after Stop.
	ErrClosed = errors.New("webtex: service stopped")
)

// Option configures a Service.
type Option func(*Service)

// WithStore uses an existing preference store instead of opening
// cfg.Prefs.DBPath. The caller keeps ownership.
func WithStore(st *prefs.Store) Option { return func(s *Service) { s.store = st } }

// WithRegistry registers metrics on reg instead of a private registry.
func WithRegistry(reg *prometheus.Registry) Option { return func(s *Service) { s.registry = reg } }

// WithIDs overrides the page ID generator.
func WithIDs(gen idgen.Generator) Option { return func(s *Service) { s.ids = gen } }

// WithBrowser uses an already configured browser manager.
func WithBrowser(m *browser.Manager) Option { return func(s *Service) { s.browser = m } }

type page struct {
	session *reactor.Session
	url     string
	cleanup func()
}

// Service runs page sessions.
type Service struct {
	cfg      *Config
	logger   *slog.Logger
	store    *prefs.Store
	ownStore bool
	registry *prometheus.Registry
	metrics  *metrics.Metrics
	browser  *browser.Manager
	ids      idgen.Generator

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.RWMutex
	pages  map[string]*page
	closed bool
}

// New builds a Service. Call Start to begin watching preferences and open
// the configured pages.
func New(cfg *Config, logger *slog.Logger, opts ...Option) (*Service, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		cfg:    cfg,
		logger: logger,
		pages:  make(map[string]*page),
	}
	for _, o := range opts {
		o(s)
	}
	if s.registry == nil {
		s.registry = prometheus.NewRegistry()
	}
	s.metrics = metrics.New(s.registry)
	if s.store == nil {
		var opts []dbopen.Option
		if cfg.Prefs.Trace {
			trace.SetObserver(s.metrics.Query)
			opts = append(opts, dbopen.WithDriver(trace.DriverName))
		}
		st, err := prefs.Open(cfg.Prefs.DBPath, logger, opts...)
		if err != nil {
			return nil, err
		}
		s.store = st
		s.ownStore = true
	}
	if s.ids == nil {
		s.ids = idgen.Prefixed("page_", idgen.NanoID(10))
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	return s, nil
}

// Start watches the preference store and opens the configured pages. Page
// failures are logged and do not stop the service.
func (s *Service) Start(ctx context.Context) error {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.store.Watch(s.ctx, s.cfg.Prefs.WatchInterval, s.cfg.Prefs.WatchDebounce, s.PrefsChanged)
	}()
	for _, pc := range s.cfg.Pages {
		if _, err := s.OpenPage(ctx, pc); err != nil {
			s.logger.Error("webtex: open page failed", "page_id", pc.ID, "url", pc.URL, "error", err)
		}
	}
	s.logger.Info("webtex: started", "pages", len(s.cfg.Pages))
	return nil
}

// Stop ends every session, closes the browser and, when owned, the store.
func (s *Service) Stop() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()

	var errs []error
	if s.browser != nil {
		errs = append(errs, s.browser.Close())
	}
	if s.ownStore {
		errs = append(errs, s.store.Close())
	}
	s.logger.Info("webtex: stopped")
	return errors.Join(errs...)
}

// Store returns the preference store.
func (s *Service) Store() *prefs.Store { return s.store }

// Registry returns the metrics registry.
func (s *Service) Registry() *prometheus.Registry { return s.registry }

// Attach runs a session for h. id may be empty. The session ends on Stop or
// Detach.
func (s *Service) Attach(ctx context.Context, id string, h host.Host, eng host.Engine) (*reactor.Session, error) {
	return s.attach(ctx, id, "", h, eng, nil)
}

func (s *Service) attach(ctx context.Context, id, url string, h host.Host, eng host.Engine, cleanup func()) (*reactor.Session, error) {
	if id == "" {
		id = s.ids()
	}
	if err := horosafe.ValidateIdentifier(id); err != nil {
		return nil, err
	}
	enabled, err := s.store.GlobalEnabled(ctx)
	if err != nil {
		s.logger.Warn("webtex: global flag unreadable, assuming enabled", "error", err)
		enabled = true
	}
	sess := reactor.New(s.sessionConfig(id, h, eng, enabled))

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	if _, dup := s.pages[id]; dup {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrDuplicatePage, id)
	}
	runCtx, stop := context.WithCancel(s.ctx)
	p := &page{session: sess, url: url, cleanup: func() {
		stop()
		if cleanup != nil {
			cleanup()
		}
	}}
	s.pages[id] = p
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := sess.Run(runCtx); err != nil {
			s.logger.Error("webtex: session failed", "page_id", id, "error", err)
		}
		s.mu.Lock()
		if s.pages[id] == p {
			delete(s.pages, id)
		}
		s.mu.Unlock()
		if cleanup != nil {
			cleanup()
		}
	}()
	s.logger.Info("webtex: page attached", "page_id", id, "host", h.Hostname())
	return sess, nil
}

func (s *Service) sessionConfig(id string, h host.Host, eng host.Engine, enabled bool) reactor.Config {
	opts := host.DefaultRenderOptions()
	opts.Macros = s.cfg.Render.Macros
	sc := s.cfg.Schedule
	return reactor.Config{
		PageID:  id,
		Host:    h,
		Engine:  eng,
		Enabled: enabled,
		ShouldRun: func(ctx context.Context) reactor.Decision {
			return reactor.ShouldRun(ctx, s.store, h, s.cfg.Render.AlwaysOnHosts, s.logger)
		},
		Schedule: schedule.Config{
			Immediate: sc.Immediate,
			Debounce:  sc.Debounce,
			Short:     sc.Short,
			Medium:    sc.Medium,
			Long:      sc.Long,
			Visible:   sc.Visibility,
		},
		RippleClasses: s.cfg.Render.RippleClasses,
		Options:       opts,
		Trust:         reactor.MatchHost(h.Hostname(), s.cfg.Render.TrustHosts),
		Metrics:       s.metrics,
		Logger:        s.logger,
	}
}

// Detach ends the session of page id.
func (s *Service) Detach(id string) error {
	s.mu.Lock()
	p, ok := s.pages[id]
	if ok {
		delete(s.pages, id)
	}
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPage, id)
	}
	p.cleanup()
	<-p.session.Done()
	return nil
}

// OpenPage opens pc.URL in a stealth tab and attaches a session to it.
func (s *Service) OpenPage(ctx context.Context, pc PageConfig) (string, error) {
	if err := horosafe.ValidateURL(pc.URL); err != nil {
		return "", err
	}
	mgr, err := s.browserManager(ctx)
	if err != nil {
		return "", err
	}
	id := pc.ID
	if id == "" {
		id = s.ids()
	}
	tab, err := mgr.OpenTab(ctx, pc.URL)
	if err != nil {
		return "", err
	}
	br, err := browser.NewBridge(s.ctx, tab.Page, s.logger.With("page_id", id))
	if err != nil {
		tab.Close()
		return "", err
	}
	k := s.cfg.KaTeX
	eng := browser.NewKaTeX(br, browser.Assets{ScriptURL: k.ScriptURL, AutoRenderURL: k.AutoRenderURL, StyleURL: k.StyleURL})
	if err := eng.Load(ctx); err != nil {
		s.logger.Warn("webtex: katex not loaded yet, sessions will retry", "page_id", id, "error", err)
	}
	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			br.Close()
			tab.Close()
		})
	}
	if _, err := s.attach(ctx, id, pc.URL, br, eng, cleanup); err != nil {
		cleanup()
		return "", err
	}
	return id, nil
}

func (s *Service) browserManager(ctx context.Context) (*browser.Manager, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	if s.browser == nil {
		mode, err := browser.ParseMode(s.cfg.Browser.Stealth)
		if err != nil {
			return nil, err
		}
		k := s.cfg.KaTeX
		s.browser = browser.NewManager(browser.Config{
			RemoteURL:        s.cfg.Browser.Remote,
			ResourceBlocking: s.cfg.Browser.ResourceBlocking,
			Allow:            browser.Assets{ScriptURL: k.ScriptURL, AutoRenderURL: k.AutoRenderURL, StyleURL: k.StyleURL}.URLs(),
			Mode:             mode,
			Logger:           s.logger,
		})
	}
	if _, err := s.browser.Start(ctx); err != nil {
		return nil, err
	}
	return s.browser, nil
}

func (s *Service) sessions() []*reactor.Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*reactor.Session, 0, len(s.pages))
	for _, p := range s.pages {
		out = append(out, p.session)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

func (s *Service) session(id string) (*reactor.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.pages[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPage, id)
	}
	return p.session, nil
}

// Toggle delivers msg to one page, or to every page when id is empty.
func (s *Service) Toggle(ctx context.Context, id string, msg toggle.Message) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	if id != "" {
		sess, err := s.session(id)
		if err != nil {
			return err
		}
		return sess.Toggle(ctx, msg)
	}
	var errs []error
	for _, sess := range s.sessions() {
		if err := sess.Toggle(ctx, msg); err != nil && !errors.Is(err, reactor.ErrNotRunning) {
			errs = append(errs, fmt.Errorf("%s: %w", sess.ID(), err))
		}
	}
	return errors.Join(errs...)
}

// SetEnabled persists the global flag and broadcasts the matching toggle
// message to every page.
func (s *Service) SetEnabled(ctx context.Context, enabled bool) error {
	if err := s.store.SetGlobalEnabled(ctx, enabled); err != nil {
		return err
	}
	s.logger.Info("webtex: global flag set", "enabled", enabled)
	return s.Toggle(ctx, "", toggle.Message{Action: toggle.ActionToggle, Enabled: enabled})
}

// SetHostEnabled persists a site override and signals every page.
func (s *Service) SetHostEnabled(ctx context.Context, hostname string, enabled bool) error {
	if err := s.store.SetHostEnabled(ctx, hostname, enabled); err != nil {
		return err
	}
	s.PrefsChanged()
	return nil
}

// PrefsChanged signals every page that preferences changed.
func (s *Service) PrefsChanged() {
	for _, sess := range s.sessions() {
		sess.PrefsChanged()
	}
}

// Status describes the service and its pages.
type Status struct {
	GlobalEnabled bool            `json:"global_enabled"`
	Sites         map[string]bool `json:"sites"`
	Pages         []PageStatus    `json:"pages"`
}

// Status returns the current state of every page.
func (s *Service) Status(ctx context.Context) (Status, error) {
	on, err := s.store.GlobalEnabled(ctx)
	if err != nil {
		return Status{}, err
	}
	sites, err := s.store.Hosts(ctx)
	if err != nil {
		return Status{}, err
	}
	st := Status{GlobalEnabled: on, Sites: sites, Pages: []PageStatus{}}
	for _, sess := range s.sessions() {
		st.Pages = append(st.Pages, sess.Status())
	}
	return st, nil
}

// PageStatus returns the status of page id.
func (s *Service) PageStatus(id string) (PageStatus, error) {
	sess, err := s.session(id)
	if err != nil {
		return PageStatus{}, err
	}
	return sess.Status(), nil
}
