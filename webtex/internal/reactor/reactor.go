// Package reactor runs one page: a single goroutine that owns the
// classifier, scheduler, executor, observer and toggle state, and processes
// change batches, timer fires, toggle messages, preference changes and
// visibility transitions strictly in arrival order.
package reactor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hazyhaar/webtex/idgen"
	"github.com/hazyhaar/webtex/webtex/host"
	"github.com/hazyhaar/webtex/webtex/internal/classify"
	"github.com/hazyhaar/webtex/webtex/internal/metrics"
	"github.com/hazyhaar/webtex/webtex/internal/observer"
	"github.com/hazyhaar/webtex/webtex/internal/render"
	"github.com/hazyhaar/webtex/webtex/internal/schedule"
	"github.com/hazyhaar/webtex/webtex/internal/toggle"
	"github.com/hazyhaar/webtex/webtex/internal/tracker"
	"github.com/hazyhaar/webtex/webtex/mutation"
)

// maxRetries bounds consecutive engine-unavailable retries.
const maxRetries = 30

// ErrNotRunning is returned by Toggle when the session loop has exited.
var ErrNotRunning = errors.New("reactor: session not running")

// Config for a Session.
type Config struct {
	PageID string
	Host   host.Host
	Engine host.Engine
	// Enabled is the initial toggle state (the persisted global flag).
	Enabled bool
	// ShouldRun is the run decision, evaluated at start and on every
	// preference change. Nil always runs.
	ShouldRun func(ctx context.Context) Decision
	// Schedule carries tier timings. Post, Contains and Idler are set by the
	// session.
	Schedule      schedule.Config
	RippleClasses []string
	// Options for the engine. The zero value means host.DefaultRenderOptions.
	Options host.RenderOptions
	Trust   bool
	Metrics *metrics.Metrics
	IDs     idgen.Generator
	Logger  *slog.Logger
}

// Status is a point-in-time view of a session.
type Status struct {
	PageID    string       `json:"page_id"`
	Host      string       `json:"host"`
	State     toggle.State `json:"state"`
	Decision  Decision     `json:"decision"`
	Observing bool         `json:"observing"`
	Pending   int          `json:"pending_tasks"`
	Rendered  int          `json:"rendered"`
	Raw       int          `json:"raw"`
	Batches   uint64       `json:"batches"`
	Tasks     uint64       `json:"tasks"`
	Running   bool         `json:"running"`
	LastError string       `json:"last_error,omitempty"`
	UpdatedAt time.Time    `json:"updated_at"`
}

// Session is the reactor of one page.
type Session struct {
	cfg    Config
	logger *slog.Logger
	in     *inbox

	classifier *classify.Classifier
	tracker    *tracker.Tracker
	sched      *schedule.Scheduler
	obs        *observer.Manager
	exec       *render.Executor
	machine    *toggle.Machine

	decision Decision
	retries  int
	batches  uint64
	tasks    uint64
	lastErr  string
	loop     bool

	mu     sync.Mutex
	status Status
	done   chan struct{}
	once   sync.Once
}

// New builds a session. Nothing runs until Run or RenderOnce.
func New(cfg Config) *Session {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.IDs == nil {
		cfg.IDs = idgen.Prefixed("bat_", idgen.Default)
	}
	if cfg.PageID == "" {
		cfg.PageID = idgen.Prefixed("page_", idgen.Default)()
	}
	if cfg.Options.Delimiters == nil {
		opts := host.DefaultRenderOptions()
		opts.Macros = cfg.Options.Macros
		opts.Trust = cfg.Options.Trust
		cfg.Options = opts
	}
	logger := cfg.Logger.With("page_id", cfg.PageID)
	s := &Session{
		cfg:     cfg,
		logger:  logger,
		in:      newInbox(),
		tracker: tracker.New(),
		done:    make(chan struct{}),
	}
	s.classifier = classify.New(cfg.Host, cfg.RippleClasses...)
	s.machine = toggle.New(cfg.Enabled, cfg.Host, s.tracker, logger)
	s.obs = observer.New(cfg.Host, host.DefaultScope, s.Deliver, logger)
	s.exec = render.New(render.Config{
		Host:     cfg.Host,
		Engine:   cfg.Engine,
		Tracker:  s.tracker,
		Observer: s.obs,
		Options:  cfg.Options,
		Enabled:  s.machine.Enabled,
		Trust:    cfg.Trust,
		Logger:   logger,
	})
	sc := cfg.Schedule
	sc.Post = func(f schedule.Fire) { s.in.push(evFire{f}) }
	sc.Contains = cfg.Host.Contains
	sc.Logger = logger
	if idler, ok := cfg.Host.(host.Idler); ok {
		sc.Idler = idler
	}
	s.sched = schedule.New(sc)
	s.snapshot()
	return s
}

// ID returns the page ID.
func (s *Session) ID() string { return s.cfg.PageID }

// Done is closed when Run returns.
func (s *Session) Done() <-chan struct{} { return s.done }

// Deliver queues a change batch. Safe from any goroutine; never blocks.
func (s *Session) Deliver(b mutation.Batch) {
	s.in.push(evBatch{b})
}

// PrefsChanged queues a preference-changed signal.
func (s *Session) PrefsChanged() {
	s.in.push(evPrefs{})
}

// Visibility queues a page visibility transition.
func (s *Session) Visibility(visible bool) {
	s.in.push(evVisible{visible})
}

// Toggle queues a toggle message and waits until the session applied it.
func (s *Session) Toggle(ctx context.Context, msg toggle.Message) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	reply := make(chan error, 1)
	s.in.push(evToggle{msg: msg, reply: reply})
	select {
	case err := <-reply:
		return err
	case <-s.done:
		return ErrNotRunning
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Status returns the latest snapshot. It never blocks on the loop.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Run processes events until ctx is cancelled. It renders the document
// once, then subscribes to changes.
func (s *Session) Run(ctx context.Context) error {
	defer s.once.Do(func() { close(s.done) })
	s.loop = true
	s.cfg.Metrics.SessionStarted()
	defer s.cfg.Metrics.SessionEnded()
	s.cfg.Host.OnVisibility(s.Visibility)

	s.decide(ctx)
	if s.decision.Run {
		s.start(ctx)
	} else {
		s.logger.Info("reactor: not running on this page", "reason", s.decision.Reason)
	}
	s.snapshot()

	defer func() {
		s.sched.Stop()
		s.obs.Stop()
		s.loop = false
		s.snapshot()
		s.logger.Info("reactor: stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.in.wake:
			for _, e := range s.in.drain() {
				s.handle(ctx, e)
			}
			s.snapshot()
		}
	}
}

// RenderOnce evaluates the run decision and renders the whole document
// synchronously. It must not be used while Run is active.
func (s *Session) RenderOnce(ctx context.Context) (render.Outcome, error) {
	s.decide(ctx)
	defer s.snapshot()
	if !s.decision.Run {
		return render.Outcome{Root: s.cfg.Host.Root(), Skipped: s.decision.Reason}, nil
	}
	out, err := s.exec.RenderDocument(ctx)
	s.account(out, err)
	return out, err
}

func (s *Session) decide(ctx context.Context) {
	if s.cfg.ShouldRun == nil {
		s.decision = Decision{Run: true, Reason: "enabled"}
		return
	}
	s.decision = s.cfg.ShouldRun(ctx)
}

// start renders the document and subscribes.
func (s *Session) start(ctx context.Context) {
	out, err := s.exec.RenderDocument(ctx)
	s.account(out, err)
	if errors.Is(err, host.ErrEngineUnavailable) {
		s.retry()
	}
	if err := s.obs.Start(); err != nil {
		s.fail("subscribe", err)
	}
}

func (s *Session) handle(ctx context.Context, e event) {
	switch e := e.(type) {
	case evBatch:
		s.onBatch(e.b)
	case evFire:
		s.onFire(ctx, e.f)
	case evToggle:
		e.reply <- s.onToggle(ctx, e.msg)
	case evPrefs:
		s.onPrefs(ctx)
	case evVisible:
		s.onVisible(e.visible)
	}
}

func (s *Session) onBatch(b mutation.Batch) {
	if !s.decision.Run {
		return
	}
	if b.ID == "" {
		b.ID = s.cfg.IDs()
	}
	s.batches++
	res := s.classifier.Classify(b)
	s.cfg.Metrics.Batch(string(res.Class))
	if n := s.tracker.Prune(s.cfg.Host, res.Removed); n > 0 {
		s.logger.Debug("reactor: pruned annotations", "batch_id", b.ID, "count", n)
	}
	for _, r := range b.Records {
		if r.Kind == mutation.KindText {
			s.tracker.Forget(r.Target)
		}
	}
	if res.Class.Discard() {
		s.logger.Debug("reactor: batch discarded", "batch_id", b.ID, "class", res.Class, "records", len(b.Records))
		return
	}
	if !s.machine.Enabled() {
		return
	}
	if im := res.Immediate(); len(im) > 0 {
		s.sched.ArmImmediate(im...)
	}
	if def := res.Deferred(); len(def) > 0 {
		s.sched.ArmDebounce(def...)
	}
	if res.Dynamic {
		s.sched.ArmFollowUps()
	}
	s.logger.Debug("reactor: batch scheduled", "batch_id", b.ID, "class", res.Class,
		"escalations", len(res.Escalations), "dynamic", res.Dynamic)
}

func (s *Session) onFire(ctx context.Context, f schedule.Fire) {
	task, ok := s.sched.Take(f)
	if !ok {
		return
	}
	s.tasks++
	s.cfg.Metrics.Task(task.Tier.String())
	roots := task.Roots
	if task.Whole() {
		roots = []mutation.NodeID{s.cfg.Host.Root()}
	}
	var retry []mutation.NodeID
	for _, root := range roots {
		out, err := s.exec.Render(ctx, root)
		s.account(out, err)
		if errors.Is(err, host.ErrEngineUnavailable) {
			retry = append(retry, root)
		}
	}
	switch {
	case len(retry) > 0 && task.Whole():
		s.retry()
	case len(retry) > 0:
		s.retry(retry...)
	default:
		s.retries = 0
	}
}

// retry re-arms the debounce tier after an engine-unavailable failure.
func (s *Session) retry(roots ...mutation.NodeID) {
	if s.retries >= maxRetries {
		s.logger.Error("reactor: engine still unavailable, giving up until the next change", "retries", s.retries)
		s.retries = 0
		return
	}
	s.retries++
	s.cfg.Metrics.EngineFailure()
	s.sched.ArmDebounce(roots...)
}

func (s *Session) account(out render.Outcome, err error) {
	switch {
	case err != nil:
		s.cfg.Metrics.Render("error", 0, out.Elapsed)
		s.fail("render", err)
	case out.Skipped != "":
		s.cfg.Metrics.Render(out.Skipped, 0, 0)
	default:
		s.cfg.Metrics.Render("rendered", len(out.Rendered), out.Elapsed)
	}
}

func (s *Session) fail(op string, err error) {
	s.lastErr = fmt.Sprintf("%s: %v", op, err)
	s.logger.Warn("reactor: "+op+" failed", "error", err)
}

// onToggle re-reads the run decision first: the message usually follows a
// write of the persisted flag the decision depends on.
func (s *Session) onToggle(ctx context.Context, msg toggle.Message) error {
	was := s.decision.Run
	s.decide(ctx)
	var changed bool
	err := s.obs.Suspended(func() error {
		var err error
		changed, err = s.machine.Apply(msg)
		return err
	})
	if err != nil {
		s.fail("toggle", err)
	}
	if changed {
		s.cfg.Metrics.Toggle(string(s.machine.State()))
		s.logger.Info("reactor: toggled", "state", s.machine.State())
	}
	if !s.machine.Enabled() || !s.decision.Run {
		return err
	}
	switch {
	case !was:
		s.logger.Info("reactor: toggled, now running", "reason", s.decision.Reason)
		s.start(ctx)
	case changed:
		out, rerr := s.exec.RenderDocument(ctx)
		s.account(out, rerr)
		if errors.Is(rerr, host.ErrEngineUnavailable) {
			s.retry()
		}
	}
	return err
}

// onPrefs acts on a changed run decision: math is restored to source when
// the page stops qualifying and rendered again when it qualifies anew.
func (s *Session) onPrefs(ctx context.Context) {
	was := s.decision.Run
	s.decide(ctx)
	switch {
	case was == s.decision.Run:
		s.logger.Debug("reactor: prefs changed", "run", s.decision.Run, "reason", s.decision.Reason)
	case !s.decision.Run:
		s.logger.Info("reactor: prefs changed, restoring source", "reason", s.decision.Reason)
		s.setEnabled(false)
	default:
		s.logger.Info("reactor: prefs changed, rendering", "reason", s.decision.Reason)
		s.setEnabled(true)
		s.start(ctx)
	}
}

// setEnabled moves the toggle machine without a toggle message.
func (s *Session) setEnabled(on bool) {
	if s.machine.Enabled() == on {
		return
	}
	err := s.obs.Suspended(func() error {
		_, err := s.machine.Apply(toggle.Message{Action: toggle.ActionToggle, Enabled: on})
		return err
	})
	if err != nil {
		s.fail("toggle", err)
	}
	s.cfg.Metrics.Toggle(string(s.machine.State()))
}

func (s *Session) onVisible(visible bool) {
	if !s.decision.Run {
		return
	}
	if s.obs.Visibility(visible) {
		s.logger.Debug("reactor: page visible again, arming catch-up renders")
		s.sched.ArmVisible()
	}
}

func (s *Session) snapshot() {
	st := Status{
		PageID:    s.cfg.PageID,
		Host:      s.cfg.Host.Hostname(),
		State:     s.machine.State(),
		Decision:  s.decision,
		Observing: s.obs.Active(),
		Pending:   s.sched.PendingCount(),
		Rendered:  s.tracker.RenderedCount(),
		Raw:       s.machine.RawCount(),
		Batches:   s.batches,
		Tasks:     s.tasks,
		Running:   s.loop,
		LastError: s.lastErr,
		UpdatedAt: time.Now(),
	}
	s.mu.Lock()
	s.status = st
	s.mu.Unlock()
}
