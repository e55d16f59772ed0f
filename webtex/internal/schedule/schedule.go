// Package schedule coalesces render requests into tiered, debounced tasks.
//
// A Scheduler belongs to one reactor goroutine. Timers never call into it:
// when one expires it posts a Fire to the reactor, which hands it back to
// Take on its own goroutine. Each arm bumps a generation so a Fire from a
// replaced timer is recognised and ignored.
package schedule

import (
	"log/slog"
	"time"

	"github.com/hazyhaar/webtex/webtex/host"
	"github.com/hazyhaar/webtex/webtex/mutation"
)

// Tier names a scheduling bucket.
type Tier int

const (
	// Immediate runs after a one-tick yield; re-armed by every batch.
	Immediate Tier = iota
	// Debounce is the generic coalescing timer; re-armed by every batch.
	Debounce
	// Short, Medium and Long are whole-document follow-ups. They are never
	// re-armed while pending and retire after firing once.
	Short
	Medium
	Long
	// Visible is the staggered set armed when a hidden page becomes visible.
	Visible
)

var tierNames = [...]string{"immediate", "debounce", "short", "medium", "long", "visible"}

func (t Tier) String() string {
	if int(t) < len(tierNames) {
		return tierNames[t]
	}
	return "unknown"
}

// Task is one unit of work for the render executor. An empty Roots means the
// whole document.
type Task struct {
	Tier  Tier
	Slot  int
	Roots []mutation.NodeID
	DueAt time.Time
}

// Whole reports whether t covers the whole document.
func (t Task) Whole() bool { return len(t.Roots) == 0 }

// Fire is posted when a timer expires.
type Fire struct {
	Tier Tier
	Slot int
	gen  uint64
}

// Config for a Scheduler.
type Config struct {
	Immediate time.Duration // default 20ms
	Debounce  time.Duration // default 100ms
	Short     time.Duration // default 500ms
	Medium    time.Duration // default 1500ms
	Long      time.Duration // default 3s
	// Visible lists the staggered follow-up delays after a visibility
	// transition. Default: 250ms, 1s, 2.5s.
	Visible []time.Duration

	// Post receives timer fires. It is called from timer goroutines and must
	// not block. Required.
	Post func(Fire)
	// Contains reports whether ancestor contains id (inclusively). Used to
	// keep the root set minimal. Nil disables coalescing by ancestry.
	Contains func(ancestor, id mutation.NodeID) bool
	// Idler, when set, runs the immediate tier at idle priority with
	// Immediate as the timeout.
	Idler  host.Idler
	Logger *slog.Logger
}

func (c *Config) defaults() {
	if c.Immediate <= 0 {
		c.Immediate = 20 * time.Millisecond
	}
	if c.Debounce <= 0 {
		c.Debounce = 100 * time.Millisecond
	}
	if c.Short <= 0 {
		c.Short = 500 * time.Millisecond
	}
	if c.Medium <= 0 {
		c.Medium = 1500 * time.Millisecond
	}
	if c.Long <= 0 {
		c.Long = 3 * time.Second
	}
	if len(c.Visible) == 0 {
		c.Visible = []time.Duration{250 * time.Millisecond, time.Second, 2500 * time.Millisecond}
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

type key struct {
	tier Tier
	slot int
}

type alarm struct {
	gen    uint64
	cancel func()
	task   Task
}

// Scheduler owns the pending render tasks of one page.
type Scheduler struct {
	cfg     Config
	gen     uint64
	pending map[key]*alarm
	stopped bool
}

// New returns a Scheduler. It panics if cfg.Post is nil.
func New(cfg Config) *Scheduler {
	if cfg.Post == nil {
		panic("schedule: Config.Post is required")
	}
	cfg.defaults()
	return &Scheduler{cfg: cfg, pending: make(map[key]*alarm)}
}

// ArmImmediate adds roots to the immediate task and restarts its yield
// window.
func (s *Scheduler) ArmImmediate(roots ...mutation.NodeID) {
	s.rearm(Immediate, s.cfg.Immediate, roots)
}

// ArmDebounce adds roots to the generic debounce task and restarts its
// timer. With no roots the task covers the whole document.
func (s *Scheduler) ArmDebounce(roots ...mutation.NodeID) {
	s.rearm(Debounce, s.cfg.Debounce, roots)
}

// ArmFollowUps arms the short, medium and long whole-document tiers, each
// only if it is not already pending.
func (s *Scheduler) ArmFollowUps() {
	s.once(key{Short, 0}, s.cfg.Short)
	s.once(key{Medium, 0}, s.cfg.Medium)
	s.once(key{Long, 0}, s.cfg.Long)
}

// ArmVisible arms the staggered post-visibility follow-ups.
func (s *Scheduler) ArmVisible() {
	for i, d := range s.cfg.Visible {
		s.once(key{Visible, i}, d)
	}
}

func (s *Scheduler) rearm(tier Tier, d time.Duration, roots []mutation.NodeID) {
	if s.stopped {
		return
	}
	k := key{tier, 0}
	prev, ok := s.pending[k]
	var merged []mutation.NodeID
	whole := len(roots) == 0
	if ok {
		prev.cancel()
		if prev.task.Whole() {
			whole = true
		}
		merged = prev.task.Roots
	}
	if whole {
		merged = nil
	} else {
		for _, r := range roots {
			merged = s.cover(merged, r)
		}
	}
	s.start(k, d, merged)
}

func (s *Scheduler) once(k key, d time.Duration) {
	if s.stopped {
		return
	}
	if _, ok := s.pending[k]; ok {
		return
	}
	s.start(k, d, nil)
}

func (s *Scheduler) start(k key, d time.Duration, roots []mutation.NodeID) {
	s.gen++
	f := Fire{Tier: k.tier, Slot: k.slot, gen: s.gen}
	post := s.cfg.Post
	a := &alarm{
		gen:  s.gen,
		task: Task{Tier: k.tier, Slot: k.slot, Roots: roots, DueAt: time.Now().Add(d)},
	}
	if k.tier == Immediate && s.cfg.Idler != nil {
		a.cancel = s.cfg.Idler.RequestIdle(d, func() { post(f) })
	} else {
		t := time.AfterFunc(d, func() { post(f) })
		a.cancel = func() { t.Stop() }
	}
	s.pending[k] = a
	s.cfg.Logger.Debug("scheduler: armed", "tier", k.tier, "slot", k.slot, "delay", d, "roots", len(roots))
}

// cover adds r to roots keeping the set minimal: r is dropped when an
// existing root contains it, and existing roots inside r are replaced.
func (s *Scheduler) cover(roots []mutation.NodeID, r mutation.NodeID) []mutation.NodeID {
	out := roots[:0:0]
	for _, x := range roots {
		if x == r {
			return roots
		}
		if s.cfg.Contains != nil && s.cfg.Contains(x, r) {
			return roots
		}
	}
	for _, x := range roots {
		if s.cfg.Contains != nil && s.cfg.Contains(r, x) {
			continue
		}
		out = append(out, x)
	}
	return append(out, r)
}

// Take consumes a fire. It returns the task to execute, or false when the
// fire belongs to a timer that was since replaced or cancelled.
func (s *Scheduler) Take(f Fire) (Task, bool) {
	k := key{f.Tier, f.Slot}
	a, ok := s.pending[k]
	if !ok || a.gen != f.gen {
		return Task{}, false
	}
	delete(s.pending, k)
	return a.task, true
}

// Pending reports whether tier (slot 0) has an armed timer.
func (s *Scheduler) Pending(tier Tier) bool {
	_, ok := s.pending[key{tier, 0}]
	return ok
}

// PendingCount returns the number of armed timers.
func (s *Scheduler) PendingCount() int { return len(s.pending) }

// Stop cancels every timer. Later arms are ignored.
func (s *Scheduler) Stop() {
	s.stopped = true
	for k, a := range s.pending {
		a.cancel()
		delete(s.pending, k)
	}
}
