// Package locator finds a page element for a step or launcher and keeps
// track of whether it stays visible.
//
// Acquisition and steady-state loss are separate failure classes. A
// campaign started by FindElement retries on a fixed delay until the
// element resolves (EventFound) or either the retry ceiling or the time
// budget runs out (EventFoundTimeout); exactly one of the two fires per
// campaign. Once found, CheckVisibility tracks a hidden streak and raises
// EventHiddenTimeout when the element stays hidden for the same budget.
package locator

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"guidance-engine/internal/clock"
	"guidance-engine/internal/env"
	"guidance-engine/internal/eventbus"
	"guidance-engine/internal/observability"
)

const (
	DefaultRetryDelay    = 200 * time.Millisecond
	DefaultMaxRetries    = 30
	DefaultTargetMissing = 6 * time.Second
)

type State int

const (
	StateIdle State = iota
	StateSearching
	StateFound
	StateVisible
	StateHidden
	StateTimedOut
	StateDestroyed
)

func (s State) String() string {
	switch s {
	case StateSearching:
		return "searching"
	case StateFound:
		return "found"
	case StateVisible:
		return "visible"
	case StateHidden:
		return "hidden"
	case StateTimedOut:
		return "timed-out"
	case StateDestroyed:
		return "destroyed"
	default:
		return "idle"
	}
}

type EventKind int

const (
	EventFound EventKind = iota + 1
	EventFoundTimeout
	EventHiddenTimeout
)

type Event struct {
	Kind     EventKind
	Element  env.Element
	Attempts int
}

type Options struct {
	RetryDelay time.Duration
	// MaxRetries counts searches after the first one, so a campaign makes
	// at most MaxRetries+1 lookups and 30 retries at 200ms span 6s.
	MaxRetries int
	// TargetMissing bounds both the search campaign and the hidden streak.
	// Zero leaves only the retry ceiling for searches and disables the
	// hidden timeout.
	TargetMissing time.Duration
	Logger        *zerolog.Logger
}

func (o Options) withDefaults() Options {
	if o.RetryDelay <= 0 {
		o.RetryDelay = DefaultRetryDelay
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = DefaultMaxRetries
	}
	return o
}

type Watcher struct {
	page   env.Page
	clock  clock.Clock
	target env.Target
	opts   Options
	log    zerolog.Logger
	bus    *eventbus.Bus[EventKind, Event]

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	state       State
	element     env.Element
	retryCount  int
	startedAt   time.Time
	hiddenSince time.Time
	isTimeout   bool
	campaign    int
	settled     bool
	timer       clock.Timer
}

func New(page env.Page, clk clock.Clock, target env.Target, opts Options) *Watcher {
	opts = opts.withDefaults()
	lg := log.Logger
	if opts.Logger != nil {
		lg = *opts.Logger
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Watcher{
		page:   page,
		clock:  clk,
		target: target,
		opts:   opts,
		log:    lg.With().Str("component", "locator").Strs("selectors", target.Selectors).Logger(),
		bus:    eventbus.New[EventKind, Event](),
		ctx:    ctx,
		cancel: cancel,
	}
}

// On subscribes to watcher events.
func (w *Watcher) On(k EventKind, fn func(Event)) eventbus.Handle {
	return w.bus.On(k, fn)
}

// FindElement starts a new search campaign, abandoning any pending one.
func (w *Watcher) FindElement() {
	w.mu.Lock()
	if w.state == StateDestroyed {
		w.mu.Unlock()
		return
	}
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	w.campaign++
	w.settled = false
	w.element = nil
	w.retryCount = 0
	w.hiddenSince = time.Time{}
	w.isTimeout = false
	w.state = StateSearching
	w.startedAt = w.clock.Now()
	campaign := w.campaign
	w.mu.Unlock()

	w.attempt(campaign, 0)
}

func (w *Watcher) live(campaign int) bool {
	return w.state != StateDestroyed && campaign == w.campaign && !w.settled
}

func (w *Watcher) attempt(campaign, n int) {
	w.mu.Lock()
	if !w.live(campaign) {
		w.mu.Unlock()
		return
	}
	w.retryCount = n
	w.timer = nil
	w.mu.Unlock()

	el, err := w.page.Find(w.ctx, w.target)
	if err != nil {
		w.log.Debug().Err(err).Int("attempt", n).Msg("find target")
		el = nil
	}

	w.mu.Lock()
	if !w.live(campaign) {
		w.mu.Unlock()
		return
	}
	if el != nil {
		w.settled = true
		w.element = el
		w.state = StateFound
		w.mu.Unlock()
		observability.WatcherEvents.WithLabelValues("found").Inc()
		w.bus.Trigger(EventFound, Event{Kind: EventFound, Element: el, Attempts: n + 1})
		return
	}

	elapsed := w.clock.Now().Sub(w.startedAt)
	budgetSpent := w.opts.TargetMissing > 0 && elapsed >= w.opts.TargetMissing
	if n >= w.opts.MaxRetries || budgetSpent {
		w.settled = true
		w.state = StateTimedOut
		w.isTimeout = true
		w.mu.Unlock()
		observability.WatcherEvents.WithLabelValues("found_timeout").Inc()
		w.log.Debug().Int("attempts", n+1).Dur("elapsed", elapsed).Msg("target not found")
		w.bus.Trigger(EventFoundTimeout, Event{Kind: EventFoundTimeout, Attempts: n + 1})
		return
	}
	w.timer = w.clock.AfterFunc(w.opts.RetryDelay, func() { w.attempt(campaign, n+1) })
	w.mu.Unlock()
}

// CheckVisibility samples the found element's visibility and advances the
// hidden streak. It returns false while searching or after a timeout.
func (w *Watcher) CheckVisibility(ctx context.Context) bool {
	w.mu.Lock()
	switch w.state {
	case StateFound, StateVisible, StateHidden:
	default:
		w.mu.Unlock()
		return false
	}
	el := w.element
	w.mu.Unlock()

	visible, err := w.page.IsVisible(ctx, el)
	if err != nil {
		w.log.Debug().Err(err).Msg("visibility check")
		visible = false
	}
	now := w.clock.Now()

	w.mu.Lock()
	if w.state == StateDestroyed || w.state == StateTimedOut || w.element != el {
		w.mu.Unlock()
		return false
	}
	if visible {
		w.hiddenSince = time.Time{}
		w.state = StateVisible
		w.mu.Unlock()
		return true
	}
	if w.hiddenSince.IsZero() {
		w.hiddenSince = now
	}
	w.state = StateHidden
	fire := false
	if w.opts.TargetMissing > 0 && now.Sub(w.hiddenSince) >= w.opts.TargetMissing {
		w.isTimeout = true
		w.state = StateTimedOut
		fire = true
	}
	w.mu.Unlock()

	if fire {
		observability.WatcherEvents.WithLabelValues("hidden_timeout").Inc()
		w.bus.Trigger(EventHiddenTimeout, Event{Kind: EventHiddenTimeout, Element: el})
	}
	return false
}

func (w *Watcher) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

func (w *Watcher) Element() env.Element {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.element
}

func (w *Watcher) IsTimeout() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.isTimeout
}

func (w *Watcher) RetryCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.retryCount
}

// HiddenSince is the start of the current hidden streak, zero when visible.
func (w *Watcher) HiddenSince() time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.hiddenSince
}

// Destroy cancels pending retries and silences the watcher. It is safe to
// call more than once.
func (w *Watcher) Destroy() {
	w.mu.Lock()
	if w.state == StateDestroyed {
		w.mu.Unlock()
		return
	}
	w.state = StateDestroyed
	w.element = nil
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	w.mu.Unlock()
	w.cancel()
	w.bus.Close()
}
