// Package scheduler owns the single loop goroutine that drives content.
//
// Everything that mutates content state runs on the loop: the per-tick
// monitor pass and any continuation handed over with Post or Call. Items
// are monitored round-robin with a ceiling per tick so one tick never
// grows with the number of live items.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"guidance-engine/internal/observability"
)

const (
	DefaultInterval   = 16 * time.Millisecond
	DefaultMaxPerTick = 64
)

var ErrStopped = errors.New("scheduler: stopped")

// Monitor is anything checked once per tick.
type Monitor interface {
	Monitor(ctx context.Context)
}

type Options struct {
	Interval   time.Duration
	MaxPerTick int
	Logger     *zerolog.Logger
}

type Scheduler struct {
	interval   time.Duration
	maxPerTick int
	log        zerolog.Logger

	mu      sync.Mutex
	posts   []func()
	source  func() []Monitor
	stopped bool
	wake    chan struct{}

	// cursor is only touched on the loop.
	cursor int
}

func New(opts Options) *Scheduler {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.MaxPerTick <= 0 {
		opts.MaxPerTick = DefaultMaxPerTick
	}
	lg := log.Logger
	if opts.Logger != nil {
		lg = *opts.Logger
	}
	return &Scheduler{
		interval:   opts.Interval,
		maxPerTick: opts.MaxPerTick,
		log:        lg.With().Str("component", "scheduler").Logger(),
		wake:       make(chan struct{}, 1),
	}
}

// SetSource sets the function that lists the items to monitor. It is
// called on the loop at the start of every tick.
func (s *Scheduler) SetSource(fn func() []Monitor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.source = fn
}

// Post queues fn to run on the loop. It never blocks. Work posted after
// Run has stopped is dropped.
func (s *Scheduler) Post(fn func()) { s.post(fn) }

func (s *Scheduler) post(fn func()) bool {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return false
	}
	s.posts = append(s.posts, fn)
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
	return true
}

// Call runs fn on the loop and waits for it. It must not be called from
// the loop itself.
func (s *Scheduler) Call(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	ok := s.post(func() {
		defer close(done)
		fn()
	})
	if !ok {
		return ErrStopped
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Tick runs posted work and one bounded monitor pass.
func (s *Scheduler) Tick(ctx context.Context) {
	start := time.Now()
	defer func() {
		observability.TicksTotal.Inc()
		observability.TickDuration.Observe(time.Since(start).Seconds())
	}()

	s.RunPosted()

	s.mu.Lock()
	source := s.source
	s.mu.Unlock()
	if source == nil {
		return
	}
	items := source()
	if len(items) == 0 {
		s.cursor = 0
		return
	}
	n := min(len(items), s.maxPerTick)
	if s.cursor >= len(items) {
		s.cursor = 0
	}
	for i := 0; i < n; i++ {
		if ctx.Err() != nil {
			return
		}
		s.monitor(ctx, items[(s.cursor+i)%len(items)])
	}
	s.cursor = (s.cursor + n) % len(items)
}

func (s *Scheduler) monitor(ctx context.Context, m Monitor) {
	defer func() {
		if r := recover(); r != nil {
			observability.MonitorPanics.Inc()
			s.log.Error().Interface("panic", r).Msg("monitor panicked")
		}
	}()
	m.Monitor(ctx)
}

// RunPosted runs the work queued so far. Work posted while it runs waits
// for the next call.
func (s *Scheduler) RunPosted() {
	s.mu.Lock()
	posts := s.posts
	s.posts = nil
	s.mu.Unlock()
	for _, fn := range posts {
		s.run(fn)
	}
}

func (s *Scheduler) run(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			observability.MonitorPanics.Inc()
			s.log.Error().Interface("panic", r).Msg("posted callback panicked")
		}
	}()
	fn()
}

// Run drives ticks until ctx ends. Posted work runs as soon as it arrives.
func (s *Scheduler) Run(ctx context.Context) error {
	s.log.Info().Dur("interval", s.interval).Int("max_per_tick", s.maxPerTick).Msg("scheduler started")
	t := time.NewTicker(s.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			s.mu.Lock()
			s.stopped = true
			s.mu.Unlock()
			s.RunPosted()
			s.log.Info().Msg("scheduler stopped")
			return ctx.Err()
		case <-s.wake:
			s.RunPosted()
		case <-t.C:
			s.Tick(ctx)
		}
	}
}
