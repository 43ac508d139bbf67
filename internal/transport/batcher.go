package transport

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"guidance-engine/internal/model"
	"guidance-engine/internal/observability"
)

// ErrQueueFull is returned by Batcher.TrackEvent when the backlog is full.
var ErrQueueFull = errors.New("transport: event queue full")

// Batcher wraps a Transport so TrackEvent never waits on the network.
// Events are queued and delivered in order by one background goroutine,
// paced by a token bucket. Every other call passes straight through.
type Batcher struct {
	Transport
	limiter *rate.Limiter
	log     zerolog.Logger
	queue   chan model.Event
	timeout time.Duration
	done    chan struct{}
}

type BatcherOptions struct {
	EventsPerSecond float64
	Burst           int
	Backlog         int
	CallTimeout     time.Duration
	Logger          *zerolog.Logger
}

func NewBatcher(next Transport, opts BatcherOptions) *Batcher {
	if opts.EventsPerSecond <= 0 {
		opts.EventsPerSecond = 20
	}
	if opts.Burst <= 0 {
		opts.Burst = 10
	}
	if opts.Backlog <= 0 {
		opts.Backlog = 1024
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = 5 * time.Second
	}
	lg := log.Logger
	if opts.Logger != nil {
		lg = *opts.Logger
	}
	return &Batcher{
		Transport: next,
		limiter:   rate.NewLimiter(rate.Limit(opts.EventsPerSecond), opts.Burst),
		log:       lg.With().Str("component", "batcher").Logger(),
		queue:     make(chan model.Event, opts.Backlog),
		timeout:   opts.CallTimeout,
		done:      make(chan struct{}),
	}
}

// Run delivers queued events until ctx ends, then drains what is left
// without pacing.
func (b *Batcher) Run(ctx context.Context) {
	defer close(b.done)
	for {
		select {
		case <-ctx.Done():
			b.drain()
			return
		case e := <-b.queue:
			if err := b.limiter.Wait(ctx); err != nil {
				b.send(e)
				b.drain()
				return
			}
			b.send(e)
		}
	}
}

// Done is closed once Run has returned.
func (b *Batcher) Done() <-chan struct{} { return b.done }

// TrackEvent enqueues e and returns immediately.
func (b *Batcher) TrackEvent(_ context.Context, e model.Event) error {
	select {
	case b.queue <- e:
		return nil
	default:
		observability.ReportedEvents.WithLabelValues(string(e.Name), "dropped").Inc()
		b.log.Warn().Str("event", string(e.Name)).Msg("event backlog full; dropping")
		return ErrQueueFull
	}
}

func (b *Batcher) drain() {
	for {
		select {
		case e := <-b.queue:
			b.send(e)
		default:
			return
		}
	}
}

func (b *Batcher) send(e model.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), b.timeout)
	defer cancel()
	if err := b.Transport.TrackEvent(ctx, e); err != nil {
		observability.ReportedEvents.WithLabelValues(string(e.Name), "error").Inc()
		b.log.Error().Err(err).Str("event", string(e.Name)).Str("session_id", e.SessionID).Msg("track event")
		return
	}
	observability.ReportedEvents.WithLabelValues(string(e.Name), "ok").Inc()
}
