// Package listener turns Postgres NOTIFY messages into content reloads.
package listener

import (
	"context"
	"math/rand"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

// Debounce is the quiet period after a refresh during which further
// notifications are dropped.
const Debounce = 200 * time.Millisecond

// Source is the database the listener subscribes to.
type Source interface {
	PgxPool() *pgxpool.Pool
	ListenChannel() string
}

// ListenAndRefresh LISTENs on channel and calls refresh for every
// notification outside the debounce window. Connection failures are retried
// with jittered backoff until ctx is done.
func ListenAndRefresh(ctx context.Context, src Source, refresh func(context.Context) error, channel string, baseBackoff time.Duration) {
	if channel == "" {
		channel = src.ListenChannel()
	}
	d := &debouncer{window: Debounce, now: time.Now}
	for {
		err := listen(ctx, src.PgxPool(), channel, d, refresh)
		if ctx.Err() != nil {
			log.Info().Msg("listener stopped")
			return
		}
		backoff := jitter(baseBackoff)
		log.Error().Err(err).Dur("retry_in", backoff).Msg("notify wait error")
		select {
		case <-ctx.Done():
			log.Info().Msg("listener stopped")
			return
		case <-time.After(backoff):
		}
	}
}

func listen(ctx context.Context, pool *pgxpool.Pool, channel string, d *debouncer, refresh func(context.Context) error) error {
	conn, err := pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()

	if _, err = conn.Exec(ctx, "LISTEN "+channel); err != nil {
		return err
	}
	log.Info().Str("channel", channel).Msg("listening for content changes")

	for {
		ntf, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			return err
		}
		if !d.allow() {
			continue
		}
		log.Info().Str("channel", ntf.Channel).Str("content_id", ntf.Payload).Msg("content change; reloading")
		if err := refresh(ctx); err != nil {
			log.Error().Err(err).Msg("reload contents")
		}
	}
}

type debouncer struct {
	window time.Duration
	now    func() time.Time
	last   time.Time
}

func (d *debouncer) allow() bool {
	now := d.now()
	if !d.last.IsZero() && now.Sub(d.last) < d.window {
		return false
	}
	d.last = now
	return true
}

func jitter(base time.Duration) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	factor := 0.5 + rand.Float64() // 0.5x-1.5x
	return time.Duration(float64(base) * factor)
}
