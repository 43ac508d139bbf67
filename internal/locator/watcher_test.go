package locator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"guidance-engine/internal/clock"
	"guidance-engine/internal/env"
)

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

type recorder struct {
	found, timeout, hidden int
	at                     []time.Duration
	attempts               []int
}

func watch(t *testing.T, p env.Page, clk *clock.Manual, opts Options) (*Watcher, *recorder) {
	t.Helper()
	w := New(p, clk, env.Target{Selectors: []string{"#a"}}, opts)
	r := &recorder{}
	w.On(EventFound, func(Event) { r.found++ })
	w.On(EventFoundTimeout, func(e Event) {
		r.timeout++
		r.at = append(r.at, clk.Now().Sub(epoch))
		r.attempts = append(r.attempts, e.Attempts)
	})
	w.On(EventHiddenTimeout, func(Event) { r.hidden++ })
	return w, r
}

func TestWatcher_FoundTimeoutBounds(t *testing.T) {
	tests := []struct {
		name          string
		targetMissing time.Duration
		maxRetries    int
		wantAt        time.Duration
		wantAttempts  int
	}{
		{"six second budget", 6 * time.Second, 30, 6 * time.Second, 31},
		{"time budget first", 2 * time.Second, 30, 2 * time.Second, 11},
		{"retry ceiling first", 60 * time.Second, 5, time.Second, 6},
		{"retry ceiling only", 0, 30, 6 * time.Second, 31},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clk := clock.NewManual(epoch)
			w, r := watch(t, env.NewFake("/"), clk, Options{TargetMissing: tt.targetMissing, MaxRetries: tt.maxRetries})
			w.FindElement()

			clk.Advance(tt.wantAt - time.Millisecond)
			assert.Equal(t, 0, r.timeout)
			clk.Advance(time.Millisecond)
			assert.Equal(t, 1, r.timeout)
			assert.Equal(t, []time.Duration{tt.wantAt}, r.at)
			assert.Equal(t, []int{tt.wantAttempts}, r.attempts, "first lookup plus every retry")

			clk.Advance(time.Minute)
			assert.Equal(t, 1, r.timeout, "exactly one timeout per campaign")
			assert.Equal(t, 0, r.found)
			assert.True(t, w.IsTimeout())
			assert.Equal(t, StateTimedOut, w.State())
			assert.Equal(t, 0, clk.Pending())
		})
	}
}

func TestWatcher_FoundOnceThenStops(t *testing.T) {
	clk := clock.NewManual(epoch)
	p := env.NewFake("/")
	w, r := watch(t, p, clk, Options{TargetMissing: 6 * time.Second})
	w.FindElement()

	clk.Advance(time.Second)
	assert.Equal(t, 5, w.RetryCount())
	p.Put("#a", env.NewFakeElement("a"))
	clk.Advance(200 * time.Millisecond)
	assert.Equal(t, 1, r.found)

	clk.Advance(10 * time.Second)
	assert.Equal(t, 1, r.found)
	assert.Equal(t, 0, r.timeout, "found and found-timeout never both fire")
	require.NotNil(t, w.Element())
	assert.Equal(t, "a", w.Element().Key())
	assert.Equal(t, 0, clk.Pending())
}

func TestWatcher_HiddenStreak(t *testing.T) {
	clk := clock.NewManual(epoch)
	p := env.NewFake("/")
	el := p.Put("#a", env.NewFakeElement("a"))
	w, r := watch(t, p, clk, Options{TargetMissing: 3 * time.Second})
	ctx := context.Background()
	w.FindElement()
	require.Equal(t, 1, r.found)

	assert.True(t, w.CheckVisibility(ctx))
	el.SetHidden(true)
	assert.False(t, w.CheckVisibility(ctx))
	assert.Equal(t, epoch, w.HiddenSince())
	clk.Advance(2 * time.Second)
	assert.False(t, w.CheckVisibility(ctx))

	el.SetHidden(false)
	assert.True(t, w.CheckVisibility(ctx), "a visible sample resets the streak")
	assert.True(t, w.HiddenSince().IsZero())

	el.SetHidden(true)
	w.CheckVisibility(ctx)
	clk.Advance(2 * time.Second)
	w.CheckVisibility(ctx)
	assert.False(t, w.IsTimeout())
	clk.Advance(time.Second)
	w.CheckVisibility(ctx)
	assert.True(t, w.IsTimeout())
	assert.Equal(t, 1, r.hidden)

	w.CheckVisibility(ctx)
	assert.Equal(t, 1, r.hidden)
}

func TestWatcher_DestroyCancelsRetries(t *testing.T) {
	clk := clock.NewManual(epoch)
	w, r := watch(t, env.NewFake("/"), clk, Options{TargetMissing: 6 * time.Second})
	w.FindElement()
	clk.Advance(time.Second)

	w.Destroy()
	w.Destroy()
	assert.Equal(t, 0, clk.Pending())
	clk.Advance(time.Minute)
	assert.Equal(t, 0, r.timeout)
	assert.Equal(t, StateDestroyed, w.State())
	assert.False(t, w.CheckVisibility(context.Background()))

	w.FindElement()
	assert.Equal(t, 0, clk.Pending(), "a destroyed watcher does not search")
}

func TestWatcher_NewCampaignAbandonsOld(t *testing.T) {
	clk := clock.NewManual(epoch)
	p := env.NewFake("/")
	w, r := watch(t, p, clk, Options{TargetMissing: time.Second})
	w.FindElement()
	clk.Advance(600 * time.Millisecond)
	w.FindElement()
	assert.Equal(t, 1, clk.Pending())

	clk.Advance(600 * time.Millisecond)
	assert.Equal(t, 0, r.timeout, "budget restarts with the new campaign")
	clk.Advance(400 * time.Millisecond)
	assert.Equal(t, 1, r.timeout)
}
