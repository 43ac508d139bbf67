package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"guidance-engine/internal/observability"
)

type counter struct {
	name  string
	calls *[]string
	panic bool
}

func (c counter) Monitor(context.Context) {
	*c.calls = append(*c.calls, c.name)
	if c.panic {
		panic("boom")
	}
}

func quiet() *zerolog.Logger {
	l := zerolog.Nop()
	return &l
}

func TestTick_RoundRobinWithCeiling(t *testing.T) {
	var calls []string
	items := []Monitor{
		counter{name: "a", calls: &calls},
		counter{name: "b", calls: &calls},
		counter{name: "c", calls: &calls},
	}
	s := New(Options{MaxPerTick: 2, Logger: quiet()})
	s.SetSource(func() []Monitor { return items })
	ctx := context.Background()

	s.Tick(ctx)
	assert.Equal(t, []string{"a", "b"}, calls)
	s.Tick(ctx)
	assert.Equal(t, []string{"a", "b", "c", "a"}, calls)
	s.Tick(ctx)
	assert.Equal(t, []string{"a", "b", "c", "a", "b", "c"}, calls)
}

func TestTick_ShrinkingSourceResetsCursor(t *testing.T) {
	var calls []string
	items := []Monitor{
		counter{name: "a", calls: &calls},
		counter{name: "b", calls: &calls},
		counter{name: "c", calls: &calls},
	}
	s := New(Options{MaxPerTick: 2, Logger: quiet()})
	s.SetSource(func() []Monitor { return items })
	ctx := context.Background()

	s.Tick(ctx)
	items = items[:1]
	calls = nil
	s.Tick(ctx)
	assert.Equal(t, []string{"a"}, calls)
}

func TestTick_PanicIsContained(t *testing.T) {
	var calls []string
	s := New(Options{Logger: quiet()})
	s.SetSource(func() []Monitor {
		return []Monitor{
			counter{name: "bad", calls: &calls, panic: true},
			counter{name: "good", calls: &calls},
		}
	})
	before := testutil.ToFloat64(observability.MonitorPanics)

	require.NotPanics(t, func() { s.Tick(context.Background()) })
	assert.Equal(t, []string{"bad", "good"}, calls)
	assert.Equal(t, before+1, testutil.ToFloat64(observability.MonitorPanics))
}

func TestTick_RunsPostedWorkFirstInOrder(t *testing.T) {
	var calls []string
	s := New(Options{Logger: quiet()})
	s.SetSource(func() []Monitor { return []Monitor{counter{name: "item", calls: &calls}} })

	s.Post(func() { calls = append(calls, "p1") })
	s.Post(func() {
		calls = append(calls, "p2")
		s.Post(func() { calls = append(calls, "p3") })
	})
	s.Tick(context.Background())
	assert.Equal(t, []string{"p1", "p2", "item"}, calls)

	s.RunPosted()
	assert.Equal(t, []string{"p1", "p2", "item", "p3"}, calls)
}

func TestRun_CallExecutesOnLoop(t *testing.T) {
	s := New(Options{Interval: time.Millisecond, Logger: quiet()})
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- s.Run(ctx) }()

	got := 0
	require.NoError(t, s.Call(context.Background(), func() { got = 42 }))
	assert.Equal(t, 42, got)

	cancel()
	select {
	case err := <-errCh:
		assert.True(t, errors.Is(err, context.Canceled))
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop")
	}
	assert.ErrorIs(t, s.Call(context.Background(), func() {}), ErrStopped)
}

func TestCall_HonoursContext(t *testing.T) {
	s := New(Options{Logger: quiet()})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err := s.Call(ctx, func() {})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
