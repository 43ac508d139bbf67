package orchestrator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"guidance-engine/internal/clock"
	"guidance-engine/internal/content"
	"guidance-engine/internal/env"
	"guidance-engine/internal/model"
	"guidance-engine/internal/rules"
	"guidance-engine/internal/transport"
)

var epoch = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

type kv struct {
	mu sync.Mutex
	m  map[string]string
}

func (s *kv) Get(_ context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.m[key]
	return v, ok, nil
}

func (s *kv) Set(_ context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[key] = value
	return nil
}

type fixture struct {
	o    *Orchestrator
	page *env.Fake
	mem  *transport.Memory
	clk  *clock.Manual
	kv   *kv
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	nop := zerolog.Nop()
	page := env.NewFake("/app/home")
	clk := clock.NewManual(epoch)
	mem := transport.NewMemory(clk.Now)
	store := &kv{m: map[string]string{}}
	o := New(Options{Page: page, Storage: store, Transport: mem, Clock: clk, Logger: &nop})
	t.Cleanup(o.Shutdown)
	return &fixture{o: o, page: page, mem: mem, clk: clk, kv: store}
}

func tour(id string, p model.Priority) model.Definition {
	return model.Definition{
		ID:        id + "-v1",
		ContentID: id,
		Type:      model.TypeTour,
		Steps:     []model.Step{{Cvid: "s1", Type: model.StepModal}, {Cvid: "s2", Type: model.StepModal}},
		Config:    model.Config{AutoStartSetting: model.AutoStartSetting{Priority: p}},
	}
}

// manualOnly makes def ineligible for auto start.
func manualOnly(def model.Definition) model.Definition {
	def.Config.EnabledAutoStartRules = true
	def.Config.AutoStartRules = []rules.Condition{{
		Type: rules.KindCurrentPage,
		Page: &rules.PageData{Includes: []string{"/never"}},
	}}
	return def
}

func checklist(id string, display model.InitialDisplay) model.Definition {
	return model.Definition{
		ID:        id + "-v1",
		ContentID: id,
		Type:      model.TypeChecklist,
		Checklist: &model.ChecklistData{
			Items:          []model.ChecklistItem{{ID: "i1"}, {ID: "i2"}},
			InitialDisplay: display,
		},
	}
}

func TestInit_RequiresEnvironment(t *testing.T) {
	o := New(Options{Transport: transport.NewMemory(nil)})
	defer o.Shutdown()
	assert.ErrorIs(t, o.Init(context.Background()), ErrNoEnvironment)
	assert.ErrorIs(t, o.Identify(context.Background(), model.User{ID: "u1"}), ErrNoEnvironment)
}

func TestInit_ReusesAnonymousID(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.o.Init(ctx))
	first := f.o.User()
	assert.True(t, first.Anonymous)
	assert.NotEmpty(t, first.ID)
	_, ok := f.mem.User(first.ID)
	assert.True(t, ok)

	nop := zerolog.Nop()
	again := New(Options{Page: f.page, Storage: f.kv, Transport: f.mem, Clock: f.clk, Logger: &nop})
	defer again.Shutdown()
	require.NoError(t, again.Init(ctx))
	assert.Equal(t, first.ID, again.User().ID)
}

func TestIdentify_LoadsContentsAndAutoStarts(t *testing.T) {
	f := newFixture(t)
	f.mem.SetContents([]model.Definition{tour("t1", model.PriorityMedium)})
	f.mem.SetThemes([]model.Theme{{ID: "th1", IsDefault: true, Settings: map[string]any{"brand": "#123"}}})

	require.NoError(t, f.o.Identify(context.Background(), model.User{ID: "u1"}))

	it, ok := f.o.Item("t1")
	require.True(t, ok)
	assert.True(t, it.IsStarted())
	snap := it.Store().Snapshot()
	assert.Equal(t, "u1", snap.UserID)
	assert.Equal(t, "th1", snap.ThemeID)
	assert.Equal(t, "#123", snap.ThemeSettings["brand"])
}

func TestArbitrate_PriorityThenListOrder(t *testing.T) {
	tests := []struct {
		name string
		defs []model.Definition
		want string
	}{
		{"higher priority wins", []model.Definition{tour("low", model.PriorityLow), tour("high", model.PriorityHigh)}, "high"},
		{"ties keep list order", []model.Definition{tour("first", model.PriorityHigh), tour("second", model.PriorityHigh)}, "first"},
		{"unset ranks as medium", []model.Definition{tour("lowest", model.PriorityLowest), tour("unset", "")}, "unset"},
		{"ineligible skipped", []model.Definition{manualOnly(tour("top", model.PriorityHighest)), tour("next", model.PriorityLowest)}, "next"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.o.SetContents(context.Background(), tt.defs)

			active := f.o.ActiveTour()
			require.NotNil(t, active)
			assert.Equal(t, tt.want, active.ContentID())
			assert.Equal(t, 1, f.o.VisibleTours())
			for _, it := range f.o.Items() {
				if it.ContentID() != tt.want {
					assert.False(t, it.IsStarted(), it.ContentID())
				}
			}
		})
	}
}

func TestStartContent_ReplacesActiveTour(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.o.SetContents(ctx, []model.Definition{tour("t1", model.PriorityHigh), manualOnly(tour("t2", model.PriorityLow))})
	require.Equal(t, "t1", f.o.ActiveTour().ContentID())

	f.o.Monitor(ctx)
	assert.Equal(t, "t1", f.o.ActiveTour().ContentID(), "auto start never preempts")

	require.NoError(t, f.o.StartContent(ctx, "t2", content.ReasonManual, content.StartOptions{}))
	assert.Equal(t, "t2", f.o.ActiveTour().ContentID())
	assert.Equal(t, 1, f.o.VisibleTours())
	_, ok := f.o.Item("t1")
	assert.False(t, ok)
	assert.Contains(t, f.mem.EventNames("t1"), model.EventFlowEnded)

	assert.ErrorIs(t, f.o.StartContent(ctx, "nope", content.ReasonManual, content.StartOptions{}), ErrNotFound)
}

func TestStartContent_SameTourUpdatesInPlace(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.o.SetContents(ctx, []model.Definition{tour("t1", model.PriorityHigh)})
	first := f.o.ActiveTour()

	require.NoError(t, f.o.StartContent(ctx, "t1", content.ReasonManual, content.StartOptions{StepCvid: "s2"}))
	assert.Same(t, first, f.o.ActiveTour())
	step, ok := first.(*content.Tour).CurrentStep()
	require.True(t, ok)
	assert.Equal(t, "s2", step.Cvid)
	assert.Equal(t, 1, f.mem.SessionCount())
}

func TestTourCollapsesExpandedChecklist(t *testing.T) {
	tests := []struct {
		name       string
		tickFirst  bool
		wantHidden bool
	}{
		{"never seen collapses silently", false, false},
		{"seen collapse reports hidden", true, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			ctx := context.Background()
			f.o.SetContents(ctx, []model.Definition{
				checklist("c1", model.DisplayExpanded),
				manualOnly(tour("t1", model.PriorityMedium)),
			})
			it, ok := f.o.Item("c1")
			require.True(t, ok)
			cl := it.(*content.Checklist)
			require.True(t, cl.IsStarted())
			require.True(t, cl.Expanded())
			if tt.tickFirst {
				cl.Monitor(ctx)
			}

			require.NoError(t, f.o.StartContent(ctx, "t1", content.ReasonManual, content.StartOptions{}))
			assert.False(t, cl.Expanded())
			assert.False(t, cl.Store().Snapshot().Checklist.Expanded)
			names := f.mem.EventNames("c1")
			if tt.wantHidden {
				assert.Contains(t, names, model.EventChecklistHidden)
			} else {
				assert.NotContains(t, names, model.EventChecklistHidden)
			}

			require.NoError(t, f.o.Close(ctx, "t1", content.CloseUser))
			assert.Nil(t, f.o.ActiveTour())
			assert.True(t, cl.Expanded(), "re-expands because it was expanded before the tour")
		})
	}
}

func TestStartContent_TourSwapKeepsChecklistCollapsed(t *testing.T) {
	tests := []struct {
		name         string
		serverDown   bool
		wantExpanded bool
	}{
		{"next tour takes the slot", false, false},
		{"next tour fails to start", true, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			ctx := context.Background()
			f.o.SetContents(ctx, []model.Definition{
				checklist("c1", model.DisplayExpanded),
				manualOnly(tour("t1", model.PriorityMedium)),
				manualOnly(tour("t2", model.PriorityMedium)),
			})
			it, ok := f.o.Item("c1")
			require.True(t, ok)
			cl := it.(*content.Checklist)
			cl.Monitor(ctx)
			require.NoError(t, f.o.StartContent(ctx, "t1", content.ReasonManual, content.StartOptions{}))
			require.False(t, cl.Expanded())

			before := len(f.mem.EventNames("c1"))
			var notified int
			unsubscribe := cl.Store().Subscribe(func() { notified++ })
			defer unsubscribe()
			f.mem.SetDown(tt.serverDown)

			err := f.o.StartContent(ctx, "t2", content.ReasonManual, content.StartOptions{})
			if tt.serverDown {
				require.Error(t, err)
				assert.Nil(t, f.o.ActiveTour())
				assert.True(t, cl.Expanded())
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "t2", f.o.ActiveTour().ContentID())
			assert.Equal(t, tt.wantExpanded, cl.Expanded())
			assert.Len(t, f.mem.EventNames("c1"), before, "no seen/hidden events during the swap")
			assert.Equal(t, 0, notified)

			require.NoError(t, f.o.Close(ctx, "t2", content.CloseUser))
			assert.True(t, cl.Expanded(), "expansion from before t1 is restored")
		})
	}
}

func TestTourEnd_ReexpandsForUnackedTasks(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.o.SetContents(ctx, []model.Definition{
		checklist("c1", model.DisplayButton),
		manualOnly(tour("t1", model.PriorityMedium)),
	})
	it, _ := f.o.Item("c1")
	cl := it.(*content.Checklist)
	require.False(t, cl.Expanded())

	require.NoError(t, f.o.StartContent(ctx, "t1", content.ReasonManual, content.StartOptions{}))
	require.NoError(t, f.o.ClickChecklistItem(ctx, "c1", "i1"))
	cl.Monitor(ctx)
	require.True(t, cl.HasUnackedTasks())

	require.NoError(t, f.o.Close(ctx, "t1", content.CloseUser))
	assert.True(t, cl.Expanded())
}

func TestSetContents_ReconcilesItems(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.o.SetContents(ctx, []model.Definition{tour("t1", model.PriorityHigh), checklist("c1", model.DisplayButton)})
	t1, _ := f.o.Item("t1")
	before := t1.Store().Notifications()

	f.o.SetContents(ctx, []model.Definition{tour("t1", model.PriorityHigh), checklist("c1", model.DisplayButton)})
	assert.Equal(t, before, t1.Store().Notifications(), "identical definitions do not refresh")

	next := tour("t1", model.PriorityHigh)
	next.ID = "t1-v2"
	next.Steps = append(next.Steps, model.Step{Cvid: "s3", Type: model.StepModal})
	f.o.SetContents(ctx, []model.Definition{next})

	same, ok := f.o.Item("t1")
	require.True(t, ok)
	assert.Same(t, t1, same)
	assert.Equal(t, "t1-v2", same.GetContent().ID)
	assert.Equal(t, 3, same.Store().Snapshot().Tour.Total)

	_, ok = f.o.Item("c1")
	assert.False(t, ok, "removed content is destroyed")
	assert.Len(t, f.o.Items(), 1)
}

func TestSetContents_RemovingActiveTourFreesSlot(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.o.SetContents(ctx, []model.Definition{tour("t1", model.PriorityHigh)})
	require.NotNil(t, f.o.ActiveTour())

	f.o.SetContents(ctx, []model.Definition{tour("t2", model.PriorityHigh)})
	require.NotNil(t, f.o.ActiveTour())
	assert.Equal(t, "t2", f.o.ActiveTour().ContentID())
}

func TestMonitors_IncludesOrchestratorFirst(t *testing.T) {
	f := newFixture(t)
	f.o.SetContents(context.Background(), []model.Definition{tour("t1", model.PriorityHigh), checklist("c1", model.DisplayButton)})
	ms := f.o.Monitors()
	require.Len(t, ms, 3)
	assert.Same(t, f.o, ms[0])
}

func TestDelayedAutoStartHoldsTourSlot(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	slow := tour("slow", model.PriorityHigh)
	slow.Config.AutoStartSetting.Wait = 3
	f.o.SetContents(ctx, []model.Definition{slow, tour("fast", model.PriorityLow)})

	assert.Nil(t, f.o.ActiveTour())
	f.o.Monitor(ctx)
	fast, _ := f.o.Item("fast")
	assert.False(t, fast.IsStarted(), "slot is claimed while the delay runs")

	f.clk.Advance(3 * time.Second)
	require.NotNil(t, f.o.ActiveTour())
	assert.Equal(t, "slow", f.o.ActiveTour().ContentID())
}
