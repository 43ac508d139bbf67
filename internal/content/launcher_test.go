package content

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"guidance-engine/internal/env"
	"guidance-engine/internal/model"
)

func launcherDef(data model.LauncherData) model.Definition {
	return model.Definition{
		ID:        "l1-v1",
		ContentID: "l1",
		Type:      model.TypeLauncher,
		Launcher:  &data,
	}
}

func TestLauncher_StartsWhenTargetFound(t *testing.T) {
	h := newHarness(t, "/app/home")
	beacon := h.page.Put("#beacon", env.NewFakeElement("beacon"))
	l := NewLauncher(h.register(launcherDef(model.LauncherData{
		Target:     env.Target{Selectors: []string{"#beacon"}},
		ActionType: model.LauncherPerformAction,
		Actions: []model.Action{
			{Type: model.ActionScript, Data: model.ActionData{Script: "openChat()"}},
		},
		DismissAfterFirstActivation: true,
	})), h.deps)
	ctx := context.Background()

	require.True(t, l.CanAutoStart(ctx))
	l.AutoStart(ctx, ReasonAutoStart)

	assert.True(t, l.IsStarted())
	assert.Equal(t, StateVisible, l.State())
	snap := l.Store().Snapshot()
	assert.True(t, snap.OpenState)
	require.NotNil(t, snap.Launcher)
	assert.Equal(t, "beacon", snap.Launcher.Anchor)
	assert.Equal(t, 1, beacon.Listeners(env.EventClick))

	beacon.Click()
	assert.Equal(t, []string{"openChat()"}, h.page.Evaluated())
	assert.True(t, l.Store().Snapshot().Launcher.Activated)
	assert.Equal(t, StateVisible, l.State())

	h.clk.Advance(DismissDelay)
	assert.Equal(t, StateDestroyed, l.State())
	assert.Equal(t, []model.EventName{
		model.EventLauncherSeen,
		model.EventLauncherActivated,
		model.EventLauncherDismissed,
	}, h.mem.EventNames("l1"))
	assert.Equal(t, []CloseReason{CloseLauncherDismissed}, h.host.released)
}

func TestLauncher_MissingTargetStaysUnstarted(t *testing.T) {
	h := newHarness(t, "/app/home")
	l := NewLauncher(h.register(launcherDef(model.LauncherData{
		Target:               env.Target{Selectors: []string{"#beacon"}},
		TargetMissingSeconds: 3,
	})), h.deps)
	ctx := context.Background()

	l.AutoStart(ctx, ReasonAutoStart)
	assert.Equal(t, StateWaitingToStart, l.State())

	h.clk.Advance(3 * time.Second)
	assert.False(t, l.IsStarted())
	assert.Equal(t, StateIdle, l.State())
	assert.Equal(t, 0, h.mem.SessionCount())
	assert.True(t, l.CanAutoStart(ctx), "eligible again once the search gave up")
}

func TestLauncher_TargetAppearsLater(t *testing.T) {
	h := newHarness(t, "/app/home")
	l := NewLauncher(h.register(launcherDef(model.LauncherData{
		Target:       env.Target{Selectors: []string{"#beacon"}},
		TriggerEvent: "hover",
	})), h.deps)

	l.AutoStart(context.Background(), ReasonAutoStart)
	h.clk.Advance(time.Second)
	assert.False(t, l.IsStarted())

	beacon := h.page.Put("#beacon", env.NewFakeElement("beacon"))
	h.clk.Advance(200 * time.Millisecond)
	require.True(t, l.IsStarted())
	assert.Equal(t, 1, beacon.Listeners(env.EventMouseOver))

	beacon.Hover()
	assert.True(t, l.Store().Snapshot().Launcher.TooltipOpen)
	assert.Contains(t, h.mem.EventNames("l1"), model.EventLauncherActivated)
}

func TestLauncher_HidesWhileTargetHidden(t *testing.T) {
	h := newHarness(t, "/app/home")
	beacon := h.page.Put("#beacon", env.NewFakeElement("beacon"))
	l := NewLauncher(h.register(launcherDef(model.LauncherData{
		Target: env.Target{Selectors: []string{"#beacon"}},
	})), h.deps)
	ctx := context.Background()

	l.AutoStart(ctx, ReasonAutoStart)
	require.True(t, l.IsStarted())

	beacon.SetHidden(true)
	l.Monitor(ctx)
	assert.Equal(t, StateHidden, l.State())
	assert.False(t, l.Store().Snapshot().OpenState)

	beacon.SetHidden(false)
	l.Monitor(ctx)
	assert.Equal(t, StateVisible, l.State())
}
