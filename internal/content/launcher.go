package content

import (
	"context"
	"time"

	"guidance-engine/internal/clock"
	"guidance-engine/internal/env"
	"guidance-engine/internal/locator"
	"guidance-engine/internal/model"
)

// DismissDelay is how long a launcher configured to dismiss after its
// first activation stays on screen once activated.
const DismissDelay = time.Second

// Launcher attaches a beacon or icon to a page element and runs actions
// when the user activates it.
type Launcher struct {
	*base

	watcher      *locator.Watcher
	anchor       string
	shown        bool
	listening    string
	activated    bool
	tooltipOpen  bool
	dismissTimer clock.Timer
	// search increments on every new element search.
	search int
}

func NewLauncher(def model.Definition, deps Deps) *Launcher {
	l := &Launcher{base: newBase(def, deps)}
	l.self = l
	l.impl = l
	return l
}

func (l *Launcher) data() model.LauncherData {
	if l.def.Launcher == nil {
		return model.LauncherData{}
	}
	return *l.def.Launcher
}

// AutoStart looks for the launcher's element first. The session is only
// acquired once the element shows up.
func (l *Launcher) AutoStart(ctx context.Context, reason string) {
	if l.state == StateDestroyed || l.started {
		return
	}
	l.setState(StateWaitingToStart)
	l.findTarget(ctx)
}

func (l *Launcher) findTarget(ctx context.Context) {
	l.stopWatcher()
	target := l.data().Target
	if target.IsZero() {
		if l.started {
			l.Close(ctx, CloseElementNotFound)
		} else {
			l.setState(StateIdle)
		}
		return
	}
	l.search++
	search := l.search
	w := locator.New(l.deps.Page, l.deps.Clock, target, l.watcherOptions(l.data().TargetMissingSeconds))
	l.watcher = w

	w.On(locator.EventFound, func(e locator.Event) {
		l.post(func() {
			if l.search != search || l.state == StateDestroyed {
				return
			}
			l.found(l.ctx, e.Element)
		})
	})
	w.On(locator.EventFoundTimeout, func(locator.Event) {
		l.post(func() {
			if l.search != search || l.state == StateDestroyed {
				return
			}
			l.missing()
		})
	})
	w.FindElement()
}

func (l *Launcher) found(ctx context.Context, el env.Element) {
	l.anchor = el.Key()
	if !l.started {
		l.activate(ctx, ReasonLauncherSeen, StartOptions{})
		if !l.started {
			return
		}
	}
	l.shown = true
	l.listen(ctx, el)
	l.applyVisibility()
}

// missing hides the launcher; an unstarted one becomes eligible again.
func (l *Launcher) missing() {
	l.shown = false
	l.anchor = ""
	if !l.started {
		l.setState(StateIdle)
		return
	}
	l.applyVisibility()
}

func (l *Launcher) listen(ctx context.Context, el env.Element) {
	if l.listening == el.Key() {
		return
	}
	event := env.EventClick
	if l.data().TriggerEvent == "hover" || l.data().TriggerEvent == env.EventMouseOver {
		event = env.EventMouseOver
	}
	err := el.On(ctx, event, func() {
		l.post(func() { l.Activate(l.ctx) })
	})
	if err != nil {
		l.log.Warn().Err(err).Str("event", event).Msg("install activation listener")
		return
	}
	l.listening = el.Key()
}

// Activate handles a user activation of the launcher.
func (l *Launcher) Activate(ctx context.Context) {
	if !l.started || l.state == StateDestroyed || l.dismissed {
		return
	}
	l.report(ctx, model.EventLauncherActivated, nil)
	l.activated = true
	d := l.data()
	switch d.ActionType {
	case model.LauncherPerformAction:
		l.runActions(ctx, d.Actions)
	default:
		l.tooltipOpen = !l.tooltipOpen
	}
	if l.state == StateDestroyed {
		return
	}
	if d.DismissAfterFirstActivation && l.dismissTimer == nil {
		gen := l.gen
		l.dismissTimer = l.deps.Clock.AfterFunc(DismissDelay, func() {
			l.post(func() {
				if l.gen != gen {
					return
				}
				l.Close(l.ctx, CloseLauncherDismissed)
			})
		})
	}
	l.render()
}

func (l *Launcher) show(ctx context.Context, _ StartOptions) error {
	if l.watcher != nil && l.watcher.Element() != nil {
		return nil
	}
	// Started without a search, e.g. from the API.
	l.findTarget(ctx)
	return nil
}

func (l *Launcher) evaluate(ctx context.Context) any {
	if l.watcher == nil || l.anchor == "" {
		return l.shown
	}
	return l.watcher.CheckVisibility(ctx)
}

func (l *Launcher) apply(ctx context.Context, v any) {
	if l.watcher != nil && l.watcher.IsTimeout() {
		// Lost after being found: hide and look for it again.
		l.shown = false
		l.anchor = ""
		l.listening = ""
		l.findTarget(ctx)
		return
	}
	if l.anchor != "" {
		l.shown = v.(bool)
	}
}

func (l *Launcher) visible() bool { return l.shown }

func (l *Launcher) view(s *Snapshot) {
	s.Launcher = &LauncherView{
		Anchor:      l.anchor,
		Activated:   l.activated,
		TooltipOpen: l.tooltipOpen,
	}
}

// refresh searches again when the target moved in the new version.
func (l *Launcher) refresh(ctx context.Context, prev model.Definition) {
	var before env.Target
	if prev.Launcher != nil {
		before = prev.Launcher.Target
	}
	if l.watcher == nil || sameTarget(before, l.data().Target) {
		return
	}
	l.anchor = ""
	l.shown = false
	l.listening = ""
	if l.started || l.state == StateWaitingToStart {
		l.findTarget(ctx)
	}
}

func sameTarget(a, b env.Target) bool {
	if a.Content != b.Content || a.Sequence != b.Sequence || len(a.Selectors) != len(b.Selectors) {
		return false
	}
	for i := range a.Selectors {
		if a.Selectors[i] != b.Selectors[i] {
			return false
		}
	}
	return true
}

func (l *Launcher) stopWatcher() {
	if l.watcher != nil {
		l.watcher.Destroy()
		l.watcher = nil
	}
}

func (l *Launcher) reset() {
	l.stopWatcher()
	l.anchor = ""
	l.shown = false
	l.listening = ""
}

func (l *Launcher) teardown() {
	l.search++
	l.stopWatcher()
	if l.dismissTimer != nil {
		l.dismissTimer.Stop()
		l.dismissTimer = nil
	}
}

func (l *Launcher) startEvent() model.EventName { return model.EventLauncherSeen }
func (l *Launcher) endEvent() model.EventName   { return model.EventLauncherDismissed }

func (l *Launcher) handleAction(context.Context, model.Action) bool { return false }
