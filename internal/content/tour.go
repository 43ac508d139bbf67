package content

import (
	"context"
	"reflect"

	"golang.org/x/sync/errgroup"

	"guidance-engine/internal/locator"
	"guidance-engine/internal/model"
)

// Tour walks the user through steps one at a time.
type Tour struct {
	*base

	step     *model.Step
	index    int
	progress float64
	watcher  *locator.Watcher
	anchor   string
	// shown is false until the current step has something on screen.
	shown   bool
	pending []model.StepTrigger
	// entry increments on every step entry so stale trigger results are
	// dropped.
	entry int
}

func NewTour(def model.Definition, deps Deps) *Tour {
	t := &Tour{base: newBase(def, deps)}
	t.self = t
	t.impl = t
	return t
}

// CurrentStep returns the step on screen, if any.
func (t *Tour) CurrentStep() (model.Step, bool) {
	if t.step == nil {
		return model.Step{}, false
	}
	return *t.step, true
}

func (t *Tour) Progress() float64 { return t.progress }

func (t *Tour) show(ctx context.Context, opts StartOptions) error {
	cvid := opts.StepCvid
	if cvid == "" {
		cvid = t.resumeStep()
	}
	if cvid == "" {
		if len(t.def.Steps) == 0 {
			t.Close(ctx, CloseStepNotFound)
			return nil
		}
		cvid = t.def.Steps[0].Cvid
	}
	t.Goto(ctx, cvid)
	return nil
}

// resumeStep returns the last step seen in a reused session.
func (t *Tour) resumeStep() string {
	seen := t.session.Events(model.EventFlowStepSeen)
	for i := len(seen) - 1; i >= 0; i-- {
		cvid, _ := seen[i]["stepCvid"].(string)
		if _, _, ok := t.def.Step(cvid); ok {
			return cvid
		}
	}
	return ""
}

// Goto moves the tour to the step with cvid, closing the tour when no
// such step exists.
func (t *Tour) Goto(ctx context.Context, cvid string) {
	if !t.started || t.state == StateDestroyed {
		return
	}
	step, idx, ok := t.def.Step(cvid)
	if !ok {
		t.log.Warn().Str("step", cvid).Msg("step not found")
		t.Close(ctx, CloseStepNotFound)
		return
	}
	t.leaveStep()
	t.entry++
	t.step = &step
	t.index = idx
	t.progress = float64(idx+1) / float64(len(t.def.Steps))
	t.pending = append([]model.StepTrigger(nil), step.Trigger...)

	switch step.Type {
	case model.StepTooltip:
		t.showPopper(ctx, step)
	case model.StepHidden:
		t.showHidden(ctx)
	default:
		t.showModal(ctx)
	}
	if t.state != StateDestroyed && t.started {
		t.applyVisibility()
	}
}

func (t *Tour) leaveStep() {
	if t.watcher != nil {
		t.watcher.Destroy()
		t.watcher = nil
	}
	t.anchor = ""
	t.shown = false
	t.pending = nil
}

func (t *Tour) showPopper(ctx context.Context, step model.Step) {
	if step.Target == nil || step.Target.IsZero() {
		t.Close(ctx, CloseElementNotFound)
		return
	}
	w := locator.New(t.deps.Page, t.deps.Clock, *step.Target, t.watcherOptions(step.TargetMissingSeconds))
	t.watcher = w
	entry := t.entry

	w.On(locator.EventFound, func(e locator.Event) {
		t.post(func() {
			if t.entry != entry || t.state == StateDestroyed {
				return
			}
			t.anchor = e.Element.Key()
			t.shown = true
			t.stepSeen(t.ctx)
			t.applyVisibility()
		})
	})
	missing := func(locator.Event) {
		t.post(func() {
			if t.entry != entry || t.state == StateDestroyed {
				return
			}
			t.report(t.ctx, model.EventTooltipTargetMissing, map[string]any{"stepCvid": step.Cvid})
			t.Close(t.ctx, CloseTargetMissing)
		})
	}
	w.On(locator.EventFoundTimeout, missing)
	w.On(locator.EventHiddenTimeout, missing)
	w.FindElement()
}

func (t *Tour) showModal(ctx context.Context) {
	t.shown = true
	t.stepSeen(ctx)
}

// showHidden reports the step without putting anything on screen.
func (t *Tour) showHidden(ctx context.Context) {
	t.shown = false
	t.stepSeen(ctx)
}

func (t *Tour) stepSeen(ctx context.Context) {
	t.report(ctx, model.EventFlowStepSeen, map[string]any{
		"stepCvid":  t.step.Cvid,
		"stepIndex": t.index,
		"progress":  t.progress,
	})
	if t.index == len(t.def.Steps)-1 && !t.session.Has(model.EventFlowCompleted) {
		t.report(ctx, model.EventFlowCompleted, map[string]any{"stepCvid": t.step.Cvid})
	}
}

type tourResult struct {
	entry   int
	visible bool
	fired   []bool
}

func (t *Tour) evaluate(ctx context.Context) any {
	res := tourResult{entry: t.entry, visible: t.shown}
	if t.watcher != nil && t.anchor != "" {
		res.visible = t.watcher.CheckVisibility(ctx)
	}

	res.fired = make([]bool, len(t.pending))
	g, gctx := errgroup.WithContext(ctx)
	for i, tr := range t.pending {
		g.Go(func() error {
			res.fired[i] = t.rules.Satisfied(gctx, tr.Conditions, nil)
			return nil
		})
	}
	_ = g.Wait()
	return res
}

func (t *Tour) apply(ctx context.Context, v any) {
	res := v.(tourResult)
	if res.entry != t.entry {
		return
	}
	if t.watcher != nil {
		if t.watcher.IsTimeout() {
			// The hidden-timeout listener closes the tour on the loop.
			return
		}
		if t.anchor != "" {
			t.shown = res.visible
		}
	}

	var fire []model.StepTrigger
	var keep []model.StepTrigger
	for i, tr := range t.pending {
		if i < len(res.fired) && res.fired[i] {
			fire = append(fire, tr)
		} else {
			keep = append(keep, tr)
		}
	}
	t.pending = keep
	for _, tr := range fire {
		entry := t.entry
		t.runActions(ctx, tr.Actions)
		if t.entry != entry || t.state == StateDestroyed {
			return
		}
	}
}

func (t *Tour) visible() bool { return t.step != nil && t.shown }

func (t *Tour) view(s *Snapshot) {
	if t.step == nil {
		return
	}
	s.Tour = &TourView{
		StepCvid: t.step.Cvid,
		StepType: t.step.Type,
		Index:    t.index,
		Total:    len(t.def.Steps),
		Progress: t.progress,
		Anchor:   t.anchor,
	}
}

// refresh re-enters the current step if the new version changed it and
// closes the tour if the step is gone.
func (t *Tour) refresh(ctx context.Context, _ model.Definition) {
	if !t.started || t.step == nil {
		return
	}
	next, idx, ok := t.def.Step(t.step.Cvid)
	if !ok {
		t.Close(ctx, CloseStepNotFound)
		return
	}
	if !reflect.DeepEqual(next, *t.step) || idx != t.index {
		t.Goto(ctx, next.Cvid)
		return
	}
	t.progress = float64(idx+1) / float64(len(t.def.Steps))
}

func (t *Tour) reset() {
	t.leaveStep()
	t.step = nil
	t.index = 0
	t.progress = 0
}

func (t *Tour) teardown() {
	t.leaveStep()
	t.entry++
}

func (t *Tour) startEvent() model.EventName { return model.EventFlowStarted }
func (t *Tour) endEvent() model.EventName   { return model.EventFlowEnded }

func (t *Tour) handleAction(ctx context.Context, a model.Action) bool {
	if a.Type != model.ActionStepGoto {
		return false
	}
	t.Goto(ctx, a.Data.StepCvid)
	return true
}
