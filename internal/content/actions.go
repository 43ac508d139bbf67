package content

import (
	"context"
	"fmt"

	"guidance-engine/internal/env"
	"guidance-engine/internal/model"
)

// runActions executes actions in order. A failing or panicking action is
// logged and the rest still run.
func (b *base) runActions(ctx context.Context, actions []model.Action) {
	for _, a := range actions {
		if b.state == StateDestroyed {
			return
		}
		if err := b.runAction(ctx, a); err != nil {
			b.log.Warn().Err(err).Str("action", string(a.Type)).Msg("action failed")
		}
	}
}

func (b *base) runAction(ctx context.Context, a model.Action) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	if b.impl.handleAction(ctx, a) {
		return nil
	}
	switch a.Type {
	case model.ActionFlowDismiss, model.ActionChecklistDismiss, model.ActionLauncherDismiss:
		b.Close(ctx, CloseAction)
		return nil
	case model.ActionFlowStart:
		if b.deps.Host == nil {
			return fmt.Errorf("flow-start %s: no host", a.Data.ContentID)
		}
		return b.deps.Host.StartContent(ctx, a.Data.ContentID, ReasonAction, StartOptions{
			StepCvid: a.Data.StepCvid,
			Preempt:  true,
		})
	case model.ActionPageNavigate:
		s, ok := b.deps.Page.(env.Scripter)
		if !ok {
			return env.ErrUnsupported
		}
		return s.Navigate(ctx, a.Data.URL)
	case model.ActionScript:
		s, ok := b.deps.Page.(env.Scripter)
		if !ok {
			return env.ErrUnsupported
		}
		return s.Evaluate(ctx, a.Data.Script)
	case model.ActionStepGoto:
		return fmt.Errorf("step-goto outside a tour")
	default:
		return fmt.Errorf("unknown action %q", a.Type)
	}
}
