package rules

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"time"

	"guidance-engine/internal/env"
)

var errNoPage = errors.New("rules: no page")

type clickState struct {
	clicked bool
	cancel  context.CancelFunc
}

func (st *clickState) stop() {
	if st.cancel != nil {
		st.cancel()
	}
}

type fillState struct {
	initial   string
	last      string
	changedAt time.Time
	done      bool
}

func (e *Engine) element(ctx context.Context, s *Scope, d ElementData) bool {
	el, err := e.find(ctx, d.Target)
	if err != nil {
		e.log.Debug().Err(err).Strs("selectors", d.Target.Selectors).Msg("element lookup")
		return false
	}
	switch d.Logic {
	case ElementPresent:
		return el != nil
	case ElementUnpresent:
		return el == nil
	}
	if el == nil {
		return false
	}
	switch d.Logic {
	case ElementDisabled, ElementUndisabled:
		disabled, err := el.Disabled(ctx)
		if err != nil {
			return false
		}
		return disabled == (d.Logic == ElementDisabled)
	case ElementClicked:
		return e.clicked(ctx, s, el)
	case ElementUnclicked:
		return !e.clicked(ctx, s, el)
	default:
		return false
	}
}

// clicked installs one listener per element key and reports whether it has
// fired. The flag never resets for a key while its state is kept.
func (e *Engine) clicked(ctx context.Context, s *Scope, el env.Element) bool {
	key := el.Key()
	e.mu.Lock()
	if !e.retainLocked(s, key) {
		e.mu.Unlock()
		return false
	}
	st, ok := e.clicks[key]
	if ok {
		clicked := st.clicked
		e.mu.Unlock()
		return clicked
	}
	lctx, cancel := context.WithCancel(e.ctx)
	st = &clickState{cancel: cancel}
	e.clicks[key] = st
	e.mu.Unlock()

	err := el.On(lctx, env.EventClick, func() {
		e.mu.Lock()
		st.clicked = true
		e.mu.Unlock()
	})
	if err != nil {
		e.log.Debug().Err(err).Str("element", key).Msg("install click listener")
		cancel()
		e.mu.Lock()
		if e.clicks[key] == st {
			delete(e.clicks, key)
		}
		e.mu.Unlock()
	}
	return false
}

func (e *Engine) textInput(ctx context.Context, d TextInputData) bool {
	el, err := e.find(ctx, d.Target)
	if err != nil || el == nil {
		return false
	}
	v, err := el.Value(ctx)
	if err != nil {
		return false
	}
	return CompareText(d.Logic, v, d.Value)
}

// CompareText applies a text-input operator to the live value v.
func CompareText(logic TextLogic, v, want string) bool {
	switch logic {
	case TextIs:
		return v == want
	case TextNot:
		return v != want
	case TextContains:
		return strings.Contains(v, want)
	case TextNotContain:
		return !strings.Contains(v, want)
	case TextStartsWith:
		return strings.HasPrefix(v, want)
	case TextEndsWith:
		return strings.HasSuffix(v, want)
	case TextMatch, TextUnmatch:
		re, err := regexp.Compile(want)
		if err != nil {
			return false
		}
		return re.MatchString(v) == (logic == TextMatch)
	case TextAny:
		return v != ""
	case TextEmpty:
		return v == ""
	default:
		return false
	}
}

// textFill is satisfied once the value differs from the first value seen and
// has been left alone for fillPause. It stays satisfied afterwards.
func (e *Engine) textFill(ctx context.Context, s *Scope, d TextFillData) bool {
	el, err := e.find(ctx, d.Target)
	if err != nil || el == nil {
		return false
	}
	v, err := el.Value(ctx)
	if err != nil {
		return false
	}
	now := e.clock.Now()
	key := el.Key()

	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.retainLocked(s, key) {
		return false
	}
	st, ok := e.fills[key]
	if !ok {
		e.fills[key] = &fillState{initial: v, last: v}
		return false
	}
	if st.done {
		return true
	}
	if v != st.last {
		st.last = v
		st.changedAt = now
		return false
	}
	if v != st.initial && !st.changedAt.IsZero() && now.Sub(st.changedAt) >= e.fillPause {
		st.done = true
		return true
	}
	return false
}
