// Package rules evaluates condition trees against the live page.
//
// Evaluate returns a copy of the tree with Actived filled in for every node;
// IsSatisfied folds an annotated tree into a single answer. Most leaf kinds
// are pure functions of the page, but element-clicked and text-fill leaves
// keep per-element state between passes, so repeated evaluation of those is
// not idempotent. That state lives in the Engine. A Scope records which
// element keys an owner touched and drops them on Release; Forget, Reset
// and Close drop state directly.
package rules

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"guidance-engine/internal/clock"
	"guidance-engine/internal/env"
	"guidance-engine/internal/observability"
)

// DefaultFillPause is how long a text field must stay unchanged after an
// edit before a text-fill condition is satisfied.
const DefaultFillPause = time.Second

// Overrides forces leaves of the given kinds to a value for one pass.
type Overrides map[Kind]bool

type Options struct {
	Page   env.Page
	Clock  clock.Clock
	Logger *zerolog.Logger
	// Attributes returns the current user's attributes for user-attr
	// expressions. Nil leaves user-attr leaves to the server.
	Attributes func() map[string]any
	FillPause  time.Duration
}

// Engine evaluates rule trees. It is safe for concurrent use.
type Engine struct {
	page      env.Page
	clock     clock.Clock
	log       zerolog.Logger
	attrs     func() map[string]any
	fillPause time.Duration
	cel       *celEvaluator

	// listeners live until Close.
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	clicks map[string]*clickState
	fills  map[string]*fillState
	owners map[*Scope]map[string]struct{}
}

func New(opts Options) *Engine {
	lg := log.Logger
	if opts.Logger != nil {
		lg = *opts.Logger
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	if opts.FillPause <= 0 {
		opts.FillPause = DefaultFillPause
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		page:      opts.Page,
		clock:     opts.Clock,
		log:       lg.With().Str("component", "rules").Logger(),
		attrs:     opts.Attributes,
		fillPause: opts.FillPause,
		cel:       newCELEvaluator(),
		ctx:       ctx,
		cancel:    cancel,
		clicks:    map[string]*clickState{},
		fills:     map[string]*fillState{},
		owners:    map[*Scope]map[string]struct{}{},
	}
}

// Evaluate annotates a copy of conds. Leaves are evaluated concurrently and
// joined before groups are folded, so the result is never half-updated.
func (e *Engine) Evaluate(ctx context.Context, conds []Condition, overrides Overrides) []Condition {
	return e.evaluate(ctx, nil, conds, overrides)
}

func (e *Engine) evaluate(ctx context.Context, s *Scope, conds []Condition, overrides Overrides) []Condition {
	out := Clone(conds)

	var leaves []*Condition
	Walk(out, func(c *Condition) {
		if c.Type != KindGroup {
			leaves = append(leaves, c)
		}
	})

	g, gctx := errgroup.WithContext(ctx)
	for _, c := range leaves {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			c.Actived = e.leaf(gctx, s, c, overrides)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		e.log.Debug().Err(err).Msg("evaluation cancelled")
	}

	foldGroups(out)
	return out
}

// Satisfied evaluates conds and reports whether the result holds.
func (e *Engine) Satisfied(ctx context.Context, conds []Condition, overrides Overrides) bool {
	return IsSatisfied(e.Evaluate(ctx, conds, overrides))
}

// IsSatisfied AND-combines the top level of an annotated tree. Groups are
// recomputed from their children with their own logic. Empty trees and
// empty groups are not satisfied.
func IsSatisfied(conds []Condition) bool {
	if len(conds) == 0 {
		return false
	}
	for _, c := range conds {
		if !nodeActive(c) {
			return false
		}
	}
	return true
}

func nodeActive(c Condition) bool {
	if c.Type != KindGroup {
		return c.Actived
	}
	if len(c.Conditions) == 0 {
		return false
	}
	if c.Logic == LogicOr {
		for _, ch := range c.Conditions {
			if nodeActive(ch) {
				return true
			}
		}
		return false
	}
	for _, ch := range c.Conditions {
		if !nodeActive(ch) {
			return false
		}
	}
	return true
}

func foldGroups(conds []Condition) {
	for i := range conds {
		if conds[i].Type == KindGroup {
			foldGroups(conds[i].Conditions)
			conds[i].Actived = nodeActive(conds[i])
		}
	}
}

func (e *Engine) leaf(ctx context.Context, s *Scope, c *Condition, overrides Overrides) bool {
	observability.RuleEvaluations.WithLabelValues(string(c.Type)).Inc()
	if v, ok := overrides[c.Type]; ok {
		return v
	}

	switch c.Type {
	case KindCurrentPage:
		if c.Page == nil {
			return false
		}
		url, err := e.currentURL(ctx)
		if err != nil {
			e.log.Debug().Err(err).Msg("current url")
			return false
		}
		return MatchURL(url, c.Page.Includes, c.Page.Excludes)
	case KindTime:
		if c.Time == nil {
			return false
		}
		return MatchTime(e.clock.Now(), *c.Time)
	case KindElement:
		if c.Element == nil {
			return false
		}
		return e.element(ctx, s, *c.Element)
	case KindTextInput:
		if c.TextInput == nil {
			return false
		}
		return e.textInput(ctx, *c.TextInput)
	case KindTextFill:
		if c.TextFill == nil {
			return false
		}
		return e.textFill(ctx, s, *c.TextFill)
	case KindUserAttr:
		if c.Attr == nil || c.Attr.Expr == "" || e.attrs == nil {
			return c.Actived
		}
		ok, err := e.cel.eval(c.Attr.Expr, e.attrs())
		if err != nil {
			e.log.Debug().Err(err).Str("expr", c.Attr.Expr).Msg("user-attr expression; keeping server value")
			return c.Actived
		}
		return ok
	case KindSegment, KindContent, KindEvent, KindTaskClicked:
		return c.Actived
	case KindGroup:
		return nodeActive(*c)
	default:
		e.log.Debug().Str("type", string(c.Type)).Bool("actived", c.Actived).Msg("unmodeled condition kind; keeping last value")
		return c.Actived
	}
}

func (e *Engine) currentURL(ctx context.Context) (string, error) {
	if e.page == nil {
		return "", errNoPage
	}
	return e.page.CurrentURL(ctx)
}

func (e *Engine) find(ctx context.Context, t env.Target) (env.Element, error) {
	if e.page == nil {
		return nil, errNoPage
	}
	return e.page.Find(ctx, t)
}

// Forget drops the click and text-fill state kept for the given element keys.
func (e *Engine) Forget(keys ...string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, k := range keys {
		e.dropLocked(k)
		for _, set := range e.owners {
			delete(set, k)
		}
	}
}

// Reset drops all per-element state.
func (e *Engine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, st := range e.clicks {
		st.stop()
	}
	e.clicks = map[string]*clickState{}
	e.fills = map[string]*fillState{}
	e.owners = map[*Scope]map[string]struct{}{}
}

// Tracked returns how many elements currently carry click or fill state.
func (e *Engine) Tracked() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.clicks) + len(e.fills)
}

// Close stops installed page listeners and drops all per-element state.
func (e *Engine) Close() {
	e.cancel()
	e.Reset()
}

func (e *Engine) dropLocked(key string) {
	if st, ok := e.clicks[key]; ok {
		st.stop()
		delete(e.clicks, key)
	}
	delete(e.fills, key)
}

// retainLocked records that s uses key. It reports false once s has been
// released; callers then evaluate without keeping state.
func (e *Engine) retainLocked(s *Scope, key string) bool {
	if s == nil {
		return true
	}
	if s.released {
		return false
	}
	set, ok := e.owners[s]
	if !ok {
		set = map[string]struct{}{}
		e.owners[s] = set
	}
	set[key] = struct{}{}
	return true
}

// Scope evaluates on behalf of one owner, such as a content item, and
// remembers the element keys whose state it created or read.
type Scope struct {
	e        *Engine
	released bool
}

func (e *Engine) Scope() *Scope { return &Scope{e: e} }

func (s *Scope) Evaluate(ctx context.Context, conds []Condition, overrides Overrides) []Condition {
	return s.e.evaluate(ctx, s, conds, overrides)
}

func (s *Scope) Satisfied(ctx context.Context, conds []Condition, overrides Overrides) bool {
	return IsSatisfied(s.Evaluate(ctx, conds, overrides))
}

// Release drops the state of every key s touched that no other live scope
// still uses. Evaluations through s afterwards keep no state. Release is
// idempotent.
func (s *Scope) Release() {
	if s == nil || s.e == nil {
		return
	}
	e := s.e
	e.mu.Lock()
	defer e.mu.Unlock()
	if s.released {
		return
	}
	s.released = true
	keys := e.owners[s]
	delete(e.owners, s)
	for k := range keys {
		if !e.sharedLocked(k) {
			e.dropLocked(k)
		}
	}
}

func (e *Engine) sharedLocked(key string) bool {
	for _, set := range e.owners {
		if _, ok := set[key]; ok {
			return true
		}
	}
	return false
}
