// Package content runs the lifecycle shared by tours, checklists and
// launchers: session acquisition, auto start, hide rules, event reporting
// and teardown. Each type adds its own display and monitor steps.
//
// Items are not safe for concurrent use. Every method is called from the
// scheduler loop; continuations that arrive from timers or DOM listeners
// are handed back to it through Deps.Post. Readers on other goroutines use
// Store, which is.
package content

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"guidance-engine/internal/cache"
	"guidance-engine/internal/clock"
	"guidance-engine/internal/env"
	"guidance-engine/internal/locator"
	"guidance-engine/internal/model"
	"guidance-engine/internal/observability"
	"guidance-engine/internal/rules"
	"guidance-engine/internal/session"
	"guidance-engine/internal/transport"
)

type State int

const (
	StateIdle State = iota
	StateWaitingToStart
	StateStarted
	StateVisible
	StateHidden
	StateDismissed
	StateDestroyed
)

func (s State) String() string {
	switch s {
	case StateWaitingToStart:
		return "waiting"
	case StateStarted:
		return "started"
	case StateVisible:
		return "visible"
	case StateHidden:
		return "hidden"
	case StateDismissed:
		return "dismissed"
	case StateDestroyed:
		return "destroyed"
	default:
		return "idle"
	}
}

// CloseReason is reported with the end event.
type CloseReason string

const (
	CloseUser              CloseReason = "user_closed"
	CloseAction            CloseReason = "action"
	CloseCompleted         CloseReason = "completed"
	CloseStepNotFound      CloseReason = "step_not_found"
	CloseElementNotFound   CloseReason = "element_not_found"
	CloseTargetMissing     CloseReason = "tooltip_target_missing"
	CloseContentRemoved    CloseReason = "content_removed"
	CloseReplaced          CloseReason = "other_content_started"
	CloseLauncherDismissed CloseReason = "launcher_dismissed"
)

// Start reasons.
const (
	ReasonAutoStart    = "auto_start"
	ReasonManual       = "start_content"
	ReasonAction       = "action"
	ReasonLauncherSeen = "launcher_seen"
)

var (
	ErrDestroyed   = errors.New("content: item destroyed")
	ErrNotStarted  = errors.New("content: not started")
	ErrUnknownItem = errors.New("content: unknown checklist item")
	// ErrStale means the item changed identity while a start was in flight
	// and the result was discarded.
	ErrStale = errors.New("content: start superseded")
)

type StartOptions struct {
	// StepCvid picks the first tour step. Empty resumes or starts at the top.
	StepCvid string
	ForceNew bool
	// Preempt lets a tour start close the active one instead of yielding.
	Preempt bool
}

// Host is the orchestrator as seen from an item.
type Host interface {
	// Latest returns the newest server definition for contentID.
	Latest(contentID string) (model.Definition, bool)
	// Activate arbitrates exclusive slots and then calls it.Start.
	Activate(ctx context.Context, it Item, reason string, opts StartOptions) error
	// StartContent starts another content item by id.
	StartContent(ctx context.Context, contentID, reason string, opts StartOptions) error
	// Released is called once when an item is destroyed.
	Released(it Item, reason CloseReason)
	User() model.User
	Theme(id string) (model.Theme, bool)
}

// Item is a running instance of one content definition.
type Item interface {
	ContentID() string
	Type() model.ContentType
	Priority() model.Priority
	State() State
	IsStarted() bool
	IsDismissed() bool
	SessionID() string

	GetContent() model.Definition
	SetContent(def model.Definition)
	Refresh(ctx context.Context)

	CanAutoStart(ctx context.Context) bool
	AutoStart(ctx context.Context, reason string)
	Start(ctx context.Context, reason string, opts StartOptions) error
	Monitor(ctx context.Context)
	Close(ctx context.Context, reason CloseReason)
	Destroy()

	Store() *cache.Store[Snapshot]
}

type Deps struct {
	Rules     *rules.Engine
	Page      env.Page
	Clock     clock.Clock
	Sessions  *session.Coordinator
	Transport transport.Transport
	Storage   env.Storage
	Host      Host
	// Post runs fn on the scheduler loop. Nil runs it inline.
	Post    func(fn func())
	Watcher locator.Options
	ZIndex  int
	Logger  *zerolog.Logger
}

// behavior is what a content type plugs into base.
type behavior interface {
	show(ctx context.Context, opts StartOptions) error
	// evaluate runs read-only checks; it may run alongside hide rules.
	evaluate(ctx context.Context) any
	apply(ctx context.Context, res any)
	visible() bool
	view(s *Snapshot)
	refresh(ctx context.Context, prev model.Definition)
	reset()
	teardown()
	startEvent() model.EventName
	endEvent() model.EventName
	handleAction(ctx context.Context, a model.Action) bool
}

type base struct {
	deps Deps
	log  zerolog.Logger
	self Item
	impl behavior

	// ctx lives until Destroy and backs continuations that outlive a call.
	ctx    context.Context
	cancel context.CancelFunc

	def         model.Definition
	prev        model.Definition
	session     *model.Session
	state       State
	started     bool
	dismissed   bool
	hidden      bool
	gen         int
	waitTimer   clock.Timer
	closeReason CloseReason
	store       *cache.Store[Snapshot]
	// rules is this item's view of the shared engine; its element state is
	// dropped on Destroy.
	rules *rules.Scope
}

func newBase(def model.Definition, deps Deps) *base {
	if deps.Clock == nil {
		deps.Clock = clock.Real{}
	}
	lg := log.Logger
	if deps.Logger != nil {
		lg = *deps.Logger
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &base{
		deps: deps,
		log: lg.With().
			Str("component", "content").
			Str("type", string(def.Type)).
			Str("content_id", def.ContentID).
			Logger(),
		ctx:    ctx,
		cancel: cancel,
		def:    def,
		prev:   def,
		store:  cache.NewStore(defaultSnapshot),
		rules:  deps.Rules.Scope(),
	}
}

func (b *base) ContentID() string             { return b.def.ContentID }
func (b *base) Type() model.ContentType       { return b.def.Type }
func (b *base) Priority() model.Priority      { return b.def.Priority() }
func (b *base) State() State                  { return b.state }
func (b *base) IsStarted() bool               { return b.started }
func (b *base) IsDismissed() bool             { return b.dismissed }
func (b *base) GetContent() model.Definition  { return b.def }
func (b *base) Store() *cache.Store[Snapshot] { return b.store }

func (b *base) SessionID() string {
	if b.session == nil {
		return ""
	}
	return b.session.ID
}

// SetContent swaps in a new version. Nothing changes on screen until
// Refresh.
func (b *base) SetContent(def model.Definition) {
	b.prev = b.def
	b.def = def
}

func (b *base) Refresh(ctx context.Context) {
	if b.state == StateDestroyed {
		return
	}
	b.impl.refresh(ctx, b.prev)
	b.prev = b.def
	if b.state != StateDestroyed {
		b.render()
	}
}

// CanAutoStart reports whether the arbiter may auto start the item: it is
// idle, its definition is still the server's newest, the user has not
// already finished it and its auto-start rules hold. Disabled rules mean
// always eligible.
func (b *base) CanAutoStart(ctx context.Context) bool {
	if b.started || b.state != StateIdle {
		return false
	}
	if !b.current() {
		return false
	}
	if b.def.LatestSession.Dismissed() {
		return false
	}
	if !b.def.Config.EnabledAutoStartRules {
		return true
	}
	return b.rules.Satisfied(ctx, b.def.Config.AutoStartRules, nil)
}

// current reports whether the server still lists this version.
func (b *base) current() bool {
	if b.deps.Host == nil {
		return true
	}
	latest, ok := b.deps.Host.Latest(b.def.ContentID)
	return ok && latest.ID == b.def.ID
}

// AutoStart applies the configured wait and then asks the host to start
// the item.
func (b *base) AutoStart(ctx context.Context, reason string) {
	if b.state == StateDestroyed {
		return
	}
	b.impl.reset()
	b.stopWait()
	b.setState(StateWaitingToStart)

	wait := time.Duration(b.def.Config.AutoStartSetting.Wait) * time.Second
	if wait <= 0 {
		b.activate(ctx, reason, StartOptions{})
		return
	}
	gen := b.gen
	b.waitTimer = b.deps.Clock.AfterFunc(wait, func() {
		b.post(func() {
			if b.gen != gen || b.state != StateWaitingToStart {
				return
			}
			b.waitTimer = nil
			b.activate(b.ctx, reason, StartOptions{})
		})
	})
}

func (b *base) activate(ctx context.Context, reason string, opts StartOptions) {
	var err error
	if b.deps.Host != nil {
		err = b.deps.Host.Activate(ctx, b.self, reason, opts)
	} else {
		err = b.self.Start(ctx, reason, opts)
	}
	if err != nil {
		b.log.Debug().Err(err).Str("reason", reason).Msg("auto start")
	}
	if !b.started && b.state == StateWaitingToStart {
		b.setState(StateIdle)
	}
}

// Start acquires a session and shows the item. Without a session nothing
// is shown.
func (b *base) Start(ctx context.Context, reason string, opts StartOptions) error {
	if b.state == StateDestroyed {
		return ErrDestroyed
	}
	gen := b.gen
	sess, reused, err := b.deps.Sessions.Resolve(ctx, session.Request{
		ContentID: b.def.ContentID,
		VersionID: b.def.ID,
		UserID:    b.userID(),
		Reason:    reason,
		StepCvid:  opts.StepCvid,
		Latest:    b.latestSession(),
		ForceNew:  opts.ForceNew,
	})
	if err != nil {
		if b.state == StateWaitingToStart {
			b.setState(StateIdle)
		}
		return fmt.Errorf("start %s: %w", b.def.ContentID, err)
	}
	if b.gen != gen || b.state == StateDestroyed {
		b.log.Debug().Str("session_id", sess.ID).Msg("discarding session for superseded start")
		return ErrStale
	}

	b.stopWait()
	b.session = sess
	b.started = true
	b.dismissed = false
	b.hidden = false
	b.setState(StateStarted)
	if !reused {
		b.report(ctx, b.impl.startEvent(), map[string]any{"reason": reason})
	}
	b.log.Info().Str("session_id", sess.ID).Bool("reused", reused).Str("reason", reason).Msg("content started")

	if err := b.impl.show(ctx, opts); err != nil {
		return err
	}
	if b.state == StateStarted {
		b.applyVisibility()
	}
	return nil
}

// latestSession prefers the session this item already holds over the one
// the server last listed.
func (b *base) latestSession() *model.Session {
	if b.session != nil {
		return b.session
	}
	return b.def.LatestSession
}

// Monitor runs one tick: hide rules and the type's own checks are
// evaluated together, then applied.
func (b *base) Monitor(ctx context.Context) {
	if !b.started || b.state == StateDestroyed || b.state == StateDismissed {
		return
	}
	gen := b.gen

	hideCh := make(chan bool, 1)
	go func() {
		hideCh <- b.def.Config.EnabledHideRules &&
			b.rules.Satisfied(ctx, b.def.Config.HideRules, nil)
	}()
	res := b.impl.evaluate(ctx)
	hidden := <-hideCh

	if b.gen != gen || b.state == StateDestroyed {
		return
	}
	b.hidden = hidden
	b.impl.apply(ctx, res)
	if b.gen != gen || b.state == StateDestroyed || b.state == StateDismissed {
		return
	}
	b.applyVisibility()
}

func (b *base) applyVisibility() {
	if b.hidden || !b.impl.visible() {
		b.setState(StateHidden)
	} else {
		b.setState(StateVisible)
	}
	b.render()
}

// Close ends the session with reason and destroys the item.
func (b *base) Close(ctx context.Context, reason CloseReason) {
	if b.state == StateDestroyed || b.dismissed {
		return
	}
	b.dismissed = true
	b.closeReason = reason
	b.setState(StateDismissed)
	if b.started {
		b.report(ctx, b.impl.endEvent(), map[string]any{"reason": string(reason)})
	}
	b.log.Info().Str("reason", string(reason)).Msg("content closed")
	b.Destroy()
}

// Destroy tears everything down without reporting. It is idempotent.
func (b *base) Destroy() {
	if b.state == StateDestroyed {
		return
	}
	b.gen++
	b.stopWait()
	b.impl.teardown()
	b.setState(StateDestroyed)
	b.cancel()
	b.rules.Release()
	b.store.Reset()
	if b.deps.Host != nil {
		b.deps.Host.Released(b.self, b.closeReason)
	}
}

func (b *base) stopWait() {
	if b.waitTimer != nil {
		b.waitTimer.Stop()
		b.waitTimer = nil
	}
}

func (b *base) setState(s State) {
	if b.state == s {
		return
	}
	b.state = s
	observability.Transitions.WithLabelValues(string(b.def.Type), s.String()).Inc()
}

func (b *base) render() {
	if b.state == StateDestroyed {
		return
	}
	s := Snapshot{
		OpenState: b.started && b.state == StateVisible,
		ContentID: b.def.ContentID,
		Type:      b.def.Type,
		SessionID: b.SessionID(),
		ThemeID:   b.def.ThemeID,
		ZIndex:    b.deps.ZIndex,
		UserID:    b.userID(),
	}
	if b.deps.Host != nil {
		if th, ok := b.deps.Host.Theme(b.def.ThemeID); ok {
			s.ThemeID = th.ID
			s.ThemeSettings = th.Settings
		}
	}
	b.impl.view(&s)
	b.store.Set(s)
}

func (b *base) userID() string {
	if b.deps.Host == nil {
		return ""
	}
	return b.deps.Host.User().ID
}

// report sends a business event for the current session and mirrors it in
// the local copy so later checks see it without a server round-trip.
func (b *base) report(ctx context.Context, name model.EventName, data map[string]any) {
	if b.session == nil {
		return
	}
	b.session.BizEvents = append(b.session.BizEvents, model.BizEvent{
		EventName: name,
		CreatedAt: b.deps.Clock.Now(),
		Data:      data,
	})
	err := b.deps.Transport.TrackEvent(ctx, model.Event{
		SessionID: b.session.ID,
		ContentID: b.def.ContentID,
		Name:      name,
		Data:      data,
	})
	if err != nil {
		b.log.Warn().Err(err).Str("event", string(name)).Msg("report event")
	}
}

func (b *base) post(fn func()) {
	if b.deps.Post != nil {
		b.deps.Post(fn)
		return
	}
	fn()
}

// watcherOptions applies a per-step or per-launcher missing budget over
// the defaults.
func (b *base) watcherOptions(targetMissingSeconds int) locator.Options {
	o := b.deps.Watcher
	if targetMissingSeconds > 0 {
		o.TargetMissing = time.Duration(targetMissingSeconds) * time.Second
	} else if o.TargetMissing == 0 {
		o.TargetMissing = locator.DefaultTargetMissing
	}
	o.Logger = &b.log
	return o
}
