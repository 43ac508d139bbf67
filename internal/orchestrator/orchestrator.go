// Package orchestrator owns the live content items for one user on one
// page. It turns server content lists into items, decides which of them
// may auto start and enforces the exclusive tour and checklist slots.
//
// Item state is owned by the scheduler loop. SetContents, Monitor,
// Activate, StartContent, Close and the accessors must run there; Init,
// Identify and Group may be called from anywhere and hand their results to
// the loop through the post function.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"guidance-engine/internal/cache"
	"guidance-engine/internal/clock"
	"guidance-engine/internal/content"
	"guidance-engine/internal/env"
	"guidance-engine/internal/locator"
	"guidance-engine/internal/model"
	"guidance-engine/internal/rules"
	"guidance-engine/internal/scheduler"
	"guidance-engine/internal/session"
	"guidance-engine/internal/transport"
)

const anonymousIDKey = "anonymous-id"

var (
	ErrNoEnvironment = errors.New("orchestrator: no page environment")
	ErrNotFound      = errors.New("orchestrator: content not found")
	ErrSlotBusy      = errors.New("orchestrator: another content holds the slot")
	ErrWrongType     = errors.New("orchestrator: wrong content type")
)

type Options struct {
	Page      env.Page
	Storage   env.Storage
	Transport transport.Transport
	Clock     clock.Clock
	// Post hands work to the scheduler loop. Nil runs it inline.
	Post          func(fn func())
	Watcher       locator.Options
	SessionExpiry time.Duration
	ZIndex        int
	Logger        *zerolog.Logger
}

type Orchestrator struct {
	page      env.Page
	storage   env.Storage
	transport transport.Transport
	clock     clock.Clock
	post      func(fn func())
	watcher   locator.Options
	zIndex    int
	log       zerolog.Logger
	logger    *zerolog.Logger

	rules    *rules.Engine
	sessions *session.Coordinator

	ctx    context.Context
	cancel context.CancelFunc

	user   cache.Snapshot[model.User]
	themes cache.Snapshot[map[string]model.Theme]

	// Loop-owned.
	items           map[string]content.Item
	order           []string
	latest          map[string]model.Definition
	activeTour      content.Item
	activeChecklist *content.Checklist
	// restoreChecklist records whether the checklist was expanded when the
	// active tour collapsed it.
	restoreChecklist bool
	// replacing is set while a tour is closed to make room for another, so
	// the checklist stays collapsed across the swap.
	replacing bool
}

func New(opts Options) *Orchestrator {
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	lg := log.Logger
	if opts.Logger != nil {
		lg = *opts.Logger
	}
	o := &Orchestrator{
		page:      opts.Page,
		storage:   opts.Storage,
		transport: opts.Transport,
		clock:     opts.Clock,
		post:      opts.Post,
		watcher:   opts.Watcher,
		zIndex:    opts.ZIndex,
		log:       lg.With().Str("component", "orchestrator").Logger(),
		logger:    opts.Logger,
		items:     map[string]content.Item{},
		latest:    map[string]model.Definition{},
	}
	o.ctx, o.cancel = context.WithCancel(context.Background())
	o.rules = rules.New(rules.Options{
		Page:       opts.Page,
		Clock:      opts.Clock,
		Logger:     opts.Logger,
		Attributes: func() map[string]any { return o.user.Load().Attributes },
	})
	o.sessions = session.NewCoordinator(opts.Transport, session.Options{
		Expiry: opts.SessionExpiry,
		Clock:  opts.Clock,
		Logger: opts.Logger,
	})
	o.themes.Store(map[string]model.Theme{})
	return o
}

func (o *Orchestrator) runOnLoop(fn func()) {
	if o.post != nil {
		o.post(fn)
		return
	}
	fn()
}

// Init identifies the visitor anonymously, reusing the id kept in storage,
// and loads their content.
func (o *Orchestrator) Init(ctx context.Context) error {
	if o.page == nil {
		return ErrNoEnvironment
	}
	id, err := o.anonymousID(ctx)
	if err != nil {
		return err
	}
	return o.Identify(ctx, model.User{ID: id, Anonymous: true})
}

func (o *Orchestrator) anonymousID(ctx context.Context) (string, error) {
	if o.storage != nil {
		id, ok, err := o.storage.Get(ctx, anonymousIDKey)
		if err != nil {
			return "", fmt.Errorf("load anonymous id: %w", err)
		}
		if ok && id != "" {
			return id, nil
		}
	}
	id := uuid.NewString()
	if o.storage != nil {
		if err := o.storage.Set(ctx, anonymousIDKey, id); err != nil {
			return "", fmt.Errorf("save anonymous id: %w", err)
		}
	}
	return id, nil
}

// Identify upserts u and reloads everything it can see.
func (o *Orchestrator) Identify(ctx context.Context, u model.User) error {
	if o.page == nil {
		return ErrNoEnvironment
	}
	if u.ID == "" {
		return errors.New("orchestrator: empty user id")
	}
	if err := o.transport.UpsertUser(ctx, u); err != nil {
		return fmt.Errorf("upsert user %s: %w", u.ID, err)
	}
	o.user.Store(u)
	o.log.Info().Str("user_id", u.ID).Bool("anonymous", u.Anonymous).Msg("user identified")
	return o.Reload(ctx)
}

// Group attaches the current user to a company and reloads.
func (o *Orchestrator) Group(ctx context.Context, companyID string, attrs map[string]any) error {
	if o.page == nil {
		return ErrNoEnvironment
	}
	u := o.user.Load()
	if u.ID == "" {
		return errors.New("orchestrator: group before identify")
	}
	err := o.transport.UpsertCompany(ctx, model.Company{ID: companyID, UserID: u.ID, Attributes: attrs})
	if err != nil {
		return fmt.Errorf("upsert company %s: %w", companyID, err)
	}
	return o.Reload(ctx)
}

// Reload fetches contents and themes and applies them on the loop.
func (o *Orchestrator) Reload(ctx context.Context) error {
	u := o.user.Load()
	defs, err := o.transport.ListContents(ctx, u.ID)
	if err != nil {
		return fmt.Errorf("list contents: %w", err)
	}
	themes, err := o.transport.ListThemes(ctx)
	if err != nil {
		o.log.Warn().Err(err).Msg("list themes")
	} else {
		o.SetThemes(themes)
	}
	o.runOnLoop(func() { o.SetContents(o.ctx, defs) })
	return nil
}

func (o *Orchestrator) SetThemes(themes []model.Theme) {
	m := make(map[string]model.Theme, len(themes))
	for _, th := range themes {
		m[th.ID] = th
		if th.IsDefault {
			m[""] = th
		}
	}
	o.themes.Store(m)
}

// SetContents reconciles items with the server list: new content gets an
// item, changed versions are refreshed in place and missing content is
// destroyed. Auto starts are then arbitrated.
func (o *Orchestrator) SetContents(ctx context.Context, defs []model.Definition) {
	seen := make(map[string]bool, len(defs))
	order := make([]string, 0, len(defs))
	latest := make(map[string]model.Definition, len(defs))
	for _, d := range defs {
		if d.ContentID == "" || seen[d.ContentID] {
			continue
		}
		seen[d.ContentID] = true
		order = append(order, d.ContentID)
		latest[d.ContentID] = d
	}
	o.order = order
	o.latest = latest

	for id, it := range o.items {
		if !seen[id] {
			o.log.Info().Str("content_id", id).Msg("content removed")
			it.Destroy()
			delete(o.items, id)
		}
	}
	for _, id := range order {
		d := latest[id]
		it, ok := o.items[id]
		if !ok {
			if it = o.newItem(d); it != nil {
				o.items[id] = it
			}
			continue
		}
		if !it.GetContent().Equal(d) {
			it.SetContent(d)
			it.Refresh(ctx)
		}
	}
	o.arbitrate(ctx)
}

func (o *Orchestrator) newItem(d model.Definition) content.Item {
	deps := content.Deps{
		Rules:     o.rules,
		Page:      o.page,
		Clock:     o.clock,
		Sessions:  o.sessions,
		Transport: o.transport,
		Storage:   o.storage,
		Host:      o,
		Post:      o.post,
		Watcher:   o.watcher,
		ZIndex:    o.zIndex,
		Logger:    o.logger,
	}
	switch d.Type {
	case model.TypeTour:
		return content.NewTour(d, deps)
	case model.TypeChecklist:
		return content.NewChecklist(d, deps)
	case model.TypeLauncher:
		return content.NewLauncher(d, deps)
	default:
		o.log.Warn().Str("content_id", d.ContentID).Str("type", string(d.Type)).Msg("unknown content type")
		return nil
	}
}

// Monitor runs the auto-start pass once per tick.
func (o *Orchestrator) Monitor(ctx context.Context) {
	o.arbitrate(ctx)
	o.checkSingleTour()
}

// arbitrate starts eligible content, highest priority first and in list
// order within a priority. Tours and checklists only start into a free
// slot; launchers always may.
func (o *Orchestrator) arbitrate(ctx context.Context) {
	var eligible []content.Item
	for _, id := range o.order {
		it, ok := o.items[id]
		if !ok {
			continue
		}
		if it.Type() != model.TypeLauncher && o.slotBusy(it.Type()) {
			continue
		}
		if it.CanAutoStart(ctx) {
			eligible = append(eligible, it)
		}
	}
	sort.SliceStable(eligible, func(i, j int) bool {
		return eligible[i].Priority().Rank() < eligible[j].Priority().Rank()
	})
	for _, it := range eligible {
		if _, ok := o.items[it.ContentID()]; !ok {
			continue
		}
		if it.Type() != model.TypeLauncher && o.slotBusy(it.Type()) {
			continue
		}
		it.AutoStart(ctx, content.ReasonAutoStart)
	}
}

// slotBusy reports whether t's exclusive slot is held or being claimed by
// an item waiting out its start delay.
func (o *Orchestrator) slotBusy(t model.ContentType) bool {
	switch t {
	case model.TypeTour:
		if o.activeTour != nil {
			return true
		}
	case model.TypeChecklist:
		if o.activeChecklist != nil {
			return true
		}
	default:
		return false
	}
	for _, it := range o.items {
		if it.Type() == t && it.State() == content.StateWaitingToStart {
			return true
		}
	}
	return false
}

func (o *Orchestrator) checkSingleTour() {
	if n := o.VisibleTours(); n > 1 {
		o.log.Error().Int("visible_tours", n).Msg("more than one tour visible")
	}
}

// VisibleTours counts tours currently on screen.
func (o *Orchestrator) VisibleTours() int {
	n := 0
	for _, it := range o.items {
		if it.Type() == model.TypeTour && it.State() == content.StateVisible {
			n++
		}
	}
	return n
}

// Activate starts it after settling its slot. Without Preempt a held slot
// is left alone and ErrSlotBusy returned.
func (o *Orchestrator) Activate(ctx context.Context, it content.Item, reason string, opts content.StartOptions) error {
	switch it.Type() {
	case model.TypeTour:
		handover := false
		if cur := o.activeTour; cur != nil && cur != it {
			if !opts.Preempt {
				return ErrSlotBusy
			}
			o.replacing = true
			cur.Close(ctx, content.CloseReplaced)
			o.replacing = false
			handover = o.activeTour == nil
		}
		err := it.Start(ctx, reason, opts)
		if err != nil || !it.IsStarted() || it.State() == content.StateDestroyed {
			if handover && o.activeTour == nil {
				o.tourEnded()
			}
			return err
		}
		if o.activeTour != it {
			o.activeTour = it
			o.collapseChecklist(ctx)
		}
		o.checkSingleTour()
		return nil

	case model.TypeChecklist:
		cl, ok := it.(*content.Checklist)
		if !ok {
			return ErrWrongType
		}
		if cur := o.activeChecklist; cur != nil && cur != cl {
			if !opts.Preempt {
				return ErrSlotBusy
			}
			cur.Close(ctx, content.CloseReplaced)
		}
		if err := cl.Start(ctx, reason, opts); err != nil {
			return err
		}
		if !cl.IsStarted() || cl.State() == content.StateDestroyed {
			return nil
		}
		o.activeChecklist = cl
		if o.activeTour != nil {
			o.collapseChecklist(ctx)
		}
		return nil

	default:
		return it.Start(ctx, reason, opts)
	}
}

// collapseChecklist folds the checklist away while a tour runs and
// remembers whether to bring it back. A checklist the previous tour already
// collapsed is left as is.
func (o *Orchestrator) collapseChecklist(ctx context.Context) {
	cl := o.activeChecklist
	if cl == nil || !cl.Expanded() {
		return
	}
	o.restoreChecklist = true
	cl.Expand(ctx, false)
}

// tourEnded brings the checklist back once no tour holds the slot.
func (o *Orchestrator) tourEnded() {
	if cl := o.activeChecklist; cl != nil && (o.restoreChecklist || cl.HasUnackedTasks()) {
		cl.Expand(o.ctx, true)
	}
	o.restoreChecklist = false
}

// StartContent starts contentID explicitly, closing a different active
// tour or checklist first.
func (o *Orchestrator) StartContent(ctx context.Context, contentID, reason string, opts content.StartOptions) error {
	it, ok := o.items[contentID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, contentID)
	}
	opts.Preempt = true
	return o.Activate(ctx, it, reason, opts)
}

// Close ends contentID as if the user dismissed it.
func (o *Orchestrator) Close(ctx context.Context, contentID string, reason content.CloseReason) error {
	it, ok := o.items[contentID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, contentID)
	}
	if !it.IsStarted() {
		return content.ErrNotStarted
	}
	it.Close(ctx, reason)
	return nil
}

// ClickChecklistItem forwards a task click to checklist contentID.
func (o *Orchestrator) ClickChecklistItem(ctx context.Context, contentID, itemID string) error {
	it, ok := o.items[contentID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, contentID)
	}
	cl, ok := it.(*content.Checklist)
	if !ok {
		return ErrWrongType
	}
	return cl.HandleItemClick(ctx, itemID)
}

// ExpandChecklist opens or collapses checklist contentID.
func (o *Orchestrator) ExpandChecklist(ctx context.Context, contentID string, expanded bool) error {
	it, ok := o.items[contentID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, contentID)
	}
	cl, ok := it.(*content.Checklist)
	if !ok {
		return ErrWrongType
	}
	if !cl.IsStarted() {
		return content.ErrNotStarted
	}
	cl.Expand(ctx, expanded)
	return nil
}

// ActivateLauncher acts as if the user clicked launcher contentID.
func (o *Orchestrator) ActivateLauncher(ctx context.Context, contentID string) error {
	it, ok := o.items[contentID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, contentID)
	}
	l, ok := it.(*content.Launcher)
	if !ok {
		return ErrWrongType
	}
	if !l.IsStarted() {
		return content.ErrNotStarted
	}
	l.Activate(ctx)
	return nil
}

// Released is called by an item as it is destroyed.
func (o *Orchestrator) Released(it content.Item, reason content.CloseReason) {
	if cur, ok := o.items[it.ContentID()]; ok && cur == it {
		delete(o.items, it.ContentID())
	}
	if o.activeTour == it {
		o.activeTour = nil
		if !o.replacing {
			o.tourEnded()
		}
	}
	if cl, ok := it.(*content.Checklist); ok && o.activeChecklist == cl {
		o.activeChecklist = nil
		o.restoreChecklist = false
	}
	o.log.Debug().Str("content_id", it.ContentID()).Str("reason", string(reason)).Msg("content released")
}

func (o *Orchestrator) Latest(contentID string) (model.Definition, bool) {
	d, ok := o.latest[contentID]
	return d, ok
}

func (o *Orchestrator) User() model.User { return o.user.Load() }

func (o *Orchestrator) Theme(id string) (model.Theme, bool) {
	th, ok := o.themes.Load()[id]
	return th, ok
}

// Item returns the live item for contentID.
func (o *Orchestrator) Item(contentID string) (content.Item, bool) {
	it, ok := o.items[contentID]
	return it, ok
}

// Items lists live items in server order.
func (o *Orchestrator) Items() []content.Item {
	out := make([]content.Item, 0, len(o.items))
	for _, id := range o.order {
		if it, ok := o.items[id]; ok {
			out = append(out, it)
		}
	}
	return out
}

// ActiveTour returns the tour holding the tour slot, if any.
func (o *Orchestrator) ActiveTour() content.Item { return o.activeTour }

// Monitors is the scheduler source: the orchestrator's own pass followed by
// every live item.
func (o *Orchestrator) Monitors() []scheduler.Monitor {
	items := o.Items()
	out := make([]scheduler.Monitor, 0, len(items)+1)
	out = append(out, o)
	for _, it := range items {
		out = append(out, it)
	}
	return out
}

// Shutdown destroys every item. It must run on the loop.
func (o *Orchestrator) Shutdown() {
	for _, it := range o.Items() {
		it.Destroy()
	}
	o.items = map[string]content.Item{}
	o.cancel()
	o.rules.Close()
}
