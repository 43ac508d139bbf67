package content

import (
	"context"
	"strconv"

	"golang.org/x/sync/errgroup"

	"guidance-engine/internal/env"
	"guidance-engine/internal/model"
	"guidance-engine/internal/rules"
)

const expandedKey = "checklist-expanded"

type itemStatus struct {
	clicked   bool
	completed bool
	visible   bool
	// acked is set once the user has seen the item completed.
	acked bool
}

// Checklist shows a list of tasks that complete as their conditions hold.
type Checklist struct {
	*base

	status    map[string]*itemStatus
	expanded  bool
	seen      bool
	completed bool
}

func NewChecklist(def model.Definition, deps Deps) *Checklist {
	c := &Checklist{base: newBase(def, deps), status: map[string]*itemStatus{}}
	c.self = c
	c.impl = c
	c.syncItems()
	return c
}

func (c *Checklist) items() []model.ChecklistItem {
	if c.def.Checklist == nil {
		return nil
	}
	return c.def.Checklist.Items
}

func (c *Checklist) sequential() bool {
	return c.def.Checklist != nil && c.def.Checklist.CompletionOrder == model.CompletionSequential
}

// syncItems keeps status aligned with the current item list. Known items
// keep their status.
func (c *Checklist) syncItems() {
	next := make(map[string]*itemStatus, len(c.items()))
	for _, it := range c.items() {
		st, ok := c.status[it.ID]
		if !ok {
			st = &itemStatus{visible: !it.OnlyShowTask}
		}
		next[it.ID] = st
	}
	c.status = next
}

func (c *Checklist) Expanded() bool { return c.expanded }

// ItemCompleted reports the pinned completion of itemID.
func (c *Checklist) ItemCompleted(itemID string) bool {
	st, ok := c.status[itemID]
	return ok && st.completed
}

// HasUnackedTasks reports completed tasks the user has not seen yet.
func (c *Checklist) HasUnackedTasks() bool {
	for _, st := range c.status {
		if st.completed && !st.acked {
			return true
		}
	}
	return false
}

func (c *Checklist) show(ctx context.Context, _ StartOptions) error {
	c.syncItems()
	for _, d := range c.session.Events(model.EventChecklistTaskCompleted) {
		if id, _ := d["itemId"].(string); id != "" {
			if st, ok := c.status[id]; ok {
				st.completed = true
				st.acked = true
			}
		}
	}
	for _, d := range c.session.Events(model.EventChecklistTaskClicked) {
		if id, _ := d["itemId"].(string); id != "" {
			if st, ok := c.status[id]; ok {
				st.clicked = true
			}
		}
	}
	c.completed = c.session.Has(model.EventChecklistCompleted)

	c.expanded = c.def.Checklist != nil && c.def.Checklist.InitialDisplay == model.DisplayExpanded
	if v, ok := c.loadExpanded(ctx); ok {
		c.expanded = v
	}
	return nil
}

func (c *Checklist) loadExpanded(ctx context.Context) (bool, bool) {
	if c.deps.Storage == nil || c.session == nil {
		return false, false
	}
	v, ok, err := c.deps.Storage.Get(ctx, env.SessionKey(c.session.ID, expandedKey))
	if err != nil {
		c.log.Debug().Err(err).Msg("load expanded state")
		return false, false
	}
	if !ok {
		return false, false
	}
	b, err := strconv.ParseBool(v)
	return b, err == nil
}

func (c *Checklist) saveExpanded(ctx context.Context) {
	if c.deps.Storage == nil || c.session == nil {
		return
	}
	if err := c.deps.Storage.Set(ctx, env.SessionKey(c.session.ID, expandedKey), strconv.FormatBool(c.expanded)); err != nil {
		c.log.Warn().Err(err).Msg("save expanded state")
	}
}

// Expand opens or collapses the checklist. Opening acknowledges completed
// tasks; collapsing reports checklist_hidden only after checklist_seen.
func (c *Checklist) Expand(ctx context.Context, expanded bool) {
	if !c.started || c.state == StateDestroyed || c.expanded == expanded {
		return
	}
	c.expanded = expanded
	c.saveExpanded(ctx)
	if expanded {
		c.markSeen(ctx)
	} else if c.seen {
		c.seen = false
		c.report(ctx, model.EventChecklistHidden, nil)
	}
	c.render()
}

func (c *Checklist) markSeen(ctx context.Context) {
	if !c.expanded || c.state != StateVisible {
		return
	}
	for _, st := range c.status {
		if st.completed {
			st.acked = true
		}
	}
	if !c.seen {
		c.seen = true
		c.report(ctx, model.EventChecklistSeen, nil)
	}
}

// HandleItemClick records a click on itemID and runs its actions.
func (c *Checklist) HandleItemClick(ctx context.Context, itemID string) error {
	if !c.started || c.state == StateDestroyed {
		return ErrNotStarted
	}
	var item *model.ChecklistItem
	for i := range c.items() {
		if c.items()[i].ID == itemID {
			item = &c.items()[i]
			break
		}
	}
	if item == nil {
		return ErrUnknownItem
	}
	c.status[itemID].clicked = true
	c.report(ctx, model.EventChecklistTaskClicked, map[string]any{"itemId": itemID})
	c.runActions(ctx, item.ClickedActions)
	if c.state != StateDestroyed {
		c.render()
	}
	return nil
}

type checklistResult struct {
	complete map[string]bool
	visible  map[string]bool
}

func (c *Checklist) evaluate(ctx context.Context) any {
	items := c.items()
	complete := make([]bool, len(items))
	visible := make([]bool, len(items))

	g, gctx := errgroup.WithContext(ctx)
	for i, it := range items {
		st := c.status[it.ID]
		clicked := st != nil && st.clicked
		if st == nil || !st.completed {
			g.Go(func() error {
				if len(it.CompleteConditions) == 0 {
					complete[i] = clicked
					return nil
				}
				complete[i] = c.rules.Satisfied(gctx, it.CompleteConditions, rules.Overrides{
					rules.KindTaskClicked: clicked,
				})
				return nil
			})
		}
		if it.OnlyShowTask {
			g.Go(func() error {
				visible[i] = c.rules.Satisfied(gctx, it.OnlyShowTaskConditions, nil)
				return nil
			})
		} else {
			visible[i] = true
		}
	}
	_ = g.Wait()

	res := checklistResult{complete: map[string]bool{}, visible: map[string]bool{}}
	for i, it := range items {
		res.complete[it.ID] = complete[i]
		res.visible[it.ID] = visible[i]
	}
	return res
}

// apply pins newly completed items. Under sequential order an item only
// completes once every item before it has.
func (c *Checklist) apply(ctx context.Context, v any) {
	res := v.(checklistResult)
	prevDone := true
	var newly []string
	for _, it := range c.items() {
		st, ok := c.status[it.ID]
		if !ok {
			continue
		}
		if !st.completed && res.complete[it.ID] && (!c.sequential() || prevDone) {
			st.completed = true
			newly = append(newly, it.ID)
		}
		prevDone = prevDone && st.completed
		st.visible = res.visible[it.ID]
	}

	for _, id := range newly {
		c.report(ctx, model.EventChecklistTaskCompleted, map[string]any{"itemId": id})
	}
	if c.allDone() && !c.completed {
		c.completed = true
		c.report(ctx, model.EventChecklistCompleted, nil)
		if c.def.Checklist.AutoDismissChecklist {
			c.Close(ctx, CloseCompleted)
			return
		}
	}
	if !c.hidden {
		// state still reflects the previous pass here.
		c.markSeen(ctx)
	}
}

func (c *Checklist) allDone() bool {
	if len(c.items()) == 0 {
		return false
	}
	for _, it := range c.items() {
		if st := c.status[it.ID]; st == nil || !st.completed {
			return false
		}
	}
	return true
}

func (c *Checklist) visible() bool { return true }

func (c *Checklist) view(s *Snapshot) {
	v := &ChecklistView{Expanded: c.expanded, Completed: c.completed}
	for _, it := range c.items() {
		st := c.status[it.ID]
		if st == nil {
			continue
		}
		v.Items = append(v.Items, ItemView{
			ID:              it.ID,
			Name:            it.Name,
			IsClicked:       st.clicked,
			IsCompleted:     st.completed,
			IsVisible:       st.visible,
			IsShowAnimation: st.completed && !st.acked,
		})
	}
	s.Checklist = v
}

func (c *Checklist) refresh(context.Context, model.Definition) {
	c.syncItems()
}

func (c *Checklist) reset() {
	c.status = map[string]*itemStatus{}
	c.syncItems()
	c.seen = false
	c.completed = false
}

func (c *Checklist) teardown() {}

func (c *Checklist) startEvent() model.EventName { return model.EventChecklistStarted }
func (c *Checklist) endEvent() model.EventName   { return model.EventChecklistDismissed }

func (c *Checklist) handleAction(context.Context, model.Action) bool { return false }
