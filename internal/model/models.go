package model

import (
	"reflect"
	"time"

	"guidance-engine/internal/env"
	"guidance-engine/internal/rules"
)

type ContentType string

const (
	TypeTour      ContentType = "flow"
	TypeChecklist ContentType = "checklist"
	TypeLauncher  ContentType = "launcher"
)

// Priority orders competing auto-startable content.
type Priority string

const (
	PriorityHighest Priority = "highest"
	PriorityHigh    Priority = "high"
	PriorityMedium  Priority = "medium"
	PriorityLow     Priority = "low"
	PriorityLowest  Priority = "lowest"
)

// Rank is 0 for highest and grows as priority drops. Unknown values rank
// as medium.
func (p Priority) Rank() int {
	switch p {
	case PriorityHighest:
		return 0
	case PriorityHigh:
		return 1
	case PriorityLow:
		return 3
	case PriorityLowest:
		return 4
	default:
		return 2
	}
}

type AutoStartSetting struct {
	// Wait is a delay in seconds applied before an auto start.
	Wait     int      `json:"wait,omitempty"`
	Priority Priority `json:"priority,omitempty"`
}

type Config struct {
	EnabledAutoStartRules bool              `json:"enabledAutoStartRules"`
	AutoStartRules        []rules.Condition `json:"autoStartRules,omitempty"`
	AutoStartSetting      AutoStartSetting  `json:"autoStartRulesSetting"`
	EnabledHideRules      bool              `json:"enabledHideRules"`
	HideRules             []rules.Condition `json:"hideRules,omitempty"`
}

// Definition is one server-authored version of a tour, checklist or launcher.
// ContentID is stable across versions; ID identifies the version.
type Definition struct {
	ID            string         `json:"id"`
	ContentID     string         `json:"contentId"`
	Name          string         `json:"name,omitempty"`
	Type          ContentType    `json:"type"`
	Steps         []Step         `json:"steps,omitempty"`
	Checklist     *ChecklistData `json:"checklist,omitempty"`
	Launcher      *LauncherData  `json:"launcher,omitempty"`
	Config        Config         `json:"config"`
	ThemeID       string         `json:"themeId,omitempty"`
	LatestSession *Session       `json:"latestSession,omitempty"`
}

func (d Definition) Priority() Priority { return d.Config.AutoStartSetting.Priority }

// Step finds a tour step by cvid.
func (d Definition) Step(cvid string) (Step, int, bool) {
	for i, s := range d.Steps {
		if s.Cvid == cvid {
			return s, i, true
		}
	}
	return Step{}, -1, false
}

// Equal reports structural equality.
func (d Definition) Equal(o Definition) bool { return reflect.DeepEqual(d, o) }

type StepType string

const (
	StepTooltip StepType = "tooltip"
	StepModal   StepType = "modal"
	StepBubble  StepType = "bubble"
	StepHidden  StepType = "hidden"
)

type Step struct {
	ID                   string        `json:"id,omitempty"`
	Cvid                 string        `json:"cvid"`
	Name                 string        `json:"name,omitempty"`
	Type                 StepType      `json:"type"`
	Target               *env.Target   `json:"target,omitempty"`
	TargetMissingSeconds int           `json:"targetMissingSeconds,omitempty"`
	Trigger              []StepTrigger `json:"trigger,omitempty"`
}

// StepTrigger runs Actions once when Conditions hold while its step is current.
type StepTrigger struct {
	ID         string            `json:"id"`
	Conditions []rules.Condition `json:"conditions"`
	Actions    []Action          `json:"actions"`
}

type ActionType string

const (
	ActionStepGoto         ActionType = "step-goto"
	ActionFlowDismiss      ActionType = "flow-dismiss"
	ActionFlowStart        ActionType = "flow-start"
	ActionPageNavigate     ActionType = "page-navigate"
	ActionScript           ActionType = "javascript-evaluate"
	ActionChecklistDismiss ActionType = "checklist-dismiss"
	ActionLauncherDismiss  ActionType = "launcher-dismiss"
)

type Action struct {
	Type ActionType `json:"type"`
	Data ActionData `json:"data,omitempty"`
}

type ActionData struct {
	StepCvid  string `json:"stepCvid,omitempty"`
	ContentID string `json:"contentId,omitempty"`
	URL       string `json:"url,omitempty"`
	Script    string `json:"value,omitempty"`
}

type CompletionOrder string

const (
	CompletionAny        CompletionOrder = "any"
	CompletionSequential CompletionOrder = "sequential"
)

type InitialDisplay string

const (
	DisplayExpanded InitialDisplay = "expanded"
	DisplayButton   InitialDisplay = "button"
)

type ChecklistData struct {
	Items                   []ChecklistItem `json:"items"`
	CompletionOrder         CompletionOrder `json:"completionOrder,omitempty"`
	InitialDisplay          InitialDisplay  `json:"initialDisplay,omitempty"`
	AutoDismissChecklist    bool            `json:"autoDismissChecklist,omitempty"`
	PreventDismissChecklist bool            `json:"preventDismissChecklist,omitempty"`
}

type ChecklistItem struct {
	ID                     string            `json:"id"`
	Name                   string            `json:"name,omitempty"`
	ClickedActions         []Action          `json:"clickedActions,omitempty"`
	CompleteConditions     []rules.Condition `json:"completeConditions,omitempty"`
	OnlyShowTask           bool              `json:"onlyShowTask,omitempty"`
	OnlyShowTaskConditions []rules.Condition `json:"onlyShowTaskConditions,omitempty"`
}

type LauncherActionType string

const (
	LauncherShowTooltip   LauncherActionType = "show-tooltip"
	LauncherPerformAction LauncherActionType = "perform-action"
)

type LauncherData struct {
	Target                      env.Target         `json:"target"`
	TriggerEvent                string             `json:"triggerEvent,omitempty"`
	ActionType                  LauncherActionType `json:"actionType,omitempty"`
	Actions                     []Action           `json:"actions,omitempty"`
	DismissAfterFirstActivation bool               `json:"dismissAfterFirstActivation,omitempty"`
	TargetMissingSeconds        int                `json:"targetMissingSeconds,omitempty"`
}

type EventName string

const (
	EventFlowStarted            EventName = "flow_started"
	EventFlowStepSeen           EventName = "flow_step_seen"
	EventFlowEnded              EventName = "flow_ended"
	EventFlowCompleted          EventName = "flow_completed"
	EventTooltipTargetMissing   EventName = "tooltip_target_missing"
	EventChecklistStarted       EventName = "checklist_started"
	EventChecklistSeen          EventName = "checklist_seen"
	EventChecklistHidden        EventName = "checklist_hidden"
	EventChecklistTaskClicked   EventName = "checklist_task_clicked"
	EventChecklistTaskCompleted EventName = "checklist_task_completed"
	EventChecklistCompleted     EventName = "checklist_completed"
	EventChecklistDismissed     EventName = "checklist_dismissed"
	EventLauncherSeen           EventName = "launcher_seen"
	EventLauncherActivated      EventName = "launcher_activated"
	EventLauncherDismissed      EventName = "launcher_dismissed"
)

// Session is a server-tracked run of one user through one content item.
type Session struct {
	ID        string     `json:"id"`
	ContentID string     `json:"contentId"`
	VersionID string     `json:"versionId"`
	CreatedAt time.Time  `json:"createdAt"`
	BizEvents []BizEvent `json:"bizEvents,omitempty"`
}

type BizEvent struct {
	ID        string         `json:"id,omitempty"`
	EventName EventName      `json:"eventName"`
	CreatedAt time.Time      `json:"createdAt"`
	Data      map[string]any `json:"data,omitempty"`
}

// Has reports whether the session recorded an event named n.
func (s *Session) Has(n EventName) bool {
	if s == nil {
		return false
	}
	for _, e := range s.BizEvents {
		if e.EventName == n {
			return true
		}
	}
	return false
}

// Dismissed reports whether the session already ended.
func (s *Session) Dismissed() bool {
	return s.Has(EventFlowEnded) || s.Has(EventChecklistDismissed) || s.Has(EventLauncherDismissed)
}

// Events returns the data of every event named n, oldest first.
func (s *Session) Events(n EventName) []map[string]any {
	if s == nil {
		return nil
	}
	var out []map[string]any
	for _, e := range s.BizEvents {
		if e.EventName == n {
			out = append(out, e.Data)
		}
	}
	return out
}

type SessionRequest struct {
	ContentID string `json:"contentId"`
	VersionID string `json:"versionId"`
	UserID    string `json:"userId,omitempty"`
	Reason    string `json:"reason,omitempty"`
	StepCvid  string `json:"stepCvid,omitempty"`
}

// Event is a business event reported against a session.
type Event struct {
	SessionID string         `json:"sessionId"`
	ContentID string         `json:"contentId"`
	Name      EventName      `json:"eventName"`
	Data      map[string]any `json:"data,omitempty"`
}

type User struct {
	ID         string         `json:"userId"`
	Anonymous  bool           `json:"anonymous,omitempty"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

type Company struct {
	ID         string         `json:"companyId"`
	UserID     string         `json:"userId"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

type Theme struct {
	ID        string         `json:"id"`
	Name      string         `json:"name,omitempty"`
	IsDefault bool           `json:"isDefault,omitempty"`
	Settings  map[string]any `json:"settings,omitempty"`
}
