package content

import "guidance-engine/internal/model"

// Snapshot is what the rendering layer reads. It is always derived from the
// item; renderers never write it.
type Snapshot struct {
	OpenState     bool              `json:"openState"`
	ContentID     string            `json:"contentId,omitempty"`
	Type          model.ContentType `json:"type,omitempty"`
	SessionID     string            `json:"sessionId,omitempty"`
	ThemeID       string            `json:"themeId,omitempty"`
	ThemeSettings map[string]any    `json:"themeSettings,omitempty"`
	ZIndex        int               `json:"zIndex,omitempty"`
	UserID        string            `json:"userId,omitempty"`

	Tour      *TourView      `json:"tour,omitempty"`
	Checklist *ChecklistView `json:"checklist,omitempty"`
	Launcher  *LauncherView  `json:"launcher,omitempty"`
}

type TourView struct {
	StepCvid string         `json:"stepCvid"`
	StepType model.StepType `json:"stepType"`
	Index    int            `json:"index"`
	Total    int            `json:"total"`
	Progress float64        `json:"progress"`
	// Anchor is the key of the element a tooltip step points at.
	Anchor string `json:"anchor,omitempty"`
}

type ChecklistView struct {
	Expanded  bool       `json:"expanded"`
	Completed bool       `json:"completed"`
	Items     []ItemView `json:"items"`
}

type ItemView struct {
	ID              string `json:"id"`
	Name            string `json:"name,omitempty"`
	IsClicked       bool   `json:"isClicked"`
	IsCompleted     bool   `json:"isCompleted"`
	IsVisible       bool   `json:"isVisible"`
	IsShowAnimation bool   `json:"isShowAnimation"`
}

type LauncherView struct {
	Anchor      string `json:"anchor,omitempty"`
	Activated   bool   `json:"activated"`
	TooltipOpen bool   `json:"tooltipOpen"`
}

func defaultSnapshot() Snapshot { return Snapshot{} }
