package rules

import (
	"encoding/json"
	"fmt"
	"time"

	"guidance-engine/internal/env"
)

// Kind tags a Condition.
type Kind string

const (
	KindGroup       Kind = "group"
	KindCurrentPage Kind = "current-page"
	KindTime        Kind = "time"
	KindElement     Kind = "element"
	KindTextInput   Kind = "text-input"
	KindTextFill    Kind = "text-fill"

	// Server-evaluated kinds: the server ships them with actived set.
	KindUserAttr Kind = "user-attr"
	KindSegment  Kind = "segment"
	KindContent  Kind = "content"
	KindEvent    Kind = "event"

	// KindTaskClicked is only ever decided through Overrides.
	KindTaskClicked Kind = "task-is-clicked"
)

// Logic combines the children of a group.
type Logic string

const (
	LogicAnd Logic = "and"
	LogicOr  Logic = "or"
)

// Condition is a node of a rule tree: a group of conditions or one leaf.
// Exactly one data pointer matching Type is set for leaves that carry data;
// kinds evaluated elsewhere keep their data in Raw.
type Condition struct {
	ID         string
	Type       Kind
	Logic      Logic
	Conditions []Condition
	Actived    bool

	Page      *PageData
	Time      *TimeData
	Element   *ElementData
	TextInput *TextInputData
	TextFill  *TextFillData
	Attr      *AttrData
	Raw       json.RawMessage
}

type PageData struct {
	Includes []string `json:"includes,omitempty"`
	Excludes []string `json:"excludes,omitempty"`
}

// TimeData matches now against an absolute range and an optional daily window.
type TimeData struct {
	Start    *time.Time     `json:"startTime,omitempty"`
	End      *time.Time     `json:"endTime,omitempty"`
	Daily    *DailyWindow   `json:"daily,omitempty"`
	Weekdays []time.Weekday `json:"weekdays,omitempty"`
}

// DailyWindow is a wall-clock range "HH:MM"-"HH:MM" in Location (UTC when empty).
// From > To wraps past midnight.
type DailyWindow struct {
	From     string `json:"from"`
	To       string `json:"to"`
	Location string `json:"location,omitempty"`
}

type ElementLogic string

const (
	ElementPresent    ElementLogic = "present"
	ElementUnpresent  ElementLogic = "unpresent"
	ElementDisabled   ElementLogic = "disabled"
	ElementUndisabled ElementLogic = "undisabled"
	ElementClicked    ElementLogic = "clicked"
	ElementUnclicked  ElementLogic = "unclicked"
)

type ElementData struct {
	Target env.Target   `json:"elementData"`
	Logic  ElementLogic `json:"logic"`
}

type TextLogic string

const (
	TextIs         TextLogic = "is"
	TextNot        TextLogic = "not"
	TextContains   TextLogic = "contains"
	TextNotContain TextLogic = "notContain"
	TextStartsWith TextLogic = "startsWith"
	TextEndsWith   TextLogic = "endsWith"
	TextMatch      TextLogic = "match"
	TextUnmatch    TextLogic = "unmatch"
	TextAny        TextLogic = "any"
	TextEmpty      TextLogic = "empty"
)

type TextInputData struct {
	Target env.Target `json:"elementData"`
	Logic  TextLogic  `json:"logic"`
	Value  string     `json:"value,omitempty"`
}

type TextFillData struct {
	Target env.Target `json:"elementData"`
}

// AttrData carries an optional CEL expression over the user's attributes,
// e.g. `user.plan == "pro" && user.seats > 3`.
type AttrData struct {
	Expr string `json:"expr,omitempty"`
}

type wireCondition struct {
	ID        string          `json:"id,omitempty"`
	Type      Kind            `json:"type"`
	Operators Logic           `json:"operators,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Actived   bool            `json:"actived"`
}

type wireGroup struct {
	Conditions []Condition `json:"conditions"`
}

func (c Condition) MarshalJSON() ([]byte, error) {
	w := wireCondition{ID: c.ID, Type: c.Type, Operators: c.Logic, Actived: c.Actived}
	var data any
	switch c.Type {
	case KindGroup:
		conds := c.Conditions
		if conds == nil {
			conds = []Condition{}
		}
		data = wireGroup{Conditions: conds}
	case KindCurrentPage:
		data = c.Page
	case KindTime:
		data = c.Time
	case KindElement:
		data = c.Element
	case KindTextInput:
		data = c.TextInput
	case KindTextFill:
		data = c.TextFill
	case KindUserAttr:
		if c.Attr != nil {
			data = c.Attr
		}
	}
	switch {
	case data != nil:
		b, err := json.Marshal(data)
		if err != nil {
			return nil, err
		}
		if string(b) != "null" {
			w.Data = b
		}
	case len(c.Raw) > 0:
		w.Data = c.Raw
	}
	return json.Marshal(w)
}

func (c *Condition) UnmarshalJSON(b []byte) error {
	var w wireCondition
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	*c = Condition{ID: w.ID, Type: w.Type, Logic: w.Operators, Actived: w.Actived}
	if len(w.Data) == 0 || string(w.Data) == "null" {
		return nil
	}

	var target any
	switch w.Type {
	case KindGroup:
		var g wireGroup
		if err := json.Unmarshal(w.Data, &g); err != nil {
			return fmt.Errorf("group %q: %w", w.ID, err)
		}
		c.Conditions = g.Conditions
		return nil
	case KindCurrentPage:
		c.Page = &PageData{}
		target = c.Page
	case KindTime:
		c.Time = &TimeData{}
		target = c.Time
	case KindElement:
		c.Element = &ElementData{}
		target = c.Element
	case KindTextInput:
		c.TextInput = &TextInputData{}
		target = c.TextInput
	case KindTextFill:
		c.TextFill = &TextFillData{}
		target = c.TextFill
	case KindUserAttr:
		c.Attr = &AttrData{}
		target = c.Attr
	}
	if target == nil {
		c.Raw = append(json.RawMessage(nil), w.Data...)
		return nil
	}
	if err := json.Unmarshal(w.Data, target); err != nil {
		return fmt.Errorf("%s condition %q: %w", w.Type, w.ID, err)
	}
	return nil
}

// Clone deep-copies a tree. Data pointers are shared; they are never mutated.
func Clone(conds []Condition) []Condition {
	if conds == nil {
		return nil
	}
	out := make([]Condition, len(conds))
	for i, c := range conds {
		out[i] = c
		out[i].Conditions = Clone(c.Conditions)
	}
	return out
}

// Targets lists every element target referenced by the tree.
func Targets(conds []Condition) []env.Target {
	var out []env.Target
	Walk(conds, func(c *Condition) {
		switch {
		case c.Element != nil:
			out = append(out, c.Element.Target)
		case c.TextInput != nil:
			out = append(out, c.TextInput.Target)
		case c.TextFill != nil:
			out = append(out, c.TextFill.Target)
		}
	})
	return out
}

// Walk visits every node depth-first, parents before children.
func Walk(conds []Condition, fn func(*Condition)) {
	for i := range conds {
		fn(&conds[i])
		Walk(conds[i].Conditions, fn)
	}
}
