package fixture

import (
	"errors"
	"fmt"

	"guidance-engine/internal/model"
	"guidance-engine/internal/rules"
)

// Validate reports every structural problem in defs that would make an item
// close itself or never start.
func Validate(defs []model.Definition) error {
	var errs []error
	ids := map[string]bool{}
	for i, d := range defs {
		where := fmt.Sprintf("contents[%d] %q", i, d.ContentID)
		if d.ID == "" || d.ContentID == "" {
			errs = append(errs, fmt.Errorf("%s: id and contentId are required", where))
		}
		if ids[d.ContentID] {
			errs = append(errs, fmt.Errorf("%s: duplicate contentId", where))
		}
		ids[d.ContentID] = true

		errs = append(errs, validateRules(where+" autoStartRules", d.Config.AutoStartRules)...)
		errs = append(errs, validateRules(where+" hideRules", d.Config.HideRules)...)

		switch d.Type {
		case model.TypeTour:
			errs = append(errs, validateTour(where, d)...)
		case model.TypeChecklist:
			errs = append(errs, validateChecklist(where, d)...)
		case model.TypeLauncher:
			if d.Launcher == nil || d.Launcher.Target.IsZero() {
				errs = append(errs, fmt.Errorf("%s: launcher needs a target", where))
			}
		default:
			errs = append(errs, fmt.Errorf("%s: unknown type %q", where, d.Type))
		}
	}
	return errors.Join(errs...)
}

func validateTour(where string, d model.Definition) []error {
	var errs []error
	if len(d.Steps) == 0 {
		errs = append(errs, fmt.Errorf("%s: tour has no steps", where))
	}
	cvids := map[string]bool{}
	for _, s := range d.Steps {
		if s.Cvid == "" {
			errs = append(errs, fmt.Errorf("%s: step without cvid", where))
			continue
		}
		if cvids[s.Cvid] {
			errs = append(errs, fmt.Errorf("%s: duplicate step %q", where, s.Cvid))
		}
		cvids[s.Cvid] = true
		if s.Type == model.StepTooltip && (s.Target == nil || s.Target.IsZero()) {
			errs = append(errs, fmt.Errorf("%s: tooltip step %q has no target", where, s.Cvid))
		}
	}
	for _, s := range d.Steps {
		for _, tr := range s.Trigger {
			errs = append(errs, validateRules(fmt.Sprintf("%s step %q trigger %q", where, s.Cvid, tr.ID), tr.Conditions)...)
			for _, a := range tr.Actions {
				if a.Type == model.ActionStepGoto && !cvids[a.Data.StepCvid] {
					errs = append(errs, fmt.Errorf("%s: step %q jumps to unknown step %q", where, s.Cvid, a.Data.StepCvid))
				}
			}
		}
	}
	return errs
}

func validateChecklist(where string, d model.Definition) []error {
	if d.Checklist == nil || len(d.Checklist.Items) == 0 {
		return []error{fmt.Errorf("%s: checklist has no items", where)}
	}
	var errs []error
	seen := map[string]bool{}
	for _, it := range d.Checklist.Items {
		if it.ID == "" || seen[it.ID] {
			errs = append(errs, fmt.Errorf("%s: item id %q missing or duplicated", where, it.ID))
		}
		seen[it.ID] = true
		errs = append(errs, validateRules(fmt.Sprintf("%s item %q", where, it.ID), it.CompleteConditions)...)
		errs = append(errs, validateRules(fmt.Sprintf("%s item %q visibility", where, it.ID), it.OnlyShowTaskConditions)...)
	}
	return errs
}

func validateRules(where string, conds []rules.Condition) []error {
	var errs []error
	rules.Walk(conds, func(c *rules.Condition) {
		switch c.Type {
		case rules.KindGroup:
			if len(c.Conditions) == 0 {
				errs = append(errs, fmt.Errorf("%s: empty group %q", where, c.ID))
			}
		case rules.KindCurrentPage:
			if c.Page == nil {
				errs = append(errs, fmt.Errorf("%s: page condition %q has no data", where, c.ID))
			}
		case rules.KindElement:
			if c.Element == nil || c.Element.Target.IsZero() {
				errs = append(errs, fmt.Errorf("%s: element condition %q has no target", where, c.ID))
			}
		case rules.KindTextInput:
			if c.TextInput == nil || c.TextInput.Target.IsZero() {
				errs = append(errs, fmt.Errorf("%s: text-input condition %q has no target", where, c.ID))
			}
		case rules.KindTextFill:
			if c.TextFill == nil || c.TextFill.Target.IsZero() {
				errs = append(errs, fmt.Errorf("%s: text-fill condition %q has no target", where, c.ID))
			}
		case "":
			errs = append(errs, fmt.Errorf("%s: condition %q has no type", where, c.ID))
		}
	})
	return errs
}
