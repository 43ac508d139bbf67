package fixture

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"guidance-engine/internal/model"
	"guidance-engine/internal/rules"
)

func TestLoadBundle(t *testing.T) {
	b, err := LoadBundle("testdata/bundle.yaml")
	require.NoError(t, err)
	require.NoError(t, Validate(b.Contents))

	require.Len(t, b.Themes, 1)
	assert.True(t, b.Themes[0].IsDefault)
	assert.Equal(t, "#2f54eb", b.Themes[0].Settings["brandColor"])

	require.Len(t, b.Contents, 3)
	tour := b.Contents[0]
	assert.Equal(t, model.TypeTour, tour.Type)
	assert.Equal(t, model.PriorityHigh, tour.Priority())
	assert.Equal(t, 2, tour.Config.AutoStartSetting.Wait)
	require.Len(t, tour.Config.AutoStartRules, 1)
	require.NotNil(t, tour.Config.AutoStartRules[0].Page)
	assert.Equal(t, []string{"/app/*"}, tour.Config.AutoStartRules[0].Page.Includes)

	step, idx, ok := tour.Step("save")
	require.True(t, ok)
	assert.Equal(t, 1, idx)
	require.NotNil(t, step.Target)
	assert.Equal(t, []string{"#save", "button.save"}, step.Target.Selectors)
	assert.Equal(t, "Save", step.Target.Content)
	assert.Equal(t, 8, step.TargetMissingSeconds)

	first, _, _ := tour.Step("intro")
	require.Len(t, first.Trigger, 1)
	require.NotNil(t, first.Trigger[0].Conditions[0].Element)
	assert.Equal(t, rules.ElementClicked, first.Trigger[0].Conditions[0].Element.Logic)
	assert.Equal(t, model.ActionStepGoto, first.Trigger[0].Actions[0].Type)

	cl := b.Contents[1]
	require.NotNil(t, cl.Checklist)
	assert.Equal(t, model.CompletionSequential, cl.Checklist.CompletionOrder)
	assert.Equal(t, "/app/team", cl.Checklist.Items[1].ClickedActions[0].Data.URL)

	l := b.Contents[2]
	require.NotNil(t, l.Launcher)
	assert.Equal(t, "hover", l.Launcher.TriggerEvent)
	assert.True(t, l.Launcher.DismissAfterFirstActivation)
}

func TestParseBundle_Errors(t *testing.T) {
	_, err := ParseBundle([]byte(""))
	assert.Error(t, err)
	_, err = ParseBundle([]byte("contents: [unclosed"))
	assert.Error(t, err)
	_, err = LoadBundle("testdata/missing.yaml")
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want []string
	}{
		{
			name: "duplicate content and unknown type",
			yaml: `
contents:
  - {id: a1, contentId: a, type: flow, steps: [{cvid: s1, type: modal}]}
  - {id: a2, contentId: a, type: banner}
`,
			want: []string{"duplicate contentId", `unknown type "banner"`},
		},
		{
			name: "tour problems",
			yaml: `
contents:
  - id: t1
    contentId: t
    type: flow
    steps:
      - cvid: s1
        type: tooltip
        trigger:
          - id: go
            actions: [{type: step-goto, data: {stepCvid: nowhere}}]
      - cvid: s1
        type: modal
`,
			want: []string{`tooltip step "s1" has no target`, `duplicate step "s1"`, `unknown step "nowhere"`},
		},
		{
			name: "checklist and launcher problems",
			yaml: `
contents:
  - {id: c1, contentId: c, type: checklist, checklist: {items: [{id: x}, {id: x}]}}
  - {id: l1, contentId: l, type: launcher}
`,
			want: []string{`item id "x" missing or duplicated`, "launcher needs a target"},
		},
		{
			name: "rule problems",
			yaml: `
contents:
  - id: t1
    contentId: t
    type: flow
    steps: [{cvid: s1, type: modal}]
    config:
      autoStartRules:
        - {id: g, type: group, data: {conditions: []}}
        - {id: e, type: element, data: {logic: present}}
`,
			want: []string{`empty group "g"`, `element condition "e" has no target`},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, err := ParseBundle([]byte(tt.yaml))
			require.NoError(t, err)
			err = Validate(b.Contents)
			require.Error(t, err)
			for _, w := range tt.want {
				assert.Contains(t, err.Error(), w)
			}
		})
	}
}

func TestScenario_EvaluatesAgainstBuiltPage(t *testing.T) {
	s, err := LoadScenario("testdata/scenario.yaml")
	require.NoError(t, err)
	assert.Equal(t, "u-42", s.User.ID)

	page := s.Page.Build()
	eng := rules.New(rules.Options{
		Page:       page,
		Attributes: func() map[string]any { return s.User.Attributes },
	})
	defer eng.Close()

	ctx := context.Background()
	assert.True(t, eng.Satisfied(ctx, s.Rules, nil))

	page.Remove("#save")
	assert.False(t, eng.Satisfied(ctx, s.Rules, nil))
}
