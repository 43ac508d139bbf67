// Package fixture reads content definitions and rule scenarios from YAML.
// Documents use the same field names as the JSON wire format; they are
// decoded generically and re-encoded as JSON so every type keeps a single
// codec.
package fixture

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"guidance-engine/internal/env"
	"guidance-engine/internal/model"
	"guidance-engine/internal/rules"
)

// Bundle is a content fixture: what a server would list for one user.
type Bundle struct {
	Themes   []model.Theme      `json:"themes,omitempty"`
	Contents []model.Definition `json:"contents"`
}

// Scenario is a rule tree and the page and user to evaluate it against.
type Scenario struct {
	Page  Page              `json:"page"`
	User  model.User        `json:"user"`
	Rules []rules.Condition `json:"rules"`
}

type Page struct {
	URL      string    `json:"url"`
	Elements []Element `json:"elements,omitempty"`
}

type Element struct {
	Selector string `json:"selector"`
	Key      string `json:"key,omitempty"`
	Text     string `json:"text,omitempty"`
	Value    string `json:"value,omitempty"`
	Disabled bool   `json:"disabled,omitempty"`
	Hidden   bool   `json:"hidden,omitempty"`
}

// Build returns a fake page holding p's elements.
func (p Page) Build() *env.Fake {
	f := env.NewFake(p.URL)
	for _, e := range p.Elements {
		key := e.Key
		if key == "" {
			key = e.Selector
		}
		el := env.NewFakeElement(key).
			SetText(e.Text).
			SetValue(e.Value).
			SetDisabled(e.Disabled).
			SetHidden(e.Hidden)
		f.Put(e.Selector, el)
	}
	return f
}

func LoadBundle(path string) (Bundle, error) {
	var b Bundle
	if err := decodeFile(path, &b); err != nil {
		return Bundle{}, err
	}
	return b, nil
}

func ParseBundle(data []byte) (Bundle, error) {
	var b Bundle
	if err := Decode(data, &b); err != nil {
		return Bundle{}, err
	}
	return b, nil
}

func LoadScenario(path string) (Scenario, error) {
	var s Scenario
	if err := decodeFile(path, &s); err != nil {
		return Scenario{}, err
	}
	return s, nil
}

func ParseScenario(data []byte) (Scenario, error) {
	var s Scenario
	if err := Decode(data, &s); err != nil {
		return Scenario{}, err
	}
	return s, nil
}

func decodeFile(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read fixture: %w", err)
	}
	if err := Decode(data, out); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	return nil
}

// Decode reads YAML (or JSON, which is YAML) into out through its JSON codec.
func Decode(data []byte, out any) error {
	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("parse yaml: %w", err)
	}
	if raw == nil {
		return errors.New("empty document")
	}
	norm, err := normalize(raw)
	if err != nil {
		return err
	}
	j, err := json.Marshal(norm)
	if err != nil {
		return fmt.Errorf("encode json: %w", err)
	}
	if err := json.Unmarshal(j, out); err != nil {
		return fmt.Errorf("decode: %w", err)
	}
	return nil
}

// normalize turns the map[any]any yaml produces for non-string keys into
// JSON-encodable maps.
func normalize(v any) (any, error) {
	switch t := v.(type) {
	case map[string]any:
		for k, e := range t {
			n, err := normalize(e)
			if err != nil {
				return nil, err
			}
			t[k] = n
		}
		return t, nil
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			n, err := normalize(e)
			if err != nil {
				return nil, err
			}
			out[fmt.Sprint(k)] = n
		}
		return out, nil
	case []any:
		for i, e := range t {
			n, err := normalize(e)
			if err != nil {
				return nil, err
			}
			t[i] = n
		}
		return t, nil
	default:
		return v, nil
	}
}
