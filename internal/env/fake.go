package env

import (
	"context"
	"errors"
	"strings"
	"sync"
)

// Fake is an in-memory page used by tests and the CLI. Elements are
// registered under a single selector each.
type Fake struct {
	mu        sync.Mutex
	url       string
	elements  map[string]*FakeElement
	evaluated []string
	navigated []string
}

func NewFake(url string) *Fake {
	return &Fake{url: url, elements: map[string]*FakeElement{}}
}

// FakeElement is a controllable element living on a Fake page.
type FakeElement struct {
	mu        sync.Mutex
	key       string
	text      string
	value     string
	disabled  bool
	hidden    bool
	listeners map[string][]func()
}

func NewFakeElement(key string) *FakeElement {
	return &FakeElement{key: key, listeners: map[string][]func(){}}
}

func (f *Fake) SetURL(url string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.url = url
}

// Put attaches el under selector, replacing any previous element.
func (f *Fake) Put(selector string, el *FakeElement) *FakeElement {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.elements[selector] = el
	return el
}

// Remove detaches the element registered under selector.
func (f *Fake) Remove(selector string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.elements, selector)
}

func (f *Fake) Find(_ context.Context, t Target) (Element, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, sel := range t.Selectors {
		el, ok := f.elements[sel]
		if !ok {
			continue
		}
		if t.Content != "" && !strings.Contains(el.Text(), t.Content) {
			continue
		}
		return el, nil
	}
	return nil, nil
}

func (f *Fake) IsVisible(_ context.Context, el Element) (bool, error) {
	fe, ok := el.(*FakeElement)
	if !ok {
		return false, errors.New("fake: foreign element")
	}
	f.mu.Lock()
	attached := false
	for _, e := range f.elements {
		if e == fe {
			attached = true
			break
		}
	}
	f.mu.Unlock()
	return attached && !fe.Hidden(), nil
}

func (f *Fake) CurrentURL(context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.url, nil
}

// Evaluate records script. Scripts containing "throw" fail.
func (f *Fake) Evaluate(_ context.Context, script string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.evaluated = append(f.evaluated, script)
	if strings.Contains(script, "throw") {
		return errors.New("fake: script threw")
	}
	return nil
}

func (f *Fake) Navigate(_ context.Context, url string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.navigated = append(f.navigated, url)
	f.url = url
	return nil
}

func (f *Fake) Evaluated() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.evaluated...)
}

func (f *Fake) Navigated() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.navigated...)
}

func (e *FakeElement) Key() string { return e.key }

func (e *FakeElement) Value(context.Context) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.value, nil
}

func (e *FakeElement) Disabled(context.Context) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.disabled, nil
}

func (e *FakeElement) On(_ context.Context, event string, fn func()) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners[event] = append(e.listeners[event], fn)
	return nil
}

func (e *FakeElement) Text() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.text
}

func (e *FakeElement) Hidden() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.hidden
}

func (e *FakeElement) SetText(s string) *FakeElement {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.text = s
	return e
}

func (e *FakeElement) SetValue(s string) *FakeElement {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.value = s
	return e
}

func (e *FakeElement) SetDisabled(b bool) *FakeElement {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.disabled = b
	return e
}

func (e *FakeElement) SetHidden(b bool) *FakeElement {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.hidden = b
	return e
}

// Listeners returns how many listeners are installed for event.
func (e *FakeElement) Listeners(event string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.listeners[event])
}

// Click dispatches a click to the installed listeners.
func (e *FakeElement) Click() { e.dispatch(EventClick) }

// Hover dispatches a mouseover to the installed listeners.
func (e *FakeElement) Hover() { e.dispatch(EventMouseOver) }

func (e *FakeElement) dispatch(event string) {
	e.mu.Lock()
	fns := append([]func(){}, e.listeners[event]...)
	e.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}
