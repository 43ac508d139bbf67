// Package env holds the narrow seams through which the engine reaches the
// host page: element lookup, visibility, the current URL, script actions
// and keyed storage. Nothing else in the module touches a DOM.
package env

import (
	"context"
	"errors"
)

// Target describes how to locate an element. Selectors are tried in order;
// Content narrows matches by visible text and Sequence picks the n-th
// remaining match.
type Target struct {
	Selectors []string `json:"selectors"`
	Content   string   `json:"content,omitempty"`
	Sequence  int      `json:"sequence,omitempty"`
}

// IsZero reports whether t names no selector at all.
func (t Target) IsZero() bool { return len(t.Selectors) == 0 }

// DOM events an Element can report.
const (
	EventClick     = "click"
	EventMouseOver = "mouseover"
)

// Element is a resolved page element. Key is stable for the lifetime of the
// underlying node and is used to key per-element caches.
type Element interface {
	Key() string
	Value(ctx context.Context) (string, error)
	Disabled(ctx context.Context) (bool, error)
	// On installs a listener for a DOM event. fn may run on any goroutine.
	On(ctx context.Context, event string, fn func()) error
}

// Page is the DOM collaborator.
type Page interface {
	// Find resolves t, returning a nil Element when nothing matches.
	Find(ctx context.Context, t Target) (Element, error)
	IsVisible(ctx context.Context, el Element) (bool, error)
	CurrentURL(ctx context.Context) (string, error)
}

// Scripter is implemented by pages that can run author-supplied actions.
type Scripter interface {
	Evaluate(ctx context.Context, script string) error
	Navigate(ctx context.Context, url string) error
}

// Storage is the keyed persistence collaborator (session/local storage).
type Storage interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
}

// ErrUnsupported is returned when a page lacks a capability.
var ErrUnsupported = errors.New("env: capability not supported by page")

// SessionKey namespaces key under a content session id.
func SessionKey(sessionID, key string) string {
	return "session:" + sessionID + ":" + key
}
