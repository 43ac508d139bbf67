package env

import (
	"context"
	"fmt"
	"strings"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
	"github.com/rs/zerolog/log"
)

const (
	jsKey = `() => {
		if (!this.__gtKey) { this.__gtKey = Math.random().toString(36).slice(2) + Date.now().toString(36) }
		return this.__gtKey
	}`
	jsListen = `(ev) => {
		this.__gtEvents = this.__gtEvents || {}
		if (this.__gtEvents[ev] === undefined) {
			this.__gtEvents[ev] = 0
			this.addEventListener(ev, () => { this.__gtEvents[ev]++ })
		}
		return this.__gtEvents[ev]
	}`
	jsCount    = `(ev) => ((this.__gtEvents || {})[ev] || 0)`
	jsFiredGT  = `(ev, n) => ((this.__gtEvents || {})[ev] || 0) > n`
	jsDisabled = `() => !!this.disabled || this.getAttribute('aria-disabled') === 'true'`
	jsVisible  = `() => {
		const r = this.getBoundingClientRect()
		if (r.width === 0 || r.height === 0) return false
		const s = getComputedStyle(this)
		if (s.visibility === 'hidden' || s.display === 'none' || s.opacity === '0') return false
		const x = r.left + r.width / 2, y = r.top + r.height / 2
		if (x < 0 || y < 0 || x > innerWidth || y > innerHeight) return false
		const top = document.elementFromPoint(x, y)
		return !!top && (top === this || this.contains(top) || top.contains(this))
	}`
)

// Rod is a Page backed by a Chrome tab driven over the DevTools protocol.
type Rod struct {
	browser *rod.Browser
	page    *rod.Page
}

// ConnectRod attaches to the browser at controlURL and opens pageURL.
func ConnectRod(ctx context.Context, controlURL, pageURL string) (*Rod, error) {
	b := rod.New().ControlURL(controlURL).Context(ctx)
	if err := b.Connect(); err != nil {
		return nil, fmt.Errorf("connect browser: %w", err)
	}
	p, err := b.Page(proto.TargetCreateTarget{URL: pageURL})
	if err != nil {
		_ = b.Close()
		return nil, fmt.Errorf("open page %s: %w", pageURL, err)
	}
	return &Rod{browser: b, page: p}, nil
}

func (r *Rod) Close() error { return r.browser.Close() }

func (r *Rod) Find(ctx context.Context, t Target) (Element, error) {
	p := r.page.Context(ctx)
	for _, sel := range t.Selectors {
		els, err := p.Elements(sel)
		if err != nil {
			return nil, fmt.Errorf("query %q: %w", sel, err)
		}
		var matched []*rod.Element
		for _, el := range els {
			if t.Content != "" {
				txt, err := el.Text()
				if err != nil || !strings.Contains(txt, t.Content) {
					continue
				}
			}
			matched = append(matched, el)
		}
		if len(matched) == 0 {
			continue
		}
		idx := t.Sequence
		if idx < 0 || idx >= len(matched) {
			idx = 0
		}
		el := matched[idx]
		res, err := el.Eval(jsKey)
		if err != nil {
			return nil, fmt.Errorf("tag element: %w", err)
		}
		return &rodElement{el: el, key: res.Value.Str()}, nil
	}
	return nil, nil
}

func (r *Rod) IsVisible(ctx context.Context, el Element) (bool, error) {
	re, ok := el.(*rodElement)
	if !ok {
		return false, fmt.Errorf("rod: foreign element %T", el)
	}
	res, err := re.el.Context(ctx).Eval(jsVisible)
	if err != nil {
		return false, err
	}
	return res.Value.Bool(), nil
}

func (r *Rod) CurrentURL(ctx context.Context) (string, error) {
	info, err := r.page.Context(ctx).Info()
	if err != nil {
		return "", err
	}
	return info.URL, nil
}

func (r *Rod) Evaluate(ctx context.Context, script string) error {
	_, err := r.page.Context(ctx).Eval("() => {" + script + "\n}")
	return err
}

func (r *Rod) Navigate(ctx context.Context, url string) error {
	return r.page.Context(ctx).Navigate(url)
}

type rodElement struct {
	el  *rod.Element
	key string
}

func (e *rodElement) Key() string { return e.key }

func (e *rodElement) Value(ctx context.Context) (string, error) {
	v, err := e.el.Context(ctx).Property("value")
	if err != nil {
		return "", err
	}
	return v.Str(), nil
}

func (e *rodElement) Disabled(ctx context.Context) (bool, error) {
	res, err := e.el.Context(ctx).Eval(jsDisabled)
	if err != nil {
		return false, err
	}
	return res.Value.Bool(), nil
}

// On counts events in the page and relays each observed increment to fn
// until ctx ends.
func (e *rodElement) On(ctx context.Context, event string, fn func()) error {
	res, err := e.el.Context(ctx).Eval(jsListen, event)
	if err != nil {
		return err
	}
	seen := res.Value.Int()
	go func() {
		for {
			el := e.el.Context(ctx)
			if err := el.Wait(rod.Eval(jsFiredGT, event, seen)); err != nil {
				if ctx.Err() == nil {
					log.Debug().Err(err).Str("event", event).Msg("element listener stopped")
				}
				return
			}
			cnt, err := el.Eval(jsCount, event)
			if err != nil {
				return
			}
			seen = cnt.Value.Int()
			fn()
		}
	}()
	return nil
}
