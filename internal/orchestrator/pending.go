package orchestrator

import (
	"errors"
	"sync"
)

// DefaultPendingLimit bounds calls queued before an orchestrator exists.
const DefaultPendingLimit = 64

var ErrQueueFull = errors.New("orchestrator: startup queue full")

// Pending collects calls made before the orchestrator is ready and replays
// them in order once Bind is called. After Bind, calls go straight through.
type Pending struct {
	mu    sync.Mutex
	limit int
	calls []func(*Orchestrator)
	o     *Orchestrator
	run   func(fn func())
}

func NewPending(limit int) *Pending {
	if limit <= 0 {
		limit = DefaultPendingLimit
	}
	return &Pending{limit: limit}
}

// Do runs fn against the orchestrator, now if bound or on Bind otherwise.
func (p *Pending) Do(fn func(*Orchestrator)) error {
	p.mu.Lock()
	if p.o == nil {
		defer p.mu.Unlock()
		if len(p.calls) >= p.limit {
			return ErrQueueFull
		}
		p.calls = append(p.calls, fn)
		return nil
	}
	o, run := p.o, p.run
	p.mu.Unlock()
	run(func() { fn(o) })
	return nil
}

// Bind attaches o and flushes the queue through run, oldest first. A nil
// run calls inline.
func (p *Pending) Bind(o *Orchestrator, run func(fn func())) {
	if run == nil {
		run = func(fn func()) { fn() }
	}
	p.mu.Lock()
	calls := p.calls
	p.calls = nil
	p.o = o
	p.run = run
	p.mu.Unlock()
	for _, fn := range calls {
		run(func() { fn(o) })
	}
}

// Len returns the number of queued calls.
func (p *Pending) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}
