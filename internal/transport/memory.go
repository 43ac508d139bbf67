package transport

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"guidance-engine/internal/model"
)

// ErrUnavailable is returned by Memory while it is marked down.
var ErrUnavailable = errors.New("transport: unavailable")

// Memory is an in-process server. Sessions it creates record the events
// tracked against them, so ListContents reflects progress the way a real
// server's latestSession does.
type Memory struct {
	mu        sync.Mutex
	now       func() time.Time
	down      bool
	contents  []model.Definition
	themes    []model.Theme
	users     map[string]model.User
	companies map[string]model.Company
	sessions  map[string]*model.Session
	latest    map[string]string // contentID -> session id
	events    []model.Event
}

func NewMemory(now func() time.Time) *Memory {
	if now == nil {
		now = time.Now
	}
	return &Memory{
		now:       now,
		users:     map[string]model.User{},
		companies: map[string]model.Company{},
		sessions:  map[string]*model.Session{},
		latest:    map[string]string{},
	}
}

// SetDown makes every call fail until called again with false.
func (m *Memory) SetDown(down bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.down = down
}

func (m *Memory) SetContents(defs []model.Definition) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.contents = append([]model.Definition(nil), defs...)
}

func (m *Memory) SetThemes(themes []model.Theme) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.themes = append([]model.Theme(nil), themes...)
}

func (m *Memory) UpsertUser(_ context.Context, u model.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.down {
		return ErrUnavailable
	}
	m.users[u.ID] = u
	return nil
}

func (m *Memory) UpsertCompany(_ context.Context, c model.Company) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.down {
		return ErrUnavailable
	}
	m.companies[c.ID] = c
	return nil
}

func (m *Memory) ListContents(context.Context, string) ([]model.Definition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.down {
		return nil, ErrUnavailable
	}
	out := make([]model.Definition, len(m.contents))
	for i, d := range m.contents {
		if id, ok := m.latest[d.ContentID]; ok {
			s := cloneSession(m.sessions[id])
			d.LatestSession = s
		}
		out[i] = d
	}
	return out, nil
}

func (m *Memory) ListThemes(context.Context) ([]model.Theme, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.down {
		return nil, ErrUnavailable
	}
	return append([]model.Theme(nil), m.themes...), nil
}

func (m *Memory) CreateSession(_ context.Context, req model.SessionRequest) (*model.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.down {
		return nil, ErrUnavailable
	}
	s := &model.Session{
		ID:        uuid.NewString(),
		ContentID: req.ContentID,
		VersionID: req.VersionID,
		CreatedAt: m.now(),
	}
	m.sessions[s.ID] = s
	m.latest[req.ContentID] = s.ID
	return cloneSession(s), nil
}

func (m *Memory) TrackEvent(_ context.Context, e model.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.down {
		return ErrUnavailable
	}
	m.events = append(m.events, e)
	if s, ok := m.sessions[e.SessionID]; ok {
		s.BizEvents = append(s.BizEvents, model.BizEvent{
			ID:        uuid.NewString(),
			EventName: e.Name,
			CreatedAt: m.now(),
			Data:      e.Data,
		})
	}
	return nil
}

// Events returns every tracked event in arrival order.
func (m *Memory) Events() []model.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]model.Event(nil), m.events...)
}

// EventNames lists the names of events tracked for contentID.
func (m *Memory) EventNames(contentID string) []model.EventName {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.EventName
	for _, e := range m.events {
		if e.ContentID == contentID {
			out = append(out, e.Name)
		}
	}
	return out
}

// SessionCount returns how many sessions were created.
func (m *Memory) SessionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

func (m *Memory) User(id string) (model.User, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	return u, ok
}

func cloneSession(s *model.Session) *model.Session {
	if s == nil {
		return nil
	}
	c := *s
	c.BizEvents = append([]model.BizEvent(nil), s.BizEvents...)
	return &c
}
