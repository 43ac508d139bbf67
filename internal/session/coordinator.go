package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"guidance-engine/internal/clock"
	"guidance-engine/internal/model"
	"guidance-engine/internal/observability"
	"guidance-engine/internal/transport"
)

// ErrNoSession means no session could be reused or created; the caller
// must not start its content.
var ErrNoSession = errors.New("session: none available")

type Options struct {
	// Expiry makes older sessions ineligible for reuse. Zero never expires.
	Expiry time.Duration
	Clock  clock.Clock
	Logger *zerolog.Logger
}

// Coordinator decides whether a content start reuses the latest session or
// asks the server for a new one.
type Coordinator struct {
	transport transport.Transport
	clock     clock.Clock
	expiry    time.Duration
	log       zerolog.Logger
}

func NewCoordinator(t transport.Transport, opts Options) *Coordinator {
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	lg := log.Logger
	if opts.Logger != nil {
		lg = *opts.Logger
	}
	return &Coordinator{
		transport: t,
		clock:     opts.Clock,
		expiry:    opts.Expiry,
		log:       lg.With().Str("component", "session").Logger(),
	}
}

type Request struct {
	ContentID string
	VersionID string
	UserID    string
	Reason    string
	StepCvid  string
	Latest    *model.Session
	// ForceNew skips reuse, e.g. for an explicit restart.
	ForceNew bool
}

// Reusable reports whether latest can carry on for versionID: it exists,
// has not ended, belongs to the same version and has not expired.
func (c *Coordinator) Reusable(latest *model.Session, versionID string) bool {
	if latest == nil || latest.ID == "" {
		return false
	}
	if latest.Dismissed() {
		return false
	}
	if latest.VersionID != "" && latest.VersionID != versionID {
		return false
	}
	if c.expiry > 0 && !latest.CreatedAt.IsZero() && c.clock.Now().Sub(latest.CreatedAt) > c.expiry {
		return false
	}
	return true
}

// Resolve returns the session to start with and whether it was reused.
func (c *Coordinator) Resolve(ctx context.Context, req Request) (*model.Session, bool, error) {
	if !req.ForceNew && c.Reusable(req.Latest, req.VersionID) {
		observability.Sessions.WithLabelValues("reused").Inc()
		return req.Latest, true, nil
	}
	s, err := c.transport.CreateSession(ctx, model.SessionRequest{
		ContentID: req.ContentID,
		VersionID: req.VersionID,
		UserID:    req.UserID,
		Reason:    req.Reason,
		StepCvid:  req.StepCvid,
	})
	if err != nil {
		observability.Sessions.WithLabelValues("failed").Inc()
		c.log.Error().Err(err).Str("content_id", req.ContentID).Msg("create session")
		return nil, false, fmt.Errorf("%w: %v", ErrNoSession, err)
	}
	if s == nil || s.ID == "" {
		observability.Sessions.WithLabelValues("failed").Inc()
		c.log.Error().Str("content_id", req.ContentID).Msg("create session returned nothing")
		return nil, false, ErrNoSession
	}
	observability.Sessions.WithLabelValues("created").Inc()
	return s, false, nil
}
