// Package transport defines the RPC collaborator the engine talks to and
// two implementations that do not need a network: an in-memory server for
// tests and tools, and a rate-limited fire-and-forget batcher that wraps any
// Transport.
package transport

import (
	"context"

	"guidance-engine/internal/model"
)

// Transport is the server the engine reports to. A nil result with a nil
// error is treated the same as a failure by callers.
type Transport interface {
	UpsertUser(ctx context.Context, u model.User) error
	UpsertCompany(ctx context.Context, c model.Company) error
	ListContents(ctx context.Context, userID string) ([]model.Definition, error)
	ListThemes(ctx context.Context) ([]model.Theme, error)
	CreateSession(ctx context.Context, req model.SessionRequest) (*model.Session, error)
	TrackEvent(ctx context.Context, e model.Event) error
}
