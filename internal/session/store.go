package session

import (
	"context"

	"github.com/spike-crypto/voicebot/internal/models"
)

// Store owns session history. Missing or expired sessions report
// utils.ErrNotFound.
type Store interface {
	Create(ctx context.Context) (*models.Session, error)
	// Append adds turns atomically and in order, returning the updated
	// history. A turn whose RequestID and Role are already present is
	// skipped, so replaying a request's append is a no-op.
	Append(ctx context.Context, sessionID string, turns ...models.Turn) ([]models.Turn, error)
	Get(ctx context.Context, sessionID string) (*models.Session, error)
	Clear(ctx context.Context, sessionID string) error
	// Reap removes sessions idle past their TTL and reports how many went.
	Reap(ctx context.Context) (int, error)
}
