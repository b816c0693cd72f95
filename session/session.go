package session

import (
	"context"
	"errors"
	"time"

	"github.com/prospecthq/prospect/internal/agent/core"
)

// ErrNotFound is returned when a session id is unknown or expired.
var ErrNotFound = errors.New("session not found")

// Store persists chat sessions and their agent state. The orchestration core
// reads and writes through this interface only.
type Store interface {
	Create(ctx context.Context, userID, title string, ttl time.Duration) (*core.Session, error)
	Get(ctx context.Context, id string) (*core.Session, error)
	Save(ctx context.Context, sess *core.Session, ttl time.Duration) error
	List(ctx context.Context, userID string) ([]*core.Session, error)
	Delete(ctx context.Context, id string) error
}
