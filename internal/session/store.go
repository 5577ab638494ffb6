package session

import (
	"context"
	"errors"
)

// ErrNotFound is returned when the requested session id is unknown.
var ErrNotFound = errors.New("session not found")

// ErrInvalidState is returned when an operation is attempted on a session
// that is in the wrong lifecycle state for it.
var ErrInvalidState = errors.New("invalid session state")

// Store keeps shopping sessions keyed by id. The original design held a
// single mutable session; keying by id keeps the door open for concurrent
// sessions under per-key locking.
type Store interface {
	Save(ctx context.Context, sess *ShoppingSession) error
	Get(ctx context.Context, id string) (*ShoppingSession, error)
	Delete(ctx context.Context, id string) error
}
