// Package store defines the interface for blob stores holding raw inbound
// messages.
package store

import (
	"context"
	"errors"
)

// ErrNotFound is returned when no object exists under the requested key.
var ErrNotFound = errors.New("object not found")

// Store fetches and removes raw messages by key.
type Store interface {
	// Get returns the full contents of the object stored under key.
	Get(ctx context.Context, key string) ([]byte, error)

	// Delete removes the object stored under key.
	Delete(ctx context.Context, key string) error

	// Name returns the human-readable name of this store.
	Name() string
}
