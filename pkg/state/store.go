// Package state provides keyed persistence for agent state blobs.
// The runtime stores one opaque byte slice per agent identity; the blob's
// schema is entirely the agent's concern.
package state

import (
	"context"
	"errors"

	"github.com/agentbus-dev/agentbus/agent"
)

// Common errors for state operations.
var (
	// ErrStateNotFound is returned when no blob was ever saved for an id.
	ErrStateNotFound = errors.New("agent state not found")

	// ErrStoreClosed is returned when operating on a closed store.
	ErrStoreClosed = errors.New("state store is closed")
)

// Store abstracts agent state persistence.
// Implementations must be safe for concurrent use.
type Store interface {
	// Save upserts the blob for an agent id. Last writer wins.
	Save(ctx context.Context, id agent.ID, blob []byte) error

	// Load retrieves the blob for an agent id.
	// Returns ErrStateNotFound if nothing was ever saved for it.
	Load(ctx context.Context, id agent.ID) ([]byte, error)

	// Delete removes the blob for an agent id. Deleting an absent id is
	// not an error.
	Delete(ctx context.Context, id agent.ID) error

	// Close releases any resources held by the store.
	Close() error
}
