package transfer

import (
	"context"

	"stockledger/internal/core/id"
)

// Repository defines persistence for transfers and their lines.
type Repository interface {
	// Create inserts the transfer header and lines.
	Create(ctx context.Context, t *Transfer) error

	// Update persists the header (status, actors, timestamps) and line
	// quantities using optimistic versioning.
	Update(ctx context.Context, t *Transfer) error

	// GetByID returns a transfer with its lines.
	GetByID(ctx context.Context, transferID id.ID) (*Transfer, error)

	// GetByIDForUpdate returns a transfer with a row lock, serializing
	// concurrent state transitions.
	GetByIDForUpdate(ctx context.Context, transferID id.ID) (*Transfer, error)

	// List returns transfers matching the filter, newest first.
	List(ctx context.Context, filter ListFilter) ([]Transfer, error)
}
