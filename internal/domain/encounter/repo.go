package encounter

import "context"

// Repository stores encounters. GetByID and Update return
// sentinel.ErrNotFound for unknown ids.
type Repository interface {
	Upsert(ctx context.Context, in UpsertInput) (*Encounter, error)
	GetByID(ctx context.Context, id string) (*Encounter, error)
	// Update runs mutate on the current row and persists status and
	// patient summary. updated_at is bumped, never moved backwards.
	Update(ctx context.Context, id string, mutate func(*Encounter) error) (*Encounter, error)
	// List returns newest-created first. An empty userID lists every user.
	List(ctx context.Context, userID string, limit int) ([]*Encounter, error)
}
