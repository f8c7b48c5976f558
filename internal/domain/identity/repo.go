package identity

import "context"

// Repository stores users. Implementations return sentinel.ErrNotFound and
// sentinel.ErrDuplicateEmail for the domain cases.
type Repository interface {
	Create(ctx context.Context, u *User) error
	GetByEmail(ctx context.Context, email string) (*User, error)
	GetByID(ctx context.Context, id string) (*User, error)
	UpdateAccess(ctx context.Context, id string, upd AccessUpdate) (*User, error)
}
