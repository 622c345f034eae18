package ports

import (
	"context"

	"github.com/lsmic/dispatch/internal/core/domain"
)

// UserRepository defines persistence operations on the users collection.
//
// Filters are client-shaped documents (the realtime protocol forwards them
// verbatim); implementations translate the id/_id field into the store's
// native identifier. Patches are shallow field overwrites: named fields are
// replaced wholesale, never merged.
type UserRepository interface {
	FindByID(ctx context.Context, id string) (*domain.User, error)
	FindByUsername(ctx context.Context, username string) (*domain.User, error)
	// Find returns all users matching filter; a nil or empty filter returns
	// the whole collection.
	Find(ctx context.Context, filter map[string]any) ([]*domain.User, error)
	Insert(ctx context.Context, user *domain.User) (*domain.User, error)
	// UpdateOne applies patch to the user with the given id. Returns
	// domain.ErrUserNotFound when no document matches.
	UpdateOne(ctx context.Context, id string, patch map[string]any) error
	// UpdateMany applies patch to every user whose id is in ids and reports
	// how many documents were modified.
	UpdateMany(ctx context.Context, ids []string, patch map[string]any) (int64, error)
	// DeleteOne removes the first user matching filter. Returns
	// domain.ErrUserNotFound when no document matches.
	DeleteOne(ctx context.Context, filter map[string]any) error
}
