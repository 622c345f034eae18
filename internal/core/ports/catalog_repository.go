package ports

import (
	"context"

	"github.com/lsmic/dispatch/internal/core/domain"
)

// CatalogRepository is the CRUD façade shared by the badges, ranks and
// services collections. One instance is bound to exactly one collection.
type CatalogRepository interface {
	Kind() domain.CatalogKind
	FindAll(ctx context.Context) ([]domain.CatalogItem, error)
	// Insert stores a new item and returns it with its assigned id.
	Insert(ctx context.Context, label, color string) (domain.CatalogItem, error)
	// UpdateOne applies a shallow patch to the item with the given id.
	// Returns domain.ErrNotFound when no document matches.
	UpdateOne(ctx context.Context, id string, patch map[string]any) error
	// DeleteOne removes the item with the given id. Returns
	// domain.ErrNotFound when no document matches.
	DeleteOne(ctx context.Context, id string) error
}

// InfoRepository is the append-only console info log. Notes are never
// updated or deleted; the current note is the most recently appended one.
type InfoRepository interface {
	Append(ctx context.Context, text string) (*domain.InfoNote, error)
	// Latest returns the most recently appended note, or domain.ErrNotFound
	// when the log is empty.
	Latest(ctx context.Context) (*domain.InfoNote, error)
}
