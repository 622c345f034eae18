package ports

import (
	"context"

	"github.com/lsmic/dispatch/internal/core/domain"
)

// AuthService mints and verifies the bearer tokens that gate both the REST
// surface and the realtime handshake.
type AuthService interface {
	Login(ctx context.Context, username, password string) (string, *domain.User, error)
	Register(ctx context.Context, username, password, phone, bank string, isAdmin bool) (*domain.User, error)
	TokenVerifier
}

// TokenVerifier validates a bearer token and derives the identity claim the
// session will carry. The claim is trusted as-is; it is not re-checked
// against the store.
type TokenVerifier interface {
	Verify(token string) (domain.Identity, error)
}
