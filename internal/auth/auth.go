// Package auth implements the Auth Gate: verifying a bearer token against
// an external user store and binding the resulting identity to a
// connection.
package auth

import (
	"context"
	"errors"

	"github.com/lobinuxsoft/filerelay/pkg/transfer"
)

// ErrTokenInvalid is returned when the store has no user for a token.
var ErrTokenInvalid = errors.New("invalid token")

// Store looks up the user owning a bearer token. It is the external
// collaborator spec.md calls "the user/auth store"; the relay only
// consumes it.
type Store interface {
	Lookup(ctx context.Context, token string) (userID string, err error)
}

// Gate authenticates connections against a Store and records the result
// in the session Store's connection record.
type Gate struct {
	users    Store
	sessions *transfer.Store
}

// NewGate creates an Auth Gate backed by the given user store.
func NewGate(users Store, sessions *transfer.Store) *Gate {
	return &Gate{users: users, sessions: sessions}
}

// Authenticate verifies token and, on success, marks the connection
// identified by key as authenticated.
func (g *Gate) Authenticate(ctx context.Context, key any, token string) (transfer.Auth, error) {
	userID, err := g.users.Lookup(ctx, token)
	if err != nil {
		return transfer.Auth{}, ErrTokenInvalid
	}

	auth := transfer.Auth{UserID: userID, Token: token}
	g.sessions.Authenticate(key, auth)
	return auth, nil
}
