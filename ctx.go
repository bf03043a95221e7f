package handover

import (
	"context"

	"github.com/google/uuid"
)

// Actor is the verified identity behind a request.
type Actor struct {
	ID    uuid.UUID   `json:"id"`
	Email string      `json:"email"`
	Role  AccountRole `json:"role"`
}

// IsAdmin reports whether the actor holds the admin role.
func (a *Actor) IsAdmin() bool {
	return a != nil && a.Role.IsAdmin()
}

// Ref returns the activity reference for the actor.
func (a *Actor) Ref() ActorRef {
	if a == nil {
		return ActorRef{Type: ActorTypeAnonymous}
	}
	return ActorRef{ID: a.ID.String(), Type: string(a.Role)}
}

// ActorFromAccount builds the actor for an account.
func ActorFromAccount(account *Account) *Actor {
	if account == nil {
		return nil
	}
	return &Actor{ID: account.ID, Email: account.Email, Role: account.Role}
}

var actorCtxKey = &contextKey{"actor"}

type contextKey struct {
	name string
}

// WithActor sets the Actor in the given context
func WithActor(ctx context.Context, actor *Actor) context.Context {
	return context.WithValue(ctx, actorCtxKey, actor)
}

// ActorFromContext finds the actor in the context.
func ActorFromContext(ctx context.Context) (*Actor, bool) {
	raw, ok := ctx.Value(actorCtxKey).(*Actor)
	return raw, ok && raw != nil
}
