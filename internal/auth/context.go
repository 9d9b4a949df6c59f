package auth

import (
	"context"

	"gxp-workflow/backend/pkg/models"
)

type ctxKey int

const actorKey ctxKey = iota

// WithActor returns a copy of ctx carrying the authenticated actor.
func WithActor(ctx context.Context, a models.Actor) context.Context {
	return context.WithValue(ctx, actorKey, a)
}

// ActorFromContext returns the actor stored by RequireAuth.
func ActorFromContext(ctx context.Context) (models.Actor, bool) {
	a, ok := ctx.Value(actorKey).(models.Actor)
	return a, ok
}
