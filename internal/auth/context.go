package auth

import (
	"context"
	"errors"
)

// Identity is the caller as established by a verified access token.
type Identity struct {
	UserID string
	Role   string
}

type ctxKey struct{}

var errNoIdentity = errors.New("auth: no identity in context")

func WithIdentity(ctx context.Context, userID, role string) context.Context {
	return context.WithValue(ctx, ctxKey{}, Identity{UserID: userID, Role: role})
}

func IdentityFrom(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(ctxKey{}).(Identity)
	return id, ok && id.UserID != ""
}

func UserID(ctx context.Context) (string, error) {
	id, ok := IdentityFrom(ctx)
	if !ok {
		return "", errNoIdentity
	}
	return id.UserID, nil
}

func Role(ctx context.Context) (string, error) {
	id, ok := IdentityFrom(ctx)
	if !ok || id.Role == "" {
		return "", errNoIdentity
	}
	return id.Role, nil
}
