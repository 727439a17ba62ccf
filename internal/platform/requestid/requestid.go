// Package requestid generates request identifiers and carries them through
// a context so that audit events and logs can be correlated.
package requestid

import (
	"context"

	"github.com/google/uuid"
)

type ctxKey struct{}

func New() string {
	return uuid.NewString()
}

func WithContext(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

func FromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	v, _ := ctx.Value(ctxKey{}).(string)
	return v
}
