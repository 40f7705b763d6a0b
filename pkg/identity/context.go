package identity

import "context"

type ctxKey struct{}

// NewContext returns a context carrying the resolved identity.
func NewContext(parent context.Context, id *Identity) context.Context {
	return context.WithValue(parent, ctxKey{}, id)
}

// FromContext returns the identity stored by NewContext, if any.
func FromContext(ctx context.Context) (*Identity, bool) {
	id, ok := ctx.Value(ctxKey{}).(*Identity)
	return id, ok && id != nil
}
