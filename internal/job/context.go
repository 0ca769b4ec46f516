package job

import "context"

type ctxKey struct{}

// ContextWithID attaches the id of the executing job to ctx
func ContextWithID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

// IDFromContext returns the id of the executing job, or "" outside a worker
func IDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(ctxKey{}).(string)
	return id
}
