package idmflow

import "context"

type deviceIDContextKey struct{}

// WithDeviceID attaches the host device identifier to ctx. The
// two-legged flows send it with the pre-authorization and assertion
// exchanges, and audit events carry it as metadata.
func WithDeviceID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, deviceIDContextKey{}, id)
}

func deviceIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(deviceIDContextKey{}).(string)
	return id
}
