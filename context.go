package authvault

import "context"

type clientIPContextKey struct{}

// WithClientIP attaches the caller's source address to ctx. The Service
// uses it for per-IP login throttling and as the source address on audit
// events.
func WithClientIP(ctx context.Context, ip string) context.Context {
	return context.WithValue(ctx, clientIPContextKey{}, ip)
}

func clientIPFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}

	ip, _ := ctx.Value(clientIPContextKey{}).(string)
	return ip
}
