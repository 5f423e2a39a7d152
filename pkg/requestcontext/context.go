// Package requestcontext carries values that travel with a command from the
// transport boundary down to the services that log about it.
//
// Usage at the boundary:
//
//	ctx = requestcontext.WithMessageID(ctx, msg.ID)
//	ctx = requestcontext.WithRequestID(ctx, r.Header.Get("X-Request-ID"))
//
// Usage in services:
//
//	attrs = requestcontext.LogAttrs(ctx, attrs)
package requestcontext

import "context"

type (
	messageIDKey struct{}
	requestIDKey struct{}
	tickKey      struct{}
)

// MessageID is the transport message id of the command being handled, if it
// arrived through the inbox.
func MessageID(ctx context.Context) string {
	if v, ok := ctx.Value(messageIDKey{}).(string); ok {
		return v
	}
	return ""
}

func WithMessageID(ctx context.Context, messageID string) context.Context {
	return context.WithValue(ctx, messageIDKey{}, messageID)
}

// RequestID is the HTTP request id for query handlers.
func RequestID(ctx context.Context) string {
	if v, ok := ctx.Value(requestIDKey{}).(string); ok {
		return v
	}
	return ""
}

func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, requestID)
}

// Tick is the scheduler tick the command runs in, or 0 outside the scheduler.
func Tick(ctx context.Context) uint64 {
	if v, ok := ctx.Value(tickKey{}).(uint64); ok {
		return v
	}
	return 0
}

func WithTick(ctx context.Context, tick uint64) context.Context {
	return context.WithValue(ctx, tickKey{}, tick)
}

// LogAttrs appends whichever of the values above are set to a slog key/value
// list.
func LogAttrs(ctx context.Context, attrs []any) []any {
	if v := MessageID(ctx); v != "" {
		attrs = append(attrs, "message_id", v)
	}
	if v := RequestID(ctx); v != "" {
		attrs = append(attrs, "request_id", v)
	}
	if v := Tick(ctx); v != 0 {
		attrs = append(attrs, "tick", v)
	}
	return attrs
}
