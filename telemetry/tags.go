// Package telemetry provides session tagging and metrics for the cache server.
package telemetry

import (
	"context"
)

type contextKey string

const (
	// sessionKey is the context key for the session tags holder.
	sessionKey contextKey = "session_tags"
)

// CacheResult represents the outcome of a cache lookup.
type CacheResult string

const (
	CacheHit  CacheResult = "hit"
	CacheMiss CacheResult = "miss"
)

// SessionTags holds metadata about the client session a context belongs to.
type SessionTags struct {
	SessionID  string
	RemoteAddr string
}

// WithSession returns a context carrying the session tags.
func WithSession(ctx context.Context, sessionID, remoteAddr string) context.Context {
	return context.WithValue(ctx, sessionKey, &SessionTags{
		SessionID:  sessionID,
		RemoteAddr: remoteAddr,
	})
}

// SessionFromContext retrieves the session tags from a context.
// Returns nil outside a session.
func SessionFromContext(ctx context.Context) *SessionTags {
	if tags, ok := ctx.Value(sessionKey).(*SessionTags); ok {
		return tags
	}
	return nil
}

// SessionIDFromContext returns the session ID or "" outside a session.
func SessionIDFromContext(ctx context.Context) string {
	if tags := SessionFromContext(ctx); tags != nil {
		return tags.SessionID
	}
	return ""
}
