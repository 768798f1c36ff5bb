// Package context holds the timeout presets used for store calls.
package context

import (
	"context"
	"time"
)

const (
	// ShortTimeout is for quick operations like presence lookups
	ShortTimeout = 2 * time.Second

	// MediumTimeout is for database queries
	MediumTimeout = 10 * time.Second
)

// WithShortTimeout creates a context with a short timeout
func WithShortTimeout(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, ShortTimeout)
}

// Detached returns a context that keeps parent's values but not its
// cancellation, bounded by MediumTimeout. Used for bookkeeping writes that
// must finish after the triggering connection is gone.
func Detached(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(parent), MediumTimeout)
}
