// Package ctxutil provides context utility functions.
package ctxutil

import "context"

// Canceled checks if the context has been canceled or exceeded its
// deadline. Returns the context error if done, nil otherwise. This is the
// standard entry-point check used throughout the codebase.
//
// ctx.Err() already returns nil while Done is open, so no select with a
// default case is needed.
func Canceled(ctx context.Context) error {
	return ctx.Err()
}
