package errors

import (
	stderrors "errors"
	"fmt"
)

// Is reports whether any error in err's chain matches target.
// Re-exported so callers importing this package don't also need the
// standard errors package.
func Is(err, target error) bool {
	return stderrors.Is(err, target)
}

// As finds the first error in err's chain that matches target.
func As(err error, target any) bool {
	return stderrors.As(err, target)
}

// Wrap adds context to errors at package boundaries.
// It returns nil if err is nil, allowing for safe inline usage.
//
// The wrapped error preserves the original error chain, so errors.Is()
// checks continue to work:
//
//	if err := store.Update(ctx, id, version, mutate); err != nil {
//	    return errors.Wrap(err, "failed to persist item")
//	}
//
// Only wrap at package boundaries to avoid overly nested messages.
func Wrap(err error, msg string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", msg, err)
}

// Wrapf adds formatted context to errors at package boundaries.
// It returns nil if err is nil, allowing for safe inline usage.
//
//	return errors.Wrapf(err, "failed to process item %s", itemID)
func Wrapf(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	msg := fmt.Sprintf(format, args...)
	return fmt.Errorf("%s: %w", msg, err)
}
