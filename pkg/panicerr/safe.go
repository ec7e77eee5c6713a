package panicerr

import (
	"context"
	"fmt"

	"github.com/sourcegraph/conc/panics"
)

// Safe wraps fn so that a panic inside it is returned as an error.
func Safe(fn func() error) func() error {
	return func() error {
		var (
			catcher panics.Catcher
			err     error
		)
		catcher.Try(func() {
			err = fn()
		})
		if err != nil {
			return err
		}
		return catcher.Recovered().AsError()
	}
}

// SafeContext is Safe for functions taking a context.
func SafeContext(fn func(context.Context) error) func(context.Context) error {
	return func(ctx context.Context) error {
		return Safe(func() error { return fn(ctx) })()
	}
}

// Call runs fn and returns its result, converting a panic into an error.
func Call[T any](fn func() (T, error)) (T, error) {
	var (
		catcher panics.Catcher
		out     T
		err     error
	)
	catcher.Try(func() {
		out, err = fn()
	})
	if r := catcher.Recovered(); r != nil {
		var zero T
		return zero, fmt.Errorf("recovered panic: %w", r.AsError())
	}
	return out, err
}
