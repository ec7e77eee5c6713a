package panicerr

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSafe(t *testing.T) {
	errBoom := errors.New("boom")

	assert.NoError(t, Safe(func() error { return nil })())
	assert.ErrorIs(t, Safe(func() error { return errBoom })(), errBoom)

	err := Safe(func() error { panic("kaboom") })()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "kaboom")
}

func TestSafeContext(t *testing.T) {
	err := SafeContext(func(ctx context.Context) error { panic("ctx panic") })(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ctx panic")
}

func TestCall(t *testing.T) {
	v, err := Call(func() (int, error) { return 7, nil })
	require.NoError(t, err)
	assert.Equal(t, 7, v)

	v, err = Call(func() (int, error) { panic("bad") })
	require.Error(t, err)
	assert.Zero(t, v)
	assert.Contains(t, err.Error(), "recovered panic")
}
