package storage

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalStorage_RoundTrip(t *testing.T) {
	ctx := context.Background()
	s, err := NewLocalStorage(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, s.Write(ctx, "tasks/a.yaml", []byte("a")))
	require.NoError(t, s.Write(ctx, "tasks/b.yaml", []byte("b")))

	data, err := s.Read(ctx, "tasks/a.yaml")
	require.NoError(t, err)
	assert.Equal(t, "a", string(data))

	paths, err := s.List(ctx, "tasks")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"tasks/a.yaml", "tasks/b.yaml"}, paths)

	ok, err := s.Exists(ctx, "tasks/a.yaml")
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, s.Delete(ctx, "tasks/a.yaml"))
	_, err = s.Read(ctx, "tasks/a.yaml")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, s.Delete(ctx, "tasks/a.yaml"), ErrNotFound)
}

func TestLocalStorage_ListMissingPrefix(t *testing.T) {
	s, err := NewLocalStorage(t.TempDir())
	require.NoError(t, err)

	paths, err := s.List(context.Background(), "nothing")
	require.NoError(t, err)
	assert.Empty(t, paths)
}

func TestLocalStorage_PathsStayUnderBase(t *testing.T) {
	base := t.TempDir()
	s, err := NewLocalStorage(filepath.Join(base, "store"))
	require.NoError(t, err)

	require.NoError(t, s.Write(context.Background(), "../escape.yaml", []byte("x")))

	_, err = os.Stat(filepath.Join(base, "escape.yaml"))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(base, "store", "escape.yaml"))
	assert.NoError(t, err)
}

func TestLocalStorage_ConcurrentWritesLeaveNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	s, err := NewLocalStorage(dir)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, s.Write(context.Background(), "x.yaml", []byte{byte('a' + i)}))
		}()
	}
	wg.Wait()

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "x.yaml", entries[0].Name())
}
