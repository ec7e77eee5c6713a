package repositoryimpl

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kazz187/featureguild/internal/pushsubscription"
	"github.com/kazz187/featureguild/pkg/cerr"
	"github.com/kazz187/featureguild/pkg/storage"
)

func TestYAMLRepository_SaveIsIdempotentPerEndpoint(t *testing.T) {
	s, err := storage.NewLocalStorage(t.TempDir())
	require.NoError(t, err)
	repo := NewYAMLRepository(s)
	ctx := context.Background()

	first, err := repo.Save(ctx, &pushsubscription.Subscription{
		ID: "A", Endpoint: "https://push.example/1", P256dhKey: "k1", AuthKey: "a1", CreatedAt: time.Now(),
	})
	require.NoError(t, err)
	again, err := repo.Save(ctx, &pushsubscription.Subscription{
		ID: "B", Endpoint: "https://push.example/1", P256dhKey: "k2", AuthKey: "a2", CreatedAt: time.Now(),
	})
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID)

	all, err := repo.List(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "k2", all[0].P256dhKey)

	require.NoError(t, repo.DeleteByEndpoint(ctx, "https://push.example/1"))
	err = repo.DeleteByEndpoint(ctx, "https://push.example/1")
	assert.True(t, cerr.IsCode(err, cerr.NotFound))
}
