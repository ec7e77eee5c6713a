package repositoryimpl

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/kazz187/featureguild/internal/pushsubscription"
	"github.com/kazz187/featureguild/pkg/cerr"
	"github.com/kazz187/featureguild/pkg/storage"
)

const subscriptionsPrefix = "push_subscriptions"

type YAMLRepository struct {
	storage storage.Storage
}

func NewYAMLRepository(s storage.Storage) *YAMLRepository {
	return &YAMLRepository{storage: s}
}

func path(id string) string {
	return fmt.Sprintf("%s/%s.yaml", subscriptionsPrefix, id)
}

func (r *YAMLRepository) Save(ctx context.Context, s *pushsubscription.Subscription) (*pushsubscription.Subscription, error) {
	existing, err := r.findByEndpoint(ctx, s.Endpoint)
	if err != nil {
		return nil, err
	}
	stored := *s
	if existing != nil {
		stored.ID = existing.ID
		stored.CreatedAt = existing.CreatedAt
	}
	data, err := yaml.Marshal(&stored)
	if err != nil {
		return nil, cerr.NewError(cerr.Internal, "server error", fmt.Errorf("failed to marshal push subscription: %w", err))
	}
	if err := r.storage.Write(ctx, path(stored.ID), data); err != nil {
		return nil, cerr.WrapStorageWriteError("push_subscription", err)
	}
	return &stored, nil
}

func (r *YAMLRepository) List(ctx context.Context) ([]*pushsubscription.Subscription, error) {
	paths, err := r.storage.List(ctx, subscriptionsPrefix)
	if err != nil {
		return nil, cerr.WrapStorageListError("push_subscriptions", err)
	}
	sort.Strings(paths)

	var all []*pushsubscription.Subscription
	for _, p := range paths {
		data, err := r.storage.Read(ctx, p)
		if err != nil {
			slog.WarnContext(ctx, "skipping unreadable push subscription", "path", p, "error", err)
			continue
		}
		var s pushsubscription.Subscription
		if err := yaml.Unmarshal(data, &s); err != nil {
			slog.WarnContext(ctx, "skipping malformed push subscription", "path", p, "error", err)
			continue
		}
		all = append(all, &s)
	}
	return all, nil
}

func (r *YAMLRepository) findByEndpoint(ctx context.Context, endpoint string) (*pushsubscription.Subscription, error) {
	all, err := r.List(ctx)
	if err != nil {
		return nil, err
	}
	for _, s := range all {
		if s.Endpoint == endpoint {
			return s, nil
		}
	}
	return nil, nil
}

func (r *YAMLRepository) Delete(ctx context.Context, id string) error {
	if err := r.storage.Delete(ctx, path(id)); err != nil {
		return cerr.WrapStorageDeleteError("push_subscription", err)
	}
	return nil
}

func (r *YAMLRepository) DeleteByEndpoint(ctx context.Context, endpoint string) error {
	s, err := r.findByEndpoint(ctx, endpoint)
	if err != nil {
		return err
	}
	if s == nil {
		return cerr.NewError(cerr.NotFound, "push subscription not found", nil)
	}
	return r.Delete(ctx, s.ID)
}
