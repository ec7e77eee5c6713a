package repositoryimpl

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/kazz187/featureguild/internal/approval"
	"github.com/kazz187/featureguild/pkg/cerr"
	"github.com/kazz187/featureguild/pkg/storage"
)

const approvalsPrefix = "approvals"

type YAMLRepository struct {
	storage storage.Storage
}

func NewYAMLRepository(s storage.Storage) *YAMLRepository {
	return &YAMLRepository{storage: s}
}

func path(id string) string {
	return fmt.Sprintf("%s/%s.yaml", approvalsPrefix, id)
}

func (r *YAMLRepository) Create(ctx context.Context, req *approval.Request) error {
	exists, err := r.storage.Exists(ctx, path(req.ID))
	if err != nil {
		return cerr.WrapStorageWriteError("approval", err)
	}
	if exists {
		return cerr.NewError(cerr.AlreadyExists, "approval already exists", nil)
	}
	return r.write(ctx, req)
}

func (r *YAMLRepository) Get(ctx context.Context, id string) (*approval.Request, error) {
	data, err := r.storage.Read(ctx, path(id))
	if err != nil {
		return nil, cerr.WrapStorageReadError("approval", err)
	}
	var req approval.Request
	if err := yaml.Unmarshal(data, &req); err != nil {
		return nil, cerr.NewError(cerr.Internal, "server error", fmt.Errorf("failed to unmarshal approval: %w", err))
	}
	return &req, nil
}

func (r *YAMLRepository) List(ctx context.Context, taskID string) ([]*approval.Request, error) {
	paths, err := r.storage.List(ctx, approvalsPrefix)
	if err != nil {
		return nil, cerr.WrapStorageListError("approvals", err)
	}
	sort.Strings(paths)

	var out []*approval.Request
	for _, p := range paths {
		data, err := r.storage.Read(ctx, p)
		if err != nil {
			slog.WarnContext(ctx, "skipping unreadable approval record", "path", p, "error", err)
			continue
		}
		var req approval.Request
		if err := yaml.Unmarshal(data, &req); err != nil {
			slog.WarnContext(ctx, "skipping malformed approval record", "path", p, "error", err)
			continue
		}
		if taskID != "" && req.TaskID != taskID {
			continue
		}
		out = append(out, &req)
	}
	return out, nil
}

func (r *YAMLRepository) Update(ctx context.Context, req *approval.Request) error {
	exists, err := r.storage.Exists(ctx, path(req.ID))
	if err != nil {
		return cerr.WrapStorageWriteError("approval", err)
	}
	if !exists {
		return cerr.NewError(cerr.NotFound, "approval not found", nil)
	}
	return r.write(ctx, req)
}

func (r *YAMLRepository) write(ctx context.Context, req *approval.Request) error {
	data, err := yaml.Marshal(req)
	if err != nil {
		return cerr.NewError(cerr.Internal, "server error", fmt.Errorf("failed to marshal approval: %w", err))
	}
	if err := r.storage.Write(ctx, path(req.ID), data); err != nil {
		return cerr.WrapStorageWriteError("approval", err)
	}
	return nil
}
