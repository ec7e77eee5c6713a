package approval

import "context"

type Repository interface {
	Create(ctx context.Context, r *Request) error
	Get(ctx context.Context, id string) (*Request, error)
	// List returns requests of taskID, or of every task when taskID is empty.
	List(ctx context.Context, taskID string) ([]*Request, error)
	Update(ctx context.Context, r *Request) error
}
