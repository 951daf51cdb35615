package task

import "context"

type Repository interface {
	// NextID allocates the next task id. Allocated ids are never reused,
	// even after task deletion.
	NextID(ctx context.Context) (int, error)
	Create(ctx context.Context, t *Task) error
	Get(ctx context.Context, id int) (*Task, error)
	List(ctx context.Context, status Status, limit, offset int) ([]*Task, int, error)
	Update(ctx context.Context, t *Task) error
	Delete(ctx context.Context, id int) error
}
