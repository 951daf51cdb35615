package repositoryimpl

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/kazz187/iterdrive/internal/task"
	"github.com/kazz187/iterdrive/pkg/cerr"
	"github.com/kazz187/iterdrive/pkg/storage"
)

const (
	tasksPrefix = "tasks"
	counterPath = "tasks/counter"
)

type YAMLRepository struct {
	storage storage.Storage
	// counterMu serializes the read-modify-write on the id counter file.
	counterMu sync.Mutex
}

func NewYAMLRepository(s storage.Storage) *YAMLRepository {
	return &YAMLRepository{storage: s}
}

func path(id int) string {
	return fmt.Sprintf("%s/%d.yaml", tasksPrefix, id)
}

func (r *YAMLRepository) NextID(ctx context.Context) (int, error) {
	r.counterMu.Lock()
	defer r.counterMu.Unlock()

	next := 1
	data, err := r.storage.Read(ctx, counterPath)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return 0, cerr.WrapStorageReadError("task counter", err)
	}
	if err == nil {
		n, convErr := strconv.Atoi(strings.TrimSpace(string(data)))
		if convErr != nil {
			return 0, cerr.NewError(cerr.Parse, "task counter is corrupt", convErr)
		}
		next = n + 1
	}
	if err := r.storage.Write(ctx, counterPath, []byte(strconv.Itoa(next))); err != nil {
		return 0, cerr.WrapStorageWriteError("task counter", err)
	}
	return next, nil
}

func (r *YAMLRepository) Create(ctx context.Context, t *task.Task) error {
	exists, err := r.storage.Exists(ctx, path(t.ID))
	if err != nil {
		return cerr.WrapStorageWriteError("task", err)
	}
	if exists {
		return cerr.NewError(cerr.AlreadyExists, "task already exists", nil)
	}
	data, err := yaml.Marshal(t)
	if err != nil {
		return cerr.NewError(cerr.Internal, "server error", fmt.Errorf("failed to marshal task: %w", err))
	}
	if err := r.storage.Write(ctx, path(t.ID), data); err != nil {
		return cerr.WrapStorageWriteError("task", err)
	}
	return nil
}

func (r *YAMLRepository) Get(ctx context.Context, id int) (*task.Task, error) {
	data, err := r.storage.Read(ctx, path(id))
	if err != nil {
		return nil, cerr.WrapStorageReadError("task", err)
	}
	var t task.Task
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, cerr.NewError(cerr.Parse, "task record is corrupt", fmt.Errorf("failed to unmarshal task: %w", err))
	}
	return &t, nil
}

func (r *YAMLRepository) List(ctx context.Context, status task.Status, limit, offset int) ([]*task.Task, int, error) {
	paths, err := r.storage.List(ctx, tasksPrefix)
	if err != nil {
		return nil, 0, cerr.WrapStorageReadError("tasks", err)
	}

	var all []*task.Task
	for _, p := range paths {
		if !strings.HasSuffix(p, ".yaml") {
			continue
		}
		data, err := r.storage.Read(ctx, p)
		if err != nil {
			continue
		}
		var t task.Task
		if err := yaml.Unmarshal(data, &t); err != nil {
			continue
		}
		if status != "" && t.Status != status {
			continue
		}
		all = append(all, &t)
	}

	sort.Slice(all, func(i, j int) bool { return all[i].ID < all[j].ID })

	total := len(all)
	if offset >= total {
		return nil, total, nil
	}
	all = all[offset:]
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	return all, total, nil
}

func (r *YAMLRepository) Update(ctx context.Context, t *task.Task) error {
	exists, err := r.storage.Exists(ctx, path(t.ID))
	if err != nil {
		return cerr.WrapStorageWriteError("task", err)
	}
	if !exists {
		return cerr.NewError(cerr.NotFound, "task not found", nil)
	}
	data, err := yaml.Marshal(t)
	if err != nil {
		return cerr.NewError(cerr.Internal, "server error", fmt.Errorf("failed to marshal task: %w", err))
	}
	if err := r.storage.Write(ctx, path(t.ID), data); err != nil {
		return cerr.WrapStorageWriteError("task", err)
	}
	return nil
}

func (r *YAMLRepository) Delete(ctx context.Context, id int) error {
	if err := r.storage.Delete(ctx, path(id)); err != nil {
		return cerr.WrapStorageDeleteError("task", err)
	}
	// Remove the task's iteration tree as well.
	if err := r.storage.DeleteAll(ctx, fmt.Sprintf("%s/%d", tasksPrefix, id)); err != nil {
		return cerr.WrapStorageDeleteError("task iterations", err)
	}
	return nil
}
