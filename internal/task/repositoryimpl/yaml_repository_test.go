package repositoryimpl

import (
	"context"
	"testing"

	"github.com/kazz187/iterdrive/internal/task"
	"github.com/kazz187/iterdrive/pkg/cerr"
	"github.com/kazz187/iterdrive/pkg/storage"
)

func newRepo(t *testing.T) *YAMLRepository {
	t.Helper()
	store, err := storage.NewLocalStorage(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	return NewYAMLRepository(store)
}

func TestNextIDMonotonic(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()

	for want := 1; want <= 3; want++ {
		got, err := repo.NextID(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if got != want {
			t.Errorf("NextID = %d, want %d", got, want)
		}
	}
}

func TestCreateGetUpdate(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()

	tk := &task.Task{
		ID:           1,
		Title:        "add endpoint",
		Description:  "add a health endpoint",
		Status:       task.StatusNew,
		WorkflowName: "default",
		SourceBranch: "main",
	}
	if err := repo.Create(ctx, tk); err != nil {
		t.Fatal(err)
	}
	if err := repo.Create(ctx, tk); !cerr.IsCode(err, cerr.AlreadyExists) {
		t.Errorf("duplicate create: got %v, want AlreadyExists", err)
	}

	got, err := repo.Get(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	if got.Title != tk.Title || got.Status != task.StatusNew {
		t.Errorf("round-trip mismatch: %+v", got)
	}

	got.Status = task.StatusInProgress
	if err := repo.Update(ctx, got); err != nil {
		t.Fatal(err)
	}
	got2, err := repo.Get(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	if got2.Status != task.StatusInProgress {
		t.Errorf("update not persisted: %s", got2.Status)
	}
}

func TestGetMissing(t *testing.T) {
	repo := newRepo(t)
	if _, err := repo.Get(context.Background(), 99); !cerr.IsCode(err, cerr.NotFound) {
		t.Errorf("got %v, want NotFound", err)
	}
}

func TestListFiltersAndOrders(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()

	for i, st := range []task.Status{task.StatusCompleted, task.StatusFailed, task.StatusCompleted} {
		if err := repo.Create(ctx, &task.Task{ID: i + 1, Title: "t", Description: "d", Status: st}); err != nil {
			t.Fatal(err)
		}
	}

	all, total, err := repo.List(ctx, "", 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if total != 3 || len(all) != 3 {
		t.Fatalf("total = %d, len = %d", total, len(all))
	}
	if all[0].ID != 1 || all[2].ID != 3 {
		t.Errorf("not ordered by id: %d, %d", all[0].ID, all[2].ID)
	}

	completed, _, err := repo.List(ctx, task.StatusCompleted, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(completed) != 2 {
		t.Errorf("status filter: got %d, want 2", len(completed))
	}
}
