package notify

import (
	"context"
	"testing"

	"github.com/kazz187/iterdrive/internal/task"
	"github.com/kazz187/iterdrive/pkg/cerr"
	"github.com/kazz187/iterdrive/pkg/storage"
)

func TestPayloadFor(t *testing.T) {
	tests := []struct {
		status    task.Status
		wantTitle string
	}{
		{task.StatusCompleted, "Task Completed"},
		{task.StatusFailed, "Task Failed"},
		{task.StatusMerged, "Task Merged"},
		{task.StatusPushed, "Task Pushed"},
		{task.StatusInProgress, ""},
	}
	for _, tt := range tests {
		p := payloadFor(&task.Task{ID: 4, Title: "add login", Status: tt.status})
		if tt.wantTitle == "" {
			if p != nil {
				t.Errorf("%s: got payload %+v, want none", tt.status, p)
			}
			continue
		}
		if p == nil || p.Title != tt.wantTitle {
			t.Errorf("%s: got %+v, want title %q", tt.status, p, tt.wantTitle)
			continue
		}
		if p.URL != "/tasks/4" || p.Tag != "task-4" {
			t.Errorf("%s: url/tag = %q/%q", tt.status, p.URL, p.Tag)
		}
	}
}

func TestSubscriptionRegisterIsIdempotentPerEndpoint(t *testing.T) {
	st, err := storage.NewLocalStorage(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	repo := NewSubscriptionRepository(st)
	ctx := context.Background()

	first, err := repo.Register(ctx, "https://push.example/ep1", "p256dh", "auth")
	if err != nil {
		t.Fatal(err)
	}
	again, err := repo.Register(ctx, "https://push.example/ep1", "p256dh", "auth")
	if err != nil {
		t.Fatal(err)
	}
	if first.ID != again.ID {
		t.Errorf("re-registering the same endpoint created a new subscription")
	}

	if _, err := repo.Register(ctx, "", "k", "a"); !cerr.IsCode(err, cerr.Validation) {
		t.Errorf("empty endpoint: got %v, want Validation", err)
	}

	subs, err := repo.List(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(subs) != 1 {
		t.Errorf("len = %d, want 1", len(subs))
	}

	if err := repo.Delete(ctx, first.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := repo.FindByEndpoint(ctx, "https://push.example/ep1"); !cerr.IsCode(err, cerr.NotFound) {
		t.Errorf("after delete: got %v, want NotFound", err)
	}
}
