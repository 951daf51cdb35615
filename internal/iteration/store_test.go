package iteration

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"testing"

	"github.com/kazz187/iterdrive/pkg/cerr"
	"github.com/kazz187/iterdrive/pkg/storage"
)

func newStore(t *testing.T) (*Store, storage.Storage) {
	t.Helper()
	st, err := storage.NewLocalStorage(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	return NewStore(st), st
}

func strPtr(s string) *string { return &s }
func intPtr(n int) *int       { return &n }

func TestCreateInitialThenLoad(t *testing.T) {
	store, _ := newStore(t)
	ctx := context.Background()

	created, err := store.CreateInitial(ctx, "tasks/1/iterations/1", 1, "add endpoint", "add a health endpoint")
	if err != nil {
		t.Fatal(err)
	}
	if created.Iteration != 1 || created.Version != CurrentVersion {
		t.Errorf("created: %+v", created.Record)
	}

	loaded, err := store.Load(ctx, "tasks/1/iterations/1")
	if err != nil {
		t.Fatal(err)
	}
	if loaded.Iteration != 1 {
		t.Errorf("iteration = %d, want 1", loaded.Iteration)
	}
	if !reflect.DeepEqual(loaded.PreviousContext, (PreviousContext{})) {
		t.Errorf("previousContext not empty: %+v", loaded.PreviousContext)
	}
	if loaded.CreatedAt == "" {
		t.Error("createdAt not set")
	}
}

func TestCreateIterationRoundTripsPartialContext(t *testing.T) {
	store, st := newStore(t)
	ctx := context.Background()

	tests := []struct {
		name string
		prev PreviousContext
	}{
		{"empty", PreviousContext{}},
		{"plan only", PreviousContext{Plan: strPtr("the plan")}},
		{"summary only", PreviousContext{Summary: strPtr("the summary")}},
		{"full", PreviousContext{Plan: strPtr("p"), Summary: strPtr("s"), IterationNumber: intPtr(1)}},
	}

	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := fmt.Sprintf("tasks/2/iterations/%d", i+2)
			if _, err := store.CreateIteration(ctx, dir, 2, 2, "t", "d", tt.prev); err != nil {
				t.Fatal(err)
			}
			loaded, err := store.Load(ctx, dir)
			if err != nil {
				t.Fatal(err)
			}
			if !reflect.DeepEqual(loaded.PreviousContext, tt.prev) {
				t.Errorf("got %+v, want %+v", loaded.PreviousContext, tt.prev)
			}

			// Unset fields must be absent in the persisted JSON, not null.
			raw, err := st.Read(ctx, dir+"/"+RecordFile)
			if err != nil {
				t.Fatal(err)
			}
			var m map[string]any
			if err := json.Unmarshal(raw, &m); err != nil {
				t.Fatal(err)
			}
			pc := m["previousContext"].(map[string]any)
			if tt.prev.Plan == nil {
				if _, present := pc["plan"]; present {
					t.Error("unset plan serialized")
				}
			}
			if tt.prev.IterationNumber == nil {
				if _, present := pc["iterationNumber"]; present {
					t.Error("unset iterationNumber serialized")
				}
			}
		})
	}
}

func TestCreateIterationRejectsFirst(t *testing.T) {
	store, _ := newStore(t)
	if _, err := store.CreateIteration(context.Background(), "d", 1, 1, "t", "d", PreviousContext{}); !cerr.IsCode(err, cerr.Validation) {
		t.Errorf("got %v, want Validation", err)
	}
}

func TestLoadMigratesMissingVersionAndPersists(t *testing.T) {
	store, st := newStore(t)
	ctx := context.Background()
	dir := "tasks/3/iterations/1"

	legacy := `{"id":3,"iteration":1,"title":"t","description":"d","previousContext":{},"createdAt":"2024-01-02T03:04:05.000Z"}`
	if err := st.Write(ctx, dir+"/"+RecordFile, []byte(legacy)); err != nil {
		t.Fatal(err)
	}

	loaded, err := store.Load(ctx, dir)
	if err != nil {
		t.Fatal(err)
	}
	if loaded.Version != CurrentVersion {
		t.Errorf("version = %q, want %q", loaded.Version, CurrentVersion)
	}

	// The migration must have been written back: a direct parse of the
	// stored file sees the current version, and a second Migrate is a no-op.
	raw, err := st.Read(ctx, dir+"/"+RecordFile)
	if err != nil {
		t.Fatal(err)
	}
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		t.Fatal(err)
	}
	if rec.Version != CurrentVersion {
		t.Errorf("persisted version = %q, want %q", rec.Version, CurrentVersion)
	}
	if _, migrated := Migrate(rec); migrated {
		t.Error("second load would migrate again")
	}
}

func TestLoadErrors(t *testing.T) {
	store, st := newStore(t)
	ctx := context.Background()

	// Missing directory entirely.
	if _, err := store.Load(ctx, "tasks/9/iterations/1"); !cerr.IsCode(err, cerr.NotFound) {
		t.Errorf("missing: got %v, want NotFound", err)
	}

	// Malformed JSON.
	if err := st.Write(ctx, "bad/"+RecordFile, []byte("{not json")); err != nil {
		t.Fatal(err)
	}
	if _, err := store.Load(ctx, "bad"); !cerr.IsCode(err, cerr.Parse) {
		t.Errorf("malformed: got %v, want Parse", err)
	}

	// Well-formed but empty title.
	rec := `{"version":"1.0","id":1,"iteration":1,"title":"","description":"d","previousContext":{},"createdAt":"2024-01-02T03:04:05.000Z"}`
	if err := st.Write(ctx, "invalid/"+RecordFile, []byte(rec)); err != nil {
		t.Fatal(err)
	}
	if _, err := store.Load(ctx, "invalid"); !cerr.IsCode(err, cerr.Validation) {
		t.Errorf("empty title: got %v, want Validation", err)
	}
}

func TestExistsNeverThrows(t *testing.T) {
	store, _ := newStore(t)
	ctx := context.Background()

	if store.Exists(ctx, "no/such/dir") {
		t.Error("Exists on missing directory = true")
	}
	if _, err := store.CreateInitial(ctx, "tasks/4/iterations/1", 4, "t", "d"); err != nil {
		t.Fatal(err)
	}
	if !store.Exists(ctx, "tasks/4/iterations/1") {
		t.Error("Exists on created iteration = false")
	}
}

func TestToJSONReturnsIndependentCopy(t *testing.T) {
	store, _ := newStore(t)
	it, err := store.CreateIteration(context.Background(), "tasks/5/iterations/2", 2, 5, "t", "d",
		PreviousContext{Plan: strPtr("original")})
	if err != nil {
		t.Fatal(err)
	}

	rec := it.ToJSON()
	*rec.PreviousContext.Plan = "mutated"
	rec.Title = "mutated"

	if *it.PreviousContext.Plan != "original" {
		t.Error("mutating the copy affected the stored plan")
	}
	if it.Title != "t" {
		t.Error("mutating the copy affected the stored title")
	}
}

func TestStatusMemoized(t *testing.T) {
	store, st := newStore(t)
	ctx := context.Background()
	dir := "tasks/6/iterations/1"

	it, err := store.CreateInitial(ctx, dir, 6, "t", "d")
	if err != nil {
		t.Fatal(err)
	}

	// Status before the file exists.
	if _, err := it.Status(ctx); !cerr.IsCode(err, cerr.NotFound) {
		t.Errorf("missing status: got %v, want NotFound", err)
	}

	if err := store.WriteStatus(ctx, dir, &IterationStatus{TaskID: 6, Status: StatusRunning, Progress: 10}); err != nil {
		t.Fatal(err)
	}

	first, err := it.Status(ctx)
	if err != nil {
		t.Fatal(err)
	}
	second, err := it.Status(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if first != second {
		t.Error("repeated Status calls returned different instances")
	}

	// A rewrite on disk is invisible until Refresh.
	if err := store.WriteStatus(ctx, dir, &IterationStatus{TaskID: 6, Status: StatusCompleted, Progress: 100}); err != nil {
		t.Fatal(err)
	}
	cached, _ := it.Status(ctx)
	if cached.Status != StatusRunning {
		t.Error("cached status re-read implicitly")
	}
	refreshed, err := it.Refresh(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if refreshed.Status != StatusCompleted {
		t.Errorf("refreshed status = %q", refreshed.Status)
	}

	// Corrupt status surfaces a parse error.
	if err := st.Write(ctx, dir+"/"+StatusFile, []byte("nope")); err != nil {
		t.Fatal(err)
	}
	if _, err := it.Refresh(ctx); !cerr.IsCode(err, cerr.Parse) {
		t.Errorf("corrupt status: got %v, want Parse", err)
	}
}

func TestMarkdownFiles(t *testing.T) {
	store, st := newStore(t)
	ctx := context.Background()
	dir := "tasks/7/iterations/1"

	it, err := store.CreateInitial(ctx, dir, 7, "t", "d")
	if err != nil {
		t.Fatal(err)
	}

	for name, content := range map[string]string{
		"summary.md": "sum",
		"plan.md":    "plan",
		"notes.txt":  "not markdown",
	} {
		if err := st.Write(ctx, dir+"/"+name, []byte(content)); err != nil {
			t.Fatal(err)
		}
	}
	// Markdown in a subdirectory must be excluded.
	if err := st.Write(ctx, dir+"/sub/nested.md", []byte("nested")); err != nil {
		t.Fatal(err)
	}

	names, err := it.ListMarkdownFiles(ctx)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"plan.md", "summary.md"}
	if !reflect.DeepEqual(names, want) {
		t.Errorf("names = %v, want %v", names, want)
	}

	files, err := it.MarkdownFiles(ctx, "plan.md", "missing.md")
	if err != nil {
		t.Fatal(err)
	}
	if len(files) != 1 || files["plan.md"] != "plan" {
		t.Errorf("subset = %v", files)
	}
}

func TestListMarkdownFilesMissingDir(t *testing.T) {
	store, st := newStore(t)
	ctx := context.Background()
	dir := "tasks/8/iterations/1"

	it, err := store.CreateInitial(ctx, dir, 8, "t", "d")
	if err != nil {
		t.Fatal(err)
	}
	if err := st.DeleteAll(ctx, dir); err != nil {
		t.Fatal(err)
	}

	names, err := it.ListMarkdownFiles(ctx)
	if err != nil {
		t.Fatalf("removed directory must not error: %v", err)
	}
	if len(names) != 0 {
		t.Errorf("names = %v, want empty", names)
	}
}
