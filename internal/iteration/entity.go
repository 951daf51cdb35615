package iteration

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/kazz187/iterdrive/pkg/cerr"
	"github.com/kazz187/iterdrive/pkg/storage"
)

const (
	// RecordFile is the well-known filename of the iteration record
	// inside the iteration directory.
	RecordFile = "iteration.json"
	// StatusFile holds the frequently rewritten status sub-record. Kept
	// separate from the record so the running agent's status writes never
	// contend with the append-only description.
	StatusFile = "status.json"

	// CurrentVersion is the current iteration record schema version.
	CurrentVersion = "1.0"

	// CreatedAtFormat is ISO-8601 with millisecond precision.
	CreatedAtFormat = "2006-01-02T15:04:05.000Z07:00"
)

// PreviousContext is the carry-over artifact from the prior iteration.
// All fields are optional and independently settable; unset fields stay
// absent in the persisted record.
type PreviousContext struct {
	Plan            *string `json:"plan,omitempty"`
	Summary         *string `json:"summary,omitempty"`
	IterationNumber *int    `json:"iterationNumber,omitempty"`
}

func (p PreviousContext) clone() PreviousContext {
	var out PreviousContext
	if p.Plan != nil {
		v := *p.Plan
		out.Plan = &v
	}
	if p.Summary != nil {
		v := *p.Summary
		out.Summary = &v
	}
	if p.IterationNumber != nil {
		v := *p.IterationNumber
		out.IterationNumber = &v
	}
	return out
}

// Record is the serializable form of an iteration.
type Record struct {
	Version         string          `json:"version"`
	ID              int             `json:"id"`
	Iteration       int             `json:"iteration"`
	Title           string          `json:"title"`
	Description     string          `json:"description"`
	PreviousContext PreviousContext `json:"previousContext"`
	CreatedAt       string          `json:"createdAt"`
}

// IterationStatus is the directory-scoped status sub-record written by
// the orchestrator while the iteration executes.
type IterationStatus struct {
	TaskID      int    `json:"taskId"`
	Status      string `json:"status"`
	CurrentStep string `json:"currentStep"`
	Progress    int    `json:"progress"`
	StartedAt   string `json:"startedAt"`
	UpdatedAt   string `json:"updatedAt"`
}

// Iteration statuses written to the status sub-record.
const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusStopped   = "stopped"
)

// Iteration is a stateful handle over a loaded (or created) record.
// The status sub-record is loaded lazily and memoized for the lifetime
// of the handle.
type Iteration struct {
	Record

	st  storage.Storage
	dir string

	statusMu sync.Mutex
	status   *IterationStatus
}

// Dir returns the iteration's storage directory.
func (it *Iteration) Dir() string {
	return it.dir
}

// ToJSON returns a fresh, independent copy of the record. Mutating the
// returned value never affects the handle.
func (it *Iteration) ToJSON() Record {
	rec := it.Record
	rec.PreviousContext = it.Record.PreviousContext.clone()
	return rec
}

// Status returns the status sub-record, reading it on first call and
// returning the identical cached instance on every subsequent call.
func (it *Iteration) Status(ctx context.Context) (*IterationStatus, error) {
	it.statusMu.Lock()
	defer it.statusMu.Unlock()
	if it.status != nil {
		return it.status, nil
	}
	st, err := it.readStatus(ctx)
	if err != nil {
		return nil, err
	}
	it.status = st
	return it.status, nil
}

// Refresh forces a re-read of the status sub-record, replacing the
// memoized instance.
func (it *Iteration) Refresh(ctx context.Context) (*IterationStatus, error) {
	it.statusMu.Lock()
	defer it.statusMu.Unlock()
	st, err := it.readStatus(ctx)
	if err != nil {
		return nil, err
	}
	it.status = st
	return it.status, nil
}

func (it *Iteration) readStatus(ctx context.Context) (*IterationStatus, error) {
	data, err := it.st.Read(ctx, it.dir+"/"+StatusFile)
	if err != nil {
		return nil, cerr.NewError(cerr.NotFound, "iteration status not found", err)
	}
	var st IterationStatus
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, cerr.NewError(cerr.Parse, "iteration status is corrupt", err)
	}
	return &st, nil
}

// ListMarkdownFiles returns the names of the *.md files directly inside
// the iteration directory, sorted lexicographically. A missing directory
// yields an empty list, not an error.
func (it *Iteration) ListMarkdownFiles(ctx context.Context) ([]string, error) {
	entries, err := it.st.List(ctx, it.dir)
	if err != nil {
		return nil, cerr.WrapStorageReadError("iteration directory", err)
	}
	var names []string
	for _, p := range entries {
		name := p[strings.LastIndex(p, "/")+1:]
		if strings.HasSuffix(name, ".md") {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names, nil
}

// MarkdownFiles reads the iteration's markdown artifacts. When names are
// given, only that subset is returned; names that don't exist are
// silently ignored. Keys iterate in lexicographic order of filename.
func (it *Iteration) MarkdownFiles(ctx context.Context, names ...string) (map[string]string, error) {
	all, err := it.ListMarkdownFiles(ctx)
	if err != nil {
		return nil, err
	}
	want := make(map[string]bool, len(names))
	for _, n := range names {
		want[n] = true
	}

	files := make(map[string]string)
	for _, name := range all {
		if len(names) > 0 && !want[name] {
			continue
		}
		data, err := it.st.Read(ctx, it.dir+"/"+name)
		if err != nil {
			return nil, cerr.WrapStorageReadError(fmt.Sprintf("artifact %s", name), err)
		}
		files[name] = string(data)
	}
	return files, nil
}
