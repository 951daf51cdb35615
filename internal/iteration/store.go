package iteration

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/kazz187/iterdrive/pkg/cerr"
	"github.com/kazz187/iterdrive/pkg/storage"
)

// Store persists iteration records. Each iteration owns a directory
// holding its record, its status sub-record, and free-form markdown
// artifacts produced by workflow steps.
type Store struct {
	st storage.Storage
}

func NewStore(st storage.Storage) *Store {
	return &Store{st: st}
}

// CreateInitial writes iteration 1 with an empty previousContext.
func (s *Store) CreateInitial(ctx context.Context, dir string, id int, title, description string) (*Iteration, error) {
	return s.create(ctx, dir, 1, id, title, description, PreviousContext{})
}

// CreateIteration writes iteration n (n >= 2) carrying forward the given
// previousContext, which may be partial or empty.
func (s *Store) CreateIteration(ctx context.Context, dir string, iter, id int, title, description string, prev PreviousContext) (*Iteration, error) {
	if iter < 2 {
		return nil, cerr.NewError(cerr.Validation, "iteration must be >= 2", nil)
	}
	return s.create(ctx, dir, iter, id, title, description, prev)
}

func (s *Store) create(ctx context.Context, dir string, iter, id int, title, description string, prev PreviousContext) (*Iteration, error) {
	rec := Record{
		Version:         CurrentVersion,
		ID:              id,
		Iteration:       iter,
		Title:           title,
		Description:     description,
		PreviousContext: prev.clone(),
		CreatedAt:       time.Now().UTC().Format(CreatedAtFormat),
	}
	if err := validate(rec); err != nil {
		return nil, err
	}
	if err := s.write(ctx, dir, rec); err != nil {
		return nil, err
	}
	return &Iteration{Record: rec, st: s.st, dir: dir}, nil
}

// Load reads the record at the well-known filename inside dir. Records
// lacking a version are migrated to the current schema and the migrated
// form is persisted back before returning.
func (s *Store) Load(ctx context.Context, dir string) (*Iteration, error) {
	data, err := s.st.Read(ctx, dir+"/"+RecordFile)
	if err != nil {
		return nil, cerr.WrapStorageReadError("iteration record", err)
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, cerr.NewError(cerr.Parse, "iteration record is not valid JSON", err)
	}
	if err := validate(rec); err != nil {
		return nil, err
	}
	rec, migrated := Migrate(rec)
	if migrated {
		if err := s.write(ctx, dir, rec); err != nil {
			return nil, err
		}
	}
	return &Iteration{Record: rec, st: s.st, dir: dir}, nil
}

// Exists reports whether an iteration record exists at dir. It never
// fails: missing files and missing directories both yield false.
func (s *Store) Exists(ctx context.Context, dir string) bool {
	ok, err := s.st.Exists(ctx, dir+"/"+RecordFile)
	return err == nil && ok
}

// WriteStatus overwrites the status sub-record. The orchestrator is the
// only writer; each write is atomic with respect to concurrent readers.
func (s *Store) WriteStatus(ctx context.Context, dir string, st *IterationStatus) error {
	data, err := json.Marshal(st)
	if err != nil {
		return cerr.NewError(cerr.Internal, "server error", fmt.Errorf("failed to marshal iteration status: %w", err))
	}
	if err := s.st.Write(ctx, dir+"/"+StatusFile, data); err != nil {
		return cerr.WrapStorageWriteError("iteration status", err)
	}
	return nil
}

// WriteArtifact saves a free-form markdown artifact (plan, summary, step
// output) into the iteration directory.
func (s *Store) WriteArtifact(ctx context.Context, dir, name, content string) error {
	if err := s.st.Write(ctx, dir+"/"+name, []byte(content)); err != nil {
		return cerr.WrapStorageWriteError(fmt.Sprintf("artifact %s", name), err)
	}
	return nil
}

func (s *Store) write(ctx context.Context, dir string, rec Record) error {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return cerr.NewError(cerr.Internal, "server error", fmt.Errorf("failed to marshal iteration record: %w", err))
	}
	if err := s.st.Write(ctx, dir+"/"+RecordFile, data); err != nil {
		return cerr.WrapStorageWriteError("iteration record", err)
	}
	return nil
}

func validate(rec Record) error {
	if rec.ID <= 0 {
		return cerr.NewError(cerr.Validation, "iteration record id is required", nil)
	}
	if rec.Title == "" {
		return cerr.NewError(cerr.Validation, "iteration record title is required", nil)
	}
	if rec.Description == "" {
		return cerr.NewError(cerr.Validation, "iteration record description is required", nil)
	}
	if rec.Iteration < 1 {
		return cerr.NewError(cerr.Validation, "iteration number must be >= 1", nil)
	}
	return nil
}
