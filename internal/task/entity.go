package task

import "time"

// Status is the task lifecycle state.
//
//	NEW → IN_PROGRESS → {COMPLETED, FAILED}
//	{COMPLETED, FAILED} → ITERATING → {COMPLETED, FAILED}
//	COMPLETED → {MERGED, PUSHED}
type Status string

const (
	StatusNew        Status = "NEW"
	StatusInProgress Status = "IN_PROGRESS"
	StatusIterating  Status = "ITERATING"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
	StatusMerged     Status = "MERGED"
	StatusPushed     Status = "PUSHED"
)

// Executing reports whether an agent process may be running in this state.
func (s Status) Executing() bool {
	return s == StatusInProgress || s == StatusIterating
}

// Terminal reports whether the current execution round has finished.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusMerged, StatusPushed:
		return true
	}
	return false
}

// Iterable reports whether an iterate operation is legal from this state.
// Merged and pushed tasks do not permit further iteration.
func (s Status) Iterable() bool {
	return s == StatusCompleted || s == StatusFailed
}

type Task struct {
	ID             int        `yaml:"id" json:"id"`
	Title          string     `yaml:"title" json:"title"`
	Description    string     `yaml:"description" json:"description"`
	Status         Status     `yaml:"status" json:"status"`
	WorkflowName   string     `yaml:"workflow_name" json:"workflowName"`
	Agent          string     `yaml:"agent" json:"agent"`
	SourceBranch   string     `yaml:"source_branch" json:"sourceBranch"`
	TargetBranch   string     `yaml:"target_branch" json:"targetBranch"`
	IterationCount int        `yaml:"iteration_count" json:"iterationCount"`
	CreatedAt      time.Time  `yaml:"created_at" json:"createdAt"`
	StartedAt      *time.Time `yaml:"started_at,omitempty" json:"startedAt,omitempty"`
	CompletedAt    *time.Time `yaml:"completed_at,omitempty" json:"completedAt,omitempty"`
}
