package sandbox

// State tracks a sandbox through its lifecycle.
type State string

const (
	StateAbsent         State = "absent"
	StateProvisioning   State = "provisioning"
	StateReady          State = "ready"
	StateTornDown       State = "torn_down"
	StateTeardownFailed State = "teardown_failed"
)

// Sandbox is the isolated execution context bound to one task: a git
// worktree on a dedicated branch, optionally wrapped in a container.
type Sandbox struct {
	TaskID      int    `json:"taskId"`
	Path        string `json:"path"`
	Branch      string `json:"branch"`
	ContainerID string `json:"containerId,omitempty"`
	State       State  `json:"state"`
	// Cause holds the underlying failure when State is teardown_failed.
	Cause string `json:"cause,omitempty"`
}

// TeardownOptions selects which parts of a sandbox to remove. The
// worktree itself is always removed.
type TeardownOptions struct {
	RemoveContainer bool
	RemoveBranch    bool
}

// DiffOptions narrows a sandbox diff.
type DiffOptions struct {
	// Against is the comparison branch; empty means the task's source branch.
	Against string
	// File limits the diff to a single file.
	File string
	// OnlyFiles lists changed paths instead of full patches.
	OnlyFiles bool
}

// MergeOptions controls sandbox branch merging.
type MergeOptions struct {
	// Force resolves conflicts in favor of the sandbox branch instead of
	// failing with the conflicting file list.
	Force bool
}

// PushResult reports the outcome of pushing a sandbox branch.
type PushResult struct {
	Pushed bool   `json:"pushed"`
	PRURL  string `json:"prUrl,omitempty"`
}
