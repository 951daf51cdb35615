package sandbox

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/pmezard/go-difflib/difflib"

	"github.com/kazz187/iterdrive/internal/config"
	"github.com/kazz187/iterdrive/internal/task"
	"github.com/kazz187/iterdrive/pkg/cerr"
)

// branchPrefix namespaces the branches this manager creates so teardown
// never touches user branches.
const branchPrefix = "iterdrive/"

// Manager provisions and tears down per-task execution sandboxes. Each
// sandbox is a git worktree on a dedicated branch derived from the task
// id and a slug of its title, optionally wrapped in a container.
type Manager struct {
	env    *config.SandboxEnv
	runner CommandRunner

	mu        sync.Mutex
	sandboxes map[int]*Sandbox
	locks     map[int]*sync.Mutex
}

func NewManager(env *config.SandboxEnv, runner CommandRunner) *Manager {
	return &Manager{
		env:       env,
		runner:    runner,
		sandboxes: make(map[int]*Sandbox),
		locks:     make(map[int]*sync.Mutex),
	}
}

// taskLock returns the per-task mutex, creating it on first use.
// Provisioning for different tasks proceeds concurrently; repeated calls
// for the same task serialize on this lock.
func (m *Manager) taskLock(taskID int) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[taskID]
	if !ok {
		l = &sync.Mutex{}
		m.locks[taskID] = l
	}
	return l
}

func (m *Manager) get(taskID int) *Sandbox {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sandboxes[taskID]
}

func (m *Manager) put(sb *Sandbox) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sandboxes[sb.TaskID] = sb
}

// Get returns the sandbox record for a task, if one exists.
func (m *Manager) Get(taskID int) (*Sandbox, bool) {
	sb := m.get(taskID)
	return sb, sb != nil
}

// BranchName derives the dedicated branch for a task deterministically
// from its id and a slug of its title.
func BranchName(t *task.Task) string {
	return fmt.Sprintf("%stask-%d-%s", branchPrefix, t.ID, slugify(t.Title))
}

func slugify(title string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(title) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteByte('-')
		}
	}
	slug := strings.Trim(b.String(), "-")
	for strings.Contains(slug, "--") {
		slug = strings.ReplaceAll(slug, "--", "-")
	}
	if len(slug) > 40 {
		slug = strings.Trim(slug[:40], "-")
	}
	if slug == "" {
		slug = "task"
	}
	return slug
}

// Provision creates the task's sandbox, or returns the existing one
// unchanged when it is already ready. Concurrent calls for the same task
// serialize; the second caller receives the first caller's result.
func (m *Manager) Provision(ctx context.Context, t *task.Task) (*Sandbox, error) {
	l := m.taskLock(t.ID)
	l.Lock()
	defer l.Unlock()

	if sb := m.get(t.ID); sb != nil && sb.State == StateReady {
		return sb, nil
	}

	branch := BranchName(t)
	path := filepath.Join(m.env.WorktreeDir, fmt.Sprintf("task-%d", t.ID))
	sb := &Sandbox{TaskID: t.ID, Path: path, Branch: branch, State: StateProvisioning}
	m.put(sb)

	if err := os.MkdirAll(m.env.WorktreeDir, 0o755); err != nil {
		sb.State = StateAbsent
		return nil, cerr.NewError(cerr.SandboxProvision, "failed to create worktree directory", err)
	}

	// -B: a stale branch left by a previous sandbox of the same task is
	// reset; the branch namespace guarantees it belongs to this task.
	_, stderr, err := m.runner.Run(ctx, m.env.RepoDir, m.env.GitBin,
		"worktree", "add", "-B", branch, path, t.SourceBranch)
	if err != nil {
		sb.State = StateAbsent
		return nil, cerr.NewErrorWithDetails(cerr.SandboxProvision,
			fmt.Sprintf("failed to create worktree for task %d", t.ID), err,
			[]string{strings.TrimSpace(stderr)})
	}

	if m.env.ContainerImage != "" {
		stdout, stderr, err := m.runner.Run(ctx, path, m.env.DockerBin,
			"run", "-d",
			"-v", fmt.Sprintf("%s:/workspace", path),
			"-w", "/workspace",
			m.env.ContainerImage,
			"sleep", "infinity")
		if err != nil {
			// Roll the worktree back so the sandbox is not half-provisioned.
			_, _, _ = m.runner.Run(ctx, m.env.RepoDir, m.env.GitBin, "worktree", "remove", "--force", path)
			sb.State = StateAbsent
			return nil, cerr.NewErrorWithDetails(cerr.SandboxProvision,
				fmt.Sprintf("failed to start container for task %d", t.ID), err,
				[]string{strings.TrimSpace(stderr)})
		}
		sb.ContainerID = strings.TrimSpace(stdout)
	}

	sb.State = StateReady
	slog.Info("sandbox provisioned", "task_id", t.ID, "branch", branch, "path", path)
	return sb, nil
}

// Teardown removes the task's sandbox. Partial failures leave the record
// in teardown_failed with the underlying cause, never in an ambiguous
// state.
func (m *Manager) Teardown(ctx context.Context, taskID int, opts TeardownOptions) error {
	l := m.taskLock(taskID)
	l.Lock()
	defer l.Unlock()

	sb := m.get(taskID)
	if sb == nil || sb.State == StateTornDown {
		return nil
	}

	var failures []string

	if opts.RemoveContainer && sb.ContainerID != "" {
		if _, stderr, err := m.runner.Run(ctx, "", m.env.DockerBin, "rm", "-f", sb.ContainerID); err != nil {
			failures = append(failures, fmt.Sprintf("container %s: %s", sb.ContainerID, strings.TrimSpace(stderr)))
		} else {
			sb.ContainerID = ""
		}
	}

	if _, stderr, err := m.runner.Run(ctx, m.env.RepoDir, m.env.GitBin,
		"worktree", "remove", "--force", sb.Path); err != nil {
		failures = append(failures, fmt.Sprintf("worktree %s: %s", sb.Path, strings.TrimSpace(stderr)))
	}

	if opts.RemoveBranch {
		if _, stderr, err := m.runner.Run(ctx, m.env.RepoDir, m.env.GitBin,
			"branch", "-D", sb.Branch); err != nil {
			failures = append(failures, fmt.Sprintf("branch %s: %s", sb.Branch, strings.TrimSpace(stderr)))
		}
	}

	if len(failures) > 0 {
		sb.State = StateTeardownFailed
		sb.Cause = strings.Join(failures, "; ")
		return cerr.NewErrorWithDetails(cerr.TeardownFailed,
			fmt.Sprintf("teardown of task %d sandbox incomplete", taskID), nil, failures)
	}

	sb.State = StateTornDown
	sb.Cause = ""
	slog.Info("sandbox torn down", "task_id", taskID)
	return nil
}

// Diff renders the sandbox branch's changes against a comparison branch
// (default: the task's source branch).
func (m *Manager) Diff(ctx context.Context, t *task.Task, opts DiffOptions) (string, error) {
	sb := m.get(t.ID)
	if sb == nil || sb.State != StateReady {
		return "", cerr.NewError(cerr.NotFound, fmt.Sprintf("task %d has no ready sandbox", t.ID), nil)
	}

	against := opts.Against
	if against == "" {
		against = t.SourceBranch
	}

	if opts.File != "" {
		return m.fileDiff(ctx, sb, against, opts.File)
	}

	args := []string{"diff"}
	if opts.OnlyFiles {
		args = append(args, "--name-only")
	}
	args = append(args, against)

	stdout, stderr, err := m.runner.Run(ctx, sb.Path, m.env.GitBin, args...)
	if err != nil {
		return "", cerr.NewErrorWithDetails(cerr.Internal, "diff failed", err, []string{strings.TrimSpace(stderr)})
	}
	return stdout, nil
}

// fileDiff diffs one file against its content on the comparison branch.
// Rendered with difflib so a file absent on either side still yields a
// readable unified diff.
func (m *Manager) fileDiff(ctx context.Context, sb *Sandbox, against, file string) (string, error) {
	base, _, err := m.runner.Run(ctx, sb.Path, m.env.GitBin, "show", against+":"+file)
	if err != nil {
		// File does not exist on the comparison branch.
		base = ""
	}

	current := ""
	data, readErr := os.ReadFile(filepath.Join(sb.Path, file))
	if readErr == nil {
		current = string(data)
	}

	diff, err := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        difflib.SplitLines(base),
		B:        difflib.SplitLines(current),
		FromFile: against + ":" + file,
		ToFile:   file,
		Context:  3,
	})
	if err != nil {
		return "", cerr.NewError(cerr.Internal, "diff failed", err)
	}
	return diff, nil
}

// Merge merges the sandbox branch into the task's target branch. On
// conflict the attempt is aborted and the conflicting files are
// reported, unless force resolves in favor of the sandbox branch.
func (m *Manager) Merge(ctx context.Context, t *task.Task, opts MergeOptions) error {
	sb := m.get(t.ID)
	if sb == nil {
		return cerr.NewError(cerr.NotFound, fmt.Sprintf("task %d has no sandbox", t.ID), nil)
	}

	target := t.TargetBranch
	if target == "" {
		target = t.SourceBranch
	}

	if _, stderr, err := m.runner.Run(ctx, m.env.RepoDir, m.env.GitBin, "checkout", target); err != nil {
		return cerr.NewErrorWithDetails(cerr.Internal,
			fmt.Sprintf("failed to check out %s", target), err, []string{strings.TrimSpace(stderr)})
	}

	mergeArgs := []string{"merge", "--no-ff"}
	if opts.Force {
		mergeArgs = append(mergeArgs, "-X", "theirs")
	}
	mergeArgs = append(mergeArgs, sb.Branch)

	if _, stderr, err := m.runner.Run(ctx, m.env.RepoDir, m.env.GitBin, mergeArgs...); err != nil {
		conflicts := m.conflictingFiles(ctx)
		_, _, _ = m.runner.Run(ctx, m.env.RepoDir, m.env.GitBin, "merge", "--abort")
		if len(conflicts) > 0 {
			return cerr.NewErrorWithDetails(cerr.MergeConflict,
				fmt.Sprintf("merging task %d conflicts with %s", t.ID, target), err, conflicts)
		}
		return cerr.NewErrorWithDetails(cerr.Internal, "merge failed", err, []string{strings.TrimSpace(stderr)})
	}

	slog.Info("sandbox merged", "task_id", t.ID, "branch", sb.Branch, "target", target)
	return nil
}

func (m *Manager) conflictingFiles(ctx context.Context) []string {
	stdout, _, err := m.runner.Run(ctx, m.env.RepoDir, m.env.GitBin,
		"diff", "--name-only", "--diff-filter=U")
	if err != nil {
		return nil
	}
	var files []string
	for _, line := range strings.Split(strings.TrimSpace(stdout), "\n") {
		if line != "" {
			files = append(files, line)
		}
	}
	return files
}

// Push publishes the sandbox branch to origin. Forges that answer a push
// with a pull-request URL have it extracted from stderr.
func (m *Manager) Push(ctx context.Context, t *task.Task) (*PushResult, error) {
	sb := m.get(t.ID)
	if sb == nil {
		return nil, cerr.NewError(cerr.NotFound, fmt.Sprintf("task %d has no sandbox", t.ID), nil)
	}

	_, stderr, err := m.runner.Run(ctx, sb.Path, m.env.GitBin, "push", "-u", "origin", sb.Branch)
	if err != nil {
		return nil, cerr.NewErrorWithDetails(cerr.Internal,
			fmt.Sprintf("failed to push task %d branch", t.ID), err, []string{strings.TrimSpace(stderr)})
	}

	return &PushResult{Pushed: true, PRURL: extractPRURL(stderr)}, nil
}

// extractPRURL scans push output for the pull-request link many forges
// print on a "remote:" line.
func extractPRURL(stderr string) string {
	for _, line := range strings.Split(stderr, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "remote:") {
			continue
		}
		for _, field := range strings.Fields(line) {
			if strings.HasPrefix(field, "https://") || strings.HasPrefix(field, "http://") {
				return field
			}
		}
	}
	return ""
}
