package sandbox

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kazz187/iterdrive/internal/config"
	"github.com/kazz187/iterdrive/internal/task"
	"github.com/kazz187/iterdrive/pkg/cerr"
)

// fakeRunner records every invocation and answers from a script keyed on
// a prefix of the argument list.
type fakeRunner struct {
	mu    sync.Mutex
	calls []string
	// script maps an args prefix (joined by space) to a canned response.
	script map[string]fakeResponse
}

type fakeResponse struct {
	stdout string
	stderr string
	err    error
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{script: make(map[string]fakeResponse)}
}

func (f *fakeRunner) on(prefix string, resp fakeResponse) {
	f.script[prefix] = resp
}

func (f *fakeRunner) Run(_ context.Context, _ string, name string, args ...string) (string, string, error) {
	call := name + " " + strings.Join(args, " ")
	f.mu.Lock()
	f.calls = append(f.calls, call)
	f.mu.Unlock()
	for prefix, resp := range f.script {
		if strings.HasPrefix(call, prefix) {
			return resp.stdout, resp.stderr, resp.err
		}
	}
	return "", "", nil
}

func (f *fakeRunner) callCount(prefix string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if strings.HasPrefix(c, prefix) {
			n++
		}
	}
	return n
}

func testEnv(t *testing.T) *config.SandboxEnv {
	return &config.SandboxEnv{
		RepoDir:     t.TempDir(),
		WorktreeDir: t.TempDir(),
		GitBin:      "git",
		DockerBin:   "docker",
	}
}

func testTask(id int) *task.Task {
	return &task.Task{
		ID:           id,
		Title:        "Add OAuth2 Login!",
		SourceBranch: "main",
	}
}

func TestBranchName(t *testing.T) {
	tests := []struct {
		title string
		want  string
	}{
		{"Add OAuth2 Login!", "iterdrive/task-7-add-oauth2-login"},
		{"   ", "iterdrive/task-7-task"},
		{"fix  --  double", "iterdrive/task-7-fix-double"},
		{strings.Repeat("very long title ", 10), "iterdrive/task-7-very-long-title-very-long-title-very-lon"},
	}
	for _, tt := range tests {
		got := BranchName(&task.Task{ID: 7, Title: tt.title})
		assert.Equal(t, tt.want, got, "title %q", tt.title)
	}
}

func TestProvisionIdempotent(t *testing.T) {
	runner := newFakeRunner()
	m := NewManager(testEnv(t), runner)
	tk := testTask(1)

	sb1, err := m.Provision(context.Background(), tk)
	require.NoError(t, err)
	assert.Equal(t, StateReady, sb1.State)
	assert.Equal(t, "iterdrive/task-1-add-oauth2-login", sb1.Branch)

	sb2, err := m.Provision(context.Background(), tk)
	require.NoError(t, err)
	assert.Same(t, sb1, sb2)
	assert.Equal(t, 1, runner.callCount("git worktree add"))
}

func TestProvisionConcurrentSameTask(t *testing.T) {
	runner := newFakeRunner()
	m := NewManager(testEnv(t), runner)
	tk := testTask(2)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.Provision(context.Background(), tk)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, runner.callCount("git worktree add"))
}

func TestProvisionWorktreeFailure(t *testing.T) {
	runner := newFakeRunner()
	runner.on("git worktree add", fakeResponse{
		stderr: "fatal: invalid reference: main",
		err:    errors.New("exit status 128"),
	})
	m := NewManager(testEnv(t), runner)

	_, err := m.Provision(context.Background(), testTask(3))
	require.Error(t, err)
	assert.True(t, cerr.IsCode(err, cerr.SandboxProvision))

	var cErr *cerr.Error
	require.ErrorAs(t, err, &cErr)
	assert.Contains(t, cErr.Details[0], "invalid reference")

	// A failed provision leaves no ready sandbox behind.
	sb, ok := m.Get(3)
	require.True(t, ok)
	assert.Equal(t, StateAbsent, sb.State)
}

func TestProvisionContainerFailureRollsBackWorktree(t *testing.T) {
	runner := newFakeRunner()
	runner.on("docker run", fakeResponse{
		stderr: "Unable to find image",
		err:    errors.New("exit status 125"),
	})
	env := testEnv(t)
	env.ContainerImage = "iterdrive/agent:latest"
	m := NewManager(env, runner)

	_, err := m.Provision(context.Background(), testTask(4))
	require.Error(t, err)
	assert.True(t, cerr.IsCode(err, cerr.SandboxProvision))
	assert.Equal(t, 1, runner.callCount("git worktree remove"))
}

func TestProvisionStoresContainerID(t *testing.T) {
	runner := newFakeRunner()
	runner.on("docker run", fakeResponse{stdout: "abc123def\n"})
	env := testEnv(t)
	env.ContainerImage = "iterdrive/agent:latest"
	m := NewManager(env, runner)

	sb, err := m.Provision(context.Background(), testTask(5))
	require.NoError(t, err)
	assert.Equal(t, "abc123def", sb.ContainerID)
}

func TestTeardown(t *testing.T) {
	runner := newFakeRunner()
	m := NewManager(testEnv(t), runner)
	tk := testTask(6)

	_, err := m.Provision(context.Background(), tk)
	require.NoError(t, err)

	err = m.Teardown(context.Background(), tk.ID, TeardownOptions{RemoveBranch: true})
	require.NoError(t, err)

	sb, _ := m.Get(tk.ID)
	assert.Equal(t, StateTornDown, sb.State)
	assert.Equal(t, 1, runner.callCount("git worktree remove"))
	assert.Equal(t, 1, runner.callCount("git branch -D"))

	// Tearing down again is a no-op.
	require.NoError(t, m.Teardown(context.Background(), tk.ID, TeardownOptions{}))
	assert.Equal(t, 1, runner.callCount("git worktree remove"))
}

func TestTeardownFailureIsExplicit(t *testing.T) {
	runner := newFakeRunner()
	runner.on("git worktree remove", fakeResponse{
		stderr: "fatal: working trees containing submodules cannot be moved or removed",
		err:    errors.New("exit status 128"),
	})
	m := NewManager(testEnv(t), runner)
	tk := testTask(7)

	_, err := m.Provision(context.Background(), tk)
	require.NoError(t, err)

	err = m.Teardown(context.Background(), tk.ID, TeardownOptions{})
	require.Error(t, err)
	assert.True(t, cerr.IsCode(err, cerr.TeardownFailed))

	sb, _ := m.Get(tk.ID)
	assert.Equal(t, StateTeardownFailed, sb.State)
	assert.Contains(t, sb.Cause, "submodules")
}

func TestTeardownUnknownTaskIsNoop(t *testing.T) {
	m := NewManager(testEnv(t), newFakeRunner())
	require.NoError(t, m.Teardown(context.Background(), 999, TeardownOptions{}))
}

func TestDiff(t *testing.T) {
	runner := newFakeRunner()
	runner.on("git diff --name-only main", fakeResponse{stdout: "a.go\nb.go\n"})
	runner.on("git diff main", fakeResponse{stdout: "diff --git a/a.go b/a.go\n"})
	m := NewManager(testEnv(t), runner)
	tk := testTask(8)

	_, err := m.Provision(context.Background(), tk)
	require.NoError(t, err)

	out, err := m.Diff(context.Background(), tk, DiffOptions{})
	require.NoError(t, err)
	assert.Contains(t, out, "diff --git")

	out, err = m.Diff(context.Background(), tk, DiffOptions{OnlyFiles: true})
	require.NoError(t, err)
	assert.Equal(t, "a.go\nb.go\n", out)
}

func TestDiffWithoutSandbox(t *testing.T) {
	m := NewManager(testEnv(t), newFakeRunner())
	_, err := m.Diff(context.Background(), testTask(9), DiffOptions{})
	assert.True(t, cerr.IsCode(err, cerr.NotFound))
}

func TestMergeConflict(t *testing.T) {
	runner := newFakeRunner()
	runner.on("git merge --no-ff", fakeResponse{
		stderr: "CONFLICT (content): Merge conflict in a.go",
		err:    errors.New("exit status 1"),
	})
	runner.on("git diff --name-only --diff-filter=U", fakeResponse{stdout: "a.go\nsub/b.go\n"})
	m := NewManager(testEnv(t), runner)
	tk := testTask(10)
	tk.TargetBranch = "main"

	_, err := m.Provision(context.Background(), tk)
	require.NoError(t, err)

	err = m.Merge(context.Background(), tk, MergeOptions{})
	require.Error(t, err)
	assert.True(t, cerr.IsCode(err, cerr.MergeConflict))

	var cErr *cerr.Error
	require.ErrorAs(t, err, &cErr)
	assert.Equal(t, []string{"a.go", "sub/b.go"}, cErr.Details)

	// The conflicted merge must be aborted.
	assert.Equal(t, 1, runner.callCount("git merge --abort"))
}

func TestMergeForceUsesTheirs(t *testing.T) {
	runner := newFakeRunner()
	m := NewManager(testEnv(t), runner)
	tk := testTask(11)
	tk.TargetBranch = "main"

	_, err := m.Provision(context.Background(), tk)
	require.NoError(t, err)

	require.NoError(t, m.Merge(context.Background(), tk, MergeOptions{Force: true}))
	assert.Equal(t, 1, runner.callCount("git merge --no-ff -X theirs"))
}

func TestPushExtractsPRURL(t *testing.T) {
	runner := newFakeRunner()
	runner.on("git push", fakeResponse{
		stderr: strings.Join([]string{
			"remote:",
			"remote: Create a pull request for 'iterdrive/task-12-add-oauth2-login' on GitHub by visiting:",
			"remote:      https://github.com/acme/repo/pull/new/iterdrive/task-12-add-oauth2-login",
			"remote:",
		}, "\n"),
	})
	m := NewManager(testEnv(t), runner)
	tk := testTask(12)

	_, err := m.Provision(context.Background(), tk)
	require.NoError(t, err)

	res, err := m.Push(context.Background(), tk)
	require.NoError(t, err)
	assert.True(t, res.Pushed)
	assert.Equal(t, "https://github.com/acme/repo/pull/new/iterdrive/task-12-add-oauth2-login", res.PRURL)
}

func TestPushFailure(t *testing.T) {
	runner := newFakeRunner()
	runner.on("git push", fakeResponse{
		stderr: "fatal: could not read from remote repository",
		err:    errors.New("exit status 128"),
	})
	m := NewManager(testEnv(t), runner)
	tk := testTask(13)

	_, err := m.Provision(context.Background(), tk)
	require.NoError(t, err)

	_, err = m.Push(context.Background(), tk)
	require.Error(t, err)
	assert.True(t, cerr.IsCode(err, cerr.Internal))
}
