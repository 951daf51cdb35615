package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/kazz187/iterdrive/internal/agent"
	"github.com/kazz187/iterdrive/internal/config"
	"github.com/kazz187/iterdrive/internal/eventbus"
	"github.com/kazz187/iterdrive/internal/iteration"
	"github.com/kazz187/iterdrive/internal/sandbox"
	"github.com/kazz187/iterdrive/internal/task"
	"github.com/kazz187/iterdrive/internal/workflow"
	"github.com/kazz187/iterdrive/pkg/cerr"
	"github.com/kazz187/iterdrive/pkg/shellfmt"
)

// Orchestrator drives tasks through their lifecycle: it provisions
// sandboxes, runs workflow steps through agents, persists iteration
// records and status, and publishes status events on the bus.
type Orchestrator struct {
	bus        *eventbus.Bus
	tasks      task.Repository
	workflows  *workflow.Store
	iterations *iteration.Store
	sandboxes  *sandbox.Manager
	agentEnv   *config.AgentEnv

	// newRunner resolves a tool name to an agent runner. A seam for tests.
	newRunner func(tool string) agent.Runner
	// scripts runs script steps inside the sandbox working directory.
	scripts sandbox.CommandRunner

	wg      conc.WaitGroup
	mu      sync.Mutex
	running map[int]*runHandle
}

// runHandle identifies one launched iteration. Cleanup compares handles
// so a goroutine finishing late never removes a successor's registration.
type runHandle struct {
	cancel context.CancelFunc
}

func New(
	bus *eventbus.Bus,
	tasks task.Repository,
	workflows *workflow.Store,
	iterations *iteration.Store,
	sandboxes *sandbox.Manager,
	agentEnv *config.AgentEnv,
) *Orchestrator {
	return &Orchestrator{
		bus:        bus,
		tasks:      tasks,
		workflows:  workflows,
		iterations: iterations,
		sandboxes:  sandboxes,
		agentEnv:   agentEnv,
		newRunner:  func(tool string) agent.Runner { return agent.NewRunner(tool, agentEnv) },
		scripts:    sandbox.NewExecRunner(),
		running:    make(map[int]*runHandle),
	}
}

// iterDir is the storage directory of one iteration of one task.
func iterDir(taskID, iter int) string {
	return fmt.Sprintf("tasks/%d/iterations/%d", taskID, iter)
}

func nowStamp() string {
	return time.Now().UTC().Format(iteration.CreatedAtFormat)
}

// CreateTaskInput carries the caller-supplied fields of a new task.
type CreateTaskInput struct {
	Title        string
	Description  string
	WorkflowName string
	// Agent names the AI-agent backend steps run on when the workflow
	// declares no tool of its own. Empty falls back to the configured
	// default.
	Agent        string
	SourceBranch string
	TargetBranch string
}

// CreateTask registers a task, provisions its sandbox, writes iteration 1
// and launches the workflow asynchronously. The returned task is already
// IN_PROGRESS.
func (o *Orchestrator) CreateTask(ctx context.Context, in CreateTaskInput) (*task.Task, error) {
	if strings.TrimSpace(in.Title) == "" {
		return nil, cerr.NewError(cerr.Validation, "task title is required", nil)
	}
	if strings.TrimSpace(in.Description) == "" {
		return nil, cerr.NewError(cerr.Validation, "task description is required", nil)
	}
	wf, ok := o.workflows.GetWorkflow(in.WorkflowName)
	if !ok {
		return nil, cerr.NewError(cerr.NotFound, fmt.Sprintf("unknown workflow %s", in.WorkflowName), nil)
	}

	id, err := o.tasks.NextID(ctx)
	if err != nil {
		return nil, err
	}
	if in.SourceBranch == "" {
		in.SourceBranch = "main"
	}

	t := &task.Task{
		ID:             id,
		Title:          in.Title,
		Description:    in.Description,
		Status:         task.StatusNew,
		WorkflowName:   wf.Name,
		Agent:          in.Agent,
		SourceBranch:   in.SourceBranch,
		TargetBranch:   in.TargetBranch,
		IterationCount: 1,
		CreatedAt:      time.Now().UTC(),
	}
	if err := o.tasks.Create(ctx, t); err != nil {
		return nil, err
	}
	o.publishTask(eventbus.EventTypeTaskCreated, t)

	if _, err := o.sandboxes.Provision(ctx, t); err != nil {
		o.markFailed(ctx, t)
		return nil, err
	}
	if _, err := o.iterations.CreateInitial(ctx, iterDir(id, 1), id, t.Title, t.Description); err != nil {
		o.markFailed(ctx, t)
		return nil, err
	}

	now := time.Now().UTC()
	t.Status = task.StatusInProgress
	t.StartedAt = &now
	if err := o.tasks.Update(ctx, t); err != nil {
		return nil, err
	}
	o.publishTask(eventbus.EventTypeTaskStatusChanged, t)

	o.launch(t.ID, 1)
	return t, nil
}

// Iterate starts iteration n+1 of a finished task, carrying forward the
// plan and summary artifacts of iteration n when they exist. An empty
// title reuses the task's title for the new iteration record.
func (o *Orchestrator) Iterate(ctx context.Context, taskID int, instructions, title string) (*task.Task, error) {
	if strings.TrimSpace(instructions) == "" {
		return nil, cerr.NewError(cerr.Validation, "iterate instructions are required", nil)
	}
	t, err := o.tasks.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if t.Status.Executing() {
		return nil, cerr.NewError(cerr.InvalidTransition,
			fmt.Sprintf("task %d is still executing", taskID), nil)
	}
	if !t.Status.Iterable() {
		return nil, cerr.NewError(cerr.InvalidTransition,
			fmt.Sprintf("task %d cannot iterate from status %s", taskID, t.Status), nil)
	}

	n := t.IterationCount
	prev := o.previousContext(ctx, taskID, n)

	if strings.TrimSpace(title) == "" {
		title = t.Title
	}
	if _, err := o.iterations.CreateIteration(ctx, iterDir(taskID, n+1), n+1, taskID, title, instructions, prev); err != nil {
		return nil, err
	}
	if _, err := o.sandboxes.Provision(ctx, t); err != nil {
		return nil, err
	}

	t.IterationCount = n + 1
	t.Status = task.StatusIterating
	t.CompletedAt = nil
	if err := o.tasks.Update(ctx, t); err != nil {
		return nil, err
	}
	o.publishTask(eventbus.EventTypeTaskStatusChanged, t)

	o.launch(t.ID, n+1)
	return t, nil
}

// previousContext reads the plan and summary artifacts of iteration n.
// Absent artifacts leave their fields unset.
func (o *Orchestrator) previousContext(ctx context.Context, taskID, n int) iteration.PreviousContext {
	prev := iteration.PreviousContext{IterationNumber: &n}
	it, err := o.iterations.Load(ctx, iterDir(taskID, n))
	if err != nil {
		slog.Warn("previous iteration record unreadable", "task_id", taskID, "iteration", n, "error", err)
		return prev
	}
	files, err := it.MarkdownFiles(ctx, "plan.md", "summary.md")
	if err != nil {
		slog.Warn("previous iteration artifacts unreadable", "task_id", taskID, "iteration", n, "error", err)
		return prev
	}
	if plan, ok := files["plan.md"]; ok {
		prev.Plan = &plan
	}
	if summary, ok := files["summary.md"]; ok {
		prev.Summary = &summary
	}
	return prev
}

// StopOptions controls what Stop leaves behind.
type StopOptions struct {
	// RemoveSandbox tears the worktree, branch and container down.
	RemoveSandbox bool
}

// Stop cancels the task's running iteration, if any. Stopping a task
// that is not running is a no-op.
func (o *Orchestrator) Stop(ctx context.Context, taskID int, opts StopOptions) error {
	o.mu.Lock()
	h, ok := o.running[taskID]
	o.mu.Unlock()
	if ok {
		h.cancel()
	}
	if opts.RemoveSandbox {
		return o.sandboxes.Teardown(ctx, taskID, sandbox.TeardownOptions{
			RemoveContainer: true,
			RemoveBranch:    true,
		})
	}
	return nil
}

// Restart re-provisions the sandbox and re-runs the workflow from the
// given iteration's context. fromIteration 0 means the latest iteration.
func (o *Orchestrator) Restart(ctx context.Context, taskID, fromIteration int) (*task.Task, error) {
	t, err := o.tasks.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if t.Status.Executing() {
		return nil, cerr.NewError(cerr.InvalidTransition,
			fmt.Sprintf("task %d is still executing", taskID), nil)
	}

	iter := fromIteration
	if iter == 0 {
		iter = t.IterationCount
	}
	if iter < 1 {
		return nil, cerr.NewError(cerr.Validation, "fromIteration must be >= 1", nil)
	}
	if !o.iterations.Exists(ctx, iterDir(taskID, iter)) {
		return nil, cerr.NewError(cerr.NotFound,
			fmt.Sprintf("task %d has no iteration %d", taskID, iter), nil)
	}

	if _, err := o.sandboxes.Provision(ctx, t); err != nil {
		return nil, err
	}

	if iter <= 1 {
		t.Status = task.StatusInProgress
	} else {
		t.Status = task.StatusIterating
	}
	t.CompletedAt = nil
	if err := o.tasks.Update(ctx, t); err != nil {
		return nil, err
	}
	o.publishTask(eventbus.EventTypeTaskStatusChanged, t)

	o.launch(t.ID, iter)
	return t, nil
}

// Merge merges the task's sandbox branch into its target branch. Only
// completed tasks merge.
func (o *Orchestrator) Merge(ctx context.Context, taskID int, force bool) (*task.Task, error) {
	t, err := o.tasks.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if t.Status != task.StatusCompleted {
		return nil, cerr.NewError(cerr.InvalidTransition,
			fmt.Sprintf("task %d cannot merge from status %s", taskID, t.Status), nil)
	}
	if err := o.sandboxes.Merge(ctx, t, sandbox.MergeOptions{Force: force}); err != nil {
		return nil, err
	}

	t.Status = task.StatusMerged
	if err := o.tasks.Update(ctx, t); err != nil {
		return nil, err
	}
	o.publishTask(eventbus.EventTypeTaskStatusChanged, t)
	return t, nil
}

// Push publishes the task's sandbox branch to origin. Only completed
// tasks push.
func (o *Orchestrator) Push(ctx context.Context, taskID int) (*task.Task, *sandbox.PushResult, error) {
	t, err := o.tasks.Get(ctx, taskID)
	if err != nil {
		return nil, nil, err
	}
	if t.Status != task.StatusCompleted {
		return nil, nil, cerr.NewError(cerr.InvalidTransition,
			fmt.Sprintf("task %d cannot push from status %s", taskID, t.Status), nil)
	}
	res, err := o.sandboxes.Push(ctx, t)
	if err != nil {
		return nil, nil, err
	}

	t.Status = task.StatusPushed
	if err := o.tasks.Update(ctx, t); err != nil {
		return nil, nil, err
	}
	o.publishTask(eventbus.EventTypeTaskStatusChanged, t)
	return t, res, nil
}

// Shutdown cancels every running iteration and waits for the workers to
// drain.
func (o *Orchestrator) Shutdown() {
	o.mu.Lock()
	for _, h := range o.running {
		h.cancel()
	}
	o.mu.Unlock()
	o.wg.Wait()
}

// launch runs one iteration in a supervised goroutine. The iteration gets
// its own cancellable context detached from the request that started it.
func (o *Orchestrator) launch(taskID, iter int) {
	ctx, cancel := context.WithCancel(context.Background())
	h := &runHandle{cancel: cancel}
	o.mu.Lock()
	o.running[taskID] = h
	o.mu.Unlock()

	o.wg.Go(func() {
		defer func() {
			cancel()
			o.mu.Lock()
			// An Iterate/Restart may have registered a new run for this
			// task after our terminal status write; only drop our own entry.
			if o.running[taskID] == h {
				delete(o.running, taskID)
			}
			o.mu.Unlock()
		}()
		o.runIteration(ctx, taskID, iter)
	})
}

func (o *Orchestrator) runIteration(ctx context.Context, taskID, iter int) {
	dir := iterDir(taskID, iter)
	log := slog.With("task_id", taskID, "iteration", iter)

	// Status and task reads/writes use the background context so a
	// cancelled iteration can still record its final state.
	bg := context.Background()

	t, err := o.tasks.Get(bg, taskID)
	if err != nil {
		log.Error("task vanished before execution", "error", err)
		return
	}
	wf, ok := o.workflows.GetWorkflow(t.WorkflowName)
	if !ok {
		log.Error("workflow removed before execution", "workflow", t.WorkflowName)
		o.markFailed(bg, t)
		return
	}
	it, err := o.iterations.Load(bg, dir)
	if err != nil {
		log.Error("iteration record unreadable", "error", err)
		o.markFailed(bg, t)
		return
	}
	sb, ok := o.sandboxes.Get(taskID)
	if !ok || sb.State != sandbox.StateReady {
		log.Error("sandbox not ready")
		o.markFailed(bg, t)
		return
	}

	st := &iteration.IterationStatus{
		TaskID:    taskID,
		Status:    iteration.StatusRunning,
		StartedAt: nowStamp(),
		UpdatedAt: nowStamp(),
	}
	o.writeStatus(bg, dir, st)
	o.publishStatus(eventbus.EventTypeIterationStarted, taskID, st)
	log.Info("iteration started", "workflow", wf.Name, "steps", len(wf.Steps))

	outputs := make(map[string]string)
	for i, step := range wf.Steps {
		if ctx.Err() != nil {
			o.finishStopped(bg, t, dir, st)
			return
		}

		st.CurrentStep = step.ID
		st.Progress = i * 100 / max(len(wf.Steps), 1)
		st.UpdatedAt = nowStamp()
		o.writeStatus(bg, dir, st)
		o.publishStatus(eventbus.EventTypeStepStarted, taskID, st)

		output, err := o.runStep(ctx, wf, &step, t, it, sb, outputs)
		if err != nil {
			if ctx.Err() != nil {
				o.finishStopped(bg, t, dir, st)
				return
			}
			log.Error("step failed", "step", step.ID, "error", err)
			o.publishStatus(eventbus.EventTypeStepFailed, taskID, st)
			if !wf.Config.ContinueOnError {
				st.Status = iteration.StatusFailed
				st.UpdatedAt = nowStamp()
				o.writeStatus(bg, dir, st)
				o.markFailed(bg, t)
				return
			}
			// The run keeps going, so leave a trace of the skipped step in
			// its declared outputs for later inspection.
			warning := fmt.Sprintf("WARNING: step %s failed: %v\n", step.ID, err)
			for _, name := range step.Outputs {
				if werr := o.iterations.WriteArtifact(bg, dir, name+".md", warning); werr != nil {
					log.Error("failed to save step warning", "step", step.ID, "artifact", name, "error", werr)
				}
			}
			continue
		}

		outputs[step.ID] = output
		for _, name := range step.Outputs {
			if err := o.iterations.WriteArtifact(bg, dir, name+".md", output); err != nil {
				log.Error("failed to save step artifact", "step", step.ID, "artifact", name, "error", err)
			}
		}
		o.publishStatus(eventbus.EventTypeStepCompleted, taskID, st)
		log.Info("step completed", "step", step.ID)
	}

	st.Status = iteration.StatusCompleted
	st.CurrentStep = ""
	st.Progress = 100
	st.UpdatedAt = nowStamp()
	o.writeStatus(bg, dir, st)

	now := time.Now().UTC()
	t.Status = task.StatusCompleted
	t.CompletedAt = &now
	if err := o.tasks.Update(bg, t); err != nil {
		log.Error("failed to persist completed task", "error", err)
		return
	}
	o.publishTask(eventbus.EventTypeTaskStatusChanged, t)
	log.Info("iteration completed")
}

func (o *Orchestrator) runStep(
	ctx context.Context,
	wf *workflow.Workflow,
	step *workflow.Step,
	t *task.Task,
	it *iteration.Iteration,
	sb *sandbox.Sandbox,
	outputs map[string]string,
) (string, error) {
	prompt := interpolate(step.Prompt, t, it, outputs)

	if step.Type == workflow.StepTypeScript {
		slog.Debug("running script step", "task_id", t.ID, "step", step.ID,
			"script", shellfmt.Format(prompt))
		stepCtx := ctx
		if d := wf.Config.Timeout(); d > 0 {
			var cancel context.CancelFunc
			stepCtx, cancel = context.WithTimeout(ctx, d)
			defer cancel()
		}
		stdout, stderr, err := o.scripts.Run(stepCtx, sb.Path, "bash", "-c", prompt)
		if err != nil {
			return "", cerr.NewErrorWithDetails(cerr.Process,
				fmt.Sprintf("script step %s failed", step.ID), err,
				[]string{strings.TrimSpace(stderr)})
		}
		return stdout, nil
	}

	cfg, err := wf.ResolveStepConfig(step.ID)
	if err != nil {
		return "", err
	}
	// When neither the step nor the workflow names a tool, the task's own
	// agent wins over the configured default.
	if step.Tool == "" && wf.Defaults.Tool == "" {
		switch {
		case t.Agent != "":
			cfg.Tool = t.Agent
		case o.agentEnv.DefaultTool != "":
			cfg.Tool = o.agentEnv.DefaultTool
		}
	}
	runner := o.newRunner(cfg.Tool)
	res, err := runner.Invoke(ctx, agent.Invocation{
		Prompt:       prompt,
		SystemPrompt: wf.Description,
		Dir:          sb.Path,
		Model:        cfg.Model,
		Timeout:      wf.Config.Timeout(),
	})
	if err != nil {
		return "", err
	}
	return res.Output, nil
}

// interpolate substitutes the prompt placeholders with task fields,
// carried-over context and earlier step outputs.
func interpolate(prompt string, t *task.Task, it *iteration.Iteration, outputs map[string]string) string {
	pairs := []string{
		"{{title}}", t.Title,
		"{{description}}", it.Description,
	}
	if it.PreviousContext.Plan != nil {
		pairs = append(pairs, "{{previous_plan}}", *it.PreviousContext.Plan)
	} else {
		pairs = append(pairs, "{{previous_plan}}", "")
	}
	if it.PreviousContext.Summary != nil {
		pairs = append(pairs, "{{previous_summary}}", *it.PreviousContext.Summary)
	} else {
		pairs = append(pairs, "{{previous_summary}}", "")
	}
	for id, out := range outputs {
		pairs = append(pairs, "{{steps."+id+"}}", out)
	}
	return strings.NewReplacer(pairs...).Replace(prompt)
}

func (o *Orchestrator) finishStopped(ctx context.Context, t *task.Task, dir string, st *iteration.IterationStatus) {
	st.Status = iteration.StatusStopped
	st.UpdatedAt = nowStamp()
	o.writeStatus(ctx, dir, st)
	o.markFailed(ctx, t)
	slog.Info("iteration stopped", "task_id", t.ID)
}

func (o *Orchestrator) markFailed(ctx context.Context, t *task.Task) {
	t.Status = task.StatusFailed
	if err := o.tasks.Update(ctx, t); err != nil {
		slog.Error("failed to persist failed task", "task_id", t.ID, "error", err)
		return
	}
	o.publishTask(eventbus.EventTypeTaskStatusChanged, t)
}

func (o *Orchestrator) writeStatus(ctx context.Context, dir string, st *iteration.IterationStatus) {
	if err := o.iterations.WriteStatus(ctx, dir, st); err != nil {
		slog.Error("failed to write iteration status", "task_id", st.TaskID, "error", err)
	}
}

func (o *Orchestrator) publishStatus(typ eventbus.EventType, taskID int, st *iteration.IterationStatus) {
	payload, err := json.Marshal(st)
	if err != nil {
		slog.Error("failed to marshal status event payload", "task_id", taskID, "error", err)
		return
	}
	o.bus.PublishNew(typ, taskID, payload)
}

func (o *Orchestrator) publishTask(typ eventbus.EventType, t *task.Task) {
	payload, err := json.Marshal(t)
	if err != nil {
		slog.Error("failed to marshal task event payload", "task_id", t.ID, "error", err)
		return
	}
	o.bus.PublishNew(typ, t.ID, payload)
}
