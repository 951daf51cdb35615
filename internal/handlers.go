package internal

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/kazz187/iterdrive/internal/orchestrator"
	"github.com/kazz187/iterdrive/internal/sandbox"
	"github.com/kazz187/iterdrive/internal/task"
	"github.com/kazz187/iterdrive/pkg/cerr"
)

func taskID(r *http.Request) (int, error) {
	id, err := strconv.Atoi(chi.URLParam(r, "id"))
	if err != nil {
		return 0, cerr.NewError(cerr.Validation, "task id must be an integer", err)
	}
	return id, nil
}

func decodeBody(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return cerr.NewError(cerr.Parse, "request body is not valid JSON", err)
	}
	return nil
}

type createTaskRequest struct {
	Title        string `json:"title"`
	Description  string `json:"description"`
	Workflow     string `json:"workflow"`
	Agent        string `json:"agent,omitempty"`
	SourceBranch string `json:"sourceBranch,omitempty"`
	TargetBranch string `json:"targetBranch,omitempty"`
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req createTaskRequest
	if err := decodeBody(r, &req); err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	t, err := s.orch.CreateTask(ctx, orchestrator.CreateTaskInput{
		Title:        req.Title,
		Description:  req.Description,
		WorkflowName: req.Workflow,
		Agent:        req.Agent,
		SourceBranch: req.SourceBranch,
		TargetBranch: req.TargetBranch,
	})
	if err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	cerr.SetJSONResponse(ctx, t)
}

type listTasksResponse struct {
	Tasks []*task.Task `json:"tasks"`
	Total int          `json:"total"`
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	offset, _ := strconv.Atoi(q.Get("offset"))

	tasks, total, err := s.tasks.List(ctx, task.Status(q.Get("status")), limit, offset)
	if err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	if tasks == nil {
		tasks = []*task.Task{}
	}
	cerr.SetJSONResponse(ctx, listTasksResponse{Tasks: tasks, Total: total})
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, err := taskID(r)
	if err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	t, err := s.tasks.Get(ctx, id)
	if err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	cerr.SetJSONResponse(ctx, t)
}

type iterateRequest struct {
	Instructions string `json:"instructions"`
	Title        string `json:"title,omitempty"`
}

func (s *Server) handleIterate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, err := taskID(r)
	if err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	var req iterateRequest
	if err := decodeBody(r, &req); err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	t, err := s.orch.Iterate(ctx, id, req.Instructions, req.Title)
	if err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	cerr.SetJSONResponse(ctx, t)
}

type stopRequest struct {
	RemoveSandbox bool `json:"removeSandbox,omitempty"`
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, err := taskID(r)
	if err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	var req stopRequest
	if r.ContentLength > 0 {
		if err := decodeBody(r, &req); err != nil {
			cerr.SetJSONError(ctx, err)
			return
		}
	}
	if err := s.orch.Stop(ctx, id, orchestrator.StopOptions{RemoveSandbox: req.RemoveSandbox}); err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	cerr.SetJSONResponse(ctx, map[string]bool{"stopped": true})
}

type restartRequest struct {
	FromIteration int `json:"fromIteration,omitempty"`
}

func (s *Server) handleRestart(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, err := taskID(r)
	if err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	var req restartRequest
	if r.ContentLength > 0 {
		if err := decodeBody(r, &req); err != nil {
			cerr.SetJSONError(ctx, err)
			return
		}
	}
	t, err := s.orch.Restart(ctx, id, req.FromIteration)
	if err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	cerr.SetJSONResponse(ctx, t)
}

type mergeRequest struct {
	Force bool `json:"force,omitempty"`
}

func (s *Server) handleMerge(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, err := taskID(r)
	if err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	var req mergeRequest
	if r.ContentLength > 0 {
		if err := decodeBody(r, &req); err != nil {
			cerr.SetJSONError(ctx, err)
			return
		}
	}
	t, err := s.orch.Merge(ctx, id, req.Force)
	if err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	cerr.SetJSONResponse(ctx, t)
}

type pushResponse struct {
	Task   *task.Task          `json:"task"`
	Result *sandbox.PushResult `json:"result"`
}

func (s *Server) handlePush(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, err := taskID(r)
	if err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	t, res, err := s.orch.Push(ctx, id)
	if err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	cerr.SetJSONResponse(ctx, pushResponse{Task: t, Result: res})
}

type diffResponse struct {
	Diff string `json:"diff"`
}

func (s *Server) handleDiff(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, err := taskID(r)
	if err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	t, err := s.tasks.Get(ctx, id)
	if err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	q := r.URL.Query()
	diff, err := s.sandboxes.Diff(ctx, t, sandbox.DiffOptions{
		Against:   q.Get("against"),
		File:      q.Get("file"),
		OnlyFiles: q.Get("onlyFiles") == "true",
	})
	if err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	cerr.SetJSONResponse(ctx, diffResponse{Diff: diff})
}

type iterationFilesResponse struct {
	Files map[string]string `json:"files"`
}

func (s *Server) handleIterationFiles(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, err := taskID(r)
	if err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	n, err := strconv.Atoi(chi.URLParam(r, "n"))
	if err != nil {
		cerr.SetJSONError(ctx, cerr.NewError(cerr.Validation, "iteration number must be an integer", err))
		return
	}
	it, err := s.iterations.Load(ctx, iterationDir(id, n))
	if err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	files, err := it.MarkdownFiles(ctx, r.URL.Query()["name"]...)
	if err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	cerr.SetJSONResponse(ctx, iterationFilesResponse{Files: files})
}

// iterationDir mirrors the orchestrator's storage layout.
func iterationDir(taskID, iter int) string {
	return "tasks/" + strconv.Itoa(taskID) + "/iterations/" + strconv.Itoa(iter)
}

type subscribeRequest struct {
	Endpoint string `json:"endpoint"`
	Keys     struct {
		P256dh string `json:"p256dh"`
		Auth   string `json:"auth"`
	} `json:"keys"`
}

func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req subscribeRequest
	if err := decodeBody(r, &req); err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	sub, err := s.subscriptions.Register(ctx, req.Endpoint, req.Keys.P256dh, req.Keys.Auth)
	if err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	cerr.SetJSONResponse(ctx, sub)
}
