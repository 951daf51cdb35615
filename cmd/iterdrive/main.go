package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/alecthomas/kingpin/v2"
	"github.com/fatih/color"

	"github.com/kazz187/iterdrive/internal/eventbus"
	"github.com/kazz187/iterdrive/internal/iteration"
	"github.com/kazz187/iterdrive/internal/sandbox"
	"github.com/kazz187/iterdrive/internal/stream"
	"github.com/kazz187/iterdrive/internal/task"
)

var (
	app    = kingpin.New("iterdrive", "Iterative AI coding task orchestration")
	server = app.Flag("server", "Server base URL").Default("http://localhost:3200").Envar("ITERDRIVE_SERVER").String()
	apiKey = app.Flag("api-key", "API key").Envar("ITERDRIVE_API_KEY").String()

	createCmd    = app.Command("create", "Create a task and start its first iteration")
	createTitle  = createCmd.Arg("title", "Task title").Required().String()
	createDesc   = createCmd.Flag("description", "Task description").Short('d').Required().String()
	createWf     = createCmd.Flag("workflow", "Workflow name").Short('w').Required().String()
	createAgent  = createCmd.Flag("agent", "Agent backend when the workflow names no tool").String()
	createSource = createCmd.Flag("source-branch", "Branch the sandbox derives from").String()
	createTarget = createCmd.Flag("target-branch", "Branch merges land on").String()

	listCmd    = app.Command("list", "List tasks")
	listStatus = listCmd.Flag("status", "Filter by status").String()

	getCmd = app.Command("get", "Show task details")
	getID  = getCmd.Arg("id", "Task ID").Required().Int()

	iterateCmd   = app.Command("iterate", "Start another iteration of a finished task")
	iterateID    = iterateCmd.Arg("id", "Task ID").Required().Int()
	iterateInstr = iterateCmd.Arg("instructions", "What to change this iteration").Required().String()
	iterateTitle = iterateCmd.Flag("title", "Title for the new iteration").String()

	stopCmd    = app.Command("stop", "Stop a running task")
	stopID     = stopCmd.Arg("id", "Task ID").Required().Int()
	stopRemove = stopCmd.Flag("remove-sandbox", "Also tear the sandbox down").Bool()

	restartCmd  = app.Command("restart", "Re-run an iteration of a stopped task")
	restartID   = restartCmd.Arg("id", "Task ID").Required().Int()
	restartFrom = restartCmd.Flag("from-iteration", "Iteration to re-run (default: latest)").Int()

	diffCmd       = app.Command("diff", "Show the sandbox branch diff")
	diffID        = diffCmd.Arg("id", "Task ID").Required().Int()
	diffAgainst   = diffCmd.Flag("against", "Comparison branch").String()
	diffFile      = diffCmd.Flag("file", "Limit the diff to one file").String()
	diffOnlyFiles = diffCmd.Flag("only-files", "List changed files only").Bool()

	mergeCmd   = app.Command("merge", "Merge a completed task's branch")
	mergeID    = mergeCmd.Arg("id", "Task ID").Required().Int()
	mergeForce = mergeCmd.Flag("force", "Resolve conflicts in favor of the task branch").Bool()

	pushCmd = app.Command("push", "Push a completed task's branch to origin")
	pushID  = pushCmd.Arg("id", "Task ID").Required().Int()

	watchCmd = app.Command("watch", "Stream a task's status events")
	watchID  = watchCmd.Arg("id", "Task ID").Required().Int()
)

func main() {
	command := kingpin.MustParse(app.Parse(os.Args[1:]))
	c := newAPIClient(*server, *apiKey)

	var err error
	switch command {
	case createCmd.FullCommand():
		err = runCreate(c)
	case listCmd.FullCommand():
		err = runList(c)
	case getCmd.FullCommand():
		err = runGet(c, *getID)
	case iterateCmd.FullCommand():
		err = runIterate(c, *iterateID, *iterateInstr)
	case stopCmd.FullCommand():
		err = runStop(c, *stopID, *stopRemove)
	case restartCmd.FullCommand():
		err = runRestart(c, *restartID)
	case diffCmd.FullCommand():
		err = runDiff(c, *diffID)
	case mergeCmd.FullCommand():
		err = runMerge(c, *mergeID, *mergeForce)
	case pushCmd.FullCommand():
		err = runPush(c, *pushID)
	case watchCmd.FullCommand():
		err = runWatch(*watchID)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func statusColor(s task.Status) *color.Color {
	switch s {
	case task.StatusInProgress, task.StatusIterating:
		return color.New(color.FgYellow)
	case task.StatusCompleted, task.StatusMerged, task.StatusPushed:
		return color.New(color.FgGreen)
	case task.StatusFailed:
		return color.New(color.FgRed)
	default:
		return color.New(color.FgWhite)
	}
}

func printTask(t *task.Task) {
	fmt.Printf("#%d %s ", t.ID, t.Title)
	statusColor(t.Status).Printf("[%s]", t.Status)
	fmt.Printf(" workflow=%s iteration=%d\n", t.WorkflowName, t.IterationCount)
}

func runCreate(c *apiClient) error {
	var t task.Task
	err := c.post("/api/tasks", map[string]string{
		"title":        *createTitle,
		"description":  *createDesc,
		"workflow":     *createWf,
		"agent":        *createAgent,
		"sourceBranch": *createSource,
		"targetBranch": *createTarget,
	}, &t)
	if err != nil {
		return err
	}
	printTask(&t)
	return nil
}

func runList(c *apiClient) error {
	var resp struct {
		Tasks []*task.Task `json:"tasks"`
		Total int          `json:"total"`
	}
	path := "/api/tasks"
	if *listStatus != "" {
		path += "?status=" + *listStatus
	}
	if err := c.get(path, &resp); err != nil {
		return err
	}
	for _, t := range resp.Tasks {
		printTask(t)
	}
	fmt.Printf("%d task(s)\n", resp.Total)
	return nil
}

func runGet(c *apiClient, id int) error {
	var t task.Task
	if err := c.get(fmt.Sprintf("/api/tasks/%d", id), &t); err != nil {
		return err
	}
	printTask(&t)
	fmt.Printf("  description: %s\n", t.Description)
	fmt.Printf("  branch:      %s -> %s\n", t.SourceBranch, t.TargetBranch)
	fmt.Printf("  created:     %s\n", t.CreatedAt.Local())
	if t.CompletedAt != nil {
		fmt.Printf("  completed:   %s\n", t.CompletedAt.Local())
	}
	return nil
}

func runIterate(c *apiClient, id int, instructions string) error {
	var t task.Task
	err := c.post(fmt.Sprintf("/api/tasks/%d/iterate", id),
		map[string]string{"instructions": instructions, "title": *iterateTitle}, &t)
	if err != nil {
		return err
	}
	printTask(&t)
	return nil
}

func runStop(c *apiClient, id int, removeSandbox bool) error {
	err := c.post(fmt.Sprintf("/api/tasks/%d/stop", id),
		map[string]bool{"removeSandbox": removeSandbox}, nil)
	if err != nil {
		return err
	}
	fmt.Printf("task %d stopped\n", id)
	return nil
}

func runRestart(c *apiClient, id int) error {
	var t task.Task
	err := c.post(fmt.Sprintf("/api/tasks/%d/restart", id),
		map[string]int{"fromIteration": *restartFrom}, &t)
	if err != nil {
		return err
	}
	printTask(&t)
	return nil
}

func runDiff(c *apiClient, id int) error {
	var resp struct {
		Diff string `json:"diff"`
	}
	q := url.Values{}
	if *diffAgainst != "" {
		q.Set("against", *diffAgainst)
	}
	if *diffFile != "" {
		q.Set("file", *diffFile)
	}
	if *diffOnlyFiles {
		q.Set("onlyFiles", "true")
	}
	path := fmt.Sprintf("/api/tasks/%d/diff", id)
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	if err := c.get(path, &resp); err != nil {
		return err
	}
	fmt.Print(resp.Diff)
	return nil
}

func runMerge(c *apiClient, id int, force bool) error {
	var t task.Task
	err := c.post(fmt.Sprintf("/api/tasks/%d/merge", id),
		map[string]bool{"force": force}, &t)
	if err != nil {
		return err
	}
	printTask(&t)
	return nil
}

func runPush(c *apiClient, id int) error {
	var resp struct {
		Task   *task.Task          `json:"task"`
		Result *sandbox.PushResult `json:"result"`
	}
	if err := c.post(fmt.Sprintf("/api/tasks/%d/push", id), struct{}{}, &resp); err != nil {
		return err
	}
	printTask(resp.Task)
	if resp.Result != nil && resp.Result.PRURL != "" {
		fmt.Printf("  pull request: %s\n", resp.Result.PRURL)
	}
	return nil
}

func runWatch(id int) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	done := make(chan struct{})
	var finish = sync.OnceFunc(func() { close(done) })
	client := &stream.Client{
		URL:        fmt.Sprintf("%s/api/tasks/%d/events", *server, id),
		APIKey:     *apiKey,
		HTTPClient: http.DefaultClient,
		OnEvent: func(ev *eventbus.Event) {
			printEvent(ev)
			if isFinalEvent(ev) {
				finish()
			}
		},
		OnError: func(err error) {
			fmt.Fprintf(os.Stderr, "stream: %v\n", err)
		},
	}
	client.Connect(ctx)
	defer client.Disconnect()

	select {
	case <-done:
	case <-ctx.Done():
	}
	return nil
}

func printEvent(ev *eventbus.Event) {
	switch ev.Type {
	case eventbus.EventTypeTaskStatusChanged:
		var t task.Task
		if json.Unmarshal(ev.Payload, &t) == nil {
			fmt.Printf("%s task #%d -> ", ev.CreatedAt.Local().Format("15:04:05"), ev.TaskID)
			statusColor(t.Status).Printf("%s\n", t.Status)
			return
		}
	case eventbus.EventTypeStepStarted, eventbus.EventTypeStepCompleted, eventbus.EventTypeStepFailed:
		var st iteration.IterationStatus
		if json.Unmarshal(ev.Payload, &st) == nil {
			fmt.Printf("%s %s step=%s progress=%d%%\n",
				ev.CreatedAt.Local().Format("15:04:05"), ev.Type, st.CurrentStep, st.Progress)
			return
		}
	}
	fmt.Printf("%s %s\n", ev.CreatedAt.Local().Format("15:04:05"), ev.Type)
}

func isFinalEvent(ev *eventbus.Event) bool {
	if ev.Type != eventbus.EventTypeTaskStatusChanged {
		return false
	}
	var t task.Task
	if err := json.Unmarshal(ev.Payload, &t); err != nil {
		return false
	}
	return t.Status.Terminal()
}
