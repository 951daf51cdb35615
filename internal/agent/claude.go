package agent

import (
	"context"
	"log/slog"

	claudeagent "github.com/kazz187/claude-agent-sdk-go"

	"github.com/kazz187/iterdrive/pkg/cerr"
)

// ClaudeRunner drives the Claude Agent SDK. The SDK spawns and supervises
// the agent process itself, so cancellation and cleanup ride on ctx.
type ClaudeRunner struct{}

func NewClaudeRunner() *ClaudeRunner {
	return &ClaudeRunner{}
}

func (r *ClaudeRunner) Invoke(ctx context.Context, inv Invocation) (*Result, error) {
	if inv.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, inv.Timeout)
		defer cancel()
	}

	opts := &claudeagent.ClaudeAgentOptions{
		SystemPrompt:   inv.SystemPrompt,
		Cwd:            inv.Dir,
		PermissionMode: claudeagent.PermissionModeBypassPermissions,
		StderrCallback: func(line string) {
			slog.Debug("claude stderr", "line", line)
		},
	}

	result, err := claudeagent.RunQuerySync(ctx, inv.Prompt, opts)
	if err != nil {
		if ctx.Err() != nil {
			return nil, cerr.NewError(cerr.Canceled, "agent invocation cancelled", ctx.Err())
		}
		return nil, cerr.NewError(cerr.Process, "claude agent query failed", err)
	}
	if result.Result == nil {
		return nil, cerr.NewError(cerr.Process, "claude agent returned no result", nil)
	}
	if result.Result.IsError {
		msg := result.Result.Result
		if msg == "" {
			msg = "claude agent returned an error"
		}
		return nil, cerr.NewError(cerr.Process, msg, nil)
	}

	return &Result{
		Output:    result.Result.Result,
		SessionID: result.Result.SessionID,
	}, nil
}
