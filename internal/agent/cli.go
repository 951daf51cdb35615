package agent

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/kazz187/iterdrive/pkg/cerr"
)

// CLIRunner shells out to an arbitrary agent binary. The prompt goes to
// stdin and the final output is read from stdout, which is the contract
// most coding-agent CLIs share.
type CLIRunner struct {
	// Binary is the agent executable name or path.
	Binary string
	// StopGrace is how long the process gets after SIGTERM before SIGKILL.
	StopGrace time.Duration
}

func NewCLIRunner(binary string, stopGrace time.Duration) *CLIRunner {
	return &CLIRunner{Binary: binary, StopGrace: stopGrace}
}

func (r *CLIRunner) Invoke(ctx context.Context, inv Invocation) (*Result, error) {
	if inv.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, inv.Timeout)
		defer cancel()
	}

	var args []string
	if inv.Model != "" {
		args = append(args, "--model", inv.Model)
	}
	if inv.SystemPrompt != "" {
		args = append(args, "--system-prompt", inv.SystemPrompt)
	}

	cmd := exec.CommandContext(ctx, r.Binary, args...)
	cmd.Dir = inv.Dir
	cmd.Stdin = strings.NewReader(inv.Prompt)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	// SIGTERM first so the agent can flush state, SIGKILL after the grace.
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = r.StopGrace

	slog.Debug("invoking agent cli", "binary", r.Binary, "dir", inv.Dir, "model", inv.Model)

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, cerr.NewError(cerr.Canceled, "agent invocation cancelled", ctx.Err())
		}
		return nil, cerr.NewErrorWithDetails(cerr.Process,
			fmt.Sprintf("agent %s exited with error", r.Binary), err,
			[]string{strings.TrimSpace(stderr.String())})
	}

	return &Result{Output: stdout.String()}, nil
}
