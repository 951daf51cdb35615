package sandbox

import (
	"bytes"
	"context"
	"log/slog"
	"os/exec"
	"strings"
)

// CommandRunner executes an external tool (git, docker) and captures its
// output. The seam exists so tests can fake tool behavior.
type CommandRunner interface {
	Run(ctx context.Context, dir, name string, args ...string) (stdout, stderr string, err error)
}

type execRunner struct{}

// NewExecRunner returns a CommandRunner backed by os/exec.
func NewExecRunner() CommandRunner {
	return execRunner{}
}

func (execRunner) Run(ctx context.Context, dir, name string, args ...string) (string, string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	slog.Debug("ran command",
		"cmd", name+" "+strings.Join(args, " "),
		"dir", dir,
		"error", err,
	)
	return stdout.String(), stderr.String(), err
}
