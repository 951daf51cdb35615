package agent

import (
	"context"
	"time"
)

// Invocation is one prompt handed to a coding agent inside a task's
// sandbox working directory.
type Invocation struct {
	Prompt       string
	SystemPrompt string
	// Dir is the working directory the agent operates in.
	Dir     string
	Model   string
	Timeout time.Duration
}

// Result carries the agent's final text output for a step.
type Result struct {
	Output string
	// SessionID identifies the agent session when the tool supports
	// resuming. Empty for tools that do not.
	SessionID string
}

// Runner executes a single agent invocation to completion. Implementations
// honor ctx cancellation by stopping the underlying process.
type Runner interface {
	Invoke(ctx context.Context, inv Invocation) (*Result, error)
}
