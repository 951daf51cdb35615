package agent

import "github.com/kazz187/iterdrive/internal/config"

// ToolClaudeSDK is the built-in tool backed by the Claude Agent SDK.
// Any other tool name is treated as an executable on PATH.
const ToolClaudeSDK = "claude-sdk"

// NewRunner resolves a workflow tool name to a Runner.
func NewRunner(tool string, env *config.AgentEnv) Runner {
	if tool == "" {
		tool = env.DefaultTool
	}
	if tool == ToolClaudeSDK {
		return NewClaudeRunner()
	}
	return NewCLIRunner(tool, env.StopGrace)
}
