package config

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type BaseEnv struct {
	Env      string `envconfig:"ENV" default:"local"`
	HTTPHost string `envconfig:"HTTP_HOST" default:""`
	HTTPPort string `envconfig:"HTTP_PORT" default:"3200"`
	LogLevel string `envconfig:"LOG_LEVEL" default:"debug"`
	// APIKey guards the API surface. Empty disables the check (local use).
	APIKey string `envconfig:"API_KEY"`
}

type StorageEnv struct {
	Type    string `envconfig:"STORAGE_TYPE" default:"local"`
	BaseDir string `envconfig:"STORAGE_BASE_DIR" default:".iterdrive/data"`
	// S3 settings (used when Type == "s3")
	S3Bucket string `envconfig:"S3_BUCKET"`
	S3Prefix string `envconfig:"S3_PREFIX" default:"iterdrive/"`
	S3Region string `envconfig:"S3_REGION" default:"ap-northeast-1"`
}

type WorkflowEnv struct {
	// Dir holds the *.yaml workflow definitions. Watched for changes.
	Dir string `envconfig:"WORKFLOW_DIR" default:".iterdrive/workflows"`
}

type SandboxEnv struct {
	// RepoDir is the user's main checkout that worktrees derive from.
	RepoDir     string `envconfig:"REPO_DIR" default:"."`
	WorktreeDir string `envconfig:"WORKTREE_DIR" default:".iterdrive/worktrees"`
	GitBin      string `envconfig:"GIT_BIN" default:"git"`
	DockerBin   string `envconfig:"DOCKER_BIN" default:"docker"`
	// ContainerImage, when set, runs each task's agent inside a container.
	ContainerImage string `envconfig:"CONTAINER_IMAGE"`
}

type AgentEnv struct {
	DefaultTool  string        `envconfig:"AGENT_DEFAULT_TOOL" default:"claude-sdk"`
	DefaultModel string        `envconfig:"AGENT_DEFAULT_MODEL"`
	StopGrace    time.Duration `envconfig:"AGENT_STOP_GRACE" default:"10s"`
}

type VAPIDEnv struct {
	VAPIDPublicKey  string `envconfig:"VAPID_PUBLIC_KEY"`
	VAPIDPrivateKey string `envconfig:"VAPID_PRIVATE_KEY"`
	VAPIDContact    string `envconfig:"VAPID_CONTACT" default:"mailto:admin@example.com"`
}

type Env struct {
	BaseEnv
	StorageEnv
	WorkflowEnv
	SandboxEnv
	AgentEnv
	VAPIDEnv
}

const namespace = "ITERDRIVE"

func LoadEnv() (*Env, error) {
	var env Env
	if err := envconfig.Process(namespace, &env); err != nil {
		return nil, fmt.Errorf("failed to load env: %w", err)
	}
	return &env, nil
}

func (e *BaseEnv) SlogLevel() slog.Level {
	if e == nil {
		return slog.LevelDebug
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(e.LogLevel)); err != nil {
		return slog.LevelDebug
	}
	return level
}

func BaseEnvFromEnv(env *Env) *BaseEnv {
	return &env.BaseEnv
}

func StorageEnvFromEnv(env *Env) *StorageEnv {
	return &env.StorageEnv
}

func VAPIDEnvFromEnv(env *Env) *VAPIDEnv {
	return &env.VAPIDEnv
}
