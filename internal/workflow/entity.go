package workflow

import (
	"fmt"
	"strings"
	"time"

	"mvdan.cc/sh/v3/syntax"

	"github.com/kazz187/iterdrive/pkg/cerr"
)

// CurrentVersion is the current workflow schema version. Definitions
// written before versioning are migrated to it on load.
const CurrentVersion = "1.0"

// Step types.
const (
	StepTypeAgent  = "agent"
	StepTypeScript = "script"
)

// Hard-coded fallbacks used when neither the step nor the workflow
// defaults name a tool/model.
const (
	FallbackTool  = "claude-sdk"
	FallbackModel = ""
)

type Input struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	Type        string `yaml:"type"`
	Required    bool   `yaml:"required"`
}

type Output struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
}

type Defaults struct {
	Tool  string `yaml:"tool"`
	Model string `yaml:"model"`
}

type Config struct {
	// TimeoutSeconds bounds each step's agent invocation. Zero means no
	// step timeout.
	TimeoutSeconds  int  `yaml:"timeout"`
	ContinueOnError bool `yaml:"continueOnError"`
}

func (c Config) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

type Step struct {
	ID      string   `yaml:"id"`
	Type    string   `yaml:"type"`
	Name    string   `yaml:"name"`
	Prompt  string   `yaml:"prompt"`
	Tool    string   `yaml:"tool,omitempty"`
	Model   string   `yaml:"model,omitempty"`
	Outputs []string `yaml:"outputs,omitempty"`
}

// Workflow is a named, versioned, declarative definition of an ordered
// sequence of agent steps.
type Workflow struct {
	Version     string   `yaml:"version"`
	Name        string   `yaml:"name"`
	Description string   `yaml:"description"`
	Inputs      []Input  `yaml:"inputs,omitempty"`
	Outputs     []Output `yaml:"outputs,omitempty"`
	Defaults    Defaults `yaml:"defaults"`
	Config      Config   `yaml:"config"`
	Steps       []Step   `yaml:"steps"`
}

// StepConfig is the resolved tool/model pair for one step.
type StepConfig struct {
	Tool  string
	Model string
}

// Validate checks the definition against the workflow schema. Script
// steps additionally have their prompt parsed as shell.
func (w *Workflow) Validate() error {
	if w.Name == "" {
		return cerr.NewError(cerr.Validation, "workflow name is required", nil)
	}
	seen := make(map[string]bool, len(w.Steps))
	parser := syntax.NewParser()
	for i, step := range w.Steps {
		if step.ID == "" {
			return cerr.NewError(cerr.Validation, fmt.Sprintf("workflow %s: step %d has no id", w.Name, i), nil)
		}
		if seen[step.ID] {
			return cerr.NewError(cerr.Validation, fmt.Sprintf("workflow %s: duplicate step id %s", w.Name, step.ID), nil)
		}
		seen[step.ID] = true
		switch step.Type {
		case StepTypeAgent, StepTypeScript, "":
		default:
			return cerr.NewError(cerr.Validation, fmt.Sprintf("workflow %s: step %s has unknown type %s", w.Name, step.ID, step.Type), nil)
		}
		if step.Type == StepTypeScript {
			if _, err := parser.Parse(strings.NewReader(step.Prompt), step.ID); err != nil {
				return cerr.NewError(cerr.Validation, fmt.Sprintf("workflow %s: step %s script does not parse", w.Name, step.ID), err)
			}
		}
	}
	return nil
}

// GetStep returns the step with the given id.
func (w *Workflow) GetStep(id string) (*Step, error) {
	for i := range w.Steps {
		if w.Steps[i].ID == id {
			return &w.Steps[i], nil
		}
	}
	return nil, cerr.NewError(cerr.NotFound, fmt.Sprintf("workflow %s has no step %s", w.Name, id), nil)
}

// GetStepTool resolves the tool for a step: step override, then the
// workflow default, then the hard-coded fallback.
func (w *Workflow) GetStepTool(id string) (string, error) {
	cfg, err := w.ResolveStepConfig(id)
	if err != nil {
		return "", err
	}
	return cfg.Tool, nil
}

// GetStepModel resolves the model for a step with the same precedence.
func (w *Workflow) GetStepModel(id string) (string, error) {
	cfg, err := w.ResolveStepConfig(id)
	if err != nil {
		return "", err
	}
	return cfg.Model, nil
}

// ResolveStepConfig applies the precedence step > defaults > fallback.
func (w *Workflow) ResolveStepConfig(id string) (StepConfig, error) {
	step, err := w.GetStep(id)
	if err != nil {
		return StepConfig{}, err
	}
	cfg := StepConfig{Tool: step.Tool, Model: step.Model}
	if cfg.Tool == "" {
		cfg.Tool = w.Defaults.Tool
	}
	if cfg.Tool == "" {
		cfg.Tool = FallbackTool
	}
	if cfg.Model == "" {
		cfg.Model = w.Defaults.Model
	}
	if cfg.Model == "" {
		cfg.Model = FallbackModel
	}
	return cfg, nil
}
