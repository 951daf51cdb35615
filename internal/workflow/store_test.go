package workflow

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"gopkg.in/yaml.v3"

	"github.com/kazz187/iterdrive/pkg/cerr"
)

const sampleWorkflow = `
name: implement
description: plan then implement
defaults:
  tool: claude-sdk
  model: sonnet
config:
  timeout: 600
  continueOnError: false
steps:
  - id: plan
    type: agent
    name: Plan
    prompt: "Write a plan for: {{description}}"
    outputs: [plan]
  - id: implement
    type: agent
    name: Implement
    prompt: "Implement the plan:\n{{steps.plan}}"
    tool: claude-cli
    model: opus
    outputs: [summary]
`

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadWorkflow(t *testing.T) {
	store := NewStore()
	path := writeFile(t, t.TempDir(), "implement.yaml", sampleWorkflow)

	if err := store.LoadWorkflow(path); err != nil {
		t.Fatal(err)
	}

	w, ok := store.GetWorkflow("implement")
	if !ok {
		t.Fatal("workflow not registered")
	}
	if len(w.Steps) != 2 || w.Config.TimeoutSeconds != 600 {
		t.Errorf("unexpected workflow: %+v", w)
	}
}

func TestLoadWorkflowMigratesMissingVersion(t *testing.T) {
	store := NewStore()
	path := writeFile(t, t.TempDir(), "implement.yaml", sampleWorkflow)

	if err := store.LoadWorkflow(path); err != nil {
		t.Fatal(err)
	}

	w, _ := store.GetWorkflow("implement")
	if w.Version != CurrentVersion {
		t.Errorf("version = %q, want %q", w.Version, CurrentVersion)
	}

	// The migrated version must be persisted back to disk.
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	var onDisk Workflow
	if err := yaml.Unmarshal(data, &onDisk); err != nil {
		t.Fatal(err)
	}
	if onDisk.Version != CurrentVersion {
		t.Errorf("persisted version = %q, want %q", onDisk.Version, CurrentVersion)
	}
}

func TestLoadWorkflowParseVsValidation(t *testing.T) {
	store := NewStore()
	dir := t.TempDir()

	garbage := writeFile(t, dir, "garbage.yaml", ":\n  - ][")
	if err := store.LoadWorkflow(garbage); !cerr.IsCode(err, cerr.Parse) {
		t.Errorf("garbage: got %v, want Parse", err)
	}

	unnamed := writeFile(t, dir, "unnamed.yaml", "description: no name here\nsteps: []\n")
	if err := store.LoadWorkflow(unnamed); !cerr.IsCode(err, cerr.Validation) {
		t.Errorf("unnamed: got %v, want Validation", err)
	}

	dupSteps := writeFile(t, dir, "dup.yaml", `
name: dup
steps:
  - id: a
    prompt: one
  - id: a
    prompt: two
`)
	if err := store.LoadWorkflow(dupSteps); !cerr.IsCode(err, cerr.Validation) {
		t.Errorf("duplicate ids: got %v, want Validation", err)
	}

	badScript := writeFile(t, dir, "script.yaml", `
name: script
steps:
  - id: run
    type: script
    prompt: "echo 'unterminated"
`)
	if err := store.LoadWorkflow(badScript); !cerr.IsCode(err, cerr.Validation) {
		t.Errorf("bad script: got %v, want Validation", err)
	}
}

func TestGetWorkflowCaseSensitive(t *testing.T) {
	store := NewStore()
	store.AddWorkflow(&Workflow{Version: CurrentVersion, Name: "Deploy"})

	if _, ok := store.GetWorkflow("deploy"); ok {
		t.Error("lookup is not case-sensitive")
	}
	if _, ok := store.GetWorkflow("Deploy"); !ok {
		t.Error("exact lookup failed")
	}
}

func TestAddWorkflowLastWriteWins(t *testing.T) {
	store := NewStore()
	store.AddWorkflow(&Workflow{Version: CurrentVersion, Name: "dup", Description: "first"})
	store.AddWorkflow(&Workflow{Version: CurrentVersion, Name: "dup", Description: "second"})

	all := store.GetAllWorkflows()
	if len(all) != 1 {
		t.Fatalf("len = %d, want 1", len(all))
	}
	if all[0].Description != "second" {
		t.Errorf("description = %q, want second definition", all[0].Description)
	}
}

func TestGetAllWorkflowsSnapshot(t *testing.T) {
	store := NewStore()
	store.AddWorkflow(&Workflow{Version: CurrentVersion, Name: "a"})
	store.AddWorkflow(&Workflow{Version: CurrentVersion, Name: "b"})

	snap := store.GetAllWorkflows()
	snap[0] = nil
	snap = snap[:1]

	again := store.GetAllWorkflows()
	if len(again) != 2 || again[0] == nil {
		t.Error("mutating the snapshot affected the store")
	}
}

func TestResolveStepConfigPrecedence(t *testing.T) {
	w := &Workflow{
		Version:  CurrentVersion,
		Name:     "resolve",
		Defaults: Defaults{Tool: "default-tool", Model: "default-model"},
		Steps: []Step{
			{ID: "override", Tool: "step-tool", Model: "step-model", Prompt: "p"},
			{ID: "inherit", Prompt: "p"},
		},
	}

	tests := []struct {
		stepID    string
		wantTool  string
		wantModel string
	}{
		{"override", "step-tool", "step-model"},
		{"inherit", "default-tool", "default-model"},
	}
	for _, tt := range tests {
		cfg, err := w.ResolveStepConfig(tt.stepID)
		if err != nil {
			t.Fatal(err)
		}
		if cfg.Tool != tt.wantTool || cfg.Model != tt.wantModel {
			t.Errorf("%s: got %+v", tt.stepID, cfg)
		}
	}

	// Hard fallback when neither step nor defaults name a tool.
	bare := &Workflow{Version: CurrentVersion, Name: "bare", Steps: []Step{{ID: "s", Prompt: "p"}}}
	cfg, err := bare.ResolveStepConfig("s")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Tool != FallbackTool {
		t.Errorf("fallback tool = %q, want %q", cfg.Tool, FallbackTool)
	}

	if _, err := w.ResolveStepConfig("missing"); !cerr.IsCode(err, cerr.NotFound) {
		t.Errorf("unknown step: got %v, want NotFound", err)
	}
}

func TestLoadDir(t *testing.T) {
	store := NewStore()
	dir := t.TempDir()
	writeFile(t, dir, "one.yaml", strings.Replace(sampleWorkflow, "name: implement", "name: one", 1))
	writeFile(t, dir, "two.yml", strings.Replace(sampleWorkflow, "name: implement", "name: two", 1))
	writeFile(t, dir, "ignored.txt", "not a workflow")

	if err := store.LoadDir(dir); err != nil {
		t.Fatal(err)
	}
	if len(store.GetAllWorkflows()) != 2 {
		t.Errorf("loaded %d workflows, want 2", len(store.GetAllWorkflows()))
	}

	// Missing directory is not an error.
	if err := store.LoadDir(filepath.Join(dir, "nope")); err != nil {
		t.Errorf("missing dir: %v", err)
	}
}
