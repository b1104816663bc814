package app

import (
	"fmt"
	"time"

	"aegis/internal/completion"
	"aegis/internal/config"
	"aegis/internal/engine"
	"aegis/internal/memory"
	"aegis/internal/stages"
)

// ResolveConfig picks the active config. An explicit path wins, then the workspace
// aegis.yml, then built-in defaults.
func ResolveConfig(workspace, path string) (*config.Config, error) {
	if path != "" {
		cfg, err := config.FromFile(path)
		if err != nil {
			return nil, fmt.Errorf("load config %s: %w", path, err)
		}
		return cfg, nil
	}
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", config.Path(workspace), err)
	}
	if cfg == nil {
		cfg = config.Default()
	}
	return cfg, nil
}

// NewCompleter builds the completion backend named by cfg. offline forces the offline responder.
func NewCompleter(cfg *config.Config, offline bool) completion.Completer {
	if offline || cfg.Completion.Backend == "offline" {
		return completion.Offline{}
	}
	return completion.NewClient(completion.Options{
		Endpoint:    cfg.Completion.Endpoint,
		Model:       cfg.Completion.Model,
		APIKey:      cfg.APIKey(),
		Timeout:     cfg.Completion.Timeout.Std(),
		MaxTokens:   cfg.Completion.MaxTokens,
		Temperature: cfg.Completion.Temperature,
	})
}

// NewMemory builds the experience bank shared by runs of one process.
func NewMemory(cfg *config.Config) (*memory.Bank, error) {
	r, err := memory.ForStrategy(cfg.Memory.Strategy)
	if err != nil {
		return nil, err
	}
	return memory.NewBank(cfg.Memory.Capacity, r), nil
}

// EngineOptions maps config onto engine options. Collaborators are left to the caller.
func EngineOptions(cfg *config.Config) engine.Options {
	return engine.Options{
		Timeouts: stages.Timeouts{
			Approval:           cfg.Workflow.ApprovalTimeout.Std(),
			AutonomousApproval: cfg.Workflow.AutonomousApprovalTimeout.Std(),
			DirectiveWait:      cfg.Workflow.DirectiveWait.Std(),
			ResolutionWait:     cfg.Workflow.ResolutionWait.Std(),
		},
		MaxParallel:      cfg.Dispatch.MaxParallel,
		TaskTimeout:      cfg.Dispatch.TaskTimeout.Std(),
		MaxTasks:         cfg.Dispatch.MaxTasks,
		MaxCycles:        cfg.Workflow.MaxCycles,
		UnreachableAfter: cfg.Completion.UnreachableAfter,
		SampleSize:       cfg.Memory.SampleSize,
		IntakeCapacity:   cfg.Intake.QueueCapacity,
	}
}

func timestamp(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
