package main

import (
	"log/slog"

	"github.com/stakpak-dev/runtime/internal/agent"
	"github.com/stakpak-dev/runtime/internal/config"
	"github.com/stakpak-dev/runtime/internal/gateway"
	"github.com/stakpak-dev/runtime/internal/sessions"
	"github.com/stakpak-dev/runtime/internal/tools/exec"
	"github.com/stakpak-dev/runtime/internal/tools/files"
)

// buildRuntime wires an agent.Runtime with the configured provider and the
// core local tool surface (shell exec, file read/write), the same way the
// gateway wires a runtime per incoming message but scoped to one CLI
// invocation instead of one per channel session.
func buildRuntime(cfg *config.Config, store sessions.Store, logger *slog.Logger) (*agent.Runtime, string, error) {
	provider, model, err := buildProvider(cfg)
	if err != nil {
		return nil, "", err
	}
	return buildRuntimeWithProvider(cfg, store, provider, model)
}

func buildRuntimeWithProvider(cfg *config.Config, store sessions.Store, provider agent.LLMProvider, model string) (*agent.Runtime, string, error) {
	runtime := agent.NewRuntime(provider, store)

	checker := agent.NewApprovalChecker(gateway.BuildApprovalPolicy(cfg.Tools.Execution, nil))
	checker.SetStore(agent.NewMemoryApprovalStore())
	runtime.SetOptions(agent.RuntimeOptions{
		ApprovalChecker: checker,
		AsyncTools:      cfg.Tools.Execution.Async,
	})
	runtime.SetDefaultModel(model)
	runtime.SetContextStrategy(agent.ContextStrategyByName(cfg.LLM.ContextStrategy))

	workspace := cfg.Workspace.Path
	if workspace == "" {
		workspace = "."
	}
	execMgr := exec.NewManager(workspace)
	filesCfg := files.Config{Workspace: workspace}
	runtime.RegisterTool(exec.NewExecTool("run_command", execMgr))
	runtime.RegisterTool(files.NewViewTool(filesCfg))
	runtime.RegisterTool(files.NewStrReplaceTool(filesCfg))
	runtime.RegisterTool(files.NewCreateTool(filesCfg))
	runtime.RegisterTool(files.NewInsertTool(filesCfg))

	return runtime, model, nil
}
