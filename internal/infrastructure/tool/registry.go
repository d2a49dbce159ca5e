package tool

import (
	"time"

	"github.com/osa-run/osa/internal/domain/service"
	domaintool "github.com/osa-run/osa/internal/domain/tool"
	"github.com/osa-run/osa/internal/infrastructure/sandbox"
	"go.uber.org/zap"
)

// ToolLayerDeps aggregates all external dependencies needed by the tool layer.
// This is the single configuration point for the entire tool subsystem.
type ToolLayerDeps struct {
	// Required
	Registry domaintool.Registry
	Logger   *zap.Logger

	// Infrastructure
	Sandbox *sandbox.ProcessSandbox // nil = tools run unsandboxed

	// Paths
	PythonEnv string // conda/venv path for Python-based tools
	SkillsDir string // ~/.osa/skills
	Workspace string // workspace root for file/git tools

	// Research LLM (first configured provider); no registered tool reads these yet
	ResearchLLMURL   string
	ResearchLLMKey   string
	ResearchLLMModel string

	// MCP
	MCPManager *MCPManager // nil = no MCP support

	// Media (nil = media tools not registered, e.g. CLI mode)
	MediaSender MediaSender

	// Sub-Agent (nil = spawn_agent tool not registered)
	SubAgent *SubAgentDeps
}

// SubAgentDeps holds dependencies for the spawn_agent tool.
type SubAgentDeps struct {
	LLMClient    service.LLMClient
	ToolExecutor service.ToolExecutor
	DefaultModel string
	MaxSteps     int
	Timeout      time.Duration
}

// RegisterAllTools registers all tools in one place. This is the ONLY
// tool registration entry point. Adding a new tool? Add it here.
//
// Registration order:
//  1. Core file operations (bash, read, write, edit, list, grep, glob)
//  2. Advanced (apply_patch, web_fetch)
//  3. Web search
//  4. Git (sandboxed)
//  5. Agent capabilities (save_memory, update_plan, spawn_agent)
//  6. MCP management (mcp_manage + dynamic MCP server tools)
func RegisterAllTools(deps ToolLayerDeps) int {
	var tools []domaintool.Tool

	// ── 1. Core File Operations ──
	tools = append(tools,
		NewBashTool(deps.Sandbox, deps.Logger),
		NewReadFileTool(deps.Sandbox, deps.Logger),
		NewWriteFileTool(deps.Sandbox, deps.Logger),
		NewEditFileTool(deps.Sandbox, deps.Logger),
		NewListDirTool(deps.Sandbox, deps.Logger),
		NewSearchTool(deps.Sandbox, deps.Logger),
		NewGlobTool(deps.Sandbox, deps.Logger),
	)

	// ── 2. Advanced ──
	tools = append(tools,
		NewApplyPatchTool(deps.Sandbox, deps.Logger),
		NewWebFetchTool(deps.Sandbox, deps.Logger),
	)

	// ── 3. Web Search ──
	tools = append(tools,
		NewWebSearchTool(deps.PythonEnv, deps.SkillsDir, deps.Logger),
	)

	// ── 4. Git ──
	if deps.Sandbox != nil {
		tools = append(tools, NewGitTool(deps.Sandbox, deps.Logger))
	}

	// ── 5. Agent Capabilities ──
	tools = append(tools,
		NewSaveMemoryTool(deps.Logger),
		NewUpdatePlanTool(deps.Logger),
	)

	// ── 5b. Media (TG only) ──
	if deps.MediaSender != nil {
		tools = append(tools,
			NewSendPhotoTool(deps.MediaSender, deps.Logger),
			NewSendDocumentTool(deps.MediaSender, deps.Logger),
		)
	}

	if deps.SubAgent != nil {
		sa := deps.SubAgent
		tools = append(tools, NewSubAgentTool(
			sa.LLMClient,
			sa.ToolExecutor,
			sa.DefaultModel,
			sa.MaxSteps,
			sa.Timeout,
			deps.Logger,
		))
	}

	// ── 6. MCP Management ──
	if deps.MCPManager != nil {
		tools = append(tools, NewMCPManageTool(deps.MCPManager, deps.Logger))
	}

	// ── Register everything ──
	registered := 0
	for _, t := range tools {
		if err := deps.Registry.Register(t); err != nil {
			deps.Logger.Warn("Failed to register tool",
				zap.String("tool", t.Name()),
				zap.Error(err),
			)
		} else {
			deps.Logger.Info("Registered tool", zap.String("tool", t.Name()))
			registered++
		}
	}

	// ── MCP servers (hot-plugged from mcp.json) ──
	if deps.MCPManager != nil {
		deps.MCPManager.InitFromConfig()
	}

	// ── SKILL.md 技能发现: 启用技能的 scripts/*.py|sh 晋升为可调用工具 ──
	if deps.SkillsDir != "" {
		sm := NewSkillManager(deps.SkillsDir)
		promoter := skillPromoter{registry: deps.Registry, logger: deps.Logger}
		for _, sk := range sm.GetEnabledSkills() {
			if err := sm.PromoteToTool(sk.ID, promoter); err != nil {
				deps.Logger.Debug("Skill not promotable",
					zap.String("skill", sk.ID),
					zap.Error(err),
				)
			} else {
				registered++
			}
		}
	}

	deps.Logger.Info("Tool layer initialized",
		zap.Int("total_registered", registered),
	)

	return registered
}
