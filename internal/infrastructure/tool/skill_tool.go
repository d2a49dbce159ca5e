package tool

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"

	domaintool "github.com/osa-run/osa/internal/domain/tool"
	"github.com/osa-run/osa/internal/domain/tool/shellpolicy"
)

const (
	skillToolTimeout   = 60 * time.Second
	skillToolOutputCap = 100 * 1024
)

// SkillCommandTool 由 SKILL.md 技能的 scripts/ 脚本晋升而来的可调用工具。
// 执行走与 shell 工具相同的 shellpolicy 闸门。
type SkillCommandTool struct {
	name        string
	description string
	command     string
	logger      *zap.Logger
}

// NewSkillCommandTool 创建技能脚本工具
func NewSkillCommandTool(name, description, command string, logger *zap.Logger) *SkillCommandTool {
	return &SkillCommandTool{name: name, description: description, command: command, logger: logger}
}

func (t *SkillCommandTool) Name() string        { return t.name }
func (t *SkillCommandTool) Description() string { return t.description }
func (t *SkillCommandTool) Kind() domaintool.Kind {
	return domaintool.KindExecute
}

func (t *SkillCommandTool) Schema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"args": map[string]interface{}{
				"type":        "string",
				"description": "附加命令行参数 (可选)",
			},
		},
	}
}

// Execute 运行脚本。args 追加在命令行末尾, 整条命令先过 shellpolicy。
func (t *SkillCommandTool) Execute(ctx context.Context, args map[string]interface{}) (*domaintool.Result, error) {
	cmdline := t.command
	if extra, ok := args["args"].(string); ok && strings.TrimSpace(extra) != "" {
		cmdline = cmdline + " " + extra
	}

	if err := shellpolicy.Validate(cmdline); err != nil {
		return &domaintool.Result{Success: false, Error: err.Error(), Output: err.Error()}, nil
	}

	ctx, cancel := context.WithTimeout(ctx, skillToolTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", cmdline)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	runErr := cmd.Run()
	output := out.String()
	if len(output) > skillToolOutputCap {
		output = output[:skillToolOutputCap] + "\n...[output truncated]"
	}

	if runErr != nil {
		return &domaintool.Result{
			Success: false,
			Output:  output,
			Error:   fmt.Sprintf("skill script failed: %v", runErr),
		}, nil
	}
	return &domaintool.Result{Success: true, Output: output}, nil
}

// skillPromoter 把 SkillManager.PromoteToTool 的回调接到工具注册表上。
type skillPromoter struct {
	registry domaintool.Registry
	logger   *zap.Logger
}

func (p skillPromoter) RegisterCommand(name, description, command string) error {
	return p.registry.Register(NewSkillCommandTool(name, description, command, p.logger))
}
