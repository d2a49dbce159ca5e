package telegram

import (
	"context"
	"strings"
	"sync"
)

// Command Telegram 命令
type Command struct {
	Name    string   // 命令名 (不含 /)
	Args    []string // 参数列表
	RawArgs string   // 原始参数字符串
	ChatID  int64
	UserID  int64
}

// CommandHandler 命令处理器
type CommandHandler func(ctx context.Context, cmd *Command) (*OutgoingMessage, error)

// SessionManager 会话管理接口
type SessionManager interface {
	CreateSession(chatID int64, userID int64) error
	ClearSession(chatID int64) error
	GetCurrentModel(chatID int64) string
	SetModel(chatID int64, model string) error
	GetAvailableModels() []ModelInfo
}

// BashExecutor 把 /bash 命令接到网关的受控 shell 执行路径上:
// 实现方先过 shellpolicy.Validate, 再在超时与输出上限内执行。
type BashExecutor interface {
	Execute(ctx context.Context, chatID int64, command string) (string, error)
}

// HistoryClearer 对话历史清除接口 — 允许命令层清除 agent loop 的对话记忆
type HistoryClearer interface {
	ClearHistory(chatID int64)
}

// SkillInfo 是 /skills 展示用的技能摘要, 数据来自工具层的 SKILL.md 扫描。
type SkillInfo struct {
	ID          string
	Name        string
	Description string
	Enabled     bool
}

// SkillBackend 把 /skills 命令桥接到工具层的技能管理器 —— 技能只有一份
// 目录扫描 (工具注册时的 SKILL.md 发现), Telegram 只是它的一个视图。
type SkillBackend interface {
	List() []SkillInfo
	Install(source, name string) (*SkillInfo, error)
	Uninstall(skillID string) error
	Enable(skillID string) error
	Disable(skillID string) error
}

// ModelInfo 模型信息
type ModelInfo struct {
	ID          string // 模型 ID (如 "antigravity/gemini-3-flash")
	Alias       string // 别名 (如 "Flash")
	Provider    string // 提供商
	Description string // 描述
}

// CommandRegistry 命令注册表
type CommandRegistry struct {
	handlers       map[string]CommandHandler
	aliases        map[string]string
	sessionManager SessionManager
	runController  RunController
	bashExecutor   BashExecutor
	skillBackend   SkillBackend
	cronBackend    CronBackend
	historyClearer HistoryClearer
	mu             sync.RWMutex
}

// NewCommandRegistry 创建命令注册表
func NewCommandRegistry() *CommandRegistry {
	return &CommandRegistry{
		handlers: make(map[string]CommandHandler),
		aliases:  make(map[string]string),
	}
}

// SetSessionManager 设置会话管理器
func (r *CommandRegistry) SetSessionManager(sm SessionManager) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessionManager = sm
}

// SetRunController 设置运行控制器
func (r *CommandRegistry) SetRunController(ctrl RunController) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runController = ctrl
}

// SetBashExecutor 设置受控 shell 执行器
func (r *CommandRegistry) SetBashExecutor(be BashExecutor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bashExecutor = be
}

// SetSkillBackend 把 /skills 命令接到工具层技能管理器
func (r *CommandRegistry) SetSkillBackend(sb SkillBackend) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.skillBackend = sb
}

// SetCronBackend wires the /cron command to the gateway's scheduler store.
func (r *CommandRegistry) SetCronBackend(cb CronBackend) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cronBackend = cb
}

// SetHistoryClearer 设置对话历史清除器
func (r *CommandRegistry) SetHistoryClearer(hc HistoryClearer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.historyClearer = hc
}

// Register 注册命令
func (r *CommandRegistry) Register(name string, handler CommandHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[strings.ToLower(name)] = handler
}

// Alias 注册命令别名
func (r *CommandRegistry) Alias(alias, target string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.aliases[strings.ToLower(alias)] = strings.ToLower(target)
}

// Handle 处理命令
func (r *CommandRegistry) Handle(ctx context.Context, cmd *Command) (*OutgoingMessage, bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	name := strings.ToLower(cmd.Name)

	// 检查别名
	if target, ok := r.aliases[name]; ok {
		name = target
	}

	handler, exists := r.handlers[name]
	if !exists {
		return nil, false, nil
	}

	response, err := handler(ctx, cmd)
	return response, true, err
}

// ParseCommand 解析命令
func ParseCommand(text string) *Command {
	if !strings.HasPrefix(text, "/") {
		return nil
	}

	// 移除 @ 后缀 (群组中的 /cmd@botname)
	parts := strings.SplitN(text[1:], " ", 2)
	cmdPart := parts[0]
	if idx := strings.Index(cmdPart, "@"); idx != -1 {
		cmdPart = cmdPart[:idx]
	}

	cmd := &Command{
		Name: cmdPart,
	}

	if len(parts) > 1 {
		cmd.RawArgs = parts[1]
		cmd.Args = strings.Fields(parts[1])
	}

	return cmd
}

// RegisterBuiltinCommands 注册内置命令 (delegated to cmd_*.go files)
func (a *Adapter) RegisterBuiltinCommands(registry *CommandRegistry, secCtrl ...SecurityController) {
	a.registerSessionCommands(registry)
	a.registerModelCommands(registry)
	a.registerAgentCommands(registry)
	if len(secCtrl) > 0 && secCtrl[0] != nil {
		a.registerSecurityCommands(registry, secCtrl[0])
	}
}

// SetCommandRegistry 设置命令注册表
func (a *Adapter) SetCommandRegistry(registry *CommandRegistry) {
	a.commandRegistry = registry
}

// parsePageNumber 解析页码 (返回 -1 表示无效)
func parsePageNumber(s string) int {
	if len(s) == 0 {
		return -1
	}
	n := 0
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c < '0' || c > '9' {
			return -1
		}
		n = n*10 + int(c-'0')
	}
	return n
}

