package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
)

// Kind 工具操作类型 — 驱动权限策略自动决策
type Kind string

const (
	KindRead        Kind = "read"        // 只读操作 (read_file, list_dir...)
	KindEdit        Kind = "edit"        // 修改文件 (write_file, patch...)
	KindExecute     Kind = "execute"     // 执行命令 (shell, run...)
	KindDelete      Kind = "delete"      // 删除操作
	KindSearch      Kind = "search"      // 搜索操作 (web_search, grep...)
	KindFetch       Kind = "fetch"       // 网络获取 (fetch_url...)
	KindThink       Kind = "think"       // 纯思考 (save_memory, plan...)
	KindCommunicate Kind = "communicate" // 交互 (ask_user, notify...)
)

// MutatorKinds 需要用户确认的操作类型 (AskMode 下自动拦截)
var MutatorKinds = map[Kind]bool{
	KindEdit:    true,
	KindDelete:  true,
	KindExecute: true,
}

// SafeKinds 自动放行的安全操作类型
var SafeKinds = map[Kind]bool{
	KindRead:   true,
	KindSearch: true,
	KindThink:  true,
}

// Tool 工具接口 - 所有可执行工具的抽象
type Tool interface {
	// Name 返回工具名称
	Name() string
	// Description 返回工具描述
	Description() string
	// Kind 返回工具操作类型 (驱动权限策略自动决策)
	Kind() Kind
	// Schema 返回参数的 JSON Schema
	Schema() map[string]interface{}
	// Execute 执行工具
	Execute(ctx context.Context, args map[string]interface{}) (*Result, error)
}

// Result 工具执行结果
type Result struct {
	Output   string                 // 给 LLM 的精简结果
	Display  string                 // 给 UI 的富文本渲染 (为空时 fallback 到 Output)
	Success  bool                   // 是否成功
	Metadata map[string]interface{} // 元数据
	Error    string                 // 错误信息
}

// DisplayOrOutput 返回 Display (优先) 或回退到 Output
func (r *Result) DisplayOrOutput() string {
	if r.Display != "" {
		return r.Display
	}
	return r.Output
}

// Definition 工具定义，用于传递给模型
type Definition struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Parameters  map[string]interface{} `json:"parameters"`
}

// MachineToggler is implemented by InMemoryRegistry; it's split out so HTTP
// handlers can depend on the toggle surface without the full Registry
// interface (which intentionally doesn't expose machine state per spec §9 —
// the core treats machine names as opaque and never branches on them).
type MachineToggler interface {
	SetMachineToggle(machine string, enabled bool)
	MachineToggles() map[string]bool
}

// Registry 工具注册表接口
type Registry interface {
	// Register 注册工具
	Register(tool Tool) error
	// Unregister 注销工具
	Unregister(name string) error
	// Get 获取工具
	Get(name string) (Tool, bool)
	// List 列出所有工具
	List() []Definition
	// Has 检查工具是否存在
	Has(name string) bool
}

// snapshot is the immutable, process-wide published view of the tool
// catalog. Every mutation builds a brand new snapshot and swaps it in —
// readers never coordinate with writers or with each other.
type snapshot struct {
	tools   map[string]Tool   // toolName -> tool, filtered by machine toggles
	machine map[string]string // toolName -> owning machine (capability group), "" if none
}

// InMemoryRegistry is the lock-free tool catalog. Writers (Register /
// Unregister / SetMachineToggle) serialize through writeMu and publish a
// new snapshot via an atomic pointer swap; readers (Get / List / Has /
// ListToolsDirect / ExecuteDirect) load the current snapshot without ever
// taking a lock, so they are safe to call re-entrantly from inside a hook
// or from a tool that itself invokes the registry.
type InMemoryRegistry struct {
	writeMu sync.Mutex
	current atomic.Pointer[snapshot]

	// raw holds the full unfiltered tool set and machine assignments;
	// protected by writeMu, used to rebuild snapshot on every mutation.
	raw        map[string]Tool
	rawMachine map[string]string
	enabled    map[string]bool // machine name -> enabled; absent == enabled
}

// NewInMemoryRegistry creates an empty lock-free tool registry.
func NewInMemoryRegistry() *InMemoryRegistry {
	r := &InMemoryRegistry{
		raw:        make(map[string]Tool),
		rawMachine: make(map[string]string),
		enabled:    make(map[string]bool),
	}
	r.current.Store(&snapshot{tools: map[string]Tool{}, machine: map[string]string{}})
	return r
}

// Register adds a tool to the catalog with no machine assignment (always
// visible). Serializes through writeMu and republishes the full snapshot.
func (r *InMemoryRegistry) Register(tool Tool) error {
	return r.RegisterWithMachine(tool, "")
}

// RegisterWithMachine adds a tool tagged with an opaque machine (capability
// group) name. A tool whose machine is toggled off is excluded from reads
// until the machine is re-enabled via SetMachineToggle.
func (r *InMemoryRegistry) RegisterWithMachine(tool Tool, machine string) error {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	name := tool.Name()
	if _, exists := r.raw[name]; exists {
		return fmt.Errorf("tool %s already registered", name)
	}

	r.raw[name] = tool
	r.rawMachine[name] = machine
	r.publishLocked()
	return nil
}

// Unregister removes a tool and republishes the snapshot.
func (r *InMemoryRegistry) Unregister(name string) error {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	if _, exists := r.raw[name]; !exists {
		return fmt.Errorf("tool %s not found", name)
	}

	delete(r.raw, name)
	delete(r.rawMachine, name)
	r.publishLocked()
	return nil
}

// SetMachineToggle enables or disables an entire capability group. The
// core treats machine names as opaque strings; it applies the filter to
// the published snapshot without interpreting their meaning.
func (r *InMemoryRegistry) SetMachineToggle(machine string, enabled bool) {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	r.enabled[machine] = enabled
	r.publishLocked()
}

// MachineToggles returns a snapshot of the current machine enable/disable
// state as set via SetMachineToggle. Absent entries are implicitly enabled.
func (r *InMemoryRegistry) MachineToggles() map[string]bool {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	out := make(map[string]bool, len(r.enabled))
	for k, v := range r.enabled {
		out[k] = v
	}
	return out
}

// publishLocked rebuilds the filtered snapshot from raw state and swaps it
// in atomically. Must be called with writeMu held.
func (r *InMemoryRegistry) publishLocked() {
	next := &snapshot{
		tools:   make(map[string]Tool, len(r.raw)),
		machine: make(map[string]string, len(r.raw)),
	}
	for name, t := range r.raw {
		m := r.rawMachine[name]
		if m != "" {
			if enabled, known := r.enabled[m]; known && !enabled {
				continue // machine explicitly disabled — excluded from snapshot
			}
		}
		next.tools[name] = t
		next.machine[name] = m
	}
	r.current.Store(next)
}

// Get reads the current snapshot — lock-free.
func (r *InMemoryRegistry) Get(name string) (Tool, bool) {
	snap := r.current.Load()
	tool, exists := snap.tools[name]
	return tool, exists
}

// List reads tool definitions from the current snapshot — lock-free.
func (r *InMemoryRegistry) List() []Definition {
	snap := r.current.Load()
	defs := make([]Definition, 0, len(snap.tools))
	for _, tool := range snap.tools {
		defs = append(defs, Definition{
			Name:        tool.Name(),
			Description: tool.Description(),
			Parameters:  tool.Schema(),
		})
	}
	return defs
}

// Has reads the current snapshot — lock-free.
func (r *InMemoryRegistry) Has(name string) bool {
	snap := r.current.Load()
	_, exists := snap.tools[name]
	return exists
}

// ListToolsDirect is an alias for List kept for re-entrancy-sensitive
// callers (hooks, sub-agents) that want to make the snapshot-read contract
// explicit at the call site.
func (r *InMemoryRegistry) ListToolsDirect() []Definition {
	return r.List()
}

// ExecuteDirect runs a tool straight off the lock-free snapshot with no
// hook gating. Safe to call re-entrantly (e.g. from inside a hook or from
// a tool that recursively invokes the registry) since it never contends
// with a concurrent Register/Unregister.
func (r *InMemoryRegistry) ExecuteDirect(ctx context.Context, name string, args map[string]interface{}) (*Result, error) {
	snap := r.current.Load()
	t, exists := snap.tools[name]
	if !exists {
		return nil, fmt.Errorf("tool %s not found", name)
	}
	return t.Execute(ctx, args)
}

// ExecutionContext 执行上下文类型
type ExecutionContext int

const (
	ExecContextGateway ExecutionContext = iota // 直接在网关进程执行
	ExecContextSandbox                         // 在沙箱中执行
	ExecContextRemote                          // 远程节点执行
)

// String 返回执行上下文的字符串表示
func (c ExecutionContext) String() string {
	switch c {
	case ExecContextGateway:
		return "gateway"
	case ExecContextSandbox:
		return "sandbox"
	case ExecContextRemote:
		return "remote"
	default:
		return "unknown"
	}
}

// Executor 工具执行器接口
type Executor interface {
	// Execute 执行工具
	Execute(ctx context.Context, tool Tool, args map[string]interface{}) (*Result, error)
	// SetContext 设置执行上下文
	SetContext(execCtx ExecutionContext)
}

// Policy 工具策略
type Policy struct {
	Profile     string   // 预定义配置：minimal, coding, messaging, full
	AllowList   []string // 允许的工具列表
	DenyList    []string // 禁止的工具列表
	AskMode     bool     // 执行前是否需要用户确认
	MaxExecTime int      // 最大执行时间(秒)
}

// IsAllowed 按 DenyList / AllowList 检查工具名是否被允许 (不看 Kind)
func (p *Policy) IsAllowed(toolName string) bool {
	// 检查禁止列表
	for _, denied := range p.DenyList {
		if denied == toolName {
			return false
		}
	}

	// 如果允许列表为空，默认允许
	if len(p.AllowList) == 0 {
		return true
	}

	// 检查允许列表
	for _, allowed := range p.AllowList {
		if allowed == toolName {
			return true
		}
	}

	return false
}

// NeedsConfirmation 检查工具是否需要用户确认 (基于 Kind 自动判断)
func (p *Policy) NeedsConfirmation(kind Kind) bool {
	if !p.AskMode {
		return false
	}
	// SafeKinds 在 AskMode 下也自动放行
	if SafeKinds[kind] {
		return false
	}
	// MutatorKinds 需要确认
	return MutatorKinds[kind]
}

// PolicyEnforcer 策略执行器
type PolicyEnforcer struct {
	policy   *Policy
	registry Registry
}

// NewPolicyEnforcer 创建策略执行器
func NewPolicyEnforcer(policy *Policy, registry Registry) *PolicyEnforcer {
	return &PolicyEnforcer{
		policy:   policy,
		registry: registry,
	}
}

// FilteredList 返回策略过滤后的工具列表
func (e *PolicyEnforcer) FilteredList() []Definition {
	all := e.registry.List()
	filtered := make([]Definition, 0)

	for _, def := range all {
		if e.policy.IsAllowed(def.Name) {
			filtered = append(filtered, def)
		}
	}

	return filtered
}

// CanExecute 检查是否可以执行工具
func (e *PolicyEnforcer) CanExecute(toolName string) bool {
	return e.policy.IsAllowed(toolName)
}

// NeedsApproval 检查是否需要用户批准
func (e *PolicyEnforcer) NeedsApproval() bool {
	return e.policy.AskMode
}

// MarshalJSON 序列化工具结果
func (r *Result) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]interface{}{
		"output":   r.Output,
		"display":  r.Display,
		"success":  r.Success,
		"metadata": r.Metadata,
		"error":    r.Error,
	})
}
