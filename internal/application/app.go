package application

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/adhocore/gronx"
	"github.com/google/uuid"

	"github.com/osa-run/osa/internal/application/usecase"
	"github.com/osa-run/osa/internal/domain/entity"
	domainmemory "github.com/osa-run/osa/internal/domain/memory"
	"github.com/osa-run/osa/internal/domain/repository"
	"github.com/osa-run/osa/internal/domain/scheduler"
	"github.com/osa-run/osa/internal/domain/service"
	domaintool "github.com/osa-run/osa/internal/domain/tool"
	"github.com/osa-run/osa/internal/domain/valueobject"
	"github.com/osa-run/osa/internal/infrastructure/config"
	"github.com/osa-run/osa/internal/infrastructure/embedding"
	"github.com/osa-run/osa/internal/infrastructure/eventbus"
	"github.com/osa-run/osa/internal/infrastructure/llm"
	_ "github.com/osa-run/osa/internal/infrastructure/llm/anthropic" // register anthropic provider factory
	_ "github.com/osa-run/osa/internal/infrastructure/llm/gemini"    // register gemini provider factory
	_ "github.com/osa-run/osa/internal/infrastructure/llm/openai"    // register openai provider factory
	"github.com/osa-run/osa/internal/infrastructure/monitoring"
	"github.com/osa-run/osa/internal/infrastructure/persistence"
	"github.com/osa-run/osa/internal/infrastructure/prompt"
	"github.com/osa-run/osa/internal/infrastructure/pubsub"
	"github.com/osa-run/osa/internal/infrastructure/sandbox"
	"github.com/osa-run/osa/internal/infrastructure/vectorstore"
	toolpkg "github.com/osa-run/osa/internal/infrastructure/tool"
	"github.com/osa-run/osa/internal/interfaces/agentgrpc"
	httpServer "github.com/osa-run/osa/internal/interfaces/http"
	"github.com/osa-run/osa/pkg/safego"
	"github.com/osa-run/osa/internal/interfaces/telegram"
	"github.com/osa-run/osa/internal/interfaces/websocket"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// App 应用程序
type App struct {
	// 配置
	config *config.Config
	logger *zap.Logger
	db     *gorm.DB

	// 仓储层
	agentRepo   repository.AgentRepository
	messageRepo repository.MessageRepository

	// 领域服务
	agentSelector service.AgentSelector
	messageRouter service.MessageRouter

	// 应用服务
	processMessageUseCase *usecase.ProcessMessageUseCase

	// 基础设施
	toolRegistry    domaintool.Registry
	toolExecutor    *toolpkg.Executor
	llmRouter       *llm.Router
	mcpManager      *toolpkg.MCPManager
	agentLoop       *service.AgentLoop
	securityHook    *service.SecurityHook
	grpcAgentSrv    *agentgrpc.Server
	telegramAdapter *telegram.Adapter
	wsHub           *websocket.Hub

	// 事件总线 / 调度器
	eventBus      eventbus.Bus
	pubsubBridge  *pubsub.Bridge
	scheduler     *scheduler.Scheduler
	memoryManager *domainmemory.MemoryManager
	monitor         *monitoring.Monitor
	sessionLog      *pubsub.SessionLog
	scheduleWatcher *scheduler.Watcher
	httpServer      *httpServer.Server

	// 记忆系统


	// Prompt 引擎
	promptEngine   *prompt.PromptEngine
}

// NewApp 创建应用程序（依赖注入容器）
func NewApp(cfg *config.Config, logger *zap.Logger) (*App, error) {
	// Bootstrap: ensure ~/.osa/ exists with default files on first run
	if err := config.Bootstrap(logger); err != nil {
		logger.Warn("Bootstrap failed (non-fatal)", zap.Error(err))
	}

	app := &App{
		config: cfg,
		logger: logger,
	}

	// 初始化各层组件
	if err := app.initRepositories(); err != nil {
		return nil, fmt.Errorf("failed to init repositories: %w", err)
	}

	if err := app.initDomainServices(); err != nil {
		return nil, fmt.Errorf("failed to init domain services: %w", err)
	}

	if err := app.initInfrastructure(); err != nil {
		return nil, fmt.Errorf("failed to init infrastructure: %w", err)
	}

	if err := app.initApplicationServices(); err != nil {
		return nil, fmt.Errorf("failed to init application services: %w", err)
	}

	if err := app.initInterfaces(); err != nil {
		return nil, fmt.Errorf("failed to init interfaces: %w", err)
	}

	// 初始化默认数据
	if err := app.seedData(); err != nil {
		return nil, fmt.Errorf("failed to seed data: %w", err)
	}

	return app, nil
}

// NewAppCLI creates a lightweight app for CLI mode.
// Only initializes: DB (silent), Tools, LLM Router, AgentLoop, PromptEngine.
// Skips: HTTP server, Telegram, gRPC, seed data.
func NewAppCLI(cfg *config.Config, logger *zap.Logger) (*App, error) {
	if err := config.Bootstrap(logger); err != nil {
		logger.Warn("Bootstrap failed (non-fatal)", zap.Error(err))
	}

	app := &App{
		config: cfg,
		logger: logger,
	}

	// DB with silent logging (no SQL spam)
	if err := app.initRepositoriesSilent(); err != nil {
		return nil, fmt.Errorf("failed to init repositories: %w", err)
	}

	if err := app.initDomainServices(); err != nil {
		return nil, fmt.Errorf("failed to init domain services: %w", err)
	}

	if err := app.initInfrastructure(); err != nil {
		return nil, fmt.Errorf("failed to init infrastructure: %w", err)
	}

	if err := app.initApplicationServices(); err != nil {
		return nil, fmt.Errorf("failed to init application services: %w", err)
	}

	// No initInterfaces (HTTP/TG/gRPC) — CLI doesn't need servers
	// No seedData — avoid noisy DB writes on every CLI launch
	return app, nil
}

// initRepositories 初始化仓储层
func (app *App) initRepositories() error {
	app.logger.Info("Initializing repositories")

	// 连接数据库
	db, err := persistence.NewDBConnection(&app.config.Database)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	app.db = db

	// 初始化 GORM 仓储
	app.agentRepo = persistence.NewGormAgentRepository(db)
	app.messageRepo = persistence.NewGormMessageRepository(db)

	return nil
}

// initRepositoriesSilent initializes repos with silent DB logging (for CLI mode)
func (app *App) initRepositoriesSilent() error {
	db, err := persistence.NewDBConnectionSilent(&app.config.Database)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	app.db = db
	app.agentRepo = persistence.NewGormAgentRepository(db)
	app.messageRepo = persistence.NewGormMessageRepository(db)
	return nil
}

// initDomainServices 初始化领域服务
func (app *App) initDomainServices() error {
	app.logger.Info("Initializing domain services")

	// 代理选择器
	app.agentSelector = service.NewDefaultAgentSelector(app.agentRepo)

	// 消息路由器
	app.messageRouter = service.NewDefaultMessageRouter(app.agentSelector)

	return nil
}

// initInfrastructure 初始化基础设施
func (app *App) initInfrastructure() error {
	app.logger.Info("Initializing infrastructure")

	// Tool Registry + Executor
	app.toolRegistry = domaintool.NewInMemoryRegistry()
	homeDir, _ := os.UserHomeDir()
	systemSkillsDir := filepath.Join(homeDir, ".osa", "skills")

	// Workspace-level skills (project-specific overrides)
	workspaceDir := app.config.Agent.Workspace
	skillsDirs := []string{systemSkillsDir}
	if workspaceDir != "" {
		wsSkillsDir := filepath.Join(workspaceDir, ".osa", "skills")
		skillsDirs = append(skillsDirs, wsSkillsDir)
	}

	sbxCfg := sandbox.DefaultConfig()
	sbxCfg.PythonEnv = app.config.PythonEnv
	if app.config.Agent.Runtime.ToolTimeout > 0 {
		sbxCfg.Timeout = app.config.Agent.Runtime.ToolTimeout
	}
	sbx, sbxErr := sandbox.NewProcessSandbox(sbxCfg, app.logger)
	if sbxErr != nil {
		app.logger.Warn("Sandbox init failed, tools will run unsandboxed", zap.Error(sbxErr))
	}

	// Executor (只负责执行，不再负责注册)
	app.toolExecutor = toolpkg.NewExecutor(
		app.toolRegistry,
		&domaintool.Policy{Profile: "full"},
		sbx, app.logger,
	)

	// LLM Router (modular provider factory with failover)
	// NOTE: must be initialized BEFORE RegisterAllTools because spawn_agent depends on it.
	app.llmRouter = llm.NewRouter(app.logger)
	for _, p := range app.config.Agent.Providers {
		provider, err := llm.CreateProvider(llm.ProviderConfig{
			Name:     p.Name,
			Type:     p.Type,
			BaseURL:  p.BaseURL,
			APIKey:   p.APIKey,
			Models:   p.Models,
			Priority: p.Priority,
		}, app.logger)
		if err != nil {
			app.logger.Error("Failed to create LLM provider",
				zap.String("name", p.Name),
				zap.String("type", p.Type),
				zap.Error(err),
			)
			continue
		}
		app.llmRouter.AddProvider(provider)
	}
	app.llmRouter.SetFallbackChain(app.config.Agent.DefaultProvider, app.config.Agent.FallbackProviders)
	app.logger.Info("LLM Router initialized",
		zap.Int("providers", len(app.config.Agent.Providers)),
		zap.String("default_provider", app.config.Agent.DefaultProvider),
		zap.Strings("fallback_chain", app.config.Agent.FallbackProviders),
	)

	// MCP Manager (hot-pluggable, reads ~/.osa/mcp.json)
	homeDir, _ = os.UserHomeDir()
	mcpConfigPath := filepath.Join(homeDir, ".osa", "mcp.json")
	app.mcpManager = toolpkg.NewMCPManager(mcpConfigPath, app.toolRegistry, app.logger)

	// ── Unified Tool Registration (single entry point) ──
	subMaxSteps := app.config.Agent.Runtime.SubAgentMaxSteps
	if subMaxSteps <= 0 {
		subMaxSteps = 25
	}
	// Pick first available provider for research LLM summarization
	var researchURL, researchKey, researchModel string
	if len(app.config.Agent.Providers) > 0 {
		p := app.config.Agent.Providers[0]
		researchURL = p.BaseURL
		researchKey = p.APIKey
		if len(p.Models) > 0 {
			// Strip provider prefix (e.g. "bailian/qwen3-coder-plus" -> "qwen3-coder-plus")
			model := p.Models[0]
			if idx := strings.Index(model, "/"); idx >= 0 {
				model = model[idx+1:]
			}
			researchModel = model
		}
	}

	toolpkg.RegisterAllTools(toolpkg.ToolLayerDeps{
		Registry:         app.toolRegistry,
		Sandbox:          sbx,
		PythonEnv:        app.config.PythonEnv,
		SkillsDir:        systemSkillsDir,
		ResearchLLMURL:   researchURL,
		ResearchLLMKey:   researchKey,
		ResearchLLMModel: researchModel,
		Workspace:        app.config.Agent.Workspace,
		MCPManager:       app.mcpManager,
		SubAgent: &toolpkg.SubAgentDeps{
			LLMClient:    app.llmRouter,
			ToolExecutor: &toolBridge{registry: app.toolRegistry},
			DefaultModel: app.config.Agent.DefaultModel,
			MaxSteps:     subMaxSteps,
			Timeout:      app.config.Agent.Runtime.SubAgentTimeout,
		},
		Logger: app.logger,
	})


	// Prompt Engine (hot-pluggable system prompt assembly — System + Workspace layers)
	app.promptEngine = prompt.NewPromptEngine(app.config.Agent.Workspace, app.logger)
	if err := app.promptEngine.Discover(); err != nil {
		app.logger.Warn("Prompt engine discovery failed, will use empty system prompt",
			zap.Error(err),
		)
	}

	return nil
}

// initApplicationServices 初始化应用服务
func (app *App) initApplicationServices() error {
	app.logger.Info("Initializing application services")

	// ProcessMessageUseCase (legacy HTTP/REPL path — uses llmRouter directly)
	app.processMessageUseCase = usecase.NewProcessMessageUseCase(
		app.messageRepo,
		app.messageRouter,
		app.llmRouter,
		app.logger,
	)

	// Agent Loop (ReAct Engine) — uses LLM Router + Tool Bridge
	loopTools := &toolBridge{registry: app.toolRegistry}


	loopCfg := service.DefaultAgentLoopConfig()
	loopCfg.Model = app.config.Agent.DefaultModel
	if app.config.Agent.MaxIterations > 0 {
		loopCfg.MaxIterations = app.config.Agent.MaxIterations
	}

	// Bridge per-model policy overrides from config.yaml
	if len(app.config.Agent.ModelPolicies) > 0 {
		loopCfg.ModelPolicies = make(map[string]*service.ModelPolicyOverride)
		for key, cfgPolicy := range app.config.Agent.ModelPolicies {
			override := &service.ModelPolicyOverride{
				RepairToolPairing:   cfgPolicy.RepairToolPairing,
				EnforceTurnOrdering: cfgPolicy.EnforceTurnOrdering,
				ReasoningFormat:     cfgPolicy.ReasoningFormat,
				ProgressInterval:    cfgPolicy.ProgressInterval,
				ProgressEscalation:  cfgPolicy.ProgressEscalation,
				PromptStyle:         cfgPolicy.PromptStyle,
				SystemRoleSupport:   cfgPolicy.SystemRoleSupport,
				ThinkingTagHint:     cfgPolicy.ThinkingTagHint,
			}
			loopCfg.ModelPolicies[key] = override
		}
	}
	if app.config.Agent.Guardrails.LoopDetectThreshold > 0 {
		loopCfg.DoomLoopThreshold = app.config.Agent.Guardrails.LoopDetectThreshold
	}
	if app.config.Agent.Guardrails.LoopNameThreshold > 0 {
		loopCfg.LoopNameThreshold = app.config.Agent.Guardrails.LoopNameThreshold
	}

	// Retry config from config.yaml
	if app.config.Agent.Runtime.MaxRetries > 0 {
		loopCfg.MaxRetries = app.config.Agent.Runtime.MaxRetries
	}
	if app.config.Agent.Runtime.RetryBaseWait > 0 {
		loopCfg.RetryBaseWait = app.config.Agent.Runtime.RetryBaseWait
	}

	// Compaction config from config.yaml
	if app.config.Agent.Compaction.MessageThreshold > 0 {
		loopCfg.CompactThreshold = app.config.Agent.Compaction.MessageThreshold
	}
	if app.config.Agent.Compaction.KeepRecent > 0 {
		loopCfg.CompactKeepLast = app.config.Agent.Compaction.KeepRecent
	}
	loopCfg.CompactModel = app.config.Agent.Compaction.Model


	app.agentLoop = service.NewAgentLoop(
		app.llmRouter,
		loopTools,
		loopCfg,
		app.logger,
	)
	app.logger.Info("Agent Loop initialized",
		zap.String("model", loopCfg.Model),
	)

	// Create SecurityHook and chain it with the metrics hook; the security
	// hook keeps its veto power, the metrics hook just observes.
	app.securityHook = service.NewSecurityHook(
		app.config.Agent.Security,
		nil, // approvalFunc is set later in initInterfaces after TG adapter creation
		app.logger,
	)
	app.monitor = monitoring.NewMonitor(app.logger)
	app.agentLoop.SetHooks(service.NewHookChain(
		app.securityHook,
		monitoring.NewMetricsHook(app.monitor),
	))

	// Middleware pipeline (data-transformation hooks around LLM calls)
	mwPipeline := service.NewMiddlewarePipeline(app.logger)
	mwPipeline.Use(
		service.NewDanglingToolCallMiddleware(app.logger),
		// NOTE: MemoryMiddleware intentionally removed.
		// It produced low-quality, unfiltered facts (201 entries in memory.json)
		// that polluted the system prompt and caused context poisoning.
		// Future: agent writes memory via file tools (OpenClaw pattern).
	)
	app.agentLoop.SetMiddleware(mwPipeline)
	app.logger.Info("Middleware pipeline configured",
		zap.Int("middlewares", mwPipeline.Len()),
	)

	if err := app.initEventingAndScheduler(); err != nil {
		return fmt.Errorf("failed to init eventing/scheduler: %w", err)
	}

	app.initMemory()

	return nil
}

// initEventingAndScheduler wires the in-memory event bus, its three-tier
// pubsub bridge, and the cron/trigger/heartbeat scheduler. The scheduler's
// CommandExecutor runs scheduled work through the same Agent Loop a live
// chat turn uses, so a cron job or trigger gets the identical tool policy,
// doom-loop protection, and compaction behavior.
func (app *App) initEventingAndScheduler() error {
	app.eventBus = eventbus.NewInMemoryBus(app.logger, 256)
	app.pubsubBridge = pubsub.NewBridge(app.eventBus, app.logger)

	// Durable per-session event log (~/.osa/sessions/<id>.jsonl). Best
	// effort: an unwritable directory logs a warning and the runtime keeps
	// going without a durable record.
	if sessionLog, err := pubsub.NewSessionLog(filepath.Join(config.HomeDir(), "sessions"), app.logger); err != nil {
		app.logger.Warn("Session log unavailable", zap.Error(err))
	} else {
		sessionLog.Attach(app.pubsubBridge)
		app.sessionLog = sessionLog
	}


	// 监控也挂在 firehose 上, signal/终态指标按事件类型计数
	if app.monitor != nil {
		app.eventBus.Subscribe(pubsub.FirehoseTopic, func(ctx context.Context, ev eventbus.Event) {
			app.monitor.CountEvent(pubsub.Unwrap(ev).Type())
		})
	}

	if !app.config.Schedule.Enabled {
		app.logger.Info("Scheduler disabled via config")
		return nil
	}

	storeDir := app.config.Schedule.StorePath
	if storeDir == "" {
		storeDir = filepath.Join(config.HomeDir(), "schedule")
	}
	if err := os.MkdirAll(storeDir, 0755); err != nil {
		return fmt.Errorf("create schedule store dir: %w", err)
	}

	store, err := scheduler.NewStore(storeDir, app.logger)
	if err != nil {
		return fmt.Errorf("open schedule store: %w", err)
	}

	hbFilePath := app.config.Heartbeat.FilePath
	if hbFilePath == "" {
		hbFilePath = filepath.Join(config.HomeDir(), "HEARTBEAT.md")
	}
	hbCfg := scheduler.HeartbeatConfig{
		FilePath: hbFilePath,
		Interval: time.Duration(app.config.Heartbeat.Interval) * time.Minute,
		Enabled:  app.config.Heartbeat.Enabled,
	}

	app.scheduler = scheduler.New(store, app.runScheduledAgentTask, hbCfg, app.logger)

	// Hot-reload CRONS.json/TRIGGERS.json when edited outside the gateway.
	if watcher, err := scheduler.NewWatcher(store, app.logger); err != nil {
		app.logger.Warn("Schedule file watcher unavailable", zap.Error(err))
	} else {
		app.scheduleWatcher = watcher
	}

	// Every published event reaches the scheduler once, via the firehose
	// topic, so triggers can match on the event's real type rather than a
	// fixed "trigger" envelope type.
	app.eventBus.Subscribe(pubsub.FirehoseTopic, func(ctx context.Context, ev eventbus.Event) {
		orig := pubsub.Unwrap(ev)
		app.scheduler.HandleEvent(ctx, orig.Type(), orig.Payload())
	})

	app.logger.Info("Scheduler initialized", zap.String("store_dir", storeDir))
	return nil
}

// sessionEventPayload implements pubsub.SessionPayload so events published
// outside the HTTP handler (Telegram, the scheduler's synthetic deliveries)
// route onto their per-session topic exactly like AgentHandler's own events.
type sessionEventPayload struct {
	Session string `json:"session_id"`
	Body    any    `json:"body,omitempty"`
}

func (p sessionEventPayload) SessionID() string { return p.Session }

// publishSessionEvent is the shared publish path for every non-HTTP caller
// of AgentLoop.Deliver; it is a no-op when the bridge hasn't been wired
// (e.g. during tests).
func (app *App) publishSessionEvent(ctx context.Context, eventType, sessionID string, payload any) {
	if app.pubsubBridge == nil {
		return
	}
	app.pubsubBridge.Publish(ctx, eventbus.NewEvent(eventType, sessionEventPayload{Session: sessionID, Body: payload}))
}

// runScheduledAgentTask is the Scheduler's CommandExecutor: it passes the
// synthetic delivery through the same Deliver front door every other
// channel uses (NoiseFilter -> Classifier -> loop) and returns the final
// response text once the loop reaches EventDone. A filtered delivery never
// reaches the loop at all.
func (app *App) runScheduledAgentTask(ctx context.Context, sessionID, message string) (string, error) {
	if app.agentLoop == nil {
		return "", fmt.Errorf("agent loop not initialized")
	}
	systemPrompt := ""
	if app.promptEngine != nil {
		systemPrompt = app.promptEngine.Assemble(prompt.PromptContext{UserMessage: message})
	}

	publish := func(eventType string, payload any) {
		app.publishSessionEvent(ctx, eventType, sessionID, payload)
	}

	result, eventCh, delivered := app.agentLoop.Deliver(ctx, "scheduler", systemPrompt, message, nil, "", publish)
	if delivered.Filtered {
		return "", fmt.Errorf("scheduled message filtered as noise: %s", delivered.Reason)
	}
	for range eventCh {
		// Drain events; a scheduled run has no SSE client to stream to.
	}
	return result.FinalContent, nil
}

// initMemory wires the semantic memory store (spec §3.10) from config, when
// enabled. Best-effort: an unreachable Ollama instance or a LanceDB open
// failure logs a warning and leaves memoryManager nil — the HTTP memory
// endpoints then answer 501 rather than blocking the rest of boot.
func (app *App) initMemory() {
	if !app.config.Memory.Enabled {
		app.logger.Debug("Semantic memory disabled via config")
		return
	}

	embedder, err := embedding.NewOllamaEmbedder(app.config.Memory.OllamaURL, app.config.Memory.EmbedModel, app.logger)
	if err != nil {
		app.logger.Warn("Memory embedder unavailable, semantic memory disabled", zap.Error(err))
		return
	}

	var store domainmemory.VectorStore
	if app.config.Memory.StoreType == "memory" {
		store = domainmemory.NewInMemoryVectorStore()
	} else {
		lance, err := vectorstore.NewLanceDBVectorStore(app.config.Memory.StorePath, embedder.Dimension(), app.logger)
		if err != nil {
			app.logger.Warn("LanceDB store unavailable, semantic memory disabled", zap.Error(err))
			return
		}
		store = lance
	}

	app.memoryManager = domainmemory.NewMemoryManager(store, embedder)
	app.logger.Info("Semantic memory initialized",
		zap.String("store_type", app.config.Memory.StoreType),
		zap.Int("dimension", embedder.Dimension()),
	)
}

// schedulerCronBackend implements telegram.CronBackend over the gateway's
// scheduler store: /cron-created jobs land in CRONS.json and run as agent
// deliveries bound to the originating chat's session.
type schedulerCronBackend struct {
	store *scheduler.Store
}

func (b schedulerCronBackend) List(chatID int64) []telegram.CronJobInfo {
	var out []telegram.CronJobInfo
	session := telegram.SessionID(chatID)
	for _, j := range b.store.ListCrons() {
		if j.SessionID != session {
			continue
		}
		out = append(out, telegram.CronJobInfo{ID: j.ID, CronExpr: j.Expr, Command: j.Command})
	}
	return out
}

func (b schedulerCronBackend) Schedule(chatID int64, cronExpr, command string) (string, error) {
	if !gronx.New().IsValid(cronExpr) {
		return "", fmt.Errorf("invalid cron expression: %s", cronExpr)
	}
	job := &scheduler.CronJob{
		ID:        uuid.NewString(),
		Expr:      cronExpr,
		Type:      scheduler.ActionAgent,
		Command:   command,
		SessionID: telegram.SessionID(chatID),
		Enabled:   true,
		CreatedAt: time.Now().UTC(),
	}
	if err := b.store.AddCron(job); err != nil {
		return "", err
	}
	return job.ID, nil
}

func (b schedulerCronBackend) Cancel(id string) error {
	return b.store.RemoveCron(id)
}

// toolSkillBackend 把工具层的 SkillManager 适配成 telegram.SkillBackend。
type toolSkillBackend struct {
	sm *toolpkg.SkillManager
}

func (b toolSkillBackend) List() []telegram.SkillInfo {
	skills := b.sm.List()
	out := make([]telegram.SkillInfo, 0, len(skills))
	for _, s := range skills {
		out = append(out, telegram.SkillInfo{ID: s.ID, Name: s.Name, Description: s.Description, Enabled: s.Enabled})
	}
	return out
}

func (b toolSkillBackend) Install(source, name string) (*telegram.SkillInfo, error) {
	s, err := b.sm.Install(source, name)
	if err != nil {
		return nil, err
	}
	return &telegram.SkillInfo{ID: s.ID, Name: s.Name, Description: s.Description, Enabled: s.Enabled}, nil
}

func (b toolSkillBackend) Uninstall(skillID string) error { return b.sm.Uninstall(skillID) }
func (b toolSkillBackend) Enable(skillID string) error    { return b.sm.Enable(skillID) }
func (b toolSkillBackend) Disable(skillID string) error   { return b.sm.Disable(skillID) }

// registryBashExecutor 让 /bash 复用注册表里的 bash 工具 — 同一条
// shellpolicy + 沙箱路径, 不为 Telegram 另开一个 exec 口子。
type registryBashExecutor struct {
	registry domaintool.Registry
}

func (b registryBashExecutor) Execute(ctx context.Context, chatID int64, command string) (string, error) {
	bash, ok := b.registry.Get("bash")
	if !ok {
		return "", fmt.Errorf("bash tool not registered")
	}
	res, err := bash.Execute(ctx, map[string]interface{}{"command": command})
	if err != nil {
		return "", err
	}
	if !res.Success {
		msg := res.Error
		if msg == "" {
			msg = "command failed"
		}
		return res.Output, fmt.Errorf("%s", msg)
	}
	return res.Output, nil
}

// chatIDKey is a context key for passing chatID to SecurityHook.
type chatIDKey struct{}

// WithChatID stores chatID in the context.
func WithChatID(ctx context.Context, chatID int64) context.Context {
	return context.WithValue(ctx, chatIDKey{}, chatID)
}

// ChatIDFromContext extracts chatID from the context.
func ChatIDFromContext(ctx context.Context) int64 {
	if v, ok := ctx.Value(chatIDKey{}).(int64); ok {
		return v
	}
	return 0
}

// initInterfaces 初始化接口层
func (app *App) initInterfaces() error {
	app.logger.Info("Initializing interfaces")

	// HTTP服务器
	loopToolsBridge := &toolBridge{registry: app.toolRegistry}
	toggler, _ := app.toolRegistry.(domaintool.MachineToggler)
	authSecret := ""
	if app.config.Auth.Enabled {
		authSecret = app.config.Auth.Secret
	}

	// Websocket duplex channel — Hub owns connections, AgentMessageHandler
	// is the Channel Contract consumer wired to Hub.SetMessageHandler so
	// every chat frame goes through AgentLoop.Deliver same as every other
	// channel.
	app.wsHub = websocket.NewHub(app.logger)
	wsAgentHandler := websocket.NewAgentMessageHandler(app.agentLoop, app.promptEngine, app.pubsubBridge, app.logger)
	app.wsHub.SetMessageHandler(wsAgentHandler.HandleMessage)
	wsHandler := websocket.NewHandler(app.wsHub, app.logger)

	app.httpServer = httpServer.NewServer(
		httpServer.Config{
			Host:          app.config.Gateway.Host,
			Port:          app.config.Gateway.Port,
			Mode:          app.config.Gateway.Mode,
			AuthSecret:    authSecret,
			WebhookSecret: app.config.Schedule.WebhookSecret,
		},
		app.processMessageUseCase,
		app.agentLoop,
		loopToolsBridge,
		app.promptEngine,
		app.pubsubBridge,
		toggler,
		app.memoryManager,
		wsHandler,
		app.monitor.PrometheusHandler(),
		app.logger,
	)

	// Telegram适配器
	if app.config.Telegram.BotToken != "" {
		var err error
		app.telegramAdapter, err = telegram.NewAdapter(
			&telegram.Config{
				BotToken:       app.config.Telegram.BotToken,
				AllowedUserIDs: app.config.Telegram.AllowIDs,
				DMPolicy:       app.config.Telegram.DMPolicy,
				GroupPolicy:    app.config.Telegram.GroupPolicy,
				GroupAllowFrom: app.config.Telegram.GroupAllowFrom,
			},
			app.logger,
		)
		if err != nil {
			return fmt.Errorf("failed to create telegram adapter: %w", err)
		}

		// Register media tools (TG-only, delayed because adapter created here)
		app.toolRegistry.Register(toolpkg.NewSendPhotoTool(app.telegramAdapter, app.logger))
		app.toolRegistry.Register(toolpkg.NewSendDocumentTool(app.telegramAdapter, app.logger))
		app.logger.Info("Registered TG media tools (send_photo, send_document)")

		// 创建会话管理器 — 优先 SQLite 持久化, 让 /models 等会话设置跨重启
		// 保留; 打不开数据库时退回内存实现
		var sessionManager interface {
			telegram.SessionManager
			SetAvailableModels(models []telegram.ModelInfo)
		}
		sessionDBPath := filepath.Join(config.HomeDir(), "telegram_sessions.db")
		if psm, err := telegram.NewPersistentSessionManager(sessionDBPath, app.config.Agent.DefaultModel); err != nil {
			app.logger.Warn("Persistent TG session store unavailable, using in-memory sessions", zap.Error(err))
			sessionManager = telegram.NewDefaultSessionManager(app.config.Agent.DefaultModel)
		} else {
			sessionManager = psm
		}

		// 从配置加载模型列表
		if len(app.config.Agent.Models) > 0 {
			models := make([]telegram.ModelInfo, len(app.config.Agent.Models))
			for i, m := range app.config.Agent.Models {
				models[i] = telegram.ModelInfo{
					ID:          m.ID,
					Alias:       m.Alias,
					Provider:    m.Provider,
					Description: m.Description,
				}
			}
			sessionManager.SetAvailableModels(models)
		}

		// 创建命令注册表
		cmdRegistry := telegram.NewCommandRegistry()

		// 设置会话管理器
		cmdRegistry.SetSessionManager(sessionManager)

		// /cron 命令走网关统一调度器, 不再单独维护任务表
		if app.scheduler != nil {
			cmdRegistry.SetCronBackend(schedulerCronBackend{store: app.scheduler.Store()})
		}

		// /skills 命令直通工具层的 SKILL.md 技能目录 — 技能只有一份扫描,
		// Telegram 是它的一个视图
		skillHome, _ := os.UserHomeDir()
		skillDir := filepath.Join(skillHome, ".osa", "skills")
		skillBackend := toolSkillBackend{sm: toolpkg.NewSkillManager(skillDir)}
		cmdRegistry.SetSkillBackend(skillBackend)
		app.logger.Info("Skill backend initialized", zap.String("dir", skillDir), zap.Int("count", len(skillBackend.List())))

		// /bash 命令走注册表里的 bash 工具, 与 agent 回合同一套
		// shellpolicy 闸门和沙箱
		cmdRegistry.SetBashExecutor(registryBashExecutor{registry: app.toolRegistry})

		// 注册内置命令
		app.telegramAdapter.RegisterBuiltinCommands(cmdRegistry, app.securityHook)

		// 设置命令注册表
		app.telegramAdapter.SetCommandRegistry(cmdRegistry)

		// 设置消息处理器 (agent loop + StagedReply 阶段性输出)
		msgHandler := &telegramMessageHandler{
			agentLoop:      app.agentLoop,
			toolExec:       loopToolsBridge,
			promptEngine:   app.promptEngine,
			tgAdapter:      app.telegramAdapter,
			bridge:         app.pubsubBridge,
			logger:         app.logger,
			sessionManager: sessionManager,
			workspaceDir:   app.config.Agent.Workspace,
		}
		app.telegramAdapter.SetMessageHandler(msgHandler)

		// Wire SecurityHook approval function now that TG adapter exists
		if app.securityHook != nil {
			adapter := app.telegramAdapter
			app.securityHook.SetApprovalFunc(func(ctx context.Context, toolName string, args map[string]interface{}) (bool, error) {
				chatID := ChatIDFromContext(ctx)
				if chatID == 0 {
					return true, nil // No chatID in context — auto-approve (e.g. HTTP API)
				}
				argsJSON, _ := json.Marshal(args)
				return adapter.RequestApproval(ctx, chatID, toolName, string(argsJSON))
			})
		}

		// 允许 /new /clear /reset 命令清除对话历史
		cmdRegistry.SetHistoryClearer(msgHandler)

		// 允许 /stop 命令和对话打断
		cmdRegistry.SetRunController(msgHandler)
		app.telegramAdapter.SetRunController(msgHandler)

		app.logger.Info("Telegram adapter initialized with command registry and session manager")
	} else {
		app.logger.Warn("Telegram bot token not configured, skipping telegram adapter")
	}

	// gRPC Agent Server (for VS Code Extension / SDK)
	grpcPort := app.config.Agent.GRPCPort
	if grpcPort == 0 {
		grpcPort = 50052
	}
	loopTools := &toolBridge{registry: app.toolRegistry}
	app.grpcAgentSrv = agentgrpc.NewServer(app.agentLoop, loopTools, grpcPort, app.logger)
	app.logger.Info("gRPC agent server created", zap.Int("port", grpcPort))

	return nil

}



// seedData 初始化默认数据
func (app *App) seedData() error {
	app.logger.Info("Seeding default data")

	ctx := context.Background()

	// 创建默认代理
	defaultAgent, err := entity.NewAgent(
		"default",
		"默认助手",
		valueobject.DefaultModelConfig(),
	)
	if err != nil {
		return fmt.Errorf("failed to create default agent: %w", err)
	}

	// 保存默认代理
	if err := app.agentRepo.Save(ctx, defaultAgent); err != nil {
		return fmt.Errorf("failed to save default agent: %w", err)
	}

	app.logger.Info("Default agent created",
		zap.String("id", defaultAgent.ID()),
		zap.String("name", defaultAgent.Name()),
	)

	return nil
}

// Start 启动应用程序
func (app *App) Start(ctx context.Context) error {
	app.logger.Info("Starting application")


	// 启动HTTP服务器
	if err := app.httpServer.Start(ctx); err != nil {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}

	// 启动 Websocket Hub (panic 不拖垮进程)
	if app.wsHub != nil {
		hub := app.wsHub
		safego.Go(app.logger, "ws-hub", func() { hub.Run(ctx) })
	}

	// 启动Telegram适配器
	if app.telegramAdapter != nil {
		if err := app.telegramAdapter.Start(ctx); err != nil {
			return fmt.Errorf("failed to start telegram adapter: %w", err)
		}
	}

	// 启动 gRPC Agent Server
	if app.grpcAgentSrv != nil {
		if err := app.grpcAgentSrv.Start(); err != nil {
			app.logger.Warn("gRPC agent server failed to start", zap.Error(err))
		}
	}

	// 启动调度器 (cron/trigger/heartbeat) 与任务文件热加载
	if app.scheduler != nil {
		app.scheduler.Start(ctx)
	}
	if app.scheduleWatcher != nil {
		watcher := app.scheduleWatcher
		safego.Go(app.logger, "schedule-watcher", func() { watcher.Run(ctx) })
	}

	app.logger.Info("Application started successfully")
	return nil
}

// Stop 停止应用程序
func (app *App) Stop(ctx context.Context) error {
	app.logger.Info("Stopping application")

	// 停止调度器
	if app.scheduler != nil {
		app.scheduler.Stop()
	}

	// 关闭事件总线
	if app.eventBus != nil {
		app.eventBus.Close()
	}

	// 落盘 session 日志
	if app.sessionLog != nil {
		app.sessionLog.Close()
	}

	// 停止 gRPC Agent Server
	if app.grpcAgentSrv != nil {
		app.grpcAgentSrv.Stop()
	}

	// 停止Telegram适配器
	if app.telegramAdapter != nil {
		app.telegramAdapter.Stop()
	}

	// 停止HTTP服务器
	if err := app.httpServer.Stop(ctx); err != nil {
		app.logger.Error("Failed to stop HTTP server", zap.Error(err))
	}





	// 关闭数据库连接
	if app.db != nil {
		sqlDB, err := app.db.DB()
		if err == nil {
			if err := sqlDB.Close(); err != nil {
				app.logger.Error("Failed to close database connection", zap.Error(err))
			}
		}
	}

	app.logger.Info("Application stopped successfully")
	return nil
}

// ProcessMessageUseCase returns the message processing usecase (used by REPL)
func (app *App) ProcessMessageUseCase() *usecase.ProcessMessageUseCase {
	return app.processMessageUseCase
}

// Logger returns the application logger
func (app *App) Logger() *zap.Logger {
	return app.logger
}

// Config returns the application config
func (app *App) AppConfig() *config.Config {
	return app.config
}

// AgentLoop returns the agent loop instance (used by CLI/TUI)
func (app *App) AgentLoop() *service.AgentLoop {
	return app.agentLoop
}

// PromptEngine returns the prompt engine (used by CLI/TUI)
func (app *App) PromptEngine() *prompt.PromptEngine {
	return app.promptEngine
}

// ToolRegistry returns the tool registry (used by CLI/TUI)
func (app *App) ToolRegistry() domaintool.Registry {
	return app.toolRegistry
}

// EventBus returns the application's event bus (used by HTTP handlers to
// publish agent-loop lifecycle events and by the scheduler for triggers).
func (app *App) EventBus() eventbus.Bus {
	return app.eventBus
}

// PubSub returns the three-tier topic bridge over the event bus.
func (app *App) PubSub() *pubsub.Bridge {
	return app.pubsubBridge
}

// Scheduler returns the cron/trigger/heartbeat scheduler, or nil if
// disabled via config.
func (app *App) Scheduler() *scheduler.Scheduler {
	return app.scheduler
}

// MemoryManager returns the semantic memory manager, or nil if
// `memory.enabled` is false or the embedder/store failed to initialize.
func (app *App) MemoryManager() *domainmemory.MemoryManager {
	return app.memoryManager
}

// telegramMessageHandler 实现 telegram.MessageHandler + telegram.RunController 接口
// 通过 agentLoop.Deliver() (Signal pipeline 前置过滤) + StagedReply 实现阶段性 TG 消息输出
// 支持对话打断: 新消息自动取消旧的运行中 agent loop
type telegramMessageHandler struct {
	agentLoop      *service.AgentLoop
	toolExec       service.ToolExecutor
	promptEngine   *prompt.PromptEngine
	tgAdapter      *telegram.Adapter
	bridge         *pubsub.Bridge
	logger         *zap.Logger
	sessionManager telegram.SessionManager
	workspaceDir   string
	// 每个 chatID 的对话历史
	histories sync.Map // map[int64][]service.LLMMessage
	// 每个 chatID 的活跃运行 (用于打断)
	activeRuns sync.Map // map[int64]context.CancelFunc
}

// maxHistoryPairs 最多保留的对话对数 (user+assistant = 1 pair)
const maxHistoryPairs = 30

// publish mirrors AgentHandler.publish: a no-op when the bridge isn't wired
// (e.g. in tests that construct the handler directly).
func (h *telegramMessageHandler) publish(ctx context.Context, eventType, sessionID string, payload any) {
	if h.bridge == nil {
		return
	}
	h.bridge.Publish(ctx, eventbus.NewEvent(eventType, sessionEventPayload{Session: sessionID, Body: payload}))
}

func (h *telegramMessageHandler) HandleMessage(ctx context.Context, msg *telegram.IncomingMessage) (*telegram.OutgoingMessage, error) {
	// ===== 打断机制: 取消此 chatID 之前的运行 =====
	if oldCancel, ok := h.activeRuns.Load(msg.ChatID); ok {
		oldCancel.(context.CancelFunc)()
		h.logger.Info("Interrupted previous run",
			zap.Int64("chat_id", msg.ChatID),
		)
	}

	// 创建可取消的上下文, 注册到 activeRuns
	runCtx, runCancel := context.WithCancel(ctx)
	runCtx = WithChatID(runCtx, msg.ChatID)     // for SecurityHook
	runCtx = toolpkg.WithChatID(runCtx, msg.ChatID) // for media tools (send_photo, send_document)
	h.activeRuns.Store(msg.ChatID, runCancel)
	defer func() {
		runCancel()
		h.activeRuns.Delete(msg.ChatID)
	}()

	// 发送 typing 状态
	h.tgAdapter.SendTyping(msg.ChatID)

	// 组装 system prompt (两层架构)
	toolNames := make([]string, 0)
	toolSummaries := make(map[string]string)
	for _, d := range h.toolExec.GetDefinitions() {
		toolNames = append(toolNames, d.Name)
		if d.Description != "" {
			toolSummaries[d.Name] = d.Description
		}
	}

	// 获取当前模型名称
	modelName := ""
	if h.sessionManager != nil {
		modelName = h.sessionManager.GetCurrentModel(msg.ChatID)
	}

	// Build unified system prompt (channel-aware assembly)
	systemPrompt := ""
	if h.promptEngine != nil {
		systemPrompt = h.promptEngine.Assemble(prompt.PromptContext{
			Channel:         "telegram",
			RegisteredTools: toolNames,
			ToolSummaries:   toolSummaries,
			ModelName:       modelName,
			UserMessage:     msg.Text,
			Workspace:       h.workspaceDir,
		})
	}


	// 加载对话历史
	history := h.getHistory(msg.ChatID)

	// ===== Signal pipeline front door =====
	// Every inbound message — Telegram included — goes through
	// AgentLoop.Deliver (NoiseFilter -> Classifier) before the loop ever
	// sees it, same as the HTTP orchestrate endpoint. A noise hit here
	// never invokes the loop and never consumes a model call.
	sessionID := telegram.SessionID(msg.ChatID)
	publish := func(eventType string, payload any) {
		h.publish(runCtx, eventType, sessionID, payload)
	}
	result, eventCh, delivered := h.agentLoop.Deliver(runCtx, "telegram", systemPrompt, msg.Text, history, modelName, publish)
	if delivered.Filtered {
		h.logger.Info("Telegram message filtered as noise, dropping",
			zap.Int64("chat_id", msg.ChatID),
			zap.String("reason", string(delivered.Reason)),
		)
		return nil, nil
	}

	// 创建 StagedReply: Antigravity 风格的阶段性回复
	// Phase 1: 状态消息 (思考 → 工具执行 → 步骤进度)
	// Phase 2: 删除状态消息 → 发送完整回复
	staged := h.tgAdapter.CreateStagedReply(msg.ChatID)
	_ = staged.StatusThinking()

	var lastSegment strings.Builder // Accumulated text from final segment (after last tool result)
	interrupted := false

	for event := range eventCh {
		// 检查是否被打断
		if runCtx.Err() != nil {
			interrupted = true
			break
		}

		switch event.Type {
		case entity.EventTextDelta:
			lastSegment.WriteString(event.Content)

		case entity.EventToolCall:
			// Reset lastSegment on each tool call so the fallback only contains text
			// from the FINAL LLM segment (after the last tool result).
			// Without this, intermediate narration ("先检查…", "服务正在运行…") from
			// every LLM step accumulates and contaminates the output.
			lastSegment.Reset()
			if event.ToolCall != nil {
				_ = staged.StatusToolStart(event.ToolCall.Name, event.ToolCall.Arguments)
			}

		case entity.EventToolResult:
			if event.ToolCall != nil {
				_ = staged.StatusToolDone(event.ToolCall.Name, event.ToolCall.Arguments, event.ToolCall.Success)
			}

		case entity.EventError:
			_ = staged.StatusCustom("❌ " + event.Error)

		case entity.EventCancelled:
			_ = staged.StatusCustom("⏹ 已取消")

		case entity.EventStepDone:
			if event.StepInfo != nil {
				_ = staged.StatusStep(event.StepInfo.Step, 0)
			}
			h.tgAdapter.SendTyping(msg.ChatID)
		}
	}

	// 处理被打断的情况
	if interrupted {
		partial := lastSegment.String()
		if partial == "" {
			partial = "(被用户打断)"
		}
		h.appendHistory(msg.ChatID, msg.Text, partial+" [已打断]")
		_ = staged.DeliverWithSuffix(h.tgAdapter, partial, "⏹ <i>已打断</i>")
		return nil, nil
	}

	// 正常完成 → 选择最佳输出
	// Priority: result.FinalContent > lastSegment > "(无输出)"
	// NOTE: reasoning tags stripped by agent_loop (StripReasoningTags).
	// lastSegment fallback also stripped as safety net (OpenClaw pattern).
	finalText := strings.TrimSpace(result.FinalContent)
	if finalText == "" {
		finalText = strings.TrimSpace(service.StripReasoningTags(lastSegment.String()))
	}

	isEmpty := strings.TrimSpace(finalText) == ""
	if isEmpty {
		finalText = "(无输出)"
	}

	h.logger.Info("[DIAG] Delivering final response to TG",
		zap.Int64("chat_id", msg.ChatID),
		zap.Int("content_len", len(finalText)),
		zap.Int("steps", result.TotalSteps),
		zap.Bool("empty_fallback", isEmpty),
	)

	// Only append valid responses to history — empty/failed responses pollute context
	// and cause the model to ignore subsequent user prompts.
	if !isEmpty {
		h.appendHistory(msg.ChatID, msg.Text, finalText)
	} else {
		h.logger.Warn("[DIAG] Skipping history append for empty response",
			zap.Int64("chat_id", msg.ChatID),
			zap.String("raw_final", result.FinalContent),
			zap.String("raw_segment", lastSegment.String()),
		)
	}

	if err := staged.DeliverWithSuffix(h.tgAdapter, finalText, "<i>— OSA</i>"); err != nil {
		h.logger.Error("[DIAG] TG delivery FAILED", zap.Error(err), zap.Int64("chat_id", msg.ChatID))
	} else {
		h.logger.Info("[DIAG] TG delivery succeeded", zap.Int64("chat_id", msg.ChatID))
	}
	return nil, nil
}


// ===== RunController 接口实现 =====

// AbortRun 中止指定 chatID 的当前运行 (供 /stop 命令调用)
func (h *telegramMessageHandler) AbortRun(chatID int64) bool {
	if cancel, ok := h.activeRuns.Load(chatID); ok {
		cancel.(context.CancelFunc)()
		return true
	}
	return false
}

// IsRunActive 检查指定 chatID 是否有活跃运行
func (h *telegramMessageHandler) IsRunActive(chatID int64) bool {
	_, ok := h.activeRuns.Load(chatID)
	return ok
}

// GetRunState 获取指定 chatID 的运行状态
func (h *telegramMessageHandler) GetRunState(chatID int64) string {
	if h.IsRunActive(chatID) {
		return "running"
	}
	return "idle"
}

// ===== HistoryClearer 接口实现 =====

// ClearHistory 清除指定 chatID 的对话历史
func (h *telegramMessageHandler) ClearHistory(chatID int64) {
	h.histories.Delete(chatID)
}

// ===== 内部方法 =====

func (h *telegramMessageHandler) getHistory(chatID int64) []service.LLMMessage {
	if val, ok := h.histories.Load(chatID); ok {
		return val.([]service.LLMMessage)
	}
	return nil
}

func (h *telegramMessageHandler) appendHistory(chatID int64, userText, assistantText string) {
	history := h.getHistory(chatID)
	history = append(history,
		service.LLMMessage{Role: "user", Content: userText},
		service.LLMMessage{Role: "assistant", Content: assistantText},
	)
	maxMessages := maxHistoryPairs * 2
	if len(history) > maxMessages {
		history = history[len(history)-maxMessages:]
	}
	h.histories.Store(chatID, history)
}

