package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/osa-run/osa/internal/application"
	"github.com/osa-run/osa/internal/infrastructure/config"
	"github.com/osa-run/osa/internal/infrastructure/logger"
	"github.com/osa-run/osa/internal/infrastructure/persistence/arrowexport"
	"github.com/osa-run/osa/internal/infrastructure/prompt"
	"github.com/osa-run/osa/internal/interfaces/cli"
	"github.com/osa-run/osa/internal/interfaces/tui"
)

const (
	cliVersion = "0.2.0"
	cliName    = "osa"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   cliName + " [message]",
		Short: "OSA — AI Coding Agent",
		Long:  "OSA CLI — 交互式 AI 编程助手, 支持代码生成/编辑/调试/搜索",
		Args:  cobra.ArbitraryArgs,
		RunE:  runInteractive,
	}

	rootCmd.Flags().StringP("model", "m", "", "指定模型 (覆盖配置)")
	rootCmd.Flags().BoolP("no-approve", "y", false, "跳过工具审批 (YOLO 模式)")
	rootCmd.Flags().StringP("workspace", "w", "", "工作目录")

	// --- Subcommands ---

	rootCmd.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "启动完整网关服务 (HTTP + Telegram + gRPC)",
		Long:  "启动 OSA Gateway 全量服务, 包含 HTTP API、Telegram Bot、gRPC Agent Server",
		RunE:  runServe,
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "显示版本",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("%s v%s\n", cliName, cliVersion)
		},
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "tui",
		Short: "启动全屏终端界面 (bubbletea)",
		RunE:  runTUI,
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "setup",
		Short: "初始化 ~/.osa 配置目录 (首次安装引导)",
		RunE:  runSetup,
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "doctor",
		Short: "环境诊断",
		RunE:  runDoctor,
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "memory-export <session_id> <output.arrow>",
		Short: "将会话的语义记忆导出为 Arrow IPC 文件，供离线分析",
		Args:  cobra.ExactArgs(2),
		RunE:  runMemoryExport,
	})

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// ─── CLI Interactive Mode (default) ───

func runInteractive(cmd *cobra.Command, args []string) error {
	// Quiet logger for CLI
	log, err := logger.NewLogger(logger.Config{
		Level:      "error",
		Format:     "console",
		OutputPath: "/dev/null",
	})
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer log.Sync()

	// Load config — a broken config is exit code 2, not a generic failure
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "配置加载失败: %v\n", err)
		os.Exit(2)
	}

	// CLI flag overrides
	if m, _ := cmd.Flags().GetString("model"); m != "" {
		cfg.Agent.DefaultModel = m
	}
	// Workspace: always use CWD (where user launched osa)
	// --workspace flag overrides CWD; config workspace is for gateway mode only
	workspace, _ := os.Getwd()
	if w, _ := cmd.Flags().GetString("workspace"); w != "" {
		workspace = w
	}
	noApprove, _ := cmd.Flags().GetBool("no-approve")

	// Init app (CLI mode — no HTTP/TG/gRPC servers, silent DB)
	fmt.Print("\033[90m⏳ 初始化中...\033[0m")
	app, err := application.NewAppCLI(cfg, log)
	if err != nil {
		return fmt.Errorf("\n初始化失败: %w", err)
	}
	fmt.Print("\r\033[2K") // Clear "initializing" line

	// Tool count
	toolCount := 0
	if reg := app.ToolRegistry(); reg != nil {
		toolCount = len(reg.List())
	}

	// Build initial prompt from trailing args
	initPrompt := ""
	if len(args) > 0 {
		initPrompt = strings.Join(args, " ")
	}

	replCfg := cli.REPLConfig{
		Model:      cfg.Agent.DefaultModel,
		Workspace:  workspace,
		ToolCount:  toolCount,
		NoApprove:  noApprove,
		InitPrompt: initPrompt,
	}

	return cli.RunREPL(app.AgentLoop(), app.PromptEngine(), replCfg)
}

// ─── TUI Mode ───

func runTUI(cmd *cobra.Command, args []string) error {
	log, err := logger.NewLogger(logger.Config{
		Level:      "error",
		Format:     "console",
		OutputPath: "/dev/null",
	})
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer log.Sync()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "配置加载失败: %v\n", err)
		os.Exit(2)
	}

	app, err := application.NewAppCLI(cfg, log)
	if err != nil {
		return fmt.Errorf("初始化失败: %w", err)
	}

	engine := app.PromptEngine()
	sysPrompt := func(userMessage string) string {
		if engine == nil {
			return ""
		}
		return engine.Assemble(prompt.PromptContext{UserMessage: userMessage})
	}

	return tui.Run(context.Background(), app.AgentLoop(), sysPrompt, tui.Config{
		Model:    cfg.Agent.DefaultModel,
		UserName: os.Getenv("USER"),
	}, log)
}

// ─── Gateway Server Mode ───

func runServe(cmd *cobra.Command, args []string) error {
	log, err := logger.NewLogger(logger.Config{
		Level:      "info",
		Format:     "json",
		OutputPath: "stdout",
	})
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer log.Sync()

	log.Info("Starting OSA Gateway",
		zap.String("version", cliVersion),
	)

	cfg, err := config.Load()
	if err != nil {
		log.Error("Failed to load configuration", zap.Error(err))
		os.Exit(2)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	app, err := application.NewApp(cfg, log)
	if err != nil {
		log.Fatal("Failed to initialize application", zap.Error(err))
	}

	if err := app.Start(ctx); err != nil {
		log.Fatal("Failed to start application", zap.Error(err))
	}

	// Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	sig := <-quit
	log.Info("Received shutdown signal", zap.String("signal", sig.String()))

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := app.Stop(shutdownCtx); err != nil {
		log.Error("Error during shutdown", zap.Error(err))
		os.Exit(1)
	}

	log.Info("Application stopped successfully")
	if sig == syscall.SIGINT {
		os.Exit(130)
	}
	return nil
}

// ─── Setup ───

func runSetup(cmd *cobra.Command, args []string) error {
	log, err := logger.NewLogger(logger.Config{Level: "info", Format: "console", OutputPath: "stdout"})
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer log.Sync()

	if err := config.Bootstrap(log); err != nil {
		fmt.Fprintf(os.Stderr, "初始化失败: %v\n", err)
		os.Exit(2)
	}

	fmt.Printf("✓ 已初始化 %s\n", config.HomeDir())
	fmt.Println("下一步: 编辑 config.yaml 填入 provider 的 api_key, 然后运行 `osa` 开始对话")
	return nil
}

// ─── Doctor ───

func runDoctor(cmd *cobra.Command, args []string) error {
	fmt.Printf("◇ OSA Doctor v%s\n\n", cliVersion)

	checks := []struct {
		name  string
		check func() (string, bool)
	}{
		{"配置文件", checkConfig},
		{"Go 工具链", checkGo},
		{"Python 环境", checkPython},
	}

	allOK := true
	for _, c := range checks {
		val, ok := c.check()
		icon := "\033[92m✓\033[0m"
		if !ok {
			icon = "\033[91m✗\033[0m"
			allOK = false
		}
		fmt.Printf("  %s %s: %s\n", icon, c.name, val)
	}

	fmt.Println()
	if allOK {
		fmt.Println("所有检查通过 ✓")
	} else {
		fmt.Println("存在问题, 请检查上方标记")
	}
	return nil
}

// ─── Memory Export ───

func runMemoryExport(cmd *cobra.Command, args []string) error {
	sessionID, outPath := args[0], args[1]

	log, err := logger.NewLogger(logger.Config{Level: "warn", Format: "console", OutputPath: "stderr"})
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer log.Sync()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "配置加载失败: %v\n", err)
		os.Exit(2)
	}

	app, err := application.NewAppCLI(cfg, log)
	if err != nil {
		return fmt.Errorf("init: %w", err)
	}

	mgr := app.MemoryManager()
	if mgr == nil {
		return fmt.Errorf("semantic memory is not enabled (set memory.enabled: true in config.yaml)")
	}

	entries, err := mgr.SessionEntries(context.Background(), sessionID)
	if err != nil {
		return fmt.Errorf("load session entries: %w", err)
	}

	if err := arrowexport.WriteEntries(outPath, entries); err != nil {
		return fmt.Errorf("export: %w", err)
	}

	fmt.Printf("已导出 %d 条记忆到 %s\n", len(entries), outPath)
	return nil
}

func checkConfig() (string, bool) {
	path := os.Getenv("HOME") + "/.osa/config.yaml"
	if _, err := os.Stat(path); err == nil {
		return path, true
	}
	return "未找到 ~/.osa/config.yaml", false
}

func checkGo() (string, bool) {
	for _, p := range []string{"/usr/local/go/bin/go", "/usr/bin/go", "/usr/lib/go/bin/go"} {
		if _, err := os.Stat(p); err == nil {
			return "已安装", true
		}
	}
	return "未安装", false
}

func checkPython() (string, bool) {
	p := os.Getenv("HOME") + "/miniconda3/envs/claw"
	if _, err := os.Stat(p); err == nil {
		return p, true
	}
	return "conda 'claw' 环境未找到", false
}
