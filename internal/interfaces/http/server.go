package http

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/osa-run/osa/internal/application/usecase"
	"github.com/osa-run/osa/internal/domain/service"
	"github.com/osa-run/osa/internal/domain/memory"
	"github.com/osa-run/osa/internal/domain/tool"
	"github.com/osa-run/osa/internal/infrastructure/prompt"
	"github.com/osa-run/osa/internal/infrastructure/pubsub"
	"github.com/osa-run/osa/internal/interfaces/http/handlers"
	wsinterface "github.com/osa-run/osa/internal/interfaces/websocket"
	"go.uber.org/zap"
)

// Server HTTP服务器
type Server struct {
	server *http.Server
	logger *zap.Logger
}

// Config HTTP服务器配置
type Config struct {
	Host          string
	Port          int
	Mode          string // debug, release
	AuthSecret    string // HS256 JWT secret; empty disables auth entirely
	WebhookSecret string // HMAC-SHA256 key for inbound webhook triggers; empty disables signature checking
}

// NewServer 创建HTTP服务器
func NewServer(cfg Config, uc *usecase.ProcessMessageUseCase, agentLoop *service.AgentLoop, toolExec service.ToolExecutor, promptEngine *prompt.PromptEngine, bridge *pubsub.Bridge, toggler tool.MachineToggler, memManager *memory.MemoryManager, wsHandler *wsinterface.Handler, metrics http.Handler, logger *zap.Logger) *Server {
	// 设置Gin模式
	if cfg.Mode == "production" {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	// 创建路由
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(ginLogger(logger))
	router.Use(authMiddleware(cfg.AuthSecret, logger))

	// 初始化处理器
	messageHandler := handlers.NewMessageHandler(uc, logger)
	openaiHandler := handlers.NewOpenAIHandler(uc, logger, nil)
	machinesHandler := handlers.NewMachinesHandler(toggler, logger)
	memoryHandler := handlers.NewMemoryHandler(memManager, logger)
	webhookHandler := handlers.NewWebhookHandler(bridge, cfg.WebhookSecret, logger)
	var agentHandler *handlers.AgentHandler
	if agentLoop != nil {
		agentHandler = handlers.NewAgentHandler(agentLoop, toolExec, promptEngine, bridge, logger)
	}

	// 注册路由
	setupRoutes(router, messageHandler, openaiHandler, agentHandler, machinesHandler, memoryHandler, webhookHandler, wsHandler, metrics)

	// 创建HTTP服务器
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	server := &http.Server{
		Addr:    addr,
		Handler: router,
	}

	return &Server{
		server: server,
		logger: logger,
	}
}

// Start 启动服务器
func (s *Server) Start(ctx context.Context) error {
	s.logger.Info("Starting HTTP server", zap.String("address", s.server.Addr))

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("HTTP server error", zap.Error(err))
		}
	}()

	return nil
}

// Stop 停止服务器
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Stopping HTTP server")
	return s.server.Shutdown(ctx)
}

// setupRoutes 设置路由
func setupRoutes(router *gin.Engine, messageHandler *handlers.MessageHandler, openaiHandler *handlers.OpenAIHandler, agentHandler *handlers.AgentHandler, machinesHandler *handlers.MachinesHandler, memoryHandler *handlers.MemoryHandler, webhookHandler *handlers.WebhookHandler, wsHandler *wsinterface.Handler, metrics http.Handler) {
	// 健康检查
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status": "ok",
			"time":   time.Now().Unix(),
		})
	})

	// Prometheus 指标 (与 /health 一样不走认证)
	if metrics != nil {
		router.GET("/metrics", gin.WrapH(metrics))
	}

	// API版本1
	v1 := router.Group("/api/v1")
	{
		v1.GET("/ping", func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{
				"message": "pong",
			})
		})

		v1.POST("/messages", messageHandler.SendMessage)

		// Agent Loop endpoints (SSE streaming)
		if agentHandler != nil {
			v1.POST("/agent", agentHandler.RunAgent)
			v1.GET("/agent/tools", agentHandler.GetTools)
			v1.POST("/classify", agentHandler.Classify)
			v1.POST("/orchestrate", agentHandler.Orchestrate)
			v1.GET("/orchestrate/:session_id/stream", agentHandler.OrchestrateStream)
		}

		v1.GET("/machines", machinesHandler.List)
		v1.PUT("/machines", machinesHandler.Set)

		v1.POST("/memory", memoryHandler.Remember)
		v1.GET("/memory/search", memoryHandler.Search)
		v1.GET("/memory/:key", memoryHandler.Get)

		v1.POST("/webhook/:event_type", webhookHandler.Receive)
	}

	// Duplex websocket channel — same AgentLoop.Deliver front door as the
	// SSE/Telegram/gRPC channels, just over a persistent connection.
	if wsHandler != nil {
		router.GET("/ws", gin.WrapF(wsHandler.ServeWS))
	}

	// OpenAI-compatible API
	oai := router.Group("/v1")
	{
		oai.POST("/chat/completions", openaiHandler.ChatCompletions)
		oai.GET("/models", openaiHandler.ListModels)
	}
}

// ginLogger Gin日志中间件
func ginLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		query := c.Request.URL.RawQuery

		c.Next()

		latency := time.Since(start)
		statusCode := c.Writer.Status()

		logger.Info("HTTP request",
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.String("query", query),
			zap.Int("status", statusCode),
			zap.Duration("latency", latency),
			zap.String("ip", c.ClientIP()),
		)
	}
}
