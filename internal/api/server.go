package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"strategy-arena/internal/config"
	"strategy-arena/internal/decision"
	"strategy-arena/internal/events"
	"strategy-arena/internal/monitor"
	"strategy-arena/internal/queue"
	"strategy-arena/internal/risk"
	"strategy-arena/internal/store"
)

// Deps 为 HTTP 接口依赖的服务。Risk、Monitor 与 Store 可为空，对应接口返回 503。
type Deps struct {
	Queue   *queue.Queue
	Engine  *decision.Engine
	Risk    *risk.Manager
	Monitor *monitor.Service
	Store   *store.Store
	Sink    events.Sink
}

// Server 为训练队列、决策与风险预算提供 REST 接口。
type Server struct {
	cfg    config.ServerConfig
	deps   Deps
	router *gin.Engine
	logger *zap.Logger
}

// NewServer 创建 HTTP 服务并注册路由。
func NewServer(cfg config.ServerConfig, deps Deps, logger *zap.Logger) (*Server, error) {
	if deps.Queue == nil {
		return nil, errors.New("api: queue 不能为空")
	}
	if deps.Engine == nil {
		return nil, errors.New("api: decision engine 不能为空")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if deps.Sink == nil {
		deps.Sink = events.Nop{}
	}
	if cfg.Mode != "" {
		gin.SetMode(cfg.Mode)
	}

	s := &Server{cfg: cfg, deps: deps, logger: logger}
	s.router = s.setupRouter()
	return s, nil
}

// Handler 返回路由，便于嵌入其他服务或测试。
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) setupRouter() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestLogger(s.logger))

	router.GET("/healthz", s.health)

	v1 := router.Group("/api/v1")
	{
		tasks := v1.Group("/tasks")
		tasks.POST("", s.submitTask)
		tasks.GET("/:id", s.getTask)
		tasks.DELETE("/:id", s.cancelTask)

		v1.GET("/owners/:owner/tasks", s.listOwnerTasks)
		v1.GET("/queue/stats", s.queueStats)
		v1.POST("/decisions", s.decide)
		v1.GET("/events", s.listEvents)

		riskGroup := v1.Group("/risk")
		riskGroup.POST("/pnl", s.recordPnL)
		riskGroup.GET("/status", s.riskStatus)
		riskGroup.GET("/history", s.riskHistory)
	}

	return router
}

// Run 启动监听并在 ctx 结束时优雅关闭。
func (s *Server) Run(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", s.cfg.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("HTTP 接口已启动", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("api: 监听 %s 失败: %w", addr, err)
		}
		return nil
	case <-ctx.Done():
	}

	timeout := s.cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn("关闭 HTTP 接口失败", zap.Error(err))
		return fmt.Errorf("api: 关闭失败: %w", err)
	}
	s.logger.Info("HTTP 接口已关闭")
	return nil
}
