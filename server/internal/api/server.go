package api

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/juju/errors"
	"github.com/juju/loggo"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"tourney-bus/server/internal/bus"
	"tourney-bus/server/internal/config"
	"tourney-bus/server/internal/endpoint"
	"tourney-bus/server/internal/gateway"
	"tourney-bus/server/internal/lifecycle"
	"tourney-bus/server/internal/metrics"
	"tourney-bus/server/internal/notify"
	"tourney-bus/server/internal/session"
)

var logger = loggo.GetLogger("tourneybus.api")

// Deps 是 Server 依赖的服务实例，全部由调用方构造后注入。
type Deps struct {
	Bus      *bus.Bus
	Sessions session.Store
	Machine  *lifecycle.Machine
	Hub      *notify.Hub
	Metrics  *metrics.Collector
	// Gatherer 为空时不挂载 /metrics。
	Gatherer prometheus.Gatherer
}

type Server struct {
	config   *config.Config
	bus      *bus.Bus
	registry *endpoint.Registry
	sessions session.Store
	machine  *lifecycle.Machine
	hub      *notify.Hub
	metrics  *metrics.Collector
	gatherer prometheus.Gatherer
	gwConfig gateway.Config

	// ctx 覆盖所有已升级的长连接；Close 时取消，http.Server.Shutdown 不会跟踪这些连接。
	ctx    context.Context
	cancel context.CancelFunc

	upgrader websocket.Upgrader
}

func NewServer(cfg *config.Config, deps Deps) (*Server, error) {
	if cfg == nil {
		return nil, errors.NotValidf("nil config")
	}
	if deps.Bus == nil || deps.Sessions == nil || deps.Machine == nil {
		return nil, errors.NotValidf("server without bus, session store or lifecycle machine")
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		config:   cfg,
		bus:      deps.Bus,
		registry: endpoint.NewRegistry(deps.Bus),
		sessions: deps.Sessions,
		machine:  deps.Machine,
		hub:      deps.Hub,
		metrics:  deps.Metrics,
		gatherer: deps.Gatherer,
		gwConfig: gateway.Config{
			PingInterval: cfg.Gateway.PingInterval,
			WriteTimeout: cfg.Gateway.WriteTimeout,
			SendBuffer:   cfg.Gateway.SendBuffer,
		},
		ctx:    ctx,
		cancel: cancel,
	}
	s.upgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return cfg.OriginAllowed(r.Header.Get("Origin"))
		},
	}
	return s, nil
}

func (s *Server) Routes() http.Handler {
	engine := gin.New()
	engine.Use(gin.Logger(), gin.Recovery(), s.corsMiddleware())
	engine.GET("/healthz", s.handleHealthz)
	if s.gatherer != nil {
		engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))
	}

	engine.GET("/api/subscribe", s.handleSubscribe)

	division := engine.Group("/api/divisions/:divisionId")
	division.GET("/streams/:eventType/ws", s.handleStreamWebSocket)
	division.GET("/streams/:eventType/sse", s.handleStreamSSE)
	division.GET("/streams/:eventType/head", s.handleStreamHead)
	division.POST("/events/:eventType", s.handlePublish)
	division.POST("/rooms/:roomId/sessions/:sessionId/start", s.handleStartSession)
	division.POST("/rooms/:roomId/sessions/:sessionId/abort", s.handleAbortSession)
	division.PUT("/sessions/:sessionId", s.handlePutSession)
	division.GET("/sessions/:sessionId", s.handleGetSession)
	division.GET("/channel", s.handleChannel)
	return engine
}

// Close 断开所有订阅与命令通道连接。
func (s *Server) Close() {
	s.cancel()
}

// handleHealthz 返回服务健康状态。
func (s *Server) handleHealthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// connContext 返回长连接使用的 ctx：请求结束或 Server 关闭时取消。
func (s *Server) connContext(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	stop := context.AfterFunc(s.ctx, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

// statusFor 把错误映射为 HTTP 状态码。
func statusFor(err error) int {
	switch {
	case errors.Is(err, errors.NotValid):
		return http.StatusBadRequest
	case errors.Is(err, errors.NotFound):
		return http.StatusNotFound
	case errors.Is(err, errors.Forbidden):
		return http.StatusForbidden
	case lifecycle.IsConflict(err):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func writeError(c *gin.Context, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		// 内部错误只记日志，不把细节返回给客户端。
		logger.Errorf("%s %s: %v", c.Request.Method, c.FullPath(), errors.ErrorStack(err))
		c.JSON(status, gin.H{"error": "internal error"})
		return
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func (s *Server) corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if origin != "" && s.config.OriginAllowed(origin) {
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Vary", "Origin")
			c.Header("Access-Control-Allow-Headers", "Content-Type, Last-Event-ID")
			c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, OPTIONS")
		}
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
