// Package router 提供 HTTP 路由配置
package router

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"style-studio-api/internal/config"
	"style-studio-api/internal/interfaces/http/handler"
	"style-studio-api/internal/interfaces/http/middleware"
)

// probePaths 不记录访问日志的探针路径
var probePaths = []string{"/health", "/ready", "/live"}

// Handlers 路由依赖的处理器
type Handlers struct {
	Health     *handler.HealthHandler
	Auth       *handler.AuthHandler
	Generation *handler.GenerationHandler
	Tokens     middleware.TokenParser
	// UploadDir 非空时以 cfg.Storage.PublicPrefix 提供静态文件
	UploadDir string
}

// Router HTTP 路由器
type Router struct {
	engine *gin.Engine
	cfg    *config.Config
}

// New 创建新的路由器
func New(cfg *config.Config, h Handlers) *Router {
	if cfg.App.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := &Router{
		engine: gin.New(),
		cfg:    cfg,
	}

	r.setupMiddleware()
	r.setupRoutes(h)

	return r
}

// Engine 返回 Gin Engine
func (r *Router) Engine() *gin.Engine {
	return r.engine
}

func (r *Router) setupMiddleware() {
	r.engine.Use(middleware.Recovery())
	r.engine.Use(middleware.RequestID())
	r.engine.Use(middleware.CORS(r.cfg.Security.CORS))

	if r.cfg.Observability.Tracing.Enabled {
		r.engine.Use(middleware.Trace(r.cfg.App.Name))
		r.engine.Use(middleware.TraceContext())
	}

	if r.cfg.Observability.Metrics.Enabled {
		r.engine.Use(middleware.Metrics())
	}

	r.engine.Use(middleware.Audit(append(probePaths, r.cfg.Observability.Metrics.Path)...))
}

func (r *Router) setupRoutes(h Handlers) {
	if h.Health != nil {
		r.engine.GET("/health", h.Health.Health)
		r.engine.GET("/ready", h.Health.Ready)
		r.engine.GET("/live", h.Health.Live)
	}

	if r.cfg.Observability.Metrics.Enabled {
		r.engine.GET(r.cfg.Observability.Metrics.Path, gin.WrapH(promhttp.Handler()))
	}

	if h.UploadDir != "" {
		r.engine.Static(r.cfg.Storage.PublicPrefix, h.UploadDir)
	}

	v1 := r.engine.Group("/v1")

	auth := v1.Group("/auth")
	{
		auth.POST("/signup", h.Auth.Signup)
		auth.POST("/login", h.Auth.Login)
	}

	generations := v1.Group("/generations", middleware.Auth(h.Tokens))
	{
		generations.POST("", h.Generation.Create)
		generations.GET("", h.Generation.List)
	}
}
