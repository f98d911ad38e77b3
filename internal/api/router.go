package api

import (
	"context"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/wfunc/candy-vending/internal/middleware"
	"github.com/wfunc/candy-vending/internal/repository"
	"github.com/wfunc/candy-vending/internal/vending"
	"go.uber.org/zap"
)

// Vending 售货机操作
type Vending interface {
	State() vending.State
	Dispense(ctx context.Context, slotID int) (int, error)
	SimulateDeposit() int
}

// Options 路由依赖，可选项为nil时对应路由不注册
type Options struct {
	Machine    Vending
	WebSocket  http.Handler               // /ws
	Events     repository.EventRepository // /api/events
	Metrics    http.Handler               // /metrics
	DriverName string

	WebSocketPath string
	MetricsPath   string
	StaticDir     string
	Mode          string
}

// Router API路由器
type Router struct {
	engine  *gin.Engine
	opts    Options
	handler *VendingHandler
	started time.Time
	log     *zap.Logger
}

// NewRouter 创建路由器
func NewRouter(opts Options, log *zap.Logger) *Router {
	if log == nil {
		log = zap.NewNop()
	}
	if opts.Mode != "" {
		gin.SetMode(opts.Mode)
	}
	if opts.WebSocketPath == "" {
		opts.WebSocketPath = "/ws"
	}
	if opts.MetricsPath == "" {
		opts.MetricsPath = "/metrics"
	}

	engine := gin.New()
	engine.Use(middleware.Recovery(log))
	engine.Use(middleware.RequestLogger(log))

	r := &Router{
		engine:  engine,
		opts:    opts,
		handler: NewVendingHandler(opts.Machine, opts.Events, log),
		started: time.Now(),
		log:     log,
	}
	r.setupRoutes()
	return r
}

// setupRoutes 设置路由
func (r *Router) setupRoutes() {
	r.engine.GET("/health", r.healthCheck)

	api := r.engine.Group("/api")
	{
		api.GET("/state", r.handler.GetState)
		api.POST("/dispense/:slot_id", r.handler.Dispense)
		api.POST("/simulate-envelope", r.handler.SimulateEnvelope)
		api.GET("/events", r.handler.ListEvents)
	}

	if r.opts.WebSocket != nil {
		r.engine.GET(r.opts.WebSocketPath, gin.WrapH(r.opts.WebSocket))
	}
	if r.opts.Metrics != nil {
		r.engine.GET(r.opts.MetricsPath, gin.WrapH(r.opts.Metrics))
	}

	// 前端页面
	if dir := r.opts.StaticDir; dir != "" {
		if info, err := os.Stat(dir); err == nil && info.IsDir() {
			r.engine.Static("/static", dir)
			r.engine.GET("/", func(c *gin.Context) {
				c.File(filepath.Join(dir, "index.html"))
			})
		} else {
			r.log.Warn("前端目录不存在，不提供页面", zap.String("dir", dir))
		}
	}

	r.engine.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{
			"success": false,
			"message": "接口不存在",
		})
	})
}

// healthCheck 健康检查
func (r *Router) healthCheck(c *gin.Context) {
	state := r.opts.Machine.State()
	c.JSON(http.StatusOK, gin.H{
		"status":  "healthy",
		"driver":  r.opts.DriverName,
		"busy":    state.Busy,
		"version": state.Version,
		"uptime":  time.Since(r.started).Round(time.Second).String(),
	})
}

// Handler 返回http.Handler
func (r *Router) Handler() http.Handler {
	return r.engine
}

// GetEngine 获取Gin引擎（用于测试）
func (r *Router) GetEngine() *gin.Engine {
	return r.engine
}
