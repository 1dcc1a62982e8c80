package sio

import (
	"context"
	stderrors "errors"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/tokmz/sio/pkg/logger"
	"github.com/tokmz/sio/pkg/manager"
	"github.com/tokmz/sio/pkg/metrics"
	"github.com/tokmz/sio/pkg/namespace"
	"github.com/tokmz/sio/pkg/socket"
	"github.com/tokmz/sio/pkg/tracing"
	"github.com/tokmz/sio/pkg/transport"
)

// Engine 实时引擎
// 持有命名空间注册表、会话管理器和已启用的传输，通过 gin 对外提供协议路由
type Engine struct {
	config *Config
	router *gin.Engine
	server *http.Server

	log      logger.Logger
	metrics  metrics.Metrics
	gatherer prometheus.Gatherer

	registry   *namespace.Registry
	manager    manager.Manager
	transports *transport.Set
	events     *EventBus
	limiter    *handshakeLimiter

	startOnce       sync.Once
	startErr        error
	closing         atomic.Bool
	tracingShutdown tracing.ShutdownFunc
}

// New 创建引擎，使用 Options 模式配置
func New(opts ...Option) (*Engine, error) {
	cfg := DefaultConfig()
	for _, opt := range opts {
		opt(cfg)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	// gin.SetMode 是全局操作，仅在未显式设置过时覆盖
	if gin.Mode() == gin.DebugMode || cfg.Mode != gin.DebugMode {
		gin.SetMode(cfg.Mode)
	}
	silenceGin()

	e := &Engine{
		config:  cfg,
		log:     cfg.Logger,
		metrics: cfg.Recorder,
	}
	if e.log == nil {
		e.log = logger.NewNop()
	}
	e.setupMetrics()

	e.events = NewEventBus(cfg.Events.Workers, cfg.Events.QueueSize, e.log.With(zap.String("component", "events")))
	e.registry = namespace.NewRegistry(
		namespace.WithLogger(e.log),
		namespace.WithMetrics(e.metrics),
		namespace.WithRoomsConfig(cfg.Rooms),
		namespace.WithObserver(busObserver{bus: e.events}),
	)

	mopts := []manager.Option{
		manager.WithSocketOptions(socket.Options{
			HeartbeatInterval: cfg.HeartbeatInterval,
			HeartbeatTimeout:  cfg.HeartbeatTimeout,
			Registry:          e.registry,
			ErrorHandler:      cfg.ErrorHandler,
			OnStateChange:     e.events.onStateChange,
			Logger:            e.log,
			Metrics:           e.metrics,
		}),
		manager.WithLogger(e.log),
		manager.WithMetrics(e.metrics),
	}
	if cfg.RedisClient != nil {
		mopts = append(mopts, manager.WithRedisClient(cfg.RedisClient))
	}
	m, err := manager.New(cfg.Manager, mopts...)
	if err != nil {
		e.events.Close()
		return nil, err
	}
	e.manager = m

	e.transports, err = transport.NewSet(cfg.Transports,
		transport.WithConfig(cfg.Transport),
		transport.WithLogger(e.log),
		transport.WithMetrics(e.metrics),
		transport.WithLocker(m),
	)
	if err != nil {
		e.events.Close()
		return nil, err
	}

	if cfg.HandshakeLimit.Enabled {
		e.limiter = newHandshakeLimiter(cfg.HandshakeLimit)
	}
	e.router = e.buildRouter()
	return e, nil
}

// setupMetrics 未注入监控实现时按配置创建 Prometheus 指标，使用独立的 Registry
func (e *Engine) setupMetrics() {
	switch {
	case e.metrics != nil:
		e.gatherer = prometheus.DefaultGatherer
	case e.config.Metrics.Enabled:
		reg := prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		e.metrics = metrics.NewPrometheus(
			metrics.WithNamespace(e.config.Metrics.Namespace),
			metrics.WithRegistry(reg),
		)
		e.gatherer = reg
	default:
		e.metrics = metrics.Noop{}
	}
}

func (e *Engine) buildRouter() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	if len(e.config.Server.TrustedProxies) > 0 {
		if err := r.SetTrustedProxies(e.config.Server.TrustedProxies); err != nil {
			e.log.Warn("set trusted proxies failed", zap.Error(err))
		}
	}

	if e.config.Tracing != nil && e.config.Tracing.Enabled {
		r.Use(tracing.Middleware(
			tracing.WithSpanNameFormatter(e.spanName),
			tracing.WithFilter(func(c *gin.Context) bool {
				return c.Request.URL.Path != e.config.Metrics.Path
			}),
		))
	}
	r.Use(logger.Middleware(e.log))

	if e.config.Metrics.Enabled {
		r.GET(e.config.Metrics.Path, gin.WrapH(promhttp.HandlerFor(e.gatherer, promhttp.HandlerOpts{})))
	}

	r.Any("/"+e.config.Resource+"/*path", e.handle)
	return r
}

// Of 返回命名空间，不存在时创建。应在引擎开始服务之前注册
func (e *Engine) Of(name string) *namespace.Namespace {
	return e.registry.Of(name)
}

// Events 生命周期事件总线
func (e *Engine) Events() *EventBus {
	return e.events
}

// Manager 会话管理器
func (e *Engine) Manager() manager.Manager {
	return e.manager
}

// Transports 已启用的传输名称
func (e *Engine) Transports() []string {
	return e.transports.Names()
}

// Router 底层 gin 引擎，可挂载额外路由
func (e *Engine) Router() *gin.Engine {
	return e.router
}

// ServeHTTP 实现 http.Handler，首个请求前完成 Start
func (e *Engine) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if err := e.Start(r.Context()); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	e.router.ServeHTTP(w, r)
}

// Start 初始化链路追踪，启动会话管理器并冻结命名空间，只执行一次
func (e *Engine) Start(ctx context.Context) error {
	e.startOnce.Do(func() {
		if e.config.Tracing != nil && e.config.Tracing.Enabled {
			shutdown, err := tracing.Setup(ctx, e.config.Tracing)
			if err != nil {
				e.startErr = err
				return
			}
			e.tracingShutdown = shutdown
		}
		if err := e.manager.Start(context.WithoutCancel(ctx)); err != nil {
			e.startErr = err
			return
		}
		e.registry.Freeze()
		e.log.Info("engine started",
			zap.String("resource", e.config.Resource),
			zap.String("transports", e.transports.String()),
			zap.String("manager", e.managerDriver()),
		)
	})
	return e.startErr
}

func (e *Engine) managerDriver() string {
	if e.config.Manager == nil || e.config.Manager.Driver == "" {
		return manager.DriverLocal
	}
	return e.config.Manager.Driver
}

// Run 启动 HTTP 服务器，支持优雅关机
func (e *Engine) Run(addr ...string) error {
	address := e.config.Server.Addr
	if len(addr) > 0 && addr[0] != "" {
		address = addr[0]
	}
	if err := e.Start(context.Background()); err != nil {
		return err
	}

	// 长轮询与流式响应会持续写入，不设置 WriteTimeout
	e.server = &http.Server{
		Addr:           address,
		Handler:        e.router,
		ReadTimeout:    e.config.Server.ReadTimeout,
		IdleTimeout:    e.config.Server.IdleTimeout,
		MaxHeaderBytes: e.config.Server.MaxHeaderBytes,
	}

	e.printBanner(os.Stdout, address)

	return e.serve(func() error {
		return e.server.ListenAndServe()
	})
}

// RunTLS 启动 HTTPS 服务器，支持优雅关机
func (e *Engine) RunTLS(addr, certFile, keyFile string) error {
	if err := e.Start(context.Background()); err != nil {
		return err
	}
	e.server = &http.Server{
		Addr:           addr,
		Handler:        e.router,
		ReadTimeout:    e.config.Server.ReadTimeout,
		IdleTimeout:    e.config.Server.IdleTimeout,
		MaxHeaderBytes: e.config.Server.MaxHeaderBytes,
	}

	e.printBanner(os.Stdout, addr)

	return e.serve(func() error {
		return e.server.ListenAndServeTLS(certFile, keyFile)
	})
}

// serve 统一的服务器启动和优雅关机逻辑
func (e *Engine) serve(startFunc func() error) error {
	errChan := make(chan error, 1)
	go func() {
		if err := startFunc(); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case err := <-errChan:
		return err
	case sig := <-quit:
		e.log.Info("shutting down", zap.String("signal", sig.String()))
	}

	ctx, cancel := context.WithTimeout(context.Background(), e.config.CloseTimeout)
	defer cancel()
	if err := e.Shutdown(ctx); err != nil {
		e.log.Error("forced shutdown", zap.Error(err))
		return err
	}
	e.log.Info("server exited")
	return nil
}

// Shutdown 关闭引擎
// 先拒绝新请求并交出本进程的全部会话，再等待进行中的请求，最后停止管理器
func (e *Engine) Shutdown(ctx context.Context) error {
	if !e.closing.CompareAndSwap(false, true) {
		return nil
	}
	if e.config.BeforeShutdown != nil {
		e.config.BeforeShutdown()
	}

	// 单进程管理器结束会话，分布式管理器只交出本地实例
	sockets := e.manager.Sockets()
	for _, s := range sockets {
		_ = e.manager.Release(ctx, s)
	}
	for _, s := range sockets {
		if err := s.Wait(ctx); err != nil {
			break
		}
	}

	var errs []error
	if e.server != nil {
		if err := e.server.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if err := e.manager.Stop(ctx); err != nil {
		errs = append(errs, err)
	}
	e.events.Close()
	if e.tracingShutdown != nil {
		if err := e.tracingShutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}

	if e.config.AfterShutdown != nil {
		e.config.AfterShutdown()
	}
	_ = e.log.Sync()
	return stderrors.Join(errs...)
}
