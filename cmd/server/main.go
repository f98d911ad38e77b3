package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/wfunc/candy-vending/internal/api"
	"github.com/wfunc/candy-vending/internal/broadcast"
	"github.com/wfunc/candy-vending/internal/config"
	"github.com/wfunc/candy-vending/internal/database"
	"github.com/wfunc/candy-vending/internal/errors"
	"github.com/wfunc/candy-vending/internal/hardware"
	"github.com/wfunc/candy-vending/internal/logger"
	"github.com/wfunc/candy-vending/internal/metrics"
	"github.com/wfunc/candy-vending/internal/repository"
	"github.com/wfunc/candy-vending/internal/sensor"
	"github.com/wfunc/candy-vending/internal/telemetry"
	"github.com/wfunc/candy-vending/internal/vending"
	"github.com/wfunc/candy-vending/internal/websocket"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// 版本信息
var (
	Version   = "1.0.0"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// Server 服务器实例
type Server struct {
	cfg    *config.Config
	logger *zap.Logger

	driver    hardware.Driver
	hub       *broadcast.Hub
	queue     *sensor.Queue
	monitor   *sensor.Monitor
	machine   *vending.Machine
	collector *metrics.Collector
	db        *gorm.DB
	recorder  *repository.AsyncRecorder
	sinks     []telemetry.Sink
	http      *http.Server

	// 关闭控制
	shutdownCh chan struct{}
	wg         sync.WaitGroup
	ctx        context.Context
	cancel     context.CancelFunc
}

func main() {
	var (
		configPath  = flag.String("config", "", "配置文件路径")
		showVersion = flag.Bool("version", false, "显示版本信息")
	)
	flag.Parse()

	if *showVersion {
		printVersion()
		os.Exit(0)
	}

	// 加载并校验配置，失败直接退出
	if err := config.Init(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "加载配置失败: %v\n", err)
		os.Exit(1)
	}
	cfg := config.Get()

	if err := logger.Init(&cfg.Log); err != nil {
		fmt.Fprintf(os.Stderr, "初始化日志失败: %v\n", err)
		os.Exit(1)
	}
	defer logger.Cleanup()

	server := NewServer(cfg)
	if err := server.Start(); err != nil {
		logger.Error("服务器启动失败", zap.Error(err))
		server.abort()
		logger.Cleanup()
		os.Exit(1)
	}

	server.WaitForShutdown()

	if err := server.Shutdown(); err != nil {
		logger.Error("服务器关闭失败", zap.Error(err))
		logger.Cleanup()
		os.Exit(1)
	}
	logger.Info("服务器已安全关闭")
}

// NewServer 创建服务器实例
func NewServer(cfg *config.Config) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:        cfg,
		logger:     logger.GetLogger(),
		shutdownCh: make(chan struct{}),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Start 启动服务器
func (s *Server) Start() error {
	s.logger.Info("正在启动糖果售货机...",
		zap.String("version", Version),
		zap.String("config_file", config.ConfigFile()))

	if err := s.initComponents(); err != nil {
		return err
	}
	if err := s.startServices(); err != nil {
		return err
	}

	// 配置在运行期间只读，修改后需要重启
	config.Watch(func(e fsnotify.Event) {
		s.logger.Warn("配置文件已修改，重启后生效", zap.String("file", e.Name))
	})

	s.logger.Info("服务器启动成功",
		zap.String("http", s.http.Addr),
		zap.String("driver", s.driver.Name()),
		zap.Int("slots", len(s.cfg.Slots)))
	return nil
}

// initComponents 初始化组件
func (s *Server) initComponents() error {
	driver, err := hardware.Open(s.cfg, logger.WithModule("hardware"))
	if err != nil {
		return errors.Wrap(err, errors.ErrDeviceOffline, "打开硬件驱动失败")
	}
	s.driver = driver

	s.hub = broadcast.NewHub(s.cfg.WebSocket.SendBuffer, logger.WithModule("broadcast"))
	s.queue = sensor.NewQueue()
	s.monitor = sensor.NewMonitor(driver, s.queue, sensor.Config{
		Cooldown:     s.cfg.Sensor.Cooldown,
		PollInterval: s.cfg.Sensor.PollInterval,
	}, logger.WithModule("sensor"))

	s.machine = vending.NewMachine(driver, s.hub, s.queue, vending.Options{
		Slots:           vending.SlotsFromConfig(s.cfg.Slots),
		PerEnvelope:     s.cfg.Credits.PerEnvelope,
		CostPerDispense: s.cfg.Credits.CostPerDispense,
		Speed:           s.cfg.Servo.Speed,
	}, logger.WithModule("vending"))

	if s.cfg.Monitor.Enabled {
		s.collector = metrics.New()
		s.collector.WatchMachine(s.machine)
		s.collector.WatchHub(s.hub)
		s.collector.WatchMonitor(s.monitor)
		s.machine.AddSink(s.collector)
	}

	if err := s.initDatabase(); err != nil {
		return err
	}
	s.initTelemetry()
	return nil
}

// initDatabase 出货流水（可选）
func (s *Server) initDatabase() error {
	if !s.cfg.Database.Enabled {
		return nil
	}
	log := logger.WithModule("database")

	db, err := database.Open(&s.cfg.Database, log)
	if err != nil {
		return err
	}
	if s.cfg.Database.AutoMigrate {
		if err := database.Migrate(db, &s.cfg.Database, log); err != nil {
			database.Close(db)
			return err
		}
	}
	s.db = db
	s.recorder = repository.NewAsyncRecorder(repository.NewEventRepository(db), s.driver.Name(), s.cfg.Database.QueueSize, log)
	s.machine.AddSink(s.recorder)
	return nil
}

// initTelemetry MQTT/NATS连接失败不影响售货
func (s *Server) initTelemetry() {
	log := logger.WithModule("telemetry")

	if s.cfg.MQTT.Enabled {
		sink, err := telemetry.NewMQTTSink(s.cfg.MQTT, log)
		if err != nil {
			log.Error("MQTT不可用", zap.Error(err))
		} else {
			s.sinks = append(s.sinks, sink)
		}
	}
	if s.cfg.NATS.Enabled {
		sink, err := telemetry.NewNATSSink(s.cfg.NATS, log)
		if err != nil {
			log.Error("NATS不可用", zap.Error(err))
		} else {
			s.sinks = append(s.sinks, sink)
		}
	}
}

// startServices 启动服务
func (s *Server) startServices() error {
	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		s.machine.Run(s.ctx)
	}()
	go func() {
		defer s.wg.Done()
		s.monitor.Run(s.ctx)
	}()

	for _, sink := range s.sinks {
		forwarder := telemetry.NewForwarder(s.hub, sink, logger.WithModule("telemetry"))
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			forwarder.Run(s.ctx)
		}()
	}

	opts := api.Options{
		Machine:       s.machine,
		WebSocket:     websocket.NewServer(s.hub, s.cfg.WebSocket, logger.WithModule("websocket")),
		DriverName:    s.driver.Name(),
		WebSocketPath: s.cfg.WebSocket.Path,
		StaticDir:     s.cfg.Server.StaticDir,
		Mode:          s.cfg.Server.Mode,
	}
	if s.db != nil {
		opts.Events = repository.NewEventRepository(s.db)
	}
	if s.collector != nil {
		opts.Metrics = s.collector.Handler()
		opts.MetricsPath = s.cfg.Monitor.MetricsPath
	}
	router := api.NewRouter(opts, logger.WithModule("http"))

	s.http = &http.Server{
		Addr:         net.JoinHostPort(s.cfg.Server.Host, strconv.Itoa(s.cfg.Server.Port)),
		Handler:      router.Handler(),
		ReadTimeout:  s.cfg.Server.ReadTimeout,
		WriteTimeout: s.cfg.Server.WriteTimeout,
	}

	ln, err := net.Listen("tcp", s.http.Addr)
	if err != nil {
		return errors.Wrapf(err, errors.ErrUnknown, "listen %s", s.http.Addr)
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.http.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("HTTP服务异常退出", zap.Error(err))
		}
	}()
	return nil
}

// WaitForShutdown 等待关闭信号
func (s *Server) WaitForShutdown() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	sig := <-sigCh
	s.logger.Info("收到退出信号", zap.String("signal", sig.String()))
	close(s.shutdownCh)
}

// Shutdown 优雅关闭：先停HTTP，再停监控，最后停电机并释放硬件
func (s *Server) Shutdown() error {
	s.logger.Info("正在优雅关闭服务器...")

	timeout := s.cfg.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	// 等待进行中的出货请求结束
	if s.http != nil {
		if err := s.http.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("HTTP服务关闭超时", zap.Error(err))
		}
	}

	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	var result error
	select {
	case <-done:
		s.logger.Info("所有服务已正常关闭")
	case <-shutdownCtx.Done():
		s.logger.Warn("关闭超时，强制退出")
		result = errors.New(errors.ErrTimeout, "关闭超时")
	}

	s.closeComponents()
	return result
}

// abort 启动失败时先停止已启动的协程，再释放组件
func (s *Server) abort() {
	s.cancel()
	s.wg.Wait()
	s.closeComponents()
}

// closeComponents 关闭组件
func (s *Server) closeComponents() {
	if s.driver != nil {
		if err := s.driver.StopAll(); err != nil {
			s.logger.Error("停止电机失败", zap.Error(err))
		}
		if err := s.driver.Close(); err != nil {
			s.logger.Error("关闭硬件驱动失败", zap.Error(err))
		}
	}

	if s.hub != nil {
		s.hub.Close()
	}

	for _, sink := range s.sinks {
		if err := sink.Close(); err != nil {
			s.logger.Warn("关闭遥测连接失败", zap.String("sink", sink.Name()), zap.Error(err))
		}
	}

	if s.recorder != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := s.recorder.Close(ctx); err != nil {
			s.logger.Warn("写入剩余流水超时", zap.Error(err))
		}
		cancel()
	}
	if err := database.Close(s.db); err != nil {
		s.logger.Error("关闭数据库失败", zap.Error(err))
	}

	s.logger.Info("所有组件已关闭")
}

// printVersion 打印版本信息
func printVersion() {
	fmt.Printf("糖果售货机控制器\n")
	fmt.Printf("版本: %s\n", Version)
	fmt.Printf("构建时间: %s\n", BuildTime)
	fmt.Printf("Git提交: %s\n", GitCommit)
	fmt.Printf("Go版本: %s\n", runtime.Version())
	fmt.Printf("操作系统: %s/%s\n", runtime.GOOS, runtime.GOARCH)
}
