package sensor

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/wfunc/candy-vending/internal/hardware"
	"go.uber.org/zap"
)

// Reader 传感器读取接口，hardware.Driver满足此接口
type Reader interface {
	ReadSensor() (bool, error)
}

// Config 监控参数
type Config struct {
	Cooldown     time.Duration // 两次有效事件的最小间隔
	PollInterval time.Duration // 采样周期
}

// Stats 监控统计
type Stats struct {
	Samples    uint64 `json:"samples"`
	Accepted   uint64 `json:"accepted"`
	Debounced  uint64 `json:"debounced"`
	ReadErrors uint64 `json:"read_errors"`
}

// Monitor 对射传感器监控
// 电平从未触发变为触发时产生一次事件，冷却期内的触发被忽略
type Monitor struct {
	reader Reader
	queue  *Queue
	config Config
	logger *zap.Logger
	now    func() time.Time

	// 以下字段只在监控循环中访问
	primed       bool
	last         bool
	lastAccepted time.Time
	hasAccepted  bool

	samples    atomic.Uint64
	accepted   atomic.Uint64
	debounced  atomic.Uint64
	readErrors atomic.Uint64

	runMu   sync.Mutex
	running bool
}

// NewMonitor 创建监控
func NewMonitor(reader Reader, queue *Queue, config Config, logger *zap.Logger) *Monitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.PollInterval <= 0 {
		config.PollInterval = 10 * time.Millisecond
	}
	return &Monitor{
		reader: reader,
		queue:  queue,
		config: config,
		logger: logger,
		now:    time.Now,
	}
}

// Run 运行监控循环，直到ctx取消
// 驱动支持边沿中断时在两次采样之间等待中断，否则按固定周期轮询
func (m *Monitor) Run(ctx context.Context) {
	m.runMu.Lock()
	if m.running {
		m.runMu.Unlock()
		m.logger.Warn("传感器监控已在运行")
		return
	}
	m.running = true
	m.runMu.Unlock()

	defer func() {
		m.runMu.Lock()
		m.running = false
		m.runMu.Unlock()
	}()

	waiter, edge := m.reader.(hardware.EdgeWaiter)
	m.logger.Info("传感器监控启动",
		zap.Bool("edge_wait", edge),
		zap.Duration("cooldown", m.config.Cooldown),
		zap.Duration("poll_interval", m.config.PollInterval))

	if edge {
		for {
			if ctx.Err() != nil {
				m.logger.Info("传感器监控停止")
				return
			}
			m.sample()
			waiter.WaitForEdge(m.config.PollInterval)
		}
	}

	ticker := time.NewTicker(m.config.PollInterval)
	defer ticker.Stop()
	for {
		m.sample()
		select {
		case <-ctx.Done():
			m.logger.Info("传感器监控停止")
			return
		case <-ticker.C:
		}
	}
}

// sample 采样一次，返回是否产生了事件
func (m *Monitor) sample() bool {
	m.samples.Add(1)

	level, err := m.reader.ReadSensor()
	if err != nil {
		// 读取失败不影响上次电平，下个周期重试
		n := m.readErrors.Add(1)
		if n == 1 || n%100 == 0 {
			m.logger.Warn("读取传感器失败", zap.Uint64("count", n), zap.Error(err))
		}
		return false
	}

	// 首次采样只建立基准电平，启动时光束已被遮挡不算投币
	if !m.primed {
		m.primed = true
		m.last = level
		return false
	}

	rising := level && !m.last
	m.last = level
	if !rising {
		return false
	}

	now := m.now()
	if m.hasAccepted && now.Sub(m.lastAccepted) < m.config.Cooldown {
		m.debounced.Add(1)
		m.logger.Debug("冷却期内的触发已忽略",
			zap.Duration("since_last", now.Sub(m.lastAccepted)))
		return false
	}

	m.lastAccepted = now
	m.hasAccepted = true
	m.accepted.Add(1)
	m.queue.Push(Event{At: now})
	m.logger.Info("检测到投币")
	return true
}

// Stats 返回统计快照
func (m *Monitor) Stats() Stats {
	return Stats{
		Samples:    m.samples.Load(),
		Accepted:   m.accepted.Load(),
		Debounced:  m.debounced.Load(),
		ReadErrors: m.readErrors.Load(),
	}
}
