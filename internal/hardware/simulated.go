package hardware

import (
	"context"
	"sync"
	"time"

	"github.com/wfunc/candy-vending/internal/errors"
	"go.uber.org/zap"
)

// Actuation 模拟驱动记录的一次转动
type Actuation struct {
	Channel  int
	Duration time.Duration
	Speed    float64
	Start    time.Time
	End      time.Time
}

// SimulatedDriver 模拟驱动，无需任何物理设备
// Actuate按时长休眠后成功；传感器电平可由测试或模拟入口控制
type SimulatedDriver struct {
	mu       sync.Mutex
	logger   *zap.Logger
	channels int

	sensor  bool
	edgeCh  chan struct{}
	failErr error
	failN   int
	sleep   func(time.Duration)

	actuations []Actuation
	closed     bool
}

// NewSimulatedDriver 创建模拟驱动
func NewSimulatedDriver(channels int, logger *zap.Logger) *SimulatedDriver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SimulatedDriver{
		logger:   logger,
		channels: channels,
		edgeCh:   make(chan struct{}, 1),
		sleep:    time.Sleep,
	}
}

// Name 驱动名称
func (d *SimulatedDriver) Name() string {
	return "simulated"
}

// Actuate 模拟转动
func (d *SimulatedDriver) Actuate(ctx context.Context, channel int, duration time.Duration, speed float64) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return errors.New(errors.ErrDeviceOffline, "simulated driver closed")
	}
	if channel < 0 || (d.channels > 0 && channel >= d.channels) {
		d.mu.Unlock()
		return errors.Newf(errors.ErrHardwareFault, "channel %d out of range", channel)
	}
	if !ValidSpeed(speed) {
		d.mu.Unlock()
		return errors.Newf(errors.ErrHardwareFault, "speed %v out of range", speed)
	}
	var injected error
	if d.failN > 0 {
		d.failN--
		injected = d.failErr
	}
	sleep := d.sleep
	d.mu.Unlock()

	if injected != nil {
		d.logger.Warn("模拟转动故障", zap.Int("channel", channel), zap.Error(injected))
		return errors.Wrap(injected, errors.ErrHardwareFault, "simulated fault")
	}

	d.logger.Info("模拟转动",
		zap.Int("channel", channel),
		zap.Float64("speed", speed),
		zap.Duration("duration", duration))

	start := time.Now()
	sleep(duration)

	d.mu.Lock()
	d.actuations = append(d.actuations, Actuation{
		Channel:  channel,
		Duration: duration,
		Speed:    speed,
		Start:    start,
		End:      time.Now(),
	})
	d.mu.Unlock()

	d.logger.Info("模拟转动完成", zap.Int("channel", channel))
	return nil
}

// ReadSensor 读取模拟传感器电平
func (d *SimulatedDriver) ReadSensor() (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sensor, nil
}

// SetSensor 设置模拟传感器电平
func (d *SimulatedDriver) SetSensor(triggered bool) {
	d.mu.Lock()
	changed := d.sensor != triggered
	d.sensor = triggered
	d.mu.Unlock()

	if changed {
		select {
		case d.edgeCh <- struct{}{}:
		default:
		}
	}
}

// WaitForEdge 等待模拟电平变化
func (d *SimulatedDriver) WaitForEdge(timeout time.Duration) bool {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-d.edgeCh:
		return true
	case <-timer.C:
		return false
	}
}

// FailNext 让接下来n次转动返回err
func (d *SimulatedDriver) FailNext(n int, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failN = n
	d.failErr = err
}

// SetSleep 替换休眠函数（测试中用于控制转动时长）
func (d *SimulatedDriver) SetSleep(sleep func(time.Duration)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sleep = sleep
}

// Actuations 返回已完成的转动记录
func (d *SimulatedDriver) Actuations() []Actuation {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Actuation, len(d.actuations))
	copy(out, d.actuations)
	return out
}

// StopAll 模拟停止
func (d *SimulatedDriver) StopAll() error {
	d.logger.Info("模拟停止所有通道")
	return nil
}

// Close 关闭模拟驱动
func (d *SimulatedDriver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}
