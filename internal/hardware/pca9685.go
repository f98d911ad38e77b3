package hardware

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/wfunc/candy-vending/internal/errors"
	"go.uber.org/zap"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/devices/v3/pca9685"
	"periph.io/x/host/v3"
)

const defaultPCA9685Address uint16 = 0x40

// PCA9685Config PCA9685舵机驱动板 + GPIO传感器配置
type PCA9685Config struct {
	I2CBus         string // 为空时使用第一个可用总线
	Address        uint16 // 默认0x40
	FrequencyHz    int    // 舵机PWM频率，默认50Hz
	Channels       int    // 通道数，PCA9685为16
	MinPulseUs     int    // 全速反转脉宽
	NeutralPulseUs int    // 停止脉宽
	MaxPulseUs     int    // 全速正转脉宽
	SensorPin      int    // BCM编号
	ActiveLow      bool   // 光束被遮挡时为低电平
}

// pwmDevice PCA9685设备操作子集（便于测试替换）
type pwmDevice interface {
	SetPwm(channel int, on, off gpio.Duty) error
}

// inputPin 传感器输入引脚操作子集
type inputPin interface {
	Read() gpio.Level
	WaitForEdge(timeout time.Duration) bool
	Halt() error
}

// PCA9685Driver 真实硬件驱动：I2C舵机板 + GPIO对射传感器
type PCA9685Driver struct {
	mu     sync.Mutex // 保护I2C总线访问
	config PCA9685Config
	logger *zap.Logger

	bus  i2c.BusCloser
	dev  pwmDevice
	pin  inputPin
	rest func(time.Duration)
}

// OpenPCA9685 初始化periph主机驱动、打开I2C总线和传感器引脚
func OpenPCA9685(config PCA9685Config, logger *zap.Logger) (*PCA9685Driver, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.Address == 0 {
		config.Address = defaultPCA9685Address
	}
	if config.FrequencyHz <= 0 {
		config.FrequencyHz = 50
	}

	if _, err := host.Init(); err != nil {
		return nil, errors.Wrap(err, errors.ErrDeviceOffline, "periph host init")
	}

	bus, err := i2creg.Open(config.I2CBus)
	if err != nil {
		return nil, errors.Wrapf(err, errors.ErrDeviceOffline, "open i2c bus %q", config.I2CBus)
	}

	dev, err := pca9685.NewI2C(bus, config.Address)
	if err != nil {
		bus.Close()
		return nil, errors.Wrapf(err, errors.ErrDeviceOffline, "pca9685 at 0x%02x", config.Address)
	}
	if err := dev.SetPwmFreq(physic.Frequency(config.FrequencyHz) * physic.Hertz); err != nil {
		bus.Close()
		return nil, errors.Wrap(err, errors.ErrHardwareFault, "set pwm frequency")
	}

	pinName := fmt.Sprintf("GPIO%d", config.SensorPin)
	pin := gpioreg.ByName(pinName)
	if pin == nil {
		bus.Close()
		return nil, errors.Newf(errors.ErrDeviceOffline, "gpio pin %s not found", pinName)
	}
	if err := pin.In(gpio.PullUp, gpio.BothEdges); err != nil {
		bus.Close()
		return nil, errors.Wrapf(err, errors.ErrDeviceOffline, "configure %s", pinName)
	}

	d := newPCA9685Driver(config, dev, pin, logger)
	d.bus = bus

	logger.Info("PCA9685已初始化",
		zap.String("address", fmt.Sprintf("0x%02x", config.Address)),
		zap.Int("frequency_hz", config.FrequencyHz),
		zap.String("sensor_pin", pinName))

	return d, nil
}

func newPCA9685Driver(config PCA9685Config, dev pwmDevice, pin inputPin, logger *zap.Logger) *PCA9685Driver {
	if config.FrequencyHz <= 0 {
		config.FrequencyHz = 50
	}
	if config.Channels <= 0 {
		config.Channels = 16
	}
	if config.NeutralPulseUs == 0 {
		config.MinPulseUs, config.NeutralPulseUs, config.MaxPulseUs = 1000, 1500, 2000
	}
	return &PCA9685Driver{
		config: config,
		logger: logger,
		dev:    dev,
		pin:    pin,
		rest:   time.Sleep,
	}
}

// Name 驱动名称
func (d *PCA9685Driver) Name() string {
	return "pca9685"
}

// throttleCounts 把油门(-1~1)换算成12位PWM计数
// 0对应中位脉宽，正值向最大脉宽线性插值，负值向最小脉宽插值
func (d *PCA9685Driver) throttleCounts(speed float64) gpio.Duty {
	pulse := float64(d.config.NeutralPulseUs)
	if speed > 0 {
		pulse += speed * float64(d.config.MaxPulseUs-d.config.NeutralPulseUs)
	} else if speed < 0 {
		pulse += speed * float64(d.config.NeutralPulseUs-d.config.MinPulseUs)
	}
	periodUs := 1e6 / float64(d.config.FrequencyHz)
	return gpio.Duty(math.Round(pulse / periodUs * 4096))
}

// Actuate 转动指定通道，结束后无论成功与否都发送中位停止信号
func (d *PCA9685Driver) Actuate(ctx context.Context, channel int, duration time.Duration, speed float64) error {
	if channel < 0 || channel >= d.config.Channels {
		return errors.Newf(errors.ErrHardwareFault, "channel %d out of range", channel)
	}
	if !ValidSpeed(speed) {
		return errors.Newf(errors.ErrHardwareFault, "speed %v out of range", speed)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	d.logger.Info("舵机转动",
		zap.Int("channel", channel),
		zap.Float64("speed", speed),
		zap.Duration("duration", duration))

	if err := d.dev.SetPwm(channel, 0, d.throttleCounts(speed)); err != nil {
		// 尽量让通道回到停止状态
		d.stopLocked(channel)
		return errors.Wrapf(err, errors.ErrHardwareFault, "start channel %d", channel)
	}

	d.rest(duration)

	if err := d.stopLocked(channel); err != nil {
		return errors.Wrapf(err, errors.ErrHardwareFault, "stop channel %d", channel)
	}

	d.logger.Info("舵机已停止", zap.Int("channel", channel))
	return nil
}

func (d *PCA9685Driver) stopLocked(channel int) error {
	return d.dev.SetPwm(channel, 0, d.throttleCounts(0))
}

// ReadSensor 读取对射传感器
func (d *PCA9685Driver) ReadSensor() (bool, error) {
	if d.pin == nil {
		return false, errors.New(errors.ErrSensorRead, "sensor pin not configured")
	}
	level := d.pin.Read()
	if d.config.ActiveLow {
		return level == gpio.Low, nil
	}
	return level == gpio.High, nil
}

// WaitForEdge 阻塞等待GPIO边沿中断
func (d *PCA9685Driver) WaitForEdge(timeout time.Duration) bool {
	if d.pin == nil {
		time.Sleep(timeout)
		return false
	}
	return d.pin.WaitForEdge(timeout)
}

// StopAll 所有通道发送停止信号
func (d *PCA9685Driver) StopAll() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	var firstErr error
	for ch := 0; ch < d.config.Channels; ch++ {
		if err := d.stopLocked(ch); err != nil && firstErr == nil {
			firstErr = errors.Wrapf(err, errors.ErrHardwareFault, "stop channel %d", ch)
		}
	}
	d.logger.Info("所有舵机已停止")
	return firstErr
}

// Close 释放引脚和I2C总线
func (d *PCA9685Driver) Close() error {
	if d.pin != nil {
		if err := d.pin.Halt(); err != nil {
			d.logger.Warn("释放传感器引脚失败", zap.Error(err))
		}
	}
	if d.bus != nil {
		return d.bus.Close()
	}
	return nil
}
