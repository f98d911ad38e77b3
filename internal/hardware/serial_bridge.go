package hardware

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/tarm/serial"
	"github.com/wfunc/candy-vending/internal/errors"
	"go.uber.org/zap"
)

// SerialBridgeConfig 串口电机桥接板配置
type SerialBridgeConfig struct {
	Port        string
	BaudRate    int
	ReadTimeout time.Duration
	Channels    int
}

// SerialBridgeDriver 通过串口驱动单片机电机板
//
// 行协议（ASCII，\n结尾）:
//
//	RUN <ch> <speed>  -> OK | ERR <msg>
//	STOP <ch>         -> OK | ERR <msg>
//	STOPALL           -> OK | ERR <msg>
//	SENSE             -> 0 | 1
//
// 读写出错后丢弃连接，下一条命令时重新打开串口（USB板可能被拔插）
type SerialBridgeDriver struct {
	mu       sync.Mutex // 一问一答，串口同一时刻只能有一个请求
	port     io.ReadWriteCloser
	reader   *bufio.Reader
	channels int
	logger   *zap.Logger
	rest     func(time.Duration)

	// 重连
	dial     func() (io.ReadWriteCloser, error)
	backoff  time.Duration
	nextDial time.Time
	now      func() time.Time
}

const (
	reconnectInterval    = 5 * time.Second
	maxReconnectInterval = 30 * time.Second
)

// OpenSerialBridge 打开串口
func OpenSerialBridge(config SerialBridgeConfig, logger *zap.Logger) (*SerialBridgeDriver, error) {
	dial := func() (io.ReadWriteCloser, error) {
		port, err := serial.OpenPort(&serial.Config{
			Name:        config.Port,
			Baud:        config.BaudRate,
			ReadTimeout: config.ReadTimeout,
		})
		if err != nil {
			return nil, errors.Wrapf(err, errors.ErrSerialPortOpen, "open %s", config.Port)
		}
		return port, nil
	}

	port, err := dial()
	if err != nil {
		return nil, err
	}

	d := NewSerialBridgeDriver(port, config.Channels, logger)
	d.dial = dial
	d.logger.Info("串口桥接已打开",
		zap.String("port", config.Port),
		zap.Int("baud_rate", config.BaudRate))
	return d, nil
}

// NewSerialBridgeDriver 基于任意读写端口创建驱动
func NewSerialBridgeDriver(port io.ReadWriteCloser, channels int, logger *zap.Logger) *SerialBridgeDriver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SerialBridgeDriver{
		port:     port,
		reader:   bufio.NewReader(port),
		channels: channels,
		logger:   logger,
		rest:     time.Sleep,
		now:      time.Now,
	}
}

// Name 驱动名称
func (d *SerialBridgeDriver) Name() string {
	return "serial"
}

// command 发送一行命令并读取一行响应
func (d *SerialBridgeDriver) command(cmd string) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.port == nil {
		if err := d.reconnectLocked(); err != nil {
			return "", err
		}
	}

	if _, err := io.WriteString(d.port, cmd+"\n"); err != nil {
		d.dropLocked(err)
		return "", errors.Wrapf(err, errors.ErrHardwareFault, "write %q", cmd)
	}

	line, err := d.reader.ReadString('\n')
	if err != nil {
		// 迟到的响应会错位，丢弃连接重新同步
		d.dropLocked(err)
		return "", errors.Wrapf(err, errors.ErrSerialTimeout, "read reply to %q", cmd)
	}
	reply := strings.TrimSpace(line)
	d.logger.Debug("串口命令", zap.String("command", cmd), zap.String("reply", reply))
	return reply, nil
}

// dropLocked 关闭当前连接，下一条命令时重连
func (d *SerialBridgeDriver) dropLocked(cause error) {
	if d.port == nil {
		return
	}
	d.logger.Warn("串口读写失败，断开连接", zap.Error(cause))
	d.port.Close()
	d.port = nil
	d.reader = nil
	d.nextDial = d.now()
}

// reconnectLocked 重新打开串口，失败后按5s起步、最长30s的间隔退避
func (d *SerialBridgeDriver) reconnectLocked() error {
	if d.dial == nil {
		return errors.New(errors.ErrDeviceOffline, "serial port closed")
	}
	now := d.now()
	if now.Before(d.nextDial) {
		return errors.Newf(errors.ErrDeviceOffline, "serial reconnect in %s", d.nextDial.Sub(now).Round(time.Millisecond))
	}

	port, err := d.dial()
	if err != nil {
		switch {
		case d.backoff == 0:
			d.backoff = reconnectInterval
		case d.backoff < maxReconnectInterval:
			d.backoff = min(d.backoff*2, maxReconnectInterval)
		}
		d.nextDial = now.Add(d.backoff)
		d.logger.Warn("串口重连失败", zap.Duration("retry_in", d.backoff), zap.Error(err))
		return errors.Wrap(err, errors.ErrDeviceOffline)
	}

	d.port = port
	d.reader = bufio.NewReader(port)
	d.backoff = 0
	d.logger.Info("串口重连成功")
	return nil
}

// expectOK 要求响应为OK
func (d *SerialBridgeDriver) expectOK(cmd string) error {
	reply, err := d.command(cmd)
	if err != nil {
		return err
	}
	if reply == "OK" {
		return nil
	}
	if msg, ok := strings.CutPrefix(reply, "ERR"); ok {
		return errors.Newf(errors.ErrHardwareFault, "%s: %s", cmd, strings.TrimSpace(msg))
	}
	return errors.Newf(errors.ErrInvalidResponse, "%s: unexpected reply %q", cmd, reply)
}

// Actuate 启动通道，等待时长后停止
func (d *SerialBridgeDriver) Actuate(ctx context.Context, channel int, duration time.Duration, speed float64) error {
	if channel < 0 || (d.channels > 0 && channel >= d.channels) {
		return errors.Newf(errors.ErrHardwareFault, "channel %d out of range", channel)
	}
	if !ValidSpeed(speed) {
		return errors.Newf(errors.ErrHardwareFault, "speed %v out of range", speed)
	}

	if err := d.expectOK(fmt.Sprintf("RUN %d %.3f", channel, speed)); err != nil {
		// 启动失败也要尝试停止
		if stopErr := d.expectOK(fmt.Sprintf("STOP %d", channel)); stopErr != nil {
			d.logger.Warn("停止通道失败", zap.Int("channel", channel), zap.Error(stopErr))
		}
		return errors.Wrap(err, errors.ErrHardwareFault)
	}

	d.rest(duration)

	if err := d.expectOK(fmt.Sprintf("STOP %d", channel)); err != nil {
		return errors.Wrap(err, errors.ErrHardwareFault)
	}
	return nil
}

// ReadSensor 查询传感器电平
func (d *SerialBridgeDriver) ReadSensor() (bool, error) {
	reply, err := d.command("SENSE")
	if err != nil {
		return false, errors.Wrap(err, errors.ErrSensorRead)
	}
	switch reply {
	case "1":
		return true, nil
	case "0":
		return false, nil
	default:
		return false, errors.Newf(errors.ErrInvalidResponse, "SENSE: unexpected reply %q", reply)
	}
}

// StopAll 停止所有通道
func (d *SerialBridgeDriver) StopAll() error {
	return d.expectOK("STOPALL")
}

// Close 关闭串口，之后不再重连
func (d *SerialBridgeDriver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.dial = nil
	if d.port == nil {
		return nil
	}
	err := d.port.Close()
	d.port = nil
	return err
}
