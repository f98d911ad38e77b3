package hardware

import (
	"context"
	"time"
)

// Driver 硬件驱动接口
// 售货逻辑只依赖这个接口，不关心当前是真实硬件还是模拟
type Driver interface {
	// Name 驱动名称（用于日志）
	Name() string

	// Actuate 以speed(-1.0~1.0)转动channel通道duration时长，结束后发送停止信号
	// 阻塞直到转动结束，转动一旦开始不可取消
	Actuate(ctx context.Context, channel int, duration time.Duration, speed float64) error

	// ReadSensor 读取对射传感器，true表示光束被遮挡（触发电平）
	ReadSensor() (bool, error)

	// StopAll 停止所有通道
	StopAll() error

	// Close 释放硬件资源
	Close() error
}

// EdgeWaiter 支持中断等待的驱动可以实现此接口
// 传感器监控在两次采样之间阻塞于边沿中断，而不是固定间隔轮询
type EdgeWaiter interface {
	// WaitForEdge 等待传感器电平变化，超时返回false
	WaitForEdge(timeout time.Duration) bool
}

const (
	// MinSpeed 最大反转速度
	MinSpeed = -1.0
	// MaxSpeed 最大正转速度
	MaxSpeed = 1.0
)

// ValidSpeed 判断速度是否在设备允许范围内
func ValidSpeed(speed float64) bool {
	return speed >= MinSpeed && speed <= MaxSpeed
}
