package vending

import (
	"time"

	"github.com/wfunc/candy-vending/internal/config"
	"github.com/wfunc/candy-vending/internal/errors"
)

// Slot 货道，加载后不可变
type Slot struct {
	ID           int           `json:"id"`
	Name         string        `json:"name"`
	Channel      int           `json:"channel"`
	SpinDuration time.Duration `json:"-"`
	SpinMs       int64         `json:"spin_ms"`
	Enabled      bool          `json:"enabled"`
}

// SlotsFromConfig 按配置顺序构造货道
func SlotsFromConfig(cfgs []config.SlotConfig) []Slot {
	slots := make([]Slot, 0, len(cfgs))
	for _, c := range cfgs {
		slots = append(slots, Slot{
			ID:           c.ID,
			Name:         c.Name,
			Channel:      c.Channel,
			SpinDuration: c.SpinDuration,
			SpinMs:       c.SpinDuration.Milliseconds(),
			Enabled:      c.IsEnabled(),
		})
	}
	return slots
}

// State 机器状态快照
type State struct {
	Credits   int       `json:"credits"`
	Busy      bool      `json:"busy"`
	Slots     []Slot    `json:"slots"` // 仅启用的货道，按配置顺序
	Version   uint64    `json:"version"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Publisher 状态发布者，Publish必须不阻塞
type Publisher interface {
	Publish(State)
}

// EventType 事件类型
type EventType string

const (
	EventDeposit          EventType = "deposit"
	EventSimulatedDeposit EventType = "simulated_deposit"
	EventDispense         EventType = "dispense"
	EventDispenseFailed   EventType = "dispense_failed"
	EventDispenseRejected EventType = "dispense_rejected"
)

// Event 售货事件，用于指标和审计日志
type Event struct {
	Type          EventType
	SlotID        int
	Channel       int
	CreditsBefore int
	CreditsAfter  int
	Duration      time.Duration // 转动耗时
	Code          errors.ErrorCode
	Detail        string
	At            time.Time
}

// EventSink 事件接收者，在锁外同步调用，实现方不应阻塞
type EventSink interface {
	Record(Event)
}

// EventSinkFunc 函数适配器
type EventSinkFunc func(Event)

// Record 实现EventSink
func (f EventSinkFunc) Record(e Event) { f(e) }
