package vending

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/wfunc/candy-vending/internal/errors"
	"github.com/wfunc/candy-vending/internal/hardware"
	"github.com/wfunc/candy-vending/internal/sensor"
	"go.uber.org/zap"
)

// Options 售货机参数
type Options struct {
	Slots           []Slot
	PerEnvelope     int     // 每个信封增加的积分
	CostPerDispense int     // 每次出货消耗的积分
	Speed           float64 // 舵机转速
}

// Machine 售货机，积分和忙碌标志的唯一所有者
//
// 状态: IDLE(busy=false) / DISPENSING(busy=true)
// 积分在转动成功后才扣除；转动期间锁已释放，投币照常累加，新的出货请求被拒绝
type Machine struct {
	mu        sync.Mutex
	driver    hardware.Driver
	publisher Publisher
	queue     *sensor.Queue
	logger    *zap.Logger
	now       func() time.Time

	slots       []Slot
	slotIndex   map[int]int
	perEnvelope int
	cost        int
	speed       float64

	credits   int
	busy      bool
	version   uint64
	updatedAt time.Time

	sinksMu sync.RWMutex
	sinks   []EventSink
}

// NewMachine 创建售货机并发布初始状态
// publisher和queue可以为nil
func NewMachine(driver hardware.Driver, publisher Publisher, queue *sensor.Queue, opts Options, logger *zap.Logger) *Machine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.PerEnvelope <= 0 {
		opts.PerEnvelope = 1
	}
	if opts.CostPerDispense <= 0 {
		opts.CostPerDispense = 1
	}
	if opts.Speed == 0 {
		opts.Speed = 0.5
	}

	m := &Machine{
		driver:      driver,
		publisher:   publisher,
		queue:       queue,
		logger:      logger,
		now:         time.Now,
		slots:       append([]Slot(nil), opts.Slots...),
		slotIndex:   make(map[int]int, len(opts.Slots)),
		perEnvelope: opts.PerEnvelope,
		cost:        opts.CostPerDispense,
		speed:       opts.Speed,
	}
	for i, s := range m.slots {
		m.slotIndex[s.ID] = i
	}

	m.mu.Lock()
	m.updatedAt = m.now()
	if m.publisher != nil {
		m.publisher.Publish(m.snapshotLocked())
	}
	m.mu.Unlock()

	return m
}

// AddSink 注册事件接收者
func (m *Machine) AddSink(sink EventSink) {
	m.sinksMu.Lock()
	defer m.sinksMu.Unlock()
	m.sinks = append(m.sinks, sink)
}

// State 返回当前状态快照，无副作用
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

// Credits 当前积分
func (m *Machine) Credits() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.credits
}

// Run 处理传感器事件直到ctx取消
func (m *Machine) Run(ctx context.Context) {
	if m.queue == nil {
		<-ctx.Done()
		return
	}
	m.logger.Info("投币处理循环启动")
	for {
		select {
		case <-ctx.Done():
			m.ApplyDeposits()
			m.logger.Info("投币处理循环停止")
			return
		case <-m.queue.Notify():
			m.ApplyDeposits()
		}
	}
}

// ApplyDeposits 处理所有待处理的投币事件，返回处理的数量
func (m *Machine) ApplyDeposits() int {
	m.mu.Lock()
	events := m.drainLocked()
	m.mu.Unlock()

	m.record(events...)
	return len(events)
}

// SimulateDeposit 模拟投币，不经过传感器防抖
func (m *Machine) SimulateDeposit() int {
	m.mu.Lock()
	ev := m.creditLocked(EventSimulatedDeposit, m.now())
	credits := m.credits
	m.mu.Unlock()

	m.logger.Info("模拟投币", zap.Int("credits", credits))
	m.record(ev)
	return credits
}

// Dispense 出货，成功返回剩余积分
// 守卫检查顺序: 忙碌 -> 货道不存在 -> 货道禁用 -> 积分不足，违反时不修改任何状态
// 转动开始后不可取消，ctx的取消不会传递给驱动
func (m *Machine) Dispense(ctx context.Context, slotID int) (int, error) {
	m.mu.Lock()
	deposits := m.drainLocked()

	slot, err := m.checkLocked(slotID)
	if err != nil {
		credits := m.credits
		m.mu.Unlock()

		m.record(deposits...)
		m.record(Event{
			Type:          EventDispenseRejected,
			SlotID:        slotID,
			CreditsBefore: credits,
			CreditsAfter:  credits,
			Code:          err.Code,
			Detail:        err.Details,
			At:            m.now(),
		})
		m.logger.Info("出货请求被拒绝",
			zap.Int("slot_id", slotID),
			zap.Int("credits", credits),
			zap.String("reason", err.Message))
		return credits, err
	}

	m.busy = true
	m.publishLocked()
	m.mu.Unlock()

	m.record(deposits...)
	m.logger.Info("开始出货",
		zap.Int("slot_id", slot.ID),
		zap.Int("channel", slot.Channel),
		zap.Duration("duration", slot.SpinDuration))

	start := time.Now()
	actErr := m.actuate(context.WithoutCancel(ctx), slot)
	elapsed := time.Since(start)

	m.mu.Lock()
	before := m.credits
	m.busy = false
	if actErr == nil {
		m.credits -= m.cost
	}
	m.publishLocked()
	after := m.credits
	m.mu.Unlock()

	ev := Event{
		Type:          EventDispense,
		SlotID:        slot.ID,
		Channel:       slot.Channel,
		CreditsBefore: before,
		CreditsAfter:  after,
		Duration:      elapsed,
		At:            m.now(),
	}

	if actErr != nil {
		fault := hardwareFault(actErr)
		ev.Type = EventDispenseFailed
		ev.Code = fault.Code
		ev.Detail = fault.Details
		m.record(ev)
		m.logger.Error("出货失败，积分未扣除",
			zap.Int("slot_id", slot.ID),
			zap.Int("credits", after),
			zap.Error(actErr))
		return after, fault
	}

	m.record(ev)
	m.logger.Info("出货完成",
		zap.Int("slot_id", slot.ID),
		zap.Int("credits", after),
		zap.Duration("elapsed", elapsed))
	return after, nil
}

// checkLocked 检查出货守卫
func (m *Machine) checkLocked(slotID int) (Slot, *errors.AppError) {
	if m.busy {
		return Slot{}, errors.New(errors.ErrMachineBusy)
	}
	i, ok := m.slotIndex[slotID]
	if !ok {
		return Slot{}, errors.Newf(errors.ErrUnknownSlot, "slot %d", slotID)
	}
	slot := m.slots[i]
	if !slot.Enabled {
		return Slot{}, errors.Newf(errors.ErrSlotDisabled, "slot %d", slotID)
	}
	if m.credits < m.cost {
		return Slot{}, errors.Newf(errors.ErrInsufficientCredit, "have %d, need %d", m.credits, m.cost)
	}
	return slot, nil
}

// actuate 调用驱动转动，驱动panic时也要保证忙碌标志被清除
func (m *Machine) actuate(ctx context.Context, slot Slot) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Newf(errors.ErrHardwareFault, "driver panic: %v", r)
		}
	}()
	if m.driver == nil {
		return errors.New(errors.ErrDeviceOffline, "no driver")
	}
	return m.driver.Actuate(ctx, slot.Channel, slot.SpinDuration, m.speed)
}

// hardwareFault 调用方只看到硬件故障，原始错误作为cause保留
func hardwareFault(err error) *errors.AppError {
	if errors.GetCode(err) == errors.ErrHardwareFault {
		appErr, _ := errors.As(err)
		return appErr
	}
	return errors.New(errors.ErrHardwareFault, err.Error()).WithCause(err)
}

// drainLocked 应用队列中的投币事件
func (m *Machine) drainLocked() []Event {
	if m.queue == nil {
		return nil
	}
	pending := m.queue.Drain()
	if len(pending) == 0 {
		return nil
	}
	events := make([]Event, 0, len(pending))
	for _, p := range pending {
		events = append(events, m.creditLocked(EventDeposit, p.At))
	}
	m.logger.Info("投币入账",
		zap.Int("count", len(pending)),
		zap.Int("credits", m.credits))
	return events
}

// creditLocked 增加积分并发布
func (m *Machine) creditLocked(typ EventType, at time.Time) Event {
	before := m.credits
	m.credits += m.perEnvelope
	m.publishLocked()
	return Event{
		Type:          typ,
		CreditsBefore: before,
		CreditsAfter:  m.credits,
		At:            at,
	}
}

// publishLocked 版本号加一并发布快照，调用方持有锁
// 在锁内发布保证观察者看到的顺序与状态变更顺序一致
func (m *Machine) publishLocked() {
	m.version++
	m.updatedAt = m.now()
	if m.publisher != nil {
		m.publisher.Publish(m.snapshotLocked())
	}
}

func (m *Machine) snapshotLocked() State {
	slots := make([]Slot, 0, len(m.slots))
	for _, s := range m.slots {
		if s.Enabled {
			slots = append(slots, s)
		}
	}
	return State{
		Credits:   m.credits,
		Busy:      m.busy,
		Slots:     slots,
		Version:   m.version,
		UpdatedAt: m.updatedAt,
	}
}

func (m *Machine) record(events ...Event) {
	if len(events) == 0 {
		return
	}
	m.sinksMu.RLock()
	sinks := m.sinks
	m.sinksMu.RUnlock()
	for _, ev := range events {
		for _, s := range sinks {
			s.Record(ev)
		}
	}
}

// String 调试输出
func (s State) String() string {
	return fmt.Sprintf("credits=%d busy=%t slots=%d version=%d", s.Credits, s.Busy, len(s.Slots), s.Version)
}
