package vending

import (
	"context"
	stderrors "errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"github.com/wfunc/candy-vending/internal/config"
	"github.com/wfunc/candy-vending/internal/errors"
	"github.com/wfunc/candy-vending/internal/hardware"
	"github.com/wfunc/candy-vending/internal/sensor"
)

// recordingPublisher 记录所有发布的快照
type recordingPublisher struct {
	mu     sync.Mutex
	states []State
}

func (p *recordingPublisher) Publish(s State) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.states = append(p.states, s)
}

func (p *recordingPublisher) all() []State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]State(nil), p.states...)
}

func (p *recordingPublisher) last() State {
	all := p.all()
	return all[len(all)-1]
}

// recordingSink 记录事件
type recordingSink struct {
	mu     sync.Mutex
	events []Event
}

func (s *recordingSink) Record(e Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
}

func (s *recordingSink) types() []EventType {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]EventType, 0, len(s.events))
	for _, e := range s.events {
		out = append(out, e.Type)
	}
	return out
}

func testSlots() []Slot {
	return []Slot{
		{ID: 1, Name: "Gummy Bears", Channel: 0, SpinDuration: 2 * time.Second, SpinMs: 2000, Enabled: true},
		{ID: 2, Name: "Jelly Beans", Channel: 1, SpinDuration: 2 * time.Second, SpinMs: 2000, Enabled: true},
		{ID: 3, Name: "Sold Out", Channel: 2, SpinDuration: time.Second, SpinMs: 1000, Enabled: false},
	}
}

type MachineTestSuite struct {
	suite.Suite
	driver    *hardware.SimulatedDriver
	publisher *recordingPublisher
	sink      *recordingSink
	queue     *sensor.Queue
	machine   *Machine
}

func (s *MachineTestSuite) SetupTest() {
	s.driver = hardware.NewSimulatedDriver(16, nil)
	s.driver.SetSleep(func(time.Duration) {})
	s.publisher = &recordingPublisher{}
	s.sink = &recordingSink{}
	s.queue = sensor.NewQueue()
	s.machine = NewMachine(s.driver, s.publisher, s.queue, Options{Slots: testSlots()}, nil)
	s.machine.AddSink(s.sink)
}

func TestMachineSuite(t *testing.T) {
	suite.Run(t, new(MachineTestSuite))
}

func (s *MachineTestSuite) TestInitialState() {
	state := s.machine.State()
	s.Equal(0, state.Credits)
	s.False(state.Busy)
	s.Equal(uint64(0), state.Version)
	// 禁用的货道不出现在快照中
	s.Require().Len(state.Slots, 2)
	s.Equal(1, state.Slots[0].ID)
	s.Equal(2, state.Slots[1].ID)

	s.Require().Len(s.publisher.all(), 1)
}

// 场景A: 积分不足
func (s *MachineTestSuite) TestInsufficientCredit() {
	before := len(s.publisher.all())

	_, err := s.machine.Dispense(context.Background(), 1)
	s.True(errors.Is(err, errors.ErrInsufficientCredit))
	s.Equal(0, s.machine.Credits())
	s.Empty(s.driver.Actuations())
	s.Len(s.publisher.all(), before, "拒绝不应发布状态")
	s.Equal([]EventType{EventDispenseRejected}, s.sink.types())
}

// 场景B: 投币后出货
func (s *MachineTestSuite) TestDepositThenDispense() {
	s.queue.Push(sensor.Event{At: time.Now()})
	s.Equal(1, s.machine.ApplyDeposits())
	s.Equal(1, s.machine.Credits())

	remaining, err := s.machine.Dispense(context.Background(), 1)
	s.Require().NoError(err)
	s.Equal(0, remaining)

	acts := s.driver.Actuations()
	s.Require().Len(acts, 1)
	s.Equal(0, acts[0].Channel)
	s.Equal(2*time.Second, acts[0].Duration)
	s.Equal(0.5, acts[0].Speed)

	// 快照序列: 初始 -> 投币 -> 忙碌 -> 完成
	states := s.publisher.all()
	s.Require().Len(states, 4)
	s.Equal(1, states[1].Credits)
	s.True(states[2].Busy)
	s.Equal(1, states[2].Credits, "转动期间积分尚未扣除")
	s.False(states[3].Busy)
	s.Equal(0, states[3].Credits)

	for i := 1; i < len(states); i++ {
		s.Equal(states[i-1].Version+1, states[i].Version)
	}
	s.Equal([]EventType{EventDeposit, EventDispense}, s.sink.types())
}

// 出货前先处理待处理的投币事件
func (s *MachineTestSuite) TestDispenseDrainsPendingDeposits() {
	s.queue.Push(sensor.Event{At: time.Now()})

	remaining, err := s.machine.Dispense(context.Background(), 2)
	s.Require().NoError(err)
	s.Equal(0, remaining)
	s.Equal(0, s.queue.Len())
}

// 场景D: 货道不存在
func (s *MachineTestSuite) TestUnknownSlot() {
	s.machine.SimulateDeposit()

	_, err := s.machine.Dispense(context.Background(), 99)
	s.True(errors.Is(err, errors.ErrUnknownSlot))
	s.Equal(1, s.machine.Credits())
	s.Empty(s.driver.Actuations())
}

func (s *MachineTestSuite) TestDisabledSlot() {
	s.machine.SimulateDeposit()

	_, err := s.machine.Dispense(context.Background(), 3)
	s.True(errors.Is(err, errors.ErrSlotDisabled))
	s.Equal(1, s.machine.Credits())
}

func (s *MachineTestSuite) TestGuardOrder() {
	// 积分不足时，不存在的货道优先报告
	_, err := s.machine.Dispense(context.Background(), 99)
	s.True(errors.Is(err, errors.ErrUnknownSlot))

	_, err = s.machine.Dispense(context.Background(), 3)
	s.True(errors.Is(err, errors.ErrSlotDisabled))
}

// 场景F: 硬件故障不扣积分
func (s *MachineTestSuite) TestHardwareFault() {
	s.machine.SimulateDeposit()
	s.driver.FailNext(1, stderrors.New("i2c bus error"))

	remaining, err := s.machine.Dispense(context.Background(), 1)
	s.Require().Error(err)
	s.True(errors.Is(err, errors.ErrHardwareFault))
	s.Equal(1, remaining)

	last := s.publisher.last()
	s.False(last.Busy)
	s.Equal(1, last.Credits)
	s.Equal([]EventType{EventSimulatedDeposit, EventDispenseFailed}, s.sink.types())

	// 故障后可以重试
	remaining, err = s.machine.Dispense(context.Background(), 1)
	s.NoError(err)
	s.Equal(0, remaining)
}

func (s *MachineTestSuite) TestNonHardwareErrorIsReportedAsFault() {
	s.machine.SimulateDeposit()
	s.Require().NoError(s.driver.Close())

	_, err := s.machine.Dispense(context.Background(), 1)
	s.Equal(errors.ErrHardwareFault, errors.GetCode(err))
	s.Equal(errors.ErrDeviceOffline, errors.GetCode(stderrors.Unwrap(err)), "原始错误作为cause保留")
	s.Equal(1, s.machine.Credits())
}

func (s *MachineTestSuite) TestCanceledContextDoesNotAbortActuation() {
	s.machine.SimulateDeposit()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := s.machine.Dispense(ctx, 1)
	s.NoError(err)
	s.Len(s.driver.Actuations(), 1)
}

func (s *MachineTestSuite) TestStateIsIdempotent() {
	s.machine.SimulateDeposit()
	published := len(s.publisher.all())

	a := s.machine.State()
	b := s.machine.State()
	s.Equal(a, b)
	s.Len(s.publisher.all(), published)
}

func (s *MachineTestSuite) TestRunAppliesDeposits() {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.machine.Run(ctx)
		close(done)
	}()

	s.queue.Push(sensor.Event{At: time.Now()})
	s.queue.Push(sensor.Event{At: time.Now()})
	s.Eventually(func() bool { return s.machine.Credits() == 2 }, time.Second, time.Millisecond)

	cancel()
	<-done
}

// 场景C: 并发出货，只有一个成功
func TestConcurrentDispense(t *testing.T) {
	driver := hardware.NewSimulatedDriver(16, nil)
	started := make(chan struct{})
	release := make(chan struct{})
	driver.SetSleep(func(time.Duration) {
		close(started)
		<-release
	})

	publisher := &recordingPublisher{}
	m := NewMachine(driver, publisher, nil, Options{Slots: testSlots()}, nil)
	m.SimulateDeposit()
	m.SimulateDeposit()

	result := make(chan error, 1)
	go func() {
		_, err := m.Dispense(context.Background(), 1)
		result <- err
	}()
	<-started

	// 转动期间状态为忙碌
	assert.True(t, m.State().Busy)

	_, err := m.Dispense(context.Background(), 2)
	assert.True(t, errors.Is(err, errors.ErrMachineBusy))

	// 转动期间投币照常入账
	assert.Equal(t, 3, m.SimulateDeposit())

	close(release)
	require.NoError(t, <-result)

	state := m.State()
	assert.False(t, state.Busy)
	assert.Equal(t, 2, state.Credits)
	assert.Len(t, driver.Actuations(), 1)
}

// 多个并发请求下积分不为负，转动不重叠
func TestDispenseNeverOverlaps(t *testing.T) {
	driver := hardware.NewSimulatedDriver(16, nil)
	driver.SetSleep(func(time.Duration) { time.Sleep(time.Millisecond) })

	publisher := &recordingPublisher{}
	m := NewMachine(driver, publisher, nil, Options{Slots: testSlots()}, nil)
	for i := 0; i < 3; i++ {
		m.SimulateDeposit()
	}

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			m.Dispense(context.Background(), slot)
		}(1 + i%2)
	}
	wg.Wait()

	for _, st := range publisher.all() {
		assert.GreaterOrEqual(t, st.Credits, 0)
	}

	acts := driver.Actuations()
	assert.LessOrEqual(t, len(acts), 3)
	assert.Equal(t, 3-len(acts), m.Credits())
	for i := 1; i < len(acts); i++ {
		assert.False(t, acts[i].Start.Before(acts[i-1].End), "转动时间段不应重叠")
	}
}

func TestCustomCreditValues(t *testing.T) {
	driver := hardware.NewSimulatedDriver(16, nil)
	driver.SetSleep(func(time.Duration) {})
	m := NewMachine(driver, nil, nil, Options{Slots: testSlots(), PerEnvelope: 2, CostPerDispense: 3}, nil)

	m.SimulateDeposit()
	_, err := m.Dispense(context.Background(), 1)
	assert.True(t, errors.Is(err, errors.ErrInsufficientCredit))

	m.SimulateDeposit()
	remaining, err := m.Dispense(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, 1, remaining)
}

func TestSlotsFromConfig(t *testing.T) {
	disabled := false
	slots := SlotsFromConfig([]config.SlotConfig{
		{ID: 1, Name: "A", Channel: 0, SpinDuration: 1500 * time.Millisecond},
		{ID: 2, Name: "B", Channel: 1, SpinDuration: time.Second, Enabled: &disabled},
	})

	require.Len(t, slots, 2)
	assert.True(t, slots[0].Enabled)
	assert.Equal(t, int64(1500), slots[0].SpinMs)
	assert.False(t, slots[1].Enabled)
}
