package sensor

import (
	"context"
	stderrors "errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wfunc/candy-vending/internal/hardware"
)

// fakeReader 可控电平的传感器
type fakeReader struct {
	mu    sync.Mutex
	level bool
	err   error
}

func (r *fakeReader) ReadSensor() (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.level, r.err
}

func (r *fakeReader) set(level bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.level = level
	r.err = err
}

// fakeClock 手动推进的时钟
type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestMonitor(cooldown time.Duration) (*Monitor, *fakeReader, *fakeClock, *Queue) {
	reader := &fakeReader{}
	queue := NewQueue()
	clock := &fakeClock{t: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
	m := NewMonitor(reader, queue, Config{Cooldown: cooldown, PollInterval: time.Millisecond}, nil)
	m.now = clock.now
	m.sample() // 基准电平
	return m, reader, clock, queue
}

// pulse 光束遮挡后恢复
func pulse(m *Monitor, r *fakeReader) bool {
	r.set(true, nil)
	got := m.sample()
	r.set(false, nil)
	m.sample()
	return got
}

func TestMonitorCooldown(t *testing.T) {
	m, reader, clock, queue := newTestMonitor(2 * time.Second)

	assert.True(t, pulse(m, reader))

	clock.advance(500 * time.Millisecond)
	assert.False(t, pulse(m, reader), "冷却期内的第二次触发应被忽略")

	clock.advance(2 * time.Second)
	assert.True(t, pulse(m, reader))

	events := queue.Drain()
	require.Len(t, events, 2)
	assert.True(t, events[1].At.After(events[0].At))

	stats := m.Stats()
	assert.Equal(t, uint64(2), stats.Accepted)
	assert.Equal(t, uint64(1), stats.Debounced)
}

func TestMonitorCooldownBoundary(t *testing.T) {
	m, reader, clock, queue := newTestMonitor(2 * time.Second)

	assert.True(t, pulse(m, reader))
	clock.advance(2 * time.Second)
	assert.True(t, pulse(m, reader), "恰好等于冷却时间时应接受")
	assert.Equal(t, 2, queue.Len())
}

func TestMonitorFallingEdgeIsNotEvent(t *testing.T) {
	m, reader, _, queue := newTestMonitor(0)

	reader.set(true, nil)
	assert.True(t, m.sample())
	// 持续遮挡不重复计数
	assert.False(t, m.sample())
	reader.set(false, nil)
	assert.False(t, m.sample())
	assert.Equal(t, 1, queue.Len())
}

func TestMonitorInitialLevelIsBaseline(t *testing.T) {
	reader := &fakeReader{level: true}
	queue := NewQueue()
	m := NewMonitor(reader, queue, Config{PollInterval: time.Millisecond}, nil)

	assert.False(t, m.sample())
	assert.Equal(t, 0, queue.Len())
}

func TestMonitorReadErrorsSuppressed(t *testing.T) {
	m, reader, _, queue := newTestMonitor(0)

	reader.set(false, stderrors.New("gpio read failed"))
	assert.False(t, m.sample())
	assert.False(t, m.sample())
	assert.Equal(t, uint64(2), m.Stats().ReadErrors)

	// 恢复后正常检测
	reader.set(true, nil)
	assert.True(t, m.sample())
	assert.Equal(t, 1, queue.Len())
}

func TestMonitorRunWithEdgeWaiter(t *testing.T) {
	driver := hardware.NewSimulatedDriver(16, nil)
	queue := NewQueue()
	m := NewMonitor(driver, queue, Config{PollInterval: 5 * time.Millisecond}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Run(ctx)
		close(done)
	}()

	// 等待基准采样
	require.Eventually(t, func() bool { return m.Stats().Samples > 1 }, time.Second, time.Millisecond)

	driver.SetSensor(true)
	select {
	case <-queue.Notify():
	case <-time.After(time.Second):
		t.Fatal("未收到投币事件")
	}
	assert.Len(t, queue.Drain(), 1)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("监控未退出")
	}
}

func TestQueueCoalescesNotifications(t *testing.T) {
	q := NewQueue()
	for i := 0; i < 5; i++ {
		q.Push(Event{At: time.Now()})
	}

	<-q.Notify()
	select {
	case <-q.Notify():
		t.Fatal("通知应被合并")
	default:
	}

	assert.Len(t, q.Drain(), 5)
	assert.Nil(t, q.Drain())
}
