package repository

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/wfunc/candy-vending/internal/models"
	"github.com/wfunc/candy-vending/internal/vending"
	"go.uber.org/zap"
)

const (
	recorderBatchSize     = 50
	recorderFlushInterval = 500 * time.Millisecond
)

// AsyncRecorder 异步写入售货流水，实现vending.EventSink
// Record不阻塞售货流程，队列满时丢弃并计数
type AsyncRecorder struct {
	repo   EventRepository
	driver string
	logger *zap.Logger

	mu       sync.RWMutex // 保护closed与queue的关闭
	closed   bool
	queue    chan *models.VendEvent
	finished chan struct{}
	dropped  atomic.Uint64
	written  atomic.Uint64
}

// NewAsyncRecorder 创建并启动后台写入协程
func NewAsyncRecorder(repo EventRepository, driver string, queueSize int, logger *zap.Logger) *AsyncRecorder {
	if queueSize <= 0 {
		queueSize = 256
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &AsyncRecorder{
		repo:     repo,
		driver:   driver,
		logger:   logger,
		queue:    make(chan *models.VendEvent, queueSize),
		finished: make(chan struct{}),
	}
	go r.loop()
	return r
}

// Record 实现vending.EventSink
func (r *AsyncRecorder) Record(e vending.Event) {
	row := &models.VendEvent{
		Type:          string(e.Type),
		SlotID:        e.SlotID,
		Channel:       e.Channel,
		CreditsBefore: e.CreditsBefore,
		CreditsAfter:  e.CreditsAfter,
		DurationMs:    e.Duration.Milliseconds(),
		ErrorCode:     int(e.Code),
		Detail:        truncate(e.Detail, 512),
		Driver:        r.driver,
		OccurredAt:    e.At,
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return
	}
	select {
	case r.queue <- row:
	default:
		n := r.dropped.Add(1)
		if n == 1 || n%100 == 0 {
			r.logger.Warn("流水队列已满，丢弃事件", zap.Uint64("dropped", n))
		}
	}
}

func (r *AsyncRecorder) loop() {
	defer close(r.finished)
	ticker := time.NewTicker(recorderFlushInterval)
	defer ticker.Stop()

	batch := make([]*models.VendEvent, 0, recorderBatchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := r.repo.BatchCreate(ctx, batch)
		cancel()
		if err != nil {
			r.logger.Error("写入售货流水失败", zap.Int("count", len(batch)), zap.Error(err))
		} else {
			r.written.Add(uint64(len(batch)))
		}
		batch = batch[:0]
	}

	for {
		select {
		case row, ok := <-r.queue:
			if !ok {
				flush()
				return
			}
			batch = append(batch, row)
			if len(batch) >= recorderBatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

// Close 停止接收并写完队列中的事件
func (r *AsyncRecorder) Close(ctx context.Context) error {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.queue)
	}
	r.mu.Unlock()

	select {
	case <-r.finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Written 已写入的事件数
func (r *AsyncRecorder) Written() uint64 {
	return r.written.Load()
}

// Dropped 丢弃的事件数
func (r *AsyncRecorder) Dropped() uint64 {
	return r.dropped.Load()
}

// truncate 按字节截断，不切开多字节字符
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
