package broadcast

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/wfunc/candy-vending/internal/vending"
	"go.uber.org/zap"
)

// DefaultBuffer 每个订阅者的默认队列长度
const DefaultBuffer = 16

// Subscription 一个订阅者
// C在Unsubscribe或Hub关闭后被关闭
type Subscription struct {
	ID string
	C  <-chan vending.State

	ch      chan vending.State
	dropped atomic.Uint64
}

// Dropped 该订阅者被丢弃的快照数
func (s *Subscription) Dropped() uint64 {
	return s.dropped.Load()
}

// Hub 状态广播中心
// 每个订阅者有独立的有界队列，队列满时丢弃最旧的快照，Publish从不阻塞
type Hub struct {
	mu      sync.Mutex
	subs    map[*Subscription]struct{}
	latest  *vending.State
	buffer  int
	closed  bool
	dropped atomic.Uint64
	logger  *zap.Logger
}

// NewHub 创建广播中心
func NewHub(buffer int, logger *zap.Logger) *Hub {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		subs:   make(map[*Subscription]struct{}),
		buffer: buffer,
		logger: logger,
	}
}

// Subscribe 新增订阅者，立即收到最新快照
func (h *Hub) Subscribe() *Subscription {
	ch := make(chan vending.State, h.buffer)
	sub := &Subscription{
		ID: uuid.New().String(),
		C:  ch,
		ch: ch,
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(ch)
		return sub
	}
	if h.latest != nil {
		ch <- *h.latest
	}
	h.subs[sub] = struct{}{}

	h.logger.Debug("新增订阅者",
		zap.String("subscription_id", sub.ID),
		zap.Int("subscribers", len(h.subs)))
	return sub
}

// Unsubscribe 移除订阅者，可重复调用
func (h *Hub) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[sub]; !ok {
		return
	}
	delete(h.subs, sub)
	close(sub.ch)

	h.logger.Debug("移除订阅者",
		zap.String("subscription_id", sub.ID),
		zap.Uint64("dropped", sub.Dropped()),
		zap.Int("subscribers", len(h.subs)))
}

// Publish 向所有订阅者推送快照
func (h *Hub) Publish(state vending.State) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.latest = &state

	for sub := range h.subs {
		h.offer(sub, state)
	}
}

// offer 非阻塞写入，队列满时丢弃最旧的一条
// 持有h.mu，订阅者只会读取，所以循环最多两轮
func (h *Hub) offer(sub *Subscription, state vending.State) {
	for {
		select {
		case sub.ch <- state:
			return
		default:
		}
		select {
		case <-sub.ch:
			sub.dropped.Add(1)
			n := h.dropped.Add(1)
			if n == 1 || n%100 == 0 {
				h.logger.Warn("订阅者处理过慢，丢弃旧快照",
					zap.String("subscription_id", sub.ID),
					zap.Uint64("total_dropped", n))
			}
		default:
		}
	}
}

// Latest 最近发布的快照
func (h *Hub) Latest() (vending.State, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.latest == nil {
		return vending.State{}, false
	}
	return *h.latest, true
}

// Count 当前订阅者数量
func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Dropped 累计丢弃的快照数
func (h *Hub) Dropped() uint64 {
	return h.dropped.Load()
}

// Close 关闭所有订阅，之后的Publish被忽略
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for sub := range h.subs {
		close(sub.ch)
	}
	h.subs = make(map[*Subscription]struct{})
	h.logger.Info("广播中心已关闭")
}
