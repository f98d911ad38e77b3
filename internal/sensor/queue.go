package sensor

import (
	"sync"
	"time"
)

// Event 一次投币（信封）检测事件，只携带检测时间
type Event struct {
	At time.Time
}

// Queue 传感器事件队列
// 单生产者（监控循环）单消费者（售货机），Push永不阻塞也不会失败
type Queue struct {
	mu     sync.Mutex
	events []Event
	notify chan struct{} // 容量1，多次Push合并为一次通知
}

// NewQueue 创建事件队列
func NewQueue() *Queue {
	return &Queue{notify: make(chan struct{}, 1)}
}

// Push 追加事件并通知消费者
func (q *Queue) Push(e Event) {
	q.mu.Lock()
	q.events = append(q.events, e)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Drain 取出全部待处理事件（按检测顺序）
func (q *Queue) Drain() []Event {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.events) == 0 {
		return nil
	}
	out := q.events
	q.events = nil
	return out
}

// Notify 有新事件时可读
func (q *Queue) Notify() <-chan struct{} {
	return q.notify
}

// Len 待处理事件数
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.events)
}
