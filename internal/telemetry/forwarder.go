package telemetry

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/wfunc/candy-vending/internal/broadcast"
	"github.com/wfunc/candy-vending/internal/vending"
	"go.uber.org/zap"
)

// Sink 状态快照的外部出口（MQTT、NATS）
type Sink interface {
	Name() string
	Send(ctx context.Context, payload []byte) error
	Close() error
}

// Payload 外发的快照格式
type Payload struct {
	Type string `json:"type"`
	vending.State
	SentAt time.Time `json:"sent_at"`
}

// Forwarder 订阅状态广播并转发到Sink
// 作为普通观察者接入，Sink过慢时由广播中心丢弃旧快照
type Forwarder struct {
	hub    *broadcast.Hub
	sink   Sink
	logger *zap.Logger

	sent   atomic.Uint64
	failed atomic.Uint64
}

// NewForwarder 创建转发器
func NewForwarder(hub *broadcast.Hub, sink Sink, logger *zap.Logger) *Forwarder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Forwarder{
		hub:    hub,
		sink:   sink,
		logger: logger.With(zap.String("sink", sink.Name())),
	}
}

// Run 转发直到ctx取消或订阅关闭
func (f *Forwarder) Run(ctx context.Context) {
	sub := f.hub.Subscribe()
	defer f.hub.Unsubscribe(sub)

	f.logger.Info("状态转发启动")
	for {
		select {
		case <-ctx.Done():
			f.logger.Info("状态转发停止",
				zap.Uint64("sent", f.sent.Load()),
				zap.Uint64("failed", f.failed.Load()))
			return
		case state, ok := <-sub.C:
			if !ok {
				return
			}
			f.forward(ctx, state)
		}
	}
}

func (f *Forwarder) forward(ctx context.Context, state vending.State) {
	payload, err := json.Marshal(Payload{Type: "state", State: state, SentAt: time.Now()})
	if err != nil {
		f.failed.Add(1)
		f.logger.Error("序列化快照失败", zap.Error(err))
		return
	}

	sendCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := f.sink.Send(sendCtx, payload); err != nil {
		n := f.failed.Add(1)
		if n == 1 || n%50 == 0 {
			f.logger.Warn("转发快照失败",
				zap.Uint64("version", state.Version),
				zap.Uint64("failed", n),
				zap.Error(err))
		}
		return
	}
	f.sent.Add(1)
}

// Sent 成功转发数
func (f *Forwarder) Sent() uint64 {
	return f.sent.Load()
}

// Failed 失败数
func (f *Forwarder) Failed() uint64 {
	return f.failed.Load()
}
