package telemetry

import (
	"context"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/wfunc/candy-vending/internal/config"
	"github.com/wfunc/candy-vending/internal/errors"
	"go.uber.org/zap"
)

// NATSSink 发布快照到NATS主题
type NATSSink struct {
	nc      *nats.Conn
	subject string
	logger  *zap.Logger
}

// NewNATSSink 连接NATS
func NewNATSSink(cfg config.NATSConfig, logger *zap.Logger) (*NATSSink, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	wait := cfg.ReconnectWait
	if wait <= 0 {
		wait = 2 * time.Second
	}

	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(wait),
		nats.RetryOnFailedConnect(true),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("NATS连接断开", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS已重连", zap.String("url", nc.ConnectedUrl()))
		}),
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, errors.Wrapf(err, errors.ErrNATSConnect, "url %s", cfg.URL)
	}
	logger.Info("NATS已连接", zap.String("url", cfg.URL), zap.String("subject", cfg.Subject))
	return &NATSSink{nc: nc, subject: cfg.Subject, logger: logger}, nil
}

// Name 名称
func (s *NATSSink) Name() string {
	return "nats"
}

// Send 发布一条快照
func (s *NATSSink) Send(ctx context.Context, payload []byte) error {
	if s.nc == nil || s.nc.IsClosed() {
		return errors.New(errors.ErrNATSPublish, "not connected")
	}
	if err := s.nc.Publish(s.subject, payload); err != nil {
		return errors.Wrap(err, errors.ErrNATSPublish)
	}
	return nil
}

// Close 排空并关闭连接
func (s *NATSSink) Close() error {
	if s.nc == nil || s.nc.IsClosed() {
		return nil
	}
	if err := s.nc.Drain(); err != nil {
		s.nc.Close()
		return errors.Wrap(err, errors.ErrNATSPublish, "drain")
	}
	return nil
}
