package telemetry

import (
	"context"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/wfunc/candy-vending/internal/config"
	"github.com/wfunc/candy-vending/internal/errors"
	"go.uber.org/zap"
)

// MQTTSink 发布快照到MQTT（默认保留消息，新订阅者立即拿到最新状态）
type MQTTSink struct {
	client   mqtt.Client
	topic    string
	qos      byte
	retained bool
	logger   *zap.Logger
}

// NewMQTTSink 连接MQTT broker
func NewMQTTSink(cfg config.MQTTConfig, logger *zap.Logger) (*MQTTSink, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &MQTTSink{
		topic:    cfg.StateTopic,
		qos:      cfg.QoS,
		retained: cfg.Retained,
		logger:   logger,
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	if cfg.KeepAlive > 0 {
		opts.SetKeepAlive(cfg.KeepAlive)
	}
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)
	// 断线时broker把状态标记为离线
	opts.SetWill(cfg.StateTopic, `{"type":"offline"}`, cfg.QoS, true)

	opts.OnConnect = func(mqtt.Client) {
		logger.Info("MQTT已连接", zap.String("broker", cfg.Broker), zap.String("topic", s.topic))
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		logger.Warn("MQTT连接断开，等待自动重连", zap.Error(err))
	}

	s.client = mqtt.NewClient(opts)

	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	token := s.client.Connect()
	if !token.WaitTimeout(timeout) {
		// ConnectRetry开启时后台会继续重试
		logger.Warn("MQTT连接超时，后台重试", zap.String("broker", cfg.Broker))
		return s, nil
	}
	if err := token.Error(); err != nil {
		return nil, errors.Wrapf(err, errors.ErrMQTTConnect, "broker %s", cfg.Broker)
	}
	return s, nil
}

// newMQTTSinkWithClient 使用已有客户端（测试用）
func newMQTTSinkWithClient(client mqtt.Client, topic string, logger *zap.Logger) *MQTTSink {
	return &MQTTSink{client: client, topic: topic, qos: 1, retained: true, logger: logger}
}

// Name 名称
func (s *MQTTSink) Name() string {
	return "mqtt"
}

// Send 发布一条快照
func (s *MQTTSink) Send(ctx context.Context, payload []byte) error {
	if !s.client.IsConnectionOpen() {
		return errors.New(errors.ErrMQTTPublish, "not connected")
	}

	token := s.client.Publish(s.topic, s.qos, s.retained, payload)
	select {
	case <-token.Done():
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), errors.ErrMQTTPublish, "publish timeout")
	}
	if err := token.Error(); err != nil {
		return errors.Wrap(err, errors.ErrMQTTPublish)
	}
	return nil
}

// Close 断开连接
func (s *MQTTSink) Close() error {
	if s.client.IsConnected() {
		s.client.Disconnect(250)
	}
	return nil
}
