package websocket

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/wfunc/candy-vending/internal/broadcast"
	"github.com/wfunc/candy-vending/internal/config"
	"go.uber.org/zap"
)

// Server WebSocket连接管理，每个连接订阅一次状态广播
type Server struct {
	hub      *broadcast.Hub
	upgrader websocket.Upgrader
	config   config.WebSocketConfig
	logger   *zap.Logger

	clients   map[string]*Client
	clientsMu sync.RWMutex
}

// NewServer 创建WebSocket服务
func NewServer(hub *broadcast.Hub, cfg config.WebSocketConfig, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = 8192
	}
	if cfg.PongTimeout <= 0 {
		cfg.PongTimeout = 60 * time.Second
	}
	if cfg.PingInterval <= 0 || cfg.PingInterval >= cfg.PongTimeout {
		// ping周期必须小于pong超时
		cfg.PingInterval = (cfg.PongTimeout * 9) / 10
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}

	return &Server{
		hub: hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  cfg.ReadBufferSize,
			WriteBufferSize: cfg.WriteBufferSize,
			CheckOrigin: func(r *http.Request) bool {
				// 信息亭本地页面，不限制来源
				return true
			},
		},
		config:  cfg,
		logger:  logger,
		clients: make(map[string]*Client),
	}
}

// ServeHTTP 升级连接并开始推送状态
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("WebSocket升级失败", zap.Error(err))
		return
	}

	client := newClient(s, conn, s.hub.Subscribe())
	s.register(client)

	go client.WritePump()
	go client.ReadPump()
}

func (s *Server) register(c *Client) {
	s.clientsMu.Lock()
	s.clients[c.ID] = c
	n := len(s.clients)
	s.clientsMu.Unlock()

	s.logger.Info("WebSocket客户端连接",
		zap.String("client_id", c.ID),
		zap.String("remote_addr", c.conn.RemoteAddr().String()),
		zap.Int("clients", n))
}

func (s *Server) unregister(c *Client) {
	s.clientsMu.Lock()
	_, ok := s.clients[c.ID]
	delete(s.clients, c.ID)
	n := len(s.clients)
	s.clientsMu.Unlock()

	if !ok {
		return
	}
	s.hub.Unsubscribe(c.sub)
	s.logger.Info("WebSocket客户端断开",
		zap.String("client_id", c.ID),
		zap.Uint64("dropped", c.sub.Dropped()),
		zap.Int("clients", n))
}

// ClientCount 当前连接数
func (s *Server) ClientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}
