package websocket

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/wfunc/candy-vending/internal/broadcast"
	"github.com/wfunc/candy-vending/internal/errors"
	"github.com/wfunc/candy-vending/internal/vending"
	"go.uber.org/zap"
)

// 消息类型
const (
	MessageTypeState = "state"
	MessageTypePing  = "ping"
	MessageTypePong  = "pong"
	MessageTypeError = "error"
)

// StateMessage 状态推送消息，快照字段平铺在顶层
type StateMessage struct {
	Type string `json:"type"`
	vending.State
}

// Message 客户端上行消息
type Message struct {
	Type string `json:"type"`
}

// ErrorMessage 无法处理的上行消息的回复
type ErrorMessage struct {
	Type    string           `json:"type"`
	Code    errors.ErrorCode `json:"code"`
	Message string           `json:"message"`
}

// Client 一个WebSocket连接，对应一个广播订阅
type Client struct {
	ID     string
	conn   *websocket.Conn
	sub    *broadcast.Subscription
	server *Server

	// 读协程产生的控制消息，由写协程发送（gorilla连接同一时刻只允许一个写者）
	control chan []byte
	done    chan struct{}
}

func newClient(server *Server, conn *websocket.Conn, sub *broadcast.Subscription) *Client {
	return &Client{
		ID:      sub.ID,
		conn:    conn,
		sub:     sub,
		server:  server,
		control: make(chan []byte, 4),
		done:    make(chan struct{}),
	}
}

// ReadPump 读取消息，连接断开时取消订阅
func (c *Client) ReadPump() {
	defer func() {
		close(c.done)
		c.server.unregister(c)
		c.conn.Close()
	}()

	cfg := c.server.config
	c.conn.SetReadLimit(cfg.MaxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(cfg.PongTimeout))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(cfg.PongTimeout))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.server.logger.Warn("WebSocket读取错误",
					zap.String("client_id", c.ID),
					zap.Error(err))
			}
			return
		}
		c.handleMessage(message)
	}
}

// WritePump 推送快照和心跳
func (c *Client) WritePump() {
	cfg := c.server.config
	ticker := time.NewTicker(cfg.PingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case state, ok := <-c.sub.C:
			c.conn.SetWriteDeadline(time.Now().Add(cfg.WriteTimeout))
			if !ok {
				// 订阅已关闭
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(StateMessage{Type: MessageTypeState, State: state}); err != nil {
				c.server.logger.Debug("推送状态失败",
					zap.String("client_id", c.ID),
					zap.Error(err))
				return
			}

		case data := <-c.control:
			c.conn.SetWriteDeadline(time.Now().Add(cfg.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(cfg.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.done:
			return
		}
	}
}

// handleMessage 处理客户端消息，目前只响应ping，其余回复error
func (c *Client) handleMessage(data []byte) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		c.server.logger.Debug("无法解析的消息",
			zap.String("client_id", c.ID),
			zap.Error(err))
		c.sendError("invalid json")
		return
	}

	switch msg.Type {
	case MessageTypePing:
		c.sendControl(Message{Type: MessageTypePong})
	default:
		c.server.logger.Debug("不支持的消息类型",
			zap.String("client_id", c.ID),
			zap.String("type", msg.Type))
		c.sendError("unsupported message type " + strconv.Quote(msg.Type))
	}
}

func (c *Client) sendError(message string) {
	c.sendControl(ErrorMessage{
		Type:    MessageTypeError,
		Code:    errors.ErrMessageFormat,
		Message: message,
	})
}

func (c *Client) sendControl(msg interface{}) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	select {
	case c.control <- data:
	default:
		c.server.logger.Warn("控制消息队列已满", zap.String("client_id", c.ID))
	}
}
