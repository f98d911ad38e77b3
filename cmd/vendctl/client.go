package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/wfunc/candy-vending/internal/errors"
	"github.com/wfunc/candy-vending/internal/vending"
	ws "github.com/wfunc/candy-vending/internal/websocket"
)

// client 售货机HTTP客户端
type client struct {
	base   string
	wsPath string
	http   *http.Client
}

func newClient(base, wsPath string, timeout time.Duration) *client {
	return &client{
		base:   strings.TrimRight(base, "/"),
		wsPath: wsPath,
		http:   &http.Client{Timeout: timeout},
	}
}

// State 查询当前快照
func (c *client) State(ctx context.Context) (vending.State, error) {
	var state vending.State
	err := c.do(ctx, http.MethodGet, "/api/state", &state)
	return state, err
}

// Dispense 出货，返回剩余积分
func (c *client) Dispense(ctx context.Context, slotID int) (int, error) {
	var resp struct {
		CreditsRemaining int `json:"credits_remaining"`
	}
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("/api/dispense/%d", slotID), &resp)
	return resp.CreditsRemaining, err
}

// Deposit 模拟投币，返回当前积分
func (c *client) Deposit(ctx context.Context) (int, error) {
	var resp struct {
		Credits int `json:"credits"`
	}
	err := c.do(ctx, http.MethodPost, "/api/simulate-envelope", &resp)
	return resp.Credits, err
}

// Watch 订阅状态推送，每条快照回调一次，max>0时收满即返回
func (c *client) Watch(ctx context.Context, max int, fn func(vending.State)) error {
	u, err := url.Parse(c.base)
	if err != nil {
		return errors.Wrap(err, errors.ErrInvalidParam, "server url")
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = c.wsPath

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return errors.Wrapf(err, errors.ErrDeviceOffline, "dial %s", u)
	}
	defer conn.Close()

	// ctx取消时关闭连接以解除ReadMessage阻塞
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	for n := 0; max <= 0 || n < max; {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return errors.Wrap(err, errors.ErrMessageFormat, "read")
		}
		var msg ws.StateMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return errors.Wrap(err, errors.ErrMessageFormat)
		}
		if msg.Type != ws.MessageTypeState {
			continue
		}
		fn(msg.State)
		n++
	}
	return nil
}

func (c *client) do(ctx context.Context, method, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, nil)
	if err != nil {
		return errors.Wrap(err, errors.ErrInvalidParam)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Wrapf(err, errors.ErrDeviceOffline, "%s %s", method, path)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return errors.Wrap(err, errors.ErrMessageFormat)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		var errResp errors.ErrorResponse
		if json.Unmarshal(body, &errResp) == nil && errResp.Error != nil {
			return errResp.Error
		}
		return errors.Newf(errors.ErrUnknown, "%s %s: %s", method, path, resp.Status)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return errors.Wrap(err, errors.ErrMessageFormat)
	}
	return nil
}
