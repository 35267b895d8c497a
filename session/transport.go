package session

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/puyokura/hallmesh/host"
	"github.com/puyokura/hallmesh/model"
)

const writeWait = 10 * time.Second

// Conn is one link to a host.
type Conn interface {
	Send(f model.Frame) error
	// Recv blocks for the next frame.
	Recv() (model.Frame, error)
	Close() error
}

// Dialer opens links to hosts by address.
type Dialer interface {
	Dial(ctx context.Context, addr string) (Conn, error)
}

// WSDialer connects over websocket.
type WSDialer struct {
	HandshakeTimeout time.Duration
}

func (d WSDialer) Dial(ctx context.Context, addr string) (Conn, error) {
	u := url.URL{Scheme: "ws", Host: addr, Path: host.WebsocketPath}
	dialer := websocket.Dialer{HandshakeTimeout: d.HandshakeTimeout}
	if dialer.HandshakeTimeout == 0 {
		dialer.HandshakeTimeout = 5 * time.Second
	}
	c, _, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", u.String(), err)
	}
	c.SetReadLimit(model.MaxFrameSize)
	return &wsConn{conn: c}, nil
}

type wsConn struct {
	conn *websocket.Conn
	wmu  sync.Mutex
}

func (c *wsConn) Send(f model.Frame) error {
	data, err := model.Encode(f)
	if err != nil {
		return err
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *wsConn) Recv() (model.Frame, error) {
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		return model.Frame{}, err
	}
	return model.DecodeFrame(data)
}

func (c *wsConn) Close() error {
	c.wmu.Lock()
	c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	c.wmu.Unlock()
	return c.conn.Close()
}
