package ws

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// Subscription acks can exceed the library's 32KiB default read limit.
const readLimit = 1 << 20

var ErrNotConnected = errors.New("ws not connected")

// Client is a single-session feed connection. When the server closes the
// session Run returns; there is no reconnect.
type Client struct {
	url          string
	pingInterval time.Duration
	log          *zap.Logger

	mu   sync.Mutex
	conn *websocket.Conn
	subs []interface{}
}

func New(url string, pingInterval time.Duration, log *zap.Logger) *Client {
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{url: url, pingInterval: pingInterval, log: log}
}

func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		return nil
	}
	conn, _, err := websocket.Dial(ctx, c.url, nil)
	if err != nil {
		return err
	}
	conn.SetReadLimit(readLimit)
	for _, sub := range c.subs {
		if err := writeJSON(ctx, conn, sub); err != nil {
			_ = conn.Close(websocket.StatusInternalError, "subscribe failed")
			return err
		}
	}
	c.conn = conn
	return nil
}

// Subscribe records sub and sends it if the connection is already up;
// otherwise Connect sends it.
func (c *Client) Subscribe(ctx context.Context, sub interface{}) error {
	c.mu.Lock()
	c.subs = append(c.subs, sub)
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return nil
	}
	return writeJSON(ctx, conn, sub)
}

// Run reads frames in receive order and hands each to handler until the
// context ends or the session closes. A normal closure returns nil.
func (c *Client) Run(ctx context.Context, handler func(json.RawMessage)) error {
	if err := c.Connect(ctx); err != nil {
		return err
	}
	pingCtx, cancel := context.WithCancel(ctx)
	pingDone := make(chan struct{})
	go func() {
		defer close(pingDone)
		c.pingLoop(pingCtx)
	}()
	err := c.readLoop(ctx, handler)
	cancel()
	<-pingDone
	c.Close()
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return c.logReadLoopError(err)
}

func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		_ = c.conn.Close(websocket.StatusNormalClosure, "closing")
		c.conn = nil
	}
}

func (c *Client) readLoop(ctx context.Context, handler func(json.RawMessage)) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		if handler != nil {
			handler(json.RawMessage(data))
		}
	}
}

func (c *Client) pingLoop(ctx context.Context) {
	c.mu.Lock()
	conn := c.conn
	interval := c.pingInterval
	c.mu.Unlock()
	if conn == nil || interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, interval)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				if ctx.Err() == nil {
					c.log.Debug("ws ping failed", zap.Error(err))
				}
				return
			}
		}
	}
}

func (c *Client) logReadLoopError(err error) error {
	status := websocket.CloseStatus(err)
	if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway {
		var closeErr websocket.CloseError
		if errors.As(err, &closeErr) {
			c.log.Info("ws feed closed", zap.Int("status", int(closeErr.Code)), zap.String("reason", closeErr.Reason))
		} else {
			c.log.Info("ws feed closed", zap.Error(err))
		}
		return nil
	}
	c.log.Warn("ws read loop ended", zap.Error(err))
	return err
}

func writeJSON(ctx context.Context, conn *websocket.Conn, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}
