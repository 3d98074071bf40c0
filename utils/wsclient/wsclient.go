// Package wsclient is the outbound websocket plumbing shared by the streaming
// synthesis services: dial with retry, serialized writes, read deadlines
// refreshed by pongs and a ping heartbeat.
package wsclient

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"

	"voicetutor/core"
)

type Options struct {
	URL              string
	Header           http.Header
	MaxRetries       int
	BaseDelay        time.Duration
	HandshakeTimeout time.Duration
	ReadTimeout      time.Duration
	WriteTimeout     time.Duration
	// PingInterval of zero disables the heartbeat.
	PingInterval time.Duration
}

func (o *Options) applyDefaults() {
	if o.MaxRetries <= 0 {
		o.MaxRetries = 3
	}
	if o.BaseDelay <= 0 {
		o.BaseDelay = 500 * time.Millisecond
	}
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = 10 * time.Second
	}
	if o.ReadTimeout <= 0 {
		o.ReadTimeout = 60 * time.Second
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 10 * time.Second
	}
}

type Conn struct {
	conn    *websocket.Conn
	opts    Options
	logger  *core.Logger
	writeMu sync.Mutex

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Dial connects with linear backoff between attempts. The returned error
// wraps core.ErrConnection.
func Dial(ctx context.Context, opts Options, logger *core.Logger) (*Conn, error) {
	opts.applyDefaults()
	if logger == nil {
		logger = core.GetLogger()
	}
	dialer := &websocket.Dialer{HandshakeTimeout: opts.HandshakeTimeout}

	var lastErr error
	for attempt := 0; attempt < opts.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := opts.BaseDelay * time.Duration(attempt)
			logger.Infof("retrying websocket dial (attempt %d/%d) in %v after: %v",
				attempt+1, opts.MaxRetries, delay, lastErr)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}
		conn, _, err := dialer.DialContext(ctx, opts.URL, opts.Header)
		if err != nil {
			lastErr = err
			continue
		}
		return newConn(conn, opts, logger), nil
	}
	return nil, fmt.Errorf("%w after %d attempts: %v", core.ErrConnection, opts.MaxRetries, lastErr)
}

func newConn(conn *websocket.Conn, opts Options, logger *core.Logger) *Conn {
	c := &Conn{
		conn:   conn,
		opts:   opts,
		logger: logger,
		done:   make(chan struct{}),
	}
	conn.SetReadDeadline(time.Now().Add(opts.ReadTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(opts.ReadTimeout))
		return nil
	})
	if opts.PingInterval > 0 {
		c.wg.Add(1)
		go c.heartbeat()
	}
	return c
}

func (c *Conn) WriteJSON(v interface{}) error {
	data, err := sonic.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	return c.write(websocket.TextMessage, data)
}

func (c *Conn) WriteBinary(data []byte) error {
	return c.write(websocket.BinaryMessage, data)
}

func (c *Conn) write(messageType int, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
	if err := c.conn.WriteMessage(messageType, data); err != nil {
		return fmt.Errorf("%w: %v", core.ErrConnection, err)
	}
	return nil
}

// ReadMessage blocks for the next frame. Only one goroutine may read.
func (c *Conn) ReadMessage() (int, []byte, error) {
	c.conn.SetReadDeadline(time.Now().Add(c.opts.ReadTimeout))
	return c.conn.ReadMessage()
}

// Closed is closed after Close.
func (c *Conn) Closed() <-chan struct{} { return c.done }

// Close sends a close frame and releases the socket. Safe to call twice.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		c.writeMu.Lock()
		c.conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
		_ = c.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		err = c.conn.Close()
		c.writeMu.Unlock()
		c.wg.Wait()
	})
	return err
}

func (c *Conn) heartbeat() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			err := c.conn.WriteMessage(websocket.PingMessage, nil)
			c.writeMu.Unlock()
			if err != nil {
				c.logger.Infof("heartbeat ping failed, closing connection: %v", err)
				c.conn.Close()
				return
			}
		}
	}
}
