// Package websocket is the client-facing chat transport: one upgraded
// connection per session, JSON envelopes in both directions.
package websocket

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"voicetutor/core"
	"voicetutor/protocol"
	"voicetutor/utils/audio"
)

var ErrClosed = errors.New("websocket: connection closed")

type Options struct {
	// Encoding is the audio format the client sends and expects back.
	Encoding     core.AudioEncodingFormat
	PingInterval time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

func (o *Options) applyDefaults() {
	if o.PingInterval <= 0 {
		o.PingInterval = 20 * time.Second
	}
	if o.ReadTimeout <= 0 {
		o.ReadTimeout = 60 * time.Second
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 10 * time.Second
	}
}

// Handlers receive decoded client messages on the read goroutine.
type Handlers struct {
	// OnAudio gets PCM16 already converted from the client encoding.
	OnAudio  func(pcm []byte)
	OnInput  func(in protocol.InputData)
	OnFinish func()
}

// Upgrader accepts any origin; the HTTP API applies CORS separately.
var Upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// WebSocketService is one client connection.
type WebSocketService struct {
	conn   *websocket.Conn
	opts   Options
	logger *core.Logger
	mu     sync.Mutex // protects writes

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Upgrade completes the handshake and starts the heartbeat.
func Upgrade(w http.ResponseWriter, r *http.Request, opts Options, logger *core.Logger) (*WebSocketService, error) {
	conn, err := Upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, fmt.Errorf("websocket upgrade: %w", err)
	}
	return NewWebSocketService(conn, opts, logger), nil
}

// NewWebSocketService wraps an existing connection.
func NewWebSocketService(conn *websocket.Conn, opts Options, logger *core.Logger) *WebSocketService {
	opts.applyDefaults()
	if logger == nil {
		logger = core.GetLogger()
	}
	ws := &WebSocketService{
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
	ws.wg.Add(1)
	go ws.heartbeat()
	return ws
}

// Send writes one protocol message.
func (ws *WebSocketService) Send(msg protocol.Message) error {
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	return ws.write(websocket.TextMessage, data)
}

// SendAudio encodes a pipeline chunk for the client and sends it as an
// audio message.
func (ws *WebSocketService) SendAudio(chunk core.AudioChunk) error {
	data, err := audio.Encode(chunk, ws.opts.Encoding)
	if err != nil {
		return err
	}
	return ws.Send(protocol.Audio(base64.StdEncoding.EncodeToString(data)))
}

func (ws *WebSocketService) write(messageType int, data []byte) error {
	ws.mu.Lock()
	defer ws.mu.Unlock()

	select {
	case <-ws.done:
		return ErrClosed
	default:
	}
	ws.conn.SetWriteDeadline(time.Now().Add(ws.opts.WriteTimeout))
	return ws.conn.WriteMessage(messageType, data)
}

// StartReceiving reads client messages until the connection ends or ctx is
// cancelled. A clean close by the client returns nil.
func (ws *WebSocketService) StartReceiving(ctx context.Context, h Handlers) error {
	stop := context.AfterFunc(ctx, func() { ws.Close() })
	defer stop()

	for {
		messageType, msg, err := ws.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			select {
			case <-ws.done:
				return nil
			default:
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return err
		}
		ws.conn.SetReadDeadline(time.Now().Add(ws.opts.ReadTimeout))

		switch messageType {
		case websocket.BinaryMessage:
			// raw frames are audio in the configured encoding
			ws.handleAudio(msg, h)
		case websocket.TextMessage:
			ws.handleText(msg, h)
		}
	}
}

func (ws *WebSocketService) handleText(msg []byte, h Handlers) {
	msgType, raw, err := protocol.Decode(msg)
	if err != nil {
		ws.logger.Warn("dropping malformed client message", "error", err)
		return
	}

	switch msgType {
	case protocol.MsgAudio:
		b64, err := protocol.DecodeData[string](raw)
		if err != nil {
			ws.logger.Warn("dropping malformed audio message", "error", err)
			return
		}
		data, err := base64.StdEncoding.DecodeString(b64)
		if err != nil {
			ws.logger.Warn("dropping audio with invalid base64", "error", err)
			return
		}
		ws.handleAudio(data, h)
	case protocol.MsgInput:
		in, err := protocol.DecodeData[protocol.InputData](raw)
		if err != nil {
			ws.logger.Warn("dropping malformed input message", "error", err)
			return
		}
		if h.OnInput != nil {
			h.OnInput(in)
		}
	case protocol.MsgFinish:
		if h.OnFinish != nil {
			h.OnFinish()
		}
	default:
		ws.logger.Debug("ignoring client message", "type", msgType)
	}
}

func (ws *WebSocketService) handleAudio(data []byte, h Handlers) {
	if h.OnAudio == nil || len(data) == 0 {
		return
	}
	pcm, err := audio.Decode(data, ws.opts.Encoding)
	if err != nil {
		ws.logger.Debug("dropping undecodable audio", "error", err, "encoding", ws.opts.Encoding)
		return
	}
	h.OnAudio(pcm)
}

// Close sends a close frame and shuts the connection down. Safe to call
// more than once.
func (ws *WebSocketService) Close() error {
	var err error
	ws.closeOnce.Do(func() {
		ws.mu.Lock()
		close(ws.done)
		ws.conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
		_ = ws.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		err = ws.conn.Close()
		ws.mu.Unlock()
		ws.wg.Wait()
	})
	return err
}

func (ws *WebSocketService) heartbeat() {
	defer ws.wg.Done()
	ticker := time.NewTicker(ws.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ws.done:
			return
		case <-ticker.C:
			ws.mu.Lock()
			ws.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			err := ws.conn.WriteMessage(websocket.PingMessage, nil)
			ws.mu.Unlock()
			if err != nil {
				ws.logger.Infof("heartbeat ping failed, closing connection: %v", err)
				ws.conn.Close()
				return
			}
		}
	}
}
