// Package tts is a streaming speech synthesis session over Deepgram's speak
// websocket. The speak API has no contexts, so one reply is in flight at a
// time: Speak per fragment, Flush at the end, Clear to abandon.
package tts

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"

	"voicetutor/core"
	"voicetutor/utils/wsclient"
)

// Deepgram closes the socket with DATA-0001 past this many buffered chars.
const maxCharsBeforeFlush = 2000

type DeepgramTTSConfig struct {
	APIKey  string `json:"api_key" yaml:"api_key"`
	BaseURL string `json:"base_url" yaml:"base_url"`
	Model   string `json:"model" yaml:"model"`
}

func DefaultConfig() DeepgramTTSConfig {
	return DeepgramTTSConfig{
		BaseURL: "wss://api.deepgram.com/v1/speak",
		Model:   "aura-2-thalia-en",
	}
}

type (
	speakV1Text struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}

	speakV1Control struct {
		Type string `json:"type"`
	}

	speakV1Event struct {
		Type        string  `json:"type"`
		SequenceID  float64 `json:"sequence_id"`
		ModelName   string  `json:"model_name"`
		Description string  `json:"description"`
		Code        string  `json:"code"`
	}
)

type DeepgramTTS struct {
	config DeepgramTTSConfig
	logger *core.Logger

	mu       sync.Mutex
	conn     *wsclient.Conn
	current  *core.Pipe[core.AudioChunk]
	clearing bool
	closed   bool
	// flushes sent for current and not yet acknowledged
	pending   int
	finalSent bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewDeepgramTTS(config DeepgramTTSConfig, logger *core.Logger) *DeepgramTTS {
	defaults := DefaultConfig()
	if config.BaseURL == "" {
		config.BaseURL = defaults.BaseURL
	}
	if config.Model == "" {
		config.Model = defaults.Model
	}
	if logger == nil {
		logger = core.GetLogger()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &DeepgramTTS{config: config, logger: logger, ctx: ctx, cancel: cancel}
}

func (d *DeepgramTTS) Init(ctx context.Context) error {
	if d.config.APIKey == "" {
		return errors.New("deepgram tts: API key is required")
	}
	q := url.Values{}
	q.Set("model", d.config.Model)
	q.Set("encoding", "linear16")
	q.Set("sample_rate", strconv.Itoa(core.SampleRate))

	conn, err := wsclient.Dial(ctx, wsclient.Options{
		URL:    d.config.BaseURL + "?" + q.Encode(),
		Header: map[string][]string{"Authorization": {"Token " + d.config.APIKey}},
		// under Deepgram's ~10s idle timeout
		PingInterval: 8 * time.Second,
	}, d.logger)
	if err != nil {
		return fmt.Errorf("deepgram tts: %w", err)
	}

	d.mu.Lock()
	d.conn = conn
	d.mu.Unlock()

	d.wg.Add(1)
	go d.readLoop(conn)
	d.logger.Info("Deepgram TTS: connected", "model", d.config.Model)
	return nil
}

func (d *DeepgramTTS) Cleanup() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	conn := d.conn
	current := d.current
	d.current = nil
	d.mu.Unlock()

	d.cancel()
	if conn != nil {
		_ = conn.WriteJSON(speakV1Control{Type: "Close"})
		conn.Close()
	}
	d.wg.Wait()
	if current != nil {
		current.Close(nil)
	}
	d.logger.Info("Deepgram TTS: closed")
	return nil
}

// VoiceStream speaks fragments as one reply. A new stream takes over the
// connection from any earlier one.
func (d *DeepgramTTS) VoiceStream(ctx context.Context, fragments core.Stream[string]) core.Stream[core.AudioChunk] {
	pumpCtx, cancel := context.WithCancel(ctx)
	return &voiceStream{
		tts:       d,
		fragments: fragments,
		ctx:       pumpCtx,
		cancel:    cancel,
		audio:     core.NewPipe[core.AudioChunk](64),
	}
}

func (d *DeepgramTTS) send(msg interface{}) error {
	d.mu.Lock()
	conn := d.conn
	d.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("deepgram tts: %w: not connected", core.ErrConnection)
	}
	if err := conn.WriteJSON(msg); err != nil {
		return fmt.Errorf("deepgram tts: %w", err)
	}
	return nil
}

func (d *DeepgramTTS) attach(p *core.Pipe[core.AudioChunk]) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed || d.conn == nil {
		return fmt.Errorf("deepgram tts: %w: session closed", core.ErrConnection)
	}
	if d.current != nil {
		d.current.Close(core.ErrSuperseded)
	}
	d.current = p
	d.pending, d.finalSent = 0, false
	return nil
}

// flush sends a Flush for the attached reply. The reply ends when the final
// flush is acknowledged.
func (d *DeepgramTTS) flush(final bool) error {
	d.mu.Lock()
	d.pending++
	if final {
		d.finalSent = true
	}
	d.mu.Unlock()
	return d.send(speakV1Control{Type: "Flush"})
}

// detach releases p and reports whether it was still attached.
func (d *DeepgramTTS) detach(p *core.Pipe[core.AudioChunk], clearing bool) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.current != p {
		return false
	}
	d.current = nil
	d.clearing = clearing
	return true
}

func (d *DeepgramTTS) readLoop(conn *wsclient.Conn) {
	defer d.wg.Done()
	for {
		msgType, msg, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-conn.Closed():
			default:
				d.logger.Error("Deepgram TTS: connection lost", "error", err)
				d.mu.Lock()
				current := d.current
				d.current = nil
				d.conn = nil
				d.mu.Unlock()
				if current != nil {
					current.Close(fmt.Errorf("deepgram tts: %w: %v", core.ErrConnection, err))
				}
			}
			return
		}

		switch msgType {
		case websocket.BinaryMessage:
			d.mu.Lock()
			p, clearing := d.current, d.clearing
			d.mu.Unlock()
			if p == nil || clearing {
				continue
			}
			data := make([]byte, len(msg))
			copy(data, msg)
			_ = p.Send(d.ctx, core.NewPCMChunk(data))
		case websocket.TextMessage:
			d.handleTextMessage(msg)
		}
	}
}

func (d *DeepgramTTS) handleTextMessage(msg []byte) {
	var ev speakV1Event
	if err := sonic.Unmarshal(msg, &ev); err != nil {
		d.logger.Warnf("Deepgram TTS: failed to parse message: %v", err)
		return
	}

	switch ev.Type {
	case "Metadata":
		d.logger.Debugf("Deepgram TTS: metadata, model=%s", ev.ModelName)
	case "Flushed":
		d.mu.Lock()
		var done *core.Pipe[core.AudioChunk]
		if d.pending > 0 {
			d.pending--
		}
		if d.current != nil && d.pending == 0 && d.finalSent {
			done = d.current
			d.current = nil
		}
		d.mu.Unlock()
		if done != nil {
			done.Close(nil)
		}
	case "Cleared":
		d.mu.Lock()
		d.clearing = false
		d.mu.Unlock()
	case "Warning":
		d.logger.Warnf("Deepgram TTS: warning: %s (code: %s)", ev.Description, ev.Code)
	case "Error":
		d.mu.Lock()
		p := d.current
		d.current = nil
		d.mu.Unlock()
		err := fmt.Errorf("deepgram tts: %s (code: %s)", ev.Description, ev.Code)
		if p != nil {
			p.Close(err)
		}
		d.logger.Error("Deepgram TTS: server error", "error", err)
	}
}

type voiceStream struct {
	tts       *DeepgramTTS
	fragments core.Stream[string]
	ctx       context.Context
	cancel    context.CancelFunc
	audio     *core.Pipe[core.AudioChunk]

	startOnce sync.Once
	startErr  error
	closeOnce sync.Once
}

func (v *voiceStream) Next(ctx context.Context) (core.AudioChunk, error) {
	v.startOnce.Do(func() { v.startErr = v.start(ctx) })
	if v.startErr != nil {
		return core.AudioChunk{}, v.startErr
	}
	return v.audio.Next(ctx)
}

func (v *voiceStream) start(ctx context.Context) error {
	first, err := v.nextText(ctx)
	if err == io.EOF {
		v.tts.logger.Info("Deepgram TTS: empty input, nothing to speak")
		v.audio.Close(nil)
		return nil
	}
	if err != nil {
		return err
	}
	if err := v.tts.attach(v.audio); err != nil {
		return err
	}
	if err := v.tts.send(speakV1Text{Type: "Speak", Text: first}); err != nil {
		v.tts.detach(v.audio, false)
		return err
	}
	go v.pump(len(first))
	return nil
}

func (v *voiceStream) nextText(ctx context.Context) (string, error) {
	for {
		text, err := v.fragments.Next(ctx)
		if err != nil {
			return "", err
		}
		if strings.TrimSpace(text) != "" {
			return text, nil
		}
	}
}

func (v *voiceStream) pump(chars int) {
	for {
		text, err := v.nextText(v.ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			if v.ctx.Err() == nil {
				v.audio.Close(err)
			}
			return
		}
		// Flush early rather than let the server drop the socket.
		if chars+len(text) > maxCharsBeforeFlush {
			if err := v.tts.flush(false); err != nil {
				v.audio.Close(err)
				return
			}
			chars = 0
		}
		chars += len(text)
		if err := v.tts.send(speakV1Text{Type: "Speak", Text: text}); err != nil {
			v.audio.Close(err)
			return
		}
	}
	if err := v.tts.flush(true); err != nil {
		v.audio.Close(err)
	}
}

// Close abandons the reply; pending audio is cleared on the server.
func (v *voiceStream) Close() error {
	v.closeOnce.Do(func() {
		v.cancel()
		v.audio.Close(nil)
		if v.tts.detach(v.audio, true) {
			if err := v.tts.send(speakV1Control{Type: "Clear"}); err != nil {
				v.tts.logger.Debug("Deepgram TTS: clear failed", "error", err)
			}
		}
	})
	return nil
}
