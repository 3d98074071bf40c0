// Package cartesia is a streaming speech synthesis session over Cartesia's
// websocket API. One connection serves a whole conversation; every reply
// gets its own context id so replies never mix.
package cartesia

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"voicetutor/core"
	"voicetutor/utils/wsclient"
)

const (
	defaultCartesiaURL        = "wss://api.cartesia.ai/tts/websocket"
	defaultCartesiaModelID    = "sonic-turbo"
	defaultCartesiaVoiceID    = "729651dc-c6c3-4ee5-97fa-350da1f88600" // Pleasant Man
	defaultCartesiaAPIVersion = "2024-06-10"
	defaultCartesiaLanguage   = "en"

	audioBuffer = 64
)

type CartesiaTTSConfig struct {
	APIKey     string `json:"api_key" yaml:"api_key"`
	BaseURL    string `json:"base_url" yaml:"base_url"`
	ModelID    string `json:"model_id" yaml:"model_id"`
	VoiceID    string `json:"voice_id" yaml:"voice_id"`
	Language   string `json:"language" yaml:"language"`
	APIVersion string `json:"api_version" yaml:"api_version"`
}

type cartesiaTTSRequest struct {
	ModelID    string            `json:"model_id"`
	Transcript string            `json:"transcript"`
	Voice      cartesiaVoice     `json:"voice"`
	OutputFmt  cartesiaOutputFmt `json:"output_format"`
	ContextID  string            `json:"context_id"`
	Continue   bool              `json:"continue"`
	Language   string            `json:"language,omitempty"`
}

type cartesiaVoice struct {
	Mode string `json:"mode"`
	ID   string `json:"id"`
}

type cartesiaOutputFmt struct {
	Container  string `json:"container"`
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sample_rate"`
}

type cartesiaCancelRequest struct {
	ContextID string `json:"context_id"`
	Cancel    bool   `json:"cancel"`
}

type cartesiaResponse struct {
	Type       string `json:"type"`
	ContextID  string `json:"context_id"`
	StatusCode int    `json:"status_code"`
	Done       bool   `json:"done"`
	Error      string `json:"error,omitempty"`
	Data       string `json:"data,omitempty"`
}

// CartesiaTTS holds the session connection and routes incoming audio to the
// stream that owns its context id.
type CartesiaTTS struct {
	config CartesiaTTSConfig
	logger *core.Logger

	mu       sync.Mutex
	conn     *wsclient.Conn
	contexts map[string]*core.Pipe[core.AudioChunk]
	closed   bool

	// ctx bounds audio hand-off to consumers; cancelled by Cleanup
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewCartesiaTTS(config CartesiaTTSConfig, logger *core.Logger) *CartesiaTTS {
	if config.BaseURL == "" {
		config.BaseURL = defaultCartesiaURL
	}
	if config.ModelID == "" {
		config.ModelID = defaultCartesiaModelID
	}
	if config.VoiceID == "" {
		config.VoiceID = defaultCartesiaVoiceID
	}
	if config.APIVersion == "" {
		config.APIVersion = defaultCartesiaAPIVersion
	}
	if config.Language == "" {
		config.Language = defaultCartesiaLanguage
	}
	if logger == nil {
		logger = core.GetLogger()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &CartesiaTTS{
		config:   config,
		logger:   logger,
		contexts: make(map[string]*core.Pipe[core.AudioChunk]),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Init opens the session connection.
func (c *CartesiaTTS) Init(ctx context.Context) error {
	if c.config.APIKey == "" {
		return errors.New("cartesia: API key is required")
	}
	q := url.Values{}
	q.Set("api_key", c.config.APIKey)
	q.Set("cartesia_version", c.config.APIVersion)

	conn, err := wsclient.Dial(ctx, wsclient.Options{
		URL:          c.config.BaseURL + "?" + q.Encode(),
		PingInterval: 25 * time.Second,
	}, c.logger)
	if err != nil {
		return fmt.Errorf("cartesia: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	c.wg.Add(1)
	go c.readLoop(conn)
	c.logger.Info("Cartesia TTS: connected", "model", c.config.ModelID)
	return nil
}

// Cleanup closes the connection and ends every open stream.
func (c *CartesiaTTS) Cleanup() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	c.mu.Unlock()

	c.cancel()
	if conn != nil {
		conn.Close()
	}
	c.wg.Wait()
	c.failAll(io.EOF)
	c.logger.Info("Cartesia TTS: closed")
	return nil
}

// VoiceStream synthesizes fragments as one continuous reply. Nothing is sent
// until the first Next call pulls the first fragment; when fragments is
// empty the stream ends without audio.
func (c *CartesiaTTS) VoiceStream(ctx context.Context, fragments core.Stream[string]) core.Stream[core.AudioChunk] {
	pumpCtx, cancel := context.WithCancel(ctx)
	return &voiceStream{
		tts:       c,
		fragments: fragments,
		ctx:       pumpCtx,
		cancel:    cancel,
		contextID: uuid.NewString(),
		audio:     core.NewPipe[core.AudioChunk](audioBuffer),
	}
}

func (c *CartesiaTTS) buildRequest(transcript, contextID string, cont bool) cartesiaTTSRequest {
	return cartesiaTTSRequest{
		ModelID:    c.config.ModelID,
		Transcript: transcript,
		Voice:      cartesiaVoice{Mode: "id", ID: c.config.VoiceID},
		OutputFmt:  cartesiaOutputFmt{Container: "raw", Encoding: "pcm_s16le", SampleRate: core.SampleRate},
		ContextID:  contextID,
		Continue:   cont,
		Language:   c.config.Language,
	}
}

func (c *CartesiaTTS) send(msg interface{}) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("cartesia: %w: not connected", core.ErrConnection)
	}
	if err := conn.WriteJSON(msg); err != nil {
		return fmt.Errorf("cartesia: %w", err)
	}
	return nil
}

func (c *CartesiaTTS) register(contextID string, p *core.Pipe[core.AudioChunk]) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.conn == nil {
		return fmt.Errorf("cartesia: %w: session closed", core.ErrConnection)
	}
	c.contexts[contextID] = p
	return nil
}

func (c *CartesiaTTS) unregister(contextID string) *core.Pipe[core.AudioChunk] {
	c.mu.Lock()
	defer c.mu.Unlock()
	p := c.contexts[contextID]
	delete(c.contexts, contextID)
	return p
}

func (c *CartesiaTTS) lookup(contextID string) *core.Pipe[core.AudioChunk] {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.contexts[contextID]
}

func (c *CartesiaTTS) failAll(err error) {
	c.mu.Lock()
	pipes := c.contexts
	c.contexts = make(map[string]*core.Pipe[core.AudioChunk])
	c.mu.Unlock()
	for _, p := range pipes {
		p.Close(err)
	}
}

func (c *CartesiaTTS) readLoop(conn *wsclient.Conn) {
	defer c.wg.Done()
	for {
		msgType, msg, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-conn.Closed():
			default:
				c.logger.Error("Cartesia TTS: connection lost", "error", err)
				c.failAll(fmt.Errorf("cartesia: %w: %v", core.ErrConnection, err))
				c.mu.Lock()
				c.conn = nil
				c.mu.Unlock()
			}
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		c.handleTextMessage(msg)
	}
}

func (c *CartesiaTTS) handleTextMessage(msg []byte) {
	var resp cartesiaResponse
	if err := sonic.Unmarshal(msg, &resp); err != nil {
		c.logger.Warnf("Cartesia TTS: failed to parse message: %v", err)
		return
	}

	switch resp.Type {
	case "chunk":
		p := c.lookup(resp.ContextID)
		if p == nil || resp.Data == "" {
			return
		}
		audio, err := base64.StdEncoding.DecodeString(resp.Data)
		if err != nil {
			c.logger.Warnf("Cartesia TTS: bad audio in chunk: %v", err)
			return
		}
		// A consumer that went away closes its pipe, which fails Send.
		_ = p.Send(c.ctx, core.NewPCMChunk(audio))
	case "done":
		if p := c.unregister(resp.ContextID); p != nil {
			p.Close(nil)
		}
		c.logger.Debugf("Cartesia TTS: context %s done", resp.ContextID)
	case "error":
		if p := c.unregister(resp.ContextID); p != nil {
			p.Close(fmt.Errorf("cartesia: error (status %d): %s", resp.StatusCode, resp.Error))
		}
		c.logger.Error("Cartesia TTS: server error", "status", resp.StatusCode, "error", resp.Error)
	}
}

// voiceStream is the audio side of one reply.
type voiceStream struct {
	tts       *CartesiaTTS
	fragments core.Stream[string]
	ctx       context.Context
	cancel    context.CancelFunc
	contextID string
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
	first, err := firstFragment(ctx, v.fragments)
	if errors.Is(err, core.ErrEmptyInput) {
		v.tts.logger.Info("Cartesia TTS: empty input, nothing to speak")
		v.audio.Close(nil)
		return nil
	}
	if err != nil {
		return err
	}

	if err := v.tts.register(v.contextID, v.audio); err != nil {
		return err
	}
	if err := v.tts.send(v.tts.buildRequest(first, v.contextID, true)); err != nil {
		v.tts.unregister(v.contextID)
		return err
	}

	go v.pump()
	return nil
}

// pump forwards the remaining fragments as continuations and ends the
// context once they run out.
func (v *voiceStream) pump() {
	for {
		text, err := v.fragments.Next(v.ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			if v.ctx.Err() == nil {
				v.audio.Close(err)
			}
			return
		}
		if strings.TrimSpace(text) == "" {
			continue
		}
		if err := v.tts.send(v.tts.buildRequest(text, v.contextID, true)); err != nil {
			v.audio.Close(err)
			return
		}
	}
	if err := v.tts.send(v.tts.buildRequest("", v.contextID, false)); err != nil {
		v.audio.Close(err)
	}
}

// Close abandons the reply. If audio was still expected the server is told
// to cancel the context.
func (v *voiceStream) Close() error {
	v.closeOnce.Do(func() {
		v.cancel()
		v.audio.Close(nil)
		if p := v.tts.unregister(v.contextID); p != nil {
			if err := v.tts.send(cartesiaCancelRequest{ContextID: v.contextID, Cancel: true}); err != nil {
				v.tts.logger.Debug("Cartesia TTS: cancel failed", "context", v.contextID, "error", err)
			}
		}
	})
	return nil
}

// firstFragment skips blank fragments. It returns core.ErrEmptyInput when
// the stream ends before anything speakable arrives.
func firstFragment(ctx context.Context, fragments core.Stream[string]) (string, error) {
	for {
		text, err := fragments.Next(ctx)
		if err == io.EOF {
			return "", core.ErrEmptyInput
		}
		if err != nil {
			return "", err
		}
		if strings.TrimSpace(text) != "" {
			return text, nil
		}
	}
}
