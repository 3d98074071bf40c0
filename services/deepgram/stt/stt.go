// Package stt is a live transcription session over Deepgram's streaming
// listen websocket. One session serves one conversation.
package stt

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"voicetutor/core"
)

const defaultBaseURL = "wss://api.deepgram.com"

// Callbacks receive recognition events. They run on the session's read
// goroutine and should return quickly.
type Callbacks struct {
	// OnResult fires once per completed utterance.
	OnResult func(words []core.Word, id string)
	// OnChunk fires for every finalized segment of the current utterance.
	OnChunk func(words []core.Word, id string)
	// OnText fires for every non-empty interim or final result.
	OnText func(words []core.Word)
}

type DeepgramConfig struct {
	APIKey            string            `json:"api_key" yaml:"api_key"`
	BaseURL           string            `json:"base_url" yaml:"base_url"`
	Model             string            `json:"model" yaml:"model"`
	Language          string            `json:"language" yaml:"language"`
	InterimResults    bool              `json:"interim_results" yaml:"interim_results"`
	Punctuate         bool              `json:"punctuate" yaml:"punctuate"`
	NoDelay           bool              `json:"no_delay" yaml:"no_delay"`
	EndpointingMs     int               `json:"endpointing" yaml:"endpointing"`
	UtteranceEndMs    int               `json:"utterance_end_ms" yaml:"utterance_end_ms"`
	Keyterms          []string          `json:"keyterms" yaml:"keyterms"`
	KeepAliveInterval time.Duration     `json:"keep_alive_interval" yaml:"keep_alive_interval"`
	Extra             map[string]string `json:"extra" yaml:"extra"`
}

func DefaultConfig() *DeepgramConfig {
	return &DeepgramConfig{
		BaseURL:           defaultBaseURL,
		Model:             "nova-3",
		Language:          "en",
		InterimResults:    true,
		Punctuate:         true,
		NoDelay:           true,
		EndpointingMs:     300,
		UtteranceEndMs:    1000,
		KeepAliveInterval: 10 * time.Second,
	}
}

type DeepgramSTTService struct {
	config *DeepgramConfig
	logger *core.Logger
	dialer *websocket.Dialer

	conn   *websocket.Conn
	connMu sync.Mutex

	cbMu      sync.RWMutex
	callbacks Callbacks
	onFault   func(error)

	// utterance state, owned by the read goroutine
	words       []core.Word
	utteranceID string

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

func NewDeepgramSTTService(config *DeepgramConfig, logger *core.Logger) *DeepgramSTTService {
	if config == nil {
		config = DefaultConfig()
	}
	if config.BaseURL == "" {
		config.BaseURL = defaultBaseURL
	}
	if config.KeepAliveInterval <= 0 {
		config.KeepAliveInterval = 10 * time.Second
	}
	if logger == nil {
		logger = core.GetLogger()
	}
	return &DeepgramSTTService{
		config:      config,
		logger:      logger,
		dialer:      &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		utteranceID: uuid.NewString(),
		done:        make(chan struct{}),
	}
}

// OnTranscription installs the recognition callbacks.
func (d *DeepgramSTTService) OnTranscription(cb Callbacks) {
	d.cbMu.Lock()
	d.callbacks = cb
	d.cbMu.Unlock()
}

// OnFault is called once if the connection drops while the session is open.
func (d *DeepgramSTTService) OnFault(fn func(error)) {
	d.cbMu.Lock()
	d.onFault = fn
	d.cbMu.Unlock()
}

// Init opens the live connection and starts the read and keep-alive loops.
func (d *DeepgramSTTService) Init(ctx context.Context) error {
	if d.config.APIKey == "" {
		return errors.New("deepgram: api key is required")
	}
	wsURL, err := d.buildWebSocketURL()
	if err != nil {
		return fmt.Errorf("deepgram: build url: %w", err)
	}
	headers := map[string][]string{
		"Authorization": {"Token " + d.config.APIKey},
	}
	conn, _, err := d.dialer.DialContext(ctx, wsURL, headers)
	if err != nil {
		return fmt.Errorf("deepgram: %w: %v", core.ErrConnection, err)
	}

	d.connMu.Lock()
	d.conn = conn
	d.connMu.Unlock()

	d.wg.Add(2)
	go d.readLoop(conn)
	go d.keepAlive()

	d.logger.Info("Deepgram STT: connected", "model", d.config.Model)
	return nil
}

// Transcript forwards one frame of PCM16 audio.
func (d *DeepgramSTTService) Transcript(audio []byte) error {
	d.connMu.Lock()
	defer d.connMu.Unlock()
	if d.conn == nil {
		return fmt.Errorf("deepgram: %w: not connected", core.ErrConnection)
	}
	if err := d.conn.WriteMessage(websocket.BinaryMessage, audio); err != nil {
		return fmt.Errorf("deepgram: %w: %v", core.ErrConnection, err)
	}
	return nil
}

// Finalize asks the recognizer to flush pending audio into a final result.
func (d *DeepgramSTTService) Finalize() error {
	return d.sendControl("Finalize")
}

// Cleanup stops the timers, sends CloseStream and closes the socket. It is
// safe to call more than once.
func (d *DeepgramSTTService) Cleanup() error {
	d.closeOnce.Do(func() {
		close(d.done)
		_ = d.sendControl("CloseStream")

		d.connMu.Lock()
		if d.conn != nil {
			_ = d.conn.Close()
			d.conn = nil
		}
		d.connMu.Unlock()

		d.wg.Wait()
		d.logger.Info("Deepgram STT: closed")
	})
	return nil
}

func (d *DeepgramSTTService) sendControl(kind string) error {
	msg, err := sonic.Marshal(ListenV1Control{Type: kind})
	if err != nil {
		return err
	}
	d.connMu.Lock()
	defer d.connMu.Unlock()
	if d.conn == nil {
		return nil
	}
	return d.conn.WriteMessage(websocket.TextMessage, msg)
}

func (d *DeepgramSTTService) keepAlive() {
	defer d.wg.Done()
	ticker := time.NewTicker(d.config.KeepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.done:
			return
		case <-ticker.C:
			if err := d.sendControl("KeepAlive"); err != nil {
				d.logger.Debug("Deepgram STT: keep-alive failed", "error", err)
			}
		}
	}
}

func (d *DeepgramSTTService) readLoop(conn *websocket.Conn) {
	defer d.wg.Done()
	for {
		messageType, message, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-d.done:
			default:
				d.fault(fmt.Errorf("deepgram: %w: %v", core.ErrConnection, err))
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		if err := d.handleMessage(message); err != nil {
			d.logger.Warn("Deepgram STT: bad message", "error", err)
		}
	}
}

func (d *DeepgramSTTService) fault(err error) {
	d.cbMu.RLock()
	fn := d.onFault
	d.cbMu.RUnlock()
	d.logger.Error("Deepgram STT: connection lost", "error", err)
	if fn != nil {
		fn(err)
	}
}

func (d *DeepgramSTTService) buildWebSocketURL() (string, error) {
	base, err := url.Parse(d.config.BaseURL + "/v1/listen")
	if err != nil {
		return "", err
	}

	q := base.Query()
	if d.config.Model != "" {
		q.Set("model", d.config.Model)
	}
	if d.config.Language != "" {
		q.Set("language", d.config.Language)
	}
	q.Set("interim_results", strconv.FormatBool(d.config.InterimResults))
	q.Set("punctuate", strconv.FormatBool(d.config.Punctuate))
	q.Set("no_delay", strconv.FormatBool(d.config.NoDelay))
	if d.config.EndpointingMs > 0 {
		q.Set("endpointing", strconv.Itoa(d.config.EndpointingMs))
	}
	if d.config.UtteranceEndMs > 0 {
		q.Set("utterance_end_ms", strconv.Itoa(d.config.UtteranceEndMs))
	}
	q.Set("encoding", "linear16")
	q.Set("sample_rate", strconv.Itoa(core.SampleRate))
	q.Set("channels", strconv.Itoa(core.Channels))

	for _, keyterm := range d.config.Keyterms {
		q.Add("keyterm", keyterm)
	}
	for key, value := range d.config.Extra {
		q.Set(key, value)
	}

	base.RawQuery = q.Encode()
	return base.String(), nil
}

func (d *DeepgramSTTService) handleMessage(message []byte) error {
	var base struct {
		Type string `json:"type"`
	}
	if err := sonic.Unmarshal(message, &base); err != nil {
		return fmt.Errorf("parse message type: %w", err)
	}

	switch base.Type {
	case "Results":
		var result ListenV1Results
		if err := sonic.Unmarshal(message, &result); err != nil {
			return fmt.Errorf("parse results: %w", err)
		}
		d.processResults(result)

	case "UtteranceEnd":
		ignored := len(d.words) == 0
		d.logger.Debug("Deepgram STT: utterance end", "ignored", ignored)
		if !ignored {
			d.flush()
		}

	case "Metadata", "SpeechStarted":

	case "Error":
		var e ListenV1Error
		_ = sonic.Unmarshal(message, &e)
		d.logger.Error("Deepgram STT: server error", "description", e.Description, "message", e.Message)

	default:
		return fmt.Errorf("unknown message type: %s", base.Type)
	}
	return nil
}

func (d *DeepgramSTTService) processResults(result ListenV1Results) {
	var words []core.Word
	if len(result.Channel.Alternatives) > 0 {
		for _, w := range result.Channel.Alternatives[0].Words {
			text := w.PunctuatedWord
			if text == "" {
				text = w.Word
			}
			words = append(words, core.Word{Word: text, Confidence: w.Confidence})
		}
	}

	d.cbMu.RLock()
	cb := d.callbacks
	d.cbMu.RUnlock()

	if len(words) > 0 {
		if cb.OnText != nil {
			cb.OnText(words)
		}
		if result.IsFinal {
			if cb.OnChunk != nil {
				cb.OnChunk(words, d.utteranceID)
			}
			d.words = append(d.words, words...)
		}
	}

	if result.SpeechFinal {
		d.flush()
	}
}

// flush ends the current utterance. An empty utterance fires nothing but
// still rotates the id.
func (d *DeepgramSTTService) flush() {
	words, id := d.words, d.utteranceID
	d.words = nil
	d.utteranceID = uuid.NewString()

	if len(words) == 0 {
		return
	}
	d.cbMu.RLock()
	onResult := d.callbacks.OnResult
	d.cbMu.RUnlock()
	if onResult != nil {
		onResult(words, id)
	}
}
