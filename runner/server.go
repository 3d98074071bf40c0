// Package runner serves the tutor over HTTP: the voice and text chat
// websockets, the mistakes API, health and metrics.
package runner

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/cors"

	"voicetutor/core"
	"voicetutor/factories"
	"voicetutor/storage/mistakes"
	"voicetutor/telemetry"
)

// Builders create the vendor sessions of one conversation.
type Builders struct {
	STT func(logger *core.Logger) (factories.STTService, error)
	TTS func(logger *core.Logger) (factories.TTSService, error)
	LLM func(logger *core.Logger) (factories.LLMService, error)
}

// BuildersFromSettings builds every session from the configured providers.
func BuildersFromSettings(s factories.Settings) Builders {
	return Builders{
		STT: func(logger *core.Logger) (factories.STTService, error) {
			return factories.BuildSTTService(s.STT, logger)
		},
		TTS: func(logger *core.Logger) (factories.TTSService, error) {
			return factories.BuildTTSService(s.TTS, logger)
		},
		LLM: func(logger *core.Logger) (factories.LLMService, error) {
			return factories.BuildLLMService(s.LLM, logger)
		},
	}
}

// MistakeStore is the read/write side of the mistakes API.
type MistakeStore interface {
	CreateMany(ctx context.Context, utteranceID string, ms []core.Mistake) ([]mistakes.SavedMistake, error)
	List(ctx context.Context) ([]mistakes.SavedMistake, error)
	Get(ctx context.Context, id string) (mistakes.SavedMistake, error)
}

type Deps struct {
	Settings factories.Settings
	Builders Builders
	Store    MistakeStore
	// Sink receives mistakes reported during chats. Defaults to Store when
	// it can save.
	Sink    mistakes.Sink
	Metrics *telemetry.Metrics
}

type Server struct {
	settings factories.Settings
	builders Builders
	store    MistakeStore
	sink     mistakes.Sink
	metrics  *telemetry.Metrics
	pipeline *factories.Pipeline
	logger   *core.Logger

	httpServer *http.Server

	// sessions outlive their hijacked requests; they stop on sessionsCtx
	sessionsCtx    context.Context
	cancelSessions context.CancelFunc
	sessions       sync.WaitGroup
}

func NewServer(deps Deps, logger *core.Logger) *Server {
	if logger == nil {
		logger = core.GetLogger()
	}
	if deps.Metrics == nil {
		deps.Metrics = telemetry.Nop()
	}
	if deps.Sink == nil {
		if sink, ok := deps.Store.(mistakes.Sink); ok {
			deps.Sink = sink
		}
	}
	s := &Server{
		settings: deps.Settings,
		builders: deps.Builders,
		store:    deps.Store,
		sink:     deps.Sink,
		metrics:  deps.Metrics,
		pipeline: factories.NewPipeline(factories.PipelineConfig{Timeout: deps.Settings.Session.Timeout}, logger),
		logger:   logger.With(map[string]interface{}{"component": "server"}),
	}
	s.sessionsCtx, s.cancelSessions = context.WithCancel(context.Background())
	s.httpServer = &http.Server{
		Addr:              net.JoinHostPort(deps.Settings.HTTP.Bind, strconv.Itoa(deps.Settings.HTTP.Port)),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the routed, CORS-wrapped HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/ws/voice-chat", s.serveVoiceChat)
	mux.HandleFunc("GET /v1/ws/text-chat", s.serveTextChat)
	mux.HandleFunc("GET /v1/hello-world", s.helloWorld)
	mux.HandleFunc("GET /v1/mistakes", s.listMistakes)
	mux.HandleFunc("POST /v1/mistakes", s.createMistakes)
	mux.HandleFunc("GET /v1/mistakes/{id}", s.getMistake)
	mux.Handle("GET /metrics", s.metrics.Handler())

	origins := s.settings.HTTP.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	return cors.New(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"*"},
	}).Handler(mux)
}

// ListenAndServe blocks until the listener fails or Shutdown is called.
func (s *Server) ListenAndServe() error {
	s.logger.Info("Server has been started", "addr", s.httpServer.Addr, "env", s.settings.Environment)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Shutdown stops accepting connections and lets open chat sessions finish
// until ctx ends. Sessions still running then are cancelled.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.httpServer.Shutdown(ctx)

	done := make(chan struct{})
	go func() {
		s.sessions.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warn("grace period over, closing open sessions")
		s.cancelSessions()
		<-done
	}
	s.cancelSessions()
	return err
}

// track runs one websocket session on the server's session context.
func (s *Server) track(r *http.Request, kind string, fn factories.SessionFunc) {
	s.sessions.Add(1)
	defer s.sessions.Done()

	ctx, cancel := context.WithCancel(s.sessionsCtx)
	defer cancel()
	ctx, logger, closeLog := s.sessionLogger(ctx, kind)
	defer closeLog()
	defer s.metrics.SessionOpened(kind)()

	logger.Info("opened", "remote", r.RemoteAddr)
	if err := s.pipeline.Run(ctx, kind, fn); err != nil && !errors.Is(err, context.Canceled) {
		logger.Warn("session ended with error", "error", err)
	}
	logger.Info("closed")
}

// sessionLogger attaches a fresh session id and, when configured, a jsonl
// file writer. The returned func closes the writer.
func (s *Server) sessionLogger(ctx context.Context, kind string) (context.Context, *core.Logger, func()) {
	sessionID := uuid.NewString()
	base := s.logger.With(map[string]interface{}{"session": sessionID, "kind": kind})
	closeFn := func() {}

	if dir := s.settings.Log.SessionDir; dir != "" {
		writer, err := core.NewSessionLogWriter(dir, sessionID, kind)
		if err != nil {
			base.Warn("session log file unavailable", "error", err)
		} else {
			base = core.NewSessionLogger(base, writer)
			closeFn = writer.Close
		}
	}
	return core.ContextWithSessionLogger(ctx, base), base, closeFn
}

func (s *Server) helloWorld(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"message": "Hello World!"})
}
