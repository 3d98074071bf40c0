package runner

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"voicetutor/core"
	"voicetutor/handlers/interrupt"
	"voicetutor/handlers/turn"
	"voicetutor/protocol"
	wstransport "voicetutor/transports/websocket"
)

func (s *Server) serveTextChat(w http.ResponseWriter, r *http.Request) {
	ws, err := wstransport.Upgrade(w, r, wstransport.Options{}, s.logger)
	if err != nil {
		s.logger.Warn("text chat upgrade failed", "error", err)
		return
	}
	defer ws.Close()

	s.track(r, "text", func(ctx context.Context) error {
		return s.runText(ctx, ws)
	})
}

// runText answers typed input. A newer input supersedes an unanswered one
// the same way speech does in voice chat.
func (s *Server) runText(ctx context.Context, ws *wstransport.WebSocketService) error {
	logger := core.SessionLoggerFromContext(ctx)

	llm, err := s.builders.LLM(logger)
	if err != nil {
		return fmt.Errorf("build llm: %w", err)
	}
	if err := llm.Init(ctx); err != nil {
		return fmt.Errorf("init llm: %w", err)
	}
	defer llm.Cleanup()

	controller := turn.New(ctx, turn.Config{
		SystemPrompt: s.settings.Session.SystemPrompt,
		HistoryLimit: s.settings.Session.HistoryLimit,
	}, turn.Deps{
		Tutor:    llm,
		Manager:  interrupt.NewManager(nil, logger),
		Sender:   ws,
		Sink:     s.sink,
		Observer: s.metrics.Observer("text"),
	}, logger)

	var wg sync.WaitGroup
	err = ws.StartReceiving(ctx, wstransport.Handlers{
		OnInput: func(in protocol.InputData) {
			controller.Submit(in.ID, in.Data)
		},
		OnFinish: func() {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if err := controller.Finish(); err != nil {
					logger.Warn("finish failed", "error", err)
				}
			}()
		},
	})

	controller.Close()
	wg.Wait()
	return err
}
