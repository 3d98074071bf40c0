package runner

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"voicetutor/core"
	"voicetutor/handlers/interrupt"
	"voicetutor/handlers/streamer"
	"voicetutor/handlers/turn"
	deepgramstt "voicetutor/services/deepgram/stt"
	wstransport "voicetutor/transports/websocket"
)

func (s *Server) serveVoiceChat(w http.ResponseWriter, r *http.Request) {
	ws, err := wstransport.Upgrade(w, r, wstransport.Options{
		Encoding: core.ParseAudioEncoding(s.settings.Session.AudioEncoding),
	}, s.logger)
	if err != nil {
		s.logger.Warn("voice chat upgrade failed", "error", err)
		return
	}
	defer ws.Close()

	s.track(r, "voice", func(ctx context.Context) error {
		return s.runVoice(ctx, ws)
	})
}

// runVoice wires one spoken conversation: client audio feeds the recognizer,
// finished utterances become turns, and replies are synthesized and paced
// back to the client.
func (s *Server) runVoice(ctx context.Context, ws *wstransport.WebSocketService) error {
	logger := core.SessionLoggerFromContext(ctx)
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	llm, err := s.builders.LLM(logger)
	if err != nil {
		return fmt.Errorf("build llm: %w", err)
	}
	tts, err := s.builders.TTS(logger)
	if err != nil {
		return fmt.Errorf("build tts: %w", err)
	}
	stt, err := s.builders.STT(logger)
	if err != nil {
		return fmt.Errorf("build stt: %w", err)
	}

	var services []core.IService
	defer func() {
		for i := len(services) - 1; i >= 0; i-- {
			if err := services[i].Cleanup(); err != nil {
				logger.Debug("cleanup failed", "error", err)
			}
		}
	}()
	for _, svc := range []core.IService{llm, tts, stt} {
		if err := svc.Init(ctx); err != nil {
			return fmt.Errorf("init session services: %w", err)
		}
		services = append(services, svc)
	}

	var (
		fatalMu  sync.Mutex
		fatalErr error
	)
	fail := func(err error) {
		fatalMu.Lock()
		if fatalErr == nil {
			fatalErr = err
		}
		fatalMu.Unlock()
		logger.Error("voice session failed", "error", err)
		cancel()
	}

	player := streamer.New(streamer.Config{IdleSilence: s.settings.Session.IdleSilence}, logger)
	manager := interrupt.NewManager(player.Interrupt, logger)
	controller := turn.New(ctx, turn.Config{
		SystemPrompt: s.settings.Session.SystemPrompt,
		HistoryLimit: s.settings.Session.HistoryLimit,
	}, turn.Deps{
		Tutor:       llm,
		Synthesizer: tts,
		Player:      player,
		Manager:     manager,
		Sender:      ws,
		Sink:        s.sink,
		Observer:    s.metrics.Observer("voice"),
		OnFatal:     fail,
	}, logger)

	stt.OnTranscription(deepgramstt.Callbacks{
		OnResult: controller.OnResult,
		OnChunk:  controller.OnChunk,
		OnText:   controller.OnText,
	})
	stt.OnFault(fail)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		err := player.StartSending(ctx, func(chunk core.AudioChunk) error {
			s.metrics.AudioEmitted(chunk)
			return ws.SendAudio(chunk)
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.Warn("audio streamer stopped", "error", err)
		}
	}()

	err = ws.StartReceiving(ctx, wstransport.Handlers{
		OnAudio: func(pcm []byte) {
			if err := stt.Transcript(pcm); err != nil {
				logger.Debug("dropping audio", "error", err)
			}
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

	cancel()
	controller.Close()
	player.StopSending()
	wg.Wait()

	fatalMu.Lock()
	ferr := fatalErr
	fatalMu.Unlock()
	if ferr != nil {
		return ferr
	}
	return err
}
