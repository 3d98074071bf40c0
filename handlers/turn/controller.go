// Package turn drives one conversation: every finalized utterance becomes a
// turn that asks the tutor model for a reply, streams the reply text to the
// client and, in voice sessions, synthesizes and plays it. A newer turn or a
// barge-in supersedes the running one.
package turn

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"

	"github.com/google/uuid"

	"voicetutor/core"
	"voicetutor/handlers/interrupt"
	"voicetutor/protocol"
	"voicetutor/utils/text"
)

// Tutor produces the model's reply to the conversation so far.
type Tutor interface {
	Stream(ctx context.Context, systemPrompt string, history []core.LLMMessage) (core.Stream[core.LLMEvent], error)
}

// Synthesizer turns reply fragments into audio.
type Synthesizer interface {
	VoiceStream(ctx context.Context, fragments core.Stream[string]) core.Stream[core.AudioChunk]
}

// Player plays one reply and reports how playback ended.
type Player interface {
	StreamVoice(ctx context.Context, src core.Stream[core.AudioChunk]) error
}

// Sender delivers a message to the client.
type Sender interface {
	Send(msg protocol.Message) error
}

// MistakeSink receives reported mistakes. Failures are logged, never
// surfaced to the turn.
type MistakeSink interface {
	Save(ctx context.Context, utteranceID string, mistakes []core.Mistake) error
}

type Outcome string

const (
	OutcomeCompleted  Outcome = "completed"
	OutcomeSuperseded Outcome = "superseded"
	OutcomeFailed     Outcome = "failed"
)

// Observer is told about turn lifecycle events.
type Observer interface {
	TurnStarted()
	TurnEnded(outcome Outcome)
	Interrupted()
	MistakesReported(n int)
}

type nopObserver struct{}

func (nopObserver) TurnStarted() {}
func (nopObserver) TurnEnded(Outcome) {}
func (nopObserver) Interrupted() {}
func (nopObserver) MistakesReported(int) {}

type Config struct {
	SystemPrompt string
	HistoryLimit int
}

// Deps are the collaborators of a controller. Tutor, Manager and Sender are
// required. Without Synthesizer and Player replies are text only.
type Deps struct {
	Tutor       Tutor
	Synthesizer Synthesizer
	Player      Player
	Manager     *interrupt.Manager
	Sender      Sender
	Sink        MistakeSink
	Observer    Observer
	// OnFatal is called once when a turn fails with core.ErrConnection.
	OnFatal func(err error)
}

type Controller struct {
	deps    Deps
	history *core.LLMContext
	logger  *core.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	finishing bool
	closed    bool
	turns     sync.WaitGroup
	fatalOnce sync.Once
}

func New(ctx context.Context, cfg Config, deps Deps, logger *core.Logger) *Controller {
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = DefaultSystemPrompt
	}
	if cfg.HistoryLimit == 0 {
		cfg.HistoryLimit = DefaultHistoryLimit
	}
	if deps.Observer == nil {
		deps.Observer = nopObserver{}
	}
	if logger == nil {
		logger = core.SessionLoggerFromContext(ctx)
	}
	ctx, cancel := context.WithCancel(ctx)
	return &Controller{
		deps:    deps,
		history: core.NewLLMContext(cfg.SystemPrompt, cfg.HistoryLimit),
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// History returns the current conversation window.
func (c *Controller) History() []core.LLMMessage {
	return c.history.Messages()
}

// OnText is the barge-in signal: any recognized speech interrupts playback.
func (c *Controller) OnText(words []core.Word) {
	if c.deps.Manager.Interrupt() {
		c.deps.Observer.Interrupted()
	}
}

// OnChunk forwards a finalized transcript segment to the client.
func (c *Controller) OnChunk(words []core.Word, id string) {
	if err := c.deps.Sender.Send(protocol.Transcription(id, words)); err != nil {
		c.logger.Debug("sending transcription failed", "error", err)
	}
}

// OnResult starts a turn for a complete utterance.
func (c *Controller) OnResult(words []core.Word, id string) {
	c.Submit(id, core.JoinWords(words))
}

// Submit starts a turn answering message. The turn supersedes any running
// one. Blank messages are ignored.
func (c *Controller) Submit(id, message string) {
	message = strings.TrimSpace(message)
	if message == "" {
		c.logger.Debug("ignoring empty utterance", "id", id)
		return
	}

	c.mu.Lock()
	if c.finishing || c.closed {
		c.mu.Unlock()
		c.logger.Info("dropping utterance while finishing", "id", id)
		return
	}
	c.turns.Add(1)
	h := c.deps.Manager.NewHandle()
	c.mu.Unlock()

	go func() {
		defer c.turns.Done()
		c.run(h, id, message)
	}()
}

func (c *Controller) run(h *interrupt.Handle, id, message string) {
	logger := c.logger.With(map[string]interface{}{"turn": h.Generation(), "utterance": id})
	c.deps.Observer.TurnStarted()

	superseded := false
	err := c.deps.Manager.Run(h, func(h *interrupt.Handle) error {
		err := c.answer(h, id, message, logger)
		superseded = errors.Is(err, core.ErrSuperseded)
		return err
	})

	switch {
	case err != nil:
		c.deps.Observer.TurnEnded(OutcomeFailed)
		logger.Error("turn failed", "error", err)
		if errors.Is(err, core.ErrConnection) && c.deps.OnFatal != nil {
			c.fatalOnce.Do(func() { c.deps.OnFatal(err) })
		}
	case superseded:
		c.deps.Observer.TurnEnded(OutcomeSuperseded)
	default:
		c.deps.Observer.TurnEnded(OutcomeCompleted)
	}
}

func (c *Controller) answer(h *interrupt.Handle, id, message string, logger *core.Logger) error {
	if err := h.Guard(func() error {
		c.history.AddUserMessage(message)
		return nil
	}); err != nil {
		return err
	}

	var events core.Stream[core.LLMEvent]
	if err := h.Guard(func() error {
		var err error
		events, err = c.deps.Tutor.Stream(c.ctx, c.history.SystemPrompt(), c.history.Messages())
		return err
	}); err != nil {
		return err
	}

	turnCtx, cancel := c.turnContext(h)
	defer cancel()

	var fragments *core.Pipe[string]
	var playback chan error
	if c.deps.Synthesizer != nil && c.deps.Player != nil {
		fragments = core.NewPipe[string](16)
		playback = make(chan error, 1)
		go func() {
			err := c.play(turnCtx, h, fragments)
			// unblock the pump if synthesis stopped reading early
			fragments.Close(err)
			playback <- err
		}()
	}

	reply, err := c.pump(turnCtx, h, id, events, fragments, logger)
	if fragments != nil {
		fragments.Close(err)
	}
	if err == nil {
		err = h.Guard(func() error {
			if reply != "" {
				c.history.AddAssistantMessage(reply)
			}
			return nil
		})
	}
	if playback != nil {
		perr := <-playback
		if perr != nil && (err == nil || errors.Is(err, core.ErrClosedPipe)) {
			err = perr
		}
	}
	if errors.Is(err, context.Canceled) && h.IsStale() {
		err = core.ErrSuperseded
	}
	return err
}

// pump forwards model events until the reply ends or the turn goes stale.
// It returns the full reply text.
func (c *Controller) pump(
	ctx context.Context,
	h *interrupt.Handle,
	id string,
	events core.Stream[core.LLMEvent],
	fragments *core.Pipe[string],
	logger *core.Logger,
) (string, error) {
	replyID := uuid.NewString()
	var reply strings.Builder

	for {
		// The model call is not aborted by an interrupt; a stale turn just
		// stops listening to it.
		ev, err := events.Next(ctx)
		if errors.Is(err, io.EOF) {
			return strings.TrimSpace(reply.String()), nil
		}
		if h.IsStale() {
			go c.drain(events)
			return "", core.ErrSuperseded
		}
		if err != nil {
			return "", err
		}

		if len(ev.Mistakes) > 0 {
			if err := c.reportMistakes(h, id, ev.Mistakes, logger); err != nil {
				go c.drain(events)
				return "", err
			}
		}
		if ev.Text == "" {
			continue
		}
		reply.WriteString(ev.Text)
		if err := h.Guard(func() error {
			return c.deps.Sender.Send(protocol.Answer(replyID, ev.Text))
		}); err != nil {
			go c.drain(events)
			return "", err
		}
		if fragments != nil {
			if spoken := text.ForSpeech(ev.Text); strings.TrimSpace(spoken) != "" {
				if err := fragments.Send(ctx, spoken); err != nil {
					go c.drain(events)
					if h.IsStale() {
						return "", core.ErrSuperseded
					}
					return "", err
				}
			}
		}
	}
}

func (c *Controller) reportMistakes(h *interrupt.Handle, id string, mistakes []core.Mistake, logger *core.Logger) error {
	if err := h.Guard(func() error {
		return c.deps.Sender.Send(protocol.Mistakes(id, mistakes))
	}); err != nil {
		return err
	}
	c.deps.Observer.MistakesReported(len(mistakes))
	if c.deps.Sink == nil {
		return nil
	}
	c.turns.Add(1)
	go func() {
		defer c.turns.Done()
		if err := c.deps.Sink.Save(c.ctx, id, mistakes); err != nil {
			logger.Warn("saving mistakes failed", "error", err)
		}
	}()
	return nil
}

// play synthesizes fragments and hands the audio to the player once the
// turn is known to still be current.
func (c *Controller) play(ctx context.Context, h *interrupt.Handle, fragments core.Stream[string]) error {
	audio, err := interrupt.Guard(h, func() (core.Stream[core.AudioChunk], error) {
		return c.deps.Synthesizer.VoiceStream(ctx, fragments), nil
	})
	if err != nil {
		return err
	}
	return h.Guard(func() error {
		return c.deps.Player.StreamVoice(ctx, audio)
	})
}

// drain consumes the rest of an abandoned model stream.
func (c *Controller) drain(events core.Stream[core.LLMEvent]) {
	for {
		if _, err := events.Next(c.ctx); err != nil {
			return
		}
	}
}

// turnContext is cancelled when h goes stale so blocked pulls return.
func (c *Controller) turnContext(h *interrupt.Handle) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(c.ctx)
	go func() {
		select {
		case <-h.Done():
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

// Finish lets running turns complete without interruption, then sends the
// result marker. Utterances arriving meanwhile are dropped.
func (c *Controller) Finish() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errors.New("turn: controller closed")
	}
	c.finishing = true
	c.mu.Unlock()

	c.deps.Manager.Block()
	c.turns.Wait()
	c.deps.Manager.Unblock()

	c.mu.Lock()
	c.finishing = false
	c.mu.Unlock()
	return c.deps.Sender.Send(protocol.Result())
}

// Close abandons running turns and waits for them to exit.
func (c *Controller) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	c.deps.Manager.Interrupt()
	c.cancel()
	c.turns.Wait()
}
