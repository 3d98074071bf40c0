// Package streamer owns the single outbound audio channel of a session. It
// pulls chunks from at most one active Strategy, paces them against the
// clock and swaps the strategy out the moment a turn is interrupted.
package streamer

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"voicetutor/core"
)

// Strategy is one source of playback audio. Exactly one of OnSuccess,
// OnInterrupt or OnError fires, once, when the streamer is done with it.
type Strategy struct {
	Source      core.Stream[core.AudioChunk]
	OnSuccess   func()
	OnInterrupt func()
	OnError     func(err error)
}

// EmitFunc delivers one chunk to the transport. It runs on the sending loop
// without the streamer's lock held, so a slow write never delays
// SetStrategy or Interrupt.
type EmitFunc func(chunk core.AudioChunk) error

type Config struct {
	// IdleSilence emits a zero frame on every idle tick instead of nothing.
	IdleSilence bool
	Clock       Clock
}

type outcome int

const (
	outcomeSuccess outcome = iota
	outcomeInterrupted
	outcomeFailed
)

type active struct {
	strategy *Strategy
	ctx      context.Context
	cancel   context.CancelFunc
	once     sync.Once
}

func (a *active) finish(o outcome, err error, logger *core.Logger) {
	a.once.Do(func() {
		a.cancel()
		if c, ok := a.strategy.Source.(io.Closer); ok {
			if cerr := c.Close(); cerr != nil {
				logger.Debug("closing audio source", "error", cerr)
			}
		}
		s := a.strategy
		switch o {
		case outcomeSuccess:
			if s.OnSuccess != nil {
				s.OnSuccess()
			}
		case outcomeInterrupted:
			if s.OnInterrupt != nil {
				s.OnInterrupt()
			}
		case outcomeFailed:
			if s.OnError != nil {
				s.OnError(err)
			}
		}
	})
}

var ErrAlreadySending = errors.New("streamer: already sending")

type Streamer struct {
	mu          sync.Mutex
	main        *active
	sending     bool
	stopped     bool
	changed     chan struct{}
	clock       Clock
	idleSilence bool
	logger      *core.Logger
}

func New(cfg Config, logger *core.Logger) *Streamer {
	if logger == nil {
		logger = core.GetLogger()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = SystemClock
	}
	return &Streamer{
		changed:     make(chan struct{}),
		clock:       clock,
		idleSilence: cfg.IdleSilence,
		logger:      logger,
	}
}

// signalLocked wakes a sleeping loop. Caller holds mu.
func (s *Streamer) signalLocked() {
	close(s.changed)
	s.changed = make(chan struct{})
}

// SetStrategy makes st the main strategy. The previous main strategy, if any,
// is interrupted. A nil st returns the streamer to idle.
func (s *Streamer) SetStrategy(st *Strategy) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		if st != nil {
			ctx, cancel := context.WithCancel(context.Background())
			(&active{strategy: st, ctx: ctx, cancel: cancel}).finish(outcomeInterrupted, nil, s.logger)
		}
		return
	}
	old := s.main
	s.main = nil
	if st != nil {
		ctx, cancel := context.WithCancel(context.Background())
		s.main = &active{strategy: st, ctx: ctx, cancel: cancel}
	}
	s.signalLocked()
	s.mu.Unlock()

	if old != nil {
		old.finish(outcomeInterrupted, nil, s.logger)
	}
}

// Interrupt drops the main strategy without waiting on the transport. The
// only chunk of it that can still reach the sink afterwards is the one whose
// write was already in flight.
func (s *Streamer) Interrupt() {
	s.SetStrategy(nil)
}

// Active reports whether a strategy is currently draining.
func (s *Streamer) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.main != nil
}

// StreamVoice plays src and blocks until it has been fully emitted (nil),
// was interrupted (core.ErrSuperseded), failed, or ctx ended. When ctx ends
// first the strategy is dropped if it is still playing.
func (s *Streamer) StreamVoice(ctx context.Context, src core.Stream[core.AudioChunk]) error {
	done := make(chan error, 1)
	st := &Strategy{
		Source:      src,
		OnSuccess:   func() { done <- nil },
		OnInterrupt: func() { done <- core.ErrSuperseded },
		OnError:     func(err error) { done <- err },
	}
	s.SetStrategy(st)

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		s.drop(st)
		return ctx.Err()
	}
}

func (s *Streamer) drop(st *Strategy) {
	s.mu.Lock()
	cur := s.main
	if cur == nil || cur.strategy != st {
		s.mu.Unlock()
		return
	}
	s.main = nil
	s.signalLocked()
	s.mu.Unlock()
	cur.finish(outcomeInterrupted, nil, s.logger)
}

// release demotes cur to idle if it is still the main strategy.
func (s *Streamer) release(cur *active, o outcome, err error) {
	s.mu.Lock()
	if s.main == cur {
		s.main = nil
		s.signalLocked()
	}
	s.mu.Unlock()
	cur.finish(o, err, s.logger)
}

// StopSending ends the loop started by StartSending and interrupts the main
// strategy. Later strategies are interrupted on arrival.
func (s *Streamer) StopSending() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	old := s.main
	s.main = nil
	s.signalLocked()
	s.mu.Unlock()

	if old != nil {
		old.finish(outcomeInterrupted, nil, s.logger)
	}
}

// StartSending runs the pacing loop until StopSending is called or ctx ends.
func (s *Streamer) StartSending(ctx context.Context, emit EmitFunc) error {
	s.mu.Lock()
	if s.sending {
		s.mu.Unlock()
		return ErrAlreadySending
	}
	s.sending = true
	s.mu.Unlock()

	defer s.StopSending()

	var playing *active
	cursor := s.clock.Now()
	for {
		s.mu.Lock()
		stopped, cur, changed := s.stopped, s.main, s.changed
		s.mu.Unlock()
		if stopped {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		if cur == nil {
			cursor = later(cursor, s.clock.Now()).Add(core.FrameDuration)
			if s.idleSilence {
				s.emitIfCurrent(nil, core.SilenceFrame(), emit)
			}
			if s.sleepUntil(ctx, cursor, changed) {
				cursor = s.clock.Now()
			}
			continue
		}

		chunk, err := cur.strategy.Source.Next(cur.ctx)
		if err != nil {
			switch {
			case err == io.EOF:
				s.release(cur, outcomeSuccess, nil)
			case cur.ctx.Err() != nil:
				// interrupted while pulling; SetStrategy already finished it
			default:
				s.logger.Warn("audio source failed", "error", err)
				s.release(cur, outcomeFailed, err)
			}
			continue
		}
		if len(chunk.Data) == 0 {
			continue
		}

		emitted, at := s.emitIfCurrent(cur, chunk, emit)
		if !emitted {
			continue
		}
		// The first chunk of a strategy anchors the schedule. A source that
		// fell more than a frame behind re-anchors instead of bursting.
		if playing != cur || at.Sub(cursor) > core.FrameDuration {
			playing = cur
			cursor = at
		}
		cursor = cursor.Add(chunk.Duration())
		s.sleepUntil(ctx, cursor, changed)
	}
}

// emitIfCurrent emits chunk only while cur (nil meaning idle) is still the
// main strategy. It returns the time right after the emit. The check and
// the write are not atomic: an Interrupt racing the write lets that one
// chunk through.
func (s *Streamer) emitIfCurrent(cur *active, chunk core.AudioChunk, emit EmitFunc) (bool, time.Time) {
	s.mu.Lock()
	current := !s.stopped && s.main == cur
	s.mu.Unlock()
	if !current {
		return false, time.Time{}
	}
	if err := emit(chunk); err != nil {
		s.logger.Warn("emitting audio chunk", "error", err)
	}
	return true, s.clock.Now()
}

// sleepUntil waits for the clock to reach t. It returns true when woken
// early by a strategy change or ctx.
func (s *Streamer) sleepUntil(ctx context.Context, t time.Time, changed <-chan struct{}) bool {
	d := t.Sub(s.clock.Now())
	if d <= 0 {
		return false
	}
	select {
	case <-s.clock.After(d):
		return false
	case <-changed:
		return true
	case <-ctx.Done():
		return true
	}
}

func later(a, b time.Time) time.Time {
	if a.After(b) {
		return a
	}
	return b
}
