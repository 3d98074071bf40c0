package turn

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"voicetutor/core"
	"voicetutor/handlers/interrupt"
	"voicetutor/handlers/streamer"
	"voicetutor/protocol"
)

type tutorFunc func(ctx context.Context, history []core.LLMMessage) (core.Stream[core.LLMEvent], error)

func (f tutorFunc) Stream(ctx context.Context, _ string, history []core.LLMMessage) (core.Stream[core.LLMEvent], error) {
	return f(ctx, history)
}

// replying answers every turn with the given fragments.
func replying(fragments ...string) tutorFunc {
	return func(context.Context, []core.LLMMessage) (core.Stream[core.LLMEvent], error) {
		events := make([]core.LLMEvent, len(fragments))
		for i, f := range fragments {
			events[i] = core.LLMEvent{Text: f}
		}
		return core.SliceStream(events...), nil
	}
}

type fakeSender struct {
	mu   sync.Mutex
	msgs []protocol.Message
}

func (s *fakeSender) Send(msg protocol.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs = append(s.msgs, msg)
	return nil
}

func (s *fakeSender) messages(typ protocol.MessageType) []protocol.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []protocol.Message
	for _, m := range s.msgs {
		if m.Type == typ {
			out = append(out, m)
		}
	}
	return out
}

func (s *fakeSender) all() []protocol.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]protocol.Message(nil), s.msgs...)
}

type countingObserver struct {
	mu       sync.Mutex
	started  int
	ended    map[Outcome]int
	mistakes int
}

func (o *countingObserver) TurnStarted() {
	o.mu.Lock()
	o.started++
	o.mu.Unlock()
}

func (o *countingObserver) TurnEnded(outcome Outcome) {
	o.mu.Lock()
	if o.ended == nil {
		o.ended = map[Outcome]int{}
	}
	o.ended[outcome]++
	o.mu.Unlock()
}

func (o *countingObserver) Interrupted() {}

func (o *countingObserver) MistakesReported(n int) {
	o.mu.Lock()
	o.mistakes += n
	o.mu.Unlock()
}

func (o *countingObserver) count(outcome Outcome) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.ended[outcome]
}

// fakeSynth turns every fragment into perFragment frames.
type fakeSynth struct {
	perFragment int

	mu        sync.Mutex
	fragments []string
	firstAt   time.Time
}

func (s *fakeSynth) VoiceStream(_ context.Context, fragments core.Stream[string]) core.Stream[core.AudioChunk] {
	pending := 0
	return core.StreamFunc[core.AudioChunk](func(ctx context.Context) (core.AudioChunk, error) {
		if pending == 0 {
			f, err := fragments.Next(ctx)
			if err != nil {
				return core.AudioChunk{}, err
			}
			s.mu.Lock()
			if len(s.fragments) == 0 {
				s.firstAt = time.Now()
			}
			s.fragments = append(s.fragments, f)
			s.mu.Unlock()
			pending = s.perFragment
		}
		pending--
		return core.NewPCMChunk(make([]byte, core.FrameBytes)), nil
	})
}

type recordingSink struct {
	mu    sync.Mutex
	saved map[string][]core.Mistake
}

func (r *recordingSink) Save(_ context.Context, id string, mistakes []core.Mistake) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.saved == nil {
		r.saved = map[string][]core.Mistake{}
	}
	r.saved[id] = append(r.saved[id], mistakes...)
	return nil
}

func (r *recordingSink) get(id string) []core.Mistake {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.saved[id]
}

type harness struct {
	ctrl   *Controller
	sender *fakeSender
	obs    *countingObserver
	synth  *fakeSynth

	mu      sync.Mutex
	emitted []time.Time
}

func (h *harness) audioCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.emitted)
}

func (h *harness) firstAudio() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.emitted[0]
}

func newHarness(t *testing.T, tutor Tutor, synth *fakeSynth, sink MistakeSink) *harness {
	t.Helper()
	h := &harness{sender: &fakeSender{}, obs: &countingObserver{}, synth: synth}
	deps := Deps{Tutor: tutor, Sender: h.sender, Sink: sink, Observer: h.obs}

	if synth != nil {
		st := streamer.New(streamer.Config{}, core.NopLogger())
		go st.StartSending(context.Background(), func(core.AudioChunk) error {
			h.mu.Lock()
			h.emitted = append(h.emitted, time.Now())
			h.mu.Unlock()
			return nil
		})
		t.Cleanup(st.StopSending)
		deps.Manager = interrupt.NewManager(st.Interrupt, core.NopLogger())
		deps.Synthesizer = synth
		deps.Player = st
	} else {
		deps.Manager = interrupt.NewManager(nil, core.NopLogger())
	}

	h.ctrl = New(context.Background(), Config{}, deps, core.NopLogger())
	t.Cleanup(h.ctrl.Close)
	return h
}

func words(ws ...string) []core.Word {
	out := make([]core.Word, len(ws))
	for i, w := range ws {
		out[i] = core.Word{Word: w, Confidence: 0.9}
	}
	return out
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestBargeInAbandonsPlayback(t *testing.T) {
	// 25 frames per fragment is half a second of audio each.
	h := newHarness(t, replying("Tell me more.", " What happened next?"), &fakeSynth{perFragment: 25}, nil)

	h.ctrl.OnResult(words("I", "goed", "home"), "u1")
	waitFor(t, "playback to start", func() bool { return h.audioCount() >= 3 })

	h.ctrl.OnText(words("wait"))
	stoppedAt := h.audioCount()
	time.Sleep(100 * time.Millisecond)
	// at most the write already in flight lands after the interrupt
	if n := h.audioCount(); n > stoppedAt+1 {
		t.Fatalf("%d chunks emitted after barge-in", n-stoppedAt)
	}
	waitFor(t, "turn to end superseded", func() bool { return h.obs.count(OutcomeSuperseded) == 1 })
	if h.obs.count(OutcomeCompleted) != 0 {
		t.Fatal("interrupted turn reported as completed")
	}
}

func TestReplyPlaysToCompletion(t *testing.T) {
	var firstSent time.Time
	var mu sync.Mutex
	tutor := tutorFunc(func(context.Context, []core.LLMMessage) (core.Stream[core.LLMEvent], error) {
		p := core.NewPipe[core.LLMEvent](4)
		go func() {
			time.Sleep(30 * time.Millisecond)
			mu.Lock()
			firstSent = time.Now()
			mu.Unlock()
			p.Send(context.Background(), core.LLMEvent{Text: "Hello there."})
			p.Send(context.Background(), core.LLMEvent{Text: " How are you?"})
			p.Close(nil)
		}()
		return p, nil
	})
	synth := &fakeSynth{perFragment: 2}
	h := newHarness(t, tutor, synth, nil)

	h.ctrl.OnResult(words("Hi"), "u1")
	waitFor(t, "turn to complete", func() bool { return h.obs.count(OutcomeCompleted) == 1 })

	if n := h.audioCount(); n != 4 {
		t.Fatalf("emitted %d chunks, want 4", n)
	}
	mu.Lock()
	sent := firstSent
	mu.Unlock()
	synth.mu.Lock()
	firstAt := synth.firstAt
	got := append([]string(nil), synth.fragments...)
	synth.mu.Unlock()
	if firstAt.Before(sent) || h.firstAudio().Before(sent) {
		t.Fatal("synthesis started before the first fragment existed")
	}
	if len(got) != 2 || got[0] != "Hello there." || got[1] != " How are you?" {
		t.Fatalf("synthesized %q", got)
	}

	answers := h.sender.messages(protocol.MsgAnswer)
	if len(answers) != 2 {
		t.Fatalf("answers = %d", len(answers))
	}
	a0 := answers[0].Data.(protocol.AnswerData)
	a1 := answers[1].Data.(protocol.AnswerData)
	if a0.Chunk != "Hello there." || a0.ID != a1.ID {
		t.Fatalf("answers = %+v %+v", a0, a1)
	}

	history := h.ctrl.History()
	if len(history) != 2 || history[1].Role != core.LLMMessageRoleAssistant || history[1].Message != "Hello there. How are you?" {
		t.Fatalf("history = %+v", history)
	}
}

func TestSupersededTurnHasNoEffects(t *testing.T) {
	release := make(chan struct{})
	called := make(chan string, 2)
	tutor := tutorFunc(func(_ context.Context, history []core.LLMMessage) (core.Stream[core.LLMEvent], error) {
		last := history[len(history)-1].Message
		called <- last
		if last == "one" {
			p := core.NewPipe[core.LLMEvent](1)
			go func() {
				<-release
				p.Send(context.Background(), core.LLMEvent{Text: "First."})
				p.Close(nil)
			}()
			return p, nil
		}
		return core.SliceStream(core.LLMEvent{Text: "Second."}), nil
	})
	h := newHarness(t, tutor, nil, nil)

	h.ctrl.Submit("u1", "one")
	if got := <-called; got != "one" {
		t.Fatalf("first call for %q", got)
	}
	h.ctrl.Submit("u2", "two")
	<-called
	waitFor(t, "second turn", func() bool { return h.obs.count(OutcomeCompleted) == 1 })
	close(release)
	waitFor(t, "first turn to end", func() bool { return h.obs.count(OutcomeSuperseded) == 1 })

	for _, m := range h.sender.messages(protocol.MsgAnswer) {
		if m.Data.(protocol.AnswerData).Chunk == "First." {
			t.Fatal("stale reply reached the client")
		}
	}
	for _, m := range h.ctrl.History() {
		if m.Message == "First." {
			t.Fatal("stale reply entered the history")
		}
	}
}

func TestEmptyUtteranceIsIgnored(t *testing.T) {
	calls := 0
	tutor := tutorFunc(func(context.Context, []core.LLMMessage) (core.Stream[core.LLMEvent], error) {
		calls++
		return core.EmptyStream[core.LLMEvent](), nil
	})
	h := newHarness(t, tutor, nil, nil)

	h.ctrl.OnResult(nil, "u1")
	h.ctrl.OnResult(words("", " "), "u2")
	h.ctrl.Submit("u3", "   ")
	h.ctrl.Close()

	if calls != 0 || len(h.sender.all()) != 0 || len(h.ctrl.History()) != 0 {
		t.Fatalf("calls=%d msgs=%d", calls, len(h.sender.all()))
	}
}

func TestMistakesAreSentAndSaved(t *testing.T) {
	mistake := core.Mistake{Mistake: "I goed", Correct: "I went", Topic: "past simple", Practice: "irregular verbs"}
	tutor := tutorFunc(func(context.Context, []core.LLMMessage) (core.Stream[core.LLMEvent], error) {
		return core.SliceStream(
			core.LLMEvent{Mistakes: []core.Mistake{mistake}},
			core.LLMEvent{Text: "Where did you go?"},
		), nil
	})
	sink := &recordingSink{}
	h := newHarness(t, tutor, nil, sink)

	h.ctrl.Submit("u1", "I goed home")
	waitFor(t, "turn", func() bool { return h.obs.count(OutcomeCompleted) == 1 })
	waitFor(t, "sink", func() bool { return len(sink.get("u1")) == 1 })

	msgs := h.sender.messages(protocol.MsgMistakes)
	if len(msgs) != 1 {
		t.Fatalf("mistakes messages = %d", len(msgs))
	}
	data := msgs[0].Data.(protocol.MistakesData)
	if data.ID != "u1" || data.Mistakes[0] != mistake {
		t.Fatalf("mistakes = %+v", data)
	}
}

func TestFinishWaitsForRunningTurn(t *testing.T) {
	tutor := tutorFunc(func(context.Context, []core.LLMMessage) (core.Stream[core.LLMEvent], error) {
		p := core.NewPipe[core.LLMEvent](1)
		go func() {
			time.Sleep(50 * time.Millisecond)
			p.Send(context.Background(), core.LLMEvent{Text: "Done."})
			p.Close(nil)
		}()
		return p, nil
	})
	h := newHarness(t, tutor, nil, nil)

	h.ctrl.Submit("u1", "hello")
	if err := h.ctrl.Finish(); err != nil {
		t.Fatal(err)
	}
	msgs := h.sender.all()
	if len(msgs) != 2 || msgs[0].Type != protocol.MsgAnswer || msgs[1].Type != protocol.MsgResult {
		t.Fatalf("messages = %+v", msgs)
	}
}

func TestConnectionFailureIsFatal(t *testing.T) {
	tutor := tutorFunc(func(context.Context, []core.LLMMessage) (core.Stream[core.LLMEvent], error) {
		return nil, fmt.Errorf("dial: %w", core.ErrConnection)
	})
	h := newHarness(t, tutor, nil, nil)
	fatal := make(chan error, 1)
	h.ctrl.deps.OnFatal = func(err error) { fatal <- err }

	h.ctrl.Submit("u1", "hello")
	select {
	case err := <-fatal:
		if !errors.Is(err, core.ErrConnection) {
			t.Fatalf("fatal = %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("OnFatal not called")
	}
}

func TestModelErrorKeepsSessionUsable(t *testing.T) {
	fail := true
	var mu sync.Mutex
	tutor := tutorFunc(func(context.Context, []core.LLMMessage) (core.Stream[core.LLMEvent], error) {
		mu.Lock()
		defer mu.Unlock()
		if fail {
			fail = false
			return core.StreamFunc[core.LLMEvent](func(context.Context) (core.LLMEvent, error) {
				return core.LLMEvent{}, errors.New("quota exceeded")
			}), nil
		}
		return core.SliceStream(core.LLMEvent{Text: "Hi!"}), nil
	})
	h := newHarness(t, tutor, nil, nil)

	h.ctrl.Submit("u1", "hello")
	waitFor(t, "failure", func() bool { return h.obs.count(OutcomeFailed) == 1 })
	h.ctrl.Submit("u2", "hello again")
	waitFor(t, "recovery", func() bool { return h.obs.count(OutcomeCompleted) == 1 })
}
