package text

import (
	"context"

	"voicetutor/core"
)

// Emitter turns a model's streamed text into fragment events on a pipe.
type Emitter struct {
	frag Fragmenter
	out  *core.Pipe[core.LLMEvent]
}

func NewEmitter(out *core.Pipe[core.LLMEvent]) *Emitter {
	return &Emitter{out: out}
}

// Text pushes a streamed chunk and sends every fragment it completes.
func (e *Emitter) Text(ctx context.Context, chunk string) error {
	for _, f := range e.frag.Push(chunk) {
		if err := e.out.Send(ctx, core.LLMEvent{Text: f}); err != nil {
			return err
		}
	}
	return nil
}

func (e *Emitter) Mistakes(ctx context.Context, mistakes []core.Mistake) error {
	if len(mistakes) == 0 {
		return nil
	}
	return e.out.Send(ctx, core.LLMEvent{Mistakes: mistakes})
}

// Finish sends the unterminated tail, if any.
func (e *Emitter) Finish(ctx context.Context) error {
	if rest := e.frag.Flush(); rest != "" {
		return e.out.Send(ctx, core.LLMEvent{Text: rest})
	}
	return nil
}

// Content is the whole reply so far.
func (e *Emitter) Content() string { return e.frag.Content() }
