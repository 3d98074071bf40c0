package core

import (
	"context"
	"io"
	"sync"
)

// Stream is a lazy, pull-based sequence. Next blocks until an item is ready,
// the sequence ends (io.EOF) or ctx is done.
type Stream[T any] interface {
	Next(ctx context.Context) (T, error)
}

// StreamFunc adapts a function to Stream.
type StreamFunc[T any] func(ctx context.Context) (T, error)

func (f StreamFunc[T]) Next(ctx context.Context) (T, error) { return f(ctx) }

// SliceStream yields items in order and then io.EOF.
func SliceStream[T any](items ...T) Stream[T] {
	var mu sync.Mutex
	i := 0
	return StreamFunc[T](func(ctx context.Context) (T, error) {
		var zero T
		if err := ctx.Err(); err != nil {
			return zero, err
		}
		mu.Lock()
		defer mu.Unlock()
		if i >= len(items) {
			return zero, io.EOF
		}
		i++
		return items[i-1], nil
	})
}

// EmptyStream ends immediately.
func EmptyStream[T any]() Stream[T] {
	return SliceStream[T]()
}

// Collect drains s. It returns the items read before the first non-EOF error.
func Collect[T any](ctx context.Context, s Stream[T]) ([]T, error) {
	var out []T
	for {
		v, err := s.Next(ctx)
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		out = append(out, v)
	}
}

// Pipe connects a push-style producer to a pull-style consumer with a bounded
// buffer. Either side may Close it: a producer closes to end the sequence, a
// consumer closes to make further Sends fail.
type Pipe[T any] struct {
	ch   chan T
	done chan struct{}
	once sync.Once
	err  error
}

func NewPipe[T any](buffer int) *Pipe[T] {
	return &Pipe[T]{
		ch:   make(chan T, buffer),
		done: make(chan struct{}),
	}
}

// Send blocks until the item is buffered, the pipe is closed or ctx is done.
func (p *Pipe[T]) Send(ctx context.Context, v T) error {
	select {
	case <-p.done:
		return ErrClosedPipe
	default:
	}
	select {
	case p.ch <- v:
		return nil
	case <-p.done:
		return ErrClosedPipe
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close ends the pipe. A nil err ends it with io.EOF. Only the first call
// has an effect.
func (p *Pipe[T]) Close(err error) {
	p.once.Do(func() {
		if err == nil {
			err = io.EOF
		}
		p.err = err
		close(p.done)
	})
}

// Done is closed once the pipe is closed.
func (p *Pipe[T]) Done() <-chan struct{} { return p.done }

// Next returns buffered items before reporting the close error.
func (p *Pipe[T]) Next(ctx context.Context) (T, error) {
	var zero T
	select {
	case v := <-p.ch:
		return v, nil
	default:
	}
	select {
	case v := <-p.ch:
		return v, nil
	case <-p.done:
		select {
		case v := <-p.ch:
			return v, nil
		default:
			return zero, p.err
		}
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}
