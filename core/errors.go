package core

import "errors"

var (
	// ErrSuperseded marks work whose turn was overtaken by a newer one. It is
	// expected control flow, not a failure.
	ErrSuperseded = errors.New("turn superseded")

	// ErrConnection wraps transport faults of the recognizer or synthesizer.
	ErrConnection = errors.New("connection failed")

	// ErrEmptyInput is returned when synthesis is asked to speak nothing.
	ErrEmptyInput = errors.New("empty input")

	// ErrClosedPipe is returned by Pipe.Send after the pipe was closed.
	ErrClosedPipe = errors.New("pipe closed")
)
