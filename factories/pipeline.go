package factories

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"voicetutor/core"
)

// PipelineConfig configures a Pipeline's lifecycle behaviour.
type PipelineConfig struct {
	// Timeout caps one session; zero means no limit.
	Timeout time.Duration
}

// SessionFunc runs one client session until it ends or ctx is done.
type SessionFunc func(ctx context.Context) error

// Pipeline runs sessions with a deadline and keeps a panicking session from
// taking the process down.
type Pipeline struct {
	config PipelineConfig
	logger *core.Logger
}

func NewPipeline(config PipelineConfig, logger *core.Logger) *Pipeline {
	if logger == nil {
		logger = core.GetLogger()
	}
	return &Pipeline{config: config, logger: logger}
}

// Run executes fn and blocks until it returns.
func (p *Pipeline) Run(ctx context.Context, kind string, fn SessionFunc) (err error) {
	logger := core.SessionLoggerFromContext(ctx).With(map[string]any{"component": "pipeline", "kind": kind})

	select {
	case <-ctx.Done():
		logger.Info("context already cancelled, skipping session")
		return nil
	default:
	}

	if p.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.config.Timeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			logger.Error("session panicked", "panic", fmt.Sprint(r), "stack", string(debug.Stack()))
			err = fmt.Errorf("session panicked: %v", r)
		}
	}()

	start := time.Now()
	logger.Info("session started")
	err = fn(ctx)
	if ctx.Err() == context.DeadlineExceeded {
		logger.Warn("timeout reached, session stopped", "after", time.Since(start).String())
		if err == nil {
			err = context.DeadlineExceeded
		}
	}
	logger.Info("session finished", "duration", time.Since(start).String())
	return err
}
