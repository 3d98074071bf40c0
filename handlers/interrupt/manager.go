// Package interrupt tracks turn generations for one conversation. Every turn
// runs under a Handle; once a newer generation exists the handle is stale and
// every guarded step of the old turn fails with core.ErrSuperseded.
package interrupt

import (
	"errors"
	"sync"

	"voicetutor/core"
)

// Manager owns the generation counter of a single session. The zero value is
// not usable; call NewManager.
type Manager struct {
	mu          sync.Mutex
	current     uint64
	blocked     bool
	changed     chan struct{}
	onInterrupt func()
	logger      *core.Logger
}

// NewManager returns a manager at generation zero. onInterrupt runs after
// every successful Interrupt, outside the manager's lock.
func NewManager(onInterrupt func(), logger *core.Logger) *Manager {
	if logger == nil {
		logger = core.GetLogger()
	}
	return &Manager{
		changed:     make(chan struct{}),
		onInterrupt: onInterrupt,
		logger:      logger,
	}
}

// advance must be called with mu held.
func (m *Manager) advance() {
	m.current++
	close(m.changed)
	m.changed = make(chan struct{})
}

// Interrupt starts a new generation and fires the interrupt callback. It
// reports false, and does nothing, while the manager is blocked.
func (m *Manager) Interrupt() bool {
	m.mu.Lock()
	if m.blocked {
		m.mu.Unlock()
		return false
	}
	m.advance()
	gen := m.current
	cb := m.onInterrupt
	m.mu.Unlock()

	m.logger.Debug("interrupt", "generation", gen)
	if cb != nil {
		cb()
	}
	return true
}

// NewHandle opens a new generation and returns the handle bound to it.
// Opening a turn supersedes the previous one without firing the callback.
// While blocked the returned handle is already stale.
func (m *Manager) NewHandle() *Handle {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.blocked {
		done := make(chan struct{})
		close(done)
		return &Handle{m: m, dead: true, done: done}
	}
	m.advance()
	return &Handle{m: m, gen: m.current, done: m.changed}
}

// Current returns the current generation.
func (m *Manager) Current() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Block freezes the generation: Interrupt becomes a no-op and new handles
// are born stale. Turns already running are left to finish.
func (m *Manager) Block() {
	m.mu.Lock()
	m.blocked = true
	m.mu.Unlock()
}

func (m *Manager) Unblock() {
	m.mu.Lock()
	m.blocked = false
	m.mu.Unlock()
}

func (m *Manager) Blocked() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.blocked
}

// WithHandler runs fn under a fresh handle. ErrSuperseded from fn is the
// normal outcome of a barge-in and is turned into a nil error here; every
// other error is returned as is.
func (m *Manager) WithHandler(fn func(h *Handle) error) error {
	return m.Run(m.NewHandle(), fn)
}

// Run is WithHandler for a handle taken earlier, so a caller can fix the
// order of turns before running them on their own goroutines.
func (m *Manager) Run(h *Handle, fn func(h *Handle) error) error {
	err := fn(h)
	if errors.Is(err, core.ErrSuperseded) {
		m.logger.Debug("turn superseded", "generation", h.gen)
		return nil
	}
	return err
}

// Handle is a turn's view of the generation it was born in.
type Handle struct {
	m    *Manager
	gen  uint64
	dead bool
	done chan struct{}
}

func (h *Handle) Generation() uint64 { return h.gen }

// IsStale reports whether a newer generation exists.
func (h *Handle) IsStale() bool {
	if h.dead {
		return true
	}
	h.m.mu.Lock()
	defer h.m.mu.Unlock()
	return h.gen != h.m.current
}

// Done is closed once the handle is stale.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Guard runs fn if the handle is still current.
func (h *Handle) Guard(fn func() error) error {
	if h.IsStale() {
		return core.ErrSuperseded
	}
	return fn()
}

// Guard runs fn if h is still current and discards its result if h went
// stale while fn was running.
func Guard[T any](h *Handle, fn func() (T, error)) (T, error) {
	var zero T
	if h.IsStale() {
		return zero, core.ErrSuperseded
	}
	v, err := fn()
	if err != nil {
		return zero, err
	}
	if h.IsStale() {
		return zero, core.ErrSuperseded
	}
	return v, nil
}
