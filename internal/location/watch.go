package location

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"

	"github.com/banshee-data/livemap/internal/monitoring"
)

// WatchHandle identifies one subscription session. The zero value means no
// subscription.
type WatchHandle string

// WatchObserver receives the effects of a live subscription. Callbacks run
// outside the manager's lock.
type WatchObserver interface {
	// OnPosition is called for every accepted sample.
	OnPosition(h WatchHandle, p Position)
	// OnWatchError is called for every failure of the live session.
	// stopped reports whether the failure ended tracking.
	OnWatchError(h WatchHandle, err *Error, stopped bool)
}

// WatchStats are lifetime counters for one manager.
type WatchStats struct {
	Started         int `json:"started"`
	Stopped         int `json:"stopped"`
	Accepted        int `json:"accepted"`
	RejectedStale   int `json:"rejected_stale"`
	StartFailures   int `json:"start_failures"`
	SessionFailures int `json:"session_failures"`
}

// session is one subscription attempt. Deliveries carry their session so a
// late sample from a cancelled subscription can be recognised.
type session struct {
	handle WatchHandle
	source SourceHandle
	failed bool
}

// WatchManager owns at most one subscription to a PositionSource.
type WatchManager struct {
	source   PositionSource
	observer WatchObserver

	mu       sync.Mutex
	active   *session
	tracking bool
	closed   bool
	latest   *Position
	lastErr  *Error
	stats    WatchStats
}

// ErrClosed is returned by Start after Close.
var ErrClosed = errors.New("watch manager closed")

// NewWatchManager creates a manager over source. observer may be nil.
func NewWatchManager(source PositionSource, observer WatchObserver) *WatchManager {
	return &WatchManager{source: source, observer: observer}
}

// Start opens a subscription unless a live one already exists, in which case
// it returns the existing handle. A handle left stale by a failed session is
// released before opening the new one.
func (m *WatchManager) Start(ctx context.Context) (WatchHandle, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return "", ErrClosed
	}
	if m.active != nil && !m.active.failed {
		h := m.active.handle
		m.mu.Unlock()
		return h, nil
	}
	stale := m.active
	s := &session{handle: WatchHandle(uuid.NewString())}
	m.active = s
	m.tracking = true
	m.mu.Unlock()

	if m.source == nil {
		return "", m.failStart(s, ErrNotSupported)
	}
	if stale != nil && stale.source != "" {
		m.source.Cancel(stale.source)
	}

	sh, err := m.source.Subscribe(Sink{
		OnSample: func(p Position) { m.deliver(s, p) },
		OnError:  func(err error) { m.deliverError(s, err) },
	})
	if sh == "" {
		le := &Error{Code: CodeSubscriptionFailedToStart, Message: ErrSubscriptionFailedToStart.Message, Err: err}
		if err != nil {
			if src := AsError(err); src.Code == CodePermissionDenied || src.Code == CodeNotSupported {
				le = src
			}
		}
		return "", m.failStart(s, le)
	}

	m.mu.Lock()
	if m.active != s {
		// Stopped or closed while subscribing.
		m.mu.Unlock()
		m.source.Cancel(sh)
		return "", context.Canceled
	}
	s.source = sh
	m.stats.Started++
	failed, le := s.failed, m.lastErr
	m.mu.Unlock()

	monitoring.Logf("location: watch %s started (source %s)", s.handle, sh)
	if failed && le != nil {
		return s.handle, le
	}
	return s.handle, nil
}

func (m *WatchManager) failStart(s *session, le *Error) error {
	m.mu.Lock()
	if m.active == s {
		m.active = nil
		m.tracking = false
	}
	m.lastErr = le
	m.stats.StartFailures++
	m.mu.Unlock()

	monitoring.Logf("location: watch failed to start: %v", le)
	if m.observer != nil {
		m.observer.OnWatchError("", le, true)
	}
	return le
}

// Stop cancels the subscription, if any. It is safe to call repeatedly and
// the handle is invalid as soon as it returns.
func (m *WatchManager) Stop() {
	m.mu.Lock()
	s := m.active
	m.active = nil
	m.tracking = false
	if s != nil {
		m.stats.Stopped++
	}
	m.mu.Unlock()

	if s == nil {
		return
	}
	if s.source != "" {
		m.source.Cancel(s.source)
	}
	monitoring.Logf("location: watch %s stopped", s.handle)
}

// Toggle stops when tracking and starts otherwise.
func (m *WatchManager) Toggle(ctx context.Context) (WatchHandle, error) {
	if m.IsTracking() {
		m.Stop()
		return "", nil
	}
	return m.Start(ctx)
}

// Close releases any present handle, stale or live, and refuses further
// starts.
func (m *WatchManager) Close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.Stop()
}

func (m *WatchManager) deliver(s *session, p Position) {
	if err := p.Validate(); err != nil {
		m.deliverError(s, NewError(CodePositionUnavailable, "invalid sample: %v", err))
		return
	}

	m.mu.Lock()
	if m.active != s || s.failed {
		m.stats.RejectedStale++
		m.mu.Unlock()
		return
	}
	m.latest = &p
	m.lastErr = nil
	m.stats.Accepted++
	m.mu.Unlock()

	if m.observer != nil {
		m.observer.OnPosition(s.handle, p)
	}
}

func (m *WatchManager) deliverError(s *session, err error) {
	le := AsError(err)

	m.mu.Lock()
	if m.active != s || s.failed {
		m.mu.Unlock()
		return
	}
	m.lastErr = le
	stopped := !le.Transient()
	if stopped {
		// The handle stays stale until Stop, Start or Close releases it.
		s.failed = true
		m.tracking = false
		m.stats.SessionFailures++
	}
	m.mu.Unlock()

	monitoring.Logf("location: watch %s error (stopped=%t): %v", s.handle, stopped, le)
	if m.observer != nil {
		m.observer.OnWatchError(s.handle, le, stopped)
	}
}

// IsTracking reports whether a live subscription exists.
func (m *WatchManager) IsTracking() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tracking
}

// Handle returns the current handle, which may be stale after a failure.
func (m *WatchManager) Handle() WatchHandle {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil {
		return ""
	}
	return m.active.handle
}

// Latest returns the most recent accepted sample.
func (m *WatchManager) Latest() (Position, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.latest == nil {
		return Position{}, false
	}
	return *m.latest, true
}

// LastError returns the most recent failure, cleared by the next sample.
func (m *WatchManager) LastError() *Error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}

// Stats returns a copy of the lifetime counters.
func (m *WatchManager) Stats() WatchStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}
