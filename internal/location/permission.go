package location

import (
	"context"
	"errors"
	"sync"

	"github.com/banshee-data/livemap/internal/monitoring"
)

// PermissionState mirrors the platform's location permission.
type PermissionState string

const (
	PermissionUnknown PermissionState = "unknown"
	PermissionPrompt  PermissionState = "prompt"
	PermissionGranted PermissionState = "granted"
	PermissionDenied  PermissionState = "denied"
)

// Valid reports whether s is one of the four known states.
func (s PermissionState) Valid() bool {
	switch s {
	case PermissionUnknown, PermissionPrompt, PermissionGranted, PermissionDenied:
		return true
	}
	return false
}

// cause records why a transition is being attempted.
type cause int

const (
	causeQuery    cause = iota // permission registry answer
	causeObserved              // a fetch or sample succeeded/failed
	causeRequest               // explicit permission request
)

// allowed encodes the transition rules:
//   - nothing ever moves back to unknown, and granted never becomes prompt
//   - denied only becomes granted through an explicit request
//   - prompt/unknown resolve to granted|denied from a request or an observation
func allowed(from, to PermissionState, c cause) bool {
	if from == to {
		return false
	}
	switch to {
	case PermissionUnknown:
		return false
	case PermissionPrompt:
		return from == PermissionUnknown || (from == PermissionDenied && c == causeRequest)
	case PermissionGranted:
		if from == PermissionDenied {
			return c == causeRequest
		}
		return true
	case PermissionDenied:
		return true
	}
	return false
}

// PermissionMachine tracks the permission state for one controller.
type PermissionMachine struct {
	source PositionSource

	mu        sync.Mutex
	state     PermissionState
	listeners []func(PermissionState)
}

// NewPermissionMachine starts in PermissionUnknown.
func NewPermissionMachine(source PositionSource) *PermissionMachine {
	return &PermissionMachine{source: source, state: PermissionUnknown}
}

// State returns the current permission.
func (m *PermissionMachine) State() PermissionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// OnChange registers a listener for effective transitions.
func (m *PermissionMachine) OnChange(fn func(PermissionState)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, fn)
}

func (m *PermissionMachine) apply(to PermissionState, c cause) PermissionState {
	m.mu.Lock()
	from := m.state
	if !allowed(from, to, c) {
		m.mu.Unlock()
		return from
	}
	m.state = to
	listeners := append([]func(PermissionState){}, m.listeners...)
	m.mu.Unlock()

	monitoring.Logf("location: permission %s -> %s", from, to)
	for _, fn := range listeners {
		fn(to)
	}
	return to
}

// ObserveSuccess records a successful fetch or sample.
func (m *PermissionMachine) ObserveSuccess() PermissionState {
	return m.apply(PermissionGranted, causeObserved)
}

// ObserveFailure records a failed fetch or subscription. Sensor failures
// resolve an undecided permission to denied but never downgrade granted;
// only an explicit permission denial does that.
func (m *PermissionMachine) ObserveFailure(err error) PermissionState {
	le := AsError(err)
	if le == nil {
		return m.State()
	}
	if le.Code != CodePermissionDenied && m.State() == PermissionGranted {
		return PermissionGranted
	}
	return m.apply(PermissionDenied, causeObserved)
}

// Check consults the permission registry, falling back to a one-shot fetch
// when the source has none. fetch bounds that fallback; nil means the
// source's GetOnce. Check never fails: anything unexpected is prompt, and a
// fetch that times out leaves the question open.
func (m *PermissionMachine) Check(ctx context.Context, fetch func(context.Context) (Position, error)) PermissionState {
	if m.source == nil {
		return m.apply(PermissionDenied, causeObserved)
	}

	st, err := m.source.QueryPermission(ctx)
	switch {
	case err == nil && st.Valid():
		if st == PermissionUnknown {
			st = PermissionPrompt
		}
		return m.apply(st, causeQuery)
	case errors.Is(err, ErrPermissionQueryUnsupported):
		if fetch == nil {
			fetch = m.source.GetOnce
		}
		_, ferr := fetch(ctx)
		switch {
		case ferr == nil:
			return m.ObserveSuccess()
		case CallerCanceled(ctx, ferr):
			return m.State()
		case errors.Is(ferr, ErrTimeout):
			return m.apply(PermissionPrompt, causeQuery)
		}
		return m.ObserveFailure(ferr)
	default:
		if err != nil {
			monitoring.Logf("location: permission query failed: %v", err)
		}
		return m.apply(PermissionPrompt, causeQuery)
	}
}

// Request actively prompts by performing a one-shot fetch. The fetched
// position is returned as a byproduct; on failure the error is returned too.
func (m *PermissionMachine) Request(ctx context.Context, fetch func(context.Context) (Position, error)) (PermissionState, *Position, error) {
	if m.source == nil && fetch == nil {
		m.apply(PermissionDenied, causeRequest)
		return m.State(), nil, ErrNotSupported
	}
	if fetch == nil {
		fetch = m.source.GetOnce
	}

	prev := m.State()
	m.apply(PermissionPrompt, causeRequest)

	pos, err := fetch(ctx)
	if err != nil {
		if CallerCanceled(ctx, err) {
			if prev == PermissionDenied {
				m.apply(PermissionDenied, causeRequest)
			}
			return m.State(), nil, ctx.Err()
		}
		le := AsError(err)
		if le.Code == CodePermissionDenied || m.State() != PermissionGranted {
			m.apply(PermissionDenied, causeRequest)
		}
		return m.State(), nil, le
	}
	m.apply(PermissionGranted, causeRequest)
	return m.State(), &pos, nil
}
