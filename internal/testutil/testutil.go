// Package testutil provides shared test utilities and fixtures.
//
// FakeSource is a scripted location.PositionSource used by the location,
// controller and API tests.
package testutil

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/banshee-data/livemap/internal/location"
)

// AssertStatusCode checks that the response status code matches expected.
func AssertStatusCode(t *testing.T, got, want int) {
	t.Helper()
	if got != want {
		t.Errorf("status code = %d, want %d", got, want)
	}
}

// NewTestRequest creates a test HTTP request.
func NewTestRequest(method, path string) *http.Request {
	return httptest.NewRequest(method, path, nil)
}

// NewTestRecorder creates a test response recorder.
func NewTestRecorder() *httptest.ResponseRecorder {
	return httptest.NewRecorder()
}

// London is a fixed sample used across tests.
func London() location.Position {
	return location.Position{
		Latitude:  51.5074,
		Longitude: -0.1278,
		Accuracy:  50,
		Timestamp: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
	}
}

// FakeSource is a PositionSource driven by the test. Subscriptions stay
// reachable after Cancel so tests can deliver late samples to them.
type FakeSource struct {
	mu sync.Mutex

	permission    location.PermissionState
	permissionErr error

	once      location.Position
	onceErr   error
	onceBlock chan struct{}

	subscribeErr error
	emptyHandle  bool
	syncErr      error

	next      int
	sinks     map[location.SourceHandle]location.Sink
	live      map[location.SourceHandle]bool
	cancelled []location.SourceHandle

	getOnceCalls   int
	subscribeCalls int
}

// NewFakeSource returns a source whose registry reports prompt and whose
// one-shot fetch returns London.
func NewFakeSource() *FakeSource {
	return &FakeSource{
		permission: location.PermissionPrompt,
		once:       London(),
		sinks:      make(map[location.SourceHandle]location.Sink),
		live:       make(map[location.SourceHandle]bool),
	}
}

// SetPermission scripts QueryPermission.
func (f *FakeSource) SetPermission(st location.PermissionState, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.permission, f.permissionErr = st, err
}

// SetOnce scripts GetOnce.
func (f *FakeSource) SetOnce(p location.Position, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.once, f.onceErr = p, err
}

// BlockOnce makes GetOnce wait until the returned function is called or
// the caller's context ends.
func (f *FakeSource) BlockOnce() (release func()) {
	ch := make(chan struct{})
	f.mu.Lock()
	f.onceBlock = ch
	f.mu.Unlock()
	var once sync.Once
	return func() { once.Do(func() { close(ch) }) }
}

// FailSubscribe makes Subscribe return err and no handle.
func (f *FakeSource) FailSubscribe(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribeErr, f.emptyHandle = err, true
}

// FailDuringSubscribe makes Subscribe deliver err to the sink before
// returning a valid handle.
func (f *FakeSource) FailDuringSubscribe(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.syncErr = err
}

// GetOnce implements location.PositionSource.
func (f *FakeSource) GetOnce(ctx context.Context) (location.Position, error) {
	f.mu.Lock()
	f.getOnceCalls++
	block := f.onceBlock
	f.mu.Unlock()

	if block != nil {
		select {
		case <-ctx.Done():
			return location.Position{}, ctx.Err()
		case <-block:
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	return f.once, f.onceErr
}

// Subscribe implements location.PositionSource.
func (f *FakeSource) Subscribe(sink location.Sink) (location.SourceHandle, error) {
	f.mu.Lock()
	f.subscribeCalls++
	if f.emptyHandle {
		err := f.subscribeErr
		f.mu.Unlock()
		return "", err
	}
	f.next++
	h := location.SourceHandle(fmt.Sprintf("fake-%d", f.next))
	f.sinks[h] = sink
	f.live[h] = true
	syncErr := f.syncErr
	f.mu.Unlock()

	if syncErr != nil && sink.OnError != nil {
		sink.OnError(syncErr)
	}
	return h, nil
}

// Cancel implements location.PositionSource.
func (f *FakeSource) Cancel(h location.SourceHandle) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.live[h] {
		delete(f.live, h)
		f.cancelled = append(f.cancelled, h)
	}
}

// QueryPermission implements location.PositionSource.
func (f *FakeSource) QueryPermission(context.Context) (location.PermissionState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.permission, f.permissionErr
}

// Emit delivers p to every live subscription.
func (f *FakeSource) Emit(p location.Position) {
	for _, s := range f.liveSinks() {
		if s.OnSample != nil {
			s.OnSample(p)
		}
	}
}

// EmitError delivers err to every live subscription.
func (f *FakeSource) EmitError(err error) {
	for _, s := range f.liveSinks() {
		if s.OnError != nil {
			s.OnError(err)
		}
	}
}

// EmitTo delivers p to subscription h even if it was cancelled.
func (f *FakeSource) EmitTo(h location.SourceHandle, p location.Position) {
	f.mu.Lock()
	s, ok := f.sinks[h]
	f.mu.Unlock()
	if ok && s.OnSample != nil {
		s.OnSample(p)
	}
}

func (f *FakeSource) liveSinks() []location.Sink {
	f.mu.Lock()
	defer f.mu.Unlock()
	hs := make([]string, 0, len(f.live))
	for h := range f.live {
		hs = append(hs, string(h))
	}
	sort.Strings(hs)
	out := make([]location.Sink, 0, len(hs))
	for _, h := range hs {
		out = append(out, f.sinks[location.SourceHandle(h)])
	}
	return out
}

// Live returns the handles that have not been cancelled.
func (f *FakeSource) Live() []location.SourceHandle {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]location.SourceHandle, 0, len(f.live))
	for h := range f.live {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Cancelled returns cancelled handles in cancellation order.
func (f *FakeSource) Cancelled() []location.SourceHandle {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]location.SourceHandle(nil), f.cancelled...)
}

// SubscribeCalls counts Subscribe invocations.
func (f *FakeSource) SubscribeCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.subscribeCalls
}

// GetOnceCalls counts GetOnce invocations.
func (f *FakeSource) GetOnceCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.getOnceCalls
}
