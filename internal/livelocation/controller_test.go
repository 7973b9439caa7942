package livelocation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/livemap/internal/location"
	"github.com/banshee-data/livemap/internal/testutil"
	"github.com/banshee-data/livemap/internal/timeutil"
)

var epoch = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

type callbacks struct {
	mu        sync.Mutex
	locations []location.Position
	errs      []*location.Error
}

func (cb *callbacks) options() Options {
	return Options{
		OnLocationUpdate: func(p location.Position) {
			cb.mu.Lock()
			cb.locations = append(cb.locations, p)
			cb.mu.Unlock()
		},
		OnError: func(e *location.Error) {
			cb.mu.Lock()
			cb.errs = append(cb.errs, e)
			cb.mu.Unlock()
		},
	}
}

func (cb *callbacks) counts() (int, int) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return len(cb.locations), len(cb.errs)
}

// Scenario: prompt, request, granted, location populated by the implicit fetch.
func TestController_RequestPermissionGrants(t *testing.T) {
	src := testutil.NewFakeSource()
	cb := &callbacks{}
	c := New(src, cb.options())
	defer c.Close()

	require.Equal(t, location.PermissionPrompt, c.Init(context.Background()).Permission)

	st, err := c.RequestPermission(context.Background())
	require.NoError(t, err)
	assert.Equal(t, location.PermissionGranted, st)

	s := c.State()
	assert.Equal(t, location.PermissionGranted, s.Permission)
	assert.True(t, s.IsPermissionGranted)
	assert.True(t, s.HasLocation)
	require.NotNil(t, s.Coordinates)
	assert.Equal(t, testutil.London().Coordinates(), *s.Coordinates)
	assert.False(t, s.IsLoading)
	assert.False(t, s.IsTracking)

	locs, errs := cb.counts()
	assert.Equal(t, 1, locs)
	assert.Zero(t, errs)
}

// Scenario: starting while denied leaves tracking off with a denial error.
func TestController_StartTrackingWhileDenied(t *testing.T) {
	src := testutil.NewFakeSource()
	src.SetPermission(location.PermissionDenied, nil)
	cb := &callbacks{}
	c := New(src, cb.options())
	defer c.Close()
	c.Init(context.Background())

	err := c.StartTracking(context.Background())
	assert.ErrorIs(t, err, location.ErrPermissionDenied)

	s := c.State()
	assert.False(t, s.IsTracking)
	require.NotNil(t, s.Error)
	assert.Contains(t, s.Error.Message, "denied")
	assert.Equal(t, location.PermissionDenied, s.Permission)
	assert.True(t, s.IsPermissionDenied)
	assert.Zero(t, src.SubscribeCalls())
}

func TestController_AutoStartAfterGrant(t *testing.T) {
	src := testutil.NewFakeSource()
	c := New(src, Options{AutoStart: true})
	defer c.Close()
	c.Init(context.Background())
	assert.False(t, c.State().IsTracking)

	_, err := c.RequestPermission(context.Background())
	require.NoError(t, err)
	assert.True(t, c.State().IsTracking)

	// A second grant does not open a second subscription.
	_, err = c.RequestPermission(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, src.SubscribeCalls())
}

func TestController_AutoStartOnInitWhenGranted(t *testing.T) {
	src := testutil.NewFakeSource()
	src.SetPermission(location.PermissionGranted, nil)
	c := New(src, Options{AutoStart: true})
	defer c.Close()

	s := c.Init(context.Background())
	assert.True(t, s.IsTracking)
	assert.Len(t, src.Live(), 1)
}

func TestController_GetCurrentLocation(t *testing.T) {
	src := testutil.NewFakeSource()
	cb := &callbacks{}
	c := New(src, cb.options())
	defer c.Close()

	p, err := c.GetCurrentLocation(context.Background())
	require.NoError(t, err)
	assert.Equal(t, testutil.London(), p)

	s := c.State()
	assert.Equal(t, location.PermissionGranted, s.Permission)
	assert.Equal(t, &p, s.Location)
	locs, _ := cb.counts()
	assert.Equal(t, 1, locs)
}

func TestController_GetCurrentLocationFailureRejects(t *testing.T) {
	src := testutil.NewFakeSource()
	src.SetOnce(location.Position{}, location.ErrPermissionDenied)
	cb := &callbacks{}
	c := New(src, cb.options())
	defer c.Close()

	_, err := c.GetCurrentLocation(context.Background())
	assert.ErrorIs(t, err, location.ErrPermissionDenied)

	s := c.State()
	assert.Equal(t, location.PermissionDenied, s.Permission)
	require.NotNil(t, s.Error)
	assert.False(t, s.IsLoading)
	_, errs := cb.counts()
	assert.Equal(t, 1, errs)
}

func TestController_GetCurrentLocationTimesOut(t *testing.T) {
	clock := timeutil.NewMockClock(epoch)
	src := testutil.NewFakeSource()
	release := src.BlockOnce()
	defer release()

	c := New(src, Options{Clock: clock, Timeout: 5 * time.Second})
	defer c.Close()

	loading := make(chan struct{})
	var once sync.Once
	unsub := c.Subscribe(func(s State) {
		if s.IsLoading {
			once.Do(func() { close(loading) })
		}
	})
	defer unsub()

	errc := make(chan error, 1)
	go func() {
		_, err := c.GetCurrentLocation(context.Background())
		errc <- err
	}()

	<-loading
	clock.WaitForTimers(1)
	clock.Advance(5 * time.Second)

	select {
	case err := <-errc:
		assert.ErrorIs(t, err, location.ErrTimeout)
	case <-time.After(time.Second):
		t.Fatal("GetCurrentLocation did not time out")
	}
	assert.False(t, c.State().IsLoading)
	assert.ErrorIs(t, c.State().Error, location.ErrTimeout)
}

// A source without a permission registry is asked for a fix on Init; a
// fetch that never answers must not hold Init past the timeout.
func TestController_InitFetchIsBounded(t *testing.T) {
	clock := timeutil.NewMockClock(epoch)
	src := testutil.NewFakeSource()
	src.SetPermission("", location.ErrPermissionQueryUnsupported)
	release := src.BlockOnce()
	defer release()

	c := New(src, Options{Clock: clock, Timeout: 50 * time.Millisecond, AutoStart: true})
	defer c.Close()

	done := make(chan State, 1)
	go func() { done <- c.Init(context.Background()) }()

	clock.WaitForTimers(1)
	clock.Advance(50 * time.Millisecond)

	select {
	case st := <-done:
		assert.Equal(t, location.PermissionPrompt, st.Permission)
		assert.False(t, st.IsTracking)
		assert.Nil(t, st.Error)
	case <-time.After(time.Second):
		t.Fatal("Init blocked on the permission fetch")
	}
	assert.Equal(t, 1, src.GetOnceCalls())

	// The question is still open, so tracking is allowed.
	require.NoError(t, c.StartTracking(context.Background()))
}

func TestController_InitFetchAnswers(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want location.PermissionState
	}{
		{"fix", nil, location.PermissionGranted},
		{"denied", location.ErrPermissionDenied, location.PermissionDenied},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := testutil.NewFakeSource()
			src.SetPermission("", location.ErrPermissionQueryUnsupported)
			if tt.err != nil {
				src.SetOnce(location.Position{}, tt.err)
			}
			c := New(src, Options{})
			defer c.Close()
			assert.Equal(t, tt.want, c.Init(context.Background()).Permission)
		})
	}
}

// blockedCall starts fn against a blocking source and cancels its context
// once the fetch is under way.
func blockedCall(t *testing.T, src *testutil.FakeSource, fn func(ctx context.Context) error) error {
	t.Helper()
	release := src.BlockOnce()
	defer release()

	calls := src.GetOnceCalls()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errc := make(chan error, 1)
	go func() { errc <- fn(ctx) }()

	require.Eventually(t, func() bool { return src.GetOnceCalls() > calls }, time.Second, time.Millisecond)
	cancel()
	select {
	case err := <-errc:
		return err
	case <-time.After(time.Second):
		t.Fatal("call did not return after cancel")
		return nil
	}
}

func TestController_CancelledFetchLeavesState(t *testing.T) {
	src := testutil.NewFakeSource()
	cb := &callbacks{}
	opts := cb.options()
	opts.Clock = timeutil.NewMockClock(epoch)
	c := New(src, opts)
	defer c.Close()
	require.Equal(t, location.PermissionPrompt, c.Init(context.Background()).Permission)

	err := blockedCall(t, src, func(ctx context.Context) error {
		_, err := c.GetCurrentLocation(ctx)
		return err
	})
	assert.ErrorIs(t, err, context.Canceled)

	err = blockedCall(t, src, func(ctx context.Context) error {
		_, err := c.RequestPermission(ctx)
		return err
	})
	assert.ErrorIs(t, err, context.Canceled)

	s := c.State()
	assert.Equal(t, location.PermissionPrompt, s.Permission)
	assert.Nil(t, s.Error)
	assert.False(t, s.IsLoading)
	_, errs := cb.counts()
	assert.Zero(t, errs)

	require.NoError(t, c.StartTracking(context.Background()))
	assert.True(t, c.State().IsTracking)
}

func TestController_CancelledRequestKeepsDenied(t *testing.T) {
	src := testutil.NewFakeSource()
	src.SetPermission(location.PermissionDenied, nil)
	c := New(src, Options{Clock: timeutil.NewMockClock(epoch)})
	defer c.Close()
	c.Init(context.Background())

	err := blockedCall(t, src, func(ctx context.Context) error {
		_, err := c.RequestPermission(ctx)
		return err
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, location.PermissionDenied, c.State().Permission)
}

func TestController_TrackingFlow(t *testing.T) {
	src := testutil.NewFakeSource()
	cb := &callbacks{}
	c := New(src, cb.options())
	defer c.Close()
	c.Init(context.Background())

	require.NoError(t, c.StartTracking(context.Background()))
	require.NoError(t, c.StartTracking(context.Background()))
	assert.Equal(t, 1, src.SubscribeCalls())
	assert.True(t, c.State().IsTracking)

	// First sample promotes permission.
	src.Emit(testutil.London())
	s := c.State()
	assert.Equal(t, location.PermissionGranted, s.Permission)
	assert.True(t, s.HasLocation)

	c.StopTracking()
	c.StopTracking()
	assert.False(t, c.State().IsTracking)
	assert.Equal(t, location.PermissionGranted, c.State().Permission)
}

// Scenario: start, stop, start yields two handles with one live at the end.
func TestController_RestartUsesFreshHandle(t *testing.T) {
	src := testutil.NewFakeSource()
	c := New(src, Options{})
	defer c.Close()

	require.NoError(t, c.StartTracking(context.Background()))
	c.StopTracking()
	require.NoError(t, c.StartTracking(context.Background()))

	assert.Equal(t, 2, src.SubscribeCalls())
	assert.Len(t, src.Live(), 1)
	assert.Len(t, src.Cancelled(), 1)
}

// Scenario: a late sample from a cancelled subscription is ignored.
func TestController_LateSampleIgnored(t *testing.T) {
	src := testutil.NewFakeSource()
	c := New(src, Options{})
	defer c.Close()

	require.NoError(t, c.StartTracking(context.Background()))
	a := testutil.London()
	src.Emit(a)
	c.StopTracking()

	b := testutil.London()
	b.Latitude, b.Longitude = 48.8566, 2.3522
	src.EmitTo(src.Cancelled()[0], b)

	require.NotNil(t, c.State().Location)
	assert.Equal(t, a, *c.State().Location)
}

// A sample the watch manager accepted just before StopTracking reaches the
// controller after the handle is gone.
func TestController_SampleAfterStopIgnored(t *testing.T) {
	src := testutil.NewFakeSource()
	c := New(src, Options{})
	defer c.Close()

	require.NoError(t, c.StartTracking(context.Background()))
	h := c.watch.Handle()
	require.NotEmpty(t, h)
	c.StopTracking()

	c.OnPosition(h, testutil.London())
	s := c.State()
	assert.False(t, s.HasLocation)
	assert.Equal(t, location.PermissionPrompt, s.Permission)
}

func TestController_SubscriptionFailureStopsTracking(t *testing.T) {
	src := testutil.NewFakeSource()
	cb := &callbacks{}
	c := New(src, cb.options())
	defer c.Close()
	c.Init(context.Background())
	require.NoError(t, c.StartTracking(context.Background()))
	src.Emit(testutil.London())

	src.EmitError(location.ErrPositionUnavailable)
	s := c.State()
	assert.False(t, s.IsTracking)
	assert.ErrorIs(t, s.Error, location.ErrPositionUnavailable)
	assert.Equal(t, location.PermissionGranted, s.Permission)

	// Stop still clears the stale handle.
	c.StopTracking()
	assert.Len(t, src.Cancelled(), 1)
}

func TestController_SubscribeFailsToStart(t *testing.T) {
	src := testutil.NewFakeSource()
	src.FailSubscribe(errors.New("no receiver"))
	c := New(src, Options{})
	defer c.Close()

	err := c.StartTracking(context.Background())
	assert.ErrorIs(t, err, location.ErrSubscriptionFailedToStart)
	assert.False(t, c.State().IsTracking)
	assert.ErrorIs(t, c.State().Error, location.ErrSubscriptionFailedToStart)
}

func TestController_TransientTimeoutKeepsTracking(t *testing.T) {
	src := testutil.NewFakeSource()
	c := New(src, Options{})
	defer c.Close()
	require.NoError(t, c.StartTracking(context.Background()))

	src.EmitError(location.ErrTimeout)
	assert.True(t, c.State().IsTracking)
	assert.NotNil(t, c.State().Error)

	src.Emit(testutil.London())
	assert.Nil(t, c.State().Error)
}

func TestController_ToggleAndClearError(t *testing.T) {
	src := testutil.NewFakeSource()
	c := New(src, Options{})
	defer c.Close()

	require.NoError(t, c.ToggleTracking(context.Background()))
	assert.True(t, c.State().IsTracking)
	src.EmitError(location.ErrTimeout)

	c.ClearError()
	assert.Nil(t, c.State().Error)
	assert.True(t, c.State().IsTracking, "ClearError leaves tracking alone")

	require.NoError(t, c.ToggleTracking(context.Background()))
	assert.False(t, c.State().IsTracking)
}

func TestController_SubscribeReceivesOrderedSnapshots(t *testing.T) {
	src := testutil.NewFakeSource()
	c := New(src, Options{})
	defer c.Close()

	var mu sync.Mutex
	var seqs []uint64
	cancel := c.Subscribe(func(s State) {
		mu.Lock()
		seqs = append(seqs, s.Seq)
		mu.Unlock()
	})

	require.NoError(t, c.StartTracking(context.Background()))
	src.Emit(testutil.London())
	cancel()
	cancel()
	c.StopTracking()

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, seqs)
	for i := 1; i < len(seqs); i++ {
		assert.Greater(t, seqs[i], seqs[i-1])
	}
	last := seqs[len(seqs)-1]
	assert.Less(t, last, c.State().Seq, "unsubscribed listener saw a later change")
}

func TestController_PanickingCallbackIsContained(t *testing.T) {
	src := testutil.NewFakeSource()
	c := New(src, Options{OnLocationUpdate: func(location.Position) { panic("consumer bug") }})
	defer c.Close()

	assert.NotPanics(t, func() {
		_, err := c.GetCurrentLocation(context.Background())
		assert.NoError(t, err)
	})
	assert.True(t, c.State().HasLocation)
}

func TestController_CloseReleasesSubscription(t *testing.T) {
	src := testutil.NewFakeSource()
	c := New(src, Options{})
	require.NoError(t, c.StartTracking(context.Background()))

	c.Close()
	assert.Empty(t, src.Live())
	assert.False(t, c.State().IsTracking)
	assert.Error(t, c.StartTracking(context.Background()))
}

func TestController_NilSource(t *testing.T) {
	c := New(nil, Options{})
	defer c.Close()

	_, err := c.GetCurrentLocation(context.Background())
	assert.ErrorIs(t, err, location.ErrNotSupported)
	assert.ErrorIs(t, c.StartTracking(context.Background()), location.ErrPermissionDenied)
}
