package testutil

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/banshee-data/livemap/internal/location"
)

func TestAssertStatusCode(t *testing.T) {
	t.Parallel()
	AssertStatusCode(t, http.StatusOK, http.StatusOK)
	AssertStatusCode(t, http.StatusNotFound, http.StatusNotFound)
}

func TestNewTestRequest(t *testing.T) {
	t.Parallel()

	req := NewTestRequest(http.MethodPost, "/api/tracking/start")
	if req.Method != http.MethodPost {
		t.Errorf("method = %s, want POST", req.Method)
	}
	if req.URL.Path != "/api/tracking/start" {
		t.Errorf("path = %s, want /api/tracking/start", req.URL.Path)
	}
	if rec := NewTestRecorder(); rec.Code != http.StatusOK {
		t.Errorf("recorder default code = %d, want 200", rec.Code)
	}
}

func TestFakeSource_SubscribeEmitCancel(t *testing.T) {
	t.Parallel()

	f := NewFakeSource()
	var got []location.Position
	h, err := f.Subscribe(location.Sink{OnSample: func(p location.Position) { got = append(got, p) }})
	if err != nil || h == "" {
		t.Fatalf("Subscribe() = %q, %v", h, err)
	}

	f.Emit(London())
	f.Cancel(h)
	f.Emit(London())
	if len(got) != 1 {
		t.Fatalf("delivered %d samples after cancel, want 1", len(got))
	}

	// Late delivery to a cancelled handle still reaches the sink.
	f.EmitTo(h, London())
	if len(got) != 2 {
		t.Fatalf("EmitTo delivered %d samples, want 2", len(got))
	}
	if c := f.Cancelled(); len(c) != 1 || c[0] != h {
		t.Errorf("Cancelled() = %v, want [%s]", c, h)
	}
	if len(f.Live()) != 0 {
		t.Errorf("Live() = %v, want none", f.Live())
	}
}

func TestFakeSource_FailSubscribe(t *testing.T) {
	t.Parallel()

	f := NewFakeSource()
	boom := errors.New("boom")
	f.FailSubscribe(boom)
	h, err := f.Subscribe(location.Sink{})
	if h != "" || !errors.Is(err, boom) {
		t.Errorf("Subscribe() = %q, %v; want empty handle and boom", h, err)
	}
}

func TestFakeSource_BlockOnce(t *testing.T) {
	t.Parallel()

	f := NewFakeSource()
	release := f.BlockOnce()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := f.GetOnce(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("GetOnce() error = %v, want deadline exceeded", err)
	}

	release()
	release()
	if _, err := f.GetOnce(context.Background()); err != nil {
		t.Fatalf("GetOnce() after release error = %v", err)
	}
	if f.GetOnceCalls() != 2 {
		t.Errorf("GetOnceCalls() = %d, want 2", f.GetOnceCalls())
	}
}
