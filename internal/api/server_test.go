package api

import (
	"context"
	"encoding/json"
	"fmt"
	"image/png"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geo"
	"github.com/paulmach/orb/geojson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/livemap/internal/db"
	"github.com/banshee-data/livemap/internal/httputil"
	"github.com/banshee-data/livemap/internal/livelocation"
	"github.com/banshee-data/livemap/internal/location"
	"github.com/banshee-data/livemap/internal/monitoring"
	"github.com/banshee-data/livemap/internal/render"
	"github.com/banshee-data/livemap/internal/testutil"
	"github.com/banshee-data/livemap/internal/timeutil"
	"github.com/banshee-data/livemap/internal/units"
)

type testEnv struct {
	srv      *Server
	mux      *http.ServeMux
	src      *testutil.FakeSource
	ctrl     *livelocation.Controller
	pipeline *render.Pipeline
	history  *db.DB
}

func openHistory(t *testing.T) *db.DB {
	t.Helper()
	history, err := db.NewDB(cloneAPITestDB(t))
	require.NoError(t, err)
	t.Cleanup(func() { history.Close() })
	return history
}

func newTestEnv(t *testing.T, withHistory bool) *testEnv {
	t.Helper()
	clock := timeutil.NewMockClock(testutil.London().Timestamp)
	src := testutil.NewFakeSource()
	ctrl := livelocation.New(src, livelocation.Options{Clock: clock})
	t.Cleanup(ctrl.Close)

	surface, err := render.NewImageSurface(64, 48)
	require.NoError(t, err)
	pipeline := render.NewPipeline(render.DefaultConfig(), surface, clock)
	ctrl.Subscribe(RenderState(pipeline))

	env := &testEnv{src: src, ctrl: ctrl, pipeline: pipeline}
	opts := Options{Controller: ctrl, Pipeline: pipeline}
	if withHistory {
		env.history = openHistory(t)
		opts.History = env.history
		opts.Recorder = db.NewRecorder(env.history, "test", clock)
	}
	env.srv = NewServer(opts)
	env.mux = env.srv.ServeMux()
	env.srv.AttachAdminRoutes(env.mux)
	return env
}

func (e *testEnv) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	} else {
		req = testutil.NewTestRequest(method, path)
	}
	req.RemoteAddr = "127.0.0.1:12345"
	w := testutil.NewTestRecorder()
	e.mux.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.NewDecoder(w.Body).Decode(v), "body: %s", w.Body.String())
}

func (e *testEnv) state(t *testing.T) StateResponse {
	t.Helper()
	w := e.do(t, http.MethodGet, "/api/state", "")
	testutil.AssertStatusCode(t, w.Code, http.StatusOK)
	var st StateResponse
	decode(t, w, &st)
	return st
}

func moving() location.Position {
	p := testutil.London()
	p.Speed = location.Float64(10)
	p.Heading = location.Float64(90)
	return p
}

func TestServeMux_ReturnsSameMux(t *testing.T) {
	env := newTestEnv(t, false)
	assert.Same(t, env.srv.ServeMux(), env.srv.ServeMux())
}

func TestState_Initial(t *testing.T) {
	env := newTestEnv(t, false)
	st := env.state(t)

	assert.Equal(t, location.PermissionUnknown, st.Permission)
	assert.False(t, st.HasLocation)
	assert.False(t, st.IsTracking)
	assert.Empty(t, st.Retry)
	assert.Equal(t, "mps", st.SpeedUnits)
	assert.Equal(t, 15, st.Render.Zoom)

	w := env.do(t, http.MethodPost, "/api/state", "")
	testutil.AssertStatusCode(t, w.Code, http.StatusMethodNotAllowed)
}

func TestLocation_Success(t *testing.T) {
	env := newTestEnv(t, false)

	w := env.do(t, http.MethodPost, "/api/location", "")
	testutil.AssertStatusCode(t, w.Code, http.StatusOK)
	var p location.Position
	decode(t, w, &p)
	assert.Equal(t, testutil.London().Latitude, p.Latitude)

	st := env.state(t)
	assert.True(t, st.HasLocation)
	assert.Equal(t, location.PermissionGranted, st.Permission)
	assert.Equal(t, "50 m", st.AccuracyLabel)
	require.NotNil(t, st.Coordinates)
	assert.Equal(t, testutil.London().Longitude, st.Coordinates.Longitude)
}

func TestLocation_PermissionDenied(t *testing.T) {
	env := newTestEnv(t, false)
	env.src.SetOnce(location.Position{}, location.ErrPermissionDenied)

	w := env.do(t, http.MethodPost, "/api/location", "")
	testutil.AssertStatusCode(t, w.Code, http.StatusForbidden)
	var body map[string]string
	decode(t, w, &body)
	assert.Equal(t, httputil.RetryPermission, body["retry"])
	assert.Equal(t, string(location.CodePermissionDenied), body["code"])

	st := env.state(t)
	assert.True(t, st.IsPermissionDenied)
	assert.Equal(t, httputil.RetryPermission, st.Retry)

	// Tracking is refused until permission is requested again.
	w = env.do(t, http.MethodPost, "/api/tracking/start", "")
	testutil.AssertStatusCode(t, w.Code, http.StatusForbidden)
	assert.False(t, env.state(t).IsTracking)
}

func TestLocation_SensorFailureRetriesLocation(t *testing.T) {
	env := newTestEnv(t, false)
	env.src.SetOnce(location.Position{}, location.ErrPositionUnavailable)

	w := env.do(t, http.MethodPost, "/api/location", "")
	testutil.AssertStatusCode(t, w.Code, http.StatusServiceUnavailable)
	assert.Equal(t, httputil.RetryLocation, env.state(t).Retry)

	w = env.do(t, http.MethodPost, "/api/error/clear", "")
	testutil.AssertStatusCode(t, w.Code, http.StatusOK)
	var st StateResponse
	decode(t, w, &st)
	assert.Nil(t, st.Error)
	assert.Empty(t, st.Retry)
}

// frameTexts redraws the map and returns the labels in its display list.
func (e *testEnv) frameTexts(t *testing.T) []string {
	t.Helper()
	testutil.AssertStatusCode(t, e.do(t, http.MethodGet, "/api/map.png", "").Code, http.StatusOK)
	w := e.do(t, http.MethodGet, "/debug/frame", "")
	testutil.AssertStatusCode(t, w.Code, http.StatusOK)
	var cmds []map[string]interface{}
	decode(t, w, &cmds)
	var texts []string
	for _, c := range cmds {
		if s, ok := c["Text"].(string); ok && s != "" {
			texts = append(texts, s)
		}
	}
	return texts
}

func TestMapPlaceholderFollowsRetryKind(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"permission denied", location.ErrPermissionDenied, LabelPermissionDenied},
		{"sensor failure", location.ErrPositionUnavailable, LabelLocationUnavailable},
		{"timeout", location.ErrTimeout, LabelLocationUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, false)
			assert.NotContains(t, env.frameTexts(t), tt.want)

			env.src.SetOnce(location.Position{}, tt.err)
			env.do(t, http.MethodPost, "/api/location", "")
			assert.Contains(t, env.frameTexts(t), tt.want)
		})
	}
}

func TestPlaceholderLabel(t *testing.T) {
	assert.Empty(t, PlaceholderLabel(livelocation.State{Permission: location.PermissionPrompt}))
	assert.Equal(t, LabelPermissionDenied, PlaceholderLabel(livelocation.State{Permission: location.PermissionDenied}))
	assert.Equal(t, LabelLocationUnavailable, PlaceholderLabel(livelocation.State{
		Permission: location.PermissionGranted,
		Error:      location.NewError(location.CodeTimeout, "no fix"),
	}))
}

func TestTracking_Lifecycle(t *testing.T) {
	env := newTestEnv(t, false)

	w := env.do(t, http.MethodPost, "/api/tracking/start", "")
	testutil.AssertStatusCode(t, w.Code, http.StatusOK)
	var st StateResponse
	decode(t, w, &st)
	assert.True(t, st.IsTracking)

	env.src.Emit(moving())
	st = env.state(t)
	require.True(t, st.HasLocation)
	require.NotNil(t, st.Speed)
	assert.InDelta(t, 10.0, *st.Speed, 1e-9)
	assert.Equal(t, location.PermissionGranted, st.Permission)

	w = env.do(t, http.MethodPost, "/api/tracking/toggle", "")
	testutil.AssertStatusCode(t, w.Code, http.StatusOK)
	decode(t, w, &st)
	assert.False(t, st.IsTracking)

	w = env.do(t, http.MethodPost, "/api/tracking/toggle", "")
	testutil.AssertStatusCode(t, w.Code, http.StatusOK)
	assert.True(t, env.state(t).IsTracking)

	w = env.do(t, http.MethodPost, "/api/tracking/stop", "")
	testutil.AssertStatusCode(t, w.Code, http.StatusOK)
	assert.False(t, env.state(t).IsTracking)
	assert.Equal(t, 2, env.ctrl.WatchStats().Started)
}

func TestTracking_BadRequests(t *testing.T) {
	env := newTestEnv(t, false)

	w := env.do(t, http.MethodPost, "/api/tracking/pause", "")
	testutil.AssertStatusCode(t, w.Code, http.StatusNotFound)

	w = env.do(t, http.MethodGet, "/api/tracking/start", "")
	testutil.AssertStatusCode(t, w.Code, http.StatusMethodNotAllowed)
}

func TestTracking_SubscriptionFailure(t *testing.T) {
	env := newTestEnv(t, false)
	env.src.FailSubscribe(nil)

	w := env.do(t, http.MethodPost, "/api/tracking/start", "")
	testutil.AssertStatusCode(t, w.Code, http.StatusServiceUnavailable)
	var body map[string]string
	decode(t, w, &body)
	assert.Equal(t, string(location.CodeSubscriptionFailedToStart), body["code"])
	assert.False(t, env.state(t).IsTracking)
}

func TestPermission(t *testing.T) {
	env := newTestEnv(t, false)

	w := env.do(t, http.MethodPost, "/api/permission", "")
	testutil.AssertStatusCode(t, w.Code, http.StatusOK)
	var st StateResponse
	decode(t, w, &st)
	assert.Equal(t, location.PermissionGranted, st.Permission)
	assert.True(t, st.HasLocation)

	w = env.do(t, http.MethodGet, "/api/permission", "")
	testutil.AssertStatusCode(t, w.Code, http.StatusOK)
	var body map[string]string
	decode(t, w, &body)
	assert.Equal(t, "granted", body["permission"])

	w = env.do(t, http.MethodDelete, "/api/permission", "")
	testutil.AssertStatusCode(t, w.Code, http.StatusMethodNotAllowed)
}

func TestPermission_Denied(t *testing.T) {
	env := newTestEnv(t, false)
	env.src.SetOnce(location.Position{}, location.ErrPermissionDenied)

	w := env.do(t, http.MethodPost, "/api/permission", "")
	testutil.AssertStatusCode(t, w.Code, http.StatusForbidden)
	assert.True(t, env.state(t).IsPermissionDenied)
}

func TestZoom(t *testing.T) {
	env := newTestEnv(t, false)

	tests := []struct {
		name     string
		body     string
		wantCode int
		wantZoom int
	}{
		{"absolute", `{"zoom": 3}`, http.StatusOK, 3},
		{"zoom in", `{"delta": 1}`, http.StatusOK, 4},
		{"zoom out", `{"delta": -1}`, http.StatusOK, 3},
		{"clamped high", `{"zoom": 99}`, http.StatusOK, 20},
		{"zoom in at max", `{"delta": 1}`, http.StatusOK, 20},
		{"clamped low", `{"zoom": -4}`, http.StatusOK, 1},
		{"both", `{"zoom": 5, "delta": 1}`, http.StatusBadRequest, 1},
		{"neither", `{}`, http.StatusBadRequest, 1},
		{"unknown field", `{"level": 5}`, http.StatusBadRequest, 1},
		{"malformed", `{"zoom":`, http.StatusBadRequest, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(t, http.MethodPost, "/api/zoom", tt.body)
			testutil.AssertStatusCode(t, w.Code, tt.wantCode)
			assert.Equal(t, tt.wantZoom, env.pipeline.Config().Zoom)
		})
	}

	w := env.do(t, http.MethodGet, "/api/zoom", "")
	testutil.AssertStatusCode(t, w.Code, http.StatusOK)
	var body map[string]interface{}
	decode(t, w, &body)
	assert.Equal(t, float64(1), body["zoom"])
	assert.Equal(t, false, body["can_zoom_out"])
	assert.Equal(t, true, body["can_zoom_in"])
}

func TestStyle(t *testing.T) {
	env := newTestEnv(t, false)

	w := env.do(t, http.MethodPost, "/api/style", `{"style": "dark"}`)
	testutil.AssertStatusCode(t, w.Code, http.StatusOK)
	assert.Equal(t, render.StyleDark, env.pipeline.Config().Style)

	w = env.do(t, http.MethodPost, "/api/style", `{"style": "sepia"}`)
	testutil.AssertStatusCode(t, w.Code, http.StatusBadRequest)
	assert.Equal(t, render.StyleDark, env.pipeline.Config().Style)
}

func TestMapPNG(t *testing.T) {
	env := newTestEnv(t, false)

	w := env.do(t, http.MethodGet, "/api/map.png", "")
	testutil.AssertStatusCode(t, w.Code, http.StatusOK)
	assert.Equal(t, "image/png", w.Header().Get("Content-Type"))
	img, err := png.Decode(w.Body)
	require.NoError(t, err)
	assert.Equal(t, 64, img.Bounds().Dx())
	assert.Equal(t, 48, img.Bounds().Dy())
	assert.Equal(t, render.StatusLoading, env.state(t).RenderStatus)

	env.src.Emit(testutil.London()) // not tracking, dropped
	env.do(t, http.MethodPost, "/api/location", "")
	w = env.do(t, http.MethodGet, "/api/map.png", "")
	testutil.AssertStatusCode(t, w.Code, http.StatusOK)
	assert.Equal(t, render.StatusReady, env.state(t).RenderStatus)
}

func TestMapPNG_NoSurface(t *testing.T) {
	env := newTestEnv(t, false)
	env.pipeline.SetSurface(nil)

	w := env.do(t, http.MethodGet, "/api/map.png", "")
	testutil.AssertStatusCode(t, w.Code, http.StatusServiceUnavailable)
	assert.Equal(t, render.StatusUnavailable, env.state(t).RenderStatus)
}

func TestViewport(t *testing.T) {
	env := newTestEnv(t, false)

	w := env.do(t, http.MethodPost, "/api/viewport", `{"width": 80, "height": 60}`)
	testutil.AssertStatusCode(t, w.Code, http.StatusOK)
	var cfg render.Config
	decode(t, w, &cfg)
	assert.Equal(t, 80, cfg.Viewport.Width)
	assert.Equal(t, 60, cfg.Viewport.Height)

	w = env.do(t, http.MethodGet, "/api/map.png", "")
	img, err := png.Decode(w.Body)
	require.NoError(t, err)
	assert.Equal(t, 80, img.Bounds().Dx())

	w = env.do(t, http.MethodPost, "/api/viewport", `{"width": 8, "height": 60}`)
	testutil.AssertStatusCode(t, w.Code, http.StatusBadRequest)
}

func TestAccuracyGeoJSON(t *testing.T) {
	env := newTestEnv(t, false)

	w := env.do(t, http.MethodGet, "/api/accuracy.geojson", "")
	testutil.AssertStatusCode(t, w.Code, http.StatusNotFound)

	env.src.SetOnce(moving(), nil)
	env.do(t, http.MethodPost, "/api/location", "")

	w = env.do(t, http.MethodGet, "/api/accuracy.geojson?segments=32", "")
	testutil.AssertStatusCode(t, w.Code, http.StatusOK)
	assert.Equal(t, "application/geo+json", w.Header().Get("Content-Type"))

	fc, err := geojson.UnmarshalFeatureCollection(w.Body.Bytes())
	require.NoError(t, err)
	require.Len(t, fc.Features, 2)

	point, ok := fc.Features[0].Geometry.(orb.Point)
	require.True(t, ok)
	assert.Equal(t, testutil.London().Longitude, point.Lon())
	assert.Equal(t, 90.0, fc.Features[0].Properties["heading"])

	poly, ok := fc.Features[1].Geometry.(orb.Polygon)
	require.True(t, ok)
	require.Len(t, poly, 1)
	ring := poly[0]
	assert.Len(t, ring, 33)
	assert.True(t, ring.Closed())
	assert.Equal(t, orb.CCW, ring.Orientation())
	// 50 m radius circle.
	assert.InEpsilon(t, 3.14159*50*50, geo.Area(poly), 0.03)

	w = env.do(t, http.MethodGet, "/api/accuracy.geojson?segments=2", "")
	testutil.AssertStatusCode(t, w.Code, http.StatusBadRequest)
}

func TestHistory(t *testing.T) {
	env := newTestEnv(t, true)
	ctx := context.Background()

	base := moving()
	for i := 0; i < 3; i++ {
		p := base
		p.Latitude += float64(i) * 0.001 // ~111 m north per step
		p.Timestamp = base.Timestamp.Add(time.Duration(i) * time.Second)
		_, err := env.history.RecordPosition(ctx, "", p)
		require.NoError(t, err)
	}

	w := env.do(t, http.MethodGet, "/api/history?units=kmph", "")
	testutil.AssertStatusCode(t, w.Code, http.StatusOK)
	var h HistoryResponse
	decode(t, w, &h)
	require.Len(t, h.Positions, 3)
	assert.Equal(t, "kmph", h.SpeedUnits)
	require.NotNil(t, h.Positions[0].Position.Speed)
	assert.InDelta(t, 36.0, *h.Positions[0].Position.Speed, 1e-9)
	assert.InDelta(t, 222.6, h.LengthM, 1.0)
	assert.Equal(t, units.FormatDistance(h.LengthM), h.Length)

	w = env.do(t, http.MethodGet, "/api/history?limit=1", "")
	decode(t, w, &h)
	assert.Len(t, h.Positions, 1)
	assert.Zero(t, h.LengthM)

	for _, q := range []string{"limit=0", "limit=abc", "units=furlongs"} {
		w = env.do(t, http.MethodGet, "/api/history?"+q, "")
		testutil.AssertStatusCode(t, w.Code, http.StatusBadRequest)
	}
}

func TestHistory_Disabled(t *testing.T) {
	env := newTestEnv(t, false)
	for _, path := range []string{"/api/history", "/api/sessions", "/debug/accuracy"} {
		w := env.do(t, http.MethodGet, path, "")
		testutil.AssertStatusCode(t, w.Code, http.StatusNotFound)
	}
}

func TestSessions(t *testing.T) {
	env := newTestEnv(t, true)

	w := env.do(t, http.MethodGet, "/api/sessions", "")
	testutil.AssertStatusCode(t, w.Code, http.StatusOK)
	assert.JSONEq(t, `[]`, w.Body.String())

	require.NoError(t, env.history.StartSession(context.Background(), "s1", "test", testutil.London().Timestamp))
	w = env.do(t, http.MethodGet, "/api/sessions", "")
	var sessions []db.Session
	decode(t, w, &sessions)
	require.Len(t, sessions, 1)
	assert.Equal(t, "s1", sessions[0].ID)
}

func TestVersion(t *testing.T) {
	env := newTestEnv(t, false)
	w := env.do(t, http.MethodGet, "/api/version", "")
	testutil.AssertStatusCode(t, w.Code, http.StatusOK)
	var body map[string]string
	decode(t, w, &body)
	assert.Equal(t, "dev", body["version"])
}

func TestMetrics(t *testing.T) {
	env := newTestEnv(t, true)
	env.do(t, http.MethodPost, "/api/tracking/start", "")
	env.src.Emit(moving())

	w := env.do(t, http.MethodGet, "/metrics", "")
	testutil.AssertStatusCode(t, w.Code, http.StatusOK)
	body := w.Body.String()
	for _, line := range []string{
		"livemap_watch_started_total 1",
		"livemap_tracking 1",
		"livemap_recorder_dropped_total 0",
		"# TYPE livemap_render_frames_total counter",
	} {
		assert.Contains(t, body, line)
	}
	assert.NotContains(t, body, "livemap_gps_", "no receiver configured")

	env.do(t, http.MethodPost, "/api/tracking/stop", "")
	body = env.do(t, http.MethodGet, "/metrics", "").Body.String()
	assert.Contains(t, body, "livemap_tracking 0")
	assert.Contains(t, body, "livemap_watch_stopped_total 1")
}

func TestDebugRoutes(t *testing.T) {
	env := newTestEnv(t, true)
	_, err := env.history.RecordPosition(context.Background(), "", moving())
	require.NoError(t, err)
	env.do(t, http.MethodPost, "/api/location", "")
	env.do(t, http.MethodGet, "/api/map.png", "")

	w := env.do(t, http.MethodGet, "/debug/livemap", "")
	testutil.AssertStatusCode(t, w.Code, http.StatusOK)
	var st DebugStatus
	decode(t, w, &st)
	assert.NotZero(t, st.Pipeline.Frames)
	require.NotNil(t, st.Recorder)

	w = env.do(t, http.MethodGet, "/debug/frame", "")
	testutil.AssertStatusCode(t, w.Code, http.StatusOK)
	var cmds []map[string]interface{}
	decode(t, w, &cmds)
	assert.NotEmpty(t, cmds)

	w = env.do(t, http.MethodGet, "/debug/accuracy", "")
	testutil.AssertStatusCode(t, w.Code, http.StatusOK)
	assert.Contains(t, w.Header().Get("Content-Type"), "text/html")
	assert.Contains(t, w.Body.String(), "Horizontal accuracy")
}

func TestLoggingMiddleware(t *testing.T) {
	var lines []string
	orig := monitoring.Logf
	monitoring.SetLogger(func(format string, v ...interface{}) {
		lines = append(lines, fmt.Sprintf(format, v...))
	})
	defer monitoring.SetLogger(orig)
	monitoring.SetVerbose(false)

	handler := LoggingMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/state", nil))

	testutil.AssertStatusCode(t, w.Code, http.StatusTeapot)
	require.Len(t, lines, 1)
	assert.Contains(t, lines[0], "418")
	assert.Contains(t, lines[0], "/api/state")

	// Frame polling stays quiet unless verbose.
	handler = LoggingMiddleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/map.png", nil))
	assert.Len(t, lines, 1)

	monitoring.SetVerbose(true)
	defer monitoring.SetVerbose(false)
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/map.png", nil))
	assert.Len(t, lines, 2)
}

func TestStatusCodeColor(t *testing.T) {
	tests := []struct {
		code  int
		color string
	}{
		{200, colorBoldGreen},
		{204, colorBoldGreen},
		{304, colorYellow},
		{404, colorBoldRed},
		{503, colorBoldRed},
	}
	for _, tt := range tests {
		got := statusCodeColor(tt.code)
		assert.True(t, strings.HasPrefix(got, tt.color), "code %d", tt.code)
		assert.Contains(t, got, strconv.Itoa(tt.code))
	}
	assert.Equal(t, "101", statusCodeColor(101))
}
