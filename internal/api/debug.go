package api

import (
	"bytes"
	"fmt"
	"net/http"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"
	"tailscale.com/tsweb"

	"github.com/banshee-data/livemap/internal/db"
	"github.com/banshee-data/livemap/internal/httputil"
	"github.com/banshee-data/livemap/internal/location"
	"github.com/banshee-data/livemap/internal/render"
)

const echartsAssetsHost = "https://go-echarts.github.io/go-echarts-assets/assets/"

// DebugStatus is served at /debug/livemap.
type DebugStatus struct {
	Watch    location.WatchStats  `json:"watch"`
	Pipeline render.PipelineStats `json:"pipeline"`
	Recorder *db.RecorderStats    `json:"recorder,omitempty"`
	LastErr  string               `json:"last_render_error,omitempty"`
}

// AttachAdminRoutes registers the debug pages on mux. tsweb restricts them
// to loopback and tailnet clients.
func (s *Server) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)
	debug.Handle("livemap", "Controller, watch and render counters", http.HandlerFunc(s.handleDebugStatus))
	debug.Handle("frame", "Display list of the last rendered frame", http.HandlerFunc(s.handleDebugFrame))
	debug.Handle("accuracy", "Accuracy over the recent position history", http.HandlerFunc(s.handleAccuracyChart))
}

func (s *Server) handleDebugStatus(w http.ResponseWriter, r *http.Request) {
	st := DebugStatus{
		Watch:    s.ctrl.WatchStats(),
		Pipeline: s.pipeline.Stats(),
	}
	if s.recorder != nil {
		rs := s.recorder.Stats()
		st.Recorder = &rs
	}
	if err := s.pipeline.LastError(); err != nil {
		st.LastErr = err.Error()
	}
	httputil.WriteJSONOK(w, st)
}

func (s *Server) handleDebugFrame(w http.ResponseWriter, r *http.Request) {
	cmds := s.pipeline.LastCommands()
	if cmds == nil {
		cmds = []render.Command{}
	}
	httputil.WriteJSONOK(w, cmds)
}

// handleAccuracyChart renders reported accuracy and speed against sample
// time for the recent history.
// Query params:
//   - limit (optional; default 500)
func (s *Server) handleAccuracyChart(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		httputil.NotFound(w, "position history is disabled")
		return
	}
	limit, err := parseLimit(r, 500, 5000)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	recs, err := s.history.RecentPositions(r.Context(), limit)
	if err != nil {
		httputil.InternalServerError(w, err.Error())
		return
	}

	x := make([]string, 0, len(recs))
	accuracy := make([]opts.LineData, 0, len(recs))
	speed := make([]opts.LineData, 0, len(recs))
	for _, rec := range recs {
		x = append(x, rec.Position.Timestamp.Format("15:04:05"))
		accuracy = append(accuracy, opts.LineData{Value: rec.Position.Accuracy})
		if rec.Position.Speed != nil {
			speed = append(speed, opts.LineData{Value: *rec.Position.Speed})
		} else {
			speed = append(speed, opts.LineData{Value: "-"})
		}
	}

	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Position Accuracy", Theme: "dark", Width: "100%", Height: "600px", AssetsHost: echartsAssetsHost}),
		charts.WithTitleOpts(opts.Title{Title: "Horizontal accuracy", Subtitle: fmt.Sprintf("samples=%d", len(recs))}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithYAxisOpts(opts.YAxis{Name: "m, m/s"}),
		charts.WithDataZoomOpts(opts.DataZoom{Type: "slider"}),
	)
	line.SetXAxis(x).
		AddSeries("accuracy (m)", accuracy, charts.WithLineChartOpts(opts.LineChart{ShowSymbol: opts.Bool(false)})).
		AddSeries("speed (m/s)", speed, charts.WithLineChartOpts(opts.LineChart{ShowSymbol: opts.Bool(false), Smooth: opts.Bool(true)}))

	var buf bytes.Buffer
	if err := line.Render(&buf); err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to render chart: %v", err))
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}
