// Package api is the HTTP presentation layer over the live location
// controller and the map render pipeline.
package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geo"
	"github.com/paulmach/orb/geojson"

	"github.com/banshee-data/livemap/internal/db"
	"github.com/banshee-data/livemap/internal/gps"
	"github.com/banshee-data/livemap/internal/httputil"
	"github.com/banshee-data/livemap/internal/livelocation"
	"github.com/banshee-data/livemap/internal/location"
	"github.com/banshee-data/livemap/internal/projection"
	"github.com/banshee-data/livemap/internal/render"
	"github.com/banshee-data/livemap/internal/units"
	"github.com/banshee-data/livemap/internal/version"
)

const (
	maxBodyBytes    = 64 << 10
	minViewportSide = 16
	maxViewportSide = 4096
	maxSegments     = 720
)

// Options configure a Server. History and Recorder are optional.
type Options struct {
	Controller *livelocation.Controller
	Pipeline   *render.Pipeline
	History    *db.DB
	Recorder   *db.Recorder
	// Receiver adds NMEA counters to /metrics when set.
	Receiver *gps.Receiver
	// Units is the speed unit used in responses; defaults to m/s.
	Units string
}

type Server struct {
	ctrl     *livelocation.Controller
	pipeline *render.Pipeline
	history  *db.DB
	recorder *db.Recorder
	receiver *gps.Receiver
	units    string

	muxOnce sync.Once
	mux     *http.ServeMux
}

func NewServer(opts Options) *Server {
	u := opts.Units
	if !units.IsValid(u) {
		u = units.MPS
	}
	return &Server{
		ctrl:     opts.Controller,
		pipeline: opts.Pipeline,
		history:  opts.History,
		recorder: opts.Recorder,
		receiver: opts.Receiver,
		units:    u,
	}
}

// ServeMux returns the API routes. Repeated calls return the same mux.
func (s *Server) ServeMux() *http.ServeMux {
	s.muxOnce.Do(func() {
		mux := http.NewServeMux()
		mux.HandleFunc("/api/state", s.handleState)
		mux.HandleFunc("/api/location", s.handleLocation)
		mux.HandleFunc("/api/permission", s.handlePermission)
		mux.HandleFunc("/api/tracking/", s.handleTracking)
		mux.HandleFunc("/api/error/clear", s.handleClearError)
		mux.HandleFunc("/api/zoom", s.handleZoom)
		mux.HandleFunc("/api/style", s.handleStyle)
		mux.HandleFunc("/api/viewport", s.handleViewport)
		mux.HandleFunc("/api/map.png", s.handleMapPNG)
		mux.HandleFunc("/api/accuracy.geojson", s.handleAccuracyGeoJSON)
		mux.HandleFunc("/api/history", s.handleHistory)
		mux.HandleFunc("/api/sessions", s.handleSessions)
		mux.HandleFunc("/api/version", s.handleVersion)
		mux.Handle("/metrics", s.MetricsHandler())
		s.mux = mux
	})
	return s.mux
}

// StateResponse is the controller snapshot plus presentation details.
type StateResponse struct {
	livelocation.State
	// Retry names the action that clears Error: "permission" or "location".
	Retry         string        `json:"retry,omitempty"`
	Speed         *float64      `json:"speed,omitempty"`
	SpeedUnits    string        `json:"speed_units"`
	AccuracyLabel string        `json:"accuracy_label,omitempty"`
	Render        render.Config `json:"render"`
	RenderStatus  render.Status `json:"render_status"`
}

func (s *Server) stateResponse() StateResponse {
	st := s.ctrl.State()
	resp := StateResponse{
		State:        st,
		Retry:        httputil.RetryKind(st.Error),
		SpeedUnits:   s.units,
		Render:       s.pipeline.Config(),
		RenderStatus: s.pipeline.Stats().Status,
	}
	if st.Location != nil {
		resp.AccuracyLabel = units.FormatDistance(st.Location.Accuracy)
		if st.Location.Speed != nil {
			v := units.ConvertSpeed(*st.Location.Speed, s.units)
			resp.Speed = &v
		}
	}
	return resp
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	httputil.WriteJSONOK(w, s.stateResponse())
}

func (s *Server) handleLocation(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	p, err := s.ctrl.GetCurrentLocation(r.Context())
	if err != nil {
		httputil.WriteLocationError(w, err)
		return
	}
	httputil.WriteJSONOK(w, p)
}

func (s *Server) handlePermission(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		httputil.WriteJSONOK(w, map[string]location.PermissionState{"permission": s.ctrl.State().Permission})
	case http.MethodPost:
		if _, err := s.ctrl.RequestPermission(r.Context()); err != nil {
			httputil.WriteLocationError(w, err)
			return
		}
		httputil.WriteJSONOK(w, s.stateResponse())
	default:
		httputil.MethodNotAllowed(w)
	}
}

func (s *Server) handleTracking(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	var err error
	switch action := r.URL.Path[len("/api/tracking/"):]; action {
	case "start":
		err = s.ctrl.StartTracking(r.Context())
	case "stop":
		s.ctrl.StopTracking()
	case "toggle":
		err = s.ctrl.ToggleTracking(r.Context())
	default:
		httputil.NotFound(w, fmt.Sprintf("unknown tracking action %q", action))
		return
	}
	if err != nil {
		httputil.WriteLocationError(w, err)
		return
	}
	httputil.WriteJSONOK(w, s.stateResponse())
}

func (s *Server) handleClearError(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	s.ctrl.ClearError()
	httputil.WriteJSONOK(w, s.stateResponse())
}

func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		httputil.BadRequest(w, fmt.Sprintf("invalid request body: %v", err))
		return false
	}
	return true
}

type zoomRequest struct {
	Zoom  *int `json:"zoom"`
	Delta int  `json:"delta"`
}

func (s *Server) handleZoom(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
	case http.MethodPost:
		var req zoomRequest
		if !decodeBody(w, r, &req) {
			return
		}
		switch {
		case req.Zoom != nil && req.Delta != 0:
			httputil.BadRequest(w, "set either zoom or delta, not both")
			return
		case req.Zoom != nil:
			s.pipeline.SetZoom(*req.Zoom)
		case req.Delta > 0:
			s.pipeline.ZoomIn()
		case req.Delta < 0:
			s.pipeline.ZoomOut()
		default:
			httputil.BadRequest(w, "zoom or delta is required")
			return
		}
	default:
		httputil.MethodNotAllowed(w)
		return
	}
	cfg := s.pipeline.Config()
	httputil.WriteJSONOK(w, map[string]interface{}{
		"zoom":          cfg.Zoom,
		"min_zoom":      projection.MinZoom,
		"max_zoom":      projection.MaxZoom,
		"can_zoom_in":   cfg.Zoom < projection.MaxZoom,
		"can_zoom_out":  cfg.Zoom > projection.MinZoom,
		"meters_per_px": projection.MetersPerPixel(cfg.Zoom),
	})
}

func (s *Server) handleStyle(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	var req struct {
		Style string `json:"style"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	style, err := render.ParseStyle(req.Style)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	s.pipeline.SetStyle(style)
	httputil.WriteJSONOK(w, s.pipeline.Config())
}

func (s *Server) handleViewport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	var req projection.Size
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Width < minViewportSide || req.Width > maxViewportSide ||
		req.Height < minViewportSide || req.Height > maxViewportSide {
		httputil.BadRequest(w, fmt.Sprintf("viewport must be between %d and %d pixels per side", minViewportSide, maxViewportSide))
		return
	}
	if err := s.pipeline.Resize(req.Width, req.Height); err != nil {
		httputil.InternalServerError(w, err.Error())
		return
	}
	if err := s.pipeline.RedrawNow(); err != nil {
		httputil.WriteJSONError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	httputil.WriteJSONOK(w, s.pipeline.Config())
}

type pngWriter interface {
	WritePNG(w io.Writer) error
}

// handleMapPNG redraws the current frame and returns it as a PNG.
func (s *Server) handleMapPNG(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	if err := s.pipeline.RedrawNow(); err != nil {
		httputil.WriteJSONError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	var buf bytes.Buffer
	err := s.pipeline.Capture(func(surface render.Surface) error {
		pw, ok := surface.(pngWriter)
		if !ok {
			return fmt.Errorf("surface %T cannot encode png", surface)
		}
		return pw.WritePNG(&buf)
	})
	if err != nil {
		if errors.Is(err, render.ErrNoSurface) {
			httputil.WriteJSONError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
		httputil.InternalServerError(w, err.Error())
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	_, _ = w.Write(buf.Bytes())
}

// AccuracyFeatures returns the position as a GeoJSON point plus its
// accuracy circle as a polygon ring of segments edges.
func AccuracyFeatures(p location.Position, segments int) *geojson.FeatureCollection {
	circle := projection.GeodesicCircle(projection.LatLon{Lat: p.Latitude, Lon: p.Longitude}, p.Accuracy, segments)
	ring := make(orb.Ring, 0, len(circle))
	for _, ll := range circle {
		ring = append(ring, orb.Point{ll.Lon, ll.Lat})
	}

	point := geojson.NewFeature(orb.Point{p.Longitude, p.Latitude})
	point.Properties["kind"] = "position"
	point.Properties["accuracy_m"] = p.Accuracy
	point.Properties["timestamp"] = p.Timestamp
	if p.HasHeading() {
		point.Properties["heading"] = *p.Heading
	}
	if p.Speed != nil {
		point.Properties["speed_mps"] = *p.Speed
	}

	area := geojson.NewFeature(orb.Polygon{ring})
	area.Properties["kind"] = "accuracy"
	area.Properties["accuracy_m"] = p.Accuracy
	area.Properties["label"] = units.FormatDistance(p.Accuracy)

	fc := geojson.NewFeatureCollection()
	fc.Append(point)
	fc.Append(area)
	return fc
}

func (s *Server) handleAccuracyGeoJSON(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	segments := projection.DefaultSegments
	if v := r.URL.Query().Get("segments"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 3 || n > maxSegments {
			httputil.BadRequest(w, fmt.Sprintf("segments must be between 3 and %d", maxSegments))
			return
		}
		segments = n
	}
	st := s.ctrl.State()
	if st.Location == nil {
		httputil.NotFound(w, "no location yet")
		return
	}
	body, err := AccuracyFeatures(*st.Location, segments).MarshalJSON()
	if err != nil {
		httputil.InternalServerError(w, err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/geo+json")
	_, _ = w.Write(body)
}

func parseLimit(r *http.Request, def, max int) (int, error) {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 1 || n > max {
		return 0, fmt.Errorf("limit must be between 1 and %d", max)
	}
	return n, nil
}

// HistoryResponse is the recent track with speeds in the requested units.
type HistoryResponse struct {
	Positions  []db.PositionRecord `json:"positions"`
	LengthM    float64             `json:"length_m"`
	Length     string              `json:"length"`
	SpeedUnits string              `json:"speed_units"`
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	if s.history == nil {
		httputil.NotFound(w, "position history is disabled")
		return
	}
	limit, err := parseLimit(r, 100, 5000)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	u := r.URL.Query().Get("units")
	if u == "" {
		u = s.units
	} else if !units.IsValid(u) {
		httputil.BadRequest(w, fmt.Sprintf("invalid units %q: expected one of %s", u, units.GetValidUnitsString()))
		return
	}

	recs, err := s.history.RecentPositions(r.Context(), limit)
	if err != nil {
		httputil.InternalServerError(w, err.Error())
		return
	}
	track := make(orb.LineString, 0, len(recs))
	for i := range recs {
		p := &recs[i].Position
		track = append(track, orb.Point{p.Longitude, p.Latitude})
		if p.Speed != nil {
			p.Speed = location.Float64(units.ConvertSpeed(*p.Speed, u))
		}
	}
	if recs == nil {
		recs = []db.PositionRecord{}
	}
	length := geo.Length(track)
	httputil.WriteJSONOK(w, HistoryResponse{
		Positions:  recs,
		LengthM:    length,
		Length:     units.FormatDistance(length),
		SpeedUnits: u,
	})
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	if s.history == nil {
		httputil.NotFound(w, "position history is disabled")
		return
	}
	limit, err := parseLimit(r, 20, 500)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	sessions, err := s.history.Sessions(r.Context(), limit)
	if err != nil {
		httputil.InternalServerError(w, err.Error())
		return
	}
	if sessions == nil {
		sessions = []db.Session{}
	}
	httputil.WriteJSONOK(w, sessions)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	httputil.WriteJSONOK(w, version.Get())
}
