package api

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/banshee-data/livemap/internal/render"
)

const metricsNamespace = "livemap"

// newRegistry exposes the lifetime counters already kept by the watch
// manager, the render pipeline, the recorder and the receiver. Values are
// read at scrape time.
func (s *Server) newRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()

	counter := func(subsystem, name, help string, f func() float64) {
		reg.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: subsystem,
			Name:      name,
			Help:      help,
		}, f))
	}
	gauge := func(subsystem, name, help string, f func() float64) {
		reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: subsystem,
			Name:      name,
			Help:      help,
		}, f))
	}

	counter("watch", "started_total", "Watch subscriptions started", func() float64 { return float64(s.ctrl.WatchStats().Started) })
	counter("watch", "stopped_total", "Watch subscriptions stopped", func() float64 { return float64(s.ctrl.WatchStats().Stopped) })
	counter("watch", "positions_accepted_total", "Position samples delivered to listeners", func() float64 { return float64(s.ctrl.WatchStats().Accepted) })
	counter("watch", "positions_stale_total", "Position samples dropped after their watch ended", func() float64 { return float64(s.ctrl.WatchStats().RejectedStale) })
	counter("watch", "failures_total", "Watch start and session failures", func() float64 {
		st := s.ctrl.WatchStats()
		return float64(st.StartFailures + st.SessionFailures)
	})
	gauge("", "tracking", "1 while live tracking is active", func() float64 {
		if s.ctrl.State().IsTracking {
			return 1
		}
		return 0
	})

	if s.pipeline != nil {
		counter("render", "frames_total", "Frames drawn", func() float64 { return float64(s.pipeline.Stats().Frames) })
		counter("render", "requests_total", "Redraw requests", func() float64 { return float64(s.pipeline.Stats().Requested) })
		counter("render", "coalesced_total", "Redraw requests folded into a pending frame", func() float64 { return float64(s.pipeline.Stats().Coalesced) })
		counter("render", "failures_total", "Frames that failed to draw", func() float64 { return float64(s.pipeline.Stats().Failed) })
		gauge("render", "ready", "1 once the map has drawn successfully", func() float64 {
			if s.pipeline.Stats().Status == render.StatusReady {
				return 1
			}
			return 0
		})
	}

	if s.recorder != nil {
		counter("recorder", "positions_total", "Positions written to history", func() float64 { return float64(s.recorder.Stats().Recorded) })
		counter("recorder", "dropped_total", "Positions dropped on a full queue", func() float64 { return float64(s.recorder.Stats().Dropped) })
		counter("recorder", "failures_total", "History writes that failed", func() float64 { return float64(s.recorder.Stats().Failed) })
		counter("recorder", "sessions_total", "Tracking sessions opened", func() float64 { return float64(s.recorder.Stats().Sessions) })
	}

	if s.receiver != nil {
		counter("gps", "sentences_total", "NMEA sentences parsed", func() float64 { return float64(s.receiver.Stats().Sentences) })
		counter("gps", "fixes_total", "Fixes delivered", func() float64 { return float64(s.receiver.Stats().Fixes) })
		counter("gps", "checksum_errors_total", "Sentences with a bad checksum", func() float64 { return float64(s.receiver.Stats().ChecksumErrors) })
		counter("gps", "parse_errors_total", "Sentences that failed to parse", func() float64 { return float64(s.receiver.Stats().ParseErrors) })
		counter("gps", "stale_total", "Times the fix went stale", func() float64 { return float64(s.receiver.Stats().Stale) })
	}
	return reg
}

// MetricsHandler serves the counters in the Prometheus text format.
func (s *Server) MetricsHandler() http.Handler {
	return promhttp.HandlerFor(s.newRegistry(), promhttp.HandlerOpts{})
}
