package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/banshee-data/livemap/internal/monitoring"
)

// ANSI escape codes for the request log
const (
	colorCyan      = "\033[36m"
	colorReset     = "\033[0m"
	colorYellow    = "\033[33m"
	colorBoldGreen = "\033[1;32m"
	colorBoldRed   = "\033[1;31m"
)

// quietPaths are polled by the map view or a scraper and only logged in verbose mode
// while they succeed.
var quietPaths = map[string]bool{
	"/api/map.png": true,
	"/api/state":   true,
	"/metrics":     true,
}

// statusRecorder remembers the status code and counts body bytes.
type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(p []byte) (int, error) {
	n, err := r.ResponseWriter.Write(p)
	r.bytes += n
	return n, err
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func statusCodeColor(code int) string {
	s := strconv.Itoa(code)
	switch {
	case code >= 400:
		return colorBoldRed + s + colorReset
	case code >= 300:
		return colorYellow + s + colorReset
	case code >= 200:
		return colorBoldGreen + s + colorReset
	default:
		return s
	}
}

// LoggingMiddleware logs status, method, URI, body size and duration of
// every request.
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		logf := monitoring.Logf
		if quietPaths[r.URL.Path] && rec.status < 400 {
			logf = monitoring.Debugf
		}
		logf("[%s] %s %s%s%s %dB %.1fms from %s",
			statusCodeColor(rec.status), r.Method,
			colorCyan, r.RequestURI, colorReset,
			rec.bytes, float64(time.Since(start).Microseconds())/1e3, r.RemoteAddr,
		)
	})
}
