package gps

import (
	"bufio"
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"tailscale.com/tsweb"
)

// lineBuffer is the per-subscriber backlog. A subscriber that falls further
// behind than this misses lines rather than stalling the reader.
const lineBuffer = 32

// LineMux reads newline-delimited sentences from a Port and fans them out to
// any number of subscribers.
type LineMux struct {
	port Port

	mu          sync.Mutex
	subscribers map[string]chan string
	closing     bool
	dropped     int
}

// NewLineMux wraps port.
func NewLineMux(port Port) *LineMux {
	return &LineMux{
		port:        port,
		subscribers: make(map[string]chan string),
	}
}

// Subscribe returns an ID and a channel receiving every line read from the
// port. The channel is closed by Unsubscribe, Close, or the end of Monitor.
func (m *LineMux) Subscribe() (string, <-chan string) {
	id := uuid.NewString()
	ch := make(chan string, lineBuffer)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closing {
		close(ch)
		return id, ch
	}
	m.subscribers[id] = ch
	return id, ch
}

// Unsubscribe removes and closes a subscriber channel.
func (m *LineMux) Unsubscribe(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ch, ok := m.subscribers[id]; ok {
		close(ch)
		delete(m.subscribers, id)
	}
}

// Write sends raw bytes to the receiver, e.g. a configuration sentence.
func (m *LineMux) Write(p []byte) (int, error) {
	return m.port.Write(p)
}

// Monitor reads lines until ctx ends or the port fails. Subscribers are
// closed when it returns.
func (m *LineMux) Monitor(ctx context.Context) error {
	scan := bufio.NewScanner(m.port)

	lines := make(chan string)
	scanErr := make(chan error, 1)

	// Scan blocks, so it runs apart from the loop awaiting ctx.
	go func() {
		defer close(lines)
		for scan.Scan() {
			select {
			case lines <- scan.Text():
			case <-ctx.Done():
				return
			}
		}
		scanErr <- scan.Err()
	}()

	defer m.closeSubscribers()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				if err := <-scanErr; err != nil {
					return fmt.Errorf("read gps port: %w", err)
				}
				return nil
			}
			m.broadcast(line)
		}
	}
}

func (m *LineMux) broadcast(line string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closing {
		return
	}
	for _, ch := range m.subscribers {
		select {
		case ch <- line:
		default:
			m.dropped++
		}
	}
}

func (m *LineMux) closeSubscribers() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closing = true
	for id, ch := range m.subscribers {
		close(ch)
		delete(m.subscribers, id)
	}
}

// Dropped counts lines skipped for slow subscribers.
func (m *LineMux) Dropped() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dropped
}

// Close closes all subscriber channels and the port.
func (m *LineMux) Close() error {
	m.closeSubscribers()
	return m.port.Close()
}

// AttachAdminRoutes serves a live tail of raw NMEA lines as server-sent
// events at /debug/nmea-tail.
func (m *LineMux) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)
	debug.HandleSilentFunc("nmea-tail", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Accel-Buffering", "no")

		id, c := m.Subscribe()
		defer m.Unsubscribe(id)

		fmt.Fprint(w, ": ping\n\n")
		flusher.Flush()

		for {
			select {
			case line, ok := <-c:
				if !ok {
					return
				}
				if _, err := fmt.Fprintf(w, "data: %s\n\n", line); err != nil {
					return
				}
				flusher.Flush()
			case <-r.Context().Done():
				return
			}
		}
	})
}
