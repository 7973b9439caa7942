package db

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/banshee-data/livemap/internal/location"
	"github.com/banshee-data/livemap/internal/monitoring"
	"github.com/banshee-data/livemap/internal/timeutil"
)

// recorderQueue bounds observations waiting to be written.
const recorderQueue = 64

// RecorderStats are lifetime counters for one Recorder.
type RecorderStats struct {
	Sessions int    `json:"sessions"`
	Recorded int    `json:"recorded"`
	Dropped  int    `json:"dropped"`
	Failed   int    `json:"failed"`
	Session  string `json:"session,omitempty"`
}

type observation struct {
	tracking bool
	pos      *location.Position
}

// Recorder persists controller snapshots as tracking sessions and position
// history. Observe never blocks; Run performs the writes.
type Recorder struct {
	db     *DB
	source string
	clock  timeutil.Clock
	queue  chan observation

	mu      sync.Mutex
	lastSeq uint64
	session string
	last    *location.Position
	stats   RecorderStats
}

// NewRecorder creates a recorder labelling sessions with source.
func NewRecorder(db *DB, source string, clock timeutil.Clock) *Recorder {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Recorder{
		db:     db,
		source: source,
		clock:  clock,
		queue:  make(chan observation, recorderQueue),
	}
}

// Observe queues a snapshot. Snapshots with a seq not newer than the last
// observed one are ignored; seq 0 is always accepted. When the queue is
// full the oldest entry is dropped, so the newest tracking state always
// reaches Run.
func (r *Recorder) Observe(seq uint64, tracking bool, pos *location.Position) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if seq != 0 && seq <= r.lastSeq {
		return
	}
	if seq != 0 {
		r.lastSeq = seq
	}

	obs := observation{tracking: tracking, pos: pos}
	for {
		select {
		case r.queue <- obs:
			return
		default:
		}
		// Only Run receives, so after this the send has room.
		select {
		case <-r.queue:
			r.stats.Dropped++
		default:
		}
	}
}

// Run writes queued snapshots until ctx ends, then drains the queue and
// closes any open session.
func (r *Recorder) Run(ctx context.Context) error {
	// Writes outlive ctx so the drain below can finish.
	wctx := context.WithoutCancel(ctx)
	for {
		select {
		case obs := <-r.queue:
			r.apply(wctx, obs)
		case <-ctx.Done():
			for {
				select {
				case obs := <-r.queue:
					r.apply(wctx, obs)
				default:
					r.endSession(wctx, "shutdown")
					return ctx.Err()
				}
			}
		}
	}
}

func (r *Recorder) apply(ctx context.Context, obs observation) {
	r.mu.Lock()
	session := r.session
	r.mu.Unlock()

	if obs.tracking && session == "" {
		id := uuid.NewString()
		if err := r.db.StartSession(ctx, id, r.source, r.clock.Now()); err != nil {
			r.fail(err)
		} else {
			r.mu.Lock()
			r.session = id
			r.stats.Sessions++
			r.mu.Unlock()
			session = id
		}
	}

	if obs.pos != nil && r.isNew(*obs.pos) {
		sid := ""
		if obs.tracking {
			sid = session
		}
		if _, err := r.db.RecordPosition(ctx, sid, *obs.pos); err != nil {
			r.fail(err)
		} else {
			p := *obs.pos
			r.mu.Lock()
			r.last = &p
			r.stats.Recorded++
			r.mu.Unlock()
		}
	}

	if !obs.tracking && session != "" {
		r.endSession(ctx, "stopped")
	}
}

func (r *Recorder) isNew(p location.Position) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.last == nil {
		return true
	}
	return !p.Timestamp.Equal(r.last.Timestamp) ||
		p.Latitude != r.last.Latitude || p.Longitude != r.last.Longitude
}

func (r *Recorder) endSession(ctx context.Context, reason string) {
	r.mu.Lock()
	id := r.session
	r.session = ""
	r.mu.Unlock()
	if id == "" {
		return
	}
	if err := r.db.EndSession(ctx, id, r.clock.Now(), reason); err != nil {
		r.fail(err)
	}
}

func (r *Recorder) fail(err error) {
	r.mu.Lock()
	r.stats.Failed++
	r.mu.Unlock()
	monitoring.Logf("db: history write failed: %v", err)
}

// Stats returns a copy of the counters.
func (r *Recorder) Stats() RecorderStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := r.stats
	st.Session = r.session
	return st
}
