// Package db persists position history in SQLite and serves the admin
// debug routes over it.
package db

import (
	"compress/gzip"
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tailscale/tailsql/server/tailsql"
	_ "modernc.org/sqlite"
	"tailscale.com/tsweb"

	"github.com/banshee-data/livemap/internal/location"
	"github.com/banshee-data/livemap/internal/monitoring"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// pragmas are applied to every pooled connection.
var pragmas = []string{
	"journal_mode(WAL)",
	"busy_timeout(5000)",
	"synchronous(NORMAL)",
	"temp_store(MEMORY)",
	"foreign_keys(1)",
}

type DB struct {
	*sql.DB
	path string
}

// NewDB opens the database at path and applies any pending migrations.
func NewDB(path string) (*DB, error) {
	db, err := OpenDB(path)
	if err != nil {
		return nil, err
	}
	if err := db.MigrateUp(); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// OpenDB opens the database without touching the schema.
func OpenDB(path string) (*DB, error) {
	q := make([]string, 0, len(pragmas))
	for _, p := range pragmas {
		q = append(q, "_pragma="+p)
	}
	sqlDB, err := sql.Open("sqlite", "file:"+path+"?"+strings.Join(q, "&"))
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	if err := sqlDB.Ping(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	return &DB{DB: sqlDB, path: path}, nil
}

// Session is one continuous tracking subscription.
type Session struct {
	ID        string     `json:"id"`
	Source    string     `json:"source"`
	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
	EndReason string     `json:"end_reason,omitempty"`
	Positions int        `json:"positions"`
}

// PositionRecord is a stored sample. SessionID is empty for one-shot fixes.
type PositionRecord struct {
	ID        int64             `json:"id"`
	SessionID string            `json:"session_id,omitempty"`
	Position  location.Position `json:"position"`
}

func unixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

func fromUnix(s float64) time.Time {
	sec := int64(s)
	return time.Unix(sec, int64((s-float64(sec))*1e9)).UTC().Round(time.Microsecond)
}

// StartSession records the start of a tracking session.
func (db *DB) StartSession(ctx context.Context, id, source string, at time.Time) error {
	_, err := db.ExecContext(ctx,
		`INSERT INTO tracking_sessions (session_id, source, started_unix) VALUES (?, ?, ?)`,
		id, source, unixSeconds(at))
	if err != nil {
		return fmt.Errorf("start session %s: %w", id, err)
	}
	return nil
}

// EndSession closes a session. Ending an unknown or already ended session is
// an error.
func (db *DB) EndSession(ctx context.Context, id string, at time.Time, reason string) error {
	res, err := db.ExecContext(ctx,
		`UPDATE tracking_sessions SET ended_unix = ?, end_reason = ?
		 WHERE session_id = ? AND ended_unix IS NULL`,
		unixSeconds(at), reason, id)
	if err != nil {
		return fmt.Errorf("end session %s: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("end session %s: no open session", id)
	}
	return nil
}

// RecordPosition stores one sample. An empty sessionID stores a one-shot fix.
func (db *DB) RecordPosition(ctx context.Context, sessionID string, p location.Position) (int64, error) {
	if err := p.Validate(); err != nil {
		return 0, fmt.Errorf("record position: %w", err)
	}
	var session sql.NullString
	if sessionID != "" {
		session = sql.NullString{String: sessionID, Valid: true}
	}
	var heading, speed sql.NullFloat64
	if p.HasHeading() {
		heading = sql.NullFloat64{Float64: *p.Heading, Valid: true}
	}
	if p.Speed != nil {
		speed = sql.NullFloat64{Float64: *p.Speed, Valid: true}
	}
	res, err := db.ExecContext(ctx,
		`INSERT INTO positions (
			session_id, latitude, longitude, accuracy_m, heading_deg, speed_mps,
			sample_unix, write_unix
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		session, p.Latitude, p.Longitude, p.Accuracy, heading, speed,
		unixSeconds(p.Timestamp), unixSeconds(time.Now()),
	)
	if err != nil {
		return 0, fmt.Errorf("record position: %w", err)
	}
	return res.LastInsertId()
}

// RecentPositions returns up to limit of the newest samples, oldest first.
func (db *DB) RecentPositions(ctx context.Context, limit int) ([]PositionRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.QueryContext(ctx, `
		SELECT position_id, session_id, latitude, longitude, accuracy_m,
		       heading_deg, speed_mps, sample_unix
		FROM (
			SELECT * FROM positions ORDER BY sample_unix DESC, position_id DESC LIMIT ?
		)
		ORDER BY sample_unix ASC, position_id ASC`, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent positions: %w", err)
	}
	defer rows.Close()

	var out []PositionRecord
	for rows.Next() {
		var (
			rec            PositionRecord
			session        sql.NullString
			heading, speed sql.NullFloat64
			sample         float64
		)
		if err := rows.Scan(&rec.ID, &session, &rec.Position.Latitude, &rec.Position.Longitude,
			&rec.Position.Accuracy, &heading, &speed, &sample); err != nil {
			return nil, fmt.Errorf("scan position: %w", err)
		}
		rec.SessionID = session.String
		if heading.Valid {
			rec.Position.Heading = location.Float64(heading.Float64)
		}
		if speed.Valid {
			rec.Position.Speed = location.Float64(speed.Float64)
		}
		rec.Position.Timestamp = fromUnix(sample)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Sessions returns up to limit sessions, newest first, with position counts.
func (db *DB) Sessions(ctx context.Context, limit int) ([]Session, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := db.QueryContext(ctx, `
		SELECT s.session_id, s.source, s.started_unix, s.ended_unix,
		       COALESCE(s.end_reason, ''), COUNT(p.position_id)
		FROM tracking_sessions s
		LEFT JOIN positions p ON p.session_id = s.session_id
		GROUP BY s.session_id
		ORDER BY s.started_unix DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		var (
			s       Session
			started float64
			ended   sql.NullFloat64
		)
		if err := rows.Scan(&s.ID, &s.Source, &started, &ended, &s.EndReason, &s.Positions); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		s.StartedAt = fromUnix(started)
		if ended.Valid {
			t := fromUnix(ended.Float64)
			s.EndedAt = &t
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// CloseOpenSessions ends sessions left open by an unclean shutdown.
func (db *DB) CloseOpenSessions(ctx context.Context, at time.Time) (int64, error) {
	res, err := db.ExecContext(ctx,
		`UPDATE tracking_sessions SET ended_unix = ?, end_reason = 'abandoned'
		 WHERE ended_unix IS NULL`, unixSeconds(at))
	if err != nil {
		return 0, fmt.Errorf("close open sessions: %w", err)
	}
	return res.RowsAffected()
}

func (db *DB) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)
	tsql, err := tailsql.NewServer(tailsql.Options{
		RoutePrefix: "/debug/tailsql/",
	})
	if err != nil {
		monitoring.Logf("db: tailsql unavailable: %v", err)
	} else {
		tsql.SetDB("sqlite://"+filepath.Base(db.path), db.DB, &tailsql.DBOptions{
			Label: "Position history",
		})
		debug.Handle("tailsql/", "SQL live debugging", tsql.NewMux())
	}

	debug.Handle("backup", "Create and download a backup of the history database now", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		backupPath := filepath.Join(os.TempDir(), fmt.Sprintf("livemap-backup-%d.db", time.Now().UnixNano()))
		if _, err := db.ExecContext(r.Context(), "VACUUM INTO ?", backupPath); err != nil {
			http.Error(w, fmt.Sprintf("Failed to create backup: %v", err), http.StatusInternalServerError)
			return
		}
		defer func() {
			if err := os.Remove(backupPath); err != nil && !errors.Is(err, os.ErrNotExist) {
				monitoring.Logf("db: failed to remove backup file: %v", err)
			}
		}()

		backupFile, err := os.Open(backupPath)
		if err != nil {
			http.Error(w, fmt.Sprintf("Failed to open backup file: %v", err), http.StatusInternalServerError)
			return
		}
		defer backupFile.Close()

		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%s.gz", filepath.Base(backupPath)))
		w.Header().Set("Content-Type", "application/gzip")
		gz := gzip.NewWriter(w)
		defer gz.Close()
		if _, err := io.Copy(gz, backupFile); err != nil {
			monitoring.Logf("db: backup copy failed: %v", err)
		}
	}))
}
