// Package journal provides SQLite-backed session history for devlink.
package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// Tunnel statuses recorded in the journal.
const (
	StatusForwarded = "forwarded"
	StatusFailed    = "failed"
	StatusStopped   = "stopped"
)

// Journal errors.
var (
	ErrSessionNotFound = errors.New("session not found")
)

// Session is one connect-to-stop span against a device.
type Session struct {
	ID        string
	Address   string
	StartedAt time.Time
	StoppedAt *time.Time
	Forwarded int
	Failed    int
}

// Tunnel is one recorded tunnel within a session.
type Tunnel struct {
	SessionID  string
	LocalPort  int
	RemotePort int
	Status     string
	Error      string
}

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	address TEXT NOT NULL,
	started_at TIMESTAMP NOT NULL,
	stopped_at TIMESTAMP
);
CREATE TABLE IF NOT EXISTS tunnels (
	session_id TEXT NOT NULL REFERENCES sessions(id),
	local_port INTEGER NOT NULL,
	remote_port INTEGER NOT NULL,
	status TEXT NOT NULL,
	error TEXT NOT NULL DEFAULT '',
	recorded_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tunnels_session ON tunnels(session_id);
`

// Journal records connect sessions and their tunnels.
type Journal struct {
	db *sql.DB
}

// Open opens (and if needed initializes) the journal at path.
func Open(path string) (*Journal, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize journal schema: %w", err)
	}
	return &Journal{db: db}, nil
}

// Close releases the underlying database.
func (j *Journal) Close() error {
	return j.db.Close()
}

// StartSession records a new session and returns its ID.
func (j *Journal) StartSession(ctx context.Context, address string) (string, error) {
	id := uuid.NewString()
	_, err := j.db.ExecContext(ctx,
		`INSERT INTO sessions (id, address, started_at) VALUES (?, ?, ?)`,
		id, address, time.Now().UTC(),
	)
	if err != nil {
		return "", fmt.Errorf("record session start: %w", err)
	}
	return id, nil
}

// EndSession marks a session as stopped.
func (j *Journal) EndSession(ctx context.Context, sessionID string) error {
	result, err := j.db.ExecContext(ctx,
		`UPDATE sessions SET stopped_at = ? WHERE id = ?`,
		time.Now().UTC(), sessionID,
	)
	if err != nil {
		return fmt.Errorf("record session end: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrSessionNotFound
	}
	return nil
}

// RecordTunnel records one tunnel outcome for a session.
func (j *Journal) RecordTunnel(ctx context.Context, tunnel Tunnel) error {
	_, err := j.db.ExecContext(ctx,
		`INSERT INTO tunnels (session_id, local_port, remote_port, status, error, recorded_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		tunnel.SessionID, tunnel.LocalPort, tunnel.RemotePort, tunnel.Status, tunnel.Error, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("record tunnel: %w", err)
	}
	return nil
}

// RecentSessions returns the most recent sessions, newest first, with their
// per-status tunnel counts.
func (j *Journal) RecentSessions(ctx context.Context, limit int) ([]Session, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := j.db.QueryContext(ctx, `
		SELECT s.id, s.address, s.started_at, s.stopped_at,
			COALESCE(SUM(CASE WHEN t.status = ? THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN t.status = ? THEN 1 ELSE 0 END), 0)
		FROM sessions s
		LEFT JOIN tunnels t ON t.session_id = s.id
		GROUP BY s.id
		ORDER BY s.started_at DESC
		LIMIT ?`,
		StatusForwarded, StatusFailed, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		var s Session
		var stoppedAt sql.NullTime
		if err := rows.Scan(&s.ID, &s.Address, &s.StartedAt, &stoppedAt, &s.Forwarded, &s.Failed); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		if stoppedAt.Valid {
			t := stoppedAt.Time
			s.StoppedAt = &t
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

// SessionTunnels returns the tunnels recorded for one session.
func (j *Journal) SessionTunnels(ctx context.Context, sessionID string) ([]Tunnel, error) {
	rows, err := j.db.QueryContext(ctx, `
		SELECT session_id, local_port, remote_port, status, error
		FROM tunnels
		WHERE session_id = ?
		ORDER BY rowid`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("query tunnels: %w", err)
	}
	defer rows.Close()

	var tunnels []Tunnel
	for rows.Next() {
		var t Tunnel
		if err := rows.Scan(&t.SessionID, &t.LocalPort, &t.RemotePort, &t.Status, &t.Error); err != nil {
			return nil, fmt.Errorf("scan tunnel: %w", err)
		}
		tunnels = append(tunnels, t)
	}
	return tunnels, rows.Err()
}
