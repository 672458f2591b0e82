package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/slumber-project/slumber/internal/events"
)

// HistoryStore records finished sessions and backend power events.
type HistoryStore struct {
	db *Database
}

// SessionRecord is one finished tunnelled session.
type SessionRecord struct {
	ID              string           `json:"id"`
	RemoteAddr      string           `json:"remote_addr"`
	BackendAddr     string           `json:"backend_addr"`
	ProtocolVersion int32            `json:"protocol_version"`
	ServerAddress   string           `json:"server_address"`
	ServerPort      uint16           `json:"server_port"`
	StartedAt       time.Time        `json:"started_at"`
	EndedAt         time.Time        `json:"ended_at"`
	BytesUp         int64            `json:"bytes_up"`
	BytesDown       int64            `json:"bytes_down"`
	Reason          events.EndReason `json:"reason"`
	Error           string           `json:"error,omitempty"`
}

// Duration is how long the session lasted.
func (r SessionRecord) Duration() time.Duration {
	return r.EndedAt.Sub(r.StartedAt)
}

// PowerEvent is one backend state transition, crash or suspend attempt.
type PowerEvent struct {
	ID        int64     `json:"id"`
	Kind      string    `json:"kind"`
	State     string    `json:"state"`
	Detail    string    `json:"detail,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Power event kinds.
const (
	PowerStateChange = "state_change"
	PowerCrash       = "crash"
	PowerSuspend     = "suspend"
)

// Summary aggregates the stored sessions.
type Summary struct {
	Sessions      int64         `json:"sessions"`
	BytesUp       int64         `json:"bytes_up"`
	BytesDown     int64         `json:"bytes_down"`
	TotalPlaytime time.Duration `json:"total_playtime_ns"`
	Unavailable   int64         `json:"backend_unavailable"`
	LastSession   *time.Time    `json:"last_session,omitempty"`
}

// NewHistoryStore opens the database at dbPath and migrates its schema.
func NewHistoryStore(dbPath string) (*HistoryStore, error) {
	database, err := NewDatabase(dbPath)
	if err != nil {
		return nil, err
	}

	hs := &HistoryStore{db: database}
	if err := hs.migrate(context.Background()); err != nil {
		database.Close()
		return nil, fmt.Errorf("failed to migrate history database: %w", err)
	}
	return hs, nil
}

// migrate creates the database schema. Times are unix milliseconds.
func (hs *HistoryStore) migrate(ctx context.Context) error {
	schema := `
		CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			remote_addr TEXT NOT NULL,
			backend_addr TEXT NOT NULL,
			protocol_version INTEGER NOT NULL,
			server_address TEXT NOT NULL DEFAULT '',
			server_port INTEGER NOT NULL DEFAULT 0,
			started_at INTEGER NOT NULL,
			ended_at INTEGER NOT NULL,
			bytes_up INTEGER NOT NULL DEFAULT 0,
			bytes_down INTEGER NOT NULL DEFAULT 0,
			reason TEXT NOT NULL,
			error TEXT NOT NULL DEFAULT ''
		);

		CREATE TABLE IF NOT EXISTS power_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			kind TEXT NOT NULL,
			state TEXT NOT NULL DEFAULT '',
			detail TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_sessions_ended_at ON sessions(ended_at);
		CREATE INDEX IF NOT EXISTS idx_power_events_created_at ON power_events(created_at);
	`

	if _, err := hs.db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("schema migration failed: %w", err)
	}

	log.Debug().Msg("history schema migrated")
	return nil
}

// RecordSession stores a finished session. Recording the same ID twice
// keeps the latest values.
func (hs *HistoryStore) RecordSession(ctx context.Context, s events.SessionPayload) error {
	_, err := hs.db.Exec(ctx, `
		INSERT OR REPLACE INTO sessions
			(id, remote_addr, backend_addr, protocol_version, server_address, server_port,
			 started_at, ended_at, bytes_up, bytes_down, reason, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.ID, s.RemoteAddr, s.BackendAddr, s.ProtocolVersion, s.ServerAddress, int(s.ServerPort),
		s.StartedAt.UnixMilli(), s.EndedAt.UnixMilli(), s.BytesUp, s.BytesDown, string(s.Reason), s.Err)
	if err != nil {
		return fmt.Errorf("failed to record session %s: %w", s.ID, err)
	}
	return nil
}

// RecordPowerEvent stores one backend power event.
func (hs *HistoryStore) RecordPowerEvent(ctx context.Context, kind, state, detail string) error {
	_, err := hs.db.Exec(ctx,
		"INSERT INTO power_events (kind, state, detail, created_at) VALUES (?, ?, ?, ?)",
		kind, state, detail, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to record power event: %w", err)
	}
	return nil
}

// RecentSessions returns up to limit sessions, newest first.
func (hs *HistoryStore) RecentSessions(ctx context.Context, limit int) ([]SessionRecord, error) {
	rows, err := hs.db.Query(ctx, `
		SELECT id, remote_addr, backend_addr, protocol_version, server_address, server_port,
		       started_at, ended_at, bytes_up, bytes_down, reason, error
		FROM sessions
		ORDER BY ended_at DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []SessionRecord
	for rows.Next() {
		var (
			r              SessionRecord
			port           int
			started, ended int64
			reason         string
		)
		if err := rows.Scan(&r.ID, &r.RemoteAddr, &r.BackendAddr, &r.ProtocolVersion,
			&r.ServerAddress, &port, &started, &ended, &r.BytesUp, &r.BytesDown,
			&reason, &r.Error); err != nil {
			return nil, err
		}
		r.ServerPort = uint16(port)
		r.StartedAt = time.UnixMilli(started)
		r.EndedAt = time.UnixMilli(ended)
		r.Reason = events.EndReason(reason)
		sessions = append(sessions, r)
	}
	return sessions, rows.Err()
}

// PowerEvents returns up to limit power events, newest first.
func (hs *HistoryStore) PowerEvents(ctx context.Context, limit int) ([]PowerEvent, error) {
	rows, err := hs.db.Query(ctx,
		"SELECT id, kind, state, detail, created_at FROM power_events ORDER BY created_at DESC, id DESC LIMIT ?",
		limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []PowerEvent
	for rows.Next() {
		var (
			e       PowerEvent
			created int64
		)
		if err := rows.Scan(&e.ID, &e.Kind, &e.State, &e.Detail, &created); err != nil {
			return nil, err
		}
		e.CreatedAt = time.UnixMilli(created)
		result = append(result, e)
	}
	return result, rows.Err()
}

// Summary aggregates every stored session.
func (hs *HistoryStore) Summary(ctx context.Context) (Summary, error) {
	var (
		s        Summary
		playtime int64
		last     sql.NullInt64
	)
	err := hs.db.QueryRow(ctx, `
		SELECT COUNT(*),
		       COALESCE(SUM(bytes_up), 0),
		       COALESCE(SUM(bytes_down), 0),
		       COALESCE(SUM(ended_at - started_at), 0),
		       COALESCE(SUM(CASE WHEN reason = ? THEN 1 ELSE 0 END), 0),
		       MAX(ended_at)
		FROM sessions`, string(events.EndBackendUnavailable)).
		Scan(&s.Sessions, &s.BytesUp, &s.BytesDown, &playtime, &s.Unavailable, &last)
	if err != nil {
		return Summary{}, fmt.Errorf("failed to summarize sessions: %w", err)
	}

	s.TotalPlaytime = time.Duration(playtime) * time.Millisecond
	if last.Valid {
		t := time.UnixMilli(last.Int64)
		s.LastSession = &t
	}
	return s, nil
}

// Prune deletes sessions and power events older than retention and returns
// how many rows were removed.
func (hs *HistoryStore) Prune(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := time.Now().Add(-retention).UnixMilli()

	var removed int64
	err := hs.db.Transaction(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, "DELETE FROM sessions WHERE ended_at < ?", cutoff)
		if err != nil {
			return err
		}
		n, _ := res.RowsAffected()
		removed += n

		res, err = tx.ExecContext(ctx, "DELETE FROM power_events WHERE created_at < ?", cutoff)
		if err != nil {
			return err
		}
		n, _ = res.RowsAffected()
		removed += n
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to prune history: %w", err)
	}
	return removed, nil
}

// Subscribe records session and power events from the bus.
func (hs *HistoryStore) Subscribe(bus *events.EventBus) {
	bus.Subscribe("history", hs.handleEvent,
		events.EventSessionEnded,
		events.EventBackendStateChanged,
		events.EventBackendCrashed,
		events.EventSuspendRequested,
	)
}

func (hs *HistoryStore) handleEvent(ctx context.Context, e events.Event) error {
	switch p := e.Payload.(type) {
	case events.SessionPayload:
		return hs.RecordSession(ctx, p)
	case events.BackendStatePayload:
		return hs.RecordPowerEvent(ctx, PowerStateChange, p.Current.String(),
			fmt.Sprintf("%s -> %s (pid %d)", p.Previous, p.Current, p.PID))
	case events.BackendCrashedPayload:
		detail := fmt.Sprintf("pid %d exit code %d", p.PID, p.ExitCode)
		if p.Err != "" {
			detail += ": " + p.Err
		}
		return hs.RecordPowerEvent(ctx, PowerCrash, events.BackendStopped.String(), detail)
	case events.SuspendRequestedPayload:
		detail := "idle for " + p.IdleFor.String()
		if p.Err != "" {
			detail += ": " + p.Err
		}
		return hs.RecordPowerEvent(ctx, PowerSuspend, "", detail)
	}
	return nil
}

// Close closes the database.
func (hs *HistoryStore) Close() error {
	return hs.db.Close()
}
