// Package store persists sessions and lifecycle events to a local SQLite
// database. The engine's main loop is the exclusive writer; the report,
// status, diff and export commands are readers.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	homedir "github.com/mitchellh/go-homedir"
	_ "modernc.org/sqlite"

	"github.com/ranolabs/rano/internal/events"
	"github.com/ranolabs/rano/internal/flow"
)

// SchemaVersion is bumped on additive migrations.
const SchemaVersion = 1

// Session mirrors one row of the sessions table.
type Session struct {
	RunID           string
	StartTS         time.Time
	EndTS           *time.Time
	Host            string
	User            string
	Patterns        []string
	DomainMode      string
	Args            string
	IntervalMS      int
	StatsIntervalMS int
	Connects        uint64
	Closes          uint64
	Name            string
}

// Store wraps the database handle.
type Store struct {
	db   *sql.DB
	path string
}

// DefaultPath returns the per-user database location.
func DefaultPath() string {
	home, err := homedir.Dir()
	if err != nil {
		return "rano.db"
	}
	return filepath.Join(home, ".local", "share", "rano", "rano.db")
}

// Open opens (creating if needed) the database at path, applies the pragmas
// the engine relies on, and ensures the schema. Present tables must match
// the expected column set; missing columns are added (additive migrations),
// anything else is an error.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create store directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	// The engine is a single writer; one connection avoids lock churn.
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply %s: %w", pragma, err)
		}
	}
	s := &Store{db: db, path: path}
	if err := s.ensureSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Path returns the database file path.
func (s *Store) Path() string { return s.path }

// Close releases the handle.
func (s *Store) Close() error { return s.db.Close() }

var eventColumns = []string{
	"ts", "run_id", "event", "provider", "pid", "comm", "cmdline", "proto",
	"local_ip", "local_port", "remote_ip", "remote_port", "domain",
	"remote_is_private", "ip_version", "duration_ms", "alert", "stats_json",
}

var sessionColumns = []string{
	"run_id", "start_ts", "end_ts", "host", "user", "patterns", "domain_mode",
	"args", "interval_ms", "stats_interval_ms", "connects", "closes", "session_name",
}

func (s *Store) ensureSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS schema_meta (version INTEGER NOT NULL)`,
		`CREATE TABLE IF NOT EXISTS sessions (
			run_id TEXT PRIMARY KEY,
			start_ts INTEGER NOT NULL,
			end_ts INTEGER,
			host TEXT NOT NULL DEFAULT '',
			user TEXT NOT NULL DEFAULT '',
			patterns TEXT NOT NULL DEFAULT '',
			domain_mode TEXT NOT NULL DEFAULT '',
			args TEXT NOT NULL DEFAULT '',
			interval_ms INTEGER NOT NULL DEFAULT 0,
			stats_interval_ms INTEGER NOT NULL DEFAULT 0,
			connects INTEGER NOT NULL DEFAULT 0,
			closes INTEGER NOT NULL DEFAULT 0,
			session_name TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE TABLE IF NOT EXISTS events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			ts INTEGER NOT NULL,
			run_id TEXT NOT NULL,
			event TEXT NOT NULL,
			provider TEXT NOT NULL DEFAULT '',
			pid INTEGER NOT NULL DEFAULT 0,
			comm TEXT NOT NULL DEFAULT '',
			cmdline TEXT NOT NULL DEFAULT '',
			proto TEXT NOT NULL DEFAULT '',
			local_ip TEXT NOT NULL DEFAULT '',
			local_port INTEGER NOT NULL DEFAULT 0,
			remote_ip TEXT NOT NULL DEFAULT '',
			remote_port INTEGER NOT NULL DEFAULT 0,
			domain TEXT,
			remote_is_private INTEGER NOT NULL DEFAULT 0,
			ip_version INTEGER NOT NULL DEFAULT 4,
			duration_ms INTEGER,
			alert INTEGER NOT NULL DEFAULT 0,
			stats_json TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_ts ON events(ts)`,
		`CREATE INDEX IF NOT EXISTS idx_events_run_id ON events(run_id)`,
		`CREATE INDEX IF NOT EXISTS idx_events_provider ON events(provider)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	if err := s.checkColumns("events", eventColumns); err != nil {
		return err
	}
	if err := s.checkColumns("sessions", sessionColumns); err != nil {
		return err
	}
	var version sql.NullInt64
	err := s.db.QueryRow(`SELECT version FROM schema_meta LIMIT 1`).Scan(&version)
	switch {
	case err == sql.ErrNoRows:
		_, err = s.db.Exec(`INSERT INTO schema_meta (version) VALUES (?)`, SchemaVersion)
		return err
	case err != nil:
		return fmt.Errorf("read schema version: %w", err)
	case version.Int64 > SchemaVersion:
		return fmt.Errorf("database schema version %d newer than supported %d", version.Int64, SchemaVersion)
	}
	return nil
}

// checkColumns verifies the live table carries every expected column, adding
// missing ones where SQLite permits.
func (s *Store) checkColumns(table string, want []string) error {
	rows, err := s.db.Query(fmt.Sprintf(`PRAGMA table_info(%s)`, table))
	if err != nil {
		return err
	}
	defer func() { _ = rows.Close() }()
	have := map[string]bool{}
	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull, pk int
		var dflt sql.NullString
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			return err
		}
		have[name] = true
	}
	if err := rows.Err(); err != nil {
		return err
	}
	for _, col := range want {
		if !have[col] {
			if _, err := s.db.Exec(fmt.Sprintf(`ALTER TABLE %s ADD COLUMN %s TEXT`, table, col)); err != nil {
				return fmt.Errorf("table %s missing column %s and migration failed: %w", table, col, err)
			}
		}
	}
	return nil
}

// BeginSession inserts the session row at engine start.
func (s *Store) BeginSession(sess Session) error {
	_, err := s.db.Exec(
		`INSERT INTO sessions (run_id, start_ts, host, user, patterns, domain_mode, args, interval_ms, stats_interval_ms, session_name)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.RunID, sess.StartTS.UnixMilli(), sess.Host, sess.User,
		strings.Join(sess.Patterns, ","), sess.DomainMode, sess.Args,
		sess.IntervalMS, sess.StatsIntervalMS, sess.Name,
	)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

// FinalizeSession stamps end_ts and the aggregate counters at shutdown.
func (s *Store) FinalizeSession(runID string, endTS time.Time, connects, closes uint64) error {
	_, err := s.db.Exec(
		`UPDATE sessions SET end_ts = ?, connects = ?, closes = ? WHERE run_id = ?`,
		endTS.UnixMilli(), connects, closes, runID,
	)
	if err != nil {
		return fmt.Errorf("finalize session: %w", err)
	}
	return nil
}

// WriteBatch appends one cycle's events in a single transaction; it either
// fully commits or leaves the store untouched for the caller to retry.
func (s *Store) WriteBatch(evs []events.Event) error {
	if len(evs) == 0 {
		return nil
	}
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin batch: %w", err)
	}
	stmt, err := tx.Prepare(
		`INSERT INTO events (ts, run_id, event, provider, pid, comm, cmdline, proto,
		 local_ip, local_port, remote_ip, remote_port, domain, remote_is_private,
		 ip_version, duration_ms, alert, stats_json)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("prepare batch: %w", err)
	}
	defer func() { _ = stmt.Close() }()
	for i := range evs {
		ev := &evs[i]
		var statsJSON any
		if ev.Stats != nil {
			b, err := json.Marshal(ev.Stats)
			if err != nil {
				_ = tx.Rollback()
				return fmt.Errorf("encode stats: %w", err)
			}
			statsJSON = string(b)
		}
		var domain any
		if ev.Domain != nil {
			domain = *ev.Domain
		}
		var duration any
		if ev.DurationMS != nil {
			duration = *ev.DurationMS
		}
		if _, err := stmt.Exec(
			ev.TS.UnixMilli(), ev.RunID, string(ev.Event), ev.Provider, ev.PID,
			ev.Comm, ev.Cmdline, string(ev.Proto), ev.LocalIP, ev.LocalPort,
			ev.RemoteIP, ev.RemotePort, domain, boolToInt(ev.RemoteIsPrivate),
			ev.IPVersion, duration, boolToInt(ev.Alert), statsJSON,
		); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("insert event: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit batch: %w", err)
	}
	return nil
}

// EventsForSession reads a session's events back in insertion order.
func (s *Store) EventsForSession(runID string) ([]events.Event, error) {
	rows, err := s.db.Query(
		`SELECT ts, run_id, event, provider, pid, comm, cmdline, proto,
		 local_ip, local_port, remote_ip, remote_port, domain, remote_is_private,
		 ip_version, duration_ms, alert, stats_json
		 FROM events WHERE run_id = ? ORDER BY id`, runID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []events.Event
	for rows.Next() {
		var (
			ev       events.Event
			ts       int64
			evType   string
			proto    string
			domain   sql.NullString
			private  int
			duration sql.NullInt64
			alert    int
			stats    sql.NullString
		)
		if err := rows.Scan(&ts, &ev.RunID, &evType, &ev.Provider, &ev.PID,
			&ev.Comm, &ev.Cmdline, &proto, &ev.LocalIP, &ev.LocalPort,
			&ev.RemoteIP, &ev.RemotePort, &domain, &private, &ev.IPVersion,
			&duration, &alert, &stats); err != nil {
			return nil, err
		}
		ev.TS = time.UnixMilli(ts).UTC()
		ev.Event = events.Type(evType)
		ev.Proto = flow.Proto(proto)
		if domain.Valid {
			ev.Domain = events.StrPtr(domain.String)
		}
		ev.RemoteIsPrivate = private != 0
		if duration.Valid {
			ev.DurationMS = events.Int64Ptr(duration.Int64)
		}
		ev.Alert = alert != 0
		if stats.Valid {
			var st events.Stats
			if err := json.Unmarshal([]byte(stats.String), &st); err == nil {
				ev.Stats = &st
			}
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// Sessions lists sessions newest first.
func (s *Store) Sessions(limit int) ([]Session, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(
		`SELECT run_id, start_ts, end_ts, host, user, patterns, domain_mode, args,
		 interval_ms, stats_interval_ms, connects, closes, session_name
		 FROM sessions ORDER BY start_ts DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// LatestSession returns the most recently started session.
func (s *Store) LatestSession() (*Session, error) {
	sessions, err := s.Sessions(1)
	if err != nil {
		return nil, err
	}
	if len(sessions) == 0 {
		return nil, sql.ErrNoRows
	}
	return &sessions[0], nil
}

// FindSession resolves a run_id, run_id prefix, or session name.
func (s *Store) FindSession(ref string) (*Session, error) {
	rows, err := s.db.Query(
		`SELECT run_id, start_ts, end_ts, host, user, patterns, domain_mode, args,
		 interval_ms, stats_interval_ms, connects, closes, session_name
		 FROM sessions
		 WHERE run_id = ?1 OR session_name = ?1 OR run_id LIKE ?1 || '%'
		 ORDER BY start_ts DESC LIMIT 2`, ref)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var matches []Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		matches = append(matches, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	switch len(matches) {
	case 0:
		return nil, fmt.Errorf("no session matching %q", ref)
	case 1:
		return &matches[0], nil
	default:
		if matches[0].RunID == ref || matches[0].Name == ref {
			return &matches[0], nil
		}
		return nil, fmt.Errorf("session reference %q is ambiguous", ref)
	}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(rows rowScanner) (Session, error) {
	var (
		sess     Session
		startTS  int64
		endTS    sql.NullInt64
		patterns string
	)
	err := rows.Scan(&sess.RunID, &startTS, &endTS, &sess.Host, &sess.User,
		&patterns, &sess.DomainMode, &sess.Args, &sess.IntervalMS,
		&sess.StatsIntervalMS, &sess.Connects, &sess.Closes, &sess.Name)
	if err != nil {
		return Session{}, err
	}
	sess.StartTS = time.UnixMilli(startTS).UTC()
	if endTS.Valid {
		end := time.UnixMilli(endTS.Int64).UTC()
		sess.EndTS = &end
	}
	if patterns != "" {
		sess.Patterns = strings.Split(patterns, ",")
	}
	return sess, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
