package audit

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	_ "github.com/mattn/go-sqlite3"

	"github.com/openacre/mowcore/internal/control"
	"github.com/openacre/mowcore/internal/fusion"
	"github.com/openacre/mowcore/internal/nav"
	"github.com/openacre/mowcore/internal/safety"
)

//go:embed schema.sql
var schemaSQL string

// Store persists the audit trail: run sessions, safety transitions,
// interlock events, mode transitions and the driven track. All writes are
// atomic; the control loops never call it directly (see Sink).
type Store struct {
	dbPath string

	writeDB     *sql.DB
	writeDBOnce sync.Once
	writeDBErr  error

	readDB     *sql.DB
	readDBOnce sync.Once
	readDBErr  error

	closeOnce sync.Once
	closeErr  error
}

// New creates a store for the given database path. Connections are opened
// lazily on first use.
func New(dbPath string) *Store {
	return &Store{dbPath: dbPath}
}

func (s *Store) getWriteDB() (*sql.DB, error) {
	s.writeDBOnce.Do(func() {
		db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?%s", s.dbPath, "_journal_mode=WAL&_synchronous=NORMAL"))
		if err != nil {
			s.writeDBErr = fmt.Errorf("opening write connection: %w", err)
			return
		}

		if _, err = db.Exec(schemaSQL); err != nil {
			_ = db.Close()
			s.writeDBErr = fmt.Errorf("initializing schema: %w", err)
			return
		}

		s.writeDB = db
	})

	return s.writeDB, s.writeDBErr
}

func (s *Store) getReadDB() (*sql.DB, error) {
	s.readDBOnce.Do(func() {
		db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?mode=ro", s.dbPath))
		if err != nil {
			s.readDBErr = fmt.Errorf("opening read connection: %w", err)
			return
		}
		s.readDB = db
	})

	return s.readDB, s.readDBErr
}

const insertSessionSQL = `
INSERT INTO sessions (start_time, adapter_type, robot_id, config)
VALUES (CURRENT_TIMESTAMP, ?, ?, ?)`

// CreateSession records the start of a run and returns its identifier.
// Config can be a string, []byte, or any JSON-serializable value.
func (s *Store) CreateSession(ctx context.Context, adapterType, robotID string, config any) (sessionID int64, err error) {
	var configData sql.NullString

	switch v := config.(type) {
	case nil:
	case string:
		configData = sql.NullString{String: v, Valid: true}
	case []byte:
		configData = sql.NullString{String: string(v), Valid: true}
	default:
		var p []byte
		if p, err = json.Marshal(config); err != nil {
			return 0, fmt.Errorf("marshaling config: %w", err)
		}
		configData = sql.NullString{String: string(p), Valid: true}
	}

	db, err := s.getWriteDB()
	if err != nil {
		return 0, fmt.Errorf("getting write connection: %w", err)
	}

	result, err := db.ExecContext(ctx, insertSessionSQL, adapterType, robotID, configData)
	if err != nil {
		return 0, fmt.Errorf("inserting session: %w", err)
	}

	if sessionID, err = result.LastInsertId(); err != nil {
		return 0, fmt.Errorf("getting session ID: %w", err)
	}
	return sessionID, nil
}

const insertSafetyTransitionSQL = `
INSERT INTO safety_transitions (session_id, timestamp, from_state, to_state, cause_kind, cause_detail)
VALUES (?, ?, ?, ?, ?, ?)`

// RecordSafetyTransition persists one safety state change.
func (s *Store) RecordSafetyTransition(ctx context.Context, sessionID int64, t safety.Transition) error {
	db, err := s.getWriteDB()
	if err != nil {
		return fmt.Errorf("getting write connection: %w", err)
	}

	_, err = db.ExecContext(ctx, insertSafetyTransitionSQL,
		sessionID, t.At.UTC(), t.From.String(), t.To.String(), string(t.Cause.Kind), t.Cause.Detail)
	if err != nil {
		return fmt.Errorf("inserting safety transition: %w", err)
	}
	return nil
}

const insertInterlockSQL = `
INSERT INTO interlock_events (session_id, timestamp, kind, severity, raised, detail)
VALUES (?, ?, ?, ?, ?, ?)`

// RecordInterlock persists an interlock raise or clear event.
func (s *Store) RecordInterlock(ctx context.Context, sessionID int64, raised bool, c safety.Condition) error {
	db, err := s.getWriteDB()
	if err != nil {
		return fmt.Errorf("getting write connection: %w", err)
	}

	at := c.DetectedAt
	if !raised && c.ClearedAt != nil {
		at = *c.ClearedAt
	}

	_, err = db.ExecContext(ctx, insertInterlockSQL,
		sessionID, at.UTC(), string(c.Kind), c.Severity.String(), raised, c.Detail)
	if err != nil {
		return fmt.Errorf("inserting interlock event: %w", err)
	}
	return nil
}

const insertModeTransitionSQL = `
INSERT INTO mode_transitions (session_id, timestamp, from_mode, to_mode, reason)
VALUES (?, ?, ?, ?, ?)`

// RecordModeTransition persists one navigation mode change.
func (s *Store) RecordModeTransition(ctx context.Context, sessionID int64, t nav.ModeTransition) error {
	db, err := s.getWriteDB()
	if err != nil {
		return fmt.Errorf("getting write connection: %w", err)
	}

	_, err = db.ExecContext(ctx, insertModeTransitionSQL,
		sessionID, t.At.UTC(), t.From.String(), t.To.String(), t.Reason)
	if err != nil {
		return fmt.Errorf("inserting mode transition: %w", err)
	}
	return nil
}

const insertPoseSQL = `
INSERT INTO pose_log (session_id, timestamp, x, y, heading, linear, angular, accuracy, source, degraded)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

// BatchInsertPoses stores a batch of pose records in a single transaction.
func (s *Store) BatchInsertPoses(ctx context.Context, sessionID int64, poses []fusion.PoseEstimate) (err error) {
	if len(poses) == 0 {
		return nil
	}

	db, err := s.getWriteDB()
	if err != nil {
		return fmt.Errorf("getting write connection: %w", err)
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer rollbackWithError(tx, &err)

	stmt, err := tx.PrepareContext(ctx, insertPoseSQL)
	if err != nil {
		return fmt.Errorf("preparing statement: %w", err)
	}
	defer closeWithError(stmt, &err)

	for _, p := range poses {
		_, err = stmt.ExecContext(ctx,
			sessionID, p.Timestamp.UTC(), p.Position.X, p.Position.Y,
			p.Heading, p.Linear, p.Angular, p.AccuracyM, string(p.Source), p.Degraded)
		if err != nil {
			return fmt.Errorf("inserting pose: %w", err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// Session is one recorded run.
type Session struct {
	ID          int64
	StartTime   string
	AdapterType string
	RobotID     string
	Config      *string
}

const selectSessionsSQL = `
SELECT id, start_time, adapter_type, robot_id, config
FROM sessions
ORDER BY start_time`

// Sessions returns all recorded sessions in start order.
func (s *Store) Sessions(ctx context.Context) (sessions []Session, err error) {
	db, err := s.getReadDB()
	if err != nil {
		return nil, fmt.Errorf("getting read connection: %w", err)
	}

	rows, err := db.QueryContext(ctx, selectSessionsSQL)
	if err != nil {
		return nil, fmt.Errorf("querying sessions: %w", err)
	}
	defer closeWithError(rows, &err)

	for rows.Next() {
		var sess Session
		var config sql.NullString
		if err = rows.Scan(&sess.ID, &sess.StartTime, &sess.AdapterType, &sess.RobotID, &config); err != nil {
			return nil, fmt.Errorf("scanning session: %w", err)
		}
		if config.Valid {
			sess.Config = &config.String
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

const selectTrackSQL = `
SELECT x, y
FROM pose_log
WHERE session_id = ?
ORDER BY timestamp`

// Track returns the driven positions of a session in time order.
func (s *Store) Track(ctx context.Context, sessionID int64) (track []control.Point, err error) {
	db, err := s.getReadDB()
	if err != nil {
		return nil, fmt.Errorf("getting read connection: %w", err)
	}

	rows, err := db.QueryContext(ctx, selectTrackSQL, sessionID)
	if err != nil {
		return nil, fmt.Errorf("querying track: %w", err)
	}
	defer closeWithError(rows, &err)

	for rows.Next() {
		var p control.Point
		if err = rows.Scan(&p.X, &p.Y); err != nil {
			return nil, fmt.Errorf("scanning track point: %w", err)
		}
		track = append(track, p)
	}
	return track, rows.Err()
}

// Close releases both database connections. Safe to call multiple times.
func (s *Store) Close() error {
	s.closeOnce.Do(func() {
		var writeErr, readErr error

		if s.writeDB != nil {
			writeErr = s.writeDB.Close()
			s.writeDB = nil
		}
		if s.readDB != nil {
			readErr = s.readDB.Close()
			s.readDB = nil
		}

		switch {
		case writeErr != nil && readErr != nil:
			s.closeErr = errors.Join(writeErr, readErr)
		case writeErr != nil:
			s.closeErr = writeErr
		case readErr != nil:
			s.closeErr = readErr
		}
	})

	return s.closeErr
}

func closeWithError(cl interface{ Close() error }, err *error) {
	if cErr := cl.Close(); cErr != nil && *err == nil {
		*err = cErr
	}
}

func rollbackWithError(rb interface{ Rollback() error }, err *error) {
	if cErr := rb.Rollback(); cErr != nil && !errors.Is(cErr, sql.ErrTxDone) && *err == nil {
		*err = cErr
	}
}
