package memory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore persists sessions and history in an embedded SQLite file.
// Timestamps are stored as unix microseconds so ordering is numeric.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// Each :memory: connection is its own database, and SQLite has a single
	// writer anyway.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS relay_sessions (
			id TEXT PRIMARY KEY,
			context_description TEXT NOT NULL,
			tone_parameter INTEGER NOT NULL,
			seed_instruction TEXT NOT NULL DEFAULT '',
			created_at_us INTEGER NOT NULL,
			last_activity_at_us INTEGER NOT NULL,
			active INTEGER NOT NULL DEFAULT 1
		)`,
		`CREATE TABLE IF NOT EXISTS relay_messages (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL UNIQUE,
			session_id TEXT NOT NULL,
			sender TEXT NOT NULL,
			kind TEXT NOT NULL,
			text_content TEXT NOT NULL DEFAULT '',
			payload BLOB,
			payload_mime TEXT NOT NULL DEFAULT '',
			incomplete INTEGER NOT NULL DEFAULT 0,
			pii_redacted INTEGER NOT NULL DEFAULT 0,
			created_at_us INTEGER NOT NULL,
			FOREIGN KEY (session_id) REFERENCES relay_sessions(id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_relay_messages_session ON relay_messages(session_id, created_at_us, seq)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("migration failed: %w\n%s", err, stmt)
		}
	}
	return nil
}

func (s *SQLiteStore) Mode() string { return "sqlite" }

func fromMicros(us int64) time.Time { return time.UnixMicro(us).UTC() }

type scanner interface {
	Scan(dest ...any) error
}

const sqliteSessionColumns = `id, context_description, tone_parameter, seed_instruction, created_at_us, last_activity_at_us, active`

func scanSQLiteSession(row scanner) (Session, error) {
	var (
		sess              Session
		created, activity int64
	)
	err := row.Scan(&sess.ID, &sess.ContextDescription, &sess.ToneParameter, &sess.SeedInstruction,
		&created, &activity, &sess.Active)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, ErrNotFound
	}
	if err != nil {
		return Session{}, fmt.Errorf("scan session: %w: %w", ErrUnavailable, err)
	}
	sess.CreatedAt = fromMicros(created)
	sess.LastActivityAt = fromMicros(activity)
	return sess, nil
}

func (s *SQLiteStore) CreateSession(ctx context.Context, sess Session) (Session, error) {
	sess = prepareSession(sess, uuid.NewString)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO relay_sessions (`+sqliteSessionColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.ContextDescription, sess.ToneParameter, sess.SeedInstruction,
		sess.CreatedAt.UnixMicro(), sess.LastActivityAt.UnixMicro(), sess.Active,
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			return Session{}, fmt.Errorf("session %s already exists", sess.ID)
		}
		return Session{}, fmt.Errorf("create session: %w: %w", ErrUnavailable, err)
	}
	return sess, nil
}

func (s *SQLiteStore) GetSession(ctx context.Context, id string) (Session, error) {
	return scanSQLiteSession(s.db.QueryRowContext(ctx,
		`SELECT `+sqliteSessionColumns+` FROM relay_sessions WHERE id = ?`, id))
}

func (s *SQLiteStore) ListSessions(ctx context.Context, activeOnly bool) ([]Session, error) {
	query := `SELECT ` + sqliteSessionColumns + ` FROM relay_sessions`
	if activeOnly {
		query += ` WHERE active = 1`
	}
	query += ` ORDER BY created_at_us DESC`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w: %w", ErrUnavailable, err)
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		sess, err := scanSQLiteSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w: %w", ErrUnavailable, err)
	}
	return out, nil
}

func (s *SQLiteStore) SetSessionActive(ctx context.Context, id string, active bool) (Session, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE relay_sessions SET active = ?, last_activity_at_us = ? WHERE id = ?`,
		active, time.Now().UnixMicro(), id,
	)
	if err != nil {
		return Session{}, fmt.Errorf("set session active: %w: %w", ErrUnavailable, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return Session{}, ErrNotFound
	}
	return s.GetSession(ctx, id)
}

func (s *SQLiteStore) TouchSession(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE relay_sessions SET last_activity_at_us = ? WHERE id = ?`, at.UnixMicro(), id)
	if err != nil {
		return fmt.Errorf("touch session: %w: %w", ErrUnavailable, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) AppendMessage(ctx context.Context, m Message) (Message, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Message{}, fmt.Errorf("append message: %w: %w", ErrUnavailable, err)
	}
	defer tx.Rollback()

	var last sql.NullInt64
	err = tx.QueryRowContext(ctx,
		`SELECT (SELECT max(created_at_us) FROM relay_messages WHERE session_id = ?) FROM relay_sessions WHERE id = ?`,
		m.SessionID, m.SessionID,
	).Scan(&last)
	if errors.Is(err, sql.ErrNoRows) {
		return Message{}, ErrNotFound
	}
	if err != nil {
		return Message{}, fmt.Errorf("read last message: %w: %w", ErrUnavailable, err)
	}
	var lastAt time.Time
	if last.Valid {
		lastAt = fromMicros(last.Int64)
	}
	m = prepareMessage(m, uuid.NewString, lastAt)

	res, err := tx.ExecContext(ctx,
		`INSERT INTO relay_messages (id, session_id, sender, kind, text_content, payload, payload_mime, incomplete, pii_redacted, created_at_us)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.SessionID, string(m.Sender), string(m.Kind), m.Text, m.Payload, m.PayloadMIME,
		m.Incomplete, m.PIIRedacted, m.CreatedAt.UnixMicro(),
	)
	if err != nil {
		return Message{}, fmt.Errorf("insert message: %w: %w", ErrUnavailable, err)
	}
	if m.Seq, err = res.LastInsertId(); err != nil {
		return Message{}, fmt.Errorf("message seq: %w: %w", ErrUnavailable, err)
	}
	if err := tx.Commit(); err != nil {
		return Message{}, fmt.Errorf("commit message: %w: %w", ErrUnavailable, err)
	}
	return m, nil
}

const sqliteMessageColumns = `seq, id, session_id, sender, kind, text_content, payload, payload_mime, incomplete, pii_redacted, created_at_us`

func (s *SQLiteStore) ListSinceStart(ctx context.Context, sessionID string) ([]Message, error) {
	return s.queryMessages(ctx,
		`SELECT `+sqliteMessageColumns+` FROM relay_messages WHERE session_id = ? ORDER BY created_at_us, seq`,
		sessionID,
	)
}

func (s *SQLiteStore) ListRecent(ctx context.Context, sessionID string, limit int) ([]Message, error) {
	if limit <= 0 {
		return s.ListSinceStart(ctx, sessionID)
	}
	return s.queryMessages(ctx,
		`SELECT * FROM (
			SELECT `+sqliteMessageColumns+` FROM relay_messages WHERE session_id = ?
			ORDER BY created_at_us DESC, seq DESC LIMIT ?
		) ORDER BY created_at_us, seq`,
		sessionID, limit,
	)
}

func (s *SQLiteStore) CountMessages(ctx context.Context, sessionID string) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM relay_messages WHERE session_id = ?`, sessionID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count messages: %w: %w", ErrUnavailable, err)
	}
	return n, nil
}

func (s *SQLiteStore) queryMessages(ctx context.Context, query string, args ...any) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w: %w", ErrUnavailable, err)
	}
	defer rows.Close()

	var items []Message
	for rows.Next() {
		var (
			m       Message
			sender  string
			kind    string
			created int64
		)
		if err := rows.Scan(&m.Seq, &m.ID, &m.SessionID, &sender, &kind, &m.Text, &m.Payload,
			&m.PayloadMIME, &m.Incomplete, &m.PIIRedacted, &created); err != nil {
			return nil, fmt.Errorf("scan message row: %w: %w", ErrUnavailable, err)
		}
		m.Sender = Sender(sender)
		m.Kind = Kind(kind)
		m.CreatedAt = fromMicros(created)
		items = append(items, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate message rows: %w: %w", ErrUnavailable, err)
	}
	return items, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
