package memory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists sessions and conversation history in PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS relay_sessions (
			id TEXT PRIMARY KEY,
			context_description TEXT NOT NULL,
			tone_parameter INTEGER NOT NULL,
			seed_instruction TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			last_activity_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			active BOOLEAN NOT NULL DEFAULT TRUE
		);`,
		`CREATE TABLE IF NOT EXISTS relay_messages (
			seq BIGSERIAL PRIMARY KEY,
			id TEXT NOT NULL UNIQUE,
			session_id TEXT NOT NULL REFERENCES relay_sessions (id),
			sender TEXT NOT NULL,
			kind TEXT NOT NULL,
			text_content TEXT NOT NULL DEFAULT '',
			payload BYTEA,
			payload_mime TEXT NOT NULL DEFAULT '',
			incomplete BOOLEAN NOT NULL DEFAULT FALSE,
			pii_redacted BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMPTZ NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_relay_messages_session_created ON relay_messages (session_id, created_at, seq);`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *PostgresStore) Mode() string { return "postgres" }

const sessionColumns = `id, context_description, tone_parameter, seed_instruction, created_at, last_activity_at, active`

func scanSession(row pgx.Row) (Session, error) {
	var sess Session
	err := row.Scan(&sess.ID, &sess.ContextDescription, &sess.ToneParameter, &sess.SeedInstruction,
		&sess.CreatedAt, &sess.LastActivityAt, &sess.Active)
	if errors.Is(err, pgx.ErrNoRows) {
		return Session{}, ErrNotFound
	}
	if err != nil {
		return Session{}, fmt.Errorf("scan session: %w: %w", ErrUnavailable, err)
	}
	sess.CreatedAt = sess.CreatedAt.UTC()
	sess.LastActivityAt = sess.LastActivityAt.UTC()
	return sess, nil
}

func (s *PostgresStore) CreateSession(ctx context.Context, sess Session) (Session, error) {
	sess = prepareSession(sess, uuid.NewString)
	_, err := s.pool.Exec(ctx,
		`INSERT INTO relay_sessions (`+sessionColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		sess.ID, sess.ContextDescription, sess.ToneParameter, sess.SeedInstruction,
		sess.CreatedAt, sess.LastActivityAt, sess.Active,
	)
	if err != nil {
		return Session{}, fmt.Errorf("create session: %w: %w", ErrUnavailable, err)
	}
	return sess, nil
}

func (s *PostgresStore) GetSession(ctx context.Context, id string) (Session, error) {
	return scanSession(s.pool.QueryRow(ctx, `SELECT `+sessionColumns+` FROM relay_sessions WHERE id=$1`, id))
}

func (s *PostgresStore) ListSessions(ctx context.Context, activeOnly bool) ([]Session, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+sessionColumns+` FROM relay_sessions WHERE ($1 = FALSE OR active) ORDER BY created_at DESC`,
		activeOnly,
	)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w: %w", ErrUnavailable, err)
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		sess, err := scanSession(rows)
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

func (s *PostgresStore) SetSessionActive(ctx context.Context, id string, active bool) (Session, error) {
	return scanSession(s.pool.QueryRow(ctx,
		`UPDATE relay_sessions SET active=$2, last_activity_at=now() WHERE id=$1 RETURNING `+sessionColumns,
		id, active,
	))
}

func (s *PostgresStore) TouchSession(ctx context.Context, id string, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `UPDATE relay_sessions SET last_activity_at=$2 WHERE id=$1`, id, at.UTC())
	if err != nil {
		return fmt.Errorf("touch session: %w: %w", ErrUnavailable, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// AppendMessage locks the owning session row so concurrent appends to one
// session serialize and keep created_at strictly increasing.
func (s *PostgresStore) AppendMessage(ctx context.Context, m Message) (Message, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Message{}, fmt.Errorf("append message: %w: %w", ErrUnavailable, err)
	}
	defer tx.Rollback(ctx)

	var locked string
	err = tx.QueryRow(ctx, `SELECT id FROM relay_sessions WHERE id=$1 FOR UPDATE`, m.SessionID).Scan(&locked)
	if errors.Is(err, pgx.ErrNoRows) {
		return Message{}, ErrNotFound
	}
	if err != nil {
		return Message{}, fmt.Errorf("lock session: %w: %w", ErrUnavailable, err)
	}

	var last *time.Time
	if err := tx.QueryRow(ctx, `SELECT max(created_at) FROM relay_messages WHERE session_id=$1`, m.SessionID).Scan(&last); err != nil {
		return Message{}, fmt.Errorf("read last message: %w: %w", ErrUnavailable, err)
	}
	var lastAt time.Time
	if last != nil {
		lastAt = last.UTC()
	}
	m = prepareMessage(m, uuid.NewString, lastAt)

	err = tx.QueryRow(ctx,
		`INSERT INTO relay_messages (id, session_id, sender, kind, text_content, payload, payload_mime, incomplete, pii_redacted, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10) RETURNING seq`,
		m.ID, m.SessionID, string(m.Sender), string(m.Kind), m.Text, m.Payload, m.PayloadMIME,
		m.Incomplete, m.PIIRedacted, m.CreatedAt,
	).Scan(&m.Seq)
	if err != nil {
		return Message{}, fmt.Errorf("insert message: %w: %w", ErrUnavailable, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return Message{}, fmt.Errorf("commit message: %w: %w", ErrUnavailable, err)
	}
	return m, nil
}

const messageColumns = `seq, id, session_id, sender, kind, text_content, payload, payload_mime, incomplete, pii_redacted, created_at`

func (s *PostgresStore) ListSinceStart(ctx context.Context, sessionID string) ([]Message, error) {
	return s.queryMessages(ctx,
		`SELECT `+messageColumns+` FROM relay_messages WHERE session_id=$1 ORDER BY created_at, seq`,
		sessionID,
	)
}

func (s *PostgresStore) ListRecent(ctx context.Context, sessionID string, limit int) ([]Message, error) {
	if limit <= 0 {
		return s.ListSinceStart(ctx, sessionID)
	}
	items, err := s.queryMessages(ctx,
		`SELECT `+messageColumns+` FROM relay_messages WHERE session_id=$1 ORDER BY created_at DESC, seq DESC LIMIT $2`,
		sessionID, limit,
	)
	if err != nil {
		return nil, err
	}
	// Reverse into chronological order.
	for i, j := 0, len(items)-1; i < j; i, j = i+1, j-1 {
		items[i], items[j] = items[j], items[i]
	}
	return items, nil
}

func (s *PostgresStore) CountMessages(ctx context.Context, sessionID string) (int, error) {
	var n int
	if err := s.pool.QueryRow(ctx, `SELECT count(*) FROM relay_messages WHERE session_id=$1`, sessionID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count messages: %w: %w", ErrUnavailable, err)
	}
	return n, nil
}

func (s *PostgresStore) queryMessages(ctx context.Context, query string, args ...any) ([]Message, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w: %w", ErrUnavailable, err)
	}
	defer rows.Close()

	var items []Message
	for rows.Next() {
		var (
			m      Message
			sender string
			kind   string
		)
		if err := rows.Scan(&m.Seq, &m.ID, &m.SessionID, &sender, &kind, &m.Text, &m.Payload,
			&m.PayloadMIME, &m.Incomplete, &m.PIIRedacted, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message row: %w: %w", ErrUnavailable, err)
		}
		m.Sender = Sender(sender)
		m.Kind = Kind(kind)
		m.CreatedAt = m.CreatedAt.UTC()
		items = append(items, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate message rows: %w: %w", ErrUnavailable, err)
	}
	return items, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
