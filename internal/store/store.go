// Package store provides a SQLite-backed journal for conversation sessions.
// The session manager keeps live state in memory; the journal mirrors every
// appended turn so a session can be restored after a restart.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // register "sqlite" driver

	"github.com/54b3r/ragstream-go/internal/session"
)

// SQLiteJournal implements session.Journal on a local SQLite database.
type SQLiteJournal struct {
	db *sql.DB
}

var _ session.Journal = (*SQLiteJournal)(nil)

// DefaultDBPath returns ~/.ragstream/sessions.db, creating the directory if
// needed.
func DefaultDBPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("store: could not determine home directory: %w", err)
	}
	dir := filepath.Join(home, ".ragstream")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("store: could not create %s: %w", dir, err)
	}
	return filepath.Join(dir, "sessions.db"), nil
}

// Open opens (or creates) a journal at path and runs the schema migration.
// Use ":memory:" for an in-memory database in tests.
func Open(path string) (*SQLiteJournal, error) {
	dsn := path + "?_journal_mode=WAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	// A single connection avoids SQLITE_BUSY and keeps ":memory:" databases alive.
	db.SetMaxOpenConns(1)

	j := &SQLiteJournal{db: db}
	if err := j.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return j, nil
}

func (j *SQLiteJournal) migrate() error {
	const ddl = `
CREATE TABLE IF NOT EXISTS turns (
    session_id     TEXT    NOT NULL,
    seq            INTEGER NOT NULL,
    role           TEXT    NOT NULL CHECK(role IN ('user','assistant')),
    content        TEXT    NOT NULL,
    client_msg_id  TEXT    NOT NULL DEFAULT '',
    created_at     INTEGER NOT NULL, -- Unix nanoseconds
    PRIMARY KEY (session_id, seq)
);
`
	if _, err := j.db.Exec(ddl); err != nil {
		return fmt.Errorf("store: migrate: %w", err)
	}
	return nil
}

// AppendTurn records t. Re-recording the same (session, seq) is a no-op.
func (j *SQLiteJournal) AppendTurn(ctx context.Context, sessionID string, t session.Turn) error {
	const q = `INSERT OR IGNORE INTO turns (session_id, seq, role, content, client_msg_id, created_at) VALUES (?, ?, ?, ?, ?, ?)`
	if _, err := j.db.ExecContext(ctx, q, sessionID, int64(t.Seq), string(t.Role), t.Content, t.ClientMsgID, t.CreatedAt.UnixNano()); err != nil {
		return fmt.Errorf("store: append turn: %w", err)
	}
	return nil
}

// ClearSession removes every turn of the session. Sequence numbers are
// owned by the manager and continue after a clear.
func (j *SQLiteJournal) ClearSession(ctx context.Context, sessionID string) error {
	if _, err := j.db.ExecContext(ctx, `DELETE FROM turns WHERE session_id = ?`, sessionID); err != nil {
		return fmt.Errorf("store: clear session: %w", err)
	}
	return nil
}

// DeleteSession removes the session from the journal.
func (j *SQLiteJournal) DeleteSession(ctx context.Context, sessionID string) error {
	if _, err := j.db.ExecContext(ctx, `DELETE FROM turns WHERE session_id = ?`, sessionID); err != nil {
		return fmt.Errorf("store: delete session: %w", err)
	}
	return nil
}

// Turns returns the most recent limit turns of the session, oldest first.
func (j *SQLiteJournal) Turns(ctx context.Context, sessionID string, limit int) ([]session.Turn, error) {
	const q = `
SELECT seq, role, content, client_msg_id, created_at FROM (
    SELECT seq, role, content, client_msg_id, created_at
    FROM   turns
    WHERE  session_id = ?
    ORDER  BY seq DESC
    LIMIT  ?
) ORDER BY seq ASC`

	rows, err := j.db.QueryContext(ctx, q, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("store: turns: %w", err)
	}
	defer rows.Close()

	var turns []session.Turn
	for rows.Next() {
		var (
			t    session.Turn
			seq  int64
			role string
			ts   int64
		)
		if err := rows.Scan(&seq, &role, &t.Content, &t.ClientMsgID, &ts); err != nil {
			return nil, fmt.Errorf("store: turns scan: %w", err)
		}
		t.Seq = uint64(seq)
		t.Role = session.Role(role)
		t.CreatedAt = time.Unix(0, ts)
		turns = append(turns, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: turns rows: %w", err)
	}
	return turns, nil
}

// Sessions returns the ids of all journaled sessions.
func (j *SQLiteJournal) Sessions(ctx context.Context) ([]string, error) {
	rows, err := j.db.QueryContext(ctx, `SELECT DISTINCT session_id FROM turns ORDER BY session_id`)
	if err != nil {
		return nil, fmt.Errorf("store: sessions: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("store: sessions scan: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: sessions rows: %w", err)
	}
	return ids, nil
}

// Close releases the database connection pool.
func (j *SQLiteJournal) Close() error {
	if err := j.db.Close(); err != nil {
		return fmt.Errorf("store: close: %w", err)
	}
	return nil
}
