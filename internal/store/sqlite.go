package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/agent-relay/relay/pkg/protocol"
)

func timeFromUnixNano(nanos int64) time.Time {
	return time.Unix(0, nanos)
}

// SQLiteBacking is a DurableBacking implementation backed by SQLite, used
// when the broker is configured with a durable_path so history survives a
// restart.
type SQLiteBacking struct {
	db *sql.DB
}

// NewSQLiteBacking opens (creating if needed) a SQLite database at dsn and
// runs its one migration. ":memory:" is rewritten to a shared-cache DSN so
// every pooled connection sees the same data.
func NewSQLiteBacking(dsn string) (*SQLiteBacking, error) {
	if dsn == ":memory:" {
		dsn = "file::memory:?cache=shared"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	b := &SQLiteBacking{db: db}
	if err := b.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return b, nil
}

func (b *SQLiteBacking) migrate() error {
	_, err := b.db.Exec(`CREATE TABLE IF NOT EXISTS records (
		id TEXT PRIMARY KEY,
		from_name TEXT NOT NULL,
		to_name TEXT NOT NULL,
		seq INTEGER NOT NULL,
		state INTEGER NOT NULL,
		envelope TEXT NOT NULL,
		created_at INTEGER NOT NULL
	)`)
	if err != nil {
		return err
	}
	_, err = b.db.Exec(`CREATE INDEX IF NOT EXISTS idx_records_to_seq ON records(to_name, seq)`)
	return err
}

// Append persists a single record.
func (b *SQLiteBacking) Append(r Record) error {
	envJSON, err := json.Marshal(r.Envelope)
	if err != nil {
		return err
	}
	_, err = b.db.Exec(
		`INSERT OR REPLACE INTO records (id, from_name, to_name, seq, state, envelope, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.From, r.To, r.Seq, int(r.State), string(envJSON), r.CreatedAt.UnixNano(),
	)
	return err
}

// Tail returns records addressed to `to` with Seq > since, oldest first,
// bounded to limit (0 means unbounded).
func (b *SQLiteBacking) Tail(to string, since int64, limit int) ([]Record, error) {
	query := `SELECT id, from_name, to_name, seq, state, envelope, created_at
	          FROM records WHERE to_name = ? AND seq > ? ORDER BY seq ASC`
	args := []any{to, since}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := b.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var r Record
		var envJSON string
		var createdAtNanos int64
		var state int
		if err := rows.Scan(&r.ID, &r.From, &r.To, &r.Seq, &state, &envJSON, &createdAtNanos); err != nil {
			return nil, err
		}
		r.State = State(state)
		r.CreatedAt = timeFromUnixNano(createdAtNanos)
		var env protocol.Envelope
		if err := json.Unmarshal([]byte(envJSON), &env); err != nil {
			return nil, err
		}
		r.Envelope = env
		out = append(out, r)
	}
	return out, rows.Err()
}

// Close closes the underlying database handle.
func (b *SQLiteBacking) Close() error {
	return b.db.Close()
}
