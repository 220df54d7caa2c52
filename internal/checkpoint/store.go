// Package checkpoint persists the coordinator's orchestration state so a
// restart resumes work instead of starting over.
//
// Three tables are kept in one SQLite database: the latest checkpoint of
// every sync task keyed by fingerprint, every orchestration run keyed by
// run ID, and an append-only log of task completions. Task and run state
// is stored as CBOR blobs next to a few plain columns used for lookups.
package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"runtime"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

const schema = `
CREATE TABLE IF NOT EXISTS tasks (
	fingerprint TEXT PRIMARY KEY,
	generation  INTEGER NOT NULL,
	state       TEXT NOT NULL,
	updated_at  INTEGER NOT NULL,
	data        BLOB NOT NULL
);
CREATE TABLE IF NOT EXISTS runs (
	id         TEXT PRIMARY KEY,
	status     TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	data       BLOB NOT NULL
);
CREATE INDEX IF NOT EXISTS runs_created ON runs (created_at);
CREATE TABLE IF NOT EXISTS completions (
	seq         INTEGER PRIMARY KEY AUTOINCREMENT,
	fingerprint TEXT NOT NULL,
	generation  INTEGER NOT NULL,
	outcome     TEXT NOT NULL,
	error       TEXT NOT NULL DEFAULT '',
	at          INTEGER NOT NULL
);
`

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("checkpoint: not found")

// Store is a checkpoint database. It is safe for concurrent use.
type Store struct {
	pool   *sqlitex.Pool
	path   string
	logger *slog.Logger
}

// Open creates or opens the database at path.
func Open(path string, logger *slog.Logger) (*Store, error) {
	if path == "" {
		return nil, errors.New("checkpoint: path is required")
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	poolSize := runtime.NumCPU()
	if poolSize < 4 {
		poolSize = 4
	}
	pool, err := sqlitex.NewPool(path, sqlitex.PoolOptions{
		PoolSize:    poolSize,
		PrepareConn: prepareConnection,
	})
	if err != nil {
		return nil, fmt.Errorf("checkpoint: opening %s: %w", path, err)
	}
	s := &Store{pool: pool, path: path, logger: logger}

	// Create the schema eagerly so a bad path fails here, not mid-run.
	conn, err := s.pool.Take(context.Background())
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("checkpoint: opening %s: %w", path, err)
	}
	err = sqlitex.ExecuteScript(conn, schema, nil)
	s.pool.Put(conn)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("checkpoint: creating schema: %w", err)
	}
	logger.Info("checkpoint store opened", "path", path, "pool_size", poolSize)
	return s, nil
}

func prepareConnection(conn *sqlite.Conn) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA temp_store=MEMORY",
	}
	for _, pragma := range pragmas {
		if err := sqlitex.ExecuteTransient(conn, pragma, nil); err != nil {
			return fmt.Errorf("checkpoint: %s: %w", pragma, err)
		}
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	if err := s.pool.Close(); err != nil {
		return fmt.Errorf("checkpoint: closing %s: %w", s.path, err)
	}
	return nil
}

func (s *Store) with(ctx context.Context, fn func(conn *sqlite.Conn) error) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("checkpoint: take: %w", err)
	}
	defer s.pool.Put(conn)
	return fn(conn)
}

// SaveTask writes the latest checkpoint for a task. A record from an
// older generation never overwrites a newer one.
func (s *Store) SaveTask(ctx context.Context, rec TaskRecord) error {
	data, err := marshal(rec)
	if err != nil {
		return fmt.Errorf("checkpoint: encoding task %s: %w", rec.Fingerprint, err)
	}
	return s.with(ctx, func(conn *sqlite.Conn) error {
		err := sqlitex.Execute(conn, `
			INSERT INTO tasks (fingerprint, generation, state, updated_at, data)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT (fingerprint) DO UPDATE SET
				generation = excluded.generation,
				state = excluded.state,
				updated_at = excluded.updated_at,
				data = excluded.data
			WHERE excluded.generation >= tasks.generation`,
			&sqlitex.ExecOptions{Args: []any{rec.Fingerprint, int64(rec.Generation), rec.State, rec.UpdatedAt, data}})
		if err != nil {
			return fmt.Errorf("checkpoint: saving task %s: %w", rec.Fingerprint, err)
		}
		return nil
	})
}

// LoadTask returns the checkpoint for fingerprint or ErrNotFound.
func (s *Store) LoadTask(ctx context.Context, fingerprint string) (TaskRecord, error) {
	var rec TaskRecord
	found := false
	err := s.with(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `SELECT data FROM tasks WHERE fingerprint = ?`, &sqlitex.ExecOptions{
			Args: []any{fingerprint},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				found = true
				return decodeColumn(stmt, 0, &rec)
			},
		})
	})
	if err != nil {
		return rec, fmt.Errorf("checkpoint: loading task %s: %w", fingerprint, err)
	}
	if !found {
		return rec, fmt.Errorf("checkpoint: task %s: %w", fingerprint, ErrNotFound)
	}
	return rec, nil
}

// ListTasks returns every task checkpoint ordered by fingerprint.
func (s *Store) ListTasks(ctx context.Context) ([]TaskRecord, error) {
	var out []TaskRecord
	err := s.with(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `SELECT data FROM tasks ORDER BY fingerprint`, &sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				var rec TaskRecord
				if err := decodeColumn(stmt, 0, &rec); err != nil {
					return err
				}
				out = append(out, rec)
				return nil
			},
		})
	})
	if err != nil {
		return nil, fmt.Errorf("checkpoint: listing tasks: %w", err)
	}
	return out, nil
}

// SaveRun writes the latest checkpoint for a run.
func (s *Store) SaveRun(ctx context.Context, rec RunRecord) error {
	data, err := marshal(rec)
	if err != nil {
		return fmt.Errorf("checkpoint: encoding run %s: %w", rec.ID, err)
	}
	return s.with(ctx, func(conn *sqlite.Conn) error {
		err := sqlitex.Execute(conn, `
			INSERT INTO runs (id, status, created_at, data)
			VALUES (?, ?, ?, ?)
			ON CONFLICT (id) DO UPDATE SET
				status = excluded.status,
				data = excluded.data`,
			&sqlitex.ExecOptions{Args: []any{rec.ID, rec.Status, rec.CreatedAt, data}})
		if err != nil {
			return fmt.Errorf("checkpoint: saving run %s: %w", rec.ID, err)
		}
		return nil
	})
}

// LatestRun returns the most recently created run or ErrNotFound.
func (s *Store) LatestRun(ctx context.Context) (RunRecord, error) {
	var rec RunRecord
	found := false
	err := s.with(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `SELECT data FROM runs ORDER BY created_at DESC, rowid DESC LIMIT 1`, &sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				found = true
				return decodeColumn(stmt, 0, &rec)
			},
		})
	})
	if err != nil {
		return rec, fmt.Errorf("checkpoint: loading latest run: %w", err)
	}
	if !found {
		return rec, fmt.Errorf("checkpoint: latest run: %w", ErrNotFound)
	}
	return rec, nil
}

// AppendCompletion adds c to the completion log and returns its
// sequence number. c.Seq is ignored.
func (s *Store) AppendCompletion(ctx context.Context, c Completion) (int64, error) {
	var seq int64
	err := s.with(ctx, func(conn *sqlite.Conn) error {
		err := sqlitex.Execute(conn, `
			INSERT INTO completions (fingerprint, generation, outcome, error, at)
			VALUES (?, ?, ?, ?, ?)`,
			&sqlitex.ExecOptions{Args: []any{c.Fingerprint, int64(c.Generation), string(c.Outcome), c.Error, c.At}})
		if err != nil {
			return err
		}
		seq = conn.LastInsertRowID()
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("checkpoint: appending completion for %s: %w", c.Fingerprint, err)
	}
	return seq, nil
}

// CompletionsAfter returns log entries with a sequence number greater
// than seq, oldest first.
func (s *Store) CompletionsAfter(ctx context.Context, seq int64) ([]Completion, error) {
	var out []Completion
	err := s.with(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `
			SELECT seq, fingerprint, generation, outcome, error, at
			FROM completions WHERE seq > ? ORDER BY seq`,
			&sqlitex.ExecOptions{
				Args: []any{seq},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					out = append(out, Completion{
						Seq:         stmt.ColumnInt64(0),
						Fingerprint: stmt.ColumnText(1),
						Generation:  uint64(stmt.ColumnInt64(2)),
						Outcome:     Outcome(stmt.ColumnText(3)),
						Error:       stmt.ColumnText(4),
						At:          stmt.ColumnInt64(5),
					})
					return nil
				},
			})
	})
	if err != nil {
		return nil, fmt.Errorf("checkpoint: reading completions: %w", err)
	}
	return out, nil
}

// LastSeq returns the highest completion sequence number, zero when the
// log is empty.
func (s *Store) LastSeq(ctx context.Context) (int64, error) {
	var seq int64
	err := s.with(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `SELECT COALESCE(MAX(seq), 0) FROM completions`, &sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				seq = stmt.ColumnInt64(0)
				return nil
			},
		})
	})
	if err != nil {
		return 0, fmt.Errorf("checkpoint: reading last sequence: %w", err)
	}
	return seq, nil
}

func decodeColumn(stmt *sqlite.Stmt, col int, v any) error {
	data := make([]byte, stmt.ColumnLen(col))
	stmt.ColumnBytes(col, data)
	return unmarshal(data, v)
}
