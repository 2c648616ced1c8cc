// Package sqlite implements the durable per-project job queue on an
// embedded SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite"

	"github.com/crawlhq/spiderd/internal/spiderd"
)

const schema = `CREATE TABLE IF NOT EXISTS queue (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	priority REAL NOT NULL,
	message BLOB NOT NULL
)`

// Queue is a durable priority queue backed by one SQLite database file.
// Entries dequeue highest priority first, FIFO within a priority tier.
type Queue struct {
	mu sync.Mutex
	db *sql.DB
}

// Open creates or opens the queue database at path, creating parent
// directories as needed.
func Open(path string) (*Queue, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("create queue directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open queue database: %w", err)
	}
	// The driver is safe for concurrent use but the queue serializes all
	// access anyway, so one connection avoids SQLITE_BUSY surprises.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create queue schema: %w", err)
	}
	return &Queue{db: db}, nil
}

// Put inserts a message with the given priority. Insertion order within a
// priority tier is preserved by the autoincrement id.
func (q *Queue) Put(ctx context.Context, msg spiderd.Message, priority float64) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	blob, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	if _, err := q.db.ExecContext(ctx,
		"INSERT INTO queue (priority, message) VALUES (?, ?)", priority, blob,
	); err != nil {
		return fmt.Errorf("insert queue entry: %w", err)
	}
	return nil
}

// Pop removes and returns the entry with the greatest priority, oldest
// first among ties. The second return value is false when the queue is
// empty.
func (q *Queue) Pop(ctx context.Context) (spiderd.Message, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return spiderd.Message{}, false, fmt.Errorf("begin pop transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	var (
		id   int64
		blob []byte
	)
	row := tx.QueryRowContext(ctx,
		"SELECT id, message FROM queue ORDER BY priority DESC, id ASC LIMIT 1")
	if err := row.Scan(&id, &blob); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return spiderd.Message{}, false, nil
		}
		return spiderd.Message{}, false, fmt.Errorf("select queue head: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM queue WHERE id = ?", id); err != nil {
		return spiderd.Message{}, false, fmt.Errorf("delete queue head: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return spiderd.Message{}, false, fmt.Errorf("commit pop: %w", err)
	}

	var msg spiderd.Message
	if err := json.Unmarshal(blob, &msg); err != nil {
		return spiderd.Message{}, false, fmt.Errorf("decode queue entry: %w", err)
	}
	return msg, true, nil
}

// Remove deletes every entry whose message matches the predicate and
// returns the number removed. Used to cancel jobs that have not been
// dispatched yet.
func (q *Queue) Remove(ctx context.Context, match func(spiderd.Message) bool) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin remove transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	rows, err := tx.QueryContext(ctx, "SELECT id, message FROM queue")
	if err != nil {
		return 0, fmt.Errorf("scan queue: %w", err)
	}
	var doomed []int64
	for rows.Next() {
		var (
			id   int64
			blob []byte
		)
		if err := rows.Scan(&id, &blob); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scan queue entry: %w", err)
		}
		var msg spiderd.Message
		if err := json.Unmarshal(blob, &msg); err != nil {
			rows.Close()
			return 0, fmt.Errorf("decode queue entry: %w", err)
		}
		if match(msg) {
			doomed = append(doomed, id)
		}
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return 0, fmt.Errorf("iterate queue: %w", err)
	}
	rows.Close()

	for _, id := range doomed {
		if _, err := tx.ExecContext(ctx, "DELETE FROM queue WHERE id = ?", id); err != nil {
			return 0, fmt.Errorf("delete queue entry: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit remove: %w", err)
	}
	return len(doomed), nil
}

// Count returns the number of pending entries.
func (q *Queue) Count(ctx context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var n int
	if err := q.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM queue").Scan(&n); err != nil {
		return 0, fmt.Errorf("count queue: %w", err)
	}
	return n, nil
}

// List returns all pending entries, priority descending, FIFO within a
// tier.
func (q *Queue) List(ctx context.Context) ([]spiderd.QueueEntry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	rows, err := q.db.QueryContext(ctx,
		"SELECT priority, message FROM queue ORDER BY priority DESC, id ASC")
	if err != nil {
		return nil, fmt.Errorf("list queue: %w", err)
	}
	defer rows.Close()

	var entries []spiderd.QueueEntry
	for rows.Next() {
		var (
			priority float64
			blob     []byte
		)
		if err := rows.Scan(&priority, &blob); err != nil {
			return nil, fmt.Errorf("scan queue entry: %w", err)
		}
		var msg spiderd.Message
		if err := json.Unmarshal(blob, &msg); err != nil {
			return nil, fmt.Errorf("decode queue entry: %w", err)
		}
		entries = append(entries, spiderd.QueueEntry{Message: msg, Priority: priority})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate queue: %w", err)
	}
	return entries, nil
}

// Clear removes every pending entry.
func (q *Queue) Clear(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, err := q.db.ExecContext(ctx, "DELETE FROM queue"); err != nil {
		return fmt.Errorf("clear queue: %w", err)
	}
	return nil
}

// Close releases the underlying database handle.
func (q *Queue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.db.Close(); err != nil {
		return fmt.Errorf("close queue database: %w", err)
	}
	return nil
}
