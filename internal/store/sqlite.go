package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// DB wraps the SQLite connection backing the record store.
type DB struct {
	*sql.DB
}

// Open creates a new SQLite connection with WAL mode and recommended pragmas.
func Open(path string) (*DB, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// Verify connection.
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	return &DB{db}, nil
}

// SQLiteRecords implements Records over a migrated DB.
type SQLiteRecords struct {
	db *DB
}

// NewRecords wraps an opened, migrated DB as a record store.
func NewRecords(db *DB) *SQLiteRecords {
	return &SQLiteRecords{db: db}
}

func (r *SQLiteRecords) Get(ctx context.Context, rowID string) ([]byte, error) {
	var payload []byte
	err := r.db.QueryRowContext(ctx,
		`SELECT payload FROM records WHERE row_id = ?`, rowID).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get %q: %w", rowID, err)
	}
	return payload, nil
}

func (r *SQLiteRecords) Put(ctx context.Context, rowID string, payload []byte) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO records (row_id, payload, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(row_id) DO UPDATE SET
			payload = excluded.payload,
			updated_at = excluded.updated_at`,
		rowID, payload, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("put %q: %w", rowID, err)
	}
	return nil
}

func (r *SQLiteRecords) Delete(ctx context.Context, rowID string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM records WHERE row_id = ?`, rowID)
	if err != nil {
		return fmt.Errorf("delete %q: %w", rowID, err)
	}
	return nil
}

func (r *SQLiteRecords) Exists(ctx context.Context, rowID string) (bool, error) {
	var one int
	err := r.db.QueryRowContext(ctx,
		`SELECT 1 FROM records WHERE row_id = ?`, rowID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("exists %q: %w", rowID, err)
	}
	return true, nil
}

// DeletePrefix removes every row whose id starts with prefix and returns
// the number of rows removed.
func (r *SQLiteRecords) DeletePrefix(ctx context.Context, prefix string) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM records WHERE row_id LIKE ? ESCAPE '\'`,
		escapeLike(prefix)+"%")
	if err != nil {
		return 0, fmt.Errorf("delete prefix %q: %w", prefix, err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// ListPrefix returns the ids of every row whose id starts with prefix,
// in lexical order.
func (r *SQLiteRecords) ListPrefix(ctx context.Context, prefix string) ([]string, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT row_id FROM records WHERE row_id LIKE ? ESCAPE '\' ORDER BY row_id`,
		escapeLike(prefix)+"%")
	if err != nil {
		return nil, fmt.Errorf("list prefix %q: %w", prefix, err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("list prefix %q: %w", prefix, err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list prefix %q: %w", prefix, err)
	}
	return ids, nil
}

// escapeLike escapes LIKE metacharacters so a prefix matches literally.
func escapeLike(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `%`, `\%`)
	s = strings.ReplaceAll(s, `_`, `\_`)
	return s
}
