package locallog

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "github.com/mattn/go-sqlite3"
)

const sqliteLogTableName = "relaydoc_updates"

// SQLiteStore writes through a single connection, which serializes every
// statement against the file.
type SQLiteStore struct {
	db        *sql.DB
	tableName string
}

func NewSQLiteStore(path string) (*SQLiteStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("%w: sqlite path is required", ErrInvalidInput)
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}
	db, err := sql.Open("sqlite3", "file:"+path+"?_busy_timeout=5000&_journal_mode=WAL&_txlock=immediate")
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)

	store := &SQLiteStore{db: db, tableName: sqliteLogTableName}
	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			doc_id TEXT NOT NULL,
			payload BLOB NOT NULL,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`, postgresQuoteIdentifier(store.tableName))
	if _, err := db.Exec(query); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init sqlite log %s: %w", path, err)
	}
	return store, nil
}

func (s *SQLiteStore) Append(ctx context.Context, docID string, record []byte) error {
	if err := validDocID(docID); err != nil {
		return err
	}
	query := fmt.Sprintf("INSERT INTO %s (doc_id, payload) VALUES (?, ?)", postgresQuoteIdentifier(s.tableName))
	_, err := s.db.ExecContext(ctx, query, docID, cloneBytes(record))
	return err
}

func (s *SQLiteStore) Records(ctx context.Context, docID string) ([][]byte, error) {
	if err := validDocID(docID); err != nil {
		return nil, err
	}
	_, records, err := s.selectRecords(ctx, s.db, docID)
	return records, err
}

func (s *SQLiteStore) selectRecords(ctx context.Context, q sqlQuerier, docID string) (int64, [][]byte, error) {
	query := fmt.Sprintf("SELECT id, payload FROM %s WHERE doc_id = ? ORDER BY id ASC", postgresQuoteIdentifier(s.tableName))
	rows, err := q.QueryContext(ctx, query, docID)
	if err != nil {
		return 0, nil, err
	}
	defer rows.Close()
	var (
		maxID   int64
		records [][]byte
	)
	for rows.Next() {
		var (
			id      int64
			payload []byte
		)
		if err := rows.Scan(&id, &payload); err != nil {
			return 0, nil, err
		}
		if id > maxID {
			maxID = id
		}
		records = append(records, payload)
	}
	return maxID, records, rows.Err()
}

func (s *SQLiteStore) Compact(ctx context.Context, docID string, merge MergeFunc) (int, error) {
	if err := validDocID(docID); err != nil {
		return 0, err
	}
	if merge == nil {
		return 0, ErrInvalidInput
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	maxID, records, err := s.selectRecords(ctx, tx, docID)
	if err != nil {
		return 0, err
	}
	if len(records) <= 1 {
		return len(records), nil
	}
	merged, err := merge(records)
	if err != nil {
		return 0, err
	}
	table := postgresQuoteIdentifier(s.tableName)
	if _, err := tx.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE doc_id = ? AND id <= ?", table), docID, maxID); err != nil {
		return 0, err
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf("INSERT INTO %s (doc_id, payload) VALUES (?, ?)", table), docID, merged); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	committed = true
	return len(records), nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
