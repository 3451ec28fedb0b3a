package locallog

import (
	"context"
	"database/sql"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"time"

	"github.com/lib/pq"
)

const (
	postgresLogTableName     = "relaydoc_updates"
	postgresOperationTimeout = 5 * time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// PostgresStore shares one table between documents. Compaction holds a
// transaction-scoped advisory lock per document.
type PostgresStore struct {
	dsn       string
	tableName string
	openDB    sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &PostgresStore{
		dsn:       dsn,
		tableName: postgresLogTableName,
		openDB:    sql.Open,
	}, nil
}

func (s *PostgresStore) Append(ctx context.Context, docID string, record []byte) error {
	if err := validDocID(docID); err != nil {
		return err
	}
	if err := s.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("INSERT INTO %s (doc_id, payload) VALUES ($1, $2)", postgresQuoteIdentifier(s.tableName))
	_, err := s.db.ExecContext(ctx, query, docID, record)
	return err
}

func (s *PostgresStore) Records(ctx context.Context, docID string) ([][]byte, error) {
	if err := validDocID(docID); err != nil {
		return nil, err
	}
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	_, records, err := s.selectRecords(ctx, s.db, docID)
	return records, err
}

type sqlQuerier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func (s *PostgresStore) selectRecords(ctx context.Context, q sqlQuerier, docID string) ([]int64, [][]byte, error) {
	query := fmt.Sprintf("SELECT id, payload FROM %s WHERE doc_id = $1 ORDER BY id ASC", postgresQuoteIdentifier(s.tableName))
	rows, err := q.QueryContext(ctx, query, docID)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()
	var (
		ids     []int64
		records [][]byte
	)
	for rows.Next() {
		var (
			id      int64
			payload []byte
		)
		if err := rows.Scan(&id, &payload); err != nil {
			return nil, nil, err
		}
		ids = append(ids, id)
		records = append(records, payload)
	}
	return ids, records, rows.Err()
}

// Compact deletes exactly the rows it read, so an append that commits while
// the merge runs survives next to the merged row.
func (s *PostgresStore) Compact(ctx context.Context, docID string, merge MergeFunc) (int, error) {
	if err := validDocID(docID); err != nil {
		return 0, err
	}
	if merge == nil {
		return 0, ErrInvalidInput
	}
	if err := s.ensureReady(); err != nil {
		return 0, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

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

	if _, err := tx.ExecContext(ctx, "SELECT pg_advisory_xact_lock($1)", postgresLogLockKey(s.tableName, docID)); err != nil {
		return 0, err
	}
	ids, records, err := s.selectRecords(ctx, tx, docID)
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
	if _, err := tx.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE id = ANY($1)", table), pq.Array(ids)); err != nil {
		return 0, err
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf("INSERT INTO %s (doc_id, payload) VALUES ($1, $2)", table), docID, merged); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	committed = true
	return len(records), nil
}

func (s *PostgresStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *PostgresStore) ensureReady() error {
	if s == nil {
		return ErrInvalidInput
	}
	s.initOnce.Do(func() {
		db, err := s.openDB("postgres", s.dsn)
		if err != nil {
			s.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
		defer cancel()

		table := postgresQuoteIdentifier(s.tableName)
		statements := []string{
			fmt.Sprintf(`
				CREATE TABLE IF NOT EXISTS %s (
					id BIGSERIAL PRIMARY KEY,
					doc_id TEXT NOT NULL,
					payload BYTEA NOT NULL,
					created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
				)`, table),
			fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (doc_id, id)",
				postgresQuoteIdentifier(s.tableName+"_doc_idx"), table),
		}
		for _, statement := range statements {
			if _, err := db.ExecContext(ctx, statement); err != nil {
				_ = db.Close()
				s.initErr = err
				return
			}
		}
		s.db = db
	})
	return s.initErr
}

func postgresQuoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return "\"\""
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}

func postgresLogLockKey(tableName, docID string) int64 {
	hasher := fnv.New64a()
	_, _ = hasher.Write([]byte(strings.TrimSpace(tableName)))
	_, _ = hasher.Write([]byte{0})
	_, _ = hasher.Write([]byte(docID))
	return int64(hasher.Sum64())
}
