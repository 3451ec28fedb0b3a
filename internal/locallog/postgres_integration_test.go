package locallog

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

var postgresIntegrationCounter uint64

func TestPostgresIntegrationAppendAndCompact(t *testing.T) {
	store := postgresIntegrationStore(t)
	ctx := context.Background()

	for _, rec := range []string{"a", "b", "c"} {
		if err := store.Append(ctx, "doc", []byte(rec)); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	folded, err := store.Compact(ctx, "doc", concatMerge)
	if err != nil {
		t.Fatalf("compact: %v", err)
	}
	if folded != 3 {
		t.Fatalf("expected 3 folded, got %d", folded)
	}
	records, err := store.Records(ctx, "doc")
	if err != nil {
		t.Fatalf("records: %v", err)
	}
	if len(records) != 1 || string(records[0]) != "abc" {
		t.Fatalf("expected [abc], got %q", records)
	}
}

func TestPostgresIntegrationCompactKeepsConcurrentAppends(t *testing.T) {
	store := postgresIntegrationStore(t)
	ctx := context.Background()

	const appends = 40
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < appends; i++ {
			if err := store.Append(ctx, "doc", []byte{'.'}); err != nil {
				t.Errorf("append: %v", err)
				return
			}
		}
	}()
	for i := 0; i < 8; i++ {
		if _, err := store.Compact(ctx, "doc", concatMerge); err != nil {
			t.Fatalf("compact: %v", err)
		}
	}
	wg.Wait()

	records, err := store.Records(ctx, "doc")
	if err != nil {
		t.Fatalf("records: %v", err)
	}
	total := 0
	for _, rec := range records {
		total += len(rec)
	}
	if total != appends {
		t.Fatalf("expected %d bytes, got %d", appends, total)
	}
}

func postgresIntegrationStore(t *testing.T) *PostgresStore {
	t.Helper()
	dsn := strings.TrimSpace(os.Getenv("RELAYDOC_TEST_POSTGRES_DSN"))
	if dsn == "" {
		t.Skip("set RELAYDOC_TEST_POSTGRES_DSN to run Postgres integration tests")
	}
	store, err := NewPostgresStore(dsn)
	if err != nil {
		t.Fatalf("new postgres store: %v", err)
	}
	n := atomic.AddUint64(&postgresIntegrationCounter, 1)
	store.tableName = fmt.Sprintf("relaydoc_updates_it_%d_%d", time.Now().UnixNano(), n)
	t.Cleanup(func() {
		_ = store.Close()
		postgresIntegrationDropTable(t, dsn, store.tableName)
	})
	return store
}

func postgresIntegrationDropTable(t *testing.T, dsn, tableName string) {
	t.Helper()
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		t.Fatalf("open postgres for cleanup failed: %v", err)
	}
	defer db.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	query := fmt.Sprintf("DROP TABLE IF EXISTS %s", postgresQuoteIdentifier(tableName))
	if _, err := db.ExecContext(ctx, query); err != nil {
		t.Fatalf("drop cleanup table %q failed: %v", tableName, err)
	}
}
