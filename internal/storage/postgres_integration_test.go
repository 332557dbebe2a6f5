package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

var postgresIntegrationCounter uint64

func TestPostgresIntegrationRoundTrip(t *testing.T) {
	dsn := postgresIntegrationDSN(t)

	backend, err := NewPostgres(dsn, "it")
	if err != nil {
		t.Fatalf("new postgres backend: %v", err)
	}
	backend.tableName = postgresIntegrationTableName("teclient_storage_it")
	t.Cleanup(func() {
		_ = backend.Close()
		postgresIntegrationDropTable(t, dsn, backend.tableName)
	})

	if _, ok, err := backend.Get(KeyAccessToken); err != nil || ok {
		t.Fatalf("expected empty initial state, ok=%v err=%v", ok, err)
	}
	if err := backend.Apply(Set(KeyAccessToken, "tok"), Set(KeyUserID, "u1")); err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	if err := backend.Apply(Set(KeyAccessToken, "tok2"), Remove(KeyUserID)); err != nil {
		t.Fatalf("second apply failed: %v", err)
	}
	value, ok, err := backend.Get(KeyAccessToken)
	if err != nil || !ok || value != "tok2" {
		t.Fatalf("expected upserted token, value=%q ok=%v err=%v", value, ok, err)
	}
	if _, ok, _ := backend.Get(KeyUserID); ok {
		t.Fatalf("expected user id to be deleted")
	}

	other, err := NewPostgres(dsn, "other-device")
	if err != nil {
		t.Fatalf("new postgres backend: %v", err)
	}
	other.tableName = backend.tableName
	defer other.Close()
	if _, ok, _ := other.Get(KeyAccessToken); ok {
		t.Fatalf("expected namespaces to be isolated")
	}
}

func TestPostgresIntegrationWatch(t *testing.T) {
	dsn := postgresIntegrationDSN(t)

	watched, err := NewPostgres(dsn, "it")
	if err != nil {
		t.Fatalf("new postgres backend: %v", err)
	}
	watched.tableName = postgresIntegrationTableName("teclient_storage_watch")
	t.Cleanup(func() {
		_ = watched.Close()
		postgresIntegrationDropTable(t, dsn, watched.tableName)
	})
	writer, err := NewPostgres(dsn, "it")
	if err != nil {
		t.Fatalf("new postgres backend: %v", err)
	}
	writer.tableName = watched.tableName
	defer writer.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	changed := make(chan []string, 4)
	if err := watched.Watch(ctx, func(keys []string) { changed <- keys }); err != nil {
		t.Fatalf("watch: %v", err)
	}
	// give the listener time to connect before the write
	time.Sleep(500 * time.Millisecond)
	if err := writer.Apply(Set(KeyAccessToken, "tok")); err != nil {
		t.Fatalf("apply: %v", err)
	}
	select {
	case keys := <-changed:
		if !ContainsKey(keys, KeyAccessToken) {
			t.Fatalf("unexpected changed keys %v", keys)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for change notification")
	}
}

func postgresIntegrationDSN(t *testing.T) string {
	t.Helper()
	dsn := strings.TrimSpace(os.Getenv("TECLIENT_TEST_POSTGRES_DSN"))
	if dsn == "" {
		t.Skip("TECLIENT_TEST_POSTGRES_DSN not set")
	}
	return dsn
}

func postgresIntegrationTableName(prefix string) string {
	n := atomic.AddUint64(&postgresIntegrationCounter, 1)
	return fmt.Sprintf("%s_%d_%d", prefix, time.Now().UnixNano(), n)
}

func postgresIntegrationDropTable(t *testing.T, dsn, table string) {
	t.Helper()
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return
	}
	defer db.Close()
	_, _ = db.Exec("DROP TABLE IF EXISTS " + postgresQuoteIdentifier(table))
}
