package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestMemoryApplyIsAtomicPerCall(t *testing.T) {
	m := NewMemory()
	if err := m.Apply(Set(KeyAccessToken, "tok"), Set(KeyUserID, "u1")); err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	if err := m.Apply(Set(KeyUserRole, "1"), Op{Key: " "}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected invalid input for blank key, got %v", err)
	}
	if _, ok, _ := m.Get(KeyUserRole); ok {
		t.Fatalf("expected rejected batch to leave no partial writes")
	}
	if err := m.Apply(Remove(KeyAccessToken)); err != nil {
		t.Fatalf("remove failed: %v", err)
	}
	if _, ok, _ := m.Get(KeyAccessToken); ok {
		t.Fatalf("expected token to be removed")
	}
	if value, ok, _ := m.Get(KeyUserID); !ok || value != "u1" {
		t.Fatalf("expected user id to survive, got %q ok=%v", value, ok)
	}
}

func TestFileBackendPersistsAcrossInstances(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "storage.json")
	first, err := NewFile(path)
	if err != nil {
		t.Fatalf("new file backend: %v", err)
	}
	if err := first.Apply(Set(KeyAccessToken, "tok"), Set(DismissedNotificationsKey("u1"), `["review_update_1"]`)); err != nil {
		t.Fatalf("apply failed: %v", err)
	}

	second, err := NewFile(path)
	if err != nil {
		t.Fatalf("reopen file backend: %v", err)
	}
	value, ok, err := second.Get(DismissedNotificationsKey("u1"))
	if err != nil || !ok {
		t.Fatalf("expected dismissed ids to persist, ok=%v err=%v", ok, err)
	}
	if value != `["review_update_1"]` {
		t.Fatalf("unexpected value %q", value)
	}

	entries, err := os.ReadDir(filepath.Dir(path))
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	for _, entry := range entries {
		if strings.HasSuffix(entry.Name(), ".partial") {
			t.Fatalf("expected temp files to be cleaned up, found %s", entry.Name())
		}
	}
}

func TestFileApplyFromTwoInstancesKeepsEveryKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "storage.json")
	first, err := NewFile(path)
	if err != nil {
		t.Fatalf("new file backend: %v", err)
	}
	second, err := NewFile(path)
	if err != nil {
		t.Fatalf("second file backend: %v", err)
	}

	const writes = 50
	var wg sync.WaitGroup
	errs := make(chan error, 2*writes)
	for i := 0; i < writes; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			if err := first.Apply(Set(fmt.Sprintf("a%d", i), "1")); err != nil {
				errs <- err
			}
		}(i)
		go func(i int) {
			defer wg.Done()
			if err := second.Apply(Set(fmt.Sprintf("b%d", i), "1")); err != nil {
				errs <- err
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("apply failed: %v", err)
	}

	reader, err := NewFile(path)
	if err != nil {
		t.Fatalf("reader file backend: %v", err)
	}
	missing := 0
	for i := 0; i < writes; i++ {
		for _, key := range []string{fmt.Sprintf("a%d", i), fmt.Sprintf("b%d", i)} {
			if _, ok, err := reader.Get(key); err != nil || !ok {
				missing++
			}
		}
	}
	if missing != 0 {
		t.Fatalf("expected every key to survive, lost %d of %d", missing, 2*writes)
	}
}

func TestFileLogoutIsNotUndoneByOtherWriter(t *testing.T) {
	path := filepath.Join(t.TempDir(), "storage.json")
	tabA, _ := NewFile(path)
	tabB, _ := NewFile(path)
	if err := tabA.Apply(Set(KeyAccessToken, "tok"), Set(KeyUserID, "u1")); err != nil {
		t.Fatalf("login write: %v", err)
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_ = tabA.Apply(Remove(KeyAccessToken), Remove(KeyUserID))
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 20; i++ {
			_ = tabB.Apply(Set(DismissedNotificationsKey("u1"), fmt.Sprintf(`["review_update_%d"]`, i)))
		}
	}()
	wg.Wait()

	if _, ok, _ := tabB.Get(KeyAccessToken); ok {
		t.Fatalf("expected logout to stay in effect")
	}
}

func TestFileBackendMissingFileReadsEmpty(t *testing.T) {
	backend, err := NewFile(filepath.Join(t.TempDir(), "absent.json"))
	if err != nil {
		t.Fatalf("new file backend: %v", err)
	}
	value, err := GetString(backend, KeyAccessToken)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if value != "" {
		t.Fatalf("expected empty value, got %q", value)
	}
}

func TestFileWatchReportsExternalWrites(t *testing.T) {
	path := filepath.Join(t.TempDir(), "storage.json")
	watched, err := NewFile(path)
	if err != nil {
		t.Fatalf("new file backend: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	changes := make(chan []string, 8)
	if err := watched.Watch(ctx, func(keys []string) { changes <- keys }); err != nil {
		t.Fatalf("watch failed: %v", err)
	}

	otherTab, err := NewFile(path)
	if err != nil {
		t.Fatalf("second file backend: %v", err)
	}
	if err := otherTab.Apply(Set(KeyAccessToken, "tok")); err != nil {
		t.Fatalf("apply failed: %v", err)
	}

	deadline := time.After(3 * time.Second)
	for {
		select {
		case keys := <-changes:
			if ContainsKey(keys, KeyAccessToken) {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for change notification")
		}
	}
}

func TestBuildFromDSN(t *testing.T) {
	backend, err := BuildFromDSN("memory://")
	if err != nil {
		t.Fatalf("build memory backend: %v", err)
	}
	if _, ok := backend.(*Memory); !ok {
		t.Fatalf("expected *Memory, got %T", backend)
	}

	path := filepath.Join(t.TempDir(), "state.json")
	backend, err = BuildFromDSN("file://" + path)
	if err != nil {
		t.Fatalf("build file backend: %v", err)
	}
	file, ok := backend.(*File)
	if !ok {
		t.Fatalf("expected *File, got %T", backend)
	}
	if file.Path() != path {
		t.Fatalf("expected path %s, got %s", path, file.Path())
	}

	backend, err = BuildFromDSN("postgres://localhost/teclient?sslmode=disable&namespace=laptop")
	if err != nil {
		t.Fatalf("expected postgres backend to be available, got %v", err)
	}
	pg, ok := backend.(*Postgres)
	if !ok {
		t.Fatalf("expected *Postgres, got %T", backend)
	}
	if pg.namespace != "laptop" {
		t.Fatalf("expected namespace laptop, got %q", pg.namespace)
	}
	if pg.dsn != "postgres://localhost/teclient?sslmode=disable" {
		t.Fatalf("expected namespace to be stripped from dsn, got %q", pg.dsn)
	}

	if _, err := BuildFromDSN("sqlite://local.db"); !errors.Is(err, ErrNotImplemented) {
		t.Fatalf("expected not implemented for sqlite, got %v", err)
	}
	if _, err := BuildFromDSN("ftp://example"); err == nil {
		t.Fatalf("expected unsupported scheme error")
	}
	if _, err := BuildFromDSN("  "); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected invalid input for empty dsn, got %v", err)
	}
}

func TestRegisterFactoryOverridesScheme(t *testing.T) {
	shared := NewMemory()
	RegisterFactory("Shared", func(string) (Backend, error) { return shared, nil })
	backend, err := BuildFromDSN("shared://anything")
	if err != nil {
		t.Fatalf("build registered backend: %v", err)
	}
	if backend != shared {
		t.Fatalf("expected registered factory to be used")
	}
}

func TestPostgresChangePayloadIsScopedToNamespace(t *testing.T) {
	payload, err := encodePostgresChange("laptop", []Op{Set(KeyAccessToken, "tok"), Remove(KeyUserID)})
	if err != nil {
		t.Fatalf("encode change: %v", err)
	}
	keys := decodePostgresChange(payload, "laptop")
	if len(keys) != 2 || keys[0] != KeyAccessToken || keys[1] != KeyUserID {
		t.Fatalf("unexpected keys %v", keys)
	}
	if keys := decodePostgresChange(payload, "phone"); keys != nil {
		t.Fatalf("expected other namespaces to be ignored, got %v", keys)
	}
	if keys := decodePostgresChange("not json", "laptop"); keys != nil {
		t.Fatalf("expected malformed payload to be ignored, got %v", keys)
	}
}
