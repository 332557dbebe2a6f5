package storage

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func setupTestRedis(t *testing.T) (*Redis, *miniredis.Miniredis) {
	s := miniredis.RunT(t)
	backend, err := NewRedis("redis://"+s.Addr(), "")
	if err != nil {
		t.Fatalf("failed to create redis backend: %v", err)
	}
	t.Cleanup(func() { _ = backend.Close() })
	return backend, s
}

func TestRedisApplyAndGet(t *testing.T) {
	backend, s := setupTestRedis(t)

	if err := backend.Apply(Set(KeyAccessToken, "tok"), Set(KeyUserID, "u1"), Set(KeyUserRole, "4")); err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	if got, _ := s.Get("teclient:" + KeyUserRole); got != "4" {
		t.Fatalf("expected prefixed key in redis, got %q", got)
	}

	value, ok, err := backend.Get(KeyUserID)
	if err != nil || !ok || value != "u1" {
		t.Fatalf("unexpected get result value=%q ok=%v err=%v", value, ok, err)
	}

	if err := backend.Apply(Remove(KeyAccessToken), Remove(KeyUserID)); err != nil {
		t.Fatalf("remove failed: %v", err)
	}
	if _, ok, err := backend.Get(KeyAccessToken); err != nil || ok {
		t.Fatalf("expected token to be gone, ok=%v err=%v", ok, err)
	}
}

func TestRedisBuildFromDSNUsesPrefix(t *testing.T) {
	s := miniredis.RunT(t)
	backend, err := BuildFromDSN("redis://" + s.Addr() + "/0?prefix=tab:")
	if err != nil {
		t.Fatalf("build redis backend: %v", err)
	}
	defer backend.Close()

	if err := backend.Apply(Set(KeyPrevPage, "/workspace")); err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	if !s.Exists("tab:" + KeyPrevPage) {
		t.Fatalf("expected custom prefix to be applied")
	}
	rb := backend.(*Redis)
	if err := rb.Ping(context.Background()); err != nil {
		t.Fatalf("ping failed: %v", err)
	}
}

func TestNewRedisFailsWhenUnreachable(t *testing.T) {
	s := miniredis.RunT(t)
	addr := s.Addr()
	s.Close()
	if _, err := NewRedis("redis://"+addr, ""); err == nil {
		t.Fatalf("expected connection error")
	}
}

func TestRedisWatchSeesOtherWriters(t *testing.T) {
	watcher, s := setupTestRedis(t)
	writer, err := NewRedis("redis://"+s.Addr(), "")
	if err != nil {
		t.Fatalf("second redis backend: %v", err)
	}
	defer writer.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	changed := make(chan []string, 4)
	if err := watcher.Watch(ctx, func(keys []string) { changed <- keys }); err != nil {
		t.Fatalf("watch: %v", err)
	}
	if err := writer.Apply(Set(KeyAccessToken, "tok"), Remove(KeyPrevPage)); err != nil {
		t.Fatalf("apply: %v", err)
	}
	select {
	case keys := <-changed:
		if !ContainsKey(keys, KeyAccessToken) || !ContainsKey(keys, KeyPrevPage) {
			t.Fatalf("unexpected changed keys %v", keys)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for change notification")
	}
}
