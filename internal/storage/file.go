package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/gofrs/flock"
)

// File keeps every key in one JSON object on disk. Reads always go to disk
// so that writes from other processes are visible immediately. Writers
// serialize on an advisory lock held on <path>.lock, so concurrent
// processes never drop each other's keys.
type File struct {
	path string
	lock *flock.Flock
	mu   sync.Mutex
}

func NewFile(path string) (*File, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	path = filepath.Clean(path)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	return &File{path: path, lock: flock.New(path + ".lock")}, nil
}

func (f *File) Path() string {
	return f.path
}

func (f *File) Get(key string) (string, bool, error) {
	values, err := f.load()
	if err != nil {
		return "", false, err
	}
	value, ok := values[key]
	return value, ok, nil
}

// Apply runs load, apply and replace under the file lock. The flock handle
// is not safe for concurrent use, so goroutines of one process queue on mu
// first.
func (f *File) Apply(ops ...Op) error {
	if err := validateOps(ops); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.lock.Lock(); err != nil {
		return fmt.Errorf("lock %s: %w", f.path, err)
	}
	defer func() { _ = f.lock.Unlock() }()

	values, err := f.load()
	if err != nil {
		return err
	}
	applyOps(values, ops)
	data, err := json.Marshal(values)
	if err != nil {
		return err
	}
	return replaceFile(f.path, data)
}

func (f *File) Close() error {
	return nil
}

// Watch reports keys changed by any writer, this process included, until
// ctx is done. The parent directory is watched because writes replace the
// file by rename.
func (f *File) Watch(ctx context.Context, fn func(keys []string)) error {
	if fn == nil {
		return ErrInvalidInput
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(filepath.Dir(f.path)); err != nil {
		_ = watcher.Close()
		return err
	}
	last, err := f.load()
	if err != nil {
		_ = watcher.Close()
		return err
	}
	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != f.path || event.Has(fsnotify.Chmod) && !event.Has(fsnotify.Write) {
					continue
				}
				current, err := f.load()
				if err != nil {
					continue
				}
				if changed := changedKeys(last, current); len(changed) > 0 {
					fn(changed)
				}
				last = current
			case _, ok := <-watcher.Errors:
				if !ok {
					return
				}
			}
		}
	}()
	return nil
}

func (f *File) load() (map[string]string, error) {
	values := map[string]string{}
	data, err := os.ReadFile(f.path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return values, nil
	case err != nil:
		return nil, err
	case len(data) == 0:
		return values, nil
	}
	if err := json.Unmarshal(data, &values); err != nil {
		return nil, fmt.Errorf("decode %s: %w", f.path, err)
	}
	return values, nil
}

// replaceFile writes data next to path and renames it over path, so a
// reader sees either the old object or the new one.
func replaceFile(path string, data []byte) (err error) {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.partial")
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmp.Name())
		}
	}()
	if err = tmp.Chmod(0o600); err != nil {
		return err
	}
	if _, err = tmp.Write(data); err != nil {
		return err
	}
	if err = tmp.Sync(); err != nil {
		return err
	}
	if err = tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
