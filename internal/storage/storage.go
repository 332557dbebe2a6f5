// Package storage persists the client's key/value state. Every backend
// behaves like browser local storage: string keys, string values, and
// last-writer-wins between processes of the same user.
package storage

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
)

var (
	ErrInvalidInput   = errors.New("invalid input")
	ErrNotImplemented = errors.New("not implemented")
)

// Op is a single mutation inside an atomic Apply.
type Op struct {
	Key    string
	Value  string
	Delete bool
}

func Set(key, value string) Op {
	return Op{Key: key, Value: value}
}

func Remove(key string) Op {
	return Op{Key: key, Delete: true}
}

type Backend interface {
	Get(key string) (string, bool, error)
	// Apply commits all ops or none of them.
	Apply(ops ...Op) error
	Close() error
}

// Watcher is implemented by backends that can report writes made by other
// processes. fn receives the keys whose values changed.
type Watcher interface {
	Watch(ctx context.Context, fn func(keys []string)) error
}

// GetString returns the stored value or "" when the key is absent.
func GetString(b Backend, key string) (string, error) {
	value, ok, err := b.Get(key)
	if err != nil || !ok {
		return "", err
	}
	return value, nil
}

type Memory struct {
	mu     sync.Mutex
	values map[string]string
}

func NewMemory() *Memory {
	return &Memory{values: map[string]string{}}
}

func (m *Memory) Get(key string) (string, bool, error) {
	if m == nil {
		return "", false, ErrInvalidInput
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	value, ok := m.values[key]
	return value, ok, nil
}

func (m *Memory) Apply(ops ...Op) error {
	if m == nil {
		return ErrInvalidInput
	}
	if err := validateOps(ops); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	applyOps(m.values, ops)
	return nil
}

func (m *Memory) Close() error {
	return nil
}

func validateOps(ops []Op) error {
	for _, op := range ops {
		if strings.TrimSpace(op.Key) == "" {
			return ErrInvalidInput
		}
	}
	return nil
}

func applyOps(values map[string]string, ops []Op) {
	for _, op := range ops {
		if op.Delete {
			delete(values, op.Key)
			continue
		}
		values[op.Key] = op.Value
	}
}

func changedKeys(before, after map[string]string) []string {
	changed := []string{}
	for key, value := range after {
		if prev, ok := before[key]; !ok || prev != value {
			changed = append(changed, key)
		}
	}
	for key := range before {
		if _, ok := after[key]; !ok {
			changed = append(changed, key)
		}
	}
	sort.Strings(changed)
	return changed
}
