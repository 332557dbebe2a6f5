package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/te-platform/teclient/internal/storage"
)

// watermarkLayout matches a browser's Date.toISOString.
const watermarkLayout = "2006-01-02T15:04:05.000Z07:00"

type Logger interface {
	Printf(format string, args ...any)
}

// DismissalStore holds the ids a user acknowledged and the watermark
// advanced by mark-all-read. Both only grow.
type DismissalStore struct {
	backend storage.Backend
	clock   clockwork.Clock
	logger  Logger

	mu        sync.Mutex
	userID    string
	dismissed map[string]struct{}
	order     []string
	watermark time.Time
}

func NewDismissalStore(backend storage.Backend, clock clockwork.Clock, logger Logger) *DismissalStore {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &DismissalStore{
		backend:   backend,
		clock:     clock,
		logger:    logger,
		dismissed: map[string]struct{}{},
	}
}

// Load switches the store to userID and reads its persisted state. An empty
// id leaves the store empty.
func (d *DismissalStore) Load(userID string) error {
	userID = strings.TrimSpace(userID)
	ids, watermark, err := d.readPersisted(userID)
	d.mu.Lock()
	defer d.mu.Unlock()
	d.userID = userID
	d.dismissed = map[string]struct{}{}
	d.order = nil
	d.watermark = time.Time{}
	if err != nil {
		return err
	}
	d.addLocked(ids)
	d.watermark = watermark
	return nil
}

func (d *DismissalStore) UserID() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.userID
}

func (d *DismissalStore) IsDismissed(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.dismissed[id]
	return ok
}

func (d *DismissalStore) Dismissed() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.order...)
}

func (d *DismissalStore) Watermark() time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.watermark
}

// MarkAsRead adds id to the dismissed set. Repeating it is a no-op.
func (d *DismissalStore) MarkAsRead(id string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return ErrInvalidInput
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.dismissed[id]; ok {
		return nil
	}
	return d.persistLocked([]string{id}, false)
}

// MarkAllRead dismisses ids and advances the watermark to now.
func (d *DismissalStore) MarkAllRead(ids []string) (time.Time, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.persistLocked(ids, true); err != nil {
		return time.Time{}, err
	}
	return d.watermark, nil
}

// Watch reloads the current user's state when another process changes it
// and then calls onChange.
func (d *DismissalStore) Watch(ctx context.Context, onChange func()) error {
	watcher, ok := d.backend.(storage.Watcher)
	if !ok {
		return nil
	}
	return watcher.Watch(ctx, func(keys []string) {
		userID := d.UserID()
		if userID == "" {
			return
		}
		if !storage.ContainsKey(keys, storage.DismissedNotificationsKey(userID)) &&
			!storage.ContainsKey(keys, storage.LastNotificationCheckKey(userID)) {
			return
		}
		if err := d.mergeExternal(userID); err != nil {
			d.logf("reload dismissed notifications failed: %v", err)
			return
		}
		if onChange != nil {
			onChange()
		}
	})
}

func (d *DismissalStore) mergeExternal(userID string) error {
	ids, watermark, err := d.readPersisted(userID)
	if err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.userID != userID {
		return nil
	}
	d.addLocked(ids)
	if watermark.After(d.watermark) {
		d.watermark = watermark
	}
	return nil
}

// persistLocked unions the in-memory set with whatever another process
// wrote, so concurrent dismissals are not lost.
func (d *DismissalStore) persistLocked(ids []string, advance bool) error {
	if d.userID == "" {
		return fmt.Errorf("%w: no user loaded", ErrInvalidInput)
	}
	persisted, persistedWatermark, err := d.readPersisted(d.userID)
	if err != nil {
		return err
	}
	d.addLocked(persisted)
	d.addLocked(ids)
	if persistedWatermark.After(d.watermark) {
		d.watermark = persistedWatermark
	}

	encoded, err := json.Marshal(d.order)
	if err != nil {
		return err
	}
	ops := []storage.Op{storage.Set(storage.DismissedNotificationsKey(d.userID), string(encoded))}
	if advance {
		d.watermark = d.clock.Now().UTC().Truncate(time.Millisecond)
		ops = append(ops, storage.Set(storage.LastNotificationCheckKey(d.userID), d.watermark.Format(watermarkLayout)))
	}
	if err := d.backend.Apply(ops...); err != nil {
		return fmt.Errorf("persist dismissed notifications: %w", err)
	}
	return nil
}

func (d *DismissalStore) addLocked(ids []string) {
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := d.dismissed[id]; ok {
			continue
		}
		d.dismissed[id] = struct{}{}
		d.order = append(d.order, id)
	}
}

func (d *DismissalStore) readPersisted(userID string) ([]string, time.Time, error) {
	if userID == "" {
		return nil, time.Time{}, nil
	}
	var ids []string
	raw, err := storage.GetString(d.backend, storage.DismissedNotificationsKey(userID))
	if err != nil {
		return nil, time.Time{}, err
	}
	if raw != "" {
		if err := json.Unmarshal([]byte(raw), &ids); err != nil {
			d.logf("ignoring unreadable dismissed notifications for %s: %v", userID, err)
			ids = nil
		}
	}
	var watermark time.Time
	rawWatermark, err := storage.GetString(d.backend, storage.LastNotificationCheckKey(userID))
	if err != nil {
		return nil, time.Time{}, err
	}
	if rawWatermark != "" {
		parsed, err := ParseTimestamp(rawWatermark)
		if err != nil {
			d.logf("ignoring unreadable notification watermark for %s: %v", userID, err)
		} else {
			watermark = parsed
		}
	}
	return ids, watermark, nil
}

func (d *DismissalStore) logf(format string, args ...any) {
	if d.logger == nil {
		return
	}
	d.logger.Printf(format, args...)
}
