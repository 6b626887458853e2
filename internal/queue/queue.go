// Package queue provides bounded, durable offline queues for status
// reports, command results, and error reports. Each kind is a directory of
// one JSON file per item, generalized from
// platform-update-agent/internal/metadata's single mutex-guarded JSON file
// pattern to one file per queued item so items can be enumerated, aged out,
// and drained independently without rewriting the whole store on every
// change.
package queue

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/open-edge-platform/cms-agent/internal/logger"
	"github.com/open-edge-platform/cms-agent/internal/types"
)

var log = logger.New("queue", "")

// Limits bounds a single queue's durable footprint.
type Limits struct {
	MaxItems     int
	MaxBytes     int64
	MaxAge       time.Duration
}

// Item is one envelope persisted to disk.
type Item struct {
	ID        string          `json:"id"`
	EnqueuedAt time.Time      `json:"enqueued_at"`
	Payload   json.RawMessage `json:"payload"`
}

// Queue is a directory-backed FIFO of JSON items, bounded by count, total
// bytes, and item age.
type Queue struct {
	dir    string
	limits Limits

	mu sync.Mutex
}

// Open prepares the queue's backing directory.
func Open(dir string, limits Limits) (*Queue, error) {
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("%s: create queue directory: %w", types.ErrOfflineQueueError, err)
	}
	return &Queue{dir: dir, limits: limits}, nil
}

// Enqueue persists payload as a new item, evicting the oldest items first if
// doing so would exceed the configured limits.
func (q *Queue) Enqueue(payload interface{}) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("%s: marshal item: %w", types.ErrOfflineQueueError, err)
	}

	item := Item{
		ID:         uuid.NewString(),
		EnqueuedAt: time.Now(),
		Payload:    data,
	}

	if err := q.expireLocked(); err != nil {
		log.WithError(err).Warn("failed expiring aged items before enqueue")
	}

	if err := q.enforceCapacityLocked(int64(len(data))); err != nil {
		log.WithError(err).Warn("failed enforcing capacity before enqueue")
	}

	return q.writeItemLocked(item)
}

func (q *Queue) writeItemLocked(item Item) error {
	encoded, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("%s: marshal item: %w", types.ErrOfflineQueueError, err)
	}

	path := q.itemPath(item.ID)
	tmp, err := os.CreateTemp(q.dir, ".item-*.tmp")
	if err != nil {
		return fmt.Errorf("%s: create temp item: %w", types.ErrOfflineQueueError, err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(encoded); err != nil {
		tmp.Close()
		return fmt.Errorf("%s: write item: %w", types.ErrOfflineQueueError, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("%s: sync item: %w", types.ErrOfflineQueueError, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("%s: close item: %w", types.ErrOfflineQueueError, err)
	}
	if err := os.Chmod(tmpPath, 0640); err != nil {
		return fmt.Errorf("%s: chmod item: %w", types.ErrOfflineQueueError, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("%s: rename item: %w", types.ErrOfflineQueueError, err)
	}
	return nil
}

func (q *Queue) itemPath(id string) string {
	return filepath.Join(q.dir, id+".json")
}

// Peek returns the oldest n items in enqueue order without removing them.
func (q *Queue) Peek(n int) ([]Item, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	items, err := q.listLocked()
	if err != nil {
		return nil, err
	}
	if n >= 0 && n < len(items) {
		items = items[:n]
	}
	return items, nil
}

// Remove deletes the named items, typically after a successful drain.
func (q *Queue) Remove(ids []string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	var firstErr error
	for _, id := range ids {
		if err := os.Remove(q.itemPath(id)); err != nil && !os.IsNotExist(err) && firstErr == nil {
			firstErr = fmt.Errorf("%s: remove item %s: %w", types.ErrOfflineQueueError, id, err)
		}
	}
	return firstErr
}

// Len reports the number of items currently queued.
func (q *Queue) Len() (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	items, err := q.listLocked()
	if err != nil {
		return 0, err
	}
	return len(items), nil
}

func (q *Queue) listLocked() ([]Item, error) {
	entries, err := os.ReadDir(q.dir)
	if err != nil {
		return nil, fmt.Errorf("%s: list queue directory: %w", types.ErrOfflineQueueError, err)
	}

	items := make([]Item, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(q.dir, entry.Name()))
		if err != nil {
			log.WithError(err).WithField("file", entry.Name()).Warn("skipping unreadable queue item")
			continue
		}
		var item Item
		if err := json.Unmarshal(data, &item); err != nil {
			log.WithError(err).WithField("file", entry.Name()).Warn("skipping corrupt queue item")
			continue
		}
		items = append(items, item)
	}

	sort.Slice(items, func(i, j int) bool {
		return items[i].EnqueuedAt.Before(items[j].EnqueuedAt)
	})
	return items, nil
}

// expireLocked removes items older than the configured max age.
func (q *Queue) expireLocked() error {
	if q.limits.MaxAge <= 0 {
		return nil
	}
	items, err := q.listLocked()
	if err != nil {
		return err
	}

	cutoff := time.Now().Add(-q.limits.MaxAge)
	for _, item := range items {
		if item.EnqueuedAt.Before(cutoff) {
			if err := os.Remove(q.itemPath(item.ID)); err != nil && !os.IsNotExist(err) {
				return err
			}
		}
	}
	return nil
}

// enforceCapacityLocked evicts the oldest items until the queue has room for
// one more item of the given size, honoring both the item-count and
// total-bytes limits.
func (q *Queue) enforceCapacityLocked(incomingSize int64) error {
	items, err := q.listLocked()
	if err != nil {
		return err
	}

	var total int64
	for _, item := range items {
		total += int64(len(item.Payload))
	}

	for len(items) > 0 {
		overCount := q.limits.MaxItems > 0 && len(items) >= q.limits.MaxItems
		overBytes := q.limits.MaxBytes > 0 && total+incomingSize > q.limits.MaxBytes
		if !overCount && !overBytes {
			break
		}
		oldest := items[0]
		if err := os.Remove(q.itemPath(oldest.ID)); err != nil && !os.IsNotExist(err) {
			return err
		}
		total -= int64(len(oldest.Payload))
		items = items[1:]
	}
	return nil
}
