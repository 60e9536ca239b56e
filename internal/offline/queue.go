package offline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"nostr-market/internal/cache"
	"nostr-market/internal/types"
)

const syncKeyPrefix = "sync:"

// Queue tags used by the client
const (
	TagTrades   = "trades"
	TagMessages = "messages"
)

// DefaultMaxAttempts is how many failed replays an entry gets before it is
// reported as a persistent failure.
const DefaultMaxAttempts = 5

var ErrInvalidTag = errors.New("offline: invalid queue tag")

// PersistentFailure is reported for an entry that reached the attempt cap.
// The entry stays queued until it is retried or removed explicitly.
type PersistentFailure struct {
	Entry types.SyncEntry
}

func (f *PersistentFailure) Error() string {
	return fmt.Sprintf("sync entry %s/%s failed %d times: %s", f.Entry.Tag, f.Entry.ID, f.Entry.Attempts, f.Entry.LastError)
}

// Handler replays one queued entry. A nil error removes the entry.
type Handler func(ctx context.Context, entry types.SyncEntry) error

// DrainReport summarizes one drain
type DrainReport struct {
	Replayed   int
	Failed     int
	Persistent []*PersistentFailure
}

// QueueStats are cumulative counters
type QueueStats struct {
	Enqueued int64
	Replayed int64
	Failed   int64
}

// Queue is a durable, tagged FIFO of pending mutations. Entries are ordered
// by enqueue time within a tag.
type Queue struct {
	store       cache.CacheBackend
	maxAttempts int

	seq     atomic.Uint64
	drainMu sync.Mutex

	enqueued atomic.Int64
	replayed atomic.Int64
	failed   atomic.Int64
}

// NewQueue returns a queue persisted in store
func NewQueue(store cache.CacheBackend, maxAttempts int) *Queue {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	return &Queue{store: store, maxAttempts: maxAttempts}
}

// Stats returns a snapshot of the counters
func (q *Queue) Stats() QueueStats {
	return QueueStats{
		Enqueued: q.enqueued.Load(),
		Replayed: q.replayed.Load(),
		Failed:   q.failed.Load(),
	}
}

// Enqueue appends payload to the tag's queue
func (q *Queue) Enqueue(ctx context.Context, tag string, payload []byte) (types.SyncEntry, error) {
	if tag == "" || strings.Contains(tag, ":") {
		return types.SyncEntry{}, fmt.Errorf("%w: %q", ErrInvalidTag, tag)
	}
	now := time.Now()
	entry := types.SyncEntry{
		ID:         fmt.Sprintf("%020d-%06d", now.UnixNano(), q.seq.Add(1)%1000000),
		Tag:        tag,
		Payload:    payload,
		EnqueuedAt: now.Unix(),
	}
	if err := q.put(ctx, entry); err != nil {
		return types.SyncEntry{}, err
	}
	q.enqueued.Add(1)
	slog.Info("queued for sync", "tag", tag, "id", entry.ID)
	return entry, nil
}

// Pending returns the tag's entries in enqueue order
func (q *Queue) Pending(ctx context.Context, tag string) ([]types.SyncEntry, error) {
	keys, err := q.store.Keys(ctx, syncKeyPrefix+tag+":")
	if err != nil {
		return nil, fmt.Errorf("list sync queue: %w", err)
	}
	if len(keys) == 0 {
		return nil, nil
	}
	values, err := q.store.GetMultiple(ctx, keys)
	if err != nil {
		return nil, fmt.Errorf("read sync queue: %w", err)
	}
	entries := make([]types.SyncEntry, 0, len(keys))
	for _, k := range keys {
		data, ok := values[k]
		if !ok {
			continue
		}
		var entry types.SyncEntry
		if err := json.Unmarshal(data, &entry); err != nil {
			slog.Warn("corrupt sync entry", "key", k, "error", err)
			continue
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// Tags returns every tag with at least one pending entry
func (q *Queue) Tags(ctx context.Context) ([]string, error) {
	keys, err := q.store.Keys(ctx, syncKeyPrefix)
	if err != nil {
		return nil, fmt.Errorf("list sync queue: %w", err)
	}
	seen := make(map[string]struct{})
	var tags []string
	for _, k := range keys {
		rest := strings.TrimPrefix(k, syncKeyPrefix)
		tag, _, ok := strings.Cut(rest, ":")
		if !ok {
			continue
		}
		if _, dup := seen[tag]; !dup {
			seen[tag] = struct{}{}
			tags = append(tags, tag)
		}
	}
	sort.Strings(tags)
	return tags, nil
}

// Remove deletes an entry. It is how a caller gives up on a persistent failure.
func (q *Queue) Remove(ctx context.Context, entry types.SyncEntry) error {
	if err := q.store.Delete(ctx, entryKey(entry)); err != nil {
		return fmt.Errorf("remove sync entry: %w", err)
	}
	return nil
}

// Retry clears the attempt count so the entry is replayed on the next drain
func (q *Queue) Retry(ctx context.Context, entry types.SyncEntry) error {
	entry.Attempts = 0
	entry.LastError = ""
	return q.put(ctx, entry)
}

// Drain replays every tag that has a handler. Tags drain concurrently; within
// a tag entries are replayed in order and the tag stops at its first failure
// so later actions never overtake earlier ones. The returned error joins the
// storage errors and persistent failures of this drain.
func (q *Queue) Drain(ctx context.Context, handlers map[string]Handler) (DrainReport, error) {
	q.drainMu.Lock()
	defer q.drainMu.Unlock()

	tags, err := q.Tags(ctx)
	if err != nil {
		return DrainReport{}, err
	}

	var (
		mu     sync.Mutex
		report DrainReport
		errs   []error
	)
	g, gctx := errgroup.WithContext(ctx)
	for _, tag := range tags {
		handler, ok := handlers[tag]
		if !ok {
			slog.Warn("no sync handler for tag", "tag", tag)
			continue
		}
		g.Go(func() error {
			r, err := q.drainTag(gctx, tag, handler)
			mu.Lock()
			defer mu.Unlock()
			report.Replayed += r.Replayed
			report.Failed += r.Failed
			report.Persistent = append(report.Persistent, r.Persistent...)
			if err != nil {
				errs = append(errs, err)
			}
			return nil
		})
	}
	g.Wait()

	for _, pf := range report.Persistent {
		errs = append(errs, pf)
	}
	return report, errors.Join(errs...)
}

// DrainTag replays one tag in order, stopping at its first failure
func (q *Queue) DrainTag(ctx context.Context, tag string, handler Handler) (DrainReport, error) {
	q.drainMu.Lock()
	defer q.drainMu.Unlock()
	report, err := q.drainTag(ctx, tag, handler)
	errs := []error{err}
	for _, pf := range report.Persistent {
		errs = append(errs, pf)
	}
	return report, errors.Join(errs...)
}

func (q *Queue) drainTag(ctx context.Context, tag string, handler Handler) (DrainReport, error) {
	var report DrainReport
	entries, err := q.Pending(ctx, tag)
	if err != nil {
		return report, err
	}
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if entry.Attempts >= q.maxAttempts {
			report.Persistent = append(report.Persistent, &PersistentFailure{Entry: entry})
			return report, nil
		}

		replayErr := handler(ctx, entry)
		if replayErr == nil {
			if err := q.Remove(ctx, entry); err != nil {
				return report, err
			}
			report.Replayed++
			q.replayed.Add(1)
			slog.Info("sync entry replayed", "tag", tag, "id", entry.ID)
			continue
		}

		entry.Attempts++
		entry.LastError = replayErr.Error()
		report.Failed++
		q.failed.Add(1)
		if err := q.put(ctx, entry); err != nil {
			return report, err
		}
		slog.Warn("sync entry replay failed", "tag", tag, "id", entry.ID, "attempts", entry.Attempts, "error", replayErr)
		if entry.Attempts >= q.maxAttempts {
			report.Persistent = append(report.Persistent, &PersistentFailure{Entry: entry})
		}
		return report, nil
	}
	return report, nil
}

func (q *Queue) put(ctx context.Context, entry types.SyncEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode sync entry: %w", err)
	}
	if err := q.store.Set(ctx, entryKey(entry), data, 0); err != nil {
		return fmt.Errorf("store sync entry: %w", err)
	}
	return nil
}

func entryKey(entry types.SyncEntry) string {
	return syncKeyPrefix + entry.Tag + ":" + entry.ID
}
