// Package shortterm implements the T3 short-term window (C3): a bounded,
// ordered, per-(user, conversation) sequence of recent messages held
// entirely in memory. There is no durable backend for this tier in the
// spec, so this package has no redis/postgres/sqlite counterpart the way
// facts, archive, and pattern do.
package shortterm

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/kagome-ai/memengine/enginelog"
	"github.com/kagome-ai/memengine/message"
)

// Store is the T3 contract. Window is the only implementation (spec.md
// §4.3 names no durable backend for this tier), but the engine depends on
// this interface rather than *Window directly, matching the other three
// tiers.
type Store interface {
	Add(ctx context.Context, userID, conversationID string, msg message.Message) error
	GetRecent(ctx context.Context, userID, conversationID string, count int) ([]message.Message, error)
	Clear(ctx context.Context, userID, conversationID string) error
	Remove(ctx context.Context, userID, conversationID, msgID string) error
	EraseUser(ctx context.Context, userID string) error
}

// Options configures a Window's capacity and partition TTL, mirroring the
// teacher's per-adapter Options-with-defaults convention.
type Options struct {
	Capacity int
	TTL      time.Duration
	Logger   enginelog.Logger
}

// DefaultOptions returns the spec's defaults: capacity 10, TTL 24h.
func DefaultOptions() Options {
	return Options{Capacity: 10, TTL: 24 * time.Hour, Logger: enginelog.NoOp{}}
}

func (o Options) withDefaults() Options {
	if o.Capacity <= 0 {
		o.Capacity = 10
	}
	if o.TTL <= 0 {
		o.TTL = 24 * time.Hour
	}
	if o.Logger == nil {
		o.Logger = enginelog.NoOp{}
	}
	return o
}

type partitionKey struct {
	userID         string
	conversationID string
}

// partition is a single (user, conversation)'s bounded message sequence. It
// is guarded by its own mutex so unrelated conversations never contend.
type partition struct {
	mu         sync.Mutex
	messages   []message.Message
	lastTouch  time.Time
}

// Window is the in-memory T3 store. Safe for concurrent use.
type Window struct {
	opts       Options
	mu         sync.RWMutex
	partitions map[partitionKey]*partition
}

var _ Store = (*Window)(nil)

// New constructs a Window with the given options, applying defaults for any
// zero-value fields.
func New(opts Options) *Window {
	return &Window{
		opts:       opts.withDefaults(),
		partitions: make(map[partitionKey]*partition),
	}
}

func (w *Window) partitionFor(userID, conversationID string) *partition {
	key := partitionKey{userID, conversationID}

	w.mu.RLock()
	p, ok := w.partitions[key]
	w.mu.RUnlock()
	if ok {
		return p
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if p, ok := w.partitions[key]; ok {
		return p
	}
	p = &partition{}
	w.partitions[key] = p
	return p
}

// Add appends msg to its (user, conversation) partition. If the partition
// then exceeds capacity, the single lowest-importance item is evicted,
// ties broken by oldest timestamp. Refreshes the partition's TTL clock.
func (w *Window) Add(_ context.Context, userID, conversationID string, msg message.Message) error {
	p := w.partitionFor(userID, conversationID)

	p.mu.Lock()
	defer p.mu.Unlock()

	p.messages = append(p.messages, msg)
	p.lastTouch = time.Now().UTC()

	if len(p.messages) > w.opts.Capacity {
		evictIdx := lowestImportanceIndex(p.messages)
		p.messages = append(p.messages[:evictIdx], p.messages[evictIdx+1:]...)
	}
	return nil
}

// lowestImportanceIndex finds the index of the lowest-importance message,
// breaking ties by the oldest timestamp.
func lowestImportanceIndex(messages []message.Message) int {
	best := 0
	for i := 1; i < len(messages); i++ {
		cur := messages[i]
		champ := messages[best]
		if cur.Metadata.Importance < champ.Metadata.Importance {
			best = i
			continue
		}
		if cur.Metadata.Importance == champ.Metadata.Importance && cur.Timestamp.Before(champ.Timestamp) {
			best = i
		}
	}
	return best
}

// GetRecent returns up to count most recent messages in timestamp order,
// refreshing the partition's TTL.
func (w *Window) GetRecent(_ context.Context, userID, conversationID string, count int) ([]message.Message, error) {
	p := w.partitionFor(userID, conversationID)

	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.messages) == 0 {
		return nil, nil
	}
	p.lastTouch = time.Now().UTC()

	ordered := make([]message.Message, len(p.messages))
	copy(ordered, p.messages)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Timestamp.Before(ordered[j].Timestamp) })

	if count <= 0 || count >= len(ordered) {
		return ordered, nil
	}
	return ordered[len(ordered)-count:], nil
}

// Clear empties a partition without removing it from the index.
func (w *Window) Clear(_ context.Context, userID, conversationID string) error {
	p := w.partitionFor(userID, conversationID)
	p.mu.Lock()
	defer p.mu.Unlock()
	p.messages = nil
	return nil
}

// Remove deletes a single message by ID from its partition, if present.
func (w *Window) Remove(_ context.Context, userID, conversationID, msgID string) error {
	p := w.partitionFor(userID, conversationID)
	p.mu.Lock()
	defer p.mu.Unlock()

	for i, m := range p.messages {
		if m.ID == msgID {
			p.messages = append(p.messages[:i], p.messages[i+1:]...)
			return nil
		}
	}
	return nil
}

// EraseUser removes every partition belonging to userID.
func (w *Window) EraseUser(_ context.Context, userID string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	for key := range w.partitions {
		if key.userID == userID {
			delete(w.partitions, key)
		}
	}
	return nil
}

// Stats reports the message count for a (user, conversation) partition, for
// observability only (not part of the store/retrieve/erase contract).
func (w *Window) Stats(userID, conversationID string) (count int, oldest, newest time.Time) {
	w.mu.RLock()
	p, ok := w.partitions[partitionKey{userID, conversationID}]
	w.mu.RUnlock()
	if !ok {
		return 0, time.Time{}, time.Time{}
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.messages) == 0 {
		return 0, time.Time{}, time.Time{}
	}
	oldest, newest = p.messages[0].Timestamp, p.messages[0].Timestamp
	for _, m := range p.messages[1:] {
		if m.Timestamp.Before(oldest) {
			oldest = m.Timestamp
		}
		if m.Timestamp.After(newest) {
			newest = m.Timestamp
		}
	}
	return len(p.messages), oldest, newest
}

// ReclaimExpired removes partitions whose TTL has elapsed since last touch.
// The Orchestrator does not call it; the Window's owner runs it on its own
// schedule. It never blocks on a busy partition, it simply skips it for
// this pass (the partition's own TTL clock will be checked again next time).
func (w *Window) ReclaimExpired(now time.Time) int {
	w.mu.Lock()
	defer w.mu.Unlock()

	reclaimed := 0
	for key, p := range w.partitions {
		if !p.mu.TryLock() {
			continue
		}
		expired := !p.lastTouch.IsZero() && now.Sub(p.lastTouch) > w.opts.TTL
		p.mu.Unlock()
		if expired {
			delete(w.partitions, key)
			reclaimed++
			w.opts.Logger.Debug("shortterm: reclaimed expired partition (%s %s)", enginelog.WithTier("T3"), enginelog.WithUser(key.userID, key.conversationID))
		}
	}
	return reclaimed
}
