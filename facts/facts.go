// Package facts implements the T2 fact store (C4): a per-user collection of
// Facts supporting lexical and cosine-similarity search, access tracking,
// and eviction.
package facts

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/kagome-ai/memengine/engineerr"
	"github.com/kagome-ai/memengine/message"
	"github.com/kagome-ai/memengine/vectorindex"
)

// Store is the T2 contract; the in-memory Memory type and
// facts/redisstore.Store both implement it.
type Store interface {
	StoreFacts(ctx context.Context, userID, conversationID string, facts []message.Fact) error
	Search(ctx context.Context, userID, query string, queryEmbedding []float32, maxK int) ([]message.Fact, error)
	RecordAccess(ctx context.Context, userID, factID string) error
	Prune(ctx context.Context, userID string, minAccess int, ttl time.Duration) (int, error)
	DeleteFact(ctx context.Context, userID, factID string) error
	EraseUser(ctx context.Context, userID string) error
}

// DefaultMinAccess and DefaultTTL are default arguments for Prune and
// Fact.Evictable, which take both as parameters and have no defaults of
// their own.
const (
	DefaultMinAccess = 2
	DefaultTTL       = 30 * 24 * time.Hour
)

// Memory is the in-memory Store implementation: one mutex-guarded map of
// facts per user.
type Memory struct {
	mu    sync.Mutex
	byFact map[string]map[string]message.Fact // userID -> factID -> Fact
}

var _ Store = (*Memory)(nil)

// New constructs an empty in-memory fact store.
func New() *Memory {
	return &Memory{byFact: make(map[string]map[string]message.Fact)}
}

func (m *Memory) userBucket(userID string) map[string]message.Fact {
	bucket, ok := m.byFact[userID]
	if !ok {
		bucket = make(map[string]message.Fact)
		m.byFact[userID] = bucket
	}
	return bucket
}

// StoreFacts upserts each fact by ID.
func (m *Memory) StoreFacts(_ context.Context, userID, _ string, facts []message.Fact) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	bucket := m.userBucket(userID)
	for _, f := range facts {
		bucket[f.ID] = f
	}
	return nil
}

// Search returns up to maxK facts matching query, ranked by importance desc
// then last_accessed desc. A fact matches if query is a case-insensitive
// substring of its key or value, or if queryEmbedding is non-empty and its
// cosine similarity to the fact's embedding is at least 0.5.
// Matched facts have RecordAccess applied before being returned.
func (m *Memory) Search(_ context.Context, userID, query string, queryEmbedding []float32, maxK int) ([]message.Fact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	bucket := m.userBucket(userID)
	candidates := make([]message.Fact, 0, len(bucket))
	lowerQuery := strings.ToLower(query)

	for _, f := range bucket {
		if matchesLexically(f, lowerQuery) || matchesSemantically(f, queryEmbedding) {
			candidates = append(candidates, f)
		}
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Importance != candidates[j].Importance {
			return candidates[i].Importance > candidates[j].Importance
		}
		return candidates[i].LastAccessed.After(candidates[j].LastAccessed)
	})

	if maxK > 0 && len(candidates) > maxK {
		candidates = candidates[:maxK]
	}

	now := time.Now().UTC()
	result := make([]message.Fact, len(candidates))
	for i, f := range candidates {
		accessed := f.RecordAccess(now)
		bucket[f.ID] = accessed
		result[i] = accessed
	}
	return result, nil
}

func matchesLexically(f message.Fact, lowerQuery string) bool {
	if lowerQuery == "" {
		return false
	}
	return strings.Contains(strings.ToLower(f.Key), lowerQuery) || strings.Contains(strings.ToLower(f.Value), lowerQuery)
}

const semanticFloor = 0.5

func matchesSemantically(f message.Fact, queryEmbedding []float32) bool {
	if len(queryEmbedding) == 0 || len(f.Embedding) == 0 {
		return false
	}
	return vectorindex.Cosine(queryEmbedding, f.Embedding) >= semanticFloor
}

// RecordAccess increments the access counter and refreshes last_accessed.
func (m *Memory) RecordAccess(_ context.Context, userID, factID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	bucket := m.userBucket(userID)
	f, ok := bucket[factID]
	if !ok {
		return engineerr.Newf(engineerr.KindAdapter, "facts", "fact %q not found for user %q", factID, userID)
	}
	bucket[factID] = f.RecordAccess(time.Now())
	return nil
}

// Prune deletes facts satisfying the eviction predicate and returns the
// count removed.
func (m *Memory) Prune(_ context.Context, userID string, minAccess int, ttl time.Duration) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	bucket := m.userBucket(userID)
	now := time.Now().UTC()
	removed := 0
	for id, f := range bucket {
		if f.Evictable(now, minAccess, ttl) {
			delete(bucket, id)
			removed++
		}
	}
	return removed, nil
}

// DeleteFact removes a single fact by ID, a no-op if absent.
func (m *Memory) DeleteFact(_ context.Context, userID, factID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.userBucket(userID), factID)
	return nil
}

// EraseUser removes every fact owned by userID.
func (m *Memory) EraseUser(_ context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.byFact, userID)
	return nil
}

// Stats reports the fact count for a user, for observability only.
func (m *Memory) Stats(userID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.byFact[userID])
}
