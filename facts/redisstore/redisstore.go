// Package redisstore is a Redis-backed T2 fact store adapter, grounded on
// the teacher's RedisCheckpointStore (store/redis/redis.go): a key prefix,
// JSON-marshaled values, and a per-user set index maintained alongside the
// value keys via pipelines.
package redisstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/kagome-ai/memengine/engineerr"
	"github.com/kagome-ai/memengine/facts"
	"github.com/kagome-ai/memengine/message"
	"github.com/kagome-ai/memengine/vectorindex"
)

// Options configures a Store's key prefix and connection, mirroring the
// teacher's RedisOptions.
type Options struct {
	Addr     string
	Password string
	DB       int
	Prefix   string // default "memengine:"
}

func (o Options) withDefaults() Options {
	if o.Prefix == "" {
		o.Prefix = "memengine:"
	}
	return o
}

// Store is a Redis-backed T2 adapter.
type Store struct {
	client *redis.Client
	prefix string
}

var _ facts.Store = (*Store)(nil)

// New creates a Store from connection Options.
func New(opts Options) *Store {
	opts = opts.withDefaults()
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	return &Store{client: client, prefix: opts.Prefix}
}

// NewWithClient wraps an already-constructed client, used by tests against
// miniredis.
func NewWithClient(client *redis.Client, prefix string) *Store {
	if prefix == "" {
		prefix = "memengine:"
	}
	return &Store{client: client, prefix: prefix}
}

func (s *Store) factKey(factID string) string {
	return fmt.Sprintf("%sfact:%s", s.prefix, factID)
}

func (s *Store) userIndexKey(userID string) string {
	return fmt.Sprintf("%sfacts:%s", s.prefix, userID)
}

// StoreFacts upserts each fact's JSON blob and indexes its ID under the
// user's set, in one pipeline per call.
func (s *Store) StoreFacts(ctx context.Context, userID, _ string, facts []message.Fact) error {
	if len(facts) == 0 {
		return nil
	}

	pipe := s.client.Pipeline()
	indexKey := s.userIndexKey(userID)
	for _, f := range facts {
		data, err := json.Marshal(f)
		if err != nil {
			return engineerr.New(engineerr.KindAdapter, "facts/redisstore", fmt.Errorf("marshal fact %s: %w", f.ID, err))
		}
		pipe.Set(ctx, s.factKey(f.ID), data, 0)
		pipe.SAdd(ctx, indexKey, f.ID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return engineerr.New(engineerr.KindAdapter, "facts/redisstore", fmt.Errorf("store facts: %w", err))
	}
	return nil
}

func (s *Store) loadUserFacts(ctx context.Context, userID string) ([]message.Fact, error) {
	ids, err := s.client.SMembers(ctx, s.userIndexKey(userID)).Result()
	if err != nil {
		return nil, engineerr.New(engineerr.KindAdapter, "facts/redisstore", fmt.Errorf("list fact ids: %w", err))
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.factKey(id)
	}

	raw, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, engineerr.New(engineerr.KindAdapter, "facts/redisstore", fmt.Errorf("fetch facts: %w", err))
	}

	facts := make([]message.Fact, 0, len(raw))
	for _, r := range raw {
		str, ok := r.(string)
		if !ok {
			continue
		}
		var f message.Fact
		if err := json.Unmarshal([]byte(str), &f); err != nil {
			continue
		}
		facts = append(facts, f)
	}
	return facts, nil
}

// Search mirrors facts.Memory.Search's matching and ranking rules against
// the Redis-held set.
func (s *Store) Search(ctx context.Context, userID, query string, queryEmbedding []float32, maxK int) ([]message.Fact, error) {
	facts, err := s.loadUserFacts(ctx, userID)
	if err != nil {
		return nil, err
	}

	lowerQuery := strings.ToLower(query)
	var candidates []message.Fact
	for _, f := range facts {
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
		result[i] = accessed
		if err := s.putFact(ctx, accessed); err != nil {
			return nil, err
		}
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

func (s *Store) putFact(ctx context.Context, f message.Fact) error {
	data, err := json.Marshal(f)
	if err != nil {
		return engineerr.New(engineerr.KindAdapter, "facts/redisstore", fmt.Errorf("marshal fact %s: %w", f.ID, err))
	}
	if err := s.client.Set(ctx, s.factKey(f.ID), data, 0).Err(); err != nil {
		return engineerr.New(engineerr.KindAdapter, "facts/redisstore", fmt.Errorf("update fact %s: %w", f.ID, err))
	}
	return nil
}

// RecordAccess increments the access counter and refreshes last_accessed.
func (s *Store) RecordAccess(ctx context.Context, userID, factID string) error {
	data, err := s.client.Get(ctx, s.factKey(factID)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return engineerr.Newf(engineerr.KindAdapter, "facts/redisstore", "fact %q not found for user %q", factID, userID)
		}
		return engineerr.New(engineerr.KindAdapter, "facts/redisstore", fmt.Errorf("load fact: %w", err))
	}
	var f message.Fact
	if err := json.Unmarshal(data, &f); err != nil {
		return engineerr.New(engineerr.KindAdapter, "facts/redisstore", fmt.Errorf("unmarshal fact: %w", err))
	}
	return s.putFact(ctx, f.RecordAccess(time.Now()))
}

// Prune deletes facts satisfying the eviction predicate and returns the
// count removed.
func (s *Store) Prune(ctx context.Context, userID string, minAccess int, ttl time.Duration) (int, error) {
	facts, err := s.loadUserFacts(ctx, userID)
	if err != nil {
		return 0, err
	}

	now := time.Now().UTC()
	removed := 0
	for _, f := range facts {
		if f.Evictable(now, minAccess, ttl) {
			if err := s.DeleteFact(ctx, userID, f.ID); err != nil {
				return removed, err
			}
			removed++
		}
	}
	return removed, nil
}

// DeleteFact removes a fact's key and its user-index entry.
func (s *Store) DeleteFact(ctx context.Context, userID, factID string) error {
	pipe := s.client.Pipeline()
	pipe.Del(ctx, s.factKey(factID))
	pipe.SRem(ctx, s.userIndexKey(userID), factID)
	if _, err := pipe.Exec(ctx); err != nil {
		return engineerr.New(engineerr.KindAdapter, "facts/redisstore", fmt.Errorf("delete fact: %w", err))
	}
	return nil
}

// EraseUser deletes every fact owned by userID and the user's index set.
func (s *Store) EraseUser(ctx context.Context, userID string) error {
	ids, err := s.client.SMembers(ctx, s.userIndexKey(userID)).Result()
	if err != nil {
		return engineerr.New(engineerr.KindAdapter, "facts/redisstore", fmt.Errorf("list fact ids: %w", err))
	}

	pipe := s.client.Pipeline()
	for _, id := range ids {
		pipe.Del(ctx, s.factKey(id))
	}
	pipe.Del(ctx, s.userIndexKey(userID))
	if _, err := pipe.Exec(ctx); err != nil {
		return engineerr.New(engineerr.KindAdapter, "facts/redisstore", fmt.Errorf("erase user: %w", err))
	}
	return nil
}
