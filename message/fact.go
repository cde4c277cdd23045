package message

import (
	"time"

	"github.com/google/uuid"
	"github.com/kagome-ai/memengine/engineerr"
)

// Fact is a T2 key/value entity extracted from a conversation, tracked with
// access statistics that drive eviction (spec.md §3, §4.4).
type Fact struct {
	ID             string
	UserID         string
	ConversationID string
	Key            string
	Value          string
	Type           EntityType
	Importance     float64
	CreatedAt      time.Time
	LastAccessed   time.Time
	AccessCount    int
	Embedding      []float32
}

// NewFact constructs a Fact from an ExtractedEntity, validating the
// importance invariant 0 <= importance <= 1.
func NewFact(userID, conversationID string, entity ExtractedEntity, now time.Time) (Fact, error) {
	if userID == "" {
		return Fact{}, engineerr.Newf(engineerr.KindInput, "fact", "user_id must not be empty")
	}
	if entity.Importance < 0 || entity.Importance > 1 {
		return Fact{}, engineerr.Newf(engineerr.KindInput, "fact", "importance %f out of range [0,1]", entity.Importance)
	}

	now = now.UTC()
	return Fact{
		ID:             uuid.NewString(),
		UserID:         userID,
		ConversationID: conversationID,
		Key:            entity.Key,
		Value:          entity.Value,
		Type:           entity.Type,
		Importance:     entity.Importance,
		CreatedAt:      now,
		LastAccessed:   now,
		AccessCount:    1,
		Embedding:      entity.Embedding,
	}, nil
}

// RecordAccess returns a copy of f with access_count incremented and
// last_accessed refreshed; access_count is monotonically increasing.
func (f Fact) RecordAccess(now time.Time) Fact {
	f.AccessCount++
	f.LastAccessed = now.UTC()
	return f
}

// Evictable reports whether f satisfies the eviction predicate: access
// count below minAccess and untouched longer than ttl.
func (f Fact) Evictable(now time.Time, minAccess int, ttl time.Duration) bool {
	return f.AccessCount < minAccess && now.Sub(f.LastAccessed) > ttl
}
