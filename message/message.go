// Package message holds the data model shared across every tier (spec.md
// §3): Message, its metadata and extracted entities, and the derived
// ConversationState. Construction validates required fields; everything
// else is an immutable value except Metadata.Importance, which the
// Orchestrator sets exactly once before tier writes.
package message

import (
	"time"

	"github.com/google/uuid"
	"github.com/kagome-ai/memengine/engineerr"
)

// Role identifies who produced a Message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// EntityType classifies an ExtractedEntity.
type EntityType string

const (
	EntityPerson     EntityType = "person"
	EntityPlace      EntityType = "place"
	EntityTechnology EntityType = "technology"
	EntityDecision   EntityType = "decision"
	EntityPreference EntityType = "preference"
	EntityConstraint EntityType = "constraint"
	EntityGoal       EntityType = "goal"
	EntityOther      EntityType = "other"
)

// ExtractedEntity is a key/value fact candidate pulled from a Message's
// content by the Capability's extract_entities operation.
type ExtractedEntity struct {
	Key        string
	Value      string
	Type       EntityType
	Importance float64
	IsNovel    bool
	Embedding  []float32
}

// MessageMetadata carries the Salience Scorer's output plus structural
// tags used by downstream tiers and the pattern engine.
type MessageMetadata struct {
	Importance        float64
	IsQuestion        bool
	ContainsDecision  bool
	ContainsCode      bool
	Tags              map[string]struct{}
	ExtractedEntities []ExtractedEntity
}

// NewMessageMetadata returns zero-value metadata with an initialized tag set.
func NewMessageMetadata() MessageMetadata {
	return MessageMetadata{Tags: make(map[string]struct{})}
}

// HasTag reports whether the given tag is present.
func (m MessageMetadata) HasTag(tag string) bool {
	_, ok := m.Tags[tag]
	return ok
}

// WithTag returns a copy of m with tag added. The tag set is copied, so m
// itself is left unchanged.
func (m MessageMetadata) WithTag(tag string) MessageMetadata {
	tags := make(map[string]struct{}, len(m.Tags)+1)
	for t := range m.Tags {
		tags[t] = struct{}{}
	}
	tags[tag] = struct{}{}
	m.Tags = tags
	return m
}

// Message is immutable after construction except for Metadata.Importance,
// which the Orchestrator sets exactly once via WithImportance before the
// T1/T3 tier writes (spec.md §3). Use WithImportance, never a field write,
// so concurrent readers never observe a half-updated struct.
type Message struct {
	ID             string
	UserID         string
	ConversationID string
	Role           Role
	Content        string
	Timestamp      time.Time
	Metadata       MessageMetadata
}

// New constructs a Message, validating that user_id, conversation_id, and
// content are non-empty (spec.md §3). The ID is generated; the timestamp
// is now converted to UTC.
func New(userID, conversationID string, role Role, content string, now time.Time) (Message, error) {
	if userID == "" {
		return Message{}, engineerr.Newf(engineerr.KindInput, "message", "user_id must not be empty")
	}
	if conversationID == "" {
		return Message{}, engineerr.Newf(engineerr.KindInput, "message", "conversation_id must not be empty")
	}
	if content == "" {
		return Message{}, engineerr.Newf(engineerr.KindInput, "message", "content must not be empty")
	}

	return Message{
		ID:             uuid.NewString(),
		UserID:         userID,
		ConversationID: conversationID,
		Role:           role,
		Content:        content,
		Timestamp:      now.UTC(),
		Metadata:       NewMessageMetadata(),
	}, nil
}

// WithMetadata returns a copy of m with metadata replaced wholesale.
func (m Message) WithMetadata(meta MessageMetadata) Message {
	m.Metadata = meta
	return m
}

// WithImportance returns a copy of m with Metadata.Importance set. This is
// the single, once-only mutation point the spec allows post-construction;
// expressing it as a copy-update keeps Message safe to share across
// goroutines without a lock.
func (m Message) WithImportance(importance float64) Message {
	m.Metadata.Importance = importance
	return m
}

// ConversationState is derived, never authoritative storage (spec.md §3).
type ConversationState struct {
	UserID         string
	ConversationID string
	TurnCount      int
	LastActivity   time.Time
}
