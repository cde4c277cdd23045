// Package archive implements the T1 archive (C5): the authoritative,
// durable per-user store of every message, searchable by relevance with
// importance/timestamp as tiebreakers.
package archive

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/kagome-ai/memengine/engineerr"
	"github.com/kagome-ai/memengine/message"
)

// Store is the T1 contract; the in-memory Memory type and
// archive/pgstore.Store both implement it.
type Store interface {
	Archive(ctx context.Context, msg message.Message) error
	Search(ctx context.Context, userID, query string, maxK int) ([]message.Message, error)
	Get(ctx context.Context, msgID string) (message.Message, error)
	Delete(ctx context.Context, userID, msgID string) error
	EraseUser(ctx context.Context, userID string) error
}

// Memory is the in-memory Store implementation.
type Memory struct {
	mu       sync.Mutex
	byUser   map[string]map[string]message.Message // userID -> msgID -> Message
	byMsgID  map[string]string                      // msgID -> userID, for Get/Delete by ID alone
}

var _ Store = (*Memory)(nil)

// New constructs an empty in-memory archive.
func New() *Memory {
	return &Memory{
		byUser:  make(map[string]map[string]message.Message),
		byMsgID: make(map[string]string),
	}
}

// Archive stores msg unconditionally; T1 writes are mandatory on the store
// path and this call never degrades.
func (m *Memory) Archive(_ context.Context, msg message.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	bucket, ok := m.byUser[msg.UserID]
	if !ok {
		bucket = make(map[string]message.Message)
		m.byUser[msg.UserID] = bucket
	}
	bucket[msg.ID] = msg
	m.byMsgID[msg.ID] = msg.UserID
	return nil
}

// Relevance scores content against query by counting case-insensitive
// occurrences of each query word; a message that contains more of the
// query's distinct words, more often, ranks higher. Exported so
// archive/pgstore can rank SQL-filtered candidates with the identical rule
// the in-memory adapter uses.
func Relevance(content, query string) float64 {
	return relevance(content, query)
}

func relevance(content, query string) float64 {
	lowerContent := strings.ToLower(content)
	words := strings.Fields(strings.ToLower(query))
	if len(words) == 0 {
		return 0
	}

	var score float64
	for _, w := range words {
		if w == "" {
			continue
		}
		score += float64(strings.Count(lowerContent, w))
	}
	return score
}

// Search returns up to maxK messages ordered by relevance desc, then
// importance desc, then timestamp desc.
func (m *Memory) Search(_ context.Context, userID, query string, maxK int) ([]message.Message, error) {
	m.mu.Lock()
	bucket := m.byUser[userID]
	type scored struct {
		msg   message.Message
		score float64
	}
	candidates := make([]scored, 0, len(bucket))
	for _, msg := range bucket {
		r := relevance(msg.Content, query)
		if r > 0 {
			candidates = append(candidates, scored{msg, r})
		}
	}
	m.mu.Unlock()

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			return candidates[i].score > candidates[j].score
		}
		if candidates[i].msg.Metadata.Importance != candidates[j].msg.Metadata.Importance {
			return candidates[i].msg.Metadata.Importance > candidates[j].msg.Metadata.Importance
		}
		return candidates[i].msg.Timestamp.After(candidates[j].msg.Timestamp)
	})

	if maxK > 0 && len(candidates) > maxK {
		candidates = candidates[:maxK]
	}

	result := make([]message.Message, len(candidates))
	for i, c := range candidates {
		result[i] = c.msg
	}
	return result, nil
}

// Get fetches a message by ID alone, without needing its owning user.
func (m *Memory) Get(_ context.Context, msgID string) (message.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	userID, ok := m.byMsgID[msgID]
	if !ok {
		return message.Message{}, engineerr.Newf(engineerr.KindAdapter, "archive", "message %q not found", msgID)
	}
	msg, ok := m.byUser[userID][msgID]
	if !ok {
		return message.Message{}, engineerr.Newf(engineerr.KindAdapter, "archive", "message %q not found", msgID)
	}
	return msg, nil
}

// Delete removes a single message, a no-op if absent.
func (m *Memory) Delete(_ context.Context, userID, msgID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.byUser[userID], msgID)
	delete(m.byMsgID, msgID)
	return nil
}

// EraseUser removes every message owned by userID.
func (m *Memory) EraseUser(_ context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for msgID := range m.byUser[userID] {
		delete(m.byMsgID, msgID)
	}
	delete(m.byUser, userID)
	return nil
}

// Stats reports the message count for a user, for observability only.
func (m *Memory) Stats(userID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.byUser[userID])
}
