// Package pattern implements the TP pattern store (C6): a per-user set of
// learned triggers -> instruction rules, matched against incoming queries
// with concurrent reinforcement, detected in the background from procedural
// message content, and consolidated on request to merge near-duplicates.
package pattern

import (
	"context"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/kagome-ai/memengine/enginelog"
	"github.com/kagome-ai/memengine/message"
	"github.com/kagome-ai/memengine/vectorindex"
)

// EmbedFunc computes a query's embedding on demand. The match path calls
// this at most once per call, outside any user lock (spec.md §5): pattern
// callers pass the Capability's Embed method in directly.
type EmbedFunc func(ctx context.Context, text string) ([]float32, error)

// Proposal mirrors capability.PatternProposal so that this package does not
// import the capability package. Callers map a capability.PatternProposal
// into this shape at the call site.
type Proposal struct {
	Name                string
	Description         string
	Triggers            []string
	InstructionTemplate string
}

// Valid reports whether every field the pattern engine requires is present;
// a malformed proposal is "no result", never an error that escapes
// detection (spec.md §7).
func (p Proposal) Valid() bool {
	return p.Name != "" && p.Description != "" && p.InstructionTemplate != "" && len(p.Triggers) > 0
}

// ProposeFunc requests a structured pattern proposal for a message's content
// from the Capability.
type ProposeFunc func(ctx context.Context, messageContent string) (Proposal, error)

// Store is the TP contract; Memory and pattern/sqlitestore.Store both
// implement it.
type Store interface {
	Match(ctx context.Context, userID, query string, embed EmbedFunc) (*message.Pattern, error)
	DetectAndStore(ctx context.Context, userID string, msg message.Message, propose ProposeFunc, embed EmbedFunc) error
	Consolidate(ctx context.Context, userID string) error
	EraseUser(ctx context.Context, userID string) error
}

// proceduralCues flags message content worth proposing a pattern from. It
// shares "write code", "generate", "build", "implement" and "refactor" with
// the classifier's procedural cue list, and has "every time", "whenever" and
// "from now on" where the classifier has "handle" and "deal with".
var proceduralCues = []string{"write code", "generate", "build", "implement", "refactor", "every time", "whenever", "from now on"}

// looksProcedural reports whether content is worth proposing a pattern from.
func looksProcedural(content string) bool {
	lower := strings.ToLower(content)
	for _, cue := range proceduralCues {
		if strings.Contains(lower, cue) {
			return true
		}
	}
	return false
}

// Memory is the in-memory Store implementation. A single mutex guards the
// pattern maps of all users, so mutations are serialized across users as
// well as within one user.
type Memory struct {
	logger enginelog.Logger

	mu     sync.Mutex
	byUser map[string]map[string]*message.Pattern // userID -> patternID -> Pattern
}

var _ Store = (*Memory)(nil)

// Options configures a Memory store.
type Options struct {
	Logger enginelog.Logger
}

func (o Options) withDefaults() Options {
	if o.Logger == nil {
		o.Logger = enginelog.NoOp{}
	}
	return o
}

// New constructs an empty in-memory pattern store.
func New(opts Options) *Memory {
	opts = opts.withDefaults()
	return &Memory{
		logger: opts.Logger,
		byUser: make(map[string]map[string]*message.Pattern),
	}
}

func (m *Memory) snapshot(userID string) []*message.Pattern {
	m.mu.Lock()
	defer m.mu.Unlock()

	bucket := m.byUser[userID]
	out := make([]*message.Pattern, 0, len(bucket))
	for _, p := range bucket {
		if state := p.State(); state == message.PatternMerged || state == message.PatternArchived {
			continue
		}
		out = append(out, p)
	}
	return out
}

// Match implements the four-step match path from spec.md §4.6: snapshot
// under lock, compute the query embedding outside the lock only if some
// trigger needs it, re-enter the lock to score, and RecordUsage on the
// winner. Returns (nil, nil) when nothing meets its threshold.
func (m *Memory) Match(ctx context.Context, userID, query string, embed EmbedFunc) (*message.Pattern, error) {
	candidates := m.snapshot(userID)
	if len(candidates) == 0 {
		return nil, nil
	}

	var queryEmbedding []float32
	if embed != nil && anySemanticTrigger(candidates) {
		emb, err := embed(ctx, query)
		if err != nil {
			m.logger.Warn("pattern: embedding failed for match, falling back to lexical/regex triggers: %v (%s)", err, enginelog.WithUser(userID, ""))
		} else {
			queryEmbedding = emb
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var best *message.Pattern
	var bestScore float64 = -1
	for _, p := range candidates {
		score := scorePattern(p, query, queryEmbedding)
		if score >= p.ConfidenceThreshold() && score > bestScore {
			best, bestScore = p, score
		}
	}

	if best == nil {
		return nil, nil
	}
	best.RecordUsage(time.Now())
	return best, nil
}

func anySemanticTrigger(patterns []*message.Pattern) bool {
	for _, p := range patterns {
		for _, t := range p.Triggers {
			if t.Kind == message.TriggerSemantic {
				return true
			}
		}
	}
	return false
}

// scorePattern is the maximum score across a pattern's triggers (spec.md §4.6).
func scorePattern(p *message.Pattern, query string, queryEmbedding []float32) float64 {
	lowerQuery := strings.ToLower(query)
	var best float64
	for _, t := range p.Triggers {
		var score float64
		switch t.Kind {
		case message.TriggerKeyword:
			if strings.Contains(lowerQuery, strings.ToLower(t.Pattern)) {
				score = 1.0
			}
		case message.TriggerRegex:
			if re, err := regexp.Compile(t.Pattern); err == nil && re.MatchString(query) {
				score = 1.0
			}
		case message.TriggerSemantic:
			if len(queryEmbedding) > 0 && len(t.Embedding) > 0 {
				score = vectorindex.Cosine(queryEmbedding, t.Embedding)
			}
		}
		if score > best {
			best = score
		}
	}
	return best
}

// DetectAndStore is background-only (spec.md §4.6, §4.7): a detection
// failure or a malformed proposal never escapes to affect the foreground
// store, it is logged and swallowed.
func (m *Memory) DetectAndStore(ctx context.Context, userID string, msg message.Message, propose ProposeFunc, embed EmbedFunc) error {
	if !looksProcedural(msg.Content) {
		return nil
	}
	if propose == nil {
		return nil
	}

	proposal, err := propose(ctx, msg.Content)
	if err != nil {
		m.logger.Warn("pattern: detection proposal failed: %v (%s)", err, enginelog.WithUser(userID, msg.ConversationID))
		return nil
	}
	if !proposal.Valid() {
		m.logger.Debug("pattern: detection proposal malformed, dropping (%s)", enginelog.WithUser(userID, msg.ConversationID))
		return nil
	}

	triggers := make([]message.Trigger, 0, len(proposal.Triggers))
	for _, raw := range proposal.Triggers {
		triggers = append(triggers, buildTrigger(ctx, raw, embed, m.logger))
	}

	now := time.Now()
	p, err := message.NewPattern(userID, proposal.Name, proposal.Description, proposal.InstructionTemplate, triggers, now)
	if err != nil {
		m.logger.Warn("pattern: proposal failed construction: %v (%s)", err, enginelog.WithUser(userID, msg.ConversationID))
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	bucket, ok := m.byUser[userID]
	if !ok {
		bucket = make(map[string]*message.Pattern)
		m.byUser[userID] = bucket
	}
	normalized := normalizeName(proposal.Name)
	for _, existing := range bucket {
		if normalizeName(existing.Name) == normalized {
			return nil // idempotent by (user, name): a pattern with this name already exists
		}
	}
	bucket[p.ID] = p
	return nil
}

// buildTrigger classifies a raw proposal trigger string by prefix: "regex:"
// and "semantic:" opt into those kinds, anything else is a keyword trigger.
// A semantic trigger's embedding is computed once here, at detection time,
// and cached on the trigger so match never re-embeds it.
func buildTrigger(ctx context.Context, raw string, embed EmbedFunc, logger enginelog.Logger) message.Trigger {
	switch {
	case strings.HasPrefix(raw, "regex:"):
		return message.Trigger{Kind: message.TriggerRegex, Pattern: strings.TrimPrefix(raw, "regex:")}
	case strings.HasPrefix(raw, "semantic:"):
		pattern := strings.TrimPrefix(raw, "semantic:")
		var embedding []float32
		if embed != nil {
			emb, err := embed(ctx, pattern)
			if err != nil {
				logger.Warn("pattern: embedding failed for semantic trigger %q: %v (%s)", pattern, err, enginelog.WithTier("TP"))
			} else {
				embedding = emb
			}
		}
		return message.Trigger{Kind: message.TriggerSemantic, Pattern: pattern, Embedding: embedding}
	default:
		return message.Trigger{Kind: message.TriggerKeyword, Pattern: raw}
	}
}

func normalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// Consolidate merges near-duplicate patterns: same normalized name (which
// DetectAndStore already prevents going forward, but a store seeded from
// elsewhere — e.g. an operator import — may still collide) or a
// Jaccard-similar trigger set. The higher-usage pattern survives and
// absorbs the loser's usage count; the loser is marked Merged, not deleted,
// so erase_user still removes it, while Stats and Match skip it. Queued by
// the caller, never
// invoked re-entrantly from Match (spec.md §4.6, §5).
func (m *Memory) Consolidate(_ context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	bucket := m.byUser[userID]
	if len(bucket) < 2 {
		return nil
	}

	active := make([]*message.Pattern, 0, len(bucket))
	for _, p := range bucket {
		if p.State() != message.PatternMerged && p.State() != message.PatternArchived {
			active = append(active, p)
		}
	}
	sort.Slice(active, func(i, j int) bool { return active[i].UsageCount() > active[j].UsageCount() })

	now := time.Now()
	absorbed := make(map[string]bool)
	for i, survivor := range active {
		if absorbed[survivor.ID] {
			continue
		}
		for j := i + 1; j < len(active); j++ {
			loser := active[j]
			if absorbed[loser.ID] {
				continue
			}
			if !isDuplicate(survivor, loser) {
				continue
			}
			survivor.AbsorbUsage(loser.UsageCount(), now)
			loser.MarkMerged()
			absorbed[loser.ID] = true
		}
	}
	return nil
}

func isDuplicate(a, b *message.Pattern) bool {
	if normalizeName(a.Name) == normalizeName(b.Name) {
		return true
	}
	return jaccardSimilarity(triggerSet(a), triggerSet(b)) >= 0.7
}

func triggerSet(p *message.Pattern) map[string]struct{} {
	set := make(map[string]struct{}, len(p.Triggers))
	for _, t := range p.Triggers {
		set[strings.ToLower(t.Pattern)] = struct{}{}
	}
	return set
}

func jaccardSimilarity(a, b map[string]struct{}) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 0
	}
	intersection := 0
	for k := range a {
		if _, ok := b[k]; ok {
			intersection++
		}
	}
	union := len(a) + len(b) - intersection
	if union == 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}

// EraseUser removes every pattern owned by userID.
func (m *Memory) EraseUser(_ context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.byUser, userID)
	return nil
}

// Stats reports the active (non-merged, non-archived) pattern count for a
// user, for observability only.
func (m *Memory) Stats(userID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	count := 0
	for _, p := range m.byUser[userID] {
		if state := p.State(); state != message.PatternMerged && state != message.PatternArchived {
			count++
		}
	}
	return count
}
