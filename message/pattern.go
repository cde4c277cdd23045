package message

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/kagome-ai/memengine/engineerr"
)

// TriggerKind classifies how a Trigger is matched against a query.
type TriggerKind string

const (
	TriggerKeyword  TriggerKind = "keyword"
	TriggerRegex    TriggerKind = "regex"
	TriggerSemantic TriggerKind = "semantic"
)

// Trigger is one condition that can fire a Pattern match.
type Trigger struct {
	Kind      TriggerKind
	Pattern   string
	Embedding []float32
}

// PatternState is the lifecycle state machine described in spec.md §4.7.
type PatternState string

const (
	PatternCandidate  PatternState = "candidate"
	PatternActive     PatternState = "active"
	PatternReinforced PatternState = "reinforced"
	PatternMerged     PatternState = "merged"
	PatternArchived   PatternState = "archived"
)

// Pattern is a learned triggers -> instruction rule (spec.md §3, §4.6).
// UsageCount is read lock-free via an atomic; ConfidenceThreshold, LastUsed,
// UpdatedAt, and State are guarded by mu because RecordUsage's slow-reinforcement
// rule reads-then-writes ConfidenceThreshold and must never race with itself
// across concurrent matchers on the same pattern.
type Pattern struct {
	ID                  string
	UserID              string
	Name                string
	Description         string
	Triggers            []Trigger
	InstructionTemplate string
	CreatedAt           time.Time

	mu                 sync.Mutex
	confidenceThreshold float64
	lastUsed            time.Time
	updatedAt           time.Time
	state               PatternState
	usageCount          atomic.Int64
}

// NewPattern constructs a Pattern, rejecting empty name/description/template
// or an empty trigger set (spec.md §3 invariant).
func NewPattern(userID, name, description, instructionTemplate string, triggers []Trigger, now time.Time) (*Pattern, error) {
	if name == "" {
		return nil, engineerr.Newf(engineerr.KindInput, "pattern", "name must not be empty")
	}
	if description == "" {
		return nil, engineerr.Newf(engineerr.KindInput, "pattern", "description must not be empty")
	}
	if instructionTemplate == "" {
		return nil, engineerr.Newf(engineerr.KindInput, "pattern", "instruction_template must not be empty")
	}
	if len(triggers) == 0 {
		return nil, engineerr.Newf(engineerr.KindInput, "pattern", "triggers must not be empty")
	}

	now = now.UTC()
	p := &Pattern{
		ID:                  uuid.NewString(),
		UserID:              userID,
		Name:                name,
		Description:         description,
		Triggers:            triggers,
		InstructionTemplate: instructionTemplate,
		CreatedAt:           now,
		confidenceThreshold: 0.80,
		lastUsed:            now,
		updatedAt:           now,
		state:               PatternCandidate,
	}
	return p, nil
}

// ConfidenceThreshold returns the current threshold.
func (p *Pattern) ConfidenceThreshold() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.confidenceThreshold
}

// SetConfidenceThreshold sets the threshold, enforcing the [0.6, 1]
// invariant from spec.md §3: a value outside that range is rejected with an
// input error and the threshold is left unchanged.
func (p *Pattern) SetConfidenceThreshold(threshold float64) error {
	if threshold < 0.6 || threshold > 1 {
		return engineerr.Newf(engineerr.KindInput, "pattern", "confidence_threshold %f out of range [0.6,1]", threshold)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.confidenceThreshold = threshold
	return nil
}

// UsageCount returns the current usage counter, safe to call concurrently
// with RecordUsage without acquiring the pattern lock.
func (p *Pattern) UsageCount() int64 {
	return p.usageCount.Load()
}

// LastUsed returns the timestamp of the most recent RecordUsage call.
func (p *Pattern) LastUsed() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastUsed
}

// State returns the pattern's lifecycle state.
func (p *Pattern) State() PatternState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// RecordUsage is called once per successful match (spec.md §4.6). It
// atomically bumps usage_count, transitions Candidate->Active on first use
// and ->Reinforced past 10 uses, and applies slow reinforcement: once
// usage_count > 10 and threshold > 0.7, the threshold decays by 0.05 down
// to a floor of 0.6. N concurrent RecordUsage calls must produce
// usage_count += N (spec.md §8), which holds because the lock serializes
// the whole read-modify-write even though the counter itself is atomic.
func (p *Pattern) RecordUsage(now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()

	count := p.usageCount.Add(1)
	p.lastUsed = now.UTC()
	p.updatedAt = p.lastUsed

	if p.state == PatternCandidate {
		p.state = PatternActive
	}
	if count > 10 {
		p.state = PatternReinforced
		if p.confidenceThreshold > 0.7 {
			next := p.confidenceThreshold - 0.05
			if next < 0.6 {
				next = 0.6
			}
			p.confidenceThreshold = next
		}
	}
}

// MarkMerged transitions the pattern to the Merged lifecycle state, used by
// consolidation when this pattern was absorbed into another.
func (p *Pattern) MarkMerged() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.state = PatternMerged
}

// MarkArchived transitions the pattern to the Archived lifecycle state. The
// pattern stores' EraseUser deletes patterns outright and does not call it.
func (p *Pattern) MarkArchived() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.state = PatternArchived
}

// AbsorbUsage folds extra usage into the pattern's counter during
// consolidation, without RecordUsage's per-match threshold-decay rule:
// consolidation sums counters from a merged duplicate, it does not record a
// new match against this pattern.
func (p *Pattern) AbsorbUsage(extra int64, now time.Time) {
	if extra <= 0 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	count := p.usageCount.Add(extra)
	p.updatedAt = now.UTC()
	if count > 10 {
		p.state = PatternReinforced
	} else if p.state == PatternCandidate {
		p.state = PatternActive
	}
}

// UpdatedAt returns the timestamp of the most recent mutation.
func (p *Pattern) UpdatedAt() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.updatedAt
}

// RestorePattern reconstructs a Pattern with exact persisted field values,
// bypassing NewPattern's defaulting. Used by durable pattern-store adapters
// (pattern/sqlitestore) to round-trip a row without replaying RecordUsage
// calls, which would apply its threshold-decay rule on every reload.
func RestorePattern(id, userID, name, description, instructionTemplate string, triggers []Trigger, createdAt, lastUsed, updatedAt time.Time, confidenceThreshold float64, usageCount int64, state PatternState) *Pattern {
	p := &Pattern{
		ID:                  id,
		UserID:              userID,
		Name:                name,
		Description:         description,
		Triggers:            triggers,
		InstructionTemplate: instructionTemplate,
		CreatedAt:           createdAt.UTC(),
		confidenceThreshold: confidenceThreshold,
		lastUsed:            lastUsed.UTC(),
		updatedAt:           updatedAt.UTC(),
		state:               state,
	}
	p.usageCount.Store(usageCount)
	return p
}
