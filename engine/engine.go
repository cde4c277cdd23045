// Package engine implements the Orchestrator (C7): the single entry point
// for store, retrieve, and erase_user, coordinating the Scorer, Classifier,
// and the four memory tiers, and scheduling background consolidation.
package engine

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"golang.org/x/sync/errgroup"

	"github.com/kagome-ai/memengine/archive"
	"github.com/kagome-ai/memengine/capability"
	"github.com/kagome-ai/memengine/classifier"
	"github.com/kagome-ai/memengine/engineerr"
	"github.com/kagome-ai/memengine/enginelog"
	"github.com/kagome-ai/memengine/facts"
	"github.com/kagome-ai/memengine/message"
	"github.com/kagome-ai/memengine/pattern"
	"github.com/kagome-ai/memengine/scorer"
	"github.com/kagome-ai/memengine/shortterm"
)

// MemoryContext is the structured result of a retrieval. It implements
// capability.MemoryContext so a Provider can render it into a prompt
// without capability needing to import engine.
type MemoryContext struct {
	ShortTerm          []message.Message
	Facts              []message.Fact
	Archive            []message.Message
	MatchedPattern     *message.Pattern
	Plan               classifier.QueryPlan
	EstimatedTokens    int
	RetrievalLatencyMs int64

	// DegradedTiers names, per degraded tier, the reason it came back
	// empty instead of erroring the whole retrieval (spec.md §7).
	DegradedTiers map[classifier.TierKind]string
}

var _ capability.MemoryContext = MemoryContext{}

// Render produces the deterministic prompt layout from spec.md §4.7. Order
// and headings are part of the external contract.
func (c MemoryContext) Render() string {
	var b strings.Builder

	if c.MatchedPattern != nil {
		fmt.Fprintf(&b, "[SYSTEM INSTRUCTION]: %s\n\n", c.MatchedPattern.InstructionTemplate)
	}

	b.WriteString("=== Recent Conversation ===\n")
	for _, m := range c.ShortTerm {
		fmt.Fprintf(&b, "%s: %s\n", m.Role, m.Content)
	}

	b.WriteString("\n=== Relevant Facts ===\n")
	for _, f := range topFactsByImportance(c.Facts, 10) {
		fmt.Fprintf(&b, "%s: %s\n", f.Key, f.Value)
	}

	b.WriteString("\n=== Previous Relevant Exchanges ===\n")
	for _, m := range ascendingByTimestamp(c.Archive) {
		fmt.Fprintf(&b, "%s: %s\n", m.Role, m.Content)
	}

	return b.String()
}

func topFactsByImportance(facts []message.Fact, limit int) []message.Fact {
	sorted := make([]message.Fact, len(facts))
	copy(sorted, facts)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Importance > sorted[j].Importance })
	if limit > 0 && len(sorted) > limit {
		sorted = sorted[:limit]
	}
	return sorted
}

func ascendingByTimestamp(msgs []message.Message) []message.Message {
	sorted := make([]message.Message, len(msgs))
	copy(sorted, msgs)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Timestamp.Before(sorted[j].Timestamp) })
	return sorted
}

// Options configures an Orchestrator, following the teacher's
// Options-with-defaults convention used across every adapter package.
type Options struct {
	// BackgroundDeadline bounds the detached post-store task (entity
	// extraction, fact storage, pattern detection, consolidation enqueue).
	BackgroundDeadline time.Duration

	// ConsolidationQueueSize bounds the channel a single dedicated
	// goroutine drains to run TP.Consolidate (spec.md §4.6, §5).
	ConsolidationQueueSize int

	// Per-tier retrieval caps (spec.md §4.7 step 3).
	ShortTermRecent int
	FactsTopK       int
	ArchiveTopK     int

	Logger enginelog.Logger
}

func (o Options) withDefaults() Options {
	if o.BackgroundDeadline <= 0 {
		o.BackgroundDeadline = 5 * time.Minute
	}
	if o.ConsolidationQueueSize <= 0 {
		o.ConsolidationQueueSize = 64
	}
	if o.ShortTermRecent <= 0 {
		o.ShortTermRecent = 10
	}
	if o.FactsTopK <= 0 {
		o.FactsTopK = 20
	}
	if o.ArchiveTopK <= 0 {
		o.ArchiveTopK = 5
	}
	if o.Logger == nil {
		o.Logger = enginelog.NoOp{}
	}
	return o
}

// Orchestrator is the engine's single entry point. It holds no per-user
// state itself; all of that lives inside the four tiers it coordinates.
type Orchestrator struct {
	shortTerm  shortterm.Store
	facts      facts.Store
	archive    archive.Store
	patterns   pattern.Store
	capability capability.Provider
	classifier classifier.Classifier
	scorer     scorer.Scorer
	logger     enginelog.Logger
	opts       Options

	consolidateCh chan string
	stopOnce      sync.Once
	stopCh        chan struct{}
	bgWG          sync.WaitGroup
}

// New wires an Orchestrator from its tier and capability collaborators and
// starts its single dedicated consolidation goroutine.
func New(shortTerm shortterm.Store, factStore facts.Store, archiveStore archive.Store, patternStore pattern.Store, provider capability.Provider, opts Options) *Orchestrator {
	opts = opts.withDefaults()
	o := &Orchestrator{
		shortTerm:     shortTerm,
		facts:         factStore,
		archive:       archiveStore,
		patterns:      patternStore,
		capability:    provider,
		classifier:    classifier.New(),
		scorer:        scorer.New(),
		logger:        opts.Logger,
		opts:          opts,
		consolidateCh: make(chan string, opts.ConsolidationQueueSize),
		stopCh:        make(chan struct{}),
	}
	o.bgWG.Add(1)
	go o.runConsolidationLoop()
	return o
}

// Close stops the dedicated consolidation goroutine. Per the design note on
// fire-and-forget tasks (spec.md §9), shutdown abandons whatever background
// work is still outstanding rather than blocking on it.
func (o *Orchestrator) Close() {
	o.stopOnce.Do(func() { close(o.stopCh) })
}

func (o *Orchestrator) runConsolidationLoop() {
	defer o.bgWG.Done()
	for {
		select {
		case <-o.stopCh:
			return
		case userID := <-o.consolidateCh:
			ctx, cancel := context.WithTimeout(context.Background(), o.opts.BackgroundDeadline)
			if err := o.patterns.Consolidate(ctx, userID); err != nil {
				o.logger.Warn("engine: consolidation failed: %v (%s)", err, enginelog.WithUser(userID, ""))
			}
			cancel()
		}
	}
}

// Store implements spec.md §4.7's store contract: score, tag importance,
// write T1 and T3 in parallel (both mandatory), then launch an independent,
// deadline-bounded background task for entity extraction, fact storage,
// pattern detection, and consolidation scheduling. Never awaits that task.
func (o *Orchestrator) Store(ctx context.Context, userID, conversationID string, msg message.Message) error {
	msg = msg.WithImportance(o.scorer.Score(msg))

	var g errgroup.Group
	g.Go(func() error {
		if err := o.archive.Archive(ctx, msg); err != nil {
			return engineerr.New(engineerr.KindAdapter, "engine", fmt.Errorf("archive write: %w", err))
		}
		return nil
	})
	g.Go(func() error {
		if err := o.shortTerm.Add(ctx, userID, conversationID, msg); err != nil {
			return engineerr.New(engineerr.KindAdapter, "engine", fmt.Errorf("shortterm write: %w", err))
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return err
	}

	o.bgWG.Add(1)
	go o.storeBackground(userID, conversationID, msg)
	return nil
}

// storeBackground runs independently of the foreground store call's
// cancellation token, with its own deadline (spec.md §5). Every failure
// here is logged and swallowed; none of it can fail the store call that
// already returned.
func (o *Orchestrator) storeBackground(userID, conversationID string, msg message.Message) {
	defer o.bgWG.Done()
	ctx, cancel := context.WithTimeout(context.Background(), o.opts.BackgroundDeadline)
	defer cancel()

	o.extractAndStoreFacts(ctx, userID, conversationID, msg)

	propose := func(ctx context.Context, content string) (pattern.Proposal, error) {
		p, err := o.capability.ProposePattern(ctx, content)
		if err != nil {
			return pattern.Proposal{}, err
		}
		return pattern.Proposal{
			Name:                p.Name,
			Description:         p.Description,
			Triggers:            p.Triggers,
			InstructionTemplate: p.InstructionTemplate,
		}, nil
	}
	if err := o.patterns.DetectAndStore(ctx, userID, msg, propose, o.capability.Embed); err != nil {
		o.logger.Warn("engine: pattern detection failed: %v (%s)", err, enginelog.WithUser(userID, conversationID))
	}

	select {
	case o.consolidateCh <- userID:
	default:
		o.logger.Debug("engine: consolidation queue full, dropping request (%s)", enginelog.WithUser(userID, ""))
	}

	if ctx.Err() != nil {
		o.logger.Warn("engine: background task exceeded its deadline (%s)", enginelog.WithUser(userID, conversationID))
	}
}

func (o *Orchestrator) extractAndStoreFacts(ctx context.Context, userID, conversationID string, msg message.Message) {
	entities, err := o.capability.ExtractEntities(ctx, msg.Content)
	if err != nil {
		o.logger.Warn("engine: entity extraction failed: %v (%s)", err, enginelog.WithUser(userID, conversationID))
		return
	}
	if len(entities) == 0 {
		return
	}

	now := time.Now()
	newFacts := make([]message.Fact, 0, len(entities))
	for _, e := range entities {
		f, err := message.NewFact(userID, conversationID, e, now)
		if err != nil {
			o.logger.Warn("engine: discarding malformed extracted entity: %v (%s)", err, enginelog.WithUser(userID, conversationID))
			continue
		}
		newFacts = append(newFacts, f)
	}
	if len(newFacts) == 0 {
		return
	}
	if err := o.facts.StoreFacts(ctx, userID, conversationID, newFacts); err != nil {
		o.logger.Warn("engine: fact store failed: %v (%s)", err, enginelog.WithUser(userID, conversationID))
	}
}

// Retrieve implements spec.md §4.7's retrieve contract: classify, fan out a
// bounded concurrent read per planned tier, and assemble a MemoryContext
// that never fails on partial tier failure — degraded tiers are annotated
// instead (spec.md §7).
func (o *Orchestrator) Retrieve(ctx context.Context, userID, conversationID, query string) (MemoryContext, error) {
	start := time.Now()

	state := o.conversationState(ctx, userID, conversationID)
	plan := o.classifier.Plan(query, state)

	memCtx := MemoryContext{Plan: plan, DegradedTiers: make(map[classifier.TierKind]string)}
	var mu sync.Mutex
	wants := tierSet(plan.TiersToUse)

	var g errgroup.Group

	if wants[classifier.TierT3] {
		g.Go(func() error {
			msgs, err := o.shortTerm.GetRecent(ctx, userID, conversationID, o.opts.ShortTermRecent)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				o.logger.Warn("engine: tier read degraded: %v (%s %s)", err, enginelog.WithTier(string(classifier.TierT3)), enginelog.WithUser(userID, conversationID))
				memCtx.DegradedTiers[classifier.TierT3] = err.Error()
				return nil
			}
			memCtx.ShortTerm = msgs
			return nil
		})
	}

	if wants[classifier.TierT2] {
		g.Go(func() error {
			queryEmbedding, err := o.capability.Embed(ctx, query)
			if err != nil {
				o.logger.Warn("engine: embedding unavailable, falling back to lexical only: %v (%s %s)", err, enginelog.WithTier(string(classifier.TierT2)), enginelog.WithUser(userID, conversationID))
				queryEmbedding = nil
			}
			found, err := o.facts.Search(ctx, userID, query, queryEmbedding, o.opts.FactsTopK)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				o.logger.Warn("engine: tier read degraded: %v (%s %s)", err, enginelog.WithTier(string(classifier.TierT2)), enginelog.WithUser(userID, conversationID))
				memCtx.DegradedTiers[classifier.TierT2] = err.Error()
				return nil
			}
			memCtx.Facts = found
			return nil
		})
	}

	if wants[classifier.TierT1] {
		g.Go(func() error {
			hits, err := o.archive.Search(ctx, userID, query, o.opts.ArchiveTopK)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				o.logger.Warn("engine: tier read degraded: %v (%s %s)", err, enginelog.WithTier(string(classifier.TierT1)), enginelog.WithUser(userID, conversationID))
				memCtx.DegradedTiers[classifier.TierT1] = err.Error()
				return nil
			}
			memCtx.Archive = hits
			return nil
		})
	}

	if wants[classifier.TierTP] {
		g.Go(func() error {
			matched, err := o.patterns.Match(ctx, userID, query, o.capability.Embed)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				o.logger.Warn("engine: tier read degraded: %v (%s %s)", err, enginelog.WithTier(string(classifier.TierTP)), enginelog.WithUser(userID, conversationID))
				memCtx.DegradedTiers[classifier.TierTP] = err.Error()
				return nil
			}
			memCtx.MatchedPattern = matched
			return nil
		})
	}

	_ = g.Wait() // every branch above degrades internally; this never errors

	memCtx.EstimatedTokens = estimateTokens(memCtx)
	memCtx.RetrievalLatencyMs = time.Since(start).Milliseconds()
	return memCtx, nil
}

func tierSet(tiers []classifier.TierKind) map[classifier.TierKind]bool {
	set := make(map[classifier.TierKind]bool, len(tiers))
	for _, t := range tiers {
		set[t] = true
	}
	return set
}

// conversationState derives turn_count and last_activity from the T3
// window alone (spec.md §3: derived, never authoritative storage). A T3
// read failure here degrades to a zero-value state, not an error: the
// classifier still produces a usable (if less informed) plan.
func (o *Orchestrator) conversationState(ctx context.Context, userID, conversationID string) message.ConversationState {
	state := message.ConversationState{UserID: userID, ConversationID: conversationID}
	msgs, err := o.shortTerm.GetRecent(ctx, userID, conversationID, 0)
	if err != nil || len(msgs) == 0 {
		return state
	}
	state.TurnCount = len(msgs)
	state.LastActivity = msgs[len(msgs)-1].Timestamp
	return state
}

// estimateTokens implements spec.md §4.7 step 5: ceil(total_utf8_chars / 4)
// over the context's rendered prompt.
func estimateTokens(c MemoryContext) int {
	chars := utf8.RuneCountInString(c.Render())
	return (chars + 3) / 4
}

// EraseUser implements spec.md §4.7's erase_user contract: all four tiers
// must succeed; on partial failure, the returned error names which tiers
// failed and the call is safe to retry.
func (o *Orchestrator) EraseUser(ctx context.Context, userID string) error {
	var g errgroup.Group
	var mu sync.Mutex
	var failedTiers []string

	erase := func(tier string, fn func(context.Context, string) error) {
		g.Go(func() error {
			if err := fn(ctx, userID); err != nil {
				mu.Lock()
				failedTiers = append(failedTiers, tier)
				mu.Unlock()
				o.logger.Error("engine: erase_user failed: %v (%s %s)", err, enginelog.WithTier(tier), enginelog.WithUser(userID, ""))
				return err
			}
			return nil
		})
	}

	erase("T3", o.shortTerm.EraseUser)
	erase("T2", o.facts.EraseUser)
	erase("T1", o.archive.EraseUser)
	erase("TP", o.patterns.EraseUser)

	if err := g.Wait(); err != nil {
		return engineerr.Newf(engineerr.KindAdapter, "engine", "erase_user failed for tiers [%s]", strings.Join(failedTiers, ", "))
	}
	return nil
}
