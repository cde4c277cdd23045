// Package sqlitestore is a SQLite-backed TP pattern-store adapter, grounded
// on the teacher's SqliteCheckpointStore (store/sqlite/sqlite.go): a plain
// database/sql handle opened against the mattn/go-sqlite3 driver, schema
// created eagerly, values marshaled to columns (triggers as a JSON blob,
// since SQLite has no native array type).
package sqlitestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/kagome-ai/memengine/engineerr"
	"github.com/kagome-ai/memengine/enginelog"
	"github.com/kagome-ai/memengine/message"
	"github.com/kagome-ai/memengine/pattern"
	"github.com/kagome-ai/memengine/vectorindex"
)

// Options configures the SQLite connection, mirroring the teacher's
// SqliteOptions.
type Options struct {
	Path      string
	TableName string // default "patterns"
	Logger    enginelog.Logger
}

func (o Options) withDefaults() Options {
	if o.TableName == "" {
		o.TableName = "patterns"
	}
	if o.Logger == nil {
		o.Logger = enginelog.NoOp{}
	}
	return o
}

// triggerRow is the JSON-serializable form of a message.Trigger stored in
// the triggers column.
type triggerRow struct {
	Kind      message.TriggerKind `json:"kind"`
	Pattern   string              `json:"pattern"`
	Embedding []float32           `json:"embedding,omitempty"`
}

// Store is a SQLite-backed TP adapter. mu serializes writes the way a
// single sqlite3 connection expects; reads take a fresh snapshot per call.
type Store struct {
	db        *sql.DB
	tableName string
	logger    enginelog.Logger
	mu        sync.Mutex
}

var _ pattern.Store = (*Store)(nil)

// New opens (creating if needed) a SQLite database at opts.Path and
// initializes its schema.
func New(opts Options) (*Store, error) {
	opts = opts.withDefaults()
	db, err := sql.Open("sqlite3", opts.Path)
	if err != nil {
		return nil, engineerr.New(engineerr.KindAdapter, "pattern/sqlitestore", fmt.Errorf("unable to open database: %w", err))
	}

	s := &Store{db: db, tableName: opts.TableName, logger: opts.Logger}
	if err := s.InitSchema(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewWithDB wraps an already-open *sql.DB, used by tests against a temp-file
// or :memory: database.
func NewWithDB(db *sql.DB, tableName string, logger enginelog.Logger) *Store {
	if tableName == "" {
		tableName = "patterns"
	}
	if logger == nil {
		logger = enginelog.NoOp{}
	}
	return &Store{db: db, tableName: tableName, logger: logger}
}

// InitSchema creates the patterns table and its user-id index if absent.
func (s *Store) InitSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			name TEXT NOT NULL,
			description TEXT NOT NULL,
			triggers TEXT NOT NULL,
			instruction_template TEXT NOT NULL,
			confidence_threshold REAL NOT NULL,
			usage_count INTEGER NOT NULL,
			last_used DATETIME NOT NULL,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL,
			state TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_%s_user_id ON %s (user_id);
	`, s.tableName, s.tableName, s.tableName)

	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return engineerr.New(engineerr.KindAdapter, "pattern/sqlitestore", fmt.Errorf("failed to create schema: %w", err))
	}
	return nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

func encodeTriggers(triggers []message.Trigger) (string, error) {
	rows := make([]triggerRow, len(triggers))
	for i, t := range triggers {
		rows[i] = triggerRow{Kind: t.Kind, Pattern: t.Pattern, Embedding: t.Embedding}
	}
	data, err := json.Marshal(rows)
	return string(data), err
}

func decodeTriggers(data string) ([]message.Trigger, error) {
	var rows []triggerRow
	if err := json.Unmarshal([]byte(data), &rows); err != nil {
		return nil, err
	}
	triggers := make([]message.Trigger, len(rows))
	for i, r := range rows {
		triggers[i] = message.Trigger{Kind: r.Kind, Pattern: r.Pattern, Embedding: r.Embedding}
	}
	return triggers, nil
}

func (s *Store) loadAll(ctx context.Context, userID string) ([]*message.Pattern, error) {
	query := fmt.Sprintf(`
		SELECT id, user_id, name, description, triggers, instruction_template,
		       confidence_threshold, usage_count, last_used, created_at, updated_at, state
		FROM %s WHERE user_id = ?
	`, s.tableName)

	rows, err := s.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, engineerr.New(engineerr.KindAdapter, "pattern/sqlitestore", fmt.Errorf("failed to load patterns: %w", err))
	}
	defer rows.Close()

	var out []*message.Pattern
	for rows.Next() {
		var id, uid, name, description, triggersJSON, template, state string
		var confidence float64
		var usageCount int64
		var lastUsed, createdAt, updatedAt time.Time

		if err := rows.Scan(&id, &uid, &name, &description, &triggersJSON, &template,
			&confidence, &usageCount, &lastUsed, &createdAt, &updatedAt, &state); err != nil {
			return nil, engineerr.New(engineerr.KindAdapter, "pattern/sqlitestore", fmt.Errorf("failed to scan pattern row: %w", err))
		}

		triggers, err := decodeTriggers(triggersJSON)
		if err != nil {
			return nil, engineerr.New(engineerr.KindAdapter, "pattern/sqlitestore", fmt.Errorf("failed to unmarshal triggers: %w", err))
		}

		out = append(out, message.RestorePattern(id, uid, name, description, template, triggers,
			createdAt, lastUsed, updatedAt, confidence, usageCount, message.PatternState(state)))
	}
	if err := rows.Err(); err != nil {
		return nil, engineerr.New(engineerr.KindAdapter, "pattern/sqlitestore", fmt.Errorf("error iterating pattern rows: %w", err))
	}
	return out, nil
}

func activeOnly(patterns []*message.Pattern) []*message.Pattern {
	out := make([]*message.Pattern, 0, len(patterns))
	for _, p := range patterns {
		if state := p.State(); state != message.PatternMerged && state != message.PatternArchived {
			out = append(out, p)
		}
	}
	return out
}

func (s *Store) upsert(ctx context.Context, p *message.Pattern) error {
	triggersJSON, err := encodeTriggers(p.Triggers)
	if err != nil {
		return engineerr.New(engineerr.KindAdapter, "pattern/sqlitestore", fmt.Errorf("marshal triggers: %w", err))
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (id, user_id, name, description, triggers, instruction_template,
		                 confidence_threshold, usage_count, last_used, created_at, updated_at, state)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			confidence_threshold = excluded.confidence_threshold,
			usage_count = excluded.usage_count,
			last_used = excluded.last_used,
			updated_at = excluded.updated_at,
			state = excluded.state
	`, s.tableName)

	_, err = s.db.ExecContext(ctx, query,
		p.ID, p.UserID, p.Name, p.Description, triggersJSON, p.InstructionTemplate,
		p.ConfidenceThreshold(), p.UsageCount(), p.LastUsed(), p.CreatedAt, p.UpdatedAt(), string(p.State()),
	)
	if err != nil {
		return engineerr.New(engineerr.KindAdapter, "pattern/sqlitestore", fmt.Errorf("failed to save pattern: %w", err))
	}
	return nil
}

// Match mirrors pattern.Memory.Match's four-step discipline (spec.md §4.6,
// §5): load the row snapshot, compute the query embedding outside the
// store's mutex only if some trigger needs it, then re-acquire the mutex to
// score and persist the winner's usage bump.
func (s *Store) Match(ctx context.Context, userID, query string, embed pattern.EmbedFunc) (*message.Pattern, error) {
	all, err := s.loadAll(ctx, userID)
	if err != nil {
		return nil, err
	}
	candidates := activeOnly(all)
	if len(candidates) == 0 {
		return nil, nil
	}

	var queryEmbedding []float32
	if embed != nil && anySemanticTrigger(candidates) {
		emb, err := embed(ctx, query)
		if err != nil {
			s.logger.Warn("pattern/sqlitestore: embedding failed for match, falling back to lexical/regex triggers: %v (%s)", err, enginelog.WithUser(userID, ""))
		} else {
			queryEmbedding = emb
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

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
	if err := s.upsert(ctx, best); err != nil {
		return nil, err
	}
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

// DetectAndStore mirrors pattern.Memory.DetectAndStore, persisting the new
// row via an upsert guarded by the store's mutex.
func (s *Store) DetectAndStore(ctx context.Context, userID string, msg message.Message, propose pattern.ProposeFunc, embed pattern.EmbedFunc) error {
	if !looksProcedural(msg.Content) || propose == nil {
		return nil
	}

	proposal, err := propose(ctx, msg.Content)
	if err != nil {
		s.logger.Warn("pattern/sqlitestore: detection proposal failed: %v (%s)", err, enginelog.WithUser(userID, msg.ConversationID))
		return nil
	}
	if !proposal.Valid() {
		s.logger.Debug("pattern/sqlitestore: detection proposal malformed, dropping (%s)", enginelog.WithUser(userID, msg.ConversationID))
		return nil
	}

	triggers := make([]message.Trigger, 0, len(proposal.Triggers))
	for _, raw := range proposal.Triggers {
		triggers = append(triggers, buildTrigger(ctx, raw, embed, s.logger))
	}

	p, err := message.NewPattern(userID, proposal.Name, proposal.Description, proposal.InstructionTemplate, triggers, time.Now())
	if err != nil {
		s.logger.Warn("pattern/sqlitestore: proposal failed construction: %v (%s)", err, enginelog.WithUser(userID, msg.ConversationID))
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, err := s.loadAll(ctx, userID)
	if err != nil {
		return err
	}
	normalized := normalizeName(proposal.Name)
	for _, e := range existing {
		if normalizeName(e.Name) == normalized {
			return nil // idempotent by (user, name)
		}
	}
	return s.upsert(ctx, p)
}

func buildTrigger(ctx context.Context, raw string, embed pattern.EmbedFunc, logger enginelog.Logger) message.Trigger {
	switch {
	case strings.HasPrefix(raw, "regex:"):
		return message.Trigger{Kind: message.TriggerRegex, Pattern: strings.TrimPrefix(raw, "regex:")}
	case strings.HasPrefix(raw, "semantic:"):
		patternText := strings.TrimPrefix(raw, "semantic:")
		var embedding []float32
		if embed != nil {
			emb, err := embed(ctx, patternText)
			if err != nil {
				logger.Warn("pattern/sqlitestore: embedding failed for semantic trigger %q: %v (%s)", patternText, err, enginelog.WithTier("TP"))
			} else {
				embedding = emb
			}
		}
		return message.Trigger{Kind: message.TriggerSemantic, Pattern: patternText, Embedding: embedding}
	default:
		return message.Trigger{Kind: message.TriggerKeyword, Pattern: raw}
	}
}

func normalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

func looksProcedural(content string) bool {
	lower := strings.ToLower(content)
	for _, cue := range []string{"write code", "generate", "build", "implement", "refactor", "every time", "whenever", "from now on"} {
		if strings.Contains(lower, cue) {
			return true
		}
	}
	return false
}

// Consolidate merges near-duplicate rows, persisting the survivor's
// absorbed usage count and the loser's Merged state.
func (s *Store) Consolidate(ctx context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	all, err := s.loadAll(ctx, userID)
	if err != nil {
		return err
	}
	active := activeOnly(all)
	if len(active) < 2 {
		return nil
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
			if absorbed[loser.ID] || !isDuplicate(survivor, loser) {
				continue
			}
			survivor.AbsorbUsage(loser.UsageCount(), now)
			loser.MarkMerged()
			absorbed[loser.ID] = true
			if err := s.upsert(ctx, loser); err != nil {
				return err
			}
		}
		if err := s.upsert(ctx, survivor); err != nil {
			return err
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

// EraseUser deletes every row owned by userID.
func (s *Store) EraseUser(ctx context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := fmt.Sprintf(`DELETE FROM %s WHERE user_id = ?`, s.tableName)
	if _, err := s.db.ExecContext(ctx, query, userID); err != nil {
		return engineerr.New(engineerr.KindAdapter, "pattern/sqlitestore", fmt.Errorf("failed to erase user: %w", err))
	}
	return nil
}

// Stats reports the active pattern count for a user, for observability only.
func (s *Store) Stats(ctx context.Context, userID string) (int, error) {
	all, err := s.loadAll(ctx, userID)
	if err != nil {
		return 0, err
	}
	return len(activeOnly(all)), nil
}
