// Package pgstore is a Postgres-backed T1 archive adapter, grounded on the
// teacher's PostgresCheckpointStore (store/postgres/postgres.go): a DBPool
// interface for pgxmock testability, a JSONB body column alongside indexed
// scalar columns, and INSERT ... ON CONFLICT upserts.
package pgstore

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kagome-ai/memengine/archive"
	"github.com/kagome-ai/memengine/engineerr"
	"github.com/kagome-ai/memengine/message"
)

// DBPool is the subset of *pgxpool.Pool this adapter needs, mirroring the
// teacher's DBPool interface so tests can substitute pgxmock.
type DBPool interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// Options configures the Postgres connection, mirroring the teacher's
// PostgresOptions.
type Options struct {
	ConnString string
	TableName  string // default "archived_messages"
}

func (o Options) tableName() string {
	if o.TableName == "" {
		return "archived_messages"
	}
	return o.TableName
}

// Store is a Postgres-backed T1 adapter. The full message is stored as a
// JSONB body alongside indexed scalar columns, so Get/Search round-trip the
// exact message that was archived (spec.md §6's byte-exact constraint).
type Store struct {
	pool      DBPool
	tableName string
}

var _ archive.Store = (*Store)(nil)

// New creates a Store backed by a fresh pgxpool connection.
func New(ctx context.Context, opts Options) (*Store, error) {
	pool, err := pgxpool.New(ctx, opts.ConnString)
	if err != nil {
		return nil, engineerr.New(engineerr.KindAdapter, "archive/pgstore", fmt.Errorf("unable to create connection pool: %w", err))
	}
	return &Store{pool: pool, tableName: opts.tableName()}, nil
}

// NewWithPool wraps an already-constructed pool, used by tests against
// pgxmock.
func NewWithPool(pool DBPool, tableName string) *Store {
	if tableName == "" {
		tableName = "archived_messages"
	}
	return &Store{pool: pool, tableName: tableName}
}

// InitSchema creates the archive table and its user-id index if absent.
func (s *Store) InitSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			conversation_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			importance DOUBLE PRECISION NOT NULL,
			timestamp TIMESTAMPTZ NOT NULL,
			body JSONB NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_%s_user_id ON %s (user_id);
	`, s.tableName, s.tableName, s.tableName)

	if _, err := s.pool.Exec(ctx, query); err != nil {
		return engineerr.New(engineerr.KindAdapter, "archive/pgstore", fmt.Errorf("failed to create schema: %w", err))
	}
	return nil
}

// Close closes the underlying pool.
func (s *Store) Close() { s.pool.Close() }

// Archive upserts msg's full JSON body plus its indexed scalar columns.
func (s *Store) Archive(ctx context.Context, msg message.Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return engineerr.New(engineerr.KindAdapter, "archive/pgstore", fmt.Errorf("marshal message %s: %w", msg.ID, err))
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (id, user_id, conversation_id, role, content, importance, timestamp, body)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			user_id = EXCLUDED.user_id,
			conversation_id = EXCLUDED.conversation_id,
			role = EXCLUDED.role,
			content = EXCLUDED.content,
			importance = EXCLUDED.importance,
			timestamp = EXCLUDED.timestamp,
			body = EXCLUDED.body
	`, s.tableName)

	_, err = s.pool.Exec(ctx, query,
		msg.ID, msg.UserID, msg.ConversationID, string(msg.Role), msg.Content,
		msg.Metadata.Importance, msg.Timestamp, body,
	)
	if err != nil {
		return engineerr.New(engineerr.KindAdapter, "archive/pgstore", fmt.Errorf("failed to archive message: %w", err))
	}
	return nil
}

// Search narrows candidates in SQL via a per-word ILIKE filter, then ranks
// them with archive.Relevance so ordering matches the in-memory adapter
// exactly: relevance desc, importance desc, timestamp desc.
func (s *Store) Search(ctx context.Context, userID, query string, maxK int) ([]message.Message, error) {
	words := strings.Fields(strings.ToLower(query))
	if len(words) == 0 {
		return nil, nil
	}

	var conditions []string
	args := []any{userID}
	for _, w := range words {
		args = append(args, "%"+w+"%")
		conditions = append(conditions, fmt.Sprintf("content ILIKE $%d", len(args)))
	}

	sqlQuery := fmt.Sprintf(`SELECT body FROM %s WHERE user_id = $1 AND (%s)`,
		s.tableName, strings.Join(conditions, " OR "))

	rows, err := s.pool.Query(ctx, sqlQuery, args...)
	if err != nil {
		return nil, engineerr.New(engineerr.KindAdapter, "archive/pgstore", fmt.Errorf("failed to search messages: %w", err))
	}
	defer rows.Close()

	type scored struct {
		msg   message.Message
		score float64
	}
	var candidates []scored
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, engineerr.New(engineerr.KindAdapter, "archive/pgstore", fmt.Errorf("failed to scan message row: %w", err))
		}
		var msg message.Message
		if err := json.Unmarshal(body, &msg); err != nil {
			return nil, engineerr.New(engineerr.KindAdapter, "archive/pgstore", fmt.Errorf("failed to unmarshal message: %w", err))
		}
		r := archive.Relevance(msg.Content, query)
		if r > 0 {
			candidates = append(candidates, scored{msg, r})
		}
	}
	if err := rows.Err(); err != nil {
		return nil, engineerr.New(engineerr.KindAdapter, "archive/pgstore", fmt.Errorf("error iterating message rows: %w", err))
	}

	for i := 1; i < len(candidates); i++ {
		for j := i; j > 0 && less(candidates[j-1], candidates[j]); j-- {
			candidates[j], candidates[j-1] = candidates[j-1], candidates[j]
		}
	}

	if maxK > 0 && len(candidates) > maxK {
		candidates = candidates[:maxK]
	}

	result := make([]message.Message, len(candidates))
	for i, c := range candidates {
		result[i] = c.msg
	}
	return result, nil
}

// less reports whether a ranks below b (lower relevance, then lower
// importance, then older timestamp); the insertion sort above uses it to move
// b ahead of a, so results come out highest relevance first.
func less(a, b struct {
	msg   message.Message
	score float64
}) bool {
	if a.score != b.score {
		return a.score < b.score
	}
	if a.msg.Metadata.Importance != b.msg.Metadata.Importance {
		return a.msg.Metadata.Importance < b.msg.Metadata.Importance
	}
	return a.msg.Timestamp.Before(b.msg.Timestamp)
}

// Get fetches a single message by ID, regardless of owning user.
func (s *Store) Get(ctx context.Context, msgID string) (message.Message, error) {
	query := fmt.Sprintf(`SELECT body FROM %s WHERE id = $1`, s.tableName)

	var body []byte
	err := s.pool.QueryRow(ctx, query, msgID).Scan(&body)
	if err != nil {
		if err == pgx.ErrNoRows {
			return message.Message{}, engineerr.Newf(engineerr.KindAdapter, "archive/pgstore", "message %q not found", msgID)
		}
		return message.Message{}, engineerr.New(engineerr.KindAdapter, "archive/pgstore", fmt.Errorf("failed to load message: %w", err))
	}

	var msg message.Message
	if err := json.Unmarshal(body, &msg); err != nil {
		return message.Message{}, engineerr.New(engineerr.KindAdapter, "archive/pgstore", fmt.Errorf("failed to unmarshal message: %w", err))
	}
	return msg, nil
}

// Delete removes a single message owned by userID.
func (s *Store) Delete(ctx context.Context, userID, msgID string) error {
	query := fmt.Sprintf(`DELETE FROM %s WHERE id = $1 AND user_id = $2`, s.tableName)
	if _, err := s.pool.Exec(ctx, query, msgID, userID); err != nil {
		return engineerr.New(engineerr.KindAdapter, "archive/pgstore", fmt.Errorf("failed to delete message: %w", err))
	}
	return nil
}

// EraseUser deletes every message owned by userID.
func (s *Store) EraseUser(ctx context.Context, userID string) error {
	query := fmt.Sprintf(`DELETE FROM %s WHERE user_id = $1`, s.tableName)
	if _, err := s.pool.Exec(ctx, query, userID); err != nil {
		return engineerr.New(engineerr.KindAdapter, "archive/pgstore", fmt.Errorf("failed to erase user: %w", err))
	}
	return nil
}
