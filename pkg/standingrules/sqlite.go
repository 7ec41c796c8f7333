package standingrules

import (
	"context"
	"database/sql"
	"time"

	_ "modernc.org/sqlite"

	"github.com/helmrun/orchestrator/pkg/plan"
)

// SQLiteStore is the embedded/dev backend for the standing_rules table.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.migrate(context.Background()); err != nil {
		return nil, err
	}
	return s, nil
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS standing_rules (
	id TEXT PRIMARY KEY,
	action_pattern TEXT NOT NULL,
	scope TEXT NOT NULL,
	verdict TEXT NOT NULL,
	created_at DATETIME NOT NULL,
	expires_at DATETIME,
	created_by TEXT,
	approval_count INTEGER NOT NULL DEFAULT 0,
	conversation_id TEXT
);
CREATE INDEX IF NOT EXISTS idx_standing_rules_created_at ON standing_rules(created_at DESC);
`

func (s *SQLiteStore) migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteSchema)
	return err
}

func (s *SQLiteStore) Insert(ctx context.Context, r Rule) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO standing_rules (id, action_pattern, scope, verdict, created_at, expires_at, created_by, approval_count, conversation_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, r.ID, r.ActionPattern, r.Scope, r.Verdict, r.CreatedAt, r.ExpiresAt, r.CreatedBy, r.ApprovalCount, r.ConversationID)
	return err
}

func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM standing_rules WHERE id = ?`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrRuleNotFound
	}
	return nil
}

func (s *SQLiteStore) ListNewestFirst(ctx context.Context, now time.Time) ([]Rule, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, action_pattern, scope, verdict, created_at, expires_at, created_by, approval_count, conversation_id
		FROM standing_rules
		WHERE expires_at IS NULL OR expires_at > ?
		ORDER BY created_at DESC
	`, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRules(rows)
}

func (s *SQLiteStore) List(ctx context.Context) ([]Rule, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, action_pattern, scope, verdict, created_at, expires_at, created_by, approval_count, conversation_id
		FROM standing_rules
		ORDER BY created_at DESC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRules(rows)
}

func scanRules(rows *sql.Rows) ([]Rule, error) {
	var out []Rule
	for rows.Next() {
		var r Rule
		var scope, verdict string
		var expiresAt sql.NullTime
		var createdBy, conversationID sql.NullString
		if err := rows.Scan(&r.ID, &r.ActionPattern, &scope, &verdict, &r.CreatedAt, &expiresAt, &createdBy, &r.ApprovalCount, &conversationID); err != nil {
			return nil, err
		}
		r.Scope = Scope(scope)
		r.Verdict = plan.Verdict(verdict)
		if expiresAt.Valid {
			t := expiresAt.Time
			r.ExpiresAt = &t
		}
		r.CreatedBy = createdBy.String
		r.ConversationID = conversationID.String
		out = append(out, r)
	}
	return out, rows.Err()
}
