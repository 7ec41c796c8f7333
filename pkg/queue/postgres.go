package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	_ "github.com/lib/pq"
)

// PostgresStore is the production backend for the jobs table.
type PostgresStore struct {
	baseStore
	db      *sql.DB
	clock   func() time.Time
	dedupMs int64
}

func NewPostgresStore(db *sql.DB, opts ...SQLOption) (*PostgresStore, error) {
	cfg := sqlStoreConfig{clock: time.Now, dedupMs: 300_000}
	for _, o := range opts {
		o(&cfg)
	}
	s := &PostgresStore{db: db, clock: cfg.clock, dedupMs: cfg.dedupMs}
	if err := s.migrate(context.Background()); err != nil {
		return nil, err
	}
	return s, nil
}

const postgresSchema = `
CREATE TABLE IF NOT EXISTS jobs (
	id TEXT PRIMARY KEY,
	conversation_id TEXT,
	status TEXT NOT NULL,
	priority TEXT NOT NULL,
	source_type TEXT,
	source_message_id TEXT,
	idempotency_key TEXT UNIQUE,
	metadata_json JSONB,
	plan_json JSONB,
	validation_json JSONB,
	result_json JSONB,
	error_json JSONB,
	lease_owner TEXT,
	lease_expires_at TEXT,
	attempts INT NOT NULL DEFAULT 0,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_jobs_lease_order ON jobs(status, priority DESC, created_at ASC);
`

func (s *PostgresStore) migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, postgresSchema)
	return err
}

func (s *PostgresStore) Enqueue(ctx context.Context, req EnqueueRequest) (*Job, error) {
	now := s.clock()

	if req.IdempotencyKey != "" {
		existing, err := s.getByIdempotencyKey(ctx, req.IdempotencyKey)
		if err != nil {
			return nil, err
		}
		if existing != nil && now.Sub(existing.CreatedAt) <= time.Duration(s.dedupMs)*time.Millisecond {
			return existing, nil
		}
	}

	priority := req.Priority
	if priority == "" {
		priority = PriorityNormal
	}
	job := &Job{
		ID:              uuid.NewString(),
		ConversationID:  req.ConversationID,
		Status:          StatusPending,
		Priority:        priority,
		Source:          req.Source,
		SourceMessageID: req.SourceMessageID,
		IdempotencyKey:  req.IdempotencyKey,
		Metadata:        json.RawMessage(req.Metadata),
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO jobs (id, conversation_id, status, priority, source_type, source_message_id, idempotency_key, metadata_json, attempts, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,0,$9,$10)`,
		job.ID, job.ConversationID, job.Status, job.Priority, job.Source, job.SourceMessageID,
		nullIfEmpty(job.IdempotencyKey), string(job.Metadata), formatTime(now), formatTime(now))
	if err != nil {
		return nil, fmt.Errorf("queue: insert job: %w", err)
	}
	return job, nil
}

func (s *PostgresStore) getByIdempotencyKey(ctx context.Context, key string) (*Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE idempotency_key = $1`, key)
	job, err := scanJobRow(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return job, err
}

func (s *PostgresStore) Lease(ctx context.Context, workerID string, leaseMs int64) (*Job, error) {
	now := s.clock()
	expires := now.Add(time.Duration(leaseMs) * time.Millisecond)

	row := s.db.QueryRowContext(ctx, `SELECT id FROM jobs WHERE status = $1 ORDER BY
		CASE priority WHEN 'high' THEN 2 WHEN 'normal' THEN 1 ELSE 0 END DESC, created_at ASC LIMIT 1`,
		StatusPending)
	var id string
	if err := row.Scan(&id); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}

	res, err := s.db.ExecContext(ctx, `UPDATE jobs SET status = $1, lease_owner = $2, lease_expires_at = $3, updated_at = $4 WHERE id = $5 AND status = $6`,
		StatusPlanning, workerID, formatTime(expires), formatTime(now), id, StatusPending)
	if err != nil {
		return nil, err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return nil, nil
	}

	job, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	s.notify(StatusChange{JobID: id, From: StatusPending, To: StatusPlanning, Job: *job})
	return job, nil
}

func (s *PostgresStore) Heartbeat(ctx context.Context, jobID, workerID string, leaseMs int64) error {
	expires := s.clock().Add(time.Duration(leaseMs) * time.Millisecond)
	res, err := s.db.ExecContext(ctx, `UPDATE jobs SET lease_expires_at = $1 WHERE id = $2 AND lease_owner = $3`,
		formatTime(expires), jobID, workerID)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrLeaseConflict
	}
	return nil
}

func (s *PostgresStore) Transition(ctx context.Context, jobID string, from, to JobStatus, mutate func(*Job)) (*Job, error) {
	if !CanTransition(from, to) {
		return nil, ErrInvalidTransition
	}
	job, err := s.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status != from {
		return nil, ErrLeaseConflict
	}
	if mutate != nil {
		mutate(job)
	}
	job.Status = to
	job.UpdatedAt = s.clock()
	if to.Terminal() {
		job.LeaseOwner = ""
		job.LeaseExpiresAt = nil
	}

	res, err := s.db.ExecContext(ctx, `UPDATE jobs SET status = $1, plan_json = $2, validation_json = $3, result_json = $4, error_json = $5,
		lease_owner = $6, lease_expires_at = $7, attempts = $8, updated_at = $9 WHERE id = $10 AND status = $11`,
		job.Status, nullIfEmpty(string(job.Plan)), nullIfEmpty(string(job.Validation)), nullIfEmpty(string(job.Result)), nullIfEmpty(string(job.Error)),
		nullIfEmpty(job.LeaseOwner), formatTimePtr(job.LeaseExpiresAt), job.Attempts, formatTime(job.UpdatedAt), jobID, from)
	if err != nil {
		return nil, err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return nil, ErrLeaseConflict
	}

	s.notify(StatusChange{JobID: jobID, From: from, To: to, Job: *job})
	return job, nil
}

func (s *PostgresStore) Complete(ctx context.Context, jobID string, result []byte) (*Job, error) {
	job, err := s.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	return s.Transition(ctx, jobID, job.Status, StatusCompleted, func(j *Job) { j.Result = json.RawMessage(result) })
}

func (s *PostgresStore) Fail(ctx context.Context, jobID string, failure *UserError) (*Job, error) {
	job, err := s.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	errJSON, _ := json.Marshal(failure)
	return s.Transition(ctx, jobID, job.Status, StatusFailed, func(j *Job) { j.Error = errJSON })
}

func (s *PostgresStore) Cancel(ctx context.Context, jobID string) (*Job, error) {
	job, err := s.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status.Terminal() {
		return nil, ErrInvalidTransition
	}
	return s.Transition(ctx, jobID, job.Status, StatusCancelled, nil)
}

func (s *PostgresStore) Get(ctx context.Context, jobID string) (*Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, jobID)
	job, err := scanJobRow(row)
	if err == sql.ErrNoRows {
		return nil, ErrJobNotFound
	}
	return job, err
}

func (s *PostgresStore) ListByStatus(ctx context.Context, status JobStatus) ([]*Job, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE status = $1`, status)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Job
	for rows.Next() {
		job, err := scanJobRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

func (s *PostgresStore) RecoverExpiredLeases(ctx context.Context, now time.Time, maxAttempts int) (int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, attempts, status FROM jobs WHERE lease_expires_at IS NOT NULL AND lease_expires_at < $1
		AND status NOT IN ($2, $3, $4)`, formatTime(now), StatusCompleted, StatusFailed, StatusCancelled)
	if err != nil {
		return 0, err
	}
	type rec struct {
		id       string
		attempts int
		status   JobStatus
	}
	var recs []rec
	for rows.Next() {
		var r rec
		if err := rows.Scan(&r.id, &r.attempts, &r.status); err != nil {
			rows.Close()
			return 0, err
		}
		recs = append(recs, r)
	}
	rows.Close()

	for _, r := range recs {
		attempts := r.attempts + 1
		if attempts > maxAttempts {
			failure := &UserError{Code: "MAX_ATTEMPTS_EXCEEDED", Message: "job exceeded maximum lease-recovery attempts"}
			errJSON, _ := json.Marshal(failure)
			_, err = s.db.ExecContext(ctx, `UPDATE jobs SET status = $1, error_json = $2, attempts = $3, lease_owner = NULL, lease_expires_at = NULL, updated_at = $4 WHERE id = $5 AND status = $6`,
				StatusFailed, string(errJSON), attempts, formatTime(now), r.id, r.status)
			if err == nil {
				s.notify(StatusChange{JobID: r.id, From: r.status, To: StatusFailed})
			}
			continue
		}
		_, err = s.db.ExecContext(ctx, `UPDATE jobs SET status = $1, attempts = $2, lease_owner = NULL, lease_expires_at = NULL, updated_at = $3 WHERE id = $4 AND status = $5`,
			StatusPending, attempts, formatTime(now), r.id, r.status)
		if err == nil {
			s.notify(StatusChange{JobID: r.id, From: r.status, To: StatusPending})
		}
	}
	return len(recs), nil
}
