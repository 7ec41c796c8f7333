package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	_ "modernc.org/sqlite"
)

// SQLiteStore is the embedded/dev backend for the jobs table.
type SQLiteStore struct {
	baseStore
	db      *sql.DB
	clock   func() time.Time
	dedupMs int64
}

func NewSQLiteStore(db *sql.DB, opts ...SQLOption) (*SQLiteStore, error) {
	cfg := sqlStoreConfig{clock: time.Now, dedupMs: 300_000}
	for _, o := range opts {
		o(&cfg)
	}
	s := &SQLiteStore{db: db, clock: cfg.clock, dedupMs: cfg.dedupMs}
	if err := s.migrate(context.Background()); err != nil {
		return nil, err
	}
	return s, nil
}

// sqlStoreConfig and SQLOption configure either SQL-backed store, so the
// sqlite and postgres implementations share one option set.
type sqlStoreConfig struct {
	clock   func() time.Time
	dedupMs int64
}

type SQLOption func(*sqlStoreConfig)

func WithSQLClock(clock func() time.Time) SQLOption {
	return func(cfg *sqlStoreConfig) { cfg.clock = clock }
}

func WithSQLDedupWindowMs(ms int64) SQLOption {
	return func(cfg *sqlStoreConfig) { cfg.dedupMs = ms }
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS jobs (
	id TEXT PRIMARY KEY,
	conversation_id TEXT,
	status TEXT NOT NULL,
	priority TEXT NOT NULL,
	source_type TEXT,
	source_message_id TEXT,
	idempotency_key TEXT,
	metadata_json TEXT,
	plan_json TEXT,
	validation_json TEXT,
	result_json TEXT,
	error_json TEXT,
	lease_owner TEXT,
	lease_expires_at DATETIME,
	attempts INTEGER NOT NULL DEFAULT 0,
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_jobs_lease_order ON jobs(status, priority, created_at);
CREATE UNIQUE INDEX IF NOT EXISTS idx_jobs_idempotency ON jobs(idempotency_key) WHERE idempotency_key IS NOT NULL AND idempotency_key != '';
`

func (s *SQLiteStore) migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteSchema)
	return err
}

func (s *SQLiteStore) Enqueue(ctx context.Context, req EnqueueRequest) (*Job, error) {
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
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?)`,
		job.ID, job.ConversationID, job.Status, job.Priority, job.Source, job.SourceMessageID,
		nullIfEmpty(job.IdempotencyKey), string(job.Metadata), formatTime(now), formatTime(now))
	if err != nil {
		return nil, fmt.Errorf("queue: insert job: %w", err)
	}
	return job, nil
}

func (s *SQLiteStore) getByIdempotencyKey(ctx context.Context, key string) (*Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE idempotency_key = ?`, key)
	job, err := scanJobRow(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return job, err
}

// Lease claims the next eligible job ordered by (priority desc, created_at
// asc): it selects the top pending row, then claims it with an
// UPDATE ... WHERE id = ? AND status = 'pending' compare-and-set, so
// concurrent workers cannot double-claim a row; a worker that loses the
// race gets no job.
func (s *SQLiteStore) Lease(ctx context.Context, workerID string, leaseMs int64) (*Job, error) {
	now := s.clock()
	expires := now.Add(time.Duration(leaseMs) * time.Millisecond)

	row := s.db.QueryRowContext(ctx, `SELECT id FROM jobs WHERE status = ? ORDER BY
		CASE priority WHEN 'high' THEN 2 WHEN 'normal' THEN 1 ELSE 0 END DESC, created_at ASC LIMIT 1`,
		StatusPending)
	var id string
	if err := row.Scan(&id); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}

	res, err := s.db.ExecContext(ctx, `UPDATE jobs SET status = ?, lease_owner = ?, lease_expires_at = ?, updated_at = ? WHERE id = ? AND status = ?`,
		StatusPlanning, workerID, formatTime(expires), formatTime(now), id, StatusPending)
	if err != nil {
		return nil, err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return nil, nil // lost the race to another worker
	}

	job, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	s.notify(StatusChange{JobID: id, From: StatusPending, To: StatusPlanning, Job: *job})
	return job, nil
}

func (s *SQLiteStore) Heartbeat(ctx context.Context, jobID, workerID string, leaseMs int64) error {
	expires := s.clock().Add(time.Duration(leaseMs) * time.Millisecond)
	res, err := s.db.ExecContext(ctx, `UPDATE jobs SET lease_expires_at = ? WHERE id = ? AND lease_owner = ?`,
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

func (s *SQLiteStore) Transition(ctx context.Context, jobID string, from, to JobStatus, mutate func(*Job)) (*Job, error) {
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

	res, err := s.db.ExecContext(ctx, `UPDATE jobs SET status = ?, plan_json = ?, validation_json = ?, result_json = ?, error_json = ?,
		lease_owner = ?, lease_expires_at = ?, attempts = ?, updated_at = ? WHERE id = ? AND status = ?`,
		job.Status, string(job.Plan), string(job.Validation), string(job.Result), string(job.Error),
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

func (s *SQLiteStore) Complete(ctx context.Context, jobID string, result []byte) (*Job, error) {
	job, err := s.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	return s.Transition(ctx, jobID, job.Status, StatusCompleted, func(j *Job) { j.Result = json.RawMessage(result) })
}

func (s *SQLiteStore) Fail(ctx context.Context, jobID string, failure *UserError) (*Job, error) {
	job, err := s.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	errJSON, _ := json.Marshal(failure)
	return s.Transition(ctx, jobID, job.Status, StatusFailed, func(j *Job) { j.Error = errJSON })
}

func (s *SQLiteStore) Cancel(ctx context.Context, jobID string) (*Job, error) {
	job, err := s.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status.Terminal() {
		return nil, ErrInvalidTransition
	}
	return s.Transition(ctx, jobID, job.Status, StatusCancelled, nil)
}

const jobColumns = `id, conversation_id, status, priority, source_type, source_message_id, idempotency_key,
	metadata_json, plan_json, validation_json, result_json, error_json, lease_owner, lease_expires_at,
	attempts, created_at, updated_at`

func (s *SQLiteStore) Get(ctx context.Context, jobID string) (*Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, jobID)
	job, err := scanJobRow(row)
	if err == sql.ErrNoRows {
		return nil, ErrJobNotFound
	}
	return job, err
}

func (s *SQLiteStore) ListByStatus(ctx context.Context, status JobStatus) ([]*Job, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE status = ?`, status)
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

func (s *SQLiteStore) RecoverExpiredLeases(ctx context.Context, now time.Time, maxAttempts int) (int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, attempts FROM jobs WHERE lease_expires_at IS NOT NULL AND lease_expires_at < ?
		AND status NOT IN (?, ?, ?)`, formatTime(now), StatusCompleted, StatusFailed, StatusCancelled)
	if err != nil {
		return 0, err
	}
	type rec struct {
		id       string
		attempts int
	}
	var recs []rec
	for rows.Next() {
		var r rec
		if err := rows.Scan(&r.id, &r.attempts); err != nil {
			rows.Close()
			return 0, err
		}
		recs = append(recs, r)
	}
	rows.Close()

	for _, r := range recs {
		job, err := s.Get(ctx, r.id)
		if err != nil {
			continue
		}
		from := job.Status
		attempts := r.attempts + 1
		if attempts > maxAttempts {
			failure := &UserError{Code: "MAX_ATTEMPTS_EXCEEDED", Message: "job exceeded maximum lease-recovery attempts"}
			errJSON, _ := json.Marshal(failure)
			_, err = s.db.ExecContext(ctx, `UPDATE jobs SET status = ?, error_json = ?, attempts = ?, lease_owner = NULL, lease_expires_at = NULL, updated_at = ? WHERE id = ? AND status = ?`,
				StatusFailed, string(errJSON), attempts, formatTime(now), r.id, from)
			if err == nil {
				s.notify(StatusChange{JobID: r.id, From: from, To: StatusFailed})
			}
			continue
		}
		_, err = s.db.ExecContext(ctx, `UPDATE jobs SET status = ?, attempts = ?, lease_owner = NULL, lease_expires_at = NULL, updated_at = ? WHERE id = ? AND status = ?`,
			StatusPending, attempts, formatTime(now), r.id, from)
		if err == nil {
			s.notify(StatusChange{JobID: r.id, From: from, To: StatusPending})
		}
	}
	return len(recs), nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJobRow(row rowScanner) (*Job, error) {
	var (
		j                                                       Job
		sourceMessageID, idempotencyKey, leaseOwner             sql.NullString
		planJSON, validationJSON, resultJSON, errorJSON, metaJSON sql.NullString
		leaseExpiresAt                                           sql.NullString
		createdAt, updatedAt                                     string
	)
	err := row.Scan(&j.ID, &j.ConversationID, &j.Status, &j.Priority, &j.Source, &sourceMessageID, &idempotencyKey,
		&metaJSON, &planJSON, &validationJSON, &resultJSON, &errorJSON, &leaseOwner, &leaseExpiresAt,
		&j.Attempts, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	j.SourceMessageID = sourceMessageID.String
	j.IdempotencyKey = idempotencyKey.String
	j.LeaseOwner = leaseOwner.String
	j.Metadata = json.RawMessage(metaJSON.String)
	j.Plan = json.RawMessage(planJSON.String)
	j.Validation = json.RawMessage(validationJSON.String)
	j.Result = json.RawMessage(resultJSON.String)
	j.Error = json.RawMessage(errorJSON.String)
	j.CreatedAt = parseTime(createdAt)
	j.UpdatedAt = parseTime(updatedAt)
	if leaseExpiresAt.Valid && leaseExpiresAt.String != "" {
		t := parseTime(leaseExpiresAt.String)
		j.LeaseExpiresAt = &t
	}
	return &j, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func formatTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseTime(v string) time.Time {
	if v == "" {
		return time.Time{}
	}
	if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
		return t
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t
	}
	return time.Time{}
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
