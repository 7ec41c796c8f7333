package queue

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-process Store, used by component tests and by
// orchestratord when QUEUE_DRIVER is "memory", where a SQL backend isn't
// warranted. It implements the
// same compare-and-set transition and dedup semantics as the SQL-backed
// stores.
type MemoryStore struct {
	baseStore

	mu      sync.Mutex
	jobs    map[string]*Job
	dedup   map[string]string // idempotency key -> job id
	clock   func() time.Time
	dedupMs int64
}

func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		jobs:    make(map[string]*Job),
		dedup:   make(map[string]string),
		clock:   time.Now,
		dedupMs: 300_000,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

type MemoryOption func(*MemoryStore)

func WithClock(clock func() time.Time) MemoryOption {
	return func(s *MemoryStore) { s.clock = clock }
}

func WithDedupWindowMs(ms int64) MemoryOption {
	return func(s *MemoryStore) { s.dedupMs = ms }
}

func (s *MemoryStore) Enqueue(ctx context.Context, req EnqueueRequest) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock()
	if req.IdempotencyKey != "" {
		if existingID, ok := s.dedup[req.IdempotencyKey]; ok {
			if existing, ok := s.jobs[existingID]; ok && now.Sub(existing.CreatedAt) <= time.Duration(s.dedupMs)*time.Millisecond {
				cp := *existing
				return &cp, nil
			}
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
	s.jobs[job.ID] = job
	if req.IdempotencyKey != "" {
		s.dedup[req.IdempotencyKey] = job.ID
	}
	cp := *job
	return &cp, nil
}

// Lease finds the highest-priority, oldest pending job and claims it via
// compare-and-set, ordered by (status, priority desc, createdAt).
func (s *MemoryStore) Lease(ctx context.Context, workerID string, leaseMs int64) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var best *Job
	for _, j := range s.jobs {
		if j.Status != StatusPending {
			continue
		}
		if best == nil {
			best = j
			continue
		}
		if j.Priority.rank() > best.Priority.rank() {
			best = j
			continue
		}
		if j.Priority.rank() == best.Priority.rank() && j.CreatedAt.Before(best.CreatedAt) {
			best = j
		}
	}
	if best == nil {
		return nil, nil
	}

	now := s.clock()
	expires := now.Add(time.Duration(leaseMs) * time.Millisecond)
	best.Status = StatusPlanning
	best.LeaseOwner = workerID
	best.LeaseExpiresAt = &expires
	best.UpdatedAt = now

	cp := *best
	s.notify(StatusChange{JobID: best.ID, From: StatusPending, To: StatusPlanning, Job: cp})
	return &cp, nil
}

func (s *MemoryStore) Heartbeat(ctx context.Context, jobID, workerID string, leaseMs int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return ErrJobNotFound
	}
	if job.LeaseOwner != workerID {
		return ErrLeaseConflict
	}
	expires := s.clock().Add(time.Duration(leaseMs) * time.Millisecond)
	job.LeaseExpiresAt = &expires
	return nil
}

// Transition performs a compare-and-set status change, applying mutate
// under the lock before committing, then broadcasts the change.
func (s *MemoryStore) Transition(ctx context.Context, jobID string, from, to JobStatus, mutate func(*Job)) (*Job, error) {
	s.mu.Lock()
	job, ok := s.jobs[jobID]
	if !ok {
		s.mu.Unlock()
		return nil, ErrJobNotFound
	}
	if job.Status != from {
		s.mu.Unlock()
		return nil, ErrLeaseConflict
	}
	if !CanTransition(from, to) {
		s.mu.Unlock()
		return nil, ErrInvalidTransition
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
	cp := *job
	s.mu.Unlock()

	s.notify(StatusChange{JobID: jobID, From: from, To: to, Job: cp})
	return &cp, nil
}

func (s *MemoryStore) Complete(ctx context.Context, jobID string, result []byte) (*Job, error) {
	s.mu.Lock()
	job, ok := s.jobs[jobID]
	if !ok {
		s.mu.Unlock()
		return nil, ErrJobNotFound
	}
	from := job.Status
	s.mu.Unlock()
	return s.Transition(ctx, jobID, from, StatusCompleted, func(j *Job) {
		j.Result = json.RawMessage(result)
	})
}

func (s *MemoryStore) Fail(ctx context.Context, jobID string, failure *UserError) (*Job, error) {
	s.mu.Lock()
	job, ok := s.jobs[jobID]
	if !ok {
		s.mu.Unlock()
		return nil, ErrJobNotFound
	}
	from := job.Status
	s.mu.Unlock()
	errJSON, _ := json.Marshal(failure)
	return s.Transition(ctx, jobID, from, StatusFailed, func(j *Job) {
		j.Error = errJSON
	})
}

func (s *MemoryStore) Cancel(ctx context.Context, jobID string) (*Job, error) {
	s.mu.Lock()
	job, ok := s.jobs[jobID]
	if !ok {
		s.mu.Unlock()
		return nil, ErrJobNotFound
	}
	from := job.Status
	s.mu.Unlock()
	if from.Terminal() {
		return nil, ErrInvalidTransition
	}
	return s.Transition(ctx, jobID, from, StatusCancelled, nil)
}

// ListByStatus returns a snapshot copy of every job currently in status, in
// no particular order.
func (s *MemoryStore) ListByStatus(ctx context.Context, status JobStatus) ([]*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Job
	for _, j := range s.jobs {
		if j.Status == status {
			cp := *j
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *MemoryStore) Get(ctx context.Context, jobID string) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return nil, ErrJobNotFound
	}
	cp := *job
	return &cp, nil
}

// RecoverExpiredLeases reclaims jobs whose lease has expired: back to
// pending with attempts+=1, or failed with MAX_ATTEMPTS_EXCEEDED once the
// cap is reached.
func (s *MemoryStore) RecoverExpiredLeases(ctx context.Context, now time.Time, maxAttempts int) (int, error) {
	s.mu.Lock()
	var expired []*Job
	for _, j := range s.jobs {
		if j.LeaseExpiresAt != nil && now.After(*j.LeaseExpiresAt) && !j.Status.Terminal() {
			expired = append(expired, j)
		}
	}
	s.mu.Unlock()

	for _, j := range expired {
		s.mu.Lock()
		from := j.Status
		j.Attempts++
		attempts := j.Attempts
		s.mu.Unlock()

		if attempts > maxAttempts {
			failure := &UserError{Code: "MAX_ATTEMPTS_EXCEEDED", Message: "job exceeded maximum lease-recovery attempts", Retriable: false}
			if _, err := s.Fail(ctx, j.ID, failure); err != nil {
				return 0, err
			}
			continue
		}
		s.mu.Lock()
		j.Status = StatusPending
		j.LeaseOwner = ""
		j.LeaseExpiresAt = nil
		j.UpdatedAt = now
		cp := *j
		s.mu.Unlock()
		s.notify(StatusChange{JobID: j.ID, From: from, To: StatusPending, Job: cp})
	}
	return len(expired), nil
}
