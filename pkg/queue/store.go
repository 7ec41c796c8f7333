package queue

import (
	"context"
	"time"
)

// EnqueueRequest is the caller-supplied shape for a new job.
type EnqueueRequest struct {
	ConversationID  string
	Priority        Priority
	Source          Source
	SourceMessageID string
	IdempotencyKey  string
	Metadata        []byte
}

// StatusChange is delivered to subscribers synchronously, after the
// transition commits. Handlers must be non-blocking.
type StatusChange struct {
	JobID string
	From  JobStatus
	To    JobStatus
	Job   Job
}

// Subscriber receives status-change notifications. Implementations must not
// block; the queue broadcasts synchronously on the committing goroutine.
type Subscriber func(change StatusChange)

// Store is the persistence contract backing the job queue. SQLite and
// Postgres implementations are provided; both share the same transition and
// dedup semantics.
type Store interface {
	Enqueue(ctx context.Context, req EnqueueRequest) (*Job, error)
	Lease(ctx context.Context, workerID string, leaseMs int64) (*Job, error)
	Heartbeat(ctx context.Context, jobID, workerID string, leaseMs int64) error
	Transition(ctx context.Context, jobID string, from, to JobStatus, mutate func(*Job)) (*Job, error)
	Complete(ctx context.Context, jobID string, result []byte) (*Job, error)
	Fail(ctx context.Context, jobID string, failure *UserError) (*Job, error)
	Cancel(ctx context.Context, jobID string) (*Job, error)
	Get(ctx context.Context, jobID string) (*Job, error)

	// ListByStatus returns all jobs currently in status.
	ListByStatus(ctx context.Context, status JobStatus) ([]*Job, error)

	// RecoverExpiredLeases scans for jobs whose lease has expired and moves
	// them back to pending with attempts+=1, or to failed with
	// MAX_ATTEMPTS_EXCEEDED once maxAttempts is reached.
	RecoverExpiredLeases(ctx context.Context, now time.Time, maxAttempts int) (int, error)

	Subscribe(sub Subscriber) (unsubscribe func())
}

// baseStore centralizes the subscriber fan-out so the SQLite and Postgres
// stores don't duplicate it.
type baseStore struct {
	subs subscriberSet
}

func (b *baseStore) notify(change StatusChange) {
	b.subs.broadcast(change)
}

func (b *baseStore) Subscribe(sub Subscriber) func() {
	return b.subs.add(sub)
}
