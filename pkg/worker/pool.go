// Package worker implements the bounded concurrent pool that drives leased
// jobs through the pipeline processor: each of N goroutines
// loops lease -> process -> complete|fail, heartbeating the lease at
// leaseMs/3 while the job is in flight.
package worker

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/helmrun/orchestrator/pkg/queue"
)

// Processor drives a single leased job to a terminal or suspended state.
// Implementations (the pipeline state machine) return nil on a clean
// completion/failure already recorded via queue.Store, and a non-nil error
// only for conditions the pool itself must record as a failure.
type Processor interface {
	Process(ctx context.Context, job *queue.Job) error
}

// Gate lets an external resource monitor (the memory watchdog) refuse new
// leases without the pool knowing anything about memory pressure directly.
type Gate interface {
	AllowLease() bool
}

type alwaysAllow struct{}

func (alwaysAllow) AllowLease() bool { return true }

// Pool owns `workers` goroutines, each running lease -> process ->
// complete|fail.
type Pool struct {
	store     queue.Store
	processor Processor
	logger    *slog.Logger
	clock     func() time.Time
	gate      Gate

	workers         int
	leaseMs         int64
	pollInterval    time.Duration
	gracefulTimeout time.Duration

	inflight sync.WaitGroup
	closing  atomic.Bool
	cancel   context.CancelFunc
	done     chan struct{}
}

type Option func(*Pool)

func WithWorkers(n int) Option             { return func(p *Pool) { p.workers = n } }
func WithLeaseMs(ms int64) Option          { return func(p *Pool) { p.leaseMs = ms } }
func WithLogger(l *slog.Logger) Option     { return func(p *Pool) { p.logger = l } }
func WithClock(c func() time.Time) Option  { return func(p *Pool) { p.clock = c } }
func WithGate(g Gate) Option               { return func(p *Pool) { p.gate = g } }
func WithPollInterval(d time.Duration) Option {
	return func(p *Pool) { p.pollInterval = d }
}
func WithGracefulShutdownTimeout(d time.Duration) Option {
	return func(p *Pool) { p.gracefulTimeout = d }
}

func New(store queue.Store, processor Processor, opts ...Option) *Pool {
	p := &Pool{
		store:           store,
		processor:       processor,
		logger:          slog.Default(),
		clock:           time.Now,
		gate:            alwaysAllow{},
		workers:         4,
		leaseMs:         30_000,
		pollInterval:    200 * time.Millisecond,
		gracefulTimeout: 30 * time.Second,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Start launches the worker goroutines. It returns immediately; call Stop
// to drain.
func (p *Pool) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})

	var wg sync.WaitGroup
	for i := 0; i < p.workers; i++ {
		wg.Add(1)
		workerID := workerName(i)
		go func() {
			defer wg.Done()
			p.runLoop(runCtx, workerID)
		}()
	}
	go func() {
		wg.Wait()
		close(p.done)
	}()
}

// Stop stops leasing new jobs, waits for in-flight jobs to finish up to
// GRACEFUL_SHUTDOWN_TIMEOUT_MS, then cancels whatever remains.
func (p *Pool) Stop(ctx context.Context) error {
	p.closing.Store(true)

	drained := make(chan struct{})
	go func() {
		p.inflight.Wait()
		close(drained)
	}()

	select {
	case <-drained:
	case <-time.After(p.gracefulTimeout):
		p.logger.Warn("graceful shutdown timeout exceeded, cancelling in-flight jobs")
	case <-ctx.Done():
	}

	if p.cancel != nil {
		p.cancel()
	}
	if p.done != nil {
		<-p.done
	}
	return nil
}

func (p *Pool) runLoop(ctx context.Context, workerID string) {
	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	for {
		if ctx.Err() != nil {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if p.closing.Load() || !p.gate.AllowLease() {
			continue
		}

		job, err := p.store.Lease(ctx, workerID, p.leaseMs)
		if err != nil {
			p.logger.Error("lease failed", "worker", workerID, "error", err)
			continue
		}
		if job == nil {
			continue
		}

		p.inflight.Add(1)
		p.runJob(ctx, workerID, job)
		p.inflight.Done()
	}
}

func (p *Pool) runJob(ctx context.Context, workerID string, job *queue.Job) {
	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	defer stopHeartbeat()
	go p.heartbeatLoop(hbCtx, workerID, job.ID)

	if err := p.processor.Process(ctx, job); err != nil {
		p.logger.Error("job processing failed", "job", job.ID, "worker", workerID, "error", err)
		failure := &queue.UserError{Code: "WORKER_PROCESS_ERROR", Message: err.Error(), Retriable: true}
		if _, ferr := p.store.Fail(context.WithoutCancel(ctx), job.ID, failure); ferr != nil {
			p.logger.Error("failed to record job failure", "job", job.ID, "error", ferr)
		}
	}
}

func (p *Pool) heartbeatLoop(ctx context.Context, workerID, jobID string) {
	interval := time.Duration(p.leaseMs/3) * time.Millisecond
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.store.Heartbeat(ctx, jobID, workerID, p.leaseMs); err != nil {
				p.logger.Warn("heartbeat failed", "job", jobID, "worker", workerID, "error", err)
				return
			}
		}
	}
}

func workerName(i int) string {
	const letters = "0123456789abcdefghijklmnopqrstuvwxyz"
	if i < len(letters) {
		return "worker-" + string(letters[i])
	}
	return "worker-" + string(rune('a'+i%26)) + string(rune('0'+i/26))
}
