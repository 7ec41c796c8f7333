package worker

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/helmrun/orchestrator/pkg/queue"
)

type recordingProcessor struct {
	processed atomic.Int32
	fail      bool
}

func (p *recordingProcessor) Process(ctx context.Context, job *queue.Job) error {
	p.processed.Add(1)
	if p.fail {
		return assertError{}
	}
	return nil
}

type assertError struct{}

func (assertError) Error() string { return "boom" }

func TestPoolProcessesLeasedJob(t *testing.T) {
	store := queue.NewMemoryStore()
	_, err := store.Enqueue(context.Background(), queue.EnqueueRequest{})
	require.NoError(t, err)

	proc := &recordingProcessor{}
	pool := New(store, proc, WithWorkers(1), WithPollInterval(5*time.Millisecond), WithLeaseMs(1000))

	ctx, cancel := context.WithCancel(context.Background())
	pool.Start(ctx)

	require.Eventually(t, func() bool { return proc.processed.Load() == 1 }, time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, pool.Stop(context.Background()))
}

func TestPoolRecordsFailureFromProcessor(t *testing.T) {
	store := queue.NewMemoryStore()
	job, err := store.Enqueue(context.Background(), queue.EnqueueRequest{})
	require.NoError(t, err)

	proc := &recordingProcessor{fail: true}
	pool := New(store, proc, WithWorkers(1), WithPollInterval(5*time.Millisecond), WithLeaseMs(1000))

	ctx, cancel := context.WithCancel(context.Background())
	pool.Start(ctx)

	require.Eventually(t, func() bool {
		got, err := store.Get(context.Background(), job.ID)
		return err == nil && got.Status == queue.StatusFailed
	}, time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, pool.Stop(context.Background()))
}

type blockingGate struct {
	allow atomic.Bool
}

func (g *blockingGate) AllowLease() bool { return g.allow.Load() }

func TestGateBlocksNewLeases(t *testing.T) {
	store := queue.NewMemoryStore()
	_, err := store.Enqueue(context.Background(), queue.EnqueueRequest{})
	require.NoError(t, err)

	proc := &recordingProcessor{}
	gate := &blockingGate{}
	pool := New(store, proc, WithWorkers(1), WithPollInterval(5*time.Millisecond), WithLeaseMs(1000), WithGate(gate))

	ctx, cancel := context.WithCancel(context.Background())
	pool.Start(ctx)

	time.Sleep(30 * time.Millisecond)
	require.EqualValues(t, 0, proc.processed.Load())

	gate.allow.Store(true)
	require.Eventually(t, func() bool { return proc.processed.Load() == 1 }, time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, pool.Stop(context.Background()))
}
