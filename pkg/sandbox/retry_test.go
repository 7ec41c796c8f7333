package sandbox

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// sequenceSpawner hands out a different session on each Spawn call, so a
// test can make the first attempt time out and a later one succeed.
type sequenceSpawner struct {
	sessions []*fakeSession
	calls    int
}

func (s *sequenceSpawner) Spawn(ctx context.Context, spec spawnSpec) (session, error) {
	sess := s.sessions[s.calls]
	if s.calls < len(s.sessions)-1 {
		s.calls++
	}
	return sess, nil
}

func TestExecuteWithRetryRecoversFromTimeout(t *testing.T) {
	reg := newFakeRegistry()
	reg.plugins["slow"] = PluginView{ID: "slow", Checksum: "good-checksum", PackagePath: "x", TimeoutMs: 10}

	spawner := &sequenceSpawner{sessions: []*fakeSession{
		{delay: 100 * time.Millisecond, response: &Result{}},
		{response: &Result{Payload: map[string]any{"ok": true}}},
	}}

	h := NewHost(reg, &fakeSecrets{},
		WithSpawner(spawner),
		WithChecksumFn(func(path string) (string, error) { return "good-checksum", nil }),
		WithKillTimeout(5*time.Millisecond),
	)

	res, err := h.ExecuteWithRetry(context.Background(), "job-1", "slow", "a", nil, "step-1", 3)
	require.NoError(t, err)
	require.Equal(t, true, res.Payload["ok"])
	require.Equal(t, 1, spawner.calls)
	require.True(t, spawner.sessions[0].killed)
}

func TestExecuteWithRetryGivesUpAfterMaxAttempts(t *testing.T) {
	reg := newFakeRegistry()
	reg.plugins["slow"] = PluginView{ID: "slow", Checksum: "good-checksum", PackagePath: "x", TimeoutMs: 10}

	spawner := &sequenceSpawner{sessions: []*fakeSession{
		{delay: 100 * time.Millisecond, response: &Result{}},
		{delay: 100 * time.Millisecond, response: &Result{}},
	}}

	h := NewHost(reg, &fakeSecrets{},
		WithSpawner(spawner),
		WithChecksumFn(func(path string) (string, error) { return "good-checksum", nil }),
		WithKillTimeout(5*time.Millisecond),
	)

	_, err := h.ExecuteWithRetry(context.Background(), "job-1", "slow", "a", nil, "step-1", 2)
	var ge *GearError
	require.ErrorAs(t, err, &ge)
	require.Equal(t, ErrGearTimeout, ge.Code)
}

func TestExecuteWithRetryDoesNotRetryNonTimeoutFailures(t *testing.T) {
	h := newTestHost(t, newFakeRegistry(), &fakeSecrets{}, &fakeSession{})
	_, err := h.ExecuteWithRetry(context.Background(), "job-1", "missing", "a", nil, "step-1", 3)
	var ge *GearError
	require.ErrorAs(t, err, &ge)
	require.Equal(t, ErrGearNotFound, ge.Code)
}
