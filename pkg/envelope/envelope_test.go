package envelope

import (
	"crypto/ed25519"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newSignedFixture(t *testing.T, payload any) (*Envelope, ed25519.PublicKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	raw, err := json.Marshal(payload)
	require.NoError(t, err)

	e := &Envelope{
		CorrelationID: "corr-1",
		From:          "planner",
		To:            "router",
		Type:          TypePlanRequest,
		Payload:       raw,
	}
	_, err = Sign(e, "planner", priv, func() string { return "msg-1" })
	require.NoError(t, err)
	return e, pub
}

func TestSignThenVerifyRoundTrips(t *testing.T) {
	e, pub := newSignedFixture(t, map[string]string{"userMessage": "hello"})
	keys := NewKeyRegistry()
	keys.Register("planner", pub)

	require.NoError(t, Verify(e, keys))
}

func TestVerifyFailsOnTamperedPayload(t *testing.T) {
	e, pub := newSignedFixture(t, map[string]string{"userMessage": "hello"})
	keys := NewKeyRegistry()
	keys.Register("planner", pub)

	e.Payload = json.RawMessage(`{"userMessage":"goodbye"}`)
	require.ErrorIs(t, Verify(e, keys), ErrBadSignature)
}

func TestVerifyFailsOnTamperedSigner(t *testing.T) {
	e, pub := newSignedFixture(t, map[string]string{"userMessage": "hello"})
	keys := NewKeyRegistry()
	keys.Register("planner", pub)
	keys.Register("someone-else", pub)

	e.Signer = "someone-else"
	require.ErrorIs(t, Verify(e, keys), ErrBadSignature)
}

func TestVerifyFailsOnTamperedMessageID(t *testing.T) {
	e, pub := newSignedFixture(t, map[string]string{"userMessage": "hello"})
	keys := NewKeyRegistry()
	keys.Register("planner", pub)

	e.MessageID = "msg-2"
	require.ErrorIs(t, Verify(e, keys), ErrBadSignature)
}

func TestVerifyFailsOnTamperedTimestamp(t *testing.T) {
	e, pub := newSignedFixture(t, map[string]string{"userMessage": "hello"})
	keys := NewKeyRegistry()
	keys.Register("planner", pub)

	e.Timestamp = e.Timestamp.Add(time.Hour)
	require.ErrorIs(t, Verify(e, keys), ErrBadSignature)
}

func TestVerifyFailsForUnknownSigner(t *testing.T) {
	e, _ := newSignedFixture(t, map[string]string{"userMessage": "hello"})
	keys := NewKeyRegistry()

	require.ErrorIs(t, Verify(e, keys), ErrUnknownSigner)
}

func TestReplayGuardRejectsSecondDeliveryWithinWindow(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	g := NewReplayGuard(ReplayGuardConfig{
		WindowMs: 60_000,
		Clock:    func() time.Time { return now },
	})

	require.NoError(t, g.Check("msg-1", now))
	require.ErrorIs(t, g.Check("msg-1", now), ErrReplayed)
}

func TestReplayGuardRejectsStaleTimestamp(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	g := NewReplayGuard(ReplayGuardConfig{
		WindowMs: 60_000,
		Clock:    func() time.Time { return now },
	})

	stale := now.Add(-2 * time.Minute)
	require.ErrorIs(t, g.Check("msg-old", stale), ErrReplayed)
}

func TestReplayGuardRejectsFutureTimestampBeyondSkew(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	g := NewReplayGuard(ReplayGuardConfig{
		WindowMs:       60_000,
		MaxClockSkewMs: 5_000,
		Clock:          func() time.Time { return now },
	})

	future := now.Add(10 * time.Second)
	require.ErrorIs(t, g.Check("msg-future", future), ErrReplayed)
}

func TestReplayGuardPrunesByAgeBeforeEvictingByCapacity(t *testing.T) {
	cur := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	g := NewReplayGuard(ReplayGuardConfig{
		WindowMs:   1_000,
		MaxEntries: 2,
		Clock:      func() time.Time { return cur },
	})

	require.NoError(t, g.Check("a", cur))
	cur = cur.Add(2 * time.Second) // "a" now outside the 1s window
	require.NoError(t, g.Check("b", cur))

	require.Equal(t, 1, g.Size(), "stale entry a should have been pruned by age, not capacity eviction")
}
