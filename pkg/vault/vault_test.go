package vault

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestVault(t *testing.T) *Vault {
	t.Helper()
	path := filepath.Join(t.TempDir(), "vault.json")
	v := Open(path)
	require.NoError(t, v.Initialize("correct horse battery staple", TierLowPower))
	return v
}

func TestInitializeTwiceFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vault.json")
	v := Open(path)
	require.NoError(t, v.Initialize("pw", TierLowPower))
	require.ErrorIs(t, v.Initialize("pw", TierLowPower), ErrAlreadyInitialized)
}

func TestUnlockWithWrongPasswordFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vault.json")
	v := Open(path)
	require.NoError(t, v.Initialize("correct-password", TierLowPower))
	v.Lock()

	v2 := Open(path)
	require.ErrorIs(t, v2.Unlock("wrong-password"), ErrWrongPassword)

	require.NoError(t, v2.Unlock("correct-password"))
}

func TestStoreAndRetrieveRoundTrips(t *testing.T) {
	v := newTestVault(t)
	require.NoError(t, v.Store("github-token", []byte("ghp_secret"), []string{"github-plugin"}, StoreOptions{}))

	got, err := v.Retrieve("github-token", "github-plugin")
	require.NoError(t, err)
	require.Equal(t, []byte("ghp_secret"), got)
}

func TestRetrieveDeniesPluginNotInACL(t *testing.T) {
	v := newTestVault(t)
	require.NoError(t, v.Store("github-token", []byte("ghp_secret"), []string{"github-plugin"}, StoreOptions{}))

	_, err := v.Retrieve("github-token", "other-plugin")
	require.ErrorIs(t, err, ErrACLDenied)
}

func TestRetrieveUnknownSecretFails(t *testing.T) {
	v := newTestVault(t)
	_, err := v.Retrieve("missing", "any-plugin")
	require.ErrorIs(t, err, ErrSecretNotFound)
}

func TestOperationsFailWhenLocked(t *testing.T) {
	v := newTestVault(t)
	v.Lock()

	_, err := v.Retrieve("x", "p")
	require.ErrorIs(t, err, ErrLocked)

	err = v.Store("x", []byte("y"), []string{"p"}, StoreOptions{})
	require.ErrorIs(t, err, ErrLocked)
}

func TestDeletePersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vault.json")
	v := Open(path)
	require.NoError(t, v.Initialize("pw", TierLowPower))
	require.NoError(t, v.Store("s1", []byte("v1"), []string{"p"}, StoreOptions{}))
	require.NoError(t, v.Delete("s1"))

	v2 := Open(path)
	require.NoError(t, v2.Unlock("pw"))
	_, err := v2.Retrieve("s1", "p")
	require.ErrorIs(t, err, ErrSecretNotFound)
}

func TestRotationCheckFlagsAgedSecrets(t *testing.T) {
	v := newTestVault(t)
	days := 30
	require.NoError(t, v.Store("s1", []byte("v1"), []string{"p"}, StoreOptions{RotateAfterDays: &days}))

	due, err := v.RotationCheck(time.Now().UTC().AddDate(0, 0, 31))
	require.NoError(t, err)
	require.Contains(t, due, "s1")

	due, err = v.RotationCheck(time.Now().UTC().AddDate(0, 0, 1))
	require.NoError(t, err)
	require.NotContains(t, due, "s1")
}

func TestListReturnsMetadataOnly(t *testing.T) {
	v := newTestVault(t)
	require.NoError(t, v.Store("s1", []byte("v1"), []string{"p1", "p2"}, StoreOptions{}))

	items, err := v.List()
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.Equal(t, "s1", items[0].Name)
	require.ElementsMatch(t, []string{"p1", "p2"}, items[0].AllowedPlugins)
}
