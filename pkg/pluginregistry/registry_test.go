package pluginregistry

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeTempPackage(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pkg.bin")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))
	return path
}

func validManifest(id string) Manifest {
	return Manifest{
		ID:          id,
		Name:        "File Manager",
		Version:     "1.0.0",
		Description: "reads and writes workspace files",
		Author:      "helm",
		License:     "MIT",
		Origin:      OriginUser,
		Actions:     []Action{{Name: "read_file"}},
	}
}

func TestInstallFailsIfAlreadyPresent(t *testing.T) {
	r := New(NewMemoryStore())
	path := writeTempPackage(t, "binary-bytes")
	ctx := context.Background()

	_, err := r.Install(ctx, validManifest("file-manager"), path)
	require.NoError(t, err)

	_, err = r.Install(ctx, validManifest("file-manager"), path)
	require.ErrorIs(t, err, ErrAlreadyInstalled)
}

func TestInstallRejectsShellPlusNetwork(t *testing.T) {
	r := New(NewMemoryStore())
	m := validManifest("net-shell")
	m.Permissions.Shell = true
	m.Permissions.Network = &NetworkPermissions{Domains: []string{"example.com"}}

	_, err := r.Install(context.Background(), m, writeTempPackage(t, "x"))
	var vErr *VulnError
	require.ErrorAs(t, err, &vErr)
	require.Equal(t, VulnShellWithNetwork, vErr.Issues[0].ID)
}

func TestBuiltinBypassesNonBuiltinScans(t *testing.T) {
	r := New(NewMemoryStore())
	m := validManifest("core-fs")
	m.Origin = OriginBuiltin
	m.Permissions.Filesystem = &FilesystemPermissions{Read: []string{"*"}}

	_, err := r.Install(context.Background(), m, writeTempPackage(t, "x"))
	require.NoError(t, err)
}

func TestDisableEvictsFromCacheEnableReloads(t *testing.T) {
	r := New(NewMemoryStore())
	ctx := context.Background()
	_, err := r.Install(ctx, validManifest("file-manager"), writeTempPackage(t, "x"))
	require.NoError(t, err)
	require.True(t, r.IsEnabled("file-manager"))

	require.NoError(t, r.Disable(ctx, "file-manager"))
	require.False(t, r.IsEnabled("file-manager"))

	require.NoError(t, r.Enable(ctx, "file-manager"))
	require.True(t, r.IsEnabled("file-manager"))
}

func TestGetManifestIsCacheOnly(t *testing.T) {
	r := New(NewMemoryStore())
	ctx := context.Background()
	_, err := r.Install(ctx, validManifest("file-manager"), writeTempPackage(t, "x"))
	require.NoError(t, err)

	m, ok := r.GetManifest("file-manager")
	require.True(t, ok)
	require.Equal(t, "file-manager", m.ID)

	_, ok = r.GetManifest("missing")
	require.False(t, ok)
}

func TestResourceDefaultsApplied(t *testing.T) {
	r := New(NewMemoryStore())
	rec, err := r.Install(context.Background(), validManifest("file-manager"), writeTempPackage(t, "x"))
	require.NoError(t, err)
	require.Equal(t, DefaultMaxMemoryMb, rec.Manifest.Resources.MaxMemoryMb)
	require.Equal(t, DefaultMaxCpuPercent, rec.Manifest.Resources.MaxCpuPercent)
	require.Equal(t, DefaultTimeoutMs, rec.Manifest.Resources.TimeoutMs)
}
