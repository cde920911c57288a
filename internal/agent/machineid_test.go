package agent

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

// swapMachineIDPaths points the host-id lookup at the given files for the
// duration of the test.
func swapMachineIDPaths(t *testing.T, paths ...string) {
	t.Helper()
	orig := machineIDPaths
	machineIDPaths = paths
	t.Cleanup(func() { machineIDPaths = orig })
}

func TestMachineIDPrefersHostFile(t *testing.T) {
	hostFile := filepath.Join(t.TempDir(), "machine-id")
	require.NoError(t, os.WriteFile(hostFile, []byte("abc123\n"), 0o600))
	swapMachineIDPaths(t, "/nonexistent/machine-id", hostFile)

	id, err := MachineID(t.TempDir())
	require.NoError(t, err)
	require.Equal(t, "abc123", id)
}

func TestMachineIDMintsAndPersists(t *testing.T) {
	swapMachineIDPaths(t)
	stateDir := t.TempDir()

	first, err := MachineID(stateDir)
	require.NoError(t, err)
	require.NoError(t, uuid.Validate(first))

	// The minted id survives on disk and wins on the next call.
	b, err := os.ReadFile(filepath.Join(stateDir, "machine-id"))
	require.NoError(t, err)
	require.Contains(t, string(b), first)

	second, err := MachineID(stateDir)
	require.NoError(t, err)
	require.Equal(t, first, second)
}

func TestMachineIDSkipsBlankHostFile(t *testing.T) {
	blank := filepath.Join(t.TempDir(), "machine-id")
	require.NoError(t, os.WriteFile(blank, []byte("\n"), 0o600))
	swapMachineIDPaths(t, blank)

	id, err := MachineID(t.TempDir())
	require.NoError(t, err)
	require.NotEmpty(t, id)
	require.NotEqual(t, "\n", id)
}
