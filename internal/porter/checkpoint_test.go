package porter

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckpointRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "checkpoint.json")

	cp, err := LoadCheckpoint(path)
	require.NoError(t, err)
	assert.Empty(t, cp.Entries)

	require.NoError(t, cp.Record(ExecRecord{Key: "glibc", Status: StatusSucceeded, Artifacts: []string{"glibc-2.39-1-aarch64.pkg.tar.zst"}}))
	require.NoError(t, cp.Record(ExecRecord{Key: "gcc/A", Status: StatusFailed, Error: "ICE"}))

	reloaded, err := LoadCheckpoint(path)
	require.NoError(t, err)
	require.Len(t, reloaded.Entries, 2)
	assert.Equal(t, StatusSucceeded, reloaded.Entries["glibc"].Status)
	assert.Equal(t, "ICE", reloaded.Entries["gcc/A"].Error)
}

func TestCheckpointRejectsNonTerminal(t *testing.T) {
	cp, err := LoadCheckpoint(filepath.Join(t.TempDir(), "checkpoint.json"))
	require.NoError(t, err)
	assert.Error(t, cp.Record(ExecRecord{Key: "x", Status: StatusRunning}))
	assert.Error(t, cp.Record(ExecRecord{Key: "x", Status: StatusPending}))
}

func TestCheckpointDropsNonTerminalOnLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "checkpoint.json")
	data := `{"entries":{
		"a": {"key":"a","status":"succeeded"},
		"b": {"key":"b","status":"running"}
	}}`
	require.NoError(t, os.WriteFile(path, []byte(data), 0644))

	cp, err := LoadCheckpoint(path)
	require.NoError(t, err)
	assert.Contains(t, cp.Entries, "a")
	// a crashed run can leave "running" behind; such entries revert
	assert.NotContains(t, cp.Entries, "b")
}

func TestCheckpointCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "checkpoint.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0644))
	_, err := LoadCheckpoint(path)
	assert.Error(t, err)
}

func TestCheckpointClear(t *testing.T) {
	path := filepath.Join(t.TempDir(), "checkpoint.json")
	cp, err := LoadCheckpoint(path)
	require.NoError(t, err)
	require.NoError(t, cp.Record(ExecRecord{Key: "a", Status: StatusSkipped, Reason: "blacklisted"}))

	require.NoError(t, cp.Clear())
	assert.Empty(t, cp.Entries)
	_, statErr := os.Stat(path)
	assert.True(t, os.IsNotExist(statErr))

	// clearing twice is fine
	require.NoError(t, cp.Clear())
}
