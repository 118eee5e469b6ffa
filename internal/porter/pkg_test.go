package porter

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildListRoundTripAndOrdering(t *testing.T) {
	path := filepath.Join(t.TempDir(), "packages_to_build.json")

	zlib := pkg("zlib")
	curl := pkg("curl", "zlib")
	curl.BuildStage = 1
	gccA := pkg("gcc")
	gccA.CycleGroup = 1
	gccA.CycleStage = "A"
	gccB := pkg("gcc")
	gccB.BuildStage = 2
	gccB.CycleGroup = 1
	gccB.CycleStage = "B"

	require.NoError(t, WriteBuildList(path, "porter plan gcc curl", []Package{gccB, curl, gccA, zlib}))

	list, err := ReadBuildList(path)
	require.NoError(t, err)
	assert.Equal(t, "porter plan gcc curl", list.Command)
	assert.NotEmpty(t, list.Timestamp)

	var got []string
	for _, p := range list.Packages {
		got = append(got, p.Name+p.CycleStage)
	}
	// stage first, then cycle stage, then name
	assert.Equal(t, []string{"zlib", "gccA", "curl", "gccB"}, got)
}

func TestReadBuildListMalformed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.json")
	require.NoError(t, os.WriteFile(path, []byte("[]"), 0644))
	_, err := ReadBuildList(path)
	assert.Error(t, err)

	require.NoError(t, os.WriteFile(path, []byte("{"), 0644))
	_, err = ReadBuildList(path)
	assert.Error(t, err)
}

func TestBlacklistWildcards(t *testing.T) {
	file := filepath.Join(t.TempDir(), "blacklist")
	content := `# never build these
linux-*

electron*
	`
	require.NoError(t, os.WriteFile(file, []byte(content), 0644))

	bl, err := LoadBlacklist(file)
	require.NoError(t, err)
	assert.Equal(t, 2, bl.Len())

	assert.True(t, bl.Matches("linux-lts", "linux-lts"))
	assert.True(t, bl.Matches("electron28", "electron28"))
	assert.False(t, bl.Matches("linux", "linux"))
	assert.False(t, bl.Matches("util-linux", "util-linux"))
	// basename matches count too
	assert.True(t, bl.Matches("chromium", "electron28"))
}

func TestBlacklistMissingFile(t *testing.T) {
	bl, err := LoadBlacklist(filepath.Join(t.TempDir(), "nope"))
	require.NoError(t, err)
	assert.Zero(t, bl.Len())
	assert.False(t, bl.Matches("anything", "anything"))
}
