package porter

import (
	"archive/tar"
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/pgzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeTestDB assembles a pacman-style database: a gzip tar of
// "<name>-<version>/desc" files.
func writeTestDB(t *testing.T, entries map[string]string) string {
	t.Helper()

	var buf bytes.Buffer
	gz := pgzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	for name, content := range entries {
		require.NoError(t, tw.WriteHeader(&tar.Header{
			Name:     name,
			Typeflag: tar.TypeReg,
			Mode:     0644,
			Size:     int64(len(content)),
		}))
		_, err := tw.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())

	path := filepath.Join(t.TempDir(), "core.db")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0644))
	return path
}

const curlDesc = `%NAME%
curl

%BASE%
curl

%VERSION%
8.7.1-1

%ARCH%
x86_64

%DEPENDS%
openssl
zlib>=1.2

%MAKEDEPENDS%
patchelf

%PROVIDES%
libcurl.so=4-64
`

const pythonDocsDesc = `%NAME%
python-docs

%VERSION%
3.12-1

%ARCH%
any
`

const zlibDesc = `%NAME%
zlib

%VERSION%
1.3-2

%ARCH%
x86_64
`

func TestParseDatabase(t *testing.T) {
	path := writeTestDB(t, map[string]string{
		"curl-8.7.1-1/desc":       curlDesc,
		"curl-8.7.1-1/files":      "%FILES%\nusr/bin/curl\n",
		"python-docs-3.12-1/desc": pythonDocsDesc,
		"zlib-1.3-2/desc":         zlibDesc,
	})

	pkgs, err := ParseDatabase(path, "core")
	require.NoError(t, err)
	require.Len(t, pkgs, 2, "ARCH=any entries and non-desc files are ignored")

	byName := make(map[string]Package)
	for _, p := range pkgs {
		byName[p.Name] = p
	}

	curl := byName["curl"]
	assert.Equal(t, "curl", curl.Basename)
	assert.Equal(t, "core", curl.Repo)
	assert.Equal(t, "8.7.1-1", curl.Version)
	assert.Equal(t, []string{"openssl", "zlib>=1.2"}, curl.Depends)
	assert.Equal(t, []string{"patchelf"}, curl.MakeDepends)
	assert.Equal(t, []string{"libcurl.so=4-64"}, curl.Provides)

	// %BASE% falls back to the name when absent
	assert.Equal(t, "zlib", byName["zlib"].Basename)
}

func TestParseDatabaseRejectsNamelessEntry(t *testing.T) {
	path := writeTestDB(t, map[string]string{
		"broken-1-1/desc": "%VERSION%\n1-1\n\n%ARCH%\nx86_64\n",
	})
	_, err := ParseDatabase(path, "core")
	assert.Error(t, err)
}

func TestParseDatabaseNotGzip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bogus.db")
	require.NoError(t, os.WriteFile(path, []byte("plain text"), 0644))
	_, err := ParseDatabase(path, "core")
	assert.Error(t, err)
}
