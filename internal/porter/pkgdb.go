package porter

import (
	"archive/tar"
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/klauspost/pgzip"
	"github.com/schollz/progressbar/v3"
)

// A pacman repository database is a gzip-compressed tar whose entries are
// "<name>-<version>/desc" files of %FIELD% blocks.

// SyncDatabase downloads <mirror>/<repo>/os/<arch>/<repo>.db into CacheDir
// and returns the local path. Pass noUpdate to reuse an existing copy.
func SyncDatabase(ctx context.Context, mirror, repo, arch string, noUpdate bool) (string, error) {
	dbDir := filepath.Join(CacheDir, "db", arch)
	dest := filepath.Join(dbDir, repo+".db")

	if noUpdate {
		if _, err := os.Stat(dest); err == nil {
			debugf("=> Reusing cached database %s\n", dest)
			return dest, nil
		}
	}
	if err := os.MkdirAll(dbDir, 0755); err != nil {
		return "", err
	}

	url := fmt.Sprintf("%s/%s/os/%s/%s.db", strings.TrimRight(mirror, "/"), repo, arch, repo)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}

	client := &http.Client{Timeout: 5 * time.Minute}
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("database download failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("database download failed: %s returned %s", url, resp.Status)
	}

	tmp, err := os.CreateTemp(dbDir, repo+".db.*")
	if err != nil {
		return "", err
	}
	defer os.Remove(tmp.Name())

	bar := progressbar.DefaultBytes(resp.ContentLength,
		fmt.Sprintf("%s/%s.db", arch, repo))
	if _, err := io.Copy(io.MultiWriter(tmp, bar), resp.Body); err != nil {
		tmp.Close()
		return "", fmt.Errorf("database download failed: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", err
	}
	return dest, os.Rename(tmp.Name(), dest)
}

// ParseDatabase reads every desc entry of a repository database. Entries
// with ARCH=any are skipped: architecture-independent packages never need a
// native rebuild.
func ParseDatabase(path, repo string) ([]Package, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	gz, err := pgzip.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("not a valid database file %s: %w", path, err)
	}
	defer gz.Close()

	var pkgs []Package
	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("corrupt database %s: %w", path, err)
		}
		if hdr.Typeflag != tar.TypeReg || filepath.Base(hdr.Name) != "desc" {
			continue
		}
		pkg, arch, err := parseDesc(tr)
		if err != nil {
			return nil, fmt.Errorf("bad desc entry %s in %s: %w", hdr.Name, path, err)
		}
		if arch == "any" {
			continue
		}
		pkg.Repo = repo
		pkgs = append(pkgs, pkg)
	}
	return pkgs, nil
}

// parseDesc parses one %FIELD%-block desc file.
func parseDesc(r io.Reader) (Package, string, error) {
	var (
		pkg     Package
		arch    string
		current string
	)
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if strings.HasPrefix(line, "%") && strings.HasSuffix(line, "%") {
			current = line
			continue
		}
		if line == "" {
			current = ""
			continue
		}
		switch current {
		case "%NAME%":
			pkg.Name = line
		case "%BASE%":
			pkg.Basename = line
		case "%VERSION%":
			pkg.Version = line
		case "%ARCH%":
			arch = line
		case "%DEPENDS%":
			pkg.Depends = append(pkg.Depends, line)
		case "%MAKEDEPENDS%":
			pkg.MakeDepends = append(pkg.MakeDepends, line)
		case "%CHECKDEPENDS%":
			pkg.CheckDepends = append(pkg.CheckDepends, line)
		case "%PROVIDES%":
			pkg.Provides = append(pkg.Provides, line)
		}
	}
	if err := scanner.Err(); err != nil {
		return pkg, arch, err
	}
	if pkg.Name == "" {
		return pkg, arch, fmt.Errorf("desc entry without %%NAME%%")
	}
	if pkg.Basename == "" {
		pkg.Basename = pkg.Name
	}
	return pkg, arch, nil
}
