package porter

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/ulikunitz/xz"
	"golang.org/x/sys/unix"
)

// minFreeSpace is the free disk space required under the chroot parent
// before a build is attempted. Chromium-class packages blow well past 20G.
const minFreeSpace = 10 << 30

// ChrootRunner builds packages with makechrootpkg inside per-worker copies
// of a shared base chroot. Base-environment maintenance (refresh, cache
// clearing) is serialized against the copy step of every worker.
type ChrootRunner struct {
	Cfg      *Config
	Exec     *Executor // root-capable executor
	Uploader *Uploader

	envMu sync.RWMutex
}

func NewChrootRunner(cfg *Config, exec *Executor, up *Uploader) *ChrootRunner {
	return &ChrootRunner{Cfg: cfg, Exec: exec, Uploader: up}
}

func (r *ChrootRunner) baseRoot() string {
	return filepath.Join(ChrootDir, "root")
}

func (r *ChrootRunner) copyName(worker int) string {
	return fmt.Sprintf("porter-w%d", worker)
}

// RefreshBase creates the base chroot on first use and brings an existing
// one fully up to date. Runs exclusively: no worker may be copying while the
// base mutates.
func (r *ChrootRunner) RefreshBase(ctx context.Context) error {
	r.envMu.Lock()
	defer r.envMu.Unlock()

	isCriticalAtomic.Store(1)
	defer isCriticalAtomic.Store(0)

	if _, err := os.Stat(filepath.Join(r.baseRoot(), "etc")); err != nil {
		colArrow.Print("-> ")
		colSuccess.Printf("Creating base chroot in %s\n", ChrootDir)
		if err := r.Exec.Run(exec.Command("mkdir", "-p", ChrootDir)); err != nil {
			return err
		}
		if err := r.Exec.Run(exec.Command("mkarchroot", r.baseRoot(), "base-devel")); err != nil {
			return fmt.Errorf("mkarchroot failed: %w", err)
		}
		return nil
	}

	colArrow.Print("-> ")
	colSuccess.Println("Refreshing base chroot")
	if err := r.Exec.Run(exec.Command("arch-nspawn", r.baseRoot(), "pacman", "-Syu", "--noconfirm")); err != nil {
		return fmt.Errorf("base chroot update failed: %w", err)
	}
	return nil
}

// Build runs makechrootpkg for one entry inside the worker's private chroot
// copy. The copy is synced from the base root before the build and torn down
// afterwards, also on the cancellation path.
func (r *ChrootRunner) Build(ctx context.Context, entry *BuildEntry, worker int) ([]string, error) {
	if err := checkFreeSpace(ChrootDir); err != nil {
		return nil, err
	}

	pkgdir := filepath.Join(PkgbuildsDir, entry.Pkg.Repo, entry.Pkg.Basename)
	if _, err := os.Stat(filepath.Join(pkgdir, "PKGBUILD")); err != nil {
		return nil, fmt.Errorf("no PKGBUILD for %s in %s: %w", entry.Pkg.Basename, pkgdir, err)
	}

	copyDir := filepath.Join(ChrootDir, r.copyName(worker))
	if err := r.syncCopy(copyDir); err != nil {
		return nil, err
	}
	var buildErr error
	defer func() {
		if keepBuildEnv(r.Cfg.KeepEnvOnError, buildErr) {
			return
		}
		r.teardownCopy(copyDir)
	}()

	if err := os.MkdirAll(LogDir, 0755); err != nil {
		return nil, err
	}
	logPath := filepath.Join(LogDir, fmt.Sprintf("%s-%s.log",
		entry.Pkg.Basename, time.Now().Format("20060102-150405")))
	logFile, err := os.Create(logPath)
	if err != nil {
		return nil, err
	}

	args := []string{"-r", ChrootDir, "-l", r.copyName(worker)}
	if entry.CycleStage == "A" && r.Cfg.SkipTestsStageA {
		// First pass of a cycle bootstraps against incomplete siblings; its
		// test suite cannot pass yet.
		args = append(args, "--", "--nocheck")
	}
	cmd := exec.Command("makechrootpkg", args...)
	cmd.Dir = pkgdir
	cmd.Env = append(os.Environ(),
		"SOURCE_DATE_EPOCH="+fmt.Sprint(time.Now().Unix()),
		"PKGDEST="+pkgdir,
	)
	cmd.Stdout = logFile
	cmd.Stderr = logFile

	buildErr = r.Exec.Run(cmd)
	logFile.Close()

	if err := compressLog(logPath); err != nil {
		debugf("log compression failed for %s: %v\n", logPath, err)
	}
	pruneLogs(entry.Pkg.Basename, r.Cfg.LogRetention)

	if buildErr != nil {
		return nil, fmt.Errorf("makechrootpkg: %w", buildErr)
	}

	artifacts, err := filepath.Glob(filepath.Join(pkgdir, "*.pkg.tar.zst"))
	if err != nil || len(artifacts) == 0 {
		return nil, fmt.Errorf("build of %s produced no packages", entry.Pkg.Basename)
	}
	sort.Strings(artifacts)
	return artifacts, nil
}

// keepBuildEnv decides whether a worker copy survives a build. Successful
// builds always tear down; failures keep the copy only when configured for
// post-mortem inspection.
func keepBuildEnv(keepOnError bool, buildErr error) bool {
	return keepOnError && buildErr != nil
}

// syncCopy mirrors the base root into a worker copy. Takes the shared side
// of the environment lock so maintenance never interleaves with a copy.
func (r *ChrootRunner) syncCopy(copyDir string) error {
	r.envMu.RLock()
	defer r.envMu.RUnlock()

	if err := r.Exec.Run(exec.Command("mkdir", "-p", copyDir)); err != nil {
		return err
	}
	err := r.Exec.Run(exec.Command("rsync", "-a", "--delete", "-q", "-W", "-x",
		r.baseRoot()+"/", copyDir+"/"))
	if err != nil {
		return fmt.Errorf("chroot copy sync failed: %w", err)
	}
	return nil
}

// teardownCopy deletes a worker copy without crossing filesystem boundaries.
func (r *ChrootRunner) teardownCopy(copyDir string) {
	if copyDir == "" || copyDir == "/" {
		return
	}
	if err := r.Exec.Run(exec.Command("rm", "-rf", "--one-file-system", copyDir)); err != nil {
		cPrintf(colWarn, "Warning: failed to remove chroot copy %s: %v\n", copyDir, err)
	}
}

// Upload publishes artifacts through the repository uploader.
func (r *ChrootRunner) Upload(ctx context.Context, repo string, artifacts []string) error {
	if r.Uploader == nil {
		return fmt.Errorf("no uploader configured")
	}
	return r.Uploader.UploadArtifacts(ctx, repo, artifacts)
}

// ClearCache empties the base chroot's pacman package cache so the next
// build resolves freshly uploaded artifacts. Exclusive with worker copies.
func (r *ChrootRunner) ClearCache(ctx context.Context) error {
	r.envMu.Lock()
	defer r.envMu.Unlock()

	isCriticalAtomic.Store(1)
	defer isCriticalAtomic.Store(0)

	cacheDir := filepath.Join(r.baseRoot(), "var/cache/pacman/pkg")
	return r.Exec.Run(exec.Command("sh", "-c",
		fmt.Sprintf("rm -f %s/*.pkg.tar.*", cacheDir)))
}

// checkFreeSpace fails early when the filesystem holding the chroots is too
// full for another build.
func checkFreeSpace(dir string) error {
	var st unix.Statfs_t
	if err := unix.Statfs(dir, &st); err != nil {
		// Not fatal: odd filesystems report nothing useful here.
		debugf("statfs %s: %v\n", dir, err)
		return nil
	}
	free := int64(st.Bavail) * st.Bsize
	if free < minFreeSpace {
		return fmt.Errorf("%w: only %s free under %s", errEnvSetup, humanReadableSize(free), dir)
	}
	return nil
}

// compressLog replaces a plain build log with an xz-compressed one.
func compressLog(path string) error {
	in, err := os.Open(path)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(path + ".xz")
	if err != nil {
		return err
	}
	xw, err := xz.NewWriter(out)
	if err != nil {
		out.Close()
		return err
	}
	if _, err := io.Copy(xw, in); err != nil {
		xw.Close()
		out.Close()
		return err
	}
	if err := xw.Close(); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Remove(path)
}

// pruneLogs keeps only the newest n compressed logs per pkgbase.
func pruneLogs(basename string, keep int) {
	if keep <= 0 {
		return
	}
	matches, err := filepath.Glob(filepath.Join(LogDir, basename+"-*.log.xz"))
	if err != nil || len(matches) <= keep {
		return
	}
	sort.Strings(matches) // timestamped names sort chronologically
	for _, old := range matches[:len(matches)-keep] {
		os.Remove(old)
	}
}

// DryRunRunner is the no-op recorder used by --dry-run: every collaborator
// call succeeds instantly and is remembered, so the full scheduling path is
// exercised with no side effects.
type DryRunRunner struct {
	mu        sync.Mutex
	Refreshed int
	Built     []string
	Uploaded  []string
	Cleared   int
}

func (d *DryRunRunner) RefreshBase(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Refreshed++
	return nil
}

func (d *DryRunRunner) Build(ctx context.Context, entry *BuildEntry, worker int) ([]string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Built = append(d.Built, entry.Key())
	name := fmt.Sprintf("%s-%s-%s.pkg.tar.zst", entry.Pkg.Name, entry.Pkg.Version, TargetArch)
	return []string{name}, nil
}

func (d *DryRunRunner) Upload(ctx context.Context, repo string, artifacts []string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, a := range artifacts {
		d.Uploaded = append(d.Uploaded, repo+"/"+filepath.Base(a))
	}
	return nil
}

func (d *DryRunRunner) ClearCache(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Cleared++
	return nil
}

var _ BuildRunner = (*ChrootRunner)(nil)
var _ BuildRunner = (*DryRunRunner)(nil)
