package porter

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRunner records scheduler calls and fails on demand. Build artifacts are
// just the entry key, which keeps upload bookkeeping trivial.
type fakeRunner struct {
	mu         sync.Mutex
	refreshes  int
	builds     []string
	uploads    []string
	clears     int
	buildErr   map[string]error
	uploadErr  map[string]error
	refreshErr error
	onBuild    func(key string)
}

func (f *fakeRunner) RefreshBase(ctx context.Context) error {
	f.mu.Lock()
	f.refreshes++
	f.mu.Unlock()
	if f.refreshErr != nil {
		return f.refreshErr
	}
	return ctx.Err()
}

func (f *fakeRunner) Build(ctx context.Context, e *BuildEntry, worker int) ([]string, error) {
	f.mu.Lock()
	f.builds = append(f.builds, e.Key())
	err := f.buildErr[e.Key()]
	hook := f.onBuild
	f.mu.Unlock()
	if hook != nil {
		hook(e.Key())
	}
	if err != nil {
		return nil, err
	}
	return []string{e.Key()}, nil
}

func (f *fakeRunner) Upload(ctx context.Context, repo string, artifacts []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, a := range artifacts {
		if err := f.uploadErr[a]; err != nil {
			return err
		}
	}
	f.uploads = append(f.uploads, artifacts...)
	return nil
}

func (f *fakeRunner) ClearCache(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.clears++
	return nil
}

func (f *fakeRunner) built(key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, b := range f.builds {
		if b == key {
			return true
		}
	}
	return false
}

func (f *fakeRunner) builtBefore(t *testing.T, first, second string) {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	i, j := -1, -1
	for n, b := range f.builds {
		if b == first && i == -1 {
			i = n
		}
		if b == second && j == -1 {
			j = n
		}
	}
	require.GreaterOrEqual(t, i, 0, "%s never built", first)
	require.GreaterOrEqual(t, j, 0, "%s never built", second)
	assert.Less(t, i, j, "%s must build before %s", first, second)
}

func testCheckpoint(t *testing.T) *Checkpoint {
	t.Helper()
	cp, err := LoadCheckpoint(filepath.Join(t.TempDir(), "checkpoint.json"))
	require.NoError(t, err)
	return cp
}

func runScheduler(t *testing.T, runner *fakeRunner, cp *Checkpoint, opts SchedulerOptions, pkgs []Package) *Summary {
	t.Helper()
	eg, _ := mustPlan(t, pkgs)
	sum, err := NewScheduler(runner, cp, opts).Run(context.Background(), eg)
	require.NoError(t, err)
	return sum
}

func TestSchedulerBuildsInDependencyOrder(t *testing.T) {
	runner := &fakeRunner{}
	sum := runScheduler(t, runner, testCheckpoint(t), SchedulerOptions{Jobs: 1}, []Package{
		pkg("c", "b"),
		pkg("b", "a"),
		pkg("a"),
	})

	assert.False(t, sum.Failed())
	for _, key := range []string{"a", "b", "c"} {
		assert.Equal(t, StatusSucceeded, sum.Records[key].Status)
	}
	runner.builtBefore(t, "a", "b")
	runner.builtBefore(t, "b", "c")
	assert.Equal(t, 1, runner.refreshes)
	assert.Len(t, runner.uploads, 3)
}

func TestSchedulerFailurePropagation(t *testing.T) {
	runner := &fakeRunner{buildErr: map[string]error{"a": errors.New("configure: no")}}
	sum := runScheduler(t, runner, testCheckpoint(t), SchedulerOptions{Jobs: 1}, []Package{
		pkg("a"),
		pkg("b", "a"),
		pkg("c", "b"),
		pkg("d"),
	})

	assert.True(t, sum.Failed())
	assert.Equal(t, StatusFailed, sum.Records["a"].Status)
	assert.Contains(t, sum.Records["a"].Error, "configure: no")

	// both dependents skip, each naming the root cause, not the parent
	for _, key := range []string{"b", "c"} {
		rec := sum.Records[key]
		assert.Equal(t, StatusSkipped, rec.Status, key)
		assert.Equal(t, "a", rec.Root, key)
		assert.False(t, runner.built(key), "%s must never reach a worker", key)
	}
	assert.Equal(t, StatusSucceeded, sum.Records["d"].Status)
}

func TestSchedulerCycleFirstPassFailureSkipsRelink(t *testing.T) {
	runner := &fakeRunner{buildErr: map[string]error{"a/A": errors.New("boom")}}
	sum := runScheduler(t, runner, testCheckpoint(t), SchedulerOptions{Jobs: 1}, []Package{
		pkg("a", "b"),
		pkg("b", "a"),
		pkg("c", "b"),
	})

	assert.Equal(t, StatusFailed, sum.Records["a/A"].Status)
	assert.Equal(t, StatusSucceeded, sum.Records["b/A"].Status)
	for _, key := range []string{"a/B", "b/B", "c"} {
		assert.Equal(t, StatusSkipped, sum.Records[key].Status, key)
		assert.False(t, runner.built(key), key)
	}
}

func TestSchedulerCycleRelinkAfterFirstPass(t *testing.T) {
	runner := &fakeRunner{}
	sum := runScheduler(t, runner, testCheckpoint(t), SchedulerOptions{Jobs: 2}, []Package{
		pkg("a", "b"),
		pkg("b", "a"),
		pkg("c", "b"),
	})

	assert.False(t, sum.Failed())
	runner.builtBefore(t, "a/A", "a/B")
	runner.builtBefore(t, "b/A", "a/B")
	runner.builtBefore(t, "a/A", "b/B")
	runner.builtBefore(t, "b/A", "b/B")
	runner.builtBefore(t, "b/B", "c")
}

func TestSchedulerStopOnFailure(t *testing.T) {
	runner := &fakeRunner{buildErr: map[string]error{"a": errors.New("boom")}}
	sum := runScheduler(t, runner, testCheckpoint(t),
		SchedulerOptions{Jobs: 1, StopOnFailure: true}, []Package{
			pkg("a"),
			pkg("b"),
		})

	assert.Equal(t, StatusFailed, sum.Records["a"].Status)
	// the independent sibling was never dispatched and stays resumable
	assert.Equal(t, StatusPending, sum.Records["b"].Status)
	assert.False(t, runner.built("b"))
}

func TestSchedulerResumeSkipsTerminalEntries(t *testing.T) {
	path := filepath.Join(t.TempDir(), "checkpoint.json")
	prev, err := LoadCheckpoint(path)
	require.NoError(t, err)
	require.NoError(t, prev.Record(ExecRecord{Key: "a", Status: StatusSucceeded}))
	require.NoError(t, prev.Record(ExecRecord{Key: "b", Status: StatusFailed, Error: "boom"}))

	cp, err := LoadCheckpoint(path)
	require.NoError(t, err)

	runner := &fakeRunner{}
	sum := runScheduler(t, runner, cp, SchedulerOptions{Jobs: 1, Resume: true}, []Package{
		pkg("a"),
		pkg("b"),
		pkg("c", "a"),
		pkg("d", "b"),
	})

	assert.False(t, runner.built("a"), "succeeded entries must not rebuild")
	assert.False(t, runner.built("b"), "failed entries must not rebuild")
	assert.Equal(t, StatusSucceeded, sum.Records["c"].Status)
	assert.Equal(t, StatusSkipped, sum.Records["d"].Status)
	assert.Equal(t, "b", sum.Records["d"].Root)
}

func TestSchedulerResumeRederivesCycleFirstPass(t *testing.T) {
	path := filepath.Join(t.TempDir(), "checkpoint.json")
	prev, err := LoadCheckpoint(path)
	require.NoError(t, err)
	require.NoError(t, prev.Record(ExecRecord{Key: "a/A", Status: StatusSucceeded}))
	require.NoError(t, prev.Record(ExecRecord{Key: "b/A", Status: StatusSucceeded}))

	cp, err := LoadCheckpoint(path)
	require.NoError(t, err)

	runner := &fakeRunner{}
	sum := runScheduler(t, runner, cp, SchedulerOptions{Jobs: 1, Resume: true}, []Package{
		pkg("a", "b"),
		pkg("b", "a"),
	})

	assert.False(t, sum.Failed())
	assert.False(t, runner.built("a/A"))
	assert.False(t, runner.built("b/A"))
	assert.True(t, runner.built("a/B"))
	assert.True(t, runner.built("b/B"))
}

func TestSchedulerBlacklistedEntrySkips(t *testing.T) {
	skipped := pkg("bad")
	skipped.Skip = true
	runner := &fakeRunner{}
	sum := runScheduler(t, runner, testCheckpoint(t), SchedulerOptions{Jobs: 1}, []Package{
		skipped,
		pkg("dependent", "bad"),
		pkg("clean"),
	})

	assert.Equal(t, StatusSkipped, sum.Records["bad"].Status)
	assert.Equal(t, "blacklisted", sum.Records["bad"].Reason)
	assert.Equal(t, StatusSkipped, sum.Records["dependent"].Status)
	assert.Equal(t, "bad", sum.Records["dependent"].Root)
	assert.False(t, runner.built("bad"))
	assert.Equal(t, StatusSucceeded, sum.Records["clean"].Status)
}

func TestSchedulerUploadFailureKeepsBuildSuccess(t *testing.T) {
	runner := &fakeRunner{uploadErr: map[string]error{"a": errors.New("bucket gone")}}
	sum := runScheduler(t, runner, testCheckpoint(t), SchedulerOptions{Jobs: 1}, []Package{
		pkg("a"),
		pkg("b", "a"),
	})

	rec := sum.Records["a"]
	assert.Equal(t, StatusSucceeded, rec.Status)
	assert.True(t, rec.UploadFailed)
	assert.Contains(t, rec.UploadError, "bucket gone")
	assert.Equal(t, []string{"a"}, sum.UploadFailures())

	// a publishing failure never blocks dependents
	assert.Equal(t, StatusSucceeded, sum.Records["b"].Status)
	assert.False(t, sum.Failed())
}

func TestSchedulerNoUpload(t *testing.T) {
	runner := &fakeRunner{}
	sum := runScheduler(t, runner, testCheckpoint(t),
		SchedulerOptions{Jobs: 1, NoUpload: true, ClearCache: true}, []Package{pkg("a")})

	assert.Equal(t, StatusSucceeded, sum.Records["a"].Status)
	assert.Empty(t, runner.uploads)
	assert.Zero(t, runner.clears)
}

func TestSchedulerClearCacheAfterUpload(t *testing.T) {
	runner := &fakeRunner{}
	runScheduler(t, runner, testCheckpoint(t),
		SchedulerOptions{Jobs: 1, ClearCache: true}, []Package{pkg("a"), pkg("b")})

	assert.Equal(t, 2, runner.clears)
}

func TestSchedulerParallelWorkers(t *testing.T) {
	// both stage-0 builds wait for each other to start, so the run only
	// completes if the pool really dispatches them concurrently
	var gate sync.WaitGroup
	gate.Add(2)
	runner := &fakeRunner{}
	runner.onBuild = func(key string) {
		if key == "c" {
			return
		}
		gate.Done()
		gate.Wait()
	}

	sum := runScheduler(t, runner, testCheckpoint(t), SchedulerOptions{Jobs: 2}, []Package{
		pkg("a"),
		pkg("b"),
		pkg("c", "a", "b"),
	})

	assert.False(t, sum.Failed())
	runner.builtBefore(t, "a", "c")
	runner.builtBefore(t, "b", "c")
}

func TestSchedulerCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	eg, _ := mustPlan(t, []Package{pkg("a")})
	runner := &fakeRunner{}
	sum, err := NewScheduler(runner, testCheckpoint(t), SchedulerOptions{Jobs: 1}).Run(ctx, eg)

	require.ErrorIs(t, err, errInterrupted)
	assert.True(t, sum.Interrupted)
	assert.Equal(t, StatusPending, sum.Records["a"].Status)
	assert.False(t, runner.built("a"))
}

func TestSchedulerRefreshFailureIsFatal(t *testing.T) {
	runner := &fakeRunner{refreshErr: errors.New("pacman -Syu exploded")}
	eg, _ := mustPlan(t, []Package{pkg("a")})
	_, err := NewScheduler(runner, testCheckpoint(t), SchedulerOptions{Jobs: 1}).Run(context.Background(), eg)

	require.ErrorIs(t, err, errEnvSetup)
	assert.False(t, runner.built("a"))
}
