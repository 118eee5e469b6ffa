package porter

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// BuildRunner is the outward-facing collaborator contract of the scheduler.
// Implementations own environment isolation: each concurrently running build
// gets the worker slot number and must give that slot resources shared with
// no other slot.
type BuildRunner interface {
	RefreshBase(ctx context.Context) error
	Build(ctx context.Context, entry *BuildEntry, worker int) (artifacts []string, err error)
	Upload(ctx context.Context, repo string, artifacts []string) error
	ClearCache(ctx context.Context) error
}

// SchedulerOptions mirror the CLI-level controls of a build run.
type SchedulerOptions struct {
	Jobs          int
	StopOnFailure bool
	Resume        bool
	NoUpload      bool
	ClearCache    bool
}

// runState is the per-run state machine, for status reporting.
type runState int

const (
	statePlanning runState = iota
	stateExecuting
	stateAborting
	stateDone
)

// Scheduler drives a layered execution graph through a bounded worker pool,
// stage by stage, with failure propagation and checkpointed resumability.
type Scheduler struct {
	Runner     BuildRunner
	Opts       SchedulerOptions
	Checkpoint *Checkpoint

	mu      sync.Mutex
	state   runState
	entries []*BuildEntry
	records map[string]*ExecRecord
	results chan workerResult
	workers chan int // free worker slot ids
}

type workerResult struct {
	idx       int
	worker    int
	artifacts []string
	err       error
	uploadErr error
}

// NewScheduler prepares a scheduler for one run over the given graph.
func NewScheduler(runner BuildRunner, cp *Checkpoint, opts SchedulerOptions) *Scheduler {
	if opts.Jobs < 1 {
		opts.Jobs = 1
	}
	return &Scheduler{
		Runner:     runner,
		Opts:       opts,
		Checkpoint: cp,
		records:    make(map[string]*ExecRecord),
		results:    make(chan workerResult, opts.Jobs),
		workers:    make(chan int, opts.Jobs),
	}
}

// Run executes the graph. It returns errInterrupted when cancelled,
// errEnvSetup when the shared environment cannot be prepared, and otherwise
// a Summary regardless of per-entry failures.
func (s *Scheduler) Run(ctx context.Context, eg *execGraph) (*Summary, error) {
	s.mu.Lock()
	s.state = statePlanning
	s.entries = eg.entries
	for _, e := range s.entries {
		s.records[e.Key()] = &ExecRecord{Key: e.Key(), Status: StatusPending}
	}
	s.mu.Unlock()

	if s.Opts.Resume {
		s.adoptCheckpoint()
	} else if s.Checkpoint != nil {
		if err := s.Checkpoint.Clear(); err != nil {
			return nil, fmt.Errorf("clearing stale checkpoint: %w", err)
		}
	}
	s.markBlacklisted()

	if err := s.Runner.RefreshBase(ctx); err != nil {
		if ctx.Err() != nil {
			return s.summary(true), errInterrupted
		}
		return nil, fmt.Errorf("%w: %v", errEnvSetup, err)
	}

	for w := 0; w < s.Opts.Jobs; w++ {
		s.workers <- w
	}

	stages := eg.byStage()
	for n, stage := range stages {
		if ctx.Err() != nil {
			break
		}
		s.mu.Lock()
		s.state = stateExecuting
		s.mu.Unlock()
		debugf("=> Dispatching stage %d (%d entries)\n", n, len(stage))
		s.runStage(ctx, stage)
		if s.aborting() && s.Opts.StopOnFailure {
			break
		}
		if ctx.Err() != nil {
			break
		}
	}

	s.mu.Lock()
	s.state = stateDone
	s.mu.Unlock()

	if ctx.Err() != nil {
		return s.summary(true), errInterrupted
	}
	return s.summary(false), nil
}

// runStage dispatches every pending entry of one stage and waits for all of
// them to become terminal. The caller guarantees (via layering) that every
// dependency of these entries belongs to an earlier stage and is already
// terminal, so entries here are mutually independent.
func (s *Scheduler) runStage(ctx context.Context, stage []int) {
	var pending []int
	s.mu.Lock()
	for _, idx := range stage {
		if s.records[s.entries[idx].Key()].Status == StatusPending {
			pending = append(pending, idx)
		}
	}
	s.mu.Unlock()

	running := 0
	for len(pending) > 0 || running > 0 {
		// Dispatch as long as slots are free and nothing told us to stop.
		for len(pending) > 0 && !s.aborting() && ctx.Err() == nil {
			var worker int
			select {
			case worker = <-s.workers:
			default:
				worker = -1
			}
			if worker == -1 {
				break
			}

			idx := pending[0]
			pending = pending[1:]

			if !s.preflight(idx) {
				s.workers <- worker
				continue
			}
			s.start(ctx, idx, worker)
			running++
		}

		if running == 0 {
			// Cancelled or aborting with nothing in flight: the rest of the
			// stage stays pending (fresh run) or is skipped below.
			break
		}

		res := <-s.results
		s.finish(ctx, res)
		s.workers <- res.worker
		running--

		if res.err != nil && s.Opts.StopOnFailure {
			s.mu.Lock()
			s.state = stateAborting
			s.mu.Unlock()
		}
	}

	// Whatever could not be dispatched in an aborted stage is left pending;
	// a resumed run picks it up.
}

// preflight re-checks an entry immediately before dispatch. It skips the
// entry when a transitive dependency failed or was skipped, and gates cycle
// stage-B entries on every sibling stage-A entry having succeeded. Returns
// true when the entry may be handed to a worker.
func (s *Scheduler) preflight(idx int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.entries[idx]
	rec := s.records[e.Key()]
	if rec.Status != StatusPending {
		return false
	}

	if root, blocked := s.findBlocker(idx); blocked {
		s.terminalLocked(rec, StatusSkipped,
			fmt.Sprintf("dependency %s did not build", root), root)
		return false
	}

	if e.CycleStage == "B" && !s.stageAComplete(e.CycleGroup) {
		// Defensive: the dependency walk above should already have caught
		// the failed sibling, but resume paths re-derive this independently.
		s.terminalLocked(rec, StatusSkipped,
			fmt.Sprintf("cycle group %d did not finish its first pass", e.CycleGroup), e.Name)
		return false
	}
	return true
}

// findBlocker walks the transitive dependencies of an entry and returns the
// root-cause ancestor if any of them failed or was skipped. Caller holds mu.
func (s *Scheduler) findBlocker(idx int) (string, bool) {
	seen := make(map[int]bool)
	stack := append([]int(nil), s.entries[idx].deps...)
	for len(stack) > 0 {
		d := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if seen[d] {
			continue
		}
		seen[d] = true

		dep := s.entries[d]
		rec := s.records[dep.Key()]
		switch rec.Status {
		case StatusFailed:
			return dep.Name, true
		case StatusSkipped:
			if rec.Root != "" {
				return rec.Root, true
			}
			return dep.Name, true
		}
		stack = append(stack, dep.deps...)
	}
	return "", false
}

// stageAComplete re-derives whether every stage-A entry of a cycle group
// has succeeded. Caller holds mu.
func (s *Scheduler) stageAComplete(group int) bool {
	for _, e := range s.entries {
		if e.CycleGroup == group && e.CycleStage == "A" {
			if s.records[e.Key()].Status != StatusSucceeded {
				return false
			}
		}
	}
	return true
}

// start hands an entry to a worker goroutine.
func (s *Scheduler) start(ctx context.Context, idx, worker int) {
	e := s.entries[idx]

	s.mu.Lock()
	rec := s.records[e.Key()]
	rec.Status = StatusRunning
	rec.Started = time.Now()
	s.mu.Unlock()

	colArrow.Print("-> ")
	colSuccess.Printf("Building ")
	colNote.Printf("%s", e.Key())
	colSuccess.Printf(" (stage %d)\n", e.Stage)

	go func() {
		artifacts, err := s.Runner.Build(ctx, e, worker)
		res := workerResult{idx: idx, worker: worker, artifacts: artifacts, err: err}

		if err == nil && !s.Opts.NoUpload {
			if uerr := s.Runner.Upload(ctx, e.Pkg.Repo, artifacts); uerr != nil {
				res.uploadErr = uerr
			} else if s.Opts.ClearCache {
				// Clearing must follow the upload so a later build resolves
				// the fresh artifact instead of a stale cached one.
				if cerr := s.Runner.ClearCache(ctx); cerr != nil {
					cPrintf(colWarn, "Warning: cache clear after %s failed: %v\n", e.Key(), cerr)
				}
			}
		}
		s.results <- res
	}()
}

// finish records a worker result as a terminal status.
func (s *Scheduler) finish(ctx context.Context, res workerResult) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.entries[res.idx]
	rec := s.records[e.Key()]
	rec.Artifacts = res.artifacts

	if res.err != nil {
		if ctx.Err() != nil {
			// Aborted mid-flight by cancellation, not a real build failure:
			// the entry reverts so a resumed run retries it.
			rec.Status = StatusPending
			rec.Started = time.Time{}
			return
		}
		s.terminalLocked(rec, StatusFailed, "", "")
		rec.Error = res.err.Error()
		if err := s.Checkpoint.Record(*rec); err != nil {
			cPrintf(colWarn, "Warning: checkpoint write failed: %v\n", err)
		}
		colArrow.Print("-> ")
		colError.Printf("Build failed: %s: %v\n", e.Key(), res.err)
		return
	}

	s.terminalLocked(rec, StatusSucceeded, "", "")
	if res.uploadErr != nil {
		// The build itself is good; only publishing needs a retry.
		rec.UploadFailed = true
		rec.UploadError = res.uploadErr.Error()
		if err := s.Checkpoint.Record(*rec); err != nil {
			cPrintf(colWarn, "Warning: checkpoint write failed: %v\n", err)
		}
		colArrow.Print("-> ")
		cPrintf(colWarn, "Built %s but upload failed: %v\n", e.Key(), res.uploadErr)
		return
	}
	if err := s.Checkpoint.Record(*rec); err != nil {
		cPrintf(colWarn, "Warning: checkpoint write failed: %v\n", err)
	}
	colArrow.Print("-> ")
	colSuccess.Printf("Finished ")
	colNote.Printf("%s\n", e.Key())
}

// terminalLocked moves a record to a terminal status. Statuses never move
// backward. Caller holds mu; checkpoint persistence is the caller's duty
// except for skips, which are persisted here.
func (s *Scheduler) terminalLocked(rec *ExecRecord, st Status, reason, root string) {
	if rec.Status.Terminal() {
		return
	}
	rec.Status = st
	rec.Finished = time.Now()
	if reason != "" {
		rec.Reason = reason
	}
	if root != "" {
		rec.Root = root
	}
	if st == StatusSkipped {
		if err := s.Checkpoint.Record(*rec); err != nil {
			cPrintf(colWarn, "Warning: checkpoint write failed: %v\n", err)
		}
		colArrow.Print("-> ")
		cPrintf(colWarn, "Skipping %s: %s\n", rec.Key, rec.Reason)
	}
}

// adoptCheckpoint reloads terminal statuses verbatim from a previous run.
// Which cycle groups completed stage-A is never taken from the file; it is
// re-derived from the adopted per-entry statuses at dispatch time.
func (s *Scheduler) adoptCheckpoint() {
	s.mu.Lock()
	defer s.mu.Unlock()
	adopted := 0
	for key, rec := range s.records {
		if saved, ok := s.Checkpoint.Entries[key]; ok && saved.Status.Terminal() {
			*rec = saved
			adopted++
		}
	}
	if adopted > 0 {
		colArrow.Print("-> ")
		colSuccess.Printf("Resuming: %d entries already terminal\n", adopted)
	}
}

// markBlacklisted terminates pre-marked skip entries before dispatch ever
// sees them. They still appear in the summary.
func (s *Scheduler) markBlacklisted() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.entries {
		if e.Pkg.Skip {
			s.terminalLocked(s.records[e.Key()], StatusSkipped, "blacklisted", e.Name)
		}
	}
}

func (s *Scheduler) aborting() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == stateAborting
}

// summary snapshots the records into a final run summary.
func (s *Scheduler) summary(interrupted bool) *Summary {
	s.mu.Lock()
	defer s.mu.Unlock()
	sum := &Summary{Interrupted: interrupted, Records: make(map[string]ExecRecord, len(s.records))}
	for key, rec := range s.records {
		r := *rec
		if interrupted && !r.Status.Terminal() {
			r.Status = StatusPending
		}
		sum.Records[key] = r
	}
	return sum
}
