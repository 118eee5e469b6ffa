package porter

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/gookit/color"
	"github.com/ulikunitz/xz"
	"golang.org/x/term"
)

// printHelp prints the commands table
func printHelp() {
	colSuccess.Println("Usage: porter <command> [arguments]")
	colSuccess.Println("Run 'porter <command> -h' for command options")
	fmt.Println()
	colInfo.Println("Available Commands:")

	type cmdInfo struct {
		Cmd  string
		Args string
		Desc string
	}
	cmds := []cmdInfo{
		{"plan", "[options] [pkg...]", "Compare repos and write a staged build list"},
		{"build", "[options]", "Execute a build list in dependency order"},
		{"upload-retry", "[options]", "Re-attempt uploads for built packages"},
		{"log", "[pkgbase]", "TUI build log viewer, or dump one log"},
		{"version, --version", "", "Version information"},
	}

	// widest usage string decides the first column width
	maxLen := 0
	for _, c := range cmds {
		length := len(c.Cmd) + len(c.Args)
		if c.Args != "" {
			length++
		}
		if length > maxLen {
			maxLen = length
		}
	}
	columnWidth := maxLen + 4

	for _, c := range cmds {
		var usageString string
		if c.Args != "" {
			usageString = fmt.Sprintf("  %s %s", c.Cmd, c.Args)
		} else {
			usageString = fmt.Sprintf("  %s", c.Cmd)
		}

		fmt.Print("  ")
		color.Bold.Print(c.Cmd)
		if c.Args != "" {
			fmt.Print(" ")
			color.Cyan.Print(c.Args)
		}

		pad := columnWidth - len(usageString)
		if pad < 1 {
			pad = 1
		}
		fmt.Print(strings.Repeat(" ", pad))
		colInfo.Println(c.Desc)
	}
	fmt.Println()
}

// Main is the CLI entrypoint for cmd/porter.
func Main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)

	go func() {
		for {
			select {
			case sig := <-sigs:
				if isCriticalAtomic.Load() == 1 {
					// CRITICAL PHASE: block the 1st signal, force exit on a 2nd
					colArrow.Print("\n-> ")
					colError.Printf("Environment maintenance in progress. Press Ctrl+C AGAIN to force exit NOW.\n")

					select {
					case <-sigs:
						colArrow.Print("\n-> ")
						colError.Printf("Forced immediate exit.")
						os.Exit(130)
					case <-time.After(5 * time.Second):
						continue
					case <-ctx.Done():
						return
					}
				} else {
					// Graceful cancellation: stop dispatch, let workers clean up
					colArrow.Print("\n-> ")
					color.Danger.Printf("Received %v. Finishing in-flight builds, dispatching nothing new\n", sig)
					cancel()

					time.Sleep(100 * time.Millisecond)

					select {
					case <-sigs:
						colArrow.Print("\n-> ")
						color.Danger.Printf("Second interrupt received. Forcing immediate exit.")
						os.Exit(130)
					case <-time.After(30 * time.Second):
						colArrow.Print("\n-> ")
						color.Danger.Printf("Graceful shutdown timeout. Exiting.")
						os.Exit(130)
					}
				}

			case <-ctx.Done():
				return
			}
		}
	}()

	if ctx.Err() != nil {
		return
	}

	if len(os.Args) < 2 {
		printHelp()
		return
	}

	// No status colors when piped into a file or another tool
	if !term.IsTerminal(int(os.Stdout.Fd())) {
		color.Disable()
	}

	configPath := ConfigFile
	if p := os.Getenv("PORTER_CONFIG"); p != "" {
		configPath = p
	}
	cfg, err := loadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: reading %s: %v\n", configPath, err)
	}
	initConfig(cfg)

	// UserExec runs unprivileged interactive tools (the log pager); RootExec
	// drives the chroot machinery, niced down when the host is also in use.
	UserExec = &Executor{Context: ctx, Interactive: true}
	RootExec = &Executor{Context: ctx, ShouldRunAsRoot: true, ApplyIdlePriority: cfg.IdleBuilds}

	var exitCode int

	switch os.Args[1] {
	case "plan":
		if err := handlePlanCommand(ctx, os.Args[2:], cfg); err != nil {
			if errors.Is(err, errInterrupted) {
				os.Exit(130)
			}
			fmt.Fprintf(os.Stderr, "Planning failed: %v\n", err)
			os.Exit(1)
		}

	case "build", "b":
		exitCode = handleBuildCommand(ctx, os.Args[2:], cfg)

	case "upload-retry":
		if err := handleUploadRetryCommand(ctx, os.Args[2:], cfg); err != nil {
			fmt.Fprintf(os.Stderr, "Upload retry failed: %v\n", err)
			os.Exit(1)
		}

	case "log":
		if len(os.Args) >= 3 {
			exitCode = showLog(os.Args[2])
		} else {
			exitCode = runTUI()
		}

	case "version", "--version":
		colNote.Printf("porter %s (%s -> %s) built %s\n", version, hostArch, TargetArch, buildDate)

	case "help", "-h", "--help":
		printHelp()

	default:
		printHelp()
		exitCode = 1
	}
	os.Exit(exitCode)
}

func handlePlanCommand(ctx context.Context, args []string, cfg *Config) error {
	planCmd := flag.NewFlagSet("plan", flag.ExitOnError)
	var blacklist = planCmd.String("blacklist", cfg.Values["PORTER_BLACKLIST"], "Blacklist pattern file.")
	var rebuildRepo = planCmd.String("rebuild-repo", "", "Plan a rebuild of every package in one repo.")
	var missing = planCmd.Bool("missing-packages", false, "Pull in dependencies never ported to the target.")
	var noUpdate = planCmd.Bool("no-update", false, "Reuse cached repository databases.")
	var useLatest = planCmd.Bool("use-latest", false, "Always plan the newest upstream version.")
	var preserveOrder = planCmd.Bool("preserve-order", false, "Schedule the named packages exactly in the order given.")
	var output = planCmd.String("o", "packages_to_build.json", "Output build list path.")
	if err := planCmd.Parse(args); err != nil {
		return err
	}

	return RunPlan(ctx, cfg, PlanOptions{
		Packages:      planCmd.Args(),
		RebuildRepo:   *rebuildRepo,
		BlacklistFile: *blacklist,
		MissingDeps:   *missing,
		NoUpdate:      *noUpdate,
		UseLatest:     *useLatest,
		PreserveOrder: *preserveOrder,
		Output:        *output,
	})
}

func handleBuildCommand(ctx context.Context, args []string, cfg *Config) int {
	buildCmd := flag.NewFlagSet("build", flag.ExitOnError)
	var jsonPath = buildCmd.String("json", "packages_to_build.json", "Build list produced by 'porter plan'.")
	var jobs = buildCmd.Int("j", cfg.DefaultJobs, "Number of parallel build workers.")
	var jobsLong = buildCmd.Int("jobs", 0, "Number of parallel build workers.")
	var resume = buildCmd.Bool("continue", false, "Resume from the last checkpoint.")
	var stopOnFail = buildCmd.Bool("stop-on-failure", false, "Stop dispatching after the first failure.")
	var dryRun = buildCmd.Bool("dry-run", false, "Exercise scheduling without building or uploading.")
	var noUpload = buildCmd.Bool("no-upload", false, "Build without publishing artifacts.")
	var noCache = buildCmd.Bool("no-cache", false, "Keep the chroot package cache between builds.")
	var keepEnv = buildCmd.Bool("keep-env", false, "Keep worker chroot copies after failures.")
	var blacklist = buildCmd.String("blacklist", cfg.Values["PORTER_BLACKLIST"], "Blacklist pattern file.")
	if err := buildCmd.Parse(args); err != nil {
		return 1
	}
	if *jobsLong > *jobs {
		*jobs = *jobsLong
	}
	if *keepEnv {
		cfg.KeepEnvOnError = true
	}

	list, err := ReadBuildList(*jsonPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	bl, err := LoadBlacklist(*blacklist)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading blacklist: %v\n", err)
		return 1
	}

	// Cycle members appear once per cycle stage in the list; collapse back
	// to unique packages and re-derive the execution graph. Planning is
	// deterministic, so the graph matches the one serialized by 'plan'.
	seen := make(map[string]bool)
	var pkgs []Package
	for _, p := range list.Packages {
		if seen[p.Name] {
			continue
		}
		seen[p.Name] = true
		p.BuildStage, p.CycleGroup, p.CycleStage = 0, 0, ""
		if bl.Matches(p.Name, p.Basename) {
			p.Skip = true
		}
		pkgs = append(pkgs, p)
	}
	if len(pkgs) == 0 {
		colArrow.Print("-> ")
		colSuccess.Println("Build list is empty, nothing to do.")
		return 0
	}

	eg, cycles, err := planExecution(pkgs)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	for _, c := range cycles {
		debugf("=> Cycle group %d: %s\n", c.Group, strings.Join(c.Members, ", "))
	}

	var runner BuildRunner
	if *dryRun {
		runner = &DryRunRunner{}
	} else {
		var uploader *Uploader
		if !*noUpload {
			client, err := NewS3Client(cfg)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				return 1
			}
			uploader = NewUploader(client, TargetArch)
		}
		runner = NewChrootRunner(cfg, RootExec, uploader)
	}

	cp, err := LoadCheckpoint(filepath.Join(StateDir, "checkpoint.json"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	sched := NewScheduler(runner, cp, SchedulerOptions{
		Jobs:          *jobs,
		StopOnFailure: *stopOnFail,
		Resume:        *resume,
		NoUpload:      *noUpload,
		ClearCache:    cfg.ClearCache && !*noCache,
	})

	sum, runErr := sched.Run(ctx, eg)
	if sum != nil {
		sum.Print()
		if err := sum.WriteFailed(filepath.Join(StateDir, "failed_packages.json")); err != nil {
			cPrintf(colWarn, "Warning: writing failed package list: %v\n", err)
		}
	}
	switch {
	case errors.Is(runErr, errInterrupted):
		return 130
	case runErr != nil:
		fmt.Fprintf(os.Stderr, "Error: %v\n", runErr)
		return 1
	case sum.Failed():
		return 1
	}
	return 0
}

func handleUploadRetryCommand(ctx context.Context, args []string, cfg *Config) error {
	retryCmd := flag.NewFlagSet("upload-retry", flag.ExitOnError)
	var jsonPath = retryCmd.String("json", "packages_to_build.json", "Build list of the interrupted run.")
	var prune = retryCmd.Bool("prune", false, "Remove bucket files the repo index no longer references.")
	if err := retryCmd.Parse(args); err != nil {
		return err
	}

	list, err := ReadBuildList(*jsonPath)
	if err != nil {
		return err
	}
	repoByKey := make(map[string]string)
	for _, p := range list.Packages {
		key := p.Name
		if p.CycleStage != "" {
			key = p.Name + "/" + p.CycleStage
		}
		repoByKey[key] = p.Repo
	}

	cp, err := LoadCheckpoint(filepath.Join(StateDir, "checkpoint.json"))
	if err != nil {
		return err
	}
	client, err := NewS3Client(cfg)
	if err != nil {
		return err
	}
	uploader := NewUploader(client, TargetArch)

	if err := RetryUploads(ctx, cp, repoByKey, uploader); err != nil {
		return err
	}
	if *prune {
		pruned := make(map[string]bool)
		for _, repo := range repoByKey {
			if pruned[repo] {
				continue
			}
			pruned[repo] = true
			if err := uploader.PruneOrphans(ctx, repo); err != nil {
				return err
			}
		}
	}
	return nil
}

// showLog dumps the newest retained log for one pkgbase through a pager.
func showLog(basename string) int {
	matches, err := filepath.Glob(filepath.Join(LogDir, basename+"-*.log.xz"))
	if err != nil || len(matches) == 0 {
		fmt.Fprintf(os.Stderr, "No build log found for %s\n", basename)
		return 1
	}
	logPath := matches[len(matches)-1] // timestamped names sort chronologically

	f, err := os.Open(logPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening log: %v\n", err)
		return 1
	}
	defer f.Close()

	xr, err := xz.NewReader(f)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error creating xz reader: %v\n", err)
		return 1
	}

	pager := os.Getenv("PAGER")
	var args []string
	if pager == "" || pager == "less" {
		pager = "less"
		args = []string{"-r"}
	}

	cmd := exec.Command(pager, args...)
	cmd.Stdin = xr
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := UserExec.Run(cmd); err != nil {
		// Fallback to plain stdout if pager fails
		f.Seek(0, 0)
		xr, _ = xz.NewReader(f)
		io.Copy(os.Stdout, xr)
	}
	return 0
}
