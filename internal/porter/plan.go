package porter

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
)

// planExecution is the planning pipeline: resolve the dependency graph over
// the candidate set, split strongly connected components into A/B pairs and
// layer the result into build stages.
func planExecution(pkgs []Package) (*execGraph, []CycleInfo, error) {
	g, err := buildGraph(pkgs)
	if err != nil {
		return nil, nil, err
	}
	eg, cycles := splitCycles(g)
	if err := assignStages(eg); err != nil {
		return nil, nil, err
	}
	return eg, cycles, nil
}

// Packages flattens the execution graph into serializable entries. Cycle
// members appear twice, once per cycle stage.
func (eg *execGraph) Packages() []Package {
	out := make([]Package, 0, len(eg.entries))
	for _, e := range eg.entries {
		p := *e.Pkg
		p.BuildStage = e.Stage
		p.CycleGroup = e.CycleGroup
		p.CycleStage = e.CycleStage
		out = append(out, p)
	}
	return out
}

// PlanOptions are the knobs of the plan command.
type PlanOptions struct {
	Packages      []string // explicit names; empty means staleness detection
	RebuildRepo   string   // rebuild every package of one repo
	BlacklistFile string
	MissingDeps   bool // pull in dependencies absent from the target repos
	NoUpdate      bool // reuse cached databases
	UseLatest     bool
	PreserveOrder bool // schedule explicit packages in the order given
	Output        string
	Repos         []string
}

// RunPlan compares the upstream and target repositories, assembles the
// candidate build set and writes the staged build list.
func RunPlan(ctx context.Context, cfg *Config, opts PlanOptions) error {
	if len(opts.Repos) == 0 {
		opts.Repos = []string{"core", "extra"}
	}
	if opts.Output == "" {
		opts.Output = "packages_to_build.json"
	}

	bl, err := LoadBlacklist(opts.BlacklistFile)
	if err != nil {
		return fmt.Errorf("loading blacklist: %w", err)
	}

	upstream, err := loadRepos(ctx, UpstreamMirror, "x86_64", opts.Repos, opts.NoUpdate)
	if err != nil {
		return fmt.Errorf("%w: %v", errPlanning, err)
	}
	var target []Package
	if TargetMirror != "" {
		target, err = loadRepos(ctx, TargetMirror, TargetArch, opts.Repos, opts.NoUpdate)
		if err != nil {
			return fmt.Errorf("%w: %v", errPlanning, err)
		}
	}

	candidates := selectCandidates(cfg, opts, upstream, target, bl)
	if opts.MissingDeps {
		candidates = augmentMissingDeps(candidates, upstream, target)
	}
	if len(candidates) == 0 {
		colArrow.Print("-> ")
		colSuccess.Println("Nothing to build: target repositories are up to date.")
		return nil
	}

	if opts.PreserveOrder {
		if len(opts.Packages) == 0 {
			return fmt.Errorf("%w: -preserve-order requires explicitly named packages", errPlanning)
		}
		ordered := preserveOrder(candidates, opts.Packages)
		cmdline := "porter " + strings.Join(os.Args[1:], " ")
		if err := WriteBuildList(opts.Output, cmdline, ordered); err != nil {
			return fmt.Errorf("writing build list: %w", err)
		}
		colArrow.Print("-> ")
		colSuccess.Printf("Planned %d builds in the given order", len(ordered))
		colNote.Printf(" -> %s\n", opts.Output)
		return nil
	}

	eg, cycles, err := planExecution(candidates)
	if err != nil {
		return err
	}

	for _, c := range cycles {
		colArrow.Print("-> ")
		cPrintf(colWarn, "Dependency cycle %d: %s (split into two-pass build)\n",
			c.Group, strings.Join(c.Members, ", "))
	}

	cmdline := "porter " + strings.Join(os.Args[1:], " ")
	if err := WriteBuildList(opts.Output, cmdline, eg.Packages()); err != nil {
		return fmt.Errorf("writing build list: %w", err)
	}

	colArrow.Print("-> ")
	colSuccess.Printf("Planned %d build entries across %d stages",
		len(eg.entries), eg.stageCount())
	colNote.Printf(" -> %s\n", opts.Output)
	return nil
}

// preserveOrder bypasses dependency scheduling entirely: every explicitly
// named package gets its own stage, in the order the user wrote them, and
// whatever else made the candidate set follows sorted by name. The caller
// asserts the order is buildable; no cycle handling applies.
func preserveOrder(candidates []Package, names []string) []Package {
	byName := make(map[string]Package, len(candidates))
	for _, p := range candidates {
		byName[p.Name] = p
	}

	out := make([]Package, 0, len(candidates))
	used := make(map[string]bool)
	for _, name := range names {
		p, ok := byName[name]
		if !ok || used[name] {
			continue
		}
		used[name] = true
		p.BuildStage = len(out)
		out = append(out, p)
	}

	var rest []string
	for name := range byName {
		if !used[name] {
			rest = append(rest, name)
		}
	}
	sort.Strings(rest)
	for _, name := range rest {
		p := byName[name]
		p.BuildStage = len(out)
		out = append(out, p)
	}
	return out
}

// loadRepos syncs and parses the databases of every repo for one mirror/arch.
func loadRepos(ctx context.Context, mirror, arch string, repos []string, noUpdate bool) ([]Package, error) {
	var all []Package
	for _, repo := range repos {
		path, err := SyncDatabase(ctx, mirror, repo, arch, noUpdate)
		if err != nil {
			return nil, err
		}
		pkgs, err := ParseDatabase(path, repo)
		if err != nil {
			return nil, err
		}
		all = append(all, pkgs...)
	}
	return all, nil
}

// selectCandidates decides which upstream packages need a build: explicit
// requests, whole-repo rebuilds, or staleness against the target repos.
func selectCandidates(cfg *Config, opts PlanOptions, upstream, target []Package, bl *Blacklist) []Package {
	targetVer := make(map[string]string) // basename -> best target version
	targetName := make(map[string]bool)
	for _, p := range target {
		targetName[p.Name] = true
		if cur, ok := targetVer[p.Basename]; !ok || IsNewer(cur, p.Version) {
			targetVer[p.Basename] = p.Version
		}
	}

	byBase := make(map[string][]Package)
	baseVer := make(map[string]string)
	for _, p := range upstream {
		byBase[p.Basename] = append(byBase[p.Basename], p)
		if cur, ok := baseVer[p.Basename]; !ok || IsNewer(cur, p.Version) {
			baseVer[p.Basename] = p.Version
		}
	}

	requested := make(map[string]bool)
	for _, name := range opts.Packages {
		requested[name] = true
	}
	forced := make(map[string]bool)
	for _, name := range cfg.ForcedPackages {
		forced[name] = true
	}
	bootstrapOnly := make(map[string]bool)
	for _, name := range cfg.BootstrapOnly {
		bootstrapOnly[name] = true
	}

	wantBase := make(map[string]bool)
	for base, ver := range baseVer {
		switch {
		case len(opts.Packages) > 0:
			hit := requested[base]
			for _, p := range byBase[base] {
				if requested[p.Name] {
					hit = true
				}
			}
			if !hit {
				continue
			}
		case opts.RebuildRepo != "":
			if byBase[base][0].Repo != opts.RebuildRepo {
				continue
			}
		default:
			tv, built := targetVer[base]
			if built && !IsNewer(tv, ver) {
				continue // target is current
			}
			if targetName[base+"-bin"] {
				colArrow.Print("-> ")
				cPrintf(colWarn, "Skipping %s: satisfied by %s-bin on target\n", base, base)
				continue
			}
		}
		if bootstrapOnly[base] {
			debugf("=> Excluding toolchain package %s from the schedule\n", base)
			continue
		}
		wantBase[base] = true
	}
	for name := range forced {
		if _, ok := byBase[name]; ok && !bootstrapOnly[name] {
			wantBase[name] = true
		}
	}

	var out []Package
	for base := range wantBase {
		for _, p := range byBase[base] {
			// Provenance flag for the recipe-fetch step; the scheduler never
			// reads it.
			p.ForceLatest = opts.UseLatest
			if bl.Matches(p.Name, p.Basename) {
				if requested[p.Name] || requested[base] || forced[base] {
					// explicitly asked for: keep it visible but never build it
					p.Skip = true
				} else {
					debugf("=> Blacklisted: %s\n", p.Name)
					continue
				}
			}
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// augmentMissingDeps closes the candidate set over dependencies that exist
// upstream but are present neither on the target nor in the set itself. A
// stale package is no use if the things it links against were never ported.
func augmentMissingDeps(candidates, upstream, target []Package) []Package {
	inTarget := make(map[string]bool)
	for _, p := range target {
		inTarget[p.Name] = true
		for _, prov := range p.Provides {
			inTarget[stripConstraint(prov)] = true
		}
	}
	upByName := make(map[string]*Package)
	upByBase := make(map[string][]Package)
	for i := range upstream {
		upByName[upstream[i].Name] = &upstream[i]
		upByBase[upstream[i].Basename] = append(upByBase[upstream[i].Basename], upstream[i])
	}

	have := make(map[string]bool)
	for _, p := range candidates {
		have[p.Name] = true
	}

	queue := append([]Package(nil), candidates...)
	out := append([]Package(nil), candidates...)
	for len(queue) > 0 {
		p := queue[0]
		queue = queue[1:]
		for _, raw := range append(append(append([]string(nil), p.Depends...), p.MakeDepends...), p.CheckDepends...) {
			dep := stripConstraint(raw)
			if dep == "" || have[dep] || inTarget[dep] {
				continue
			}
			up, ok := upByName[dep]
			if !ok {
				continue // not something we can build
			}
			colArrow.Print("-> ")
			cPrintf(colNote, "Adding missing dependency %s (needed by %s)\n", dep, p.Name)
			for _, sibling := range upByBase[up.Basename] {
				if have[sibling.Name] {
					continue
				}
				have[sibling.Name] = true
				out = append(out, sibling)
				queue = append(queue, sibling)
			}
		}
	}
	return out
}
