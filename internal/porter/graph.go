package porter

import (
	"fmt"
	"strings"
)

type edgeKind uint8

const (
	edgeRuntime edgeKind = 1 << iota
	edgeBuild
	edgeTest
)

func (k edgeKind) String() string {
	var parts []string
	if k&edgeRuntime != 0 {
		parts = append(parts, "runtime")
	}
	if k&edgeBuild != 0 {
		parts = append(parts, "build")
	}
	if k&edgeTest != 0 {
		parts = append(parts, "test")
	}
	return strings.Join(parts, "+")
}

// splitSuffixes are output names a split pkgbase conventionally produces;
// a dependency on "foo-headers" resolves to the recipe building "foo" when
// no package of that exact name is in the build set.
var splitSuffixes = []string{"-headers", "-docs", "-devel", "-dev"}

// depGraph is the resolved dependency graph over the candidate set.
// Nodes are integer indices into pkgs; adj[i] lists the indices package i
// depends on, deduplicated across dependency kinds.
type depGraph struct {
	pkgs   []Package
	byName map[string]int
	adj    [][]int
	kinds  map[[2]int]edgeKind // edge -> kinds, reporting only
}

// buildGraph resolves every dependency of every candidate against the
// candidate set itself. Dependencies that resolve to nothing in the set are
// external and dropped: only work that is actually being built gets ordered.
func buildGraph(pkgs []Package) (*depGraph, error) {
	g := &depGraph{
		pkgs:   pkgs,
		byName: make(map[string]int, len(pkgs)),
		adj:    make([][]int, len(pkgs)),
		kinds:  make(map[[2]int]edgeKind),
	}

	for i, p := range pkgs {
		if p.Name == "" {
			return nil, fmt.Errorf("%w: package at index %d has no name", errPlanning, i)
		}
		if prev, dup := g.byName[p.Name]; dup {
			return nil, fmt.Errorf("%w: duplicate package name %q (repos %s and %s)",
				errPlanning, p.Name, pkgs[prev].Repo, p.Repo)
		}
		g.byName[p.Name] = i
	}

	// provided virtual name -> candidate provider indices
	provides := make(map[string][]int)
	byBase := make(map[string][]int)
	for i, p := range pkgs {
		for _, prov := range p.Provides {
			provides[stripConstraint(prov)] = append(provides[stripConstraint(prov)], i)
		}
		byBase[p.Basename] = append(byBase[p.Basename], i)
	}

	for i, p := range pkgs {
		addDeps := func(names []string, kind edgeKind) {
			for _, raw := range names {
				dep := stripConstraint(raw)
				if dep == "" {
					continue
				}
				j, ok := g.resolve(dep, provides, byBase)
				if !ok || j == i {
					continue
				}
				key := [2]int{i, j}
				if _, seen := g.kinds[key]; !seen {
					g.adj[i] = append(g.adj[i], j)
				}
				g.kinds[key] |= kind
			}
		}
		addDeps(p.Depends, edgeRuntime)
		addDeps(p.MakeDepends, edgeBuild)
		addDeps(p.CheckDepends, edgeTest)
	}

	return g, nil
}

// resolve maps a dependency name to a node index: direct name match first,
// then the provides index (smallest provider name wins), then the
// split-package suffix heuristic.
func (g *depGraph) resolve(dep string, provides map[string][]int, byBase map[string][]int) (int, bool) {
	if j, ok := g.byName[dep]; ok {
		return j, true
	}
	if cands := provides[dep]; len(cands) > 0 {
		return smallestByName(g.pkgs, cands), true
	}
	for _, suffix := range splitSuffixes {
		base, found := strings.CutSuffix(dep, suffix)
		if !found {
			continue
		}
		if cands := byBase[base]; len(cands) > 0 {
			return smallestByName(g.pkgs, cands), true
		}
	}
	return 0, false
}

// smallestByName picks the candidate with the lexicographically smallest
// package name, the deterministic tie-break for ambiguous providers.
func smallestByName(pkgs []Package, cands []int) int {
	best := cands[0]
	for _, c := range cands[1:] {
		if pkgs[c].Name < pkgs[best].Name {
			best = c
		}
	}
	return best
}

// stripConstraint removes a trailing version constraint such as ">=1.2".
func stripConstraint(dep string) string {
	if idx := strings.IndexAny(dep, "<>="); idx != -1 {
		dep = dep[:idx]
	}
	return strings.TrimSpace(dep)
}
