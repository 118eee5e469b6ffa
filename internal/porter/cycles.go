package porter

import (
	"sort"
)

// BuildEntry is one schedulable unit of the execution graph. A package that
// participates in a dependency cycle appears twice, as a stage-A entry (the
// initial bootstrap build) and a stage-B entry (the final relink once every
// member of the cycle exists).
type BuildEntry struct {
	Pkg        *Package
	Name       string
	CycleGroup int    // 0 when not a cycle member
	CycleStage string // "", "A" or "B"
	Stage      int
	deps       []int // indices into execGraph.entries
}

// Key uniquely identifies an entry across runs and checkpoints.
func (e *BuildEntry) Key() string {
	if e.CycleStage == "" {
		return e.Name
	}
	return e.Name + "/" + e.CycleStage
}

// execGraph is the acyclic execution graph produced from a depGraph by
// splitting every strongly connected component into A/B entry pairs.
type execGraph struct {
	entries []*BuildEntry
}

// CycleInfo describes one detected dependency cycle, for reporting.
type CycleInfo struct {
	Group   int
	Members []string
}

// splitCycles finds all strongly connected components of size >= 2 and
// rewrites them into stage-A/stage-B pairs:
//   - a member's extra-cycle dependencies attach to its stage-A entry, since
//     the first pass already needs them;
//   - outside dependents of a member wait for its stage-B entry, the
//     finished relink;
//   - intra-cycle edges are dropped for stage-A and replaced, for stage-B,
//     by a dependency on every stage-A entry of the group.
//
// The result is acyclic by construction.
func splitCycles(g *depGraph) (*execGraph, []CycleInfo) {
	sccs := tarjanSCC(g.adj)

	// Cycle groups get ids in order of their smallest member name so that
	// identical inputs always produce identical group numbering.
	var cycles [][]int
	for _, scc := range sccs {
		if len(scc) >= 2 {
			sort.Slice(scc, func(a, b int) bool {
				return g.pkgs[scc[a]].Name < g.pkgs[scc[b]].Name
			})
			cycles = append(cycles, scc)
		}
	}
	sort.Slice(cycles, func(a, b int) bool {
		return g.pkgs[cycles[a][0]].Name < g.pkgs[cycles[b][0]].Name
	})

	group := make([]int, len(g.pkgs)) // node -> cycle group id, 0 = none
	var infos []CycleInfo
	for gi, scc := range cycles {
		info := CycleInfo{Group: gi + 1}
		for _, n := range scc {
			group[n] = gi + 1
			info.Members = append(info.Members, g.pkgs[n].Name)
		}
		infos = append(infos, info)
	}

	eg := &execGraph{}
	entryA := make([]int, len(g.pkgs)) // node -> entry index (plain or stage-A)
	entryB := make([]int, len(g.pkgs))
	for i := range entryB {
		entryB[i] = -1
	}

	for i := range g.pkgs {
		p := &g.pkgs[i]
		e := &BuildEntry{Pkg: p, Name: p.Name}
		if group[i] != 0 {
			e.CycleGroup = group[i]
			e.CycleStage = "A"
		}
		entryA[i] = len(eg.entries)
		eg.entries = append(eg.entries, e)
	}
	for _, scc := range cycles {
		for _, n := range scc {
			p := &g.pkgs[n]
			entryB[n] = len(eg.entries)
			eg.entries = append(eg.entries, &BuildEntry{
				Pkg:        p,
				Name:       p.Name,
				CycleGroup: group[n],
				CycleStage: "B",
			})
		}
	}

	addDep := func(from, to int) {
		for _, d := range eg.entries[from].deps {
			if d == to {
				return
			}
		}
		eg.entries[from].deps = append(eg.entries[from].deps, to)
	}

	for u := range g.adj {
		for _, v := range g.adj[u] {
			if group[u] != 0 && group[u] == group[v] {
				continue // intra-cycle ordering is resolved by the A/B split
			}
			to := entryA[v]
			if group[v] != 0 {
				to = entryB[v] // the outside world depends on the relinked build
			}
			addDep(entryA[u], to)
		}
	}
	for _, scc := range cycles {
		for _, n := range scc {
			for _, m := range scc {
				addDep(entryB[n], entryA[m])
			}
		}
	}

	return eg, infos
}

// tarjanSCC computes strongly connected components over an adjacency list,
// iteratively to stay safe on deep graphs.
func tarjanSCC(adj [][]int) [][]int {
	n := len(adj)
	index := make([]int, n)
	lowlink := make([]int, n)
	onStack := make([]bool, n)
	for i := range index {
		index[i] = -1
	}

	var (
		stack   []int
		sccs    [][]int
		counter int
	)

	type frame struct {
		node int
		next int
	}

	for start := 0; start < n; start++ {
		if index[start] != -1 {
			continue
		}
		work := []frame{{node: start}}
		for len(work) > 0 {
			f := &work[len(work)-1]
			v := f.node
			if f.next == 0 {
				index[v] = counter
				lowlink[v] = counter
				counter++
				stack = append(stack, v)
				onStack[v] = true
			}
			advanced := false
			for f.next < len(adj[v]) {
				w := adj[v][f.next]
				f.next++
				if index[w] == -1 {
					work = append(work, frame{node: w})
					advanced = true
					break
				}
				if onStack[w] && index[w] < lowlink[v] {
					lowlink[v] = index[w]
				}
			}
			if advanced {
				continue
			}
			// v is finished
			work = work[:len(work)-1]
			if len(work) > 0 {
				parent := work[len(work)-1].node
				if lowlink[v] < lowlink[parent] {
					lowlink[parent] = lowlink[v]
				}
			}
			if lowlink[v] == index[v] {
				var scc []int
				for {
					w := stack[len(stack)-1]
					stack = stack[:len(stack)-1]
					onStack[w] = false
					scc = append(scc, w)
					if w == v {
						break
					}
				}
				sccs = append(sccs, scc)
			}
		}
	}
	return sccs
}
