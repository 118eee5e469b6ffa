package porter

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustPlan(t *testing.T, pkgs []Package) (*execGraph, []CycleInfo) {
	t.Helper()
	eg, cycles, err := planExecution(pkgs)
	require.NoError(t, err)
	return eg, cycles
}

func entryByKey(t *testing.T, eg *execGraph, key string) *BuildEntry {
	t.Helper()
	for _, e := range eg.entries {
		if e.Key() == key {
			return e
		}
	}
	t.Fatalf("entry %s not found", key)
	return nil
}

func keys(eg *execGraph) []string {
	out := make([]string, 0, len(eg.entries))
	for _, e := range eg.entries {
		out = append(out, e.Key())
	}
	return out
}

// assertAcyclic fails when the entry graph still contains a cycle.
func assertAcyclic(t *testing.T, eg *execGraph) {
	t.Helper()
	const (
		white = iota
		gray
		black
	)
	color := make([]int, len(eg.entries))
	var visit func(int) bool
	visit = func(v int) bool {
		color[v] = gray
		for _, d := range eg.entries[v].deps {
			if color[d] == gray {
				return false
			}
			if color[d] == white && !visit(d) {
				return false
			}
		}
		color[v] = black
		return true
	}
	for i := range eg.entries {
		if color[i] == white {
			assert.True(t, visit(i), "cycle reachable from %s", eg.entries[i].Key())
		}
	}
}

func TestSplitCyclesPairsEveryMember(t *testing.T) {
	eg, cycles := mustPlan(t, []Package{
		pkg("a", "b"),
		pkg("b", "a"),
		pkg("c", "b"),
	})

	require.Len(t, cycles, 1)
	assert.Equal(t, []string{"a", "b"}, cycles[0].Members)

	// an SCC of size 2 becomes exactly 4 entries plus the untouched outsider
	assert.ElementsMatch(t, []string{"a/A", "a/B", "b/A", "b/B", "c"}, keys(eg))
	assertAcyclic(t, eg)

	// the outside consumer depends on the finished relink
	c := entryByKey(t, eg, "c")
	bB := entryByKey(t, eg, "b/B")
	require.Len(t, c.deps, 1)
	assert.Same(t, bB, eg.entries[c.deps[0]])
	assert.Greater(t, c.Stage, bB.Stage)

	// stage-B depends on every stage-A of its group
	var bDeps []string
	for _, d := range bB.deps {
		bDeps = append(bDeps, eg.entries[d].Key())
	}
	assert.ElementsMatch(t, []string{"a/A", "b/A"}, bDeps)
}

func TestSplitCyclesExternalDepAttachesToStageA(t *testing.T) {
	// a <-> b cycle where both need an outside tool
	a := pkg("a", "b", "tool")
	b := pkg("b", "a")
	eg, _ := mustPlan(t, []Package{a, b, pkg("tool")})

	aA := entryByKey(t, eg, "a/A")
	tool := entryByKey(t, eg, "tool")
	require.Len(t, aA.deps, 1)
	assert.Same(t, tool, eg.entries[aA.deps[0]])
	assert.Greater(t, aA.Stage, tool.Stage)
}

func TestSplitCyclesSelfLoopIsNotACycle(t *testing.T) {
	eg, cycles := mustPlan(t, []Package{pkg("solo", "solo")})
	assert.Empty(t, cycles)
	assert.Equal(t, []string{"solo"}, keys(eg))
}

func TestSplitCyclesIndependentGroups(t *testing.T) {
	eg, cycles := mustPlan(t, []Package{
		pkg("a", "b"), pkg("b", "a"),
		pkg("m", "n"), pkg("n", "m"),
		pkg("x", "y"), pkg("y", "x"),
	})
	require.Len(t, cycles, 3)

	groups := make(map[int][]string)
	for _, e := range eg.entries {
		require.NotZero(t, e.CycleGroup)
		groups[e.CycleGroup] = append(groups[e.CycleGroup], e.Key())
	}
	require.Len(t, groups, 3)

	// no ordering edges may cross group boundaries
	for _, e := range eg.entries {
		for _, d := range e.deps {
			assert.Equal(t, e.CycleGroup, eg.entries[d].CycleGroup,
				"edge %s -> %s crosses groups", e.Key(), eg.entries[d].Key())
		}
	}
	assertAcyclic(t, eg)
}

func TestSplitCyclesDeterministicGroupIDs(t *testing.T) {
	build := func(order []Package) map[string]int {
		eg, _ := mustPlan(t, order)
		got := make(map[string]int)
		for _, e := range eg.entries {
			got[e.Key()] = e.CycleGroup
		}
		return got
	}

	forward := build([]Package{pkg("a", "b"), pkg("b", "a"), pkg("x", "y"), pkg("y", "x")})
	reversed := build([]Package{pkg("y", "x"), pkg("x", "y"), pkg("b", "a"), pkg("a", "b")})
	assert.Equal(t, forward, reversed)
}

func TestSplitCyclesThreeMemberCycle(t *testing.T) {
	eg, cycles := mustPlan(t, []Package{
		pkg("p", "q"),
		pkg("q", "r"),
		pkg("r", "p"),
	})
	require.Len(t, cycles, 1)
	assert.Len(t, eg.entries, 6) // 2k entries for an SCC of size k
	assertAcyclic(t, eg)

	// all stage-A entries are mutually unordered and share a stage
	pA := entryByKey(t, eg, "p/A")
	qA := entryByKey(t, eg, "q/A")
	rA := entryByKey(t, eg, "r/A")
	assert.Empty(t, pA.deps)
	assert.Empty(t, qA.deps)
	assert.Empty(t, rA.deps)
	assert.Equal(t, pA.Stage, qA.Stage)
	assert.Equal(t, qA.Stage, rA.Stage)
}
