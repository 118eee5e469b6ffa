package porter

import "fmt"

// assignStages computes longest-path layers over the execution graph:
// an entry with no dependencies is stage 0, every other entry sits one past
// its deepest dependency. Entries sharing a stage are mutually independent
// and may build concurrently.
func assignStages(eg *execGraph) error {
	n := len(eg.entries)

	dependents := make([][]int, n)
	indeg := make([]int, n)
	for i, e := range eg.entries {
		indeg[i] = len(e.deps)
		for _, d := range e.deps {
			dependents[d] = append(dependents[d], i)
		}
	}

	var queue []int
	for i := range eg.entries {
		if indeg[i] == 0 {
			queue = append(queue, i)
		}
	}

	processed := 0
	for len(queue) > 0 {
		v := queue[0]
		queue = queue[1:]
		processed++

		stage := 0
		for _, d := range eg.entries[v].deps {
			if eg.entries[d].Stage >= stage {
				stage = eg.entries[d].Stage + 1
			}
		}
		eg.entries[v].Stage = stage

		for _, w := range dependents[v] {
			indeg[w]--
			if indeg[w] == 0 {
				queue = append(queue, w)
			}
		}
	}

	if processed != n {
		// splitCycles guarantees acyclicity; reaching this means the input
		// graph was corrupted after planning.
		return fmt.Errorf("%w: execution graph contains an unresolved cycle", errPlanning)
	}
	return nil
}

// stageCount returns 1 + the highest assigned stage.
func (eg *execGraph) stageCount() int {
	max := -1
	for _, e := range eg.entries {
		if e.Stage > max {
			max = e.Stage
		}
	}
	return max + 1
}

// byStage groups entry indices per stage, preserving entry order.
func (eg *execGraph) byStage() [][]int {
	stages := make([][]int, eg.stageCount())
	for i, e := range eg.entries {
		stages[e.Stage] = append(stages[e.Stage], i)
	}
	return stages
}
