package porter

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAssignStagesLongestPath(t *testing.T) {
	eg, _ := mustPlan(t, []Package{
		pkg("a"),
		pkg("b", "a"),
		pkg("c", "b"),
		pkg("d"),
	})

	assert.Equal(t, 0, entryByKey(t, eg, "a").Stage)
	assert.Equal(t, 1, entryByKey(t, eg, "b").Stage)
	assert.Equal(t, 2, entryByKey(t, eg, "c").Stage)
	assert.Equal(t, 0, entryByKey(t, eg, "d").Stage)
	assert.Equal(t, 3, eg.stageCount())
}

func TestAssignStagesDiamond(t *testing.T) {
	eg, _ := mustPlan(t, []Package{
		pkg("base"),
		pkg("left", "base"),
		pkg("right", "base"),
		pkg("top", "left", "right"),
	})

	assert.Equal(t, entryByKey(t, eg, "left").Stage, entryByKey(t, eg, "right").Stage)
	assert.Equal(t, 2, entryByKey(t, eg, "top").Stage)
}

// Every dependency must sit in a strictly earlier stage, no matter the shape
// of the graph.
func TestAssignStagesOrderingInvariant(t *testing.T) {
	eg, _ := mustPlan(t, []Package{
		pkg("glibc"),
		pkg("zlib", "glibc"),
		pkg("openssl", "glibc", "zlib"),
		pkg("curl", "openssl", "zlib"),
		pkg("git", "curl", "openssl"),
		pkg("cmake", "curl"),
		pkg("ninja", "glibc"),
	})

	for _, e := range eg.entries {
		for _, d := range e.deps {
			assert.Greater(t, e.Stage, eg.entries[d].Stage,
				"%s must build after %s", e.Key(), eg.entries[d].Key())
		}
	}
}

func TestByStageCoversEveryEntry(t *testing.T) {
	eg, _ := mustPlan(t, []Package{
		pkg("a"),
		pkg("b", "a"),
		pkg("c", "a"),
		pkg("d", "b", "c"),
	})

	total := 0
	for n, stage := range eg.byStage() {
		require.NotEmpty(t, stage, "stage %d must not be empty", n)
		for _, idx := range stage {
			assert.Equal(t, n, eg.entries[idx].Stage)
		}
		total += len(stage)
	}
	assert.Equal(t, len(eg.entries), total)
}
