package pipeline

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reelforge/reelforge/internal/models"
)

func TestBuildGraph(t *testing.T) {
	e := NewExecutor(Deps{})

	t.Run("three clips", func(t *testing.T) {
		job := models.NewJob(models.StyleEnergeticDance, 3, 0, 30)
		style, ok := models.StyleByName(job.Style)
		require.True(t, ok)

		st := newRunState(job, style, t.TempDir())
		nodes := e.buildGraph(st)

		byID := make(map[string]*node, len(nodes))
		for _, n := range nodes {
			byID[n.id] = n
		}
		require.Len(t, byID, 10)

		wantDeps := map[string][]string{
			"audio_slice":    nil,
			"beats":          {"audio_slice"},
			"plan":           {"beats"},
			"normalize_0":    {"audio_slice"},
			"normalize_1":    {"audio_slice"},
			"normalize_2":    {"audio_slice"},
			"cut_and_concat": {"plan", "normalize_0", "normalize_1", "normalize_2"},
			"style_grade":    {"cut_and_concat"},
			"mux":            {"style_grade"},
			"quality_gate":   {"mux"},
		}
		for id, deps := range wantDeps {
			n, ok := byID[id]
			require.True(t, ok, "node %s missing", id)
			assert.ElementsMatch(t, deps, n.deps, "deps of %s", id)
		}

		for i := 0; i < 3; i++ {
			assert.Equal(t, models.StageNormalize, byID[fmt.Sprintf("normalize_%d", i)].stage)
		}
	})

	t.Run("single clip", func(t *testing.T) {
		job := models.NewJob(models.StyleLuxeTravel, 1, 5, 35)
		style, ok := models.StyleByName(job.Style)
		require.True(t, ok)

		st := newRunState(job, style, t.TempDir())
		nodes := e.buildGraph(st)

		require.Len(t, nodes, 8)
		byID := make(map[string]*node, len(nodes))
		for _, n := range nodes {
			byID[n.id] = n
		}
		assert.ElementsMatch(t, []string{"plan", "normalize_0"}, byID["cut_and_concat"].deps)
		assert.NotContains(t, byID, "normalize_1")
	})
}
