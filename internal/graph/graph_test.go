package graph

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gantryhq/gantry/internal/constants"
	"github.com/gantryhq/gantry/internal/domain"
	gantryerrors "github.com/gantryhq/gantry/internal/errors"
)

func task(id string, deps ...string) *domain.Task {
	return &domain.Task{TaskID: id, DependsOn: deps}
}

// TestBuild tests graph construction and validation.
func TestBuild(t *testing.T) {
	t.Run("accepts a valid DAG", func(t *testing.T) {
		g, err := Build([]*domain.Task{
			task("T1"),
			task("T2"),
			task("T3", "T1", "T2"),
		})
		require.NoError(t, err)
		assert.Equal(t, []string{"T1", "T2", "T3"}, g.TaskIDs())
		assert.Equal(t, []string{"T1", "T2"}, g.Dependencies("T3"))
	})

	t.Run("accepts an empty plan", func(t *testing.T) {
		g, err := Build(nil)
		require.NoError(t, err)
		assert.Empty(t, g.TaskIDs())
	})

	t.Run("rejects unknown dependency", func(t *testing.T) {
		_, err := Build([]*domain.Task{task("T1", "T9")})
		require.Error(t, err)
		assert.ErrorIs(t, err, gantryerrors.ErrUnknownDependency)
	})

	t.Run("rejects self dependency", func(t *testing.T) {
		_, err := Build([]*domain.Task{task("T1", "T1")})
		require.Error(t, err)
		assert.ErrorIs(t, err, gantryerrors.ErrSelfDependency)
	})

	t.Run("rejects duplicate task id", func(t *testing.T) {
		_, err := Build([]*domain.Task{task("T1"), task("T1")})
		require.Error(t, err)
	})

	t.Run("rejects cycle naming offending tasks", func(t *testing.T) {
		_, err := Build([]*domain.Task{
			task("A", "C"),
			task("B", "A"),
			task("C", "B"),
			task("D"),
		})
		require.Error(t, err)

		var cycleErr *gantryerrors.DependencyCycleError
		require.ErrorAs(t, err, &cycleErr)
		assert.Equal(t, []string{"A", "B", "C"}, cycleErr.Nodes)
	})

	t.Run("task downstream of a cycle is reported with it", func(t *testing.T) {
		_, err := Build([]*domain.Task{
			task("A", "B"),
			task("B", "A"),
			task("C", "A"),
		})
		require.Error(t, err)

		var cycleErr *gantryerrors.DependencyCycleError
		require.ErrorAs(t, err, &cycleErr)
		assert.Contains(t, cycleErr.Nodes, "A")
		assert.Contains(t, cycleErr.Nodes, "B")
	})
}

// TestReadySet tests scheduling eligibility.
func TestReadySet(t *testing.T) {
	g, err := Build([]*domain.Task{
		task("T1"),
		task("T2"),
		task("T3", "T1", "T2"),
		task("T4", "T3"),
	})
	require.NoError(t, err)

	t.Run("roots are ready initially", func(t *testing.T) {
		ready := g.ReadySet(map[string]constants.TaskStatus{})
		assert.Equal(t, []string{"T1", "T2"}, ready)
	})

	t.Run("running tasks are not re-dispatched", func(t *testing.T) {
		ready := g.ReadySet(map[string]constants.TaskStatus{
			"T1": constants.TaskStatusRunning,
			"T2": constants.TaskStatusRunning,
		})
		assert.Empty(t, ready)
	})

	t.Run("task becomes ready when all deps succeed", func(t *testing.T) {
		partial := g.ReadySet(map[string]constants.TaskStatus{
			"T1": constants.TaskStatusSucceeded,
			"T2": constants.TaskStatusRunning,
		})
		assert.Empty(t, partial)

		full := g.ReadySet(map[string]constants.TaskStatus{
			"T1": constants.TaskStatusSucceeded,
			"T2": constants.TaskStatusSucceeded,
		})
		assert.Equal(t, []string{"T3"}, full)
	})

	t.Run("failed dependency blocks dependents", func(t *testing.T) {
		ready := g.ReadySet(map[string]constants.TaskStatus{
			"T1": constants.TaskStatusSucceeded,
			"T2": constants.TaskStatusFailed,
		})
		assert.Empty(t, ready)
	})

	t.Run("result is lexically ordered", func(t *testing.T) {
		unordered, err := Build([]*domain.Task{task("zeta"), task("alpha"), task("mid")})
		require.NoError(t, err)

		ready := unordered.ReadySet(map[string]constants.TaskStatus{})
		assert.Equal(t, []string{"alpha", "mid", "zeta"}, ready)
	})
}

// TestTransitiveDependents tests the failure-blocking cone.
func TestTransitiveDependents(t *testing.T) {
	g, err := Build([]*domain.Task{
		task("T1"),
		task("T2"),
		task("T3", "T1"),
		task("T4", "T3"),
		task("T5", "T2"),
	})
	require.NoError(t, err)

	t.Run("returns full downstream cone", func(t *testing.T) {
		assert.Equal(t, []string{"T3", "T4"}, g.TransitiveDependents("T1"))
	})

	t.Run("unrelated branches are untouched", func(t *testing.T) {
		assert.Equal(t, []string{"T5"}, g.TransitiveDependents("T2"))
	})

	t.Run("leaf has no dependents", func(t *testing.T) {
		assert.Empty(t, g.TransitiveDependents("T4"))
	})
}

// TestLevels tests topological level grouping.
func TestLevels(t *testing.T) {
	g, err := Build([]*domain.Task{
		task("T1"),
		task("T2"),
		task("T3", "T1", "T2"),
		task("T4", "T3"),
		task("T5", "T1"),
	})
	require.NoError(t, err)

	levels := g.Levels()
	require.Len(t, levels, 3)
	assert.Equal(t, []string{"T1", "T2"}, levels[0])
	assert.Equal(t, []string{"T3", "T5"}, levels[1])
	assert.Equal(t, []string{"T4"}, levels[2])
}
