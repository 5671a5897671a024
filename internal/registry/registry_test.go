package registry

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"drawing-mesh-pipeline/internal/clock"
	"drawing-mesh-pipeline/internal/models"
)

func newTestRegistry() (*Registry, *clock.Manual) {
	clk := clock.NewManual(time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC))
	return New(clk), clk
}

func TestCreateAndGet(t *testing.T) {
	r, _ := newTestRegistry()

	rec, err := r.Create("a")
	require.NoError(t, err)
	assert.Equal(t, models.StatusQueued, rec.Status)
	assert.Equal(t, 0, rec.Progress)
	assert.Nil(t, rec.Result)
	assert.Nil(t, rec.Error)

	got, ok := r.Get("a")
	require.True(t, ok)
	assert.Equal(t, rec, got)
}

func TestCreateDuplicateFails(t *testing.T) {
	r, _ := newTestRegistry()
	_, err := r.Create("a")
	require.NoError(t, err)

	_, err = r.Create("a")
	assert.True(t, errors.Is(err, models.ErrTaskExists))

	_, err = r.Create("")
	assert.True(t, errors.Is(err, models.ErrValidation))
}

func TestGetUnknownNeverErrors(t *testing.T) {
	r, _ := newTestRegistry()
	for i := 0; i < 3; i++ {
		_, ok := r.Get("missing")
		assert.False(t, ok)
	}

	_, err := r.Update("missing", models.TaskPatch{Progress: models.IntPtr(5)})
	assert.True(t, errors.Is(err, models.ErrNotFound))
}

func TestProgressIsMonotonicAndClamped(t *testing.T) {
	r, _ := newTestRegistry()
	_, err := r.Create("a")
	require.NoError(t, err)

	steps := []int{5, 18, 10, 150, 40, -3}
	last := 0
	for _, p := range steps {
		rec, err := r.Update("a", models.TaskPatch{Progress: models.IntPtr(p)})
		require.NoError(t, err)
		assert.GreaterOrEqual(t, rec.Progress, last)
		assert.LessOrEqual(t, rec.Progress, 100)
		assert.GreaterOrEqual(t, rec.Progress, 0)
		last = rec.Progress
	}
	assert.Equal(t, 100, last)
}

func TestSnapshotsAreIsolated(t *testing.T) {
	r, _ := newTestRegistry()
	_, _ = r.Create("a")
	_, err := r.Update("a", models.TaskPatch{Result: &models.TaskResult{Label: "Spaceship", ChildName: "Minjun"}})
	require.NoError(t, err)

	got, _ := r.Get("a")
	got.Result.Label = "mutated"

	again, _ := r.Get("a")
	assert.Equal(t, "Spaceship", again.Result.Label)
}

func TestErrorOnOneTaskLeavesOthersUntouched(t *testing.T) {
	r, _ := newTestRegistry()
	_, _ = r.Create("a")
	_, _ = r.Create("b")

	_, err := r.Update("b", models.TaskPatch{
		Status:   models.StatusPtr(models.StatusProcessing),
		Progress: models.IntPtr(18),
		Result:   &models.TaskResult{Label: "Locket", ChildName: "Jiwoo"},
	})
	require.NoError(t, err)
	before, _ := r.Get("b")

	_, err = r.Update("a", models.TaskPatch{
		Status: models.StatusPtr(models.StatusError),
		Error:  models.StringPtr("upload image: boom"),
	})
	require.NoError(t, err)

	after, _ := r.Get("b")
	assert.Equal(t, before.Status, after.Status)
	assert.Equal(t, before.Progress, after.Progress)
	assert.Equal(t, before.Result, after.Result)
	assert.Nil(t, after.Error)
}

func TestConcurrentUpdatesOnDistinctIDs(t *testing.T) {
	r, _ := newTestRegistry()
	const n = 50
	for i := 0; i < n; i++ {
		_, err := r.Create(fmt.Sprintf("t-%d", i))
		require.NoError(t, err)
	}

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("t-%d", i)
			for p := 0; p <= 100; p += 5 {
				_, _ = r.Update(id, models.TaskPatch{Progress: models.IntPtr(p)})
				_, _ = r.Get(id)
			}
			_, _ = r.Update(id, models.TaskPatch{Status: models.StatusPtr(models.StatusDone)})
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		rec, ok := r.Get(fmt.Sprintf("t-%d", i))
		require.True(t, ok)
		assert.Equal(t, 100, rec.Progress)
		assert.Equal(t, models.StatusDone, rec.Status)
	}
	assert.Equal(t, n, r.Stats()[models.StatusDone])
}

func TestListNewestFirst(t *testing.T) {
	r, clk := newTestRegistry()
	_, _ = r.Create("old")
	clk.Advance(time.Second)
	_, _ = r.Create("new")

	list := r.List()
	require.Len(t, list, 2)
	assert.Equal(t, "new", list[0].ID)
	assert.Equal(t, "old", list[1].ID)
}

func TestSweepEvictsOnlyExpiredTerminalTasks(t *testing.T) {
	r, clk := newTestRegistry()
	_, _ = r.Create("done")
	_, _ = r.Create("failed")
	_, _ = r.Create("running")
	_, _ = r.Update("done", models.TaskPatch{Status: models.StatusPtr(models.StatusDone)})
	_, _ = r.Update("failed", models.TaskPatch{Status: models.StatusPtr(models.StatusError)})
	_, _ = r.Update("running", models.TaskPatch{Status: models.StatusPtr(models.StatusProcessing)})

	assert.Equal(t, 0, r.Sweep(clk.Now(), time.Hour))

	clk.Advance(2 * time.Hour)
	assert.Equal(t, 2, r.Sweep(clk.Now(), time.Hour))

	_, ok := r.Get("running")
	assert.True(t, ok)
	_, ok = r.Get("done")
	assert.False(t, ok)
}
