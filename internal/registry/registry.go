// Package registry holds the in-memory task table: the single source of truth
// for status, progress and results of every submission in this process.
package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"drawing-mesh-pipeline/internal/clock"
	"drawing-mesh-pipeline/internal/models"
)

// Registry maps task ids to records. Each record is written by exactly one
// pipeline run; any number of readers may take snapshots concurrently.
type Registry struct {
	mu    sync.RWMutex
	tasks map[string]*models.TaskRecord
	clock clock.Clock
}

// New creates an empty registry.
func New(clk clock.Clock) *Registry {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Registry{
		tasks: make(map[string]*models.TaskRecord),
		clock: clk,
	}
}

// Create inserts a queued record with progress 0.
func (r *Registry) Create(id string) (models.TaskRecord, error) {
	if id == "" {
		return models.TaskRecord{}, fmt.Errorf("%w: task id cannot be empty", models.ErrValidation)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tasks[id]; exists {
		return models.TaskRecord{}, fmt.Errorf("%w: %s", models.ErrTaskExists, id)
	}
	now := r.clock.Now().UTC()
	rec := &models.TaskRecord{
		ID:        id,
		Status:    models.StatusQueued,
		Progress:  0,
		CreatedAt: now,
		UpdatedAt: now,
	}
	r.tasks[id] = rec
	return snapshot(rec), nil
}

// Get returns a copy of the record, or false when the id is unknown.
func (r *Registry) Get(id string) (models.TaskRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.tasks[id]
	if !ok {
		return models.TaskRecord{}, false
	}
	return snapshot(rec), true
}

// Update applies the non-nil fields of patch atomically. Progress is clamped
// to [0,100] and never moves backwards.
func (r *Registry) Update(id string, patch models.TaskPatch) (models.TaskRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.tasks[id]
	if !ok {
		return models.TaskRecord{}, fmt.Errorf("%w: %s", models.ErrNotFound, id)
	}
	if patch.Status != nil {
		rec.Status = *patch.Status
	}
	if patch.Progress != nil {
		p := clamp(*patch.Progress)
		if p > rec.Progress {
			rec.Progress = p
		}
	}
	if patch.Result != nil {
		res := *patch.Result
		rec.Result = &res
	}
	if patch.Error != nil {
		msg := *patch.Error
		rec.Error = &msg
	}
	rec.UpdatedAt = r.clock.Now().UTC()
	return snapshot(rec), nil
}

// List returns a summary of every known task, newest first.
func (r *Registry) List() []models.TaskSummary {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]models.TaskSummary, 0, len(r.tasks))
	for _, rec := range r.tasks {
		out = append(out, models.TaskSummary{
			ID:        rec.ID,
			Status:    rec.Status,
			Progress:  rec.Progress,
			CreatedAt: rec.CreatedAt,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// Stats counts tasks per status.
func (r *Registry) Stats() map[models.TaskStatus]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := map[models.TaskStatus]int{
		models.StatusQueued:     0,
		models.StatusProcessing: 0,
		models.StatusDone:       0,
		models.StatusError:      0,
	}
	for _, rec := range r.tasks {
		out[rec.Status]++
	}
	return out
}

// Sweep evicts done/error records last updated more than ttl before now.
// Tasks still queued or processing are never evicted.
func (r *Registry) Sweep(now time.Time, ttl time.Duration) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := now.Add(-ttl)
	removed := 0
	for id, rec := range r.tasks {
		if rec.Status.Terminal() && rec.UpdatedAt.Before(cutoff) {
			delete(r.tasks, id)
			removed++
		}
	}
	return removed
}

// RunJanitor sweeps on every tick until ctx is cancelled. onSweep, if set,
// receives the number of evicted records.
func (r *Registry) RunJanitor(ctx context.Context, interval, ttl time.Duration, onSweep func(int)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n := r.Sweep(r.clock.Now().UTC(), ttl)
			if onSweep != nil {
				onSweep(n)
			}
		}
	}
}

func snapshot(rec *models.TaskRecord) models.TaskRecord {
	out := *rec
	if rec.Result != nil {
		res := *rec.Result
		out.Result = &res
	}
	if rec.Error != nil {
		msg := *rec.Error
		out.Error = &msg
	}
	return out
}

func clamp(p int) int {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}
