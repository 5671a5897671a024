package queue

import (
	"context"
	"sync"

	"drawing-mesh-pipeline/internal/models"
)

// MemoryQueue is an unbounded process-local FIFO.
type MemoryQueue struct {
	mu    sync.Mutex
	items []models.DeliveryItem
}

func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{items: make([]models.DeliveryItem, 0)}
}

// Push appends to the back.
func (q *MemoryQueue) Push(_ context.Context, item models.DeliveryItem) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, item)
	return nil
}

// PopFront removes and returns the oldest item.
func (q *MemoryQueue) PopFront(_ context.Context) (models.DeliveryItem, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return models.DeliveryItem{}, false, nil
	}
	item := q.items[0]
	q.items[0] = models.DeliveryItem{}
	q.items = q.items[1:]
	if len(q.items) == 0 {
		// Drop the backing array once drained so it does not pin popped items.
		q.items = make([]models.DeliveryItem, 0)
	}
	return item, true, nil
}

// Peek copies the pending items without removing them.
func (q *MemoryQueue) Peek(_ context.Context) ([]models.DeliveryItem, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]models.DeliveryItem, len(q.items))
	copy(out, q.items)
	return out, nil
}

// Clear empties the queue and reports how many items were dropped.
func (q *MemoryQueue) Clear(_ context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := len(q.items)
	q.items = make([]models.DeliveryItem, 0)
	return n, nil
}

func (q *MemoryQueue) Len(_ context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items), nil
}
