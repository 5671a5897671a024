// Package queue implements the FIFO delivery queue that hands finished
// results to the pull-based consumer.
package queue

import (
	"context"

	"drawing-mesh-pipeline/internal/models"
)

// DeliveryQueue is strictly FIFO by push order. PopFront never blocks; an
// empty queue reports ok=false.
type DeliveryQueue interface {
	Push(ctx context.Context, item models.DeliveryItem) error
	PopFront(ctx context.Context) (models.DeliveryItem, bool, error)
	Peek(ctx context.Context) ([]models.DeliveryItem, error)
	Clear(ctx context.Context) (int, error)
	Len(ctx context.Context) (int, error)
}
