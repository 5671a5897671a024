package queue

import (
	"context"
	"fmt"
	"sync"
	"testing"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"drawing-mesh-pipeline/internal/models"
)

func newRedisQueue(t *testing.T) *RedisQueue {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisQueueWithClient(client, "test:delivery")
}

// backends runs each case against both implementations.
func backends(t *testing.T) map[string]DeliveryQueue {
	return map[string]DeliveryQueue{
		"memory": NewMemoryQueue(),
		"redis":  newRedisQueue(t),
	}
}

func item(label string) models.DeliveryItem {
	return models.DeliveryItem{Label: label, ChildName: "kid-" + label, JobID: "job-" + label, Artifact: "ref-" + label}
}

func TestPopFrontOnEmptyIsSideEffectFree(t *testing.T) {
	ctx := context.Background()
	for name, q := range backends(t) {
		t.Run(name, func(t *testing.T) {
			for i := 0; i < 3; i++ {
				got, ok, err := q.PopFront(ctx)
				if err != nil {
					t.Fatalf("pop: %v", err)
				}
				if ok {
					t.Fatalf("expected empty sentinel, got %+v", got)
				}
				if n, _ := q.Len(ctx); n != 0 {
					t.Fatalf("expected len 0 after empty pop, got %d", n)
				}
			}
		})
	}
}

func TestFIFOOrdering(t *testing.T) {
	ctx := context.Background()
	for name, q := range backends(t) {
		t.Run(name, func(t *testing.T) {
			_ = q.Push(ctx, item("A"))

			got, ok, _ := q.PopFront(ctx)
			if !ok || got.Label != "A" {
				t.Fatalf("expected A, got ok=%v %+v", ok, got)
			}
			if _, ok, _ := q.PopFront(ctx); ok {
				t.Fatalf("expected empty sentinel after single item")
			}

			_ = q.Push(ctx, item("A"))
			_ = q.Push(ctx, item("B"))
			first, _, _ := q.PopFront(ctx)
			second, _, _ := q.PopFront(ctx)
			if first.Label != "A" || second.Label != "B" {
				t.Fatalf("expected A then B, got %s then %s", first.Label, second.Label)
			}
			if want := item("A"); first.ChildName != want.ChildName || first.JobID != want.JobID || first.Artifact != want.Artifact {
				t.Fatalf("item changed in transit: %+v", first)
			}
		})
	}
}

func TestPeekAndClear(t *testing.T) {
	ctx := context.Background()
	for name, q := range backends(t) {
		t.Run(name, func(t *testing.T) {
			for _, l := range []string{"A", "B", "C"} {
				_ = q.Push(ctx, item(l))
			}
			peeked, err := q.Peek(ctx)
			if err != nil {
				t.Fatalf("peek: %v", err)
			}
			if len(peeked) != 3 || peeked[0].Label != "A" || peeked[2].Label != "C" {
				t.Fatalf("unexpected peek: %+v", peeked)
			}
			if n, _ := q.Len(ctx); n != 3 {
				t.Fatalf("peek must not consume, len=%d", n)
			}

			cleared, err := q.Clear(ctx)
			if err != nil || cleared != 3 {
				t.Fatalf("clear: n=%d err=%v", cleared, err)
			}
			if cleared, _ := q.Clear(ctx); cleared != 0 {
				t.Fatalf("second clear should remove nothing, got %d", cleared)
			}
		})
	}
}

func TestConcurrentPushPopLosesNothing(t *testing.T) {
	ctx := context.Background()
	const producers, perProducer = 8, 25
	for name, q := range backends(t) {
		t.Run(name, func(t *testing.T) {
			var wg sync.WaitGroup
			for p := 0; p < producers; p++ {
				wg.Add(1)
				go func(p int) {
					defer wg.Done()
					for i := 0; i < perProducer; i++ {
						_ = q.Push(ctx, item(fmt.Sprintf("%d-%d", p, i)))
					}
				}(p)
			}

			seen := make(map[string]int)
			var mu sync.Mutex
			done := make(chan struct{})
			go func() {
				wg.Wait()
				close(done)
			}()

			drain := func() {
				for {
					got, ok, err := q.PopFront(ctx)
					if err != nil {
						t.Errorf("pop: %v", err)
						return
					}
					if !ok {
						return
					}
					mu.Lock()
					seen[got.Label]++
					mu.Unlock()
				}
			}
		loop:
			for {
				select {
				case <-done:
					drain()
					break loop
				default:
					drain()
				}
			}

			if len(seen) != producers*perProducer {
				t.Fatalf("expected %d distinct items, got %d", producers*perProducer, len(seen))
			}
			for label, n := range seen {
				if n != 1 {
					t.Fatalf("item %s delivered %d times", label, n)
				}
			}
		})
	}
}

func TestRedisPopFrontMovesUndecodableItemToDeadLetters(t *testing.T) {
	ctx := context.Background()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	q := NewRedisQueueWithClient(client, "test:delivery")

	if _, err := mr.RPush("test:delivery", "{not json"); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if err := q.Push(ctx, item("ok")); err != nil {
		t.Fatalf("push: %v", err)
	}

	if _, ok, err := q.PopFront(ctx); err == nil || ok {
		t.Fatalf("expected decode error for garbage head, got ok=%v err=%v", ok, err)
	}
	dead, err := q.DeadLetters(ctx)
	if err != nil {
		t.Fatalf("dead letters: %v", err)
	}
	if len(dead) != 1 || dead[0] != "{not json" {
		t.Fatalf("expected raw payload in dead letters, got %q", dead)
	}

	got, ok, err := q.PopFront(ctx)
	if err != nil || !ok {
		t.Fatalf("expected next item, got ok=%v err=%v", ok, err)
	}
	if got.Label != "ok" {
		t.Fatalf("expected label ok, got %q", got.Label)
	}
	if n, _ := q.Len(ctx); n != 0 {
		t.Fatalf("expected empty queue, got %d", n)
	}
}
