package events

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestQueueFIFO(t *testing.T) {
	q := NewQueue()
	for i := range 100 {
		q.Put(Payload{"n": i})
	}
	if q.Len() != 100 {
		t.Fatalf("Len() = %d, want 100", q.Len())
	}
	for i := range 100 {
		p, err := q.Get(context.Background())
		if err != nil {
			t.Fatalf("Get() error: %v", err)
		}
		if p["n"] != i {
			t.Fatalf("Get() = %v, want n=%d", p, i)
		}
	}
	if _, ok := q.TryGet(); ok {
		t.Error("TryGet() on empty queue should report false")
	}
}

func TestQueueGetBlocksUntilPut(t *testing.T) {
	q := NewQueue()
	got := make(chan Payload, 1)
	go func() {
		p, _ := q.Get(context.Background())
		got <- p
	}()

	time.Sleep(10 * time.Millisecond)
	q.Put(Payload{"text": "late"})

	select {
	case p := <-got:
		if p["text"] != "late" {
			t.Errorf("Get() = %v, want text=late", p)
		}
	case <-time.After(time.Second):
		t.Fatal("Get did not wake after Put")
	}
}

func TestQueueGetContextCancel(t *testing.T) {
	q := NewQueue()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	if _, err := q.Get(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Get() error = %v, want DeadlineExceeded", err)
	}
}

func TestQueueConcurrentConsumers(t *testing.T) {
	q := NewQueue()
	const n = 200
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var mu sync.Mutex
	seen := make(map[int]bool)
	var wg sync.WaitGroup
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				mu.Lock()
				if len(seen) == n {
					mu.Unlock()
					return
				}
				mu.Unlock()
				p, err := q.Get(ctx)
				if err != nil {
					return
				}
				mu.Lock()
				seen[p["n"].(int)] = true
				mu.Unlock()
			}
		}()
	}
	for i := range n {
		q.Put(Payload{"n": i})
	}

	deadline := time.After(5 * time.Second)
	for {
		mu.Lock()
		done := len(seen) == n
		mu.Unlock()
		if done {
			break
		}
		select {
		case <-deadline:
			mu.Lock()
			consumed := len(seen)
			mu.Unlock()
			t.Fatalf("consumed %d of %d", consumed, n)
		case <-time.After(time.Millisecond):
		}
	}
	cancel()
	wg.Wait()
}
