package workflow

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestPoolRunBoundsConcurrency(t *testing.T) {
	p := NewPool(2)
	var (
		mu      sync.Mutex
		active  int
		maxSeen int
	)
	tasks := make([]func(ctx context.Context) error, 6)
	for i := range tasks {
		tasks[i] = func(ctx context.Context) error {
			mu.Lock()
			active++
			if active > maxSeen {
				maxSeen = active
			}
			mu.Unlock()
			time.Sleep(10 * time.Millisecond)
			mu.Lock()
			active--
			mu.Unlock()
			return nil
		}
	}
	if err := p.Run(context.Background(), tasks); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if maxSeen > 2 {
		t.Fatalf("bound violated: %d concurrent tasks", maxSeen)
	}
}

func TestPoolRunReturnsFirstErrorButRunsAll(t *testing.T) {
	p := NewPool(2)
	var (
		mu   sync.Mutex
		done int
	)
	boom := errors.New("boom")
	tasks := []func(ctx context.Context) error{
		func(ctx context.Context) error { return boom },
		func(ctx context.Context) error {
			mu.Lock()
			done++
			mu.Unlock()
			return nil
		},
		func(ctx context.Context) error {
			mu.Lock()
			done++
			mu.Unlock()
			return nil
		},
	}
	err := p.Run(context.Background(), tasks)
	if !errors.Is(err, boom) {
		t.Fatalf("expected first error, got %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if done != 2 {
		t.Fatalf("remaining tasks should still run, got %d", done)
	}
}

func TestPoolAcquireRespectsContext(t *testing.T) {
	p := NewPool(1)
	if err := p.Acquire(context.Background()); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer p.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := p.Acquire(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}
