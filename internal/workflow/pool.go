package workflow

import (
	"context"
	"sync"
)

// Pool is a bounded task pool shared by the engine and node-internal batch
// work (scoring hundreds of users, indexing many documents), so total
// concurrency respects external API rate limits.
type Pool struct {
	sem chan struct{}
}

// NewPool creates a pool allowing at most n concurrent tasks.
func NewPool(n int) *Pool {
	if n <= 0 {
		n = 4
	}
	return &Pool{sem: make(chan struct{}, n)}
}

// Acquire blocks until a pool slot frees or ctx expires.
func (p *Pool) Acquire(ctx context.Context) error {
	select {
	case p.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release returns a slot taken with Acquire.
func (p *Pool) Release() { <-p.sem }

// Run executes tasks concurrently within the pool bound and waits for all of
// them. The first error is returned; remaining tasks still run so callers
// get complete partial results.
func (p *Pool) Run(ctx context.Context, tasks []func(ctx context.Context) error) error {
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		firstEr error
	)
	for _, task := range tasks {
		select {
		case p.sem <- struct{}{}:
		case <-ctx.Done():
			wg.Wait()
			return ctx.Err()
		}
		wg.Add(1)
		go func(fn func(ctx context.Context) error) {
			defer wg.Done()
			defer func() { <-p.sem }()
			if err := fn(ctx); err != nil {
				mu.Lock()
				if firstEr == nil {
					firstEr = err
				}
				mu.Unlock()
			}
		}(task)
	}
	wg.Wait()
	if firstEr != nil {
		return firstEr
	}
	return ctx.Err()
}
