package worker

import (
	"context"
	"sync"
)

// Pool bounds how many jobs run at once. It is safe to share between
// callers; each Run waits only for its own jobs.
type Pool struct {
	sem chan struct{}
}

func NewPool(size int) *Pool {
	if size < 1 {
		size = 1
	}
	return &Pool{sem: make(chan struct{}, size)}
}

// Run calls job for every index in [0, n) and waits for all started jobs.
// Once ctx is done no further jobs are started and ctx.Err() is returned.
func (p *Pool) Run(ctx context.Context, n int, job func(ctx context.Context, i int)) error {
	var wg sync.WaitGroup
	defer wg.Wait()

	for i := 0; i < n; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case p.sem <- struct{}{}:
		}
		wg.Add(1)
		go func(i int) {
			defer func() { <-p.sem; wg.Done() }()
			job(ctx, i)
		}(i)
	}
	return nil
}
