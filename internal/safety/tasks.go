package safety

import (
	"context"
	"sync"
)

// taskSet tracks background dispatches so shutdown can drain them. Once
// closed, new tasks run inline on the caller's goroutine.
type taskSet struct {
	mu     sync.Mutex
	wg     sync.WaitGroup
	closed bool
	onSize func(delta int)
}

func (t *taskSet) Go(ctx context.Context, fn func(context.Context)) {
	bg := context.WithoutCancel(ctx)

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		fn(bg)
		return
	}
	t.wg.Add(1)
	t.mu.Unlock()

	t.size(1)
	go func() {
		defer t.wg.Done()
		defer t.size(-1)
		fn(bg)
	}()
}

// Close stops accepting background tasks and waits for running ones until
// ctx is done.
func (t *taskSet) Close(ctx context.Context) error {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	return t.wait(ctx)
}

func (t *taskSet) wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *taskSet) size(delta int) {
	if t.onSize != nil {
		t.onSize(delta)
	}
}
