package guard

import (
	"context"
	"errors"
)

var ErrBulkheadFull = errors.New("bulkhead full")

// Bulkhead bounds concurrent work with a semaphore. Acquire blocks until a
// slot frees or the context expires, so a slow dependency saturates its
// slot budget instead of the whole worker.
type Bulkhead struct {
	slots chan struct{}
}

func NewBulkhead(size int) *Bulkhead {
	if size <= 0 {
		size = 10
	}
	return &Bulkhead{slots: make(chan struct{}, size)}
}

func (b *Bulkhead) Acquire(ctx context.Context) error {
	select {
	case b.slots <- struct{}{}:
		return nil
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return ErrBulkheadFull
		}
		return ctx.Err()
	}
}

func (b *Bulkhead) Release() {
	select {
	case <-b.slots:
	default:
	}
}

// InUse returns the number of held slots.
func (b *Bulkhead) InUse() int { return len(b.slots) }

// Do runs fn inside a slot.
func (b *Bulkhead) Do(ctx context.Context, fn func() error) error {
	if err := b.Acquire(ctx); err != nil {
		return err
	}
	defer b.Release()
	return fn()
}
