package guard

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestBreakerSet_OpensAfterFailures(t *testing.T) {
	s := NewBreakerSet(BreakerConfig{MinRequests: 3, FailureRatio: 0.5, Timeout: time.Hour})
	boom := errors.New("boom")

	for i := 0; i < 5; i++ {
		if err := s.Do("api.example.com", func() error { return boom }); !errors.Is(err, boom) && !errors.Is(err, ErrOpen) {
			t.Fatalf("unexpected error %v", err)
		}
	}

	if err := s.Do("api.example.com", func() error { return nil }); !errors.Is(err, ErrOpen) {
		t.Errorf("error = %v, want ErrOpen", err)
	}
	// Other dependencies are unaffected.
	if err := s.Do("other.example.com", func() error { return nil }); err != nil {
		t.Errorf("other dependency error = %v", err)
	}
}

func TestBreakerSet_SuccessKeepsClosed(t *testing.T) {
	s := NewBreakerSet(BreakerConfig{})
	for i := 0; i < 20; i++ {
		if err := s.Do("ok.example.com", func() error { return nil }); err != nil {
			t.Fatalf("error = %v", err)
		}
	}
}

func TestBulkhead_BoundsConcurrency(t *testing.T) {
	b := NewBulkhead(2)
	var mu sync.Mutex
	running, peak := 0, 0

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = b.Do(context.Background(), func() error {
				mu.Lock()
				running++
				if running > peak {
					peak = running
				}
				mu.Unlock()
				time.Sleep(10 * time.Millisecond)
				mu.Lock()
				running--
				mu.Unlock()
				return nil
			})
		}()
	}
	wg.Wait()

	if peak > 2 {
		t.Errorf("peak concurrency = %d, want <= 2", peak)
	}
}

func TestBulkhead_AcquireTimesOut(t *testing.T) {
	b := NewBulkhead(1)
	if err := b.Acquire(context.Background()); err != nil {
		t.Fatalf("Acquire error = %v", err)
	}
	defer b.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := b.Acquire(ctx); !errors.Is(err, ErrBulkheadFull) {
		t.Errorf("error = %v, want ErrBulkheadFull", err)
	}
}
