package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestPool_BasicExecution(t *testing.T) {
	pool := NewPool(2)

	done := make(chan struct{})
	err := pool.Submit(context.Background(), func(ctx context.Context) error {
		close(done)
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected submit error: %v", err)
	}
	<-done

	if err := pool.Shutdown(context.Background()); err != nil {
		t.Fatalf("unexpected shutdown error: %v", err)
	}
	s := pool.Stats()
	if s.Completed != 1 {
		t.Errorf("expected 1 completed, got %d", s.Completed)
	}
	if s.Capacity != 2 {
		t.Errorf("expected capacity 2, got %d", s.Capacity)
	}
}

func TestPool_ConcurrencyLimit(t *testing.T) {
	poolSize := 3
	pool := NewPool(poolSize)

	var maxConcurrent int64
	var current int64
	var mu sync.Mutex

	for i := 0; i < 10; i++ {
		err := pool.Submit(context.Background(), func(ctx context.Context) error {
			c := atomic.AddInt64(&current, 1)
			mu.Lock()
			if c > maxConcurrent {
				maxConcurrent = c
			}
			mu.Unlock()

			time.Sleep(10 * time.Millisecond)
			atomic.AddInt64(&current, -1)
			return nil
		})
		if err != nil {
			t.Fatalf("unexpected submit error: %v", err)
		}
	}
	if err := pool.Shutdown(context.Background()); err != nil {
		t.Fatalf("unexpected shutdown error: %v", err)
	}

	if maxConcurrent > int64(poolSize) {
		t.Errorf("max concurrent %d exceeded pool size %d", maxConcurrent, poolSize)
	}
	if maxConcurrent == 0 {
		t.Error("no concurrent execution detected")
	}
}

func TestPool_SubmitRespectsContext(t *testing.T) {
	pool := NewPool(1)
	block := make(chan struct{})
	defer close(block)

	if err := pool.Submit(context.Background(), func(ctx context.Context) error {
		<-block
		return nil
	}); err != nil {
		t.Fatalf("unexpected submit error: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := pool.Submit(ctx, func(ctx context.Context) error { return nil })
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
}

func TestPool_CountsFailuresAndPanics(t *testing.T) {
	pool := NewPool(2)

	_ = pool.Submit(context.Background(), func(ctx context.Context) error {
		return errors.New("boom")
	})
	_ = pool.Submit(context.Background(), func(ctx context.Context) error {
		panic("kaboom")
	})
	if err := pool.Shutdown(context.Background()); err != nil {
		t.Fatalf("unexpected shutdown error: %v", err)
	}

	s := pool.Stats()
	if s.Failed != 2 {
		t.Errorf("expected 2 failed, got %d", s.Failed)
	}
	if s.Panics != 1 {
		t.Errorf("expected 1 panic, got %d", s.Panics)
	}
	if s.Active != 0 {
		t.Errorf("expected 0 active, got %d", s.Active)
	}
}

func TestPool_RejectsAfterShutdown(t *testing.T) {
	pool := NewPool(1)
	if err := pool.Shutdown(context.Background()); err != nil {
		t.Fatalf("unexpected shutdown error: %v", err)
	}

	err := pool.Submit(context.Background(), func(ctx context.Context) error { return nil })
	if !errors.Is(err, ErrPoolShutdown) {
		t.Errorf("expected ErrPoolShutdown, got %v", err)
	}
}

func TestPool_ShutdownBoundedByContext(t *testing.T) {
	pool := NewPool(1)
	block := make(chan struct{})
	defer close(block)

	_ = pool.Submit(context.Background(), func(ctx context.Context) error {
		<-block
		return nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := pool.Shutdown(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
}
