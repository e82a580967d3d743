package gis

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestImportLimiter_AcquireRelease(t *testing.T) {
	l := newImportLimiter(2, time.Second)

	if got := l.activeCount(); got != 0 {
		t.Errorf("initial activeCount = %d, want 0", got)
	}
	if got := l.available(); got != 2 {
		t.Errorf("initial available = %d, want 2", got)
	}

	ctx := context.Background()
	if err := l.acquire(ctx); err != nil {
		t.Fatalf("first acquire failed: %v", err)
	}
	if err := l.acquire(ctx); err != nil {
		t.Fatalf("second acquire failed: %v", err)
	}

	if got := l.activeCount(); got != 2 {
		t.Errorf("activeCount = %d, want 2", got)
	}
	if got := l.available(); got != 0 {
		t.Errorf("available = %d, want 0", got)
	}

	l.release()
	if got := l.activeCount(); got != 1 {
		t.Errorf("after release, activeCount = %d, want 1", got)
	}
	l.release()
	if got := l.activeCount(); got != 0 {
		t.Errorf("after second release, activeCount = %d, want 0", got)
	}
}

func TestImportLimiter_RejectsWhenFull(t *testing.T) {
	l := newImportLimiter(1, 100*time.Millisecond)

	ctx := context.Background()
	if err := l.acquire(ctx); err != nil {
		t.Fatalf("acquire failed: %v", err)
	}

	start := time.Now()
	err := l.acquire(ctx)
	elapsed := time.Since(start)

	if !errors.Is(err, ErrTooManyImports) {
		t.Errorf("expected ErrTooManyImports, got %v", err)
	}
	if elapsed < 90*time.Millisecond {
		t.Errorf("rejected too fast: %v", elapsed)
	}

	l.release()
}

func TestImportLimiter_ContextCancellation(t *testing.T) {
	l := newImportLimiter(1, 5*time.Second)

	if err := l.acquire(context.Background()); err != nil {
		t.Fatalf("acquire failed: %v", err)
	}

	cancelCtx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- l.acquire(cancelCtx)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("expected context.Canceled, got %v", err)
		}
	case <-time.After(time.Second):
		t.Error("acquire did not return after context cancellation")
	}

	l.release()
}

func TestImportLimiter_ConcurrentAccess(t *testing.T) {
	const maxConcurrent = 3
	const totalRequests = 10

	l := newImportLimiter(maxConcurrent, time.Second)

	var wg sync.WaitGroup
	var mu sync.Mutex
	maxObserved := 0

	for i := 0; i < totalRequests; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()

			if err := l.acquire(context.Background()); err != nil {
				t.Errorf("acquire failed: %v", err)
				return
			}
			defer l.release()

			mu.Lock()
			if current := l.activeCount(); current > maxObserved {
				maxObserved = current
			}
			mu.Unlock()

			time.Sleep(10 * time.Millisecond)
		}()
	}
	wg.Wait()

	if maxObserved > maxConcurrent {
		t.Errorf("exceeded max concurrent: observed %d, max %d", maxObserved, maxConcurrent)
	}
	if got := l.activeCount(); got != 0 {
		t.Errorf("final activeCount = %d, want 0", got)
	}
}

func TestImportLimiter_Defaults(t *testing.T) {
	l := newImportLimiter(0, 0)
	if got := cap(l.semaphore); got != defaultMaxConcurrentImports {
		t.Errorf("default capacity = %d, want %d", got, defaultMaxConcurrentImports)
	}
	if l.maxWait != defaultImportSlotWait {
		t.Errorf("default maxWait = %v, want %v", l.maxWait, defaultImportSlotWait)
	}
}
