package gis

// import_limiter.go bounds concurrent imports. Each import can hold an
// ogr2ogr subprocess, the decoded frame and a batch-insert transaction in
// memory at once, so parallel imports are capped by a semaphore. When all
// slots are taken, a new import waits up to maxWait before being rejected
// with ErrTooManyImports.

import (
	"context"
	"sync"
	"time"
)

// ErrTooManyImports is returned when every import slot is occupied and the
// wait budget expires. Clients should retry after a short delay.
var ErrTooManyImports = &Error{
	Class:   ClassStorageRejected,
	Message: "too many concurrent imports, please try again later",
}

const (
	defaultMaxConcurrentImports = 5
	defaultImportSlotWait       = 30 * time.Second
)

// importLimiter caps the number of imports running at once.
type importLimiter struct {
	semaphore chan struct{}
	maxWait   time.Duration

	mu     sync.RWMutex
	active int
}

func newImportLimiter(maxConcurrent int, maxWait time.Duration) *importLimiter {
	if maxConcurrent <= 0 {
		maxConcurrent = defaultMaxConcurrentImports
	}
	if maxWait <= 0 {
		maxWait = defaultImportSlotWait
	}
	return &importLimiter{
		semaphore: make(chan struct{}, maxConcurrent),
		maxWait:   maxWait,
	}
}

// acquire claims an import slot, waiting up to maxWait for one to free.
// Every successful acquire must be paired with a release.
func (l *importLimiter) acquire(ctx context.Context) error {
	waitCtx, cancel := context.WithTimeout(ctx, l.maxWait)
	defer cancel()

	select {
	case l.semaphore <- struct{}{}:
		l.mu.Lock()
		l.active++
		l.mu.Unlock()
		return nil
	case <-waitCtx.Done():
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return ErrTooManyImports
	}
}

func (l *importLimiter) release() {
	l.mu.Lock()
	l.active--
	l.mu.Unlock()
	<-l.semaphore
}

// activeCount returns the number of imports currently holding a slot.
func (l *importLimiter) activeCount() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.active
}

func (l *importLimiter) available() int {
	return cap(l.semaphore) - len(l.semaphore)
}
