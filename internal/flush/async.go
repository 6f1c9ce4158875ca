package flush

import (
	"context"
	"fmt"
	"sync"

	"github.com/scr-project/scr/internal/comm"
	"github.com/scr-project/scr/internal/filemap"
	"github.com/scr-project/scr/internal/mover"
)

// AsyncFlusher drives spec.md §4.6's asynchronous flush: Start issues the
// transfer and returns immediately, Test/Wait/Complete drive it forward.
// At most one flush may be in flight at a time; Start blocks until any
// prior flush finishes.
type AsyncFlusher struct {
	mu      sync.Mutex
	mv      mover.Mover
	handle  mover.Handle
	active  bool
	dataset int
}

// NewAsyncFlusher returns a flusher driving transfers through mv.
func NewAsyncFlusher(mv mover.Mover) *AsyncFlusher {
	return &AsyncFlusher{mv: mv}
}

// Start issues the transfer for fm's user files into prefixDir and returns
// immediately. If a previous flush is still active, Start blocks until it
// completes first (spec.md §4.6: "a new flush request while one is active
// waits for the prior to complete").
func (a *AsyncFlusher) Start(ctx context.Context, group comm.Comm, prefixDir string, fm *filemap.Map) error {
	a.mu.Lock()
	if a.active {
		prevHandle := a.handle
		a.mu.Unlock()
		if _, err := a.mv.Wait(ctx, prevHandle); err != nil {
			return fmt.Errorf("flush: waiting for prior async flush: %w", err)
		}
		a.mu.Lock()
	}
	defer a.mu.Unlock()

	plan := Plan(fm, prefixDir)
	if err := MakeDestDirs(ctx, group, plan); err != nil {
		return fmt.Errorf("flush: async start: %w", err)
	}
	files := make([]mover.FilePair, len(plan))
	for i, p := range plan {
		files[i] = mover.FilePair{Source: p.CachePath, Dest: p.DestPath}
	}

	h, err := a.mv.Flush(ctx, mover.Manifest{Files: files}, prefixDir, mover.TypeAsync)
	if err != nil {
		return fmt.Errorf("flush: async start: %w", err)
	}
	a.handle = h
	a.active = true
	a.dataset = fm.Dataset.ID
	return nil
}

// Test reports whether the active flush has finished, without blocking.
func (a *AsyncFlusher) Test() (mover.Status, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.active {
		return mover.StatusDone, nil
	}
	return a.mv.Test(a.handle)
}

// Wait blocks until the active flush reaches a terminal status.
func (a *AsyncFlusher) Wait(ctx context.Context) (mover.Status, error) {
	a.mu.Lock()
	active := a.active
	h := a.handle
	a.mu.Unlock()
	if !active {
		return mover.StatusDone, nil
	}
	return a.mv.Wait(ctx, h)
}

// Complete blocks for the active flush to finish (as Wait does), then
// clears the in-flight state and reports whether it succeeded. Equivalent
// to spec.md §4.6's "complete" entry point.
func (a *AsyncFlusher) Complete(ctx context.Context) (bool, error) {
	st, err := a.Wait(ctx)
	a.mu.Lock()
	a.active = false
	a.mu.Unlock()
	if err != nil {
		return false, err
	}
	return st == mover.StatusDone, nil
}

// Stop cancels the active flush (spec.md §5's "async_stop"), blocking
// until the mover acknowledges.
func (a *AsyncFlusher) Stop(ctx context.Context) error {
	a.mu.Lock()
	active := a.active
	h := a.handle
	a.mu.Unlock()
	if !active {
		return nil
	}
	if err := a.mv.Cancel(ctx, h); err != nil {
		return err
	}
	a.mu.Lock()
	a.active = false
	a.mu.Unlock()
	return nil
}

// Active reports whether a flush is currently in flight.
func (a *AsyncFlusher) Active() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.active
}
