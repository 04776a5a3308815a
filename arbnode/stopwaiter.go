package arbnode

import (
	"context"
	"sync"
	"time"
)

// StopWaiter is a small goroutine-lifecycle helper: Start binds a
// cancelable context, LaunchThread/CallIteratively spawn goroutines
// tracked by an internal WaitGroup, and StopAndWait cancels that context
// and blocks until every tracked goroutine has returned. Ported from
// nitro's util/stopwaiter, which isn't fetchable outside nitro's own
// module (see DESIGN.md).
type StopWaiter struct {
	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Start binds ctxIn as the parent of every goroutine this StopWaiter
// launches from here on.
func (s *StopWaiter) Start(ctxIn context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ctx, s.cancel = context.WithCancel(ctxIn)
}

// GetContext returns the context bound by Start.
func (s *StopWaiter) GetContext() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ctx
}

// LaunchThread runs f in its own goroutine, tracked so StopAndWait
// blocks until it returns.
func (s *StopWaiter) LaunchThread(f func(ctx context.Context)) {
	ctx := s.GetContext()
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		f(ctx)
	}()
}

// CallIteratively runs f repeatedly, sleeping for the duration f returns
// between calls, until the bound context is canceled.
func (s *StopWaiter) CallIteratively(f func(ctx context.Context) time.Duration) {
	ctx := s.GetContext()
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			interval := f(ctx)
			if ctx.Err() != nil {
				return
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(interval):
			}
		}
	}()
}

// StopAndWait cancels the bound context and waits for every launched
// goroutine to return.
func (s *StopWaiter) StopAndWait() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
}

// Stopped reports whether the bound context has been canceled.
func (s *StopWaiter) Stopped() bool {
	ctx := s.GetContext()
	return ctx != nil && ctx.Err() != nil
}
