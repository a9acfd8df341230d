// Package task manages the goroutines owned by a device connection.
package task

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/arloliu/go-tcpdev/logger"
)

// Func is the body of a managed goroutine. It should return when ctx is done.
type Func func(ctx context.Context)

// Manager manages the lifecycle of goroutines (tasks) of a device.
// It provides a structured way to start, stop, and wait for goroutines, ensuring proper
// cancellation and panic recovery.
//
// Example Usage:
//
//	taskMgr := task.NewManager(ctx, logger)
//
//	taskMgr.Go("reader", func(ctx context.Context) {
//	    // ... read until ctx is done or the socket is closed ...
//	})
//
//	taskMgr.Stop()
//	taskMgr.Wait()
type Manager struct {
	pctx   context.Context
	logger logger.Logger
	count  atomic.Int32
	wg     sync.WaitGroup
	mu     sync.RWMutex // protect ctx and cancel
	ctx    context.Context
	cancel context.CancelFunc
}

// NewManager creates a new Manager with the given context as the parent context and logger.
func NewManager(ctx context.Context, l logger.Logger) *Manager {
	mgr := &Manager{pctx: ctx, logger: l}
	mgr.ctx, mgr.cancel = context.WithCancel(ctx)

	return mgr
}

// Go starts fn in a new goroutine with the given name.
//
// It returns an error if the manager has been stopped and not yet reset by Wait.
func (mgr *Manager) Go(name string, fn Func) error {
	mgr.mu.RLock()
	ctx := mgr.ctx
	if ctx.Err() != nil {
		mgr.mu.RUnlock()
		return fmt.Errorf("task manager stopped, can't start %s", name)
	}
	mgr.wg.Add(1)
	mgr.mu.RUnlock()

	mgr.count.Add(1)
	mgr.logger.Debug("start task", "name", name, "task_count", mgr.Count())

	go func() {
		defer func() {
			mgr.count.Add(-1)
			mgr.wg.Done()
			mgr.logger.Debug("task terminated", "name", name, "task_count", mgr.Count())
		}()
		defer func() {
			if r := recover(); r != nil {
				mgr.logger.Error("panic in task", "name", name, "panic", r)
			}
		}()

		fn(ctx)
	}()

	return nil
}

// Stop signals all running goroutines through their context.
func (mgr *Manager) Stop() {
	mgr.mu.Lock()
	mgr.cancel()
	mgr.mu.Unlock()
}

// Wait waits for all goroutines to terminate. Afterwards the manager accepts new tasks again.
func (mgr *Manager) Wait() {
	mgr.wg.Wait()

	mgr.mu.Lock()
	if mgr.ctx.Err() != nil {
		mgr.ctx, mgr.cancel = context.WithCancel(mgr.pctx)
	}
	mgr.mu.Unlock()
}

// Count returns the number of currently running goroutines.
func (mgr *Manager) Count() int {
	return int(mgr.count.Load())
}
