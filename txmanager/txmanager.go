// Package txmanager coordinates transactions over one or more resources. A transaction
// starts local, bound to at most one single-phase resource, and is promoted to a
// distributed transaction run by a DistributedDelegate when a two-phase participant
// enlists.
package txmanager

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"txcoord/log"
)

type TXManager struct {
	opts       *Options
	nextKey    atomic.Uint64
	monitor    *monitor
	components *componentRegistry
}

func NewTXManager(opts ...Option) *TXManager {
	txManager := &TXManager{
		opts: &Options{},
	}
	for _, opt := range opts {
		opt(txManager.opts)
	}
	// defaults for everything left unset
	repair(txManager.opts)

	components, err := newComponentRegistry(txManager.opts.RegistryShards, txManager.opts.RegistryCapacity)
	if err != nil {
		// repair guarantees a positive capacity
		panic(err)
	}
	txManager.components = components
	txManager.monitor = newMonitor(txManager.opts.Monitoring, txManager.opts.Meter)
	return txManager
}

// Stop releases the scheduler when the manager created it.
func (t *TXManager) Stop() {
	if t.opts.ownScheduler {
		t.opts.Scheduler.Stop()
	}
}

// Delegate returns the configured distributed delegate, possibly nil.
func (t *TXManager) Delegate() DistributedDelegate {
	return t.opts.Delegate
}

// NewContext returns an empty transaction context. Each goroutine driving transactions
// uses its own context.
func (t *TXManager) NewContext() *TransactionContext {
	return &TransactionContext{m: t}
}

func (t *TXManager) newHandle(ctx context.Context, timeout time.Duration, component string) *Handle {
	h := newHandle(Key(t.nextKey.Add(1)), t.opts.Delegate, timeout, component)
	h.armTimer(t.opts.Scheduler)
	t.monitor.begun(ctx, h)
	log.With(ctx).Debug("transaction begun",
		zap.Uint64("tx", uint64(h.key)), zap.Duration("timeout", timeout), zap.String("component", component))
	return h
}

// Freeze blocks until in-flight monitored completions finish, then holds new ones
// until Unfreeze. Transaction starts are not gated.
func (t *TXManager) Freeze() {
	t.monitor.freezeAll()
}

func (t *TXManager) Unfreeze() {
	t.monitor.unfreeze()
}

func (t *TXManager) IsFrozen() bool {
	return t.monitor.frozen.Load()
}

// ActiveTransactions lists in-flight transactions ordered by key.
func (t *TXManager) ActiveTransactions() []Snapshot {
	return t.monitor.snapshots()
}

func (t *TXManager) Stats() Stats {
	s := t.monitor.stats()
	s.Components = t.components.len()
	return s
}

// ComponentDestroyed closes every participant still registered by component. Close
// failures are logged, not returned.
func (t *TXManager) ComponentDestroyed(ctx context.Context, component string) {
	closed, failed := t.components.release(ctx, component)
	log.DebugContextf(ctx, "component %s destroyed: %d closed, %d failed", component, closed, failed)
}
