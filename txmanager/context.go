package txmanager

import (
	"context"
	"time"

	"txcoord/resource"
)

// TransactionContext is the "current transaction" slot of one goroutine. It is not safe
// for concurrent use; hand a transaction to another goroutine with Suspend and Resume.
type TransactionContext struct {
	m         *TXManager
	current   *Handle
	timeout   time.Duration
	component string
}

type contextKey struct{}

// NewContextWith returns a context carrying tc.
func NewContextWith(ctx context.Context, tc *TransactionContext) context.Context {
	return context.WithValue(ctx, contextKey{}, tc)
}

// FromContext returns the TransactionContext carried by ctx.
func FromContext(ctx context.Context) (*TransactionContext, bool) {
	tc, ok := ctx.Value(contextKey{}).(*TransactionContext)
	return tc, ok
}

// SetComponent names the component whose work runs on this context. New transactions
// and enlisted participants are tagged with it.
func (tc *TransactionContext) SetComponent(name string) {
	tc.component = name
}

// Begin starts a transaction. A zero timeout falls back to SetTransactionTimeout and
// then to the manager default; zero there means no timeout.
func (tc *TransactionContext) Begin(ctx context.Context, timeout time.Duration) error {
	if tc.current != nil {
		return illegalState("begin", "nested transactions are not supported")
	}
	if timeout < 0 {
		return illegalState("begin", "negative timeout %s", timeout)
	}
	if timeout == 0 {
		timeout = tc.timeout
	}
	if timeout == 0 {
		timeout = tc.m.opts.DefaultTimeout
	}
	tc.current = tc.m.newHandle(ctx, timeout, tc.component)
	return nil
}

// Import binds a distributed transaction propagated by an external coordinator.
func (tc *TransactionContext) Import(ctx context.Context, xid resource.XID, timeout time.Duration) error {
	const op = "import"
	if tc.current != nil {
		return illegalState(op, "a transaction is already bound")
	}
	d := tc.m.opts.Delegate
	if d == nil {
		return systemErr(op, errNoTwoPhase)
	}
	gtx, err := d.Import(ctx, xid, timeout)
	if err != nil {
		return delegateErr(op, err)
	}
	h := newHandle(Key(tc.m.nextKey.Add(1)), d, timeout, tc.component)
	h.xid = xid.Clone()
	h.mode = ModeGlobal
	h.gtx = gtx
	h.imported = true
	tc.m.monitor.begun(ctx, h)
	tc.current = h
	return nil
}

// Commit completes the bound transaction. The binding is cleared once the transaction
// reached a terminal status, whatever the outcome.
func (tc *TransactionContext) Commit(ctx context.Context) error {
	h := tc.current
	if h == nil {
		return &Error{Kind: KindIllegalState, Op: "commit", Err: ErrNoTransaction}
	}
	err := tc.m.commit(ctx, h)
	tc.release(h)
	return err
}

func (tc *TransactionContext) Rollback(ctx context.Context) error {
	h := tc.current
	if h == nil {
		return &Error{Kind: KindIllegalState, Op: "rollback", Err: ErrNoTransaction}
	}
	err := tc.m.rollback(ctx, h)
	tc.release(h)
	return err
}

func (tc *TransactionContext) release(h *Handle) {
	if tc.current == h && h.Status().Terminal() {
		tc.current = nil
	}
}

func (tc *TransactionContext) SetRollbackOnly() error {
	if tc.current == nil {
		return &Error{Kind: KindIllegalState, Op: "set rollback only", Err: ErrNoTransaction}
	}
	return tc.current.SetRollbackOnly()
}

// Status returns StatusNoTransaction when nothing is bound.
func (tc *TransactionContext) Status() Status {
	if tc.current == nil {
		return StatusNoTransaction
	}
	return tc.current.Status()
}

// TransactionKey returns the key of the bound transaction.
func (tc *TransactionContext) TransactionKey() (Key, bool) {
	if tc.current == nil {
		return 0, false
	}
	return tc.current.key, true
}

// Transaction returns the bound handle or nil.
func (tc *TransactionContext) Transaction() *Handle {
	return tc.current
}

// Suspend detaches the bound transaction without changing it. It returns nil when
// nothing is bound.
func (tc *TransactionContext) Suspend() *Handle {
	h := tc.current
	tc.current = nil
	return h
}

// Resume binds a suspended transaction.
func (tc *TransactionContext) Resume(h *Handle) error {
	const op = "resume"
	if h == nil {
		return illegalState(op, "nil transaction")
	}
	if tc.current != nil {
		return illegalState(op, "a transaction is already bound")
	}
	if status := h.Status(); status.Terminal() {
		return illegalState(op, "transaction is %s", status)
	}
	tc.current = h
	return nil
}

func (tc *TransactionContext) RegisterSynchronization(s Synchronization) error {
	return tc.register(s, false)
}

// RegisterInterposedSynchronization registers a callback that runs before the normal
// ones on both sides of completion.
func (tc *TransactionContext) RegisterInterposedSynchronization(s Synchronization) error {
	return tc.register(s, true)
}

func (tc *TransactionContext) register(s Synchronization, interposed bool) error {
	const op = "register synchronization"
	h := tc.current
	if h == nil {
		return &Error{Kind: KindIllegalState, Op: op, Err: ErrNoTransaction}
	}
	switch status := h.Status(); status {
	case StatusActive:
	case StatusMarkedRollback:
		return rollbackErr(op, ErrMarkedRollback)
	default:
		return illegalState(op, "transaction is %s", status)
	}

	if h.IsGlobal() && !h.commitStarted {
		if err := tc.m.opts.Delegate.RegisterSynchronization(h.gtx, s, interposed); err != nil {
			return delegateErr(op, err)
		}
		return nil
	}
	if interposed {
		h.interposed = append(h.interposed, s)
	} else {
		h.syncs = append(h.syncs, s)
	}
	return nil
}

// SetTransactionTimeout sets the timeout of transactions begun later on this context.
// Zero restores the manager default.
func (tc *TransactionContext) SetTransactionTimeout(timeout time.Duration) error {
	if timeout < 0 {
		return illegalState("set transaction timeout", "negative timeout %s", timeout)
	}
	tc.timeout = timeout
	return nil
}

// RemainingTimeout returns the time left on the bound transaction, negative if overrun.
func (tc *TransactionContext) RemainingTimeout() (time.Duration, error) {
	if tc.current == nil {
		return 0, &Error{Kind: KindIllegalState, Op: "remaining timeout", Err: ErrNoTransaction}
	}
	return tc.current.RemainingTimeout(), nil
}

// Enlist associates p with the bound transaction.
func (tc *TransactionContext) Enlist(ctx context.Context, p resource.Participant) (bool, error) {
	if tc.current == nil {
		return false, &Error{Kind: KindIllegalState, Op: "enlist", Err: ErrNoTransaction}
	}
	return tc.m.enlist(ctx, tc.current, p)
}

// Delist ends p's association with the bound transaction.
func (tc *TransactionContext) Delist(ctx context.Context, p resource.Participant, flag resource.Flag) (bool, error) {
	if tc.current == nil {
		return false, &Error{Kind: KindIllegalState, Op: "delist", Err: ErrNoTransaction}
	}
	return tc.m.delist(ctx, tc.current, p, flag)
}

// Release drops p from the component registry once the application closed it.
func (tc *TransactionContext) Release(p resource.Participant) {
	tc.m.components.remove(tc.component, p)
}
