// Package twophase is an in-memory distributed delegate running the two-phase commit
// exchange over the participants of promoted transactions. It keeps no log, so it
// cannot recover in-doubt branches after a crash.
package twophase

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"txcoord/log"
	"txcoord/resource"
	"txcoord/timer"
	"txcoord/txmanager"
)

var errUnknownTx = errors.New("twophase: unknown transaction")

type branch struct {
	p     resource.Participant
	xa    resource.XAResource
	ended bool
	done  bool // prepared read-only or already completed
}

type globalTx struct {
	xid      resource.XID
	imported bool

	mu           sync.Mutex
	status       txmanager.Status
	rollbackOnly bool
	branches     []*branch
	lastAgent    *branch
	interposed   []txmanager.Synchronization
	syncs        []txmanager.Synchronization
	timerTask    *timer.Task
}

func (g *globalTx) XID() resource.XID {
	return g.xid.Clone()
}

func (g *globalTx) markRollbackOnly() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.status == txmanager.StatusActive || g.status == txmanager.StatusMarkedRollback {
		g.rollbackOnly = true
		g.status = txmanager.StatusMarkedRollback
	}
}

func (g *globalTx) setStatus(s txmanager.Status) {
	g.mu.Lock()
	g.status = s
	g.mu.Unlock()
}

// Coordinator implements txmanager.DistributedDelegate.
type Coordinator struct {
	opts *Options

	mu  sync.Mutex
	txs map[string]*globalTx
}

var _ txmanager.DistributedDelegate = (*Coordinator)(nil)

func New(opts ...Option) *Coordinator {
	c := &Coordinator{
		opts: &Options{},
		txs:  make(map[string]*globalTx),
	}
	for _, opt := range opts {
		opt(c.opts)
	}
	repair(c.opts)
	return c
}

// Stop releases the scheduler when the coordinator created it.
func (c *Coordinator) Stop() {
	if c.opts.ownScheduler {
		c.opts.Scheduler.Stop()
	}
}

// Active returns the number of transactions not yet completed.
func (c *Coordinator) Active() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.txs)
}

func (c *Coordinator) SupportsTwoPhase() bool {
	return true
}

func (c *Coordinator) Start(ctx context.Context, h *txmanager.Handle, useTimer bool) (txmanager.GlobalTx, error) {
	g := &globalTx{xid: h.GlobalID(), status: txmanager.StatusActive}
	if useTimer {
		c.armTimeout(g, h.RemainingTimeout())
	}
	if err := c.add(g); err != nil {
		return nil, err
	}
	log.DebugContextf(ctx, "distributed transaction %s started", g.xid)
	return g, nil
}

func (c *Coordinator) Import(ctx context.Context, xid resource.XID, timeout time.Duration) (txmanager.GlobalTx, error) {
	c.mu.Lock()
	if g, ok := c.txs[xid.Key()]; ok {
		c.mu.Unlock()
		return g, nil
	}
	c.mu.Unlock()

	if timeout == 0 {
		timeout = c.opts.ImportTimeout
	}
	g := &globalTx{xid: xid.Clone(), imported: true, status: txmanager.StatusActive}
	if timeout > 0 {
		c.armTimeout(g, timeout)
	}
	if err := c.add(g); err != nil {
		return nil, err
	}
	log.DebugContextf(ctx, "distributed transaction %s imported", g.xid)
	return g, nil
}

func (c *Coordinator) armTimeout(g *globalTx, remaining time.Duration) {
	if remaining <= 0 {
		g.markRollbackOnly()
		return
	}
	g.timerTask = c.opts.Scheduler.Schedule(remaining, func() {
		log.Logger().Warn("distributed transaction timed out", zap.Stringer("xid", g.xid))
		g.markRollbackOnly()
	})
}

func (c *Coordinator) add(g *globalTx) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.txs[g.xid.Key()]; ok {
		return fmt.Errorf("twophase: transaction %s already exists", g.xid)
	}
	c.txs[g.xid.Key()] = g
	return nil
}

func (c *Coordinator) forget(g *globalTx) {
	g.timerTask.Cancel()
	c.mu.Lock()
	delete(c.txs, g.xid.Key())
	c.mu.Unlock()
}

func lookup(gtx txmanager.GlobalTx) (*globalTx, error) {
	g, ok := gtx.(*globalTx)
	if !ok || g == nil {
		return nil, txmanager.NewError(txmanager.KindSystem, "lookup", errUnknownTx)
	}
	return g, nil
}

// requireActive fails unless the transaction still accepts work. Participants may join
// a marked transaction; they are rolled back with it.
func requireActive(g *globalTx, op string, allowMarked bool) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	switch g.status {
	case txmanager.StatusActive:
		return nil
	case txmanager.StatusMarkedRollback:
		if allowMarked {
			return nil
		}
		return txmanager.NewError(txmanager.KindRollback, op, txmanager.ErrMarkedRollback)
	}
	return txmanager.NewError(txmanager.KindIllegalState, op, fmt.Errorf("transaction is %s", g.status))
}

// joinable returns the branch already open on the same resource manager as xa.
func joinable(g *globalTx, xa resource.XAResource) (*branch, error) {
	candidates := append([]*branch(nil), g.branches...)
	if g.lastAgent != nil {
		candidates = append(candidates, g.lastAgent)
	}
	for _, b := range candidates {
		same, err := xa.IsSameRM(b.xa)
		if err != nil {
			return nil, err
		}
		if same {
			return b, nil
		}
	}
	return nil, nil
}

func (c *Coordinator) Enlist(ctx context.Context, gtx txmanager.GlobalTx, p resource.Participant) (bool, error) {
	const op = "enlist"
	g, err := lookup(gtx)
	if err != nil {
		return false, err
	}
	if err := requireActive(g, op, true); err != nil {
		return false, err
	}

	xa := p.TwoPhaseHandle()
	existing, err := joinable(g, xa)
	if err != nil {
		return false, txmanager.NewError(txmanager.KindSystem, op, err)
	}
	if existing != nil {
		if existing.p == p {
			return true, nil
		}
		if err := xa.Start(ctx, g.xid, resource.TMJoin); err != nil {
			return false, txmanager.NewError(txmanager.KindSystem, op, err)
		}
		return true, nil
	}
	if err := xa.Start(ctx, g.xid, resource.TMNoFlags); err != nil {
		return false, txmanager.NewError(txmanager.KindSystem, op, err)
	}
	g.branches = append(g.branches, &branch{p: p, xa: xa})
	return true, nil
}

func (c *Coordinator) EnlistSinglePhase(ctx context.Context, gtx txmanager.GlobalTx, p resource.Participant, started bool) (bool, error) {
	const op = "enlist single phase"
	g, err := lookup(gtx)
	if err != nil {
		return false, err
	}
	if err := requireActive(g, op, true); err != nil {
		return false, err
	}

	xa := p.TwoPhaseHandle()
	if g.lastAgent != nil {
		if g.lastAgent.p == p {
			return true, nil
		}
		same, err := xa.IsSameRM(g.lastAgent.xa)
		if err != nil {
			return false, txmanager.NewError(txmanager.KindSystem, op, err)
		}
		if !same {
			return false, txmanager.NewError(txmanager.KindIllegalState, op,
				fmt.Errorf("last agent %s already enlisted, cannot add %s", g.lastAgent.p.Name(), p.Name()))
		}
		return true, nil
	}
	if !started {
		if err := xa.Start(ctx, g.xid, resource.TMNoFlags); err != nil {
			return false, txmanager.NewError(txmanager.KindSystem, op, err)
		}
	}
	g.lastAgent = &branch{p: p, xa: xa}
	return true, nil
}

func (c *Coordinator) Delist(ctx context.Context, gtx txmanager.GlobalTx, p resource.Participant, flag resource.Flag) (bool, error) {
	const op = "delist"
	g, err := lookup(gtx)
	if err != nil {
		return false, err
	}

	var target *branch
	for _, b := range g.branches {
		if b.p == p {
			target = b
			break
		}
	}
	if target == nil && g.lastAgent != nil && g.lastAgent.p == p {
		target = g.lastAgent
	}
	if target == nil {
		return false, nil
	}
	if err := target.xa.End(ctx, g.xid, flag); err != nil {
		g.markRollbackOnly()
		return false, txmanager.NewError(txmanager.KindSystem, op, err)
	}
	target.ended = true
	if flag == resource.TMFail {
		g.markRollbackOnly()
	}
	return true, nil
}

func (c *Coordinator) SetRollbackOnly(gtx txmanager.GlobalTx) error {
	g, err := lookup(gtx)
	if err != nil {
		return err
	}
	g.markRollbackOnly()
	return nil
}

func (c *Coordinator) Status(gtx txmanager.GlobalTx) txmanager.Status {
	g, err := lookup(gtx)
	if err != nil {
		return txmanager.StatusNoTransaction
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.status
}

func (c *Coordinator) RegisterSynchronization(gtx txmanager.GlobalTx, s txmanager.Synchronization, interposed bool) error {
	const op = "register synchronization"
	g, err := lookup(gtx)
	if err != nil {
		return err
	}
	if err := requireActive(g, op, false); err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if interposed {
		g.interposed = append(g.interposed, s)
	} else {
		g.syncs = append(g.syncs, s)
	}
	return nil
}

func (c *Coordinator) Rollback(ctx context.Context, gtx txmanager.GlobalTx) error {
	const op = "rollback"
	g, err := lookup(gtx)
	if err != nil {
		return err
	}
	g.mu.Lock()
	status := g.status
	if status != txmanager.StatusActive && status != txmanager.StatusMarkedRollback {
		g.mu.Unlock()
		return txmanager.NewError(txmanager.KindIllegalState, op, fmt.Errorf("transaction is %s", status))
	}
	g.status = txmanager.StatusRollingBack
	g.mu.Unlock()

	errs := c.rollbackBranches(ctx, g)
	g.setStatus(txmanager.StatusRolledBack)
	c.afterCompletion(ctx, g, txmanager.StatusRolledBack)
	c.forget(g)
	if errs != nil {
		return txmanager.NewError(txmanager.KindSystem, op, errs)
	}
	return nil
}

// rollbackBranches rolls back every open branch, the last agent included.
func (c *Coordinator) rollbackBranches(ctx context.Context, g *globalTx) error {
	var errs error
	all := append([]*branch(nil), g.branches...)
	if g.lastAgent != nil {
		all = append(all, g.lastAgent)
	}
	for _, b := range all {
		if b.done {
			continue
		}
		b.done = true
		if err := b.xa.Rollback(ctx, g.xid); err != nil && !errors.Is(err, resource.ErrUnknownXID) {
			errs = multierr.Append(errs, fmt.Errorf("rollback %s: %w", b.p.Name(), err))
		}
	}
	if errs != nil {
		log.ErrorContextf(ctx, "rollback of %s incomplete: %v", g.xid, errs)
	}
	return errs
}

func (c *Coordinator) afterCompletion(ctx context.Context, g *globalTx, status txmanager.Status) {
	g.mu.Lock()
	interposed, syncs := g.interposed, g.syncs
	g.mu.Unlock()
	for _, s := range interposed {
		if err := txmanager.InvokeAfterCompletion(ctx, s, status); err != nil {
			log.ErrorContextf(ctx, "after completion callback failed: %v", err)
		}
	}
	for _, s := range syncs {
		if err := txmanager.InvokeAfterCompletion(ctx, s, status); err != nil {
			log.ErrorContextf(ctx, "after completion callback failed: %v", err)
		}
	}
}

// beforeCompletion runs interposed then normal callbacks. A fault marks the transaction
// rollback-only and ends its own list; the first fault is returned.
func (c *Coordinator) beforeCompletion(ctx context.Context, g *globalTx) error {
	first := runBefore(ctx, g, func() []txmanager.Synchronization { return g.interposed })
	if err := runBefore(ctx, g, func() []txmanager.Synchronization { return g.syncs }); first == nil {
		first = err
	}
	return first
}

// runBefore reads the list under g.mu and calls each callback without it.
func runBefore(ctx context.Context, g *globalTx, list func() []txmanager.Synchronization) error {
	for i := 0; ; i++ {
		g.mu.Lock()
		l := list()
		if i >= len(l) {
			g.mu.Unlock()
			return nil
		}
		s := l[i]
		g.mu.Unlock()
		if err := txmanager.InvokeBeforeCompletion(ctx, s); err != nil {
			g.markRollbackOnly()
			return err
		}
	}
}
