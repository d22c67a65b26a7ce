package twophase

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/multierr"

	"txcoord/log"
	"txcoord/resource"
	"txcoord/txmanager"
)

func (c *Coordinator) Commit(ctx context.Context, gtx txmanager.GlobalTx) error {
	const op = "commit"
	g, err := lookup(gtx)
	if err != nil {
		return err
	}
	g.mu.Lock()
	status, rollbackOnly := g.status, g.rollbackOnly
	g.mu.Unlock()
	if status != txmanager.StatusActive && status != txmanager.StatusMarkedRollback {
		return txmanager.NewError(txmanager.KindIllegalState, op, fmt.Errorf("transaction is %s", status))
	}
	g.timerTask.Cancel()

	if rollbackOnly {
		return c.abort(ctx, g, txmanager.ErrMarkedRollback)
	}
	if cause := c.beforeCompletion(ctx, g); cause != nil {
		log.ErrorContextf(ctx, "before completion callback failed, rolling back %s: %v", g.xid, cause)
		return c.abort(ctx, g, cause)
	}

	g.mu.Lock()
	if g.rollbackOnly {
		g.mu.Unlock()
		return c.abort(ctx, g, txmanager.ErrMarkedRollback)
	}
	g.status = txmanager.StatusPreparing
	g.mu.Unlock()

	for _, b := range g.branches {
		if b.ended {
			continue
		}
		if err := b.xa.End(ctx, g.xid, resource.TMSuccess); err != nil {
			return c.abort(ctx, g, fmt.Errorf("end %s: %w", b.p.Name(), err))
		}
		b.ended = true
	}

	// a sole branch needs no prepare round
	if len(g.branches) == 1 && g.lastAgent == nil {
		return c.commitOnePhase(ctx, g, g.branches[0])
	}

	for _, b := range g.branches {
		vote, err := b.xa.Prepare(ctx, g.xid)
		if err != nil {
			return c.abort(ctx, g, fmt.Errorf("prepare %s: %w", b.p.Name(), err))
		}
		switch vote {
		case resource.VoteReadOnly:
			b.done = true
		case resource.VoteRollback:
			b.done = true
			return c.abort(ctx, g, fmt.Errorf("%s voted rollback", b.p.Name()))
		}
	}
	g.setStatus(txmanager.StatusPrepared)

	committed := 0
	if la := g.lastAgent; la != nil {
		if err := la.xa.Commit(ctx, g.xid, true); err != nil {
			la.done = true
			return c.abort(ctx, g, fmt.Errorf("last agent %s: %w", la.p.Name(), err))
		}
		la.done = true
		committed++
	}

	g.setStatus(txmanager.StatusCommitting)
	var failures error
	for _, b := range g.branches {
		if b.done {
			continue
		}
		b.done = true
		if err := b.xa.Commit(ctx, g.xid, false); err != nil {
			failures = multierr.Append(failures, fmt.Errorf("commit %s: %w", b.p.Name(), err))
			continue
		}
		committed++
	}

	final := txmanager.StatusCommitted
	var result error
	switch {
	case failures == nil:
	case committed > 0:
		result = txmanager.NewError(txmanager.KindHeuristicMixed, op, failures)
	default:
		final = txmanager.StatusRolledBack
		result = txmanager.NewError(txmanager.KindHeuristicRollback, op, failures)
	}
	if result != nil {
		log.ErrorContextf(ctx, "distributed transaction %s: %v", g.xid, result)
	}
	g.setStatus(final)
	c.afterCompletion(ctx, g, final)
	c.forget(g)
	return result
}

func (c *Coordinator) commitOnePhase(ctx context.Context, g *globalTx, b *branch) error {
	const op = "commit"
	g.setStatus(txmanager.StatusCommitting)
	b.done = true
	if err := b.xa.Commit(ctx, g.xid, true); err != nil {
		g.setStatus(txmanager.StatusRolledBack)
		c.afterCompletion(ctx, g, txmanager.StatusRolledBack)
		c.forget(g)
		if errors.Is(err, resource.ErrRolledBack) {
			return txmanager.NewError(txmanager.KindRollback, op, err)
		}
		return txmanager.NewError(txmanager.KindSystem, op, err)
	}
	g.setStatus(txmanager.StatusCommitted)
	c.afterCompletion(ctx, g, txmanager.StatusCommitted)
	c.forget(g)
	return nil
}

// abort rolls back every unfinished branch and reports the rollback with its cause.
func (c *Coordinator) abort(ctx context.Context, g *globalTx, cause error) error {
	g.setStatus(txmanager.StatusRollingBack)
	_ = c.rollbackBranches(ctx, g)
	g.setStatus(txmanager.StatusRolledBack)
	c.afterCompletion(ctx, g, txmanager.StatusRolledBack)
	c.forget(g)
	return txmanager.NewError(txmanager.KindRollback, "commit", cause)
}
