package txmanager

import (
	"context"
	"errors"
	"fmt"

	"txcoord/log"
	"txcoord/resource"
)

var errNoTwoPhase = errors.New("distributed delegate does not support two-phase participants")

// enlist decides whether p joins the local transaction, promotes it, or is rejected.
// A false result without error means the participant was not enlisted and the caller
// may retry later.
func (m *TXManager) enlist(ctx context.Context, h *Handle, p resource.Participant) (bool, error) {
	const op = "enlist"

	if !p.IsTransactional() {
		return true, nil
	}
	capability := p.Capability()
	if capability == resource.AdminObject {
		m.components.add(h.componentName, p)
		return true, nil
	}
	if p.IsLazyEnlistmentSuspended() {
		return false, nil
	}

	// a marked transaction still accepts work; it can only roll back
	if status := h.Status(); !status.Completable() {
		return false, illegalState(op, "transaction is %s", status)
	}

	if capability == resource.TwoPhase {
		return m.enlistTwoPhase(ctx, h, p)
	}
	return m.enlistSinglePhase(ctx, h, p)
}

func (m *TXManager) enlistTwoPhase(ctx context.Context, h *Handle, p resource.Participant) (bool, error) {
	const op = "enlist"

	d := m.opts.Delegate
	if d == nil || !d.SupportsTwoPhase() {
		return false, systemErr(op, errNoTwoPhase)
	}
	if !h.IsGlobal() {
		if err := m.promote(ctx, h); err != nil {
			return false, err
		}
	}
	ok, err := d.Enlist(ctx, h.gtx, p)
	if err != nil {
		return false, delegateErr(op, err)
	}
	if ok {
		m.recordEnlisted(h, p)
	}
	return ok, nil
}

func (m *TXManager) enlistSinglePhase(ctx context.Context, h *Handle, p resource.Participant) (bool, error) {
	const op = "enlist"

	if h.IsGlobal() {
		if h.imported {
			return false, illegalState(op, "single-phase resource %s cannot join an imported transaction", p.Name())
		}
		ok, err := m.opts.Delegate.EnlistSinglePhase(ctx, h.gtx, p, false)
		if err != nil {
			return false, delegateErr(op, err)
		}
		if ok {
			h.lastAgent = p
			m.recordEnlisted(h, p)
		}
		return ok, nil
	}

	if h.enlisted == nil {
		if err := p.TwoPhaseHandle().Start(ctx, h.xid, resource.TMNoFlags); err != nil {
			h.markRollback()
			return false, systemErr(op, fmt.Errorf("start %s: %w", p.Name(), err))
		}
		h.enlisted = p
		m.recordEnlisted(h, p)
		return true, nil
	}
	if h.enlisted == p {
		return true, nil
	}

	same, err := p.TwoPhaseHandle().IsSameRM(h.enlisted.TwoPhaseHandle())
	if err != nil {
		h.markRollback()
		return false, systemErr(op, fmt.Errorf("compare resource managers: %w", err))
	}
	if !same {
		return false, illegalState(op, "already has a non-distributed resource %s, cannot enlist %s",
			h.enlisted.Name(), p.Name())
	}
	if !p.IsShareable() || !h.enlisted.IsShareable() {
		return false, illegalState(op, "resource %s is not shareable", p.Name())
	}
	// same resource manager: the branch started for the first participant covers it
	m.recordEnlisted(h, p)
	return true, nil
}

func (m *TXManager) recordEnlisted(h *Handle, p resource.Participant) {
	p.MarkEnlisted(h.xid)
	h.register(p)
	m.components.add(h.componentName, p)
}

// promote hands a local transaction over to the distributed delegate. It happens at
// most once per handle.
func (m *TXManager) promote(ctx context.Context, h *Handle) error {
	const op = "promote"
	d := m.opts.Delegate

	useTimer := h.cancelTimer()
	gtx, err := d.Start(ctx, h, useTimer)
	if err != nil {
		h.markRollback()
		return systemErr(op, err)
	}

	// the local branch moves first so a failed transfer leaves the handle local, where
	// completion still owes the resource its terminal call
	if h.enlisted != nil {
		local := h.enlisted
		if _, err := d.EnlistSinglePhase(ctx, gtx, local, true); err != nil {
			h.markRollback()
			if rerr := d.Rollback(ctx, gtx); rerr != nil {
				log.WarnContextf(ctx, "discard global transaction %s: %v", gtx.XID(), rerr)
			}
			return systemErr(op, fmt.Errorf("transfer %s: %w", local.Name(), err))
		}
	}

	h.mu.Lock()
	h.gtx = gtx
	h.mode = ModeGlobal
	marked := h.status == StatusMarkedRollback
	h.mu.Unlock()
	if h.enlisted != nil {
		h.lastAgent = h.enlisted
		h.enlisted = nil
	}

	// once completion started the core keeps running its own callbacks
	if !h.commitStarted {
		for _, s := range h.interposed {
			if err := d.RegisterSynchronization(gtx, s, true); err != nil {
				return systemErr(op, err)
			}
		}
		for _, s := range h.syncs {
			if err := d.RegisterSynchronization(gtx, s, false); err != nil {
				return systemErr(op, err)
			}
		}
		h.interposed, h.syncs = nil, nil
	}

	if marked && !m.opts.LegacySkipRollbackPropagation {
		if err := d.SetRollbackOnly(gtx); err != nil {
			return systemErr(op, err)
		}
	}
	log.InfoContextf(ctx, "transaction %d promoted to %s", h.key, gtx.XID())
	return nil
}

// delist ends p's association with the transaction.
func (m *TXManager) delist(ctx context.Context, h *Handle, p resource.Participant, flag resource.Flag) (bool, error) {
	const op = "delist"

	if h.IsGlobal() {
		ok, err := m.opts.Delegate.Delist(ctx, h.gtx, p, flag)
		if err != nil {
			return false, delegateErr(op, err)
		}
		if ok && flag == resource.TMFail {
			h.markRollback()
		}
		return ok, nil
	}
	if h.enlisted == nil || h.enlisted != p {
		return false, nil
	}
	if err := p.TwoPhaseHandle().End(ctx, h.xid, flag); err != nil {
		h.markRollback()
		return false, systemErr(op, fmt.Errorf("end %s: %w", p.Name(), err))
	}
	if flag == resource.TMFail {
		h.markRollback()
	}
	return true, nil
}

// delegateErr keeps taxonomy errors from the delegate intact and wraps anything else.
func delegateErr(op string, err error) error {
	if KindOf(err) != 0 {
		return err
	}
	return systemErr(op, err)
}
