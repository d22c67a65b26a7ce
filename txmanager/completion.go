package txmanager

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"txcoord/log"
	"txcoord/resource"
)

// outcome is how a local completion ended. Expected rollbacks are values here and only
// become errors at the API boundary.
type outcome int

const (
	outcomeCommitted outcome = iota
	outcomeRolledBack
	outcomeTimedOut
	outcomeMarkedRollback
	outcomeCallbackAbort
	outcomeResourceRolledBack
	outcomeResourceFault
)

func (o outcome) committed() bool {
	return o == outcomeCommitted
}

func (o outcome) err(op string, cause error) error {
	switch o {
	case outcomeCommitted, outcomeRolledBack:
		return nil
	case outcomeTimedOut:
		return rollbackErr(op, ErrTimedOut)
	case outcomeMarkedRollback:
		return rollbackErr(op, ErrMarkedRollback)
	case outcomeCallbackAbort, outcomeResourceRolledBack:
		return rollbackErr(op, cause)
	default:
		return systemErr(op, cause)
	}
}

func (m *TXManager) commit(ctx context.Context, h *Handle) error {
	const op = "commit"
	if err := h.beginCompletion(op); err != nil {
		return err
	}
	h.cancelTimer()

	release := m.monitor.enterCompletion()
	defer release()

	ctx = log.WithFields(ctx, zap.Uint64("tx", uint64(h.key)))
	ctx, span := m.opts.Tracer.Start(ctx, "txcoord.commit",
		trace.WithAttributes(attribute.Int64("tx.key", int64(h.key)), attribute.String("tx.mode", h.Mode().String())))
	defer span.End()

	var err error
	if h.IsGlobal() {
		err = m.commitGlobal(ctx, h, nil)
	} else {
		err = m.commitLocal(ctx, h)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (m *TXManager) commitLocal(ctx context.Context, h *Handle) error {
	const op = "commit"

	if out, ok := rollbackOutcome(h, nil); ok {
		return m.rollbackLocal(ctx, h, out, nil).err(op, nil)
	}

	cause := m.beforeCompletion(ctx, h)
	// a callback enlisted a two-phase resource
	if h.IsGlobal() {
		return m.commitGlobal(ctx, h, cause)
	}
	if out, ok := rollbackOutcome(h, cause); ok {
		return m.rollbackLocal(ctx, h, out, cause).err(op, cause)
	}

	if !h.transition(StatusActive, StatusCommitting) {
		out, ok := rollbackOutcome(h, cause)
		if !ok {
			out = outcomeMarkedRollback
		}
		return m.rollbackLocal(ctx, h, out, cause).err(op, cause)
	}

	out, cause := m.commitOnePhase(ctx, h)
	m.finish(ctx, h, out.committed(), false)
	return out.err(op, cause)
}

// rollbackOutcome reports whether the transaction must roll back instead of committing.
func rollbackOutcome(h *Handle, cause error) (outcome, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	switch {
	case h.timedOut:
		return outcomeTimedOut, true
	case h.status != StatusMarkedRollback:
		return outcomeCommitted, false
	case cause != nil:
		return outcomeCallbackAbort, true
	default:
		return outcomeMarkedRollback, true
	}
}

func (m *TXManager) commitOnePhase(ctx context.Context, h *Handle) (outcome, error) {
	if h.enlisted == nil {
		h.setStatus(StatusCommitted)
		return outcomeCommitted, nil
	}
	p := h.enlisted
	if err := p.TwoPhaseHandle().Commit(ctx, h.xid, true); err != nil {
		h.setStatus(StatusRolledBack)
		log.ErrorContextf(ctx, "one-phase commit of %s failed: %v", p.Name(), err)
		if errors.Is(err, resource.ErrRolledBack) {
			return outcomeResourceRolledBack, fmt.Errorf("commit %s: %w", p.Name(), err)
		}
		return outcomeResourceFault, fmt.Errorf("commit %s: %w", p.Name(), err)
	}
	h.setStatus(StatusCommitted)
	return outcomeCommitted, nil
}

// rollbackLocal rolls back the enlisted resource, if any, and finishes the handle.
func (m *TXManager) rollbackLocal(ctx context.Context, h *Handle, out outcome, cause error) outcome {
	h.setStatus(StatusRollingBack)
	if p := h.enlisted; p != nil {
		if err := p.TwoPhaseHandle().Rollback(ctx, h.xid); err != nil {
			log.ErrorContextf(ctx, "rollback of %s failed: %v", p.Name(), err)
		}
	}
	h.setStatus(StatusRolledBack)
	if cause != nil {
		log.WarnContextf(ctx, "transaction %d rolled back: %v", h.key, cause)
	}
	m.finish(ctx, h, false, false)
	return out
}

// commitGlobal hands completion to the delegate. cause is a before-completion fault
// seen by the core while the handle was still local.
func (m *TXManager) commitGlobal(ctx context.Context, h *Handle, cause error) error {
	const op = "commit"
	d := m.opts.Delegate

	if h.TimedOut() || h.Status() == StatusMarkedRollback {
		switch {
		case h.TimedOut():
			cause = ErrTimedOut
		case cause == nil:
			cause = ErrMarkedRollback
		}
		if err := d.Rollback(ctx, h.gtx); err != nil {
			log.ErrorContextf(ctx, "distributed rollback failed: %v", err)
		}
		h.setStatus(StatusRolledBack)
		m.finish(ctx, h, false, false)
		return rollbackErr(op, cause)
	}

	h.transition(StatusActive, StatusCommitting)
	err := d.Commit(ctx, h.gtx)

	kind := KindOf(err)
	committed := err == nil || kind == KindHeuristicMixed
	status := d.Status(h.gtx)
	if !status.Terminal() {
		status = StatusRolledBack
		if committed {
			status = StatusCommitted
		}
	}
	h.setStatus(status)

	heuristic := kind == KindHeuristicMixed || kind == KindHeuristicRollback
	if heuristic {
		log.ErrorContextf(ctx, "transaction %d completed with %s outcome", h.key, kind)
	}
	m.finish(ctx, h, committed, heuristic)
	if err != nil {
		return delegateErr(op, err)
	}
	return nil
}

func (m *TXManager) rollback(ctx context.Context, h *Handle) error {
	const op = "rollback"
	if err := h.beginCompletion(op); err != nil {
		return err
	}
	h.cancelTimer()

	release := m.monitor.enterCompletion()
	defer release()

	ctx = log.WithFields(ctx, zap.Uint64("tx", uint64(h.key)))
	ctx, span := m.opts.Tracer.Start(ctx, "txcoord.rollback",
		trace.WithAttributes(attribute.Int64("tx.key", int64(h.key))))
	defer span.End()

	if !h.IsGlobal() {
		m.rollbackLocal(ctx, h, outcomeRolledBack, nil)
		return nil
	}

	h.setStatus(StatusRollingBack)
	err := m.opts.Delegate.Rollback(ctx, h.gtx)
	h.setStatus(StatusRolledBack)
	m.finish(ctx, h, false, false)
	if err != nil {
		span.RecordError(err)
		return delegateErr(op, err)
	}
	return nil
}

// beforeCompletion runs interposed then normal callbacks. A fault marks the transaction
// rollback-only and ends its own list; the first fault is returned.
func (m *TXManager) beforeCompletion(ctx context.Context, h *Handle) error {
	first := m.beforeList(ctx, h, func() []Synchronization { return h.interposed })
	if err := m.beforeList(ctx, h, func() []Synchronization { return h.syncs }); first == nil {
		first = err
	}
	return first
}

// beforeList re-reads the list every step since callbacks may register more.
func (m *TXManager) beforeList(ctx context.Context, h *Handle, list func() []Synchronization) error {
	for i := 0; i < len(list()); i++ {
		if err := m.callBefore(ctx, h, list()[i]); err != nil {
			return err
		}
	}
	return nil
}

func (m *TXManager) callBefore(ctx context.Context, h *Handle, s Synchronization) error {
	err := InvokeBeforeCompletion(ctx, s)
	if err != nil {
		log.ErrorContextf(ctx, "before completion callback failed, marking rollback only: %v", err)
		h.markRollback()
	}
	return err
}

// finish runs after-completion callbacks and releases the monitor accounting. It runs
// exactly once per transaction.
func (m *TXManager) finish(ctx context.Context, h *Handle, committed, heuristic bool) {
	status := h.Status()
	for _, s := range h.interposed {
		if err := InvokeAfterCompletion(ctx, s, status); err != nil {
			log.ErrorContextf(ctx, "after completion callback failed: %v", err)
		}
	}
	for _, s := range h.syncs {
		if err := InvokeAfterCompletion(ctx, s, status); err != nil {
			log.ErrorContextf(ctx, "after completion callback failed: %v", err)
		}
	}
	h.notifyParticipants(ctx, committed)
	m.monitor.completed(ctx, h, committed, heuristic)
}
