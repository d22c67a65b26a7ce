package txmanager

import (
	"context"
	"time"

	"txcoord/resource"
)

// GlobalTx is the delegate's handle on a distributed transaction.
type GlobalTx interface {
	XID() resource.XID
}

// DistributedDelegate runs the two-phase commit exchange for promoted transactions.
// Commit reports outcomes through the error taxonomy: KindRollback, KindHeuristicMixed,
// KindHeuristicRollback or KindSystem.
type DistributedDelegate interface {
	// Start begins a distributed transaction for h, identified by h.GlobalID(). When
	// useTimer is set the delegate owns the timeout and arms it with h.RemainingTimeout().
	Start(ctx context.Context, h *Handle, useTimer bool) (GlobalTx, error)
	// Import recreates a distributed transaction propagated by an external coordinator.
	Import(ctx context.Context, xid resource.XID, timeout time.Duration) (GlobalTx, error)
	// Enlist adds a two-phase participant.
	Enlist(ctx context.Context, gtx GlobalTx, p resource.Participant) (bool, error)
	// EnlistSinglePhase adds a single-phase participant committed with the last-agent
	// optimization. started is set when the branch was already started by the local path.
	EnlistSinglePhase(ctx context.Context, gtx GlobalTx, p resource.Participant, started bool) (bool, error)
	// Delist ends the participant's association; resource.TMFail marks the transaction
	// rollback-only.
	Delist(ctx context.Context, gtx GlobalTx, p resource.Participant, flag resource.Flag) (bool, error)
	Commit(ctx context.Context, gtx GlobalTx) error
	Rollback(ctx context.Context, gtx GlobalTx) error
	SetRollbackOnly(gtx GlobalTx) error
	Status(gtx GlobalTx) Status
	// RegisterSynchronization queues a callback; interposed callbacks run before normal
	// ones on both sides of completion.
	RegisterSynchronization(gtx GlobalTx, s Synchronization, interposed bool) error
	// SupportsTwoPhase reports whether two-phase participants can be enlisted at all.
	SupportsTwoPhase() bool
}
