// Package resource defines the contracts between the transaction coordinator and the
// resource managers and pooled connections it drives.
package resource

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
)

var (
	// ErrRolledBack is returned by a resource manager that rolled the branch back
	// instead of committing it.
	ErrRolledBack = errors.New("resource: branch rolled back")
	// ErrUnknownXID is returned when the resource manager has no branch for the xid.
	ErrUnknownXID = errors.New("resource: unknown xid")
	// ErrProtocol is returned when a call arrives in the wrong branch state.
	ErrProtocol = errors.New("resource: protocol error")
)

// XID identifies a transaction branch towards a resource manager.
type XID struct {
	FormatID        int32
	GlobalTxnID     []byte
	BranchQualifier []byte
}

func (x XID) String() string {
	return fmt.Sprintf("XID{fmt=%d,gtrid=%x,bqual=%x}", x.FormatID, x.GlobalTxnID, x.BranchQualifier)
}

// IsZero reports whether the XID is empty.
func (x XID) IsZero() bool {
	return len(x.GlobalTxnID) == 0 && len(x.BranchQualifier) == 0
}

// Equal reports whether both XIDs name the same branch.
func (x XID) Equal(o XID) bool {
	return x.FormatID == o.FormatID &&
		bytes.Equal(x.GlobalTxnID, o.GlobalTxnID) &&
		bytes.Equal(x.BranchQualifier, o.BranchQualifier)
}

// Clone returns a deep copy.
func (x XID) Clone() XID {
	return XID{
		FormatID:        x.FormatID,
		GlobalTxnID:     append([]byte(nil), x.GlobalTxnID...),
		BranchQualifier: append([]byte(nil), x.BranchQualifier...),
	}
}

// Key returns a string usable as a map key.
func (x XID) Key() string {
	return fmt.Sprintf("%d:%s:%s", x.FormatID, hex.EncodeToString(x.GlobalTxnID), hex.EncodeToString(x.BranchQualifier))
}

// Flag qualifies Start and End calls.
type Flag int

const (
	TMNoFlags Flag = 0
	TMJoin    Flag = 0x00200000
	TMResume  Flag = 0x08000000
	TMSuccess Flag = 0x04000000
	TMFail    Flag = 0x20000000
	TMSuspend Flag = 0x02000000
)

func (f Flag) String() string {
	switch f {
	case TMNoFlags:
		return "TMNOFLAGS"
	case TMJoin:
		return "TMJOIN"
	case TMResume:
		return "TMRESUME"
	case TMSuccess:
		return "TMSUCCESS"
	case TMFail:
		return "TMFAIL"
	case TMSuspend:
		return "TMSUSPEND"
	}
	return fmt.Sprintf("Flag(%#x)", int(f))
}

// Vote is a prepare outcome.
type Vote int

const (
	VoteCommit Vote = iota
	VoteReadOnly
	VoteRollback
)

func (v Vote) String() string {
	switch v {
	case VoteCommit:
		return "commit"
	case VoteReadOnly:
		return "read-only"
	case VoteRollback:
		return "rollback"
	}
	return "unknown"
}

// XAResource is the branch-level interface of a resource manager.
type XAResource interface {
	Name() string
	Start(ctx context.Context, xid XID, flags Flag) error
	End(ctx context.Context, xid XID, flags Flag) error
	Prepare(ctx context.Context, xid XID) (Vote, error)
	Commit(ctx context.Context, xid XID, onePhase bool) error // onePhase skips prepare
	Rollback(ctx context.Context, xid XID) error
	IsSameRM(other XAResource) (bool, error)
}

// Capability is how a participant can take part in a transaction. It is resolved once,
// when the participant is first presented for enlistment.
type Capability int

const (
	SinglePhase Capability = iota // commit or rollback in one call
	TwoPhase                      // can prepare and join a distributed transaction
	AdminObject                   // tracked for cleanup, never enlisted
)

func (c Capability) String() string {
	switch c {
	case SinglePhase:
		return "single-phase"
	case TwoPhase:
		return "two-phase"
	case AdminObject:
		return "admin-object"
	}
	return "unknown"
}

// Participant is a pooled connection handed out by the connector layer.
type Participant interface {
	Name() string
	PoolID() string // resource group key in the per-transaction registry
	Capability() Capability
	IsTransactional() bool
	IsLazyEnlistmentSuspended() bool
	TwoPhaseHandle() XAResource
	MarkEnlisted(xid XID)
	IsEnlisted() bool
	IsShareable() bool
	CloseUserConnection() error
}

// CompletionListener is implemented by participants that want to learn the outcome of
// the transaction they were registered with.
type CompletionListener interface {
	TransactionCompleted(xid XID, committed bool)
}
