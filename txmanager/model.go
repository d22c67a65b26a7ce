package txmanager

import (
	"context"
	"time"
)

// Status of a transaction.
type Status int

const (
	StatusActive Status = iota
	StatusMarkedRollback
	StatusPreparing
	StatusPrepared
	StatusCommitting
	StatusCommitted
	StatusRollingBack
	StatusRolledBack
	StatusNoTransaction
)

func (s Status) String() string {
	switch s {
	case StatusActive:
		return "active"
	case StatusMarkedRollback:
		return "marked-rollback"
	case StatusPreparing:
		return "preparing"
	case StatusPrepared:
		return "prepared"
	case StatusCommitting:
		return "committing"
	case StatusCommitted:
		return "committed"
	case StatusRollingBack:
		return "rolling-back"
	case StatusRolledBack:
		return "rolled-back"
	case StatusNoTransaction:
		return "no-transaction"
	}
	return "unknown"
}

// Terminal reports whether no further completion can happen.
func (s Status) Terminal() bool {
	return s == StatusCommitted || s == StatusRolledBack || s == StatusNoTransaction
}

// Completable reports whether commit or rollback may start from s.
func (s Status) Completable() bool {
	return s == StatusActive || s == StatusMarkedRollback
}

// Mode tells whether the transaction is driven locally or by the distributed delegate.
type Mode int

const (
	ModeLocal Mode = iota
	ModeGlobal
)

func (m Mode) String() string {
	if m == ModeGlobal {
		return "global"
	}
	return "local"
}

// Key is the process-local transaction key. Keys are never reused.
type Key uint64

// Synchronization receives completion callbacks.
type Synchronization interface {
	// BeforeCompletion runs before the commit decision. A returned error (or a panic)
	// marks the transaction rollback-only.
	BeforeCompletion(ctx context.Context) error
	// AfterCompletion runs once the outcome is known.
	AfterCompletion(ctx context.Context, status Status)
}

// SynchronizationFuncs adapts plain functions to Synchronization. Nil funcs are skipped.
type SynchronizationFuncs struct {
	Before func(ctx context.Context) error
	After  func(ctx context.Context, status Status)
}

func (s SynchronizationFuncs) BeforeCompletion(ctx context.Context) error {
	if s.Before == nil {
		return nil
	}
	return s.Before(ctx)
}

func (s SynchronizationFuncs) AfterCompletion(ctx context.Context, status Status) {
	if s.After != nil {
		s.After(ctx, status)
	}
}

// Snapshot describes an in-flight transaction for admin listings.
type Snapshot struct {
	Key           Key
	GlobalID      string
	Status        Status
	Mode          Mode
	ComponentName string
	ResourceNames []string
	StartedAt     time.Time
	Elapsed       time.Duration
	Remaining     time.Duration
	TimedOut      bool
}

// Stats are the monitor's completion counters.
type Stats struct {
	Begun      int64
	Committed  int64
	RolledBack int64
	Heuristic  int64
	Active     int
	Components int // components holding registered participants
}
