package txmanager

import (
	"errors"
	"fmt"
)

// Kind classifies every error surfaced by the coordinator.
type Kind int

const (
	// KindIllegalState means the caller violated the transaction state machine.
	KindIllegalState Kind = iota + 1
	// KindRollback means the transaction was rolled back instead of committed.
	KindRollback
	// KindHeuristicMixed means some participants committed and some rolled back.
	KindHeuristicMixed
	// KindHeuristicRollback means every participant rolled back after the commit decision.
	KindHeuristicRollback
	// KindSystem is an unexpected internal or resource manager fault.
	KindSystem
)

func (k Kind) String() string {
	switch k {
	case KindIllegalState:
		return "illegal state"
	case KindRollback:
		return "rollback"
	case KindHeuristicMixed:
		return "heuristic mixed"
	case KindHeuristicRollback:
		return "heuristic rollback"
	case KindSystem:
		return "system"
	}
	return "unknown"
}

// Error is the error type returned at the API boundary.
type Error struct {
	Kind Kind
	Op   string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	s := e.Kind.String()
	if e.Op != "" {
		s = e.Op + ": " + s
	}
	if e.Msg != "" {
		s += ": " + e.Msg
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same kind, so the sentinels below work with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Op == "" && t.Msg == "" && t.Err == nil
}

var (
	ErrIllegalState      = &Error{Kind: KindIllegalState}
	ErrRollback          = &Error{Kind: KindRollback}
	ErrHeuristicMixed    = &Error{Kind: KindHeuristicMixed}
	ErrHeuristicRollback = &Error{Kind: KindHeuristicRollback}
	ErrSystem            = &Error{Kind: KindSystem}
)

var (
	// ErrTimedOut is the rollback cause of a transaction whose timer fired.
	ErrTimedOut = errors.New("transaction timed out")
	// ErrMarkedRollback is the rollback cause of a transaction marked rollback-only.
	ErrMarkedRollback = errors.New("transaction marked rollback only")
	// ErrNoTransaction is the cause when nothing is bound to the context.
	ErrNoTransaction = errors.New("no transaction")
)

func illegalState(op, format string, args ...interface{}) error {
	return &Error{Kind: KindIllegalState, Op: op, Msg: fmt.Sprintf(format, args...)}
}

func rollbackErr(op string, cause error) error {
	return &Error{Kind: KindRollback, Op: op, Err: cause}
}

func systemErr(op string, cause error) error {
	return &Error{Kind: KindSystem, Op: op, Err: cause}
}

// NewError builds an *Error for delegates reporting outcomes through the taxonomy.
func NewError(kind Kind, op string, cause error) error {
	return &Error{Kind: kind, Op: op, Err: cause}
}

// KindOf returns the kind of err, or 0 when err is not a coordinator error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}
