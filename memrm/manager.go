// Package memrm is an in-memory resource manager. It keeps staged writes per branch,
// applies them on commit and records every branch call so the call sequence can be
// inspected.
package memrm

import (
	"context"
	"fmt"
	"sync"

	"txcoord/resource"
)

// Call is one recorded branch call.
type Call struct {
	Op       string
	XID      resource.XID
	Flags    resource.Flag
	OnePhase bool
}

func (c Call) String() string {
	switch c.Op {
	case "commit":
		if c.OnePhase {
			return "commit(one-phase)"
		}
		return "commit"
	case "start", "end":
		return fmt.Sprintf("%s(%s)", c.Op, c.Flags)
	}
	return c.Op
}

type branchState int

const (
	branchActive branchState = iota
	branchEnded
	branchPrepared
)

type branch struct {
	state        branchState
	rollbackOnly bool
	writes       map[string]string
}

// Manager is a resource manager holding a key/value map.
type Manager struct {
	name string

	mu       sync.Mutex
	data     map[string]string
	branches map[string]*branch
	calls    []Call
	failures map[string]error
	vote     *resource.Vote
}

func New(name string) *Manager {
	return &Manager{
		name:     name,
		data:     make(map[string]string),
		branches: make(map[string]*branch),
		failures: make(map[string]error),
	}
}

func (m *Manager) Name() string {
	return m.name
}

// FailNext makes the next call of op ("start", "end", "prepare", "commit", "rollback",
// "same-rm") fail with err.
func (m *Manager) FailNext(op string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[op] = err
}

// ForceVote overrides the prepare vote of every branch.
func (m *Manager) ForceVote(v resource.Vote) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.vote = &v
}

// Calls returns the recorded calls in order.
func (m *Manager) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Call(nil), m.calls...)
}

// Ops returns the recorded calls rendered as strings.
func (m *Manager) Ops() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ops := make([]string, 0, len(m.calls))
	for _, c := range m.calls {
		ops = append(ops, c.String())
	}
	return ops
}

// Get reads committed data.
func (m *Manager) Get(key string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	return v, ok
}

// Put stages a write in the branch of xid.
func (m *Manager) Put(xid resource.XID, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.branches[xid.Key()]
	if !ok {
		return resource.ErrUnknownXID
	}
	if b.state != branchActive {
		return resource.ErrProtocol
	}
	b.writes[key] = value
	return nil
}

// Branches returns the number of open branches.
func (m *Manager) Branches() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.branches)
}

// record logs the call and returns the injected failure for op, if any.
func (m *Manager) record(c Call) error {
	m.calls = append(m.calls, c)
	if err, ok := m.failures[c.Op]; ok {
		delete(m.failures, c.Op)
		return err
	}
	return nil
}

func (m *Manager) Start(_ context.Context, xid resource.XID, flags resource.Flag) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record(Call{Op: "start", XID: xid.Clone(), Flags: flags}); err != nil {
		return err
	}
	b, ok := m.branches[xid.Key()]
	switch flags {
	case resource.TMJoin, resource.TMResume:
		if !ok {
			return resource.ErrUnknownXID
		}
		b.state = branchActive
		return nil
	}
	if ok {
		return fmt.Errorf("%w: branch %s already started", resource.ErrProtocol, xid)
	}
	m.branches[xid.Key()] = &branch{writes: make(map[string]string)}
	return nil
}

func (m *Manager) End(_ context.Context, xid resource.XID, flags resource.Flag) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record(Call{Op: "end", XID: xid.Clone(), Flags: flags}); err != nil {
		return err
	}
	b, ok := m.branches[xid.Key()]
	if !ok {
		return resource.ErrUnknownXID
	}
	b.state = branchEnded
	if flags == resource.TMFail {
		b.rollbackOnly = true
	}
	return nil
}

func (m *Manager) Prepare(_ context.Context, xid resource.XID) (resource.Vote, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record(Call{Op: "prepare", XID: xid.Clone()}); err != nil {
		return resource.VoteRollback, err
	}
	b, ok := m.branches[xid.Key()]
	if !ok {
		return resource.VoteRollback, resource.ErrUnknownXID
	}
	vote := resource.VoteCommit
	switch {
	case m.vote != nil:
		vote = *m.vote
	case b.rollbackOnly:
		vote = resource.VoteRollback
	case len(b.writes) == 0:
		vote = resource.VoteReadOnly
	}
	switch vote {
	case resource.VoteReadOnly, resource.VoteRollback:
		delete(m.branches, xid.Key())
	default:
		b.state = branchPrepared
	}
	return vote, nil
}

func (m *Manager) Commit(_ context.Context, xid resource.XID, onePhase bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record(Call{Op: "commit", XID: xid.Clone(), OnePhase: onePhase}); err != nil {
		return err
	}
	b, ok := m.branches[xid.Key()]
	if !ok {
		return resource.ErrUnknownXID
	}
	if !onePhase && b.state != branchPrepared {
		return fmt.Errorf("%w: two-phase commit of unprepared branch", resource.ErrProtocol)
	}
	delete(m.branches, xid.Key())
	if b.rollbackOnly {
		return resource.ErrRolledBack
	}
	for k, v := range b.writes {
		m.data[k] = v
	}
	return nil
}

func (m *Manager) Rollback(_ context.Context, xid resource.XID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record(Call{Op: "rollback", XID: xid.Clone()}); err != nil {
		return err
	}
	if _, ok := m.branches[xid.Key()]; !ok {
		return resource.ErrUnknownXID
	}
	delete(m.branches, xid.Key())
	return nil
}

func (m *Manager) IsSameRM(other resource.XAResource) (bool, error) {
	m.mu.Lock()
	err, failed := m.failures["same-rm"]
	delete(m.failures, "same-rm")
	m.mu.Unlock()
	if failed {
		return false, err
	}
	o, ok := other.(*Manager)
	return ok && o == m, nil
}
