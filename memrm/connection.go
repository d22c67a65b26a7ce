package memrm

import (
	"errors"
	"sync"

	"txcoord/resource"
)

var ErrClosed = errors.New("memrm: connection closed")

type ConnOption func(*Connection)

// NonTransactional makes enlistment a no-op.
func NonTransactional() ConnOption {
	return func(c *Connection) { c.transactional = false }
}

func Unshareable() ConnOption {
	return func(c *Connection) { c.shareable = false }
}

func LazyEnlistmentSuspended() ConnOption {
	return func(c *Connection) { c.lazySuspended = true }
}

// FailClose makes CloseUserConnection fail with err.
func FailClose(err error) ConnOption {
	return func(c *Connection) { c.closeErr = err }
}

// Connection is a pooled connection to a Manager.
type Connection struct {
	rm         *Manager
	pool       string
	capability resource.Capability

	mu            sync.Mutex
	transactional bool
	shareable     bool
	lazySuspended bool
	closeErr      error
	xid           resource.XID
	enlisted      bool
	closed        bool
	completions   []bool
}

// Connect opens a connection from pool that takes part in transactions as capability.
func (m *Manager) Connect(pool string, capability resource.Capability, opts ...ConnOption) *Connection {
	c := &Connection{
		rm:            m,
		pool:          pool,
		capability:    capability,
		transactional: true,
		shareable:     true,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Connection) Name() string {
	return c.rm.name
}

func (c *Connection) PoolID() string {
	return c.pool
}

func (c *Connection) Capability() resource.Capability {
	return c.capability
}

func (c *Connection) IsTransactional() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.transactional
}

func (c *Connection) IsLazyEnlistmentSuspended() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lazySuspended
}

func (c *Connection) SetLazyEnlistmentSuspended(suspended bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lazySuspended = suspended
}

func (c *Connection) TwoPhaseHandle() resource.XAResource {
	return c.rm
}

func (c *Connection) MarkEnlisted(xid resource.XID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.xid = xid.Clone()
	c.enlisted = true
}

func (c *Connection) IsEnlisted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.enlisted
}

func (c *Connection) IsShareable() bool {
	return c.shareable
}

func (c *Connection) CloseUserConnection() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	c.closed = true
	return c.closeErr
}

func (c *Connection) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// TransactionCompleted clears the enlistment once the transaction finished.
func (c *Connection) TransactionCompleted(xid resource.XID, committed bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.xid.Equal(xid) {
		c.enlisted = false
	}
	c.completions = append(c.completions, committed)
}

// Completions returns the outcomes reported to this connection.
func (c *Connection) Completions() []bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]bool(nil), c.completions...)
}

// Put stages a write in the transaction the connection is enlisted in.
func (c *Connection) Put(key, value string) error {
	c.mu.Lock()
	closed, enlisted, xid := c.closed, c.enlisted, c.xid
	c.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if !enlisted {
		return resource.ErrUnknownXID
	}
	return c.rm.Put(xid, key, value)
}
