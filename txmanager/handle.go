package txmanager

import (
	"context"
	"encoding/binary"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"txcoord/log"
	"txcoord/resource"
	"txcoord/timer"
)

// FormatID is the XID format of transactions begun by this coordinator.
const FormatID int32 = 0x54584344

var (
	gtridPrefix    = []byte("txcoord\x00")
	bqualNamespace = uuid.MustParse("6f1f3c55-4a35-4f37-9b0e-0c1d5e1a7a21")
)

// globalID derives the branch identity of a transaction from its key.
func globalID(key Key) resource.XID {
	gtrid := make([]byte, len(gtridPrefix)+8)
	copy(gtrid, gtridPrefix)
	binary.BigEndian.PutUint64(gtrid[len(gtridPrefix):], uint64(key))
	bqual := uuid.NewSHA1(bqualNamespace, gtrid)
	return resource.XID{FormatID: FormatID, GlobalTxnID: gtrid, BranchQualifier: bqual[:]}
}

// Handle is one transaction. It is driven by a single goroutine at a time; the timeout
// timer is the only concurrent writer and it only moves the status towards rollback.
type Handle struct {
	key      Key
	xid      resource.XID
	delegate DistributedDelegate

	mu       sync.Mutex
	status   Status
	mode     Mode
	timedOut bool
	gtx      GlobalTx

	imported      bool
	enlisted      resource.Participant
	lastAgent     resource.Participant
	syncs         []Synchronization
	interposed    []Synchronization
	resources     map[string][]resource.Participant
	timeout       time.Duration
	startTime     time.Time
	timerTask     *timer.Task
	componentName string
	resourceNames []string
	commitStarted bool
}

func newHandle(key Key, delegate DistributedDelegate, timeout time.Duration, component string) *Handle {
	return &Handle{
		key:           key,
		xid:           globalID(key),
		delegate:      delegate,
		status:        StatusActive,
		mode:          ModeLocal,
		resources:     make(map[string][]resource.Participant),
		timeout:       timeout,
		startTime:     time.Now(),
		componentName: component,
	}
}

func (h *Handle) Key() Key {
	return h.key
}

// GlobalID returns the XID presented to two-phase participants.
func (h *Handle) GlobalID() resource.XID {
	return h.xid.Clone()
}

func (h *Handle) Status() Status {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status
}

func (h *Handle) Mode() Mode {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.mode
}

func (h *Handle) IsGlobal() bool {
	return h.Mode() == ModeGlobal
}

// IsImported reports whether the transaction was propagated by an external coordinator.
func (h *Handle) IsImported() bool {
	return h.imported
}

func (h *Handle) TimedOut() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.timedOut
}

func (h *Handle) Timeout() time.Duration {
	return h.timeout
}

func (h *Handle) StartTime() time.Time {
	return h.startTime
}

// RemainingTimeout is the time left before the timeout fires; negative once overrun and
// zero when the transaction has no timeout.
func (h *Handle) RemainingTimeout() time.Duration {
	if h.timeout <= 0 {
		return 0
	}
	return time.Until(h.startTime.Add(h.timeout))
}

func (h *Handle) ComponentName() string {
	return h.componentName
}

func (h *Handle) ResourceNames() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.resourceNames...)
}

// GlobalTx returns the delegate's transaction once promoted, nil before.
func (h *Handle) GlobalTx() GlobalTx {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.gtx
}

// EnlistedResource is the single-phase participant bound in local mode.
func (h *Handle) EnlistedResource() resource.Participant {
	return h.enlisted
}

// LastAgent is the single-phase participant handed to the delegate.
func (h *Handle) LastAgent() resource.Participant {
	return h.lastAgent
}

// Participants returns the participants registered under pool.
func (h *Handle) Participants(pool string) []resource.Participant {
	return append([]resource.Participant(nil), h.resources[pool]...)
}

// SetRollbackOnly marks the transaction so it can only roll back.
func (h *Handle) SetRollbackOnly() error {
	h.mu.Lock()
	switch h.status {
	case StatusActive, StatusMarkedRollback:
		h.status = StatusMarkedRollback
	case StatusRollingBack:
		h.mu.Unlock()
		return nil
	default:
		status := h.status
		h.mu.Unlock()
		return illegalState("set rollback only", "transaction is %s", status)
	}
	gtx := h.gtx
	h.mu.Unlock()

	if gtx != nil && h.delegate != nil {
		if err := h.delegate.SetRollbackOnly(gtx); err != nil {
			return systemErr("set rollback only", err)
		}
	}
	return nil
}

func (h *Handle) snapshot() Snapshot {
	h.mu.Lock()
	status, mode, timedOut := h.status, h.mode, h.timedOut
	h.mu.Unlock()
	return Snapshot{
		Key:           h.key,
		GlobalID:      h.xid.String(),
		Status:        status,
		Mode:          mode,
		ComponentName: h.componentName,
		ResourceNames: h.ResourceNames(),
		StartedAt:     h.startTime,
		Elapsed:       time.Since(h.startTime),
		Remaining:     h.RemainingTimeout(),
		TimedOut:      timedOut,
	}
}

// markRollback moves an active transaction to marked-rollback. It never touches other states.
func (h *Handle) markRollback() {
	h.mu.Lock()
	if h.status == StatusActive {
		h.status = StatusMarkedRollback
	}
	h.mu.Unlock()
}

// setStatus moves to next unless the transaction already reached a terminal status.
func (h *Handle) setStatus(next Status) {
	h.mu.Lock()
	if !h.status.Terminal() {
		h.status = next
	}
	h.mu.Unlock()
}

// transition moves from one status to another atomically.
func (h *Handle) transition(from, to Status) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.status != from {
		return false
	}
	h.status = to
	return true
}

// beginCompletion claims the transaction for a commit or rollback.
func (h *Handle) beginCompletion(op string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.status.Completable() {
		return illegalState(op, "transaction is %s", h.status)
	}
	if h.commitStarted {
		return illegalState(op, "completion already in progress")
	}
	h.commitStarted = true
	return nil
}

// armTimer schedules the timeout. A zero timeout arms nothing.
func (h *Handle) armTimer(s *timer.Scheduler) {
	if h.timeout <= 0 {
		return
	}
	h.timerTask = s.Schedule(h.timeout, h.onTimeout)
}

// cancelTimer reports whether a pending timer was cancelled by this call.
func (h *Handle) cancelTimer() bool {
	if h.timerTask == nil {
		return false
	}
	return h.timerTask.Cancel()
}

func (h *Handle) onTimeout() {
	h.mu.Lock()
	if !h.status.Completable() || h.commitStarted {
		h.mu.Unlock()
		return
	}
	h.timedOut = true
	h.status = StatusMarkedRollback
	gtx := h.gtx
	h.mu.Unlock()

	log.Logger().Warn("transaction timed out",
		zap.Uint64("tx", uint64(h.key)), zap.Duration("timeout", h.timeout))
	if gtx != nil && h.delegate != nil {
		if err := h.delegate.SetRollbackOnly(gtx); err != nil {
			log.Logger().Error("mark distributed transaction rollback only",
				zap.Uint64("tx", uint64(h.key)), zap.Error(err))
		}
	}
}

// register records p in the per-pool participant registry.
func (h *Handle) register(p resource.Participant) {
	pool := p.PoolID()
	for _, q := range h.resources[pool] {
		if q == p {
			return
		}
	}
	h.resources[pool] = append(h.resources[pool], p)

	name := p.Name()
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, n := range h.resourceNames {
		if n == name {
			return
		}
	}
	h.resourceNames = append(h.resourceNames, name)
}

// notifyParticipants tells every registered listener the outcome, pool by pool.
func (h *Handle) notifyParticipants(ctx context.Context, committed bool) {
	pools := make([]string, 0, len(h.resources))
	for pool := range h.resources {
		pools = append(pools, pool)
	}
	sort.Strings(pools)
	for _, pool := range pools {
		for _, p := range h.resources[pool] {
			if l, ok := p.(resource.CompletionListener); ok {
				notifyListener(ctx, l, h.xid, committed)
			}
		}
	}
}

func notifyListener(ctx context.Context, l resource.CompletionListener, xid resource.XID, committed bool) {
	defer func() {
		if r := recover(); r != nil {
			log.ErrorContextf(ctx, "completion listener panicked: %v", r)
		}
	}()
	l.TransactionCompleted(xid, committed)
}
