package twophase_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"txcoord/memrm"
	"txcoord/resource"
	"txcoord/timer"
	"txcoord/twophase"
	"txcoord/txmanager"
)

type fixture struct {
	m     *txmanager.TXManager
	coord *twophase.Coordinator
	tc    *txmanager.TransactionContext
}

func newFixture(t *testing.T, opts ...twophase.Option) *fixture {
	t.Helper()
	sched := timer.New()
	t.Cleanup(sched.Stop)
	coord := twophase.New(append([]twophase.Option{twophase.WithScheduler(sched)}, opts...)...)
	m := txmanager.NewTXManager(txmanager.WithDelegate(coord), txmanager.WithScheduler(sched))
	return &fixture{m: m, coord: coord, tc: m.NewContext()}
}

// enlist begins a transaction when needed and enlists a two-phase connection to rm,
// optionally staging a write.
func (f *fixture) enlist(t *testing.T, rm *memrm.Manager, write bool) *memrm.Connection {
	t.Helper()
	ctx := context.Background()
	if f.tc.Transaction() == nil {
		require.NoError(t, f.tc.Begin(ctx, 0))
	}
	c := rm.Connect(rm.Name(), resource.TwoPhase)
	ok, err := f.tc.Enlist(ctx, c)
	require.NoError(t, err)
	require.True(t, ok)
	if write {
		require.NoError(t, c.Put("key-"+rm.Name(), "value"))
	}
	return c
}

func TestSoleBranchCommitsInOnePhase(t *testing.T) {
	f := newFixture(t)
	billing := memrm.New("billing-db")
	f.enlist(t, billing, true)

	require.NoError(t, f.tc.Commit(context.Background()))
	require.Equal(t, []string{"start(TMNOFLAGS)", "end(TMSUCCESS)", "commit(one-phase)"}, billing.Ops())
	_, found := billing.Get("key-billing-db")
	require.True(t, found)
}

func TestSameResourceManagerJoinsBranch(t *testing.T) {
	f := newFixture(t)
	billing := memrm.New("billing-db")
	f.enlist(t, billing, true)
	f.enlist(t, billing, false)

	require.NoError(t, f.tc.Commit(context.Background()))
	require.Equal(t, []string{
		"start(TMNOFLAGS)", "start(TMJOIN)", "end(TMSUCCESS)", "commit(one-phase)",
	}, billing.Ops())
}

func TestReadOnlyBranchSkipsCommit(t *testing.T) {
	f := newFixture(t)
	billing, stock := memrm.New("billing-db"), memrm.New("stock-db")
	f.enlist(t, billing, false)
	f.enlist(t, stock, true)

	require.NoError(t, f.tc.Commit(context.Background()))
	require.Equal(t, []string{"start(TMNOFLAGS)", "end(TMSUCCESS)", "prepare"}, billing.Ops())
	require.Equal(t, []string{"start(TMNOFLAGS)", "end(TMSUCCESS)", "prepare", "commit"}, stock.Ops())
}

func TestRollbackVoteAbortsEveryBranch(t *testing.T) {
	f := newFixture(t)
	billing, stock := memrm.New("billing-db"), memrm.New("stock-db")
	f.enlist(t, billing, true)
	f.enlist(t, stock, true)
	stock.ForceVote(resource.VoteRollback)

	err := f.tc.Commit(context.Background())
	require.True(t, errors.Is(err, txmanager.ErrRollback))
	require.ErrorContains(t, err, "voted rollback")
	require.Equal(t, []string{"start(TMNOFLAGS)", "end(TMSUCCESS)", "prepare", "rollback"}, billing.Ops())
	require.Equal(t, []string{"start(TMNOFLAGS)", "end(TMSUCCESS)", "prepare"}, stock.Ops())
	_, found := billing.Get("key-billing-db")
	require.False(t, found)
}

func TestPrepareFailureAborts(t *testing.T) {
	f := newFixture(t)
	billing, stock := memrm.New("billing-db"), memrm.New("stock-db")
	f.enlist(t, billing, true)
	f.enlist(t, stock, true)
	billing.FailNext("prepare", errors.New("lock timeout"))

	err := f.tc.Commit(context.Background())
	require.True(t, errors.Is(err, txmanager.ErrRollback))
	require.Equal(t, []string{"start(TMNOFLAGS)", "end(TMSUCCESS)", "prepare", "rollback"}, billing.Ops())
	require.Equal(t, []string{"start(TMNOFLAGS)", "end(TMSUCCESS)", "rollback"}, stock.Ops())
}

func TestLastAgentFailureAborts(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	orders, billing := memrm.New("orders-db"), memrm.New("billing-db")

	require.NoError(t, f.tc.Begin(ctx, 0))
	_, err := f.tc.Enlist(ctx, orders.Connect("orders", resource.SinglePhase))
	require.NoError(t, err)
	f.enlist(t, billing, true)
	orders.FailNext("commit", errors.New("connection reset"))

	err = f.tc.Commit(ctx)
	require.True(t, errors.Is(err, txmanager.ErrRollback))
	require.Equal(t, []string{"start(TMNOFLAGS)", "end(TMSUCCESS)", "prepare", "rollback"}, billing.Ops())
	require.Equal(t, []string{"start(TMNOFLAGS)", "commit(one-phase)"}, orders.Ops())
}

func TestHeuristicRollback(t *testing.T) {
	f := newFixture(t)
	billing, stock := memrm.New("billing-db"), memrm.New("stock-db")
	f.enlist(t, billing, true)
	f.enlist(t, stock, true)
	h := f.tc.Transaction()
	billing.FailNext("commit", errors.New("disk gone"))
	stock.FailNext("commit", errors.New("disk gone"))

	err := f.tc.Commit(context.Background())
	require.True(t, errors.Is(err, txmanager.ErrHeuristicRollback))
	require.Equal(t, txmanager.StatusRolledBack, h.Status())
	stats := f.m.Stats()
	require.EqualValues(t, 1, stats.RolledBack)
	require.EqualValues(t, 1, stats.Heuristic)
}

func TestHeuristicMixed(t *testing.T) {
	f := newFixture(t)
	billing, stock := memrm.New("billing-db"), memrm.New("stock-db")
	f.enlist(t, billing, true)
	f.enlist(t, stock, true)
	stock.FailNext("commit", errors.New("disk gone"))

	err := f.tc.Commit(context.Background())
	require.True(t, errors.Is(err, txmanager.ErrHeuristicMixed))
	v, _ := billing.Get("key-billing-db")
	require.Equal(t, "value", v)
}

func TestBeforeCompletionFaultAborts(t *testing.T) {
	f := newFixture(t)
	billing := memrm.New("billing-db")
	f.enlist(t, billing, true)
	boom := errors.New("validation failed")

	var after txmanager.Status
	require.NoError(t, f.tc.RegisterInterposedSynchronization(txmanager.SynchronizationFuncs{
		Before: func(context.Context) error { return boom },
		After:  func(_ context.Context, status txmanager.Status) { after = status },
	}))
	require.NoError(t, f.tc.RegisterInterposedSynchronization(txmanager.SynchronizationFuncs{
		Before: func(context.Context) error {
			t.Error("interposed synchronization ran after a fault in its list")
			return nil
		},
	}))
	normal := 0
	for i := 0; i < 2; i++ {
		require.NoError(t, f.tc.RegisterSynchronization(txmanager.SynchronizationFuncs{
			Before: func(context.Context) error {
				normal++
				return nil
			},
		}))
	}

	err := f.tc.Commit(context.Background())
	require.True(t, errors.Is(err, txmanager.ErrRollback))
	require.True(t, errors.Is(err, boom))
	require.Equal(t, 2, normal)
	require.Equal(t, txmanager.StatusRolledBack, after)
	require.Equal(t, []string{"start(TMNOFLAGS)", "rollback"}, billing.Ops())
}

func TestLastAgentLimit(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	orders, audit := memrm.New("orders-db"), memrm.New("audit-db")
	f.enlist(t, memrm.New("billing-db"), false)

	first := orders.Connect("orders", resource.SinglePhase)
	_, err := f.tc.Enlist(ctx, first)
	require.NoError(t, err)
	// the same resource manager shares the last agent branch
	_, err = f.tc.Enlist(ctx, orders.Connect("orders", resource.SinglePhase))
	require.NoError(t, err)
	_, err = f.tc.Enlist(ctx, audit.Connect("audit", resource.SinglePhase))
	require.True(t, errors.Is(err, txmanager.ErrIllegalState))
	require.Equal(t, []string{"start(TMNOFLAGS)"}, orders.Ops())
	require.NoError(t, f.tc.Rollback(ctx))
}

func TestImportTimeoutMarksRollbackOnly(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, twophase.WithImportTimeout(20*time.Millisecond))
	xid := resource.XID{FormatID: 1, GlobalTxnID: []byte("remote-7"), BranchQualifier: []byte("b")}

	gtx, err := f.coord.Import(ctx, xid, 0)
	require.NoError(t, err)
	again, err := f.coord.Import(ctx, xid, 0)
	require.NoError(t, err)
	require.Equal(t, gtx, again)
	require.Equal(t, 1, f.coord.Active())

	require.Eventually(t, func() bool {
		return f.coord.Status(gtx) == txmanager.StatusMarkedRollback
	}, time.Second, 5*time.Millisecond)
	require.True(t, errors.Is(f.coord.Commit(ctx, gtx), txmanager.ErrRollback))
	require.Zero(t, f.coord.Active())
	require.Equal(t, txmanager.StatusRolledBack, f.coord.Status(gtx))

	err = f.coord.Rollback(ctx, gtx)
	require.True(t, errors.Is(err, txmanager.ErrIllegalState))
}

func TestRollbackReportsBranchFailures(t *testing.T) {
	f := newFixture(t)
	billing := memrm.New("billing-db")
	f.enlist(t, billing, true)
	billing.FailNext("rollback", errors.New("connection reset"))

	err := f.tc.Rollback(context.Background())
	require.True(t, errors.Is(err, txmanager.ErrSystem))
	require.Zero(t, f.coord.Active())
}

func TestUnknownGlobalTransaction(t *testing.T) {
	coord := twophase.New()
	defer coord.Stop()
	require.True(t, coord.SupportsTwoPhase())
	require.Equal(t, txmanager.StatusNoTransaction, coord.Status(nil))
	require.True(t, errors.Is(coord.Commit(context.Background(), nil), txmanager.ErrSystem))
	require.True(t, errors.Is(coord.SetRollbackOnly(nil), txmanager.ErrSystem))
}
