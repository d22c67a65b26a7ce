package txmanager

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/btree"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"

	"txcoord/log"
)

// txMetrics holds the metric instruments fed by the monitor.
type txMetrics struct {
	begun      metric.Int64Counter
	committed  metric.Int64Counter
	rolledBack metric.Int64Counter
	heuristic  metric.Int64Counter
	active     metric.Int64UpDownCounter
	duration   metric.Float64Histogram
}

func newTxMetrics(meter metric.Meter) (*txMetrics, error) {
	begun, err := meter.Int64Counter(
		"txcoord.tx.begun",
		metric.WithDescription("Total number of transactions begun."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	committed, err := meter.Int64Counter(
		"txcoord.tx.committed",
		metric.WithDescription("Total number of transactions committed."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	rolledBack, err := meter.Int64Counter(
		"txcoord.tx.rolledback",
		metric.WithDescription("Total number of transactions rolled back."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	heuristic, err := meter.Int64Counter(
		"txcoord.tx.heuristic",
		metric.WithDescription("Total number of transactions with a heuristic outcome."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	active, err := meter.Int64UpDownCounter(
		"txcoord.tx.active",
		metric.WithDescription("Number of in-flight transactions."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	duration, err := meter.Float64Histogram(
		"txcoord.tx.duration",
		metric.WithDescription("Time from begin to completion."),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	return &txMetrics{
		begun:      begun,
		committed:  committed,
		rolledBack: rolledBack,
		heuristic:  heuristic,
		active:     active,
		duration:   duration,
	}, nil
}

type activeItem struct {
	key Key
	h   *Handle
}

func (a activeItem) Less(than btree.Item) bool {
	return a.key < than.(activeItem).key
}

// monitor keeps the accounting consumed by admin listings and metrics. The freeze lock
// is the only coarse lock: monitored completions hold its read side.
type monitor struct {
	enabled bool
	freeze  sync.RWMutex
	frozen  atomic.Bool
	admin   sync.Mutex // serializes freezeAll and unfreeze

	mu     sync.Mutex
	active *btree.BTree

	begunCount     atomic.Int64
	committedCount atomic.Int64
	rolledBack     atomic.Int64
	heuristicCount atomic.Int64

	metrics *txMetrics
}

func newMonitor(enabled bool, meter metric.Meter) *monitor {
	metrics, err := newTxMetrics(meter)
	if err != nil {
		log.Errorf("create transaction metrics: %v", err)
		metrics, _ = newTxMetrics(noop.NewMeterProvider().Meter("txcoord"))
	}
	return &monitor{
		enabled: enabled,
		active:  btree.New(32),
		metrics: metrics,
	}
}

func (mo *monitor) begun(ctx context.Context, h *Handle) {
	mo.mu.Lock()
	mo.active.ReplaceOrInsert(activeItem{key: h.key, h: h})
	mo.mu.Unlock()

	mo.begunCount.Add(1)
	mo.metrics.begun.Add(ctx, 1)
	mo.metrics.active.Add(ctx, 1)
}

// enterCompletion takes the freeze read lock when monitoring is enabled.
func (mo *monitor) enterCompletion() func() {
	if !mo.enabled {
		return func() {}
	}
	mo.freeze.RLock()
	return mo.freeze.RUnlock
}

func (mo *monitor) completed(ctx context.Context, h *Handle, committed, heuristic bool) {
	mo.mu.Lock()
	removed := mo.active.Delete(activeItem{key: h.key})
	mo.mu.Unlock()
	if removed == nil {
		return
	}

	attrs := metric.WithAttributes(attribute.String("tx.mode", h.Mode().String()))
	if committed {
		mo.committedCount.Add(1)
		mo.metrics.committed.Add(ctx, 1, attrs)
	} else {
		mo.rolledBack.Add(1)
		mo.metrics.rolledBack.Add(ctx, 1, attrs)
	}
	if heuristic {
		mo.heuristicCount.Add(1)
		mo.metrics.heuristic.Add(ctx, 1, attrs)
	}
	mo.metrics.active.Add(ctx, -1)
	mo.metrics.duration.Record(ctx, float64(time.Since(h.startTime))/float64(time.Millisecond), attrs)
}

func (mo *monitor) freezeAll() {
	mo.admin.Lock()
	defer mo.admin.Unlock()
	if mo.frozen.Load() {
		return
	}
	mo.freeze.Lock()
	mo.frozen.Store(true)
}

func (mo *monitor) unfreeze() {
	mo.admin.Lock()
	defer mo.admin.Unlock()
	if !mo.frozen.CompareAndSwap(true, false) {
		return
	}
	mo.freeze.Unlock()
}

func (mo *monitor) snapshots() []Snapshot {
	mo.mu.Lock()
	handles := make([]*Handle, 0, mo.active.Len())
	mo.active.Ascend(func(i btree.Item) bool {
		handles = append(handles, i.(activeItem).h)
		return true
	})
	mo.mu.Unlock()

	out := make([]Snapshot, 0, len(handles))
	for _, h := range handles {
		out = append(out, h.snapshot())
	}
	return out
}

func (mo *monitor) stats() Stats {
	mo.mu.Lock()
	active := mo.active.Len()
	mo.mu.Unlock()
	return Stats{
		Begun:      mo.begunCount.Load(),
		Committed:  mo.committedCount.Load(),
		RolledBack: mo.rolledBack.Load(),
		Heuristic:  mo.heuristicCount.Load(),
		Active:     active,
	}
}
