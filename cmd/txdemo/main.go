// Command txdemo runs a few transactions against in-memory resource managers and
// reports their outcomes. It exercises the configuration, logging and telemetry wiring.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"txcoord/config"
	"txcoord/log"
	"txcoord/memrm"
	"txcoord/resource"
	"txcoord/telemetry"
	"txcoord/timer"
	"txcoord/twophase"
	"txcoord/txmanager"
)

func main() {
	configPath := flag.String("config", "", "path to the YAML configuration file")
	hold := flag.Duration("hold", 0, "keep running after the demo so metrics can be scraped")
	flag.Parse()

	if err := run(*configPath, *hold); err != nil {
		fmt.Fprintf(os.Stderr, "txdemo: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string, hold time.Duration) error {
	cfg := config.Default()
	if configPath != "" {
		var err error
		if cfg, err = config.LoadConfig(configPath); err != nil {
			return err
		}
	}

	if err := log.Init(cfg.Log); err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer func() { _ = log.Sync() }()

	tel, shutdown, err := telemetry.New(cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		if err := shutdown(context.Background()); err != nil {
			log.Errorf("telemetry shutdown: %v", err)
		}
	}()

	sched := timer.New(cfg.Timer.Options()...)
	defer sched.Stop()

	opts := append(cfg.Manager.Options(),
		txmanager.WithScheduler(sched),
		txmanager.WithMeter(tel.Meter),
		txmanager.WithTracer(tel.Tracer),
	)
	if cfg.Delegate.Kind == config.DelegateTwoPhase {
		coord := twophase.New(
			twophase.WithScheduler(sched),
			twophase.WithImportTimeout(time.Duration(cfg.Delegate.ImportTimeout)),
		)
		opts = append(opts, txmanager.WithDelegate(coord))
	}
	m := txmanager.NewTXManager(opts...)
	defer m.Stop()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	for _, s := range scenarios {
		err := s.run(ctx, m)
		log.Logger().Info("scenario finished",
			zap.String("scenario", s.name), zap.String("outcome", outcomeOf(err)), zap.Error(err))
	}

	stats := m.Stats()
	log.Logger().Info("transaction stats",
		zap.Int64("begun", stats.Begun), zap.Int64("committed", stats.Committed),
		zap.Int64("rolled_back", stats.RolledBack), zap.Int64("heuristic", stats.Heuristic),
		zap.Int("active", stats.Active), zap.Int("components", stats.Components))

	if hold > 0 {
		select {
		case <-ctx.Done():
		case <-time.After(hold):
		}
	}
	return nil
}

func outcomeOf(err error) string {
	if err == nil {
		return "committed"
	}
	if kind := txmanager.KindOf(err); kind != 0 {
		return kind.String()
	}
	return "failed"
}

type scenario struct {
	name string
	run  func(ctx context.Context, m *txmanager.TXManager) error
}

var scenarios = []scenario{
	{name: "local commit", run: localCommit},
	{name: "rollback only", run: rollbackOnly},
	{name: "promotion", run: promotion},
	{name: "timeout", run: timeout},
}

func localCommit(ctx context.Context, m *txmanager.TXManager) error {
	orders := memrm.New("orders-db")
	tc := m.NewContext()
	tc.SetComponent("checkout")
	defer m.ComponentDestroyed(ctx, "checkout")

	if err := tc.Begin(ctx, 0); err != nil {
		return err
	}
	conn := orders.Connect("orders", resource.SinglePhase)
	if _, err := tc.Enlist(ctx, conn); err != nil {
		return err
	}
	if err := conn.Put("order-1", "paid"); err != nil {
		return err
	}
	return tc.Commit(ctx)
}

func rollbackOnly(ctx context.Context, m *txmanager.TXManager) error {
	tc := m.NewContext()
	if err := tc.Begin(ctx, 0); err != nil {
		return err
	}
	if err := tc.RegisterSynchronization(txmanager.SynchronizationFuncs{
		Before: func(context.Context) error { return errors.New("inventory check failed") },
	}); err != nil {
		return err
	}
	return tc.Commit(ctx)
}

func promotion(ctx context.Context, m *txmanager.TXManager) error {
	orders, billing := memrm.New("orders-db"), memrm.New("billing-db")
	tc := m.NewContext()
	if err := tc.Begin(ctx, 0); err != nil {
		return err
	}
	local := orders.Connect("orders", resource.SinglePhase)
	if _, err := tc.Enlist(ctx, local); err != nil {
		return err
	}
	if err := local.Put("order-2", "paid"); err != nil {
		return err
	}

	xa := billing.Connect("billing", resource.TwoPhase)
	if _, err := tc.Enlist(ctx, xa); err != nil {
		_ = tc.Rollback(ctx)
		return err
	}
	if err := xa.Put("invoice-2", "issued"); err != nil {
		return err
	}
	return tc.Commit(ctx)
}

func timeout(ctx context.Context, m *txmanager.TXManager) error {
	tc := m.NewContext()
	if err := tc.Begin(ctx, 50*time.Millisecond); err != nil {
		return err
	}
	select {
	case <-ctx.Done():
	case <-time.After(100 * time.Millisecond):
	}
	return tc.Commit(ctx)
}
