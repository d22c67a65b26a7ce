package txmanager

import (
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"txcoord/timer"
)

type Options struct {
	Delegate       DistributedDelegate // promotion target, nil disables two-phase enlistment
	DefaultTimeout time.Duration       // used by Begin when no timeout is given; 0 means none
	Scheduler      *timer.Scheduler    // timeout timers; owned by the manager when not injected
	Meter          metric.Meter
	Tracer         trace.Tracer
	Monitoring     bool // completions take the freeze read lock and feed the monitor
	// LegacySkipRollbackPropagation keeps a pre-promotion rollback mark out of the
	// freshly started distributed transaction.
	LegacySkipRollbackPropagation bool
	RegistryCapacity              int // entries per component registry shard
	RegistryShards                int

	ownScheduler bool
}

type Option func(*Options)

func WithDelegate(d DistributedDelegate) Option {
	return func(o *Options) {
		o.Delegate = d
	}
}

func WithDefaultTimeout(timeout time.Duration) Option {
	if timeout < 0 {
		timeout = 0
	}
	return func(o *Options) {
		o.DefaultTimeout = timeout
	}
}

func WithScheduler(s *timer.Scheduler) Option {
	return func(o *Options) {
		o.Scheduler = s
	}
}

func WithMeter(m metric.Meter) Option {
	return func(o *Options) {
		o.Meter = m
	}
}

func WithTracer(t trace.Tracer) Option {
	return func(o *Options) {
		o.Tracer = t
	}
}

func WithMonitoring(enabled bool) Option {
	return func(o *Options) {
		o.Monitoring = enabled
	}
}

func WithLegacySkipRollbackPropagation(skip bool) Option {
	return func(o *Options) {
		o.LegacySkipRollbackPropagation = skip
	}
}

func WithRegistryCapacity(capacity int) Option {
	if capacity <= 0 {
		capacity = 1024
	}
	return func(o *Options) {
		o.RegistryCapacity = capacity
	}
}

func WithRegistryShards(shards int) Option {
	if shards <= 0 {
		shards = 16
	}
	return func(o *Options) {
		o.RegistryShards = shards
	}
}

func repair(o *Options) {
	if o.DefaultTimeout < 0 {
		o.DefaultTimeout = 0
	}
	if o.Scheduler == nil {
		o.Scheduler = timer.New()
		o.ownScheduler = true
	}
	if o.Meter == nil {
		o.Meter = noop.NewMeterProvider().Meter("txcoord")
	}
	if o.Tracer == nil {
		o.Tracer = nooptrace.NewTracerProvider().Tracer("txcoord")
	}
	if o.RegistryCapacity <= 0 {
		o.RegistryCapacity = 1024
	}
	if o.RegistryShards <= 0 {
		o.RegistryShards = 16
	}
}
