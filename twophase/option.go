package twophase

import (
	"time"

	"txcoord/timer"
)

type Options struct {
	Scheduler     *timer.Scheduler // delegate-owned timeouts; created when not injected
	ImportTimeout time.Duration    // timeout of imported transactions given none
	ownScheduler  bool
}

type Option func(*Options)

func WithScheduler(s *timer.Scheduler) Option {
	return func(o *Options) {
		o.Scheduler = s
	}
}

func WithImportTimeout(timeout time.Duration) Option {
	if timeout < 0 {
		timeout = 0
	}
	return func(o *Options) {
		o.ImportTimeout = timeout
	}
}

func repair(o *Options) {
	if o.Scheduler == nil {
		o.Scheduler = timer.New()
		o.ownScheduler = true
	}
	if o.ImportTimeout < 0 {
		o.ImportTimeout = 0
	}
}
