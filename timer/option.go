package timer

import "time"

type Options struct {
	PurgeInterval  time.Duration // housekeeping period for cancelled tasks
	PurgeThreshold int64         // purge only once this many cancelled tasks are queued
}

type Option func(*Options)

func WithPurgeInterval(interval time.Duration) Option {
	if interval <= 0 {
		interval = time.Minute
	}
	return func(o *Options) {
		o.PurgeInterval = interval
	}
}

func WithPurgeThreshold(threshold int64) Option {
	if threshold <= 0 {
		threshold = 1
	}
	return func(o *Options) {
		o.PurgeThreshold = threshold
	}
}

func repair(o *Options) {
	if o.PurgeInterval <= 0 {
		o.PurgeInterval = time.Minute
	}
	if o.PurgeThreshold <= 0 {
		o.PurgeThreshold = 100
	}
}
