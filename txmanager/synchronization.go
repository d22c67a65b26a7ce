package txmanager

import (
	"context"
	"fmt"
)

// InvokeBeforeCompletion calls s.BeforeCompletion, turning a panic into an error.
func InvokeBeforeCompletion(ctx context.Context, s Synchronization) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("before completion panicked: %v", r)
		}
	}()
	return s.BeforeCompletion(ctx)
}

// InvokeAfterCompletion calls s.AfterCompletion and returns a recovered panic, if any.
// Callers log it; it must never stop the remaining callbacks.
func InvokeAfterCompletion(ctx context.Context, s Synchronization, status Status) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("after completion panicked: %v", r)
		}
	}()
	s.AfterCompletion(ctx, status)
	return nil
}
