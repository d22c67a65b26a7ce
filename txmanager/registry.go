package txmanager

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/multierr"

	"txcoord/log"
	"txcoord/resource"
)

// componentResources are the participants a component opened and has not released.
type componentResources struct {
	mu   sync.Mutex
	list []resource.Participant
}

// componentRegistry tracks participants per component so they can be closed when the
// component is destroyed. It is split into shards, each a bounded LRU with its own lock.
type componentRegistry struct {
	shards []*lru.Cache[string, *componentResources]
}

func newComponentRegistry(shards, capacity int) (*componentRegistry, error) {
	r := &componentRegistry{shards: make([]*lru.Cache[string, *componentResources], shards)}
	for i := range r.shards {
		c, err := lru.NewWithEvict[string, *componentResources](capacity, func(component string, _ *componentResources) {
			log.Debugf("component registry evicted %q", component)
		})
		if err != nil {
			return nil, err
		}
		r.shards[i] = c
	}
	return r, nil
}

func (r *componentRegistry) shard(component string) *lru.Cache[string, *componentResources] {
	h := fnv.New32a()
	_, _ = h.Write([]byte(component))
	return r.shards[h.Sum32()%uint32(len(r.shards))]
}

func (r *componentRegistry) entry(component string) *componentResources {
	c := r.shard(component)
	if e, ok := c.Get(component); ok {
		return e
	}
	fresh := &componentResources{}
	if prev, ok, _ := c.PeekOrAdd(component, fresh); ok {
		return prev
	}
	return fresh
}

func (r *componentRegistry) add(component string, p resource.Participant) {
	if component == "" {
		return
	}
	e := r.entry(component)
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, q := range e.list {
		if q == p {
			return
		}
	}
	e.list = append(e.list, p)
}

func (r *componentRegistry) remove(component string, p resource.Participant) {
	if component == "" {
		return
	}
	e, ok := r.shard(component).Get(component)
	if !ok {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, q := range e.list {
		if q == p {
			e.list = append(e.list[:i], e.list[i+1:]...)
			return
		}
	}
}

// release closes every participant of component and forgets the component. Close
// failures are logged together and reported as a count.
func (r *componentRegistry) release(ctx context.Context, component string) (closed, failed int) {
	c := r.shard(component)
	e, ok := c.Peek(component)
	if !ok {
		return 0, 0
	}
	c.Remove(component)

	e.mu.Lock()
	list := e.list
	e.list = nil
	e.mu.Unlock()

	var errs error
	for _, p := range list {
		if err := p.CloseUserConnection(); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("close %s: %w", p.Name(), err))
		}
	}
	failed = len(multierr.Errors(errs))
	if errs != nil {
		log.WarnContextf(ctx, "cleanup of component %s: %v", component, errs)
	}
	return len(list) - failed, failed
}

func (r *componentRegistry) len() int {
	n := 0
	for _, c := range r.shards {
		n += c.Len()
	}
	return n
}
