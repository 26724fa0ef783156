package netobserver

import (
	"context"
	"sync"
	"time"

	"ratepilot/internal/core/domain"
	"ratepilot/internal/core/ports"
)

// StaticObserver reports a fixed capability that can be changed at runtime.
// Changes are pushed to every active Watch.
type StaticObserver struct {
	mu       sync.Mutex
	current  domain.Capability
	up       bool
	handlers map[int]ports.CapabilityHandler
	nextID   int
	now      func() time.Time
}

func NewStaticObserver(c domain.Capability) *StaticObserver {
	return &StaticObserver{
		current:  c,
		up:       true,
		handlers: make(map[int]ports.CapabilityHandler),
		now:      time.Now,
	}
}

func (o *StaticObserver) Poll(context.Context) (domain.Capability, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.up {
		return domain.Capability{}, ErrLinkDown
	}
	c := o.current
	c.Timestamp = o.now()
	return c, nil
}

func (o *StaticObserver) Watch(ctx context.Context, h ports.CapabilityHandler) error {
	o.mu.Lock()
	o.nextID++
	id := o.nextID
	o.handlers[id] = h
	o.mu.Unlock()

	<-ctx.Done()

	o.mu.Lock()
	delete(o.handlers, id)
	o.mu.Unlock()
	return ctx.Err()
}

// Set replaces the reported capability and brings the link up.
func (o *StaticObserver) Set(c domain.Capability) {
	o.mu.Lock()
	o.current = c
	o.up = true
	c.Timestamp = o.now()
	handlers := o.snapshotLocked()
	o.mu.Unlock()

	for _, h := range handlers {
		h.OnCapabilityChanged(c)
	}
}

// LinkLost takes the link down until the next Set.
func (o *StaticObserver) LinkLost() {
	o.mu.Lock()
	o.up = false
	handlers := o.snapshotLocked()
	o.mu.Unlock()

	for _, h := range handlers {
		h.OnLinkLost()
	}
}

func (o *StaticObserver) snapshotLocked() []ports.CapabilityHandler {
	out := make([]ports.CapabilityHandler, 0, len(o.handlers))
	for _, h := range o.handlers {
		out = append(out, h)
	}
	return out
}
