package settings

import (
	"context"
	"sync"
)

type subscriber struct {
	id int
	fn func(key string, value int)
}

// MemoryBus is an in-process SettingsBus. Subscribers are called
// synchronously on the publishing goroutine, after the value is stored.
type MemoryBus struct {
	mu          sync.RWMutex
	values      map[string]int
	subscribers []subscriber
	nextID      int
}

func NewMemoryBus() *MemoryBus {
	return &MemoryBus{values: make(map[string]int)}
}

func (b *MemoryBus) Get(key string) (int, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	v, ok := b.values[key]
	return v, ok
}

// Publish stores value and notifies subscribers.
func (b *MemoryBus) Publish(_ context.Context, key string, value int) error {
	b.mu.Lock()
	b.values[key] = value
	subs := make([]subscriber, len(b.subscribers))
	copy(subs, b.subscribers)
	b.mu.Unlock()

	for _, s := range subs {
		s.fn(key, value)
	}
	return nil
}

func (b *MemoryBus) Subscribe(fn func(key string, value int)) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	b.subscribers = append(b.subscribers, subscriber{id: id, fn: fn})

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			for i, s := range b.subscribers {
				if s.id == id {
					b.subscribers = append(b.subscribers[:i], b.subscribers[i+1:]...)
					return
				}
			}
		})
	}
}

// Snapshot returns a copy of every stored value.
func (b *MemoryBus) Snapshot() map[string]int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make(map[string]int, len(b.values))
	for k, v := range b.values {
		out[k] = v
	}
	return out
}
