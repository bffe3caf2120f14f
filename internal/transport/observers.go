package transport

import "sync"

type observer[T any] struct {
	id uint64
	fn T
}

// observers is an ordered subscriber list with per-subscriber removal.
type observers[T any] struct {
	mu     sync.Mutex
	nextID uint64
	list   []observer[T]
}

// add subscribes fn and returns its remove handle. Removing twice is a no-op.
func (o *observers[T]) add(fn T) func() {
	o.mu.Lock()
	o.nextID++
	id := o.nextID
	o.list = append(o.list, observer[T]{id: id, fn: fn})
	o.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			o.mu.Lock()
			defer o.mu.Unlock()
			for i, obs := range o.list {
				if obs.id == id {
					o.list = append(o.list[:i:i], o.list[i+1:]...)
					return
				}
			}
		})
	}
}

// snapshot lets callers invoke subscribers without holding the lock, so a
// subscriber may remove itself.
func (o *observers[T]) snapshot() []T {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]T, len(o.list))
	for i, obs := range o.list {
		out[i] = obs.fn
	}
	return out
}
