package mcpservice

import "sync"

// ChangeNotifier is an in-process fan-out of "list changed" signals. Each
// subscriber holds a one-slot channel; signals to a subscriber that has not
// drained the previous one are coalesced.
type ChangeNotifier struct {
	mu     sync.Mutex
	subs   map[uint64]chan struct{}
	nextID uint64
	closed bool
}

// Notify signals every subscriber without blocking.
func (cn *ChangeNotifier) Notify() {
	cn.mu.Lock()
	defer cn.mu.Unlock()

	for _, ch := range cn.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// Subscribe registers a listener. The returned function removes it and
// closes the channel; it is safe to call more than once.
func (cn *ChangeNotifier) Subscribe() (<-chan struct{}, func()) {
	cn.mu.Lock()
	defer cn.mu.Unlock()

	ch := make(chan struct{}, 1)
	if cn.closed {
		close(ch)
		return ch, func() {}
	}
	if cn.subs == nil {
		cn.subs = make(map[uint64]chan struct{})
	}
	id := cn.nextID
	cn.nextID++
	cn.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			cn.mu.Lock()
			defer cn.mu.Unlock()
			if c, ok := cn.subs[id]; ok {
				delete(cn.subs, id)
				close(c)
			}
		})
	}
}

// Len returns the number of live subscribers.
func (cn *ChangeNotifier) Len() int {
	cn.mu.Lock()
	defer cn.mu.Unlock()
	return len(cn.subs)
}

// Close closes every subscriber channel. Later subscriptions receive a
// closed channel.
func (cn *ChangeNotifier) Close() {
	cn.mu.Lock()
	defer cn.mu.Unlock()
	if cn.closed {
		return
	}
	cn.closed = true
	for id, ch := range cn.subs {
		close(ch)
		delete(cn.subs, id)
	}
}
