package hypo

import (
	"context"
	"sync"
)

// fifo is a de-duplicated queue of hypo IDs: an ID already waiting is not
// queued twice.
type fifo struct {
	mu     sync.Mutex
	items  []string
	queued map[string]struct{}
	ready  chan struct{}
}

func newFifo() *fifo {
	return &fifo{
		queued: make(map[string]struct{}),
		ready:  make(chan struct{}, 1),
	}
}

func (f *fifo) push(id string) bool {
	f.mu.Lock()
	if _, ok := f.queued[id]; ok {
		f.mu.Unlock()
		return false
	}
	f.queued[id] = struct{}{}
	f.items = append(f.items, id)
	f.mu.Unlock()
	f.signal()
	return true
}

func (f *fifo) pop() (string, bool) {
	f.mu.Lock()
	if len(f.items) == 0 {
		f.mu.Unlock()
		return "", false
	}
	id := f.items[0]
	f.items[0] = ""
	f.items = f.items[1:]
	delete(f.queued, id)
	more := len(f.items) > 0
	f.mu.Unlock()
	if more {
		f.signal()
	}
	return id, true
}

// wait blocks until an ID is available or ctx is done.
func (f *fifo) wait(ctx context.Context) (string, error) {
	for {
		if id, ok := f.pop(); ok {
			return id, nil
		}
		select {
		case <-f.ready:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
}

func (f *fifo) len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.items)
}

func (f *fifo) signal() {
	select {
	case f.ready <- struct{}{}:
	default:
	}
}
