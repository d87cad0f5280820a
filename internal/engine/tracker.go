package engine

import "sync"

// Tracker lets a caller await N job completions on a queue. Tests and
// clients use it to synchronize on "the work is done" without polling the
// database. It is an explicit dependency of the worker's finalize step, not
// a package global.
type Tracker struct {
	mu      sync.Mutex
	waiters map[string][]*trackerWaiter
}

type trackerWaiter struct {
	remaining int
	ch        chan struct{}
}

func NewTracker() *Tracker {
	return &Tracker{waiters: make(map[string][]*trackerWaiter)}
}

// Await returns a channel that closes once n more jobs finish on the queue.
func (t *Tracker) Await(queueName string, n int) <-chan struct{} {
	w := &trackerWaiter{remaining: n, ch: make(chan struct{})}
	if n <= 0 {
		close(w.ch)
		return w.ch
	}
	t.mu.Lock()
	t.waiters[queueName] = append(t.waiters[queueName], w)
	t.mu.Unlock()
	return w.ch
}

// Record reports n finished jobs on the queue.
func (t *Tracker) Record(queueName string, n int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	pending := t.waiters[queueName][:0]
	for _, w := range t.waiters[queueName] {
		w.remaining -= n
		if w.remaining <= 0 {
			close(w.ch)
			continue
		}
		pending = append(pending, w)
	}
	if len(pending) == 0 {
		delete(t.waiters, queueName)
	} else {
		t.waiters[queueName] = pending
	}
}
