package task

// ReadyQueue wakes idle workers when tasks become ready. It carries no task
// data: the Store stays the only source of truth and a woken worker still
// claims through the dispatcher. Signals are coalesced when the buffer is
// full, and workers fall back to polling, so a dropped signal only delays
// dispatch by one poll interval.
type ReadyQueue struct {
	signals chan struct{}
}

// NewReadyQueue creates a queue that buffers up to size wake-ups.
func NewReadyQueue(size int) *ReadyQueue {
	if size <= 0 {
		size = 1
	}
	return &ReadyQueue{signals: make(chan struct{}, size)}
}

// Notify records that n tasks became ready.
func (q *ReadyQueue) Notify(n int) {
	for i := 0; i < n; i++ {
		select {
		case q.signals <- struct{}{}:
		default:
			return
		}
	}
}

// Wait returns the channel idle workers block on.
func (q *ReadyQueue) Wait() <-chan struct{} {
	return q.signals
}

// Len returns the number of buffered wake-ups.
func (q *ReadyQueue) Len() int {
	return len(q.signals)
}
