package api

import "sync"

// reportQueue is a fixed-capacity FIFO holding dispense reports while the
// server is unreachable. When full, the oldest report is dropped: recent
// outcomes matter more than stale ones once the backlog exceeds the cap.
type reportQueue struct {
	mu       sync.Mutex
	buf      []Report
	capacity int
	head     int // next write position
	count    int
	overflow bool // true if any report was dropped since last drain
}

func newReportQueue(capacity int) *reportQueue {
	return &reportQueue{
		buf:      make([]Report, capacity),
		capacity: capacity,
	}
}

func (q *reportQueue) push(rep Report) (dropped bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.count == q.capacity {
		dropped = !q.overflow
		q.overflow = true
		// Overwrite oldest: head is already pointing at it.
		q.buf[q.head] = rep
		q.head = (q.head + 1) % q.capacity
		return dropped
	}
	q.buf[q.head] = rep
	q.head = (q.head + 1) % q.capacity
	q.count++
	return false
}

func (q *reportQueue) drainAll() []Report {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.count == 0 {
		return nil
	}

	result := make([]Report, q.count)
	// Oldest item is at (head - count) mod capacity.
	start := (q.head - q.count + q.capacity) % q.capacity
	for i := 0; i < q.count; i++ {
		result[i] = q.buf[(start+i)%q.capacity]
	}

	q.count = 0
	q.head = 0
	q.overflow = false
	return result
}

func (q *reportQueue) requeue(reports []Report) {
	for _, rep := range reports {
		q.push(rep)
	}
}

func (q *reportQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.count
}
