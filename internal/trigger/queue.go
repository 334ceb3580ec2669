package trigger

import (
	"sync"

	"tradeflow/internal/domain"
	"tradeflow/internal/observability"
)

// Queue is the in-process FIFO of pending auto-buy requests.
type Queue struct {
	mu    sync.Mutex
	items []*domain.AutoBuyRequest
}

// NewQueue creates an empty Queue.
func NewQueue() *Queue {
	return &Queue{}
}

// Push appends a request.
func (q *Queue) Push(req *domain.AutoBuyRequest) {
	q.mu.Lock()
	q.items = append(q.items, req)
	n := len(q.items)
	q.mu.Unlock()
	observability.SetQueueDepth(n)
}

// Drain atomically removes and returns every pending request in FIFO order.
func (q *Queue) Drain() []*domain.AutoBuyRequest {
	q.mu.Lock()
	items := q.items
	q.items = nil
	q.mu.Unlock()
	observability.SetQueueDepth(0)
	return items
}

// Len returns the number of pending requests.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
