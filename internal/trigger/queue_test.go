package trigger

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradeflow/internal/domain"
)

func TestQueue_DrainFIFO(t *testing.T) {
	q := NewQueue()
	for i := 0; i < 3; i++ {
		q.Push(&domain.AutoBuyRequest{ID: fmt.Sprintf("r%d", i)})
	}
	assert.Equal(t, 3, q.Len())

	items := q.Drain()
	require.Len(t, items, 3)
	assert.Equal(t, "r0", items[0].ID)
	assert.Equal(t, "r2", items[2].ID)

	assert.Equal(t, 0, q.Len())
	assert.Empty(t, q.Drain())
}

func TestQueue_ConcurrentPushDrain(t *testing.T) {
	q := NewQueue()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			q.Push(&domain.AutoBuyRequest{ID: fmt.Sprintf("r%d", i)})
		}(i)
	}

	seen := make(map[string]bool)
	var mu sync.Mutex
	var drainers sync.WaitGroup
	for i := 0; i < 5; i++ {
		drainers.Add(1)
		go func() {
			defer drainers.Done()
			for _, r := range q.Drain() {
				mu.Lock()
				seen[r.ID] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	drainers.Wait()
	for _, r := range q.Drain() {
		seen[r.ID] = true
	}

	assert.Len(t, seen, 50)
}
