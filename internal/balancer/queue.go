package balancer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ThatsRight-ItsTJ/your-pal-moe/internal/config"
	"github.com/ThatsRight-ItsTJ/your-pal-moe/internal/utils"
)

// queueItem is one waiting request. ready is closed exactly once when the
// drainer hands the item a slot; abandoned items are skipped at drain time.
type queueItem struct {
	id         string
	enqueuedAt time.Time

	mu        sync.Mutex
	delivered bool
	abandoned bool
	ready     chan struct{}
}

// requestQueue is a FIFO of waiting requests for one provider
type requestQueue struct {
	mu    sync.Mutex
	items []*queueItem
}

func newRequestQueue() *requestQueue {
	return &requestQueue{}
}

func (q *requestQueue) push() *queueItem {
	item := &queueItem{
		id:         uuid.NewString(),
		enqueuedAt: time.Now(),
		ready:      make(chan struct{}),
	}
	q.mu.Lock()
	q.items = append(q.items, item)
	q.mu.Unlock()
	return item
}

// popReady removes the oldest item still worth serving: expired and
// abandoned items are dropped in passing, preserving FIFO for the rest.
func (q *requestQueue) popReady() *queueItem {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := time.Now()
	for len(q.items) > 0 {
		item := q.items[0]
		q.items = q.items[1:]

		item.mu.Lock()
		expired := now.Sub(item.enqueuedAt) > config.QueueTimeout
		skip := item.abandoned || expired
		if !skip {
			item.delivered = true
		}
		item.mu.Unlock()

		if skip {
			if expired {
				utils.Debug("[Balancer] Dropping expired queue item %s", item.id)
			}
			continue
		}
		return item
	}
	return nil
}

func (q *requestQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// load-side queue operations

func (l *load) enqueue() *queueItem {
	return l.queue.push()
}

func (l *load) queueLen() int {
	return l.queue.len()
}

// wait blocks until the item receives a slot, the queue timeout passes, or
// ctx is cancelled. On timeout/cancel the item is abandoned so the drainer
// skips it; if the drainer won the race and already granted a slot, the
// slot is returned so current stays paired.
func (l *load) wait(ctx context.Context, item *queueItem) error {
	timer := time.NewTimer(config.QueueTimeout)
	defer timer.Stop()

	select {
	case <-item.ready:
		return nil
	case <-timer.C:
		if !item.abandon() {
			l.release()
		}
		return fmt.Errorf("queue timeout after %s", config.QueueTimeout)
	case <-ctx.Done():
		if !item.abandon() {
			l.release()
		}
		return ctx.Err()
	}
}

// abandon marks the item dead. Returns false when the drainer already
// delivered a slot to it.
func (item *queueItem) abandon() bool {
	item.mu.Lock()
	defer item.mu.Unlock()
	if item.delivered {
		return false
	}
	item.abandoned = true
	return true
}

// release settles one active request and hands the freed slot to the next
// queued item, if any.
func (l *load) release() {
	l.mu.Lock()
	if l.current > 0 {
		l.current--
	}
	l.lastUpdated = time.Now()

	var item *queueItem
	if l.current < l.capacity {
		item = l.queue.popReady()
		if item != nil {
			l.current++
		}
	}
	l.mu.Unlock()

	if item != nil {
		close(item.ready)
	}
}
