// Package expiryheap orders cache keys by expiry time.
package expiryheap

import (
	"container/heap"
	"time"
)

type Item struct {
	Key       string
	ExpiresAt time.Time
	Index     int
}

// Heap is a min-heap on ExpiresAt. Use Schedule and PopExpired rather than
// the container/heap methods directly.
type Heap []*Item

func (h Heap) Len() int           { return len(h) }
func (h Heap) Less(i, j int) bool { return h[i].ExpiresAt.Before(h[j].ExpiresAt) }
func (h Heap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].Index = i
	h[j].Index = j
}

func (h *Heap) Push(x interface{}) {
	n := len(*h)
	item := x.(*Item)
	item.Index = n
	*h = append(*h, item)
}

func (h *Heap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.Index = -1
	*h = old[0 : n-1]
	return item
}

// Schedule records that key expires at t. A key may be scheduled more than
// once; callers must check the owning entry when the item is popped.
func (h *Heap) Schedule(key string, t time.Time) {
	heap.Push(h, &Item{Key: key, ExpiresAt: t})
}

// PopExpired removes and returns every item expiring at or before now,
// earliest first.
func (h *Heap) PopExpired(now time.Time) []*Item {
	var out []*Item
	for h.Len() > 0 && !(*h)[0].ExpiresAt.After(now) {
		out = append(out, heap.Pop(h).(*Item))
	}
	return out
}

// Peek returns the earliest item without removing it.
func (h Heap) Peek() (*Item, bool) {
	if len(h) == 0 {
		return nil, false
	}
	return h[0], true
}
