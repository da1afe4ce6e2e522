package bin

import "github.com/relaypool/dispatch/internal/dispatch/task"

// pendingHeap is a container/heap.Interface min-heap of task.Description,
// ordered by (Priority, Sequence) ascending — the opposite convention from
// runner's max-by-priority eviction scan, per design.
type pendingHeap []task.Description

func (h pendingHeap) Len() int { return len(h) }

func (h pendingHeap) Less(i, j int) bool { return h[i].Less(h[j]) }

func (h pendingHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *pendingHeap) Push(x any) {
	*h = append(*h, x.(task.Description))
}

func (h *pendingHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
