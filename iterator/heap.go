package iterator

import (
	"bytes"

	"github.com/INLOpen/regionstore/core"
)

// minHeap implements heap.Interface for a slice of positioned row iterators.
// The top is the source with the smallest key, and for equal keys the one
// holding the newest version.
type minHeap []core.RowIterator

func (h minHeap) Len() int { return len(h) }

func (h minHeap) Less(i, j int) bool {
	a, b := h[i].Row(), h[j].Row()
	if cmp := bytes.Compare(a.Key, b.Key); cmp != 0 {
		return cmp < 0
	}
	// equal keys: the higher sequence is the newer version and comes first
	return a.Sequence > b.Sequence
}

func (h minHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
}

func (h *minHeap) Push(x interface{}) {
	*h = append(*h, x.(core.RowIterator))
}

func (h *minHeap) Pop() interface{} {
	old := *h
	n := len(old)
	x := old[n-1]
	old[n-1] = nil
	*h = old[0 : n-1]
	return x
}
