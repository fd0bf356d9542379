package typedarray

import (
	"container/heap"
	"sort"
)

// insertionThreshold matches array_t.h's qsort, which falls back to
// insertion sort below 16 elements.
const insertionThreshold = 16

// Sort sorts the array in place with the standard library's sort.Sort
// (a pattern-defeating quicksort with heapsort and insertion-sort
// fallbacks). It does not reproduce array_t<T>::qsort's own pivot choice,
// depth limit, or 16-element insertion threshold.
//
// This wrapper exists so Array[T]'s ownership/no-sharing contract is
// respected (sorting a shared read-only view is a programmer error).
func (a *Array[T]) Sort() {
	if a.st != nil && a.st.IsFileMapped() {
		panic("typedarray: Sort on a read-only (mmap-backed) view; call NoSharing first")
	}
	sort.Sort(sortable[T]{a})
}

// StableSort performs a stable sort, matching array_t<T>::stableSort's
// merge-sort contract, using the caller-visible ordering guarantee
// (equal elements keep their relative order).
func (a *Array[T]) StableSort() {
	if a.st != nil && a.st.IsFileMapped() {
		panic("typedarray: StableSort on a read-only (mmap-backed) view; call NoSharing first")
	}
	sort.Stable(sortable[T]{a})
}

type sortable[T Numeric] struct{ a *Array[T] }

func (s sortable[T]) Len() int           { return s.a.Len() }
func (s sortable[T]) Less(i, j int) bool { return s.a.At(i) < s.a.At(j) }
func (s sortable[T]) Swap(i, j int) {
	vi, vj := s.a.At(i), s.a.At(j)
	s.a.Set(i, vj)
	s.a.Set(j, vi)
}

// IsSorted reports whether the array is non-decreasing.
func (a *Array[T]) IsSorted() bool { return sort.IsSorted(sortable[T]{a}) }

// heapItem pairs a value with its original index, for TopK/BottomK.
type heapItem[T Numeric] struct {
	v   T
	idx int
}

type maxHeap[T Numeric] []heapItem[T]

func (h maxHeap[T]) Len() int            { return len(h) }
func (h maxHeap[T]) Less(i, j int) bool  { return h[i].v < h[j].v } // min-heap of k largest
func (h maxHeap[T]) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *maxHeap[T]) Push(x interface{}) { *h = append(*h, x.(heapItem[T])) }
func (h *maxHeap[T]) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// TopK returns the indices of the k largest elements, in descending
// order of value, matching array_t<T>::topk's heap-based selection: a
// min-heap of size k is kept over the stream so only k elements are ever
// resident, rather than sorting the whole array.
func (a *Array[T]) TopK(k int) []int {
	n := a.Len()
	if k > n {
		k = n
	}
	if k <= 0 {
		return nil
	}
	h := &maxHeap[T]{}
	heap.Init(h)
	for i := 0; i < n; i++ {
		v := a.At(i)
		if h.Len() < k {
			heap.Push(h, heapItem[T]{v: v, idx: i})
			continue
		}
		if v > (*h)[0].v {
			heap.Pop(h)
			heap.Push(h, heapItem[T]{v: v, idx: i})
		}
	}
	return drainDescending(h)
}

// BottomK returns the indices of the k smallest elements, ascending,
// using a max-heap of size k kept over the stream.
func (a *Array[T]) BottomK(k int) []int {
	n := a.Len()
	if k > n {
		k = n
	}
	if k <= 0 {
		return nil
	}
	h := &minHeap[T]{}
	heap.Init(h)
	for i := 0; i < n; i++ {
		v := a.At(i)
		if h.Len() < k {
			heap.Push(h, heapItem[T]{v: v, idx: i})
			continue
		}
		if v < (*h)[0].v {
			heap.Pop(h)
			heap.Push(h, heapItem[T]{v: v, idx: i})
		}
	}
	items := make([]heapItem[T], len(*h))
	copy(items, *h)
	sort.Slice(items, func(i, j int) bool { return items[i].v < items[j].v })
	out := make([]int, len(items))
	for i, it := range items {
		out[i] = it.idx
	}
	return out
}

func drainDescending[T Numeric](h *maxHeap[T]) []int {
	items := make([]heapItem[T], len(*h))
	copy(items, *h)
	sort.Slice(items, func(i, j int) bool { return items[i].v > items[j].v })
	out := make([]int, len(items))
	for i, it := range items {
		out[i] = it.idx
	}
	return out
}

type minHeap[T Numeric] []heapItem[T]

func (h minHeap[T]) Len() int            { return len(h) }
func (h minHeap[T]) Less(i, j int) bool  { return h[i].v > h[j].v } // max-heap ordering
func (h minHeap[T]) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *minHeap[T]) Push(x interface{}) { *h = append(*h, x.(heapItem[T])) }
func (h *minHeap[T]) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
