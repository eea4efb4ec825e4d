package priorityqueue

import (
	"container/heap"
)

type Option[T any] func(queue *PriorityQueue[T])

// PriorityQueue is a min queue: items with the smallest priority pop
// first, FIFO among equal priorities.
type PriorityQueue[T any] struct {
	priorityQueue priorityQueue[T]
	seq           uint64
}

func WithPreallocateSize[T any](n int) Option[T] {
	return func(queue *PriorityQueue[T]) {
		queue.priorityQueue = make(priorityQueue[T], 0, n)
	}
}

func NewMinPriorityQueue[T any](options ...Option[T]) *PriorityQueue[T] {
	p := new(PriorityQueue[T])
	for _, option := range options {
		option(p)
	}
	heap.Init(&p.priorityQueue)
	return p
}

func (p *PriorityQueue[T]) Push(value T, priority int) *Item[T] {
	p.seq++
	item := &Item[T]{
		value:    value,
		priority: priority,
		seq:      p.seq,
	}
	heap.Push(&p.priorityQueue, item)
	return item
}

func (p *PriorityQueue[T]) Pop() *Item[T] {
	return heap.Pop(&p.priorityQueue).(*Item[T])
}

func (p *PriorityQueue[T]) Peek() *Item[T] {
	return p.priorityQueue[0]
}

func (p *PriorityQueue[T]) IsEmpty() bool {
	return p.priorityQueue.Len() == 0
}

func (p *PriorityQueue[T]) Size() int {
	return p.priorityQueue.Len()
}

type Item[T any] struct {
	value    T
	priority int
	seq      uint64

	index int
}

func (i *Item[T]) Value() T {
	return i.value
}

func (i *Item[T]) Priority() int {
	return i.priority
}

type priorityQueue[T any] []*Item[T]

func (pq priorityQueue[T]) Len() int { return len(pq) }

func (pq priorityQueue[T]) Less(i, j int) bool {
	if pq[i].priority != pq[j].priority {
		return pq[i].priority < pq[j].priority
	}
	return pq[i].seq < pq[j].seq
}

func (pq priorityQueue[T]) Swap(i, j int) {
	pq[i], pq[j] = pq[j], pq[i]
	pq[i].index = i
	pq[j].index = j
}

func (pq *priorityQueue[T]) Push(x any) {
	n := len(*pq)
	item := x.(*Item[T])
	item.index = n
	*pq = append(*pq, item)
}

func (pq *priorityQueue[T]) Pop() any {
	old := *pq
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*pq = old[:n-1]
	return item
}
