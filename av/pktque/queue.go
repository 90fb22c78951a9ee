// Package pktque holds the ordering and filtering stages frames pass through
// before they reach a muxer.
package pktque

import (
	"container/heap"
	"sync"
)

type entry[T any] struct {
	v   T
	seq uint64
}

type entryHeap[T any] struct {
	entries []entry[T]
	less    func(a, b T) bool
}

func (self *entryHeap[T]) Len() int { return len(self.entries) }

// Equal elements leave in insertion order.
func (self *entryHeap[T]) Less(i, j int) bool {
	a, b := self.entries[i], self.entries[j]
	if self.less(a.v, b.v) {
		return true
	}
	if self.less(b.v, a.v) {
		return false
	}
	return a.seq < b.seq
}

func (self *entryHeap[T]) Swap(i, j int) {
	self.entries[i], self.entries[j] = self.entries[j], self.entries[i]
}

func (self *entryHeap[T]) Push(x any) {
	self.entries = append(self.entries, x.(entry[T]))
}

func (self *entryHeap[T]) Pop() any {
	n := len(self.entries) - 1
	e := self.entries[n]
	self.entries[n] = entry[T]{}
	self.entries = self.entries[:n]
	return e
}

// SyncQueue buffers elements in the order given by less and releases them
// when a sync element arrives. All methods are safe for concurrent use.
type SyncQueue[T any] struct {
	mu  sync.Mutex
	h   entryHeap[T]
	seq uint64
}

func NewSyncQueue[T any](less func(a, b T) bool) *SyncQueue[T] {
	return &SyncQueue[T]{h: entryHeap[T]{less: less}}
}

// Add buffers elem when isSync is false and returns nil. When isSync is true
// it returns every buffered element not greater than elem in ascending
// order, followed by elem itself, which is never buffered.
func (self *SyncQueue[T]) Add(elem T, isSync bool) []T {
	self.mu.Lock()
	defer self.mu.Unlock()

	if !isSync {
		heap.Push(&self.h, entry[T]{v: elem, seq: self.seq})
		self.seq++
		return nil
	}
	out := self.drain(elem)
	return append(out, elem)
}

// SyncTo returns every buffered element not greater than x in ascending
// order.
func (self *SyncQueue[T]) SyncTo(x T) []T {
	self.mu.Lock()
	defer self.mu.Unlock()
	return self.drain(x)
}

func (self *SyncQueue[T]) drain(x T) (out []T) {
	for self.h.Len() > 0 && !self.h.less(x, self.h.entries[0].v) {
		out = append(out, heap.Pop(&self.h).(entry[T]).v)
	}
	return
}

// Flush returns everything still buffered in ascending order.
func (self *SyncQueue[T]) Flush() (out []T) {
	self.mu.Lock()
	defer self.mu.Unlock()
	for self.h.Len() > 0 {
		out = append(out, heap.Pop(&self.h).(entry[T]).v)
	}
	return
}

func (self *SyncQueue[T]) Len() int {
	self.mu.Lock()
	defer self.mu.Unlock()
	return self.h.Len()
}

// Clear drops every buffered element.
func (self *SyncQueue[T]) Clear() {
	self.mu.Lock()
	defer self.mu.Unlock()
	self.h.entries = nil
	self.seq = 0
}
