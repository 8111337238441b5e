// Copyright 2018 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package ilist provides the implementation of intrusive linked lists.
package ilist

import "iter"

// Linker is the interface that objects must implement if they want to be added
// to and/or removed from List objects. It is normally satisfied by embedding
// Entry.
type Linker[T any] interface {
	Next() *T
	Prev() *T
	SetNext(*T)
	SetPrev(*T)
}

// List is an intrusive list. Entries can be added to or removed from the list
// in O(1) time and with no additional memory allocations.
//
// The zero value for List is an empty list ready to use.
//
// To iterate over a list (where l is a List):
//
//	for e := l.Front(); e != nil; e = e.Next() {
//		// do something with e.
//	}
//
// or, when the list is not modified during iteration:
//
//	for e := range l.All() {
//		// do something with e.
//	}
type List[T any, PT interface {
	*T
	Linker[T]
}] struct {
	head *T
	tail *T
}

// Reset resets list l to the empty state.
func (l *List[T, PT]) Reset() {
	l.head = nil
	l.tail = nil
}

// Empty returns true iff the list is empty.
func (l *List[T, PT]) Empty() bool {
	return l.head == nil
}

// Front returns the first element of list l or nil.
func (l *List[T, PT]) Front() *T {
	return l.head
}

// Back returns the last element of list l or nil.
func (l *List[T, PT]) Back() *T {
	return l.tail
}

// Len returns the number of elements in the list.
//
// NOTE: This is an O(n) operation.
func (l *List[T, PT]) Len() (count int) {
	for e := l.Front(); e != nil; e = PT(e).Next() {
		count++
	}
	return count
}

// All returns an iterator over the list from front to back. The list must
// not be modified while iterating.
func (l *List[T, PT]) All() iter.Seq[*T] {
	return func(yield func(*T) bool) {
		for e := l.head; e != nil; e = PT(e).Next() {
			if !yield(e) {
				return
			}
		}
	}
}

// PushFront inserts the element e at the front of list l.
func (l *List[T, PT]) PushFront(e *T) {
	linker := PT(e)
	linker.SetNext(l.head)
	linker.SetPrev(nil)
	if l.head != nil {
		PT(l.head).SetPrev(e)
	} else {
		l.tail = e
	}

	l.head = e
}

// PushBack inserts the element e at the back of list l.
func (l *List[T, PT]) PushBack(e *T) {
	linker := PT(e)
	linker.SetNext(nil)
	linker.SetPrev(l.tail)
	if l.tail != nil {
		PT(l.tail).SetNext(e)
	} else {
		l.head = e
	}

	l.tail = e
}

// InsertAfter inserts e after b.
func (l *List[T, PT]) InsertAfter(b, e *T) {
	bLinker := PT(b)
	eLinker := PT(e)

	a := bLinker.Next()

	eLinker.SetNext(a)
	eLinker.SetPrev(b)
	bLinker.SetNext(e)

	if a != nil {
		PT(a).SetPrev(e)
	} else {
		l.tail = e
	}
}

// InsertBefore inserts e before a.
func (l *List[T, PT]) InsertBefore(a, e *T) {
	aLinker := PT(a)
	eLinker := PT(e)

	b := aLinker.Prev()
	eLinker.SetNext(a)
	eLinker.SetPrev(b)
	aLinker.SetPrev(e)

	if b != nil {
		PT(b).SetNext(e)
	} else {
		l.head = e
	}
}

// Remove removes e from l.
func (l *List[T, PT]) Remove(e *T) {
	linker := PT(e)
	prev := linker.Prev()
	next := linker.Next()

	if prev != nil {
		PT(prev).SetNext(next)
	} else if l.head == e {
		l.head = next
	}

	if next != nil {
		PT(next).SetPrev(prev)
	} else if l.tail == e {
		l.tail = prev
	}

	linker.SetNext(nil)
	linker.SetPrev(nil)
}

// Entry is a default implementation of Linker. Users can add anonymous fields
// of this type to their structs to make them automatically implement the
// methods needed by List.
type Entry[T any] struct {
	next *T
	prev *T
}

// Next returns the entry that follows e in the list.
func (e *Entry[T]) Next() *T {
	return e.next
}

// Prev returns the entry that precedes e in the list.
func (e *Entry[T]) Prev() *T {
	return e.prev
}

// SetNext assigns 'entry' as the entry that follows e in the list.
func (e *Entry[T]) SetNext(elem *T) {
	e.next = elem
}

// SetPrev assigns 'entry' as the entry that precedes e in the list.
func (e *Entry[T]) SetPrev(elem *T) {
	e.prev = elem
}
