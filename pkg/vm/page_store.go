// Copyright 2026 The gVisor Authors.
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

package vm

import (
	"github.com/google/btree"

	"github.com/vmokit/vmo/pkg/errors/vmerr"
	"github.com/vmokit/vmo/pkg/pgalloc"
)

// pageStoreDegree is the btree degree used for page stores.
const pageStoreDegree = 16

// pageEntry is a page owned by an object.
type pageEntry struct {
	off uint64
	fr  pgalloc.Frame
}

func pageEntryLess(a, b pageEntry) bool {
	return a.off < b.off
}

// PageStore holds the frames privately owned by one paged object, keyed by
// page-aligned offset. Each offset is present at most once.
//
// PageStore is not synchronized; the owning object's tree lock protects it.
type PageStore struct {
	mf    *pgalloc.MemoryFile
	pages *btree.BTreeG[pageEntry]
}

func newPageStore(mf *pgalloc.MemoryFile) PageStore {
	return PageStore{
		mf:    mf,
		pages: btree.NewG(pageStoreDegree, pageEntryLess),
	}
}

// Get returns the frame owned at off.
func (s *PageStore) Get(off uint64) (pgalloc.Frame, bool) {
	e, ok := s.pages.Get(pageEntry{off: off})
	return e.fr, ok
}

// Has returns true if a frame is owned at off.
func (s *PageStore) Has(off uint64) bool {
	return s.pages.Has(pageEntry{off: off})
}

// Insert takes ownership of fr at off. It fails with ErrAlreadyExists,
// leaving the store unchanged, if off is already populated.
func (s *PageStore) Insert(off uint64, fr pgalloc.Frame) error {
	if s.Has(off) {
		return vmerr.ErrAlreadyExists
	}
	s.pages.ReplaceOrInsert(pageEntry{off: off, fr: fr})
	return nil
}

// Remove frees the frame owned at off, if any, back to the allocator.
func (s *PageStore) Remove(off uint64) bool {
	e, ok := s.pages.Delete(pageEntry{off: off})
	if ok {
		s.mf.FreePage(e.fr)
	}
	return ok
}

// RemoveRange frees every frame in [start, end) and returns how many were
// freed.
func (s *PageStore) RemoveRange(start, end uint64) int {
	var offs []uint64
	s.ForEach(start, end, func(off uint64, _ pgalloc.Frame) bool {
		offs = append(offs, off)
		return true
	})
	for _, off := range offs {
		s.Remove(off)
	}
	return len(offs)
}

// ForEach calls fn for each frame in [start, end) in offset order until fn
// returns false. fn must not modify the store.
func (s *PageStore) ForEach(start, end uint64, fn func(off uint64, fr pgalloc.Frame) bool) {
	if start >= end {
		return
	}
	s.pages.AscendRange(pageEntry{off: start}, pageEntry{off: end}, func(e pageEntry) bool {
		return fn(e.off, e.fr)
	})
}

// Len returns the number of owned frames.
func (s *PageStore) Len() int {
	return s.pages.Len()
}
