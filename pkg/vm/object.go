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

// Package vm implements virtual memory objects: resizable regions of memory
// that can be read and written directly, projected into address spaces, and
// cloned copy-on-write.
//
// Lock order:
//
//	aspace.AddressSpace.mappingMu
//	  TreeLock
//	    aspace.AddressSpace.activeMu
//
// Every object in a clone tree shares a single TreeLock, so an operation on
// any member of the tree excludes operations on every other member.
package vm

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/vmokit/vmo/pkg/errors/vmerr"
	"github.com/vmokit/vmo/pkg/hostarch"
	"github.com/vmokit/vmo/pkg/ilist"
)

const (
	// MaxSize is the largest size of an object, in bytes.
	MaxSize = 1 << 40

	// CloneCopyOnWrite is the only supported clone option: the child shares
	// its parent's pages until either side writes them.
	CloneCopyOnWrite = 1
)

// Object is a virtual memory object.
//
// Operations that a variant does not implement fail with ErrNotSupported,
// except SetSize, which fails with ErrInvalidArgs.
type Object interface {
	// ID returns the object's identity. It never changes.
	ID() uint64

	// TreeLock returns the lock shared by the object's clone tree.
	TreeLock() *TreeLock

	// Size returns the object's size in bytes. It is 0 or page aligned.
	Size() uint64

	// SetSize changes the size of the object, rounding up to a page. When
	// the object shrinks, mappings of the truncated range are invalidated
	// with Unmap set and the pages beyond the new size are released.
	SetSize(ctx context.Context, size uint64) error

	// Read copies object content at off into dst. The transfer is
	// truncated to the object's size; the byte count is returned with any
	// error.
	Read(ctx context.Context, dst []byte, off uint64) (int, error)

	// Write copies src into the object at off. The transfer is truncated to
	// the object's size; the byte count is returned with any error.
	Write(ctx context.Context, src []byte, off uint64) (int, error)

	// Commit ensures the object owns a page for every page in
	// [off, off+length). It returns the number of pages processed.
	Commit(ctx context.Context, off, length uint64) (uint64, error)

	// Decommit releases the object's own pages in [off, off+length). It
	// returns the number of pages processed.
	Decommit(ctx context.Context, off, length uint64) (uint64, error)

	// Lookup stores the physical address of each page of [off, off+length)
	// in addrs. It returns the number of pages stored.
	Lookup(ctx context.Context, off, length uint64, addrs []uint64) (uint64, error)

	// Clone creates a child object whose content is a lazily copied view of
	// [off, off+size) of this object. The caller owns the returned
	// reference.
	Clone(ctx context.Context, opts uint32, off, size uint64) (Object, error)

	// TranslateLocked returns the physical page backing off for an access
	// of type at.
	//
	// Preconditions: The tree lock is held.
	TranslateLocked(ctx context.Context, off uint64, at hostarch.AccessType) (Translation, error)

	// AddMappingLocked registers m.
	//
	// Preconditions: The tree lock is held.
	AddMappingLocked(m *Mapping)

	// RemoveMappingLocked unregisters m.
	//
	// Preconditions: The tree lock is held. m was registered.
	RemoveMappingLocked(m *Mapping)

	// Dump writes a description of the object to w, including its pages if
	// pages is set.
	Dump(w io.Writer, pages bool)

	// IncRef takes a reference on the object.
	IncRef()

	// TryIncRef takes a reference on the object unless it is being
	// destroyed.
	TryIncRef() bool

	// DecRef drops a reference. The object is destroyed when the last
	// reference is dropped.
	DecRef(ctx context.Context)
}

// Translation is the result of TranslateLocked.
type Translation struct {
	// PhysAddr is the physical address of the page.
	PhysAddr uint64

	// Perms is the access that the translation may be used for. It is
	// always a superset of the requested access.
	Perms hostarch.AccessType

	// MemoryType is the caching policy of the page.
	MemoryType hostarch.MemoryType
}

// lastID is the last object ID handed out.
var lastID atomic.Uint64

// objectBase is the state and default behavior shared by all variants.
type objectBase struct {
	id   uint64
	lock *TreeLock

	// size is protected by lock.
	size uint64

	// mappings is protected by lock.
	mappings mappingList
}

func (b *objectBase) init(lock *TreeLock, size uint64) {
	b.id = lastID.Add(1)
	b.lock = lock
	b.size = size
}

// ID implements Object.ID.
func (b *objectBase) ID() uint64 {
	return b.id
}

// TreeLock implements Object.TreeLock.
func (b *objectBase) TreeLock() *TreeLock {
	return b.lock
}

// Size implements Object.Size.
func (b *objectBase) Size() uint64 {
	b.lock.Lock()
	defer b.lock.Unlock()
	return b.size
}

// SetSize implements Object.SetSize.
func (b *objectBase) SetSize(context.Context, uint64) error {
	return vmerr.ErrInvalidArgs
}

// Read implements Object.Read.
func (b *objectBase) Read(context.Context, []byte, uint64) (int, error) {
	return 0, vmerr.ErrNotSupported
}

// Write implements Object.Write.
func (b *objectBase) Write(context.Context, []byte, uint64) (int, error) {
	return 0, vmerr.ErrNotSupported
}

// Commit implements Object.Commit.
func (b *objectBase) Commit(context.Context, uint64, uint64) (uint64, error) {
	return 0, vmerr.ErrNotSupported
}

// Decommit implements Object.Decommit.
func (b *objectBase) Decommit(context.Context, uint64, uint64) (uint64, error) {
	return 0, vmerr.ErrNotSupported
}

// Clone implements Object.Clone.
func (b *objectBase) Clone(context.Context, uint32, uint64, uint64) (Object, error) {
	return nil, vmerr.ErrNotSupported
}

// AddMappingLocked implements Object.AddMappingLocked.
func (b *objectBase) AddMappingLocked(m *Mapping) {
	b.lock.AssertLocked()
	b.mappings.PushBack(m)
}

// RemoveMappingLocked implements Object.RemoveMappingLocked.
func (b *objectBase) RemoveMappingLocked(m *Mapping) {
	b.lock.AssertLocked()
	b.mappings.Remove(m)
}

// pageRange returns the page-aligned range covering [off, off+length)
// clipped to size. It fails with ErrOutOfRange if off is beyond size.
func pageRange(off, length, size uint64) (start, end uint64, err error) {
	if off > size {
		return 0, 0, vmerr.ErrOutOfRange
	}
	if length == 0 {
		start = hostarch.PageRoundDown(off)
		return start, start, nil
	}
	end = size
	if e, ok := hostarch.Addr(off).AddLength(length); ok && uint64(e) < size {
		end = uint64(e)
	}
	start = hostarch.PageRoundDown(off)
	// size is page aligned, so rounding end up cannot pass it.
	end, _ = hostarch.PageRoundUp(end)
	return start, end, nil
}

// objects holds every live object by ID, for diagnostics.
var objects = struct {
	mu sync.Mutex
	m  map[uint64]Object
}{m: make(map[uint64]Object)}

func register(o Object) {
	objects.mu.Lock()
	defer objects.mu.Unlock()
	if _, ok := objects.m[o.ID()]; ok {
		panic(fmt.Sprintf("vm: object id %d registered twice", o.ID()))
	}
	objects.m[o.ID()] = o
}

func unregister(o Object) {
	objects.mu.Lock()
	defer objects.mu.Unlock()
	delete(objects.m, o.ID())
}

// Find returns the live object with the given ID with a reference held, or
// nil if there is none. The caller must drop the reference.
func Find(id uint64) Object {
	objects.mu.Lock()
	defer objects.mu.Unlock()
	o, ok := objects.m[id]
	if !ok || !o.TryIncRef() {
		return nil
	}
	return o
}

// LiveIDs returns the IDs of all live objects, in no particular order.
func LiveIDs() []uint64 {
	objects.mu.Lock()
	defer objects.mu.Unlock()
	ids := make([]uint64, 0, len(objects.m))
	for id := range objects.m {
		ids = append(ids, id)
	}
	return ids
}

// mappingList is an intrusive list of mappings.
type mappingList = ilist.List[Mapping, *Mapping]
