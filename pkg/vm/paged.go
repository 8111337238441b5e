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
	"context"
	"fmt"
	"io"

	"github.com/vmokit/vmo/pkg/errors/vmerr"
	"github.com/vmokit/vmo/pkg/hostarch"
	"github.com/vmokit/vmo/pkg/ilist"
	"github.com/vmokit/vmo/pkg/log"
	"github.com/vmokit/vmo/pkg/pgalloc"
	"github.com/vmokit/vmo/pkg/refs"
)

// Paged is an object backed by pages from a MemoryFile. Offsets it does not
// own a page for are inherited from its parent, if it is a clone, or read as
// zero.
type Paged struct {
	objectBase
	refs.Refs[Paged]

	// Entry links the object into its parent's children.
	ilist.Entry[Paged]

	mf *pgalloc.MemoryFile

	// The fields below are protected by the tree lock.

	// pages holds the pages the object owns.
	pages PageStore

	// parent is the object this one was cloned from, or nil for a root. The
	// object holds a reference on parent. It is set at clone and cleared at
	// destruction.
	parent *Paged

	// parentOffset is the offset in parent corresponding to offset 0.
	parentOffset uint64

	// parentLimit bounds inheritance: offsets at or beyond it never resolve
	// through parent. It starts as the clone size and only shrinks.
	parentLimit uint64

	// children are the objects cloned from this one. Each holds a
	// reference on this object.
	children ilist.List[Paged, *Paged]
}

var _ Object = (*Paged)(nil)

// NewPaged creates a root object of the given size, rounded up to a page.
func NewPaged(ctx context.Context, mf *pgalloc.MemoryFile, size uint64) (*Paged, error) {
	size, ok := hostarch.PageRoundUp(size)
	if !ok || size > MaxSize {
		return nil, vmerr.ErrNoMemory
	}
	p := newPaged(mf, newTreeLock(), size)
	if log.IsLogging(log.Debug) {
		log.Debugf("Created %v", p)
	}
	return p, nil
}

// newPaged creates an object. The caller supplies a reference on lock.
func newPaged(mf *pgalloc.MemoryFile, lock *TreeLock, size uint64) *Paged {
	p := &Paged{
		mf:    mf,
		pages: newPageStore(mf),
	}
	p.objectBase.init(lock, size)
	p.InitRefs()
	register(p)
	return p
}

// String implements fmt.Stringer.String.
func (p *Paged) String() string {
	return fmt.Sprintf("Paged{id: %d}", p.id)
}

// addChildLocked links c below p. c must share p's tree lock.
func (p *Paged) addChildLocked(c *Paged) {
	p.lock.AssertLocked()
	if c.lock != p.lock || c.parent != nil {
		panic(fmt.Sprintf("%v cannot adopt %v", p, c))
	}
	c.parent = p
	p.children.PushFront(c)
}

// removeChildLocked unlinks c, which must be a child of p.
func (p *Paged) removeChildLocked(c *Paged) {
	p.lock.AssertLocked()
	if c.parent != p {
		panic(fmt.Sprintf("%v is not a child of %v", c, p))
	}
	p.children.Remove(c)
	c.parent = nil
}

// DecRef implements Object.DecRef.
func (p *Paged) DecRef(ctx context.Context) {
	p.Refs.DecRef(func() {
		p.destroy(ctx)
	})
}

// destroy tears the object down after the last reference is dropped.
func (p *Paged) destroy(ctx context.Context) {
	lock := p.lock
	lock.Lock()
	parent := p.parent
	if parent != nil {
		parent.removeChildLocked(p)
	}
	if !p.children.Empty() || !p.mappings.Empty() {
		children, mappings := p.children.Len(), p.mappings.Len()
		lock.Unlock()
		panic(fmt.Sprintf("%v destroyed with %d children and %d mappings", p, children, mappings))
	}
	freed := p.pages.RemoveRange(0, ^uint64(0))
	unregister(p)
	lock.Unlock()

	if log.IsLogging(log.Debug) {
		log.Debugf("Destroyed %v, freed %d pages", p, freed)
	}
	if parent != nil {
		parent.DecRef(ctx)
	}
	lock.DecRef()
}

// SetSize implements Object.SetSize.
func (p *Paged) SetSize(ctx context.Context, size uint64) error {
	size, ok := hostarch.PageRoundUp(size)
	if !ok || size > MaxSize {
		return vmerr.ErrOutOfRange
	}
	p.lock.Lock()
	defer p.lock.Unlock()

	if size >= p.size {
		p.size = size
		return nil
	}

	// Children that still inherit truncated content keep it.
	for _, off := range p.visiblePagesLocked(size, p.size) {
		if err := p.pushDownLocked(ctx, off); err != nil {
			return err
		}
	}
	p.invalidateLocked(size, p.size, InvalidateOpts{Unmap: true})
	p.pages.RemoveRange(size, p.size)
	p.size = size
	p.parentLimit = min(p.parentLimit, size)
	return nil
}

// Read implements Object.Read.
func (p *Paged) Read(ctx context.Context, dst []byte, off uint64) (int, error) {
	p.lock.Lock()
	defer p.lock.Unlock()
	if off >= p.size {
		return 0, nil
	}
	dst = dst[:min(uint64(len(dst)), p.size-off)]

	done := 0
	for done < len(dst) {
		cur := off + uint64(done)
		pageOff := hostarch.PageRoundDown(cur)
		inPage := cur - pageOff
		chunk := dst[done:min(len(dst), done+int(hostarch.PageSize-inPage))]
		if _, fr, ok := p.resolveLocked(pageOff); ok {
			copy(chunk, p.mf.Bytes(fr)[inPage:])
		} else {
			clear(chunk)
		}
		done += len(chunk)
	}
	return done, nil
}

// Write implements Object.Write.
func (p *Paged) Write(ctx context.Context, src []byte, off uint64) (int, error) {
	p.lock.Lock()
	defer p.lock.Unlock()
	if off >= p.size {
		return 0, nil
	}
	src = src[:min(uint64(len(src)), p.size-off)]

	done := 0
	for done < len(src) {
		cur := off + uint64(done)
		pageOff := hostarch.PageRoundDown(cur)
		inPage := cur - pageOff
		chunk := src[done:min(len(src), done+int(hostarch.PageSize-inPage))]
		fr, err := p.prepareWriteLocked(ctx, pageOff)
		if err != nil {
			return done, err
		}
		copy(p.mf.Bytes(fr)[inPage:], chunk)
		done += len(chunk)
	}
	return done, nil
}

// prepareWriteLocked returns the page owned at off, ready to be modified:
// children still inheriting off have been given their own copy, and the page
// has been forked if the object did not own it.
//
// Preconditions: The tree lock is held. off is page aligned and < size.
func (p *Paged) prepareWriteLocked(ctx context.Context, off uint64) (pgalloc.Frame, error) {
	if err := p.pushDownLocked(ctx, off); err != nil {
		return 0, err
	}
	if fr, ok := p.pages.Get(off); ok {
		return fr, nil
	}
	return p.forkLocked(ctx, off)
}

// Commit implements Object.Commit.
func (p *Paged) Commit(ctx context.Context, off, length uint64) (uint64, error) {
	p.lock.Lock()
	defer p.lock.Unlock()
	start, end, err := pageRange(off, length, p.size)
	if err != nil {
		return 0, err
	}
	var n uint64
	for o := start; o < end; o += hostarch.PageSize {
		if !p.pages.Has(o) {
			if _, err := p.forkLocked(ctx, o); err != nil {
				return n, err
			}
		}
		n++
	}
	return n, nil
}

// Decommit implements Object.Decommit.
//
// Offsets of a clone that are decommitted resolve through the parent again.
func (p *Paged) Decommit(ctx context.Context, off, length uint64) (uint64, error) {
	p.lock.Lock()
	defer p.lock.Unlock()
	start, end, err := pageRange(off, length, p.size)
	if err != nil {
		return 0, err
	}
	var n uint64
	for o := start; o < end; o += hostarch.PageSize {
		if p.pages.Has(o) {
			if err := p.pushDownLocked(ctx, o); err != nil {
				return n, err
			}
			p.identityChangedLocked(o)
			p.pages.Remove(o)
			p.sharedAgainLocked(o)
		}
		n++
	}
	return n, nil
}

// Lookup implements Object.Lookup. Offsets that are not backed anywhere in
// the clone chain stop the lookup with ErrBadState.
func (p *Paged) Lookup(ctx context.Context, off, length uint64, addrs []uint64) (uint64, error) {
	p.lock.Lock()
	defer p.lock.Unlock()
	start, end, err := pageRange(off, length, p.size)
	if err != nil {
		return 0, err
	}
	if uint64(len(addrs)) < (end-start)/hostarch.PageSize {
		return 0, vmerr.ErrBufferTooSmall
	}
	var n uint64
	for o := start; o < end; o += hostarch.PageSize {
		_, fr, ok := p.resolveLocked(o)
		if !ok {
			return n, vmerr.ErrBadState
		}
		addrs[n] = p.mf.PhysAddr(fr)
		n++
	}
	return n, nil
}

// TranslateLocked implements Object.TranslateLocked.
//
// Read translations of offsets the object does not own point at the
// ancestor's page, or at the shared zero page, and do not permit writes.
// Write translations fork the page first.
func (p *Paged) TranslateLocked(ctx context.Context, off uint64, at hostarch.AccessType) (Translation, error) {
	p.lock.AssertLocked()
	off = hostarch.PageRoundDown(off)
	if off >= p.size {
		return Translation{}, vmerr.ErrOutOfRange
	}
	if at.Write {
		fr, err := p.prepareWriteLocked(ctx, off)
		if err != nil {
			return Translation{}, err
		}
		return Translation{PhysAddr: p.mf.PhysAddr(fr), Perms: hostarch.AnyAccess}, nil
	}
	fr := p.mf.ZeroPage()
	if _, owned, ok := p.resolveLocked(off); ok {
		fr = owned
	}
	return Translation{
		PhysAddr: p.mf.PhysAddr(fr),
		Perms:    hostarch.AccessType{Read: true, Execute: true},
	}, nil
}

// Dump implements Object.Dump.
func (p *Paged) Dump(w io.Writer, pages bool) {
	p.lock.Lock()
	defer p.lock.Unlock()
	fmt.Fprintf(w, "paged object %d: size %#x, %d pages, %d refs\n", p.id, p.size, p.pages.Len(), p.ReadRefs())
	if p.parent != nil {
		fmt.Fprintf(w, "  parent %d at %#x, limit %#x\n", p.parent.id, p.parentOffset, p.parentLimit)
	}
	for c := range p.children.All() {
		fmt.Fprintf(w, "  child %d\n", c.id)
	}
	for m := range p.mappings.All() {
		fmt.Fprintf(w, "  mapping %v\n", m)
	}
	if !pages {
		return
	}
	p.pages.ForEach(0, p.size, func(off uint64, fr pgalloc.Frame) bool {
		fmt.Fprintf(w, "  page %#x -> phys %#x\n", off, p.mf.PhysAddr(fr))
		return true
	})
}
