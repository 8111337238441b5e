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
	"sort"

	"github.com/vmokit/vmo/pkg/errors/vmerr"
	"github.com/vmokit/vmo/pkg/hostarch"
	"github.com/vmokit/vmo/pkg/log"
	"github.com/vmokit/vmo/pkg/pgalloc"
)

// Clone implements Object.Clone.
//
// The child shares p's tree lock and holds a reference on p. No pages are
// copied: the child reads through to p until either side modifies an offset,
// at which point the child receives a private copy of the content it could
// see.
func (p *Paged) Clone(ctx context.Context, opts uint32, off, size uint64) (Object, error) {
	if opts != CloneCopyOnWrite {
		return nil, vmerr.ErrInvalidArgs
	}
	if !hostarch.Addr(off).IsPageAligned() {
		return nil, vmerr.ErrInvalidArgs
	}
	size, ok := hostarch.PageRoundUp(size)
	if !ok {
		return nil, vmerr.ErrInvalidArgs
	}
	if _, ok := hostarch.Addr(off).AddLength(size); !ok {
		return nil, vmerr.ErrInvalidArgs
	}
	if size > MaxSize {
		return nil, vmerr.ErrNoMemory
	}

	p.lock.Lock()
	defer p.lock.Unlock()

	p.lock.IncRef()
	c := newPaged(p.mf, p.lock, size)
	p.IncRef()
	c.parentOffset = off
	c.parentLimit = size
	p.addChildLocked(c)

	// Existing translations of the range may be writable; p must fault
	// again before it modifies content the child inherits.
	p.invalidateLocked(off, off+size, InvalidateOpts{})

	if log.IsLogging(log.Debug) {
		log.Debugf("Cloned %v from %v at %#x, size %#x", c, p, off, size)
	}
	return c, nil
}

// resolveLocked returns the object and frame that back off, walking up the
// clone chain. ok is false if no object in the chain owns a page there.
//
// Preconditions: The tree lock is held. off is page aligned.
func (p *Paged) resolveLocked(off uint64) (owner *Paged, fr pgalloc.Frame, ok bool) {
	for cur := p; ; {
		if off >= cur.size {
			return nil, 0, false
		}
		if fr, ok := cur.pages.Get(off); ok {
			return cur, fr, true
		}
		if cur.parent == nil || off >= cur.parentLimit {
			return nil, 0, false
		}
		off += cur.parentOffset
		cur = cur.parent
	}
}

// inheritsLocked returns the offset in p corresponding to offset off of its
// parent, and whether p currently sees its parent's content there.
//
// Preconditions: The tree lock is held.
func (p *Paged) inheritsLocked(off uint64) (uint64, bool) {
	if off < p.parentOffset {
		return 0, false
	}
	co := off - p.parentOffset
	if co >= p.parentLimit || co >= p.size || p.pages.Has(co) {
		return 0, false
	}
	return co, true
}

// forkLocked gives p a private page at off holding the content p currently
// sees there.
//
// Preconditions: The tree lock is held. off is page aligned and < size. p
// does not own a page at off.
func (p *Paged) forkLocked(ctx context.Context, off uint64) (pgalloc.Frame, error) {
	_, src, found := p.resolveLocked(off)
	fr, err := p.mf.AllocatePage(ctx)
	if err != nil {
		return 0, err
	}
	if found {
		copy(p.mf.Bytes(fr), p.mf.Bytes(src))
	}
	if err := p.pages.Insert(off, fr); err != nil {
		panic(fmt.Sprintf("%v: fork at %#x: %v", p, off, err))
	}
	p.identityChangedLocked(off)
	if log.IsLogging(log.Debug) {
		log.Debugf("%v forked page %#x (inherited: %t)", p, off, found)
	}
	return fr, nil
}

// pushDownLocked gives each child that still inherits off a private copy of
// it, so that p can change its content at off without the change becoming
// visible in the children.
//
// Preconditions: The tree lock is held. off is page aligned.
func (p *Paged) pushDownLocked(ctx context.Context, off uint64) error {
	for c := range p.children.All() {
		co, ok := c.inheritsLocked(off)
		if !ok {
			continue
		}
		if _, err := c.forkLocked(ctx, co); err != nil {
			return err
		}
	}
	return nil
}

// identityChangedLocked invalidates translations of off in p, and in every
// descendant that inherits off through p, after the page backing it changed.
//
// Preconditions: The tree lock is held. off is page aligned.
func (p *Paged) identityChangedLocked(off uint64) {
	p.invalidateLocked(off, off+hostarch.PageSize, InvalidateOpts{})
	for c := range p.children.All() {
		if co, ok := c.inheritsLocked(off); ok {
			c.identityChangedLocked(co)
		}
	}
}

// sharedAgainLocked invalidates translations of off in the ancestors p
// inherits it from, after p dropped its own page there. Their writable
// translations bypass pushDownLocked, so the next write must fault and give
// p a copy first.
//
// Preconditions: The tree lock is held. off is page aligned. p does not own
// a page at off.
func (p *Paged) sharedAgainLocked(off uint64) {
	for cur := p; cur.parent != nil && off < cur.parentLimit; cur = cur.parent {
		off += cur.parentOffset
		anc := cur.parent
		if off >= anc.size {
			return
		}
		anc.invalidateLocked(off, off+hostarch.PageSize, InvalidateOpts{})
		if anc.pages.Has(off) {
			return
		}
	}
}

// visiblePagesLocked returns, in order, the offsets in [start, end) at which
// p or an ancestor it inherits from owns a page.
//
// Preconditions: The tree lock is held.
func (p *Paged) visiblePagesLocked(start, end uint64) []uint64 {
	seen := make(map[uint64]struct{})
	var delta uint64
	for cur := p; cur != nil && start < end; cur = cur.parent {
		// Offsets are in p's space; cur's page at o+delta is visible at o.
		if cur.size <= delta {
			break
		}
		end = min(end, cur.size-delta)
		cur.pages.ForEach(start+delta, end+delta, func(off uint64, _ pgalloc.Frame) bool {
			seen[off-delta] = struct{}{}
			return true
		})
		if cur.parent == nil || cur.parentLimit <= delta {
			break
		}
		end = min(end, cur.parentLimit-delta)
		delta += cur.parentOffset
	}
	offs := make([]uint64, 0, len(seen))
	for off := range seen {
		offs = append(offs, off)
	}
	sort.Slice(offs, func(i, j int) bool { return offs[i] < offs[j] })
	return offs
}
