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
	"github.com/vmokit/vmo/pkg/log"
	"github.com/vmokit/vmo/pkg/refs"
)

// Physical is an object that wraps a fixed range of physical addresses, such
// as device memory. It cannot be resized, cloned, read or written; it can
// only be looked up and mapped.
type Physical struct {
	objectBase
	refs.Refs[Physical]

	base    uint64
	memType hostarch.MemoryType
}

var _ Object = (*Physical)(nil)

// NewPhysical creates an object covering [base, base+size).
func NewPhysical(base, size uint64, memType hostarch.MemoryType) (*Physical, error) {
	if !hostarch.Addr(base).IsPageAligned() || !hostarch.Addr(size).IsPageAligned() || size == 0 {
		return nil, vmerr.ErrInvalidArgs
	}
	if _, ok := hostarch.Addr(base).AddLength(size); !ok {
		return nil, vmerr.ErrInvalidArgs
	}
	if memType >= hostarch.NumMemoryTypes {
		return nil, vmerr.ErrInvalidArgs
	}
	p := &Physical{
		base:    base,
		memType: memType,
	}
	p.objectBase.init(newTreeLock(), size)
	p.InitRefs()
	register(p)
	if log.IsLogging(log.Debug) {
		log.Debugf("Created %v", p)
	}
	return p, nil
}

// String implements fmt.Stringer.String.
func (p *Physical) String() string {
	return fmt.Sprintf("Physical{id: %d, base: %#x}", p.id, p.base)
}

// DecRef implements Object.DecRef.
func (p *Physical) DecRef(ctx context.Context) {
	p.Refs.DecRef(func() {
		p.lock.Lock()
		if !p.mappings.Empty() {
			n := p.mappings.Len()
			p.lock.Unlock()
			panic(fmt.Sprintf("%v destroyed with %d mappings", p, n))
		}
		unregister(p)
		p.lock.Unlock()
		p.lock.DecRef()
	})
}

// Lookup implements Object.Lookup.
func (p *Physical) Lookup(ctx context.Context, off, length uint64, addrs []uint64) (uint64, error) {
	start, end, err := pageRange(off, length, p.size)
	if err != nil {
		return 0, err
	}
	if uint64(len(addrs)) < (end-start)/hostarch.PageSize {
		return 0, vmerr.ErrBufferTooSmall
	}
	var n uint64
	for o := start; o < end; o += hostarch.PageSize {
		addrs[n] = p.base + o
		n++
	}
	return n, nil
}

// TranslateLocked implements Object.TranslateLocked.
func (p *Physical) TranslateLocked(ctx context.Context, off uint64, at hostarch.AccessType) (Translation, error) {
	p.lock.AssertLocked()
	off = hostarch.PageRoundDown(off)
	if off >= p.size {
		return Translation{}, vmerr.ErrOutOfRange
	}
	return Translation{
		PhysAddr:   p.base + off,
		Perms:      hostarch.AnyAccess,
		MemoryType: p.memType,
	}, nil
}

// Dump implements Object.Dump.
func (p *Physical) Dump(w io.Writer, pages bool) {
	p.lock.Lock()
	defer p.lock.Unlock()
	fmt.Fprintf(w, "physical object %d: base %#x, size %#x, %v, %d refs\n", p.id, p.base, p.size, p.memType, p.ReadRefs())
	for m := range p.mappings.All() {
		fmt.Fprintf(w, "  mapping %v\n", m)
	}
	if !pages {
		return
	}
	for off := uint64(0); off < p.size; off += hostarch.PageSize {
		fmt.Fprintf(w, "  page %#x -> phys %#x\n", off, p.base+off)
	}
}
