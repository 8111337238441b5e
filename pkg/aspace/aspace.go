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

// Package aspace implements an address space that owns the mapping records
// of VM objects and caches their translations.
//
// Lock order:
//
//	AddressSpace.mappingMu
//	  vm.TreeLock
//	    AddressSpace.activeMu
package aspace

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/btree"

	"github.com/vmokit/vmo/pkg/errors/vmerr"
	"github.com/vmokit/vmo/pkg/hostarch"
	"github.com/vmokit/vmo/pkg/log"
	"github.com/vmokit/vmo/pkg/vm"
)

const btreeDegree = 8

// vma is a mapped range of an object.
type vma struct {
	// m is the record registered with obj.
	m vm.Mapping

	// obj is the mapped object. The vma holds a reference on it.
	obj vm.Object
}

func vmaLess(a, b *vma) bool {
	return a.m.Range.Start < b.m.Range.Start
}

// pma is a cached translation of one page.
type pma struct {
	addr hostarch.Addr
	tr   vm.Translation
}

func pmaLess(a, b pma) bool {
	return a.addr < b.addr
}

// Stats counts events in an AddressSpace.
type Stats struct {
	// Faults is the number of translations obtained from objects.
	Faults uint64

	// Invalidations is the number of Invalidate calls received.
	Invalidations uint64

	// Truncations is the number of Invalidate calls with Unmap set.
	Truncations uint64

	// Cached is the number of pages with a cached translation.
	Cached int
}

// AddressSpace is a set of mappings of VM objects.
type AddressSpace struct {
	// mappingMu protects vmas.
	mappingMu sync.Mutex

	// vmas holds the mappings, keyed by start address. They never overlap.
	vmas *btree.BTreeG[*vma]

	// activeMu protects the fields below.
	activeMu sync.Mutex

	// pmas caches translations, keyed by page address.
	pmas *btree.BTreeG[pma]

	stats Stats
}

var _ vm.MappingSpace = (*AddressSpace)(nil)

// New returns an empty AddressSpace.
func New() *AddressSpace {
	return &AddressSpace{
		vmas: btree.NewG(btreeDegree, vmaLess),
		pmas: btree.NewG(btreeDegree, pmaLess),
	}
}

// Map maps [off, off+length) of obj at addr. The address space takes a
// reference on obj until the range is unmapped.
func (as *AddressSpace) Map(ctx context.Context, obj vm.Object, addr hostarch.Addr, off, length uint64, writable bool) error {
	if length == 0 || !addr.IsPageAligned() || !hostarch.Addr(off).IsPageAligned() || !hostarch.Addr(length).IsPageAligned() {
		return vmerr.ErrInvalidArgs
	}
	end, ok := addr.AddLength(length)
	if !ok {
		return vmerr.ErrInvalidArgs
	}
	if _, ok := hostarch.Addr(off).AddLength(length); !ok {
		return vmerr.ErrInvalidArgs
	}
	ar := hostarch.AddrRange{Start: addr, End: end}

	as.mappingMu.Lock()
	defer as.mappingMu.Unlock()
	if as.overlapsLocked(ar) {
		return vmerr.ErrAlreadyExists
	}

	obj.IncRef()
	v := &vma{
		m: vm.Mapping{
			Space:    as,
			Range:    ar,
			Offset:   off,
			Writable: writable,
		},
		obj: obj,
	}
	l := obj.TreeLock()
	l.Lock()
	obj.AddMappingLocked(&v.m)
	l.Unlock()
	as.vmas.ReplaceOrInsert(v)
	if log.IsLogging(log.Debug) {
		log.Debugf("Mapped object %d: %v", obj.ID(), &v.m)
	}
	return nil
}

// Unmap removes the mappings in ar. Mappings that are only partly covered
// cannot be split and fail with ErrInvalidArgs.
func (as *AddressSpace) Unmap(ctx context.Context, ar hostarch.AddrRange) error {
	if !ar.WellFormed() || ar.Length() == 0 || !ar.IsPageAligned() {
		return vmerr.ErrInvalidArgs
	}
	as.mappingMu.Lock()
	var removed []*vma
	var err error
	as.vmas.AscendLessThan(&vma{m: vm.Mapping{Range: hostarch.AddrRange{Start: ar.End}}}, func(v *vma) bool {
		if !v.m.Range.Overlaps(ar) {
			return true
		}
		if !ar.IsSupersetOf(v.m.Range) {
			err = vmerr.ErrInvalidArgs
			return false
		}
		removed = append(removed, v)
		return true
	})
	if err != nil {
		as.mappingMu.Unlock()
		return err
	}
	for _, v := range removed {
		as.removeLocked(v)
	}
	as.mappingMu.Unlock()

	for _, v := range removed {
		v.obj.DecRef(ctx)
	}
	return nil
}

// Release unmaps everything.
func (as *AddressSpace) Release(ctx context.Context) {
	as.mappingMu.Lock()
	var removed []*vma
	as.vmas.Ascend(func(v *vma) bool {
		removed = append(removed, v)
		return true
	})
	for _, v := range removed {
		as.removeLocked(v)
	}
	as.mappingMu.Unlock()

	for _, v := range removed {
		v.obj.DecRef(ctx)
	}
}

// removeLocked unregisters v and drops its cached translations. The caller
// must drop v's object reference after releasing mappingMu.
//
// Preconditions: as.mappingMu is locked.
func (as *AddressSpace) removeLocked(v *vma) {
	as.vmas.Delete(v)
	l := v.obj.TreeLock()
	l.Lock()
	v.obj.RemoveMappingLocked(&v.m)
	as.activeMu.Lock()
	as.invalidateLocked(v.m.Range)
	as.activeMu.Unlock()
	l.Unlock()
}

// findLocked returns the vma containing addr, or nil.
//
// Preconditions: as.mappingMu is locked.
func (as *AddressSpace) findLocked(addr hostarch.Addr) *vma {
	var found *vma
	as.vmas.DescendLessOrEqual(&vma{m: vm.Mapping{Range: hostarch.AddrRange{Start: addr}}}, func(v *vma) bool {
		if v.m.Range.Contains(addr) {
			found = v
		}
		return false
	})
	return found
}

// overlapsLocked returns true if any mapping overlaps ar.
//
// Preconditions: as.mappingMu is locked.
func (as *AddressSpace) overlapsLocked(ar hostarch.AddrRange) bool {
	overlaps := false
	as.vmas.DescendLessOrEqual(&vma{m: vm.Mapping{Range: hostarch.AddrRange{Start: ar.End - 1}}}, func(v *vma) bool {
		overlaps = v.m.Range.End > ar.Start
		return false
	})
	return overlaps
}

// Fault returns the translation of addr for an access of type at, obtaining
// it from the mapped object if it is not cached. Faults on addresses that no
// longer exist in a truncated object fail with ErrOutOfRange.
func (as *AddressSpace) Fault(ctx context.Context, addr hostarch.Addr, at hostarch.AccessType) (vm.Translation, error) {
	as.mappingMu.Lock()
	defer as.mappingMu.Unlock()
	v := as.findLocked(addr)
	if v == nil {
		return vm.Translation{}, vmerr.ErrOutOfRange
	}
	if at.Write && !v.m.Writable {
		return vm.Translation{}, vmerr.ErrAccessDenied
	}
	page := addr.RoundDown()

	as.activeMu.Lock()
	if p, ok := as.pmas.Get(pma{addr: page}); ok && p.tr.Perms.SupersetOf(at) {
		as.activeMu.Unlock()
		return p.tr, nil
	}
	as.activeMu.Unlock()

	// The translation is cached under the tree lock so that an invalidation
	// cannot slip in between TranslateLocked and the insertion.
	l := v.obj.TreeLock()
	l.Lock()
	defer l.Unlock()
	tr, err := v.obj.TranslateLocked(ctx, v.m.Offset+uint64(page-v.m.Range.Start), at)
	if err != nil {
		return vm.Translation{}, err
	}
	if !v.m.Writable {
		tr.Perms.Write = false
	}
	as.activeMu.Lock()
	as.pmas.ReplaceOrInsert(pma{addr: page, tr: tr})
	as.stats.Faults++
	as.activeMu.Unlock()
	return tr, nil
}

// Translation returns the cached translation of addr, if any.
func (as *AddressSpace) Translation(addr hostarch.Addr) (vm.Translation, bool) {
	as.activeMu.Lock()
	defer as.activeMu.Unlock()
	p, ok := as.pmas.Get(pma{addr: addr.RoundDown()})
	return p.tr, ok
}

// Invalidate implements vm.MappingSpace.Invalidate.
func (as *AddressSpace) Invalidate(ar hostarch.AddrRange, opts vm.InvalidateOpts) {
	if !ar.WellFormed() || ar.Length() == 0 || !ar.IsPageAligned() {
		panic(fmt.Sprintf("invalid ar: %v", ar))
	}
	as.activeMu.Lock()
	defer as.activeMu.Unlock()
	as.stats.Invalidations++
	if opts.Unmap {
		as.stats.Truncations++
	}
	as.invalidateLocked(ar)
}

// invalidateLocked drops cached translations in ar.
//
// Preconditions: as.activeMu is locked.
func (as *AddressSpace) invalidateLocked(ar hostarch.AddrRange) {
	var stale []pma
	as.pmas.AscendRange(pma{addr: ar.Start}, pma{addr: ar.End}, func(p pma) bool {
		stale = append(stale, p)
		return true
	})
	for _, p := range stale {
		as.pmas.Delete(p)
	}
}

// Stats returns a snapshot of the address space's counters.
func (as *AddressSpace) Stats() Stats {
	as.activeMu.Lock()
	defer as.activeMu.Unlock()
	s := as.stats
	s.Cached = as.pmas.Len()
	return s
}

// Mappings returns a description of each mapping, in address order.
func (as *AddressSpace) Mappings() []string {
	as.mappingMu.Lock()
	defer as.mappingMu.Unlock()
	var descs []string
	as.vmas.Ascend(func(v *vma) bool {
		descs = append(descs, fmt.Sprintf("%v object %d", &v.m, v.obj.ID()))
		return true
	})
	return descs
}
