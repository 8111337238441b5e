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
	"fmt"

	"github.com/vmokit/vmo/pkg/hostarch"
	"github.com/vmokit/vmo/pkg/ilist"
)

// MappingSpace is an address space that objects are mapped into.
type MappingSpace interface {
	// Invalidate is called to notify the MappingSpace that values returned
	// by previous calls to TranslateLocked for offsets mapped by addresses
	// in ar are no longer valid.
	//
	// Invalidate must not take any locks preceding the tree lock in the
	// lock order.
	//
	// Preconditions:
	//	* ar.Length() != 0.
	//	* ar must be page-aligned.
	//	* The tree lock is held.
	Invalidate(ar hostarch.AddrRange, opts InvalidateOpts)
}

// InvalidateOpts holds options to MappingSpace.Invalidate.
type InvalidateOpts struct {
	// Unmap is true if the invalidated range no longer exists in the
	// object, because it was truncated. Accesses to the range must fail
	// until the object grows again.
	Unmap bool
}

// Mapping is a projection of a range of an object into a MappingSpace. It is
// owned by the MappingSpace; the object keeps a non-owning reference while
// the mapping is registered.
type Mapping struct {
	ilist.Entry[Mapping]

	// Space is the address space containing the mapping.
	Space MappingSpace

	// Range is the mapped range of addresses.
	Range hostarch.AddrRange

	// Offset is the object offset mapped at Range.Start.
	Offset uint64

	// Writable is true if the mapping permits writes.
	Writable bool
}

// String implements fmt.Stringer.String.
func (m *Mapping) String() string {
	mode := "r"
	if m.Writable {
		mode = "rw"
	}
	return fmt.Sprintf("%v -> %#x %s", m.Range, m.Offset, mode)
}

// invalidateLocked invalidates the portions of all mappings that map
// [start, end) of the object.
//
// Preconditions: The tree lock is held.
func (b *objectBase) invalidateLocked(start, end uint64, opts InvalidateOpts) {
	for m := range b.mappings.All() {
		mstart := m.Offset
		mend := m.Offset + m.Range.Length()
		s, e := max(start, mstart), min(end, mend)
		if s >= e {
			continue
		}
		m.Space.Invalidate(hostarch.AddrRange{
			Start: m.Range.Start + hostarch.Addr(s-mstart),
			End:   m.Range.Start + hostarch.Addr(e-mstart),
		}, opts)
	}
}
