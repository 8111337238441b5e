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

package kernel

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/vmokit/vmo/pkg/bitmap"
	"github.com/vmokit/vmo/pkg/errors/vmerr"
)

// Handle names a kernel object within a process. Zero is never valid.
type Handle uint32

// InvalidHandle is never returned by a HandleTable.
const InvalidHandle Handle = 0

// DefaultMaxHandles is the handle table capacity when none is configured.
const DefaultMaxHandles = 1024

// handleEntry is an installed handle. It is immutable; changes replace the
// entry.
type handleEntry struct {
	d      *VMODispatcher
	rights Rights
}

// HandleTable maps handles to dispatchers.
type HandleTable struct {
	// mu protects below.
	mu sync.Mutex

	// used has one bit per slot. Handle h lives in slot h-1.
	used bitmap.Bitmap

	// entries holds installed handles, indexed by slot.
	entries []handleEntry
}

// NewHandleTable returns a table holding up to max handles.
func NewHandleTable(max uint32) *HandleTable {
	if max == 0 {
		max = DefaultMaxHandles
	}
	return &HandleTable{
		used:    bitmap.New(max),
		entries: make([]handleEntry, max),
	}
}

// Insert installs d with rights and returns the new handle. The table takes
// ownership of the caller's reference on d; on failure it is the caller's
// to drop.
func (t *HandleTable) Insert(d *VMODispatcher, rights Rights) (Handle, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	slot, err := t.used.FirstZero(0)
	if err != nil {
		return InvalidHandle, vmerr.ErrNoMemory
	}
	t.used.Add(slot)
	t.entries[slot] = handleEntry{d: d, rights: rights}
	return Handle(slot + 1), nil
}

// slot returns the slot of h, or false if h is outside the table.
func (t *HandleTable) slot(h Handle) (uint32, bool) {
	if h == InvalidHandle || uint32(h) > t.used.Size() {
		return 0, false
	}
	return uint32(h) - 1, true
}

// Get returns a new reference on the dispatcher of h and the handle's
// rights.
//
// N.B. Callers are required to use DecRef when they are done.
func (t *HandleTable) Get(h Handle) (*VMODispatcher, Rights, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	slot, ok := t.slot(h)
	if !ok || !t.used.Contains(slot) {
		return nil, RightNone, vmerr.ErrBadHandle
	}
	e := t.entries[slot]
	e.d.IncRef()
	return e.d, e.rights, nil
}

// Duplicate installs a new handle to the object of h with rights, which
// must be a subset of the rights of h. h must have RightDuplicate.
func (t *HandleTable) Duplicate(h Handle, rights Rights) (Handle, error) {
	t.mu.Lock()
	slot, ok := t.slot(h)
	if !ok || !t.used.Contains(slot) {
		t.mu.Unlock()
		return InvalidHandle, vmerr.ErrBadHandle
	}
	e := t.entries[slot]
	t.mu.Unlock()
	if !e.rights.HasAll(RightDuplicate) {
		return InvalidHandle, vmerr.ErrAccessDenied
	}
	if !e.rights.HasAll(rights) {
		return InvalidHandle, vmerr.ErrInvalidArgs
	}
	// The entry may be removed concurrently; the new handle needs its own
	// reference either way.
	if !e.d.TryIncRef() {
		return InvalidHandle, vmerr.ErrBadHandle
	}
	nh, err := t.Insert(e.d, rights)
	if err != nil {
		e.d.DecRef(context.Background())
		return InvalidHandle, err
	}
	return nh, nil
}

// Remove uninstalls h and returns the reference the table held.
//
// N.B. Callers are required to use DecRef when they are done.
func (t *HandleTable) Remove(h Handle) (*VMODispatcher, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	slot, ok := t.slot(h)
	if !ok || !t.used.Contains(slot) {
		return nil, vmerr.ErrBadHandle
	}
	d := t.entries[slot].d
	t.entries[slot] = handleEntry{}
	t.used.Remove(slot)
	return d, nil
}

// RemoveAll uninstalls every handle and drops the table's references.
func (t *HandleTable) RemoveAll(ctx context.Context) {
	t.mu.Lock()
	var ds []*VMODispatcher
	for _, slot := range t.used.ToSlice() {
		ds = append(ds, t.entries[slot].d)
		t.entries[slot] = handleEntry{}
		t.used.Remove(slot)
	}
	t.mu.Unlock()
	for _, d := range ds {
		d.DecRef(ctx)
	}
}

// Len returns the number of installed handles.
func (t *HandleTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return int(t.used.GetNumOnes())
}

// String implements fmt.Stringer.String.
func (t *HandleTable) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	var b strings.Builder
	for _, slot := range t.used.ToSlice() {
		e := t.entries[slot]
		fmt.Fprintf(&b, "\thandle:%d => vmo:%d rights:%v\n", slot+1, e.d.VMO().ID(), e.rights)
	}
	return b.String()
}
