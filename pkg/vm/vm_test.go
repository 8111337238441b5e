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
	"bytes"
	"context"
	"fmt"
	"testing"

	"github.com/google/go-cmp/cmp"
	"golang.org/x/sync/errgroup"

	"github.com/vmokit/vmo/pkg/errors/vmerr"
	"github.com/vmokit/vmo/pkg/hostarch"
	"github.com/vmokit/vmo/pkg/pgalloc"
)

const page = hostarch.PageSize

func newMemoryFile(t *testing.T, pages uint64) *pgalloc.MemoryFile {
	t.Helper()
	mf, err := pgalloc.NewMemoryFile(pgalloc.MemoryFileOpts{Pages: pages + 1, PhysBase: 0x80000000})
	if err != nil {
		t.Fatalf("NewMemoryFile failed: %v", err)
	}
	t.Cleanup(mf.Destroy)
	return mf
}

func mustNewPaged(t *testing.T, mf *pgalloc.MemoryFile, size uint64) *Paged {
	t.Helper()
	p, err := NewPaged(context.Background(), mf, size)
	if err != nil {
		t.Fatalf("NewPaged(%#x) failed: %v", size, err)
	}
	return p
}

func clone(t *testing.T, o Object, off, size uint64) *Paged {
	t.Helper()
	c, err := o.Clone(context.Background(), CloneCopyOnWrite, off, size)
	if err != nil {
		t.Fatalf("Clone(%#x, %#x) failed: %v", off, size, err)
	}
	return c.(*Paged)
}

func fill(b byte) []byte {
	return bytes.Repeat([]byte{b}, page)
}

func write(t *testing.T, o Object, off uint64, data []byte) {
	t.Helper()
	n, err := o.Write(context.Background(), data, off)
	if err != nil || n != len(data) {
		t.Fatalf("Write(%#x, %d bytes) got (%d, %v)", off, len(data), n, err)
	}
}

func read(t *testing.T, o Object, off uint64, length int) []byte {
	t.Helper()
	buf := make([]byte, length)
	n, err := o.Read(context.Background(), buf, off)
	if err != nil {
		t.Fatalf("Read(%#x, %d) failed: %v", off, length, err)
	}
	return buf[:n]
}

func checkPage(t *testing.T, o Object, off uint64, want []byte) {
	t.Helper()
	if got := read(t, o, off, page); !bytes.Equal(got, want) {
		t.Errorf("object %d page %#x: got %q... want %q...", o.ID(), off, head(got), head(want))
	}
}

func head(b []byte) []byte {
	return b[:min(len(b), 8)]
}

type invalidation struct {
	ar   hostarch.AddrRange
	opts InvalidateOpts
}

// recordingSpace is a MappingSpace that records invalidations.
type recordingSpace struct {
	invalidations []invalidation
}

func (s *recordingSpace) Invalidate(ar hostarch.AddrRange, opts InvalidateOpts) {
	s.invalidations = append(s.invalidations, invalidation{ar, opts})
}

const mapBase = hostarch.Addr(0x400000)

// addMapping maps [off, off+length) of o into s at mapBase, taking a
// reference on o the way an address space does.
func addMapping(o Object, s MappingSpace, off, length uint64) *Mapping {
	m := &Mapping{
		Space:    s,
		Range:    hostarch.AddrRange{Start: mapBase, End: mapBase + hostarch.Addr(length)},
		Offset:   off,
		Writable: true,
	}
	o.IncRef()
	l := o.TreeLock()
	l.Lock()
	o.AddMappingLocked(m)
	l.Unlock()
	return m
}

func removeMapping(o Object, m *Mapping) {
	l := o.TreeLock()
	l.Lock()
	o.RemoveMappingLocked(m)
	l.Unlock()
	o.DecRef(context.Background())
}

func translate(t *testing.T, o Object, off uint64, at hostarch.AccessType) Translation {
	t.Helper()
	l := o.TreeLock()
	l.Lock()
	defer l.Unlock()
	tr, err := o.TranslateLocked(context.Background(), off, at)
	if err != nil {
		t.Fatalf("TranslateLocked(%#x, %v) failed: %v", off, at, err)
	}
	return tr
}

func TestNewPagedRoundsUp(t *testing.T) {
	mf := newMemoryFile(t, 4)
	for _, tc := range []struct {
		size uint64
		want uint64
	}{
		{0, 0},
		{1, page},
		{page, page},
		{page + 1, 2 * page},
	} {
		p := mustNewPaged(t, mf, tc.size)
		if got := p.Size(); got != tc.want {
			t.Errorf("NewPaged(%d).Size() got %d want %d", tc.size, got, tc.want)
		}
		p.DecRef(context.Background())
	}
}

func TestNewPagedTooLarge(t *testing.T) {
	mf := newMemoryFile(t, 4)
	for _, size := range []uint64{MaxSize + 1, ^uint64(0)} {
		if _, err := NewPaged(context.Background(), mf, size); err != vmerr.ErrNoMemory {
			t.Errorf("NewPaged(%#x) got err %v want %v", size, err, vmerr.ErrNoMemory)
		}
	}
}

func TestCloneSharesTreeLock(t *testing.T) {
	mf := newMemoryFile(t, 4)
	p := mustNewPaged(t, mf, 2*page)
	c := clone(t, p, 0, 2*page)
	g := clone(t, c, page, page)
	other := mustNewPaged(t, mf, page)

	if c.TreeLock() != p.TreeLock() || g.TreeLock() != p.TreeLock() {
		t.Errorf("clones do not share their root's tree lock")
	}
	if other.TreeLock() == p.TreeLock() {
		t.Errorf("unrelated roots share a tree lock")
	}
	if got := p.TreeLock().ReadRefs(); got != 3 {
		t.Errorf("tree lock refs got %d want 3", got)
	}

	ctx := context.Background()
	g.DecRef(ctx)
	if got := p.TreeLock().ReadRefs(); got != 2 {
		t.Errorf("tree lock refs after destroying grandchild got %d want 2", got)
	}
	c.DecRef(ctx)
	p.DecRef(ctx)
	other.DecRef(ctx)
}

func TestCloneArgs(t *testing.T) {
	mf := newMemoryFile(t, 4)
	p := mustNewPaged(t, mf, 2*page)
	defer p.DecRef(context.Background())

	for _, tc := range []struct {
		name string
		opts uint32
		off  uint64
		size uint64
		want error
	}{
		{name: "unknown option", opts: 2, off: 0, size: page, want: vmerr.ErrInvalidArgs},
		{name: "no option", opts: 0, off: 0, size: page, want: vmerr.ErrInvalidArgs},
		{name: "unaligned offset", opts: CloneCopyOnWrite, off: 1, size: page, want: vmerr.ErrInvalidArgs},
		{name: "size rounding overflows", opts: CloneCopyOnWrite, off: 0, size: ^uint64(0), want: vmerr.ErrInvalidArgs},
		{name: "range overflows", opts: CloneCopyOnWrite, off: ^uint64(0) - page + 1, size: 2 * page, want: vmerr.ErrInvalidArgs},
		{name: "too large", opts: CloneCopyOnWrite, off: 0, size: MaxSize + page, want: vmerr.ErrNoMemory},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := p.Clone(context.Background(), tc.opts, tc.off, tc.size); err != tc.want {
				t.Errorf("Clone got err %v want %v", err, tc.want)
			}
		})
	}
	if !p.children.Empty() {
		t.Errorf("failed clones left children behind")
	}
}

func TestCOWIsolation(t *testing.T) {
	ctx := context.Background()
	mf := newMemoryFile(t, 16)
	p := mustNewPaged(t, mf, 2*page)
	write(t, p, 0, fill('A'))
	write(t, p, page, fill('a'))
	c := clone(t, p, 0, 2*page)

	if got := mf.Usage().Allocated; got != 2 {
		t.Errorf("clone copied pages: %d allocated, want 2", got)
	}
	checkPage(t, c, 0, fill('A'))

	// Child writes are private.
	write(t, c, 0, fill('B'))
	checkPage(t, p, 0, fill('A'))
	checkPage(t, c, 0, fill('B'))

	// Parent writes to offsets the child has not forked are not visible to
	// the child.
	write(t, p, page, fill('X'))
	checkPage(t, p, page, fill('X'))
	checkPage(t, c, page, fill('a'))

	// Nor are they visible through a grandchild.
	g := clone(t, c, 0, 2*page)
	write(t, p, page, fill('Y'))
	write(t, c, page, fill('Z'))
	checkPage(t, g, page, fill('a'))
	checkPage(t, g, 0, fill('B'))

	g.DecRef(ctx)
	c.DecRef(ctx)
	p.DecRef(ctx)
	if got := mf.Usage().Allocated; got != 0 {
		t.Errorf("%d pages leaked", got)
	}
}

func TestCloneAtOffset(t *testing.T) {
	ctx := context.Background()
	mf := newMemoryFile(t, 8)
	p := mustNewPaged(t, mf, 3*page)
	for i := uint64(0); i < 3; i++ {
		write(t, p, i*page, fill(byte('0'+i)))
	}
	c := clone(t, p, page, 4*page)
	defer c.DecRef(ctx)
	p.DecRef(ctx)

	checkPage(t, c, 0, fill('1'))
	checkPage(t, c, page, fill('2'))
	// Beyond the end of the parent.
	checkPage(t, c, 2*page, make([]byte, page))
}

func TestGrownCloneDoesNotExposeParent(t *testing.T) {
	ctx := context.Background()
	mf := newMemoryFile(t, 8)
	p := mustNewPaged(t, mf, 3*page)
	defer p.DecRef(ctx)
	for i := uint64(0); i < 3; i++ {
		write(t, p, i*page, fill('P'))
	}
	c := clone(t, p, 0, page)
	defer c.DecRef(ctx)

	if err := c.SetSize(ctx, 3*page); err != nil {
		t.Fatalf("SetSize failed: %v", err)
	}
	checkPage(t, c, 0, fill('P'))
	checkPage(t, c, page, make([]byte, page))

	// Shrinking below the cloned window and growing again stops inheritance.
	if err := c.SetSize(ctx, 0); err != nil {
		t.Fatalf("SetSize(0) failed: %v", err)
	}
	if err := c.SetSize(ctx, page); err != nil {
		t.Fatalf("SetSize(page) failed: %v", err)
	}
	checkPage(t, c, 0, make([]byte, page))
}

func TestForkIdempotence(t *testing.T) {
	ctx := context.Background()
	mf := newMemoryFile(t, 8)
	p := mustNewPaged(t, mf, page)
	write(t, p, 0, fill('A'))
	c := clone(t, p, 0, page)

	write(t, c, 0, []byte("first"))
	allocated := mf.Usage().Allocated
	write(t, c, 10, []byte("second"))
	if got := mf.Usage().Allocated; got != allocated {
		t.Errorf("second write allocated: %d pages, want %d", got, allocated)
	}
	if got := c.pages.Len(); got != 1 {
		t.Errorf("child owns %d pages, want 1", got)
	}
	want := fill('A')
	copy(want, "first")
	copy(want[10:], "second")
	checkPage(t, c, 0, want)

	if n, err := c.Commit(ctx, 0, page); err != nil || n != 1 {
		t.Errorf("Commit of forked page got (%d, %v)", n, err)
	}
	if got := mf.Usage().Allocated; got != allocated {
		t.Errorf("commit of forked page allocated")
	}

	c.DecRef(ctx)
	p.DecRef(ctx)
}

func TestDuplicateInsertPanics(t *testing.T) {
	mf := newMemoryFile(t, 4)
	p := mustNewPaged(t, mf, page)
	defer p.DecRef(context.Background())
	write(t, p, 0, []byte("x"))

	defer func() {
		if recover() == nil {
			t.Errorf("forking an owned page did not panic")
		}
		p.lock.Unlock()
	}()
	p.lock.Lock()
	p.forkLocked(context.Background(), 0)
}

func TestPageStoreInsert(t *testing.T) {
	mf := newMemoryFile(t, 4)
	s := newPageStore(mf)
	fr, err := mf.AllocatePage(context.Background())
	if err != nil {
		t.Fatalf("AllocatePage failed: %v", err)
	}
	if err := s.Insert(page, fr); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}
	if err := s.Insert(page, fr); err != vmerr.ErrAlreadyExists {
		t.Errorf("duplicate Insert got %v want %v", err, vmerr.ErrAlreadyExists)
	}
	if got, ok := s.Get(page); !ok || got != fr {
		t.Errorf("Get got (%v, %t) want (%v, true)", got, ok, fr)
	}
	if !s.Remove(page) || s.Remove(page) {
		t.Errorf("Remove did not report presence correctly")
	}
	if got := mf.Usage().Allocated; got != 0 {
		t.Errorf("Remove did not free the frame")
	}
}

func TestDestroyWithMappingsPanics(t *testing.T) {
	mf := newMemoryFile(t, 4)
	p := mustNewPaged(t, mf, page)
	s := &recordingSpace{}
	m := &Mapping{Space: s, Range: hostarch.AddrRange{Start: mapBase, End: mapBase + page}}
	p.lock.Lock()
	p.AddMappingLocked(m)
	p.lock.Unlock()

	defer func() {
		if recover() == nil {
			t.Errorf("destroying an object with mappings did not panic")
		}
	}()
	// The mapping holds no reference, so this is the last one.
	p.DecRef(context.Background())
}

func TestDestroyWithChildrenPanics(t *testing.T) {
	ctx := context.Background()
	mf := newMemoryFile(t, 4)
	p := mustNewPaged(t, mf, page)
	clone(t, p, 0, page)

	defer func() {
		if recover() == nil {
			t.Errorf("destroying an object with children did not panic")
		}
	}()
	// Drop the child's reference as well as our own.
	p.DecRef(ctx)
	p.DecRef(ctx)
}

func TestParentKeepAlive(t *testing.T) {
	ctx := context.Background()
	mf := newMemoryFile(t, 4)
	p := mustNewPaged(t, mf, page)
	write(t, p, 0, fill('A'))
	c := clone(t, p, 0, page)
	pid := p.ID()

	p.DecRef(ctx)
	if o := Find(pid); o == nil {
		t.Fatalf("parent destroyed while a clone is alive")
	} else {
		o.DecRef(ctx)
	}
	checkPage(t, c, 0, fill('A'))

	c.DecRef(ctx)
	if o := Find(pid); o != nil {
		o.DecRef(ctx)
		t.Errorf("parent outlived its last clone")
	}
	if got := mf.Usage().Allocated; got != 0 {
		t.Errorf("%d pages leaked", got)
	}
}

func TestResizeTruncation(t *testing.T) {
	ctx := context.Background()
	mf := newMemoryFile(t, 8)
	v := mustNewPaged(t, mf, 3*page)
	for i := uint64(0); i < 3; i++ {
		write(t, v, i*page, fill('V'))
	}
	s := &recordingSpace{}
	m := addMapping(v, s, 0, 3*page)

	if err := v.SetSize(ctx, page); err != nil {
		t.Fatalf("SetSize failed: %v", err)
	}
	want := []invalidation{{
		ar:   hostarch.AddrRange{Start: mapBase + page, End: mapBase + 3*page},
		opts: InvalidateOpts{Unmap: true},
	}}
	if diff := cmp.Diff(want, s.invalidations, cmp.AllowUnexported(invalidation{})); diff != "" {
		t.Errorf("invalidations mismatch (-want +got):\n%s", diff)
	}
	if got := read(t, v, 2*page, page); len(got) != 0 {
		t.Errorf("read beyond new size returned %d bytes", len(got))
	}
	if got := mf.Usage().Allocated; got != 1 {
		t.Errorf("%d pages allocated after shrink, want 1", got)
	}

	if err := v.SetSize(ctx, 3*page); err != nil {
		t.Fatalf("SetSize failed: %v", err)
	}
	checkPage(t, v, 2*page, make([]byte, page))

	if err := v.SetSize(ctx, MaxSize+1); err != vmerr.ErrOutOfRange {
		t.Errorf("SetSize(MaxSize+1) got %v want %v", err, vmerr.ErrOutOfRange)
	}

	removeMapping(v, m)
	v.DecRef(ctx)
}

func TestPartialTransfer(t *testing.T) {
	ctx := context.Background()
	mf := newMemoryFile(t, 4)
	v := mustNewPaged(t, mf, 2*page)
	defer v.DecRef(ctx)

	for _, tc := range []struct {
		off    uint64
		length int
		want   int
	}{
		{off: 0, length: 3 * page, want: 2 * page},
		{off: page + 100, length: page, want: page - 100},
		{off: 2 * page, length: 10, want: 0},
		{off: 5 * page, length: 10, want: 0},
	} {
		n, err := v.Write(ctx, make([]byte, tc.length), tc.off)
		if err != nil || n != tc.want {
			t.Errorf("Write(%#x, %d) got (%d, %v) want (%d, nil)", tc.off, tc.length, n, err, tc.want)
		}
		n, err = v.Read(ctx, make([]byte, tc.length), tc.off)
		if err != nil || n != tc.want {
			t.Errorf("Read(%#x, %d) got (%d, %v) want (%d, nil)", tc.off, tc.length, n, err, tc.want)
		}
	}
}

func TestRoundTrip(t *testing.T) {
	ctx := context.Background()
	mf := newMemoryFile(t, 8)
	v := mustNewPaged(t, mf, 4*page)
	defer v.DecRef(ctx)

	for _, tc := range []struct {
		off    uint64
		length int
	}{
		{0, 1},
		{0, page},
		{1, page},
		{page - 3, 7},
		{100, 3*page + 5},
	} {
		t.Run(fmt.Sprintf("%#x+%d", tc.off, tc.length), func(t *testing.T) {
			data := make([]byte, tc.length)
			for i := range data {
				data[i] = byte(int(tc.off) + i*7)
			}
			write(t, v, tc.off, data)
			if got := read(t, v, tc.off, tc.length); !bytes.Equal(got, data) {
				t.Errorf("read back differs from written data")
			}
		})
	}
}

func TestUnbackedReadIsZeroAndDoesNotAllocate(t *testing.T) {
	mf := newMemoryFile(t, 4)
	v := mustNewPaged(t, mf, 2*page)
	defer v.DecRef(context.Background())
	checkPage(t, v, page, make([]byte, page))
	if got := mf.Usage().Allocated; got != 0 {
		t.Errorf("read allocated %d pages", got)
	}
}

func TestWriteExhaustion(t *testing.T) {
	ctx := context.Background()
	mf := newMemoryFile(t, 2)
	v := mustNewPaged(t, mf, 3*page)
	defer v.DecRef(ctx)

	n, err := v.Write(ctx, fill('x')[:100], page-50)
	if err != nil || n != 100 {
		t.Fatalf("Write across two pages got (%d, %v)", n, err)
	}
	n, err = v.Write(ctx, make([]byte, 3*page), 0)
	if err != vmerr.ErrNoMemory || n != 2*page {
		t.Errorf("Write with exhausted memory got (%d, %v) want (%d, %v)", n, err, 2*page, vmerr.ErrNoMemory)
	}
}

func TestCommitExhaustion(t *testing.T) {
	ctx := context.Background()
	mf := newMemoryFile(t, 2)
	v := mustNewPaged(t, mf, 4*page)
	defer v.DecRef(ctx)

	n, err := v.Commit(ctx, 0, 4*page)
	if err != vmerr.ErrNoMemory || n != 2 {
		t.Errorf("Commit got (%d, %v) want (2, %v)", n, err, vmerr.ErrNoMemory)
	}
	if n, err := v.Decommit(ctx, 0, 4*page); err != nil || n != 4 {
		t.Errorf("Decommit got (%d, %v) want (4, nil)", n, err)
	}
	if got := mf.Usage().Allocated; got != 0 {
		t.Errorf("%d pages still allocated after decommit", got)
	}
}

func TestRangeOpBounds(t *testing.T) {
	ctx := context.Background()
	mf := newMemoryFile(t, 4)
	v := mustNewPaged(t, mf, 2*page)
	defer v.DecRef(ctx)

	if _, err := v.Commit(ctx, 3*page, page); err != vmerr.ErrOutOfRange {
		t.Errorf("Commit beyond size got %v want %v", err, vmerr.ErrOutOfRange)
	}
	if n, err := v.Commit(ctx, page, 10*page); err != nil || n != 1 {
		t.Errorf("Commit clipped to size got (%d, %v) want (1, nil)", n, err)
	}
	if n, err := v.Commit(ctx, 0, ^uint64(0)); err != nil || n != 2 {
		t.Errorf("Commit with overflowing length got (%d, %v) want (2, nil)", n, err)
	}
	if n, err := v.Decommit(ctx, 2*page, page); err != nil || n != 0 {
		t.Errorf("Decommit at size got (%d, %v) want (0, nil)", n, err)
	}
}

func TestLookup(t *testing.T) {
	ctx := context.Background()
	mf := newMemoryFile(t, 8)
	p := mustNewPaged(t, mf, 3*page)
	defer p.DecRef(ctx)

	addrs := make([]uint64, 3)
	if n, err := p.Lookup(ctx, 0, 3*page, addrs); err != vmerr.ErrBadState || n != 0 {
		t.Errorf("Lookup of unbacked object got (%d, %v) want (0, %v)", n, err, vmerr.ErrBadState)
	}
	if _, err := p.Lookup(ctx, 0, 3*page, addrs[:2]); err != vmerr.ErrBufferTooSmall {
		t.Errorf("Lookup with short buffer got %v want %v", err, vmerr.ErrBufferTooSmall)
	}
	if _, err := p.Commit(ctx, 0, 2*page); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	n, err := p.Lookup(ctx, 0, 3*page, addrs)
	if err != vmerr.ErrBadState || n != 2 {
		t.Errorf("Lookup of partly committed object got (%d, %v) want (2, %v)", n, err, vmerr.ErrBadState)
	}
	if addrs[0] == addrs[1] || addrs[0] < 0x80000000 {
		t.Errorf("Lookup returned bogus addresses %#x", addrs[:2])
	}

	// A clone resolves to the parent's pages without forking.
	c := clone(t, p, 0, 2*page)
	defer c.DecRef(ctx)
	allocated := mf.Usage().Allocated
	caddrs := make([]uint64, 2)
	if n, err := c.Lookup(ctx, 0, 2*page, caddrs); err != nil || n != 2 {
		t.Fatalf("Lookup on clone got (%d, %v)", n, err)
	}
	if diff := cmp.Diff(addrs[:2], caddrs); diff != "" {
		t.Errorf("clone lookup mismatch (-want +got):\n%s", diff)
	}
	if got := mf.Usage().Allocated; got != allocated {
		t.Errorf("Lookup allocated pages")
	}
}

func TestDecommit(t *testing.T) {
	ctx := context.Background()
	mf := newMemoryFile(t, 8)
	p := mustNewPaged(t, mf, 2*page)
	defer p.DecRef(ctx)
	write(t, p, 0, fill('A'))
	write(t, p, page, fill('B'))
	c := clone(t, p, 0, 2*page)
	defer c.DecRef(ctx)

	// Decommitting a parent page the child still inherits hands the child
	// a copy first.
	if n, err := p.Decommit(ctx, 0, page); err != nil || n != 1 {
		t.Fatalf("Decommit got (%d, %v)", n, err)
	}
	checkPage(t, p, 0, make([]byte, page))
	checkPage(t, c, 0, fill('A'))

	// A decommitted clone page reads through to the parent again.
	write(t, c, page, fill('C'))
	if _, err := c.Decommit(ctx, page, page); err != nil {
		t.Fatalf("Decommit on clone failed: %v", err)
	}
	checkPage(t, c, page, fill('B'))
}

func TestTranslate(t *testing.T) {
	ctx := context.Background()
	mf := newMemoryFile(t, 8)
	p := mustNewPaged(t, mf, 2*page)
	s := &recordingSpace{}
	m := addMapping(p, s, 0, 2*page)

	zero := mf.PhysAddr(mf.ZeroPage())
	tr := translate(t, p, 0, hostarch.Read)
	if tr.PhysAddr != zero || tr.Perms.Write {
		t.Errorf("read translation of unbacked page got %+v, want read-only zero page %#x", tr, zero)
	}

	tr = translate(t, p, 0, hostarch.Write)
	if tr.PhysAddr == zero || !tr.Perms.Write {
		t.Errorf("write translation got %+v", tr)
	}
	want := []invalidation{{ar: hostarch.AddrRange{Start: mapBase, End: mapBase + page}}}
	if diff := cmp.Diff(want, s.invalidations, cmp.AllowUnexported(invalidation{})); diff != "" {
		t.Errorf("fork invalidations mismatch (-want +got):\n%s", diff)
	}

	// Cloning revokes the parent's translations of the cloned range.
	write(t, p, page, fill('P'))
	s.invalidations = nil
	c := clone(t, p, page, page)
	want = []invalidation{{ar: hostarch.AddrRange{Start: mapBase + page, End: mapBase + 2*page}}}
	if diff := cmp.Diff(want, s.invalidations, cmp.AllowUnexported(invalidation{})); diff != "" {
		t.Errorf("clone invalidations mismatch (-want +got):\n%s", diff)
	}

	// A read fault on the clone resolves to the parent's page.
	ptr := translate(t, p, page, hostarch.Read)
	ctr := translate(t, c, 0, hostarch.Read)
	if ctr.PhysAddr != ptr.PhysAddr {
		t.Errorf("clone read translation %#x, want parent page %#x", ctr.PhysAddr, ptr.PhysAddr)
	}

	l := p.TreeLock()
	l.Lock()
	if _, err := p.TranslateLocked(ctx, 2*page, hostarch.Read); err != vmerr.ErrOutOfRange {
		t.Errorf("TranslateLocked beyond size got %v want %v", err, vmerr.ErrOutOfRange)
	}
	l.Unlock()

	c.DecRef(ctx)
	removeMapping(p, m)
	p.DecRef(ctx)
}

func TestIdentityChangeInvalidatesDescendants(t *testing.T) {
	ctx := context.Background()
	mf := newMemoryFile(t, 8)
	p := mustNewPaged(t, mf, page)
	defer p.DecRef(ctx)
	write(t, p, 0, fill('A'))
	c := clone(t, p, 0, page)
	defer c.DecRef(ctx)
	g := clone(t, c, 0, page)
	defer g.DecRef(ctx)

	s := &recordingSpace{}
	m := addMapping(g, s, 0, page)
	defer removeMapping(g, m)

	// Committing the middle object changes the page the grandchild
	// resolves to.
	if _, err := c.Commit(ctx, 0, page); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	if len(s.invalidations) != 1 {
		t.Errorf("grandchild mapping got %d invalidations, want 1", len(s.invalidations))
	}
	checkPage(t, g, 0, fill('A'))
}

func TestEndToEnd(t *testing.T) {
	ctx := context.Background()
	mf := newMemoryFile(t, 8)
	v := mustNewPaged(t, mf, 3*page)
	write(t, v, 0, fill('A'))
	write(t, v, 2*page, fill('C'))

	c := clone(t, v, 0, 3*page)
	write(t, c, 0, fill('B'))
	checkPage(t, v, 0, fill('A'))
	checkPage(t, c, 0, fill('B'))

	if err := v.SetSize(ctx, page); err != nil {
		t.Fatalf("SetSize failed: %v", err)
	}
	if got := read(t, v, 2*page, page); len(got) != 0 {
		t.Errorf("original page 2 after shrink returned %d bytes", len(got))
	}
	checkPage(t, c, 2*page, fill('C'))
	if got := c.Size(); got != 3*page {
		t.Errorf("clone size changed to %#x", got)
	}

	c.DecRef(ctx)
	v.DecRef(ctx)
	if got := mf.Usage().Allocated; got != 0 {
		t.Errorf("%d pages leaked", got)
	}
}

func TestPhysical(t *testing.T) {
	ctx := context.Background()
	p, err := NewPhysical(0xfe000000, 2*page, hostarch.MemoryTypeUncached)
	if err != nil {
		t.Fatalf("NewPhysical failed: %v", err)
	}
	defer p.DecRef(ctx)

	if _, err := p.Read(ctx, make([]byte, 1), 0); err != vmerr.ErrNotSupported {
		t.Errorf("Read got %v want %v", err, vmerr.ErrNotSupported)
	}
	if _, err := p.Write(ctx, make([]byte, 1), 0); err != vmerr.ErrNotSupported {
		t.Errorf("Write got %v want %v", err, vmerr.ErrNotSupported)
	}
	if _, err := p.Commit(ctx, 0, page); err != vmerr.ErrNotSupported {
		t.Errorf("Commit got %v want %v", err, vmerr.ErrNotSupported)
	}
	if _, err := p.Clone(ctx, CloneCopyOnWrite, 0, page); err != vmerr.ErrNotSupported {
		t.Errorf("Clone got %v want %v", err, vmerr.ErrNotSupported)
	}
	if err := p.SetSize(ctx, page); err != vmerr.ErrInvalidArgs {
		t.Errorf("SetSize got %v want %v", err, vmerr.ErrInvalidArgs)
	}

	addrs := make([]uint64, 2)
	if n, err := p.Lookup(ctx, 0, 2*page, addrs); err != nil || n != 2 {
		t.Fatalf("Lookup got (%d, %v)", n, err)
	}
	if diff := cmp.Diff([]uint64{0xfe000000, 0xfe000000 + page}, addrs); diff != "" {
		t.Errorf("Lookup mismatch (-want +got):\n%s", diff)
	}
	tr := translate(t, p, page+5, hostarch.Write)
	if tr.PhysAddr != 0xfe000000+page || tr.MemoryType != hostarch.MemoryTypeUncached {
		t.Errorf("TranslateLocked got %+v", tr)
	}

	for _, tc := range []struct{ base, size uint64 }{
		{1, page},
		{0, 0},
		{0, 1},
		{^uint64(0) - page + 1, 2 * page},
	} {
		if _, err := NewPhysical(tc.base, tc.size, hostarch.MemoryTypeWriteBack); err != vmerr.ErrInvalidArgs {
			t.Errorf("NewPhysical(%#x, %#x) got %v want %v", tc.base, tc.size, err, vmerr.ErrInvalidArgs)
		}
	}
}

func TestConcurrentTrees(t *testing.T) {
	ctx := context.Background()
	mf := newMemoryFile(t, 64)
	root := mustNewPaged(t, mf, 4*page)
	defer root.DecRef(ctx)
	for i := uint64(0); i < 4; i++ {
		write(t, root, i*page, fill('R'))
	}

	var g errgroup.Group
	for i := 0; i < 4; i++ {
		b := byte('a' + i)
		// A clone of the shared root.
		g.Go(func() error {
			c, err := root.Clone(ctx, CloneCopyOnWrite, 0, 4*page)
			if err != nil {
				return err
			}
			defer c.DecRef(ctx)
			for j := 0; j < 50; j++ {
				if _, err := c.Write(ctx, fill(b), uint64(j%4)*page); err != nil {
					return err
				}
				buf := make([]byte, page)
				if _, err := c.Read(ctx, buf, uint64(j%4)*page); err != nil {
					return err
				}
				if !bytes.Equal(buf, fill(b)) {
					return fmt.Errorf("clone %c read back %q", b, head(buf))
				}
			}
			return nil
		})
		// An unrelated tree.
		g.Go(func() error {
			v, err := NewPaged(ctx, mf, page)
			if err != nil {
				return err
			}
			defer v.DecRef(ctx)
			for j := 0; j < 50; j++ {
				if _, err := v.Write(ctx, fill(b), 0); err != nil {
					return err
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
	for i := uint64(0); i < 4; i++ {
		checkPage(t, root, i*page, fill('R'))
	}
}

func TestDebugCommand(t *testing.T) {
	ctx := context.Background()
	mf := newMemoryFile(t, 4)
	p := mustNewPaged(t, mf, 2*page)
	defer p.DecRef(ctx)
	write(t, p, page, []byte("x"))

	var out bytes.Buffer
	if err := RunDebugCommand(ctx, &out, "vm_object", []string{"dump_pages", fmt.Sprint(p.ID())}); err != nil {
		t.Fatalf("vm_object dump_pages failed: %v", err)
	}
	if !bytes.Contains(out.Bytes(), []byte(fmt.Sprintf("paged object %d: size 0x2000, 1 pages", p.ID()))) {
		t.Errorf("unexpected dump:\n%s", out.String())
	}
	if !bytes.Contains(out.Bytes(), []byte("page 0x1000 -> phys")) {
		t.Errorf("dump is missing pages:\n%s", out.String())
	}

	for _, args := range [][]string{
		nil,
		{"dump"},
		{"frob", "1"},
		{"dump", "not-a-number"},
		{"dump", "0"},
	} {
		if err := RunDebugCommand(ctx, &out, "vm_object", args); err == nil {
			t.Errorf("vm_object %q succeeded", args)
		}
	}
	if err := RunDebugCommand(ctx, &out, "no_such_command", nil); err == nil {
		t.Errorf("unknown command succeeded")
	}
}
