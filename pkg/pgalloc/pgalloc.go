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

// Package pgalloc contains the page allocator that supplies frames to VM
// objects.
//
// Frames are page-sized slices of a single memory file, a memfd mapped into
// the allocator's address space. Each frame has a simulated physical address
// of PhysBase plus its offset in the file. Frame 0 is reserved as a shared,
// permanently zero page that read-only translations of unbacked offsets
// resolve to.
//
// Free frames are always zero-filled: AllocatePage returns zeroed memory and
// FreePage releases the frame's contents back to the host.
package pgalloc

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"golang.org/x/sys/unix"

	"github.com/vmokit/vmo/pkg/bitmap"
	"github.com/vmokit/vmo/pkg/errors/vmerr"
	"github.com/vmokit/vmo/pkg/hostarch"
	"github.com/vmokit/vmo/pkg/log"
)

// Frame identifies one page of the memory file by its offset.
type Frame uint64

// String implements fmt.Stringer.String.
func (fr Frame) String() string {
	return fmt.Sprintf("frame %#x", uint64(fr))
}

// zeroFrame is the shared zero page.
const zeroFrame Frame = 0

// MemoryFileOpts provides options to NewMemoryFile.
type MemoryFileOpts struct {
	// Pages is the number of frames in the file, including the reserved zero
	// page. It must be at least 2.
	Pages uint64

	// PhysBase is the simulated physical address of the first frame.
	PhysBase uint64

	// AllocTimeout is how long AllocatePage waits for a frame to be freed
	// when the file is exhausted. If zero, exhaustion fails immediately.
	AllocTimeout time.Duration
}

// MemoryFile is a fixed-capacity pool of page frames.
type MemoryFile struct {
	opts MemoryFileOpts

	// file is the backing memfd, or nil if the frames are anonymous memory.
	file *os.File

	// mapping is the whole file mapped read/write.
	mapping []byte

	// warn reports exhaustion without flooding the log.
	warn log.Logger

	// mu protects the fields below.
	mu sync.Mutex

	// used has a bit set for each allocated frame, indexed by page number.
	used bitmap.Bitmap

	// next is where the next search for a free frame starts.
	next uint32

	// destroyed is set by Destroy.
	destroyed bool
}

// NewMemoryFile creates a MemoryFile with the given options.
func NewMemoryFile(opts MemoryFileOpts) (*MemoryFile, error) {
	if opts.Pages < 2 {
		return nil, fmt.Errorf("memory file needs at least 2 pages, got %d", opts.Pages)
	}
	if opts.Pages > uint64(bitmap.MaxBitEntryLimit) {
		return nil, fmt.Errorf("memory file of %d pages is too large", opts.Pages)
	}
	if !hostarch.Addr(opts.PhysBase).IsPageAligned() {
		return nil, fmt.Errorf("physical base %#x is not page aligned", opts.PhysBase)
	}
	size := opts.Pages * hostarch.PageSize
	if _, ok := hostarch.Addr(opts.PhysBase).AddLength(size); !ok {
		return nil, fmt.Errorf("physical range [%#x, +%#x) overflows", opts.PhysBase, size)
	}

	f := &MemoryFile{
		opts: opts,
		used: bitmap.New(uint32(opts.Pages)),
		warn: log.BasicRateLimitedLogger(time.Second),
	}
	if err := f.mapFile(int(size)); err != nil {
		return nil, err
	}
	// The zero page is never handed out.
	f.used.Add(uint32(zeroFrame / hostarch.PageSize))
	f.next = 1
	log.Debugf("Memory file created: %d pages at physical base %#x", opts.Pages, opts.PhysBase)
	return f, nil
}

// mapFile creates the backing store. A memfd is preferred so that freed
// frames can be punched out of the file; if the host refuses one (for
// example under a seccomp filter) anonymous memory is used instead.
func (f *MemoryFile) mapFile(size int) error {
	fd, err := unix.MemfdCreate("vmo-memory", unix.MFD_CLOEXEC)
	if err == nil {
		file := os.NewFile(uintptr(fd), "memfd:vmo-memory")
		if err := file.Truncate(int64(size)); err != nil {
			file.Close()
			return fmt.Errorf("truncating memory file: %w", err)
		}
		m, err := unix.Mmap(fd, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
		if err != nil {
			file.Close()
			return fmt.Errorf("mapping memory file: %w", err)
		}
		f.file, f.mapping = file, m
		return nil
	}
	log.Infof("memfd_create failed (%v), using anonymous memory", err)
	m, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return fmt.Errorf("mapping anonymous memory: %w", err)
	}
	f.mapping = m
	return nil
}

// Destroy releases the backing store. No frame may be used afterwards.
func (f *MemoryFile) Destroy() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.destroyed {
		return
	}
	f.destroyed = true
	if err := unix.Munmap(f.mapping); err != nil {
		log.Warningf("Failed to unmap memory file: %v", err)
	}
	f.mapping = nil
	if f.file != nil {
		f.file.Close()
		f.file = nil
	}
}

// AllocatePage returns a zeroed frame. If no frame is free and
// opts.AllocTimeout is set, it retries with exponential backoff until a frame
// is freed, the timeout elapses or ctx is cancelled. Exhaustion is reported
// as vmerr.ErrNoMemory.
func (f *MemoryFile) AllocatePage(ctx context.Context) (Frame, error) {
	fr, err := f.tryAllocate()
	if err == nil || f.opts.AllocTimeout == 0 || err != vmerr.ErrNoMemory {
		if err == vmerr.ErrNoMemory {
			f.warn.Warningf("Memory file exhausted: %d of %d pages in use", f.Usage().Allocated, f.opts.Pages-1)
		}
		return fr, err
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Millisecond
	b.MaxInterval = 100 * time.Millisecond
	b.MaxElapsedTime = f.opts.AllocTimeout
	op := func() error {
		var err error
		fr, err = f.tryAllocate()
		if err != nil && err != vmerr.ErrNoMemory {
			return backoff.Permanent(err)
		}
		return err
	}
	if err := backoff.Retry(op, backoff.WithContext(b, ctx)); err != nil {
		if err == vmerr.ErrBadState {
			return 0, err
		}
		f.warn.Warningf("Memory file exhausted after waiting %v", f.opts.AllocTimeout)
		return 0, vmerr.ErrNoMemory
	}
	return fr, nil
}

func (f *MemoryFile) tryAllocate() (Frame, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.destroyed {
		return 0, vmerr.ErrBadState
	}
	pn, err := f.used.FirstZero(f.next)
	if err != nil {
		// Wrap around; page 0 is always set.
		if pn, err = f.used.FirstZero(0); err != nil {
			return 0, vmerr.ErrNoMemory
		}
	}
	f.used.Add(pn)
	f.next = pn + 1
	if uint64(f.next) == f.opts.Pages {
		f.next = 1
	}
	return Frame(uint64(pn) * hostarch.PageSize), nil
}

// FreePage returns fr to the pool. Its contents are discarded.
//
// Preconditions: fr was returned by AllocatePage and has not been freed.
func (f *MemoryFile) FreePage(fr Frame) {
	pn := f.pageNumber(fr)
	if fr == zeroFrame {
		panic("freeing the zero page")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.used.Contains(pn) {
		panic(fmt.Sprintf("double free of %v", fr))
	}
	f.discardLocked(fr)
	f.used.Remove(pn)
}

// discardLocked zeroes the contents of fr, returning the memory to the host
// where possible.
func (f *MemoryFile) discardLocked(fr Frame) {
	if f.destroyed {
		return
	}
	if f.file != nil {
		// FALLOC_FL_PUNCH_HOLE must be ORed with FALLOC_FL_KEEP_SIZE; the
		// punched range reads back as zeroes through the shared mapping.
		err := unix.Fallocate(int(f.file.Fd()), unix.FALLOC_FL_PUNCH_HOLE|unix.FALLOC_FL_KEEP_SIZE, int64(fr), hostarch.PageSize)
		if err == nil {
			return
		}
	} else if err := unix.Madvise(f.bytesLocked(fr), unix.MADV_DONTNEED); err == nil {
		return
	}
	clear(f.bytesLocked(fr))
}

// Bytes returns the memory backing fr. The slice is only valid until fr is
// freed.
func (f *MemoryFile) Bytes(fr Frame) []byte {
	f.pageNumber(fr)
	return f.bytesLocked(fr)
}

func (f *MemoryFile) bytesLocked(fr Frame) []byte {
	return f.mapping[fr : fr+hostarch.PageSize : fr+hostarch.PageSize]
}

// PhysAddr returns the simulated physical address of fr.
func (f *MemoryFile) PhysAddr(fr Frame) uint64 {
	f.pageNumber(fr)
	return f.opts.PhysBase + uint64(fr)
}

// ZeroPage returns the shared zero frame. It must never be written.
func (f *MemoryFile) ZeroPage() Frame {
	return zeroFrame
}

// Usage describes the number of frames in use.
type Usage struct {
	// Allocated is the number of frames currently handed out.
	Allocated uint64

	// Capacity is the number of frames that can be handed out.
	Capacity uint64
}

// Usage returns the current frame usage.
func (f *MemoryFile) Usage() Usage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return Usage{
		Allocated: uint64(f.used.GetNumOnes()) - 1,
		Capacity:  f.opts.Pages - 1,
	}
}

// String implements fmt.Stringer.String.
func (f *MemoryFile) String() string {
	u := f.Usage()
	return fmt.Sprintf("MemoryFile{base: %#x, pages: %d/%d}", f.opts.PhysBase, u.Allocated, u.Capacity)
}

func (f *MemoryFile) pageNumber(fr Frame) uint32 {
	if !hostarch.Addr(fr).IsPageAligned() || uint64(fr) >= f.opts.Pages*hostarch.PageSize {
		panic(fmt.Sprintf("invalid %v for memory file of %d pages", fr, f.opts.Pages))
	}
	return uint32(uint64(fr) / hostarch.PageSize)
}
