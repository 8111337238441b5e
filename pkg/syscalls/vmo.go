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

// Package syscalls implements the VMO system calls on behalf of a process.
// Arguments arrive already copied in; every call reports a status.Status.
package syscalls

import (
	"context"
	"encoding/binary"

	"github.com/vmokit/vmo/pkg/abi/status"
	"github.com/vmokit/vmo/pkg/errors"
	"github.com/vmokit/vmo/pkg/errors/vmerr"
	"github.com/vmokit/vmo/pkg/hostarch"
	"github.com/vmokit/vmo/pkg/kernel"
	"github.com/vmokit/vmo/pkg/log"
	"github.com/vmokit/vmo/pkg/vm"
)

// Range operations accepted by VmoOpRange.
const (
	OpCommit   uint32 = 1
	OpDecommit uint32 = 2
	OpLock     uint32 = 3
	OpUnlock   uint32 = 4
	OpLookup   uint32 = 5
)

// paddrSize is the size of one physical address in a lookup buffer.
const paddrSize = 8

// cloneRights are added to the source handle's rights on a clone handle.
// The clone is private to its creator, so it is always writable.
const cloneRights = kernel.RightWrite

func trace(name string, p *kernel.Process, format string, v ...any) {
	if log.IsLogging(log.Debug) {
		log.Debugf("[%d] %s("+format+")", append([]any{p.PID(), name}, v...)...)
	}
}

// VmoCreate creates a paged VMO of size bytes and returns a handle to it.
func VmoCreate(ctx context.Context, p *kernel.Process, size uint64, options uint32) (kernel.Handle, status.Status) {
	trace("vmo_create", p, "size %#x, options %#x", size, options)
	if options != 0 {
		return kernel.InvalidHandle, status.InvalidArgs
	}
	obj, err := vm.NewPaged(ctx, p.Kernel().MemoryFile(), size)
	if err != nil {
		return kernel.InvalidHandle, errors.StatusOf(err)
	}
	h, err := p.InstallVMO(ctx, obj, kernel.DefaultVMORights)
	return h, errors.StatusOf(err)
}

// VmoRead reads into dst from offset off. It returns the number of bytes
// read, which may be short together with a failure status.
func VmoRead(ctx context.Context, p *kernel.Process, h kernel.Handle, dst []byte, off uint64) (int, status.Status) {
	trace("vmo_read", p, "handle %d, offset %#x, len %#x", h, off, len(dst))
	d, _, err := p.GetVMO(h, kernel.RightRead)
	if err != nil {
		return 0, errors.StatusOf(err)
	}
	defer d.DecRef(ctx)
	n, err := d.VMO().Read(ctx, dst, off)
	return n, errors.StatusOf(err)
}

// VmoWrite writes src at offset off. It returns the number of bytes written,
// which may be short together with a failure status.
func VmoWrite(ctx context.Context, p *kernel.Process, h kernel.Handle, src []byte, off uint64) (int, status.Status) {
	trace("vmo_write", p, "handle %d, offset %#x, len %#x", h, off, len(src))
	d, _, err := p.GetVMO(h, kernel.RightWrite)
	if err != nil {
		return 0, errors.StatusOf(err)
	}
	defer d.DecRef(ctx)
	n, err := d.VMO().Write(ctx, src, off)
	return n, errors.StatusOf(err)
}

// VmoGetSize returns the size of the VMO. No rights are required.
func VmoGetSize(ctx context.Context, p *kernel.Process, h kernel.Handle) (uint64, status.Status) {
	trace("vmo_get_size", p, "handle %d", h)
	d, _, err := p.Handles().Get(h)
	if err != nil {
		return 0, errors.StatusOf(err)
	}
	defer d.DecRef(ctx)
	return d.VMO().Size(), status.OK
}

// VmoSetSize resizes the VMO.
func VmoSetSize(ctx context.Context, p *kernel.Process, h kernel.Handle, size uint64) status.Status {
	trace("vmo_set_size", p, "handle %d, size %#x", h, size)
	d, _, err := p.GetVMO(h, kernel.RightWrite)
	if err != nil {
		return errors.StatusOf(err)
	}
	defer d.DecRef(ctx)
	return errors.StatusOf(d.VMO().SetSize(ctx, size))
}

// opRights returns the rights op requires.
func opRights(op uint32) (kernel.Rights, error) {
	switch op {
	case OpCommit, OpDecommit:
		return kernel.RightWrite, nil
	case OpLookup:
		return kernel.RightRead, nil
	case OpLock, OpUnlock:
		return kernel.RightNone, vmerr.ErrNotSupported
	default:
		return kernel.RightNone, vmerr.ErrInvalidArgs
	}
}

// VmoOpRange applies op to [off, off+size). Lookup stores one little-endian
// physical address per page into buf. It returns the number of pages
// processed.
func VmoOpRange(ctx context.Context, p *kernel.Process, h kernel.Handle, op uint32, off, size uint64, buf []byte) (uint64, status.Status) {
	trace("vmo_op_range", p, "handle %d, op %d, offset %#x, size %#x, buffer %d", h, op, off, size, len(buf))
	want, err := opRights(op)
	if err != nil {
		return 0, errors.StatusOf(err)
	}
	d, _, err := p.GetVMO(h, want)
	if err != nil {
		return 0, errors.StatusOf(err)
	}
	defer d.DecRef(ctx)
	obj := d.VMO()

	switch op {
	case OpCommit:
		n, err := obj.Commit(ctx, off, size)
		return n, errors.StatusOf(err)
	case OpDecommit:
		n, err := obj.Decommit(ctx, off, size)
		return n, errors.StatusOf(err)
	default:
		addrs := make([]uint64, len(buf)/paddrSize)
		n, err := obj.Lookup(ctx, off, size, addrs)
		for i := uint64(0); i < n; i++ {
			binary.LittleEndian.PutUint64(buf[i*paddrSize:], addrs[i])
		}
		return n, errors.StatusOf(err)
	}
}

// VmoClone creates a copy-on-write clone of [off, off+size) and returns a
// handle to it. The source handle needs RightRead. The new handle has the
// source handle's rights plus RightWrite.
func VmoClone(ctx context.Context, p *kernel.Process, h kernel.Handle, options uint32, off, size uint64) (kernel.Handle, status.Status) {
	trace("vmo_clone", p, "handle %d, options %#x, offset %#x, size %#x", h, options, off, size)
	d, rights, err := p.GetVMO(h, kernel.RightRead)
	if err != nil {
		return kernel.InvalidHandle, errors.StatusOf(err)
	}
	c, err := d.VMO().Clone(ctx, options, off, size)
	d.DecRef(ctx)
	if err != nil {
		return kernel.InvalidHandle, errors.StatusOf(err)
	}
	// On failure InstallVMO drops the clone, destroying it.
	nh, err := p.InstallVMO(ctx, c, rights|cloneRights)
	return nh, errors.StatusOf(err)
}

// VmoMap maps [off, off+length) of the VMO at addr in p's address space.
// The handle needs RightMap, and RightWrite for a writable mapping.
func VmoMap(ctx context.Context, p *kernel.Process, h kernel.Handle, addr hostarch.Addr, off, length uint64, writable bool) status.Status {
	trace("vmo_map", p, "handle %d, addr %v, offset %#x, len %#x, writable %t", h, addr, off, length, writable)
	want := kernel.RightMap | kernel.RightRead
	if writable {
		want |= kernel.RightWrite
	}
	d, _, err := p.GetVMO(h, want)
	if err != nil {
		return errors.StatusOf(err)
	}
	defer d.DecRef(ctx)
	return errors.StatusOf(p.AddressSpace().Map(ctx, d.VMO(), addr, off, length, writable))
}

// VmoUnmap removes the mappings in [addr, addr+length).
func VmoUnmap(ctx context.Context, p *kernel.Process, addr hostarch.Addr, length uint64) status.Status {
	trace("vmo_unmap", p, "addr %v, len %#x", addr, length)
	end, ok := addr.AddLength(length)
	if !ok {
		return status.InvalidArgs
	}
	return errors.StatusOf(p.AddressSpace().Unmap(ctx, hostarch.AddrRange{Start: addr, End: end}))
}

// HandleClose closes h.
func HandleClose(ctx context.Context, p *kernel.Process, h kernel.Handle) status.Status {
	trace("handle_close", p, "handle %d", h)
	return errors.StatusOf(p.Close(ctx, h))
}

// HandleDuplicate returns a new handle to the object of h with rights.
func HandleDuplicate(ctx context.Context, p *kernel.Process, h kernel.Handle, rights kernel.Rights) (kernel.Handle, status.Status) {
	trace("handle_duplicate", p, "handle %d, rights %v", h, rights)
	nh, err := p.Handles().Duplicate(h, rights)
	return nh, errors.StatusOf(err)
}
