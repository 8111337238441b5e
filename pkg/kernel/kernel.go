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

// Package kernel provides the process-level objects behind the VMO system
// calls: handle tables with rights, VMO dispatchers and address spaces.
package kernel

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/vmokit/vmo/pkg/aspace"
	"github.com/vmokit/vmo/pkg/errors/vmerr"
	"github.com/vmokit/vmo/pkg/hostarch"
	"github.com/vmokit/vmo/pkg/log"
	"github.com/vmokit/vmo/pkg/pgalloc"
	"github.com/vmokit/vmo/pkg/vm"
)

// KernelOpts configures a Kernel.
type KernelOpts struct {
	// MemoryFile backs every paged VMO.
	MemoryFile *pgalloc.MemoryFile

	// MaxHandles bounds each process's handle table. Zero selects
	// DefaultMaxHandles.
	MaxHandles uint32
}

// Kernel holds the state shared by all processes.
type Kernel struct {
	mf         *pgalloc.MemoryFile
	maxHandles uint32

	// nextPID is the last process ID assigned.
	nextPID atomic.Uint64
}

// New returns a Kernel.
func New(opts KernelOpts) (*Kernel, error) {
	if opts.MemoryFile == nil {
		return nil, fmt.Errorf("kernel requires a memory file")
	}
	return &Kernel{
		mf:         opts.MemoryFile,
		maxHandles: opts.MaxHandles,
	}, nil
}

// MemoryFile returns the page allocator used for paged VMOs.
func (k *Kernel) MemoryFile() *pgalloc.MemoryFile {
	return k.mf
}

// NewProcess returns a process with an empty handle table and address
// space.
func (k *Kernel) NewProcess() *Process {
	p := &Process{
		k:       k,
		pid:     k.nextPID.Add(1),
		handles: NewHandleTable(k.maxHandles),
		as:      aspace.New(),
	}
	log.Debugf("Created process %d", p.pid)
	return p
}

// Process owns handles and an address space.
type Process struct {
	k       *Kernel
	pid     uint64
	handles *HandleTable
	as      *aspace.AddressSpace
}

// Kernel returns the kernel that created p.
func (p *Process) Kernel() *Kernel {
	return p.k
}

// PID returns the process ID.
func (p *Process) PID() uint64 {
	return p.pid
}

// Handles returns p's handle table.
func (p *Process) Handles() *HandleTable {
	return p.handles
}

// AddressSpace returns p's address space.
func (p *Process) AddressSpace() *aspace.AddressSpace {
	return p.as
}

// InstallVMO installs a handle to obj with rights. It takes ownership of the
// caller's reference on obj; if no handle can be installed the reference is
// dropped, destroying obj if it was the last.
func (p *Process) InstallVMO(ctx context.Context, obj vm.Object, rights Rights) (Handle, error) {
	d := NewVMODispatcher(obj)
	h, err := p.handles.Insert(d, rights)
	if err != nil {
		d.DecRef(ctx)
		return InvalidHandle, err
	}
	return h, nil
}

// GetVMO returns a reference on the dispatcher of h, after checking that h
// carries every right in want.
//
// N.B. Callers are required to use DecRef when they are done.
func (p *Process) GetVMO(h Handle, want Rights) (*VMODispatcher, Rights, error) {
	d, rights, err := p.handles.Get(h)
	if err != nil {
		return nil, RightNone, err
	}
	if !rights.HasAll(want) {
		d.DecRef(context.Background())
		return nil, RightNone, vmerr.ErrAccessDenied
	}
	return d, rights, nil
}

// Close removes h from the handle table.
func (p *Process) Close(ctx context.Context, h Handle) error {
	d, err := p.handles.Remove(h)
	if err != nil {
		return err
	}
	d.DecRef(ctx)
	return nil
}

// CreatePhysicalVMO returns a handle to a VMO covering a fixed range of
// physical addresses.
func (p *Process) CreatePhysicalVMO(ctx context.Context, base, size uint64, memType hostarch.MemoryType) (Handle, error) {
	obj, err := vm.NewPhysical(base, size, memType)
	if err != nil {
		return InvalidHandle, err
	}
	return p.InstallVMO(ctx, obj, DefaultVMORights)
}

// Release unmaps p's address space and closes all of its handles.
func (p *Process) Release(ctx context.Context) {
	p.as.Release(ctx)
	p.handles.RemoveAll(ctx)
	log.Debugf("Released process %d", p.pid)
}
