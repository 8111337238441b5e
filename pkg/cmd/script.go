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

package cmd

import (
	"bytes"
	"context"
	"encoding/binary"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/google/subcommands"
	"gopkg.in/yaml.v3"

	"github.com/vmokit/vmo/pkg/abi/status"
	"github.com/vmokit/vmo/pkg/config"
	"github.com/vmokit/vmo/pkg/errors"
	"github.com/vmokit/vmo/pkg/hostarch"
	"github.com/vmokit/vmo/pkg/kernel"
	"github.com/vmokit/vmo/pkg/syscalls"
	"github.com/vmokit/vmo/pkg/vm"
)

// Program is a sequence of system calls made by one process.
type Program struct {
	Steps []Step `yaml:"steps"`
}

// Step is one system call, or a debug command, and its expected outcome.
// Handles are referred to by the names given with As.
type Step struct {
	// Op is the operation: create, read, write, get_size, set_size, commit,
	// decommit, lookup, clone, close, duplicate, map, unmap, fault or debug.
	Op string `yaml:"op"`

	// Handle names the handle the operation applies to.
	Handle string `yaml:"handle,omitempty"`

	// As names the handle the operation creates.
	As string `yaml:"as,omitempty"`

	Offset  uint64 `yaml:"offset,omitempty"`
	Size    uint64 `yaml:"size,omitempty"`
	Options uint32 `yaml:"options,omitempty"`

	// Data is written by write. Repeat repeats it, so that a page can be
	// filled with a one byte pattern.
	Data   string `yaml:"data,omitempty"`
	Repeat int    `yaml:"repeat,omitempty"`

	// Rights are the rights of a duplicated handle.
	Rights []string `yaml:"rights,omitempty"`

	// Addr, Writable and Access describe map, unmap and fault.
	Addr     uint64 `yaml:"addr,omitempty"`
	Writable bool   `yaml:"writable,omitempty"`
	Access   string `yaml:"access,omitempty"`

	// Args are passed to a debug command.
	Args []string `yaml:"args,omitempty"`

	// Status is the expected status name, OK if empty.
	Status string `yaml:"status,omitempty"`

	// Expect is the expected result of read, repeated by Repeat.
	Expect *string `yaml:"expect,omitempty"`

	// Count is the expected byte or page count of read, write, commit,
	// decommit and lookup, or the expected size of get_size.
	Count *uint64 `yaml:"count,omitempty"`
}

// LoadProgram decodes a YAML program. Unknown fields are errors.
func LoadProgram(r io.Reader) (*Program, error) {
	var s Program
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&s); err != nil {
		return nil, fmt.Errorf("unable to decode program: %w", err)
	}
	return &s, nil
}

// scriptRunner holds the state of a running program.
type scriptRunner struct {
	p       *kernel.Process
	w       io.Writer
	handles map[string]kernel.Handle
}

// Run executes the steps in order and stops at the first step whose outcome
// differs from its expectation.
func (s *Program) Run(ctx context.Context, p *kernel.Process, w io.Writer) error {
	r := &scriptRunner{
		p:       p,
		w:       w,
		handles: make(map[string]kernel.Handle),
	}
	for i := range s.Steps {
		if err := r.step(ctx, &s.Steps[i]); err != nil {
			return fmt.Errorf("step %d (%s): %w", i, s.Steps[i].Op, err)
		}
	}
	return nil
}

func (r *scriptRunner) handle(name string) (kernel.Handle, error) {
	if name == "" {
		return kernel.InvalidHandle, fmt.Errorf("no handle given")
	}
	h, ok := r.handles[name]
	if !ok {
		return kernel.InvalidHandle, fmt.Errorf("unknown handle %q", name)
	}
	return h, nil
}

func (r *scriptRunner) bind(name string, h kernel.Handle, st status.Status) {
	if name != "" && st == status.OK {
		r.handles[name] = h
	}
}

func repeat(s string, n int) []byte {
	return bytes.Repeat([]byte(s), max(n, 1))
}

func (r *scriptRunner) step(ctx context.Context, st *Step) error {
	var (
		h     kernel.Handle
		err   error
		got   status.Status
		count uint64
		data  []byte
	)
	switch st.Op {
	case "create", "unmap", "fault", "debug":
	case "read", "write", "get_size", "set_size", "commit", "decommit", "lookup", "clone", "close", "duplicate", "map":
		if h, err = r.handle(st.Handle); err != nil {
			return err
		}
	default:
		return fmt.Errorf("unknown op %q", st.Op)
	}

	switch st.Op {
	case "create":
		var nh kernel.Handle
		nh, got = syscalls.VmoCreate(ctx, r.p, st.Size, st.Options)
		r.bind(st.As, nh, got)
	case "read":
		data = make([]byte, st.Size)
		var n int
		n, got = syscalls.VmoRead(ctx, r.p, h, data, st.Offset)
		data, count = data[:n], uint64(n)
	case "write":
		var n int
		n, got = syscalls.VmoWrite(ctx, r.p, h, repeat(st.Data, st.Repeat), st.Offset)
		count = uint64(n)
	case "get_size":
		count, got = syscalls.VmoGetSize(ctx, r.p, h)
	case "set_size":
		got = syscalls.VmoSetSize(ctx, r.p, h, st.Size)
	case "commit":
		count, got = syscalls.VmoOpRange(ctx, r.p, h, syscalls.OpCommit, st.Offset, st.Size, nil)
	case "decommit":
		count, got = syscalls.VmoOpRange(ctx, r.p, h, syscalls.OpDecommit, st.Offset, st.Size, nil)
	case "lookup":
		pages, _ := hostarch.PageRoundUp(st.Size)
		buf := make([]byte, pages/hostarch.PageSize*8)
		count, got = syscalls.VmoOpRange(ctx, r.p, h, syscalls.OpLookup, st.Offset, st.Size, buf)
		for i := uint64(0); i < count; i++ {
			fmt.Fprintf(r.w, "  page %#x: %#x\n", st.Offset+i*hostarch.PageSize, binary.LittleEndian.Uint64(buf[i*8:]))
		}
	case "clone":
		opts := st.Options
		if opts == 0 {
			opts = vm.CloneCopyOnWrite
		}
		var nh kernel.Handle
		nh, got = syscalls.VmoClone(ctx, r.p, h, opts, st.Offset, st.Size)
		r.bind(st.As, nh, got)
	case "close":
		got = syscalls.HandleClose(ctx, r.p, h)
	case "duplicate":
		rights, err := kernel.ParseRights(st.Rights)
		if err != nil {
			return err
		}
		var nh kernel.Handle
		nh, got = syscalls.HandleDuplicate(ctx, r.p, h, rights)
		r.bind(st.As, nh, got)
	case "map":
		got = syscalls.VmoMap(ctx, r.p, h, hostarch.Addr(st.Addr), st.Offset, st.Size, st.Writable)
	case "unmap":
		got = syscalls.VmoUnmap(ctx, r.p, hostarch.Addr(st.Addr), st.Size)
	case "fault":
		at := hostarch.Read
		if st.Access == "w" || st.Access == "write" {
			at = hostarch.Write
		}
		tr, ferr := r.p.AddressSpace().Fault(ctx, hostarch.Addr(st.Addr), at)
		got = errors.StatusOf(ferr)
		if got == status.OK {
			fmt.Fprintf(r.w, "  %v -> %#x %v\n", hostarch.Addr(st.Addr), tr.PhysAddr, tr.Perms)
		}
	case "debug":
		if len(st.Args) == 0 {
			return fmt.Errorf("debug step needs a command")
		}
		if err := vm.RunDebugCommand(ctx, r.w, st.Args[0], st.Args[1:]); err != nil {
			return err
		}
	}

	fmt.Fprintf(r.w, "%-10s %-8s %#x %#x: count %#x, %v\n", st.Op, st.Handle, st.Offset, st.Size, count, got)
	want := "OK"
	if st.Status != "" {
		want = st.Status
	}
	if got.String() != want {
		return fmt.Errorf("got status %v want %s", got, want)
	}
	if st.Count != nil && count != *st.Count {
		return fmt.Errorf("got count %#x want %#x", count, *st.Count)
	}
	if st.Expect != nil {
		if want := repeat(*st.Expect, st.Repeat); !bytes.Equal(data, want) {
			return fmt.Errorf("read %q... want %q...", data[:min(len(data), 16)], want[:min(len(want), 16)])
		}
	}
	return nil
}

// Script implements subcommands.Command for the "script" command.
type Script struct {
	dump bool
}

// Name implements subcommands.Command.
func (*Script) Name() string {
	return "script"
}

// Synopsis implements subcommands.Command.
func (*Script) Synopsis() string {
	return "runs VMO system calls listed in a YAML file"
}

// Usage implements subcommands.Command.
func (*Script) Usage() string {
	return `script [flags] <file.yaml>

Example file:

steps:
  - {op: create, as: a, size: 8192}
  - {op: write, handle: a, data: "A", repeat: 4096}
  - {op: clone, handle: a, as: c, size: 8192}
  - {op: read, handle: c, size: 4, expect: "AAAA"}
  - {op: set_size, handle: c, size: 0x100000000000, status: ERR_OUT_OF_RANGE}
  - {op: debug, args: [vm_object, list]}
`
}

// SetFlags implements subcommands.Command.
func (s *Script) SetFlags(f *flag.FlagSet) {
	f.BoolVar(&s.dump, "dump", false, "dumps all live objects after the last step.")
}

// Execute implements subcommands.Command.Execute.
func (s *Script) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)

	in, err := os.Open(f.Arg(0))
	if err != nil {
		Fatalf("error opening script: %v", err)
	}
	prog, err := LoadProgram(in)
	in.Close()
	if err != nil {
		Fatalf("%v", err)
	}

	k, cleanup, err := newKernel(conf)
	if err != nil {
		Fatalf("%v", err)
	}
	defer cleanup()
	p := k.NewProcess()
	defer p.Release(ctx)

	runErr := prog.Run(ctx, p, os.Stdout)
	if s.dump {
		if err := vm.RunDebugCommand(ctx, os.Stdout, "vm_object", []string{"list"}); err != nil {
			Fatalf("%v", err)
		}
	}
	if runErr != nil {
		Fatalf("%s: %v", f.Arg(0), runErr)
	}
	return subcommands.ExitSuccess
}
