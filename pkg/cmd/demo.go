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
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/google/subcommands"

	"github.com/vmokit/vmo/pkg/abi/status"
	"github.com/vmokit/vmo/pkg/config"
	"github.com/vmokit/vmo/pkg/hostarch"
	"github.com/vmokit/vmo/pkg/kernel"
	"github.com/vmokit/vmo/pkg/syscalls"
	"github.com/vmokit/vmo/pkg/vm"
)

// Demo implements subcommands.Command for the "demo" command.
type Demo struct {
	dump bool
}

// Name implements subcommands.Command.
func (*Demo) Name() string {
	return "demo"
}

// Synopsis implements subcommands.Command.
func (*Demo) Synopsis() string {
	return "runs a copy-on-write clone scenario and checks the result"
}

// Usage implements subcommands.Command.
func (*Demo) Usage() string {
	return `demo [flags]

Creates a 3 page VMO, clones it, writes to both sides, shrinks the original
and verifies that the clone is unaffected.
`
}

// SetFlags implements subcommands.Command.
func (d *Demo) SetFlags(f *flag.FlagSet) {
	f.BoolVar(&d.dump, "dump", false, "dumps the objects before exiting.")
}

// Execute implements subcommands.Command.Execute.
func (d *Demo) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)
	k, cleanup, err := newKernel(conf)
	if err != nil {
		Fatalf("%v", err)
	}
	defer cleanup()
	p := k.NewProcess()
	defer p.Release(ctx)

	if err := runDemo(ctx, p, os.Stdout, d.dump); err != nil {
		Fatalf("demo failed: %v", err)
	}
	return subcommands.ExitSuccess
}

// demoChecker runs syscalls and remembers the first failure.
type demoChecker struct {
	ctx context.Context
	p   *kernel.Process
	w   io.Writer
	err error
}

func (c *demoChecker) check(what string, s status.Status) {
	fmt.Fprintf(c.w, "%-40s %v\n", what, s)
	if s != status.OK && c.err == nil {
		c.err = fmt.Errorf("%s: %v", what, s)
	}
}

func (c *demoChecker) expect(what string, got, want []byte) {
	ok := bytes.Equal(got, want)
	fmt.Fprintf(c.w, "%-40s %s\n", what, map[bool]string{true: "as expected", false: "MISMATCH"}[ok])
	if !ok && c.err == nil {
		c.err = fmt.Errorf("%s: got %q... want %q...", what, got[:min(8, len(got))], want[:min(8, len(want))])
	}
}

func (c *demoChecker) read(h kernel.Handle, off uint64) []byte {
	buf := make([]byte, hostarch.PageSize)
	n, s := syscalls.VmoRead(c.ctx, c.p, h, buf, off)
	c.check(fmt.Sprintf("read handle %d at %#x", h, off), s)
	return buf[:n]
}

func (c *demoChecker) write(h kernel.Handle, off uint64, data []byte) {
	_, s := syscalls.VmoWrite(c.ctx, c.p, h, data, off)
	c.check(fmt.Sprintf("write %q to handle %d at %#x", data[:1], h, off), s)
}

// runDemo creates an object of 3 pages, writes pattern A to page 0, clones
// it, writes pattern B to page 0 of the clone, checks both, shrinks the
// original to 1 page and checks that the clone still sees its page 2.
func runDemo(ctx context.Context, p *kernel.Process, w io.Writer, dump bool) error {
	c := &demoChecker{ctx: ctx, p: p, w: w}
	a := bytes.Repeat([]byte{'A'}, hostarch.PageSize)
	b := bytes.Repeat([]byte{'B'}, hostarch.PageSize)
	z := bytes.Repeat([]byte{'Z'}, hostarch.PageSize)

	orig, s := syscalls.VmoCreate(ctx, p, 3*hostarch.PageSize, 0)
	c.check("create 3 pages", s)
	c.write(orig, 0, a)
	c.write(orig, 2*hostarch.PageSize, z)
	clone, s := syscalls.VmoClone(ctx, p, orig, vm.CloneCopyOnWrite, 0, 3*hostarch.PageSize)
	c.check("clone full range", s)
	c.write(clone, 0, b)
	c.expect("original page 0", c.read(orig, 0), a)
	c.expect("clone page 0", c.read(clone, 0), b)

	c.check("shrink original to 1 page", syscalls.VmoSetSize(ctx, p, orig, hostarch.PageSize))
	c.expect("original page 2", c.read(orig, 2*hostarch.PageSize), nil)
	c.expect("clone page 2", c.read(clone, 2*hostarch.PageSize), z)
	size, s := syscalls.VmoGetSize(ctx, p, clone)
	c.check(fmt.Sprintf("clone size %#x", size), s)
	if size != 3*hostarch.PageSize && c.err == nil {
		c.err = fmt.Errorf("clone size changed to %#x", size)
	}

	if dump {
		for _, h := range []kernel.Handle{orig, clone} {
			if d, _, err := p.Handles().Get(h); err == nil {
				d.VMO().Dump(w, true)
				d.DecRef(ctx)
			}
		}
	}
	c.check("close clone", syscalls.HandleClose(ctx, p, clone))
	c.check("close original", syscalls.HandleClose(ctx, p, orig))
	return c.err
}
