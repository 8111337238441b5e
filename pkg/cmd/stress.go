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
	"time"

	"github.com/google/subcommands"
	"golang.org/x/sync/errgroup"

	"github.com/vmokit/vmo/pkg/abi/status"
	"github.com/vmokit/vmo/pkg/config"
	"github.com/vmokit/vmo/pkg/hostarch"
	"github.com/vmokit/vmo/pkg/kernel"
	"github.com/vmokit/vmo/pkg/log"
	"github.com/vmokit/vmo/pkg/syscalls"
	"github.com/vmokit/vmo/pkg/vm"
)

// StressOpts configures a stress run.
type StressOpts struct {
	// Trees is the number of independent clone trees.
	Trees int

	// Clones is the number of clones per tree, each with its own writer.
	Clones int

	// Pages is the size of each object in pages.
	Pages uint64

	// Iterations is the number of writes made by each writer.
	Iterations int
}

// Stress implements subcommands.Command for the "stress" command.
type Stress struct {
	opts StressOpts
}

// Name implements subcommands.Command.
func (*Stress) Name() string {
	return "stress"
}

// Synopsis implements subcommands.Command.
func (*Stress) Synopsis() string {
	return "writes concurrently to clone trees and verifies isolation"
}

// Usage implements subcommands.Command.
func (*Stress) Usage() string {
	return `stress [flags]

Each tree has a root and several clones. Writers on the root and on every
clone run in parallel; each checks after every write that the objects still
hold the content they should.
`
}

// SetFlags implements subcommands.Command.
func (s *Stress) SetFlags(f *flag.FlagSet) {
	f.IntVar(&s.opts.Trees, "trees", 4, "number of independent clone trees.")
	f.IntVar(&s.opts.Clones, "clones", 4, "number of clones per tree.")
	f.Uint64Var(&s.opts.Pages, "object-pages", 8, "size of each object in pages.")
	f.IntVar(&s.opts.Iterations, "iterations", 1000, "writes made by each writer.")
}

// Execute implements subcommands.Command.Execute.
func (s *Stress) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
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

	start := time.Now()
	if err := runStress(ctx, p, s.opts, os.Stdout); err != nil {
		Fatalf("stress failed: %v", err)
	}
	fmt.Fprintf(os.Stdout, "stress passed in %v, memory file %v\n", time.Since(start), k.MemoryFile())
	return subcommands.ExitSuccess
}

func statusErr(what string, s status.Status) error {
	if s == status.OK {
		return nil
	}
	return fmt.Errorf("%s: %v", what, s)
}

// runStress runs every tree in parallel and returns the first failure. The
// trees that passed are reported to w in order once all of them are done.
func runStress(ctx context.Context, p *kernel.Process, opts StressOpts, w io.Writer) error {
	if opts.Trees <= 0 || opts.Clones < 0 || opts.Pages == 0 || opts.Iterations < 0 {
		return fmt.Errorf("invalid stress options %+v", opts)
	}
	passed := make([]bool, opts.Trees)
	g, ctx := errgroup.WithContext(ctx)
	for t := 0; t < opts.Trees; t++ {
		g.Go(func() error {
			if err := stressTree(ctx, p, opts, byte('a'+t%26)); err != nil {
				return fmt.Errorf("tree %d: %w", t, err)
			}
			passed[t] = true
			return nil
		})
	}
	err := g.Wait()
	for t, ok := range passed {
		if ok {
			fmt.Fprintf(w, "tree %d: ok\n", t)
		}
	}
	return err
}

// stressTree fills a root with rootFill, clones it, then runs one writer on
// the root and one per clone. The root writer rewrites the root's content
// unchanged, which pushes copies into every clone still inheriting it.
// Clone writers write their own pattern one page at a time and check that
// the page they wrote holds it and that the root is unchanged.
func stressTree(ctx context.Context, p *kernel.Process, opts StressOpts, rootFill byte) error {
	size := opts.Pages * hostarch.PageSize
	rootPage := bytes.Repeat([]byte{rootFill}, hostarch.PageSize)

	root, s := syscalls.VmoCreate(ctx, p, size, 0)
	if err := statusErr("create", s); err != nil {
		return err
	}
	defer syscalls.HandleClose(ctx, p, root)
	for off := uint64(0); off < size; off += hostarch.PageSize {
		if _, s := syscalls.VmoWrite(ctx, p, root, rootPage, off); s != status.OK {
			return statusErr("fill root", s)
		}
	}

	clones := make([]kernel.Handle, opts.Clones)
	for i := range clones {
		c, s := syscalls.VmoClone(ctx, p, root, vm.CloneCopyOnWrite, 0, size)
		if err := statusErr("clone", s); err != nil {
			return err
		}
		defer syscalls.HandleClose(ctx, p, c)
		clones[i] = c
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		for i := 0; i < opts.Iterations && ctx.Err() == nil; i++ {
			off := uint64(i) % opts.Pages * hostarch.PageSize
			if _, s := syscalls.VmoWrite(ctx, p, root, rootPage, off); s != status.OK {
				return statusErr("root write", s)
			}
		}
		return nil
	})
	for ci, c := range clones {
		g.Go(func() error {
			own := bytes.Repeat([]byte{'A' + byte(ci%26)}, hostarch.PageSize)
			buf := make([]byte, hostarch.PageSize)
			for i := 0; i < opts.Iterations && ctx.Err() == nil; i++ {
				off := uint64(i) % opts.Pages * hostarch.PageSize
				if _, s := syscalls.VmoWrite(ctx, p, c, own, off); s != status.OK {
					return statusErr("clone write", s)
				}
				if _, s := syscalls.VmoRead(ctx, p, c, buf, off); s != status.OK {
					return statusErr("clone read", s)
				}
				if !bytes.Equal(buf, own) {
					return fmt.Errorf("clone %d page %#x lost its write", ci, off)
				}
				if _, s := syscalls.VmoRead(ctx, p, root, buf, off); s != status.OK {
					return statusErr("root read", s)
				}
				if !bytes.Equal(buf, rootPage) {
					return fmt.Errorf("root page %#x changed by clone %d", off, ci)
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	log.Debugf("Tree %q finished with %d clones", rootFill, len(clones))
	return nil
}
