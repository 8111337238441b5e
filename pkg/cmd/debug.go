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
	"context"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/google/subcommands"

	"github.com/vmokit/vmo/pkg/config"
	"github.com/vmokit/vmo/pkg/refs"
	"github.com/vmokit/vmo/pkg/vm"
)

// Debug implements subcommands.Command for the "debug" command.
type Debug struct {
	script string
	list   bool
}

// Name implements subcommands.Command.
func (*Debug) Name() string {
	return "debug"
}

// Synopsis implements subcommands.Command.
func (*Debug) Synopsis() string {
	return "runs a VM debug command, optionally after a script"
}

// Usage implements subcommands.Command.
func (*Debug) Usage() string {
	return `debug [flags] <command> [args...]

Objects only live as long as vmoctl runs, so -script can be used to create
some before the command runs.
`
}

// SetFlags implements subcommands.Command.
func (d *Debug) SetFlags(f *flag.FlagSet) {
	f.StringVar(&d.script, "script", "", "YAML script to run before the command.")
	f.BoolVar(&d.list, "list", false, "lists the debug commands.")
}

// Execute implements subcommands.Command.Execute.
func (d *Debug) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if d.list {
		for _, c := range vm.DebugCommands() {
			fmt.Fprintf(os.Stdout, "%s %s\n", c.Name, c.Usage)
		}
		return subcommands.ExitSuccess
	}
	if f.NArg() < 1 {
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

	if d.script != "" {
		in, err := os.Open(d.script)
		if err != nil {
			Fatalf("error opening script: %v", err)
		}
		prog, err := LoadProgram(in)
		in.Close()
		if err != nil {
			Fatalf("%v", err)
		}
		if err := prog.Run(ctx, p, os.Stdout); err != nil {
			Fatalf("%s: %v", d.script, err)
		}
	}

	if err := vm.RunDebugCommand(ctx, os.Stdout, f.Arg(0), f.Args()[1:]); err != nil {
		Fatalf("%v", err)
	}
	return subcommands.ExitSuccess
}

func init() {
	vm.RegisterDebugCommand(vm.DebugCommand{
		Name:  "refs",
		Usage: "live",
		Run: func(ctx context.Context, w io.Writer, args []string) error {
			if len(args) != 1 || args[0] != "live" {
				return fmt.Errorf("usage: refs live")
			}
			for _, obj := range refs.LiveObjects() {
				fmt.Fprintln(w, obj)
			}
			return nil
		},
	})
}
