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
	"context"
	"fmt"
	"io"
	"sort"
	"strconv"
	"sync"
)

// DebugCommand is a diagnostic command. args excludes the command name.
type DebugCommand struct {
	// Name is the command name.
	Name string

	// Usage is a one-line description of the arguments.
	Usage string

	// Run executes the command, writing its output to w.
	Run func(ctx context.Context, w io.Writer, args []string) error
}

// debugCommands is the process-wide command table. Entries are added at init
// and never removed.
var debugCommands = struct {
	mu sync.RWMutex
	m  map[string]DebugCommand
}{m: make(map[string]DebugCommand)}

// RegisterDebugCommand adds cmd to the command table.
func RegisterDebugCommand(cmd DebugCommand) {
	debugCommands.mu.Lock()
	defer debugCommands.mu.Unlock()
	if _, ok := debugCommands.m[cmd.Name]; ok {
		panic(fmt.Sprintf("debug command %q registered twice", cmd.Name))
	}
	debugCommands.m[cmd.Name] = cmd
}

// DebugCommands returns the registered commands sorted by name.
func DebugCommands() []DebugCommand {
	debugCommands.mu.RLock()
	defer debugCommands.mu.RUnlock()
	cmds := make([]DebugCommand, 0, len(debugCommands.m))
	for _, cmd := range debugCommands.m {
		cmds = append(cmds, cmd)
	}
	sort.Slice(cmds, func(i, j int) bool { return cmds[i].Name < cmds[j].Name })
	return cmds
}

// RunDebugCommand runs the named command.
func RunDebugCommand(ctx context.Context, w io.Writer, name string, args []string) error {
	debugCommands.mu.RLock()
	cmd, ok := debugCommands.m[name]
	debugCommands.mu.RUnlock()
	if !ok {
		return fmt.Errorf("unknown debug command %q", name)
	}
	return cmd.Run(ctx, w, args)
}

func init() {
	RegisterDebugCommand(DebugCommand{
		Name:  "vm_object",
		Usage: "list | dump <id> | dump_pages <id>",
		Run:   vmObjectCommand,
	})
}

func vmObjectCommand(ctx context.Context, w io.Writer, args []string) error {
	if len(args) == 1 && args[0] == "list" {
		ids := LiveIDs()
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
		for _, id := range ids {
			fmt.Fprintf(w, "%d\n", id)
		}
		return nil
	}
	if len(args) != 2 {
		return fmt.Errorf("usage: vm_object list | dump <id> | dump_pages <id>")
	}
	var pages bool
	switch args[0] {
	case "dump":
	case "dump_pages":
		pages = true
	default:
		return fmt.Errorf("unknown vm_object subcommand %q", args[0])
	}
	id, err := strconv.ParseUint(args[1], 0, 64)
	if err != nil {
		return fmt.Errorf("invalid object id %q: %w", args[1], err)
	}
	o := Find(id)
	if o == nil {
		return fmt.Errorf("no object with id %d", id)
	}
	defer o.DecRef(ctx)
	o.Dump(w, pages)
	return nil
}
