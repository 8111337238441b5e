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

// Package config provides basic infrastructure to set configuration settings
// for vmoctl. Each setting is a flag and may also be read from a TOML file.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/vmokit/vmo/pkg/hostarch"
	"github.com/vmokit/vmo/pkg/log"
	"github.com/vmokit/vmo/pkg/pgalloc"
	"github.com/vmokit/vmo/pkg/refs"
)

// Config holds configuration that is not part of any single command.
//
// Follow these steps to add a new flag:
//  1. Create a new field in Config.
//  2. Add a field tag with the flag name and a toml tag with its file key.
//  3. Register the flag in RegisterFlags().
//  4. Add any necessary validation into validate().
type Config struct {
	// ConfigFile is the path of a TOML file holding settings. Flags set on
	// the command line take precedence over the file.
	ConfigFile string `flag:"config" toml:"-"`

	// Pages is the number of frames in the page allocator, including the
	// shared zero page.
	Pages uint64 `flag:"pages" toml:"pages"`

	// PhysBase is the physical address of the first frame.
	PhysBase uint64 `flag:"phys-base" toml:"phys_base"`

	// AllocTimeout is how long a page allocation waits for frames to be
	// freed before failing. Zero fails immediately.
	AllocTimeout time.Duration `flag:"alloc-timeout" toml:"alloc_timeout"`

	// MaxHandles bounds each process's handle table.
	MaxHandles uint `flag:"max-handles" toml:"max_handles"`

	// Debug indicates that debug logging should be enabled.
	Debug bool `flag:"debug" toml:"debug"`

	// LogFormat is the log format: text, json or json-k8s.
	LogFormat string `flag:"log-format" toml:"log_format"`

	// LogFile is where logs are written. It may contain %TIMESTAMP% and
	// %COMMAND% variables. Empty means stderr.
	LogFile string `flag:"log" toml:"log"`

	// AlsoLogToStderr copies log messages to stderr when LogFile is set.
	AlsoLogToStderr bool `flag:"alsologtostderr" toml:"alsologtostderr"`

	// LeakCheck sets the reference leak check mode.
	LeakCheck refs.LeakMode `flag:"ref-leak-mode" toml:"ref_leak_mode"`

	// RefLog is a comma separated list of reference-counted types, such as
	// "vm.Paged", whose reference events are logged. It requires LeakCheck.
	RefLog string `flag:"ref-log" toml:"ref_log"`
}

func (c *Config) validate() error {
	switch c.LogFormat {
	case "text", "json", "json-k8s":
	default:
		return fmt.Errorf("invalid log format %q, must be text, json or json-k8s", c.LogFormat)
	}
	if c.Pages < 2 {
		return fmt.Errorf("pages must be at least 2, got %d", c.Pages)
	}
	if !hostarch.Addr(c.PhysBase).IsPageAligned() {
		return fmt.Errorf("phys-base %#x is not page aligned", c.PhysBase)
	}
	if c.MaxHandles == 0 || c.MaxHandles > 1<<20 {
		return fmt.Errorf("max-handles must be in [1, %d], got %d", 1<<20, c.MaxHandles)
	}
	if c.RefLog != "" && c.LeakCheck == refs.NoLeakChecking {
		return fmt.Errorf("ref-log %q requires a ref-leak-mode other than disabled", c.RefLog)
	}
	if c.AllocTimeout < 0 {
		return fmt.Errorf("alloc-timeout must not be negative, got %v", c.AllocTimeout)
	}
	return nil
}

// MemoryFileOpts returns the page allocator options c describes.
func (c *Config) MemoryFileOpts() pgalloc.MemoryFileOpts {
	return pgalloc.MemoryFileOpts{
		Pages:        c.Pages,
		PhysBase:     c.PhysBase,
		AllocTimeout: c.AllocTimeout,
	}
}

// Log logs important aspects of the configuration to the given log function.
func (c *Config) Log() {
	log.Infof("Config.Pages: %d (%d bytes)", c.Pages, c.Pages*hostarch.PageSize)
	log.Infof("Config.PhysBase: %#x", c.PhysBase)
	log.Infof("Config.AllocTimeout: %v", c.AllocTimeout)
	log.Infof("Config.MaxHandles: %d", c.MaxHandles)
	log.Infof("Config.Debug: %t", c.Debug)
	log.Infof("Config.LogFormat: %s", c.LogFormat)
	log.Infof("Config.LogFile: %q (alsologtostderr: %t)", c.LogFile, c.AlsoLogToStderr)
	log.Infof("Config.LeakCheck: %v", c.LeakCheck)
	if c.RefLog != "" {
		log.Infof("Config.RefLog: %v", c.RefLogTypes())
	}
}

// RefLogTypes returns the types named by RefLog.
func (c *Config) RefLogTypes() []string {
	var types []string
	for _, t := range strings.Split(c.RefLog, ",") {
		if t = strings.TrimSpace(t); t != "" {
			types = append(types, t)
		}
	}
	return types
}

// LogFileOpts substitutes variables in a log file pattern. It implements
// log.FileOpts.
type LogFileOpts struct {
	// Command replaces %COMMAND%.
	Command string

	// Time replaces %TIMESTAMP%.
	Time time.Time
}

// Build implements log.FileOpts.Build. A pattern ending in '/' names a
// directory that receives a file with a default name.
func (o LogFileOpts) Build(logPattern string) string {
	if strings.HasSuffix(logPattern, "/") {
		logPattern += "vmoctl.log.%TIMESTAMP%.%COMMAND%.txt"
	}
	logPattern = strings.ReplaceAll(logPattern, "%TIMESTAMP%", o.Time.Format("20060102-150405.000000"))
	return strings.ReplaceAll(logPattern, "%COMMAND%", o.Command)
}

var _ log.FileOpts = LogFileOpts{}
