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

// Package cmd holds implementations of the vmoctl commands.
package cmd

import (
	"fmt"
	"io"
	"os"

	"github.com/vmokit/vmo/pkg/config"
	"github.com/vmokit/vmo/pkg/kernel"
	"github.com/vmokit/vmo/pkg/log"
	"github.com/vmokit/vmo/pkg/pgalloc"
)

// ErrorLogger is where error messages should be written to. These messages
// are consumed by the user in addition to the log.
var ErrorLogger io.Writer = os.Stderr

// Fatalf logs to stderr and exits with a failure status code.
func Fatalf(format string, args ...any) {
	fmt.Fprintf(ErrorLogger, "vmoctl: "+format+"\n", args...)
	log.Warningf("FATAL ERROR: "+format, args...)
	os.Exit(128)
}

// newKernel creates a kernel backed by a memory file configured by conf.
// The returned function destroys the memory file.
func newKernel(conf *config.Config) (*kernel.Kernel, func(), error) {
	mf, err := pgalloc.NewMemoryFile(conf.MemoryFileOpts())
	if err != nil {
		return nil, nil, fmt.Errorf("creating memory file: %w", err)
	}
	k, err := kernel.New(kernel.KernelOpts{
		MemoryFile: mf,
		MaxHandles: uint32(conf.MaxHandles),
	})
	if err != nil {
		mf.Destroy()
		return nil, nil, err
	}
	log.Infof("Memory file: %v", mf)
	return k, mf.Destroy, nil
}
