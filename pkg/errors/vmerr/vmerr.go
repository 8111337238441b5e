// Copyright 2021 The gVisor Authors.
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

// Package vmerr contains VMO status codes exported as error interface
// pointers. This allows for fast comparison and return operations comparable
// to status.Status constants.
package vmerr

import (
	"fmt"

	"github.com/vmokit/vmo/pkg/abi/status"
	"github.com/vmokit/vmo/pkg/errors"
)

// The following errors are semantically identical to the status.Status of the
// same name. The Status method of each returns that value, so translation to
// a syscall return is a field read.
var (
	noError *errors.Error = nil

	ErrInternal       = errors.New(status.Internal, "internal error")
	ErrNotSupported   = errors.New(status.NotSupported, "operation not supported")
	ErrNoMemory       = errors.New(status.NoMemory, "out of memory")
	ErrInvalidArgs    = errors.New(status.InvalidArgs, "invalid arguments")
	ErrBadHandle      = errors.New(status.BadHandle, "bad handle")
	ErrOutOfRange     = errors.New(status.OutOfRange, "out of range")
	ErrBufferTooSmall = errors.New(status.BufferTooSmall, "buffer too small")
	ErrBadState       = errors.New(status.BadState, "bad state")
	ErrAlreadyExists  = errors.New(status.AlreadyExists, "already exists")
	ErrAccessDenied   = errors.New(status.AccessDenied, "access denied")
)

var errorMap = map[status.Status]*errors.Error{
	status.OK:             noError,
	status.Internal:       ErrInternal,
	status.NotSupported:   ErrNotSupported,
	status.NoMemory:       ErrNoMemory,
	status.InvalidArgs:    ErrInvalidArgs,
	status.BadHandle:      ErrBadHandle,
	status.OutOfRange:     ErrOutOfRange,
	status.BufferTooSmall: ErrBufferTooSmall,
	status.BadState:       ErrBadState,
	status.AlreadyExists:  ErrAlreadyExists,
	status.AccessDenied:   ErrAccessDenied,
}

// FromStatus returns the *errors.Error for s, or nil for status.OK.
func FromStatus(s status.Status) *errors.Error {
	e, ok := errorMap[s]
	if !ok {
		panic(fmt.Sprintf("invalid error requested with status: %v", s))
	}
	return e
}

// ToError converts a vmerr to an error type.
func ToError(err *errors.Error) error {
	if err == noError {
		return nil
	}
	return err
}

// Equals compares a vmerr to a given error.
func Equals(e *errors.Error, err error) bool {
	if e == noError || err == nil {
		return e == noError && err == nil
	}
	return errors.StatusOf(err) == e.Status()
}
