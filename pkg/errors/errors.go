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

// Package errors holds the standardized error definition for VM objects and
// their system calls.
package errors

import (
	goerrors "errors"

	"github.com/vmokit/vmo/pkg/abi/status"
)

// Error represents a status code with a descriptive message.
type Error struct {
	status  status.Status
	message string
}

// New creates a new *Error.
//
// New should only be called at init; errors are compared by identity.
func New(s status.Status, message string) *Error {
	if s == status.OK {
		panic("errors.New called with status OK")
	}
	return &Error{
		status:  s,
		message: message,
	}
}

// Error implements error.Error.
func (e *Error) Error() string { return e.message }

// Status returns the underlying status.Status value.
func (e *Error) Status() status.Status { return e.status }

// StatusOf translates err into the status returned to user code. nil is OK.
// Errors that carry no status, including wrapped foreign errors, are reported
// as status.Internal since they indicate a kernel bug.
func StatusOf(err error) status.Status {
	if err == nil {
		return status.OK
	}
	var e *Error
	if goerrors.As(err, &e) {
		return e.status
	}
	return status.Internal
}
