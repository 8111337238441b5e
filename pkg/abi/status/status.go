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

// Package status holds the status codes returned by VMO system calls.
package status

import "fmt"

// Status is the value returned to user code by a system call. OK is zero and
// every failure is negative.
type Status int32

// Status codes. The set is closed: new failures must map onto one of these.
const (
	OK             Status = 0
	Internal       Status = -1
	NotSupported   Status = -2
	NoMemory       Status = -4
	InvalidArgs    Status = -10
	BadHandle      Status = -11
	OutOfRange     Status = -14
	BufferTooSmall Status = -15
	BadState       Status = -20
	AlreadyExists  Status = -26
	AccessDenied   Status = -30
)

var names = map[Status]string{
	OK:             "OK",
	Internal:       "ERR_INTERNAL",
	NotSupported:   "ERR_NOT_SUPPORTED",
	NoMemory:       "ERR_NO_MEMORY",
	InvalidArgs:    "ERR_INVALID_ARGS",
	BadHandle:      "ERR_BAD_HANDLE",
	OutOfRange:     "ERR_OUT_OF_RANGE",
	BufferTooSmall: "ERR_BUFFER_TOO_SMALL",
	BadState:       "ERR_BAD_STATE",
	AlreadyExists:  "ERR_ALREADY_EXISTS",
	AccessDenied:   "ERR_ACCESS_DENIED",
}

// String implements fmt.Stringer.String.
func (s Status) String() string {
	if n, ok := names[s]; ok {
		return n
	}
	return fmt.Sprintf("Status(%d)", int32(s))
}

// Ok returns true if s is OK.
func (s Status) Ok() bool {
	return s == OK
}
