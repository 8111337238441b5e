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

package kernel

import (
	"fmt"
	"strings"
)

// Rights is a set of operations a handle permits on its object.
type Rights uint32

// Rights bits.
const (
	RightDuplicate Rights = 1 << iota
	RightTransfer
	RightRead
	RightWrite
	RightExecute
	RightMap
	RightGetProperty
	RightSetProperty

	RightNone Rights = 0
)

// DefaultVMORights are the rights of a handle returned by VMO creation.
const DefaultVMORights = RightDuplicate | RightTransfer | RightRead | RightWrite | RightExecute | RightMap | RightGetProperty | RightSetProperty

var rightNames = []struct {
	r    Rights
	name string
}{
	{RightDuplicate, "duplicate"},
	{RightTransfer, "transfer"},
	{RightRead, "read"},
	{RightWrite, "write"},
	{RightExecute, "execute"},
	{RightMap, "map"},
	{RightGetProperty, "get_property"},
	{RightSetProperty, "set_property"},
}

// HasAll returns true if r includes every right in want.
func (r Rights) HasAll(want Rights) bool {
	return r&want == want
}

// String implements fmt.Stringer.String.
func (r Rights) String() string {
	if r == RightNone {
		return "none"
	}
	var names []string
	for _, rn := range rightNames {
		if r&rn.r != 0 {
			names = append(names, rn.name)
		}
	}
	return strings.Join(names, "|")
}

// ParseRights returns the set of rights with the given names, as printed by
// Rights.String.
func ParseRights(names []string) (Rights, error) {
	var r Rights
	for _, name := range names {
		found := false
		for _, rn := range rightNames {
			if rn.name == name {
				r |= rn.r
				found = true
				break
			}
		}
		if !found {
			return RightNone, fmt.Errorf("unknown right %q", name)
		}
	}
	return r, nil
}
