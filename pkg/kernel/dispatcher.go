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
	"context"
	"fmt"

	"github.com/vmokit/vmo/pkg/refs"
	"github.com/vmokit/vmo/pkg/vm"
)

// VMODispatcher is the kernel object behind VMO handles. Every handle to the
// VMO holds a reference on the dispatcher, and the dispatcher holds one
// reference on the object.
type VMODispatcher struct {
	refs.Refs[VMODispatcher]

	obj vm.Object
}

// NewVMODispatcher takes ownership of the caller's reference on obj.
func NewVMODispatcher(obj vm.Object) *VMODispatcher {
	d := &VMODispatcher{obj: obj}
	d.InitRefs()
	return d
}

// VMO returns the dispatched object.
func (d *VMODispatcher) VMO() vm.Object {
	return d.obj
}

// String implements fmt.Stringer.String.
func (d *VMODispatcher) String() string {
	return fmt.Sprintf("VMODispatcher{vmo: %d}", d.obj.ID())
}

// DecRef drops a reference. The last reference releases the object.
func (d *VMODispatcher) DecRef(ctx context.Context) {
	d.Refs.DecRef(func() {
		d.obj.DecRef(ctx)
	})
}
