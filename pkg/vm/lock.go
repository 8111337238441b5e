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
	"sync"

	"github.com/vmokit/vmo/pkg/refs"
)

// TreeLock is the mutex shared by every object in a clone tree. A root object
// allocates one; each clone takes a reference on its parent's instance, and
// the last member of the tree to be destroyed releases it.
type TreeLock struct {
	refs.Refs[TreeLock]
	mu sync.Mutex
}

func newTreeLock() *TreeLock {
	l := &TreeLock{}
	l.InitRefs()
	return l
}

// Lock locks l.
func (l *TreeLock) Lock() {
	l.mu.Lock()
}

// Unlock unlocks l.
func (l *TreeLock) Unlock() {
	l.mu.Unlock()
}

// AssertLocked panics if l is not held. It cannot tell which goroutine holds
// the lock.
func (l *TreeLock) AssertLocked() {
	if l.mu.TryLock() {
		l.mu.Unlock()
		panic("vm: tree lock not held")
	}
}

// DecRef drops a reference on l.
func (l *TreeLock) DecRef() {
	l.Refs.DecRef(nil)
}
