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

// Package hostarch contains the page-size and address arithmetic shared by
// VM objects, the page allocator and address spaces.
package hostarch

const (
	// PageShift is the binary log of the page size used for VM objects. It
	// is a property of the VM object ABI and does not follow the host.
	PageShift = 12

	// PageSize is the page size used for VM objects.
	PageSize = 1 << PageShift
)
