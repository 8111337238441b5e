// Copyright 2018 The gVisor Authors.
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

package hostarch

import (
	"math"
	"testing"
)

func TestRoundUp(t *testing.T) {
	for _, tc := range []struct {
		in     Addr
		want   Addr
		wantOK bool
	}{
		{in: 0, want: 0, wantOK: true},
		{in: 1, want: PageSize, wantOK: true},
		{in: PageSize, want: PageSize, wantOK: true},
		{in: PageSize + 1, want: 2 * PageSize, wantOK: true},
		{in: math.MaxUint64, want: 0, wantOK: false},
	} {
		got, ok := tc.in.RoundUp()
		if ok != tc.wantOK || (ok && got != tc.want) {
			t.Errorf("Addr(%#x).RoundUp() = (%#x, %t), want (%#x, %t)", uint64(tc.in), uint64(got), ok, uint64(tc.want), tc.wantOK)
		}
	}
}

func TestAddLength(t *testing.T) {
	if _, ok := Addr(math.MaxUint64 - 1).AddLength(2); ok {
		t.Errorf("AddLength overflow not detected")
	}
	if end, ok := Addr(PageSize).AddLength(PageSize); !ok || end != 2*PageSize {
		t.Errorf("AddLength(PageSize) = (%v, %t)", end, ok)
	}
}

func TestAddrRange(t *testing.T) {
	r := AddrRange{PageSize, 3 * PageSize}
	if got := r.Length(); got != 2*PageSize {
		t.Errorf("Length() = %d", got)
	}
	if !r.Contains(PageSize) || r.Contains(3*PageSize) {
		t.Errorf("Contains is not half-open")
	}
	if r.Overlaps(AddrRange{3 * PageSize, 4 * PageSize}) {
		t.Errorf("adjacent ranges overlap")
	}
	if got := r.Intersect(AddrRange{2 * PageSize, 8 * PageSize}); got != (AddrRange{2 * PageSize, 3 * PageSize}) {
		t.Errorf("Intersect() = %v", got)
	}
	if got := r.Intersect(AddrRange{8 * PageSize, 9 * PageSize}); got.Length() != 0 {
		t.Errorf("disjoint Intersect() = %v", got)
	}
	if !r.IsPageAligned() || (AddrRange{1, PageSize}).IsPageAligned() {
		t.Errorf("IsPageAligned wrong")
	}
}

func TestParseMemoryType(t *testing.T) {
	for mt := MemoryType(0); mt < NumMemoryTypes; mt++ {
		for _, s := range []string{mt.String(), mt.ShortString()} {
			got, err := ParseMemoryType(s)
			if err != nil || got != mt {
				t.Errorf("ParseMemoryType(%q) = (%v, %v), want %v", s, got, err, mt)
			}
		}
	}
	if _, err := ParseMemoryType("bogus"); err == nil {
		t.Errorf("ParseMemoryType(bogus) succeeded")
	}
}
