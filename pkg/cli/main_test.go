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

package cli

import (
	"bytes"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/subcommands"

	"github.com/vmokit/vmo/pkg/log"
)

func TestCommands(t *testing.T) {
	var names []string
	forEachCmd(func(cmd subcommands.Command, group string) {
		names = append(names, cmd.Name())
	})
	sort.Strings(names)
	want := []string{"commands", "debug", "demo", "flags", "help", "script", "stress"}
	if diff := cmp.Diff(want, names); diff != "" {
		t.Errorf("commands mismatch (-want +got):\n%s", diff)
	}
}

func TestNewEmitter(t *testing.T) {
	ts := time.Date(2026, 5, 7, 13, 4, 5, 0, time.UTC)
	for _, tc := range []struct {
		format string
		want   string
	}{
		{format: "text", want: "I0507 13:04:05.000000"},
		{format: "json", want: `"msg":"main_test.go:`},
		{format: "json-k8s", want: `"log":"main_test.go:`},
	} {
		t.Run(tc.format, func(t *testing.T) {
			var buf bytes.Buffer
			newEmitter(tc.format, &buf).Emit(0, log.Info, ts, "hello")
			if !strings.Contains(buf.String(), tc.want) {
				t.Errorf("Emit wrote %q, want it to contain %q", buf.String(), tc.want)
			}
		})
	}
}

func TestMultiEmitter(t *testing.T) {
	var file, stderr bytes.Buffer
	e := &log.MultiEmitter{newEmitter("json", &file), newEmitter("text", &stderr)}
	e.Emit(0, log.Warning, time.Now(), "frames exhausted")
	if !strings.Contains(file.String(), `"level":"warning"`) {
		t.Errorf("json output %q missing level", file.String())
	}
	if !strings.HasPrefix(stderr.String(), "W") || !strings.HasSuffix(stderr.String(), "] frames exhausted\n") {
		t.Errorf("text output got %q", stderr.String())
	}
}
