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

package log

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestLevelJSON(t *testing.T) {
	for _, tc := range []struct {
		in   string
		want Level
	}{
		{in: `"warning"`, want: Warning},
		{in: `"info"`, want: Info},
		{in: `"debug"`, want: Debug},
		{in: `0`, want: Warning},
		{in: `1`, want: Info},
		{in: `2`, want: Debug},
	} {
		var lv Level
		if err := lv.UnmarshalJSON([]byte(tc.in)); err != nil {
			t.Errorf("UnmarshalJSON(%s) failed: %v", tc.in, err)
			continue
		}
		if lv != tc.want {
			t.Errorf("UnmarshalJSON(%s) got %v want %v", tc.in, lv, tc.want)
		}
		b, err := lv.MarshalJSON()
		if err != nil {
			t.Errorf("MarshalJSON(%v) failed: %v", lv, err)
			continue
		}
		var back Level
		if err := back.UnmarshalJSON(b); err != nil || back != lv {
			t.Errorf("UnmarshalJSON(%s) got %v, %v want %v", b, back, err, lv)
		}
	}

	for _, bad := range []string{`3`, `"fatal"`, `[]`} {
		var lv Level
		if err := lv.UnmarshalJSON([]byte(bad)); err == nil {
			t.Errorf("UnmarshalJSON(%s) succeeded, want error", bad)
		}
	}
	if _, err := Level(7).MarshalJSON(); err == nil {
		t.Errorf("MarshalJSON(7) succeeded, want error")
	}
}

func TestJSONEmitters(t *testing.T) {
	ts := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	for _, tc := range []struct {
		name string
		emit func(w *Writer) Emitter
		key  string
	}{
		{name: "json", emit: func(w *Writer) Emitter { return JSONEmitter{w} }, key: "msg"},
		{name: "k8s", emit: func(w *Writer) Emitter { return K8sJSONEmitter{w} }, key: "log"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			var buf bytes.Buffer
			tc.emit(&Writer{Next: &buf}).Emit(0, Warning, ts, "vmo %d", 7)

			var got map[string]any
			if err := json.Unmarshal(buf.Bytes(), &got); err != nil {
				t.Fatalf("output %q is not json: %v", buf.String(), err)
			}
			line, _ := got[tc.key].(string)
			if !strings.HasPrefix(line, "json_test.go:") || !strings.HasSuffix(line, "] vmo 7") {
				t.Errorf("%s got %q, want caller prefix and message", tc.key, line)
			}
			if got["level"] != "warning" {
				t.Errorf("level got %v want warning", got["level"])
			}
			if len(got) != 3 {
				t.Errorf("got fields %v, want %s, level and time", got, tc.key)
			}
		})
	}
}
