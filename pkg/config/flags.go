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

package config

import (
	"flag"
	"fmt"
	"reflect"
	"strconv"

	"github.com/BurntSushi/toml"

	"github.com/vmokit/vmo/pkg/kernel"
	"github.com/vmokit/vmo/pkg/refs"
)

// RegisterFlags registers flags used to populate Config.
func RegisterFlags(flagSet *flag.FlagSet) {
	flagSet.String("config", "", "path to a TOML file with settings. Flags set on the command line override it.")

	// Page allocator flags.
	flagSet.Uint64("pages", 4096, "number of page frames available to VMOs, including the shared zero page.")
	flagSet.Uint64("phys-base", 0x80000000, "physical address of the first page frame.")
	flagSet.Duration("alloc-timeout", 0, "how long a page allocation waits for frames to be freed. Zero fails immediately.")

	// Kernel flags.
	flagSet.Uint("max-handles", kernel.DefaultMaxHandles, "maximum number of handles per process.")

	// Debugging flags.
	flagSet.Bool("debug", false, "enable debug logging.")
	flagSet.String("log-format", "text", "log format: text (default), json, or json-k8s.")
	flagSet.String("log", "", "file path where logs are written, default is stderr. If it ends with '/', log files are created inside the directory with default names. The following variables are available: %TIMESTAMP%, %COMMAND%.")
	flagSet.Bool("alsologtostderr", false, "send log messages to stderr as well as the log file.")
	leakMode := refs.NoLeakChecking
	flagSet.Var(&leakMode, "ref-leak-mode", "sets reference leak check mode: disabled (default), log-names, panic.")
	flagSet.String("ref-log", "", "comma separated reference-counted types, e.g. vm.Paged, whose reference events are logged. Requires --ref-leak-mode.")
}

// NewFromFlags creates a new Config with values coming from command line
// flags and, if --config is set, from the named TOML file.
func NewFromFlags(flagSet *flag.FlagSet) (*Config, error) {
	conf := &Config{}
	if err := setFromFlags(conf, flagSet, flagSet.VisitAll); err != nil {
		return nil, err
	}

	if conf.ConfigFile != "" {
		md, err := toml.DecodeFile(conf.ConfigFile, conf)
		if err != nil {
			return nil, fmt.Errorf("error reading config file %q: %w", conf.ConfigFile, err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			return nil, fmt.Errorf("unknown keys in config file %q: %v", conf.ConfigFile, undecoded)
		}
		// Explicit flags win over the file.
		if err := setFromFlags(conf, flagSet, flagSet.Visit); err != nil {
			return nil, err
		}
	}

	if err := conf.validate(); err != nil {
		return nil, err
	}
	return conf, nil
}

// setFromFlags copies the value of every flag reached by visit into the
// Config field tagged with its name.
func setFromFlags(conf *Config, flagSet *flag.FlagSet, visit func(func(*flag.Flag))) error {
	fields := make(map[string]int)
	obj := reflect.ValueOf(conf).Elem()
	st := obj.Type()
	for i := 0; i < st.NumField(); i++ {
		name, ok := st.Field(i).Tag.Lookup("flag")
		if !ok {
			// No flag set for this field.
			continue
		}
		if flagSet.Lookup(name) == nil {
			panic(fmt.Sprintf("Flag %q not found", name))
		}
		fields[name] = i
	}

	var err error
	visit(func(fl *flag.Flag) {
		i, ok := fields[fl.Name]
		if !ok || err != nil {
			return
		}
		getter, ok := fl.Value.(flag.Getter)
		if !ok {
			err = fmt.Errorf("flag %q has no getter", fl.Name)
			return
		}
		x := reflect.ValueOf(getter.Get())
		if !x.Type().AssignableTo(obj.Field(i).Type()) {
			err = fmt.Errorf("flag %q of type %v cannot set field of type %v", fl.Name, x.Type(), obj.Field(i).Type())
			return
		}
		obj.Field(i).Set(x)
	})
	return err
}

// ToFlags returns a slice of flags that correspond to the given Config.
// Settings equal to their default produce no flag.
func (c *Config) ToFlags() []string {
	var rv []string

	// Construct a temporary set for default plumbing.
	flagSet := flag.NewFlagSet("tmp", flag.ContinueOnError)
	RegisterFlags(flagSet)

	obj := reflect.ValueOf(c).Elem()
	st := obj.Type()
	for i := 0; i < st.NumField(); i++ {
		name, ok := st.Field(i).Tag.Lookup("flag")
		if !ok {
			// No flag set for this field.
			continue
		}
		val := getVal(obj.Field(i))

		fl := flagSet.Lookup(name)
		if fl == nil {
			panic(fmt.Sprintf("Flag %q not found", name))
		}
		if val == fl.DefValue {
			continue
		}
		rv = append(rv, fmt.Sprintf("--%s=%s", fl.Name, val))
	}
	return rv
}

func getVal(field reflect.Value) string {
	if str, ok := field.Addr().Interface().(fmt.Stringer); ok {
		return str.String()
	}
	switch field.Kind() {
	case reflect.Bool:
		return strconv.FormatBool(field.Bool())
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return strconv.FormatInt(field.Int(), 10)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return strconv.FormatUint(field.Uint(), 10)
	case reflect.String:
		return field.String()
	default:
		panic("unknown type " + field.Kind().String())
	}
}
