// Copyright 2015 The Govisor Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use file except in compliance with the License.
// You may obtain a copy of the license at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package deputy

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"
)

func TestLoadConfig(t *testing.T) {
	Convey("A missing path yields a zero Config", t, func() {
		cfg, err := LoadConfig("")
		So(err, ShouldBeNil)
		So(cfg.DeputyID, ShouldEqual, "")

		cfg, err = LoadConfig(filepath.Join(t.TempDir(), "does-not-exist.toml"))
		So(err, ShouldBeNil)
		So(cfg.DeputyID, ShouldEqual, "")
	})

	Convey("A valid TOML file is decoded field by field", t, func() {
		dir := t.TempDir()
		path := filepath.Join(dir, "deputy.toml")
		body := `
deputy_id = "dep1"
bus_addr = "udp://239.255.76.67:7667"
log_file = "/var/log/deputy.log"
verbose = true
bin_path = "/opt/deputy/bin"
`
		So(os.WriteFile(path, []byte(body), 0644), ShouldBeNil)

		cfg, err := LoadConfig(path)
		So(err, ShouldBeNil)
		So(cfg.DeputyID, ShouldEqual, "dep1")
		So(cfg.BusAddr, ShouldEqual, "udp://239.255.76.67:7667")
		So(cfg.Verbose, ShouldBeTrue)
		So(cfg.BinPath, ShouldEqual, "/opt/deputy/bin")
	})

	Convey("Malformed TOML surfaces a decode error", t, func() {
		dir := t.TempDir()
		path := filepath.Join(dir, "bad.toml")
		So(os.WriteFile(path, []byte("not = [valid"), 0644), ShouldBeNil)

		_, err := LoadConfig(path)
		So(err, ShouldNotBeNil)
	})
}

func TestConfigWatcherHotReload(t *testing.T) {
	Convey("Changing verbose triggers onChange but not onIdentityChange", t, func() {
		dir := t.TempDir()
		path := filepath.Join(dir, "deputy.toml")
		So(os.WriteFile(path, []byte(`deputy_id = "dep1"
verbose = false
`), 0644), ShouldBeNil)

		changed := make(chan bool, 1)
		identity := make(chan string, 1)

		w := NewConfigWatcher(path, Config{DeputyID: "dep1", Verbose: false},
			func(verbose bool, logFile string) { changed <- verbose },
			func(field, old, new string) { identity <- field },
		)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go w.Run(ctx)

		time.Sleep(50 * time.Millisecond)
		So(os.WriteFile(path, []byte(`deputy_id = "dep1"
verbose = true
`), 0644), ShouldBeNil)

		select {
		case v := <-changed:
			So(v, ShouldBeTrue)
		case <-time.After(2 * time.Second):
			t.Fatal("onChange was not called after config write")
		}

		select {
		case <-identity:
			t.Fatal("onIdentityChange fired for a non-identity field")
		default:
		}
	})
}
