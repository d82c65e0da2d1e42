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
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/fsnotify/fsnotify"
)

// Config holds everything cmd/deputyd needs to start a deputy. Fields
// tagged toml can come from a config file; command-line flags override
// them afterward.
type Config struct {
	DeputyID string `toml:"deputy_id"`
	BusAddr  string `toml:"bus_addr"`
	LogFile  string `toml:"log_file"`
	Verbose  bool   `toml:"verbose"`
	BinPath  string `toml:"bin_path"`
}

// LoadConfig decodes a TOML config file. A missing path is not an error;
// it just yields a zero Config for flags to fill in entirely.
func LoadConfig(path string) (*Config, error) {
	cfg := &Config{}
	if path == "" {
		return cfg, nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("decoding config %s: %w", path, err)
	}
	return cfg, nil
}

// ConfigWatcher watches a config file's directory and, after the file is
// written, calls onChange with the freshly decoded values of the fields
// that are safe to hot-apply (verbose, log_file) when either of them
// changed.
// DeputyID and BusAddr changes are reported through onIdentityChange
// instead, since identity and transport must not change under a live
// deputy.
type ConfigWatcher struct {
	path             string
	onChange         func(verbose bool, logFile string)
	onIdentityChange func(field, old, new string)

	mu   sync.Mutex
	last Config
}

const configWatchDebounce = 250 * time.Millisecond

// NewConfigWatcher builds a watcher seeded with the config already in
// effect, so the first observed write can be diffed against it.
func NewConfigWatcher(path string, seed Config, onChange func(verbose bool, logFile string), onIdentityChange func(field, old, new string)) *ConfigWatcher {
	return &ConfigWatcher{
		path:             path,
		onChange:         onChange,
		onIdentityChange: onIdentityChange,
		last:             seed,
	}
}

// Run watches until ctx is cancelled. It never returns an error for a
// missing config file; there is simply nothing to watch.
func (w *ConfigWatcher) Run(ctx context.Context) error {
	if w.path == "" {
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	dir := filepath.Dir(w.path)
	if err := watcher.Add(dir); err != nil {
		return err
	}

	var debounce *time.Timer
	for {
		select {
		case <-ctx.Done():
			if debounce != nil {
				debounce.Stop()
			}
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != filepath.Clean(w.path) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(configWatchDebounce, w.reload)
		case <-watcher.Errors:
			// best-effort watcher; a transient stat error just skips this tick
		}
	}
}

func (w *ConfigWatcher) reload() {
	cfg, err := LoadConfig(w.path)
	if err != nil {
		return
	}

	w.mu.Lock()
	prev := w.last
	w.last = *cfg
	w.mu.Unlock()

	if cfg.DeputyID != "" && cfg.DeputyID != prev.DeputyID {
		w.onIdentityChange("deputy_id", prev.DeputyID, cfg.DeputyID)
	}
	if cfg.BusAddr != "" && cfg.BusAddr != prev.BusAddr {
		w.onIdentityChange("bus_addr", prev.BusAddr, cfg.BusAddr)
	}
	if cfg.Verbose != prev.Verbose || cfg.LogFile != prev.LogFile {
		w.onChange(cfg.Verbose, cfg.LogFile)
	}
}
