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

// Command deputyd runs one deputy: it reconciles a sheriff's orders
// against locally running processes and reports their status back over
// the message bus.
package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"sync"

	"github.com/gofrs/flock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/pmfleet/deputy"
	"github.com/pmfleet/deputy/rest"
)

// reloadableFile is an io.Writer over an *os.File that can be pointed at
// a newly opened file, so a config hot reload can redirect the log-file
// sink without restarting the process. Writing while no file is open is
// a silent no-op, since an absent log_file is a valid configuration.
type reloadableFile struct {
	mu sync.Mutex
	f  *os.File
}

func (r *reloadableFile) Write(b []byte) (int, error) {
	r.mu.Lock()
	f := r.f
	r.mu.Unlock()
	if f == nil {
		return len(b), nil
	}
	return f.Write(b)
}

func (r *reloadableFile) reopen(path string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	r.mu.Lock()
	old := r.f
	r.f = f
	r.mu.Unlock()
	if old != nil {
		old.Close()
	}
	return nil
}

func (r *reloadableFile) close() {
	r.mu.Lock()
	f := r.f
	r.f = nil
	r.mu.Unlock()
	if f != nil {
		f.Close()
	}
}

var (
	configPath string
	deputyID   string
	busAddr    string
	logFile    string
	binPath    string
	httpAddr   string
	verbose    bool
)

func main() {
	root := &cobra.Command{
		Use:   "deputyd",
		Short: "Run a deputy process supervisor",
		RunE:  run,
	}
	flags := root.Flags()
	flags.StringVar(&configPath, "config", "", "path to a TOML config file")
	flags.StringVar(&deputyID, "deputy-id", "", "this deputy's identity (overrides config)")
	flags.StringVar(&busAddr, "bus-addr", "", "message bus address, udp://host:port or unix://path (overrides config)")
	flags.StringVar(&logFile, "log-file", "", "path to write deputy diagnostics (overrides config)")
	flags.StringVar(&binPath, "bin-path", "", "directory prepended to child PATH (overrides config)")
	flags.StringVar(&httpAddr, "http-addr", "127.0.0.1:8321", "loopback address for the debug HTTP surface")
	flags.BoolVar(&verbose, "verbose", false, "log every accepted order and discovery message")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	cfg, err := deputy.LoadConfig(configPath)
	if err != nil {
		return err
	}
	if deputyID != "" {
		cfg.DeputyID = deputyID
	}
	if busAddr != "" {
		cfg.BusAddr = busAddr
	}
	if logFile != "" {
		cfg.LogFile = logFile
	}
	if binPath != "" {
		cfg.BinPath = binPath
	}
	if cmd.Flags().Changed("verbose") {
		cfg.Verbose = verbose
	}
	if cfg.DeputyID == "" {
		if host, err := os.Hostname(); err == nil {
			cfg.DeputyID = host
		} else {
			cfg.DeputyID = "deputy"
		}
	}
	if cfg.BinPath == "" {
		if exe, err := os.Executable(); err == nil {
			cfg.BinPath = filepath.Dir(exe)
		}
	}

	lockPath := filepath.Join(os.TempDir(), "deputyd-"+cfg.DeputyID+".lock")
	fileLock := flock.New(lockPath)
	locked, err := fileLock.TryLock()
	if err != nil {
		return fmt.Errorf("acquiring singleton lock: %w", err)
	}
	if !locked {
		return fmt.Errorf("a deputy with id %q is already running on this host", cfg.DeputyID)
	}
	defer fileLock.Unlock()

	deputyLog := deputy.NewLog()
	logFileWriter := &reloadableFile{}
	if cfg.LogFile != "" {
		if err := logFileWriter.reopen(cfg.LogFile); err != nil {
			return fmt.Errorf("opening log file: %w", err)
		}
	}
	defer logFileWriter.close()
	logger := log.New(io.MultiWriter(os.Stderr, logFileWriter, deputyLog), "", log.LstdFlags)

	var bus deputy.Bus
	if cfg.BusAddr != "" {
		bus, err = deputy.NewUDPBus(cfg.BusAddr)
		if err != nil {
			return fmt.Errorf("opening bus %s: %w", cfg.BusAddr, err)
		}
	} else {
		bus = deputy.NewLocalBus()
	}
	defer bus.Close()

	registry := prometheus.NewRegistry()
	metrics := deputy.NewMetrics(registry)

	pm := deputy.NewProcessManager(cfg.BinPath)
	el := deputy.NewEventLoop()
	engine := deputy.NewEngine(cfg.DeputyID, pm, el, deputyLog, bus, metrics)
	engine.SetVerbose(cfg.Verbose)

	logger.Printf("starting deputy %q (bus=%s)", cfg.DeputyID, cfg.BusAddr)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if configPath != "" {
		currentLogFile := cfg.LogFile
		watcher := deputy.NewConfigWatcher(configPath, *cfg,
			func(v bool, lf string) {
				engine.SetVerbose(v)
				if lf != currentLogFile {
					if lf == "" {
						logFileWriter.close()
						logger.Printf("config reload: log_file cleared, logging to stderr only")
					} else if err := logFileWriter.reopen(lf); err != nil {
						logger.Printf("config reload: could not open new log_file %q: %v", lf, err)
						lf = currentLogFile
					} else {
						logger.Printf("config reload: now logging to %q", lf)
					}
					currentLogFile = lf
				}
				logger.Printf("config reload: verbose=%v log_file=%q", v, currentLogFile)
			},
			func(field, old, newVal string) {
				logger.Printf("config reload: ignoring change to %s (%q -> %q); identity and transport cannot change under a live deputy", field, old, newVal)
			},
		)
		go func() {
			if err := watcher.Run(ctx); err != nil {
				logger.Printf("config watcher stopped: %v", err)
			}
		}()
	}

	go func() {
		handler := rest.NewHandler(engine, registry)
		logger.Printf("debug HTTP surface listening on %s", httpAddr)
		if err := http.ListenAndServe(httpAddr, handler); err != nil {
			logger.Printf("debug HTTP surface stopped: %v", err)
		}
	}()

	if err := engine.Start(); err != nil {
		return fmt.Errorf("starting engine: %w", err)
	}
	engine.Run()
	return nil
}
