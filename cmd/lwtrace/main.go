// Copyright (C) 2024 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Command lwtrace watches directories and prints every finalized batch of
// filesystem events and every reindex request, as the indexer downstream
// of the pipeline would receive them.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/thejerf/suture/v4"
	"go.uber.org/automaxprocs/maxprocs"

	"github.com/locwatch/locwatch/lib/config"
	"github.com/locwatch/locwatch/lib/events"
	"github.com/locwatch/locwatch/lib/fs"
	"github.com/locwatch/locwatch/lib/fswatcher"
	"github.com/locwatch/locwatch/lib/ignore"
	"github.com/locwatch/locwatch/lib/logger"
	"github.com/locwatch/locwatch/lib/svcutil"
	"github.com/locwatch/locwatch/lib/watchaggregator"
)

var l = logger.DefaultLogger.NewFacility("main", "Main package")

type cli struct {
	Config        string   `help:"Configuration file (XML)" type:"path" env:"LWTRACE_CONFIG"`
	Backend       string   `help:"Watch backend (notify, fsnotify)" enum:",notify,fsnotify" default:""`
	Normalizer    string   `help:"Normalizer (auto, tracking, passthrough)" enum:",auto,tracking,passthrough" default:""`
	Ignore        []string `help:"Ignore pattern for the paths given on the command line" short:"i"`
	NonRecursive  bool     `help:"Watch only the given directories, not their subdirectories"`
	JSON          bool     `help:"Print batches as JSON lines"`
	MetricsListen string   `help:"Serve Prometheus metrics on this address" placeholder:"ADDR"`
	Paths         []string `arg:"" optional:"" help:"Directories to watch in addition to the configured locations" type:"path"`
}

func main() {
	var params cli
	kong.Parse(&params, kong.Description("Print normalized, batched filesystem events"))
	if _, err := maxprocs.Set(maxprocs.Logger(l.Debugf)); err != nil {
		l.Debugln("Setting GOMAXPROCS:", err)
	}

	cfg, err := loadConfig(params)
	if err != nil {
		fmt.Fprintln(os.Stderr, "Configuration:", err)
		os.Exit(1)
	}
	if len(cfg.Locations) == 0 {
		fmt.Fprintln(os.Stderr, "Nothing to watch, give paths or configure locations")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if params.MetricsListen != "" {
		go serveMetrics(params.MetricsListen)
	}

	if err := run(ctx, cfg, newPrinter(params.JSON)); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig(params cli) (config.Configuration, error) {
	cfg := config.New()
	if params.Config != "" {
		var err error
		cfg, err = config.Load(params.Config)
		if err != nil {
			return config.Configuration{}, err
		}
	}
	if params.Backend != "" {
		if err := cfg.Watcher.Backend.UnmarshalText([]byte(params.Backend)); err != nil {
			return config.Configuration{}, err
		}
	}
	if params.Normalizer != "" {
		if err := cfg.Watcher.Normalizer.UnmarshalText([]byte(params.Normalizer)); err != nil {
			return config.Configuration{}, err
		}
	}
	for _, path := range params.Paths {
		cfg.Locations = append(cfg.Locations, config.LocationConfiguration{
			ID:        filepath.Base(path),
			Path:      path,
			Recursive: !params.NonRecursive,
			Ignores:   params.Ignore,
		})
	}
	return cfg, cfg.Validate()
}

func run(ctx context.Context, cfg config.Configuration, p *printer) error {
	evLogger := events.NewLogger()
	evSub := evLogger.Subscribe(events.RootWatched | events.RootUnwatched | events.WatcherRestarted | events.BatchFailed)
	defer evLogger.Unsubscribe(evSub)

	backend := cfg.Watcher.Backend
	sourceOpts := cfg.Watcher.SourceOptions()
	ropts := cfg.Watcher.RegistryOptions()
	ropts.Events = evLogger

	var manager *watchaggregator.Manager
	ropts.Reindex = func(root, reason string) {
		manager.HandleLostEvents(root, reason)
	}
	registry := fswatcher.New(func() (fs.Source, error) {
		return fs.NewSource(backend, sourceOpts)
	}, ropts)

	wopts := cfg.Worker.WorkerOptions()
	wopts.Events = evLogger
	manager = watchaggregator.NewManager(registry, wopts, p, p)

	sup := suture.New("main", svcutil.SpecWithInfoLogger(l))
	sup.Add(registry)
	sup.Add(manager)
	sup.Add(svcutil.AsService(func(ctx context.Context) error {
		for {
			select {
			case ev := <-evSub.C():
				l.Infof("%v: %v", ev.Type, ev.Data)
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}, "event printer"))
	done := sup.ServeBackground(ctx)

	for _, loc := range cfg.Locations {
		matcher, err := ignore.New(loc.Ignores)
		if err != nil {
			return fmt.Errorf("location %s: %w", loc.ID, err)
		}
		wcfg := fswatcher.WatchConfig{
			Recursive: loc.Recursive,
			Filter:    matcher.Filter(loc.Path),
		}
		if err := manager.AddRoot(ctx, loc.ID, loc.Path, wcfg); err != nil {
			return fmt.Errorf("location %s: %w", loc.ID, err)
		}
		l.Infof("Watching %s (%s) with %v backend, %v normalizer", loc.Path, loc.ID, backend, cfg.Watcher.Normalizer)
	}

	<-ctx.Done()
	counters := registry.Counters()
	l.Infof("Received %d raw events, emitted %d normalized events", counters.EventsReceived, counters.EventsEmitted)
	if err := <-done; err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	if err := http.ListenAndServe(addr, mux); err != nil {
		l.Warnln("Metrics listener:", err)
	}
}

// printer prints batches and reindex requests to stdout. It is both the
// applier and the reindexer of the pipeline.
type printer struct {
	json bool
	mut  sync.Mutex
	enc  *json.Encoder
}

func newPrinter(asJSON bool) *printer {
	return &printer{json: asJSON, enc: json.NewEncoder(os.Stdout)}
}

type batchLine struct {
	Time   time.Time    `json:"time"`
	RootID string       `json:"rootID"`
	Events []fs.FsEvent `json:"events"`
}

type reindexLine struct {
	Time    time.Time                      `json:"time"`
	Reindex watchaggregator.ReindexRequest `json:"reindex"`
}

func (p *printer) ApplyBatch(_ context.Context, rootID string, evs []fs.FsEvent) error {
	p.mut.Lock()
	defer p.mut.Unlock()
	if p.json {
		return p.enc.Encode(batchLine{Time: time.Now(), RootID: rootID, Events: evs})
	}
	fmt.Printf("%s %s: batch of %d\n", time.Now().Format(time.StampMilli), rootID, len(evs))
	for _, ev := range evs {
		fmt.Println("   ", ev)
	}
	return nil
}

func (p *printer) RequestReindex(_ context.Context, req watchaggregator.ReindexRequest) error {
	p.mut.Lock()
	defer p.mut.Unlock()
	if p.json {
		return p.enc.Encode(reindexLine{Time: time.Now(), Reindex: req})
	}
	fmt.Printf("%s %s: reindex %s (%s)\n", time.Now().Format(time.StampMilli), req.RootID, req.Path, req.Reason)
	return nil
}
