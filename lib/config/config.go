// Copyright (C) 2014 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package config implements reading of the locwatch configuration file.
package config

import (
	"encoding/json"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/locwatch/locwatch/lib/fs"
	"github.com/locwatch/locwatch/lib/fswatcher"
	"github.com/locwatch/locwatch/lib/normalize"
	"github.com/locwatch/locwatch/lib/util"
	"github.com/locwatch/locwatch/lib/watchaggregator"
)

const CurrentVersion = 1

var (
	errNoLocationID    = errors.New("location has no id")
	errNoLocationPath  = errors.New("location has no path")
	errNonPositive     = errors.New("must be positive")
	errDuplicateID     = errors.New("duplicate location id")
	errDuplicatePath   = errors.New("duplicate location path")
	errUnknownVersion  = errors.New("unsupported configuration version")
	errNegativeNumeric = errors.New("must not be negative")
)

type Configuration struct {
	Version   int                     `xml:"version,attr" json:"version" default:"1"`
	Watcher   WatcherConfiguration    `xml:"watcher" json:"watcher"`
	Worker    WorkerConfiguration     `xml:"worker" json:"worker"`
	Locations []LocationConfiguration `xml:"location" json:"locations"`
	XMLName   xml.Name                `xml:"configuration" json:"-"`
}

type WatcherConfiguration struct {
	Backend                fs.BackendType `xml:"backend" json:"backend" default:"notify"`
	Normalizer             normalize.Kind `xml:"normalizer" json:"normalizer" default:"auto"`
	TickIntervalMs         int            `xml:"tickIntervalMs" json:"tickIntervalMs" default:"200"`
	RenameTimeoutMs        int            `xml:"renameTimeoutMs" json:"renameTimeoutMs" default:"500"`
	StabilizationTimeoutMs int            `xml:"stabilizationTimeoutMs" json:"stabilizationTimeoutMs" default:"500"`
	ReincidentTimeoutMs    int            `xml:"reincidentTimeoutMs" json:"reincidentTimeoutMs" default:"10000"`
	RecentDirTTLMs         int            `xml:"recentDirTTLMs" json:"recentDirTTLMs" default:"5000"`
	InodeCacheTTLMs        int            `xml:"inodeCacheTTLMs" json:"inodeCacheTTLMs" default:"5000"`
	InodeCacheSize         int            `xml:"inodeCacheSize" json:"inodeCacheSize" default:"16384"`
	BackendBuffer          int            `xml:"backendBuffer" json:"backendBuffer" default:"500"`
	BroadcastBuffer        int            `xml:"broadcastBuffer" json:"broadcastBuffer" default:"1024"`
}

type WorkerConfiguration struct {
	DebounceWindowMs int `xml:"debounceWindowMs" json:"debounceWindowMs" default:"100"`
	MaxBatchSize     int `xml:"maxBatchSize" json:"maxBatchSize" default:"1000"`
	// Queued events above this count are dropped in favour of a reindex.
	MaxQueueDepth int `xml:"maxQueueDepthBeforeReindex" json:"maxQueueDepthBeforeReindex" default:"10000"`
}

type LocationConfiguration struct {
	ID        string   `xml:"id,attr" json:"id"`
	Path      string   `xml:"path,attr" json:"path"`
	Recursive bool     `xml:"recursive,attr" json:"recursive" default:"true"`
	Ignores   []string `xml:"ignore" json:"ignores"`
}

// New returns a configuration with all defaults set and no locations.
func New() Configuration {
	var cfg Configuration
	util.SetDefaults(&cfg)
	return cfg
}

// Load reads an XML configuration from path. A missing file yields the
// default configuration.
func Load(path string) (Configuration, error) {
	fd, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		l.Debugln("no configuration at", path, "using defaults")
		return New(), nil
	} else if err != nil {
		return Configuration{}, err
	}
	defer fd.Close()
	return ReadXML(fd)
}

func ReadXML(r io.Reader) (Configuration, error) {
	cfg := New()
	if err := xml.NewDecoder(r).Decode(&cfg); err != nil {
		return Configuration{}, fmt.Errorf("decoding configuration: %w", err)
	}
	if err := cfg.prepare(); err != nil {
		return Configuration{}, err
	}
	return cfg, nil
}

func ReadJSON(r io.Reader) (Configuration, error) {
	cfg := New()
	if err := json.NewDecoder(r).Decode(&cfg); err != nil {
		return Configuration{}, fmt.Errorf("decoding configuration: %w", err)
	}
	if err := cfg.prepare(); err != nil {
		return Configuration{}, err
	}
	return cfg, nil
}

func (cfg *Configuration) prepare() error {
	for i := range cfg.Locations {
		loc := &cfg.Locations[i]
		if len(loc.Ignores) > 0 {
			loc.Ignores = util.UniqueTrimmedStrings(loc.Ignores)
		}
		if loc.Path == "" {
			continue
		}
		abs, err := filepath.Abs(loc.Path)
		if err != nil {
			return fmt.Errorf("location %q: %w", loc.ID, err)
		}
		loc.Path = abs
	}
	return cfg.Validate()
}

// Validate checks the configuration for values that cannot work.
func (cfg Configuration) Validate() error {
	if cfg.Version != CurrentVersion {
		return fmt.Errorf("%w: %d", errUnknownVersion, cfg.Version)
	}
	w := cfg.Watcher
	positive := []struct {
		name string
		val  int
	}{
		{"tickIntervalMs", w.TickIntervalMs},
		{"renameTimeoutMs", w.RenameTimeoutMs},
		{"stabilizationTimeoutMs", w.StabilizationTimeoutMs},
		{"reincidentTimeoutMs", w.ReincidentTimeoutMs},
		{"recentDirTTLMs", w.RecentDirTTLMs},
		{"inodeCacheTTLMs", w.InodeCacheTTLMs},
		{"inodeCacheSize", w.InodeCacheSize},
		{"debounceWindowMs", cfg.Worker.DebounceWindowMs},
		{"maxBatchSize", cfg.Worker.MaxBatchSize},
		{"maxQueueDepthBeforeReindex", cfg.Worker.MaxQueueDepth},
	}
	for _, p := range positive {
		if p.val <= 0 {
			return fmt.Errorf("%s: %w", p.name, errNonPositive)
		}
	}
	if w.BackendBuffer < 0 {
		return fmt.Errorf("backendBuffer: %w", errNegativeNumeric)
	}
	if w.BroadcastBuffer < 0 {
		return fmt.Errorf("broadcastBuffer: %w", errNegativeNumeric)
	}

	ids := make(map[string]struct{}, len(cfg.Locations))
	paths := make(map[string]struct{}, len(cfg.Locations))
	for _, loc := range cfg.Locations {
		if loc.ID == "" {
			return errNoLocationID
		}
		if loc.Path == "" {
			return fmt.Errorf("%q: %w", loc.ID, errNoLocationPath)
		}
		if _, ok := ids[loc.ID]; ok {
			return fmt.Errorf("%w: %q", errDuplicateID, loc.ID)
		}
		ids[loc.ID] = struct{}{}
		if _, ok := paths[loc.Path]; ok {
			return fmt.Errorf("%w: %q", errDuplicatePath, loc.Path)
		}
		paths[loc.Path] = struct{}{}
	}
	return nil
}

func (w WatcherConfiguration) SourceOptions() fs.SourceOptions {
	return fs.SourceOptions{BackendBuffer: w.BackendBuffer}
}

func (w WatcherConfiguration) NormalizerOptions() normalize.Options {
	return normalize.Options{
		RenameTimeout:        ms(w.RenameTimeoutMs),
		StabilizationTimeout: ms(w.StabilizationTimeoutMs),
		ReincidentTimeout:    ms(w.ReincidentTimeoutMs),
		RecentDirTTL:         ms(w.RecentDirTTLMs),
		InodeCacheTTL:        ms(w.InodeCacheTTLMs),
		InodeCacheSize:       w.InodeCacheSize,
	}
}

// RegistryOptions does not set the reindex hook or event logger, those
// belong to the caller.
func (w WatcherConfiguration) RegistryOptions() fswatcher.Options {
	return fswatcher.Options{
		Normalizer:        w.Normalizer,
		NormalizerOptions: w.NormalizerOptions(),
		TickInterval:      ms(w.TickIntervalMs),
		BroadcastBuffer:   w.BroadcastBuffer,
	}
}

func (c WorkerConfiguration) WorkerOptions() watchaggregator.Options {
	return watchaggregator.Options{
		DebounceWindow: ms(c.DebounceWindowMs),
		MaxBatchSize:   c.MaxBatchSize,
		MaxQueueDepth:  c.MaxQueueDepth,
	}
}

func (loc *LocationConfiguration) UnmarshalJSON(data []byte) error {
	util.SetDefaults(loc)
	type noCustomUnmarshal LocationConfiguration
	ptr := (*noCustomUnmarshal)(loc)
	return json.Unmarshal(data, ptr)
}

func (loc *LocationConfiguration) UnmarshalXML(d *xml.Decoder, start xml.StartElement) error {
	util.SetDefaults(loc)
	type noCustomUnmarshal LocationConfiguration
	ptr := (*noCustomUnmarshal)(loc)
	return d.DecodeElement(ptr, &start)
}

func ms(v int) time.Duration {
	return time.Duration(v) * time.Millisecond
}
