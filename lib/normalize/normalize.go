// Copyright (C) 2016 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package normalize turns raw kernel notifications into logical filesystem
// events. Backends without native rename support need the tracking
// normalizer, which reconstructs renames by matching removes and creates
// of the same inode. A Normalizer is not safe for concurrent use; Process
// and Tick must be serialized by the owner.
package normalize

import (
	"fmt"
	"time"

	"github.com/locwatch/locwatch/lib/fs"
)

type Normalizer interface {
	// Process consumes one raw event and returns the events that became
	// final because of it.
	Process(ev fs.RawEvent) []fs.FsEvent
	// Tick evicts timed out pending state.
	Tick(now time.Time) []fs.FsEvent
	// Reset drops all pending state.
	Reset()
}

type Kind string

const (
	// KindAuto selects tracking unless the backend renames natively.
	KindAuto        Kind = "auto"
	KindTracking    Kind = "tracking"
	KindPassthrough Kind = "passthrough"
)

func (k Kind) String() string {
	return string(k)
}

func (k *Kind) ParseDefault(v string) error {
	return k.UnmarshalText([]byte(v))
}

func (k *Kind) UnmarshalText(bs []byte) error {
	switch Kind(bs) {
	case KindAuto, KindTracking, KindPassthrough:
		*k = Kind(bs)
		return nil
	case "":
		*k = KindAuto
		return nil
	default:
		return fmt.Errorf("unknown normalizer %q", bs)
	}
}

// Resolve returns the concrete kind for a backend.
func (k Kind) Resolve(nativeRename bool) Kind {
	if k != KindAuto && k != "" {
		return k
	}
	if nativeRename {
		return KindPassthrough
	}
	return KindTracking
}

// IndexLookup reports the inode an external index knows for path, and
// whether the path is indexed at all.
type IndexLookup func(path string) (inode uint64, ok bool)

type Options struct {
	RenameTimeout        time.Duration
	StabilizationTimeout time.Duration
	ReincidentTimeout    time.Duration
	RecentDirTTL         time.Duration
	InodeCacheTTL        time.Duration
	InodeCacheSize       int

	// Stater resolves inodes of present paths. Defaults to fs.OSStater.
	Stater fs.Stater
	// IndexLookup is consulted last when the inode of a removed path is
	// neither on disk nor cached. Optional.
	IndexLookup IndexLookup
}

func DefaultOptions() Options {
	return Options{
		RenameTimeout:        500 * time.Millisecond,
		StabilizationTimeout: 500 * time.Millisecond,
		ReincidentTimeout:    10 * time.Second,
		RecentDirTTL:         5 * time.Second,
		InodeCacheTTL:        5 * time.Second,
		InodeCacheSize:       16384,
	}
}

func (o Options) withDefaults() Options {
	def := DefaultOptions()
	if o.RenameTimeout <= 0 {
		o.RenameTimeout = def.RenameTimeout
	}
	if o.StabilizationTimeout <= 0 {
		o.StabilizationTimeout = def.StabilizationTimeout
	}
	if o.ReincidentTimeout <= 0 {
		o.ReincidentTimeout = def.ReincidentTimeout
	}
	if o.RecentDirTTL <= 0 {
		o.RecentDirTTL = def.RecentDirTTL
	}
	if o.InodeCacheTTL <= 0 {
		o.InodeCacheTTL = def.InodeCacheTTL
	}
	if o.InodeCacheSize <= 0 {
		o.InodeCacheSize = def.InodeCacheSize
	}
	if o.Stater == nil {
		o.Stater = fs.OSStater{}
	}
	return o
}

// New returns the normalizer of the given kind for a backend.
func New(kind Kind, nativeRename bool, opts Options) (Normalizer, error) {
	opts = opts.withDefaults()
	switch kind.Resolve(nativeRename) {
	case KindTracking:
		return newTracking(opts)
	case KindPassthrough:
		return newPassthrough(opts)
	default:
		return nil, fmt.Errorf("unknown normalizer %q", kind)
	}
}
