// Copyright (C) 2016 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package fswatcher implements the watch registry: reference counted
// watched roots on top of a single watch source, and the event loop that
// feeds the normalizer and broadcasts its output.
package fswatcher

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/thejerf/suture/v4"
	"golang.org/x/time/rate"

	"github.com/locwatch/locwatch/lib/events"
	"github.com/locwatch/locwatch/lib/fs"
	"github.com/locwatch/locwatch/lib/normalize"
)

// Reasons for reindex requests raised by the registry.
const (
	ReasonKernelOverflow = "kernel_overflow"
	ReasonRestart        = "watcher_restart"
)

type WatchConfig struct {
	Recursive bool
	// Filter reports whether events for an absolute path are wanted. A
	// nil Filter accepts everything.
	Filter func(path string) bool
}

// SourceFactory creates the watch source. It is called on every (re)start
// of the event loop.
type SourceFactory func() (fs.Source, error)

// ReindexFunc is called from the event loop when events under root were
// lost. It must not block.
type ReindexFunc func(root, reason string)

type Options struct {
	Normalizer        normalize.Kind
	NormalizerOptions normalize.Options
	TickInterval      time.Duration
	// BroadcastBuffer is the channel capacity of each subscription.
	BroadcastBuffer int
	// Reindex receives lost event notifications. When nil they are
	// published as events.ReindexRequested.
	Reindex ReindexFunc
	Events  *events.Logger
}

type Counters struct {
	EventsReceived uint64 `json:"eventsReceived"`
	EventsEmitted  uint64 `json:"eventsEmitted"`
}

type watchedRoot struct {
	path string
	cfg  WatchConfig
	refs int
}

// Accepts reports whether a root at root watched with this config wants
// events for path.
func (c WatchConfig) Accepts(root, path string) bool {
	if !fs.IsWithin(root, path) {
		return false
	}
	if !c.Recursive && path != root && filepath.Dir(path) != root {
		return false
	}
	return c.Filter == nil || c.Filter(path)
}

type requestOp int

const (
	opWatch requestOp = iota
	opUnwatch
)

type request struct {
	op    requestOp
	path  string
	cfg   WatchConfig
	reply chan error
}

// Registry is the FsWatcher. All watch table mutations go through the
// event loop run by Serve.
type Registry struct {
	opts      Options
	newSource SourceFactory
	requests  chan request
	running   atomic.Bool
	stopped   chan struct{}
	stopOnce  sync.Once
	warn      rate.Sometimes

	received atomic.Uint64
	emitted  atomic.Uint64

	subsMut sync.Mutex
	subs    map[*Subscription]struct{}

	// Owned by the event loop. They survive restarts so that the roots
	// can be registered again with the new source.
	roots    map[string]*watchedRoot
	norm     normalize.Normalizer
	restarts int
}

var _ suture.Service = (*Registry)(nil)

func New(newSource SourceFactory, opts Options) *Registry {
	if opts.TickInterval <= 0 {
		opts.TickInterval = 200 * time.Millisecond
	}
	if opts.BroadcastBuffer <= 0 {
		opts.BroadcastBuffer = 1024
	}
	if opts.Events == nil {
		opts.Events = events.Default
	}
	return &Registry{
		opts:      opts,
		newSource: newSource,
		requests:  make(chan request),
		stopped:   make(chan struct{}),
		warn:      rate.Sometimes{First: 3, Interval: 10 * time.Second},
		subs:      make(map[*Subscription]struct{}),
		roots:     make(map[string]*watchedRoot),
	}
}

// Watch adds a reference to the root at path, registering it with the
// kernel on the first reference. The configuration of the first reference
// is kept.
func (r *Registry) Watch(ctx context.Context, path string, cfg WatchConfig) (*WatchHandle, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	if err := r.request(ctx, request{op: opWatch, path: abs, cfg: cfg}); err != nil {
		return nil, err
	}
	return &WatchHandle{r: r, path: abs}, nil
}

// WatchPath is Watch without a handle. Every call must be balanced by an
// Unwatch.
func (r *Registry) WatchPath(ctx context.Context, path string, cfg WatchConfig) error {
	_, err := r.Watch(ctx, path, cfg)
	return err
}

// Unwatch drops a reference and returns once the kernel watch is gone, if
// it was the last one.
func (r *Registry) Unwatch(ctx context.Context, path string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	return r.request(ctx, request{op: opUnwatch, path: abs})
}

func (r *Registry) request(ctx context.Context, req request) error {
	req.reply = make(chan error, 1)
	select {
	case r.requests <- req:
	case <-r.stopped:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-req.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Registry) Counters() Counters {
	return Counters{
		EventsReceived: r.received.Load(),
		EventsEmitted:  r.emitted.Load(),
	}
}

// Serve runs the event loop until ctx is cancelled. It returns an error
// when the source fails, for the supervisor to restart it.
func (r *Registry) Serve(ctx context.Context) error {
	if !r.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer r.running.Store(false)

	src, err := r.newSource()
	if err != nil {
		return &StartFailedError{Err: err}
	}
	defer src.Close()

	if r.norm == nil {
		r.norm, err = normalize.New(r.opts.Normalizer, src.NativeRename(), r.opts.NormalizerOptions)
		if err != nil {
			return &StartFailedError{Err: err}
		}
	} else {
		// Nothing from the previous session may match across the gap.
		r.norm.Reset()
	}

	if r.restarts > 0 {
		r.restart(src)
	}
	r.restarts++

	ticker := time.NewTicker(r.opts.TickInterval)
	defer ticker.Stop()

	errs := src.Errors()
	for {
		select {
		case ev, ok := <-src.Events():
			if !ok {
				l.Infoln("Watch source stopped unexpectedly")
				return errSourceFailed
			}
			r.handleRaw(ev)

		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			r.warn.Do(func() { l.Warnln("Filesystem watcher error:", err) })

		case now := <-ticker.C:
			r.broadcast(r.norm.Tick(now))

		case req := <-r.requests:
			req.reply <- r.handleRequest(src, req)

		case <-ctx.Done():
			r.stopOnce.Do(func() { close(r.stopped) })
			return nil
		}
	}
}

func (r *Registry) String() string {
	return fmt.Sprintf("fswatcher.Registry@%p", r)
}

// restart registers all roots with a fresh source. Events may have been
// lost in between, so every root is due for reindexing.
func (r *Registry) restart(src fs.Source) {
	metricRestarts.Inc()
	l.Infof("Restarting filesystem watcher with %d roots", len(r.roots))
	for path, root := range r.roots {
		if err := src.Watch(path, root.cfg.Recursive); err != nil {
			l.Warnf("Watching %s after restart: %v", path, err)
		}
		r.reindex(path, ReasonRestart)
	}
	r.opts.Events.Log(events.WatcherRestarted, map[string]interface{}{
		"roots": len(r.roots),
	})
}

func (r *Registry) handleRequest(src fs.Source, req request) error {
	switch req.op {
	case opWatch:
		if root, ok := r.roots[req.path]; ok {
			root.refs++
			l.Debugf("watch %s: %d references", req.path, root.refs)
			return nil
		}
		if err := src.Watch(req.path, req.cfg.Recursive); err != nil {
			return err
		}
		r.roots[req.path] = &watchedRoot{path: req.path, cfg: req.cfg, refs: 1}
		metricWatchedRoots.Inc()
		l.Debugln("watching", req.path)
		r.opts.Events.Log(events.RootWatched, map[string]interface{}{
			"path":      req.path,
			"recursive": req.cfg.Recursive,
		})
		return nil

	case opUnwatch:
		root, ok := r.roots[req.path]
		if !ok {
			return fmt.Errorf("%w: %s", fs.ErrWatchNotFound, req.path)
		}
		root.refs--
		if root.refs > 0 {
			l.Debugf("unwatch %s: %d references", req.path, root.refs)
			return nil
		}
		delete(r.roots, req.path)
		metricWatchedRoots.Dec()
		l.Debugln("stopped watching", req.path)
		r.opts.Events.Log(events.RootUnwatched, map[string]interface{}{
			"path": req.path,
		})
		return src.Unwatch(req.path)
	}
	panic("bug: unknown request")
}

func (r *Registry) handleRaw(ev fs.RawEvent) {
	r.received.Add(1)
	metricEventsReceived.Inc()

	if ev.Kind == fs.RawOverflow {
		root := ev.Path()
		if wr := r.rootFor(root); wr != nil {
			root = wr.path
		}
		l.Infoln("Lost filesystem events below", root)
		r.reindex(root, ReasonKernelOverflow)
		return
	}

	ev, ok := r.filter(ev)
	if !ok {
		return
	}
	r.broadcast(r.norm.Process(ev))
}

// filter drops the paths of an event no root wants. A rename losing one
// side degrades to a creation or removal of the other.
func (r *Registry) filter(ev fs.RawEvent) (fs.RawEvent, bool) {
	if len(ev.Paths) == 2 && ev.Kind == fs.RawRename {
		from, to := r.wanted(ev.Paths[0]), r.wanted(ev.Paths[1])
		switch {
		case from && to:
			return ev, true
		case from:
			ev.Kind = fs.RawRemove
			ev.Paths = ev.Paths[:1]
			return ev, true
		case to:
			ev.Kind = fs.RawCreate
			ev.Paths = ev.Paths[1:]
			return ev, true
		}
		return ev, false
	}
	return ev, r.wanted(ev.Path())
}

// wanted reports whether any root containing path accepts it. Nested
// roots are independent, an outer root still sees what an inner one
// rejects.
func (r *Registry) wanted(path string) bool {
	for _, root := range r.roots {
		if root.cfg.Accepts(root.path, path) {
			return true
		}
	}
	if r.rootFor(path) == nil {
		l.Debugln("event outside watched roots:", path)
	}
	return false
}

// rootFor returns the innermost root containing path.
func (r *Registry) rootFor(path string) *watchedRoot {
	var best *watchedRoot
	for _, root := range r.roots {
		if !fs.IsWithin(root.path, path) {
			continue
		}
		if best == nil || len(root.path) > len(best.path) {
			best = root
		}
	}
	return best
}

func (r *Registry) reindex(root, reason string) {
	if r.opts.Reindex != nil {
		r.opts.Reindex(root, reason)
		return
	}
	r.opts.Events.Log(events.ReindexRequested, map[string]interface{}{
		"path":   root,
		"reason": reason,
	})
}
