// Copyright (C) 2016 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at http://mozilla.org/MPL/2.0/.

//go:build !(solaris && !cgo) && !(darwin && !cgo) && !(android && amd64)
// +build !solaris cgo
// +build !darwin cgo
// +build !android !amd64

package fs

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/syncthing/notify"
)

// Unmatched halves of a kernel rename pair are released after this long.
var movePairWindow = 20 * time.Millisecond

// An eventTranslator turns backend notifications into raw events. It may
// hold back a notification while waiting for its rename partner.
type eventTranslator interface {
	translate(ev notify.EventInfo, now time.Time) []RawEvent
	flush() []RawEvent
	pending() bool
}

type notifySource struct {
	opts    SourceOptions
	events  chan RawEvent
	errors  chan error
	mut     sync.Mutex
	watches map[string]*notifyWatch
	closed  bool
}

type notifyWatch struct {
	root      string
	recursive bool
	backend   chan notify.EventInfo
	cancel    context.CancelFunc
	done      chan struct{}
}

func newNotifySource(opts SourceOptions) (Source, error) {
	return &notifySource{
		opts:    opts,
		events:  make(chan RawEvent, outBuffer),
		errors:  make(chan error, 1),
		watches: make(map[string]*notifyWatch),
	}, nil
}

func (s *notifySource) Watch(path string, recursive bool) error {
	root, _, err := checkWatchPath(path)
	if err != nil {
		return err
	}

	s.mut.Lock()
	defer s.mut.Unlock()
	if s.closed {
		return ErrSourceClosed
	}
	if _, ok := s.watches[root]; ok {
		return nil
	}

	// Notify does not block on sending to channel, so the channel must be
	// buffered.
	backend := make(chan notify.EventInfo, s.opts.BackendBuffer)
	watchPath := root
	if recursive {
		watchPath = filepath.Join(root, "...")
	}
	if err := notify.Watch(watchPath, backend, subEventMask); err != nil {
		notify.Stop(backend)
		return watchFailed(root, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	w := &notifyWatch{
		root:      root,
		recursive: recursive,
		backend:   backend,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	s.watches[root] = w
	metricKernelWatches.WithLabelValues(string(BackendNotify)).Inc()
	go s.watchLoop(ctx, w, newEventTranslator())
	l.Debugln("notify: watching", watchPath)
	return nil
}

func (s *notifySource) Unwatch(path string) error {
	root, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrWatchNotFound, path)
	}

	s.mut.Lock()
	w, ok := s.watches[root]
	if ok {
		delete(s.watches, root)
	}
	s.mut.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrWatchNotFound, root)
	}

	s.stop(w)
	l.Debugln("notify: stopped watching", root)
	return nil
}

func (s *notifySource) stop(w *notifyWatch) {
	notify.Stop(w.backend)
	w.cancel()
	<-w.done
	metricKernelWatches.WithLabelValues(string(BackendNotify)).Dec()
}

func (s *notifySource) Events() <-chan RawEvent {
	return s.events
}

func (s *notifySource) Errors() <-chan error {
	return s.errors
}

func (*notifySource) NativeRename() bool {
	return nativeRename
}

func (s *notifySource) Close() error {
	s.mut.Lock()
	if s.closed {
		s.mut.Unlock()
		return nil
	}
	s.closed = true
	watches := s.watches
	s.watches = nil
	s.mut.Unlock()

	for _, w := range watches {
		s.stop(w)
	}
	close(s.events)
	return nil
}

func (s *notifySource) watchLoop(ctx context.Context, w *notifyWatch, tr eventTranslator) {
	defer close(w.done)

	var flush <-chan time.Time
	for {
		// Detect channel overflow
		if len(w.backend) == cap(w.backend) {
		outer:
			for {
				select {
				case <-w.backend:
				default:
					break outer
				}
			}
			tr.flush()
			metricOverflows.WithLabelValues(string(BackendNotify)).Inc()
			l.Debugln("notify: event overflow at", w.root)
			if !s.send(ctx, RawEvent{Kind: RawOverflow, Paths: []string{w.root}, Time: time.Now()}) {
				return
			}
		}

		select {
		case ev := <-w.backend:
			for _, raw := range tr.translate(ev, time.Now()) {
				if !s.send(ctx, raw) {
					return
				}
			}
		case <-flush:
			for _, raw := range tr.flush() {
				if !s.send(ctx, raw) {
					return
				}
			}
		case <-ctx.Done():
			return
		}

		switch {
		case !tr.pending():
			flush = nil
		case flush == nil:
			flush = time.After(movePairWindow)
		}
	}
}

func (s *notifySource) send(ctx context.Context, ev RawEvent) bool {
	select {
	case s.events <- ev:
		metricRawEvents.WithLabelValues(string(BackendNotify), ev.Kind.String()).Inc()
		l.Debugln("notify: sending", ev)
		return true
	case <-ctx.Done():
		return false
	}
}

// singleTranslator maps each notification to exactly one raw event. It is
// used where the kernel has no rename pairing.
type singleTranslator struct{}

func (singleTranslator) translate(ev notify.EventInfo, now time.Time) []RawEvent {
	kind := rawKind(ev.Event())
	if kind == RawOther {
		return nil
	}
	return []RawEvent{{Kind: kind, Paths: []string{ev.Path()}, Time: now}}
}

func (singleTranslator) flush() []RawEvent {
	return nil
}

func (singleTranslator) pending() bool {
	return false
}
