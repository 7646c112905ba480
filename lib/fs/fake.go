// Copyright (C) 2018 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package fs

import (
	"fmt"
	"path/filepath"
	"sort"
	"sync"
)

// FakeSource is an in-memory Source. Tests inject raw events with Send and
// simulate backend death with Fail.
type FakeSource struct {
	// Exists decides whether Watch accepts a path. All paths exist when nil.
	Exists func(path string) bool
	// WatchErr, when set, is returned by every Watch call.
	WatchErr error

	native  bool
	events  chan RawEvent
	errors  chan error
	mut     sync.Mutex
	watched map[string]bool
	closed  bool
}

func NewFakeSource(nativeRename bool) *FakeSource {
	return &FakeSource{
		native:  nativeRename,
		events:  make(chan RawEvent, 1000),
		errors:  make(chan error, 10),
		watched: make(map[string]bool),
	}
}

func (f *FakeSource) Watch(path string, recursive bool) error {
	f.mut.Lock()
	defer f.mut.Unlock()
	if f.closed {
		return ErrSourceClosed
	}
	if f.WatchErr != nil {
		return f.WatchErr
	}
	path = filepath.Clean(path)
	if f.Exists != nil && !f.Exists(path) {
		return pathNotFound(path)
	}
	f.watched[path] = recursive
	return nil
}

func (f *FakeSource) Unwatch(path string) error {
	f.mut.Lock()
	defer f.mut.Unlock()
	path = filepath.Clean(path)
	if _, ok := f.watched[path]; !ok {
		return fmt.Errorf("%w: %s", ErrWatchNotFound, path)
	}
	delete(f.watched, path)
	return nil
}

func (f *FakeSource) Events() <-chan RawEvent {
	return f.events
}

func (f *FakeSource) Errors() <-chan error {
	return f.errors
}

func (f *FakeSource) NativeRename() bool {
	return f.native
}

// Close marks the source closed. The event channel stays open so that a
// closed fake is distinguishable from a failed one.
func (f *FakeSource) Close() error {
	f.mut.Lock()
	f.closed = true
	f.mut.Unlock()
	return nil
}

// Closed reports whether Close has been called.
func (f *FakeSource) Closed() bool {
	f.mut.Lock()
	defer f.mut.Unlock()
	return f.closed
}

func (f *FakeSource) Send(evs ...RawEvent) {
	for _, ev := range evs {
		f.events <- ev
	}
}

func (f *FakeSource) SendError(err error) {
	f.errors <- err
}

// Fail closes the event channel, as a backend does when it dies.
func (f *FakeSource) Fail() {
	close(f.events)
}

// Watched returns the currently watched paths, sorted.
func (f *FakeSource) Watched() []string {
	f.mut.Lock()
	defer f.mut.Unlock()
	paths := make([]string, 0, len(f.watched))
	for p := range f.watched {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}
