// Copyright (C) 2016 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package fs

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// FsnotifySource is a Source on top of fsnotify. The kernel watches are
// per directory, so a recursive watch registers every directory of the
// subtree and follows directories created later on. Renames are reported
// as single path events.
type FsnotifySource struct {
	watcher *fsnotify.Watcher
	events  chan RawEvent
	errors  chan error
	stop    chan struct{}
	done    chan struct{}

	mut   sync.Mutex
	roots map[string]*fsnotifyRoot
	// Number of roots holding a kernel watch on each directory.
	refs   map[string]int
	closed bool
}

type fsnotifyRoot struct {
	recursive bool
	dirs      map[string]struct{}
}

func NewFsnotifySource(opts SourceOptions) (*FsnotifySource, error) {
	bufSize := opts.BackendBuffer
	if bufSize <= 0 {
		bufSize = backendBuffer
	}
	w, err := fsnotify.NewBufferedWatcher(uint(bufSize))
	if err != nil {
		return nil, fmt.Errorf("creating fsnotify watcher: %w", err)
	}
	s := &FsnotifySource{
		watcher: w,
		events:  make(chan RawEvent, outBuffer),
		errors:  make(chan error, 1),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
		roots:   make(map[string]*fsnotifyRoot),
		refs:    make(map[string]int),
	}
	go s.forward()
	return s, nil
}

func (s *FsnotifySource) Watch(path string, recursive bool) error {
	root, info, err := checkWatchPath(path)
	if err != nil {
		return err
	}

	s.mut.Lock()
	defer s.mut.Unlock()
	if s.closed {
		return ErrSourceClosed
	}
	if _, ok := s.roots[root]; ok {
		return nil
	}

	r := &fsnotifyRoot{recursive: recursive && info.IsDir(), dirs: make(map[string]struct{})}
	dirs := []string{root}
	if r.recursive {
		dirs, err = subdirectories(root)
		if err != nil {
			return &WatchFailedError{Path: root, Reason: "walking subtree failed", Err: err}
		}
	}
	for _, dir := range dirs {
		if err := s.addLocked(r, dir); err != nil {
			s.releaseLocked(r)
			return watchFailed(root, err)
		}
	}
	s.roots[root] = r
	l.Debugf("fsnotify: watching %s (%d directories)", root, len(r.dirs))
	return nil
}

func (s *FsnotifySource) Unwatch(path string) error {
	root, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrWatchNotFound, path)
	}

	s.mut.Lock()
	defer s.mut.Unlock()
	r, ok := s.roots[root]
	if !ok {
		return fmt.Errorf("%w: %s", ErrWatchNotFound, root)
	}
	delete(s.roots, root)
	s.releaseLocked(r)
	l.Debugln("fsnotify: stopped watching", root)
	return nil
}

func (s *FsnotifySource) Events() <-chan RawEvent {
	return s.events
}

func (s *FsnotifySource) Errors() <-chan error {
	return s.errors
}

func (*FsnotifySource) NativeRename() bool {
	return false
}

func (s *FsnotifySource) Close() error {
	s.mut.Lock()
	if s.closed {
		s.mut.Unlock()
		return nil
	}
	s.closed = true
	s.mut.Unlock()

	close(s.stop)
	err := s.watcher.Close()
	<-s.done
	return err
}

func (s *FsnotifySource) addLocked(r *fsnotifyRoot, dir string) error {
	if _, ok := r.dirs[dir]; ok {
		return nil
	}
	if s.refs[dir] == 0 {
		if err := s.watcher.Add(dir); err != nil {
			return err
		}
		metricKernelWatches.WithLabelValues(string(BackendFsnotify)).Inc()
	}
	s.refs[dir]++
	r.dirs[dir] = struct{}{}
	return nil
}

func (s *FsnotifySource) releaseLocked(r *fsnotifyRoot) {
	for dir := range r.dirs {
		s.dropLocked(r, dir)
	}
}

func (s *FsnotifySource) dropLocked(r *fsnotifyRoot, dir string) {
	if _, ok := r.dirs[dir]; !ok {
		return
	}
	delete(r.dirs, dir)
	s.refs[dir]--
	if s.refs[dir] > 0 {
		return
	}
	delete(s.refs, dir)
	metricKernelWatches.WithLabelValues(string(BackendFsnotify)).Dec()
	// The kernel drops the watch by itself when the directory is gone.
	if err := s.watcher.Remove(dir); err != nil && !errors.Is(err, fsnotify.ErrNonExistentWatch) {
		l.Debugln("fsnotify: removing watch:", err)
	}
}

func (s *FsnotifySource) forward() {
	defer close(s.done)
	defer close(s.events)

	for {
		select {
		case ev, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			for _, raw := range s.translate(ev) {
				if !s.send(raw) {
					return
				}
			}

		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				metricOverflows.WithLabelValues(string(BackendFsnotify)).Inc()
				for _, root := range s.rootPaths() {
					if !s.send(RawEvent{Kind: RawOverflow, Paths: []string{root}, Time: time.Now()}) {
						return
					}
				}
				continue
			}
			select {
			case s.errors <- err:
			default:
				l.Debugln("fsnotify: dropping error:", err)
			}

		case <-s.stop:
			return
		}
	}
}

func (s *FsnotifySource) send(ev RawEvent) bool {
	select {
	case s.events <- ev:
		metricRawEvents.WithLabelValues(string(BackendFsnotify), ev.Kind.String()).Inc()
		l.Debugln("fsnotify: sending", ev)
		return true
	case <-s.stop:
		return false
	}
}

func (s *FsnotifySource) translate(ev fsnotify.Event) []RawEvent {
	now := time.Now()
	switch {
	case ev.Has(fsnotify.Create):
		out := []RawEvent{{Kind: RawCreate, Paths: []string{ev.Name}, Time: now}}
		return append(out, s.followCreated(ev.Name, now)...)
	case ev.Has(fsnotify.Remove):
		s.forget(ev.Name)
		return []RawEvent{{Kind: RawRemove, Paths: []string{ev.Name}, Time: now}}
	case ev.Has(fsnotify.Rename):
		s.forget(ev.Name)
		return []RawEvent{{Kind: RawRename, Paths: []string{ev.Name}, Time: now}}
	case ev.Has(fsnotify.Write):
		return []RawEvent{{Kind: RawModify, Paths: []string{ev.Name}, Time: now}}
	default:
		// Chmod only
		return nil
	}
}

// followCreated registers a newly created directory with every recursive
// root containing it. Entries that appeared before the watch was in place
// are reported as creations.
func (s *FsnotifySource) followCreated(path string, now time.Time) []RawEvent {
	s.mut.Lock()
	defer s.mut.Unlock()

	var covering []*fsnotifyRoot
	for root, r := range s.roots {
		if r.recursive && IsWithin(root, path) {
			covering = append(covering, r)
		}
	}
	if len(covering) == 0 {
		return nil
	}

	var out []RawEvent
	seen := make(map[string]struct{})
	_ = filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if p != path {
			if _, ok := seen[p]; !ok {
				seen[p] = struct{}{}
				out = append(out, RawEvent{Kind: RawCreate, Paths: []string{p}, Time: now, IsDir: d.IsDir()})
			}
		}
		if !d.IsDir() {
			return nil
		}
		for _, r := range covering {
			if err := s.addLocked(r, p); err != nil {
				l.Debugln("fsnotify: following new directory:", err)
				return filepath.SkipDir
			}
		}
		return nil
	})
	return out
}

// forget drops kernel watches for path and everything below it.
func (s *FsnotifySource) forget(path string) {
	s.mut.Lock()
	defer s.mut.Unlock()
	for _, r := range s.roots {
		for dir := range r.dirs {
			if IsWithin(path, dir) {
				s.dropLocked(r, dir)
			}
		}
	}
}

func (s *FsnotifySource) rootPaths() []string {
	s.mut.Lock()
	defer s.mut.Unlock()
	paths := make([]string, 0, len(s.roots))
	for root := range s.roots {
		paths = append(paths, root)
	}
	return paths
}

func subdirectories(root string) ([]string, error) {
	var dirs []string
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if p == root {
				return err
			}
			// Vanished or unreadable below the root; skip it.
			return nil
		}
		if d.IsDir() {
			dirs = append(dirs, p)
		}
		return nil
	})
	return dirs, err
}
