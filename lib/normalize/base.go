// Copyright (C) 2016 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package normalize

import (
	"errors"
	iofs "io/fs"
	"sort"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/locwatch/locwatch/lib/fs"
)

// pendingUpdate is a file being written to.
type pendingUpdate struct {
	firstSeen time.Time
	// Set when the file is modified again before it was considered
	// stable. It then gets the longer timeout.
	reincident bool
}

type timedEvent struct {
	at time.Time
	ev fs.FsEvent
}

// base holds the state shared by all normalizers: modification debouncing
// and duplicate directory creation suppression.
type base struct {
	opts       Options
	updates    map[string]*pendingUpdate
	recentDirs *lru.Cache[string, time.Time]
}

func newBase(opts Options) (base, error) {
	dirs, err := lru.New[string, time.Time](opts.InodeCacheSize)
	if err != nil {
		return base{}, err
	}
	return base{
		opts:       opts,
		updates:    make(map[string]*pendingUpdate),
		recentDirs: dirs,
	}, nil
}

func eventTime(ev fs.RawEvent) time.Time {
	if ev.Time.IsZero() {
		return time.Now()
	}
	return ev.Time
}

func (b *base) modify(ev fs.RawEvent, now time.Time) {
	if ev.IsDir {
		return
	}
	path := ev.Path()
	if u, ok := b.updates[path]; ok {
		if !u.reincident {
			l.Debugln("reincident update of", path)
			u.reincident = true
		}
		return
	}
	b.updates[path] = &pendingUpdate{firstSeen: now}
}

// forgetUpdates drops pending updates at or below path.
func (b *base) forgetUpdates(path string) {
	for p := range b.updates {
		if fs.IsWithin(path, p) {
			delete(b.updates, p)
		}
	}
}

func (b *base) evictUpdates(now time.Time) []fs.FsEvent {
	var due []timedEvent
	for path, u := range b.updates {
		timeout := b.opts.StabilizationTimeout
		if u.reincident {
			timeout = b.opts.ReincidentTimeout
		}
		if now.Sub(u.firstSeen) < timeout {
			continue
		}
		delete(b.updates, path)
		due = append(due, timedEvent{u.firstSeen, b.stableEvent(path)})
	}
	return sortTimed(due)
}

// stableEvent is the event for a file that stopped changing. Paths the
// index has never seen are creations.
func (b *base) stableEvent(path string) fs.FsEvent {
	if b.opts.IndexLookup != nil {
		if _, ok := b.opts.IndexLookup(path); !ok {
			return fs.NewCreate(path, false)
		}
	}
	return fs.NewModify(path)
}

func (b *base) isRecentDir(path string, now time.Time) bool {
	at, ok := b.recentDirs.Peek(path)
	return ok && now.Sub(at) < b.opts.RecentDirTTL
}

func (b *base) rememberDir(path string, now time.Time) {
	b.recentDirs.Add(path, now)
}

func (b *base) pruneDirs(now time.Time) {
	for _, path := range b.recentDirs.Keys() {
		if at, ok := b.recentDirs.Peek(path); ok && now.Sub(at) >= b.opts.RecentDirTTL {
			b.recentDirs.Remove(path)
		}
	}
}

// nativeRename handles a two path rename.
func (b *base) nativeRename(ev fs.RawEvent, now time.Time) fs.FsEvent {
	from, to := ev.Paths[0], ev.Paths[1]
	isDir := ev.IsDir
	if id, err := b.opts.Stater.Stat(to); err == nil {
		isDir = id.IsDir
	}
	b.recentDirs.Remove(from)
	if isDir {
		b.rememberDir(to, now)
	}
	if u, ok := b.updates[from]; ok {
		delete(b.updates, from)
		b.updates[to] = u
	}
	return fs.NewRename(from, to, isDir)
}

// singleRename rewrites a one path rename into a creation when something
// exists at the path, a removal otherwise.
func (b *base) singleRename(ev fs.RawEvent) fs.RawEvent {
	id, err := b.opts.Stater.Stat(ev.Path())
	switch {
	case err == nil:
		ev.Kind = fs.RawCreate
		ev.IsDir = id.IsDir
	case errors.Is(err, iofs.ErrNotExist):
		ev.Kind = fs.RawRemove
	default:
		l.Debugln("stat of renamed path:", err)
		ev.Kind = fs.RawCreate
	}
	return ev
}

func (b *base) reset() {
	b.updates = make(map[string]*pendingUpdate)
	b.recentDirs.Purge()
}

func sortTimed(evs []timedEvent) []fs.FsEvent {
	if len(evs) == 0 {
		return nil
	}
	sort.Slice(evs, func(a, b int) bool {
		if !evs[a].at.Equal(evs[b].at) {
			return evs[a].at.Before(evs[b].at)
		}
		return evs[a].ev.Path < evs[b].ev.Path
	})
	out := make([]fs.FsEvent, len(evs))
	for i, t := range evs {
		out[i] = t.ev
	}
	return out
}
