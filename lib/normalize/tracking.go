// Copyright (C) 2016 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package normalize

import (
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/locwatch/locwatch/lib/fs"
)

// objectKey identifies a filesystem object by inode, or by path when the
// inode is unknown.
type objectKey struct {
	inode uint64
	path  string
}

func keyFor(path string, inode uint64) objectKey {
	if inode != 0 {
		return objectKey{inode: inode}
	}
	return objectKey{path: path}
}

// pendingEntry is a creation or removal waiting for its rename partner.
type pendingEntry struct {
	path  string
	inode uint64
	isDir bool
	at    time.Time
	// Previous path of a pending creation that moved before it became
	// final. Its removal is expected and not a rename.
	prev string
}

type cachedInode struct {
	inode uint64
	isDir bool
	seen  time.Time
}

// tracking reconstructs renames for backends reporting both sides of a
// rename as independent notifications. A removal and a creation of the
// same inode within the rename timeout become a single rename. Unmatched
// ones are emitted by Tick after the timeout.
type tracking struct {
	base
	creates map[objectKey]*pendingEntry
	removes map[objectKey]*pendingEntry
	// Inodes of paths recently seen, so that a removal can be matched
	// after the object is gone from disk.
	inodes *lru.Cache[string, cachedInode]
}

func newTracking(opts Options) (*tracking, error) {
	b, err := newBase(opts)
	if err != nil {
		return nil, err
	}
	inodes, err := lru.New[string, cachedInode](opts.InodeCacheSize)
	if err != nil {
		return nil, err
	}
	return &tracking{
		base:    b,
		creates: make(map[objectKey]*pendingEntry),
		removes: make(map[objectKey]*pendingEntry),
		inodes:  inodes,
	}, nil
}

func (t *tracking) Process(ev fs.RawEvent) []fs.FsEvent {
	if len(ev.Paths) == 0 {
		return nil
	}
	now := eventTime(ev)

	switch ev.Kind {
	case fs.RawCreate:
		return countEvents(t.create(ev, now))
	case fs.RawRemove:
		return countEvents(t.remove(ev, now))
	case fs.RawModify:
		t.modify(ev, now)
		return nil
	case fs.RawRename:
		if len(ev.Paths) > 1 {
			return countEvents(t.rename(ev, now))
		}
		return t.Process(t.singleRename(ev))
	}
	return nil
}

func (t *tracking) create(ev fs.RawEvent, now time.Time) []fs.FsEvent {
	path := ev.Path()
	if t.isRecentDir(path, now) {
		metricSuppressedDirs.Inc()
		l.Debugln("suppressing duplicate directory create of", path)
		return nil
	}

	inode, isDir, ok := t.resolveCreated(ev)
	if !ok {
		l.Debugln("no inode for created", path)
		return t.emitCreate(path, isDir, now)
	}
	t.inodes.Add(path, cachedInode{inode: inode, isDir: isDir, seen: now})
	key := keyFor(path, inode)

	if rm, ok := t.removes[key]; ok {
		delete(t.removes, key)
		if rm.path == path {
			// The same object is back where it was.
			if isDir {
				return nil
			}
			return []fs.FsEvent{fs.NewModify(path)}
		}
		metricRenamesMatched.Inc()
		l.Debugf("matched rename %s -> %s (inode %d)", rm.path, path, inode)
		if isDir {
			t.rememberDir(path, now)
		}
		return []fs.FsEvent{fs.NewRename(rm.path, path, isDir)}
	}

	if c, ok := t.creates[key]; ok {
		if c.path != path {
			l.Debugf("pending create moved %s -> %s", c.path, path)
			c.prev = c.path
			c.path = path
			c.isDir = isDir
		}
		return nil
	}

	t.creates[key] = &pendingEntry{path: path, inode: inode, isDir: isDir, at: now}
	return nil
}

func (t *tracking) remove(ev fs.RawEvent, now time.Time) []fs.FsEvent {
	path := ev.Path()
	t.recentDirs.Remove(path)
	t.forgetUpdates(path)

	inode, isDir, ok := t.resolveRemoved(ev)
	t.inodes.Remove(path)
	if !ok {
		l.Debugln("no inode for removed", path)
		return []fs.FsEvent{fs.NewRemove(path, isDir)}
	}
	key := keyFor(path, inode)

	if c, ok := t.creates[key]; ok {
		switch path {
		case c.path:
			delete(t.creates, key)
			metricNeutralized.Inc()
			l.Debugln("neutralized create and remove of", path)
			return nil
		case c.prev:
			c.prev = ""
			return nil
		}
		// The creation under the new name arrived first.
		delete(t.creates, key)
		metricRenamesMatched.Inc()
		l.Debugf("matched rename %s -> %s (inode %d)", path, c.path, inode)
		if c.isDir {
			t.rememberDir(c.path, now)
		}
		return []fs.FsEvent{fs.NewRename(path, c.path, c.isDir)}
	}

	var out []fs.FsEvent
	if prev, ok := t.removes[key]; ok && prev.path != path {
		out = append(out, fs.NewRemove(prev.path, prev.isDir))
	}
	t.removes[key] = &pendingEntry{path: path, inode: inode, isDir: isDir, at: now}
	return out
}

func (t *tracking) rename(ev fs.RawEvent, now time.Time) []fs.FsEvent {
	from, to := ev.Paths[0], ev.Paths[1]
	if c, ok := t.inodes.Peek(from); ok {
		t.inodes.Remove(from)
		c.seen = now
		t.inodes.Add(to, c)
	}
	// A creation not yet emitted just changes its name.
	for _, c := range t.creates {
		if c.path == from {
			c.path = to
			return nil
		}
	}
	return []fs.FsEvent{t.nativeRename(ev, now)}
}

// resolveCreated finds the inode of a created path: the event hint first,
// then the filesystem.
func (t *tracking) resolveCreated(ev fs.RawEvent) (uint64, bool, bool) {
	id, err := t.opts.Stater.Stat(ev.Path())
	isDir := ev.IsDir
	if err == nil {
		isDir = id.IsDir
	}
	switch {
	case ev.Inode != 0:
		return ev.Inode, isDir, true
	case err == nil:
		return id.Inode, isDir, true
	default:
		return 0, isDir, false
	}
}

// resolveRemoved finds the inode a removed path had: the event hint, the
// cache, the filesystem and finally the index.
func (t *tracking) resolveRemoved(ev fs.RawEvent) (uint64, bool, bool) {
	path := ev.Path()
	isDir := ev.IsDir
	cached, inCache := t.inodes.Peek(path)
	if inCache {
		isDir = isDir || cached.isDir
	}
	switch {
	case ev.Inode != 0:
		return ev.Inode, isDir, true
	case inCache:
		return cached.inode, isDir, true
	}
	if id, err := t.opts.Stater.Stat(path); err == nil {
		return id.Inode, id.IsDir, true
	}
	if t.opts.IndexLookup != nil {
		if inode, ok := t.opts.IndexLookup(path); ok && inode != 0 {
			return inode, isDir, true
		}
	}
	return 0, isDir, false
}

func (t *tracking) emitCreate(path string, isDir bool, now time.Time) []fs.FsEvent {
	if isDir {
		t.rememberDir(path, now)
	}
	return []fs.FsEvent{fs.NewCreate(path, isDir)}
}

// Tick evicts updates, then creations, then removals.
func (t *tracking) Tick(now time.Time) []fs.FsEvent {
	out := t.evictUpdates(now)
	out = append(out, t.evictCreates(now)...)
	out = append(out, t.evictRemoves(now)...)
	t.pruneDirs(now)
	t.pruneInodes(now)
	return countEvents(out)
}

func (t *tracking) evictCreates(now time.Time) []fs.FsEvent {
	var due []timedEvent
	for key, c := range t.creates {
		if now.Sub(c.at) < t.opts.RenameTimeout {
			continue
		}
		delete(t.creates, key)
		if c.isDir && t.isRecentDir(c.path, now) {
			metricSuppressedDirs.Inc()
			continue
		}
		if c.isDir {
			t.rememberDir(c.path, now)
		}
		due = append(due, timedEvent{c.at, fs.NewCreate(c.path, c.isDir)})
	}
	return sortTimed(due)
}

func (t *tracking) evictRemoves(now time.Time) []fs.FsEvent {
	var due []timedEvent
	for key, r := range t.removes {
		if now.Sub(r.at) < t.opts.RenameTimeout {
			continue
		}
		delete(t.removes, key)
		due = append(due, timedEvent{r.at, fs.NewRemove(r.path, r.isDir)})
	}
	return sortTimed(due)
}

func (t *tracking) pruneInodes(now time.Time) {
	for _, path := range t.inodes.Keys() {
		if c, ok := t.inodes.Peek(path); ok && now.Sub(c.seen) >= t.opts.InodeCacheTTL {
			t.inodes.Remove(path)
		}
	}
}

func (t *tracking) Reset() {
	t.reset()
	t.creates = make(map[objectKey]*pendingEntry)
	t.removes = make(map[objectKey]*pendingEntry)
	t.inodes.Purge()
}
