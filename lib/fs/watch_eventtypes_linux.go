// Copyright (C) 2017 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at http://mozilla.org/MPL/2.0/.

//go:build linux && !(android && amd64)
// +build linux
// +build !android !amd64

package fs

import (
	"time"

	"github.com/syncthing/notify"
	"golang.org/x/sys/unix"
)

// inotify pairs IN_MOVED_FROM and IN_MOVED_TO through a shared cookie.
// Notify reports them as Rename and Create respectively.
const (
	subEventMask = notify.All
	nativeRename = true
)

func rawKind(ev notify.Event) RawKind {
	switch {
	case ev&notify.Create != 0:
		return RawCreate
	case ev&notify.Remove != 0:
		return RawRemove
	case ev&notify.Rename != 0:
		return RawRename
	case ev&notify.Write != 0:
		return RawModify
	default:
		return RawOther
	}
}

type pendingMove struct {
	path   string
	cookie uint32
	isDir  bool
	time   time.Time
}

type inotifyTranslator struct {
	from *pendingMove
}

func newEventTranslator() eventTranslator {
	return &inotifyTranslator{}
}

func (t *inotifyTranslator) translate(ev notify.EventInfo, now time.Time) []RawEvent {
	var cookie uint32
	var isDir bool
	if sys, ok := ev.Sys().(*unix.InotifyEvent); ok {
		cookie = sys.Cookie
		isDir = sys.Mask&unix.IN_ISDIR != 0
	}

	kind := rawKind(ev.Event())
	switch {
	case kind == RawRename && cookie != 0:
		out := t.flush()
		t.from = &pendingMove{path: ev.Path(), cookie: cookie, isDir: isDir, time: now}
		return out

	case kind == RawCreate && cookie != 0 && t.from != nil && t.from.cookie == cookie:
		from := t.from
		t.from = nil
		return []RawEvent{{Kind: RawRename, Paths: []string{from.path, ev.Path()}, Time: now, IsDir: isDir}}

	case kind == RawOther:
		return nil
	}

	out := t.flush()
	return append(out, RawEvent{Kind: kind, Paths: []string{ev.Path()}, Time: now, IsDir: isDir})
}

// flush releases a moved-from notification whose partner never arrived,
// meaning the object left the watched tree.
func (t *inotifyTranslator) flush() []RawEvent {
	if t.from == nil {
		return nil
	}
	from := t.from
	t.from = nil
	return []RawEvent{{Kind: RawRename, Paths: []string{from.path}, Time: from.time, IsDir: from.isDir}}
}

func (t *inotifyTranslator) pending() bool {
	return t.from != nil
}
