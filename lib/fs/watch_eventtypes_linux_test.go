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
	"testing"
	"time"

	"github.com/d4l3k/messagediff"
	"github.com/syncthing/notify"
	"golang.org/x/sys/unix"
)

type inotifyEventInfo struct {
	path string
	ev   notify.Event
	sys  *unix.InotifyEvent
}

func (e inotifyEventInfo) Path() string       { return e.path }
func (e inotifyEventInfo) Event() notify.Event { return e.ev }
func (e inotifyEventInfo) Sys() interface{}    { return e.sys }

func movedFrom(path string, cookie uint32) inotifyEventInfo {
	return inotifyEventInfo{path, notify.Rename, &unix.InotifyEvent{Mask: unix.IN_MOVED_FROM, Cookie: cookie}}
}

func movedTo(path string, cookie uint32) inotifyEventInfo {
	return inotifyEventInfo{path, notify.Create, &unix.InotifyEvent{Mask: unix.IN_MOVED_TO, Cookie: cookie}}
}

func stripTimes(evs []RawEvent) []RawEvent {
	for i := range evs {
		evs[i].Time = time.Time{}
	}
	return evs
}

func TestInotifyRenamePairing(t *testing.T) {
	now := time.Now()
	cases := []struct {
		name     string
		in       []notify.EventInfo
		flush    bool
		expected []RawEvent
	}{
		{
			name: "paired",
			in:   []notify.EventInfo{movedFrom("/r/a", 7), movedTo("/r/b", 7)},
			expected: []RawEvent{
				{Kind: RawRename, Paths: []string{"/r/a", "/r/b"}},
			},
		},
		{
			name: "moved out",
			in:   []notify.EventInfo{movedFrom("/r/a", 7)},
			// held back until the pairing window passes
			flush: true,
			expected: []RawEvent{
				{Kind: RawRename, Paths: []string{"/r/a"}},
			},
		},
		{
			name: "moved in",
			in:   []notify.EventInfo{movedTo("/r/b", 9)},
			expected: []RawEvent{
				{Kind: RawCreate, Paths: []string{"/r/b"}},
			},
		},
		{
			name: "cookie mismatch",
			in:   []notify.EventInfo{movedFrom("/r/a", 1), movedTo("/r/b", 2)},
			expected: []RawEvent{
				{Kind: RawRename, Paths: []string{"/r/a"}},
				{Kind: RawCreate, Paths: []string{"/r/b"}},
			},
		},
		{
			name: "directory",
			in: []notify.EventInfo{
				inotifyEventInfo{"/r/d", notify.Rename, &unix.InotifyEvent{Mask: unix.IN_MOVED_FROM | unix.IN_ISDIR, Cookie: 3}},
				inotifyEventInfo{"/r/e", notify.Create, &unix.InotifyEvent{Mask: unix.IN_MOVED_TO | unix.IN_ISDIR, Cookie: 3}},
			},
			expected: []RawEvent{
				{Kind: RawRename, Paths: []string{"/r/d", "/r/e"}, IsDir: true},
			},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tr := newEventTranslator()
			var got []RawEvent
			for _, ev := range tc.in {
				got = append(got, tr.translate(ev, now)...)
			}
			if tc.flush {
				if !tr.pending() {
					t.Fatal("expected a pending move")
				}
				got = append(got, tr.flush()...)
			}
			if tr.pending() {
				t.Error("translator still holds a move")
			}
			if diff, equal := messagediff.PrettyDiff(tc.expected, stripTimes(got)); !equal {
				t.Errorf("unexpected raw events:\n%s", diff)
			}
		})
	}
}
