// Copyright (C) 2017 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at http://mozilla.org/MPL/2.0/.

//go:build darwin && cgo
// +build darwin,cgo

package fs

import "github.com/syncthing/notify"

// FSEvents reports both sides of a rename as independent single path
// notifications.
const (
	subEventMask = notify.Create | notify.Remove | notify.Write | notify.Rename | notify.FSEventsInodeMetaMod
	nativeRename = false
)

func rawKind(ev notify.Event) RawKind {
	switch {
	case ev&notify.Create != 0:
		return RawCreate
	case ev&notify.Remove != 0:
		return RawRemove
	case ev&notify.Rename != 0:
		return RawRename
	case ev&(notify.Write|notify.FSEventsInodeMetaMod) != 0:
		return RawModify
	default:
		return RawOther
	}
}

func newEventTranslator() eventTranslator {
	return singleTranslator{}
}
