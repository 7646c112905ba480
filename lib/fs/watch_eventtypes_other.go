// Copyright (C) 2017 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at http://mozilla.org/MPL/2.0/.

//go:build !linux && !darwin && !(solaris && !cgo) && !(android && amd64)
// +build !linux,!darwin
// +build !solaris cgo
// +build !android !amd64

package fs

import "github.com/syncthing/notify"

const (
	subEventMask = notify.All
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
	case ev&notify.Write != 0:
		return RawModify
	default:
		return RawOther
	}
}

func newEventTranslator() eventTranslator {
	return singleTranslator{}
}
