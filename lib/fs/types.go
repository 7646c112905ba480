// Copyright (C) 2016 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package fs

import (
	"fmt"
	"time"
)

// RawKind classifies an unprocessed kernel notification.
type RawKind int

const (
	RawOther RawKind = iota
	RawCreate
	RawModify
	RawRemove
	RawRename
	// RawOverflow reports that the backend lost events below Paths[0].
	RawOverflow
)

func (k RawKind) String() string {
	switch k {
	case RawCreate:
		return "Create"
	case RawModify:
		return "Modify"
	case RawRemove:
		return "Remove"
	case RawRename:
		return "Rename"
	case RawOverflow:
		return "Overflow"
	default:
		return "Other"
	}
}

// RawEvent is a kernel notification translated into a platform neutral
// shape. A rename from a backend with native rename support carries two
// paths, old and new. Inode is a hint and zero when the backend has none.
type RawEvent struct {
	Kind  RawKind
	Paths []string
	Time  time.Time
	Inode uint64
	IsDir bool
}

// Path returns the first, and usually only, path of the event.
func (e RawEvent) Path() string {
	if len(e.Paths) == 0 {
		return ""
	}
	return e.Paths[0]
}

func (e RawEvent) String() string {
	return fmt.Sprintf("%v%v", e.Kind, e.Paths)
}

// EventType is the kind of a normalized filesystem event.
type EventType int

const (
	Create EventType = iota + 1
	CreateDir
	Modify
	Remove
	Rename
)

func (t EventType) String() string {
	switch t {
	case Create:
		return "Create"
	case CreateDir:
		return "CreateDir"
	case Modify:
		return "Modify"
	case Remove:
		return "Remove"
	case Rename:
		return "Rename"
	default:
		return "Unknown"
	}
}

func (t EventType) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// FsEvent is a normalized logical change. For a Rename, Path is the source
// and To the destination; To is empty for every other type. Values are not
// modified after they are emitted.
type FsEvent struct {
	Type  EventType `json:"type"`
	Path  string    `json:"path"`
	To    string    `json:"to,omitempty"`
	IsDir bool      `json:"isDir,omitempty"`
}

func NewCreate(path string, isDir bool) FsEvent {
	if isDir {
		return FsEvent{Type: CreateDir, Path: path, IsDir: true}
	}
	return FsEvent{Type: Create, Path: path}
}

func NewModify(path string) FsEvent {
	return FsEvent{Type: Modify, Path: path}
}

func NewRemove(path string, isDir bool) FsEvent {
	return FsEvent{Type: Remove, Path: path, IsDir: isDir}
}

func NewRename(from, to string, isDir bool) FsEvent {
	return FsEvent{Type: Rename, Path: from, To: to, IsDir: isDir}
}

func (e FsEvent) String() string {
	if e.Type == Rename {
		return fmt.Sprintf("Rename{%s -> %s dir=%v}", e.Path, e.To, e.IsDir)
	}
	return fmt.Sprintf("%v{%s}", e.Type, e.Path)
}
