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
	"os"
	"path/filepath"
)

// A Source wraps a kernel notification facility. Watch and Unwatch are not
// safe for concurrent use; callers serialize them. Events and Errors are
// read by a single consumer.
type Source interface {
	Watch(path string, recursive bool) error
	Unwatch(path string) error
	Events() <-chan RawEvent
	// Errors carries kernel side errors. They are informational, watching
	// of unrelated paths continues.
	Errors() <-chan error
	// NativeRename reports whether the backend emits two path renames.
	NativeRename() bool
	Close() error
}

type BackendType string

const (
	BackendNotify   BackendType = "notify"
	BackendFsnotify BackendType = "fsnotify"
)

func (t BackendType) String() string {
	return string(t)
}

func (t *BackendType) ParseDefault(v string) error {
	return t.UnmarshalText([]byte(v))
}

func (t *BackendType) UnmarshalText(bs []byte) error {
	switch BackendType(bs) {
	case BackendNotify, BackendFsnotify:
		*t = BackendType(bs)
		return nil
	default:
		return fmt.Errorf("unknown watch backend %q", bs)
	}
}

// Not meant to be changed, but must be changeable for tests
var (
	backendBuffer = 500
	outBuffer     = 64
)

type SourceOptions struct {
	// BackendBuffer is the number of kernel events buffered per watch
	// before an overflow is reported.
	BackendBuffer int
}

// NewSource returns a Source of the given backend type.
func NewSource(backend BackendType, opts SourceOptions) (Source, error) {
	if opts.BackendBuffer <= 0 {
		opts.BackendBuffer = backendBuffer
	}
	switch backend {
	case BackendNotify, "":
		return newNotifySource(opts)
	case BackendFsnotify:
		s, err := NewFsnotifySource(opts)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown watch backend %q", backend)
	}
}

// checkWatchPath resolves path and verifies it exists.
func checkWatchPath(path string) (string, os.FileInfo, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", nil, &WatchFailedError{Path: path, Reason: "invalid path", Err: err}
	}
	info, err := os.Stat(abs)
	if errors.Is(err, fs.ErrNotExist) {
		return "", nil, pathNotFound(abs)
	} else if err != nil {
		return "", nil, &WatchFailedError{Path: abs, Reason: "stat failed", Err: err}
	}
	return abs, info, nil
}

// IsWithin reports whether child is root or a descendant of root.
func IsWithin(root, child string) bool {
	rel, err := filepath.Rel(root, child)
	if err != nil {
		return false
	}
	if rel == "." {
		return true
	}
	return rel != ".." && !hasDotDotPrefix(rel)
}

func hasDotDotPrefix(rel string) bool {
	return len(rel) > 2 && rel[:2] == ".." && os.IsPathSeparator(rel[2])
}
