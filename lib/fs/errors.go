// Copyright (C) 2016 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package fs

import (
	"errors"
	"fmt"
)

var (
	ErrPathNotFound  = errors.New("path not found")
	ErrWatchNotFound = errors.New("path is not watched")
	ErrSourceClosed  = errors.New("watch source closed")
)

// WatchFailedError is returned when the kernel refuses a watch registration,
// typically due to descriptor or watch limit exhaustion.
type WatchFailedError struct {
	Path   string
	Reason string
	Err    error
}

func (e *WatchFailedError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("watching %s failed: %s", e.Path, e.Reason)
	}
	return fmt.Sprintf("watching %s failed: %s: %v", e.Path, e.Reason, e.Err)
}

func (e *WatchFailedError) Unwrap() error {
	return e.Err
}

func watchFailed(path string, err error) error {
	reason := "kernel registration failed"
	if reachedMaxUserWatches(err) {
		reason = "watch limit reached, please increase the inotify limits (fs.inotify.max_user_watches)"
	}
	return &WatchFailedError{Path: path, Reason: reason, Err: err}
}

func pathNotFound(path string) error {
	return fmt.Errorf("%w: %s", ErrPathNotFound, path)
}
