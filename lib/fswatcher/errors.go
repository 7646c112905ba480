// Copyright (C) 2016 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package fswatcher

import (
	"errors"
	"fmt"
)

var (
	ErrAlreadyRunning = errors.New("watch registry already running")
	ErrStopped        = errors.New("watch registry stopped")
	errSourceFailed   = errors.New("watch source failed")
)

// StartFailedError is returned by Serve when the watch source cannot be
// created.
type StartFailedError struct {
	Err error
}

func (e *StartFailedError) Error() string {
	return fmt.Sprintf("starting watch registry: %v", e.Err)
}

func (e *StartFailedError) Unwrap() error {
	return e.Err
}
