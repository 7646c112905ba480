// Copyright (C) 2016 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at http://mozilla.org/MPL/2.0/.

//go:build (solaris && !cgo) || (darwin && !cgo) || (android && amd64)
// +build solaris,!cgo darwin,!cgo android,amd64

package fs

import (
	"fmt"
	"runtime"
)

func newNotifySource(SourceOptions) (Source, error) {
	return nil, fmt.Errorf("notify backend not available on %v-%v", runtime.GOOS, runtime.GOARCH)
}
