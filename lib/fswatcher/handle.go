// Copyright (C) 2016 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package fswatcher

import (
	"context"
	"errors"
	"sync"
	"time"
)

var releaseTimeout = 30 * time.Second

// WatchHandle is one reference to a watched root.
type WatchHandle struct {
	r    *Registry
	path string
	once sync.Once
	done chan struct{}
}

func (h *WatchHandle) Path() string {
	return h.path
}

// Release drops the reference in the background. Nothing guarantees when,
// or whether, the kernel watch is gone afterwards; callers needing that
// use Registry.Unwatch. Releasing more than once has no effect.
func (h *WatchHandle) Release() {
	h.once.Do(func() {
		h.done = make(chan struct{})
		go func() {
			defer close(h.done)
			ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
			defer cancel()
			if err := h.r.Unwatch(ctx, h.path); err != nil && !errors.Is(err, ErrStopped) {
				l.Infof("Releasing watch of %s: %v", h.path, err)
			}
		}()
	})
}
