// Copyright (C) 2016 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package normalize

import (
	"time"

	"github.com/locwatch/locwatch/lib/fs"
)

// passthrough serves backends that pair renames in the kernel. Creations
// and removals are final as soon as they arrive.
type passthrough struct {
	base
}

func newPassthrough(opts Options) (*passthrough, error) {
	b, err := newBase(opts)
	if err != nil {
		return nil, err
	}
	return &passthrough{base: b}, nil
}

func (p *passthrough) Process(ev fs.RawEvent) []fs.FsEvent {
	if len(ev.Paths) == 0 {
		return nil
	}
	now := eventTime(ev)

	switch ev.Kind {
	case fs.RawCreate:
		path := ev.Path()
		if p.isRecentDir(path, now) {
			metricSuppressedDirs.Inc()
			l.Debugln("suppressing duplicate directory create of", path)
			return nil
		}
		isDir := ev.IsDir
		if id, err := p.opts.Stater.Stat(path); err == nil {
			isDir = id.IsDir
		}
		if isDir {
			p.rememberDir(path, now)
		}
		return countEvents([]fs.FsEvent{fs.NewCreate(path, isDir)})

	case fs.RawRemove:
		path := ev.Path()
		p.recentDirs.Remove(path)
		p.forgetUpdates(path)
		return countEvents([]fs.FsEvent{fs.NewRemove(path, ev.IsDir)})

	case fs.RawModify:
		p.modify(ev, now)
		return nil

	case fs.RawRename:
		if len(ev.Paths) > 1 {
			return countEvents([]fs.FsEvent{p.nativeRename(ev, now)})
		}
		return p.Process(p.singleRename(ev))
	}
	return nil
}

func (p *passthrough) Tick(now time.Time) []fs.FsEvent {
	out := p.evictUpdates(now)
	p.pruneDirs(now)
	return countEvents(out)
}

func (p *passthrough) Reset() {
	p.reset()
}
