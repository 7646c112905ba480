// Copyright (C) 2016 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package watchaggregator

import (
	"path/filepath"
	"sort"
	"strings"

	"github.com/locwatch/locwatch/lib/fs"
)

// Batch is the finalized form of the events of one debounce window.
type Batch struct {
	Events []fs.FsEvent
	// Number of input events cancelled by a create and a remove of the
	// same path.
	Neutralized int
	// Number of renames absorbed into rename chains.
	Collapsed int
}

// Finalize coalesces, collapses rename chains and orders the events of a
// batch so that they can be applied sequentially.
func Finalize(evs []fs.FsEvent) Batch {
	paths, renames := split(evs)
	coalesced, neutralized := coalesce(paths)
	chains, collapsed := collapseRenames(renames)
	return Batch{
		Events:      orderParentFirst(merge(coalesced, chains)),
		Neutralized: neutralized,
		Collapsed:   collapsed,
	}
}

// positioned remembers where in the batch an event came from.
type positioned struct {
	idx int
	ev  fs.FsEvent
}

func split(evs []fs.FsEvent) (paths, renames []positioned) {
	for i, ev := range evs {
		if ev.Type == fs.Rename {
			renames = append(renames, positioned{i, ev})
		} else {
			paths = append(paths, positioned{i, ev})
		}
	}
	return paths, renames
}

type pathGroup struct {
	idx   int
	count int
	// Whether the path existed before the batch, judged by its first event.
	existed bool
	// The last create or remove decides whether it exists afterwards.
	last   *fs.FsEvent
	create *fs.FsEvent
	remove *fs.FsEvent
	modify *fs.FsEvent
}

// coalesce reduces the events of each path to what changed between the
// start and the end of the batch. A create followed by a remove cancels out,
// a remove absorbs modifications and a remove followed by a create is a
// replacement.
func coalesce(evs []positioned) ([]positioned, int) {
	groups := make(map[string]*pathGroup)
	var order []string
	for _, p := range evs {
		ev := p.ev
		g, ok := groups[ev.Path]
		if !ok {
			g = &pathGroup{idx: p.idx, existed: ev.Type != fs.Create && ev.Type != fs.CreateDir}
			groups[ev.Path] = g
			order = append(order, ev.Path)
		}
		g.count++
		switch ev.Type {
		case fs.Create, fs.CreateDir:
			g.create = &ev
			g.last = &ev
		case fs.Remove:
			g.remove = &ev
			g.last = &ev
		case fs.Modify:
			if g.modify == nil {
				g.modify = &ev
			}
		}
	}

	var out []positioned
	neutralized := 0
	for _, path := range order {
		g := groups[path]
		exists := g.existed
		if g.last != nil {
			exists = g.last.Type != fs.Remove
		}
		switch {
		case !g.existed && !exists:
			neutralized += g.count
			l.Debugln("neutralized", g.count, "events for", path)
		case !g.existed:
			out = append(out, positioned{g.idx, *g.create})
		case !exists:
			out = append(out, positioned{g.idx, *g.remove})
		case g.remove != nil && g.create != nil:
			if !g.remove.IsDir && g.create.Type == fs.Create {
				// A file replaced in place
				out = append(out, positioned{g.idx, fs.NewModify(path)})
			} else {
				out = append(out, positioned{g.idx, *g.remove}, positioned{g.idx, *g.create})
			}
		case g.create != nil:
			out = append(out, positioned{g.idx, *g.create})
		case g.modify != nil:
			out = append(out, positioned{g.idx, *g.modify})
		}
	}
	return out, neutralized
}

// collapseRenames folds chains A->B, B->C into A->C. A rename only extends
// a chain when it comes later in the batch and moves the chain's current
// destination, and only when no rename in between touches the chain's
// source or the new destination. Anything else is kept as is, in order. A
// chain that ends where it started vanishes.
func collapseRenames(renames []positioned) ([]positioned, int) {
	if len(renames) == 0 {
		return nil, 0
	}
	used := make([]bool, len(renames))
	var out []positioned
	for i, head := range renames {
		if used[i] {
			continue
		}
		used[i] = true
		to, isDir := head.ev.To, head.ev.IsDir
		cur := i
		for {
			next := -1
			for j := cur + 1; j < len(renames); j++ {
				if !used[j] && renames[j].ev.Path == to {
					next = j
					break
				}
			}
			if next < 0 || conflicts(renames, used, i, next, head.ev.Path, renames[next].ev.To) {
				break
			}
			used[next] = true
			to = renames[next].ev.To
			isDir = isDir || renames[next].ev.IsDir
			cur = next
		}
		if to == head.ev.Path {
			l.Debugln("rename chain from", to, "returned to its start")
			continue
		}
		out = append(out, positioned{head.idx, fs.NewRename(head.ev.Path, to, isDir)})
	}
	return out, len(renames) - len(out)
}

// conflicts reports whether a rename between positions from and to, not
// already part of the chain, touches either path.
func conflicts(renames []positioned, used []bool, from, to int, paths ...string) bool {
	for k := from + 1; k < to; k++ {
		if used[k] {
			continue
		}
		for _, path := range paths {
			if renames[k].ev.Path == path || renames[k].ev.To == path {
				return true
			}
		}
	}
	return false
}

func merge(a, b []positioned) []fs.FsEvent {
	all := append(a, b...)
	sort.SliceStable(all, func(i, j int) bool {
		return all[i].idx < all[j].idx
	})
	out := make([]fs.FsEvent, len(all))
	for i, p := range all {
		out[i] = p.ev
	}
	return out
}

// orderParentFirst puts directory events first, shallowest first, followed
// by file events in their original order.
func orderParentFirst(evs []fs.FsEvent) []fs.FsEvent {
	// A file removed to make room for a directory stays ahead of it.
	dirPaths := make(map[string]struct{})
	for _, ev := range evs {
		if ev.Type == fs.CreateDir {
			dirPaths[ev.Path] = struct{}{}
		}
	}
	var dirs, files []fs.FsEvent
	for _, ev := range evs {
		_, replaced := dirPaths[ev.Path]
		if ev.IsDir || ev.Type == fs.CreateDir || (replaced && ev.Type == fs.Remove) {
			dirs = append(dirs, ev)
		} else {
			files = append(files, ev)
		}
	}
	sort.SliceStable(dirs, func(i, j int) bool {
		return depth(dirs[i]) < depth(dirs[j])
	})
	return append(dirs, files...)
}

func depth(ev fs.FsEvent) int {
	path := ev.Path
	if ev.Type == fs.Rename {
		path = ev.To
	}
	return strings.Count(filepath.ToSlash(filepath.Clean(path)), "/")
}
