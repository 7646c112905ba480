// Copyright (C) 2016 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package watchaggregator

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/puzpuzpuz/xsync/v3"
	"github.com/thejerf/suture/v4"

	"github.com/locwatch/locwatch/lib/fs"
	"github.com/locwatch/locwatch/lib/fswatcher"
	"github.com/locwatch/locwatch/lib/svcutil"
)

var (
	ErrRootExists  = errors.New("root already managed")
	ErrUnknownRoot = errors.New("unknown root")
)

type managedRoot struct {
	worker *LocationWorker
	cfg    fswatcher.WatchConfig
	token  suture.ServiceToken
}

// Manager runs one LocationWorker per root and routes the registry's
// broadcast to them.
type Manager struct {
	*suture.Supervisor
	registry  *fswatcher.Registry
	opts      Options
	applier   Applier
	reindexer Reindexer
	sub       *fswatcher.Subscription
	// Keyed by absolute root path.
	roots *xsync.MapOf[string, *managedRoot]
}

func NewManager(registry *fswatcher.Registry, opts Options, applier Applier, reindexer Reindexer) *Manager {
	opts = opts.withDefaults()
	if reindexer == nil {
		reindexer = EventReindexer{Events: opts.Events}
	}
	m := &Manager{
		Supervisor: suture.New("watchaggregator.Manager", svcutil.SpecWithDebugLogger(l)),
		registry:   registry,
		opts:       opts,
		applier:    applier,
		reindexer:  reindexer,
		roots:      xsync.NewMapOf[string, *managedRoot](),
	}
	// Subscribed up front so that nothing broadcast after the first
	// AddRoot is missed.
	m.sub = registry.Subscribe()
	m.Add(svcutil.AsService(m.route, m.String()))
	svcutil.OnSupervisorDone(m.Supervisor, func() { registry.Unsubscribe(m.sub) })
	return m
}

// AddRoot watches path and starts its worker. Batches are applied with
// id as the root ID.
func (m *Manager) AddRoot(ctx context.Context, id, path string, cfg fswatcher.WatchConfig) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	if _, ok := m.roots.Load(abs); ok {
		return fmt.Errorf("%w: %s", ErrRootExists, abs)
	}
	if err := m.registry.WatchPath(ctx, abs, cfg); err != nil {
		return err
	}

	w := NewLocationWorker(id, abs, m.opts, m.applier, m.reindexer)
	root := &managedRoot{worker: w, cfg: cfg}
	if _, loaded := m.roots.LoadOrStore(abs, root); loaded {
		// Lost a race against a concurrent AddRoot of the same path.
		_ = m.registry.Unwatch(ctx, abs)
		return fmt.Errorf("%w: %s", ErrRootExists, abs)
	}
	root.token = m.Add(w)
	l.Debugln("added root", id, abs)
	return nil
}

// RemoveRoot stops the worker of path and unwatches it. Queued events are
// dropped.
func (m *Manager) RemoveRoot(ctx context.Context, path string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	root, ok := m.roots.LoadAndDelete(abs)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownRoot, abs)
	}
	if err := m.RemoveAndWait(root.token, svcutil.ServiceTimeout); err != nil {
		l.Infoln("Stopping worker:", err)
	}
	deleteMetrics(root.worker.rootID)
	l.Debugln("removed root", root.worker.rootID, abs)
	return m.registry.Unwatch(ctx, abs)
}

// Roots returns the managed root paths mapped to their IDs.
func (m *Manager) Roots() map[string]string {
	res := make(map[string]string)
	m.roots.Range(func(path string, root *managedRoot) bool {
		res[path] = root.worker.rootID
		return true
	})
	return res
}

// HandleLostEvents requests a reindex of the root containing path. It
// serves as the registry's reindex hook and does not block.
func (m *Manager) HandleLostEvents(path, reason string) {
	root := m.rootFor(path)
	if root == nil {
		l.Debugln("lost events outside managed roots:", path)
		return
	}
	req := ReindexRequest{RootID: root.worker.rootID, Path: root.worker.root, Reason: reason}
	go func() {
		if err := m.reindexer.RequestReindex(context.Background(), req); err != nil {
			l.Warnf("Requesting reindex of %s: %v", req.RootID, err)
		}
	}()
}

func (m *Manager) route(ctx context.Context) error {
	lagged := m.sub.Lagged()
	for {
		select {
		case ev, ok := <-m.sub.C():
			if !ok {
				return svcutil.NoRestartErr(nil)
			}
			if cur := m.sub.Lagged(); cur != lagged {
				l.Infof("%v: lost %d events from the watcher, reindexing all roots", m, cur-lagged)
				lagged = cur
				m.markAllLost()
			}
			m.dispatch(ev)
		case <-ctx.Done():
			return nil
		}
	}
}

// markAllLost makes every worker discard its backlog and request a reindex.
// Dropped events carry no root, so all of them are affected.
func (m *Manager) markAllLost() {
	m.roots.Range(func(_ string, root *managedRoot) bool {
		root.worker.MarkLost()
		return true
	})
}

// dispatch hands the event to the worker of its root. A rename across
// roots becomes a removal in one and a creation in the other.
func (m *Manager) dispatch(ev fs.FsEvent) {
	if ev.Type != fs.Rename {
		m.send(m.rootFor(ev.Path), ev)
		return
	}
	from, to := m.rootFor(ev.Path), m.rootFor(ev.To)
	if from == to {
		m.send(from, ev)
		return
	}
	m.send(from, fs.NewRemove(ev.Path, ev.IsDir))
	m.send(to, fs.NewCreate(ev.To, ev.IsDir))
}

func (m *Manager) send(root *managedRoot, ev fs.FsEvent) {
	if root == nil {
		l.Debugln("event outside managed roots:", ev)
		return
	}
	root.worker.Send(ev)
}

// rootFor returns the innermost managed root that wants path, falling back
// to the innermost one containing it.
func (m *Manager) rootFor(path string) *managedRoot {
	var best, containing *managedRoot
	m.roots.Range(func(rootPath string, root *managedRoot) bool {
		if !fs.IsWithin(rootPath, path) {
			return true
		}
		if containing == nil || len(rootPath) > len(containing.worker.root) {
			containing = root
		}
		if root.cfg.Accepts(rootPath, path) && (best == nil || len(rootPath) > len(best.worker.root)) {
			best = root
		}
		return true
	})
	if best == nil {
		return containing
	}
	return best
}

func (m *Manager) String() string {
	return fmt.Sprintf("watchaggregator.Manager@%p", m)
}
