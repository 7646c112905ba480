// Copyright (C) 2016 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package fswatcher

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/locwatch/locwatch/lib/events"
	"github.com/locwatch/locwatch/lib/fs"
	"github.com/locwatch/locwatch/lib/normalize"
)

type reindexCall struct {
	root, reason string
}

type testRegistry struct {
	*Registry
	mut      sync.Mutex
	sources  []*fs.FakeSource
	reindex  []reindexCall
	cancel   context.CancelFunc
	serveErr chan error
}

func (tr *testRegistry) source(i int) *fs.FakeSource {
	tr.mut.Lock()
	defer tr.mut.Unlock()
	return tr.sources[i]
}

func (tr *testRegistry) reindexCalls() []reindexCall {
	tr.mut.Lock()
	defer tr.mut.Unlock()
	return append([]reindexCall(nil), tr.reindex...)
}

// serve runs the event loop once in the background.
func (tr *testRegistry) serve(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	tr.cancel = cancel
	tr.serveErr = make(chan error, 1)
	go func() { tr.serveErr <- tr.Serve(ctx) }()
	t.Cleanup(cancel)
}

func newTestRegistry(t *testing.T, native bool) *testRegistry {
	t.Helper()
	tr := &testRegistry{}
	opts := Options{
		Normalizer:      normalize.KindAuto,
		TickInterval:    10 * time.Millisecond,
		BroadcastBuffer: 100,
		Events:          events.NewLogger(),
		Reindex: func(root, reason string) {
			tr.mut.Lock()
			tr.reindex = append(tr.reindex, reindexCall{root, reason})
			tr.mut.Unlock()
		},
	}
	opts.NormalizerOptions = normalize.DefaultOptions()
	opts.NormalizerOptions.Stater = fs.OSStater{}
	tr.Registry = New(func() (fs.Source, error) {
		src := fs.NewFakeSource(native)
		src.Exists = func(p string) bool { return !strings.HasSuffix(p, "missing") }
		tr.mut.Lock()
		tr.sources = append(tr.sources, src)
		tr.mut.Unlock()
		return src, nil
	}, opts)
	return tr
}

func testCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func receive(t *testing.T, sub *Subscription) fs.FsEvent {
	t.Helper()
	select {
	case ev := <-sub.C():
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return fs.FsEvent{}
}

func expectNothing(t *testing.T, sub *Subscription) {
	t.Helper()
	select {
	case ev := <-sub.C():
		t.Fatalf("unexpected event %v", ev)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestWatchRefcount(t *testing.T) {
	tr := newTestRegistry(t, true)
	tr.serve(t)
	ctx := testCtx(t)
	root := t.TempDir()

	h1, err := tr.Watch(ctx, root, WatchConfig{Recursive: true})
	require.NoError(t, err)
	require.NoError(t, tr.WatchPath(ctx, root, WatchConfig{}))
	assert.Equal(t, []string{root}, tr.source(0).Watched())

	require.NoError(t, tr.Unwatch(ctx, root))
	assert.Equal(t, []string{root}, tr.source(0).Watched())

	require.NoError(t, tr.Unwatch(ctx, h1.Path()))
	assert.Empty(t, tr.source(0).Watched())

	err = tr.Unwatch(ctx, root)
	assert.True(t, errors.Is(err, fs.ErrWatchNotFound), err)
}

func TestWatchMissingPath(t *testing.T) {
	tr := newTestRegistry(t, true)
	tr.serve(t)

	_, err := tr.Watch(testCtx(t), filepath.Join(t.TempDir(), "missing"), WatchConfig{})
	assert.True(t, errors.Is(err, fs.ErrPathNotFound), err)
}

func TestHandleRelease(t *testing.T) {
	tr := newTestRegistry(t, true)
	tr.serve(t)
	ctx := testCtx(t)
	root := t.TempDir()

	h, err := tr.Watch(ctx, root, WatchConfig{Recursive: true})
	require.NoError(t, err)
	h.Release()
	h.Release()
	<-h.done

	assert.Empty(t, tr.source(0).Watched())
}

func TestBroadcastAndFilter(t *testing.T) {
	tr := newTestRegistry(t, true)
	sub1 := tr.Subscribe()
	sub2 := tr.Subscribe()
	tr.serve(t)
	ctx := testCtx(t)
	root := t.TempDir()

	_, err := tr.Watch(ctx, root, WatchConfig{
		Recursive: true,
		Filter:    func(p string) bool { return filepath.Base(p) != "ignored" },
	})
	require.NoError(t, err)

	src := tr.source(0)
	src.Send(
		fs.RawEvent{Kind: fs.RawRemove, Paths: []string{filepath.Join(root, "ignored")}},
		fs.RawEvent{Kind: fs.RawRemove, Paths: []string{filepath.Join(t.TempDir(), "outside")}},
		fs.RawEvent{Kind: fs.RawRemove, Paths: []string{filepath.Join(root, "file")}},
	)

	expected := fs.NewRemove(filepath.Join(root, "file"), false)
	assert.Equal(t, expected, receive(t, sub1))
	assert.Equal(t, expected, receive(t, sub2))
	expectNothing(t, sub1)

	c := tr.Counters()
	assert.Equal(t, uint64(3), c.EventsReceived)
	assert.Equal(t, uint64(1), c.EventsEmitted)

	tr.Unsubscribe(sub2)
	tr.Unsubscribe(sub2)
	_, ok := <-sub2.C()
	assert.False(t, ok)
}

func TestNonRecursiveRoot(t *testing.T) {
	tr := newTestRegistry(t, true)
	sub := tr.Subscribe()
	tr.serve(t)
	root := t.TempDir()

	require.NoError(t, tr.WatchPath(testCtx(t), root, WatchConfig{}))
	tr.source(0).Send(
		fs.RawEvent{Kind: fs.RawRemove, Paths: []string{filepath.Join(root, "sub", "deep")}},
		fs.RawEvent{Kind: fs.RawRemove, Paths: []string{filepath.Join(root, "sub")}},
	)
	assert.Equal(t, fs.NewRemove(filepath.Join(root, "sub"), false), receive(t, sub))
	expectNothing(t, sub)
}

func TestNestedRootsFallBack(t *testing.T) {
	tr := newTestRegistry(t, true)
	sub := tr.Subscribe()
	tr.serve(t)
	outer := t.TempDir()
	inner := filepath.Join(outer, "inner")

	require.NoError(t, os.Mkdir(inner, 0o755))
	require.NoError(t, tr.WatchPath(testCtx(t), outer, WatchConfig{
		Recursive: true,
		Filter:    func(p string) bool { return filepath.Ext(p) != ".log" },
	}))
	require.NoError(t, tr.WatchPath(testCtx(t), inner, WatchConfig{
		Filter: func(p string) bool { return filepath.Ext(p) != ".tmp" },
	}))

	deep := filepath.Join(inner, "sub", "deep")
	tmp := filepath.Join(inner, "x.tmp")
	tr.source(0).Send(
		fs.RawEvent{Kind: fs.RawRemove, Paths: []string{deep}},
		fs.RawEvent{Kind: fs.RawRemove, Paths: []string{tmp}},
		// Rejected by both roots
		fs.RawEvent{Kind: fs.RawRemove, Paths: []string{filepath.Join(inner, "sub", "x.log")}},
	)
	assert.Equal(t, fs.NewRemove(deep, false), receive(t, sub))
	assert.Equal(t, fs.NewRemove(tmp, false), receive(t, sub))
	expectNothing(t, sub)
}

func TestFilteredRenameDegrades(t *testing.T) {
	tr := newTestRegistry(t, true)
	sub := tr.Subscribe()
	tr.serve(t)
	root := t.TempDir()

	require.NoError(t, tr.WatchPath(testCtx(t), root, WatchConfig{
		Recursive: true,
		Filter:    func(p string) bool { return filepath.Ext(p) != ".tmp" },
	}))
	tr.source(0).Send(fs.RawEvent{
		Kind:  fs.RawRename,
		Paths: []string{filepath.Join(root, "a.txt"), filepath.Join(root, "a.tmp")},
	})
	assert.Equal(t, fs.NewRemove(filepath.Join(root, "a.txt"), false), receive(t, sub))
}

// The tracking normalizer gets driven by the tick.
func TestTickDrivesNormalizer(t *testing.T) {
	tr := newTestRegistry(t, false)
	tr.opts.NormalizerOptions.RenameTimeout = 50 * time.Millisecond
	sub := tr.Subscribe()
	tr.serve(t)
	root := t.TempDir()

	require.NoError(t, tr.WatchPath(testCtx(t), root, WatchConfig{Recursive: true}))
	gone := filepath.Join(root, "gone")
	tr.source(0).Send(fs.RawEvent{Kind: fs.RawRemove, Paths: []string{gone}, Inode: 99, Time: time.Now()})
	assert.Equal(t, fs.NewRemove(gone, false), receive(t, sub))
}

func TestKernelOverflow(t *testing.T) {
	tr := newTestRegistry(t, true)
	tr.serve(t)
	root := t.TempDir()

	require.NoError(t, tr.WatchPath(testCtx(t), root, WatchConfig{Recursive: true}))
	tr.source(0).Send(fs.RawEvent{Kind: fs.RawOverflow, Paths: []string{root}})

	require.Eventually(t, func() bool { return len(tr.reindexCalls()) == 1 }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, reindexCall{root, ReasonKernelOverflow}, tr.reindexCalls()[0])
}

func TestAlreadyRunning(t *testing.T) {
	tr := newTestRegistry(t, true)
	tr.serve(t)
	// The loop is up once it answers a request.
	require.NoError(t, tr.WatchPath(testCtx(t), t.TempDir(), WatchConfig{}))

	err := tr.Serve(context.Background())
	assert.True(t, errors.Is(err, ErrAlreadyRunning), err)
}

func TestStartFailed(t *testing.T) {
	factoryErr := errors.New("no inotify for you")
	r := New(func() (fs.Source, error) { return nil, factoryErr }, Options{Events: events.NewLogger()})

	err := r.Serve(context.Background())
	var sfe *StartFailedError
	require.True(t, errors.As(err, &sfe), err)
	assert.True(t, errors.Is(err, factoryErr))
}

func TestStopped(t *testing.T) {
	tr := newTestRegistry(t, true)
	tr.serve(t)
	require.NoError(t, tr.WatchPath(testCtx(t), t.TempDir(), WatchConfig{}))
	tr.cancel()
	require.NoError(t, <-tr.serveErr)

	err := tr.WatchPath(testCtx(t), t.TempDir(), WatchConfig{})
	assert.True(t, errors.Is(err, ErrStopped), err)
}

// A failed source makes Serve return. The next Serve starts with a fresh
// source, the roots registered again and a reindex for each of them.
func TestRestartAfterSourceFailure(t *testing.T) {
	tr := newTestRegistry(t, true)
	evs := tr.opts.Events.Subscribe(events.WatcherRestarted)
	tr.serve(t)
	ctx := testCtx(t)
	root := t.TempDir()

	require.NoError(t, tr.WatchPath(ctx, root, WatchConfig{Recursive: true}))
	tr.source(0).Fail()
	assert.True(t, errors.Is(<-tr.serveErr, errSourceFailed))
	assert.True(t, tr.source(0).Closed())

	tr.serve(t)
	require.NoError(t, tr.WatchPath(ctx, root, WatchConfig{}))
	assert.Equal(t, []string{root}, tr.source(1).Watched())
	assert.Equal(t, []reindexCall{{root, ReasonRestart}}, tr.reindexCalls())

	ev, err := evs.Poll(time.Second)
	require.NoError(t, err)
	assert.Equal(t, events.WatcherRestarted, ev.Type)
}

func TestSlowSubscriberLags(t *testing.T) {
	tr := newTestRegistry(t, true)
	tr.opts.BroadcastBuffer = 1
	slow := tr.Subscribe()
	tr.opts.BroadcastBuffer = 100
	fast := tr.Subscribe()
	tr.serve(t)
	root := t.TempDir()

	require.NoError(t, tr.WatchPath(testCtx(t), root, WatchConfig{Recursive: true}))
	for _, name := range []string{"a", "b", "c"} {
		tr.source(0).Send(fs.RawEvent{Kind: fs.RawRemove, Paths: []string{filepath.Join(root, name)}})
	}
	for i := 0; i < 3; i++ {
		receive(t, fast)
	}
	assert.Equal(t, uint64(2), slow.Lagged())
	assert.Equal(t, uint64(0), fast.Lagged())
}
