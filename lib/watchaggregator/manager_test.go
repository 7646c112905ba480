// Copyright (C) 2016 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package watchaggregator

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/locwatch/locwatch/lib/events"
	"github.com/locwatch/locwatch/lib/fs"
	"github.com/locwatch/locwatch/lib/fswatcher"
	"github.com/locwatch/locwatch/lib/normalize"
)

type testManager struct {
	*Manager
	src     *fs.FakeSource
	app     *recordingApplier
	reindex recordingReindexer
}

func newTestManager(t *testing.T) *testManager {
	t.Helper()
	return newTestManagerWith(t, true, func(*fswatcher.Options) {})
}

func newTestManagerWith(t *testing.T, nativeRename bool, modify func(*fswatcher.Options)) *testManager {
	t.Helper()
	tm := &testManager{
		src:     fs.NewFakeSource(nativeRename),
		app:     newRecordingApplier(),
		reindex: make(recordingReindexer, 100),
	}
	opts := fswatcher.Options{
		Normalizer:   normalize.KindAuto,
		TickInterval: 10 * time.Millisecond,
		Events:       events.NewLogger(),
		Reindex:      func(root, reason string) { tm.HandleLostEvents(root, reason) },
	}
	modify(&opts)
	reg := fswatcher.New(func() (fs.Source, error) { return tm.src, nil }, opts)
	tm.Manager = NewManager(reg, testOptions(), tm.app, tm.reindex)
	tm.Add(reg)

	ctx, cancel := context.WithCancel(context.Background())
	done := tm.ServeBackground(ctx)
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return tm
}

func testCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	t.Cleanup(cancel)
	return ctx
}

func TestManagerRouting(t *testing.T) {
	tm := newTestManager(t)
	ctx := testCtx(t)
	base := t.TempDir()
	outer := filepath.Join(base, "outer")
	inner := filepath.Join(outer, "inner")
	other := filepath.Join(base, "other")
	require.NoError(t, os.MkdirAll(inner, 0o755))
	require.NoError(t, os.MkdirAll(other, 0o755))

	require.NoError(t, tm.AddRoot(ctx, "outer", outer, fswatcher.WatchConfig{Recursive: true}))
	require.NoError(t, tm.AddRoot(ctx, "inner", inner, fswatcher.WatchConfig{Recursive: true}))
	require.NoError(t, tm.AddRoot(ctx, "other", other, fswatcher.WatchConfig{Recursive: true}))
	assert.Equal(t, map[string]string{outer: "outer", inner: "inner", other: "other"}, tm.Roots())

	err := tm.AddRoot(ctx, "again", outer, fswatcher.WatchConfig{})
	assert.True(t, errors.Is(err, ErrRootExists), err)

	tm.src.Send(fs.RawEvent{Kind: fs.RawRemove, Paths: []string{filepath.Join(inner, "f")}})
	b := tm.app.next(t)
	assert.Equal(t, "inner", b.rootID)
	assert.Equal(t, []fs.FsEvent{fs.NewRemove(filepath.Join(inner, "f"), false)}, b.events)

	// Across roots a rename is a removal and a creation.
	tm.src.Send(fs.RawEvent{Kind: fs.RawRename, Paths: []string{filepath.Join(outer, "a"), filepath.Join(other, "b")}})
	got := map[string][]fs.FsEvent{}
	for i := 0; i < 2; i++ {
		b := tm.app.next(t)
		got[b.rootID] = b.events
	}
	assert.Equal(t, map[string][]fs.FsEvent{
		"outer": {fs.NewRemove(filepath.Join(outer, "a"), false)},
		"other": {fs.NewCreate(filepath.Join(other, "b"), false)},
	}, got)
}

func TestManagerNestedNonRecursiveRoot(t *testing.T) {
	tm := newTestManager(t)
	ctx := testCtx(t)
	outer := t.TempDir()
	inner := filepath.Join(outer, "inner")
	require.NoError(t, os.Mkdir(inner, 0o755))

	require.NoError(t, tm.AddRoot(ctx, "outer", outer, fswatcher.WatchConfig{Recursive: true}))
	require.NoError(t, tm.AddRoot(ctx, "inner", inner, fswatcher.WatchConfig{}))

	direct := filepath.Join(inner, "f")
	tm.src.Send(fs.RawEvent{Kind: fs.RawRemove, Paths: []string{direct}})
	b := tm.app.next(t)
	assert.Equal(t, "inner", b.rootID)
	assert.Equal(t, []fs.FsEvent{fs.NewRemove(direct, false)}, b.events)

	// Below the non-recursive inner root only the outer root is interested.
	deep := filepath.Join(inner, "sub", "f")
	tm.src.Send(fs.RawEvent{Kind: fs.RawRemove, Paths: []string{deep}})
	b = tm.app.next(t)
	assert.Equal(t, "outer", b.rootID)
	assert.Equal(t, []fs.FsEvent{fs.NewRemove(deep, false)}, b.events)
}

func TestManagerRemoveRoot(t *testing.T) {
	tm := newTestManager(t)
	ctx := testCtx(t)
	root := t.TempDir()

	require.NoError(t, tm.AddRoot(ctx, "loc", root, fswatcher.WatchConfig{Recursive: true}))
	assert.Equal(t, []string{root}, tm.src.Watched())

	require.NoError(t, tm.RemoveRoot(ctx, root))
	assert.Empty(t, tm.src.Watched())
	assert.Empty(t, tm.Roots())

	err := tm.RemoveRoot(ctx, root)
	assert.True(t, errors.Is(err, ErrUnknownRoot), err)
}

func TestManagerLostEvents(t *testing.T) {
	tm := newTestManager(t)
	ctx := testCtx(t)
	root := t.TempDir()

	require.NoError(t, tm.AddRoot(ctx, "loc", root, fswatcher.WatchConfig{Recursive: true}))
	tm.src.Send(fs.RawEvent{Kind: fs.RawOverflow, Paths: []string{root}})

	select {
	case req := <-tm.reindex:
		assert.Equal(t, ReindexRequest{RootID: "loc", Path: root, Reason: fswatcher.ReasonKernelOverflow}, req)
	case <-time.After(testTimeout):
		t.Fatal("timed out waiting for reindex request")
	}
}

func TestManagerLaggedSubscription(t *testing.T) {
	tm := newTestManagerWith(t, false, func(opts *fswatcher.Options) {
		opts.BroadcastBuffer = 1
		opts.NormalizerOptions.RenameTimeout = 50 * time.Millisecond
	})
	ctx := testCtx(t)
	root := t.TempDir()
	require.NoError(t, tm.AddRoot(ctx, "loc", root, fswatcher.WatchConfig{Recursive: true}))

	// Unmatched removes are held until the rename timeout and then evicted
	// by a single tick, far more than the subscription buffer holds.
	now := time.Now()
	for i := 0; i < 500; i++ {
		tm.src.Send(fs.RawEvent{
			Kind:  fs.RawRemove,
			Paths: []string{filepath.Join(root, strconv.Itoa(i))},
			Inode: uint64(1000 + i),
			Time:  now,
		})
	}

	deadline := time.After(testTimeout)
	for {
		select {
		case req := <-tm.reindex:
			if req.Reason == ReasonQueueOverflow {
				assert.Equal(t, "loc", req.RootID)
				assert.Equal(t, root, req.Path)
				return
			}
		case <-deadline:
			t.Fatal("timed out waiting for reindex after lost events")
		}
	}
}
