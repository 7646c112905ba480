// Copyright (C) 2016 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package fs

import (
	"errors"
	iofs "io/fs"
	"path/filepath"
	"testing"
)

func TestIsWithin(t *testing.T) {
	root := filepath.FromSlash("/a/b")
	cases := []struct {
		child  string
		within bool
	}{
		{"/a/b", true},
		{"/a/b/c", true},
		{"/a/b/c/d", true},
		{"/a/bc", false},
		{"/a", false},
		{"/x/b", false},
		{"/a/b/..c", true},
	}
	for _, tc := range cases {
		if got := IsWithin(root, filepath.FromSlash(tc.child)); got != tc.within {
			t.Errorf("IsWithin(%v, %v) = %v, expected %v", root, tc.child, got, tc.within)
		}
	}
}

func TestBackendType(t *testing.T) {
	var bt BackendType
	if err := bt.ParseDefault("fsnotify"); err != nil || bt != BackendFsnotify {
		t.Errorf("unexpected %v, %v", bt, err)
	}
	if err := bt.UnmarshalText([]byte("inotify")); err == nil {
		t.Error("expected error for unknown backend")
	}
	if _, err := NewSource("kqueue", SourceOptions{}); err == nil {
		t.Error("expected error for unknown backend")
	}
}

func TestFsEventConstructors(t *testing.T) {
	if ev := NewCreate("d", true); ev.Type != CreateDir || !ev.IsDir {
		t.Errorf("directory create: %v", ev)
	}
	if ev := NewCreate("f", false); ev.Type != Create || ev.IsDir {
		t.Errorf("file create: %v", ev)
	}
	if ev := NewRename("a", "b", false); ev.Path != "a" || ev.To != "b" {
		t.Errorf("rename: %v", ev)
	}
	if s := NewRename("a", "b", true).String(); s != "Rename{a -> b dir=true}" {
		t.Errorf("unexpected string %q", s)
	}
}

func TestFakeSource(t *testing.T) {
	f := NewFakeSource(true)
	f.Exists = func(p string) bool { return p != "/missing" }

	if err := f.Watch("/missing", true); !errors.Is(err, ErrPathNotFound) {
		t.Errorf("expected ErrPathNotFound, got %v", err)
	}
	if err := f.Watch("/root", true); err != nil {
		t.Fatal(err)
	}
	if err := f.Unwatch("/other"); !errors.Is(err, ErrWatchNotFound) {
		t.Errorf("expected ErrWatchNotFound, got %v", err)
	}

	f.Send(RawEvent{Kind: RawCreate, Paths: []string{"/root/a"}})
	if ev := <-f.Events(); ev.Path() != "/root/a" {
		t.Errorf("unexpected event %v", ev)
	}
	f.Fail()
	if _, ok := <-f.Events(); ok {
		t.Error("expected closed channel")
	}
}

func TestOSStater(t *testing.T) {
	dir := t.TempDir()
	id, err := OSStater{}.Stat(dir)
	if err != nil {
		t.Fatal(err)
	}
	if !id.IsDir || id.Inode == 0 {
		t.Errorf("unexpected file id %+v", id)
	}
	if _, err := (OSStater{}).Stat(filepath.Join(dir, "missing")); !errors.Is(err, iofs.ErrNotExist) {
		t.Errorf("expected not-exist error for missing path, got %v", err)
	}
}
