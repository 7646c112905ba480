// Copyright (C) 2016 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package fs

import (
	"os"
)

// FileID identifies a filesystem object independently of its path.
type FileID struct {
	Inode uint64
	IsDir bool
}

// A Stater looks up the identity of the object currently at a path. A
// missing path yields an error wrapping fs.ErrNotExist.
type Stater interface {
	Stat(path string) (FileID, error)
}

// OSStater stats the local filesystem without following symlinks.
type OSStater struct{}

func (OSStater) Stat(path string) (FileID, error) {
	info, err := os.Lstat(path)
	if err != nil {
		return FileID{}, err
	}
	ino, err := inode(path, info)
	if err != nil {
		return FileID{IsDir: info.IsDir()}, err
	}
	return FileID{Inode: ino, IsDir: info.IsDir()}, nil
}
