// Copyright (c) Elliot Nunn
// Licensed under the MIT license

//go:build unix

package chunkstore

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// OpenImageFile opens path as a raw disk image and takes an advisory flock
// on it: shared if readOnly, exclusive otherwise. This is a thin,
// OS-specific safety net against two callers on the same host mounting the
// same image for writing at once; the core ChunkStore API never requires
// it, and nothing else in this package calls it. Callers who already have
// their own io.ReaderAt/io.WriterAt (an in-memory image, a network blob
// store) should use New directly instead.
//
// The lock is non-blocking: if another process already holds a conflicting
// lock, OpenImageFile returns immediately with an error rather than
// waiting.
func OpenImageFile(path string, readOnly bool) (*ImageFile, error) {
	flag := os.O_RDONLY
	if !readOnly {
		flag = os.O_RDWR
	}
	f, err := os.OpenFile(path, flag, 0)
	if err != nil {
		return nil, fmt.Errorf("chunkstore: opening image file: %w", err)
	}

	how := unix.LOCK_SH | unix.LOCK_NB
	if !readOnly {
		how = unix.LOCK_EX | unix.LOCK_NB
	}
	if err := unix.Flock(int(f.Fd()), how); err != nil {
		f.Close()
		return nil, fmt.Errorf("chunkstore: image file is locked by another process: %w", err)
	}

	return &ImageFile{f: f, readOnly: readOnly}, nil
}

// ImageFile is an io.ReaderAt/io.WriterAt over an on-disk image, holding an
// advisory lock for its lifetime. Close releases the lock.
type ImageFile struct {
	f        *os.File
	readOnly bool
}

func (img *ImageFile) ReadAt(p []byte, off int64) (int, error) { return img.f.ReadAt(p, off) }

func (img *ImageFile) WriteAt(p []byte, off int64) (int, error) {
	if img.readOnly {
		return 0, fmt.Errorf("chunkstore: %w", errReadOnlyStore)
	}
	return img.f.WriteAt(p, off)
}

// Size returns the underlying file's length, for passing to New.
func (img *ImageFile) Size() (int64, error) {
	fi, err := img.f.Stat()
	if err != nil {
		return 0, err
	}
	return fi.Size(), nil
}

func (img *ImageFile) Close() error {
	unix.Flock(int(img.f.Fd()), unix.LOCK_UN)
	return img.f.Close()
}
