// Copyright (c) Elliot Nunn
// Licensed under the MIT license

//go:build !unix

package chunkstore

import (
	"fmt"
	"os"
)

// OpenImageFile is unavailable on non-Unix platforms: there is no portable
// advisory-lock syscall to back it, matching internal/fileid's own
// !unix fallback in the teacher repo.
func OpenImageFile(path string, readOnly bool) (*ImageFile, error) {
	return nil, fmt.Errorf("chunkstore: OpenImageFile advisory locking is not supported on this platform")
}

// ImageFile is declared here too so the type is available for signatures
// on every platform even though it can never be constructed off Unix.
type ImageFile struct {
	f        *os.File
	readOnly bool
}

func (img *ImageFile) ReadAt(p []byte, off int64) (int, error) { return img.f.ReadAt(p, off) }
func (img *ImageFile) WriteAt(p []byte, off int64) (int, error) {
	return 0, fmt.Errorf("chunkstore: image file not open")
}
func (img *ImageFile) Size() (int64, error) { return 0, fmt.Errorf("chunkstore: image file not open") }
func (img *ImageFile) Close() error         { return nil }
