// Copyright (c) Elliot Nunn
// Licensed under the MIT license

package chunkstore

import (
	"bytes"
	"fmt"
	"io"
	"math"

	"github.com/therootcompany/xz"
)

// DecompressXZ fully decompresses an .xz-compressed disk image into
// memory and returns a read-only io.ReaderAt over the plain bytes, along
// with its length. This mirrors the teacher's own archive-probing idiom
// (probe.go, fs.go): an .xz stream is opened with xz.NewReader and handed
// straight to the inner format, here Probe/New instead of an inner
// fs.FS. Vintage disk images are small enough (a few megabytes at most)
// that whole-image decompression is the right tradeoff, unlike the
// teacher's archive case where members can be arbitrarily large.
func DecompressXZ(r io.Reader) (io.ReaderAt, int64, error) {
	zr, err := xz.NewReader(r, xz.DefaultDictMax)
	if err != nil {
		return nil, 0, fmt.Errorf("chunkstore: not a valid xz stream: %w", err)
	}
	plain, err := io.ReadAll(io.LimitReader(zr, math.MaxInt32))
	if err != nil {
		return nil, 0, fmt.Errorf("chunkstore: xz decompression failed: %w", err)
	}
	return bytes.NewReader(plain), int64(len(plain)), nil
}
