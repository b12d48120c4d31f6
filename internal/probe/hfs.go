// Copyright (c) Elliot Nunn
// Licensed under the MIT license

package probe

import (
	"encoding/binary"

	"github.com/elliotnunn/vintagefs/internal/chunkstore"
)

const mdbBlock = 2

// mdbSignatureTest implements the shared half of spec.md §4.4's HFS/MFS
// scoring rule: "HFS requires signature 0x4244, alloc-block size nonzero
// multiple of 512, nonempty volume name, directory start within image,
// and alloc_blocks × blocks_per_alloc <= image. MFS is identical with
// signature 0xD2D7." Both formats share the same MDB prefix layout
// (drSigWord, drAlBlkSiz at 0x14, drAlBlSt at 0x1c, drNmAlBlks at 0x12,
// volume name Pascal string at 0x24) closely enough for this shared
// structural check; the two engines diverge only in the catalog
// representation that follows, which Probe never inspects.
func mdbSignatureTest(store chunkstore.Store, wantSig uint16) (Confidence, error) {
	buf := make([]byte, chunkstore.BlockSize)
	if err := store.ReadBlock(mdbBlock, buf); err != nil {
		return No, nil
	}
	if binary.BigEndian.Uint16(buf[0x00:]) != wantSig {
		return No, nil
	}
	nmAlBlks := binary.BigEndian.Uint16(buf[0x12:])
	alBlkSiz := binary.BigEndian.Uint32(buf[0x14:])
	alBlSt := binary.BigEndian.Uint16(buf[0x1c:])
	nameLen := buf[0x24]

	if alBlkSiz == 0 || alBlkSiz%chunkstore.BlockSize != 0 {
		return No, nil
	}
	if nameLen == 0 || nameLen > 27 {
		return No, nil
	}
	imageBlocks := store.Len() / chunkstore.BlockSize
	if int64(alBlSt) >= imageBlocks {
		return No, nil
	}
	blocksPerAlloc := int64(alBlkSiz) / chunkstore.BlockSize
	if int64(alBlSt)+int64(nmAlBlks)*blocksPerAlloc > imageBlocks {
		return No, nil
	}
	return Yes, nil
}

// HFS implements spec.md §4.4's HFS probe (signature 0x4244).
func HFS(store chunkstore.Store) (Confidence, error) { return mdbSignatureTest(store, 0x4244) }

// MFS implements spec.md §4.4's MFS probe (signature 0xD2D7), otherwise
// identical to HFS's structural check.
func MFS(store chunkstore.Store) (Confidence, error) { return mdbSignatureTest(store, 0xD2D7) }
