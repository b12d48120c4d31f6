// Copyright (c) Elliot Nunn
// Licensed under the MIT license

package probe

import (
	"github.com/elliotnunn/vintagefs/internal/chunkstore"
	"github.com/elliotnunn/vintagefs/internal/prodos"
)

// ProDOS implements spec.md §4.4's ProDOS probe: "probes the volume
// directory header's storage type nibble and block links." Block 2 must
// carry a storage-type-0xF (volume header) directory entry whose
// total-blocks field falls within the image; a bitmap pointer outside
// the image caps the result at Barely.
func ProDOS(store chunkstore.Store) (Confidence, error) {
	hdr, ok := prodos.ProbeHeader(store)
	if !ok {
		return No, nil
	}

	imageBlocks := store.Len() / chunkstore.BlockSize
	score := 0
	if hdr.Name != "" {
		score++
	}
	if int64(hdr.TotalBlocks) > 0 && int64(hdr.TotalBlocks) <= imageBlocks {
		score += 2
	} else {
		return No, nil
	}
	if hdr.BitMapPointer > 0 && int64(hdr.BitMapPointer) < imageBlocks {
		score++
	} else {
		return Barely, nil
	}
	if hdr.EntryLength > 0 && hdr.EntriesPerBlock > 0 {
		score++
	}

	switch {
	case score >= 4:
		return Yes, nil
	case score >= 2:
		return Good, nil
	case score >= 1:
		return Maybe, nil
	default:
		return Barely, nil
	}
}
