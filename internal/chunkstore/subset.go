// Copyright (c) Elliot Nunn
// Licensed under the MIT license

package chunkstore

import "fmt"

// subsetReaderAt adapts a parent Store plus a block-index mapping
// function into a plain io.ReaderAt/io.WriterAt pair, letting New build
// an independent child Store over it. This is how embedded and hybrid
// volumes (spec.md §4.10) are exposed: a run of the parent's blocks,
// possibly discontiguous, becomes its own addressable image.
type subsetReaderAt struct {
	parent Store
	mapFn  func(childBlock int64) (parentBlock int64, ok bool)
}

func (s *subsetReaderAt) ReadAt(p []byte, off int64) (int, error) {
	if len(p)%BlockSize != 0 || off%BlockSize != 0 {
		return 0, fmt.Errorf("chunkstore: SubsetView only supports block-aligned access")
	}
	buf := make([]byte, BlockSize)
	for i := 0; i < len(p); i += BlockSize {
		childBlock := off/BlockSize + int64(i)/BlockSize
		parentBlock, ok := s.mapFn(childBlock)
		if !ok {
			return i, ErrOutOfRange
		}
		if err := s.parent.ReadBlock(parentBlock, buf); err != nil {
			return i, err
		}
		copy(p[i:i+BlockSize], buf)
	}
	return len(p), nil
}

func (s *subsetReaderAt) WriteAt(p []byte, off int64) (int, error) {
	if len(p)%BlockSize != 0 || off%BlockSize != 0 {
		return 0, fmt.Errorf("chunkstore: SubsetView only supports block-aligned access")
	}
	for i := 0; i < len(p); i += BlockSize {
		childBlock := off/BlockSize + int64(i)/BlockSize
		parentBlock, ok := s.mapFn(childBlock)
		if !ok {
			return i, ErrOutOfRange
		}
		if err := s.parent.WriteBlock(parentBlock, p[i:i+BlockSize]); err != nil {
			return i, err
		}
	}
	return len(p), nil
}

// SubsetView composes a parent Store and a block-index mapping function
// into an independent Store, per spec.md §4.1. mapFn receives a
// zero-based block index into the child and returns the corresponding
// block index in parent (ok=false for indices the child does not cover,
// e.g. the gaps a DOS-MASTER volume run may leave before the first
// DOS-owned block). geom carries the child's own addressing scheme
// (Tracks/SectorsPerTrack for a sector-addressed embedded DOS volume,
// left zero for a purely block-addressed one); its Blocks field is
// overwritten with numBlocks.
func SubsetView(parent Store, numBlocks int64, mapFn func(childBlock int64) (parentBlock int64, ok bool), geom Geometry, ordering Ordering) (Store, error) {
	geom.Blocks = numBlocks
	if parent.IsReadOnly() {
		ra := &subsetReaderAt{parent: parent, mapFn: mapFn}
		return New(ra, nil, numBlocks*BlockSize, geom, ordering)
	}
	ra := &subsetReaderAt{parent: parent, mapFn: mapFn}
	return New(ra, ra, numBlocks*BlockSize, geom, ordering)
}

// ContiguousSubsetView is the common case of SubsetView: the child is a
// single contiguous run of the parent's blocks starting at firstBlock.
func ContiguousSubsetView(parent Store, firstBlock, numBlocks int64, geom Geometry, ordering Ordering) (Store, error) {
	return SubsetView(parent, numBlocks, func(childBlock int64) (int64, bool) {
		if childBlock < 0 || childBlock >= numBlocks {
			return 0, false
		}
		return firstBlock + childBlock, true
	}, geom, ordering)
}
