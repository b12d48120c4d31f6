// Copyright (c) Elliot Nunn
// Licensed under the MIT license

package prodos

import (
	"encoding/binary"
	"fmt"

	"github.com/elliotnunn/vintagefs/internal/chunkstore"
)

// storage is the FileStorage abstraction from spec.md §4.9: one fork's
// seedling/sapling/tree indirection chain. It plays the same role as
// internal/hfs/storage.go's forkStorage, but ProDOS's indirection is a
// direct index tree (one or two levels of 256-entry index blocks)
// instead of HFS's extent-descriptor list, so the block-address lookup
// here walks index blocks rather than extent runs, and holes (unwritten
// index slots) are first-class: spec.md §8's sparse-seek law applies to
// ProDOS exactly as it does to DOS.
type storage struct {
	store       chunkstore.Store
	bitmap      *blockBitmap
	StorageType byte   // StorageSeedling, StorageSapling, or StorageTree
	KeyBlock    uint16 // 0 if no block has ever been allocated (empty file)
}

func (s *storage) readIndexBlock(blk uint16) ([]byte, error) {
	buf := make([]byte, blockSize)
	if err := s.store.ReadBlock(int64(blk), buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func (s *storage) writeIndexBlock(blk uint16, buf []byte) error {
	return s.store.WriteBlock(int64(blk), buf)
}

// ablkAt returns the data block number addressed by data-block index
// idx, or ok==false if idx is sparse (unallocated).
func (s *storage) ablkAt(idx int) (uint16, bool, error) {
	switch s.StorageType {
	case StorageSeedling:
		if idx != 0 || s.KeyBlock == 0 {
			return 0, false, nil
		}
		return s.KeyBlock, true, nil
	case StorageSapling:
		if idx < 0 || idx >= 256 || s.KeyBlock == 0 {
			return 0, false, nil
		}
		buf, err := s.readIndexBlock(s.KeyBlock)
		if err != nil {
			return 0, false, err
		}
		v := indexGet(buf, idx)
		return v, v != 0, nil
	case StorageTree:
		if idx < 0 || idx >= 128*256 || s.KeyBlock == 0 {
			return 0, false, nil
		}
		mi, si := idx/256, idx%256
		master, err := s.readIndexBlock(s.KeyBlock)
		if err != nil {
			return 0, false, err
		}
		sub := indexGet(master, mi)
		if sub == 0 {
			return 0, false, nil
		}
		subBuf, err := s.readIndexBlock(sub)
		if err != nil {
			return 0, false, err
		}
		v := indexGet(subBuf, si)
		return v, v != 0, nil
	default:
		return 0, false, fmt.Errorf("prodos: unexpected storage type %#x", s.StorageType)
	}
}

// ensureDepth promotes Seedling->Sapling->Tree so that neededBlocks data
// blocks are addressable, per spec.md §4.9's storage-type indirection.
func (s *storage) ensureDepth(neededBlocks int) error {
	if neededBlocks <= 1 {
		return nil
	}
	if s.StorageType == StorageSeedling {
		if err := s.promoteToSapling(); err != nil {
			return err
		}
	}
	if neededBlocks <= 256 {
		return nil
	}
	if s.StorageType == StorageSapling {
		if err := s.promoteToTree(); err != nil {
			return err
		}
	}
	return nil
}

func (s *storage) promoteToSapling() error {
	idxBlk, err := s.bitmap.alloc()
	if err != nil {
		return err
	}
	buf := make([]byte, blockSize)
	if s.KeyBlock != 0 {
		indexSet(buf, 0, s.KeyBlock)
	}
	if err := s.writeIndexBlock(idxBlk, buf); err != nil {
		return err
	}
	s.KeyBlock = idxBlk
	s.StorageType = StorageSapling
	return nil
}

func (s *storage) promoteToTree() error {
	masterBlk, err := s.bitmap.alloc()
	if err != nil {
		return err
	}
	buf := make([]byte, blockSize)
	indexSet(buf, 0, s.KeyBlock)
	if err := s.writeIndexBlock(masterBlk, buf); err != nil {
		return err
	}
	s.KeyBlock = masterBlk
	s.StorageType = StorageTree
	return nil
}

// allocBlockAt ensures a data block exists at index idx, allocating the
// data block and any intermediate index blocks as needed, and returns
// its block number.
func (s *storage) allocBlockAt(idx int) (uint16, error) {
	if err := s.ensureDepth(idx + 1); err != nil {
		return 0, err
	}
	switch s.StorageType {
	case StorageSeedling:
		if idx != 0 {
			return 0, fmt.Errorf("prodos: seedling index %d out of range", idx)
		}
		if s.KeyBlock != 0 {
			return s.KeyBlock, nil
		}
		blk, err := s.bitmap.alloc()
		if err != nil {
			return 0, fmt.Errorf("prodos: %w", errDiskFull)
		}
		s.KeyBlock = blk
		return blk, nil
	case StorageSapling:
		buf, err := s.readIndexBlock(s.KeyBlock)
		if err != nil {
			return 0, err
		}
		if v := indexGet(buf, idx); v != 0 {
			return v, nil
		}
		blk, err := s.bitmap.alloc()
		if err != nil {
			return 0, fmt.Errorf("prodos: %w", errDiskFull)
		}
		indexSet(buf, idx, blk)
		if err := s.writeIndexBlock(s.KeyBlock, buf); err != nil {
			return 0, err
		}
		return blk, nil
	case StorageTree:
		mi, si := idx/256, idx%256
		master, err := s.readIndexBlock(s.KeyBlock)
		if err != nil {
			return 0, err
		}
		sub := indexGet(master, mi)
		if sub == 0 {
			newSub, err := s.bitmap.alloc()
			if err != nil {
				return 0, fmt.Errorf("prodos: %w", errDiskFull)
			}
			if err := s.writeIndexBlock(newSub, make([]byte, blockSize)); err != nil {
				return 0, err
			}
			indexSet(master, mi, newSub)
			if err := s.writeIndexBlock(s.KeyBlock, master); err != nil {
				return 0, err
			}
			sub = newSub
		}
		subBuf, err := s.readIndexBlock(sub)
		if err != nil {
			return 0, err
		}
		if v := indexGet(subBuf, si); v != 0 {
			return v, nil
		}
		blk, err := s.bitmap.alloc()
		if err != nil {
			return 0, fmt.Errorf("prodos: %w", errDiskFull)
		}
		indexSet(subBuf, si, blk)
		if err := s.writeIndexBlock(sub, subBuf); err != nil {
			return 0, err
		}
		return blk, nil
	default:
		return 0, fmt.Errorf("prodos: unexpected storage type %#x", s.StorageType)
	}
}

func (s *storage) clearIndex(idx int) error {
	switch s.StorageType {
	case StorageSeedling:
		s.KeyBlock = 0
		return nil
	case StorageSapling:
		buf, err := s.readIndexBlock(s.KeyBlock)
		if err != nil {
			return err
		}
		indexSet(buf, idx, 0)
		return s.writeIndexBlock(s.KeyBlock, buf)
	case StorageTree:
		mi, si := idx/256, idx%256
		master, err := s.readIndexBlock(s.KeyBlock)
		if err != nil {
			return err
		}
		sub := indexGet(master, mi)
		if sub == 0 {
			return nil
		}
		subBuf, err := s.readIndexBlock(sub)
		if err != nil {
			return err
		}
		indexSet(subBuf, si, 0)
		return s.writeIndexBlock(sub, subBuf)
	}
	return nil
}

// usedIndices enumerates every currently-allocated data-block index,
// bounded by the storage type's structural maximum (1/256/32768).
func (s *storage) usedIndices() ([]int, error) {
	var out []int
	switch s.StorageType {
	case StorageSeedling:
		if s.KeyBlock != 0 {
			out = append(out, 0)
		}
	case StorageSapling:
		if s.KeyBlock == 0 {
			return nil, nil
		}
		buf, err := s.readIndexBlock(s.KeyBlock)
		if err != nil {
			return nil, err
		}
		for i := 0; i < 256; i++ {
			if indexGet(buf, i) != 0 {
				out = append(out, i)
			}
		}
	case StorageTree:
		if s.KeyBlock == 0 {
			return nil, nil
		}
		master, err := s.readIndexBlock(s.KeyBlock)
		if err != nil {
			return nil, err
		}
		for mi := 0; mi < 128; mi++ {
			sub := indexGet(master, mi)
			if sub == 0 {
				continue
			}
			subBuf, err := s.readIndexBlock(sub)
			if err != nil {
				return nil, err
			}
			for si := 0; si < 256; si++ {
				if indexGet(subBuf, si) != 0 {
					out = append(out, mi*256+si)
				}
			}
		}
	}
	return out, nil
}

// readAt reads len(p) bytes at byte offset off, returning zeroes for any
// sparse hole (spec.md §8).
func (s *storage) readAt(off int64, p []byte) error {
	total := int64(0)
	for total < int64(len(p)) {
		abs := off + total
		idx := int(abs / blockSize)
		within := abs % blockSize
		n := int64(blockSize) - within
		if n > int64(len(p))-total {
			n = int64(len(p)) - total
		}
		blk, ok, err := s.ablkAt(idx)
		if err != nil {
			return err
		}
		if !ok {
			for i := int64(0); i < n; i++ {
				p[total+i] = 0
			}
		} else {
			buf, err := s.readIndexBlock(blk)
			if err != nil {
				return err
			}
			copy(p[total:total+n], buf[within:within+n])
		}
		total += n
	}
	return nil
}

// writeAt writes len(p) bytes at byte offset off, allocating data and
// index blocks as needed and performing a read-modify-write for
// partial-block spans.
func (s *storage) writeAt(off int64, p []byte) error {
	total := int64(0)
	for total < int64(len(p)) {
		abs := off + total
		idx := int(abs / blockSize)
		within := abs % blockSize
		n := int64(blockSize) - within
		if n > int64(len(p))-total {
			n = int64(len(p)) - total
		}
		blk, err := s.allocBlockAt(idx)
		if err != nil {
			return err
		}
		var buf []byte
		if n == blockSize {
			buf = make([]byte, blockSize)
		} else {
			buf, err = s.readIndexBlock(blk)
			if err != nil {
				return err
			}
		}
		copy(buf[within:within+n], p[total:total+n])
		if err := s.writeIndexBlock(blk, buf); err != nil {
			return err
		}
		total += n
	}
	return nil
}

// trim releases data blocks (and empty tree sub-index blocks) beyond
// keepBlocks, per spec.md §4.9's transactional-growth counterpart.
func (s *storage) trim(keepBlocks int) error {
	indices, err := s.usedIndices()
	if err != nil {
		return err
	}
	for _, idx := range indices {
		if idx < keepBlocks {
			continue
		}
		blk, ok, err := s.ablkAt(idx)
		if err != nil {
			return err
		}
		if ok {
			if err := s.bitmap.free(blk); err != nil {
				return err
			}
		}
		if err := s.clearIndex(idx); err != nil {
			return err
		}
	}
	if keepBlocks == 0 && s.StorageType != StorageSeedling && s.KeyBlock != 0 {
		// Release the now-pointless index structure entirely.
		if s.StorageType == StorageTree {
			master, err := s.readIndexBlock(s.KeyBlock)
			if err == nil {
				for mi := 0; mi < 128; mi++ {
					if sub := indexGet(master, mi); sub != 0 {
						s.bitmap.free(sub)
					}
				}
			}
		}
		s.bitmap.free(s.KeyBlock)
		s.KeyBlock = 0
		s.StorageType = StorageSeedling
		return nil
	}
	if s.StorageType == StorageTree {
		master, err := s.readIndexBlock(s.KeyBlock)
		if err != nil {
			return err
		}
		changed := false
		for mi := 0; mi < 128; mi++ {
			sub := indexGet(master, mi)
			if sub == 0 {
				continue
			}
			subBuf, err := s.readIndexBlock(sub)
			if err != nil {
				return err
			}
			empty := true
			for si := 0; si < 256; si++ {
				if indexGet(subBuf, si) != 0 {
					empty = false
					break
				}
			}
			if empty {
				if err := s.bitmap.free(sub); err != nil {
					return err
				}
				indexSet(master, mi, 0)
				changed = true
			}
		}
		if changed {
			if err := s.writeIndexBlock(s.KeyBlock, master); err != nil {
				return err
			}
		}
	}
	return nil
}

// blocksUsed counts the structural block cost of this fork: data blocks
// plus index/master-index blocks, for the DirEntry.BlocksUsed field.
func (s *storage) blocksUsed() (int, error) {
	indices, err := s.usedIndices()
	if err != nil {
		return 0, err
	}
	n := len(indices)
	switch s.StorageType {
	case StorageSapling:
		if s.KeyBlock != 0 {
			n++
		}
	case StorageTree:
		if s.KeyBlock != 0 {
			n++
			master, err := s.readIndexBlock(s.KeyBlock)
			if err != nil {
				return 0, err
			}
			for mi := 0; mi < 128; mi++ {
				if indexGet(master, mi) != 0 {
					n++
				}
			}
		}
	}
	return n, nil
}

var errDiskFull = fmt.Errorf("prodos: no free block")

// miniDesc is the 8-byte sub-fork descriptor used inside a forked file's
// extended key block (storage type 5, spec.md §4.9): one half for the
// data fork, one for the resource fork.
type miniDesc struct {
	StorageType byte
	KeyBlock    uint16
	BlocksUsed  uint16
	EOF         uint32 // 24-bit
}

func (m miniDesc) toBytes() []byte {
	buf := make([]byte, 8)
	buf[0] = m.StorageType
	binary.LittleEndian.PutUint16(buf[1:3], m.KeyBlock)
	binary.LittleEndian.PutUint16(buf[3:5], m.BlocksUsed)
	buf[5] = byte(m.EOF)
	buf[6] = byte(m.EOF >> 8)
	buf[7] = byte(m.EOF >> 16)
	return buf
}

func miniFromBytes(b []byte) miniDesc {
	var m miniDesc
	m.StorageType = b[0]
	m.KeyBlock = binary.LittleEndian.Uint16(b[1:3])
	m.BlocksUsed = binary.LittleEndian.Uint16(b[3:5])
	m.EOF = uint32(b[5]) | uint32(b[6])<<8 | uint32(b[7])<<16
	return m
}
