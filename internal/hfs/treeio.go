// Copyright (c) Elliot Nunn
// Licensed under the MIT license

package hfs

import (
	"fmt"

	"github.com/cespare/xxhash/v2"
	"github.com/dgryski/go-tinylfu"
)

// nodeCacheSize bounds the number of parsed nodes kept warm per tree.
// Catalog lookups re-descend from the root on every call, so caching the
// upper levels (which are touched on every lookup) avoids re-parsing
// them from the fork storage each time — the same role the teacher's
// internal/spinner block cache plays for decompressed archive blocks.
const nodeCacheSize = 256

func hashNodeNum(n uint32) uint64 {
	var b [4]byte
	b[0], b[1], b[2], b[3] = byte(n), byte(n>>8), byte(n>>16), byte(n>>24)
	return xxhash.Sum64(b[:])
}

// treeIO implements nodeIO (btree.go) over a forkStorage representing
// the tree's own "file". Node allocation tracks free nodes with a plain
// in-memory free list rather than the on-disk Map-node bitmap spec.md
// §4.8 describes: freeNode only appends to the list, so nodes freed by a
// merge during one mount are reused within that mount but the list
// starts empty on every Mount/loadBTree — a remounted volume simply
// never reuses nodes a prior session freed, growing the tree file
// instead. This trades a small amount of space efficiency on
// long-lived, heavily-modified volumes for not having to maintain the
// on-disk Map node at all; the Header/Map node kind constants remain
// defined for on-disk fidelity when reading foreign volumes.
type treeIO struct {
	fork       *forkStorage
	totalNodes uint32
	freeList   []uint32
	cache      *tinylfu.T[uint32, *node]
	dirty      map[uint32]*node
}

func newTreeIO(fork *forkStorage, totalNodes uint32) *treeIO {
	return &treeIO{
		fork:       fork,
		totalNodes: totalNodes,
		cache:      tinylfu.New[uint32, *node](nodeCacheSize, nodeCacheSize*10, hashNodeNum),
		dirty:      make(map[uint32]*node),
	}
}

func (t *treeIO) readNode(n uint32) (*node, error) {
	if n >= t.totalNodes {
		return nil, fmt.Errorf("hfs: node %d past end of tree file (%d nodes)", n, t.totalNodes)
	}
	if nd, ok := t.dirty[n]; ok {
		return nd, nil
	}
	if nd, ok := t.cache.Get(n); ok {
		return nd, nil
	}
	buf := make([]byte, nodeSize)
	if err := t.fork.readAt(int64(n)*nodeSize, buf); err != nil {
		return nil, err
	}
	nd, err := parseNode(buf)
	if err != nil {
		return nil, err
	}
	t.cache.Add(n, nd)
	return nd, nil
}

func (t *treeIO) writeNode(n uint32, nd *node) error {
	if n >= t.totalNodes {
		return fmt.Errorf("hfs: node %d past end of tree file (%d nodes)", n, t.totalNodes)
	}
	t.dirty[n] = nd
	t.cache.Add(n, nd)
	return nil
}

func (t *treeIO) allocNode() (uint32, error) {
	if len(t.freeList) > 0 {
		n := t.freeList[len(t.freeList)-1]
		t.freeList = t.freeList[:len(t.freeList)-1]
		return n, nil
	}
	blocksPerNode := nodeSize / blockSize
	needBlocks, err := t.fork.totalBlocks()
	if err != nil {
		return 0, err
	}
	for int64(needBlocks)*blockSize < int64(t.totalNodes+1)*nodeSize {
		if err := t.fork.extendByOne(); err != nil {
			return 0, fmt.Errorf("hfs: growing tree file: %w", err)
		}
		needBlocks++
	}
	_ = blocksPerNode
	n := t.totalNodes
	t.totalNodes++
	return n, nil
}

func (t *treeIO) freeNode(n uint32) error {
	t.freeList = append(t.freeList, n)
	return nil
}

// flush writes every dirty node back to the fork storage.
func (t *treeIO) flush() error {
	for n, nd := range t.dirty {
		if err := t.fork.writeAt(int64(n)*nodeSize, nd.toBytes()); err != nil {
			return err
		}
		delete(t.dirty, n)
	}
	return nil
}
