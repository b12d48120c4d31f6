// Copyright (c) Elliot Nunn
// Licensed under the MIT license

package hfs

import "encoding/binary"

// btHeaderRec is the B*-tree header record stored as the sole record of
// node 0 (the Header node, spec.md §4.8). Field names and the 106-byte
// layout follow Inside Macintosh's BTHeaderRec, the same source the
// teacher's own read-only catalog walker (internal/hfs/hfs.go, since
// replaced) cited for its node-descriptor field offsets.
type btHeaderRec struct {
	Depth         uint16
	RootNode      uint32
	LeafRecords   uint32
	FirstLeafNode uint32
	LastLeafNode  uint32
	NodeSize      uint16
	MaxKeyLength  uint16
	TotalNodes    uint32
	FreeNodes     uint32
	ClumpSize     uint32
	BTreeType     byte
	Attributes    uint32
}

func btHeaderBytes(h btHeaderRec) []byte {
	b := make([]byte, 106)
	binary.BigEndian.PutUint16(b[0:], h.Depth)
	binary.BigEndian.PutUint32(b[2:], h.RootNode)
	binary.BigEndian.PutUint32(b[6:], h.LeafRecords)
	binary.BigEndian.PutUint32(b[10:], h.FirstLeafNode)
	binary.BigEndian.PutUint32(b[14:], h.LastLeafNode)
	binary.BigEndian.PutUint16(b[18:], h.NodeSize)
	binary.BigEndian.PutUint16(b[20:], h.MaxKeyLength)
	binary.BigEndian.PutUint32(b[22:], h.TotalNodes)
	binary.BigEndian.PutUint32(b[26:], h.FreeNodes)
	binary.BigEndian.PutUint32(b[32:], h.ClumpSize)
	b[36] = h.BTreeType
	binary.BigEndian.PutUint32(b[38:], h.Attributes)
	return b
}

func parseBTHeader(b []byte) btHeaderRec {
	var h btHeaderRec
	if len(b) < 42 {
		return h
	}
	h.Depth = binary.BigEndian.Uint16(b[0:])
	h.RootNode = binary.BigEndian.Uint32(b[2:])
	h.LeafRecords = binary.BigEndian.Uint32(b[6:])
	h.FirstLeafNode = binary.BigEndian.Uint32(b[10:])
	h.LastLeafNode = binary.BigEndian.Uint32(b[14:])
	h.NodeSize = binary.BigEndian.Uint16(b[18:])
	h.MaxKeyLength = binary.BigEndian.Uint16(b[20:])
	h.TotalNodes = binary.BigEndian.Uint32(b[22:])
	h.FreeNodes = binary.BigEndian.Uint32(b[26:])
	h.ClumpSize = binary.BigEndian.Uint32(b[32:])
	h.BTreeType = b[36]
	h.Attributes = binary.BigEndian.Uint32(b[38:])
	return h
}

// btreeHandle bundles a parsed btree with its treeIO, so Engine can
// persist/reload the header fields btree.go itself does not serialize
// (rootNode, leaf chain ends, depth).
type btreeHandle struct {
	bt *btree
	io *treeIO
}

func loadBTree(io *treeIO, compare keyCompare, kl keyLen) (*btreeHandle, error) {
	nd, err := io.readNode(0)
	if err != nil {
		return nil, err
	}
	if nd.kind != ndHeader || len(nd.records) == 0 {
		return nil, ErrBadMDB
	}
	h := parseBTHeader(nd.records[0])
	bt := &btree{
		io:        io,
		rootNode:  h.RootNode,
		firstLeaf: h.FirstLeafNode,
		lastLeaf:  h.LastLeafNode,
		depth:     uint32(h.Depth),
		compare:   compare,
		keyLen:    kl,
	}
	return &btreeHandle{bt: bt, io: io}, nil
}

// newBTree formats a brand new, empty tree: node 0 is the header, node 1
// is the sole (leaf) root.
func newBTree(io *treeIO, compare keyCompare, kl keyLen) (*btreeHandle, error) {
	hdrNode := &node{kind: ndHeader, records: [][]byte{btHeaderBytes(btHeaderRec{
		Depth: 1, RootNode: 1, FirstLeafNode: 1, LastLeafNode: 1,
		NodeSize: nodeSize, TotalNodes: 2,
	})}}
	io.totalNodes = 2
	if err := io.writeNode(0, hdrNode); err != nil {
		return nil, err
	}
	root := &node{kind: ndLeaf}
	if err := io.writeNode(1, root); err != nil {
		return nil, err
	}
	bt := &btree{io: io, rootNode: 1, firstLeaf: 1, lastLeaf: 1, depth: 1, compare: compare, keyLen: kl}
	return &btreeHandle{bt: bt, io: io}, nil
}

// flushHeader writes the btree's current rootNode/firstLeaf/lastLeaf/
// depth/totalNodes back into node 0, per spec.md §4.8's flush order.
func (h *btreeHandle) flushHeader() error {
	hdr := btHeaderRec{
		Depth:         uint16(h.bt.depth),
		RootNode:      h.bt.rootNode,
		FirstLeafNode: h.bt.firstLeaf,
		LastLeafNode:  h.bt.lastLeaf,
		NodeSize:      nodeSize,
		TotalNodes:    h.io.totalNodes,
	}
	return h.io.writeNode(0, &node{kind: ndHeader, records: [][]byte{btHeaderBytes(hdr)}})
}
