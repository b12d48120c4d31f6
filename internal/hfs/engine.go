// Copyright (c) Elliot Nunn
// Licensed under the MIT license

// Package hfs implements the HFS engine described in spec.md §4.8
// (component C8, CORE scope): the master directory block, volume
// bitmap, and the two B*-trees (catalog, extents overflow) HFS stores
// as ordinary allocation-block-backed "files". See wire.go for the
// on-disk struct layouts, btree.go for the generic B*-tree algorithm,
// storage.go for the per-fork extent bookkeeping, and this file for the
// vfs.Engine adapter that ties them together: mounting, the catalog
// walk that builds a DirTree, and Create/Delete/Move/Format.
package hfs

import (
	"fmt"
	"time"

	vfs "github.com/elliotnunn/vintagefs"
	"github.com/elliotnunn/vintagefs/internal/chunkstore"
	"github.com/elliotnunn/vintagefs/internal/dirtree"
	"github.com/elliotnunn/vintagefs/internal/notes"
	"github.com/elliotnunn/vintagefs/internal/volumeusage"
)

// Options configures an HFS mount. Reserved for future tunables (e.g. an
// MDB block override for embedded volumes); empty today.
type Options struct{}

// CreateMode carries the Finder type/creator and directory-vs-file
// choice for Mount.Create, HFS's realization of vfs.CreateMode.
type CreateMode struct {
	IsDir   bool
	Type    [4]byte
	Creator [4]byte
}

// fileInfo is the live, mutable state behind one dirtree.Entry: the
// decoded catalog record plus (for files) the two forks' storage.
type fileInfo struct {
	cnid   CNID
	parent CNID
	name   string
	isDir  bool

	dir DirRec
	fil FilRec

	dataFork *forkStorage
	rsrcFork *forkStorage
}

// Engine implements vfs.Engine for HFS (spec.md §4.8).
type Engine struct {
	store chunkstore.Store
	nb    *notes.Buffer

	mdb       MDB
	lastBlock int64 // logical block index of the alternate MDB

	bitmap *volBitmap

	extStorage *forkStorage
	extIO      *treeIO
	extTree    *btreeHandle
	extAPI     *extentsImpl

	catStorage *forkStorage
	catIO      *treeIO
	catTree    *btreeHandle

	root    *dirtree.Entry
	entries map[*dirtree.Entry]*fileInfo
	byCNID  map[CNID]*dirtree.Entry
}

// Adapt returns a vfs.NewEngine suitable for vfs.New.
func Adapt(opts Options) vfs.NewEngine {
	return func(store chunkstore.Store, nb *notes.Buffer) (vfs.Engine, error) {
		return Mount(store, nb, opts)
	}
}

// Mount parses the MDB, volume bitmap, and both B*-trees, then builds
// the DirTree by walking the catalog from the root directory.
func Mount(store chunkstore.Store, nb *notes.Buffer, opts Options) (*Engine, error) {
	e := &Engine{store: store, nb: nb, entries: make(map[*dirtree.Entry]*fileInfo), byCNID: make(map[CNID]*dirtree.Entry)}

	buf := make([]byte, blockSize)
	if err := store.ReadBlock(2, buf); err != nil {
		return nil, fmt.Errorf("hfs: reading MDB: %w", err)
	}
	if err := e.mdb.FromBytes(buf); err != nil {
		return nil, fmt.Errorf("hfs: %w: %v", vfs.ErrInvalidImage, err)
	}
	if e.mdb.VN == "" {
		return nil, fmt.Errorf("hfs: empty volume name: %w", vfs.ErrInvalidImage)
	}

	e.lastBlock = store.Len()/blockSize - 2
	totalAlBlocks := int64(e.mdb.AlBlSt) + int64(e.mdb.NmAlBlks)*int64(e.mdb.AlBlkSiz)/blockSize
	if totalAlBlocks > store.Len()/blockSize {
		return nil, fmt.Errorf("hfs: alloc_blocks x blocks_per_alloc exceeds image: %w", vfs.ErrInvalidImage)
	}

	bitmap, err := loadVolBitmap(store, e.mdb.VBMSt, int(e.mdb.NmAlBlks))
	if err != nil {
		return nil, fmt.Errorf("hfs: reading volume bitmap: %w", err)
	}
	e.bitmap = bitmap

	e.extStorage = &forkStorage{store: store, bitmap: bitmap, ext: nil, cnid: CNIDExtents, local: &e.mdb.XTExtRec, blkSize: e.mdb.AlBlkSiz, alBlSt: e.mdb.AlBlSt}
	e.extIO = newTreeIO(e.extStorage, nodeCountForFork(e.mdb.XTFlSize))
	e.extTree, err = loadBTree(e.extIO, compareExtentKeys, extentKeyLen)
	if err != nil {
		return nil, fmt.Errorf("hfs: loading extents tree: %w", err)
	}
	e.extAPI = &extentsImpl{tree: e.extTree.bt}

	e.catStorage = &forkStorage{store: store, bitmap: bitmap, ext: e.extAPI, cnid: CNIDCatalog, local: &e.mdb.CTExtRec, blkSize: e.mdb.AlBlkSiz, alBlSt: e.mdb.AlBlSt}
	e.catIO = newTreeIO(e.catStorage, nodeCountForFork(e.mdb.CTFlSize))
	e.catTree, err = loadBTree(e.catIO, compareCatalogKeys, catalogKeyLen)
	if err != nil {
		return nil, fmt.Errorf("hfs: loading catalog tree: %w", err)
	}

	if err := e.buildTree(); err != nil {
		return nil, err
	}
	return e, nil
}

// Blank constructs an Engine over an unformatted image; callers must
// follow with Format before any other operation.
func Blank(store chunkstore.Store, nb *notes.Buffer, opts Options) (*Engine, error) {
	return &Engine{store: store, nb: nb, entries: make(map[*dirtree.Entry]*fileInfo), byCNID: make(map[CNID]*dirtree.Entry)}, nil
}

func nodeCountForFork(sizeBytes uint32) uint32 {
	n := sizeBytes / nodeSize
	if n == 0 {
		n = 1
	}
	return n
}

// catalogRawRec is one decoded leaf record from the catalog walk.
type catalogRawRec struct {
	key  catalogKey
	typ  byte
	body []byte
}

// buildTree walks every catalog leaf once, groups records by parent
// CNID, then recursively assembles the DirTree starting at the root
// directory (spec.md §4.6, §4.8 "Find by CNID"/path descent from root
// CNID 2).
func (e *Engine) buildTree() error {
	var recs []catalogRawRec
	err := e.catTree.bt.walkLeaves(func(rec []byte) error {
		kl := catalogKeyLen(rec)
		key := decodeCatalogKey(rec[:kl])
		body := rec[kl:]
		if len(body) == 0 {
			return nil
		}
		recs = append(recs, catalogRawRec{key: key, typ: body[0], body: body})
		return nil
	})
	if err != nil {
		return fmt.Errorf("hfs: walking catalog: %w", err)
	}

	byParent := make(map[CNID][]catalogRawRec)
	var rootRec *catalogRawRec
	for i := range recs {
		r := &recs[i]
		switch r.typ {
		case recTypeDir, recTypeFile:
			byParent[r.key.Parent] = append(byParent[r.key.Parent], *r)
			if r.key.Parent == CNIDRootParent {
				rootRec = r
			}
		}
	}
	if rootRec == nil {
		e.nb.Errf("hfs", "no root directory record found in catalog")
		return fmt.Errorf("hfs: %w: no root directory", vfs.ErrInvalidImage)
	}
	rootDir, err := dirRecFromBytes(rootRec.body)
	if err != nil {
		return err
	}

	e.root = dirtree.NewRoot(rootRec.key.Name)
	rootFi := &fileInfo{cnid: rootDir.DirID, parent: CNIDRootParent, name: rootRec.key.Name, isDir: true, dir: rootDir}
	e.entries[e.root] = rootFi
	e.byCNID[rootDir.DirID] = e.root

	return e.addChildren(e.root, rootDir.DirID, byParent)
}

func (e *Engine) addChildren(parentEntry *dirtree.Entry, parentCNID CNID, byParent map[CNID][]catalogRawRec) error {
	for _, r := range byParent[parentCNID] {
		switch r.typ {
		case recTypeDir:
			dr, err := dirRecFromBytes(r.body)
			if err != nil {
				e.nb.Warnf(fmt.Sprintf("CNID parent %d", parentCNID), "malformed directory record")
				continue
			}
			entry := &dirtree.Entry{
				Name:  r.key.Name,
				IsDir: true,
				Times: dirtree.Timestamps{Created: tptr(dr.CrDate), Modified: tptr(dr.MdDate)},
				Status: dirtree.Status{Valid: true},
			}
			fi := &fileInfo{cnid: dr.DirID, parent: parentCNID, name: r.key.Name, isDir: true, dir: dr}
			entry.EngineRef = fi
			parentEntry.AddChild(entry)
			e.entries[entry] = fi
			e.byCNID[dr.DirID] = entry
			if err := e.addChildren(entry, dr.DirID, byParent); err != nil {
				return err
			}
		case recTypeFile:
			fr, err := filRecFromBytes(r.body)
			if err != nil {
				e.nb.Warnf(fmt.Sprintf("CNID parent %d", parentCNID), "malformed file record")
				continue
			}
			fi := &fileInfo{cnid: fr.FileID, parent: parentCNID, name: r.key.Name, fil: fr}
			fi.dataFork = &forkStorage{store: e.store, bitmap: e.bitmap, ext: e.extAPI, cnid: fi.cnid, isRsrc: false, local: &fi.fil.DataExtRec, blkSize: e.mdb.AlBlkSiz, alBlSt: e.mdb.AlBlSt}
			fi.rsrcFork = &forkStorage{store: e.store, bitmap: e.bitmap, ext: e.extAPI, cnid: fi.cnid, isRsrc: true, local: &fi.fil.RsrcExtRec, blkSize: e.mdb.AlBlkSiz, alBlSt: e.mdb.AlBlSt}
			entry := &dirtree.Entry{
				Name:     r.key.Name,
				Access:   uint32(fr.Flags),
				TypeInfo: CreateMode{Type: typeOf(fr), Creator: creatorOf(fr)},
				Sizes: dirtree.Sizes{
					DataLen:    int64(fr.DataLLen),
					RsrcLen:    int64(fr.RsrcLLen),
					StorageLen: int64(fr.DataPLen) + int64(fr.RsrcPLen),
				},
				Times:     dirtree.Timestamps{Created: tptr(fr.CrDate), Modified: tptr(fr.MdDate)},
				Status:    dirtree.Status{Valid: true},
				EngineRef: fi,
			}
			parentEntry.AddChild(entry)
			e.entries[entry] = fi
			e.byCNID[fr.FileID] = entry
		}
	}
	return nil
}

func tptr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func typeOf(fr FilRec) [4]byte {
	var t [4]byte
	copy(t[:], fr.FInfo[0:4])
	return t
}
func creatorOf(fr FilRec) [4]byte {
	var c [4]byte
	copy(c[:], fr.FInfo[4:8])
	return c
}

// Root implements vfs.Engine.
func (e *Engine) Root() *dirtree.Entry { return e.root }

// SupportsRsrcFork implements vfs.Engine: HFS files always carry a
// (possibly zero-length) resource fork.
func (e *Engine) SupportsRsrcFork() bool { return true }

// Scan implements vfs.Engine: mark every allocation block reachable from
// the catalog/extents tree files and from every file's forks, per
// spec.md §4.2/§4.8. The MDB, its alternate copy, and the volume bitmap
// itself live outside allocation-block space (spec.md §4.8: allocation
// blocks start at drAlBlSt), so they are not addressable alloc-units and
// are not represented in VolumeUsage.
func (e *Engine) Scan(usage *volumeusage.Usage) error {
	if err := markForkUsage(usage, e.catStorage, volumeusage.SystemOwner()); err != nil {
		return err
	}
	if err := markForkUsage(usage, e.extStorage, volumeusage.SystemOwner()); err != nil {
		return err
	}
	for entry, fi := range e.entries {
		if fi.isDir {
			continue
		}
		owner := volumeusage.FileOwner(uint64(fi.cnid))
		if err := markForkUsage(usage, fi.dataFork, owner); err != nil {
			entry.Status.Dubious = true
			continue
		}
		if err := markForkUsage(usage, fi.rsrcFork, owner); err != nil {
			entry.Status.Dubious = true
		}
	}
	return nil
}

func markForkUsage(usage *volumeusage.Usage, fs *forkStorage, owner volumeusage.Owner) error {
	descs, err := fs.descriptors()
	if err != nil {
		return err
	}
	for _, d := range descs {
		for i := uint16(0); i < d.BlockCount; i++ {
			usage.SetOwner(int(d.StartBlock+i), owner)
		}
	}
	return nil
}

// Open implements vfs.Engine.
func (e *Engine) Open(entry *dirtree.Entry, mode vfs.Mode, part vfs.Part) (vfs.Descriptor, error) {
	fi, ok := e.entries[entry]
	if !ok || fi.isDir {
		return nil, fmt.Errorf("hfs: %w", vfs.ErrNotFound)
	}
	isRsrc := part == vfs.RsrcFork
	return &fileHandle{eng: e, entry: entry, fi: fi, isRsrc: isRsrc, rw: mode == vfs.RW}, nil
}

// Create implements vfs.Engine. createMode, if non-nil, must be a
// hfs.CreateMode; its zero value creates an empty file with no Finder
// type/creator set.
func (e *Engine) Create(parent *dirtree.Entry, name string, createMode vfs.CreateMode) (*dirtree.Entry, error) {
	parentFi, ok := e.entries[parent]
	if !ok || !parentFi.isDir {
		return nil, fmt.Errorf("hfs: %w", vfs.ErrNotSupported)
	}
	cm := CreateMode{}
	if createMode != nil {
		c, ok := createMode.(CreateMode)
		if !ok {
			return nil, fmt.Errorf("hfs: create_mode must be a hfs.CreateMode: %w", vfs.ErrInvalidMode)
		}
		cm = c
	}
	if len(utf8ToMacRoman(name)) == 0 || len(utf8ToMacRoman(name)) > 31 {
		return nil, fmt.Errorf("hfs: name must be 1-31 bytes: %w", vfs.ErrInvalidName)
	}

	cnid := e.mdb.NxtCNID
	e.mdb.NxtCNID++
	now := time.Now()

	var entry *dirtree.Entry
	fi := &fileInfo{cnid: cnid, parent: parentFi.cnid, name: name}
	if cm.IsDir {
		fi.isDir = true
		fi.dir = DirRec{DirID: cnid, CrDate: now, MdDate: now}
		if err := e.catTree.bt.insert(catalogKey{Parent: parentFi.cnid, Name: name}.encode(), fi.dir.ToBytes()); err != nil {
			return nil, err
		}
		if err := e.writeThread(cnid, parentFi.cnid, name, true); err != nil {
			return nil, err
		}
		entry = &dirtree.Entry{Name: name, IsDir: true, Status: dirtree.Status{Valid: true}}
		e.mdb.DirCnt++
	} else {
		fi.fil = FilRec{Flags: 0x80, CrDate: now, MdDate: now}
		copy(fi.fil.FInfo[0:4], cm.Type[:])
		copy(fi.fil.FInfo[4:8], cm.Creator[:])
		fi.dataFork = &forkStorage{store: e.store, bitmap: e.bitmap, ext: e.extAPI, cnid: cnid, local: &fi.fil.DataExtRec, blkSize: e.mdb.AlBlkSiz, alBlSt: e.mdb.AlBlSt}
		fi.rsrcFork = &forkStorage{store: e.store, bitmap: e.bitmap, ext: e.extAPI, cnid: cnid, isRsrc: true, local: &fi.fil.RsrcExtRec, blkSize: e.mdb.AlBlkSiz, alBlSt: e.mdb.AlBlSt}
		if err := e.catTree.bt.insert(catalogKey{Parent: parentFi.cnid, Name: name}.encode(), fi.fil.ToBytes()); err != nil {
			return nil, err
		}
		if err := e.writeThread(cnid, parentFi.cnid, name, false); err != nil {
			return nil, err
		}
		entry = &dirtree.Entry{Name: name, Status: dirtree.Status{Valid: true}}
		e.mdb.FilCnt++
	}
	entry.EngineRef = fi
	parent.AddChild(entry)
	e.entries[entry] = fi
	e.byCNID[cnid] = entry

	parentFi.dir.Valence++
	if err := e.catTree.bt.insert(catalogKey{Parent: parentFi.parent, Name: parentFi.name}.encode(), parentFi.dir.ToBytes()); err != nil {
		return nil, err
	}
	return entry, nil
}

func (e *Engine) writeThread(cnid, parent CNID, name string, isDir bool) error {
	th := thrRec{ParID: parent, Name: name}
	return e.catTree.bt.insert(catalogKey{Parent: cnid, Name: ""}.encode(), th.ToBytes(isDir))
}

// Delete implements vfs.Engine.
func (e *Engine) Delete(entry *dirtree.Entry) error {
	fi, ok := e.entries[entry]
	if !ok {
		return fmt.Errorf("hfs: %w", vfs.ErrNotFound)
	}
	if fi.isDir && len(entry.Children()) > 0 {
		return fmt.Errorf("hfs: directory %q is not empty: %w", entry.Path(), vfs.ErrNotSupported)
	}
	if !fi.isDir {
		if err := fi.dataFork.trim(0); err != nil {
			return err
		}
		if err := fi.rsrcFork.trim(0); err != nil {
			return err
		}
	}
	if err := e.catTree.bt.remove(catalogKey{Parent: fi.parent, Name: fi.name}.encode()); err != nil {
		return err
	}
	if err := e.catTree.bt.remove(catalogKey{Parent: fi.cnid, Name: ""}.encode()); err != nil {
		return err
	}

	parentEntry := entry.Parent()
	parentFi := e.entries[parentEntry]
	parentFi.dir.Valence--
	if err := e.catTree.bt.insert(catalogKey{Parent: parentFi.parent, Name: parentFi.name}.encode(), parentFi.dir.ToBytes()); err != nil {
		return err
	}
	if fi.isDir {
		e.mdb.DirCnt--
	} else {
		e.mdb.FilCnt--
	}

	parentEntry.RemoveChild(entry)
	delete(e.entries, entry)
	delete(e.byCNID, fi.cnid)
	return nil
}

// Move implements vfs.Engine: rename and/or reparent, updating the
// catalog key, the thread record, and both parents' valence.
func (e *Engine) Move(entry, newParent *dirtree.Entry, newName string) error {
	fi, ok := e.entries[entry]
	if !ok {
		return fmt.Errorf("hfs: %w", vfs.ErrNotFound)
	}
	newParentFi, ok := e.entries[newParent]
	if !ok || !newParentFi.isDir {
		return fmt.Errorf("hfs: %w", vfs.ErrNotSupported)
	}
	if len(utf8ToMacRoman(newName)) == 0 || len(utf8ToMacRoman(newName)) > 31 {
		return fmt.Errorf("hfs: name must be 1-31 bytes: %w", vfs.ErrInvalidName)
	}

	oldParentEntry := entry.Parent()
	oldParentFi := e.entries[oldParentEntry]

	if err := e.catTree.bt.remove(catalogKey{Parent: fi.parent, Name: fi.name}.encode()); err != nil {
		return err
	}
	var val []byte
	if fi.isDir {
		val = fi.dir.ToBytes()
	} else {
		val = fi.fil.ToBytes()
	}
	if err := e.catTree.bt.insert(catalogKey{Parent: newParentFi.cnid, Name: newName}.encode(), val); err != nil {
		return err
	}
	if err := e.writeThread(fi.cnid, newParentFi.cnid, newName, fi.isDir); err != nil {
		return err
	}

	oldParentFi.dir.Valence--
	if err := e.catTree.bt.insert(catalogKey{Parent: oldParentFi.parent, Name: oldParentFi.name}.encode(), oldParentFi.dir.ToBytes()); err != nil {
		return err
	}
	newParentFi.dir.Valence++
	if err := e.catTree.bt.insert(catalogKey{Parent: newParentFi.parent, Name: newParentFi.name}.encode(), newParentFi.dir.ToBytes()); err != nil {
		return err
	}

	fi.parent = newParentFi.cnid
	fi.name = newName
	oldParentEntry.RemoveChild(entry)
	newParent.AddChild(entry)
	entry.Name = newName
	return nil
}

// AddRsrcFork implements vfs.Engine. HFS catalog File records always
// carry a (possibly zero-length) resource fork descriptor, so this is a
// structural no-op rather than an allocation — it only validates that
// entry is a file.
func (e *Engine) AddRsrcFork(entry *dirtree.Entry) error {
	fi, ok := e.entries[entry]
	if !ok || fi.isDir {
		return fmt.Errorf("hfs: %w", vfs.ErrNotSupported)
	}
	return nil
}

// Flush implements vfs.Engine: writes every dirty B*-tree node, both
// tree headers, the volume bitmap, and the primary/alternate MDB, per
// spec.md §4.8's flush order.
func (e *Engine) Flush() error {
	if err := e.catTree.flushHeader(); err != nil {
		return err
	}
	if err := e.catIO.flush(); err != nil {
		return err
	}
	if err := e.extTree.flushHeader(); err != nil {
		return err
	}
	if err := e.extIO.flush(); err != nil {
		return err
	}
	if err := e.bitmap.flush(); err != nil {
		return err
	}
	e.mdb.FreeBks = uint16(e.bitmap.countFree())
	e.mdb.XTFlSize = e.extIO.totalNodes * nodeSize
	e.mdb.CTFlSize = e.catIO.totalNodes * nodeSize
	buf := e.mdb.ToBytes()
	if err := e.store.WriteBlock(2, buf); err != nil {
		return err
	}
	if e.lastBlock > 2 {
		if err := e.store.WriteBlock(e.lastBlock, buf); err != nil {
			return err
		}
	}
	return nil
}

// extentsImpl adapts the extents-overflow btree to the extentsAPI
// interface forkStorage needs (spec.md §4.8's "extents found in the
// extents-overflow tree keyed by (cnid, fork, first_ablk_index)").
type extentsImpl struct {
	tree *btree
}

func (x *extentsImpl) find(cnid CNID, isRsrc bool, firstIndex uint16) (ExtDataRec, bool, error) {
	val, ok, err := x.tree.find(extentKey{CNID: cnid, IsRsrc: isRsrc, FirstIndex: firstIndex}.encode())
	if err != nil || !ok {
		return ExtDataRec{}, ok, err
	}
	var rec ExtDataRec
	rec.FromBytes(val)
	return rec, true, nil
}

func (x *extentsImpl) insert(cnid CNID, isRsrc bool, firstIndex uint16, rec ExtDataRec) error {
	return x.tree.insert(extentKey{CNID: cnid, IsRsrc: isRsrc, FirstIndex: firstIndex}.encode(), rec.ToBytes())
}

func (x *extentsImpl) remove(cnid CNID, isRsrc bool, firstIndex uint16) error {
	return x.tree.remove(extentKey{CNID: cnid, IsRsrc: isRsrc, FirstIndex: firstIndex}.encode())
}

// Format implements vfs.Engine: lays out a fresh MDB, volume bitmap,
// and two empty B*-trees, per spec.md §4.8.
func (e *Engine) Format(name string, num int, bootable bool) error {
	totalBlocks := e.store.Geometry().Blocks
	if totalBlocks == 0 {
		totalBlocks = e.store.Len() / blockSize
	}
	if len(utf8ToMacRoman(name)) == 0 || len(utf8ToMacRoman(name)) > 27 {
		return fmt.Errorf("hfs: volume name must be 1-27 bytes: %w", vfs.ErrInvalidName)
	}

	bitsPerBlock := int64(8 * blockSize)
	bitmapBlocks := (totalBlocks + bitsPerBlock - 1) / bitsPerBlock
	alBlSt := uint16(3 + bitmapBlocks)
	avail := totalBlocks - int64(alBlSt) - 1
	if avail <= 0 {
		return fmt.Errorf("hfs: image too small to format: %w", vfs.ErrInvalidImage)
	}
	blkSize := uint32(blockSize)
	nAlBlks := avail
	for nAlBlks > 65535 {
		blkSize *= 2
		nAlBlks = avail * blockSize / int64(blkSize)
	}

	now := time.Now()
	e.mdb = MDB{
		CrDate:   now,
		LsMod:    now,
		VBMSt:    3,
		NmAlBlks: uint16(nAlBlks),
		AlBlkSiz: blkSize,
		ClpSiz:   blkSize * 4,
		AlBlSt:   alBlSt,
		NxtCNID:  CNIDFirstUser,
		VN:       name,
		XTClpSiz: blkSize * 4,
		CTClpSiz: blkSize * 4,
	}
	e.bitmap = newVolBitmap(e.store, e.mdb.VBMSt, int(e.mdb.NmAlBlks))
	e.lastBlock = e.store.Len()/blockSize - 2

	e.extStorage = &forkStorage{store: e.store, bitmap: e.bitmap, ext: nil, cnid: CNIDExtents, local: &e.mdb.XTExtRec, blkSize: blkSize, alBlSt: alBlSt}
	for i := 0; i < 4; i++ {
		if err := e.extStorage.extendByOne(); err != nil {
			return err
		}
	}
	e.extIO = newTreeIO(e.extStorage, 0)
	var err error
	e.extTree, err = newBTree(e.extIO, compareExtentKeys, extentKeyLen)
	if err != nil {
		return err
	}
	e.extAPI = &extentsImpl{tree: e.extTree.bt}

	e.catStorage = &forkStorage{store: e.store, bitmap: e.bitmap, ext: e.extAPI, cnid: CNIDCatalog, local: &e.mdb.CTExtRec, blkSize: blkSize, alBlSt: alBlSt}
	for i := 0; i < 4; i++ {
		if err := e.catStorage.extendByOne(); err != nil {
			return err
		}
	}
	e.catIO = newTreeIO(e.catStorage, 0)
	e.catTree, err = newBTree(e.catIO, compareCatalogKeys, catalogKeyLen)
	if err != nil {
		return err
	}

	rootDir := DirRec{DirID: CNIDRootDir, CrDate: now, MdDate: now}
	if err := e.catTree.bt.insert(catalogKey{Parent: CNIDRootParent, Name: name}.encode(), rootDir.ToBytes()); err != nil {
		return err
	}
	if err := e.writeThread(CNIDRootDir, CNIDRootParent, name, true); err != nil {
		return err
	}

	e.entries = make(map[*dirtree.Entry]*fileInfo)
	e.byCNID = make(map[CNID]*dirtree.Entry)
	e.root = dirtree.NewRoot(name)
	rootFi := &fileInfo{cnid: CNIDRootDir, parent: CNIDRootParent, name: name, isDir: true, dir: rootDir}
	e.entries[e.root] = rootFi
	e.byCNID[CNIDRootDir] = e.root

	_ = bootable // boot-block code generation is out of scope; see dosfs.Format's identical note
	_ = num      // HFS has no numeric volume identifier (DOS's VTOC.Volume equivalent)
	return e.Flush()
}
