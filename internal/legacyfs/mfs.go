// Copyright (c) Elliot Nunn
// Licensed under the MIT license

// Package legacyfs implements the "thin variant" engines spec.md §4.6
// describes for Apple Pascal, CP/M, MFS, Gutenberg, and RDOS: formats
// that share vintagefs's abstract Engine/DirTree model but, unlike
// DosEngine/HfsEngine/ProdosEngine, are not full CORE components.
//
// MFS (Macintosh File System, HFS's flat-directory predecessor) is the
// one real engine in this package: it is Probed alongside HFS (spec.md
// §4.4, same MDB-prefix layout, signature 0xD2D7) and the Data Model
// section normatively describes its MDB, so a genuine read/write
// implementation belongs here. Pascal/CP/M/Gutenberg/RDOS get only
// not-supported stub engines (stub.go) — spec.md explicitly scopes them
// "referenced only by their interface contracts".
//
// MFS predates HFS's B*-tree catalog and allocation-block extent
// machinery entirely: the directory is one contiguous run of
// variable-length entries (no B-tree, no hierarchy — every file lives
// directly in the single root directory) and each fork is a single run
// of contiguous allocation blocks rather than an extent record with
// overflow. This engine is grounded directly on internal/hfs's MDB
// parsing (wire.go) and bitmap wrapping (bitmap.go), generalized down to
// MFS's simpler single-extent/flat-directory shape; see DESIGN.md for
// the documented simplification (no on-disk block-chaining for
// fragmented forks — a fork is always stored as one contiguous run,
// reallocated wholesale to the lowest free run large enough whenever it
// must grow past its current blocks).
package legacyfs

import (
	"encoding/binary"
	"fmt"
	"time"

	vfs "github.com/elliotnunn/vintagefs"
	"github.com/elliotnunn/vintagefs/internal/allocmap"
	"github.com/elliotnunn/vintagefs/internal/chunkstore"
	"github.com/elliotnunn/vintagefs/internal/dirtree"
	"github.com/elliotnunn/vintagefs/internal/hfs"
	"github.com/elliotnunn/vintagefs/internal/notes"
	"github.com/elliotnunn/vintagefs/internal/volumeusage"
)

const (
	blockSize  = 512
	mfsSig     = 0xD2D7
	mdbBlock   = 2
	dirEntSize = 51 // fixed portion before the name, padded to an even total
)

var macEpoch = time.Date(1904, 1, 1, 0, 0, 0, 0, time.UTC)

func macTime(t time.Time) uint32 {
	if t.IsZero() {
		return 0
	}
	return uint32(t.UTC().Sub(macEpoch) / time.Second)
}

func fromMacTime(stamp uint32) time.Time {
	if stamp == 0 {
		return time.Time{}
	}
	return macEpoch.Add(time.Duration(stamp) * time.Second)
}

// mdb is MFS's Master Directory Block (block 2), a close cousin of
// HFS's MDB (spec.md §3's Data Model gives the HFS layout this is
// modeled on; MFS lacks HFS's bitmap-start/extents-overflow fields
// since there is no B-tree and the bitmap immediately follows the MDB).
type mdb struct {
	CrDate   time.Time
	LsMod    time.Time
	Atrb     uint16
	NmFls    uint16 // number of files in the one flat directory
	DirSt    uint16 // first logical block of the directory
	BlLen    uint16 // length of the directory, in logical blocks
	NmAlBlks uint16 // number of allocation blocks
	AlBlkSiz uint32 // bytes per allocation block, multiple of 512
	ClpSiz   uint32
	AlBlSt   uint16 // first logical block of allocation-block space
	NxtFNum  uint32 // next unused file number
	FreeBks  uint16
	VN       string
}

func (m *mdb) FromBytes(b []byte) error {
	if len(b) < blockSize || binary.BigEndian.Uint16(b[0:]) != mfsSig {
		return fmt.Errorf("legacyfs: %w: bad MFS signature", vfs.ErrInvalidImage)
	}
	m.CrDate = fromMacTime(binary.BigEndian.Uint32(b[0x02:]))
	m.LsMod = fromMacTime(binary.BigEndian.Uint32(b[0x06:]))
	m.Atrb = binary.BigEndian.Uint16(b[0x0a:])
	m.NmFls = binary.BigEndian.Uint16(b[0x0c:])
	m.DirSt = binary.BigEndian.Uint16(b[0x0e:])
	m.BlLen = binary.BigEndian.Uint16(b[0x10:])
	m.NmAlBlks = binary.BigEndian.Uint16(b[0x12:])
	m.AlBlkSiz = binary.BigEndian.Uint32(b[0x14:])
	m.ClpSiz = binary.BigEndian.Uint32(b[0x18:])
	m.AlBlSt = binary.BigEndian.Uint16(b[0x1c:])
	m.NxtFNum = binary.BigEndian.Uint32(b[0x1e:])
	m.FreeBks = binary.BigEndian.Uint16(b[0x22:])
	nameLen := int(b[0x24])
	if nameLen > 27 {
		nameLen = 27
	}
	m.VN = hfs.MacRomanToUTF8(b[0x25 : 0x25+nameLen])
	if m.AlBlkSiz == 0 || m.AlBlkSiz%blockSize != 0 {
		return fmt.Errorf("legacyfs: %w: bad MFS allocation block size", vfs.ErrInvalidImage)
	}
	return nil
}

func (m *mdb) ToBytes() []byte {
	b := make([]byte, blockSize)
	binary.BigEndian.PutUint16(b[0x00:], mfsSig)
	binary.BigEndian.PutUint32(b[0x02:], macTime(m.CrDate))
	binary.BigEndian.PutUint32(b[0x06:], macTime(m.LsMod))
	binary.BigEndian.PutUint16(b[0x0a:], m.Atrb)
	binary.BigEndian.PutUint16(b[0x0c:], m.NmFls)
	binary.BigEndian.PutUint16(b[0x0e:], m.DirSt)
	binary.BigEndian.PutUint16(b[0x10:], m.BlLen)
	binary.BigEndian.PutUint16(b[0x12:], m.NmAlBlks)
	binary.BigEndian.PutUint32(b[0x14:], m.AlBlkSiz)
	binary.BigEndian.PutUint32(b[0x18:], m.ClpSiz)
	binary.BigEndian.PutUint16(b[0x1c:], m.AlBlSt)
	binary.BigEndian.PutUint32(b[0x1e:], m.NxtFNum)
	binary.BigEndian.PutUint16(b[0x22:], m.FreeBks)
	enc := hfs.UTF8ToMacRoman(m.VN)
	if len(enc) > 27 {
		enc = enc[:27]
	}
	b[0x24] = byte(len(enc))
	copy(b[0x25:], enc)
	return b
}

// dirEnt is one flat-directory entry: a fixed 51-byte header followed by
// a Pascal-string name, the whole thing padded to an even length so
// entries stay word-aligned in the directory area (spec.md §9's "store
// raw bytes plus a dirty bit" idiom is not needed here since the whole
// directory is re-serialized on flush; see rewriteDirectory).
type dirEnt struct {
	Used      bool
	FlNum     uint32
	DataStart uint16
	DataLLen  uint32
	DataPLen  uint32
	RsrcStart uint16
	RsrcLLen  uint32
	RsrcPLen  uint32
	CrDate    time.Time
	MdDate    time.Time
	Locked    bool
	Name      string
}

func (e *dirEnt) encode() []byte {
	nameEnc := hfs.UTF8ToMacRoman(e.Name)
	if len(nameEnc) > 63 {
		nameEnc = nameEnc[:63]
	}
	total := dirEntSize + 1 + len(nameEnc)
	if total%2 != 0 {
		total++
	}
	b := make([]byte, total)
	flags := byte(0x80)
	if e.Locked {
		flags |= 0x01
	}
	b[0] = flags
	b[1] = 0 // version
	binary.BigEndian.PutUint32(b[18:], e.FlNum)
	binary.BigEndian.PutUint16(b[22:], e.DataStart)
	binary.BigEndian.PutUint32(b[24:], e.DataLLen)
	binary.BigEndian.PutUint32(b[28:], e.DataPLen)
	binary.BigEndian.PutUint16(b[32:], e.RsrcStart)
	binary.BigEndian.PutUint32(b[34:], e.RsrcLLen)
	binary.BigEndian.PutUint32(b[38:], e.RsrcPLen)
	binary.BigEndian.PutUint32(b[42:], macTime(e.CrDate))
	binary.BigEndian.PutUint32(b[46:], macTime(e.MdDate))
	b[dirEntSize] = byte(len(nameEnc))
	copy(b[dirEntSize+1:], nameEnc)
	return b
}

// decodeDirEnt parses one entry starting at b[0], returning its total
// encoded length (including padding) so the caller can advance.
func decodeDirEnt(b []byte) (dirEnt, int, bool) {
	if len(b) < dirEntSize+1 || b[0]&0x80 == 0 {
		return dirEnt{}, 0, false
	}
	var e dirEnt
	e.Used = true
	e.Locked = b[0]&0x01 != 0
	e.FlNum = binary.BigEndian.Uint32(b[18:])
	e.DataStart = binary.BigEndian.Uint16(b[22:])
	e.DataLLen = binary.BigEndian.Uint32(b[24:])
	e.DataPLen = binary.BigEndian.Uint32(b[28:])
	e.RsrcStart = binary.BigEndian.Uint16(b[32:])
	e.RsrcLLen = binary.BigEndian.Uint32(b[34:])
	e.RsrcPLen = binary.BigEndian.Uint32(b[38:])
	e.CrDate = fromMacTime(binary.BigEndian.Uint32(b[42:]))
	e.MdDate = fromMacTime(binary.BigEndian.Uint32(b[46:]))
	nameLen := int(b[dirEntSize])
	if dirEntSize+1+nameLen > len(b) {
		return dirEnt{}, 0, false
	}
	e.Name = hfs.MacRomanToUTF8(b[dirEntSize+1 : dirEntSize+1+nameLen])
	total := dirEntSize + 1 + nameLen
	if total%2 != 0 {
		total++
	}
	return e, total, true
}

// fileInfo is the live state behind one dirtree.Entry.
type fileInfo struct {
	ent  dirEnt
	data extent
	rsrc extent
}

// extent is MFS's single-run fork storage: a contiguous range of
// allocation blocks. The fork's logical byte length is kept in dirEnt.
type extent struct {
	start  uint16 // allocation-block index, meaningful only when blocks > 0
	blocks uint16
}

// Options configures an MFS mount. Empty today; reserved for parity with
// the other engines' Options types.
type Options struct{}

// Engine implements vfs.Engine for MFS.
type Engine struct {
	store chunkstore.Store
	nb    *notes.Buffer

	m      mdb
	bitmap *allocmap.Map

	root    *dirtree.Entry
	entries map[*dirtree.Entry]*fileInfo
}

// Adapt returns a vfs.NewEngine suitable for vfs.New.
func Adapt(opts Options) vfs.NewEngine {
	return func(store chunkstore.Store, nb *notes.Buffer) (vfs.Engine, error) {
		return Mount(store, nb, opts)
	}
}

// Blank returns an Engine with no MDB parsed yet, suitable only for a
// subsequent Format call — the same split Mount/Blank shape internal/hfs
// uses to let Format build a volume from nothing rather than requiring an
// existing MDB to parse first.
func Blank(store chunkstore.Store, nb *notes.Buffer, opts Options) (*Engine, error) {
	return &Engine{store: store, nb: nb, entries: make(map[*dirtree.Entry]*fileInfo)}, nil
}

func blocksPerAlloc(m *mdb) int64 { return int64(m.AlBlkSiz) / blockSize }

// ablkToLogical maps an allocation-block index to its first logical
// block, per spec.md §3's block-addressed-geometry convention.
func (e *Engine) ablkToLogical(ablk uint16) int64 {
	return int64(e.m.AlBlSt) + int64(ablk)*blocksPerAlloc(&e.m)
}

// Mount parses the MDB and flat directory, building the DirTree as
// direct children of the synthesized root (MFS has no subdirectories).
func Mount(store chunkstore.Store, nb *notes.Buffer, opts Options) (*Engine, error) {
	e := &Engine{store: store, nb: nb, entries: make(map[*dirtree.Entry]*fileInfo)}

	buf := make([]byte, blockSize)
	if err := store.ReadBlock(mdbBlock, buf); err != nil {
		return nil, fmt.Errorf("legacyfs: reading MFS MDB: %w", err)
	}
	if err := e.m.FromBytes(buf); err != nil {
		return nil, err
	}
	if e.m.VN == "" {
		return nil, fmt.Errorf("legacyfs: empty MFS volume name: %w", vfs.ErrInvalidImage)
	}

	e.bitmap = allocmap.New(int(e.m.NmAlBlks), 0)
	e.root = dirtree.NewRoot(e.m.VN)

	dirBuf := make([]byte, int(e.m.BlLen)*blockSize)
	for i := 0; i < int(e.m.BlLen); i++ {
		if err := store.ReadBlock(int64(e.m.DirSt)+int64(i), dirBuf[i*blockSize:(i+1)*blockSize]); err != nil {
			return nil, fmt.Errorf("legacyfs: reading MFS directory: %w", err)
		}
	}

	used := make([]bool, e.m.NmAlBlks)
	off := 0
	for off < len(dirBuf) {
		ent, n, ok := decodeDirEnt(dirBuf[off:])
		if !ok {
			off += 2
			continue
		}
		off += n

		fi := &fileInfo{ent: ent}
		if ent.DataPLen > 0 {
			fi.data = extent{start: ent.DataStart, blocks: uint16((int64(ent.DataPLen) + blocksPerAlloc(&e.m)*blockSize - 1) / (blocksPerAlloc(&e.m) * blockSize))}
		}
		if ent.RsrcPLen > 0 {
			fi.rsrc = extent{start: ent.RsrcStart, blocks: uint16((int64(ent.RsrcPLen) + blocksPerAlloc(&e.m)*blockSize - 1) / (blocksPerAlloc(&e.m) * blockSize))}
		}
		markExtent(used, fi.data)
		markExtent(used, fi.rsrc)

		entry := &dirtree.Entry{
			Name:   ent.Name,
			Access: accessBits(ent.Locked),
			Sizes: dirtree.Sizes{
				DataLen:    int64(ent.DataLLen),
				RsrcLen:    int64(ent.RsrcLLen),
				StorageLen: int64(ent.DataPLen) + int64(ent.RsrcPLen),
			},
			Times:     dirtree.Timestamps{Created: tptr(ent.CrDate), Modified: tptr(ent.MdDate)},
			Status:    dirtree.Status{Valid: true},
			EngineRef: fi,
		}
		e.root.AddChild(entry)
		e.entries[entry] = fi
	}

	e.bitmap.Load(func(unit int) bool { return used[unit] })
	return e, nil
}

func markExtent(used []bool, x extent) {
	for i := 0; i < int(x.blocks); i++ {
		idx := int(x.start) + i
		if idx >= 0 && idx < len(used) {
			used[idx] = true
		}
	}
}

func accessBits(locked bool) uint32 {
	if locked {
		return 1
	}
	return 0
}

func tptr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

// Root implements vfs.Engine.
func (e *Engine) Root() *dirtree.Entry { return e.root }

// SupportsRsrcFork implements vfs.Engine: MFS files, like their HFS
// successors, always carry a (possibly zero-length) resource fork.
func (e *Engine) SupportsRsrcFork() bool { return true }

// Scan implements vfs.Engine, marking each file's allocation blocks
// (spec.md §4.2). The directory area and MDB are logical-block-addressed
// (outside allocation-block space, like HFS's MDB/bitmap), so they carry
// no VolumeUsage entries.
func (e *Engine) Scan(usage *volumeusage.Usage) error {
	id := uint64(0)
	for _, fi := range e.entries {
		id++
		owner := volumeusage.FileOwner(id)
		for i := 0; i < int(fi.data.blocks); i++ {
			usage.SetOwner(int(fi.data.start)+i, owner)
		}
		for i := 0; i < int(fi.rsrc.blocks); i++ {
			usage.SetOwner(int(fi.rsrc.start)+i, owner)
		}
	}
	return nil
}

// Open implements vfs.Engine.
func (e *Engine) Open(entry *dirtree.Entry, mode vfs.Mode, part vfs.Part) (vfs.Descriptor, error) {
	fi, ok := e.entries[entry]
	if !ok {
		return nil, fmt.Errorf("legacyfs: %w", vfs.ErrNotFound)
	}
	return &fileHandle{eng: e, entry: entry, fi: fi, isRsrc: part == vfs.RsrcFork, rw: mode == vfs.RW}, nil
}

// Create implements vfs.Engine. createMode is ignored; MFS files carry
// no engine-specific creation parameters beyond a name.
func (e *Engine) Create(parent *dirtree.Entry, name string, createMode vfs.CreateMode) (*dirtree.Entry, error) {
	if parent != e.root {
		return nil, fmt.Errorf("legacyfs: MFS has no subdirectories: %w", vfs.ErrNotSupported)
	}
	enc := hfs.UTF8ToMacRoman(name)
	if len(enc) == 0 || len(enc) > 63 {
		return nil, fmt.Errorf("legacyfs: name must be 1-63 bytes: %w", vfs.ErrInvalidName)
	}
	now := time.Now()
	fi := &fileInfo{ent: dirEnt{FlNum: e.m.NxtFNum, Name: name, CrDate: now, MdDate: now}}
	e.m.NxtFNum++
	e.m.NmFls++

	entry := &dirtree.Entry{Name: name, Status: dirtree.Status{Valid: true}, EngineRef: fi}
	e.root.AddChild(entry)
	e.entries[entry] = fi
	return entry, nil
}

// Delete implements vfs.Engine.
func (e *Engine) Delete(entry *dirtree.Entry) error {
	fi, ok := e.entries[entry]
	if !ok {
		return fmt.Errorf("legacyfs: %w", vfs.ErrNotFound)
	}
	e.freeExtent(fi.data)
	e.freeExtent(fi.rsrc)
	e.root.RemoveChild(entry)
	delete(e.entries, entry)
	e.m.NmFls--
	return nil
}

// Move implements vfs.Engine: MFS has one flat directory, so Move can
// only rename in place.
func (e *Engine) Move(entry, newParent *dirtree.Entry, newName string) error {
	fi, ok := e.entries[entry]
	if !ok {
		return fmt.Errorf("legacyfs: %w", vfs.ErrNotFound)
	}
	if newParent != e.root {
		return fmt.Errorf("legacyfs: MFS has no subdirectories: %w", vfs.ErrNotSupported)
	}
	enc := hfs.UTF8ToMacRoman(newName)
	if len(enc) == 0 || len(enc) > 63 {
		return fmt.Errorf("legacyfs: name must be 1-63 bytes: %w", vfs.ErrInvalidName)
	}
	fi.ent.Name = newName
	entry.Name = newName
	return nil
}

// AddRsrcFork implements vfs.Engine: a structural no-op, as for HFS —
// every MFS file record already reserves resource-fork fields.
func (e *Engine) AddRsrcFork(entry *dirtree.Entry) error {
	if _, ok := e.entries[entry]; !ok {
		return fmt.Errorf("legacyfs: %w", vfs.ErrNotSupported)
	}
	return nil
}

// Flush implements vfs.Engine: rewrites the directory area and the MDB.
func (e *Engine) Flush() error {
	dirBuf := make([]byte, int(e.m.BlLen)*blockSize)
	off := 0
	n := 0
	for _, fi := range e.entries {
		enc := fi.ent.encode()
		if off+len(enc) > len(dirBuf) {
			return fmt.Errorf("legacyfs: %w: directory area full", vfs.ErrDiskFull)
		}
		copy(dirBuf[off:], enc)
		off += len(enc)
		n++
	}
	for i := 0; i < int(e.m.BlLen); i++ {
		if err := e.store.WriteBlock(int64(e.m.DirSt)+int64(i), dirBuf[i*blockSize:(i+1)*blockSize]); err != nil {
			return err
		}
	}
	e.m.NmFls = uint16(n)
	e.m.FreeBks = uint16(e.bitmap.CountFree())
	return e.store.WriteBlock(mdbBlock, e.m.ToBytes())
}

// Format implements vfs.Engine: lays out a fresh, empty MFS volume.
func (e *Engine) Format(name string, num int, bootable bool) error {
	totalBlocks := e.store.Geometry().Blocks
	if totalBlocks == 0 {
		totalBlocks = e.store.Len() / blockSize
	}
	enc := hfs.UTF8ToMacRoman(name)
	if len(enc) == 0 || len(enc) > 27 {
		return fmt.Errorf("legacyfs: volume name must be 1-27 bytes: %w", vfs.ErrInvalidName)
	}

	const dirBlocks = 12 // enough for a few dozen flat-directory entries
	now := time.Now()
	e.m = mdb{
		CrDate:   now,
		LsMod:    now,
		DirSt:    3,
		BlLen:    dirBlocks,
		AlBlSt:   3 + dirBlocks,
		AlBlkSiz: blockSize,
		ClpSiz:   blockSize,
		NxtFNum:  1,
		VN:       name,
	}
	nAlBlks := totalBlocks - int64(e.m.AlBlSt)
	if nAlBlks <= 0 {
		return fmt.Errorf("legacyfs: image too small to format: %w", vfs.ErrInvalidImage)
	}
	e.m.NmAlBlks = uint16(nAlBlks)
	e.m.FreeBks = uint16(nAlBlks)

	e.bitmap = allocmap.New(int(nAlBlks), 0)
	e.entries = make(map[*dirtree.Entry]*fileInfo)
	e.root = dirtree.NewRoot(name)

	zero := make([]byte, blockSize)
	for i := 0; i < dirBlocks; i++ {
		if err := e.store.WriteBlock(int64(e.m.DirSt)+int64(i), zero); err != nil {
			return err
		}
	}
	_ = bootable // boot-block generation is out of scope, matching dosfs/hfs's Format
	_ = num
	return e.Flush()
}

// freeExtent releases x's allocation blocks back to the bitmap.
func (e *Engine) freeExtent(x extent) {
	for i := 0; i < int(x.blocks); i++ {
		e.bitmap.Free(int(x.start) + i)
	}
}

// findRun searches the bitmap for n contiguous free blocks, the
// allocation strategy a single-extent-per-fork model needs in place of
// HFS's incremental one-block-at-a-time extend (spec.md §4.3's "lowest
// free unit" policy is generalized here to "lowest free run").
func (e *Engine) findRun(n int) (int, bool) {
	if n == 0 {
		return 0, true
	}
	run := 0
	start := 0
	for u := 0; u < e.bitmap.Size(); u++ {
		if e.bitmap.IsFree(u) {
			if run == 0 {
				start = u
			}
			run++
			if run == n {
				return start, true
			}
		} else {
			run = 0
		}
	}
	return 0, false
}

func (e *Engine) allocRun(n int) (int, error) {
	start, ok := e.findRun(n)
	if !ok {
		return 0, fmt.Errorf("legacyfs: %w", vfs.ErrDiskFull)
	}
	for i := 0; i < n; i++ {
		if err := e.bitmap.MarkUsed(start + i); err != nil {
			return 0, err
		}
	}
	return start, nil
}
