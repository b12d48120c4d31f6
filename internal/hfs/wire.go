// Copyright (c) Elliot Nunn
// Licensed under the MIT license

// Package hfs implements the HFS (Hierarchical File System) engine
// described in spec.md §4.8 (component C8, CORE scope): master
// directory block, volume bitmap, and the two B*-trees (extents
// overflow, catalog) that HFS stores as ordinary "files" inside the
// volume.
//
// The on-disk byte offsets here are grounded on the teacher's own
// read-only HFS walker (internal/hfs/hfs.go, since replaced): the MDB
// field offsets (drNmAlBlks at 0x12, drAlBlkSiz at 0x14, drAlBlSt at
// 0x1c, the 'BD' signature, and so on) and the catalog/extents record
// layouts it parsed are reused verbatim as struct field offsets here,
// extended with ToBytes encoders since the teacher only ever needed to
// read a volume, never write one.
package hfs

import (
	"encoding/binary"
	"errors"
	"time"
)

// CNID is a catalog node ID: the HFS-wide unique identifier for every
// file and directory (spec.md §4.8).
type CNID uint32

const (
	CNIDRootParent CNID = 1
	CNIDRootDir    CNID = 2
	CNIDExtents    CNID = 3
	CNIDCatalog    CNID = 4
	CNIDBadBlocks  CNID = 5
	CNIDFirstUser  CNID = 16
)

const (
	blockSize      = 512
	nodeSize       = 512
	mdbOffset      = 0x400 // block 2
	signature      = 0x4244
	maxRecsPerNode = 248 // btree.go's structural sanity cap
)

// macEpoch is 1904-01-01, the HFS/Mac OS date-field epoch.
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

// ExtDescriptor is one run of contiguous allocation blocks.
type ExtDescriptor struct {
	StartBlock uint16
	BlockCount uint16
}

// ExtDataRec is the three-extent record embedded in the MDB and in every
// catalog file record, per spec.md §4.8.
type ExtDataRec [3]ExtDescriptor

func (e ExtDataRec) ToBytes() []byte {
	buf := make([]byte, 12)
	for i, d := range e {
		binary.BigEndian.PutUint16(buf[i*4:], d.StartBlock)
		binary.BigEndian.PutUint16(buf[i*4+2:], d.BlockCount)
	}
	return buf
}

func (e *ExtDataRec) FromBytes(b []byte) {
	for i := range e {
		e[i].StartBlock = binary.BigEndian.Uint16(b[i*4:])
		e[i].BlockCount = binary.BigEndian.Uint16(b[i*4+2:])
	}
}

func (e ExtDataRec) totalBlocks() int {
	n := 0
	for _, d := range e {
		n += int(d.BlockCount)
	}
	return n
}

// MDB is the master directory block, mirrored at the volume's
// second-to-last block (spec.md §4.8). Field names follow the classic
// Inside Macintosh "dr..." naming the teacher's own comments used.
type MDB struct {
	CrDate    time.Time
	LsMod     time.Time
	Atrb      uint16
	NmFls     uint16
	VBMSt     uint16
	AllocPtr  uint16
	NmAlBlks  uint16
	AlBlkSiz  uint32
	ClpSiz    uint32
	AlBlSt    uint16
	NxtCNID   CNID
	FreeBks   uint16
	VN        string
	VolBkUp   time.Time
	WrCnt     uint32
	XTClpSiz  uint32
	CTClpSiz  uint32
	NmRtDirs  uint16
	FilCnt    uint32
	DirCnt    uint32
	FndrInfo  [32]byte
	XTFlSize  uint32
	XTExtRec  ExtDataRec
	CTFlSize  uint32
	CTExtRec  ExtDataRec
}

var ErrBadMDB = errors.New("hfs: bad master directory block")

func (m *MDB) FromBytes(b []byte) error {
	if len(b) < blockSize {
		return ErrBadMDB
	}
	if binary.BigEndian.Uint16(b[0x00:]) != signature {
		return ErrBadMDB
	}
	m.CrDate = fromMacTime(binary.BigEndian.Uint32(b[0x02:]))
	m.LsMod = fromMacTime(binary.BigEndian.Uint32(b[0x06:]))
	m.Atrb = binary.BigEndian.Uint16(b[0x0a:])
	m.NmFls = binary.BigEndian.Uint16(b[0x0c:])
	m.VBMSt = binary.BigEndian.Uint16(b[0x0e:])
	m.AllocPtr = binary.BigEndian.Uint16(b[0x10:])
	m.NmAlBlks = binary.BigEndian.Uint16(b[0x12:])
	m.AlBlkSiz = binary.BigEndian.Uint32(b[0x14:])
	m.ClpSiz = binary.BigEndian.Uint32(b[0x18:])
	m.AlBlSt = binary.BigEndian.Uint16(b[0x1c:])
	m.NxtCNID = CNID(binary.BigEndian.Uint32(b[0x1e:]))
	m.FreeBks = binary.BigEndian.Uint16(b[0x22:])
	m.VN = pascalString(b[0x24:0x44])
	m.VolBkUp = fromMacTime(binary.BigEndian.Uint32(b[0x40:]))
	m.WrCnt = binary.BigEndian.Uint32(b[0x46:])
	m.XTClpSiz = binary.BigEndian.Uint32(b[0x4a:])
	m.CTClpSiz = binary.BigEndian.Uint32(b[0x4e:])
	m.NmRtDirs = binary.BigEndian.Uint16(b[0x52:])
	m.FilCnt = binary.BigEndian.Uint32(b[0x54:])
	m.DirCnt = binary.BigEndian.Uint32(b[0x58:])
	copy(m.FndrInfo[:], b[0x5c:0x7c])
	m.XTFlSize = binary.BigEndian.Uint32(b[0x82:])
	m.XTExtRec.FromBytes(b[0x86:0x92])
	m.CTFlSize = binary.BigEndian.Uint32(b[0x92:])
	m.CTExtRec.FromBytes(b[0x96:0xa2])

	if m.AlBlkSiz == 0 || m.AlBlkSiz%blockSize != 0 {
		return ErrBadMDB
	}
	return nil
}

func (m *MDB) ToBytes() []byte {
	b := make([]byte, blockSize)
	binary.BigEndian.PutUint16(b[0x00:], signature)
	binary.BigEndian.PutUint32(b[0x02:], macTime(m.CrDate))
	binary.BigEndian.PutUint32(b[0x06:], macTime(m.LsMod))
	binary.BigEndian.PutUint16(b[0x0a:], m.Atrb)
	binary.BigEndian.PutUint16(b[0x0c:], m.NmFls)
	binary.BigEndian.PutUint16(b[0x0e:], m.VBMSt)
	binary.BigEndian.PutUint16(b[0x10:], m.AllocPtr)
	binary.BigEndian.PutUint16(b[0x12:], m.NmAlBlks)
	binary.BigEndian.PutUint32(b[0x14:], m.AlBlkSiz)
	binary.BigEndian.PutUint32(b[0x18:], m.ClpSiz)
	binary.BigEndian.PutUint16(b[0x1c:], m.AlBlSt)
	binary.BigEndian.PutUint32(b[0x1e:], uint32(m.NxtCNID))
	binary.BigEndian.PutUint16(b[0x22:], m.FreeBks)
	putPascalString(b[0x24:0x44], m.VN)
	binary.BigEndian.PutUint32(b[0x40:], macTime(m.VolBkUp))
	binary.BigEndian.PutUint32(b[0x46:], m.WrCnt)
	binary.BigEndian.PutUint32(b[0x4a:], m.XTClpSiz)
	binary.BigEndian.PutUint32(b[0x4e:], m.CTClpSiz)
	binary.BigEndian.PutUint16(b[0x52:], m.NmRtDirs)
	binary.BigEndian.PutUint32(b[0x54:], m.FilCnt)
	binary.BigEndian.PutUint32(b[0x58:], m.DirCnt)
	copy(b[0x5c:0x7c], m.FndrInfo[:])
	binary.BigEndian.PutUint32(b[0x82:], m.XTFlSize)
	copy(b[0x86:0x92], m.XTExtRec.ToBytes())
	binary.BigEndian.PutUint32(b[0x92:], m.CTFlSize)
	copy(b[0x96:0xa2], m.CTExtRec.ToBytes())
	return b
}

func pascalString(b []byte) string {
	if len(b) == 0 {
		return ""
	}
	n := int(b[0])
	if n > len(b)-1 {
		n = len(b) - 1
	}
	return macRomanToUTF8(b[1 : 1+n])
}

func putPascalString(b []byte, s string) {
	enc := utf8ToMacRoman(s)
	if len(enc) > len(b)-1 {
		enc = enc[:len(b)-1]
	}
	b[0] = byte(len(enc))
	copy(b[1:], enc)
	for i := 1 + len(enc); i < len(b); i++ {
		b[i] = 0
	}
}

// Catalog record types, spec.md §4.8.
const (
	recTypeDir    = 1
	recTypeFile   = 2
	recTypeDirThr = 3
	recTypeFilThr = 4
)

// DirRec is a catalog Directory record (70 bytes).
type DirRec struct {
	Flags    uint16
	Valence  uint16
	DirID    CNID
	CrDate   time.Time
	MdDate   time.Time
	BkDate   time.Time
	UsrInfo  [16]byte
	FndrInfo [16]byte
}

func (r *DirRec) ToBytes() []byte {
	b := make([]byte, 70)
	b[0] = recTypeDir
	binary.BigEndian.PutUint16(b[2:], r.Flags)
	binary.BigEndian.PutUint16(b[4:], r.Valence)
	binary.BigEndian.PutUint32(b[6:], uint32(r.DirID))
	binary.BigEndian.PutUint32(b[10:], macTime(r.CrDate))
	binary.BigEndian.PutUint32(b[14:], macTime(r.MdDate))
	binary.BigEndian.PutUint32(b[18:], macTime(r.BkDate))
	copy(b[22:38], r.UsrInfo[:])
	copy(b[38:54], r.FndrInfo[:])
	return b
}

func dirRecFromBytes(b []byte) (DirRec, error) {
	var r DirRec
	if len(b) < 54 || b[0] != recTypeDir {
		return r, errBadRecord
	}
	r.Flags = binary.BigEndian.Uint16(b[2:])
	r.Valence = binary.BigEndian.Uint16(b[4:])
	r.DirID = CNID(binary.BigEndian.Uint32(b[6:]))
	r.CrDate = fromMacTime(binary.BigEndian.Uint32(b[10:]))
	r.MdDate = fromMacTime(binary.BigEndian.Uint32(b[14:]))
	r.BkDate = fromMacTime(binary.BigEndian.Uint32(b[18:]))
	copy(r.UsrInfo[:], b[22:38])
	copy(r.FndrInfo[:], b[38:54])
	return r, nil
}

// FilRec is a catalog File record (102 bytes).
type FilRec struct {
	Flags      byte // bit 0: locked, bit 7: record used
	FInfo      [16]byte
	FileID     CNID
	DataStart  uint16 // unused by this engine, kept for on-disk fidelity
	DataLLen   uint32
	DataPLen   uint32
	RsrcStart  uint16
	RsrcLLen   uint32
	RsrcPLen   uint32
	CrDate     time.Time
	MdDate     time.Time
	BkDate     time.Time
	FXInfo     [16]byte
	DataExtRec ExtDataRec
	RsrcExtRec ExtDataRec
}

func (r *FilRec) ToBytes() []byte {
	b := make([]byte, 102)
	b[0] = recTypeFile
	b[1] = r.Flags
	copy(b[2:18], r.FInfo[:])
	binary.BigEndian.PutUint32(b[18:], uint32(r.FileID))
	binary.BigEndian.PutUint32(b[26:], r.DataLLen)
	binary.BigEndian.PutUint32(b[30:], r.DataPLen)
	binary.BigEndian.PutUint32(b[38:], r.RsrcLLen)
	binary.BigEndian.PutUint32(b[42:], r.RsrcPLen)
	binary.BigEndian.PutUint32(b[46:], macTime(r.CrDate))
	binary.BigEndian.PutUint32(b[50:], macTime(r.MdDate))
	binary.BigEndian.PutUint32(b[54:], macTime(r.BkDate))
	copy(b[58:74], r.FXInfo[:])
	copy(b[74:86], r.DataExtRec.ToBytes())
	copy(b[86:98], r.RsrcExtRec.ToBytes())
	return b
}

func filRecFromBytes(b []byte) (FilRec, error) {
	var r FilRec
	if len(b) < 98 || b[0] != recTypeFile {
		return r, errBadRecord
	}
	r.Flags = b[1]
	copy(r.FInfo[:], b[2:18])
	r.FileID = CNID(binary.BigEndian.Uint32(b[18:]))
	r.DataLLen = binary.BigEndian.Uint32(b[26:])
	r.DataPLen = binary.BigEndian.Uint32(b[30:])
	r.RsrcLLen = binary.BigEndian.Uint32(b[38:])
	r.RsrcPLen = binary.BigEndian.Uint32(b[42:])
	r.CrDate = fromMacTime(binary.BigEndian.Uint32(b[46:]))
	r.MdDate = fromMacTime(binary.BigEndian.Uint32(b[50:]))
	r.BkDate = fromMacTime(binary.BigEndian.Uint32(b[54:]))
	copy(r.FXInfo[:], b[58:74])
	r.DataExtRec.FromBytes(b[74:86])
	r.RsrcExtRec.FromBytes(b[86:98])
	return r, nil
}

// thrRec is a catalog Thread record (parent CNID + name), used to walk
// from a CNID back up to its (parent, name), spec.md §4.8.
type thrRec struct {
	ParID CNID
	Name  string
}

func (r *thrRec) ToBytes(isDir bool) []byte {
	b := make([]byte, 46)
	if isDir {
		b[0] = recTypeDirThr
	} else {
		b[0] = recTypeFilThr
	}
	binary.BigEndian.PutUint32(b[10:], uint32(r.ParID))
	putPascalString(b[14:46], r.Name)
	return b
}

func thrRecFromBytes(b []byte) (thrRec, bool, error) {
	var r thrRec
	if len(b) < 46 || (b[0] != recTypeDirThr && b[0] != recTypeFilThr) {
		return r, false, errBadRecord
	}
	r.ParID = CNID(binary.BigEndian.Uint32(b[10:]))
	r.Name = pascalString(b[14:46])
	return r, b[0] == recTypeDirThr, nil
}

var errBadRecord = errors.New("hfs: malformed catalog record")

// catalogKey is (parent_cnid, name); name "" sorts before any real name
// in the same parent, per spec.md §4.8's thread-record ordering rule.
type catalogKey struct {
	Parent CNID
	Name   string
}

func (k catalogKey) encode() []byte {
	nameEnc := utf8ToMacRoman(k.Name)
	if len(nameEnc) > 31 {
		nameEnc = nameEnc[:31]
	}
	b := make([]byte, 7+len(nameEnc))
	b[0] = byte(6 + len(nameEnc)) // key length byte: total size minus itself
	binary.BigEndian.PutUint32(b[2:], uint32(k.Parent))
	b[6] = byte(len(nameEnc))
	copy(b[7:], nameEnc)
	return b
}

func decodeCatalogKey(b []byte) catalogKey {
	parent := CNID(binary.BigEndian.Uint32(b[2:]))
	n := int(b[6])
	if 7+n > len(b) {
		n = len(b) - 7
	}
	return catalogKey{Parent: parent, Name: macRomanToUTF8(b[7 : 7+n])}
}

// compareCatalogKeys implements spec.md §4.8's catalog ordering: by
// parent CNID, then by folded Mac-Roman name, with an empty name (a
// thread record) sorting first in its parent.
func compareCatalogKeys(a, b []byte) int {
	ka, kb := decodeCatalogKey(a), decodeCatalogKey(b)
	if ka.Parent != kb.Parent {
		if ka.Parent < kb.Parent {
			return -1
		}
		return 1
	}
	return compareHFSNames(ka.Name, kb.Name)
}

// extentKey is (file_cnid, fork, first_ablk_index), spec.md §4.8.
type extentKey struct {
	CNID       CNID
	IsRsrc     bool
	FirstIndex uint16
}

func (k extentKey) encode() []byte {
	b := make([]byte, 8)
	b[0] = 7 // key length byte
	if k.IsRsrc {
		b[1] = 0xff
	}
	binary.BigEndian.PutUint32(b[2:], uint32(k.CNID))
	binary.BigEndian.PutUint16(b[6:], k.FirstIndex)
	return b
}

func decodeExtentKey(b []byte) extentKey {
	return extentKey{
		CNID:       CNID(binary.BigEndian.Uint32(b[2:])),
		IsRsrc:     b[1] != 0,
		FirstIndex: binary.BigEndian.Uint16(b[6:]),
	}
}

// catalogKeyLen and extentKeyLen read a record's leading length byte
// (the key's own size, excluding that byte) to tell the generic B*-tree
// code in btree.go where a record's key ends and its value begins.
func catalogKeyLen(rec []byte) int { return 1 + int(rec[0]) }
func extentKeyLen(rec []byte) int  { return 1 + int(rec[0]) }

func compareExtentKeys(a, b []byte) int {
	ka, kb := decodeExtentKey(a), decodeExtentKey(b)
	if ka.CNID != kb.CNID {
		if ka.CNID < kb.CNID {
			return -1
		}
		return 1
	}
	if ka.IsRsrc != kb.IsRsrc {
		if !ka.IsRsrc {
			return -1
		}
		return 1
	}
	if ka.FirstIndex != kb.FirstIndex {
		if ka.FirstIndex < kb.FirstIndex {
			return -1
		}
		return 1
	}
	return 0
}
