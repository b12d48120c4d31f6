// Copyright (c) Elliot Nunn
// Licensed under the MIT license

// Package prodos implements the ProDOS on-disk format described in
// spec.md §4.9 (component C9, "ProdosEngine"): a hierarchical directory
// tree rooted at block 2, seedling/sapling/tree/forked file storage
// indirection, and the free-block bitmap. This file holds the on-disk
// struct layouts and their ToBytes/FromBytes codecs, grounded on the
// same "struct-per-block, fixed-offset fields" codec shape as
// internal/dosfs/wire.go (itself grounded on zellyn/diskii's lib/dos3),
// generalized here to ProDOS's 512-byte blocks and variable-depth index
// blocks instead of DOS's flat track/sector lists.
package prodos

import (
	"encoding/binary"
	"fmt"
	"time"
)

const (
	blockSize       = 512
	entryLen        = 39
	entriesPerBlock = 13 // directory entries (incl. header) per directory block
)

// Storage types, spec.md §4.9.
const (
	StorageDeleted      byte = 0x0
	StorageSeedling     byte = 0x1
	StorageSapling      byte = 0x2
	StorageTree         byte = 0x3
	StoragePascalArea   byte = 0x4
	StorageForked       byte = 0x5
	StorageSubdir       byte = 0xD
	StorageSubdirHeader byte = 0xE
	StorageVolumeHeader byte = 0xF
)

// packDateTime/unpackDateTime implement ProDOS's date/time format: a 2-byte date
// (bits 0-4 day, 5-8 month, 9-15 year-since-1900) and a 2-byte time
// (bits 0-5 minute, 8-12 hour).
func packDateTime(t time.Time) (date, tm uint16) {
	if t.IsZero() {
		return 0, 0
	}
	y := t.Year() - 1900
	if y < 0 {
		y = 0
	}
	date = uint16(t.Day()&0x1f) | uint16(int(t.Month())&0xf)<<5 | uint16(y&0x7f)<<9
	tm = uint16(t.Minute()&0x3f) | uint16(t.Hour()&0x1f)<<8
	return date, tm
}

func unpackDateTime(date, tm uint16) time.Time {
	if date == 0 {
		return time.Time{}
	}
	day := int(date & 0x1f)
	month := int((date >> 5) & 0xf)
	year := 1900 + int((date>>9)&0x7f)
	minute := int(tm & 0x3f)
	hour := int((tm >> 8) & 0x1f)
	if day == 0 || month == 0 {
		return time.Time{}
	}
	return time.Date(year, time.Month(month), day, hour, minute, 0, 0, time.UTC)
}

// DirEntry is one 39-byte directory entry (spec.md §4.9, "39 B
// typical"), covering both file entries and the reserved slot-0 header
// entries (volume/subdir).
type DirEntry struct {
	StorageType byte
	Name        string
	FileType    byte
	KeyPointer  uint16
	BlocksUsed  uint16
	EOF         uint32 // 24-bit on disk
	Creation    time.Time
	Version     byte
	MinVersion  byte
	Access      byte
	AuxType     uint16
	LastMod     time.Time
	HeaderPtr   uint16
}

// IsEmpty reports whether the slot holds no entry.
func (d DirEntry) IsEmpty() bool { return d.StorageType == StorageDeleted }

func (d DirEntry) ToBytes() []byte {
	buf := make([]byte, entryLen)
	name := asciiEncode(d.Name, 15)
	buf[0] = (d.StorageType << 4) | byte(len(trimASCII(d.Name))&0x0f)
	copy(buf[1:16], name)
	buf[16] = d.FileType
	binary.LittleEndian.PutUint16(buf[17:19], d.KeyPointer)
	binary.LittleEndian.PutUint16(buf[19:21], d.BlocksUsed)
	buf[21] = byte(d.EOF)
	buf[22] = byte(d.EOF >> 8)
	buf[23] = byte(d.EOF >> 16)
	cdate, ctime := packDateTime(d.Creation)
	binary.LittleEndian.PutUint16(buf[24:26], cdate)
	binary.LittleEndian.PutUint16(buf[26:28], ctime)
	buf[28] = d.Version
	buf[29] = d.MinVersion
	buf[30] = d.Access
	binary.LittleEndian.PutUint16(buf[31:33], d.AuxType)
	mdate, mtime := packDateTime(d.LastMod)
	binary.LittleEndian.PutUint16(buf[33:35], mdate)
	binary.LittleEndian.PutUint16(buf[35:37], mtime)
	binary.LittleEndian.PutUint16(buf[37:39], d.HeaderPtr)
	return buf
}

func (d *DirEntry) FromBytes(data []byte) error {
	if len(data) != entryLen {
		return fmt.Errorf("prodos: DirEntry.FromBytes expects %d bytes, got %d", entryLen, len(data))
	}
	d.StorageType = data[0] >> 4
	nameLen := int(data[0] & 0x0f)
	d.Name = asciiDecode(data[1:16], nameLen)
	d.FileType = data[16]
	d.KeyPointer = binary.LittleEndian.Uint16(data[17:19])
	d.BlocksUsed = binary.LittleEndian.Uint16(data[19:21])
	d.EOF = uint32(data[21]) | uint32(data[22])<<8 | uint32(data[23])<<16
	cdate := binary.LittleEndian.Uint16(data[24:26])
	ctime := binary.LittleEndian.Uint16(data[26:28])
	d.Creation = unpackDateTime(cdate, ctime)
	d.Version = data[28]
	d.MinVersion = data[29]
	d.Access = data[30]
	d.AuxType = binary.LittleEndian.Uint16(data[31:33])
	mdate := binary.LittleEndian.Uint16(data[33:35])
	mtime := binary.LittleEndian.Uint16(data[35:37])
	d.LastMod = unpackDateTime(mdate, mtime)
	d.HeaderPtr = binary.LittleEndian.Uint16(data[37:39])
	return nil
}

// Header is the slot-0 directory header entry, shared shape for both the
// volume directory header (storage type 0xF) and subdirectory headers
// (storage type 0xE); the two differ only in which trailing fields are
// meaningful (spec.md §4.9).
type Header struct {
	StorageType     byte // StorageVolumeHeader or StorageSubdirHeader
	Name            string
	Creation        time.Time
	Version         byte
	MinVersion      byte
	Access          byte
	EntryLength     byte
	EntriesPerBlock byte
	FileCount       uint16

	// Volume header fields:
	BitMapPointer uint16
	TotalBlocks   uint16

	// Subdir header fields:
	ParentPointer     uint16
	ParentEntryNum    byte
	ParentEntryLength byte
}

func (h Header) ToBytes() []byte {
	buf := make([]byte, entryLen)
	name := asciiEncode(h.Name, 15)
	buf[0] = (h.StorageType << 4) | byte(len(trimASCII(h.Name))&0x0f)
	copy(buf[1:16], name)
	cdate, ctime := packDateTime(h.Creation)
	binary.LittleEndian.PutUint16(buf[24:26], cdate)
	binary.LittleEndian.PutUint16(buf[26:28], ctime)
	buf[28] = h.Version
	buf[29] = h.MinVersion
	buf[30] = h.Access
	buf[31] = h.EntryLength
	buf[32] = h.EntriesPerBlock
	binary.LittleEndian.PutUint16(buf[33:35], h.FileCount)
	if h.StorageType == StorageVolumeHeader {
		binary.LittleEndian.PutUint16(buf[35:37], h.BitMapPointer)
		binary.LittleEndian.PutUint16(buf[37:39], h.TotalBlocks)
	} else {
		binary.LittleEndian.PutUint16(buf[35:37], h.ParentPointer)
		buf[37] = h.ParentEntryNum
		buf[38] = h.ParentEntryLength
	}
	return buf
}

func (h *Header) FromBytes(data []byte) error {
	if len(data) != entryLen {
		return fmt.Errorf("prodos: Header.FromBytes expects %d bytes, got %d", entryLen, len(data))
	}
	h.StorageType = data[0] >> 4
	nameLen := int(data[0] & 0x0f)
	h.Name = asciiDecode(data[1:16], nameLen)
	cdate := binary.LittleEndian.Uint16(data[24:26])
	ctime := binary.LittleEndian.Uint16(data[26:28])
	h.Creation = unpackDateTime(cdate, ctime)
	h.Version = data[28]
	h.MinVersion = data[29]
	h.Access = data[30]
	h.EntryLength = data[31]
	h.EntriesPerBlock = data[32]
	h.FileCount = binary.LittleEndian.Uint16(data[33:35])
	if h.StorageType == StorageVolumeHeader {
		h.BitMapPointer = binary.LittleEndian.Uint16(data[35:37])
		h.TotalBlocks = binary.LittleEndian.Uint16(data[37:39])
	} else {
		h.ParentPointer = binary.LittleEndian.Uint16(data[35:37])
		h.ParentEntryNum = data[37]
		h.ParentEntryLength = data[38]
	}
	return nil
}

// dirBlock is the in-memory form of one 512-byte directory block: a
// doubly linked list pointer pair plus entriesPerBlock fixed-length
// entry slots (spec.md §4.9).
type dirBlock struct {
	Prev, Next uint16
	Raw        [entriesPerBlock][entryLen]byte // entry i at offset 4+entryLen*i
}

func (b dirBlock) ToBytes() []byte {
	buf := make([]byte, blockSize)
	binary.LittleEndian.PutUint16(buf[0:2], b.Prev)
	binary.LittleEndian.PutUint16(buf[2:4], b.Next)
	for i, e := range b.Raw {
		copy(buf[4+entryLen*i:4+entryLen*(i+1)], e[:])
	}
	return buf
}

func (b *dirBlock) FromBytes(data []byte) error {
	if len(data) != blockSize {
		return fmt.Errorf("prodos: dirBlock.FromBytes expects %d bytes, got %d", blockSize, len(data))
	}
	b.Prev = binary.LittleEndian.Uint16(data[0:2])
	b.Next = binary.LittleEndian.Uint16(data[2:4])
	for i := range b.Raw {
		copy(b.Raw[i][:], data[4+entryLen*i:4+entryLen*(i+1)])
	}
	return nil
}

// Index-block pointer codec: a 512-byte index block holds up to 256
// 16-bit block numbers split into a low-byte array (first 256 bytes)
// and a high-byte array (second 256 bytes), per spec.md §4.9's
// "seedling/sapling/tree indices".
func indexGet(block []byte, i int) uint16 {
	return uint16(block[i]) | uint16(block[256+i])<<8
}

func indexSet(block []byte, i int, v uint16) {
	block[i] = byte(v)
	block[256+i] = byte(v >> 8)
}

// asciiEncode/asciiDecode implement ProDOS's 7-bit-ASCII filename
// charset (spec.md §9: "7-bit ASCII subset for ProDOS"), space-padded
// to width.
func asciiEncode(name string, width int) []byte {
	out := make([]byte, width)
	for i := 0; i < width; i++ {
		out[i] = ' '
	}
	for i := 0; i < len(name) && i < width; i++ {
		out[i] = name[i] & 0x7f
	}
	return out
}

func asciiDecode(b []byte, n int) string {
	if n > len(b) {
		n = len(b)
	}
	out := make([]byte, n)
	for i := 0; i < n; i++ {
		out[i] = b[i] & 0x7f
	}
	return string(out)
}

func trimASCII(s string) string {
	if len(s) > 15 {
		return s[:15]
	}
	return s
}

// validName reports whether name fits ProDOS's rule: 1-15 characters,
// first character a letter, remaining letters/digits/periods.
func validName(name string) bool {
	if len(name) == 0 || len(name) > 15 {
		return false
	}
	c0 := name[0]
	if !((c0 >= 'A' && c0 <= 'Z') || (c0 >= 'a' && c0 <= 'z')) {
		return false
	}
	for i := 1; i < len(name); i++ {
		c := name[i]
		ok := (c >= 'A' && c <= 'Z') || (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9') || c == '.'
		if !ok {
			return false
		}
	}
	return true
}
