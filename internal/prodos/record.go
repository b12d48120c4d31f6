// Copyright (c) Elliot Nunn
// Licensed under the MIT license

package prodos

// fileRecord is the live, mutable state backing one dirtree.Entry: the
// directory slot it occupies plus (for files) its fork storage. Mirrors
// internal/dosfs/record.go's fileRecord and internal/hfs/engine.go's
// fileInfo in role: a back-reference from dirtree.Entry.EngineRef to
// engine-owned state, per spec.md §9's "non-owning lookup" guidance.
type fileRecord struct {
	eng *Engine

	parentBlock uint16 // directory block holding this entry's slot
	entryIndex  int    // slot index within parentBlock
	headerBlock uint16 // key block of the containing directory (entry.HeaderPtr)

	entry DirEntry
	isDir bool

	// For files:
	data *storage // data-fork storage; always non-nil for a file record
	rsrc *storage // resource-fork storage; non-nil only once AddRsrcFork has run (StorageForked)

	extKeyBlock uint16 // valid when entry.StorageType == StorageForked

	damaged bool
	dubious bool
}

// dataEOF/rsrcEOF return the logical fork lengths cached on the
// directory entry (ProDOS stores a fork's length directly, unlike DOS's
// embedded-header cooked-length scheme).
func (r *fileRecord) dataEOF() int64 {
	if r.rsrc != nil {
		// Forked: entry.EOF mirrors the data fork's own mini-descriptor.
		return int64(r.dataMini().EOF)
	}
	return int64(r.entry.EOF)
}

func (r *fileRecord) rsrcEOF() int64 {
	if r.rsrc == nil {
		return 0
	}
	return int64(r.rsrcMini().EOF)
}

// dataMini/rsrcMini read the current mini-descriptors from the extended
// key block for a forked file.
func (r *fileRecord) dataMini() miniDesc {
	buf := make([]byte, blockSize)
	r.eng.store.ReadBlock(int64(r.extKeyBlock), buf)
	return miniFromBytes(buf[0:8])
}

func (r *fileRecord) rsrcMini() miniDesc {
	buf := make([]byte, blockSize)
	r.eng.store.ReadBlock(int64(r.extKeyBlock), buf)
	return miniFromBytes(buf[256:264])
}

// setEOF updates the logical length for part (false=data, true=rsrc) and
// persists it: into the extended key block's mini-descriptor for a
// forked file's fork, or directly into the directory entry otherwise.
func (r *fileRecord) setEOF(isRsrc bool, eof int64) error {
	if r.rsrc == nil {
		r.entry.EOF = uint32(eof)
		return r.flush()
	}
	buf := make([]byte, blockSize)
	if err := r.eng.store.ReadBlock(int64(r.extKeyBlock), buf); err != nil {
		return err
	}
	if !isRsrc {
		md := miniFromBytes(buf[0:8])
		md.EOF = uint32(eof)
		md.StorageType = r.data.StorageType
		md.KeyBlock = r.data.KeyBlock
		bu, err := r.data.blocksUsed()
		if err != nil {
			return err
		}
		md.BlocksUsed = uint16(bu)
		copy(buf[0:8], md.toBytes())
		r.entry.EOF = uint32(eof)
	} else {
		md := miniFromBytes(buf[256:264])
		md.EOF = uint32(eof)
		md.StorageType = r.rsrc.StorageType
		md.KeyBlock = r.rsrc.KeyBlock
		bu, err := r.rsrc.blocksUsed()
		if err != nil {
			return err
		}
		md.BlocksUsed = uint16(bu)
		copy(buf[256:264], md.toBytes())
	}
	if err := r.eng.store.WriteBlock(int64(r.extKeyBlock), buf); err != nil {
		return err
	}
	return r.flush()
}

// flush writes the current entry (storage type, key pointer, blocks
// used, eof) back to its directory slot.
func (r *fileRecord) flush() error {
	if !r.isDir {
		r.entry.StorageType = r.storageTypeOnDisk()
		if r.rsrc == nil {
			r.entry.KeyPointer = r.data.KeyBlock
			bu, err := r.data.blocksUsed()
			if err != nil {
				return err
			}
			r.entry.BlocksUsed = uint16(bu)
		} else {
			r.entry.KeyPointer = r.extKeyBlock
			dbu, _ := r.data.blocksUsed()
			rbu, _ := r.rsrc.blocksUsed()
			r.entry.BlocksUsed = uint16(dbu + rbu + 1)
		}
	}
	return r.eng.writeSlotEntry(r.parentBlock, r.entryIndex, r.entry)
}

func (r *fileRecord) storageTypeOnDisk() byte {
	if r.rsrc != nil {
		return StorageForked
	}
	return r.data.StorageType
}
