// Copyright (c) Elliot Nunn
// Licensed under the MIT license

package dosfs

import (
	"fmt"

	vfs "github.com/elliotnunn/vintagefs"
	"github.com/elliotnunn/vintagefs/internal/chunkstore"
	"github.com/elliotnunn/vintagefs/internal/dirtree"
	"github.com/elliotnunn/vintagefs/internal/notes"
	"github.com/elliotnunn/vintagefs/internal/volumeusage"
)

// Adapt returns a vfs.NewEngine suitable for vfs.New, binding opts so the
// mount driver only needs to supply the gated store and notes buffer at
// mount time.
func Adapt(opts Options) vfs.NewEngine {
	return func(store chunkstore.Store, nb *notes.Buffer) (vfs.Engine, error) {
		return Mount(store, nb, opts)
	}
}

// Options configures a DOS mount. All fields optional; zero values mean
// "use the conventional default".
type Options struct {
	VTOCTrack  int // default 17
	VTOCSector int // default 0
}

// Engine implements vfs.Engine for the DOS 3.2/3.3 format (spec.md §4.7).
type Engine struct {
	store chunkstore.Store
	geom  Geometry
	notes *notes.Buffer

	vtocTrack, vtocSector int
	vtoc                  VTOC
	vtocDirty             bool

	alloc *allocator

	root    *dirtree.Entry
	records map[*dirtree.Entry]*fileRecord
}

// Mount parses the VTOC and catalog at open time (RawOpen-equivalent
// validation), per spec.md §4.7.
func Mount(store chunkstore.Store, nb *notes.Buffer, opts Options) (*Engine, error) {
	g := store.Geometry()
	geom := Geometry{Tracks: g.Tracks, SectorsPerTrack: g.SectorsPerTrack}
	if !ValidGeometry(geom) {
		return nil, fmt.Errorf("dosfs: %dx%d is not a whitelisted DOS geometry: %w", geom.Tracks, geom.SectorsPerTrack, vfs.ErrInvalidImage)
	}

	vtocTrack, vtocSector := 17, 0
	if opts.VTOCTrack != 0 {
		vtocTrack = opts.VTOCTrack
	}
	if opts.VTOCSector != 0 {
		vtocSector = opts.VTOCSector
	}

	e := &Engine{
		store:      store,
		geom:       geom,
		notes:      nb,
		vtocTrack:  vtocTrack,
		vtocSector: vtocSector,
		records:    make(map[*dirtree.Entry]*fileRecord),
	}

	buf, err := e.readSector(vtocTrack, vtocSector)
	if err != nil {
		return nil, fmt.Errorf("dosfs: reading VTOC: %w", err)
	}
	if err := e.vtoc.FromBytes(buf); err != nil {
		return nil, err
	}
	if err := e.validateVTOC(); err != nil {
		return nil, err
	}

	e.alloc = newAllocator(geom, vtocTrack)
	e.alloc.LoadFromVTOC(&e.vtoc)

	if err := e.loadCatalog(); err != nil {
		return nil, err
	}

	return e, nil
}

// Blank constructs an Engine over an unformatted (or about-to-be
// reformatted) image, skipping VTOC validation. Callers must follow up
// with Format before any other operation.
func Blank(store chunkstore.Store, nb *notes.Buffer, opts Options) (*Engine, error) {
	g := store.Geometry()
	geom := Geometry{Tracks: g.Tracks, SectorsPerTrack: g.SectorsPerTrack}
	if !ValidGeometry(geom) {
		return nil, fmt.Errorf("dosfs: %dx%d is not a whitelisted DOS geometry: %w", geom.Tracks, geom.SectorsPerTrack, vfs.ErrInvalidImage)
	}
	vtocTrack, vtocSector := 17, 0
	if opts.VTOCTrack != 0 {
		vtocTrack = opts.VTOCTrack
	}
	if opts.VTOCSector != 0 {
		vtocSector = opts.VTOCSector
	}
	return &Engine{
		store:      store,
		geom:       geom,
		notes:      nb,
		vtocTrack:  vtocTrack,
		vtocSector: vtocSector,
		records:    make(map[*dirtree.Entry]*fileRecord),
	}, nil
}

// validateVTOC checks spec.md §4.7's structural invariants: catalog
// location within range, and the VTOC's own geometry fields matching the
// store's.
func (e *Engine) validateVTOC() error {
	if int(e.vtoc.NumTracks) != e.geom.Tracks || int(e.vtoc.NumSectors) != e.geom.SectorsPerTrack {
		return fmt.Errorf("dosfs: VTOC geometry %dx%d does not match image %dx%d: %w",
			e.vtoc.NumTracks, e.vtoc.NumSectors, e.geom.Tracks, e.geom.SectorsPerTrack, vfs.ErrInvalidImage)
	}
	if int(e.vtoc.CatalogTrack) >= e.geom.Tracks || int(e.vtoc.CatalogSector) >= e.geom.SectorsPerTrack {
		return fmt.Errorf("dosfs: catalog pointer (%d,%d) out of range: %w", e.vtoc.CatalogTrack, e.vtoc.CatalogSector, vfs.ErrInvalidImage)
	}
	return nil
}

func (e *Engine) readSector(t, s int) ([]byte, error) {
	buf := make([]byte, sectorSize)
	if err := e.store.ReadSector(t, s, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func (e *Engine) writeSector(t, s int, buf []byte) error {
	return e.store.WriteSector(t, s, buf)
}

func (e *Engine) notef(format string, args ...any) {
	e.notes.Warnf("dosfs", fmt.Sprintf(format, args...))
}

// catalogSlotLoc records where a FileDesc lives on disk, for Move/Delete/flush.
type catalogSlotLoc struct {
	track, sector byte
	index         int
}

// loadCatalog walks the catalog chain (capped at 31 sectors, spec.md
// §4.7), building one dirtree.Entry + fileRecord per live slot.
func (e *Engine) loadCatalog() error {
	e.root = dirtree.NewRoot(fmt.Sprintf("DOS.VOLUME%d", e.vtoc.Volume))

	t, s := e.vtoc.CatalogTrack, e.vtoc.CatalogSector
	seen := 0
	for (t != 0 || s != 0) && seen < 31 {
		buf, err := e.readSector(int(t), int(s))
		if err != nil {
			return fmt.Errorf("dosfs: reading catalog sector (%d,%d): %w", t, s, err)
		}
		var cs CatalogSector
		if err := cs.FromBytes(buf); err != nil {
			return err
		}
		for slot, fd := range cs.Slots {
			switch fd.Status() {
			case slotUnused:
				continue
			case slotDeleted:
				continue
			case slotNormal:
				rec := &fileRecord{eng: e, desc: fd, catTrack: t, catSector: s, slotIndex: slot}
				entry := &dirtree.Entry{
					Name:     fd.NameString(),
					Access:   uint32(fd.Type),
					TypeInfo: fd.Type,
					EngineRef: rec,
					Sizes: dirtree.Sizes{
						StorageLen: int64(fd.SectorCount) * sectorSize,
					},
					Status: dirtree.Status{Valid: true},
				}
				e.root.AddChild(entry)
				e.records[entry] = rec
			}
		}
		seen++
		t, s = cs.NextTrack, cs.NextSector
	}
	if t != 0 || s != 0 {
		e.notef("catalog chain exceeds 31 sectors; truncated")
	}
	return nil
}

// Root implements vfs.Engine.
func (e *Engine) Root() *dirtree.Entry { return e.root }

// SupportsRsrcFork implements vfs.Engine: DOS has no resource forks.
func (e *Engine) SupportsRsrcFork() bool { return false }

// Scan implements vfs.Engine: walk every live file's chain, recording
// ownership in usage (spec.md §4.2/§4.7).
func (e *Engine) Scan(usage *volumeusage.Usage) error {
	usage.SetOwner(e.unit(e.vtocTrack, e.vtocSector), volumeusage.SystemOwner())
	t, s := e.vtoc.CatalogTrack, e.vtoc.CatalogSector
	for i := 0; (t != 0 || s != 0) && i < 31; i++ {
		usage.SetOwner(e.unit(int(t), int(s)), volumeusage.SystemOwner())
		buf, err := e.readSector(int(t), int(s))
		if err != nil {
			return err
		}
		var cs CatalogSector
		cs.FromBytes(buf)
		t, s = cs.NextTrack, cs.NextSector
	}

	var fileID uint64
	for entry, rec := range e.records {
		fileID++
		owner := volumeusage.FileOwner(fileID)
		if err := rec.loadChain(); err != nil {
			entry.Status.Dubious = true
			continue
		}
		for _, ts := range rec.chain {
			usage.SetOwner(e.unit(int(ts.Track), int(ts.Sector)), owner)
		}
		for _, l := range rec.lists {
			for _, ts := range l.Entries {
				if !ts.IsZero() {
					usage.SetOwner(e.unit(int(ts.Track), int(ts.Sector)), owner)
				}
			}
		}
	}
	return nil
}

func (e *Engine) unit(track, sector int) int {
	return track*e.geom.SectorsPerTrack + sector
}

// Open implements vfs.Engine.
func (e *Engine) Open(entry *dirtree.Entry, mode vfs.Mode, part vfs.Part) (vfs.Descriptor, error) {
	if part == vfs.RsrcFork {
		return nil, fmt.Errorf("dosfs: %w", vfs.ErrNotSupported)
	}
	rec, ok := e.records[entry]
	if !ok {
		return nil, fmt.Errorf("dosfs: %w", vfs.ErrNotFound)
	}
	cooking := Cooked
	if part == vfs.RawData {
		cooking = Raw
	}
	return newFileHandle(rec, mode == vfs.RW, cooking)
}

// Create implements vfs.Engine. createMode must be a Filetype (or nil
// for FiletypeBinary).
func (e *Engine) Create(parent *dirtree.Entry, name string, createMode vfs.CreateMode) (*dirtree.Entry, error) {
	if parent != e.root {
		return nil, fmt.Errorf("dosfs: %w", vfs.ErrNotSupported)
	}
	ft := FiletypeBinary
	if createMode != nil {
		t, ok := createMode.(Filetype)
		if !ok {
			return nil, fmt.Errorf("dosfs: create_mode must be a dosfs.Filetype: %w", vfs.ErrInvalidMode)
		}
		ft = t
	}
	packed, err := EncodeName(name)
	if err != nil {
		return nil, fmt.Errorf("dosfs: %w: %v", vfs.ErrInvalidName, err)
	}

	loc, err := e.allocCatalogSlot()
	if err != nil {
		return nil, err
	}
	fd := FileDesc{Type: ft, Filename: packed}
	if err := e.writeCatalogSlot(loc.track, loc.sector, loc.index, fd); err != nil {
		return nil, err
	}

	rec := &fileRecord{eng: e, desc: fd, catTrack: loc.track, catSector: loc.sector, slotIndex: loc.index, loaded: true, listDirty: map[int]bool{}}
	entry := &dirtree.Entry{
		Name:      name,
		TypeInfo:  ft,
		EngineRef: rec,
		Status:    dirtree.Status{Valid: true},
	}
	e.root.AddChild(entry)
	e.records[entry] = rec
	return entry, nil
}

// allocCatalogSlot finds the first unused or deleted slot in the catalog
// chain, allocating a new catalog sector if the chain is full.
func (e *Engine) allocCatalogSlot() (catalogSlotLoc, error) {
	t, s := e.vtoc.CatalogTrack, e.vtoc.CatalogSector
	var lastT, lastS byte
	for i := 0; (t != 0 || s != 0) && i < 31; i++ {
		buf, err := e.readSector(int(t), int(s))
		if err != nil {
			return catalogSlotLoc{}, err
		}
		var cs CatalogSector
		cs.FromBytes(buf)
		for slot, fd := range cs.Slots {
			if fd.Status() != slotNormal {
				return catalogSlotLoc{t, s, slot}, nil
			}
		}
		lastT, lastS = t, s
		t, s = cs.NextTrack, cs.NextSector
	}
	track, sector, err := e.alloc.Alloc()
	if err != nil {
		return catalogSlotLoc{}, fmt.Errorf("dosfs: %w", vfs.ErrDiskFull)
	}
	newSector := CatalogSector{}
	if err := e.writeSector(track, sector, newSector.ToBytes()); err != nil {
		return catalogSlotLoc{}, err
	}
	if lastT != 0 || lastS != 0 {
		buf, _ := e.readSector(int(lastT), int(lastS))
		var cs CatalogSector
		cs.FromBytes(buf)
		cs.NextTrack, cs.NextSector = byte(track), byte(sector)
		if err := e.writeSector(int(lastT), int(lastS), cs.ToBytes()); err != nil {
			return catalogSlotLoc{}, err
		}
	} else {
		e.vtoc.CatalogTrack, e.vtoc.CatalogSector = byte(track), byte(sector)
		e.vtocDirty = true
	}
	return catalogSlotLoc{byte(track), byte(sector), 0}, nil
}

func (e *Engine) writeCatalogSlot(track, sector byte, index int, fd FileDesc) error {
	buf, err := e.readSector(int(track), int(sector))
	if err != nil {
		return err
	}
	var cs CatalogSector
	if err := cs.FromBytes(buf); err != nil {
		return err
	}
	cs.Slots[index] = fd
	return e.writeSector(int(track), int(sector), cs.ToBytes())
}

func (e *Engine) flushVTOC() error {
	if !e.vtocDirty && !e.alloc.m.Dirty() {
		return nil
	}
	e.alloc.StoreToVTOC(&e.vtoc)
	if err := e.writeSector(e.vtocTrack, e.vtocSector, e.vtoc.ToBytes()); err != nil {
		return err
	}
	e.vtocDirty = false
	e.alloc.m.ClearDirty()
	return nil
}

// Delete implements vfs.Engine: mark the slot 0xFF, free the data and
// list sectors, per spec.md §4.7.
func (e *Engine) Delete(entry *dirtree.Entry) error {
	rec, ok := e.records[entry]
	if !ok {
		return fmt.Errorf("dosfs: %w", vfs.ErrNotFound)
	}
	if err := rec.truncate(0); err != nil {
		return err
	}
	rec.desc.TSListTrack = 0xff
	if err := e.writeCatalogSlot(rec.catTrack, rec.catSector, rec.slotIndex, rec.desc); err != nil {
		return err
	}
	if err := e.flushVTOC(); err != nil {
		return err
	}
	e.root.RemoveChild(entry)
	delete(e.records, entry)
	return nil
}

// Move implements vfs.Engine: DOS has a flat namespace, so Move only
// renames (newParent must be the root).
func (e *Engine) Move(entry, newParent *dirtree.Entry, newName string) error {
	if newParent != e.root {
		return fmt.Errorf("dosfs: %w", vfs.ErrNotSupported)
	}
	rec, ok := e.records[entry]
	if !ok {
		return fmt.Errorf("dosfs: %w", vfs.ErrNotFound)
	}
	packed, err := EncodeName(newName)
	if err != nil {
		return fmt.Errorf("dosfs: %w: %v", vfs.ErrInvalidName, err)
	}
	rec.desc.Filename = packed
	entry.Name = newName
	return e.writeCatalogSlot(rec.catTrack, rec.catSector, rec.slotIndex, rec.desc)
}

// AddRsrcFork implements vfs.Engine: unsupported on DOS.
func (e *Engine) AddRsrcFork(entry *dirtree.Entry) error {
	return fmt.Errorf("dosfs: %w", vfs.ErrNotSupported)
}

// Flush implements vfs.Engine.
func (e *Engine) Flush() error {
	for _, rec := range e.records {
		if err := rec.flush(); err != nil {
			return err
		}
	}
	return e.flushVTOC()
}

// Format implements vfs.Engine. It reproduces the reservation pattern of
// a real DOS 3.3 INIT: track 0 sector 0 holds the boot loader (reserved
// whether or not bootable code is actually written there), the VTOC
// occupies (T17,S0), and a full 15-sector catalog chain is pre-built
// descending S15→S1 on track 17 — matching spec.md §8 scenario 1's
// free_space == (35·16 − 17)·256 (1 boot sector + 1 VTOC sector + 15
// catalog sectors = 17 reserved sectors total).
func (e *Engine) Format(name string, num int, bootable bool) error {
	e.vtoc = VTOC{
		DOSRelease:             3,
		Volume:                 byte(num),
		TrackSectorListMaxSize: trackSectorListMax,
		TrackDirection:         1,
		NumTracks:              byte(e.geom.Tracks),
		NumSectors:             byte(e.geom.SectorsPerTrack),
		BytesPerSector:         sectorSize,
	}
	e.alloc = newAllocator(e.geom, e.vtocTrack)
	e.alloc.Reserve(0, 0)
	e.alloc.Reserve(e.vtocTrack, e.vtocSector)

	first, last := 15, 1
	e.vtoc.CatalogTrack, e.vtoc.CatalogSector = 17, byte(first)
	for sector := first; sector >= last; sector-- {
		e.alloc.Reserve(17, sector)
		cs := CatalogSector{}
		if sector > last {
			cs.NextTrack, cs.NextSector = 17, byte(sector-1)
		}
		if err := e.writeSector(17, sector, cs.ToBytes()); err != nil {
			return err
		}
	}

	if err := e.flushVTOC(); err != nil {
		return err
	}

	e.root = dirtree.NewRoot(fmt.Sprintf("DOS.VOLUME%d", num))
	e.records = make(map[*dirtree.Entry]*fileRecord)
	_ = bootable // boot-sector code generation is out of scope; only the reservation is modeled
	return nil
}
