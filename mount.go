// Copyright (c) Elliot Nunn
// Licensed under the MIT license

// Package vintagefs mounts vintage Apple II / early Macintosh disk images
// and exposes a uniform read/write file and directory API over them
// (spec.md §1–§2). This file implements FsMount (component C5): lifecycle,
// raw↔file mode switching, open-file tracking, and dispatch into the
// per-format engine.
package vintagefs

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/elliotnunn/vintagefs/internal/chunkstore"
	"github.com/elliotnunn/vintagefs/internal/dirtree"
	"github.com/elliotnunn/vintagefs/internal/notes"
	"github.com/elliotnunn/vintagefs/internal/volumeusage"
)

// State is the VolumeMount state machine from spec.md §3.
type State int

const (
	Closed State = iota
	RawOpen
	FileOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "Closed"
	case RawOpen:
		return "RawOpen"
	case FileOpen:
		return "FileOpen"
	default:
		return "?"
	}
}

// Part selects which fork/stream of an entry a Descriptor addresses.
type Part int

const (
	DataFork Part = iota
	RsrcFork
	RawData
)

// Mode is the open mode requested for a Descriptor.
type Mode int

const (
	RO Mode = iota
	RW
)

// Extra seek origins for sparse-aware consumers (spec.md §6). These
// follow the same numbering convention as io.SeekStart/Current/End so
// they can be passed through the same Seek(offset int64, whence int) call,
// just with values engines recognize specially.
const (
	SeekNextData = 10 + iota
	SeekNextHole
)

// Descriptor is the open-file handle returned by Mount.Open/Create,
// spec.md §6.
type Descriptor interface {
	io.Reader
	io.Writer
	Seek(offset int64, whence int) (int64, error)
	SetLen(n int64) error
	Flush() error
	Close() error
}

// CreateMode carries format-specific file-creation parameters (DOS
// Filetype, ProDOS file type byte, HFS Finder type/creator...). Each
// engine defines and documents its own concrete type; Mount passes it
// through opaquely.
type CreateMode any

// Engine is the contract a per-format on-disk engine implements so Mount
// can dispatch generically, per spec.md §4.5–§4.9.
type Engine interface {
	// Root returns the synthesized volume-directory entry.
	Root() *dirtree.Entry
	// Scan performs a complete usage walk, populating usage. Called by
	// prepare_file_access(do_scan=true).
	Scan(usage *volumeusage.Usage) error
	// SupportsRsrcFork reports whether this format has resource forks.
	SupportsRsrcFork() bool
	Open(entry *dirtree.Entry, mode Mode, part Part) (Descriptor, error)
	Create(parent *dirtree.Entry, name string, createMode CreateMode) (*dirtree.Entry, error)
	Delete(entry *dirtree.Entry) error
	Move(entry *dirtree.Entry, newParent *dirtree.Entry, newName string) error
	AddRsrcFork(entry *dirtree.Entry) error
	Format(name string, num int, bootable bool) error
	Flush() error
}

// Mount is the per-image handle returned by Open/Mount.
type Mount struct {
	store  *chunkstore.Gated
	engine Engine
	notes  *notes.Buffer
	usage  *volumeusage.Usage
	state  State
	log    *slog.Logger

	tracker openFileTracker
}

// Options configures Mount; all fields are optional.
type Options struct {
	Logger *slog.Logger
}

// NewEngine constructs a format engine over a store already wrapped in
// the mount's access gate, a per-mount notes buffer, and any
// format-specific options. Format packages (dosfs.Mount, hfs.Mount, ...)
// are adapted to this shape by the top-level caller wiring Probe's
// result to the matching constructor.
type NewEngine func(gatedStore chunkstore.Store, nb *notes.Buffer) (Engine, error)

// New constructs a Mount over store, starting in RawOpen, per spec.md §3
// (Closed→RawOpen on attach). The engine is constructed from the gated
// view of store rather than store directly, so that the engine's writes
// are blocked whenever the mount itself is not in an Open gate level —
// vintagefs does not itself choose a format, consistent with spec.md
// §4.4 leaving that decision to "the mount driver".
func New(store chunkstore.Store, newEngine NewEngine, opts Options) (*Mount, error) {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	nb := notes.New(log)
	gated := chunkstore.NewGated(store, chunkstore.ReadOnly)
	engine, err := newEngine(gated, nb)
	if err != nil {
		return nil, fmt.Errorf("vintagefs: mount: %w", err)
	}
	m := &Mount{
		store:  gated,
		engine: engine,
		notes:  nb,
		usage:  volumeusage.New(),
		state:  RawOpen,
		log:    log,
	}
	m.tracker.init()
	return m, nil
}

// Notes returns every structural diagnostic recorded so far, per
// spec.md §7 and the SPEC_FULL.md ambient-stack supplement that makes
// the notes buffer directly queryable.
func (m *Mount) Notes() []notes.Note { return m.notes.All() }

// State reports the current VolumeMount state.
func (m *Mount) State() State { return m.state }

// PrepareFileAccess transitions RawOpen→FileOpen (spec.md §4.5). If
// doScan, a complete VolumeUsage walk runs before returning; otherwise
// the walk is deferred (engines that support lazy scanning may build it
// incrementally as entries are touched). On failure the mount resets to
// RawOpen and the cause is returned, never leaving the mount wedged in a
// half-open state.
func (m *Mount) PrepareFileAccess(doScan bool) (err error) {
	if m.state != RawOpen {
		return fmt.Errorf("vintagefs: prepare_file_access requires RawOpen, got %v: %w", m.state, ErrInvalidMode)
	}
	if doScan {
		if err = m.engine.Scan(m.usage); err != nil {
			m.state = RawOpen
			return fmt.Errorf("vintagefs: scan failed: %w", err)
		}
	}
	m.store.SetLevel(chunkstore.Open)
	m.state = FileOpen
	return nil
}

// PrepareRawAccess transitions FileOpen→RawOpen, failing if any file is
// open (spec.md §4.5). It flushes the engine. The engine and its dir tree
// are kept, so *dirtree.Entry values stay valid; Mount file operations on
// them fail via the access check below until PrepareFileAccess runs again.
func (m *Mount) PrepareRawAccess() error {
	if m.state == RawOpen {
		return nil
	}
	if m.state != FileOpen {
		return fmt.Errorf("vintagefs: prepare_raw_access requires FileOpen, got %v: %w", m.state, ErrInvalidMode)
	}
	if m.tracker.anyOpen() {
		return fmt.Errorf("vintagefs: cannot leave file access with open descriptors: %w", ErrOpenConflict)
	}
	if err := m.engine.Flush(); err != nil {
		return fmt.Errorf("vintagefs: flush failed: %w", err)
	}
	m.store.SetLevel(chunkstore.ReadOnly)
	m.state = RawOpen
	return nil
}

// Dispose transitions any state to Closed, after closing all open files.
func (m *Mount) Dispose() error {
	if m.state == Closed {
		return nil
	}
	m.CloseAll()
	m.store.SetLevel(chunkstore.Closed)
	m.state = Closed
	return nil
}

// GetVolDirEntry returns the synthesized root volume-directory entry
// (spec.md §4.5).
func (m *Mount) GetVolDirEntry() *dirtree.Entry { return m.engine.Root() }

// checkAccess is the single gate every file API runs first, per
// spec.md §4.5: mount state, not-disposed, read-only vs requested mode,
// entry damaged/dubious flags, entry-belongs-to-this-mount (by walking
// up to a root that must equal the engine's Root()), part existence, and
// conflict with currently-open descriptors — all folded into one place
// instead of repeated per call, matching the teacher's own
// check-once-at-the-boundary idiom in internal/hfs.New's deferred
// recover.
func (m *Mount) checkAccess(entry *dirtree.Entry, mode Mode, part Part) error {
	if m.state == Closed {
		return fmt.Errorf("vintagefs: mount is disposed: %w", ErrAccessDenied)
	}
	if m.state != FileOpen {
		return fmt.Errorf("vintagefs: file API requires FileOpen, got %v: %w", m.state, ErrInvalidMode)
	}
	if mode == RW && m.store.IsReadOnly() {
		return fmt.Errorf("vintagefs: mount is read-only: %w", ErrReadOnly)
	}
	if entry.Status.Damaged {
		return fmt.Errorf("vintagefs: entry %q is damaged: %w", entry.Path(), ErrDamaged)
	}
	if entry.Status.Dubious && mode == RW {
		return fmt.Errorf("vintagefs: dubious entry %q cannot be opened for write: %w", entry.Path(), ErrDamaged)
	}
	if !belongsTo(entry, m.engine.Root()) {
		return fmt.Errorf("vintagefs: entry does not belong to this mount: %w", ErrInvalidName)
	}
	if part == RsrcFork && !m.engine.SupportsRsrcFork() {
		return fmt.Errorf("vintagefs: format has no resource forks: %w", ErrNotSupported)
	}
	if err := m.tracker.checkConflict(entry, part, mode); err != nil {
		return err
	}
	return nil
}

func belongsTo(entry, root *dirtree.Entry) bool {
	for e := entry; e != nil; e = e.Parent() {
		if e == root {
			return true
		}
	}
	return false
}

// Open opens entry for the given mode/part, per spec.md §6.
func (m *Mount) Open(entry *dirtree.Entry, mode Mode, part Part) (Descriptor, error) {
	if err := m.checkAccess(entry, mode, part); err != nil {
		return nil, err
	}
	d, err := m.engine.Open(entry, mode, part)
	if err != nil {
		return nil, err
	}
	m.tracker.register(entry, part, mode, d)
	return &trackedDescriptor{Descriptor: d, m: m, entry: entry, part: part}, nil
}

// Create creates a new file/directory in parent, per spec.md §6.
func (m *Mount) Create(parent *dirtree.Entry, name string, createMode CreateMode) (*dirtree.Entry, error) {
	if m.state != FileOpen {
		return nil, fmt.Errorf("vintagefs: create requires FileOpen: %w", ErrInvalidMode)
	}
	if m.store.IsReadOnly() {
		return nil, fmt.Errorf("vintagefs: mount is read-only: %w", ErrReadOnly)
	}
	if !belongsTo(parent, m.engine.Root()) {
		return nil, fmt.Errorf("vintagefs: parent does not belong to this mount: %w", ErrInvalidName)
	}
	if parent.Find(name) != nil {
		return nil, fmt.Errorf("vintagefs: %q already exists: %w", name, ErrExists)
	}
	return m.engine.Create(parent, name, createMode)
}

// Delete removes entry. A deletion is modeled as a write on an
// unspecified part (spec.md §5), so any open descriptor for the entry
// blocks it.
func (m *Mount) Delete(entry *dirtree.Entry) error {
	if err := m.checkAccess(entry, RW, DataFork); err != nil {
		return err
	}
	if m.tracker.anyOpenForEntry(entry) {
		return fmt.Errorf("vintagefs: entry has open descriptors: %w", ErrOpenConflict)
	}
	return m.engine.Delete(entry)
}

// Move renames/relocates entry.
func (m *Mount) Move(entry, newParent *dirtree.Entry, newName string) error {
	if err := m.checkAccess(entry, RW, DataFork); err != nil {
		return err
	}
	if newParent.Find(newName) != nil {
		return fmt.Errorf("vintagefs: %q already exists: %w", newName, ErrExists)
	}
	return m.engine.Move(entry, newParent, newName)
}

// AddRsrcFork adds a resource fork to entry, if the format supports one.
func (m *Mount) AddRsrcFork(entry *dirtree.Entry) error {
	if !m.engine.SupportsRsrcFork() {
		return fmt.Errorf("vintagefs: format has no resource forks: %w", ErrNotSupported)
	}
	if err := m.checkAccess(entry, RW, RsrcFork); err != nil {
		return err
	}
	return m.engine.AddRsrcFork(entry)
}

// Format reinitializes the volume (only meaningful in RawOpen; engines
// may also support it from FileOpen with no open files).
func (m *Mount) Format(name string, num int, bootable bool) error {
	if m.store.IsReadOnly() {
		return fmt.Errorf("vintagefs: mount is read-only: %w", ErrReadOnly)
	}
	if m.tracker.anyOpen() {
		return fmt.Errorf("vintagefs: cannot format with open descriptors: %w", ErrOpenConflict)
	}
	return m.engine.Format(name, num, bootable)
}

// CloseAll force-closes every open descriptor, used by Dispose.
func (m *Mount) CloseAll() {
	m.tracker.closeAll()
}

// Flush flushes the engine's dirty state without changing mount state.
func (m *Mount) Flush() error {
	return m.engine.Flush()
}

// Glob runs a doublestar pattern match over the mount's directory tree.
func (m *Mount) Glob(pattern string) ([]*dirtree.Entry, error) {
	return dirtree.Glob(m.engine.Root(), pattern)
}
