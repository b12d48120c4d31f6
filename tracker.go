// Copyright (c) Elliot Nunn
// Licensed under the MIT license

package vintagefs

import (
	"fmt"

	"github.com/elliotnunn/vintagefs/internal/dirtree"
)

// openKey identifies one (entry, part) pair for conflict tracking.
type openKey struct {
	entry *dirtree.Entry
	part  Part
}

type openDesc struct {
	mode Mode
	d    Descriptor
}

// openFileTracker enforces spec.md §5's concurrency rule: for a given
// (entry, part), either any number of RO descriptors or exactly one RW
// descriptor may be open at once, never both.
type openFileTracker struct {
	open map[openKey][]*openDesc
}

func (t *openFileTracker) init() {
	t.open = make(map[openKey][]*openDesc)
}

func (t *openFileTracker) checkConflict(entry *dirtree.Entry, part Part, mode Mode) error {
	key := openKey{entry, part}
	existing := t.open[key]
	if len(existing) == 0 {
		return nil
	}
	if mode == RW {
		return fmt.Errorf("vintagefs: %q is already open: %w", entry.Path(), ErrOpenConflict)
	}
	for _, od := range existing {
		if od.mode == RW {
			return fmt.Errorf("vintagefs: %q is open for writing: %w", entry.Path(), ErrOpenConflict)
		}
	}
	return nil
}

func (t *openFileTracker) register(entry *dirtree.Entry, part Part, mode Mode, d Descriptor) {
	key := openKey{entry, part}
	t.open[key] = append(t.open[key], &openDesc{mode: mode, d: d})
}

func (t *openFileTracker) unregister(entry *dirtree.Entry, part Part, d Descriptor) {
	key := openKey{entry, part}
	list := t.open[key]
	for i, od := range list {
		if od.d == d {
			t.open[key] = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(t.open[key]) == 0 {
		delete(t.open, key)
	}
}

func (t *openFileTracker) anyOpen() bool {
	return len(t.open) > 0
}

func (t *openFileTracker) anyOpenForEntry(entry *dirtree.Entry) bool {
	for k, list := range t.open {
		if k.entry == entry && len(list) > 0 {
			return true
		}
	}
	return false
}

func (t *openFileTracker) closeAll() {
	for key, list := range t.open {
		for _, od := range list {
			od.d.Close()
		}
		delete(t.open, key)
	}
}

// trackedDescriptor wraps an engine Descriptor so Close also removes the
// tracker registration, keeping Mount's conflict bookkeeping consistent
// without every engine needing to know about the tracker.
type trackedDescriptor struct {
	Descriptor
	m     *Mount
	entry *dirtree.Entry
	part  Part
}

func (d *trackedDescriptor) Close() error {
	err := d.Descriptor.Close()
	d.m.tracker.unregister(d.entry, d.part, d.Descriptor)
	return err
}
