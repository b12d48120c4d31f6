// Copyright (c) Elliot Nunn
// Licensed under the MIT license

// Package auto is the library-consumer convenience layer spec.md §6
// describes as `mount(store, options) -> Mount` and
// `find_embedded_volumes()`: it probes every registered format against a
// set of same-image Store views and wires the winner's Adapt function into
// vintagefs.New, and it chains internal/embedded's three detectors to
// surface secondary volumes.
//
// It exists as its own top-level package, rather than living in the root
// vintagefs package, because every per-format engine (internal/dosfs,
// internal/hfs, internal/prodos, internal/legacyfs) imports vintagefs for
// the shared Engine/Descriptor/Mode contract; vintagefs itself cannot
// import them back without an import cycle. auto sits above both, the
// same "policy wires together independently-importable mechanism
// packages" shape the teacher uses for its own top-level probe.go, which
// composes archive- and filesystem-layer packages none of which know
// about each other.
package auto

import (
	"context"
	"fmt"

	vfs "github.com/elliotnunn/vintagefs"
	"github.com/elliotnunn/vintagefs/internal/chunkstore"
	"github.com/elliotnunn/vintagefs/internal/dirtree"
	"github.com/elliotnunn/vintagefs/internal/dosfs"
	"github.com/elliotnunn/vintagefs/internal/embedded"
	"github.com/elliotnunn/vintagefs/internal/hfs"
	"github.com/elliotnunn/vintagefs/internal/legacyfs"
	"github.com/elliotnunn/vintagefs/internal/notes"
	"github.com/elliotnunn/vintagefs/internal/probe"
	"github.com/elliotnunn/vintagefs/internal/prodos"
)

// Candidates returns the probe.Candidate set for every format this repo
// can mount. Apple Pascal, CP/M, Gutenberg, and RDOS are not included:
// spec.md §4.6 scopes them as thin variants with no scoring heuristic of
// their own (internal/probe has no Pascal/CPM/Gutenberg/RDOS Test
// function to pair a Candidate with), so they are only ever reached via
// the embedded detectors (DetectDOSHybrid's Pascal half is itself stubbed
// for the same reason) or by a caller who already knows the format and
// calls legacyfs.NewStub directly.
func Candidates() []probe.Candidate {
	return []probe.Candidate{
		{Format: probe.FormatDOS33, Ordering: chunkstore.DOS, Test: probe.DOS},
		{Format: probe.FormatProDOS, Ordering: chunkstore.ProDOS, Test: probe.ProDOS},
		{Format: probe.FormatHFS, Ordering: chunkstore.ProDOS, Test: probe.HFS},
		{Format: probe.FormatMFS, Ordering: chunkstore.ProDOS, Test: probe.MFS},
	}
}

// newEngineFor returns the vfs.NewEngine that mounts a winning probe.Format,
// or an error if the format has no engine (shouldn't happen for anything
// Candidates() can return).
func newEngineFor(format probe.Format) (vfs.NewEngine, error) {
	switch format {
	case probe.FormatDOS33, probe.FormatDOS32:
		return dosfs.Adapt(dosfs.Options{}), nil
	case probe.FormatProDOS:
		return prodos.Adapt(prodos.Options{}), nil
	case probe.FormatHFS:
		return hfs.Adapt(hfs.Options{}), nil
	case probe.FormatMFS:
		return legacyfs.Adapt(legacyfs.Options{}), nil
	case probe.FormatPascal:
		return legacyfs.NewStub(legacyfs.Pascal), nil
	case probe.FormatCPM:
		return legacyfs.NewStub(legacyfs.CPM), nil
	case probe.FormatGutenberg:
		return legacyfs.NewStub(legacyfs.Gutenberg), nil
	case probe.FormatRDOS:
		return legacyfs.NewStub(legacyfs.RDOS), nil
	default:
		return nil, fmt.Errorf("auto: no engine registered for format %q", format)
	}
}

// Open probes stores (one Store per chunkstore.Ordering the image can be
// viewed under — see probe.Best) and mounts the best-scoring candidate.
// It returns vfs.ErrInvalidImage if no candidate scores above probe.No.
func Open(ctx context.Context, stores map[chunkstore.Ordering]chunkstore.Store, opts vfs.Options) (*vfs.Mount, probe.Format, error) {
	results, err := probe.Best(ctx, stores, Candidates())
	if err != nil {
		return nil, "", fmt.Errorf("auto: probing formats: %w", err)
	}
	if len(results) == 0 || results[0].Confidence == probe.No {
		return nil, "", fmt.Errorf("auto: %w: no format recognized the image", vfs.ErrInvalidImage)
	}
	winner := results[0]
	newEngine, err := newEngineFor(winner.Format)
	if err != nil {
		return nil, "", err
	}
	store := stores[winner.Ordering]
	m, err := vfs.New(store, newEngine, opts)
	if err != nil {
		return nil, "", err
	}
	return m, winner.Format, nil
}

// EmbeddedVolume is one secondary volume found inside a larger image,
// paired with the probe.Format that identified it so the caller can Open
// it (or mount it directly via the matching Adapt/NewStub function).
type EmbeddedVolume struct {
	embedded.Partition
}

// FindEmbeddedVolumes implements spec.md §6's `find_embedded_volumes()`
// over an already-mounted volume: it tries, in turn, the DOS/ProDOS
// hybrid case (no DOS/Pascal hybrid check is made), the ProDOS-embedded
// DOS-MASTER case, and the
// Pascal ProFile Manager case, returning every partition any detector
// found. root and nb come from the mounted engine whose embedded volumes
// are being sought (root is only consulted by the PPM case, which looks
// up PASCAL.AREA by name).
func FindEmbeddedVolumes(stores map[chunkstore.Ordering]chunkstore.Store, root *dirtree.Entry, nb *notes.Buffer) ([]EmbeddedVolume, error) {
	var out []EmbeddedVolume

	if p, err := embedded.DetectDOSHybrid(stores, nb); err != nil {
		return nil, fmt.Errorf("auto: hybrid detection: %w", err)
	} else if p != nil {
		out = append(out, EmbeddedVolume{*p})
	}

	if store, ok := stores[chunkstore.ProDOS]; ok {
		parts, err := embedded.DetectEmbeddedDOS(store, nb)
		if err != nil {
			return nil, fmt.Errorf("auto: DOS-MASTER detection: %w", err)
		}
		for _, p := range parts {
			out = append(out, EmbeddedVolume{p})
		}

		if root != nil {
			parts, err := embedded.DetectPPM(store, root, nb)
			if err != nil {
				return nil, fmt.Errorf("auto: PPM detection: %w", err)
			}
			for _, p := range parts {
				out = append(out, EmbeddedVolume{p})
			}
		}
	}

	return out, nil
}

// OpenEmbedded mounts one previously discovered EmbeddedVolume using the
// engine its Format implies.
func OpenEmbedded(ev EmbeddedVolume, opts vfs.Options) (*vfs.Mount, error) {
	newEngine, err := newEngineFor(ev.Format)
	if err != nil {
		return nil, err
	}
	return vfs.New(ev.Store, newEngine, opts)
}
