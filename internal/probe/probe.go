// Copyright (c) Elliot Nunn
// Licensed under the MIT license

// Package probe implements the heuristic format identification described
// in spec.md §4.4 (component C4, "Probe"): each candidate (ordering,
// format) pair is scored independently and purely, and the mount driver
// picks the best pair across candidates. Candidates are evaluated
// concurrently with golang.org/x/sync/errgroup, the same "run every
// independent probe, then combine" shape as the teacher's own archive
// probing in probe.go, there applied to container formats instead of
// disk filesystems.
package probe

import (
	"context"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/elliotnunn/vintagefs/internal/chunkstore"
)

// Confidence is the probe result scale from spec.md §4.4.
type Confidence int

const (
	No Confidence = iota
	Barely
	Maybe
	Good
	Yes
)

func (c Confidence) String() string {
	switch c {
	case No:
		return "No"
	case Barely:
		return "Barely"
	case Maybe:
		return "Maybe"
	case Good:
		return "Good"
	case Yes:
		return "Yes"
	default:
		return "?"
	}
}

// Format names a filesystem engine that can be probed/mounted.
type Format string

const (
	FormatDOS33    Format = "dos3.3"
	FormatDOS32    Format = "dos3.2"
	FormatProDOS   Format = "prodos"
	FormatHFS      Format = "hfs"
	FormatMFS      Format = "mfs"
	FormatPascal   Format = "pascal"
	FormatCPM      Format = "cpm"
	FormatGutenberg Format = "gutenberg"
	FormatRDOS     Format = "rdos"
)

// Test is a pure per-format probe function: given a store already
// presented in some ordering, how confident is this format that it
// recognizes the bytes? Implementations must not mutate store.
type Test func(store chunkstore.Store) (Confidence, error)

// Candidate pairs a Format with the Test function that recognizes it.
type Candidate struct {
	Format   Format
	Ordering chunkstore.Ordering
	Test     Test
}

// Result is one candidate's outcome.
type Result struct {
	Candidate
	Confidence Confidence
	Err        error
}

// Best runs every candidate's Test concurrently against its own
// presentation of store (each candidate is responsible for constructing
// a Store in the ordering it wants to test — typically a reordering view
// over the same bytes) and returns all results sorted by descending
// confidence. The mount driver picks results[0] when non-empty and
// results[0].Confidence > No.
func Best(ctx context.Context, stores map[chunkstore.Ordering]chunkstore.Store, candidates []Candidate) ([]Result, error) {
	results := make([]Result, len(candidates))
	g, ctx := errgroup.WithContext(ctx)
	for i, c := range candidates {
		i, c := i, c
		g.Go(func() error {
			store, ok := stores[c.Ordering]
			if !ok {
				results[i] = Result{Candidate: c, Confidence: No}
				return nil
			}
			conf, err := c.Test(store)
			results[i] = Result{Candidate: c, Confidence: conf, Err: err}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Confidence > results[j].Confidence
	})
	return results, nil
}

// Monotone asserts the determinism/exclusivity property from spec.md §8:
// if one (ordering, format) pair scores Yes, every other format in the
// same result set that cannot coexist with it must score No. Callers
// supply the set of format pairs considered mutually exclusive with a
// Yes winner (e.g. {DOS33, DOS32} never coexist as the *same* region,
// while DOS+ProDOS hybrids legitimately do and are handled by the
// embedded detector instead of Probe).
func Monotone(results []Result, exclusiveWith func(winner Format) []Format) bool {
	for _, r := range results {
		if r.Confidence != Yes {
			continue
		}
		excluded := exclusiveWith(r.Format)
		for _, other := range results {
			if other.Format == r.Format {
				continue
			}
			for _, ex := range excluded {
				if other.Format == ex && other.Confidence == Yes {
					return false
				}
			}
		}
	}
	return true
}
