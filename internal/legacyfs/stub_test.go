// Copyright (c) Elliot Nunn
// Licensed under the MIT license

package legacyfs

import (
	"errors"
	"testing"

	vfs "github.com/elliotnunn/vintagefs"
	"github.com/elliotnunn/vintagefs/internal/notes"
)

// TestStubEngineMountsReadOnly checks that a stub format mounts
// successfully with an empty, read-only root and rejects every mutating
// operation with ErrNotSupported.
func TestStubEngineMountsReadOnly(t *testing.T) {
	for _, format := range []StubFormat{Pascal, CPM, Gutenberg, RDOS} {
		newEngine := NewStub(format)
		eng, err := newEngine(nil, notes.New(nil))
		if err != nil {
			t.Fatalf("%s: NewStub engine: %v", format, err)
		}
		if eng.Root() == nil {
			t.Fatalf("%s: Root should not be nil", format)
		}
		if len(eng.Root().Children()) != 0 {
			t.Fatalf("%s: expected an empty root", format)
		}
		if _, err := eng.Open(eng.Root(), vfs.RO, vfs.DataFork); !errors.Is(err, vfs.ErrNotSupported) {
			t.Fatalf("%s: Open = %v, want ErrNotSupported", format, err)
		}
		if _, err := eng.Create(eng.Root(), "X", nil); !errors.Is(err, vfs.ErrNotSupported) {
			t.Fatalf("%s: Create = %v, want ErrNotSupported", format, err)
		}
	}
}
