// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package pe

import (
	"testing"
)

func TestParse(t *testing.T) {
	f := parsedFixture(t, []byte("hello world"))
	if !f.HasDOSHdr || !f.HasNTHdr || !f.HasSections {
		t.Errorf("Parse() did not set HasDOSHdr/HasNTHdr/HasSections: %+v", f.FileInfo)
	}
	if f.Is64 {
		t.Errorf("Parse() reported Is64 for a PE32 fixture")
	}
}

func TestNewBytes(t *testing.T) {
	data := buildPE32(t, []byte("payload"))
	f, err := NewBytes(data, nil)
	if err != nil {
		t.Fatalf("NewBytes() failed: %v", err)
	}
	if err := f.Parse(); err != nil {
		t.Fatalf("Parse() failed: %v", err)
	}
	if !f.writable {
		t.Errorf("NewBytes()-backed File should be writable")
	}
}

func TestClone(t *testing.T) {
	f := parsedFixture(t, []byte("clone me"))
	clone, err := f.Clone()
	if err != nil {
		t.Fatalf("Clone() failed: %v", err)
	}
	if !clone.writable {
		t.Errorf("Clone() result should be writable")
	}
	if clone.Size() != f.Size() {
		t.Errorf("Clone() size = %d, want %d", clone.Size(), f.Size())
	}
	// Mutating the clone must not affect the original's backing buffer.
	if _, err := clone.Append([]byte("x")); err != nil {
		t.Fatalf("Append() failed: %v", err)
	}
	if f.Size() == clone.Size() {
		t.Errorf("Clone() shares a backing buffer with the original")
	}
}

func TestAuthentihashStableAcrossEmptyCertTable(t *testing.T) {
	f := parsedFixture(t, []byte("digest me"))
	h1, err := f.Authentihash()
	if err != nil {
		t.Fatalf("Authentihash() failed: %v", err)
	}
	h2, err := f.Authentihash()
	if err != nil {
		t.Fatalf("Authentihash() failed: %v", err)
	}
	if string(h1) != string(h2) {
		t.Errorf("Authentihash() not deterministic across calls")
	}
	if len(h1) != 32 {
		t.Errorf("Authentihash() length = %d, want 32 (sha256)", len(h1))
	}
}

func TestChecksumRoundTrip(t *testing.T) {
	f := parsedFixture(t, []byte("checksum me, a little longer so padding kicks in"))
	sum := f.Checksum()
	if err := f.UpdateChecksum(); err != nil {
		t.Fatalf("UpdateChecksum() failed: %v", err)
	}
	if got := f.Checksum(); got != sum {
		t.Errorf("Checksum() after UpdateChecksum() = %#x, want %#x (checksum field is excluded from its own computation)", got, sum)
	}
}
