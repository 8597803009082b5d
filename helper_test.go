// Copyright 2021 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package pe

import (
	"encoding/binary"
	"testing"
)

func TestMax(t *testing.T) {
	if got := Max(3, 7); got != 7 {
		t.Errorf("Max(3, 7) = %d, want 7", got)
	}
	if got := Max(7, 3); got != 7 {
		t.Errorf("Max(7, 3) = %d, want 7", got)
	}
}

func TestMin(t *testing.T) {
	if got := Min([]uint32{5, 1, 9, 2}); got != 1 {
		t.Errorf("Min(...) = %d, want 1", got)
	}
}

func TestAlignUp(t *testing.T) {
	tests := []struct {
		offset, alignment, want uint32
	}{
		{0, 0x200, 0},
		{1, 0x200, 0x200},
		{0x200, 0x200, 0x200},
		{0x201, 0x200, 0x400},
		{123, 0, 123},
	}
	for _, tt := range tests {
		if got := alignUp(tt.offset, tt.alignment); got != tt.want {
			t.Errorf("alignUp(%#x, %#x) = %#x, want %#x", tt.offset, tt.alignment, got, tt.want)
		}
	}
}

func TestIsDLL(t *testing.T) {
	f := parsedFixture(t, []byte("not a dll"))
	if f.IsDLL() {
		t.Errorf("IsDLL() = true, want false for a plain executable fixture")
	}

	fh := f.NtHeader.FileHeader
	fh.Characteristics |= ImageFileDLL
	f.NtHeader.FileHeader = fh
	if !f.IsDLL() {
		t.Errorf("IsDLL() = false, want true once ImageFileDLL is set")
	}
}

func TestReadUint32AndUint16(t *testing.T) {
	f := parsedFixture(t, []byte("readback"))

	v32, err := f.ReadUint32(0)
	if err != nil {
		t.Fatalf("ReadUint32(0) failed: %v", err)
	}
	if v32 != ImageDOSSignature {
		t.Errorf("ReadUint32(0) = %#x, want DOS signature %#x", v32, uint32(ImageDOSSignature))
	}

	v16, err := f.ReadUint16(0)
	if err != nil {
		t.Fatalf("ReadUint16(0) failed: %v", err)
	}
	if v16 != ImageDOSSignature {
		t.Errorf("ReadUint16(0) = %#x, want DOS signature %#x", v16, uint16(ImageDOSSignature))
	}

	if _, err := f.ReadUint32(f.size); err != ErrOutsideBoundary {
		t.Errorf("ReadUint32(size) err = %v, want ErrOutsideBoundary", err)
	}
	if _, err := f.ReadUint16(f.size); err != ErrOutsideBoundary {
		t.Errorf("ReadUint16(size) err = %v, want ErrOutsideBoundary", err)
	}
}

func TestReadBytesAtOffset(t *testing.T) {
	f := parsedFixture(t, []byte("readback"))

	b, err := f.ReadBytesAtOffset(0, 2)
	if err != nil {
		t.Fatalf("ReadBytesAtOffset(0, 2) failed: %v", err)
	}
	if len(b) != 2 {
		t.Errorf("ReadBytesAtOffset(0, 2) returned %d bytes, want 2", len(b))
	}

	if _, err := f.ReadBytesAtOffset(f.size, 1); err != ErrOutsideBoundary {
		t.Errorf("ReadBytesAtOffset(size, 1) err = %v, want ErrOutsideBoundary", err)
	}
	if _, err := f.ReadBytesAtOffset(0, f.size+1); err != ErrOutsideBoundary {
		t.Errorf("ReadBytesAtOffset(0, size+1) err = %v, want ErrOutsideBoundary", err)
	}
}

func TestStructUnpack(t *testing.T) {
	f := parsedFixture(t, []byte("readback"))

	var dos ImageDOSHeader
	if err := f.structUnpack(&dos, 0, uint32(binary.Size(dos))); err != nil {
		t.Fatalf("structUnpack(DOS header) failed: %v", err)
	}
	if dos.Magic != ImageDOSSignature {
		t.Errorf("structUnpack(DOS header) Magic = %#x, want %#x", dos.Magic, uint16(ImageDOSSignature))
	}

	if err := f.structUnpack(&dos, ^uint32(0)-1, 4); err != ErrOutsideBoundary {
		t.Errorf("structUnpack() with overflowing offset err = %v, want ErrOutsideBoundary", err)
	}
}

func TestChecksum(t *testing.T) {
	f := parsedFixture(t, []byte("checksum this fixture, long enough to span a few dwords"))
	sum := f.Checksum()
	if sum == 0 {
		t.Errorf("Checksum() = 0, want a non-zero value for a non-empty fixture")
	}
	if sum2 := f.Checksum(); sum2 != sum {
		t.Errorf("Checksum() not stable across calls: %#x != %#x", sum, sum2)
	}
}
