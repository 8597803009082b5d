// Copyright 2022 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package pe

import "testing"

func TestParseDOSHeader(t *testing.T) {
	f := parsedFixture(t, []byte("dos header"))

	got := f.DOSHeader
	if got.Magic != ImageDOSSignature {
		t.Errorf("DOSHeader.Magic = %#x, want %#x", got.Magic, uint16(ImageDOSSignature))
	}
	if got.AddressOfNewEXEHeader != 0x80 {
		t.Errorf("DOSHeader.AddressOfNewEXEHeader = %#x, want %#x", got.AddressOfNewEXEHeader, 0x80)
	}
	if !f.HasDOSHdr {
		t.Errorf("HasDOSHdr = false after a successful ParseDOSHeader")
	}
}

func TestParseDOSHeaderRejectsBadMagic(t *testing.T) {
	data := buildPE32(t, []byte("corrupt me"))
	data[0] = 'X'
	data[1] = 'X'

	f, err := NewBytes(data, nil)
	if err != nil {
		t.Fatalf("NewBytes() failed: %v", err)
	}
	if err := f.ParseDOSHeader(); err != ErrDOSMagicNotFound {
		t.Errorf("ParseDOSHeader() err = %v, want ErrDOSMagicNotFound", err)
	}
}

func TestParseDOSHeaderRejectsBadElfanew(t *testing.T) {
	data := buildPE32(t, []byte("corrupt me"))
	// AddressOfNewEXEHeader sits at offset 0x3c, right before the DOS stub ends.
	data[0x3c] = 0x01
	data[0x3d] = 0x00
	data[0x3e] = 0x00
	data[0x3f] = 0x00

	f, err := NewBytes(data, nil)
	if err != nil {
		t.Fatalf("NewBytes() failed: %v", err)
	}
	if err := f.ParseDOSHeader(); err != ErrInvalidElfanewValue {
		t.Errorf("ParseDOSHeader() err = %v, want ErrInvalidElfanewValue", err)
	}
}
