// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package pe

import (
	"bytes"
	"encoding/binary"
	"testing"
)

// buildPE32 assembles a minimal, structurally valid 32-bit PE image with one
// ".text" section holding sectionData. There is no external testdata corpus
// available to this module, so every pe/cms/identity/dispatch test builds its
// fixtures in memory the way this helper does, writing the package's own
// typed structs through encoding/binary so the byte layout always agrees
// with what structUnpack expects.
func buildPE32(t *testing.T, sectionData []byte) []byte {
	t.Helper()

	const (
		elfanew          = 0x80
		fileAlignment    = 0x200
		sectionAlignment = 0x1000
	)

	dos := ImageDOSHeader{
		Magic:                 ImageDOSSignature,
		AddressOfNewEXEHeader: elfanew,
	}
	fh := ImageFileHeader{
		Machine:              ImageFileMachineI386,
		NumberOfSections:     1,
		SizeOfOptionalHeader: uint16(binary.Size(ImageOptionalHeader32{})),
		Characteristics:      ImageFileExecutableImage,
	}

	headerSize := elfanew + 4 + uint32(binary.Size(fh)) + uint32(binary.Size(ImageOptionalHeader32{})) +
		uint32(binary.Size(ImageSectionHeader{}))
	sizeOfHeaders := alignUp(headerSize, fileAlignment)
	rawDataOffset := sizeOfHeaders

	oh := ImageOptionalHeader32{
		Magic:               ImageNtOptionalHeader32Magic,
		AddressOfEntryPoint: sectionAlignment,
		BaseOfCode:          sectionAlignment,
		ImageBase:           0x400000,
		SectionAlignment:    sectionAlignment,
		FileAlignment:       fileAlignment,
		SizeOfImage:         alignUp(sectionAlignment+uint32(len(sectionData)), sectionAlignment),
		SizeOfHeaders:       sizeOfHeaders,
		Subsystem:           ImageSubsystemWindowsCUI,
		NumberOfRvaAndSizes: 16,
	}

	sh := ImageSectionHeader{
		VirtualSize:      uint32(len(sectionData)),
		VirtualAddress:   sectionAlignment,
		SizeOfRawData:    uint32(len(sectionData)),
		PointerToRawData: rawDataOffset,
		Characteristics:  ImageScnCntCode | ImageScnMemExecute | ImageScnMemRead,
	}
	copy(sh.Name[:], ".text")

	var buf bytes.Buffer
	must(t, binary.Write(&buf, binary.LittleEndian, dos))
	buf.Write(make([]byte, elfanew-buf.Len()))
	must(t, binary.Write(&buf, binary.LittleEndian, uint32(ImageNTSignature)))
	must(t, binary.Write(&buf, binary.LittleEndian, fh))
	must(t, binary.Write(&buf, binary.LittleEndian, oh))
	must(t, binary.Write(&buf, binary.LittleEndian, sh))

	buf.Write(make([]byte, int(rawDataOffset)-buf.Len()))
	buf.Write(sectionData)

	return buf.Bytes()
}

func must(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("building fixture: %v", err)
	}
}

// parsedFixture parses a freshly built PE32 fixture via NewBytes, the
// writable entry point every certificate-table test needs.
func parsedFixture(t *testing.T, sectionData []byte) *File {
	t.Helper()
	data := buildPE32(t, sectionData)
	f, err := NewBytes(data, nil)
	if err != nil {
		t.Fatalf("NewBytes: %v", err)
	}
	if err := f.Parse(); err != nil {
		t.Fatalf("Parse: %v", err)
	}
	return f
}
