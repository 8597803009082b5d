// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package pe

import (
	"encoding/binary"
	"io/ioutil"
	"os"

	mmap "github.com/edsrzf/mmap-go"
	"github.com/sirupsen/logrus"
)

// A File represents an open PE/COFF image, either memory-mapped read-only
// (via New) or held in a private, writable in-memory buffer (via NewBytes
// or Clone). The certificate table editor requires the writable form: it
// grows and rewrites the image, which a read-only mmap cannot do in place.
type File struct {
	DOSHeader    ImageDOSHeader `json:"dos_header,omitempty"`
	NtHeader     ImageNtHeader  `json:"nt_header,omitempty"`
	Sections     []Section      `json:"sections,omitempty"`
	Certificates []Certificate  `json:"certificates,omitempty"`
	Anomalies    []string       `json:"anomalies,omitempty"`
	Header       []byte
	data         []byte
	FileInfo
	size          uint32
	OverlayOffset int64
	f             *os.File
	mm            mmap.MMap
	writable      bool
	opts          *Options
	logger        logrus.FieldLogger
}

// Options configures parsing and the security-directory pass.
type Options struct {
	// Parse only the PE header and sections, skip the certificate directory.
	Fast bool

	// Disable certificate chain validation against the system root store.
	DisableCertValidation bool

	// Disable Authenticode digest verification against the embedded digest.
	DisableSignatureValidation bool

	// A custom logger; defaults to a logrus.New() text logger at Warn level.
	Logger logrus.FieldLogger
}

func defaultLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetLevel(logrus.WarnLevel)
	return l
}

func newOptions(opts *Options) *Options {
	if opts == nil {
		opts = &Options{}
	}
	if opts.Logger == nil {
		opts.Logger = defaultLogger()
	}
	return opts
}

// New memory-maps name read-only and returns a File ready for Parse. The
// resulting File cannot be mutated; use Clone to obtain a writable copy.
func New(name string, opts *Options) (*File, error) {
	f, err := os.Open(name)
	if err != nil {
		return nil, wrapErr(KindIOFailure, "pe.New", err)
	}

	data, err := mmap.Map(f, mmap.RDONLY, 0)
	if err != nil {
		f.Close()
		return nil, wrapErr(KindIOFailure, "pe.New", err)
	}

	file := &File{opts: newOptions(opts), logger: newOptions(opts).Logger}
	file.mm = data
	file.data = []byte(data)
	file.size = uint32(len(file.data))
	file.f = f
	return file, nil
}

// NewBytes wraps an in-memory buffer as a writable File.
func NewBytes(data []byte, opts *Options) (*File, error) {
	file := &File{opts: newOptions(opts)}
	file.logger = file.opts.Logger
	file.data = data
	file.size = uint32(len(file.data))
	file.writable = true
	return file, nil
}

// Clone returns a writable, independent copy of pe backed by a private
// buffer, suitable for the certificate table editor's insert/remove/
// allocate-space operations. mmap.MMap is itself defined as []byte, so a
// read-only mapped File can be promoted to a writable one by copying it
// into a fresh slice.
func (pe *File) Clone() (*File, error) {
	buf := make([]byte, len(pe.data))
	copy(buf, pe.data)
	clone, err := NewBytes(buf, pe.opts)
	if err != nil {
		return nil, err
	}
	if err := clone.Parse(); err != nil {
		return nil, err
	}
	return clone, nil
}

// Close unmaps and closes the underlying file descriptor, if any. It is a
// no-op for buffer-backed instances.
func (pe *File) Close() error {
	if pe.mm != nil {
		_ = pe.mm.Unmap()
	}
	if pe.f != nil {
		return pe.f.Close()
	}
	return nil
}

// Parse performs the file parsing for a PE/COFF image: DOS header, NT
// header, section table, and (unless Fast) the certificate data directory.
func (pe *File) Parse() error {
	if len(pe.data) < TinyPESize {
		return wrapErr(KindMalformedImage, "pe.Parse", ErrInvalidPESize)
	}

	if err := pe.ParseDOSHeader(); err != nil {
		return wrapErr(KindMalformedImage, "pe.Parse", err)
	}

	if err := pe.ParseNTHeader(); err != nil {
		return wrapErr(KindMalformedImage, "pe.Parse", err)
	}

	if err := pe.ParseSectionHeader(); err != nil {
		return wrapErr(KindMalformedImage, "pe.Parse", err)
	}

	if pe.opts.Fast {
		return nil
	}

	return pe.parseCertificateDataDirectory()
}

// parseCertificateDataDirectory locates the Certificate Table data
// directory entry and, if present, hands its file offset and size to the
// security-directory parser.
func (pe *File) parseCertificateDataDirectory() error {
	va, size := pe.certificateTableEntry()
	if size == 0 {
		return nil
	}
	return pe.parseSecurityDirectory(va, size)
}

// certificateTableEntry returns the raw file offset and size recorded in
// data directory index 4. Unlike every other data directory, this one
// stores a file offset rather than an RVA - an Authenticode-specific quirk
// preserved here unchanged.
func (pe *File) certificateTableEntry() (offset, size uint32) {
	if pe.Is64 {
		d := pe.NtHeader.OptionalHeader.(ImageOptionalHeader64).DataDirectory[ImageDirectoryEntryCertificate]
		return d.VirtualAddress, d.Size
	}
	d := pe.NtHeader.OptionalHeader.(ImageOptionalHeader32).DataDirectory[ImageDirectoryEntryCertificate]
	return d.VirtualAddress, d.Size
}

// setCertificateTableEntry rewrites data directory index 4 in place, both in
// the image buffer and in the typed OptionalHeader copy.
func (pe *File) setCertificateTableEntry(offset, size uint32) {
	if off := pe.dataDirectoryFieldOffset(ImageDirectoryEntryCertificate); pe.writable && off+8 <= pe.size {
		binary.LittleEndian.PutUint32(pe.data[off:], offset)
		binary.LittleEndian.PutUint32(pe.data[off+4:], size)
	}
	if pe.Is64 {
		oh := pe.NtHeader.OptionalHeader.(ImageOptionalHeader64)
		oh.DataDirectory[ImageDirectoryEntryCertificate] = DataDirectory{VirtualAddress: offset, Size: size}
		pe.NtHeader.OptionalHeader = oh
	} else {
		oh := pe.NtHeader.OptionalHeader.(ImageOptionalHeader32)
		oh.DataDirectory[ImageDirectoryEntryCertificate] = DataDirectory{VirtualAddress: offset, Size: size}
		pe.NtHeader.OptionalHeader = oh
	}
}

// dataDirectoryFieldOffset returns the file offset of data directory
// index idx's (VirtualAddress, Size) pair, used by the certificate table
// editor to patch the directory entry directly into the byte buffer
// instead of going through the typed OptionalHeader copy.
func (pe *File) dataDirectoryFieldOffset(idx ImageDirectoryEntry) uint32 {
	optionalHeaderOffset := pe.DOSHeader.AddressOfNewEXEHeader + 4 +
		uint32(binary.Size(pe.NtHeader.FileHeader))
	var base uint32
	if pe.Is64 {
		base = optionalHeaderOffset + 112
	} else {
		base = optionalHeaderOffset + 96
	}
	return base + uint32(idx)*8
}

// Bytes returns the raw image buffer. For a mmap-backed File it is the
// read-only mapping; for a Clone/NewBytes File it is the private, mutable
// buffer that WriteAt/Truncate operate on.
func (pe *File) Bytes() []byte {
	return pe.data
}

// Size returns the current length of the image buffer.
func (pe *File) Size() uint32 {
	return pe.size
}

// WriteAt overwrites len(b) bytes starting at offset, growing the backing
// buffer first if offset+len(b) exceeds its current length. It fails on a
// read-only (mmap) File.
func (pe *File) WriteAt(offset uint32, b []byte) error {
	if !pe.writable {
		return wrapErr(KindInPlaceUnsupported, "pe.WriteAt", nil)
	}
	end := offset + uint32(len(b))
	if end > pe.size {
		grown := make([]byte, end)
		copy(grown, pe.data)
		pe.data = grown
		pe.size = end
	}
	copy(pe.data[offset:end], b)
	return nil
}

// Append grows the buffer by appending b and returns the offset it was
// written at.
func (pe *File) Append(b []byte) (offset uint32, err error) {
	if !pe.writable {
		return 0, wrapErr(KindInPlaceUnsupported, "pe.Append", nil)
	}
	offset = pe.size
	pe.data = append(pe.data, b...)
	pe.size = uint32(len(pe.data))
	return offset, nil
}

// Truncate shrinks the buffer to n bytes.
func (pe *File) Truncate(n uint32) error {
	if !pe.writable {
		return wrapErr(KindInPlaceUnsupported, "pe.Truncate", nil)
	}
	if n > pe.size {
		return wrapErr(KindIOFailure, "pe.Truncate", ErrOutsideBoundary)
	}
	pe.data = pe.data[:n]
	pe.size = n
	return nil
}

// UpdateChecksum recomputes the PE checksum over the current buffer and
// writes it back into the optional header's CheckSum field. Certificate
// table edits do not require a valid checksum for Authenticode purposes
// (the checksum field itself is excluded from the digest), but keeping it
// consistent matches how other signing tools leave the image.
func (pe *File) UpdateChecksum() error {
	sum := pe.Checksum()
	optionalHeaderOffset := pe.DOSHeader.AddressOfNewEXEHeader + 4 +
		uint32(binary.Size(pe.NtHeader.FileHeader))
	checksumOffset := optionalHeaderOffset + 64
	var buf [4]byte
	buf[0] = byte(sum)
	buf[1] = byte(sum >> 8)
	buf[2] = byte(sum >> 16)
	buf[3] = byte(sum >> 24)
	if err := pe.WriteAt(checksumOffset, buf[:]); err != nil {
		return err
	}
	if pe.Is64 {
		oh := pe.NtHeader.OptionalHeader.(ImageOptionalHeader64)
		oh.CheckSum = sum
		pe.NtHeader.OptionalHeader = oh
	} else {
		oh := pe.NtHeader.OptionalHeader.(ImageOptionalHeader32)
		oh.CheckSum = sum
		pe.NtHeader.OptionalHeader = oh
	}
	return nil
}

// SaveAs writes the current buffer to path.
func (pe *File) SaveAs(path string) error {
	return ioutil.WriteFile(path, pe.data, 0644)
}
