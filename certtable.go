// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package pe

import (
	"encoding/binary"
	"fmt"
)

// CertificateTable exposes the write operations over the certificate table:
// insertion, removal, and space reservation ahead of signing. All mutation
// of the certificate table region must go through these methods; writing
// directly into that region elsewhere in the package is forbidden, since
// only here is the data directory entry and table size kept consistent.
//
// A CertificateTable is only meaningful against a writable (buffer-backed)
// File - see Clone/NewBytes.
type CertificateTable struct {
	pe *File
}

// CertTable returns the certificate table editor bound to pe.
func (pe *File) CertTable() *CertificateTable {
	return &CertificateTable{pe: pe}
}

// Len returns the number of WIN_CERTIFICATE entries currently parsed.
func (ct *CertificateTable) Len() int {
	return len(ct.pe.Certificates)
}

// Entry returns the parsed Certificate at index, failing
// InvalidSignatureNumber if index is out of range.
func (ct *CertificateTable) Entry(index int) (*Certificate, error) {
	if index < 0 || index >= len(ct.pe.Certificates) {
		return nil, wrapErr(KindInvalidSignatureNumber, "pe.CertificateTable.Entry",
			fmt.Errorf("signature number %d out of range [0, %d)", index, len(ct.pe.Certificates)))
	}
	return &ct.pe.Certificates[index], nil
}

// Remove deletes entry index, shifts the remaining entries down, shrinks
// the certificate table (truncating the image if the table ran to EOF),
// and updates the data directory entry. If index is the last entry and the
// table sits at EOF, the file itself is truncated to drop the table.
func (ct *CertificateTable) Remove(index int) error {
	pe := ct.pe
	if !pe.writable {
		return wrapErr(KindInPlaceUnsupported, "pe.CertificateTable.Remove", nil)
	}
	if index < 0 || index >= len(pe.Certificates) {
		return wrapErr(KindInvalidSignatureNumber, "pe.CertificateTable.Remove",
			fmt.Errorf("signature number %d out of range [0, %d)", index, len(pe.Certificates)))
	}

	tableOffset, tableSize := pe.certificateTableEntry()
	if tableSize == 0 {
		return wrapErr(KindMalformedCertTable, "pe.CertificateTable.Remove", ErrSecurityDataDirInvalid)
	}

	entries, err := ct.rawEntries(tableOffset, tableSize)
	if err != nil {
		return err
	}
	entries = append(entries[:index], entries[index+1:]...)

	return ct.rewriteTable(tableOffset, entries)
}

// AllocateSpace grows the certificate table by extraBytes at the end of the
// image, widening the data directory's recorded size to match. Used ahead
// of signing so the final insert never needs a second resize. The table
// remains at or beyond the last section's raw data, since it is always
// appended after the current end of file.
func (ct *CertificateTable) AllocateSpace(extraBytes uint32) error {
	pe := ct.pe
	if !pe.writable {
		return wrapErr(KindInPlaceUnsupported, "pe.CertificateTable.AllocateSpace", nil)
	}
	if extraBytes == 0 {
		return nil
	}

	tableOffset, tableSize := pe.certificateTableEntry()
	pad := make([]byte, extraBytes)

	if tableSize == 0 {
		// No table yet: the new one starts at the current (8-byte aligned)
		// end of file.
		offset, err := pe.Append(make([]byte, alignUp(pe.Size(), 8)-pe.Size()))
		if err != nil {
			return err
		}
		tableOffset = offset
		if _, err := pe.Append(pad); err != nil {
			return err
		}
		pe.setCertificateTableEntry(tableOffset, extraBytes)
		return nil
	}

	// Existing table: the reservation is only valid appended at EOF,
	// directly after the current table.
	if tableOffset+tableSize != pe.Size() {
		return wrapErr(KindMalformedCertTable, "pe.CertificateTable.AllocateSpace",
			fmt.Errorf("certificate table does not end at EOF (offset %d size %d file size %d)",
				tableOffset, tableSize, pe.Size()))
	}
	if _, err := pe.Append(pad); err != nil {
		return err
	}
	pe.setCertificateTableEntry(tableOffset, tableSize+extraBytes)
	return nil
}

// Insert places a new WIN_CERTIFICATE entry (header + payload, payload
// already built by the CMS builder) at position atIndex, clamped to
// [0, Len()]. Every preceding entry is padded to an 8-byte boundary per the
// WIN_CERTIFICATE layout rule, and the data directory's recorded size is
// recomputed to cover the whole table.
func (ct *CertificateTable) Insert(entry []byte, atIndex int) error {
	pe := ct.pe
	if !pe.writable {
		return wrapErr(KindInPlaceUnsupported, "pe.CertificateTable.Insert", nil)
	}
	if atIndex < 0 {
		atIndex = 0
	}
	if atIndex > len(pe.Certificates) {
		atIndex = len(pe.Certificates)
	}

	tableOffset, tableSize := pe.certificateTableEntry()
	var entries [][]byte
	if tableSize > 0 {
		var err error
		entries, err = ct.rawEntries(tableOffset, tableSize)
		if err != nil {
			return err
		}
	}

	padded := make([]byte, len(entry))
	copy(padded, entry)
	if rem := len(padded) % 8; rem != 0 {
		padded = append(padded, make([]byte, 8-rem)...)
	}

	entries = append(entries, nil)
	copy(entries[atIndex+1:], entries[atIndex:])
	entries[atIndex] = padded

	if tableSize == 0 {
		tableOffset = pe.Size()
	}
	return ct.rewriteTable(tableOffset, entries)
}

// EstimateSize returns the space to reserve for a WIN_CERTIFICATE entry
// wrapping der, the finished CMS SignedData: the 8-byte WIN_CERTIFICATE
// header, der itself, and the padding to the next 8-byte boundary. Calling
// this ahead of AllocateSpace lets the certificate table grow exactly once,
// even though der's own DER encoding already fixes the exact size needed -
// this just adds the header/padding the caller would otherwise recompute.
func EstimateSize(der []byte) uint32 {
	total := uint32(8 + len(der))
	return alignUp(total, 8)
}

// BuildEntry wraps der (a finished CMS SignedData, see cms.Builder.Finish)
// in an 8-byte WIN_CERTIFICATE header, revision 0x0200 and type 0x0002
// (WIN_CERT_TYPE_PKCS_SIGNED_DATA), ready for Insert.
func BuildEntry(der []byte) []byte {
	entry := make([]byte, 8+len(der))
	binary.LittleEndian.PutUint32(entry[0:4], uint32(8+len(der)))
	binary.LittleEndian.PutUint16(entry[4:6], WinCertRevision2_0)
	binary.LittleEndian.PutUint16(entry[6:8], WinCertTypePKCSSignedData)
	copy(entry[8:], der)
	return entry
}

// rawEntries re-slices the certificate table at tableOffset/tableSize back
// into individual WIN_CERTIFICATE entries (header + payload, still 8-byte
// padded as stored), the inverse of rewriteTable.
func (ct *CertificateTable) rawEntries(tableOffset, tableSize uint32) ([][]byte, error) {
	pe := ct.pe
	var entries [][]byte
	offset := tableOffset
	end := tableOffset + tableSize
	for offset < end {
		header := WinCertificate{}
		headerSize := uint32(8)
		if err := pe.structUnpack(&header, offset, headerSize); err != nil {
			return nil, wrapErr(KindMalformedCertTable, "pe.CertificateTable.rawEntries", err)
		}
		if header.Length == 0 {
			// Zero-filled space reserved by AllocateSpace: no entries follow.
			break
		}
		if offset+header.Length > end {
			return nil, wrapErr(KindMalformedCertTable, "pe.CertificateTable.rawEntries", ErrSecurityDataDirInvalid)
		}
		next := alignUp(header.Length+offset, 8)
		span := next - offset
		if offset+span > pe.Size() {
			span = header.Length
		}
		entries = append(entries, pe.data[offset:offset+span])
		offset = next
	}
	return entries, nil
}

// rewriteTable replaces the certificate table starting at tableOffset with
// entries concatenated back to back, each zero-padded to an 8-byte boundary,
// truncating or growing the image as needed, and updates the data directory
// entry to match.
func (ct *CertificateTable) rewriteTable(tableOffset uint32, entries [][]byte) error {
	pe := ct.pe

	var buf []byte
	for _, e := range entries {
		buf = append(buf, e...)
		// WIN_CERTIFICATE.Length never includes this padding; the table
		// size recorded in the data directory does, final entry included.
		if rem := len(e) % 8; rem != 0 {
			buf = append(buf, make([]byte, 8-rem)...)
		}
	}

	newTableSize := uint32(len(buf))
	oldOffset, oldSize := pe.certificateTableEntry()
	tailStart := oldOffset + oldSize

	if tailStart == pe.Size() || tableOffset == pe.Size() {
		// Table was at EOF: truncate back to tableOffset then append buf.
		if err := pe.Truncate(tableOffset); err != nil {
			return err
		}
		if newTableSize > 0 {
			if _, err := pe.Append(buf); err != nil {
				return err
			}
		}
	} else {
		// Table precedes trailing data (an overlay); overwrite in place.
		// This only happens for a same-size-or-smaller rewrite, since
		// growing would clobber the overlay - Insert/AllocateSpace always
		// operate on an EOF-resident table per the invariant enforced in
		// AllocateSpace.
		if err := pe.WriteAt(tableOffset, buf); err != nil {
			return err
		}
	}

	if newTableSize == 0 {
		pe.setCertificateTableEntry(0, 0)
	} else {
		pe.setCertificateTableEntry(tableOffset, newTableSize)
	}

	parsed, err := pe.reparseCertificates(tableOffset, newTableSize)
	if err != nil {
		return err
	}
	pe.Certificates = parsed
	pe.HasCertificate = newTableSize > 0
	pe.IsSigned = newTableSize > 0
	return nil
}

// reparseCertificates re-walks the table after a mutation so pe.Certificates
// stays in sync with the buffer; returns an empty slice if size is 0.
func (pe *File) reparseCertificates(offset, size uint32) ([]Certificate, error) {
	pe.Certificates = nil
	if size == 0 {
		return nil, nil
	}
	if err := pe.parseSecurityDirectory(offset, size); err != nil {
		return pe.Certificates, err
	}
	return pe.Certificates, nil
}
