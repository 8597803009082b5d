// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package pe

import (
	"bytes"
	"crypto"
	_ "crypto/sha1"
	_ "crypto/sha256"
	_ "crypto/sha512"
	"encoding/binary"
	"fmt"
	"hash"
	"io"
	"sort"
)

// DigestAlgorithm identifies one of the hash algorithms the Authenticode
// digester recognizes. The CMS builder accepts all of them except
// DigestSHA224, for which cms.HashAlgorithmOID has no OID, so signing with
// sha224 fails.
type DigestAlgorithm int

// Recognized digest algorithms, selectable via --digest_type.
const (
	DigestSHA1 DigestAlgorithm = iota
	DigestSHA224
	DigestSHA256
	DigestSHA384
	DigestSHA512
)

var digestNames = map[DigestAlgorithm]string{
	DigestSHA1:   "sha1",
	DigestSHA224: "sha224",
	DigestSHA256: "sha256",
	DigestSHA384: "sha384",
	DigestSHA512: "sha512",
}

var digestCryptoHash = map[DigestAlgorithm]crypto.Hash{
	DigestSHA1:   crypto.SHA1,
	DigestSHA224: crypto.SHA224,
	DigestSHA256: crypto.SHA256,
	DigestSHA384: crypto.SHA384,
	DigestSHA512: crypto.SHA512,
}

// String returns the canonical lowercase name of a.
func (a DigestAlgorithm) String() string {
	if s, ok := digestNames[a]; ok {
		return s
	}
	return "unknown"
}

// CryptoHash returns the crypto.Hash backing a.
func (a DigestAlgorithm) CryptoHash() crypto.Hash {
	return digestCryptoHash[a]
}

// ParseDigestAlgorithm resolves a --digest_type flag value to a DigestAlgorithm.
func ParseDigestAlgorithm(name string) (DigestAlgorithm, error) {
	for a, n := range digestNames {
		if n == name {
			return a, nil
		}
	}
	return 0, wrapErr(KindUnsupportedAlgorithm, "pe.ParseDigestAlgorithm",
		fmt.Errorf("unrecognized digest type %q", name))
}

// DigestSet carries the PE image digest computed under every requested
// algorithm, with Selected marking the one the current operation treats as
// authoritative (the one named by --digest_type).
type DigestSet struct {
	Values   map[DigestAlgorithm][]byte
	Selected DigestAlgorithm
}

// Digest returns the selected algorithm's digest bytes.
func (ds *DigestSet) Digest() []byte {
	return ds.Values[ds.Selected]
}

// byteRange is a half-open [Start, End) span of the image buffer.
type byteRange struct {
	Start, End int64
}

// excludedRanges returns the byte ranges the Authenticode digest must skip:
// the checksum field, the certificate-table directory entry itself, and
// the certificate table's payload (if any is currently present). This is
// the core of the eight-step Microsoft algorithm, grounded on the
// teacher's parseLocations/AuthentihashExt and cross-checked against
// canonical/go-efilib's ComputePeImageDigest.
func (pe *File) excludedRanges() ([]byteRange, error) {
	optionalHeaderOffset := pe.DOSHeader.AddressOfNewEXEHeader + 4 +
		uint32(binary.Size(pe.NtHeader.FileHeader))

	var numberOfRvaAndSizes uint32
	if pe.Is64 {
		numberOfRvaAndSizes = pe.NtHeader.OptionalHeader.(ImageOptionalHeader64).NumberOfRvaAndSizes
	} else {
		numberOfRvaAndSizes = pe.NtHeader.OptionalHeader.(ImageOptionalHeader32).NumberOfRvaAndSizes
	}

	if numberOfRvaAndSizes < 5 {
		return nil, wrapErr(KindMalformedImage, "pe.excludedRanges",
			fmt.Errorf("optional header has no certificate table directory entry"))
	}

	checksumOffset := int64(optionalHeaderOffset) + 64
	ranges := []byteRange{{checksumOffset, checksumOffset + 4}}

	certDirOffset := pe.dataDirectoryFieldOffset(ImageDirectoryEntryCertificate)
	ranges = append(ranges, byteRange{int64(certDirOffset), int64(certDirOffset) + 8})

	certOffset, certSize := pe.certificateTableEntry()
	if certSize > 0 {
		ranges = append(ranges, byteRange{int64(certOffset), int64(certOffset) + int64(certSize)})
	}

	sort.Slice(ranges, func(i, j int) bool { return ranges[i].Start < ranges[j].Start })
	return ranges, nil
}

// AuthenticodeDigest computes the PE image digest for every algorithm in
// algs (selected marks the authoritative one), hashing the whole image
// except the checksum field, the certificate-table directory entry, and
// the whole recorded certificate table, including any space reserved by
// AllocateSpace. While the image has no certificate table, the zero bytes
// AllocateSpace would add to bring the file to an 8-byte boundary are
// hashed as well, so reserving space never changes this digest.
func (pe *File) AuthenticodeDigest(selected DigestAlgorithm, algs ...DigestAlgorithm) (*DigestSet, error) {
	ranges, err := pe.excludedRanges()
	if err != nil {
		return nil, err
	}

	var alignPad int64
	if _, certSize := pe.certificateTableEntry(); certSize == 0 {
		alignPad = int64(alignUp(pe.size, 8) - pe.size)
	}

	spans := make([]byteRange, 0, len(ranges)+1)
	cursor := int64(0)
	for _, r := range ranges {
		if r.Start > cursor {
			spans = append(spans, byteRange{cursor, r.Start})
		}
		if r.End > cursor {
			cursor = r.End
		}
	}
	if cursor < int64(pe.size) {
		spans = append(spans, byteRange{cursor, int64(pe.size)})
	}

	wanted := map[DigestAlgorithm]bool{selected: true}
	for _, a := range algs {
		wanted[a] = true
	}

	hashes := make(map[DigestAlgorithm]hash.Hash, len(wanted))
	for a := range wanted {
		hashes[a] = a.CryptoHash().New()
	}

	r := bytes.NewReader(pe.data)
	for _, sp := range spans {
		if sp.End <= sp.Start {
			continue
		}
		for _, h := range hashes {
			sr := io.NewSectionReader(r, sp.Start, sp.End-sp.Start)
			if _, err := io.Copy(h, sr); err != nil {
				return nil, wrapErr(KindIOFailure, "pe.AuthenticodeDigest", err)
			}
		}
	}
	if alignPad > 0 {
		zeros := make([]byte, alignPad)
		for _, h := range hashes {
			h.Write(zeros)
		}
	}

	sums := make(map[DigestAlgorithm][]byte, len(hashes))
	for a, h := range hashes {
		sums[a] = h.Sum(nil)
	}

	return &DigestSet{Values: sums, Selected: selected}, nil
}

// Authentihash is a convenience wrapper returning only the SHA-256 digest,
// matching the teacher's original single-algorithm entry point.
func (pe *File) Authentihash() ([]byte, error) {
	ds, err := pe.AuthenticodeDigest(DigestSHA256)
	if err != nil {
		return nil, err
	}
	return ds.Digest(), nil
}
