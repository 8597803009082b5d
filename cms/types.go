// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

// Package cms builds and parses the Authenticode SpcIndirectDataContent /
// CMS SignedData structures embedded in a PE image's certificate table.
package cms

import (
	"crypto"
	"crypto/x509/pkix"
	"encoding/asn1"
	"errors"

	"go.mozilla.org/pkcs7"
)

// Authenticode-specific object identifiers, not part of the generic PKCS#7
// OID set carried by go.mozilla.org/pkcs7.
var (
	// OIDSpcIndirectDataContent identifies the authenticode content type
	// wrapping the image digest (SPC_INDIRECT_DATA_OBJID).
	OIDSpcIndirectDataContent = asn1.ObjectIdentifier{1, 3, 6, 1, 4, 1, 311, 2, 1, 4}

	// OIDSpcPeImageData identifies the SpcAttributeTypeAndOptionalValue's
	// Value as PE image data (SPC_PE_IMAGE_DATAOBJ).
	OIDSpcPeImageData = asn1.ObjectIdentifier{1, 3, 6, 1, 4, 1, 311, 2, 1, 15}

	// OIDSpcSpOpusInfo identifies the SpcSpOpusInfo authenticated attribute
	// every Authenticode SignerInfo carries (SPC_SP_OPUS_INFO_OBJID).
	OIDSpcSpOpusInfo = asn1.ObjectIdentifier{1, 3, 6, 1, 4, 1, 311, 2, 1, 12}

	// ErrUnsupportedContentType is returned when a parsed ContentInfo's
	// content type is not SpcIndirectDataContent.
	ErrUnsupportedContentType = errors.New("cms: content type is not SpcIndirectDataContent")
)

// SpcIndirectDataContent is the Authenticode content wrapped by a
// SignedData's ContentInfo: the image digest plus a marker identifying what
// was hashed.
type SpcIndirectDataContent struct {
	Data          SpcAttributeTypeAndOptionalValue
	MessageDigest DigestInfo
}

// SpcAttributeTypeAndOptionalValue names what kind of data was digested. In
// every PE signature produced by this tool, Type is OIDSpcPeImageData.
type SpcAttributeTypeAndOptionalValue struct {
	Type  asn1.ObjectIdentifier
	Value SpcPeImageData `asn1:"optional"`
}

// SpcPeImageData is the SPC_PE_IMAGE_DATA structure; File is left as an
// empty SpcLink (a degenerate, file-less reference), matching what every
// major Authenticode signer emits in practice.
type SpcPeImageData struct {
	Flags asn1.BitString
	File  asn1.RawValue
}

// DigestInfo carries the hash algorithm identifier and the digest bytes.
type DigestInfo struct {
	DigestAlgorithm pkix.AlgorithmIdentifier
	Digest          []byte
}

// SpcSpOpusInfo is the Authenticode opus-info attribute. Real signers may
// carry an optional program name and more-info link here; this package
// never populates either, so every instance it produces encodes to an
// empty SEQUENCE.
type SpcSpOpusInfo struct{}

// HashAlgorithmOID returns the AlgorithmIdentifier OID go.mozilla.org/pkcs7
// associates with h, or an error if h has no known OID in that package.
func HashAlgorithmOID(h crypto.Hash) (asn1.ObjectIdentifier, error) {
	switch h {
	case crypto.SHA1:
		return pkcs7.OIDDigestAlgorithmSHA1, nil
	case crypto.SHA256:
		return pkcs7.OIDDigestAlgorithmSHA256, nil
	case crypto.SHA384:
		return pkcs7.OIDDigestAlgorithmSHA384, nil
	case crypto.SHA512:
		return pkcs7.OIDDigestAlgorithmSHA512, nil
	}
	return nil, pkcs7.ErrUnsupportedAlgorithm
}

// ParseHashAlgorithm maps an AlgorithmIdentifier back to a crypto.Hash,
// copied in spirit from pkcs7.getHashForOID.
func ParseHashAlgorithm(identifier pkix.AlgorithmIdentifier) (crypto.Hash, error) {
	oid := identifier.Algorithm
	switch {
	case oid.Equal(pkcs7.OIDDigestAlgorithmSHA1), oid.Equal(pkcs7.OIDDigestAlgorithmECDSASHA1),
		oid.Equal(pkcs7.OIDDigestAlgorithmDSA), oid.Equal(pkcs7.OIDDigestAlgorithmDSASHA1),
		oid.Equal(pkcs7.OIDEncryptionAlgorithmRSA):
		return crypto.SHA1, nil
	case oid.Equal(pkcs7.OIDDigestAlgorithmSHA256), oid.Equal(pkcs7.OIDDigestAlgorithmECDSASHA256):
		return crypto.SHA256, nil
	case oid.Equal(pkcs7.OIDDigestAlgorithmSHA384), oid.Equal(pkcs7.OIDDigestAlgorithmECDSASHA384):
		return crypto.SHA384, nil
	case oid.Equal(pkcs7.OIDDigestAlgorithmSHA512), oid.Equal(pkcs7.OIDDigestAlgorithmECDSASHA512):
		return crypto.SHA512, nil
	}
	return crypto.Hash(0), pkcs7.ErrUnsupportedAlgorithm
}

// IndirectDataContent is the simplified, decoded view of an
// SpcIndirectDataContent: which algorithm was used and the digest it
// carries, ready to compare against a freshly computed Authenticode digest.
type IndirectDataContent struct {
	HashFunction crypto.Hash
	HashResult   []byte
}

// ParseIndirectDataContent decodes the DER-encoded content of a SignedData's
// ContentInfo (the bytes pkcs7.PKCS7.Content holds after parsing) into an
// IndirectDataContent.
func ParseIndirectDataContent(content []byte) (IndirectDataContent, error) {
	var sid SpcIndirectDataContent
	rest, err := asn1.Unmarshal(content, &sid.Data)
	if err != nil {
		return IndirectDataContent{}, err
	}
	if _, err := asn1.Unmarshal(rest, &sid.MessageDigest); err != nil {
		return IndirectDataContent{}, err
	}
	hashFunction, err := ParseHashAlgorithm(sid.MessageDigest.DigestAlgorithm)
	if err != nil {
		return IndirectDataContent{}, err
	}
	return IndirectDataContent{
		HashFunction: hashFunction,
		HashResult:   sid.MessageDigest.Digest,
	}, nil
}
