// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package pe

import (
	"bytes"
	"crypto/x509"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"io/ioutil"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/saferwall/pesign/cms"
)

// The options for the WIN_CERTIFICATE Revision member include
// (but are not limited to) the following.
const (
	// WinCertRevision1_0 represents the WIN_CERT_REVISION_1_0 Version 1,
	// legacy version of the Win_Certificate structure.
	// It is supported only for purposes of verifying legacy Authenticode
	// signatures
	WinCertRevision1_0 = 0x0100

	// WinCertRevision2_0 represents the WIN_CERT_REVISION_2_0. Version 2
	// is the current version of the Win_Certificate structure.
	WinCertRevision2_0 = 0x0200
)

// The options for the WIN_CERTIFICATE CertificateType member include
// (but are not limited to) the items in the following table. Note that some
// values are not currently supported.
const (
	// Certificate contains an X.509 Certificate (Not Supported)
	WinCertTypeX509 = 0x0001

	// Certificate contains a PKCS#7 SignedData structure.
	WinCertTypePKCSSignedData = 0x0002

	// Reserved.
	WinCertTypeReserved1 = 0x0003

	// Terminal Server Protocol Stack Certificate signing (Not Supported).
	WinCertTypeTSStackSigned = 0x0004
)

var (
	// ErrSecurityDataDirInvalid is reported when the certificate header in
	// the security directory is invalid.
	ErrSecurityDataDirInvalid = errors.New(
		`invalid certificate header in security directory`)
)

// Certificate is one parsed entry of the certificate table (the data
// directory Authenticode stores its WIN_CERTIFICATE entries under). The
// table may hold more than one entry - see Certificates on File, which
// preserves the per-entry Verified/SignatureValid results for each.
type Certificate struct {
	Header           WinCertificate       `json:"header"`
	Content          *cms.SignedData      `json:"-"`
	SignatureContent cms.IndirectDataContent `json:"-"`
	SignatureValid   bool                 `json:"-"`
	Raw              []byte               `json:"-"`
	Info             CertInfo             `json:"info"`
	Verified         bool                 `json:"verified"`
}

// WinCertificate is the 8-byte header prefixing every certificate table
// entry.
type WinCertificate struct {
	// Specifies the length, in bytes, of the signature.
	Length uint32 `json:"length"`

	// Specifies the certificate revision.
	Revision uint16 `json:"revision"`

	// Specifies the type of certificate.
	CertificateType uint16 `json:"certificate_type"`
}

// CertInfo wraps the fields of the end-entity signer certificate relevant
// to --show-signature reporting.
type CertInfo struct {
	// The certificate authority (CA) that charges customers to issue
	// certificates for them.
	Issuer string `json:"issuer"`

	// The subject of the certificate is the entity its public key is associated
	// with (i.e. the "owner" of the certificate).
	Subject string `json:"subject"`

	// The certificate won't be valid before this timestamp.
	NotBefore time.Time `json:"not_before"`

	// The certificate won't be valid after this timestamp.
	NotAfter time.Time `json:"not_after"`

	// The serial number MUST be a positive integer assigned by the CA to each
	// certificate. For convenience, we convert the big int to string.
	SerialNumber string `json:"serial_number"`

	// The identifier for the cryptographic algorithm used by the CA to sign
	// this certificate.
	SignatureAlgorithm x509.SignatureAlgorithm `json:"signature_algorithm"`

	// The Public Key Algorithm refers to the public key inside the certificate.
	PublicKeyAlgorithm x509.PublicKeyAlgorithm `json:"public_key_algorithm"`
}

// The security directory contains the Authenticode signature(s), a digital
// signature format used to determine the origin and integrity of software
// binaries. Authenticode is based on PKCS#7 SignedData and uses X.509 v3
// certificates to bind a signed file to the identity of a software
// publisher. This data is not loaded into memory as part of the image file.
//
// PE files can be dual- (or multi-) signed by applying more than one
// WIN_CERTIFICATE entry, strongly recommended when using deprecated hash
// algorithms such as MD5 or SHA1 for the primary signature. Every entry in
// the table is walked and parsed; pe.Certificates holds all of them,
// addressable by position for --signature-number.
func (pe *File) parseSecurityDirectory(rva, size uint32) error {
	certHeader := WinCertificate{}
	certSize := uint32(binary.Size(certHeader))

	// The virtual address value from the Certificate Table entry in the
	// Optional Header Data Directory is a file offset to the first attribute
	// certificate entry.
	fileOffset := rva

	for {
		if err := pe.structUnpack(&certHeader, fileOffset, certSize); err != nil {
			return wrapErr(KindMalformedCertTable, "pe.parseSecurityDirectory", ErrOutsideBoundary)
		}

		if fileOffset+certHeader.Length > pe.size {
			return wrapErr(KindMalformedCertTable, "pe.parseSecurityDirectory", ErrOutsideBoundary)
		}

		if certHeader.Length == 0 {
			return wrapErr(KindMalformedCertTable, "pe.parseSecurityDirectory", ErrSecurityDataDirInvalid)
		}

		certContent := pe.data[fileOffset+certSize : fileOffset+certHeader.Length]
		entry, err := pe.parseCertificateEntry(certHeader, certContent)
		if err != nil {
			pe.Certificates = append(pe.Certificates, entry)
			pe.HasCertificate = true
			return wrapErr(KindMalformedCMS, "pe.parseSecurityDirectory", err)
		}
		pe.Certificates = append(pe.Certificates, entry)
		pe.HasCertificate = true
		pe.IsSigned = true

		// Subsequent entries are accessed by advancing that entry's dwLength
		// bytes, rounded up to an 8-byte multiple, from the start of the
		// current attribute certificate entry.
		nextOffset := alignUp(certHeader.Length+fileOffset, 8)

		if nextOffset >= rva+size {
			break
		}
		fileOffset = nextOffset
	}

	return nil
}

// parseCertificateEntry decodes a single WIN_CERTIFICATE payload's CMS
// SignedData, extracts the signer's certificate info, optionally verifies
// the chain of trust, and compares the embedded Authenticode digest against
// one freshly computed over the image.
func (pe *File) parseCertificateEntry(header WinCertificate, raw []byte) (Certificate, error) {
	signed, err := cms.Parse(raw)
	if err != nil {
		return Certificate{Header: header, Raw: raw}, err
	}

	certInfo := CertInfo{}
	signerCert, err := signed.SignerCertificate()
	if err == nil {
		certInfo = certInfoFromCertificate(signerCert)
	}

	var chainValid bool
	if !pe.opts.DisableCertValidation {
		var pool *x509.CertPool
		if runtime.GOOS == "windows" {
			pool, err = loadSystemRoots()
		} else {
			pool, err = x509.SystemCertPool()
		}
		if err == nil {
			chainValid = signed.VerifyChain(pool) == nil
		}
	}

	var sigValid bool
	if !pe.opts.DisableSignatureValidation {
		ds, err := pe.AuthenticodeDigest(digestAlgorithmFromCryptoHash(signed.Indirect.HashFunction))
		if err != nil {
			pe.logger.Errorf("could not compute authenticode digest for verification: %v", err)
		} else {
			sigValid = bytes.Equal(ds.Digest(), signed.Indirect.HashResult)
		}
	}

	return Certificate{
		Header:           header,
		Content:          signed,
		Raw:              raw,
		Info:             certInfo,
		Verified:         chainValid,
		SignatureContent: signed.Indirect,
		SignatureValid:   sigValid,
	}, nil
}

func certInfoFromCertificate(cert *x509.Certificate) CertInfo {
	info := CertInfo{
		SerialNumber:       hex.EncodeToString(cert.SerialNumber.Bytes()),
		PublicKeyAlgorithm: cert.PublicKeyAlgorithm,
		SignatureAlgorithm: cert.SignatureAlgorithm,
		NotAfter:           cert.NotAfter,
		NotBefore:          cert.NotBefore,
	}

	if len(cert.Issuer.Country) > 0 {
		info.Issuer = cert.Issuer.Country[0]
	}
	if len(cert.Issuer.Province) > 0 {
		info.Issuer += ", " + cert.Issuer.Province[0]
	}
	if len(cert.Issuer.Locality) > 0 {
		info.Issuer += ", " + cert.Issuer.Locality[0]
	}
	info.Issuer += ", " + cert.Issuer.CommonName

	if len(cert.Subject.Country) > 0 {
		info.Subject = cert.Subject.Country[0]
	}
	if len(cert.Subject.Province) > 0 {
		info.Subject += ", " + cert.Subject.Province[0]
	}
	if len(cert.Subject.Locality) > 0 {
		info.Subject += ", " + cert.Subject.Locality[0]
	}
	if len(cert.Subject.Organization) > 0 {
		info.Subject += ", " + cert.Subject.Organization[0]
	}
	info.Subject += ", " + cert.Subject.CommonName

	return info
}

// digestAlgorithmFromCryptoHash maps a crypto.Hash recovered from a parsed
// signature back to our DigestAlgorithm enum, defaulting to DigestSHA256
// (the value every recognized Authenticode hash falls back to if unknown,
// matching the teacher's own SHA256-only Authentihash default).
func digestAlgorithmFromCryptoHash(h interface{ Size() int }) DigestAlgorithm {
	switch h.Size() {
	case 20:
		return DigestSHA1
	case 28:
		return DigestSHA224
	case 48:
		return DigestSHA384
	case 64:
		return DigestSHA512
	default:
		return DigestSHA256
	}
}

// loadSystemRoots manually downloads all the trusted root certificates
// in Windows by spawning certutil then adding root certs individually
// to the cert pool. Initially, when running in windows, go SystemCertPool()
// used to enumerate all the certificate in the Windows store using
// (CertEnumCertificatesInStore). Unfortunately, Windows does not ship
// with all of its root certificates installed. Instead, it downloads them
// on-demand. As a consequence, this behavior leads to a non-deterministic
// results. Go team then disabled the loading Windows root certs.
func loadSystemRoots() (*x509.CertPool, error) {

	needSync := true
	roots := x509.NewCertPool()

	// Create a temporary dir in the OS temp folder
	// if it does not exists.
	dir := filepath.Join(os.TempDir(), "certs")
	info, err := os.Stat(dir)
	if os.IsNotExist(err) {
		if err = os.Mkdir(dir, 0755); err != nil {
			return roots, err
		}
	} else {
		now := time.Now()
		modTime := info.ModTime()
		diff := now.Sub(modTime).Hours()
		if diff < 24 {
			needSync = false
		}
	}

	// Use certutil to download all the root certs.
	if needSync {
		cmd := exec.Command("certutil", "-syncWithWU", dir)
		out, err := cmd.Output()
		if err != nil {
			return roots, err
		}
		if !strings.Contains(string(out), "command completed successfully") {
			return roots, err
		}
	}

	files, err := ioutil.ReadDir(dir)
	if err != nil {
		return roots, err
	}

	for _, f := range files {
		if !strings.HasSuffix(f.Name(), ".crt") {
			continue
		}
		certPath := filepath.Join(dir, f.Name())
		certData, err := ioutil.ReadFile(certPath)
		if err != nil {
			return roots, err
		}

		if crt, err := x509.ParseCertificate(certData); err == nil {
			roots.AddCert(crt)
		}
	}

	return roots, nil
}
