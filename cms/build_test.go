// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package cms

import (
	"bytes"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"math/big"
	"testing"
	"time"

	"go.mozilla.org/pkcs7"
)

func selfSignedTestCert(t *testing.T) (*x509.Certificate, *ecdsa.PrivateKey) {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey() failed: %v", err)
	}

	template := &x509.Certificate{
		SerialNumber:          big.NewInt(42),
		Subject:               pkix.Name{CommonName: "cms build test signer"},
		NotBefore:             time.Date(2026, time.January, 1, 0, 0, 0, 0, time.UTC),
		NotAfter:              time.Date(2027, time.January, 1, 0, 0, 0, 0, time.UTC),
		SignatureAlgorithm:    x509.ECDSAWithSHA256,
		BasicConstraintsValid: true,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("CreateCertificate() failed: %v", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("ParseCertificate() failed: %v", err)
	}
	return cert, key
}

func TestBuilderRoundTrip(t *testing.T) {
	cert, key := selfSignedTestCert(t)
	imageDigest := bytes.Repeat([]byte{0xab}, 32)

	builder, err := NewBuilder(crypto.SHA256, imageDigest)
	if err != nil {
		t.Fatalf("NewBuilder() failed: %v", err)
	}
	if err := builder.AddSignerChain(cert, key, nil, SignerConfig{}); err != nil {
		t.Fatalf("AddSignerChain() failed: %v", err)
	}
	der, err := builder.Finish()
	if err != nil {
		t.Fatalf("Finish() failed: %v", err)
	}
	if len(der) == 0 {
		t.Fatalf("Finish() returned no bytes")
	}

	signed, err := Parse(der)
	if err != nil {
		t.Fatalf("Parse() failed: %v", err)
	}

	if signed.Indirect.HashFunction != crypto.SHA256 {
		t.Errorf("Indirect.HashFunction = %v, want SHA256", signed.Indirect.HashFunction)
	}
	if !bytes.Equal(signed.Indirect.HashResult, imageDigest) {
		t.Errorf("Indirect.HashResult = %x, want %x", signed.Indirect.HashResult, imageDigest)
	}

	signerCert, err := signed.SignerCertificate()
	if err != nil {
		t.Fatalf("SignerCertificate() failed: %v", err)
	}
	if signerCert.SerialNumber.Cmp(cert.SerialNumber) != 0 {
		t.Errorf("SignerCertificate().SerialNumber = %v, want %v", signerCert.SerialNumber, cert.SerialNumber)
	}

	pool := x509.NewCertPool()
	pool.AddCert(cert)
	if err := signed.VerifyChain(pool); err != nil {
		t.Errorf("VerifyChain() failed against a pool containing the signer: %v", err)
	}
}

// TestAddSignerChainMessageDigestCoversEncodedContent guards against
// hashing the bare image digest instead of the DER-encoded
// SpcIndirectDataContent for the messageDigest signed attribute: a
// conforming verifier recomputes hash(eContent) and rejects anything else.
func TestAddSignerChainMessageDigestCoversEncodedContent(t *testing.T) {
	cert, key := selfSignedTestCert(t)
	imageDigest := bytes.Repeat([]byte{0xcd}, 32)

	builder, err := NewBuilder(crypto.SHA256, imageDigest)
	if err != nil {
		t.Fatalf("NewBuilder() failed: %v", err)
	}
	if err := builder.AddSignerChain(cert, key, nil, SignerConfig{}); err != nil {
		t.Fatalf("AddSignerChain() failed: %v", err)
	}
	der, err := builder.Finish()
	if err != nil {
		t.Fatalf("Finish() failed: %v", err)
	}

	p, err := pkcs7.Parse(der)
	if err != nil {
		t.Fatalf("pkcs7.Parse() failed: %v", err)
	}
	if len(p.Signers) == 0 {
		t.Fatalf("no signer infos")
	}

	digestOID, err := HashAlgorithmOID(crypto.SHA256)
	if err != nil {
		t.Fatalf("HashAlgorithmOID() failed: %v", err)
	}
	indirect := SpcIndirectDataContent{
		Data: SpcAttributeTypeAndOptionalValue{
			Type: OIDSpcPeImageData,
			Value: SpcPeImageData{
				Flags: asn1.BitString{Bytes: []byte{0}, BitLength: 0},
				File:  asn1.RawValue{Class: 2, Tag: 0, IsCompound: true, Bytes: emptySpcLink},
			},
		},
		MessageDigest: DigestInfo{
			DigestAlgorithm: pkix.AlgorithmIdentifier{Algorithm: digestOID},
			Digest:          imageDigest,
		},
	}
	encoded, err := asn1.Marshal(indirect)
	if err != nil {
		t.Fatalf("asn1.Marshal(indirect) failed: %v", err)
	}
	want := sha256.Sum256(encoded)

	var gotDigest []byte
	var sawOpusInfo bool
	for _, attr := range p.Signers[0].AuthenticatedAttributes {
		switch {
		case attr.Type.Equal(oidAttributeMessageDigest):
			if _, err := asn1.Unmarshal(attr.Value.Bytes, &gotDigest); err != nil {
				t.Fatalf("unmarshal messageDigest attribute: %v", err)
			}
		case attr.Type.Equal(OIDSpcSpOpusInfo):
			sawOpusInfo = true
		}
	}
	if !bytes.Equal(gotDigest, want[:]) {
		t.Errorf("messageDigest attribute = %x, want hash of encoded SpcIndirectDataContent %x", gotDigest, want)
	}
	if !sawOpusInfo {
		t.Errorf("signed attributes missing SpcSpOpusInfo")
	}
}

func TestBuilderRequiresASigner(t *testing.T) {
	builder, err := NewBuilder(crypto.SHA256, bytes.Repeat([]byte{0x01}, 32))
	if err != nil {
		t.Fatalf("NewBuilder() failed: %v", err)
	}
	if _, err := builder.Finish(); err != ErrNoCertificate {
		t.Errorf("Finish() with no signer err = %v, want ErrNoCertificate", err)
	}
}

func TestBuilderRejectsASecondSigner(t *testing.T) {
	cert, key := selfSignedTestCert(t)
	builder, err := NewBuilder(crypto.SHA256, bytes.Repeat([]byte{0x02}, 32))
	if err != nil {
		t.Fatalf("NewBuilder() failed: %v", err)
	}
	if err := builder.AddSignerChain(cert, key, nil, SignerConfig{}); err != nil {
		t.Fatalf("AddSignerChain() failed: %v", err)
	}
	if err := builder.AddSignerChain(cert, key, nil, SignerConfig{}); err == nil {
		t.Errorf("AddSignerChain() a second time err = nil, want an error")
	}
}
