// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package identity

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// writeFixtureIdentity writes a <nickname>.crt/<nickname>.key PEM pair into
// dir, the on-disk layout Store.Find expects.
func writeFixtureIdentity(t *testing.T, dir, nickname string) *x509.Certificate {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey() failed: %v", err)
	}

	template := &x509.Certificate{
		SerialNumber:          big.NewInt(7),
		Subject:               pkix.Name{CommonName: nickname},
		NotBefore:             time.Date(2026, time.January, 1, 0, 0, 0, 0, time.UTC),
		NotAfter:              time.Date(2027, time.January, 1, 0, 0, 0, 0, time.UTC),
		SignatureAlgorithm:    x509.ECDSAWithSHA256,
		BasicConstraintsValid: true,
	}
	certDER, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("CreateCertificate() failed: %v", err)
	}
	cert, err := x509.ParseCertificate(certDER)
	if err != nil {
		t.Fatalf("ParseCertificate() failed: %v", err)
	}

	keyDER, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		t.Fatalf("MarshalPKCS8PrivateKey() failed: %v", err)
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER})

	if err := os.WriteFile(filepath.Join(dir, nickname+".crt"), certPEM, 0644); err != nil {
		t.Fatalf("WriteFile(.crt) failed: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, nickname+".key"), keyPEM, 0600); err != nil {
		t.Fatalf("WriteFile(.key) failed: %v", err)
	}

	return cert
}

func TestStoreFind(t *testing.T) {
	dir := t.TempDir()
	cert := writeFixtureIdentity(t, dir, "releases")

	store := Open(dir)
	defer store.Close()

	id, err := store.Find("releases")
	if err != nil {
		t.Fatalf("Find() failed: %v", err)
	}

	got, err := id.Certificate()
	if err != nil {
		t.Fatalf("Certificate() failed: %v", err)
	}
	if got.SerialNumber.Cmp(cert.SerialNumber) != 0 {
		t.Errorf("Certificate().SerialNumber = %v, want %v", got.SerialNumber, cert.SerialNumber)
	}

	der, err := id.PublicKeyDER()
	if err != nil {
		t.Fatalf("PublicKeyDER() failed: %v", err)
	}
	if len(der) == 0 {
		t.Errorf("PublicKeyDER() returned no bytes")
	}

	digest := make([]byte, 32)
	sig, err := id.Sign(rand.Reader, digest, crypto.SHA256)
	if err != nil {
		t.Fatalf("Sign() failed: %v", err)
	}
	if len(sig) == 0 {
		t.Errorf("Sign() returned no bytes")
	}
}

func TestStoreFindCertificateNotFound(t *testing.T) {
	dir := t.TempDir()
	store := Open(dir)

	if _, err := store.Find("missing"); err == nil {
		t.Errorf("Find(missing) err = nil, want ErrCertificateNotFound")
	}
}

func TestStoreFindPrivateKeyUnavailable(t *testing.T) {
	dir := t.TempDir()
	writeFixtureIdentity(t, dir, "partial")
	if err := os.Remove(filepath.Join(dir, "partial.key")); err != nil {
		t.Fatalf("Remove(.key) failed: %v", err)
	}

	store := Open(dir)
	if _, err := store.Find("partial"); err == nil {
		t.Errorf("Find(partial) with no key err = nil, want ErrPrivateKeyUnavailable")
	}
}
