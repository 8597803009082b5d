// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

// Package identity provides the signing-identity boundary: looking up a
// certificate/private-key pair by nickname and signing with it. Credential
// storage and private-key custody are explicitly out of scope as a system
// concern (see the purpose/scope notes carried from the distilled spec);
// this package implements only the interface plus one concrete, portable
// reference store.
package identity

import (
	"crypto"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"io/ioutil"
	"path/filepath"
)

// Identity is the signing capability resolved from a nickname: a
// certificate and the crypto.Signer backing its private key.
// Identity satisfies crypto.Signer so it can be handed directly to
// cms.Builder.AddSignerChain, plus the two export accessors
// --export-cert/--export-pubkey need.
type Identity interface {
	crypto.Signer

	// Certificate returns the end-entity certificate.
	Certificate() (*x509.Certificate, error)

	// PublicKeyDER returns the DER-encoded SubjectPublicKeyInfo.
	PublicKeyDER() ([]byte, error)
}

// Provider resolves a nickname to a signing Identity. Implementations may
// wrap a local credential database or delegate over IPC to a process that
// holds keys; this package's Store is the former.
type Provider interface {
	Find(nickname string) (Identity, error)
	Close() error
}

var (
	// ErrCertificateNotFound is returned when no certificate matches the
	// requested nickname, even after the retry probe.
	ErrCertificateNotFound = errors.New("identity: certificate not found")

	// ErrPrivateKeyUnavailable is returned when a certificate was found but
	// its private key could not be loaded or does not implement
	// crypto.Signer.
	ErrPrivateKeyUnavailable = errors.New("identity: private key unavailable")
)

// Store is a directory of `<nickname>.crt` / `<nickname>.key` PEM pairs,
// opened once per process (see the resource-model notes on credential
// store lifecycle) and closed on every exit path.
type Store struct {
	dir string
}

// Open returns a Store rooted at dir. No filesystem access happens until
// Find is called; Open never fails.
func Open(dir string) *Store {
	return &Store{dir: dir}
}

// Close is a no-op for the filesystem-backed Store; present to satisfy
// Provider and to mirror a database-backed store's lifecycle.
func (s *Store) Close() error { return nil }

// Find loads the <nickname>.crt/<nickname>.key pair from the store
// directory. On a miss it globs cert*.db under the directory, a portable
// analogue of bluca/pesign's NSS cert8.db/cert9.db probe, but the result
// does not change the outcome: ErrCertificateNotFound is returned whether
// or not such files exist, and they are never opened or read.
func (s *Store) Find(nickname string) (Identity, error) {
	certPath := filepath.Join(s.dir, nickname+".crt")
	certPEM, err := ioutil.ReadFile(certPath)
	if err != nil {
		if matches, _ := filepath.Glob(filepath.Join(s.dir, "cert*.db")); len(matches) == 0 {
			return nil, fmt.Errorf("%w: %s", ErrCertificateNotFound, nickname)
		}
		// A cert*.db sibling exists (a store not yet migrated to the PEM
		// layout); still report not-found for this nickname, since that
		// layout is not one this store knows how to read.
		return nil, fmt.Errorf("%w: %s", ErrCertificateNotFound, nickname)
	}

	block, _ := pem.Decode(certPEM)
	if block == nil {
		return nil, fmt.Errorf("%w: %s: not PEM", ErrCertificateNotFound, certPath)
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCertificateNotFound, certPath, err)
	}

	keyPath := filepath.Join(s.dir, nickname+".key")
	keyPEM, err := ioutil.ReadFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrPrivateKeyUnavailable, keyPath)
	}
	keyBlock, _ := pem.Decode(keyPEM)
	if keyBlock == nil {
		return nil, fmt.Errorf("%w: %s: not PEM", ErrPrivateKeyUnavailable, keyPath)
	}

	signer, err := parsePrivateKey(keyBlock.Bytes, keyBlock.Type)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrPrivateKeyUnavailable, keyPath, err)
	}

	return &fileIdentity{cert: cert, signer: signer}, nil
}

func parsePrivateKey(der []byte, blockType string) (crypto.Signer, error) {
	if key, err := x509.ParsePKCS8PrivateKey(der); err == nil {
		if signer, ok := key.(crypto.Signer); ok {
			return signer, nil
		}
		return nil, errors.New("key does not implement crypto.Signer")
	}
	if key, err := x509.ParsePKCS1PrivateKey(der); err == nil {
		return key, nil
	}
	if key, err := x509.ParseECPrivateKey(der); err == nil {
		return key, nil
	}
	return nil, fmt.Errorf("unrecognized private key encoding (block type %q)", blockType)
}

// fileIdentity is the Identity backed by one <nickname>.crt/<nickname>.key
// pair already loaded into memory.
type fileIdentity struct {
	cert   *x509.Certificate
	signer crypto.Signer
}

func (f *fileIdentity) Certificate() (*x509.Certificate, error) {
	return f.cert, nil
}

func (f *fileIdentity) PublicKeyDER() ([]byte, error) {
	return x509.MarshalPKIXPublicKey(f.signer.Public())
}

// Public implements crypto.Signer.
func (f *fileIdentity) Public() crypto.PublicKey {
	return f.signer.Public()
}

// Sign implements crypto.Signer, delegating to the loaded private key.
func (f *fileIdentity) Sign(rnd io.Reader, digest []byte, opts crypto.SignerOpts) ([]byte, error) {
	if rnd == nil {
		rnd = rand.Reader
	}
	return f.signer.Sign(rnd, digest, opts)
}
