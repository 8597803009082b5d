// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package cms

import (
	"crypto"
	"crypto/x509/pkix"
	"testing"
)

func TestHashAlgorithmOIDRoundTrip(t *testing.T) {
	hashes := []crypto.Hash{crypto.SHA1, crypto.SHA256, crypto.SHA384, crypto.SHA512}
	for _, h := range hashes {
		oid, err := HashAlgorithmOID(h)
		if err != nil {
			t.Fatalf("HashAlgorithmOID(%v) failed: %v", h, err)
		}
		got, err := ParseHashAlgorithm(pkix.AlgorithmIdentifier{Algorithm: oid})
		if err != nil {
			t.Fatalf("ParseHashAlgorithm(%v) failed: %v", oid, err)
		}
		if got != h {
			t.Errorf("ParseHashAlgorithm(HashAlgorithmOID(%v)) = %v, want %v", h, got, h)
		}
	}
}

func TestHashAlgorithmOIDUnsupported(t *testing.T) {
	if _, err := HashAlgorithmOID(crypto.MD5); err == nil {
		t.Errorf("HashAlgorithmOID(MD5) err = nil, want an error")
	}
}
