package cms

import (
	"crypto/x509"
	"errors"

	"go.mozilla.org/pkcs7"
)

var (
	errNoSigners          = errors.New("cms: signed data has no signer infos")
	errSignerCertNotFound = errors.New("cms: no certificate matches the signer's issuer/serial")
)

// SignedData wraps a parsed PKCS#7 SignedData structure together with its
// decoded Authenticode content, so callers never touch go.mozilla.org/pkcs7
// directly.
type SignedData struct {
	// PKCS7 is the underlying parsed structure; exposed for callers that
	// need direct access to Signers/Certificates.
	PKCS7 *pkcs7.PKCS7

	// Indirect is the decoded SpcIndirectDataContent: which algorithm was
	// used to digest the image, and what digest it claims.
	Indirect IndirectDataContent
}

// Parse decodes raw as a CMS ContentInfo/SignedData structure wrapping an
// SpcIndirectDataContent, as found in a WIN_CERTIFICATE payload.
func Parse(raw []byte) (*SignedData, error) {
	p, err := pkcs7.Parse(raw)
	if err != nil {
		return nil, err
	}
	indirect, err := ParseIndirectDataContent(p.Content)
	if err != nil {
		return nil, err
	}
	return &SignedData{PKCS7: p, Indirect: indirect}, nil
}

// VerifyChain verifies the signer's certificate chain against roots,
// following RFC 2315/Authenticode's requirement that the end-entity
// certificate chain to a trusted root.
func (sd *SignedData) VerifyChain(roots *x509.CertPool) error {
	return sd.PKCS7.VerifyWithChain(roots)
}

// SignerCertificate returns the end-entity certificate matching the first
// SignerInfo's issuer/serial number, the certificate whose private key
// produced the signature.
func (sd *SignedData) SignerCertificate() (*x509.Certificate, error) {
	if len(sd.PKCS7.Signers) == 0 {
		return nil, errNoSigners
	}
	serial := sd.PKCS7.Signers[0].IssuerAndSerialNumber.SerialNumber
	for _, cert := range sd.PKCS7.Certificates {
		if cert.SerialNumber.Cmp(serial) == 0 {
			return cert, nil
		}
	}
	return nil, errSignerCertNotFound
}
